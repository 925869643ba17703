package engine

import (
	"errors"
	"testing"

	"layer-engine/internal/metadata"
)

func grantLayer() *metadata.Layer {
	return &metadata.Layer{
		Name:          "parcels",
		Anonymous:     metadata.Rights{View: true},
		Authenticated: metadata.Rights{},
		UserGrants:    map[string]metadata.Rights{"alice": {Add: true}},
		GroupGrants: map[string]metadata.Rights{
			"editors":  {Update: true},
			"cleaners": {Delete: true},
		},
	}
}

func TestResolveRights(t *testing.T) {
	layer := grantLayer()

	cases := []struct {
		name string
		user *metadata.UserContext
		want metadata.Rights
	}{
		{"anonymous", nil, metadata.Rights{View: true}},
		{"stranger", &metadata.UserContext{Username: "eve"}, metadata.Rights{View: true}},
		{"user grant", &metadata.UserContext{Username: "alice"}, metadata.Rights{View: true, Add: true}},
		{"group union", &metadata.UserContext{Username: "bob", Groups: []string{"editors", "cleaners"}},
			metadata.Rights{View: true, Update: true, Delete: true}},
		{"admin", &metadata.UserContext{Username: "root", Roles: []string{"admin"}}, metadata.AllRights},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveRights(layer, tc.user); got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestResolveRights_MonotonicInGrants(t *testing.T) {
	layer := grantLayer()
	layer.Anonymous = metadata.Rights{View: true, Delete: true}
	user := &metadata.UserContext{Username: "carol"}

	steps := []func(){
		func() {},
		func() { user.Groups = append(user.Groups, "editors") },
		func() { layer.UserGrants["carol"] = metadata.Rights{Add: true} },
		func() { user.Groups = append(user.Groups, "cleaners") },
	}
	prev := metadata.Rights{}
	for i, step := range steps {
		step()
		got := ResolveRights(layer, user)
		for _, r := range []metadata.Right{metadata.RightView, metadata.RightAdd, metadata.RightUpdate, metadata.RightDelete} {
			if prev.Has(r) && !got.Has(r) {
				t.Fatalf("step %d lost %s", i, r)
			}
			if layer.Anonymous.Has(r) && !got.Has(r) {
				t.Fatalf("step %d below anonymous baseline for %s", i, r)
			}
		}
		prev = got
	}
	if prev != metadata.AllRights {
		t.Fatalf("expected all rights after every grant, got %+v", prev)
	}
}

func TestCheckPermission_UnauthenticatedVsForbidden(t *testing.T) {
	layer := grantLayer()

	err := CheckPermission(nil, layer, metadata.RightAdd)
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Status != 401 || appErr.Code != "UNAUTHENTICATED" {
		t.Fatalf("expected 401 UNAUTHENTICATED, got %v", err)
	}

	err = CheckPermission(&metadata.UserContext{Username: "alice"}, layer, metadata.RightAdd, metadata.RightUpdate, metadata.RightDelete)
	if !errors.As(err, &appErr) || appErr.Status != 403 {
		t.Fatalf("expected 403 for partial bulk grant, got %v", err)
	}

	if err := CheckPermission(nil, layer, metadata.RightView); err != nil {
		t.Fatalf("anonymous view should pass: %v", err)
	}
}
