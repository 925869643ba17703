package engine

import (
	"fmt"

	"layer-engine/internal/metadata"
)

// ResolveRights computes what user may do on layer. Admins get everything.
// Everyone gets the anonymous flags; an authenticated user adds the
// authenticated flags, their own grant and the grants of each of their
// groups. Grants only ever widen the anonymous baseline.
func ResolveRights(layer *metadata.Layer, user *metadata.UserContext) metadata.Rights {
	if user.IsAdmin() {
		return metadata.AllRights
	}
	rights := layer.Anonymous
	if user.IsAnonymous() {
		return rights
	}
	rights = rights.Or(layer.Authenticated)
	if g, ok := layer.UserGrants[user.Username]; ok {
		rights = rights.Or(g)
	}
	for _, group := range user.Groups {
		if g, ok := layer.GroupGrants[group]; ok {
			rights = rights.Or(g)
		}
	}
	return rights
}

// CheckPermission fails when user lacks any of the rights. Anonymous
// actors get UNAUTHENTICATED, authenticated ones FORBIDDEN.
func CheckPermission(user *metadata.UserContext, layer *metadata.Layer, rights ...metadata.Right) error {
	granted := ResolveRights(layer, user)
	for _, r := range rights {
		if granted.Has(r) {
			continue
		}
		if user.IsAnonymous() {
			return UnauthorizedError("Authentication required")
		}
		return ForbiddenError(fmt.Sprintf("Permission denied for %s on %s", r, layer.Name))
	}
	return nil
}
