package metadata

// UserContext represents the calling actor, set by auth middleware.
// A nil *UserContext is the anonymous actor.
type UserContext struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Groups   []string `json:"groups"`
	Roles    []string `json:"roles"`
}

// AdminRole is the role that bypasses layer permissions.
var AdminRole = "admin"

// HasRole checks whether the user has a specific role.
func (u *UserContext) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin checks whether the user has the admin role.
func (u *UserContext) IsAdmin() bool {
	return u.HasRole(AdminRole)
}

// IsAnonymous reports whether there is no authenticated actor.
func (u *UserContext) IsAnonymous() bool {
	return u == nil
}

// Name returns the username, or "" for the anonymous actor.
func (u *UserContext) Name() string {
	if u == nil {
		return ""
	}
	return u.Username
}
