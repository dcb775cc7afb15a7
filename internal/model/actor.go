package model

// Actor represents the authenticated caller, set by auth middleware.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// HasRole checks whether the actor has a specific role.
func (a *Actor) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin checks whether the actor has the admin role.
func (a *Actor) IsAdmin() bool {
	return a.HasRole("admin")
}
