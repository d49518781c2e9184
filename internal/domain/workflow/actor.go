package workflow

// Actor is the authenticated caller of an engine operation
type Actor struct {
	ID          string   `json:"id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// HasRole returns true if the actor holds role
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission returns true if the actor holds permission
func (a Actor) HasPermission(permission string) bool {
	for _, p := range a.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// IsAuthenticated returns true if the actor carries an identity
func (a Actor) IsAuthenticated() bool {
	return a.ID != ""
}

// Satisfies reports whether the actor may move an instance into stage.
// Either a listed role or a listed permission is enough.
func (a Actor) Satisfies(stage *StageDefinition) bool {
	if !a.IsAuthenticated() {
		return false
	}
	if stage.IsOpen() {
		return true
	}
	for _, r := range stage.Roles {
		if a.HasRole(r) {
			return true
		}
	}
	for _, p := range stage.Permissions {
		if a.HasPermission(p) {
			return true
		}
	}
	return false
}
