// Package auth carries the request principal and request id through the
// context. Identity verification itself lives outside the trust core; the
// gateway forwards the authenticated actor in headers.
package auth

// Principal is the authenticated actor of a request.
type Principal struct {
	ID    string
	Type  string
	Roles []string
}

// HasRole reports whether the principal carries the role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
