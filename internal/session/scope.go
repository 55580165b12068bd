// ABOUTME: Scope checks with the master sentinel and any-of semantics

package session

// MasterScope satisfies every scope check unconditionally.
const MasterScope = "master"

// HasScope reports whether the principal may perform an action guarded by
// the given scopes. With several acceptable scopes the check is any-of:
// holding one of them suffices. A principal holding the master sentinel
// passes every check.
func HasScope(p *Principal, required ...string) bool {
	if p == nil {
		return false
	}
	held := make(map[string]bool, len(p.Scopes))
	for _, s := range p.Scopes {
		held[s] = true
	}
	if held[MasterScope] {
		return true
	}
	for _, r := range required {
		if held[r] {
			return true
		}
	}
	return false
}
