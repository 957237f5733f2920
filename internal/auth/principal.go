// Package auth verifies (username, secret) pairs against the host's local
// password database and resolves authenticated principals to their OS
// identity. Externally every failure is the same generic authentication
// error; the refined cause is logged only.
package auth

// Principal is the authenticated OS user on behalf of whom work is performed.
type Principal struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
	Admin    bool
}

// CanAccess reports whether the principal may observe or control a resource
// owned by owner.
func (p *Principal) CanAccess(owner string) bool {
	return p.Admin || p.Username == owner
}

// System returns the internal principal used by server components acting on
// their own behalf (scheduler, reaper, snapshotter). Never minted for clients.
func System() *Principal {
	return &Principal{Username: "system", Admin: true}
}
