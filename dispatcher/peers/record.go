package peers

import (
	"time"

	"github.com/canonical/vzdispatch/dispatcher/jobs"
)

// Session is the local user session a peer acts as.
type Session struct {
	ID   string
	User string
}

// Record is the registry entry of one peer connection.
type Record struct {
	Handle                  string
	AuthorizationInProgress bool
	Session                 *Session
	Flags                   uint32
	Conn                    jobs.Conn
	Created                 time.Time

	// Remote is the peer address, as reported by a trusted proxy if any.
	Remote string
}

// Trusted returns true once authorization has completed.
func (r Record) Trusted() bool {
	return !r.AuthorizationInProgress
}

// User returns the name of the impersonated user, if any.
func (r Record) User() string {
	if r.Session == nil {
		return ""
	}

	return r.Session.User
}
