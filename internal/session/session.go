package session

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultTTL is a hygiene bound: a session row untouched for longer than
// this is treated as dead even if its connection was never torn down cleanly.
const DefaultTTL = 2 * time.Minute

// Session maps an open connection to its identity and, once joined, the
// board it participates in. It is authoritative for "which board is this
// connection in" so mutation requests from non-participants can be rejected.
type Session struct {
	ConnID  string
	UserID  string
	BoardID string

	touchedAt time.Time
}

// Registry tracks every open connection's session.
type Registry struct {
	sessions *xsync.MapOf[string, Session]
	ttl      time.Duration
	clock    func() time.Time
}

// NewRegistry constructs a session registry. A non-positive ttl falls back
// to DefaultTTL; a nil clock falls back to time.Now.
func NewRegistry(ttl time.Duration, clock func() time.Time) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		sessions: xsync.NewMapOf[string, Session](),
		ttl:      ttl,
		clock:    clock,
	}
}

// Register records a freshly authenticated connection.
func (r *Registry) Register(connID, userID string) {
	r.sessions.Store(connID, Session{
		ConnID:    connID,
		UserID:    userID,
		touchedAt: r.clock(),
	})
}

// SetBoard records which board the connection is joined to; an empty board
// id marks the connection as not joined anywhere.
func (r *Registry) SetBoard(connID, boardID string) {
	if s, ok := r.sessions.Load(connID); ok {
		s.BoardID = boardID
		s.touchedAt = r.clock()
		r.sessions.Store(connID, s)
	}
}

// Get returns the live session for a connection.
func (r *Registry) Get(connID string) (Session, bool) {
	s, ok := r.sessions.Load(connID)
	if !ok {
		return Session{}, false
	}
	if r.clock().Sub(s.touchedAt) > r.ttl {
		r.sessions.Delete(connID)
		return Session{}, false
	}
	return s, true
}

// Touch refreshes the hygiene TTL of a session.
func (r *Registry) Touch(connID string) {
	if s, ok := r.sessions.Load(connID); ok {
		s.touchedAt = r.clock()
		r.sessions.Store(connID, s)
	}
}

// Remove drops the session for a closed connection.
func (r *Registry) Remove(connID string) {
	r.sessions.Delete(connID)
}

// ConnectionsFor lists the connection ids belonging to an identity,
// optionally excluding one connection. Used for last-login-wins eviction and
// for the duplicate-connection check on disconnect.
func (r *Registry) ConnectionsFor(userID, exceptConnID string) []string {
	var conns []string
	r.sessions.Range(func(connID string, s Session) bool {
		if s.UserID == userID && connID != exceptConnID {
			conns = append(conns, connID)
		}
		return true
	})
	return conns
}

// ConnectionsInBoard lists the connection ids of an identity joined to a
// specific board.
func (r *Registry) ConnectionsInBoard(userID, boardID string) []string {
	var conns []string
	r.sessions.Range(func(connID string, s Session) bool {
		if s.UserID == userID && s.BoardID == boardID {
			conns = append(conns, connID)
		}
		return true
	})
	return conns
}
