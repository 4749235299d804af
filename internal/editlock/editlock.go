package editlock

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultTTL bounds how long an advisory lock survives without a refresh.
// It doubles as the reconnect grace window after an involuntary disconnect.
const DefaultTTL = 20 * time.Second

// Holder identifies one identity currently editing an object.
type Holder struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type lockEntry struct {
	displayName string
	expiresAt   time.Time
}

type lockTable struct {
	mu sync.Mutex
	// objectID -> userID -> entry
	locks map[string]map[string]lockEntry
}

// Manager tracks per-object advisory edit locks. Locks never block a write;
// they exist so concurrent editors of the same object can be warned.
type Manager struct {
	tables *xsync.MapOf[string, *lockTable]
	ttl    time.Duration
	clock  func() time.Time
}

// NewManager constructs an edit-lock manager. A non-positive ttl falls back
// to DefaultTTL; a nil clock falls back to time.Now.
func NewManager(ttl time.Duration, clock func() time.Time) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		tables: xsync.NewMapOf[string, *lockTable](),
		ttl:    ttl,
		clock:  clock,
	}
}

func (m *Manager) tableFor(boardID string) *lockTable {
	t, _ := m.tables.LoadOrCompute(boardID, func() *lockTable {
		return &lockTable{locks: make(map[string]map[string]lockEntry)}
	})
	return t
}

// Acquire unconditionally records the lock (re-entrant: acquiring an
// already-held lock just refreshes its TTL) and returns the other identities
// currently holding a lock on the same object.
func (m *Manager) Acquire(boardID, objectID, userID, displayName string) []Holder {
	t := m.tableFor(boardID)
	t.mu.Lock()
	defer t.mu.Unlock()
	now := m.clock()
	m.expireLocked(t, now)

	holders := t.locks[objectID]
	if holders == nil {
		holders = make(map[string]lockEntry)
		t.locks[objectID] = holders
	}
	holders[userID] = lockEntry{displayName: displayName, expiresAt: now.Add(m.ttl)}

	others := make([]Holder, 0, len(holders)-1)
	for holderID, entry := range holders {
		if holderID == userID {
			continue
		}
		others = append(others, Holder{UserID: holderID, DisplayName: entry.displayName})
	}
	return others
}

// Release drops one identity's lock on one object.
func (m *Manager) Release(boardID, objectID, userID string) {
	t, ok := m.tables.Load(boardID)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if holders, ok := t.locks[objectID]; ok {
		delete(holders, userID)
		if len(holders) == 0 {
			delete(t.locks, objectID)
		}
	}
}

// ReleaseAll drops every lock an identity holds on a board. Used on
// voluntary leave; involuntary disconnects instead leave locks to lapse by
// TTL so the identity can reclaim them on reconnect.
func (m *Manager) ReleaseAll(boardID, userID string) {
	t, ok := m.tables.Load(boardID)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for objectID, holders := range t.locks {
		delete(holders, userID)
		if len(holders) == 0 {
			delete(t.locks, objectID)
		}
	}
}

// Refresh extends the TTL of every lock an identity still holds on a board
// and returns the object ids covered. The expiry is pushed out from now; the
// original acquisition is preserved, not restarted.
func (m *Manager) Refresh(boardID, userID string) []string {
	t, ok := m.tables.Load(boardID)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := m.clock()
	m.expireLocked(t, now)
	var objectIDs []string
	for objectID, holders := range t.locks {
		if entry, held := holders[userID]; held {
			entry.expiresAt = now.Add(m.ttl)
			holders[userID] = entry
			objectIDs = append(objectIDs, objectID)
		}
	}
	return objectIDs
}

// HeldBy lists the object ids an identity holds not-yet-expired locks on.
func (m *Manager) HeldBy(boardID, userID string) []string {
	t, ok := m.tables.Load(boardID)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m.expireLocked(t, m.clock())
	var objectIDs []string
	for objectID, holders := range t.locks {
		if _, held := holders[userID]; held {
			objectIDs = append(objectIDs, objectID)
		}
	}
	return objectIDs
}

// Holders lists the identities currently holding a lock on an object.
func (m *Manager) Holders(boardID, objectID string) []Holder {
	t, ok := m.tables.Load(boardID)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m.expireLocked(t, m.clock())
	holders := t.locks[objectID]
	out := make([]Holder, 0, len(holders))
	for holderID, entry := range holders {
		out = append(out, Holder{UserID: holderID, DisplayName: entry.displayName})
	}
	return out
}

func (m *Manager) expireLocked(t *lockTable, now time.Time) {
	for objectID, holders := range t.locks {
		for holderID, entry := range holders {
			if now.After(entry.expiresAt) {
				delete(holders, holderID)
			}
		}
		if len(holders) == 0 {
			delete(t.locks, objectID)
		}
	}
}
