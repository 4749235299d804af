package presence

import (
	"sync"
	"time"

	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/users"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultTTL is how long a presence entry survives without a heartbeat.
const DefaultTTL = 30 * time.Second

// palette holds the deterministic presence colors. The first unused slot is
// assigned on join; once exhausted, assignment falls back to count mod size.
var palette = []string{
	"#E53935", "#8E24AA", "#3949AB", "#039BE5",
	"#00897B", "#7CB342", "#FDD835", "#FB8C00",
}

// Entry is one identity's live membership of a board.
type Entry struct {
	Profile       users.Profile `json:"profile"`
	Color         string        `json:"color"`
	lastHeartbeat time.Time
}

type roster struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Manager tracks which identities are connected to which board, with
// heartbeat-refreshed expiry. Expired entries self-heal out of listings; no
// explicit cleanup is needed after a hard process kill.
type Manager struct {
	rosters *xsync.MapOf[string, *roster]
	ttl     time.Duration
	clock   func() time.Time
}

// NewManager constructs a presence manager. A non-positive ttl falls back to
// DefaultTTL; a nil clock falls back to time.Now.
func NewManager(ttl time.Duration, clock func() time.Time) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		rosters: xsync.NewMapOf[string, *roster](),
		ttl:     ttl,
		clock:   clock,
	}
}

func (m *Manager) rosterFor(boardID string) *roster {
	r, _ := m.rosters.LoadOrCompute(boardID, func() *roster {
		return &roster{entries: make(map[string]*Entry)}
	})
	return r
}

// Join registers an identity on a board and assigns its presence color. A
// re-join refreshes the heartbeat and keeps the existing color.
func (m *Manager) Join(boardID string, profile users.Profile) Entry {
	r := m.rosterFor(boardID)
	r.mu.Lock()
	defer r.mu.Unlock()
	now := m.clock()
	m.expireLocked(r, now)

	if existing, ok := r.entries[profile.UserID]; ok {
		existing.Profile = profile
		existing.lastHeartbeat = now
		return *existing
	}

	entry := &Entry{
		Profile:       profile,
		Color:         r.nextColorLocked(),
		lastHeartbeat: now,
	}
	r.entries[profile.UserID] = entry
	return *entry
}

// Heartbeat refreshes the expiry of an identity's presence entry. It reports
// whether the entry was still live.
func (m *Manager) Heartbeat(boardID, userID string) bool {
	r := m.rosterFor(boardID)
	r.mu.Lock()
	defer r.mu.Unlock()
	now := m.clock()
	m.expireLocked(r, now)
	entry, ok := r.entries[userID]
	if !ok {
		return false
	}
	entry.lastHeartbeat = now
	return true
}

// Leave removes an identity's presence entry.
func (m *Manager) Leave(boardID, userID string) {
	r, ok := m.rosters.Load(boardID)
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.entries, userID)
	empty := len(r.entries) == 0
	r.mu.Unlock()
	if empty {
		m.rosters.Delete(boardID)
	}
}

// List returns the live presence entries for a board, dropping any whose
// heartbeat lapsed past the TTL.
func (m *Manager) List(boardID string) []Entry {
	r, ok := m.rosters.Load(boardID)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m.expireLocked(r, m.clock())
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, *entry)
	}
	return out
}

// Count returns the number of live participants on a board.
func (m *Manager) Count(boardID string) int {
	r, ok := m.rosters.Load(boardID)
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m.expireLocked(r, m.clock())
	return len(r.entries)
}

func (m *Manager) expireLocked(r *roster, now time.Time) {
	for userID, entry := range r.entries {
		if now.Sub(entry.lastHeartbeat) > m.ttl {
			delete(r.entries, userID)
		}
	}
}

func (r *roster) nextColorLocked() string {
	used := make(map[string]struct{}, len(r.entries))
	for _, entry := range r.entries {
		used[entry.Color] = struct{}{}
	}
	for _, color := range palette {
		if _, taken := used[color]; !taken {
			return color
		}
	}
	return palette[len(r.entries)%len(palette)]
}
