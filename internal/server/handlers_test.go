package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/auth"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/board"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/session"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/users"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type coreFixture struct {
	core  *Core
	hub   *Hub
	cache *board.Cache
	store *board.Store
	clock *fakeClock
}

func newCoreFixture(t *testing.T, capacity int) *coreFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&board.Board{}, &board.Marker{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store, err := board.NewStore(board.StoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	cache := board.NewCache()
	reconciler, err := board.NewReconciler(board.ReconcilerConfig{Cache: cache, Store: store})
	if err != nil {
		t.Fatalf("unexpected reconciler error: %v", err)
	}
	hub := NewHub()
	core, err := NewCore(CoreConfig{
		Cache:      cache,
		Store:      store,
		Reconciler: reconciler,
		Sessions:   session.NewRegistry(0, clock.Now),
		Hub:        hub,
		Capacity:   capacity,
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected core error: %v", err)
	}
	return &coreFixture{core: core, hub: hub, cache: cache, store: store, clock: clock}
}

func (f *coreFixture) createBoard(t *testing.T, boardID, ownerID string) {
	t.Helper()
	if _, err := f.store.Create(context.Background(), boardID, ownerID, ""); err != nil {
		t.Fatalf("unexpected board create error: %v", err)
	}
}

// connect registers a connection on the hub and runs the session handshake,
// mirroring what the websocket entry point does.
func (f *coreFixture) connect(t *testing.T, connID, userID string) (users.Profile, <-chan Event) {
	t.Helper()
	stream := f.hub.Register(connID, func() {})
	profile, err := f.core.Connect(connID, auth.SessionClaims{
		Subject:     userID,
		DisplayName: "User " + userID,
	})
	if err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	return profile, stream
}

func (f *coreFixture) join(t *testing.T, connID string, profile users.Profile, boardID string) {
	t.Helper()
	f.core.HandleFrame(context.Background(), connID, profile, Frame{Event: EventJoin, BoardID: boardID})
}

func stickyObject(id string) board.Object {
	x, y := 10.0, 20.0
	return board.Object{ID: id, Type: board.ObjectTypeSticky, X: &x, Y: &y}
}

func eventsNamed(events []Event, name string) []Event {
	var matched []Event
	for _, event := range events {
		if event.Event == name {
			matched = append(matched, event)
		}
	}
	return matched
}

func TestJoinDeliversStateAndAnnouncesToPeers(t *testing.T) {
	f := newCoreFixture(t, 0)
	f.createBoard(t, "b1", "u1")
	p1, s1 := f.connect(t, "c1", "u1")
	p2, s2 := f.connect(t, "c2", "u2")

	f.join(t, "c1", p1, "b1")
	got := drain(s1)
	states := eventsNamed(got, EventState)
	if len(states) != 1 {
		t.Fatalf("expected one state snapshot for first joiner, got %+v", got)
	}
	state := states[0].Data.(StatePayload)
	if state.Version != 1 || len(state.Objects) != 0 || len(state.Presence) != 1 {
		t.Fatalf("unexpected state payload %+v", state)
	}

	f.join(t, "c2", p2, "b1")
	if got := eventsNamed(drain(s2), EventState); len(got) != 1 {
		t.Fatalf("expected state snapshot for second joiner, got %+v", got)
	}
	joined := eventsNamed(drain(s1), EventUserJoined)
	if len(joined) != 1 {
		t.Fatalf("expected one user_joined at the first peer, got %+v", joined)
	}
	if joined[0].Data.(PresencePayload).Entry.Profile.UserID != "u2" {
		t.Fatalf("unexpected user_joined payload %+v", joined[0].Data)
	}
}

func TestJoinUnknownBoardFails(t *testing.T) {
	f := newCoreFixture(t, 0)
	p1, s1 := f.connect(t, "c1", "u1")
	f.join(t, "c1", p1, "ghost")
	errs := eventsNamed(drain(s1), EventError)
	if len(errs) != 1 || errs[0].Data.(ErrorPayload).Code != CodeNotFound {
		t.Fatalf("expected not_found error, got %+v", errs)
	}
}

func TestCreateEchoesToSender(t *testing.T) {
	f := newCoreFixture(t, 0)
	f.createBoard(t, "b1", "u1")
	p1, s1 := f.connect(t, "c1", "u1")
	p2, s2 := f.connect(t, "c2", "u2")
	f.join(t, "c1", p1, "b1")
	f.join(t, "c2", p2, "b1")
	drain(s1)
	drain(s2)

	obj := stickyObject("o1")
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventCreate, BoardID: "b1", Object: &obj})

	for name, stream := range map[string]<-chan Event{"sender": s1, "peer": s2} {
		created := eventsNamed(drain(stream), EventCreated)
		if len(created) != 1 {
			t.Fatalf("expected %s to observe the create, got %+v", name, created)
		}
		payload := created[0].Data.(ObjectPayload)
		if payload.Object.ID != "o1" || payload.Object.CreatedBy != "u1" {
			t.Fatalf("unexpected created payload at %s: %+v", name, payload)
		}
	}
}

func TestUpdateAndDeleteSkipSender(t *testing.T) {
	f := newCoreFixture(t, 0)
	f.createBoard(t, "b1", "u1")
	p1, s1 := f.connect(t, "c1", "u1")
	p2, s2 := f.connect(t, "c2", "u2")
	f.join(t, "c1", p1, "b1")
	f.join(t, "c2", p2, "b1")
	obj := stickyObject("o1")
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventCreate, BoardID: "b1", Object: &obj})
	drain(s1)
	drain(s2)

	f.core.HandleFrame(context.Background(), "c1", p1, Frame{
		Event:    EventUpdate,
		BoardID:  "b1",
		ObjectID: "o1",
		Updates:  board.Updates{"x": 99.0},
	})
	if got := eventsNamed(drain(s1), EventUpdated); len(got) != 0 {
		t.Fatalf("expected no update echo to the sender, got %+v", got)
	}
	updated := eventsNamed(drain(s2), EventUpdated)
	if len(updated) != 1 {
		t.Fatalf("expected peer to observe the update, got %+v", updated)
	}
	payload := updated[0].Data.(UpdatePayload)
	if payload.Object.X == nil || *payload.Object.X != 99.0 || payload.Object.UpdatedBy != "u1" {
		t.Fatalf("unexpected updated payload %+v", payload)
	}

	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventDelete, BoardID: "b1", ObjectID: "o1"})
	if got := eventsNamed(drain(s1), EventDeleted); len(got) != 0 {
		t.Fatalf("expected no delete echo to the sender, got %+v", got)
	}
	if got := eventsNamed(drain(s2), EventDeleted); len(got) != 1 {
		t.Fatalf("expected peer to observe the delete, got %+v", got)
	}
}

func TestMutationFromNonParticipantRejected(t *testing.T) {
	f := newCoreFixture(t, 0)
	f.createBoard(t, "b1", "u1")
	p1, s1 := f.connect(t, "c1", "u1")
	p2, s2 := f.connect(t, "c2", "u2")
	f.join(t, "c1", p1, "b1")
	drain(s1)

	// c2 never joined b1; its create must be rejected and stay invisible.
	obj := stickyObject("o1")
	f.core.HandleFrame(context.Background(), "c2", p2, Frame{Event: EventCreate, BoardID: "b1", Object: &obj})

	errs := eventsNamed(drain(s2), EventError)
	if len(errs) != 1 || errs[0].Data.(ErrorPayload).Code != CodeNotInDocument {
		t.Fatalf("expected not_in_document error, got %+v", errs)
	}
	if got := drain(s1); len(got) != 0 {
		t.Fatalf("expected participant to see nothing, got %+v", got)
	}
	objects, _, err := f.cache.Snapshot("b1")
	if err != nil || len(objects) != 0 {
		t.Fatalf("expected the rejected create to leave no trace, got %+v err=%v", objects, err)
	}
}

func TestDuplicateSessionSuperseded(t *testing.T) {
	f := newCoreFixture(t, 0)
	closed := false
	s1 := f.hub.Register("c1", func() { closed = true })
	if _, err := f.core.Connect("c1", auth.SessionClaims{Subject: "u1"}); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	f.connect(t, "c2", "u1")

	superseded := eventsNamed(drain(s1), EventSuperseded)
	if len(superseded) != 1 {
		t.Fatalf("expected superseded notice at the old connection, got %+v", superseded)
	}
	if !closed {
		t.Fatal("expected old connection to be force-closed")
	}
}

func TestConflictWarningGoesToOtherLockHolders(t *testing.T) {
	f := newCoreFixture(t, 0)
	f.createBoard(t, "b1", "u1")
	p1, s1 := f.connect(t, "c1", "u1")
	p2, s2 := f.connect(t, "c2", "u2")
	f.join(t, "c1", p1, "b1")
	f.join(t, "c2", p2, "b1")
	obj := stickyObject("o1")
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventCreate, BoardID: "b1", Object: &obj})
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventEditStart, BoardID: "b1", ObjectID: "o1"})
	drain(s1)
	drain(s2)

	// The write always lands; the lock holder just gets warned.
	f.core.HandleFrame(context.Background(), "c2", p2, Frame{
		Event:    EventUpdate,
		BoardID:  "b1",
		ObjectID: "o1",
		Updates:  board.Updates{"x": 5.0},
	})

	warnings := eventsNamed(drain(s1), EventConflictWarning)
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one conflict warning at the holder, got %+v", warnings)
	}
	payload := warnings[0].Data.(ConflictPayload)
	if payload.ObjectID != "o1" || payload.ContendingIdentity.UserID != "u2" {
		t.Fatalf("unexpected conflict payload %+v", payload)
	}
	if got := eventsNamed(drain(s2), EventConflictWarning); len(got) != 0 {
		t.Fatalf("expected no warning at the writer, got %+v", got)
	}
	objects, _, err := f.cache.Snapshot("b1")
	if err != nil || len(objects) != 1 || *objects[0].X != 5.0 {
		t.Fatalf("expected the contended write to stand, got %+v err=%v", objects, err)
	}
}

func TestDisconnectKeepsLocksForReclaim(t *testing.T) {
	f := newCoreFixture(t, 0)
	f.createBoard(t, "b1", "u1")
	p1, _ := f.connect(t, "c1", "u1")
	p2, s2 := f.connect(t, "c2", "u2")
	f.join(t, "c1", p1, "b1")
	f.join(t, "c2", p2, "b1")
	obj := stickyObject("o1")
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventCreate, BoardID: "b1", Object: &obj})
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventEditStart, BoardID: "b1", ObjectID: "o1"})
	drain(s2)

	f.core.HandleDisconnect(context.Background(), "c1", p1)
	if got := eventsNamed(drain(s2), EventUserLeft); len(got) != 1 {
		t.Fatalf("expected peer to learn of the drop, got %+v", got)
	}

	// Reconnect within the grace window: the lock is still held and reclaimed.
	f.clock.Advance(5 * time.Second)
	p1b, s1b := f.connect(t, "c1b", "u1")
	f.join(t, "c1b", p1b, "b1")

	reclaims := eventsNamed(drain(s1b), EventEditReclaim)
	if len(reclaims) != 1 {
		t.Fatalf("expected an edit reclaim for the reconnecting editor, got %+v", reclaims)
	}
	payload := reclaims[0].Data.(ReclaimPayload)
	if len(payload.ObjectIDs) != 1 || payload.ObjectIDs[0] != "o1" {
		t.Fatalf("unexpected reclaim payload %+v", payload)
	}
	if got := eventsNamed(drain(s2), EventEditStarted); len(got) != 1 {
		t.Fatalf("expected the room to be reminded of the held lock, got %+v", got)
	}
}

func TestVoluntaryLeaveReleasesLocks(t *testing.T) {
	f := newCoreFixture(t, 0)
	f.createBoard(t, "b1", "u1")
	p1, s1 := f.connect(t, "c1", "u1")
	p2, _ := f.connect(t, "c2", "u2")
	f.join(t, "c1", p1, "b1")
	f.join(t, "c2", p2, "b1")
	obj := stickyObject("o1")
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventCreate, BoardID: "b1", Object: &obj})
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventEditStart, BoardID: "b1", ObjectID: "o1"})
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventLeave, BoardID: "b1"})
	drain(s1)

	f.join(t, "c1", p1, "b1")
	if got := eventsNamed(drain(s1), EventEditReclaim); len(got) != 0 {
		t.Fatalf("expected nothing to reclaim after a voluntary leave, got %+v", got)
	}
}

func TestLastLeaveFlushesAndEvicts(t *testing.T) {
	f := newCoreFixture(t, 0)
	f.createBoard(t, "b1", "u1")
	p1, _ := f.connect(t, "c1", "u1")
	f.join(t, "c1", p1, "b1")
	obj := stickyObject("o1")
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventCreate, BoardID: "b1", Object: &obj})

	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventLeave, BoardID: "b1"})

	if f.cache.Resident("b1") {
		t.Fatal("expected working state to be evicted after the last leave")
	}
	record, err := f.store.Get(context.Background(), "b1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if record.Version != 2 || len(record.Objects) != 1 || record.Objects[0].ID != "o1" {
		t.Fatalf("expected flushed durable state, got %+v", record)
	}
}

func TestBatchCreateSkipsDuplicatesAndEchoes(t *testing.T) {
	f := newCoreFixture(t, 0)
	f.createBoard(t, "b1", "u1")
	p1, s1 := f.connect(t, "c1", "u1")
	f.join(t, "c1", p1, "b1")
	existing := stickyObject("o1")
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventCreate, BoardID: "b1", Object: &existing})
	drain(s1)

	f.core.HandleFrame(context.Background(), "c1", p1, Frame{
		Event:   EventBatchCreate,
		BoardID: "b1",
		Objects: []board.Object{stickyObject("o1"), stickyObject("o2"), stickyObject("o3")},
	})

	created := eventsNamed(drain(s1), EventBatchCreated)
	if len(created) != 1 {
		t.Fatalf("expected one batch_created echo, got %+v", created)
	}
	payload := created[0].Data.(ObjectsPayload)
	if payload.Applied != 2 || len(payload.Objects) != 2 {
		t.Fatalf("expected the duplicate to be skipped, got %+v", payload)
	}
}

func TestCreateOverCapacityFailsOnlyForSender(t *testing.T) {
	f := newCoreFixture(t, 2)
	f.createBoard(t, "b1", "u1")
	p1, s1 := f.connect(t, "c1", "u1")
	p2, s2 := f.connect(t, "c2", "u2")
	f.join(t, "c1", p1, "b1")
	f.join(t, "c2", p2, "b1")
	for _, id := range []string{"o1", "o2"} {
		obj := stickyObject(id)
		f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventCreate, BoardID: "b1", Object: &obj})
	}
	drain(s1)
	drain(s2)

	over := stickyObject("o3")
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventCreate, BoardID: "b1", Object: &over})

	errs := eventsNamed(drain(s1), EventError)
	if len(errs) != 1 || errs[0].Data.(ErrorPayload).Code != CodeCapacityExceeded {
		t.Fatalf("expected capacity_exceeded at the sender, got %+v", errs)
	}
	if got := drain(s2); len(got) != 0 {
		t.Fatalf("expected the peer to see nothing, got %+v", got)
	}
}

func TestUpdateMissingObjectReportsNotFound(t *testing.T) {
	f := newCoreFixture(t, 0)
	f.createBoard(t, "b1", "u1")
	p1, s1 := f.connect(t, "c1", "u1")
	f.join(t, "c1", p1, "b1")
	drain(s1)

	f.core.HandleFrame(context.Background(), "c1", p1, Frame{
		Event:    EventUpdate,
		BoardID:  "b1",
		ObjectID: "ghost",
		Updates:  board.Updates{"x": 1.0},
	})
	errs := eventsNamed(drain(s1), EventError)
	if len(errs) != 1 || errs[0].Data.(ErrorPayload).Code != CodeNotFound {
		t.Fatalf("expected not_found error, got %+v", errs)
	}
}

func TestMutationAfterEvictionReloadsWorkingState(t *testing.T) {
	f := newCoreFixture(t, 0)
	f.createBoard(t, "b1", "u1")
	p1, s1 := f.connect(t, "c1", "u1")
	f.join(t, "c1", p1, "b1")
	obj := stickyObject("o1")
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventCreate, BoardID: "b1", Object: &obj})
	drain(s1)

	// Simulates the flush loop racing a session: the entry vanishes under a
	// still-joined connection, and the mutation transparently reloads it.
	if err := f.core.reconciler.Evict(context.Background(), "b1"); err != nil {
		t.Fatalf("unexpected evict error: %v", err)
	}

	second := stickyObject("o2")
	f.core.HandleFrame(context.Background(), "c1", p1, Frame{Event: EventCreate, BoardID: "b1", Object: &second})
	if errs := eventsNamed(drain(s1), EventError); len(errs) != 0 {
		t.Fatalf("expected the mutation to succeed after reload, got %+v", errs)
	}
	objects, _, err := f.cache.Snapshot("b1")
	if err != nil || len(objects) != 2 {
		t.Fatalf("expected reloaded state with both objects, got %+v err=%v", objects, err)
	}
}
