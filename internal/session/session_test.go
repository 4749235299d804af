package session

import (
	"testing"
	"time"
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

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewRegistry(DefaultTTL, clock.Now), clock
}

func TestRegisterAndGet(t *testing.T) {
	registry, _ := newTestRegistry()
	registry.Register("c1", "u1")

	s, ok := registry.Get("c1")
	if !ok {
		t.Fatal("expected session to exist")
	}
	if s.UserID != "u1" || s.BoardID != "" {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestSetBoardUpdatesMembership(t *testing.T) {
	registry, _ := newTestRegistry()
	registry.Register("c1", "u1")
	registry.SetBoard("c1", "b1")

	s, ok := registry.Get("c1")
	if !ok || s.BoardID != "b1" {
		t.Fatalf("expected board b1, got %+v ok=%v", s, ok)
	}

	registry.SetBoard("c1", "")
	s, _ = registry.Get("c1")
	if s.BoardID != "" {
		t.Fatalf("expected cleared board, got %q", s.BoardID)
	}
}

func TestStaleSessionsExpire(t *testing.T) {
	registry, clock := newTestRegistry()
	registry.Register("c1", "u1")
	registry.Register("c2", "u2")

	clock.Advance(DefaultTTL / 2)
	registry.Touch("c1")

	clock.Advance(DefaultTTL/2 + time.Second)
	if _, ok := registry.Get("c1"); !ok {
		t.Fatal("expected touched session to survive")
	}
	if _, ok := registry.Get("c2"); ok {
		t.Fatal("expected untouched session to expire")
	}
}

func TestRemoveDropsSession(t *testing.T) {
	registry, _ := newTestRegistry()
	registry.Register("c1", "u1")
	registry.Remove("c1")
	if _, ok := registry.Get("c1"); ok {
		t.Fatal("expected removed session to be gone")
	}
}

func TestConnectionsForExcludesGivenConnection(t *testing.T) {
	registry, _ := newTestRegistry()
	registry.Register("c1", "u1")
	registry.Register("c2", "u1")
	registry.Register("c3", "u2")

	conns := registry.ConnectionsFor("u1", "c2")
	if len(conns) != 1 || conns[0] != "c1" {
		t.Fatalf("expected only c1, got %v", conns)
	}
}

func TestConnectionsInBoardFiltersByMembership(t *testing.T) {
	registry, _ := newTestRegistry()
	registry.Register("c1", "u1")
	registry.Register("c2", "u1")
	registry.Register("c3", "u2")
	registry.SetBoard("c1", "b1")
	registry.SetBoard("c2", "b2")
	registry.SetBoard("c3", "b1")

	conns := registry.ConnectionsInBoard("u1", "b1")
	if len(conns) != 1 || conns[0] != "c1" {
		t.Fatalf("expected only c1 joined to b1 as u1, got %v", conns)
	}
}
