package server

import (
	"sync"
)

// Hub fans protocol events out to the connections subscribed to each board.
// Sends are non-blocking: a subscriber whose buffer is full misses the event
// rather than stalling the publisher.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]map[string]*subscriber
	direct     map[string]*subscriber
	bufferSize int
}

type subscriber struct {
	connID string
	stream chan Event
	closer func()
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[string]*subscriber),
		direct:     make(map[string]*subscriber),
		bufferSize: 32,
	}
}

// Register adds a connection's outbound stream. closer forcibly closes the
// underlying connection; it is invoked on duplicate-session supersession.
func (h *Hub) Register(connID string, closer func()) <-chan Event {
	sub := &subscriber{
		connID: connID,
		stream: make(chan Event, h.bufferSize),
		closer: closer,
	}
	h.mu.Lock()
	h.direct[connID] = sub
	h.mu.Unlock()
	return sub.stream
}

// Unregister removes a connection from the hub and from any room.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.direct, connID)
	for boardID, room := range h.rooms {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, boardID)
		}
	}
}

// JoinRoom subscribes a registered connection to a board's broadcasts.
func (h *Hub) JoinRoom(boardID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.direct[connID]
	if !ok {
		return
	}
	room, ok := h.rooms[boardID]
	if !ok {
		room = make(map[string]*subscriber)
		h.rooms[boardID] = room
	}
	room[connID] = sub
}

// LeaveRoom unsubscribes a connection from a board's broadcasts.
func (h *Hub) LeaveRoom(boardID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[boardID]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, boardID)
	}
}

// Publish delivers an event to every connection in a board's room.
func (h *Hub) Publish(boardID string, event Event) {
	h.publish(boardID, "", event)
}

// PublishExcept delivers an event to every connection in a board's room
// except the sender. This is the no-echo rule for update and delete.
func (h *Hub) PublishExcept(boardID, exceptConnID string, event Event) {
	h.publish(boardID, exceptConnID, event)
}

func (h *Hub) publish(boardID, exceptConnID string, event Event) {
	h.mu.RLock()
	room := h.rooms[boardID]
	copies := make([]*subscriber, 0, len(room))
	for connID, sub := range room {
		if connID == exceptConnID {
			continue
		}
		copies = append(copies, sub)
	}
	h.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SendTo delivers an event to one specific connection.
func (h *Hub) SendTo(connID string, event Event) {
	h.mu.RLock()
	sub := h.direct[connID]
	h.mu.RUnlock()
	if sub == nil {
		return
	}
	select {
	case sub.stream <- event:
	default:
	}
}

// Close forcibly closes a connection via its registered closer.
func (h *Hub) Close(connID string) {
	h.mu.RLock()
	sub := h.direct[connID]
	h.mu.RUnlock()
	if sub != nil && sub.closer != nil {
		sub.closer()
	}
}
