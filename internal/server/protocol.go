package server

import (
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/board"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/editlock"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/presence"
)

// Inbound event names.
const (
	EventJoin        = "join"
	EventLeave       = "leave"
	EventCreate      = "create"
	EventUpdate      = "update"
	EventDelete      = "delete"
	EventBatchCreate = "batch_create"
	EventBatchUpdate = "batch_update"
	EventBatchDelete = "batch_delete"
	EventHeartbeat   = "heartbeat"
	EventEditStart   = "edit_start"
	EventEditEnd     = "edit_end"
)

// Outbound event names.
const (
	EventState           = "state"
	EventCreated         = "created"
	EventUpdated         = "updated"
	EventDeleted         = "deleted"
	EventBatchCreated    = "batch_created"
	EventBatchUpdated    = "batch_updated"
	EventBatchDeleted    = "batch_deleted"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventConflictWarning = "conflict_warning"
	EventEditReclaim     = "edit_reclaim"
	EventEditStarted     = "edit_started"
	EventEditEnded       = "edit_ended"
	EventError           = "error"
	EventSuperseded      = "superseded"
)

// Error codes surfaced on the wire.
const (
	CodeInvalidPayload   = "invalid_payload"
	CodeNotInDocument    = "not_in_document"
	CodeNotFound         = "not_found"
	CodeDuplicateID      = "duplicate_id"
	CodeCapacityExceeded = "capacity_exceeded"
	CodeUnauthorized     = "unauthorized"
	CodeInternal         = "internal_error"
)

// Frame is one inbound protocol message. Exactly the fields relevant to the
// named event are populated.
type Frame struct {
	Event     string               `json:"event"`
	BoardID   string               `json:"documentId"`
	Object    *board.Object        `json:"object,omitempty"`
	Objects   []board.Object       `json:"objects,omitempty"`
	ObjectID  string               `json:"objectId,omitempty"`
	ObjectIDs []string             `json:"objectIds,omitempty"`
	Updates   board.Updates        `json:"updates,omitempty"`
	Moves     []board.ObjectUpdate `json:"moves,omitempty"`
}

// Event is one outbound protocol message.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// StatePayload is the join snapshot sent once to the joiner only.
type StatePayload struct {
	BoardID  string           `json:"documentId"`
	Objects  []board.Object   `json:"objects"`
	Version  int64            `json:"version"`
	Presence []presence.Entry `json:"presence"`
	Markers  []board.Marker   `json:"sidecarEntities"`
}

// ObjectPayload carries a full object for created events.
type ObjectPayload struct {
	BoardID string       `json:"documentId"`
	Object  board.Object `json:"object"`
}

// ObjectsPayload carries a full object batch plus the applied count.
type ObjectsPayload struct {
	BoardID string         `json:"documentId"`
	Objects []board.Object `json:"objects"`
	Applied int            `json:"applied"`
}

// UpdatePayload carries id + merged fields for updated events.
type UpdatePayload struct {
	BoardID  string       `json:"documentId"`
	ObjectID string       `json:"objectId"`
	Object   board.Object `json:"object"`
}

// UpdatesPayload carries a batch of merged updates.
type UpdatesPayload struct {
	BoardID string               `json:"documentId"`
	Moves   []board.ObjectUpdate `json:"moves"`
	Applied int                  `json:"applied"`
}

// DeletePayload carries the ids removed.
type DeletePayload struct {
	BoardID   string   `json:"documentId"`
	ObjectIDs []string `json:"objectIds"`
	Applied   int      `json:"applied,omitempty"`
}

// PresencePayload is the user_joined / user_left delta.
type PresencePayload struct {
	BoardID string         `json:"documentId"`
	Entry   presence.Entry `json:"entry"`
}

// LockPayload announces edit_started / edit_ended to the room.
type LockPayload struct {
	BoardID  string          `json:"documentId"`
	ObjectID string          `json:"objectId"`
	Holder   editlock.Holder `json:"holder"`
}

// ConflictPayload warns a lock holder that another identity wrote to the
// contended object.
type ConflictPayload struct {
	BoardID            string          `json:"documentId"`
	ObjectID           string          `json:"objectId"`
	ContendingIdentity editlock.Holder `json:"contendingIdentity"`
}

// ReclaimPayload tells a reconnecting client which objects it was mid-edit on.
type ReclaimPayload struct {
	BoardID   string   `json:"documentId"`
	ObjectIDs []string `json:"objectIds"`
}

// ErrorPayload is sent to the offending connection only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
