package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/auth"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/board"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/editlock"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/presence"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/session"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/telemetry"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/users"
	"go.uber.org/zap"
)

var (
	errMissingCache      = errors.New("working-state cache dependency required")
	errMissingStore      = errors.New("board store dependency required")
	errMissingReconciler = errors.New("reconciler dependency required")
	errMissingHub        = errors.New("hub dependency required")
)

// CoreConfig wires the sync core's collaborators into the protocol handlers.
type CoreConfig struct {
	Cache      *board.Cache
	Store      *board.Store
	Reconciler *board.Reconciler
	Presence   *presence.Manager
	Locks      *editlock.Manager
	Sessions   *session.Registry
	Hub        *Hub
	Users      *users.Service
	Capacity   int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Core orchestrates the connection lifecycle and the mutation protocol: it
// validates inbound frames, authorizes the sender's session, applies the
// matching mutation primitive and broadcasts the result.
type Core struct {
	cache      *board.Cache
	store      *board.Store
	reconciler *board.Reconciler
	presence   *presence.Manager
	locks      *editlock.Manager
	sessions   *session.Registry
	hub        *Hub
	users      *users.Service
	capacity   int
	clock      func() time.Time
	logger     *zap.Logger
}

// NewCore constructs the protocol core.
func NewCore(cfg CoreConfig) (*Core, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pres := cfg.Presence
	if pres == nil {
		pres = presence.NewManager(0, clock)
	}
	locks := cfg.Locks
	if locks == nil {
		locks = editlock.NewManager(0, clock)
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = session.NewRegistry(0, clock)
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 2000
	}
	return &Core{
		cache:      cfg.Cache,
		store:      cfg.Store,
		reconciler: cfg.Reconciler,
		presence:   pres,
		locks:      locks,
		sessions:   sessions,
		hub:        cfg.Hub,
		users:      cfg.Users,
		capacity:   capacity,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Connect runs after a connection authenticates: it resolves the display
// profile, enforces last-login-wins by superseding the identity's other open
// connections, and registers the session.
func (c *Core) Connect(connID string, claims auth.SessionClaims) (users.Profile, error) {
	profile := users.Profile{UserID: claims.Subject, DisplayName: claims.DisplayName, AvatarURL: claims.AvatarURL}
	if profile.DisplayName == "" {
		profile.DisplayName = claims.Subject
	}
	if c.users != nil {
		resolved, err := c.users.ResolveProfile(claims)
		if err != nil {
			return users.Profile{}, err
		}
		profile = resolved
	}

	for _, otherConnID := range c.sessions.ConnectionsFor(claims.Subject, connID) {
		c.hub.SendTo(otherConnID, Event{Event: EventSuperseded})
		c.hub.Close(otherConnID)
		telemetry.SessionsEvicted.Inc()
		c.logger.Info("superseded duplicate session",
			zap.String("user_id", claims.Subject),
			zap.String("old_conn_id", otherConnID),
			zap.String("new_conn_id", connID))
	}

	c.sessions.Register(connID, claims.Subject)
	telemetry.SessionsOpened.Inc()
	return profile, nil
}

// HandleFrame processes one inbound message. Frames from a single connection
// arrive here in order; errors are reported only to the offending connection.
func (c *Core) HandleFrame(ctx context.Context, connID string, profile users.Profile, frame Frame) {
	c.sessions.Touch(connID)
	var err error
	switch frame.Event {
	case EventJoin:
		err = c.handleJoin(ctx, connID, profile, frame.BoardID)
	case EventLeave:
		err = c.handleLeave(ctx, connID, profile, frame.BoardID)
	case EventCreate:
		err = c.handleCreate(ctx, connID, profile, frame)
	case EventUpdate:
		err = c.handleUpdate(ctx, connID, profile, frame)
	case EventDelete:
		err = c.handleDelete(ctx, connID, profile, frame)
	case EventBatchCreate:
		err = c.handleBatchCreate(ctx, connID, profile, frame)
	case EventBatchUpdate:
		err = c.handleBatchUpdate(ctx, connID, profile, frame)
	case EventBatchDelete:
		err = c.handleBatchDelete(ctx, connID, profile, frame)
	case EventHeartbeat:
		err = c.handleHeartbeat(connID, profile, frame.BoardID)
	case EventEditStart:
		err = c.handleEditStart(connID, profile, frame)
	case EventEditEnd:
		err = c.handleEditEnd(connID, profile, frame)
	default:
		err = protocolError(CodeInvalidPayload, fmt.Sprintf("unknown event %q", frame.Event))
	}
	if err != nil {
		c.hub.SendTo(connID, Event{Event: EventError, Data: toErrorPayload(err)})
	}
}

// HandleDisconnect runs when a connection drops without a voluntary leave.
// Edit locks are deliberately not released: they lapse by TTL, which is the
// reconnect grace window.
func (c *Core) HandleDisconnect(ctx context.Context, connID string, profile users.Profile) {
	sess, ok := c.sessions.Get(connID)
	c.sessions.Remove(connID)
	c.hub.Unregister(connID)
	if !ok || sess.BoardID == "" {
		return
	}
	// The same identity may still be present via another connection (the
	// supersession handshake briefly overlaps); if so this identity has not
	// actually left.
	if len(c.sessions.ConnectionsFor(profile.UserID, connID)) > 0 {
		return
	}
	c.teardownPresence(ctx, connID, profile, sess.BoardID)
}

func (c *Core) handleJoin(ctx context.Context, connID string, profile users.Profile, boardID string) error {
	if boardID == "" {
		return protocolError(CodeInvalidPayload, "documentId is required")
	}
	if _, err := c.store.Get(ctx, boardID); err != nil {
		return err
	}

	if sess, ok := c.sessions.Get(connID); ok && sess.BoardID != "" && sess.BoardID != boardID {
		if err := c.handleLeave(ctx, connID, profile, sess.BoardID); err != nil {
			c.logger.Warn("implicit leave before join failed",
				zap.String("conn_id", connID), zap.Error(err))
		}
	}

	objects, version, err := c.reconciler.GetOrLoad(ctx, boardID)
	if err != nil {
		return err
	}

	entry := c.presence.Join(boardID, profile)
	c.sessions.SetBoard(connID, boardID)
	c.hub.JoinRoom(boardID, connID)

	markers, err := c.store.ListMarkers(ctx, boardID)
	if err != nil {
		c.logger.Warn("marker load failed", zap.String("board_id", boardID), zap.Error(err))
		markers = nil
	}

	c.hub.SendTo(connID, Event{Event: EventState, Data: StatePayload{
		BoardID:  boardID,
		Objects:  objects,
		Version:  version,
		Presence: c.presence.List(boardID),
		Markers:  markers,
	}})
	c.hub.PublishExcept(boardID, connID, Event{Event: EventUserJoined, Data: PresencePayload{
		BoardID: boardID,
		Entry:   entry,
	}})

	// Reconnection: surviving locks from a prior session are refreshed, the
	// client is told which objects it was mid-edit on, and the room is
	// reminded those objects are still contended.
	if reclaimed := c.locks.Refresh(boardID, profile.UserID); len(reclaimed) > 0 {
		c.hub.SendTo(connID, Event{Event: EventEditReclaim, Data: ReclaimPayload{
			BoardID:   boardID,
			ObjectIDs: reclaimed,
		}})
		holder := editlock.Holder{UserID: profile.UserID, DisplayName: profile.DisplayName}
		for _, objectID := range reclaimed {
			c.hub.PublishExcept(boardID, connID, Event{Event: EventEditStarted, Data: LockPayload{
				BoardID:  boardID,
				ObjectID: objectID,
				Holder:   holder,
			}})
		}
	}

	go c.audit("join", boardID, profile.UserID)
	return nil
}

func (c *Core) handleLeave(ctx context.Context, connID string, profile users.Profile, boardID string) error {
	if err := c.requireJoined(connID, boardID); err != nil {
		return err
	}
	// Voluntary leave releases locks immediately; there is no grace period.
	c.locks.ReleaseAll(boardID, profile.UserID)
	c.teardownPresence(ctx, connID, profile, boardID)
	go c.audit("leave", boardID, profile.UserID)
	return nil
}

// teardownPresence is the shared tail of leave and disconnect: presence
// removal, last-participant flush-and-evict, and the leave broadcast.
func (c *Core) teardownPresence(ctx context.Context, connID string, profile users.Profile, boardID string) {
	entry := presence.Entry{Profile: profile}
	for _, live := range c.presence.List(boardID) {
		if live.Profile.UserID == profile.UserID {
			entry = live
			break
		}
	}
	c.presence.Leave(boardID, profile.UserID)
	c.sessions.SetBoard(connID, "")
	c.hub.LeaveRoom(boardID, connID)

	if c.presence.Count(boardID) == 0 {
		if err := c.reconciler.Evict(ctx, boardID); err != nil {
			c.logger.Error("flush on last leave failed",
				zap.String("board_id", boardID), zap.Error(err))
		}
	}

	c.hub.Publish(boardID, Event{Event: EventUserLeft, Data: PresencePayload{
		BoardID: boardID,
		Entry:   entry,
	}})
}

func (c *Core) handleCreate(ctx context.Context, connID string, profile users.Profile, frame Frame) error {
	if frame.Object == nil {
		return protocolError(CodeInvalidPayload, "object is required")
	}
	obj := *frame.Object
	if err := board.ValidateObject(obj); err != nil {
		return protocolError(CodeInvalidPayload, err.Error())
	}
	if err := c.requireJoined(connID, frame.BoardID); err != nil {
		return err
	}
	c.stampCreate(&obj, profile.UserID)

	err := c.withWorkingState(ctx, frame.BoardID, func() error {
		return c.cache.Add(frame.BoardID, obj, c.capacity)
	})
	if err != nil {
		return err
	}
	telemetry.ObjectsCreated.Inc()

	// Create echoes to the sender too so its optimistic copy is confirmed.
	c.hub.Publish(frame.BoardID, Event{Event: EventCreated, Data: ObjectPayload{
		BoardID: frame.BoardID,
		Object:  obj,
	}})
	go c.audit("create", frame.BoardID, profile.UserID)
	return nil
}

func (c *Core) handleUpdate(ctx context.Context, connID string, profile users.Profile, frame Frame) error {
	if frame.ObjectID == "" || len(frame.Updates) == 0 {
		return protocolError(CodeInvalidPayload, "objectId and updates are required")
	}
	if err := c.requireJoined(connID, frame.BoardID); err != nil {
		return err
	}

	var merged board.Object
	err := c.withWorkingState(ctx, frame.BoardID, func() error {
		var err error
		merged, err = c.cache.Update(frame.BoardID, frame.ObjectID, frame.Updates, profile.UserID, c.clock().UTC().Unix())
		return err
	})
	if err != nil {
		return err
	}
	telemetry.ObjectsUpdated.Inc()

	// The sender already applied this optimistically; echoing would double-apply.
	c.hub.PublishExcept(frame.BoardID, connID, Event{Event: EventUpdated, Data: UpdatePayload{
		BoardID:  frame.BoardID,
		ObjectID: frame.ObjectID,
		Object:   merged,
	}})
	c.warnContention(frame.BoardID, frame.ObjectID, profile)
	return nil
}

func (c *Core) handleDelete(ctx context.Context, connID string, profile users.Profile, frame Frame) error {
	if frame.ObjectID == "" {
		return protocolError(CodeInvalidPayload, "objectId is required")
	}
	if err := c.requireJoined(connID, frame.BoardID); err != nil {
		return err
	}
	err := c.withWorkingState(ctx, frame.BoardID, func() error {
		return c.cache.Remove(frame.BoardID, frame.ObjectID)
	})
	if err != nil {
		return err
	}
	telemetry.ObjectsDeleted.Inc()

	c.hub.PublishExcept(frame.BoardID, connID, Event{Event: EventDeleted, Data: DeletePayload{
		BoardID:   frame.BoardID,
		ObjectIDs: []string{frame.ObjectID},
	}})
	c.warnContention(frame.BoardID, frame.ObjectID, profile)
	return nil
}

func (c *Core) handleBatchCreate(ctx context.Context, connID string, profile users.Profile, frame Frame) error {
	if len(frame.Objects) == 0 {
		return protocolError(CodeInvalidPayload, "objects are required")
	}
	objs := make([]board.Object, len(frame.Objects))
	copy(objs, frame.Objects)
	for i := range objs {
		if err := board.ValidateObject(objs[i]); err != nil {
			return protocolError(CodeInvalidPayload, err.Error())
		}
		c.stampCreate(&objs[i], profile.UserID)
	}
	if err := c.requireJoined(connID, frame.BoardID); err != nil {
		return err
	}

	var applied []board.Object
	err := c.withWorkingState(ctx, frame.BoardID, func() error {
		var err error
		applied, err = c.cache.AddMany(frame.BoardID, objs, c.capacity)
		return err
	})
	if err != nil {
		return err
	}
	telemetry.ObjectsCreated.Add(len(applied))

	c.hub.Publish(frame.BoardID, Event{Event: EventBatchCreated, Data: ObjectsPayload{
		BoardID: frame.BoardID,
		Objects: applied,
		Applied: len(applied),
	}})
	go c.audit("batch_create", frame.BoardID, profile.UserID)
	return nil
}

func (c *Core) handleBatchUpdate(ctx context.Context, connID string, profile users.Profile, frame Frame) error {
	if len(frame.Moves) == 0 {
		return protocolError(CodeInvalidPayload, "moves are required")
	}
	if err := c.requireJoined(connID, frame.BoardID); err != nil {
		return err
	}

	var applied []board.ObjectUpdate
	err := c.withWorkingState(ctx, frame.BoardID, func() error {
		var err error
		applied, err = c.cache.UpdateMany(frame.BoardID, frame.Moves, profile.UserID, c.clock().UTC().Unix())
		return err
	})
	if err != nil {
		return err
	}
	telemetry.ObjectsUpdated.Add(len(applied))

	c.hub.PublishExcept(frame.BoardID, connID, Event{Event: EventBatchUpdated, Data: UpdatesPayload{
		BoardID: frame.BoardID,
		Moves:   applied,
		Applied: len(applied),
	}})
	for _, move := range applied {
		c.warnContention(frame.BoardID, move.ObjectID, profile)
	}
	return nil
}

func (c *Core) handleBatchDelete(ctx context.Context, connID string, profile users.Profile, frame Frame) error {
	if len(frame.ObjectIDs) == 0 {
		return protocolError(CodeInvalidPayload, "objectIds are required")
	}
	if err := c.requireJoined(connID, frame.BoardID); err != nil {
		return err
	}

	var removed []string
	err := c.withWorkingState(ctx, frame.BoardID, func() error {
		var err error
		removed, err = c.cache.RemoveMany(frame.BoardID, frame.ObjectIDs)
		return err
	})
	if err != nil {
		return err
	}
	telemetry.ObjectsDeleted.Add(len(removed))

	c.hub.PublishExcept(frame.BoardID, connID, Event{Event: EventBatchDeleted, Data: DeletePayload{
		BoardID:   frame.BoardID,
		ObjectIDs: removed,
		Applied:   len(removed),
	}})
	return nil
}

func (c *Core) handleHeartbeat(connID string, profile users.Profile, boardID string) error {
	if err := c.requireJoined(connID, boardID); err != nil {
		return err
	}
	c.presence.Heartbeat(boardID, profile.UserID)
	return nil
}

func (c *Core) handleEditStart(connID string, profile users.Profile, frame Frame) error {
	if frame.ObjectID == "" {
		return protocolError(CodeInvalidPayload, "objectId is required")
	}
	if err := c.requireJoined(connID, frame.BoardID); err != nil {
		return err
	}
	others := c.locks.Acquire(frame.BoardID, frame.ObjectID, profile.UserID, profile.DisplayName)

	holder := editlock.Holder{UserID: profile.UserID, DisplayName: profile.DisplayName}
	c.hub.PublishExcept(frame.BoardID, connID, Event{Event: EventEditStarted, Data: LockPayload{
		BoardID:  frame.BoardID,
		ObjectID: frame.ObjectID,
		Holder:   holder,
	}})
	// The new holder learns who else is already mid-edit on this object.
	for _, other := range others {
		c.hub.SendTo(connID, Event{Event: EventEditStarted, Data: LockPayload{
			BoardID:  frame.BoardID,
			ObjectID: frame.ObjectID,
			Holder:   other,
		}})
	}
	return nil
}

func (c *Core) handleEditEnd(connID string, profile users.Profile, frame Frame) error {
	if frame.ObjectID == "" {
		return protocolError(CodeInvalidPayload, "objectId is required")
	}
	if err := c.requireJoined(connID, frame.BoardID); err != nil {
		return err
	}
	c.locks.Release(frame.BoardID, frame.ObjectID, profile.UserID)
	c.hub.PublishExcept(frame.BoardID, connID, Event{Event: EventEditEnded, Data: LockPayload{
		BoardID:  frame.BoardID,
		ObjectID: frame.ObjectID,
		Holder:   editlock.Holder{UserID: profile.UserID, DisplayName: profile.DisplayName},
	}})
	return nil
}

// warnContention sends a conflict warning to every lock holder on the object
// other than the writer. The write itself always stands: locks warn, never block.
func (c *Core) warnContention(boardID, objectID string, writer users.Profile) {
	for _, holder := range c.locks.Holders(boardID, objectID) {
		if holder.UserID == writer.UserID {
			continue
		}
		for _, holderConnID := range c.sessions.ConnectionsInBoard(holder.UserID, boardID) {
			c.hub.SendTo(holderConnID, Event{Event: EventConflictWarning, Data: ConflictPayload{
				BoardID:            boardID,
				ObjectID:           objectID,
				ContendingIdentity: editlock.Holder{UserID: writer.UserID, DisplayName: writer.DisplayName},
			}})
		}
		telemetry.LockWarnings.Inc()
	}
}

func (c *Core) requireJoined(connID, boardID string) error {
	if boardID == "" {
		return protocolError(CodeInvalidPayload, "documentId is required")
	}
	sess, ok := c.sessions.Get(connID)
	if !ok || sess.BoardID != boardID {
		return protocolError(CodeNotInDocument, "sender is not a participant of the targeted document")
	}
	return nil
}

// withWorkingState runs a mutation, recovering from a missing working-state
// entry by loading the board and retrying exactly once. Never loops.
func (c *Core) withWorkingState(ctx context.Context, boardID string, fn func() error) error {
	err := fn()
	if !errors.Is(err, board.ErrNoWorkingState) {
		return err
	}
	if _, _, loadErr := c.reconciler.GetOrLoad(ctx, boardID); loadErr != nil {
		return loadErr
	}
	return fn()
}

func (c *Core) stampCreate(obj *board.Object, userID string) {
	now := c.clock().UTC().Unix()
	obj.CreatedBy = userID
	obj.UpdatedBy = userID
	obj.CreatedAtSeconds = now
	obj.UpdatedAtSeconds = now
}

// audit is best-effort bookkeeping spawned off the request path; it must
// never fail or delay a mutation.
func (c *Core) audit(action, boardID, userID string) {
	defer func() {
		_ = recover()
	}()
	c.logger.Debug("audit",
		zap.String("action", action),
		zap.String("board_id", boardID),
		zap.String("user_id", userID))
}

type wireError struct {
	code    string
	message string
}

func (e *wireError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func protocolError(code, message string) error {
	return &wireError{code: code, message: message}
}

func toErrorPayload(err error) ErrorPayload {
	var wire *wireError
	if errors.As(err, &wire) {
		return ErrorPayload{Code: wire.code, Message: wire.message}
	}
	switch {
	case errors.Is(err, board.ErrDuplicateObject):
		return ErrorPayload{Code: CodeDuplicateID, Message: err.Error()}
	case errors.Is(err, board.ErrCapacityExceeded):
		return ErrorPayload{Code: CodeCapacityExceeded, Message: err.Error()}
	case errors.Is(err, board.ErrObjectNotFound),
		errors.Is(err, board.ErrBoardNotFound),
		errors.Is(err, board.ErrBoardDeleted):
		return ErrorPayload{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, board.ErrInvalidParent),
		errors.Is(err, board.ErrInvalidObjectID),
		errors.Is(err, board.ErrInvalidObjectType):
		return ErrorPayload{Code: CodeInvalidPayload, Message: err.Error()}
	case errors.Is(err, board.ErrNotOwner):
		return ErrorPayload{Code: CodeUnauthorized, Message: err.Error()}
	}
	return ErrorPayload{Code: CodeInternal, Message: "request failed"}
}
