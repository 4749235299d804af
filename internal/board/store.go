package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrBoardNotFound indicates the board id has no durable record.
	ErrBoardNotFound = errors.New("board: not found")
	// ErrBoardDeleted indicates the board exists but was soft-deleted.
	ErrBoardDeleted = errors.New("board: deleted")
	// ErrNotOwner indicates a non-owner attempting an owner-only action.
	ErrNotOwner = errors.New("board: not owner")
	// ErrVersionConflict indicates a flush lost the compare-and-swap race;
	// the durable copy is authoritative and the working copy was resynced.
	ErrVersionConflict = errors.New("board: durable version conflict")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew    = "board.store.new"
	opStoreGet    = "board.store.get"
	opStoreCreate = "board.store.create"
	opStoreDelete = "board.store.delete"
	opStoreSwap   = "board.store.swap"
)

// ServiceError wraps a dotted operation code with its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of the durable board store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the relational system of record for boards. It is consulted on
// load and written on flush; the working-state cache is authoritative while
// sessions are active.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the durable store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Record is the load-time view of a durable board.
type Record struct {
	BoardID string
	OwnerID string
	Title   string
	Objects []Object
	Version int64
}

// Create persists a new empty board owned by the given identity.
func (s *Store) Create(ctx context.Context, boardID, ownerID, title string) (Record, error) {
	now := s.clock().UTC().Unix()
	row := Board{
		BoardID:          boardID,
		OwnerID:          ownerID,
		Title:            title,
		ObjectsJSON:      "[]",
		Version:          1,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opStoreCreate, "insert_failed", err, zap.String("board_id", boardID))
		return Record{}, newServiceError(opStoreCreate, "insert_failed", err)
	}
	return Record{BoardID: boardID, OwnerID: ownerID, Title: title, Objects: []Object{}, Version: 1}, nil
}

// Get reads a board and its durable version. Access is link-based: any
// authenticated identity may read any non-deleted board.
func (s *Store) Get(ctx context.Context, boardID string) (Record, error) {
	var row Board
	err := s.db.WithContext(ctx).Where("board_id = ?", boardID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrBoardNotFound
	}
	if err != nil {
		s.logError(opStoreGet, "select_failed", err, zap.String("board_id", boardID))
		return Record{}, newServiceError(opStoreGet, "select_failed", err)
	}
	if row.IsDeleted {
		return Record{}, ErrBoardDeleted
	}
	objects, err := decodeObjects(row.ObjectsJSON)
	if err != nil {
		s.logError(opStoreGet, "decode_failed", err, zap.String("board_id", boardID))
		return Record{}, newServiceError(opStoreGet, "decode_failed", err)
	}
	return Record{
		BoardID: row.BoardID,
		OwnerID: row.OwnerID,
		Title:   row.Title,
		Objects: objects,
		Version: row.Version,
	}, nil
}

// ListOwned returns the non-deleted boards owned by the identity, most
// recently updated first.
func (s *Store) ListOwned(ctx context.Context, ownerID string) ([]Board, error) {
	var rows []Board
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND is_deleted = ?", ownerID, false).
		Order("updated_at_s DESC").
		Find(&rows).Error
	if err != nil {
		return nil, newServiceError(opStoreGet, "list_failed", err)
	}
	return rows, nil
}

// Delete soft-deletes a board. Only the owner may delete.
func (s *Store) Delete(ctx context.Context, boardID, requesterID string) error {
	var row Board
	err := s.db.WithContext(ctx).Where("board_id = ?", boardID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrBoardNotFound
	}
	if err != nil {
		s.logError(opStoreDelete, "select_failed", err, zap.String("board_id", boardID))
		return newServiceError(opStoreDelete, "select_failed", err)
	}
	if row.OwnerID != requesterID {
		return ErrNotOwner
	}
	if row.IsDeleted {
		return nil
	}
	err = s.db.WithContext(ctx).Model(&Board{}).
		Where("board_id = ?", boardID).
		Updates(map[string]interface{}{
			"is_deleted":   true,
			"updated_at_s": s.clock().UTC().Unix(),
		}).Error
	if err != nil {
		s.logError(opStoreDelete, "update_failed", err, zap.String("board_id", boardID))
		return newServiceError(opStoreDelete, "update_failed", err)
	}
	return nil
}

// CompareAndSwap replaces the stored object list and advances the version,
// but only if the stored version still equals expectedVersion. On success the
// durable version becomes expectedVersion+1; ErrVersionConflict means another
// process already advanced the store.
func (s *Store) CompareAndSwap(ctx context.Context, boardID string, objects []Object, expectedVersion int64) (int64, error) {
	payload, err := encodeObjects(objects)
	if err != nil {
		s.logError(opStoreSwap, "encode_failed", err, zap.String("board_id", boardID))
		return 0, newServiceError(opStoreSwap, "encode_failed", err)
	}
	nextVersion := expectedVersion + 1
	result := s.db.WithContext(ctx).Model(&Board{}).
		Where("board_id = ? AND version = ? AND is_deleted = ?", boardID, expectedVersion, false).
		Updates(map[string]interface{}{
			"objects_json": payload,
			"version":      nextVersion,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opStoreSwap, "update_failed", result.Error, zap.String("board_id", boardID))
		return 0, newServiceError(opStoreSwap, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, ErrVersionConflict
	}
	return nextVersion, nil
}

// ListMarkers returns the navigation markers pinned to a board.
func (s *Store) ListMarkers(ctx context.Context, boardID string) ([]Marker, error) {
	var markers []Marker
	err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID).
		Order("created_at_s ASC").
		Find(&markers).Error
	if err != nil {
		return nil, newServiceError(opStoreGet, "markers_failed", err)
	}
	return markers, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("board store error", attrs...)
}

func decodeObjects(raw string) ([]Object, error) {
	if raw == "" {
		return []Object{}, nil
	}
	var objects []Object
	if err := json.Unmarshal([]byte(raw), &objects); err != nil {
		return nil, err
	}
	if objects == nil {
		objects = []Object{}
	}
	return objects, nil
}

func encodeObjects(objects []Object) (string, error) {
	if objects == nil {
		objects = []Object{}
	}
	payload, err := json.Marshal(objects)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
