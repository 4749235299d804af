package board

import (
	"context"
	"errors"
	"time"

	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/telemetry"
	"go.uber.org/zap"
)

const (
	opReconcilerNew   = "board.reconciler.new"
	opReconcilerLoad  = "board.reconciler.load"
	opReconcilerFlush = "board.reconciler.flush"

	defaultFlushInterval = 15 * time.Second
)

var errMissingStore = errors.New("durable store is required")

// ReconcilerConfig describes the dependencies of the durable reconciler.
type ReconcilerConfig struct {
	Cache         *Cache
	Store         *Store
	FlushInterval time.Duration
	Logger        *zap.Logger
}

// Reconciler moves board state between the fast tier and the durable store:
// lazy loads on first access, periodic and last-leave flushes under
// optimistic concurrency.
type Reconciler struct {
	cache    *Cache
	store    *Store
	interval time.Duration
	logger   *zap.Logger
}

// NewReconciler constructs the reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Cache == nil {
		return nil, newServiceError(opReconcilerNew, "missing_cache", errors.New("working-state cache is required"))
	}
	if cfg.Store == nil {
		return nil, newServiceError(opReconcilerNew, "missing_store", errMissingStore)
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{
		cache:    cfg.Cache,
		store:    cfg.Store,
		interval: interval,
		logger:   logger,
	}, nil
}

// GetOrLoad returns the working-state snapshot for a board, reading it from
// the durable store on first access. This is the only path by which a board
// enters the fast tier.
func (r *Reconciler) GetOrLoad(ctx context.Context, boardID string) ([]Object, int64, error) {
	if objects, version, err := r.cache.Snapshot(boardID); err == nil {
		return objects, version, nil
	}
	record, err := r.store.Get(ctx, boardID)
	if err != nil {
		return nil, 0, err
	}
	// Install-if-absent: a concurrent loader that won the race keeps its
	// entry, along with any edits already applied to it.
	if r.cache.InstallIfAbsent(boardID, record.Objects, record.Version) {
		telemetry.BoardsLoaded.Inc()
		r.logger.Debug("board loaded into working state",
			zap.String("board_id", boardID),
			zap.Int64("version", record.Version),
			zap.Int("objects", len(record.Objects)))
	}
	return r.cache.Snapshot(boardID)
}

// Flush writes the current working-state snapshot into the durable store
// under compare-and-swap. On a version conflict the durable copy wins: the
// working state is overwritten from it and ErrVersionConflict is returned.
// Edits applied between the failed attempt and the resync are lost; the
// window is bounded by the flush interval.
func (r *Reconciler) Flush(ctx context.Context, boardID string) error {
	objects, version, err := r.cache.Snapshot(boardID)
	if err != nil {
		return err
	}
	nextVersion, err := r.store.CompareAndSwap(ctx, boardID, objects, version)
	if errors.Is(err, ErrVersionConflict) {
		telemetry.FlushConflicts.Inc()
		record, readErr := r.store.Get(ctx, boardID)
		if readErr != nil {
			r.logError(opReconcilerFlush, "resync_read_failed", readErr, zap.String("board_id", boardID))
			return readErr
		}
		r.cache.Install(boardID, record.Objects, record.Version)
		r.logger.Warn("flush lost version race, working state resynced from durable store",
			zap.String("board_id", boardID),
			zap.Int64("stale_version", version),
			zap.Int64("durable_version", record.Version))
		return ErrVersionConflict
	}
	if err != nil {
		r.logError(opReconcilerFlush, "swap_failed", err, zap.String("board_id", boardID))
		return err
	}
	r.cache.bumpVersion(boardID, nextVersion)
	telemetry.FlushesTotal.Inc()
	r.logger.Debug("board flushed",
		zap.String("board_id", boardID),
		zap.Int64("version", nextVersion))
	return nil
}

// Evict flushes a board and discards its working-state entry. Called when the
// last session leaves.
func (r *Reconciler) Evict(ctx context.Context, boardID string) error {
	err := r.Flush(ctx, boardID)
	r.cache.Discard(boardID)
	telemetry.BoardsEvicted.Inc()
	if err != nil && !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrNoWorkingState) {
		return err
	}
	return nil
}

// Run flushes every resident board on a fixed interval until the context is
// cancelled. A failed flush is logged and retried on the next tick; it never
// stops the loop.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.FlushAll(ctx)
		}
	}
}

// FlushAll flushes every resident board once. Used by the periodic loop and
// by shutdown drain.
func (r *Reconciler) FlushAll(ctx context.Context) {
	for _, boardID := range r.cache.ResidentBoards() {
		if err := r.Flush(ctx, boardID); err != nil && !errors.Is(err, ErrVersionConflict) {
			r.logError(opReconcilerFlush, "periodic_flush_failed", err, zap.String("board_id", boardID))
		}
	}
}

func (r *Reconciler) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("board reconciler error", attrs...)
}
