package telemetry

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// Counters for the sync core. All increments are best-effort telemetry and
// must never fail or block a mutation.
var (
	ObjectsCreated  = metrics.NewCounter("board_objects_created_total")
	ObjectsUpdated  = metrics.NewCounter("board_objects_updated_total")
	ObjectsDeleted  = metrics.NewCounter("board_objects_deleted_total")
	FlushesTotal    = metrics.NewCounter("board_flushes_total")
	FlushConflicts  = metrics.NewCounter("board_flush_conflicts_total")
	BoardsLoaded    = metrics.NewCounter("board_cache_loads_total")
	BoardsEvicted   = metrics.NewCounter("board_cache_evictions_total")
	SessionsOpened  = metrics.NewCounter("board_sessions_opened_total")
	SessionsEvicted = metrics.NewCounter("board_sessions_superseded_total")
	LockWarnings    = metrics.NewCounter("board_lock_conflict_warnings_total")
)

// Handler serves the accumulated metrics in Prometheus exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
}
