package board

import (
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrNoWorkingState indicates the board has no resident working-state entry.
	// Callers load the board and retry exactly once.
	ErrNoWorkingState = errors.New("board: no working state")
	// ErrDuplicateObject indicates an Add with an id that already exists.
	ErrDuplicateObject = errors.New("board: duplicate object id")
	// ErrCapacityExceeded indicates the board already holds the configured
	// maximum number of objects. Non-retriable.
	ErrCapacityExceeded = errors.New("board: object capacity exceeded")
	// ErrObjectNotFound indicates an Update or Remove against an absent id.
	ErrObjectNotFound = errors.New("board: object not found")
)

// entry is the working copy of one board: the ordered object list, an id
// index, and the durable version recorded at load or last successful flush.
// The mutex is the atomicity guarantee of the fast tier: every mutation
// primitive is one critical section, so no read-modify-write window is
// visible to other writers.
type entry struct {
	mu      sync.Mutex
	objects []Object
	index   map[string]int
	version int64
}

func newEntry(objects []Object, version int64) *entry {
	e := &entry{
		objects: make([]Object, len(objects)),
		index:   make(map[string]int, len(objects)),
		version: version,
	}
	copy(e.objects, objects)
	for i, obj := range e.objects {
		e.index[obj.ID] = i
	}
	return e
}

func (e *entry) snapshotLocked() []Object {
	out := make([]Object, len(e.objects))
	copy(out, e.objects)
	return out
}

// frame nesting is one level deep: a parent must exist, be a frame, and not
// itself carry a parent.
func (e *entry) validateParentLocked(parentID string) error {
	if parentID == "" {
		return nil
	}
	pos, ok := e.index[parentID]
	if !ok {
		return fmt.Errorf("%w: parent %q does not exist", ErrInvalidParent, parentID)
	}
	parent := e.objects[pos]
	if parent.Type != ObjectTypeFrame {
		return fmt.Errorf("%w: parent %q is not a frame", ErrInvalidParent, parentID)
	}
	if parent.ParentID != "" {
		return fmt.Errorf("%w: parent %q is itself nested", ErrInvalidParent, parentID)
	}
	return nil
}

// validateNestingLocked checks both ends of the parent relation: frames never
// nest, and the parent must be a valid top-level frame. The admitted map lets
// batch inserts reference a frame earlier in the same batch.
func (e *entry) validateNestingLocked(obj Object, admitted map[string]Object) error {
	if obj.ParentID == "" {
		return nil
	}
	if obj.Type == ObjectTypeFrame {
		return fmt.Errorf("%w: frame %q may not itself be nested", ErrInvalidParent, obj.ID)
	}
	if parent, ok := admitted[obj.ParentID]; ok {
		if parent.Type != ObjectTypeFrame {
			return fmt.Errorf("%w: parent %q is not a frame", ErrInvalidParent, obj.ParentID)
		}
		return nil
	}
	return e.validateParentLocked(obj.ParentID)
}

// ObjectUpdate pairs an object id with the partial fields to merge into it.
type ObjectUpdate struct {
	ObjectID string  `json:"objectId"`
	Fields   Updates `json:"fields"`
}

// Cache is the fast tier: the authoritative working state for every board
// with at least one active session.
type Cache struct {
	entries *xsync.MapOf[string, *entry]
}

// NewCache constructs an empty working-state cache.
func NewCache() *Cache {
	return &Cache{entries: xsync.NewMapOf[string, *entry]()}
}

// Install seeds the working-state entry for a board. Used by the reconciler
// on conflict resync; an existing entry is replaced wholesale.
func (c *Cache) Install(boardID string, objects []Object, version int64) {
	c.entries.Store(boardID, newEntry(objects, version))
}

// InstallIfAbsent seeds the working-state entry only when the board is not
// already resident, and reports whether this call installed it. Concurrent
// loaders race to install; the losers keep the live entry and any edits it
// already holds.
func (c *Cache) InstallIfAbsent(boardID string, objects []Object, version int64) bool {
	_, loaded := c.entries.LoadOrCompute(boardID, func() *entry {
		return newEntry(objects, version)
	})
	return !loaded
}

// Discard drops the working-state entry. The durable copy is untouched.
func (c *Cache) Discard(boardID string) {
	c.entries.Delete(boardID)
}

// Resident reports whether the board currently has a working-state entry.
func (c *Cache) Resident(boardID string) bool {
	_, ok := c.entries.Load(boardID)
	return ok
}

// ResidentBoards lists every board currently held in the fast tier.
func (c *Cache) ResidentBoards() []string {
	ids := make([]string, 0)
	c.entries.Range(func(boardID string, _ *entry) bool {
		ids = append(ids, boardID)
		return true
	})
	return ids
}

// Snapshot returns a copy of the object list and the recorded durable version.
func (c *Cache) Snapshot(boardID string) ([]Object, int64, error) {
	e, ok := c.entries.Load(boardID)
	if !ok {
		return nil, 0, ErrNoWorkingState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), e.version, nil
}

// bumpVersion records the durable version after a successful flush.
func (c *Cache) bumpVersion(boardID string, version int64) {
	e, ok := c.entries.Load(boardID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.version = version
	e.mu.Unlock()
}

// Add inserts one object as a single atomic step.
func (c *Cache) Add(boardID string, obj Object, capacity int) error {
	e, ok := c.entries.Load(boardID)
	if !ok {
		return ErrNoWorkingState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.index[obj.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateObject, obj.ID)
	}
	if capacity > 0 && len(e.objects) >= capacity {
		return fmt.Errorf("%w: limit %d", ErrCapacityExceeded, capacity)
	}
	if err := e.validateNestingLocked(obj, nil); err != nil {
		return err
	}
	e.index[obj.ID] = len(e.objects)
	e.objects = append(e.objects, obj)
	return nil
}

// AddMany inserts a batch in one atomic step and returns the objects
// actually applied. Duplicate ids within the batch or against existing
// objects are skipped; exceeding capacity fails the whole batch.
func (c *Cache) AddMany(boardID string, objs []Object, capacity int) ([]Object, error) {
	e, ok := c.entries.Load(boardID)
	if !ok {
		return nil, ErrNoWorkingState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	admitted := make([]Object, 0, len(objs))
	seen := make(map[string]Object, len(objs))
	for _, obj := range objs {
		if _, exists := e.index[obj.ID]; exists {
			continue
		}
		if _, dup := seen[obj.ID]; dup {
			continue
		}
		if err := e.validateNestingLocked(obj, seen); err != nil {
			continue
		}
		seen[obj.ID] = obj
		admitted = append(admitted, obj)
	}
	if capacity > 0 && len(e.objects)+len(admitted) > capacity {
		return nil, fmt.Errorf("%w: limit %d", ErrCapacityExceeded, capacity)
	}
	for _, obj := range admitted {
		e.index[obj.ID] = len(e.objects)
		e.objects = append(e.objects, obj)
	}
	return admitted, nil
}

// Update merges partial fields into one object as a single atomic step and
// returns the merged result.
func (c *Cache) Update(boardID, objectID string, updates Updates, editor string, editedAtSeconds int64) (Object, error) {
	e, ok := c.entries.Load(boardID)
	if !ok {
		return Object{}, ErrNoWorkingState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, exists := e.index[objectID]
	if !exists {
		return Object{}, fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
	}
	if parentRaw, ok := updates["parentId"]; ok {
		if parentID, ok := parentRaw.(string); ok {
			if parentID != "" && e.objects[pos].Type == ObjectTypeFrame {
				return Object{}, fmt.Errorf("%w: frame %q may not itself be nested", ErrInvalidParent, objectID)
			}
			if err := e.validateParentLocked(parentID); err != nil {
				return Object{}, err
			}
		}
	}
	obj := e.objects[pos]
	obj.Apply(updates)
	obj.UpdatedBy = editor
	obj.UpdatedAtSeconds = editedAtSeconds
	e.objects[pos] = obj
	return obj, nil
}

// UpdateMany applies a batch of partial updates in one atomic step and
// returns the moves actually applied. Missing ids are skipped.
func (c *Cache) UpdateMany(boardID string, moves []ObjectUpdate, editor string, editedAtSeconds int64) ([]ObjectUpdate, error) {
	e, ok := c.entries.Load(boardID)
	if !ok {
		return nil, ErrNoWorkingState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	applied := make([]ObjectUpdate, 0, len(moves))
	for _, move := range moves {
		pos, exists := e.index[move.ObjectID]
		if !exists {
			continue
		}
		obj := e.objects[pos]
		obj.Apply(move.Fields)
		obj.UpdatedBy = editor
		obj.UpdatedAtSeconds = editedAtSeconds
		e.objects[pos] = obj
		applied = append(applied, move)
	}
	return applied, nil
}

// Remove deletes one object as a single atomic step.
func (c *Cache) Remove(boardID, objectID string) error {
	e, ok := c.entries.Load(boardID)
	if !ok {
		return ErrNoWorkingState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.index[objectID]; !exists {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, objectID)
	}
	e.removeLocked(objectID)
	return nil
}

// RemoveMany deletes a batch in one atomic step and returns the ids
// actually removed. Missing ids are skipped.
func (c *Cache) RemoveMany(boardID string, objectIDs []string) ([]string, error) {
	e, ok := c.entries.Load(boardID)
	if !ok {
		return nil, ErrNoWorkingState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := make([]string, 0, len(objectIDs))
	for _, objectID := range objectIDs {
		if _, exists := e.index[objectID]; !exists {
			continue
		}
		e.removeLocked(objectID)
		removed = append(removed, objectID)
	}
	return removed, nil
}

func (e *entry) removeLocked(objectID string) {
	pos := e.index[objectID]
	removed := e.objects[pos]
	e.objects = append(e.objects[:pos], e.objects[pos+1:]...)
	delete(e.index, objectID)
	for i := pos; i < len(e.objects); i++ {
		e.index[e.objects[i].ID] = i
	}
	// Removing a frame orphans its members back to the top level so no
	// parent reference points at a missing object.
	if removed.Type == ObjectTypeFrame {
		for i := range e.objects {
			if e.objects[i].ParentID == objectID {
				e.objects[i].ParentID = ""
			}
		}
	}
}
