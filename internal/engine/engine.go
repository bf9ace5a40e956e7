// Package engine composes the batch editing components behind one facade.
// A BatchSession owns the media arena, the group table, both history
// tiers, the fetch dedup cache, and the bulk job registry for a single
// upload batch. All local state changes commit before their remote
// mirror writes; a failed mirror write is logged and forces the next
// reload instead of rolling the local change back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kalamazoo/listai/internal/bulkjob"
	"github.com/kalamazoo/listai/internal/fetchcache"
	"github.com/kalamazoo/listai/internal/group"
	"github.com/kalamazoo/listai/internal/history"
	"github.com/kalamazoo/listai/internal/match"
	"github.com/kalamazoo/listai/internal/media"
	"github.com/kalamazoo/listai/internal/store"
)

// MajorUndoTTL is how long a completed bulk job stays undoable.
const MajorUndoTTL = 5 * time.Minute

var (
	// ErrJobRunning rejects starting a second bulk job while one runs.
	ErrJobRunning = errors.New("a bulk job is already running for this batch")

	// ErrNoSuchJob marks an unknown job id.
	ErrNoSuchJob = errors.New("no such job")

	// ErrJobActive rejects retry or inspection paths that need a
	// terminal job while it is still draining.
	ErrJobActive = errors.New("job is still running")

	// ErrNoTransforms rejects bulk jobs on sessions built without a
	// transform pipeline.
	ErrNoTransforms = errors.New("session has no transform pipeline")
)

// Transforms supplies the per-kind transform functions bulk jobs run.
// transform.Pipeline satisfies it in production.
type Transforms interface {
	TransformFunc(kind bulkjob.Kind) bulkjob.TransformFunc
}

// Config assembles a BatchSession. Store and BatchID are required;
// Matcher and Transforms may be nil, disabling smart match and bulk
// jobs respectively.
type Config struct {
	BatchID      string
	Store        store.BatchStore
	Matcher      match.Matcher
	Transforms   Transforms
	HistoryDepth int
}

// BatchSession is the working state for one batch. All methods are safe
// for concurrent use; bulk job hooks re-enter through the same mutex.
type BatchSession struct {
	mu         sync.Mutex
	batchID    string
	store      store.BatchStore
	coord      *match.Coordinator
	transforms Transforms

	arena *media.Store
	table group.Table
	hist  *history.Manager
	cache fetchcache.Cache

	jobs      map[string]*bulkjob.Job
	jobGroups map[string]string
	activeJob string
}

// NewBatchSession creates an empty session. Call Reload to populate it
// from the authoritative store.
func NewBatchSession(cfg Config) *BatchSession {
	s := &BatchSession{
		batchID:    cfg.BatchID,
		store:      cfg.Store,
		transforms: cfg.Transforms,
		arena:      media.NewStore(),
		table:      group.NewTable(),
		hist:       history.NewManager(cfg.HistoryDepth),
		jobs:       make(map[string]*bulkjob.Job),
		jobGroups:  make(map[string]string),
	}
	if cfg.Matcher != nil {
		s.coord = match.NewCoordinator(cfg.Matcher)
	}
	return s
}

// BatchID returns the session's batch id.
func (s *BatchSession) BatchID() string {
	return s.batchID
}

// Reload fetches the authoritative image list and rebuilds the arena and
// table from it. Consecutive reloads with an unchanged membership are
// deduplicated; force bypasses the dedup once.
func (s *BatchSession) Reload(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if force {
		s.cache.ForceNext()
	}
	current := s.memberIDsLocked()
	if !s.cache.ShouldFetch(s.batchID, current) {
		log.Debug().Str("batch", s.batchID).Msg("Reload deduplicated, membership unchanged")
		return nil
	}

	recs, err := s.store.ListImages(ctx, s.batchID)
	if err != nil {
		s.cache.MarkFailed()
		return fmt.Errorf("list images for batch %s: %w", s.batchID, err)
	}

	arena := media.NewStore()
	table := group.NewTable()
	groupIdx := make(map[string]int)
	for _, rec := range recs {
		arena.Put(media.Item{
			ID:         rec.ID,
			URL:        rec.URL,
			ThumbURL:   rec.ThumbURL,
			GroupID:    rec.GroupID,
			Position:   rec.Position,
			Export:     rec.Export,
			Provenance: media.Provenance(rec.Provenance),
			Deleted:    rec.Deleted,
		})
		if rec.Deleted {
			continue
		}
		if rec.GroupID == group.PoolID {
			table.Pool = append(table.Pool, rec.ID)
			continue
		}
		i, ok := groupIdx[rec.GroupID]
		if !ok {
			i = len(table.Groups)
			groupIdx[rec.GroupID] = i
			table.Groups = append(table.Groups, group.Group{
				ID:       rec.GroupID,
				Sequence: i + 1,
				Selected: make(map[string]struct{}),
			})
		}
		table.Groups[i].ImageIDs = append(table.Groups[i].ImageIDs, rec.ID)
	}

	s.arena = arena
	s.table = table
	s.syncOwnershipLocked()
	s.cache.MarkFetched(s.batchID, s.memberIDsLocked())

	log.Info().
		Str("batch", s.batchID).
		Int("images", len(recs)).
		Int("groups", len(table.Groups)).
		Int("pool", len(table.Pool)).
		Msg("Batch reloaded")
	return nil
}

// memberIDsLocked returns every id the arena currently holds.
func (s *BatchSession) memberIDsLocked() []string {
	items := s.arena.Snapshot()
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

// syncOwnershipLocked mirrors the table's group membership and positions
// into the arena.
func (s *BatchSession) syncOwnershipLocked() {
	for _, g := range s.table.Groups {
		s.arena.SetOwnership(g.ID, g.ImageIDs)
	}
	s.arena.SetOwnership(media.PoolGroupID, s.table.Pool)
}

// ownershipSnapshot captures each item's owner and position before a
// commit so the remote mirror only writes what changed.
type ownership struct {
	groupID  string
	position int
}

func (s *BatchSession) ownershipLocked() map[string]ownership {
	out := make(map[string]ownership)
	for _, it := range s.arena.Snapshot() {
		out[it.ID] = ownership{groupID: it.GroupID, position: it.Position}
	}
	return out
}

func (s *BatchSession) groupSetLocked() map[string]int {
	out := make(map[string]int, len(s.table.Groups))
	for _, g := range s.table.Groups {
		out[g.ID] = g.Sequence
	}
	return out
}

// applyLocked pushes the current table onto local history and commits the
// next one.
func (s *BatchSession) applyLocked(ctx context.Context, label string, next group.Table) {
	s.hist.Push(label, s.table)
	s.commitLocked(ctx, next)
}

// commitLocked installs next as the current table, resurrects any
// soft-deleted item the table references, and mirrors the resulting
// ownership changes to the remote store. Mirror failures are logged and
// force the next reload.
func (s *BatchSession) commitLocked(ctx context.Context, next group.Table) {
	s.commitFromLocked(ctx, next, s.ownershipLocked())
}

// commitFromLocked is commitLocked with a caller-supplied pre-state
// snapshot, for callers that mint arena items between snapshot and
// commit (the insert hook): items absent from before are inserted
// remotely rather than updated.
func (s *BatchSession) commitFromLocked(ctx context.Context, next group.Table, before map[string]ownership) {
	prevGroups := s.groupSetLocked()

	s.table = next
	for _, id := range s.table.AllImageIDs() {
		if it, ok := s.arena.Get(id); ok && it.Deleted {
			s.arena.Undelete(id)
			s.mirrorLocked(ctx, id, store.ImageUpdate{Deleted: boolPtr(false)})
		}
	}
	s.syncOwnershipLocked()

	// New groups before member moves so rows never point at a group the
	// store has not seen.
	for _, g := range s.table.Groups {
		if _, ok := prevGroups[g.ID]; !ok {
			if _, err := s.store.CreateGroup(ctx, s.batchID, store.GroupRecord{
				ID: g.ID, BatchID: s.batchID, Sequence: g.Sequence,
			}); err != nil {
				s.mirrorFailedLocked(err, "create group "+g.ID)
			}
		}
	}

	s.mirrorChangedLocked(ctx, before)

	nowGroups := s.groupSetLocked()
	for id := range prevGroups {
		if _, ok := nowGroups[id]; !ok {
			if err := s.store.DeleteGroup(ctx, s.batchID, id); err != nil {
				s.mirrorFailedLocked(err, "delete group "+id)
			}
		}
	}
}

// mirrorChangedLocked writes ownership changes remotely. Within each
// group, higher positions are written first: when something lands at the
// front, former members shift away from position 0 before the new front
// claims it.
func (s *BatchSession) mirrorChangedLocked(ctx context.Context, before map[string]ownership) {
	type change struct {
		id  string
		own ownership
		new bool
	}
	var changes []change
	for _, it := range s.arena.Snapshot() {
		prev, existed := before[it.ID]
		now := ownership{groupID: it.GroupID, position: it.Position}
		if existed && prev == now {
			continue
		}
		if it.Deleted && !existed {
			continue
		}
		changes = append(changes, change{id: it.ID, own: now, new: !existed})
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].own.groupID != changes[j].own.groupID {
			return changes[i].own.groupID < changes[j].own.groupID
		}
		return changes[i].own.position > changes[j].own.position
	})

	for _, c := range changes {
		if c.new {
			it, ok := s.arena.Get(c.id)
			if !ok {
				continue
			}
			if _, err := s.store.InsertImage(ctx, s.batchID, store.ImageRecord{
				ID:         it.ID,
				BatchID:    s.batchID,
				URL:        it.URL,
				ThumbURL:   it.ThumbURL,
				GroupID:    it.GroupID,
				Position:   it.Position,
				Export:     it.Export,
				Provenance: string(it.Provenance),
			}); err != nil {
				s.mirrorFailedLocked(err, "insert image "+c.id)
			}
			continue
		}
		s.mirrorLocked(ctx, c.id, store.ImageUpdate{
			GroupID:  strPtr(c.own.groupID),
			Position: intPtr(c.own.position),
		})
	}
}

func (s *BatchSession) mirrorLocked(ctx context.Context, imageID string, update store.ImageUpdate) {
	if err := s.store.UpdateImage(ctx, s.batchID, imageID, update); err != nil {
		s.mirrorFailedLocked(err, "update image "+imageID)
	}
}

func (s *BatchSession) mirrorFailedLocked(err error, op string) {
	log.Warn().Err(err).Str("batch", s.batchID).Str("op", op).
		Msg("Remote mirror write failed, forcing next reload")
	s.cache.ForceNext()
}

// --- structural operations, local history tier ---

// ChunkPool partitions the pool into groups of the given size.
func (s *BatchSession) ChunkPool(ctx context.Context, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.table.ChunkPool(size)
	if err != nil {
		return err
	}
	s.applyLocked(ctx, "chunk pool", next)
	return nil
}

// MoveSelected moves ids between two groups, or a group and the pool.
func (s *BatchSession) MoveSelected(ctx context.Context, ids []string, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.table.MoveSelected(ids, from, to)
	if err != nil {
		return err
	}
	s.applyLocked(ctx, "move images", next)
	return nil
}

// Reorder moves one image within its group.
func (s *BatchSession) Reorder(ctx context.Context, groupID string, fromIdx, toIdx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.table.Reorder(groupID, fromIdx, toIdx)
	if err != nil {
		return err
	}
	s.applyLocked(ctx, "reorder group", next)
	return nil
}

// DeleteGroup dissolves a group, returning its images to the pool.
func (s *BatchSession) DeleteGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.table.DeleteGroup(groupID)
	if err != nil {
		return err
	}
	s.applyLocked(ctx, "delete group", next)
	return nil
}

// MergeGroups appends src's images to dst and removes src.
func (s *BatchSession) MergeGroups(ctx context.Context, srcID, dstID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.table.MergeGroups(srcID, dstID)
	if err != nil {
		return err
	}
	s.applyLocked(ctx, "merge groups", next)
	return nil
}

// PromotePoolSelection turns the selected pool images into a new group
// and returns its id.
func (s *BatchSession) PromotePoolSelection(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, id, err := s.table.PromotePoolSelection()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", nil
	}
	s.applyLocked(ctx, "promote selection", next)
	return id, nil
}

// DeleteImages soft-deletes the ids. They leave the table and stay in the
// arena so undo and job compensation can still resolve them.
func (s *BatchSession) DeleteImages(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.table.RemoveImages(ids)
	s.applyLocked(ctx, "delete images", next)
	for _, id := range ids {
		if _, ok := s.arena.Get(id); !ok {
			continue
		}
		s.arena.SoftDelete(id)
		s.mirrorLocked(ctx, id, store.ImageUpdate{Deleted: boolPtr(true)})
	}
	return nil
}

// ToggleSelect flips an image's selection in its scope. Selection is
// view state: it takes no history snapshot and is never persisted.
func (s *BatchSession) ToggleSelect(scope, imageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = s.table.ToggleSelect(scope, imageID)
}

// SetThumb records an image's generated thumbnail url.
func (s *BatchSession) SetThumb(ctx context.Context, imageID, thumbURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.arena.Get(imageID); !ok {
		return fmt.Errorf("unknown image %s", imageID)
	}
	s.arena.SetThumbURL(imageID, thumbURL)
	s.mirrorLocked(ctx, imageID, store.ImageUpdate{ThumbURL: strPtr(thumbURL)})
	return nil
}

// SetExport flips an image's downstream export flag.
func (s *BatchSession) SetExport(ctx context.Context, imageID string, export bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.arena.Get(imageID); !ok {
		return fmt.Errorf("unknown image %s", imageID)
	}
	s.arena.SetExport(imageID, export)
	s.mirrorLocked(ctx, imageID, store.ImageUpdate{Export: boolPtr(export)})
	return nil
}

// Undo pops the local history tier, restoring the previous table.
// Returns the undone label, or ok=false with an empty stack.
func (s *BatchSession) Undo(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, label, ok := s.hist.Undo()
	if !ok {
		return "", false
	}
	s.commitLocked(ctx, prev)
	log.Info().Str("batch", s.batchID).Str("label", label).Msg("Local undo applied")
	return label, true
}

// UndoMajorAction runs the live major-action compensation, if any. The
// compensation executes under the session lock, so its hooks are the
// lock-assumed variants.
func (s *BatchSession) UndoMajorAction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.UndoMajorAction(ctx)
}

// MajorAction exposes the live major-action token for display.
func (s *BatchSession) MajorAction() *history.MajorToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.MajorAction()
}

// SmartMatch sends the pool to the matcher and applies the returned
// grouping. All-or-nothing: a matcher failure leaves the table untouched.
func (s *BatchSession) SmartMatch(ctx context.Context, targetGroupSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coord == nil {
		return errors.New("session has no matcher")
	}
	images := make([]match.Image, 0, len(s.table.Pool))
	for _, id := range s.table.Pool {
		it, ok := s.arena.Get(id)
		if !ok || it.Deleted {
			continue
		}
		images = append(images, match.Image{ID: it.ID, URL: it.URL})
	}
	next, err := s.coord.SmartMatch(ctx, s.table, images, targetGroupSize)
	if err != nil {
		return err
	}
	s.applyLocked(ctx, "smart match", next)
	return nil
}

// --- snapshot accessors ---

// Table returns a deep copy of the current grouping state.
func (s *BatchSession) Table() group.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Clone()
}

// Group returns a copy of one group.
func (s *BatchSession) Group(groupID string) (group.Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.table.Get(groupID)
	return g, ok
}

// Items returns a copy of every arena item.
func (s *BatchSession) Items() []media.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.Snapshot()
}

// Item returns a copy of one arena item.
func (s *BatchSession) Item(imageID string) (media.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.Get(imageID)
}

// ExportArena returns a detached copy of the arena for read-only
// consumers like ZIP export.
func (s *BatchSession) ExportArena() *media.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := media.NewStore()
	for _, it := range s.arena.Snapshot() {
		out.Put(it)
	}
	return out
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(v string) *string { return &v }
func intPtr(v int) *int       { return &v }
