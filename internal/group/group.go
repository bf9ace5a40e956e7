// Package group models the ordered collection of prospective products
// (Groups) plus the unassigned pool, and the partitioner operations that
// move image ids between them.
//
// The package owns no image data — only ordered id references into the
// media arena. Every operation is value-semantic: it returns a fresh Table
// and leaves the receiver untouched, which keeps history snapshots cheap
// and makes cross-group moves atomic from the caller's point of view.
package group

import (
	"errors"

	"github.com/google/uuid"
)

// PoolID is the pseudo group id naming the unassigned pool as a move
// source or destination.
const PoolID = ""

var (
	// ErrBadChunkSize rejects chunk sizes below 1. Contract violation,
	// never silently clamped.
	ErrBadChunkSize = errors.New("chunk size must be at least 1")

	// ErrGroupNotFound rejects operations naming a group id the table
	// does not contain. The table is returned unchanged.
	ErrGroupNotFound = errors.New("group not found")

	// ErrGroupLocked rejects structural edits on a group while a bulk
	// job holds it. Keeps user edits and running jobs on disjoint ids.
	ErrGroupLocked = errors.New("group is locked by a running job")
)

// Group is one prospective product: an ordered id sequence destined to
// become a single listing.
type Group struct {
	ID       string              `json:"id"`
	Sequence int                 `json:"sequenceNumber"`
	ImageIDs []string            `json:"imageIds"`
	Selected map[string]struct{} `json:"-"`
	Locked   bool                `json:"locked"`
}

// Table is the full grouping state for one batch: ordered groups plus the
// pool. Pool ordering is insertion order and carries no meaning.
type Table struct {
	Groups       []Group
	Pool         []string
	PoolSelected map[string]struct{}
}

// NewTable returns an empty table.
func NewTable() Table {
	return Table{PoolSelected: make(map[string]struct{})}
}

// Clone deep-copies the table. Snapshots taken for history never alias
// live slices or selection sets.
func (t Table) Clone() Table {
	out := Table{
		Groups:       make([]Group, len(t.Groups)),
		Pool:         append([]string(nil), t.Pool...),
		PoolSelected: copySet(t.PoolSelected),
	}
	for i, g := range t.Groups {
		out.Groups[i] = g
		out.Groups[i].ImageIDs = append([]string(nil), g.ImageIDs...)
		out.Groups[i].Selected = copySet(g.Selected)
	}
	return out
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// find returns the index of groupID in Groups, or -1.
func (t Table) find(groupID string) int {
	for i := range t.Groups {
		if t.Groups[i].ID == groupID {
			return i
		}
	}
	return -1
}

// Get returns a copy of the named group.
func (t Table) Get(groupID string) (Group, bool) {
	i := t.find(groupID)
	if i < 0 {
		return Group{}, false
	}
	g := t.Groups[i]
	g.ImageIDs = append([]string(nil), g.ImageIDs...)
	g.Selected = copySet(g.Selected)
	return g, true
}

// NextSequence returns one past the highest sequence number in use.
// Sequence numbers are stable across deletions, so new groups always
// continue the existing maximum rather than filling holes.
func (t Table) NextSequence() int {
	max := 0
	for i := range t.Groups {
		if t.Groups[i].Sequence > max {
			max = t.Groups[i].Sequence
		}
	}
	return max + 1
}

// AllImageIDs returns every id referenced by the table, groups first in
// order, then the pool.
func (t Table) AllImageIDs() []string {
	var out []string
	for i := range t.Groups {
		out = append(out, t.Groups[i].ImageIDs...)
	}
	out = append(out, t.Pool...)
	return out
}

// Chunk splits ids sequentially into groups of the given size, preserving
// input order. Group count is ceil(len/size); every group except possibly
// the last has exactly size members. Sequence numbers start at startSeq.
func Chunk(ids []string, size, startSeq int) ([]Group, error) {
	if size < 1 {
		return nil, ErrBadChunkSize
	}
	var out []Group
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, Group{
			ID:       uuid.NewString(),
			Sequence: startSeq + len(out),
			ImageIDs: append([]string(nil), ids[i:end]...),
			Selected: make(map[string]struct{}),
		})
	}
	return out, nil
}

// ChunkPool replaces the table's pool with groups chunked from it.
// Existing groups are untouched; new groups append after them.
func (t Table) ChunkPool(size int) (Table, error) {
	groups, err := Chunk(t.Pool, size, t.NextSequence())
	if err != nil {
		return t, err
	}
	out := t.Clone()
	out.Groups = append(out.Groups, groups...)
	out.Pool = nil
	out.PoolSelected = make(map[string]struct{})
	return out, nil
}

// MoveSelected moves the given ids from one group (or the pool) to another.
// Ids are removed from the source in place, keeping the remainder
// contiguous, and appended to the destination in their prior relative
// order. Ids not actually present in the claimed source are skipped.
// If either endpoint does not exist the table is returned unchanged.
// Selections on both endpoints are cleared: the surrounding image set
// changed.
func (t Table) MoveSelected(ids []string, from, to string) (Table, error) {
	if from == to {
		return t, nil
	}
	if from != PoolID {
		i := t.find(from)
		if i < 0 {
			return t, ErrGroupNotFound
		}
		if t.Groups[i].Locked {
			return t, ErrGroupLocked
		}
	}
	if to != PoolID {
		i := t.find(to)
		if i < 0 {
			return t, ErrGroupNotFound
		}
		if t.Groups[i].Locked {
			return t, ErrGroupLocked
		}
	}

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	out := t.Clone()

	// Walk the source in order so the moved ids keep their relative order.
	var moved []string
	filter := func(seq []string) []string {
		kept := seq[:0]
		for _, id := range seq {
			if _, ok := want[id]; ok {
				moved = append(moved, id)
			} else {
				kept = append(kept, id)
			}
		}
		return kept
	}

	if from == PoolID {
		out.Pool = filter(out.Pool)
		out.PoolSelected = make(map[string]struct{})
	} else {
		i := out.find(from)
		out.Groups[i].ImageIDs = filter(out.Groups[i].ImageIDs)
		out.Groups[i].Selected = make(map[string]struct{})
	}

	if len(moved) == 0 {
		// Nothing in the claimed source matched; defensive no-op.
		return t, nil
	}

	if to == PoolID {
		out.Pool = append(out.Pool, moved...)
		out.PoolSelected = make(map[string]struct{})
	} else {
		i := out.find(to)
		out.Groups[i].ImageIDs = append(out.Groups[i].ImageIDs, moved...)
		out.Groups[i].Selected = make(map[string]struct{})
	}
	return out, nil
}

// Reorder moves the element at fromIdx to toIdx within a group, shifting
// the elements between them by one. Out-of-range indexes are a defensive
// no-op. Selection survives: the image set itself did not change.
func (t Table) Reorder(groupID string, fromIdx, toIdx int) (Table, error) {
	i := t.find(groupID)
	if i < 0 {
		return t, ErrGroupNotFound
	}
	if t.Groups[i].Locked {
		return t, ErrGroupLocked
	}
	n := len(t.Groups[i].ImageIDs)
	if fromIdx < 0 || fromIdx >= n || toIdx < 0 || toIdx >= n || fromIdx == toIdx {
		return t, nil
	}
	out := t.Clone()
	seq := out.Groups[i].ImageIDs
	id := seq[fromIdx]
	seq = append(seq[:fromIdx], seq[fromIdx+1:]...)
	seq = append(seq[:toIdx], append([]string{id}, seq[toIdx:]...)...)
	out.Groups[i].ImageIDs = seq
	return out, nil
}

// InsertAtFront prepends a brand-new image id to a group. Existing members
// shift to positions 1..n before the new member takes position 0; callers
// mirroring the shift to a remote store must keep that write order or a
// second item transiently holds position 0.
func (t Table) InsertAtFront(groupID, imageID string) (Table, error) {
	i := t.find(groupID)
	if i < 0 {
		return t, ErrGroupNotFound
	}
	out := t.Clone()
	out.Groups[i].ImageIDs = append([]string{imageID}, out.Groups[i].ImageIDs...)
	out.Groups[i].Selected = make(map[string]struct{})
	return out, nil
}

// RemoveImages drops the ids from whatever group or pool slot holds them.
// Remaining members renumber contiguously. Used by soft-delete and by
// insertion-job undo.
func (t Table) RemoveImages(ids []string) Table {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := t.Clone()
	drop := func(seq []string) []string {
		kept := seq[:0]
		for _, id := range seq {
			if _, ok := want[id]; !ok {
				kept = append(kept, id)
			}
		}
		return kept
	}
	for i := range out.Groups {
		before := len(out.Groups[i].ImageIDs)
		out.Groups[i].ImageIDs = drop(out.Groups[i].ImageIDs)
		if len(out.Groups[i].ImageIDs) != before {
			out.Groups[i].Selected = make(map[string]struct{})
		}
	}
	before := len(out.Pool)
	out.Pool = drop(out.Pool)
	if len(out.Pool) != before {
		out.PoolSelected = make(map[string]struct{})
	}
	return out
}

// DeleteGroup removes a group and returns its images to the pool, appended
// in their group order.
func (t Table) DeleteGroup(groupID string) (Table, error) {
	i := t.find(groupID)
	if i < 0 {
		return t, ErrGroupNotFound
	}
	if t.Groups[i].Locked {
		return t, ErrGroupLocked
	}
	out := t.Clone()
	out.Pool = append(out.Pool, out.Groups[i].ImageIDs...)
	out.PoolSelected = make(map[string]struct{})
	out.Groups = append(out.Groups[:i], out.Groups[i+1:]...)
	return out, nil
}

// MergeGroups appends src's images to dst and removes src. dst keeps its
// sequence number.
func (t Table) MergeGroups(srcID, dstID string) (Table, error) {
	if srcID == dstID {
		return t, nil
	}
	si, di := t.find(srcID), t.find(dstID)
	if si < 0 || di < 0 {
		return t, ErrGroupNotFound
	}
	if t.Groups[si].Locked || t.Groups[di].Locked {
		return t, ErrGroupLocked
	}
	out := t.Clone()
	si, di = out.find(srcID), out.find(dstID)
	out.Groups[di].ImageIDs = append(out.Groups[di].ImageIDs, out.Groups[si].ImageIDs...)
	out.Groups[di].Selected = make(map[string]struct{})
	out.Groups = append(out.Groups[:si], out.Groups[si+1:]...)
	return out, nil
}

// PromotePoolSelection creates a new group from the currently selected pool
// ids, preserving their pool relative order, appended after existing groups.
// Returns the new group's id. With nothing selected it is a no-op.
func (t Table) PromotePoolSelection() (Table, string, error) {
	var ids []string
	for _, id := range t.Pool {
		if _, ok := t.PoolSelected[id]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return t, "", nil
	}
	g := Group{
		ID:       uuid.NewString(),
		Sequence: t.NextSequence(),
		ImageIDs: ids,
		Selected: make(map[string]struct{}),
	}
	out := t.Clone()
	kept := out.Pool[:0]
	for _, id := range out.Pool {
		if _, ok := out.PoolSelected[id]; !ok {
			kept = append(kept, id)
		}
	}
	out.Pool = kept
	out.PoolSelected = make(map[string]struct{})
	out.Groups = append(out.Groups, g)
	return out, g.ID, nil
}

// ToggleSelect flips an id's membership in the selection set of its scope
// (a group id or PoolID). Selecting an id the scope does not contain is a
// no-op.
func (t Table) ToggleSelect(scope, imageID string) Table {
	out := t.Clone()
	var seq []string
	var sel map[string]struct{}
	if scope == PoolID {
		seq, sel = out.Pool, out.PoolSelected
	} else {
		i := out.find(scope)
		if i < 0 {
			return t
		}
		seq, sel = out.Groups[i].ImageIDs, out.Groups[i].Selected
	}
	found := false
	for _, id := range seq {
		if id == imageID {
			found = true
			break
		}
	}
	if !found {
		return t
	}
	if _, ok := sel[imageID]; ok {
		delete(sel, imageID)
	} else {
		sel[imageID] = struct{}{}
	}
	return out
}

// SetLocked marks a group locked or unlocked. Unknown ids are ignored.
func (t Table) SetLocked(groupID string, locked bool) Table {
	i := t.find(groupID)
	if i < 0 {
		return t
	}
	out := t.Clone()
	out.Groups[i].Locked = locked
	return out
}
