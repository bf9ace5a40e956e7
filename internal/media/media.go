// Package media holds the flat, id-indexed arena of image records for one
// working batch. It is the single source of truth for per-image attributes
// (urls, owning group, position, export flag, provenance, soft-delete state).
//
// Groups never embed media items and items never embed groups — both sides
// hold ids only, so a move can never leave a stale mutual pointer. Items are
// soft-deleted and stay in the arena until an external purge.
package media

import (
	"sort"

	"github.com/google/uuid"
)

// Provenance records how an image came to exist in the batch.
type Provenance string

// Provenance values. Transform jobs stamp their outputs so the UI can
// distinguish originals from AI-derived variants.
const (
	ProvenanceUpload            Provenance = "upload"
	ProvenanceAIModel           Provenance = "ai_model"
	ProvenanceAIExpansion       Provenance = "ai_expansion"
	ProvenanceBackgroundRemoved Provenance = "background_removed"
	ProvenanceGhostMannequin    Provenance = "ghost_mannequin"
)

// PoolGroupID is the owner id of items sitting in the unassigned pool.
const PoolGroupID = ""

// Item is one image record. Position is unique and contiguous (0..n-1)
// within the non-deleted items sharing the same GroupID; within the pool it
// is advisory insertion order only.
type Item struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	ThumbURL   string     `json:"thumbUrl,omitempty"`
	GroupID    string     `json:"groupId"`
	Position   int        `json:"position"`
	Export     bool       `json:"includeInDownstreamExport"`
	Provenance Provenance `json:"provenance"`
	Deleted    bool       `json:"deleted"`
}

// Store is the arena. It is not safe for concurrent mutation; all writes
// happen on the engine's single logical thread (see the engine package).
type Store struct {
	items map[string]*Item
}

// NewStore returns an empty arena.
func NewStore() *Store {
	return &Store{items: make(map[string]*Item)}
}

// NewItem mints a new item with a fresh id and adds it to the arena.
func (s *Store) NewItem(url string, prov Provenance) *Item {
	it := &Item{
		ID:         uuid.NewString(),
		URL:        url,
		GroupID:    PoolGroupID,
		Export:     true,
		Provenance: prov,
	}
	s.items[it.ID] = it
	return it
}

// Put inserts or replaces an item by id.
func (s *Store) Put(it Item) {
	cp := it
	s.items[it.ID] = &cp
}

// Get returns a copy of the item, or false if the id is unknown.
func (s *Store) Get(id string) (Item, bool) {
	it, ok := s.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Has reports whether the id names a non-deleted item.
func (s *Store) Has(id string) bool {
	it, ok := s.items[id]
	return ok && !it.Deleted
}

// Len counts non-deleted items.
func (s *Store) Len() int {
	n := 0
	for _, it := range s.items {
		if !it.Deleted {
			n++
		}
	}
	return n
}

// SetURL replaces an item's url, keeping the previous thumb until the
// caller regenerates it. No-op on unknown ids.
func (s *Store) SetURL(id, url string) {
	if it, ok := s.items[id]; ok {
		it.URL = url
	}
}

// SetThumbURL sets an item's thumbnail url. No-op on unknown ids.
func (s *Store) SetThumbURL(id, url string) {
	if it, ok := s.items[id]; ok {
		it.ThumbURL = url
	}
}

// SetExport flips the downstream-export flag. No-op on unknown ids.
func (s *Store) SetExport(id string, export bool) {
	if it, ok := s.items[id]; ok {
		it.Export = export
	}
}

// SoftDelete marks an item deleted. The record stays in the arena so a
// later purge (or a job undo) can still resolve the id. No-op on unknown ids.
func (s *Store) SoftDelete(id string) {
	if it, ok := s.items[id]; ok {
		it.Deleted = true
	}
}

// Undelete clears the deleted flag. Used by compensating undo paths.
func (s *Store) Undelete(id string) {
	if it, ok := s.items[id]; ok {
		it.Deleted = false
	}
}

// SetOwnership assigns owner group and contiguous positions (0..len-1) to
// ids in the given order. Unknown ids are skipped. This is how the engine
// mirrors the group table's ordering into the arena after a partitioner op.
func (s *Store) SetOwnership(groupID string, ids []string) {
	pos := 0
	for _, id := range ids {
		it, ok := s.items[id]
		if !ok {
			continue
		}
		it.GroupID = groupID
		it.Position = pos
		pos++
	}
}

// InGroup returns copies of the non-deleted items owned by groupID,
// ordered by position.
func (s *Store) InGroup(groupID string) []Item {
	var out []Item
	for _, it := range s.items {
		if it.Deleted || it.GroupID != groupID {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Snapshot returns copies of every record, deleted included, in no defined
// order. Used for rendering and diagnostics; mutating the result has no
// effect on the arena.
func (s *Store) Snapshot() []Item {
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	return out
}
