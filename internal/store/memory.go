package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process BatchStore for tests and offline runs.
// Same contract as DynamoStore, no network.
type MemoryStore struct {
	mu     sync.Mutex
	images map[string]map[string]*ImageRecord // batchID -> imageID -> record
	groups map[string]map[string]*GroupRecord
}

var _ BatchStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		images: make(map[string]map[string]*ImageRecord),
		groups: make(map[string]map[string]*GroupRecord),
	}
}

func (s *MemoryStore) batchImages(batchID string) map[string]*ImageRecord {
	if s.images[batchID] == nil {
		s.images[batchID] = make(map[string]*ImageRecord)
	}
	return s.images[batchID]
}

// ListImages returns the batch's rows ordered by group then position.
func (s *MemoryStore) ListImages(ctx context.Context, batchID string) ([]ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ImageRecord
	for _, rec := range s.batchImages(batchID) {
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

// UpdateImage applies the non-nil fields of update.
func (s *MemoryStore) UpdateImage(ctx context.Context, batchID, imageID string, update ImageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.batchImages(batchID)[imageID]
	if !ok {
		return fmt.Errorf("update image %s/%s: not found", batchID, imageID)
	}
	if update.URL != nil {
		rec.URL = *update.URL
	}
	if update.ThumbURL != nil {
		rec.ThumbURL = *update.ThumbURL
	}
	if update.GroupID != nil {
		rec.GroupID = *update.GroupID
	}
	if update.Position != nil {
		rec.Position = *update.Position
	}
	if update.Export != nil {
		rec.Export = *update.Export
	}
	if update.Deleted != nil {
		rec.Deleted = *update.Deleted
	}
	return nil
}

// InsertImage adds a row, minting an id when the record carries none.
func (s *MemoryStore) InsertImage(ctx context.Context, batchID string, rec ImageRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	rec.BatchID = batchID
	cp := rec
	s.batchImages(batchID)[rec.ID] = &cp
	return rec.ID, nil
}

// DeleteImage removes a row outright.
func (s *MemoryStore) DeleteImage(ctx context.Context, batchID, imageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batchImages(batchID), imageID)
	return nil
}

// CreateGroup persists a group record.
func (s *MemoryStore) CreateGroup(ctx context.Context, batchID string, rec GroupRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.BatchID = batchID
	if s.groups[batchID] == nil {
		s.groups[batchID] = make(map[string]*GroupRecord)
	}
	cp := rec
	s.groups[batchID][rec.ID] = &cp
	return rec.ID, nil
}

// DeleteGroup removes a group record.
func (s *MemoryStore) DeleteGroup(ctx context.Context, batchID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups[batchID], groupID)
	return nil
}
