// Package store defines the authoritative image store the reconciliation
// engine syncs against, and its DynamoDB implementation. The engine owns
// the in-memory working state; this store is the remote source of truth it
// reloads from and mirrors writes back to.
//
// The package uses a single-table DynamoDB design where all records for a
// batch share a partition key (BATCH#{batchId}). Sort keys distinguish
// record types: META, IMAGE#, and GROUP#. A TTL attribute (expiresAt)
// auto-deletes records for abandoned batches.
//
// The store promises no atomicity across multi-step sequences; callers
// that issue several writes (cross-group moves, front insertions) are
// best-effort remotely and reconcile through a forced refresh.
package store

import (
	"context"
	"time"
)

// BatchTTL is the default time-to-live for all DynamoDB records. Matches
// the media bucket lifecycle policy for abandoned upload batches.
const BatchTTL = 30 * 24 * time.Hour

// ImageRecord is one image row as the authoritative store sees it.
// ID and BatchID are derived from PK/SK on read and excluded from
// DynamoDB attributes on write (via dynamodbav:"-").
type ImageRecord struct {
	ID         string `json:"id" dynamodbav:"-"`
	BatchID    string `json:"-" dynamodbav:"-"`
	URL        string `json:"url" dynamodbav:"url"`
	ThumbURL   string `json:"thumbUrl,omitempty" dynamodbav:"thumbUrl,omitempty"`
	GroupID    string `json:"groupId,omitempty" dynamodbav:"groupId,omitempty"`
	Position   int    `json:"position" dynamodbav:"position"`
	Export     bool   `json:"includeInDownstreamExport" dynamodbav:"export"`
	Provenance string `json:"provenance" dynamodbav:"provenance"`
	Deleted    bool   `json:"deleted,omitempty" dynamodbav:"deleted,omitempty"`
	CreatedAt  int64  `json:"createdAt" dynamodbav:"createdAt"`
}

// GroupRecord persists a group as a first-class record.
type GroupRecord struct {
	ID       string `json:"id" dynamodbav:"-"`
	BatchID  string `json:"-" dynamodbav:"-"`
	Sequence int    `json:"sequenceNumber" dynamodbav:"sequenceNumber"`
	Name     string `json:"name,omitempty" dynamodbav:"name,omitempty"`
}

// ImageUpdate is a partial update; nil fields are left untouched.
type ImageUpdate struct {
	URL      *string
	ThumbURL *string
	GroupID  *string
	Position *int
	Export   *bool
	Deleted  *bool
}

// BatchStore is the narrow interface the engine consumes. Each method is
// safe for concurrent use. Implementations must handle context
// cancellation and propagate errors with enough detail for debugging.
type BatchStore interface {
	// ListImages returns every image record for a batch, ordered by
	// group then position, soft-deleted rows included.
	ListImages(ctx context.Context, batchID string) ([]ImageRecord, error)

	// UpdateImage applies a partial update to one image row.
	UpdateImage(ctx context.Context, batchID, imageID string, update ImageUpdate) error

	// InsertImage creates a new image row and returns its id. If the
	// record carries an ID it is kept, so the engine can mint ids
	// locally and stay consistent with its arena.
	InsertImage(ctx context.Context, batchID string, rec ImageRecord) (string, error)

	// DeleteImage removes an image row outright.
	DeleteImage(ctx context.Context, batchID, imageID string) error

	// CreateGroup persists a group record and returns its id, minting
	// one if the record carries none.
	CreateGroup(ctx context.Context, batchID string, rec GroupRecord) (string, error)

	// DeleteGroup removes a group record. Image rows are not touched;
	// the engine reassigns them separately.
	DeleteGroup(ctx context.Context, batchID, groupID string) error
}
