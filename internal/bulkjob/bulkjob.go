// Package bulkjob runs long-lived bulk transformations (background
// removal, compositing, model substitution, expansion) over a selected set
// of images: a queued, cancellable, strictly sequential pipeline of
// external per-image transform calls sharing one undo record.
//
// Items are dispatched one at a time, in input order, to respect backend
// throughput limits; a later item is never dispatched before the earlier
// one resolves. A single failed item never aborts the rest of the queue —
// the job always drains to a terminal report unless cancelled.
package bulkjob

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kalamazoo/listai/internal/jobs"
	"github.com/kalamazoo/listai/internal/media"
	"github.com/kalamazoo/listai/internal/metrics"
)

// Kind identifies the transform a bulk job applies to each image.
type Kind string

// Job kinds. ModelTryOn is the insertion variant: it creates a brand-new
// image at the front of the owning group instead of replacing a url.
const (
	KindBackgroundRemoval Kind = "bg_removal"
	KindGhostMannequin    Kind = "ghost_mannequin"
	KindModelTryOn        Kind = "model_tryon"
	KindExpansion         Kind = "expansion"
)

// Insertion reports whether the kind creates new images rather than
// replacing existing urls.
func (k Kind) Insertion() bool {
	return k == KindModelTryOn
}

// Provenance returns the provenance stamp for images produced by this kind.
func (k Kind) Provenance() media.Provenance {
	switch k {
	case KindBackgroundRemoval:
		return media.ProvenanceBackgroundRemoved
	case KindGhostMannequin:
		return media.ProvenanceGhostMannequin
	case KindModelTryOn:
		return media.ProvenanceAIModel
	case KindExpansion:
		return media.ProvenanceAIExpansion
	}
	return media.ProvenanceUpload
}

// ItemState is the per-image lifecycle within a job.
type ItemState string

const (
	StateQueued     ItemState = "queued"
	StateProcessing ItemState = "processing"
	StateDone       ItemState = "done"
	StateFailed     ItemState = "failed"
)

// ErrNoFailedItems rejects a retry on a job whose queue has no failed
// members. Distinguishable "nothing to do", not a silent no-op.
var ErrNoFailedItems = errors.New("job has no failed items to retry")

// TransformFunc is the injected external transform: takes the current
// image url, returns the transformed image's url. May fail independently
// per call.
type TransformFunc func(ctx context.Context, imageURL string) (string, error)

// Progress is the incremental counter surfaced after every item.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Report is the terminal summary of a drained (or cancelled) job.
type Report struct {
	Total     int  `json:"total"`
	Completed int  `json:"completed"`
	Done      int  `json:"done"`
	Failed    int  `json:"failed"`
	Cancelled bool `json:"cancelled"`
}

// UndoEntry records what one successful item did. Replacement jobs fill
// ImageID/OriginalURL/NewURL; insertion jobs record the created id instead,
// and undo means deleting it rather than restoring a url.
type UndoEntry struct {
	ImageID     string `json:"imageId"`
	OriginalURL string `json:"originalUrl,omitempty"`
	NewURL      string `json:"newUrl,omitempty"`
	CreatedID   string `json:"createdId,omitempty"`
}

// Job is one bulk transformation run. Its mutable fields are guarded by mu
// because the run loop and progress readers live on different goroutines.
type Job struct {
	ID        string
	Kind      Kind
	TargetIDs []string

	mu        sync.Mutex
	states    map[string]ItemState
	errs      map[string]string
	undo      []UndoEntry
	cancelled bool
	completed int
	started   time.Time
}

// New builds a job with every target queued.
func New(kind Kind, targetIDs []string) *Job {
	j := &Job{
		ID:        jobs.GenerateID("bulk-"),
		Kind:      kind,
		TargetIDs: append([]string(nil), targetIDs...),
		states:    make(map[string]ItemState, len(targetIDs)),
		errs:      make(map[string]string),
	}
	for _, id := range targetIDs {
		j.states[id] = StateQueued
	}
	return j
}

// Cancel requests cooperative cancellation. Queued items will never start;
// an item already processing finishes normally. Completed items are never
// rolled back by cancellation.
func (j *Job) Cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
	log.Info().Str("job", j.ID).Str("kind", string(j.Kind)).Msg("Bulk job cancellation requested")
}

// Progress returns the counters as of the last completed item.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Progress{Completed: j.completed, Total: len(j.TargetIDs)}
}

// Report summarizes the job. Meaningful once Run has returned, but safe to
// call at any time.
func (j *Job) Report() Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reportLocked()
}

func (j *Job) reportLocked() Report {
	r := Report{Total: len(j.TargetIDs), Completed: j.completed, Cancelled: j.cancelled}
	for _, st := range j.states {
		switch st {
		case StateDone:
			r.Done++
		case StateFailed:
			r.Failed++
		}
	}
	return r
}

// ItemStates returns a copy of the per-item state map.
func (j *Job) ItemStates() map[string]ItemState {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]ItemState, len(j.states))
	for id, st := range j.states {
		out[id] = st
	}
	return out
}

// ItemError returns the recorded failure message for an item, if any.
// Diagnostic detail only; aggregate counts are the primary signal.
func (j *Job) ItemError(id string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	msg, ok := j.errs[id]
	return msg, ok
}

// UndoEntries returns a copy of the accumulated undo record.
func (j *Job) UndoEntries() []UndoEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]UndoEntry(nil), j.undo...)
}

// FailedIDs returns the failed subset in original target order.
func (j *Job) FailedIDs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, id := range j.TargetIDs {
		if j.states[id] == StateFailed {
			out = append(out, id)
		}
	}
	return out
}

// Hooks connect the runner to the engine's state without the runner
// knowing about it. All hooks are invoked from the Run goroutine.
type Hooks struct {
	// LookupURL resolves an image id to its current url; ok=false marks
	// the item failed without an external call.
	LookupURL func(imageID string) (string, bool)

	// Replace applies a successful url replacement. Called before the
	// item is counted done so finished items are visible immediately.
	Replace func(ctx context.Context, imageID, newURL string) error

	// Insert creates the new front-of-group image for insertion kinds
	// and returns its id.
	Insert func(ctx context.Context, sourceID, newURL string) (string, error)

	// OnProgress, if set, fires after every item.
	OnProgress func(p Progress)
}

// Run drains the job: one transform call in flight at a time, strictly in
// target order. Returns the terminal report. Run never returns early on
// item failure; only cancellation (checked at each dequeue, never
// mid-call) stops the queue.
func Run(ctx context.Context, job *Job, transform TransformFunc, hooks Hooks) Report {
	job.mu.Lock()
	job.started = time.Now()
	job.mu.Unlock()

	log.Info().
		Str("job", job.ID).
		Str("kind", string(job.Kind)).
		Int("count", len(job.TargetIDs)).
		Msg("Starting bulk job")

	for _, id := range job.TargetIDs {
		job.mu.Lock()
		if job.cancelled {
			job.mu.Unlock()
			break
		}
		job.states[id] = StateProcessing
		job.mu.Unlock()

		runItem(ctx, job, id, transform, hooks)

		job.mu.Lock()
		job.completed++
		p := Progress{Completed: job.completed, Total: len(job.TargetIDs)}
		job.mu.Unlock()
		if hooks.OnProgress != nil {
			hooks.OnProgress(p)
		}
	}

	report := job.Report()
	emitJobMetrics(job, report)
	log.Info().
		Str("job", job.ID).
		Int("done", report.Done).
		Int("failed", report.Failed).
		Bool("cancelled", report.Cancelled).
		Msg("Bulk job finished")
	return report
}

func runItem(ctx context.Context, job *Job, id string, transform TransformFunc, hooks Hooks) {
	fail := func(msg string) {
		job.mu.Lock()
		job.states[id] = StateFailed
		job.errs[id] = msg
		job.mu.Unlock()
		log.Warn().Str("job", job.ID).Str("image", id).Str("error", msg).Msg("Bulk item failed")
	}

	originalURL, ok := hooks.LookupURL(id)
	if !ok {
		fail("image not found")
		return
	}

	newURL, err := transform(ctx, originalURL)
	if err != nil {
		fail(err.Error())
		return
	}

	var entry UndoEntry
	if job.Kind.Insertion() {
		createdID, err := hooks.Insert(ctx, id, newURL)
		if err != nil {
			fail(err.Error())
			return
		}
		entry = UndoEntry{ImageID: id, CreatedID: createdID}
	} else {
		if err := hooks.Replace(ctx, id, newURL); err != nil {
			fail(err.Error())
			return
		}
		entry = UndoEntry{ImageID: id, OriginalURL: originalURL, NewURL: newURL}
	}

	job.mu.Lock()
	job.states[id] = StateDone
	job.undo = append(job.undo, entry)
	job.mu.Unlock()
}

// RetryFailed builds a new job over only the failed subset, sharing the
// kind. The original job keeps its record untouched.
func RetryFailed(job *Job) (*Job, error) {
	failed := job.FailedIDs()
	if len(failed) == 0 {
		return nil, ErrNoFailedItems
	}
	return New(job.Kind, failed), nil
}

// UndoHooks are the compensating writes an undo needs from the engine.
type UndoHooks struct {
	// Restore puts the original url back on a replaced image.
	Restore func(ctx context.Context, imageID, originalURL string) error

	// Delete removes an image created by an insertion job; former
	// neighbors renumber.
	Delete func(ctx context.Context, createdID string) error
}

// Undo reverses a completed job's successful items and clears its undo
// record. Idempotent: a second call finds an empty record and does
// nothing. Per-entry failures are logged and skipped so one bad remote
// write does not strand the rest; failed entries are dropped with the
// rest of the record.
func Undo(ctx context.Context, job *Job, hooks UndoHooks) error {
	job.mu.Lock()
	entries := job.undo
	job.undo = nil
	job.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	log.Info().
		Str("job", job.ID).
		Str("kind", string(job.Kind)).
		Int("count", len(entries)).
		Msg("Undoing bulk job")

	var firstErr error
	for _, e := range entries {
		var err error
		if e.CreatedID != "" {
			err = hooks.Delete(ctx, e.CreatedID)
		} else {
			err = hooks.Restore(ctx, e.ImageID, e.OriginalURL)
		}
		if err != nil {
			log.Error().Err(err).Str("job", job.ID).Str("image", e.ImageID).Msg("Undo entry failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// emitJobMetrics flushes the terminal counts as EMF metrics.
func emitJobMetrics(job *Job, r Report) {
	job.mu.Lock()
	started := job.started
	job.mu.Unlock()

	rec := metrics.New("ListAI/BulkJobs").
		Dimension("Kind", string(job.Kind)).
		Metric("ItemsDone", float64(r.Done), metrics.UnitCount).
		Metric("ItemsFailed", float64(r.Failed), metrics.UnitCount).
		Property("jobId", job.ID).
		Property("cancelled", r.Cancelled)
	if !started.IsZero() {
		rec.Metric("Duration", float64(time.Since(started).Milliseconds()), metrics.UnitMilliseconds)
	}
	rec.Flush()
}
