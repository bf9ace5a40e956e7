package bulkjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeState is a minimal url table standing in for the media arena.
type fakeState struct {
	mu   sync.Mutex
	urls map[string]string
}

func newFakeState(ids ...string) *fakeState {
	s := &fakeState{urls: make(map[string]string)}
	for _, id := range ids {
		s.urls[id] = "https://img/" + id + ".jpg"
	}
	return s
}

func (s *fakeState) hooks() Hooks {
	return Hooks{
		LookupURL: func(id string) (string, bool) {
			s.mu.Lock()
			defer s.mu.Unlock()
			url, ok := s.urls[id]
			return url, ok
		},
		Replace: func(ctx context.Context, id, newURL string) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.urls[id] = newURL
			return nil
		},
	}
}

func okTransform(ctx context.Context, url string) (string, error) {
	return url + "?v=2", nil
}

func TestJobDrainsPastFailures(t *testing.T) {
	// Five images; the third transform rejects.
	state := newFakeState("i1", "i2", "i3", "i4", "i5")
	job := New(KindBackgroundRemoval, []string{"i1", "i2", "i3", "i4", "i5"})

	var progress []Progress
	hooks := state.hooks()
	hooks.OnProgress = func(p Progress) { progress = append(progress, p) }

	calls := 0
	transform := func(ctx context.Context, url string) (string, error) {
		calls++
		if calls == 3 {
			return "", errors.New("model refused")
		}
		return okTransform(ctx, url)
	}

	report := Run(context.Background(), job, transform, hooks)

	if report.Total != 5 || report.Completed != 5 || report.Done != 4 || report.Failed != 1 {
		t.Fatalf("report = %+v, want total 5 completed 5 done 4 failed 1", report)
	}
	if report.Cancelled {
		t.Error("report cancelled without a cancel")
	}
	if msg, ok := job.ItemError("i3"); !ok || msg != "model refused" {
		t.Errorf("item error = %q %v", msg, ok)
	}

	// Progress fired after every item, not just at the end.
	if len(progress) != 5 {
		t.Fatalf("progress callbacks = %d, want 5", len(progress))
	}
	for i, p := range progress {
		if p.Completed != i+1 || p.Total != 5 {
			t.Errorf("progress[%d] = %+v", i, p)
		}
	}

	// Finished items were applied immediately; the failed one untouched.
	if state.urls["i1"] != "https://img/i1.jpg?v=2" {
		t.Errorf("i1 url = %s", state.urls["i1"])
	}
	if state.urls["i3"] != "https://img/i3.jpg" {
		t.Errorf("i3 url changed despite failure: %s", state.urls["i3"])
	}

	// Undo entries exist only for successes.
	if n := len(job.UndoEntries()); n != 4 {
		t.Errorf("undo entries = %d, want 4", n)
	}
}

func TestRetryFailedRequeuesOnlyFailedSubset(t *testing.T) {
	state := newFakeState("i1", "i2", "i3")
	job := New(KindExpansion, []string{"i1", "i2", "i3"})

	transform := func(ctx context.Context, url string) (string, error) {
		if url == "https://img/i2.jpg" {
			return "", errors.New("timeout")
		}
		return okTransform(ctx, url)
	}
	Run(context.Background(), job, transform, state.hooks())

	retry, err := RetryFailed(job)
	if err != nil {
		t.Fatal(err)
	}
	if retry.Kind != KindExpansion {
		t.Errorf("retry kind = %s", retry.Kind)
	}
	if len(retry.TargetIDs) != 1 || retry.TargetIDs[0] != "i2" {
		t.Fatalf("retry targets = %v, want [i2]", retry.TargetIDs)
	}

	// A fully successful job has nothing to retry.
	clean := New(KindExpansion, []string{"i1"})
	Run(context.Background(), clean, okTransform, state.hooks())
	if _, err := RetryFailed(clean); !errors.Is(err, ErrNoFailedItems) {
		t.Fatalf("got %v, want ErrNoFailedItems", err)
	}
}

func TestCancellationStopsQueuedItems(t *testing.T) {
	state := newFakeState("i1", "i2", "i3", "i4")
	job := New(KindBackgroundRemoval, []string{"i1", "i2", "i3", "i4"})

	transform := func(ctx context.Context, url string) (string, error) {
		// Cancel mid-job: the in-flight item still finishes, queued
		// items never start.
		if url == "https://img/i2.jpg" {
			job.Cancel()
		}
		return okTransform(ctx, url)
	}
	report := Run(context.Background(), job, transform, state.hooks())

	if !report.Cancelled {
		t.Fatal("report not marked cancelled")
	}
	if report.Done != 2 || report.Completed != 2 {
		t.Fatalf("report = %+v, want 2 done before stop", report)
	}
	states := job.ItemStates()
	if states["i2"] != StateDone {
		t.Errorf("in-flight item state = %s, want done", states["i2"])
	}
	if states["i3"] != StateQueued || states["i4"] != StateQueued {
		t.Errorf("queued items advanced after cancel: %v", states)
	}
	// Completed items stay applied; cancellation never rolls back.
	if state.urls["i1"] != "https://img/i1.jpg?v=2" {
		t.Errorf("i1 rolled back: %s", state.urls["i1"])
	}
}

func TestUnknownTargetFailsWithoutExternalCall(t *testing.T) {
	state := newFakeState("i1")
	job := New(KindBackgroundRemoval, []string{"i1", "ghost"})

	calls := 0
	transform := func(ctx context.Context, url string) (string, error) {
		calls++
		return okTransform(ctx, url)
	}
	report := Run(context.Background(), job, transform, state.hooks())

	if calls != 1 {
		t.Errorf("transform called %d times, want 1", calls)
	}
	if report.Done != 1 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestUndoRestoresOriginalURLsAndIsIdempotent(t *testing.T) {
	state := newFakeState("i1", "i2")
	job := New(KindGhostMannequin, []string{"i1", "i2"})
	Run(context.Background(), job, okTransform, state.hooks())

	restores := 0
	hooks := UndoHooks{
		Restore: func(ctx context.Context, id, originalURL string) error {
			restores++
			state.urls[id] = originalURL
			return nil
		},
		Delete: func(ctx context.Context, id string) error {
			t.Fatal("replacement undo must not delete")
			return nil
		},
	}
	if err := Undo(context.Background(), job, hooks); err != nil {
		t.Fatal(err)
	}
	if restores != 2 {
		t.Fatalf("restores = %d, want 2", restores)
	}
	if state.urls["i1"] != "https://img/i1.jpg" {
		t.Errorf("i1 = %s, want original", state.urls["i1"])
	}

	// Second undo finds an empty record and does nothing.
	if err := Undo(context.Background(), job, hooks); err != nil {
		t.Fatal(err)
	}
	if restores != 2 {
		t.Fatalf("second undo re-ran compensations: %d", restores)
	}
}

func TestInsertionJobRecordsCreatedIDs(t *testing.T) {
	// Model substitution: each target spawns a new image; undo deletes it.
	state := newFakeState("x", "y")
	job := New(KindModelTryOn, []string{"x", "y"})

	created := 0
	hooks := state.hooks()
	hooks.Insert = func(ctx context.Context, sourceID, newURL string) (string, error) {
		created++
		return fmt.Sprintf("new-%d", created), nil
	}
	hooks.Replace = func(ctx context.Context, id, newURL string) error {
		t.Fatal("insertion job must not replace")
		return nil
	}

	report := Run(context.Background(), job, okTransform, hooks)
	if report.Done != 2 {
		t.Fatalf("report = %+v", report)
	}

	entries := job.UndoEntries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for i, e := range entries {
		if e.CreatedID == "" || e.OriginalURL != "" {
			t.Errorf("entry %d = %+v, want created-id form", i, e)
		}
	}

	var deleted []string
	undoHooks := UndoHooks{
		Restore: func(ctx context.Context, id, url string) error {
			t.Fatal("insertion undo must not restore urls")
			return nil
		},
		Delete: func(ctx context.Context, id string) error {
			deleted = append(deleted, id)
			return nil
		},
	}
	if err := Undo(context.Background(), job, undoHooks); err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 2 || deleted[0] != "new-1" || deleted[1] != "new-2" {
		t.Fatalf("deleted = %v", deleted)
	}
}

func TestKindProvenance(t *testing.T) {
	if !KindModelTryOn.Insertion() {
		t.Error("model try-on must be the insertion variant")
	}
	for _, k := range []Kind{KindBackgroundRemoval, KindGhostMannequin, KindExpansion} {
		if k.Insertion() {
			t.Errorf("%s must not be an insertion kind", k)
		}
	}
}
