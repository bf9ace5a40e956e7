package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/kalamazoo/listai/internal/bulkjob"
	"github.com/kalamazoo/listai/internal/group"
	"github.com/kalamazoo/listai/internal/store"
)

// StartBulk starts a bulk transform job over every live image in a group.
// One job runs at a time per session; the target group locks until the
// job reaches a terminal state so user edits and job writes touch
// disjoint images. Returns the job id.
func (s *BatchSession) StartBulk(kind bulkjob.Kind, groupID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transforms == nil {
		return "", ErrNoTransforms
	}
	if s.activeJob != "" {
		return "", ErrJobRunning
	}
	g, ok := s.table.Get(groupID)
	if !ok {
		return "", group.ErrGroupNotFound
	}

	var targets []string
	for _, id := range g.ImageIDs {
		if it, ok := s.arena.Get(id); ok && !it.Deleted {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return "", fmt.Errorf("group %s has no images to transform", groupID)
	}

	job := bulkjob.New(kind, targets)
	s.dropSupersededLocked(kind)
	s.jobs[job.ID] = job
	s.jobGroups[job.ID] = groupID
	s.activeJob = job.ID
	s.table = s.table.SetLocked(groupID, true)

	go s.runJob(job, groupID)
	return job.ID, nil
}

// RetryFailed starts a follow-up job over the failed subset of a
// terminal job. The follow-up supersedes the original's record.
func (s *BatchSession) RetryFailed(jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.jobs[jobID]
	if !ok {
		return "", ErrNoSuchJob
	}
	if s.activeJob == jobID {
		return "", ErrJobActive
	}
	if s.activeJob != "" {
		return "", ErrJobRunning
	}

	job, err := bulkjob.RetryFailed(prev)
	if err != nil {
		return "", err
	}
	groupID := s.jobGroups[jobID]
	s.dropSupersededLocked(job.Kind)
	s.jobs[job.ID] = job
	s.jobGroups[job.ID] = groupID
	s.activeJob = job.ID
	s.table = s.table.SetLocked(groupID, true)

	go s.runJob(job, groupID)
	return job.ID, nil
}

// dropSupersededLocked discards prior job records of a kind. A record
// outlives its job only to serve undo and retry; a newer job of the
// same kind supersedes both, so its predecessors stop being addressable.
func (s *BatchSession) dropSupersededLocked(kind bulkjob.Kind) {
	for id, j := range s.jobs {
		if j.Kind != kind || id == s.activeJob {
			continue
		}
		delete(s.jobs, id)
		delete(s.jobGroups, id)
	}
}

// CancelJob requests cooperative cancellation of a running job. The
// in-flight item finishes; queued items stay queued.
func (s *BatchSession) CancelJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNoSuchJob
	}
	job.Cancel()
	return nil
}

// JobProgress reports a job's completed/total counters.
func (s *BatchSession) JobProgress(jobID string) (bulkjob.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return bulkjob.Progress{}, ErrNoSuchJob
	}
	return job.Progress(), nil
}

// JobReport returns a job's aggregate counts.
func (s *BatchSession) JobReport(jobID string) (bulkjob.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return bulkjob.Report{}, ErrNoSuchJob
	}
	return job.Report(), nil
}

// JobItemStates returns the per-image state map for diagnostic display.
func (s *BatchSession) JobItemStates(jobID string) (map[string]bulkjob.ItemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNoSuchJob
	}
	return job.ItemStates(), nil
}

// runJob drains the job, then unlocks its group and, if anything
// succeeded, arms the major-action undo token.
func (s *BatchSession) runJob(job *bulkjob.Job, groupID string) {
	ctx := context.Background()
	report := bulkjob.Run(ctx, job, s.transforms.TransformFunc(job.Kind), s.jobHooks(job.Kind))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = s.table.SetLocked(groupID, false)
	if s.activeJob == job.ID {
		s.activeJob = ""
	}
	if report.Done == 0 {
		return
	}
	label := fmt.Sprintf("%s job (%d images)", job.Kind, report.Done)
	s.hist.IssueMajorAction(label, MajorUndoTTL, func(ctx context.Context) error {
		return s.undoJobLocked(ctx, job)
	})
}

// jobHooks wires a job's per-item writes into the session state.
func (s *BatchSession) jobHooks(kind bulkjob.Kind) bulkjob.Hooks {
	return bulkjob.Hooks{
		LookupURL: func(imageID string) (string, bool) {
			s.mu.Lock()
			defer s.mu.Unlock()
			it, ok := s.arena.Get(imageID)
			if !ok || it.Deleted {
				return "", false
			}
			return it.URL, true
		},
		Replace: func(ctx context.Context, imageID, newURL string) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if err := s.store.UpdateImage(ctx, s.batchID, imageID, store.ImageUpdate{URL: strPtr(newURL)}); err != nil {
				return fmt.Errorf("persist new url: %w", err)
			}
			s.arena.SetURL(imageID, newURL)
			return nil
		},
		Insert: func(ctx context.Context, sourceID, newURL string) (string, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			it, ok := s.arena.Get(sourceID)
			if !ok {
				return "", fmt.Errorf("unknown source image %s", sourceID)
			}
			// Snapshot before minting so the commit inserts the new row
			// remotely after shifting its group mates off position 0.
			before := s.ownershipLocked()
			created := s.arena.NewItem(newURL, kind.Provenance())
			next, err := s.table.InsertAtFront(it.GroupID, created.ID)
			if err != nil {
				s.arena.SoftDelete(created.ID)
				return "", err
			}
			s.commitFromLocked(ctx, next, before)
			return created.ID, nil
		},
	}
}

// undoJobLocked is the major-action compensation for a finished job:
// restore replaced urls and delete inserted images. The session lock is
// already held by UndoMajorAction, so the hooks do not re-lock.
func (s *BatchSession) undoJobLocked(ctx context.Context, job *bulkjob.Job) error {
	log.Info().Str("job", job.ID).Str("batch", s.batchID).Msg("Undoing bulk job via major action")
	return bulkjob.Undo(ctx, job, bulkjob.UndoHooks{
		Restore: func(ctx context.Context, imageID, originalURL string) error {
			if err := s.store.UpdateImage(ctx, s.batchID, imageID, store.ImageUpdate{URL: strPtr(originalURL)}); err != nil {
				return fmt.Errorf("restore url: %w", err)
			}
			s.arena.SetURL(imageID, originalURL)
			return nil
		},
		Delete: func(ctx context.Context, createdID string) error {
			next := s.table.RemoveImages([]string{createdID})
			s.commitLocked(ctx, next)
			s.arena.SoftDelete(createdID)
			if err := s.store.DeleteImage(ctx, s.batchID, createdID); err != nil {
				return fmt.Errorf("delete inserted image: %w", err)
			}
			return nil
		},
	})
}
