package queue

import (
	bolt "github.com/coreos/bbolt"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// applyFields copies the non-nil fields of a transition onto a job row.
func applyFields(job *modules.Job, fields modules.TransitionFields) {
	if fields.Handle != nil {
		job.DownloaderHandle = *fields.Handle
	}
	if fields.SourceURL != nil {
		job.SourceURL = *fields.SourceURL
	}
	if fields.TmpPath != nil {
		job.TmpPath = *fields.TmpPath
	}
	if fields.FinalPath != nil {
		job.FinalPath = *fields.FinalPath
	}
	if fields.FileSizeBytes != nil {
		job.FileSizeBytes = *fields.FileSizeBytes
	}
	if fields.Progress != nil {
		job.Progress = *fields.Progress
	}
	if fields.ErrorText != nil {
		job.ErrorText = *fields.ErrorText
	}
	if fields.DeletedAt != nil {
		job.DeletedAt = fields.DeletedAt
	}
	if fields.Metadata != nil {
		job.Metadata = modules.NormalizeMetadata(fields.Metadata)
	}
}

// Transition performs a compare-and-set status change on a job row and
// returns the stored result. The caller names the status it believes the row
// holds; if the row has moved on, ErrInvalidTransition is returned and the
// row is untouched. The downloader handle is released on every transition
// whose target is neither downloading nor paused. A transition back to queued
// does not pulse the insert wake channel; requeued jobs wait out the
// scheduler's tick, so a refused start cannot re-wake the loop that refused
// it.
func (q *Queue) Transition(id uint64, from, to modules.JobStatus, fields modules.TransitionFields) (modules.Job, error) {
	var updated modules.Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if job.Status != from {
			return errors.AddContext(modules.ErrInvalidTransition, "job is "+string(job.Status)+", not "+string(from))
		}
		if !modules.ValidTransition(from, to) {
			return errors.AddContext(modules.ErrInvalidTransition, string(from)+" -> "+string(to))
		}

		job.Status = to
		applyFields(&job, fields)
		if to != modules.StatusDownloading && to != modules.StatusPaused {
			job.DownloaderHandle = ""
		}
		if to == modules.StatusQueued {
			// A job returning to the queue keeps its priority and position
			// but sheds its runtime counters.
			job.Progress = 0
			job.SpeedBPS = 0
			job.ETASeconds = 0
		}
		job.UpdatedAt = modules.CurrentTime()
		if err := putJob(tx, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return modules.Job{}, err
	}
	return updated, nil
}

// UpdateProgress writes the worker's counters for one job. The update is
// idempotent on (id, handle): a poll raced by a transition that released or
// replaced the handle is silently dropped.
func (q *Queue) UpdateProgress(id uint64, u modules.ProgressUpdate) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if u.Handle != "" && job.DownloaderHandle != u.Handle {
			return nil
		}
		if job.Status != modules.StatusDownloading {
			return nil
		}
		job.Progress = u.Progress
		job.SpeedBPS = u.SpeedBPS
		job.ETASeconds = u.ETASeconds
		job.UpdatedAt = modules.CurrentTime()
		return putJob(tx, job)
	})
}

// SetPriority updates a queued job's priority band. Priorities are only
// meaningful while a job is queued; any other state is rejected.
func (q *Queue) SetPriority(id uint64, user modules.User, priority int) (modules.Job, error) {
	var updated modules.Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if !user.CanMutate(job.UserID) {
			return modules.ErrUnauthorized
		}
		if job.Status != modules.StatusQueued {
			return errors.Extend(errors.New("job is not queued"), modules.ErrValidation)
		}
		job.Priority = priority
		job.UpdatedAt = modules.CurrentTime()
		if err := putJob(tx, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return modules.Job{}, err
	}
	q.managedPulseWake()
	return updated, nil
}

// Reorder rewrites contiguous positions starting at 1 across the still-queued
// ids of order, in the order given. Ids that are unknown, not queued, or not
// mutable by the user are skipped, matching the reorder semantics of the API.
// Unrelated jobs are not renumbered. Returns how many ids were applied.
func (q *Queue) Reorder(user modules.User, order []uint64) (int, error) {
	applied := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		position := uint64(0)
		for _, id := range order {
			job, err := getJob(tx, id)
			if errors.Contains(err, persist.ErrNilEntry) {
				continue
			}
			if err != nil {
				return err
			}
			if job.Status != modules.StatusQueued || !user.CanMutate(job.UserID) {
				continue
			}
			position++
			job.Position = position
			job.UpdatedAt = modules.CurrentTime()
			if err := putJob(tx, job); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if applied > 0 {
		q.managedPulseWake()
	}
	return applied, nil
}
