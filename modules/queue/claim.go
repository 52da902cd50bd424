package queue

import (
	"sort"

	bolt "github.com/coreos/bbolt"

	"gitlab.com/fetchlabs/fetchd/modules"
)

// claimLess implements the claim ordering key: priority asc, position asc,
// created_at asc, id asc.
func claimLess(a, b modules.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ClaimNextRunnable returns up to limit queued jobs whose provider is in
// neither excluded set, transitioning each claimed row to starting within the
// same transaction. Because bolt serializes write transactions, two
// concurrent claimers can never observe the same row as queued, so a job is
// claimed at most once.
func (q *Queue) ClaimNextRunnable(limit int, pausedKeys, backoffKeys map[string]struct{}) ([]modules.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []modules.Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		var runnable []modules.Job
		err := forEachJob(tx, func(job modules.Job) error {
			if job.Status != modules.StatusQueued {
				return nil
			}
			if _, paused := pausedKeys[job.ProviderKey]; paused {
				return nil
			}
			if _, backedOff := backoffKeys[job.ProviderKey]; backedOff {
				return nil
			}
			runnable = append(runnable, job)
			return nil
		})
		if err != nil {
			return err
		}
		sort.Slice(runnable, func(i, j int) bool {
			return claimLess(runnable[i], runnable[j])
		})
		if len(runnable) > limit {
			runnable = runnable[:limit]
		}

		now := modules.CurrentTime()
		for _, job := range runnable {
			job.Status = modules.StatusStarting
			job.ErrorText = ""
			job.UpdatedAt = now
			if err := putJob(tx, job); err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
