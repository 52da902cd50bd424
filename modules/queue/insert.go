package queue

import (
	"strings"
	"unicode"

	bolt "github.com/coreos/bbolt"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
)

// InsertJobs atomically inserts a batch of jobs for user. Either every item
// is inserted or none; an unknown or disabled provider key fails the whole
// batch with modules.ErrValidation.
func (q *Queue) InsertJobs(items []modules.JobSubmission, user modules.User, opts modules.InsertOptions) ([]uint64, error) {
	if len(items) == 0 {
		return nil, errors.Extend(errors.New("empty batch"), modules.ErrValidation)
	}
	category := opts.Category
	if category == "" {
		category = modules.CategoryOther
	}
	if !modules.ValidCategory(category) {
		return nil, errors.Extend(errors.New("unsupported category "+category), modules.ErrValidation)
	}

	var ids []uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		providers, err := providersByKey(tx)
		if err != nil {
			return err
		}

		// The next position is one past the highest position currently held
		// by a live job. Terminal rows keep their stored positions but no
		// longer participate in ordering.
		var maxPosition uint64
		err = forEachJob(tx, func(job modules.Job) error {
			if !job.Status.IsTerminal() && job.Position > maxPosition {
				maxPosition = job.Position
			}
			return nil
		})
		if err != nil {
			return err
		}

		bucket := tx.Bucket(bucketJobs)
		if bucket == nil {
			return errNilQueueBucket
		}
		now := modules.CurrentTime()
		for _, item := range items {
			provider, exists := providers[item.ProviderKey]
			if !exists || !provider.Enabled {
				return errors.Extend(errors.New("unknown provider "+item.ProviderKey), modules.ErrValidation)
			}
			if item.ExternalID == "" {
				return errors.Extend(errors.New("missing external id"), modules.ErrValidation)
			}
			id, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			maxPosition++
			priority := item.Priority
			if priority == 0 {
				priority = modules.DefaultPriority
			}
			job := modules.Job{
				ID:          id,
				UserID:      user.ID,
				ProviderID:  provider.ID,
				ProviderKey: provider.Key,
				ExternalID:  item.ExternalID,
				Title:       item.Title,
				Category:    category,
				Metadata:    modules.NormalizeMetadata(item.Metadata),
				Priority:    priority,
				Position:    maxPosition,
				Status:      modules.StatusQueued,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := putJob(tx, job); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.managedPulseWake()
	return ids, nil
}

// Get returns one job row.
func (q *Queue) Get(id uint64) (job modules.Job, err error) {
	err = q.db.View(func(tx *bolt.Tx) error {
		job, err = getJob(tx, id)
		return err
	})
	return job, err
}

// ActiveJobs returns every job in starting, downloading or paused.
func (q *Queue) ActiveJobs() ([]modules.Job, error) {
	var active []modules.Job
	err := q.db.View(func(tx *bolt.Tx) error {
		return forEachJob(tx, func(job modules.Job) error {
			switch job.Status {
			case modules.StatusStarting, modules.StatusDownloading, modules.StatusPaused:
				active = append(active, job)
			}
			return nil
		})
	})
	return active, err
}

// Stats returns the aggregate counters for /jobs/stats.
func (q *Queue) Stats() (modules.JobStats, error) {
	stats := modules.JobStats{ByStatus: make(map[modules.JobStatus]int)}
	err := q.db.View(func(tx *bolt.Tx) error {
		return forEachJob(tx, func(job modules.Job) error {
			stats.ByStatus[job.Status]++
			stats.Total++
			if !job.Status.IsTerminal() {
				stats.TotalLive++
			}
			return nil
		})
	})
	return stats, err
}

// titleTokens lowercases a title and splits it into its significant tokens.
func titleTokens(title string) map[string]struct{} {
	tokens := make(map[string]struct{})
	var current strings.Builder
	flush := func() {
		if current.Len() > 1 {
			tokens[current.String()] = struct{}{}
		}
		current.Reset()
	}
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// FindExistingByTitle returns the titles of stored jobs whose title contains
// every significant token of q. Used to warn about duplicate library entries
// at queue time.
func (q *Queue) FindExistingByTitle(query string) ([]string, error) {
	want := titleTokens(query)
	if len(want) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var matches []string
	err := q.db.View(func(tx *bolt.Tx) error {
		return forEachJob(tx, func(job modules.Job) error {
			have := titleTokens(job.Title)
			for token := range want {
				if _, ok := have[token]; !ok {
					return nil
				}
			}
			if _, dup := seen[job.Title]; !dup {
				seen[job.Title] = struct{}{}
				matches = append(matches, job.Title)
			}
			return nil
		})
	})
	return matches, err
}
