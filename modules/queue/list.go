package queue

import (
	"sort"

	bolt "github.com/coreos/bbolt"

	"gitlab.com/fetchlabs/fetchd/modules"
)

// listLess implements the listing order: status rank first, then priority,
// position, recency (newest first) and id.
func listLess(a, b modules.Job) bool {
	rankA, rankB := modules.StatusRank(a.Status), modules.StatusRank(b.Status)
	if rankA != rankB {
		return rankA < rankB
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}

// ListPaged returns one page of jobs. Admins see every job unless mineOnly is
// set; everyone else only ever sees their own.
func (q *Queue) ListPaged(user modules.User, mineOnly bool, limit, offset int) (modules.JobPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	restrict := mineOnly || !user.IsAdmin()

	var rows []modules.Job
	err := q.db.View(func(tx *bolt.Tx) error {
		return forEachJob(tx, func(job modules.Job) error {
			if restrict && job.UserID != user.ID {
				return nil
			}
			rows = append(rows, job)
			return nil
		})
	})
	if err != nil {
		return modules.JobPage{}, err
	}
	sort.Slice(rows, func(i, j int) bool {
		return listLess(rows[i], rows[j])
	})

	total := len(rows)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return modules.JobPage{
		Jobs:    rows[offset:end],
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: end < total,
	}, nil
}
