package queue

import (
	"encoding/json"

	bolt "github.com/coreos/bbolt"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// getBulkTask reads one bulk task row from an open transaction.
func getBulkTask(tx *bolt.Tx, id uint64) (modules.BulkTask, error) {
	bucket := tx.Bucket(bucketBulkTasks)
	if bucket == nil {
		return modules.BulkTask{}, errNilQueueBucket
	}
	rowBytes := bucket.Get(uint64Key(id))
	if rowBytes == nil {
		return modules.BulkTask{}, persist.ErrNilEntry
	}
	var task modules.BulkTask
	if err := json.Unmarshal(rowBytes, &task); err != nil {
		return modules.BulkTask{}, errors.AddContext(err, "corrupt bulk task row")
	}
	return task, nil
}

// putBulkTask writes one bulk task row into an open transaction.
func putBulkTask(tx *bolt.Tx, task modules.BulkTask) error {
	bucket := tx.Bucket(bucketBulkTasks)
	if bucket == nil {
		return errNilQueueBucket
	}
	rowBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return bucket.Put(uint64Key(task.ID), rowBytes)
}

// InsertBulkTask persists a new bulk task in the pending state.
func (q *Queue) InsertBulkTask(t modules.BulkTask) (uint64, error) {
	if len(t.Items) == 0 {
		return 0, errors.Extend(errors.New("empty bulk payload"), modules.ErrValidation)
	}
	if len(t.Items) > modules.MaxBulkItems {
		return 0, errors.Extend(errors.New("bulk payload exceeds item cap"), modules.ErrValidation)
	}
	var id uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBulkTasks)
		if bucket == nil {
			return errNilQueueBucket
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		now := modules.CurrentTime()
		t.ID = id
		t.Status = modules.BulkPending
		t.TotalItems = len(t.Items)
		t.ProcessedItems = 0
		t.FailedItems = 0
		t.CreatedAt = now
		t.UpdatedAt = now
		return putBulkTask(tx, t)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ClaimPendingBulk atomically transitions the oldest pending bulk task to
// processing and returns it. The boolean reports whether a task was claimed.
func (q *Queue) ClaimPendingBulk() (modules.BulkTask, bool, error) {
	var claimed modules.BulkTask
	var found bool
	err := q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBulkTasks)
		if bucket == nil {
			return errNilQueueBucket
		}
		cursor := bucket.Cursor()
		for key, rowBytes := cursor.First(); key != nil; key, rowBytes = cursor.Next() {
			var task modules.BulkTask
			if err := json.Unmarshal(rowBytes, &task); err != nil {
				return errors.AddContext(err, "corrupt bulk task row")
			}
			if task.Status != modules.BulkPending {
				continue
			}
			task.Status = modules.BulkProcessing
			task.UpdatedAt = modules.CurrentTime()
			if err := putBulkTask(tx, task); err != nil {
				return err
			}
			claimed = task
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return modules.BulkTask{}, false, err
	}
	return claimed, found, nil
}

// UpdateBulkProgress updates the item counters of a processing task.
func (q *Queue) UpdateBulkProgress(id uint64, processed, failed int) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		task, err := getBulkTask(tx, id)
		if err != nil {
			return err
		}
		task.ProcessedItems = processed
		task.FailedItems = failed
		task.UpdatedAt = modules.CurrentTime()
		return putBulkTask(tx, task)
	})
}

// markBulkTerminal drives a task into one of its terminal states.
func (q *Queue) markBulkTerminal(id uint64, status modules.BulkTaskStatus, processed, failed int, errorText string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		task, err := getBulkTask(tx, id)
		if err != nil {
			return err
		}
		if task.Status == modules.BulkCompleted || task.Status == modules.BulkFailed {
			return nil
		}
		task.Status = status
		task.ProcessedItems = processed
		task.FailedItems = failed
		task.ErrorText = errorText
		task.UpdatedAt = modules.CurrentTime()
		return putBulkTask(tx, task)
	})
}

// MarkBulkCompleted marks a task completed with its final counters.
func (q *Queue) MarkBulkCompleted(id uint64, processed, failed int) error {
	return q.markBulkTerminal(id, modules.BulkCompleted, processed, failed, "")
}

// MarkBulkFailed marks a task failed with its final counters and error.
func (q *Queue) MarkBulkFailed(id uint64, processed, failed int, errorText string) error {
	return q.markBulkTerminal(id, modules.BulkFailed, processed, failed, errorText)
}

// GetBulkTask returns one bulk task row.
func (q *Queue) GetBulkTask(id uint64) (task modules.BulkTask, err error) {
	err = q.db.View(func(tx *bolt.Tx) error {
		task, err = getBulkTask(tx, id)
		return err
	})
	return task, err
}
