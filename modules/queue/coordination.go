package queue

import (
	"encoding/json"

	bolt "github.com/coreos/bbolt"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
)

// PutPause stores a provider pause row.
func (q *Queue) PutPause(p modules.ProviderPause) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return putKeyed(tx, bucketPause, p.ProviderKey, p)
	})
}

// DeletePause removes a provider pause row. Removing a missing row is a
// no-op.
func (q *Queue) DeletePause(providerKey string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPause)
		if bucket == nil {
			return errNilQueueBucket
		}
		return bucket.Delete([]byte(providerKey))
	})
}

// Pauses returns every stored pause row.
func (q *Queue) Pauses() ([]modules.ProviderPause, error) {
	var pauses []modules.ProviderPause
	err := q.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPause)
		if bucket == nil {
			return errNilQueueBucket
		}
		return bucket.ForEach(func(_, rowBytes []byte) error {
			var pause modules.ProviderPause
			if err := json.Unmarshal(rowBytes, &pause); err != nil {
				return errors.AddContext(err, "corrupt pause row")
			}
			pauses = append(pauses, pause)
			return nil
		})
	})
	return pauses, err
}

// PutBackoff stores a provider backoff row.
func (q *Queue) PutBackoff(b modules.ProviderBackoff) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return putKeyed(tx, bucketBackoff, b.ProviderKey, b)
	})
}

// DeleteBackoff removes a provider backoff row. Removing a missing row is a
// no-op.
func (q *Queue) DeleteBackoff(providerKey string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBackoff)
		if bucket == nil {
			return errNilQueueBucket
		}
		return bucket.Delete([]byte(providerKey))
	})
}

// Backoffs returns every stored backoff row, expired ones included; the
// registry filters on expiry.
func (q *Queue) Backoffs() ([]modules.ProviderBackoff, error) {
	var backoffs []modules.ProviderBackoff
	err := q.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBackoff)
		if bucket == nil {
			return errNilQueueBucket
		}
		return bucket.ForEach(func(_, rowBytes []byte) error {
			var backoff modules.ProviderBackoff
			if err := json.Unmarshal(rowBytes, &backoff); err != nil {
				return errors.AddContext(err, "corrupt backoff row")
			}
			backoffs = append(backoffs, backoff)
			return nil
		})
	})
	return backoffs, err
}

// AppendAudit appends a record to the audit trail.
func (q *Queue) AppendAudit(r modules.AuditRecord) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAudit)
		if bucket == nil {
			return errNilQueueBucket
		}
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		r.ID = id
		if r.At.IsZero() {
			r.At = modules.CurrentTime()
		}
		rowBytes, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return bucket.Put(uint64Key(id), rowBytes)
	})
}

// AuditTail returns the most recent n audit records, newest first.
func (q *Queue) AuditTail(n int) ([]modules.AuditRecord, error) {
	if n <= 0 {
		n = 100
	}
	var records []modules.AuditRecord
	err := q.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAudit)
		if bucket == nil {
			return errNilQueueBucket
		}
		cursor := bucket.Cursor()
		for key, rowBytes := cursor.Last(); key != nil && len(records) < n; key, rowBytes = cursor.Prev() {
			var record modules.AuditRecord
			if err := json.Unmarshal(rowBytes, &record); err != nil {
				return errors.AddContext(err, "corrupt audit row")
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

// AppendNotification persists a notification row for a user.
func (q *Queue) AppendNotification(n modules.Notification) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNotifications)
		if bucket == nil {
			return errNilQueueBucket
		}
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		n.ID = id
		if n.CreatedAt.IsZero() {
			n.CreatedAt = modules.CurrentTime()
		}
		rowBytes, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return bucket.Put(uint64Key(id), rowBytes)
	})
}

// NotificationsFor returns a user's notifications, newest first.
func (q *Queue) NotificationsFor(userID uint64, unreadOnly bool) ([]modules.Notification, error) {
	var notifications []modules.Notification
	err := q.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNotifications)
		if bucket == nil {
			return errNilQueueBucket
		}
		cursor := bucket.Cursor()
		for key, rowBytes := cursor.Last(); key != nil; key, rowBytes = cursor.Prev() {
			var notification modules.Notification
			if err := json.Unmarshal(rowBytes, &notification); err != nil {
				return errors.AddContext(err, "corrupt notification row")
			}
			if notification.UserID != userID {
				continue
			}
			if unreadOnly && notification.Read {
				continue
			}
			notifications = append(notifications, notification)
		}
		return nil
	})
	return notifications, err
}

// MarkNotificationsRead marks the given notification ids of a user as read.
// Ids belonging to other users are skipped.
func (q *Queue) MarkNotificationsRead(userID uint64, ids []uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNotifications)
		if bucket == nil {
			return errNilQueueBucket
		}
		for _, id := range ids {
			rowBytes := bucket.Get(uint64Key(id))
			if rowBytes == nil {
				continue
			}
			var notification modules.Notification
			if err := json.Unmarshal(rowBytes, &notification); err != nil {
				return errors.AddContext(err, "corrupt notification row")
			}
			if notification.UserID != userID || notification.Read {
				continue
			}
			notification.Read = true
			updated, err := json.Marshal(notification)
			if err != nil {
				return err
			}
			if err := bucket.Put(uint64Key(id), updated); err != nil {
				return err
			}
		}
		return nil
	})
}
