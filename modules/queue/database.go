package queue

import (
	"encoding/binary"
	"encoding/json"

	bolt "github.com/coreos/bbolt"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// uint64Key encodes an id as a big-endian key so that bucket iteration order
// matches numeric order.
func uint64Key(i uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, i)
	return key
}

// decodeUint64Key decodes a big-endian bucket key.
func decodeUint64Key(key []byte) uint64 {
	if len(key) != 8 {
		build.Critical("malformed uint64 bucket key")
		return 0
	}
	return binary.BigEndian.Uint64(key)
}

// getJob reads one job row from the jobs bucket of an open transaction.
func getJob(tx *bolt.Tx, id uint64) (modules.Job, error) {
	bucket := tx.Bucket(bucketJobs)
	if bucket == nil {
		return modules.Job{}, errNilQueueBucket
	}
	rowBytes := bucket.Get(uint64Key(id))
	if rowBytes == nil {
		return modules.Job{}, persist.ErrNilEntry
	}
	var job modules.Job
	err := json.Unmarshal(rowBytes, &job)
	if err != nil {
		return modules.Job{}, errors.AddContext(err, "corrupt job row")
	}
	return job, nil
}

// putJob writes one job row into the jobs bucket of an open transaction.
func putJob(tx *bolt.Tx, job modules.Job) error {
	bucket := tx.Bucket(bucketJobs)
	if bucket == nil {
		return errNilQueueBucket
	}
	rowBytes, err := json.Marshal(job)
	if err != nil {
		return errors.AddContext(err, "unable to marshal job row")
	}
	return bucket.Put(uint64Key(job.ID), rowBytes)
}

// forEachJob iterates every job row of an open transaction in id order.
func forEachJob(tx *bolt.Tx, fn func(modules.Job) error) error {
	bucket := tx.Bucket(bucketJobs)
	if bucket == nil {
		return errNilQueueBucket
	}
	return bucket.ForEach(func(_, rowBytes []byte) error {
		var job modules.Job
		if err := json.Unmarshal(rowBytes, &job); err != nil {
			return errors.AddContext(err, "corrupt job row")
		}
		return fn(job)
	})
}

// putKeyed writes a json value under a string key.
func putKeyed(tx *bolt.Tx, bucketName []byte, key string, v interface{}) error {
	bucket := tx.Bucket(bucketName)
	if bucket == nil {
		return errNilQueueBucket
	}
	rowBytes, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), rowBytes)
}
