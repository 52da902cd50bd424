// Package queue implements the transactional job store. Every persisted row
// of the daemon lives in one bolt database owned by this package; the other
// components hold only job ids and snapshots. All multi-row mutations happen
// inside a single bolt Update transaction, which serializes writers and makes
// the claim operation linearizable without any extra locking.
package queue

import (
	"os"
	"path/filepath"

	bolt "github.com/coreos/bbolt"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

const (
	// logFile is the name of the queue's log file.
	logFile = "queue.log"

	// dbFile is the name of the bolt database holding every table.
	dbFile = "fetchd.db"
)

// dbMetadata stamps the database so incompatible files are rejected at open.
var dbMetadata = persist.Metadata{
	Header:  "Fetchd Queue Database",
	Version: "0.4.0",
}

var (
	// errNilQueueBucket indicates the database is missing one of its buckets.
	errNilQueueBucket = errors.Compose(persist.ErrNilBucket, modules.ErrStoreUnavailable)
)

// The bucket set. Jobs are keyed by big-endian id so that bucket order is
// insertion order; the coordination buckets are keyed by provider key.
var (
	bucketJobs          = []byte("Jobs")
	bucketBulkTasks     = []byte("BulkTasks")
	bucketProviders     = []byte("Providers")
	bucketUsers         = []byte("Users")
	bucketPause         = []byte("ProviderPause")
	bucketBackoff       = []byte("ProviderBackoff")
	bucketAudit         = []byte("AuditLog")
	bucketNotifications = []byte("Notifications")

	allBuckets = [][]byte{
		bucketJobs,
		bucketBulkTasks,
		bucketProviders,
		bucketUsers,
		bucketPause,
		bucketBackoff,
		bucketAudit,
		bucketNotifications,
	}
)

// Queue is the bolt-backed implementation of modules.Queue.
type Queue struct {
	db  *persist.BoltDatabase
	log *persist.Logger

	// wake is pulsed on every committed insert so the scheduler can skip the
	// remainder of its tick sleep.
	wake chan struct{}

	persistDir string
}

// New opens (or creates) the queue store in persistDir.
func New(persistDir string) (*Queue, error) {
	err := os.MkdirAll(persistDir, 0700)
	if err != nil {
		return nil, errors.AddContext(err, "unable to create queue persist dir")
	}
	log, err := persist.NewFileLogger(filepath.Join(persistDir, logFile))
	if err != nil {
		return nil, errors.AddContext(err, "unable to create queue logger")
	}
	db, err := persist.OpenDatabase(dbMetadata, filepath.Join(persistDir, dbFile))
	if err != nil {
		return nil, errors.Compose(errors.AddContext(err, "unable to open queue database"), log.Close())
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Compose(errors.AddContext(err, "unable to create buckets"), db.CloseDatabase(), log.Close())
	}

	return &Queue{
		db:         db,
		log:        log,
		wake:       make(chan struct{}, 1),
		persistDir: persistDir,
	}, nil
}

// InsertWake returns a channel pulsed whenever a job insert commits.
func (q *Queue) InsertWake() <-chan struct{} {
	return q.wake
}

// managedPulseWake performs a non-blocking send on the wake channel.
func (q *Queue) managedPulseWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// DB exposes the underlying database for components that share the store
// file, such as the catalog cache.
func (q *Queue) DB() *persist.BoltDatabase {
	return q.db
}

// Close releases the database and the logger.
func (q *Queue) Close() error {
	return errors.Compose(q.db.CloseDatabase(), q.log.Close())
}
