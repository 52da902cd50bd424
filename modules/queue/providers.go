package queue

import (
	"encoding/json"

	bolt "github.com/coreos/bbolt"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
)

// providersByKey reads the provider table of an open transaction.
func providersByKey(tx *bolt.Tx) (map[string]modules.Provider, error) {
	bucket := tx.Bucket(bucketProviders)
	if bucket == nil {
		return nil, errNilQueueBucket
	}
	providers := make(map[string]modules.Provider)
	err := bucket.ForEach(func(key, rowBytes []byte) error {
		var provider modules.Provider
		if err := json.Unmarshal(rowBytes, &provider); err != nil {
			return errors.AddContext(err, "corrupt provider row")
		}
		providers[string(key)] = provider
		return nil
	})
	if err != nil {
		return nil, err
	}
	return providers, nil
}

// Providers returns all configured provider rows, keyed by provider key.
func (q *Queue) Providers() (map[string]modules.Provider, error) {
	var providers map[string]modules.Provider
	err := q.db.View(func(tx *bolt.Tx) error {
		var err error
		providers, err = providersByKey(tx)
		return err
	})
	return providers, err
}

// UpsertProvider inserts or updates a provider row. The key of an existing
// provider is immutable; deleting a provider is only allowed while no
// non-terminal job references it.
func (q *Queue) UpsertProvider(p modules.Provider) (modules.Provider, error) {
	err := q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketProviders)
		if bucket == nil {
			return errNilQueueBucket
		}
		existing := bucket.Get([]byte(p.Key))
		if existing != nil {
			var stored modules.Provider
			if err := json.Unmarshal(existing, &stored); err != nil {
				return errors.AddContext(err, "corrupt provider row")
			}
			p.ID = stored.ID
		} else {
			id, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			p.ID = id
		}
		return putKeyed(tx, bucketProviders, p.Key, p)
	})
	if err != nil {
		return modules.Provider{}, err
	}
	return p, nil
}

// DeleteProvider removes a provider row. The delete is refused while any
// non-terminal job references the provider.
func (q *Queue) DeleteProvider(key string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		var referenced bool
		err := forEachJob(tx, func(job modules.Job) error {
			if job.ProviderKey == key && !job.Status.IsTerminal() {
				referenced = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if referenced {
			return errors.Extend(errors.New("provider has live jobs"), modules.ErrValidation)
		}
		bucket := tx.Bucket(bucketProviders)
		if bucket == nil {
			return errNilQueueBucket
		}
		return bucket.Delete([]byte(key))
	})
}

// UpsertUser inserts or updates a user row. User lifecycle is managed
// externally; the row exists so job ownership can be displayed.
func (q *Queue) UpsertUser(u modules.User) (modules.User, error) {
	err := q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketUsers)
		if bucket == nil {
			return errNilQueueBucket
		}
		if u.ID == 0 {
			id, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			u.ID = id
		}
		rowBytes, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return bucket.Put(uint64Key(u.ID), rowBytes)
	})
	if err != nil {
		return modules.User{}, err
	}
	return u, nil
}

// Users returns every stored user row.
func (q *Queue) Users() ([]modules.User, error) {
	var users []modules.User
	err := q.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketUsers)
		if bucket == nil {
			return errNilQueueBucket
		}
		return bucket.ForEach(func(_, rowBytes []byte) error {
			var user modules.User
			if err := json.Unmarshal(rowBytes, &user); err != nil {
				return errors.AddContext(err, "corrupt user row")
			}
			users = append(users, user)
			return nil
		})
	})
	return users, err
}
