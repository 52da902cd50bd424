// Package catalog caches provider browse menus and variant listings. The
// upstream catalogs change slowly and the providers rate-limit aggressively,
// so reads are served from a bolt-backed cache with per-kind TTLs and a
// stale-on-error fallback: a provider outage degrades browsing to slightly
// old data instead of errors.
package catalog

import (
	"encoding/json"
	"time"

	bolt "github.com/coreos/bbolt"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// TTLs for the two cached kinds. Menus are near-static; variant lists carry
// availability and expire much faster.
var (
	menuTTL = build.Select(build.Var{
		Standard: 72 * time.Hour,
		Dev:      time.Hour,
		Testing:  50 * time.Millisecond,
	}).(time.Duration)

	variantTTL = build.Select(build.Var{
		Standard: 15 * time.Minute,
		Dev:      time.Minute,
		Testing:  50 * time.Millisecond,
	}).(time.Duration)
)

var (
	bucketMenus    = []byte("CatalogMenus")
	bucketVariants = []byte("CatalogVariants")
)

// keySep separates the provider key from the item path inside a bucket key.
// Provider keys never contain a NUL.
const keySep = "\x00"

// A handleSource yields provider handles; satisfied by the registry.
type handleSource interface {
	Handle(key string) (modules.ProviderHandle, error)
}

// cachedRow is one stored cache entry.
type cachedRow struct {
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetchedat"`
}

// Cache is the bolt-backed catalog cache. It shares the queue's database
// file, so one fetchd data directory holds exactly one bolt file.
type Cache struct {
	db        *persist.BoltDatabase
	providers handleSource
	config    modules.Config
	log       *persist.Logger
}

// New prepares the cache buckets inside the shared database.
func New(db *persist.BoltDatabase, providers handleSource, config modules.Config, log *persist.Logger) (*Cache, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMenus, bucketVariants} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.AddContext(err, "unable to create catalog buckets")
	}
	return &Cache{
		db:        db,
		providers: providers,
		config:    config,
		log:       log,
	}, nil
}

// menuTTLFor honors per-provider menu TTL overrides.
func (c *Cache) menuTTLFor(providerKey string) time.Duration {
	if cfg, ok := c.config.Providers[providerKey]; ok && cfg.MenuCacheTTLSeconds > 0 {
		return time.Duration(cfg.MenuCacheTTLSeconds) * time.Second
	}
	return menuTTL
}

// read returns the stored row under bucket/key, reporting whether one exists.
func (c *Cache) read(bucketName []byte, key string) (cachedRow, bool) {
	var row cachedRow
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket == nil {
			return persist.ErrNilBucket
		}
		rowBytes := bucket.Get([]byte(key))
		if rowBytes == nil {
			return nil
		}
		if err := json.Unmarshal(rowBytes, &row); err != nil {
			return errors.AddContext(err, "corrupt cache row")
		}
		found = true
		return nil
	})
	if err != nil {
		c.log.Println("cache read failed:", err)
		return cachedRow{}, false
	}
	return row, found
}

// write stores payload under bucket/key stamped with the current time.
func (c *Cache) write(bucketName []byte, key string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Println("unable to encode cache payload:", err)
		return
	}
	rowBytes, err := json.Marshal(cachedRow{Payload: raw, FetchedAt: modules.CurrentTime()})
	if err != nil {
		c.log.Println("unable to encode cache row:", err)
		return
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket == nil {
			return persist.ErrNilBucket
		}
		return bucket.Put([]byte(key), rowBytes)
	})
	if err != nil {
		c.log.Println("cache write failed:", err)
	}
}

// cacheInfo builds the served-from-cache descriptor of a row under ttl.
func cacheInfo(row cachedRow, stale bool, ttl time.Duration) modules.CacheInfo {
	return modules.CacheInfo{
		Hit:         true,
		Stale:       stale,
		AgeSeconds:  int(modules.CurrentTime().Sub(row.FetchedAt) / time.Second),
		TTLSeconds:  int(ttl / time.Second),
		FetchedAt:   row.FetchedAt,
		Refreshable: true,
	}
}

// fetchedInfo builds the descriptor of a freshly fetched answer.
func fetchedInfo(ttl time.Duration) modules.CacheInfo {
	return modules.CacheInfo{
		TTLSeconds:  int(ttl / time.Second),
		FetchedAt:   modules.CurrentTime(),
		Refreshable: true,
	}
}

// Menu returns one browse page of a provider, served from cache while fresh.
// refresh bypasses the cached copy; a provider failure is answered with stale
// data when any exists.
func (c *Cache) Menu(providerKey, path string, refresh bool) (modules.Menu, modules.CacheInfo, error) {
	ttl := c.menuTTLFor(providerKey)
	key := providerKey + keySep + path
	row, cached := c.read(bucketMenus, key)
	if cached && !refresh && modules.CurrentTime().Sub(row.FetchedAt) < ttl {
		var menu modules.Menu
		if err := json.Unmarshal(row.Payload, &menu); err == nil {
			return menu, cacheInfo(row, false, ttl), nil
		}
	}

	handle, err := c.providers.Handle(providerKey)
	if err != nil {
		return c.staleMenu(row, cached, ttl, err)
	}
	browsable, ok := handle.(modules.Browsable)
	if !ok {
		return modules.Menu{}, modules.CacheInfo{}, errors.Extend(errors.New("provider "+providerKey+" is not browsable"), modules.ErrValidation)
	}
	menu, err := browsable.Menu(path)
	if err != nil {
		return c.staleMenu(row, cached, ttl, err)
	}
	c.write(bucketMenus, key, menu)
	return menu, fetchedInfo(ttl), nil
}

// staleMenu serves the stale copy after a fetch failure, or surfaces the
// failure when there is nothing to fall back to.
func (c *Cache) staleMenu(row cachedRow, cached bool, ttl time.Duration, cause error) (modules.Menu, modules.CacheInfo, error) {
	if !cached {
		return modules.Menu{}, modules.CacheInfo{}, cause
	}
	var menu modules.Menu
	if err := json.Unmarshal(row.Payload, &menu); err != nil {
		return modules.Menu{}, modules.CacheInfo{}, cause
	}
	c.log.Println("serving stale menu after fetch failure:", cause)
	return menu, cacheInfo(row, true, ttl), nil
}

// Variants returns the variant list of one catalog item, cached briefly.
func (c *Cache) Variants(providerKey, externalID string, refresh bool) ([]modules.Variant, modules.CacheInfo, error) {
	key := providerKey + keySep + externalID
	row, cached := c.read(bucketVariants, key)
	if cached && !refresh && modules.CurrentTime().Sub(row.FetchedAt) < variantTTL {
		var variants []modules.Variant
		if err := json.Unmarshal(row.Payload, &variants); err == nil {
			return variants, cacheInfo(row, false, variantTTL), nil
		}
	}

	handle, err := c.providers.Handle(providerKey)
	if err != nil {
		return c.staleVariants(row, cached, err)
	}
	listable, ok := handle.(modules.VariantListable)
	if !ok {
		return nil, modules.CacheInfo{}, errors.Extend(errors.New("provider "+providerKey+" does not list variants"), modules.ErrValidation)
	}
	variants, err := listable.Variants(externalID)
	if err != nil {
		return c.staleVariants(row, cached, err)
	}
	c.write(bucketVariants, key, variants)
	return variants, fetchedInfo(variantTTL), nil
}

func (c *Cache) staleVariants(row cachedRow, cached bool, cause error) ([]modules.Variant, modules.CacheInfo, error) {
	if !cached {
		return nil, modules.CacheInfo{}, cause
	}
	var variants []modules.Variant
	if err := json.Unmarshal(row.Payload, &variants); err != nil {
		return nil, modules.CacheInfo{}, cause
	}
	c.log.Println("serving stale variants after fetch failure:", cause)
	return variants, cacheInfo(row, true, variantTTL), nil
}

// InvalidateProvider drops every cached row of one provider, e.g. after its
// credentials or configuration change.
func (c *Cache) InvalidateProvider(providerKey string) error {
	prefix := []byte(providerKey + keySep)
	return c.db.Update(func(tx *bolt.Tx) error {
		for _, bucketName := range [][]byte{bucketMenus, bucketVariants} {
			bucket := tx.Bucket(bucketName)
			if bucket == nil {
				return persist.ErrNilBucket
			}
			cursor := bucket.Cursor()
			var doomed [][]byte
			for key, _ := cursor.Seek(prefix); key != nil && len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix); key, _ = cursor.Next() {
				doomed = append(doomed, append([]byte(nil), key...))
			}
			for _, key := range doomed {
				if err := bucket.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
