// Package registry manages the configured providers: building and caching
// capability-typed handles, fanning searches out across providers, and
// coordinating the pause and backoff state that gates scheduling.
package registry

import (
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// statusCacheTTL bounds how long an account-status snapshot is served without
// asking the provider again.
var statusCacheTTL = build.Select(build.Var{
	Standard: 5 * time.Minute,
	Dev:      30 * time.Second,
	Testing:  50 * time.Millisecond,
}).(time.Duration)

// A Builder turns a stored provider row and its decrypted credentials into a
// live handle. One builder is registered per provider key at wiring time.
type Builder func(p modules.Provider, creds map[string]string, cfg modules.ProviderConfig) (modules.ProviderHandle, error)

// Registry is the provider registry and coordination table.
type Registry struct {
	queue    modules.Queue
	vault    modules.KeyVault
	bus      modules.EventBus
	log      *persist.Logger
	config   modules.Config
	builders map[string]Builder

	mu          sync.Mutex
	handles     map[string]modules.ProviderHandle
	pauses      map[string]modules.ProviderPause
	backoffs    map[string]modules.ProviderBackoff
	lastResolve map[string]time.Time
	statusCache map[string]modules.ProviderStatus
}

// New builds a registry over the given store, reloading persisted pause and
// backoff rows so coordination state survives restarts.
func New(q modules.Queue, vault modules.KeyVault, bus modules.EventBus, config modules.Config, builders map[string]Builder, log *persist.Logger) (*Registry, error) {
	r := &Registry{
		queue:    q,
		vault:    vault,
		bus:      bus,
		log:      log,
		config:   config,
		builders: builders,

		handles:     make(map[string]modules.ProviderHandle),
		pauses:      make(map[string]modules.ProviderPause),
		backoffs:    make(map[string]modules.ProviderBackoff),
		lastResolve: make(map[string]time.Time),
		statusCache: make(map[string]modules.ProviderStatus),
	}
	pauses, err := q.Pauses()
	if err != nil {
		return nil, errors.AddContext(err, "unable to load pause rows")
	}
	for _, p := range pauses {
		r.pauses[p.ProviderKey] = p
	}
	backoffs, err := q.Backoffs()
	if err != nil {
		return nil, errors.AddContext(err, "unable to load backoff rows")
	}
	now := modules.CurrentTime()
	for _, b := range backoffs {
		if !b.Expired(now) {
			r.backoffs[b.ProviderKey] = b
		}
	}
	return r, nil
}

// Enabled returns the enabled provider rows, keyed by provider key.
func (r *Registry) Enabled() (map[string]modules.Provider, error) {
	providers, err := r.queue.Providers()
	if err != nil {
		return nil, err
	}
	for key, p := range providers {
		if !p.Enabled {
			delete(providers, key)
		}
	}
	return providers, nil
}

// Handle returns the capability-typed handle for key, building and caching it
// on first use. A credential blob that fails to decrypt disables the provider
// so it stops being offered, and the failure is audited.
func (r *Registry) Handle(key string) (modules.ProviderHandle, error) {
	r.mu.Lock()
	if handle, ok := r.handles[key]; ok {
		r.mu.Unlock()
		return handle, nil
	}
	r.mu.Unlock()

	providers, err := r.queue.Providers()
	if err != nil {
		return nil, err
	}
	provider, ok := providers[key]
	if !ok || !provider.Enabled {
		return nil, errors.Extend(errors.New("unknown or disabled provider "+key), modules.ErrValidation)
	}
	builder, ok := r.builders[key]
	if !ok {
		return nil, errors.Compose(errors.New("no builder registered for provider "+key), modules.ErrProviderPermanent)
	}

	creds := make(map[string]string)
	if len(provider.Config) > 0 {
		creds, err = r.vault.Decrypt(provider.Config)
		if err != nil {
			r.managedDisableProvider(provider, err)
			return nil, errors.Compose(errors.AddContext(err, "credential decrypt failed for "+key), modules.ErrProviderPermanent)
		}
	}
	handle, err := builder(provider, creds, r.providerConfig(key))
	if err != nil {
		return nil, errors.Compose(errors.AddContext(err, "unable to build provider "+key), modules.ErrProviderPermanent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have built the handle while the lock was released;
	// the first stored handle wins so everyone shares one.
	if existing, ok := r.handles[key]; ok {
		return existing, nil
	}
	r.handles[key] = handle
	return handle, nil
}

// Invalidate drops the cached handle and status for key. Called after a
// provider row or its credentials change.
func (r *Registry) Invalidate(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, key)
	delete(r.statusCache, key)
}

// managedDisableProvider flips a provider off after an unrecoverable
// credential failure and records the action.
func (r *Registry) managedDisableProvider(p modules.Provider, cause error) {
	p.Enabled = false
	if _, err := r.queue.UpsertProvider(p); err != nil {
		r.log.Severe("unable to disable provider", p.Key, ":", err)
		return
	}
	err := r.queue.AppendAudit(modules.AuditRecord{
		Actor:       "system",
		Action:      "provider.disabled",
		SubjectType: "provider",
		SubjectID:   p.Key,
		Payload:     cause.Error(),
	})
	if err != nil {
		r.log.Println("unable to audit provider disable:", err)
	}
	r.log.Println("provider", p.Key, "disabled:", cause)
}

// providerConfig returns the tuning block for key, zero-valued when the
// config file has none.
func (r *Registry) providerConfig(key string) modules.ProviderConfig {
	return r.config.Providers[key]
}

// searchResult carries one provider's answer through the fan-out.
type searchResult struct {
	key   string
	items []modules.SearchItem
	err   error
}

// A SearchFailure reports one provider's search error alongside the partial
// results of the others.
type SearchFailure struct {
	ProviderKey string `json:"provider"`
	Message     string `json:"message"`
}

// SearchAll fans a query out to the enabled, searchable, unpaused providers
// and merges the answers. keys narrows the fan-out when non-empty. A provider
// that fails is reported in the failure list, and to the backoff table when
// the failure is transient; partial results are still returned.
func (r *Registry) SearchAll(query string, keys []string, limit int) ([]modules.SearchItem, []SearchFailure, error) {
	if limit <= 0 {
		limit = r.config.App.DefaultSearchLimit
	}
	providers, err := r.Enabled()
	if err != nil {
		return nil, nil, err
	}
	if len(keys) > 0 {
		wanted := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			wanted[key] = struct{}{}
		}
		for key := range providers {
			if _, ok := wanted[key]; !ok {
				delete(providers, key)
			}
		}
	}
	paused := r.PausedKeys()

	var failures []SearchFailure
	resultChan := make(chan searchResult)
	launched := 0
	for key := range providers {
		if _, isPaused := paused[key]; isPaused {
			continue
		}
		handle, err := r.Handle(key)
		if err != nil {
			r.log.Debugln("search skipping provider", key, ":", err)
			failures = append(failures, SearchFailure{ProviderKey: key, Message: err.Error()})
			continue
		}
		searchable, ok := handle.(modules.Searchable)
		if !ok {
			continue
		}
		launched++
		go func(key string, s modules.Searchable) {
			items, err := s.Search(query, limit)
			resultChan <- searchResult{key: key, items: items, err: err}
		}(key, searchable)
	}

	var merged []modules.SearchItem
	for i := 0; i < launched; i++ {
		result := <-resultChan
		if result.err != nil {
			if modules.IsTransient(result.err) {
				r.ReportTransient(result.key, result.err.Error())
			}
			r.log.Println("search against", result.key, "failed:", result.err)
			failures = append(failures, SearchFailure{ProviderKey: result.key, Message: result.err.Error()})
			continue
		}
		r.ReportSuccess(result.key)
		merged = append(merged, result.items...)
	}
	return merged, failures, nil
}

// Status returns the account-status snapshot for key, served from a short
// cache so that UI polling does not hammer the provider.
func (r *Registry) Status(key string) (modules.ProviderStatus, error) {
	r.mu.Lock()
	cached, hasCached := r.statusCache[key]
	r.mu.Unlock()
	if hasCached && modules.CurrentTime().Sub(cached.CheckedAt) < statusCacheTTL {
		return cached, nil
	}

	handle, err := r.Handle(key)
	if err != nil {
		return modules.ProviderStatus{}, err
	}
	capable, ok := handle.(modules.StatusCapable)
	if !ok {
		return modules.ProviderStatus{}, errors.Extend(errors.New("provider "+key+" does not report status"), modules.ErrValidation)
	}
	status, err := capable.Status()
	if err != nil {
		// A failing status probe serves the stale snapshot when one exists.
		if hasCached {
			return cached, nil
		}
		return modules.ProviderStatus{}, err
	}
	status.ProviderKey = key
	status.CheckedAt = modules.CurrentTime()
	r.mu.Lock()
	r.statusCache[key] = status
	r.mu.Unlock()
	return status, nil
}
