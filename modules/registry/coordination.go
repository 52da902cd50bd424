package registry

import (
	"time"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
)

const (
	// defaultBackoffWindow is the first backoff window after a transient
	// provider failure, doubled on each consecutive failure.
	defaultBackoffWindow = 60 * time.Second

	// defaultBackoffMax caps the doubling.
	defaultBackoffMax = 15 * time.Minute
)

// backoffWindows returns the initial and maximum backoff window for key,
// honoring per-provider overrides.
func (r *Registry) backoffWindows(key string) (initial, max time.Duration) {
	initial, max = defaultBackoffWindow, defaultBackoffMax
	cfg := r.providerConfig(key)
	if cfg.ErrorBackoffSeconds > 0 {
		initial = time.Duration(cfg.ErrorBackoffSeconds) * time.Second
	}
	if cfg.ErrorBackoffMaxSeconds > 0 {
		max = time.Duration(cfg.ErrorBackoffMaxSeconds) * time.Second
	}
	if initial > max {
		initial = max
	}
	return initial, max
}

// Pause blocks scheduling and execution for a provider until resumed by an
// admin. Pausing an already paused provider refreshes the note but keeps the
// original pause time.
func (r *Registry) Pause(key, actor, note string) error {
	now := modules.CurrentTime()
	pause := modules.ProviderPause{
		ProviderKey: key,
		PausedBy:    actor,
		PausedAt:    now,
		Note:        note,
	}
	r.mu.Lock()
	if existing, ok := r.pauses[key]; ok {
		pause.PausedAt = existing.PausedAt
	}
	r.pauses[key] = pause
	r.mu.Unlock()

	if err := r.queue.PutPause(pause); err != nil {
		return errors.AddContext(err, "unable to persist pause")
	}
	err := r.queue.AppendAudit(modules.AuditRecord{
		Actor:       actor,
		Action:      "provider.paused",
		SubjectType: "provider",
		SubjectID:   key,
		Payload:     note,
	})
	if err != nil {
		r.log.Println("unable to audit pause:", err)
	}
	r.bus.Publish(modules.Event{
		Type:    modules.EventProviderPaused,
		Payload: pause,
	})
	return nil
}

// Resume lifts an admin pause and clears any accumulated backoff so jobs
// start flowing immediately. Resuming an unpaused provider is a no-op.
func (r *Registry) Resume(key, actor string) error {
	r.mu.Lock()
	_, wasPaused := r.pauses[key]
	delete(r.pauses, key)
	delete(r.backoffs, key)
	r.mu.Unlock()
	if !wasPaused {
		return nil
	}

	if err := r.queue.DeletePause(key); err != nil {
		return errors.AddContext(err, "unable to delete pause")
	}
	if err := r.queue.DeleteBackoff(key); err != nil {
		return errors.AddContext(err, "unable to delete backoff")
	}
	err := r.queue.AppendAudit(modules.AuditRecord{
		Actor:       actor,
		Action:      "provider.resumed",
		SubjectType: "provider",
		SubjectID:   key,
	})
	if err != nil {
		r.log.Println("unable to audit resume:", err)
	}
	r.bus.Publish(modules.Event{
		Type:    modules.EventProviderResumed,
		Payload: key,
	})
	return nil
}

// ReportTransient records a transient provider failure, opening or doubling
// the provider's backoff window.
func (r *Registry) ReportTransient(key, reason string) {
	now := modules.CurrentTime()
	initial, max := r.backoffWindows(key)

	r.mu.Lock()
	window := initial
	startedAt := now
	if existing, ok := r.backoffs[key]; ok && !existing.Expired(now) {
		window = existing.Window * 2
		if window > max {
			window = max
		}
		startedAt = existing.StartedAt
	}
	backoff := modules.ProviderBackoff{
		ProviderKey: key,
		Reason:      reason,
		StartedAt:   startedAt,
		ExpiresAt:   now.Add(window),
		Window:      window,
	}
	r.backoffs[key] = backoff
	r.mu.Unlock()

	if err := r.queue.PutBackoff(backoff); err != nil {
		r.log.Println("unable to persist backoff for", key, ":", err)
	}
	r.log.Printf("provider %v backed off for %v: %v", key, window, reason)
}

// ReportSuccess clears the backoff state of a provider after a successful
// operation.
func (r *Registry) ReportSuccess(key string) {
	r.mu.Lock()
	_, hadBackoff := r.backoffs[key]
	delete(r.backoffs, key)
	r.mu.Unlock()
	if !hadBackoff {
		return
	}
	if err := r.queue.DeleteBackoff(key); err != nil {
		r.log.Println("unable to clear backoff for", key, ":", err)
	}
}

// PausedKeys returns the provider keys currently paused by an admin.
func (r *Registry) PausedKeys() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make(map[string]struct{}, len(r.pauses))
	for key := range r.pauses {
		keys[key] = struct{}{}
	}
	return keys
}

// BackoffKeys returns the provider keys inside an unexpired backoff window.
// Expired rows are dropped as a side effect.
func (r *Registry) BackoffKeys() map[string]struct{} {
	now := modules.CurrentTime()
	var expired []string
	r.mu.Lock()
	keys := make(map[string]struct{}, len(r.backoffs))
	for key, backoff := range r.backoffs {
		if backoff.Expired(now) {
			delete(r.backoffs, key)
			expired = append(expired, key)
			continue
		}
		keys[key] = struct{}{}
	}
	r.mu.Unlock()
	for _, key := range expired {
		if err := r.queue.DeleteBackoff(key); err != nil {
			r.log.Println("unable to clear expired backoff for", key, ":", err)
		}
	}
	return keys
}

// Coordination returns the merged pause/backoff view served to the UI.
func (r *Registry) Coordination() modules.CoordinationState {
	now := modules.CurrentTime()
	r.mu.Lock()
	defer r.mu.Unlock()
	state := modules.CoordinationState{}
	for _, pause := range r.pauses {
		state.Paused = append(state.Paused, pause)
	}
	for _, backoff := range r.backoffs {
		if !backoff.Expired(now) {
			state.BackedOff = append(state.BackedOff, backoff)
		}
	}
	return state
}

// AcquireResolveSlot enforces the per-provider resolution spacing. The first
// return reports whether a resolution may start now; if not, the second is
// how long to wait. A granted slot is recorded immediately.
func (r *Registry) AcquireResolveSlot(key string) (bool, time.Duration) {
	spacing := time.Duration(r.providerConfig(key).DownloadSpacingSeconds) * time.Second
	if spacing <= 0 {
		return true, 0
	}
	now := modules.CurrentTime()
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastResolve[key]
	if ok && now.Sub(last) < spacing {
		return false, spacing - now.Sub(last)
	}
	r.lastResolve[key] = now
	return true, 0
}
