// Package scheduler runs the admission loop: it watches the queue for
// runnable jobs and, capacity and disk space permitting, resolves their
// download URLs and hands them to the download daemon. The scheduler is the
// only component that moves jobs from queued into execution.
package scheduler

import (
	"strconv"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// schedulerTickInterval is the idle poll interval of the admission loop. A
// committed insert wakes the loop early through the queue's wake channel.
var schedulerTickInterval = build.Select(build.Var{
	Standard: time.Second,
	Dev:      500 * time.Millisecond,
	Testing:  25 * time.Millisecond,
}).(time.Duration)

// A coordinator is the slice of the registry the scheduler needs: exclusion
// sets for claiming, the spacing gate, handle lookup and failure reporting.
type coordinator interface {
	PausedKeys() map[string]struct{}
	BackoffKeys() map[string]struct{}
	AcquireResolveSlot(key string) (bool, time.Duration)
	Handle(key string) (modules.ProviderHandle, error)
	ReportTransient(key, reason string)
	ReportSuccess(key string)
}

// Scheduler is the admission loop.
type Scheduler struct {
	queue      modules.Queue
	registry   coordinator
	downloader modules.Downloader
	bus        modules.EventBus
	config     modules.Config
	log        *persist.Logger

	// staticDiskFree probes the free bytes under the download directory.
	// Swapped out by tests.
	staticDiskFree func(path string) (uint64, error)

	// blockedOnSpace tracks the low-disk edge so the blocked event fires once
	// per episode instead of every tick.
	blockedOnSpace bool

	tg threadgroup.ThreadGroup
}

// New creates a scheduler and starts its admission loop. The daemon-wide rate
// cap from the config is pushed to the download daemon on startup.
func New(q modules.Queue, reg coordinator, dl modules.Downloader, bus modules.EventBus, config modules.Config, log *persist.Logger) (*Scheduler, error) {
	s := &Scheduler{
		queue:      q,
		registry:   reg,
		downloader: dl,
		bus:        bus,
		config:     config,
		log:        log,

		staticDiskFree: diskFree,
	}
	if bps := config.MaxSpeedBPS(); bps > 0 {
		if err := dl.SetGlobalRateLimit(bps); err != nil {
			// The daemon may simply not be up yet; the cap is advisory.
			log.Println("unable to set global rate limit:", err)
		}
	}
	go s.threadedScheduleLoop()
	return s, nil
}

// Close stops the admission loop.
func (s *Scheduler) Close() error {
	return s.tg.Stop()
}

// threadedScheduleLoop wakes on the tick interval or an insert and runs one
// admission pass per wake.
func (s *Scheduler) threadedScheduleLoop() {
	if err := s.tg.Add(); err != nil {
		return
	}
	defer s.tg.Done()
	for {
		select {
		case <-s.tg.StopChan():
			return
		case <-time.After(schedulerTickInterval):
		case <-s.queue.InsertWake():
		}
		s.managedTick()
	}
}

// managedTick performs one admission pass: check capacity and disk space,
// claim a batch, start each claimed job.
func (s *Scheduler) managedTick() {
	active, err := s.queue.ActiveJobs()
	if err != nil {
		s.log.Println("unable to read active jobs:", err)
		return
	}
	occupied := 0
	for _, job := range active {
		if job.Status.IsActive() {
			occupied++
		}
	}
	capacity := s.config.App.MaxActiveDownloads - occupied
	if capacity <= 0 {
		return
	}

	free, err := s.staticDiskFree(s.config.Paths.Downloads)
	if err != nil {
		s.log.Println("unable to probe free space:", err)
		return
	}
	if float64(free) < s.config.App.MinFreeSpaceGB*1e9 {
		if !s.blockedOnSpace {
			s.blockedOnSpace = true
			s.bus.Publish(modules.Event{
				Type:   modules.EventSchedulerBlocked,
				Reason: "low disk space",
			})
			s.log.Println("scheduling blocked: free space below threshold")
		}
		return
	}
	s.blockedOnSpace = false

	claimed, err := s.queue.ClaimNextRunnable(capacity, s.registry.PausedKeys(), s.registry.BackoffKeys())
	if err != nil {
		s.log.Println("claim failed:", err)
		return
	}
	for _, job := range claimed {
		s.managedStartJob(job)
	}
}

// managedStartJob resolves one claimed job and binds it to the daemon.
func (s *Scheduler) managedStartJob(job modules.Job) {
	// A pause that landed between the claim snapshot and now returns the job
	// to the queue untouched.
	if _, paused := s.registry.PausedKeys()[job.ProviderKey]; paused {
		s.managedRequeue(job, "provider paused")
		return
	}
	// The spacing gate bounds how often URLs are resolved per provider. A
	// refused slot is not a failure; the job just waits its turn.
	if ok, wait := s.registry.AcquireResolveSlot(job.ProviderKey); !ok {
		s.log.Debugf("job %v waiting %v for a resolve slot on %v", job.ID, wait, job.ProviderKey)
		s.managedRequeue(job, "")
		return
	}

	handle, err := s.registry.Handle(job.ProviderKey)
	if err != nil {
		s.managedStartFailed(job, err)
		return
	}
	resolvable, ok := handle.(modules.Resolvable)
	if !ok {
		s.managedStartFailed(job, errors.Compose(errors.New("provider "+job.ProviderKey+" cannot resolve downloads"), modules.ErrProviderPermanent))
		return
	}
	urls, err := resolvable.ResolveDownloadURL(job.ExternalID)
	if err != nil {
		s.managedStartFailed(job, err)
		return
	}
	if len(urls) == 0 {
		s.managedStartFailed(job, errors.Compose(errors.New("provider returned no download urls"), modules.ErrProviderPermanent))
		return
	}
	// The daemon gets exactly one URL per job; the remaining resolutions are
	// recorded on the row for retries and operator inspection.
	sourceURL := urls[0]
	alternates := urls[1:]

	opts := modules.DownloadOptions{
		Dir:      s.config.Paths.Downloads,
		Continue: true,
	}
	if bps, ok := job.Metadata.MetaInt(modules.MetaMaxSpeedBPS); ok && bps > 0 {
		opts.MaxDownloadLimit = uint64(bps)
	}
	daemonHandle, err := s.downloader.AddURI([]string{sourceURL}, opts)
	if err != nil {
		s.managedStartFailed(job, err)
		return
	}

	fields := modules.TransitionFields{
		Handle:    &daemonHandle,
		SourceURL: &sourceURL,
	}
	if len(alternates) > 0 {
		meta := make(modules.Metadata, len(job.Metadata)+1)
		for key, value := range job.Metadata {
			meta[key] = value
		}
		stored := make([]interface{}, 0, len(alternates))
		for _, alt := range alternates {
			stored = append(stored, alt)
		}
		meta[modules.MetaSourceAlternates] = stored
		fields.Metadata = meta
	}
	updated, err := s.queue.Transition(job.ID, modules.StatusStarting, modules.StatusDownloading, fields)
	if err != nil {
		// The job was canceled between claim and bind. The daemon-side
		// transfer is orphaned; remove it so it does not burn bandwidth.
		s.log.Println("job", job.ID, "moved during start, removing daemon transfer:", err)
		if rmErr := s.downloader.Remove(daemonHandle); rmErr != nil {
			s.log.Println("unable to remove orphaned transfer:", rmErr)
		}
		return
	}
	s.registry.ReportSuccess(job.ProviderKey)
	s.bus.Publish(modules.Event{
		Type:   modules.EventJobUpdated,
		UserID: updated.UserID,
		Job:    &updated,
	})
	s.log.Debugf("job %v started as %v", job.ID, daemonHandle)
}

// managedRequeue returns a claimed job to the queue, keeping its priority and
// position.
func (s *Scheduler) managedRequeue(job modules.Job, note string) {
	fields := modules.TransitionFields{}
	if note != "" {
		fields.ErrorText = &note
	}
	if _, err := s.queue.Transition(job.ID, modules.StatusStarting, modules.StatusQueued, fields); err != nil {
		s.log.Println("unable to requeue job", job.ID, ":", err)
	}
}

// managedStartFailed classifies a start failure: transient errors requeue the
// job and back the provider off, permanent errors drive it into failed.
func (s *Scheduler) managedStartFailed(job modules.Job, cause error) {
	if modules.IsTransient(cause) {
		s.registry.ReportTransient(job.ProviderKey, cause.Error())
		s.managedRequeue(job, cause.Error())
		return
	}

	errorText := cause.Error()
	updated, err := s.queue.Transition(job.ID, modules.StatusStarting, modules.StatusFailed, modules.TransitionFields{
		ErrorText: &errorText,
	})
	if err != nil {
		s.log.Println("unable to fail job", job.ID, ":", err)
		return
	}
	s.managedRecordTerminal(updated, modules.EventJobFailed, errorText)
}

// managedRecordTerminal publishes, audits and persists a notification for a
// terminal transition.
func (s *Scheduler) managedRecordTerminal(job modules.Job, eventType, detail string) {
	s.bus.Publish(modules.Event{
		Type:   eventType,
		UserID: job.UserID,
		Job:    &job,
		Reason: detail,
	})
	err := s.queue.AppendAudit(modules.AuditRecord{
		Actor:       "system",
		Action:      eventType,
		SubjectType: "job",
		SubjectID:   strconv.FormatUint(job.ID, 10),
		Payload:     detail,
	})
	if err != nil {
		s.log.Println("unable to audit terminal transition:", err)
	}
	err = s.queue.AppendNotification(modules.Notification{
		UserID: job.UserID,
		Kind:   eventType,
		Body:   job.Title,
	})
	if err != nil {
		s.log.Println("unable to record notification:", err)
	}
}
