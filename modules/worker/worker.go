// Package worker drives in-flight jobs to completion. It polls the download
// daemon for every bound job, mirrors daemon state into the store, finalizes
// completed transfers into the library, and carries the user-facing control
// operations (pause, resume, cancel, delete) that touch both the daemon and
// the store.
package worker

import (
	"strconv"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// workerPollInterval is the delay between daemon polls.
var workerPollInterval = build.Select(build.Var{
	Standard: time.Second,
	Dev:      500 * time.Millisecond,
	Testing:  25 * time.Millisecond,
}).(time.Duration)

// progressEventSpacing rate-limits job.updated events per job so a fast
// transfer does not flood the stream.
const progressEventSpacing = 500 * time.Millisecond

// reconcileEvery is how many poll rounds pass between reconciliation sweeps
// against the daemon's active list.
const reconcileEvery = 10

// providerPausedNote marks a job the worker paused because its provider was
// paused, so the poll loop knows to resume it when the pause lifts.
const providerPausedNote = "provider paused"

// A coordinator is the slice of the registry the worker needs: the pause set
// for parking running transfers and transient reporting for network-level
// daemon errors; satisfied by the registry.
type coordinator interface {
	PausedKeys() map[string]struct{}
	ReportTransient(key, reason string)
}

// Worker is the progress and finalization loop.
type Worker struct {
	queue      modules.Queue
	downloader modules.Downloader
	bus        modules.EventBus
	media      modules.MediaServer
	coord      coordinator
	config     modules.Config
	log        *persist.Logger

	mu            sync.Mutex
	lastEventAt   map[uint64]time.Time
	pollsReported int

	tg threadgroup.ThreadGroup
}

// New creates a worker and starts its poll loop. media may be nil when no
// media server is configured; coord may be nil when provider coordination is
// not wired.
func New(q modules.Queue, dl modules.Downloader, bus modules.EventBus, media modules.MediaServer, coord coordinator, config modules.Config, log *persist.Logger) (*Worker, error) {
	w := &Worker{
		queue:      q,
		downloader: dl,
		bus:        bus,
		media:      media,
		coord:      coord,
		config:     config,
		log:        log,

		lastEventAt: make(map[uint64]time.Time),
	}
	go w.threadedPollLoop()
	return w, nil
}

// Close stops the poll loop.
func (w *Worker) Close() error {
	return w.tg.Stop()
}

// threadedPollLoop polls the daemon until the worker is stopped.
func (w *Worker) threadedPollLoop() {
	if err := w.tg.Add(); err != nil {
		return
	}
	defer w.tg.Done()
	rounds := 0
	for {
		select {
		case <-w.tg.StopChan():
			return
		case <-time.After(workerPollInterval):
		}
		w.managedPoll()
		rounds++
		if rounds%reconcileEvery == 0 {
			w.managedReconcile()
		}
	}
}

// managedPoll mirrors daemon state into the store for every downloading job,
// and applies provider pauses to running transfers.
func (w *Worker) managedPoll() {
	active, err := w.queue.ActiveJobs()
	if err != nil {
		w.log.Println("unable to read active jobs:", err)
		return
	}
	var paused map[string]struct{}
	if w.coord != nil {
		paused = w.coord.PausedKeys()
	}
	for _, job := range active {
		_, providerPaused := paused[job.ProviderKey]
		switch job.Status {
		case modules.StatusDownloading:
			if providerPaused {
				w.managedPauseForProvider(job)
				continue
			}
			if job.DownloaderHandle == "" {
				// A downloading row without a handle is unrecoverable; the
				// bind was lost. Fail it so the user can retry.
				w.managedFail(job, errors.Compose(errors.New("download lost its daemon handle"), modules.ErrDownloaderPermanent))
				continue
			}
			w.managedPollJob(job)
		case modules.StatusPaused:
			if !providerPaused && job.ErrorText == providerPausedNote {
				w.managedResumeAfterProvider(job)
			}
		}
	}
}

// managedPauseForProvider parks a running transfer whose provider was paused.
// The daemon pause is best effort; the row records why it was parked so the
// poll loop can restore it when the provider resumes.
func (w *Worker) managedPauseForProvider(job modules.Job) {
	if job.DownloaderHandle != "" {
		if err := w.downloader.Pause(job.DownloaderHandle); err != nil {
			w.log.Println("unable to pause transfer of job", job.ID, ":", err)
			return
		}
	}
	note := providerPausedNote
	updated, err := w.queue.Transition(job.ID, modules.StatusDownloading, modules.StatusPaused, modules.TransitionFields{
		Handle:    &job.DownloaderHandle,
		ErrorText: &note,
	})
	if err != nil {
		w.log.Debugln("unable to park job", job.ID, "for provider pause:", err)
		return
	}
	w.bus.Publish(modules.Event{Type: modules.EventJobPaused, UserID: updated.UserID, Job: &updated, Reason: providerPausedNote})
}

// managedResumeAfterProvider restores a transfer the worker parked once its
// provider pause lifts. A lost daemon handle sends the job back to queued.
func (w *Worker) managedResumeAfterProvider(job modules.Job) {
	cleared := ""
	if job.DownloaderHandle != "" {
		err := w.downloader.Unpause(job.DownloaderHandle)
		if err != nil && modules.IsTransient(err) {
			w.log.Debugln("daemon unreachable while resuming job", job.ID, ":", err)
			return
		}
		if err == nil {
			updated, terr := w.queue.Transition(job.ID, modules.StatusPaused, modules.StatusDownloading, modules.TransitionFields{
				Handle:    &job.DownloaderHandle,
				ErrorText: &cleared,
			})
			if terr != nil {
				w.log.Debugln("unable to restore job", job.ID, ":", terr)
				return
			}
			w.bus.Publish(modules.Event{Type: modules.EventJobResumed, UserID: updated.UserID, Job: &updated})
			return
		}
	}
	// Handle gone or never bound; requeue for a fresh claim.
	updated, err := w.queue.Transition(job.ID, modules.StatusPaused, modules.StatusQueued, modules.TransitionFields{
		Handle:    &cleared,
		ErrorText: &cleared,
	})
	if err != nil {
		w.log.Debugln("unable to requeue job", job.ID, "after provider resume:", err)
		return
	}
	w.bus.Publish(modules.Event{Type: modules.EventJobResumed, UserID: updated.UserID, Job: &updated})
}

// managedPollJob reads one job's daemon status and applies it.
func (w *Worker) managedPollJob(job modules.Job) {
	status, err := w.downloader.Status(job.DownloaderHandle)
	if err != nil {
		if modules.IsTransient(err) {
			// Daemon unreachable; leave the row as is and retry next round.
			w.log.Debugln("daemon unreachable while polling job", job.ID, ":", err)
			return
		}
		w.managedFail(job, err)
		return
	}

	switch status.State {
	case modules.DownloadActive, modules.DownloadWaiting:
		w.managedApplyProgress(job, status)
	case modules.DownloadPaused:
		// Paused daemon-side without a matching row state, e.g. by an
		// operator using the daemon directly. Mirror it.
		updated, err := w.queue.Transition(job.ID, modules.StatusDownloading, modules.StatusPaused, modules.TransitionFields{
			Handle: &job.DownloaderHandle,
		})
		if err != nil {
			w.log.Debugln("unable to mirror daemon pause for job", job.ID, ":", err)
			return
		}
		w.bus.Publish(modules.Event{Type: modules.EventJobPaused, UserID: updated.UserID, Job: &updated})
	case modules.DownloadComplete:
		w.managedFinalize(job, status)
	case modules.DownloadError:
		w.managedDaemonError(job, status)
	case modules.DownloadRemoved:
		updated, err := w.queue.Transition(job.ID, modules.StatusDownloading, modules.StatusCanceled, modules.TransitionFields{})
		if err != nil {
			w.log.Debugln("unable to record daemon removal for job", job.ID, ":", err)
			return
		}
		w.managedRecordTerminal(updated, modules.EventJobCanceled, "removed on daemon")
	}
}

// managedApplyProgress writes the poll counters and emits a rate-limited
// update event.
func (w *Worker) managedApplyProgress(job modules.Job, status modules.DownloadStatus) {
	progress := 0.0
	if status.TotalBytes > 0 {
		progress = float64(status.CompletedBytes) / float64(status.TotalBytes) * 100
		// Full progress is reserved for finalization; a transfer the daemon
		// still reports active stays just below it.
		if progress > 99.9 {
			progress = 99.9
		}
	}
	var eta uint64
	if status.SpeedBPS > 0 && status.TotalBytes > status.CompletedBytes {
		eta = (status.TotalBytes - status.CompletedBytes) / status.SpeedBPS
	}
	err := w.queue.UpdateProgress(job.ID, modules.ProgressUpdate{
		Progress:   progress,
		SpeedBPS:   status.SpeedBPS,
		ETASeconds: eta,
		Handle:     job.DownloaderHandle,
	})
	if err != nil {
		w.log.Println("unable to record progress for job", job.ID, ":", err)
		return
	}

	now := time.Now()
	w.mu.Lock()
	last, ok := w.lastEventAt[job.ID]
	if ok && now.Sub(last) < progressEventSpacing {
		w.mu.Unlock()
		return
	}
	w.lastEventAt[job.ID] = now
	w.mu.Unlock()

	job.Progress = progress
	job.SpeedBPS = status.SpeedBPS
	job.ETASeconds = eta
	w.bus.Publish(modules.Event{Type: modules.EventJobUpdated, UserID: job.UserID, Job: &job})
}

// managedDaemonError classifies a daemon-reported transfer error. Network
// level codes requeue the job and back its provider off so the retry is
// spaced out; everything else fails it.
func (w *Worker) managedDaemonError(job modules.Job, status modules.DownloadStatus) {
	detail := status.ErrorMessage
	if detail == "" {
		detail = "daemon error " + strconv.Itoa(status.ErrorCode)
	}
	if err := w.downloader.Purge(job.DownloaderHandle); err != nil {
		w.log.Debugln("unable to purge errored handle:", err)
	}

	// Codes 2 (timeout) and 6 (network) are recoverable per the daemon's
	// exit-status table.
	if status.ErrorCode == 2 || status.ErrorCode == 6 {
		if w.coord != nil {
			w.coord.ReportTransient(job.ProviderKey, detail)
		}
		updated, err := w.queue.Transition(job.ID, modules.StatusDownloading, modules.StatusQueued, modules.TransitionFields{
			ErrorText: &detail,
		})
		if err != nil {
			w.log.Println("unable to requeue errored job", job.ID, ":", err)
			return
		}
		w.bus.Publish(modules.Event{Type: modules.EventJobUpdated, UserID: updated.UserID, Job: &updated})
		return
	}
	w.managedFail(job, errors.Compose(errors.New(detail), modules.ErrDownloaderPermanent))
}

// managedFail drives a downloading job into failed and records the terminal
// transition.
func (w *Worker) managedFail(job modules.Job, cause error) {
	errorText := cause.Error()
	updated, err := w.queue.Transition(job.ID, job.Status, modules.StatusFailed, modules.TransitionFields{
		ErrorText: &errorText,
	})
	if err != nil {
		w.log.Println("unable to fail job", job.ID, ":", err)
		return
	}
	w.managedRecordTerminal(updated, modules.EventJobFailed, errorText)
}

// managedReconcile sweeps the daemon's active list against the store: daemon
// transfers no store row claims are removed, so crashes cannot leak
// bandwidth.
func (w *Worker) managedReconcile() {
	daemonActive, err := w.downloader.TellActive()
	if err != nil {
		w.log.Debugln("reconcile skipped, daemon unreachable:", err)
		return
	}
	storeActive, err := w.queue.ActiveJobs()
	if err != nil {
		w.log.Println("unable to read active jobs:", err)
		return
	}
	known := make(map[string]struct{}, len(storeActive))
	for _, job := range storeActive {
		if job.DownloaderHandle != "" {
			known[job.DownloaderHandle] = struct{}{}
		}
	}
	for _, status := range daemonActive {
		if _, ok := known[status.Handle]; ok {
			continue
		}
		w.log.Println("removing orphaned daemon transfer", status.Handle)
		if err := w.downloader.Remove(status.Handle); err != nil {
			w.log.Println("unable to remove orphan", status.Handle, ":", err)
			continue
		}
		if err := w.downloader.Purge(status.Handle); err != nil {
			w.log.Debugln("unable to purge orphan", status.Handle, ":", err)
		}
	}
}

// managedRecordTerminal publishes, audits and persists a notification for a
// terminal transition.
func (w *Worker) managedRecordTerminal(job modules.Job, eventType, detail string) {
	w.mu.Lock()
	delete(w.lastEventAt, job.ID)
	w.mu.Unlock()

	w.bus.Publish(modules.Event{
		Type:   eventType,
		UserID: job.UserID,
		Job:    &job,
		Reason: detail,
	})
	err := w.queue.AppendAudit(modules.AuditRecord{
		Actor:       "system",
		Action:      eventType,
		SubjectType: "job",
		SubjectID:   strconv.FormatUint(job.ID, 10),
		Payload:     detail,
	})
	if err != nil {
		w.log.Println("unable to audit terminal transition:", err)
	}
	err = w.queue.AppendNotification(modules.Notification{
		UserID: job.UserID,
		Kind:   eventType,
		Body:   job.Title,
	})
	if err != nil {
		w.log.Println("unable to record notification:", err)
	}
}
