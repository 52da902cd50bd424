package worker

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/modules/eventbus"
	"gitlab.com/fetchlabs/fetchd/modules/queue"
	"gitlab.com/fetchlabs/fetchd/persist"
)

var workerUser = modules.User{ID: 2, Name: "alice", Role: modules.RoleUser}

// scriptedDownloader serves canned statuses keyed by handle.
type scriptedDownloader struct {
	mu       sync.Mutex
	statuses map[string]modules.DownloadStatus
	active   []modules.DownloadStatus
	paused   []string
	unpaused []string
	removed  []string
	purged   []string

	unpauseErr error
}

func newScriptedDownloader() *scriptedDownloader {
	return &scriptedDownloader{statuses: make(map[string]modules.DownloadStatus)}
}

func (d *scriptedDownloader) AddURI(uris []string, opts modules.DownloadOptions) (string, error) {
	return "", errors.New("not scripted")
}

func (d *scriptedDownloader) Status(handle string) (modules.DownloadStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, ok := d.statuses[handle]
	if !ok {
		return modules.DownloadStatus{}, errors.Compose(errors.New("GID "+handle+" is not found"), modules.ErrDownloaderPermanent)
	}
	return status, nil
}

func (d *scriptedDownloader) Pause(handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = append(d.paused, handle)
	return nil
}

func (d *scriptedDownloader) Unpause(handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unpauseErr != nil {
		return d.unpauseErr
	}
	d.unpaused = append(d.unpaused, handle)
	return nil
}

func (d *scriptedDownloader) Remove(handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, handle)
	return nil
}

func (d *scriptedDownloader) Purge(handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purged = append(d.purged, handle)
	return nil
}

func (d *scriptedDownloader) TellActive() ([]modules.DownloadStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active, nil
}

func (d *scriptedDownloader) SetGlobalRateLimit(bps uint64) error { return nil }

// fakeMedia counts refreshes.
type fakeMedia struct {
	mu       sync.Mutex
	calls    int
	failWith error
}

func (m *fakeMedia) RefreshLibrary() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.failWith
}

// testWorker builds a worker over a fresh store with real download/library
// directories. The poll loop is not started; polls are driven by hand.
func testWorker(t *testing.T, dl *scriptedDownloader, media *fakeMedia) (*Worker, *queue.Queue) {
	q, err := queue.New(build.TempDir("worker", t.Name()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	if _, err := q.UpsertProvider(modules.Provider{Key: "prov", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New(nil)
	t.Cleanup(func() { bus.Close() })

	config := modules.DefaultConfig()
	config.Paths.Downloads = build.TempDir("worker", t.Name(), "downloads")
	config.Paths.Library = build.TempDir("worker", t.Name(), "library")
	for _, dir := range []string{config.Paths.Downloads, config.Paths.Library} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	var mediaServer modules.MediaServer
	if media != nil {
		mediaServer = media
	}
	w := &Worker{
		queue:      q,
		downloader: dl,
		bus:        bus,
		media:      mediaServer,
		config:     config,
		log:        persist.NewLogger(ioutil.Discard),

		lastEventAt: make(map[uint64]time.Time),
	}
	return w, q
}

// boundJob inserts a job and drives it into downloading with the given
// handle.
func boundJob(t *testing.T, q *queue.Queue, handle, category string, meta modules.Metadata) modules.Job {
	ids, err := q.InsertJobs([]modules.JobSubmission{
		{ProviderKey: "prov", ExternalID: "x", Title: "Deep Blue", Metadata: meta},
	}, workerUser, modules.InsertOptions{Category: category})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Transition(ids[0], modules.StatusQueued, modules.StatusStarting, modules.TransitionFields{}); err != nil {
		t.Fatal(err)
	}
	job, err := q.Transition(ids[0], modules.StatusStarting, modules.StatusDownloading, modules.TransitionFields{
		Handle: &handle,
	})
	if err != nil {
		t.Fatal(err)
	}
	return job
}

// payloadFile writes a non-empty payload into the download directory and
// returns its path.
func payloadFile(t *testing.T, w *Worker, name, content string) string {
	path := filepath.Join(w.config.Paths.Downloads, name)
	if err := ioutil.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestPollProgress verifies the daemon counters land on the row.
func TestPollProgress(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	job := boundJob(t, q, "g1", modules.CategoryMovies, nil)
	dl.statuses["g1"] = modules.DownloadStatus{
		Handle: "g1", State: modules.DownloadActive,
		CompletedBytes: 250, TotalBytes: 1000, SpeedBPS: 50,
	}

	w.managedPoll()

	polled, err := q.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if polled.Progress != 25 || polled.SpeedBPS != 50 || polled.ETASeconds != 15 {
		t.Fatal("counters wrong:", polled.Progress, polled.SpeedBPS, polled.ETASeconds)
	}
}

// TestPollProgressCapsBeforeCompletion verifies that a transfer the daemon
// still reports active never records full progress; the row reaches 100 only
// through finalization.
func TestPollProgressCapsBeforeCompletion(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	job := boundJob(t, q, "g1", modules.CategoryMovies, nil)
	dl.statuses["g1"] = modules.DownloadStatus{
		Handle: "g1", State: modules.DownloadActive,
		CompletedBytes: 1000, TotalBytes: 1000, SpeedBPS: 50,
	}

	w.managedPoll()

	polled, err := q.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if polled.Status != modules.StatusDownloading {
		t.Fatal("active transfer left downloading:", polled.Status)
	}
	if polled.Progress >= 100 {
		t.Fatal("active transfer recorded full progress:", polled.Progress)
	}
}

// TestFinalizeMovie verifies the full completion path: move into the Movies
// template, completed row, purge, refresh, audit, notification.
func TestFinalizeMovie(t *testing.T) {
	dl := newScriptedDownloader()
	media := &fakeMedia{}
	w, q := testWorker(t, dl, media)
	job := boundJob(t, q, "g1", modules.CategoryMovies, modules.Metadata{
		modules.MetaYear:     1999.0,
		modules.MetaLanguage: "cz",
	})
	payload := payloadFile(t, w, "deep.blue.1999.mkv", "film bytes")
	dl.statuses["g1"] = modules.DownloadStatus{
		Handle: "g1", State: modules.DownloadComplete,
		Files: []modules.DownloadFile{{Path: payload, Length: 10}},
	}

	w.managedPoll()

	done, err := q.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != modules.StatusCompleted || done.Progress != 100 {
		t.Fatal("not completed:", done)
	}
	wantPath := filepath.Join(w.config.Paths.Library, "Movies", "Deep Blue (1999)", "Deep Blue (1999) - CZ.mkv")
	if done.FinalPath != wantPath {
		t.Fatalf("final path %q, want %q", done.FinalPath, wantPath)
	}
	if _, err := os.Stat(wantPath); err != nil {
		t.Fatal("file not in library:", err)
	}
	if _, err := os.Stat(payload); !os.IsNotExist(err) {
		t.Fatal("payload still in download dir")
	}
	if media.calls != 1 {
		t.Fatal("media refresh not called")
	}
	if len(dl.purged) != 1 || dl.purged[0] != "g1" {
		t.Fatal("handle not purged:", dl.purged)
	}
	notifications, err := q.NotificationsFor(workerUser.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(notifications) != 1 || notifications[0].Kind != modules.EventJobCompleted {
		t.Fatal("completion not notified:", notifications)
	}
}

// TestFinalizeTV verifies the episode template.
func TestFinalizeTV(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	job := boundJob(t, q, "g1", modules.CategoryTV, modules.Metadata{
		modules.MetaSeriesTitle:  "Blue Planet",
		modules.MetaSeason:       2.0,
		modules.MetaEpisode:      3.0,
		modules.MetaEpisodeTitle: "Open Ocean",
	})
	payload := payloadFile(t, w, "bp.s02e03.mkv", "episode bytes")
	dl.statuses["g1"] = modules.DownloadStatus{
		Handle: "g1", State: modules.DownloadComplete,
		Files: []modules.DownloadFile{{Path: payload, Length: 10}},
	}

	w.managedPoll()

	done, err := q.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantPath := filepath.Join(w.config.Paths.Library, "TV", "Blue Planet", "Season 02",
		"Blue Planet - S02E03 - Open Ocean.mkv")
	if done.FinalPath != wantPath {
		t.Fatalf("final path %q, want %q", done.FinalPath, wantPath)
	}
}

// TestFinalizeRejectsTraversal verifies that a payload outside the download
// directory fails the job instead of being moved.
func TestFinalizeRejectsTraversal(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	job := boundJob(t, q, "g1", modules.CategoryMovies, nil)
	outside := filepath.Join(build.TempDir("worker", t.Name(), "outside"), "evil.mkv")
	if err := os.MkdirAll(filepath.Dir(outside), 0755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(outside, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	dl.statuses["g1"] = modules.DownloadStatus{
		Handle: "g1", State: modules.DownloadComplete,
		Files: []modules.DownloadFile{{Path: outside, Length: 1}},
	}

	w.managedPoll()

	done, err := q.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != modules.StatusFailed || !strings.Contains(done.ErrorText, "escapes") {
		t.Fatal("traversal not rejected:", done.Status, done.ErrorText)
	}
}

// TestFinalizeRejectsEmptyPayload verifies the zero-byte guard.
func TestFinalizeRejectsEmptyPayload(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	job := boundJob(t, q, "g1", modules.CategoryMovies, nil)
	dl.statuses["g1"] = modules.DownloadStatus{
		Handle: "g1", State: modules.DownloadComplete,
		Files: []modules.DownloadFile{{Path: "whatever.mkv", Length: 0}},
	}

	w.managedPoll()

	done, _ := q.Get(job.ID)
	if done.Status != modules.StatusFailed {
		t.Fatal("empty payload accepted:", done.Status)
	}
}

// TestDaemonErrorClassification verifies that network-level daemon errors
// requeue and back the provider off, while the rest fail.
func TestDaemonErrorClassification(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	coord := &fixedCoordinator{keys: map[string]struct{}{}}
	w.coord = coord

	netJob := boundJob(t, q, "g1", modules.CategoryMovies, nil)
	dl.statuses["g1"] = modules.DownloadStatus{
		Handle: "g1", State: modules.DownloadError, ErrorCode: 6, ErrorMessage: "network problem",
	}
	w.managedPoll()
	requeued, _ := q.Get(netJob.ID)
	if requeued.Status != modules.StatusQueued {
		t.Fatal("network error did not requeue:", requeued.Status)
	}
	if requeued.ErrorText != "network problem" {
		t.Fatal("error text lost:", requeued.ErrorText)
	}
	if len(coord.transients) != 1 || coord.transients[0] != "prov" {
		t.Fatal("provider not backed off:", coord.transients)
	}

	hardJob := boundJob(t, q, "g2", modules.CategoryMovies, nil)
	dl.statuses["g2"] = modules.DownloadStatus{
		Handle: "g2", State: modules.DownloadError, ErrorCode: 3, ErrorMessage: "resource not found",
	}
	w.managedPoll()
	failed, _ := q.Get(hardJob.ID)
	if failed.Status != modules.StatusFailed {
		t.Fatal("hard error did not fail:", failed.Status)
	}
	if len(coord.transients) != 1 {
		t.Fatal("hard error backed the provider off:", coord.transients)
	}
}

// TestMissingHandleFails verifies that a downloading row the daemon does not
// know is failed rather than polled forever.
func TestMissingHandleFails(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	job := boundJob(t, q, "g-ghost", modules.CategoryMovies, nil)
	// No scripted status: the daemon reports the handle as not found.

	w.managedPoll()

	done, _ := q.Get(job.ID)
	if done.Status != modules.StatusFailed {
		t.Fatal("lost handle not failed:", done.Status)
	}
}

// TestReconcileRemovesOrphans verifies the sweep against the daemon's active
// list.
func TestReconcileRemovesOrphans(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	job := boundJob(t, q, "g-known", modules.CategoryMovies, nil)
	dl.active = []modules.DownloadStatus{
		{Handle: "g-known", State: modules.DownloadActive},
		{Handle: "g-orphan", State: modules.DownloadActive},
	}

	w.managedReconcile()

	if len(dl.removed) != 1 || dl.removed[0] != "g-orphan" {
		t.Fatal("orphan sweep wrong:", dl.removed)
	}
	known, _ := q.Get(job.ID)
	if known.Status != modules.StatusDownloading {
		t.Fatal("known job disturbed:", known.Status)
	}
}

// TestPauseResumeFlow verifies the user-facing pause and resume operations.
func TestPauseResumeFlow(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	job := boundJob(t, q, "g1", modules.CategoryMovies, nil)

	// A stranger cannot pause it.
	if _, err := w.PauseJob(job.ID, modules.User{ID: 9, Role: modules.RoleUser}); !errors.Contains(err, modules.ErrUnauthorized) {
		t.Fatal("stranger paused the job:", err)
	}

	paused, err := w.PauseJob(job.ID, workerUser)
	if err != nil {
		t.Fatal(err)
	}
	if paused.Status != modules.StatusPaused || paused.DownloaderHandle != "g1" {
		t.Fatal("pause wrong:", paused)
	}
	if len(dl.paused) != 1 {
		t.Fatal("daemon not paused")
	}
	// Pausing again is a no-op.
	if _, err := w.PauseJob(job.ID, workerUser); err != nil {
		t.Fatal(err)
	}

	resumed, err := w.ResumeJob(job.ID, workerUser)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != modules.StatusDownloading || len(dl.unpaused) != 1 {
		t.Fatal("resume wrong:", resumed.Status, dl.unpaused)
	}
}

// fixedCoordinator is a static pause set that records transient reports.
type fixedCoordinator struct {
	keys       map[string]struct{}
	transients []string
}

func (c *fixedCoordinator) PausedKeys() map[string]struct{} { return c.keys }

func (c *fixedCoordinator) ReportTransient(key, reason string) {
	c.transients = append(c.transients, key)
}

// TestProviderPauseParksRunning verifies that pausing a provider parks its
// running transfers within one poll round and that lifting the pause restores
// them.
func TestProviderPauseParksRunning(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	pauses := &fixedCoordinator{keys: map[string]struct{}{"prov": {}}}
	w.coord = pauses
	job := boundJob(t, q, "g1", modules.CategoryMovies, nil)

	w.managedPoll()

	parked, err := q.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if parked.Status != modules.StatusPaused || parked.DownloaderHandle != "g1" {
		t.Fatal("running job not parked:", parked.Status, parked.DownloaderHandle)
	}
	if len(dl.paused) != 1 || dl.paused[0] != "g1" {
		t.Fatal("daemon transfer not paused:", dl.paused)
	}
	// A second round leaves the parked job alone.
	w.managedPoll()
	if len(dl.paused) != 1 {
		t.Fatal("parked job paused again")
	}

	pauses.keys = map[string]struct{}{}
	w.managedPoll()

	restored, err := q.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Status != modules.StatusDownloading || restored.ErrorText != "" {
		t.Fatal("parked job not restored:", restored.Status, restored.ErrorText)
	}
	if len(dl.unpaused) != 1 || dl.unpaused[0] != "g1" {
		t.Fatal("daemon transfer not unpaused:", dl.unpaused)
	}
}

// TestProviderResumeLeavesUserPauses verifies that lifting a provider pause
// does not touch jobs the user paused themselves.
func TestProviderResumeLeavesUserPauses(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	w.coord = &fixedCoordinator{keys: map[string]struct{}{}}
	job := boundJob(t, q, "g1", modules.CategoryMovies, nil)
	if _, err := w.PauseJob(job.ID, workerUser); err != nil {
		t.Fatal(err)
	}

	w.managedPoll()

	still, err := q.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if still.Status != modules.StatusPaused {
		t.Fatal("user pause overridden:", still.Status)
	}
	if len(dl.unpaused) != 0 {
		t.Fatal("daemon transfer resumed behind the user")
	}
}

// TestResumeLostHandleRequeues verifies that resuming a job whose daemon
// transfer vanished requeues it with priority intact.
func TestResumeLostHandleRequeues(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	job := boundJob(t, q, "g1", modules.CategoryMovies, nil)
	if _, err := w.PauseJob(job.ID, workerUser); err != nil {
		t.Fatal(err)
	}
	dl.unpauseErr = errors.Compose(errors.New("GID g1 is not found"), modules.ErrDownloaderPermanent)

	resumed, err := w.ResumeJob(job.ID, workerUser)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != modules.StatusQueued || resumed.DownloaderHandle != "" {
		t.Fatal("lost handle resume wrong:", resumed)
	}
	if resumed.Priority != modules.DefaultPriority {
		t.Fatal("priority not preserved:", resumed.Priority)
	}
}

// TestCancelAndDelete verifies cancel on a live job, delete on a completed
// one, and that repeating either operation is a no-op.
func TestCancelAndDelete(t *testing.T) {
	dl := newScriptedDownloader()
	w, q := testWorker(t, dl, nil)
	job := boundJob(t, q, "g1", modules.CategoryMovies, nil)

	canceled, err := w.CancelJob(job.ID, workerUser)
	if err != nil {
		t.Fatal(err)
	}
	if canceled.Status != modules.StatusCanceled {
		t.Fatal("not canceled:", canceled.Status)
	}
	if len(dl.removed) != 1 {
		t.Fatal("daemon transfer not removed")
	}
	// A second cancel is a no-op that returns the row unchanged.
	again, err := w.CancelJob(job.ID, workerUser)
	if err != nil {
		t.Fatal("repeat cancel rejected:", err)
	}
	if again.Status != modules.StatusCanceled {
		t.Fatal("repeat cancel changed the row:", again.Status)
	}
	if len(dl.removed) != 1 {
		t.Fatal("repeat cancel touched the daemon:", dl.removed)
	}

	// Complete a second job, then delete it.
	second := boundJob(t, q, "g2", modules.CategoryMovies, nil)
	payload := payloadFile(t, w, "movie.mkv", "bytes")
	dl.statuses["g2"] = modules.DownloadStatus{
		Handle: "g2", State: modules.DownloadComplete,
		Files: []modules.DownloadFile{{Path: payload, Length: 5}},
	}
	w.managedPoll()
	completed, _ := q.Get(second.ID)
	if completed.Status != modules.StatusCompleted {
		t.Fatal("setup failed:", completed.Status)
	}

	deleted, err := w.DeleteJob(second.ID, workerUser)
	if err != nil {
		t.Fatal(err)
	}
	if deleted.Status != modules.StatusDeleted || deleted.DeletedAt == nil {
		t.Fatal("delete wrong:", deleted)
	}
	if deleted.FinalPath != "" {
		t.Fatal("deleted row kept its library path:", deleted.FinalPath)
	}
	if _, err := os.Stat(completed.FinalPath); !os.IsNotExist(err) {
		t.Fatal("library file survived the delete")
	}
	// A second delete is a no-op that returns the row unchanged.
	redeleted, err := w.DeleteJob(second.ID, workerUser)
	if err != nil {
		t.Fatal("repeat delete rejected:", err)
	}
	if redeleted.Status != modules.StatusDeleted {
		t.Fatal("repeat delete changed the row:", redeleted.Status)
	}
	// Deleting a queued job is refused.
	ids, err := q.InsertJobs([]modules.JobSubmission{{ProviderKey: "prov", ExternalID: "q"}}, workerUser, modules.InsertOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.DeleteJob(ids[0], workerUser); !errors.Contains(err, modules.ErrValidation) {
		t.Fatal("queued job deleted:", err)
	}
}
