package queue

import (
	"testing"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

var (
	testAdmin = modules.User{ID: 1, Name: "root", Role: modules.RoleAdmin}
	testUser  = modules.User{ID: 2, Name: "alice", Role: modules.RoleUser}
	testOther = modules.User{ID: 3, Name: "bob", Role: modules.RoleUser}
)

// newTestingQueue creates a queue store in a fresh testing directory and seeds
// it with one enabled provider under the key "prov".
func newTestingQueue(name string) (*Queue, error) {
	q, err := New(build.TempDir("queue", name))
	if err != nil {
		return nil, err
	}
	_, err = q.UpsertProvider(modules.Provider{Key: "prov", Name: "Test Provider", Enabled: true})
	if err != nil {
		return nil, errors.Compose(err, q.Close())
	}
	return q, nil
}

// submission builds a minimal job submission for the seeded provider.
func submission(externalID string) modules.JobSubmission {
	return modules.JobSubmission{ProviderKey: "prov", ExternalID: externalID, Title: "Item " + externalID}
}

// TestQueueReopen verifies that the store survives a close and reopen and
// rejects a database stamped with foreign metadata.
func TestQueueReopen(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	dir := build.TempDir("queue", t.Name())
	q, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.UpsertProvider(modules.Provider{Key: "prov", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	ids, err := q.InsertJobs([]modules.JobSubmission{submission("x1")}, testUser, modules.InsertOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	q, err = New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	job, err := q.Get(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != modules.StatusQueued || job.ExternalID != "x1" {
		t.Fatal("job row did not survive reopen:", job)
	}
}

// TestInsertJobsAtomic verifies that a batch with one bad item inserts
// nothing, and that a good batch assigns contiguous positions and the default
// priority.
func TestInsertJobsAtomic(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	// One unknown provider key poisons the whole batch.
	_, err = q.InsertJobs([]modules.JobSubmission{
		submission("a"),
		{ProviderKey: "ghost", ExternalID: "b"},
	}, testUser, modules.InsertOptions{})
	if !errors.Contains(err, modules.ErrValidation) {
		t.Fatal("expected ErrValidation, got", err)
	}
	stats, err := q.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 0 {
		t.Fatal("failed batch left rows behind:", stats.Total)
	}

	// A disabled provider is treated the same as an unknown one.
	if _, err := q.UpsertProvider(modules.Provider{Key: "off", Enabled: false}); err != nil {
		t.Fatal(err)
	}
	_, err = q.InsertJobs([]modules.JobSubmission{{ProviderKey: "off", ExternalID: "c"}}, testUser, modules.InsertOptions{})
	if !errors.Contains(err, modules.ErrValidation) {
		t.Fatal("expected ErrValidation for disabled provider, got", err)
	}

	ids, err := q.InsertJobs([]modules.JobSubmission{
		submission("a"), submission("b"), submission("c"),
	}, testUser, modules.InsertOptions{Category: modules.CategoryMovies})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatal("expected 3 ids, got", len(ids))
	}
	for i, id := range ids {
		job, err := q.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Position != uint64(i+1) {
			t.Fatalf("job %d has position %d, want %d", id, job.Position, i+1)
		}
		if job.Priority != modules.DefaultPriority {
			t.Fatal("default priority not applied:", job.Priority)
		}
		if job.Category != modules.CategoryMovies {
			t.Fatal("category not applied:", job.Category)
		}
	}
}

// TestClaimOrderingAndExclusion verifies the claim key (priority, position,
// created_at, id) and that paused and backed-off providers are skipped.
func TestClaimOrderingAndExclusion(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	if _, err := q.UpsertProvider(modules.Provider{Key: "slow", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	// Insert three jobs on "prov" and one urgent job on "slow".
	batch := []modules.JobSubmission{
		submission("a"),
		submission("b"),
		{ProviderKey: "slow", ExternalID: "urgent", Priority: 1},
		submission("c"),
	}
	ids, err := q.InsertJobs(batch, testUser, modules.InsertOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// With "slow" backed off the urgent job is invisible; claim order falls
	// back to position order on "prov".
	backoff := map[string]struct{}{"slow": {}}
	claimed, err := q.ClaimNextRunnable(2, nil, backoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 || claimed[0].ID != ids[0] || claimed[1].ID != ids[1] {
		t.Fatal("claim order wrong:", claimed)
	}
	for _, job := range claimed {
		if job.Status != modules.StatusStarting {
			t.Fatal("claimed job not starting:", job.Status)
		}
	}

	// With the backoff lifted the priority-1 job wins the next claim.
	claimed, err = q.ClaimNextRunnable(1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ExternalID != "urgent" {
		t.Fatal("priority did not take precedence:", claimed)
	}

	// A second claim can never return an already claimed row.
	claimed, err = q.ClaimNextRunnable(10, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != ids[3] {
		t.Fatal("double claim or wrong remainder:", claimed)
	}
}

// TestTransitionCAS verifies the compare-and-set contract, terminal
// absorption, handle release and the queued-reset of runtime counters.
func TestTransitionCAS(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	ids, err := q.InsertJobs([]modules.JobSubmission{submission("a")}, testUser, modules.InsertOptions{})
	if err != nil {
		t.Fatal(err)
	}
	id := ids[0]

	// A stale 'from' is rejected without touching the row.
	_, err = q.Transition(id, modules.StatusDownloading, modules.StatusPaused, modules.TransitionFields{})
	if !errors.Contains(err, modules.ErrInvalidTransition) {
		t.Fatal("expected ErrInvalidTransition, got", err)
	}

	if _, err := q.ClaimNextRunnable(1, nil, nil); err != nil {
		t.Fatal(err)
	}
	handle := "gid-1"
	job, err := q.Transition(id, modules.StatusStarting, modules.StatusDownloading, modules.TransitionFields{Handle: &handle})
	if err != nil {
		t.Fatal(err)
	}
	if job.DownloaderHandle != handle {
		t.Fatal("handle not stored")
	}

	// Progress updates only land while the handle matches.
	err = q.UpdateProgress(id, modules.ProgressUpdate{Progress: 42, SpeedBPS: 1000, Handle: handle})
	if err != nil {
		t.Fatal(err)
	}
	err = q.UpdateProgress(id, modules.ProgressUpdate{Progress: 99, Handle: "stale"})
	if err != nil {
		t.Fatal(err)
	}
	job, err = q.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Progress != 42 {
		t.Fatal("stale-handle update landed:", job.Progress)
	}

	// Returning to queued sheds the handle and runtime counters.
	job, err = q.Transition(id, modules.StatusDownloading, modules.StatusQueued, modules.TransitionFields{})
	if err != nil {
		t.Fatal(err)
	}
	if job.DownloaderHandle != "" || job.Progress != 0 || job.SpeedBPS != 0 {
		t.Fatal("queued reset incomplete:", job)
	}

	// Cancel, then verify the terminal state absorbs.
	if _, err := q.Transition(id, modules.StatusQueued, modules.StatusCanceled, modules.TransitionFields{}); err != nil {
		t.Fatal(err)
	}
	_, err = q.Transition(id, modules.StatusCanceled, modules.StatusQueued, modules.TransitionFields{})
	if !errors.Contains(err, modules.ErrInvalidTransition) {
		t.Fatal("terminal state not absorbing:", err)
	}
}

// TestRequeueDoesNotWake verifies that a job transitioning back to queued does
// not pulse the insert wake channel; only fresh work wakes the scheduler, a
// requeued job waits out the next tick.
func TestRequeueDoesNotWake(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	ids, err := q.InsertJobs([]modules.JobSubmission{submission("a")}, testUser, modules.InsertOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// The insert itself pulses; drain it.
	select {
	case <-q.InsertWake():
	default:
		t.Fatal("insert did not pulse the wake channel")
	}

	if _, err := q.Transition(ids[0], modules.StatusQueued, modules.StatusStarting, modules.TransitionFields{}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Transition(ids[0], modules.StatusStarting, modules.StatusQueued, modules.TransitionFields{}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-q.InsertWake():
		t.Fatal("requeue pulsed the wake channel")
	default:
	}
}

// TestReorder verifies that reorder writes contiguous positions across the
// surviving queued ids and skips unknown, non-queued and foreign ids.
func TestReorder(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	ids, err := q.InsertJobs([]modules.JobSubmission{
		submission("a"), submission("b"), submission("c"),
	}, testUser, modules.InsertOptions{})
	if err != nil {
		t.Fatal(err)
	}
	otherIDs, err := q.InsertJobs([]modules.JobSubmission{submission("z")}, testOther, modules.InsertOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// Cancel the middle job so it no longer participates.
	if _, err := q.Transition(ids[1], modules.StatusQueued, modules.StatusCanceled, modules.TransitionFields{}); err != nil {
		t.Fatal(err)
	}

	// Order includes an unknown id, a canceled id and a foreign id; only the
	// caller's two queued jobs are renumbered.
	applied, err := q.Reorder(testUser, []uint64{ids[2], 9999, ids[1], otherIDs[0], ids[0]})
	if err != nil {
		t.Fatal(err)
	}
	if applied != 2 {
		t.Fatal("expected 2 applied, got", applied)
	}
	first, err := q.Get(ids[2])
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Get(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if first.Position != 1 || second.Position != 2 {
		t.Fatal("positions not contiguous:", first.Position, second.Position)
	}

	// An admin may renumber anyone's jobs.
	applied, err = q.Reorder(testAdmin, []uint64{otherIDs[0]})
	if err != nil {
		t.Fatal(err)
	}
	if applied != 1 {
		t.Fatal("admin reorder skipped a row")
	}
}

// TestListPagedVisibility verifies owner scoping, admin visibility and the
// status-rank ordering of pages.
func TestListPagedVisibility(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	aliceIDs, err := q.InsertJobs([]modules.JobSubmission{submission("a"), submission("b")}, testUser, modules.InsertOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.InsertJobs([]modules.JobSubmission{submission("z")}, testOther, modules.InsertOptions{}); err != nil {
		t.Fatal(err)
	}

	// Drive alice's first job into downloading so it outranks queued rows.
	if _, err := q.ClaimNextRunnable(1, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Transition(aliceIDs[0], modules.StatusStarting, modules.StatusDownloading, modules.TransitionFields{}); err != nil {
		t.Fatal(err)
	}

	page, err := q.ListPaged(testUser, false, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Fatal("non-admin sees foreign jobs:", page.Total)
	}
	if page.Jobs[0].ID != aliceIDs[0] {
		t.Fatal("downloading job does not lead the page")
	}

	page, err = q.ListPaged(testAdmin, false, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 {
		t.Fatal("admin does not see all jobs:", page.Total)
	}
	page, err = q.ListPaged(testAdmin, true, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 0 {
		t.Fatal("mineOnly ignored for admin:", page.Total)
	}

	// Pagination flags.
	page, err = q.ListPaged(testAdmin, false, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Jobs) != 2 || !page.HasMore {
		t.Fatal("pagination wrong:", len(page.Jobs), page.HasMore)
	}
}

// TestSetPriority verifies queued-only priority changes and owner checks.
func TestSetPriority(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	ids, err := q.InsertJobs([]modules.JobSubmission{submission("a")}, testUser, modules.InsertOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := q.SetPriority(ids[0], testOther, 5); !errors.Contains(err, modules.ErrUnauthorized) {
		t.Fatal("foreign user changed priority:", err)
	}
	job, err := q.SetPriority(ids[0], testUser, 5)
	if err != nil {
		t.Fatal(err)
	}
	if job.Priority != 5 {
		t.Fatal("priority not applied")
	}

	if _, err := q.ClaimNextRunnable(1, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.SetPriority(ids[0], testUser, 1); !errors.Contains(err, modules.ErrValidation) {
		t.Fatal("priority change allowed outside queued:", err)
	}
}

// TestCoordinationRows verifies pause and backoff row round-trips.
func TestCoordinationRows(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	now := modules.CurrentTime()
	err = q.PutPause(modules.ProviderPause{ProviderKey: "prov", PausedBy: "root", PausedAt: now})
	if err != nil {
		t.Fatal(err)
	}
	err = q.PutBackoff(modules.ProviderBackoff{ProviderKey: "prov", Reason: "timeout", StartedAt: now, ExpiresAt: now.Add(60e9), Window: 60e9})
	if err != nil {
		t.Fatal(err)
	}

	pauses, err := q.Pauses()
	if err != nil {
		t.Fatal(err)
	}
	if len(pauses) != 1 || pauses[0].PausedBy != "root" {
		t.Fatal("pause row wrong:", pauses)
	}
	backoffs, err := q.Backoffs()
	if err != nil {
		t.Fatal(err)
	}
	if len(backoffs) != 1 || backoffs[0].Window != 60e9 {
		t.Fatal("backoff row wrong:", backoffs)
	}

	if err := q.DeletePause("prov"); err != nil {
		t.Fatal(err)
	}
	if err := q.DeleteBackoff("prov"); err != nil {
		t.Fatal(err)
	}
	// Deleting missing rows is a no-op.
	if err := q.DeletePause("prov"); err != nil {
		t.Fatal(err)
	}
	pauses, err = q.Pauses()
	if err != nil {
		t.Fatal(err)
	}
	if len(pauses) != 0 {
		t.Fatal("pause row not deleted")
	}
}

// TestAuditTail verifies the audit trail is append-only and served newest
// first.
func TestAuditTail(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	for _, action := range []string{"first", "second", "third"} {
		err := q.AppendAudit(modules.AuditRecord{Actor: "root", Action: action})
		if err != nil {
			t.Fatal(err)
		}
	}
	records, err := q.AuditTail(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].Action != "third" || records[1].Action != "second" {
		t.Fatal("audit tail wrong:", records)
	}
	if records[0].At.IsZero() {
		t.Fatal("timestamp not stamped")
	}
}

// TestBulkTaskLifecycle verifies claim-once semantics and terminal absorption
// for bulk tasks.
func TestBulkTaskLifecycle(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	_, err = q.InsertBulkTask(modules.BulkTask{UserID: testUser.ID})
	if !errors.Contains(err, modules.ErrValidation) {
		t.Fatal("empty bulk payload accepted:", err)
	}

	id, err := q.InsertBulkTask(modules.BulkTask{
		UserID: testUser.ID,
		Items: []modules.BulkItem{
			{ProviderKey: "prov", ExternalID: "a"},
			{ProviderKey: "prov", ExternalID: "b"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	task, found, err := q.ClaimPendingBulk()
	if err != nil {
		t.Fatal(err)
	}
	if !found || task.ID != id || task.Status != modules.BulkProcessing {
		t.Fatal("bulk claim wrong:", task, found)
	}
	if _, found, err = q.ClaimPendingBulk(); err != nil || found {
		t.Fatal("processing task claimed twice:", found, err)
	}

	if err := q.UpdateBulkProgress(id, 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkBulkCompleted(id, 2, 0); err != nil {
		t.Fatal(err)
	}
	// A late failure report does not move a completed task.
	if err := q.MarkBulkFailed(id, 2, 2, "late"); err != nil {
		t.Fatal(err)
	}
	task, err = q.GetBulkTask(id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != modules.BulkCompleted || task.ProcessedItems != 2 || task.ErrorText != "" {
		t.Fatal("terminal bulk state not absorbing:", task)
	}

	_, err = q.GetBulkTask(9999)
	if !errors.Contains(err, persist.ErrNilEntry) {
		t.Fatal("missing task lookup:", err)
	}
}

// TestNotifications verifies per-user scoping and read marking.
func TestNotifications(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	for _, n := range []modules.Notification{
		{UserID: testUser.ID, Kind: "job.completed", Body: "one"},
		{UserID: testOther.ID, Kind: "job.failed", Body: "two"},
		{UserID: testUser.ID, Kind: "job.failed", Body: "three"},
	} {
		if err := q.AppendNotification(n); err != nil {
			t.Fatal(err)
		}
	}

	notifications, err := q.NotificationsFor(testUser.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(notifications) != 2 || notifications[0].Body != "three" {
		t.Fatal("notification scoping or order wrong:", notifications)
	}

	// Marking a foreign id is skipped; marking an own id sticks.
	foreignID := uint64(2)
	err = q.MarkNotificationsRead(testUser.ID, []uint64{notifications[0].ID, foreignID})
	if err != nil {
		t.Fatal(err)
	}
	unread, err := q.NotificationsFor(testUser.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 || unread[0].Body != "one" {
		t.Fatal("read mark wrong:", unread)
	}
	otherUnread, err := q.NotificationsFor(testOther.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(otherUnread) != 1 {
		t.Fatal("foreign notification was marked read")
	}
}

// TestProviderDelete verifies the live-job guard on provider deletion.
func TestProviderDelete(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	ids, err := q.InsertJobs([]modules.JobSubmission{submission("a")}, testUser, modules.InsertOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.DeleteProvider("prov"); !errors.Contains(err, modules.ErrValidation) {
		t.Fatal("provider with live jobs deleted:", err)
	}
	if _, err := q.Transition(ids[0], modules.StatusQueued, modules.StatusCanceled, modules.TransitionFields{}); err != nil {
		t.Fatal(err)
	}
	if err := q.DeleteProvider("prov"); err != nil {
		t.Fatal(err)
	}
}

// TestFindExistingByTitle verifies token matching for duplicate warnings.
func TestFindExistingByTitle(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	q, err := newTestingQueue(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	batch := []modules.JobSubmission{
		{ProviderKey: "prov", ExternalID: "1", Title: "The Long Voyage Home (1940)"},
		{ProviderKey: "prov", ExternalID: "2", Title: "Voyage of Time"},
	}
	if _, err := q.InsertJobs(batch, testUser, modules.InsertOptions{}); err != nil {
		t.Fatal(err)
	}

	matches, err := q.FindExistingByTitle("long voyage")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0] != "The Long Voyage Home (1940)" {
		t.Fatal("token match wrong:", matches)
	}
	matches, err = q.FindExistingByTitle("voyage")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatal("expected both voyages:", matches)
	}
	matches, err = q.FindExistingByTitle("a ? !")
	if err != nil {
		t.Fatal(err)
	}
	if matches != nil {
		t.Fatal("insignificant query matched:", matches)
	}
}
