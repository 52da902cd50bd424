package modules

import (
	"time"
)

// JobSubmission is one requested job of a POST /queue batch.
type JobSubmission struct {
	ProviderKey string   `json:"provider"`
	ExternalID  string   `json:"externalid"`
	Title       string   `json:"title,omitempty"`
	Metadata    Metadata `json:"metadata,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

// InsertOptions tune a batch insert.
type InsertOptions struct {
	Category string `json:"category,omitempty"`
}

// ProgressUpdate carries the worker's per-poll counters for a job.
type ProgressUpdate struct {
	Progress   float64
	SpeedBPS   uint64
	ETASeconds uint64
	Handle     string
}

// TransitionFields are the row fields written together with a status change.
// Nil pointers leave the stored value untouched.
type TransitionFields struct {
	Handle        *string
	SourceURL     *string
	TmpPath       *string
	FinalPath     *string
	FileSizeBytes *uint64
	Progress      *float64
	ErrorText     *string
	DeletedAt     *time.Time
	Metadata      Metadata
}

// A Queue is the transactional job store. It owns all persisted rows; the
// scheduler, worker and bulk resolver hold only ids and snapshots.
type Queue interface {
	// InsertJobs atomically inserts a batch of jobs for user. Either every
	// item is inserted or none. Unknown provider keys fail the batch with
	// ErrValidation.
	InsertJobs(items []JobSubmission, user User, opts InsertOptions) ([]uint64, error)

	// ClaimNextRunnable returns up to limit queued jobs whose provider is in
	// neither excluded set, transitioning each to starting atomically.
	// Ordering: priority asc, position asc, created_at asc, id asc.
	ClaimNextRunnable(limit int, pausedKeys, backoffKeys map[string]struct{}) ([]Job, error)

	// UpdateProgress writes the worker's counters. The update is idempotent
	// on (id, handle); a stale handle is ignored.
	UpdateProgress(id uint64, u ProgressUpdate) error

	// Transition performs a compare-and-set status change, returning the
	// stored row. A row not in 'from' returns ErrInvalidTransition.
	Transition(id uint64, from, to JobStatus, fields TransitionFields) (Job, error)

	// Get returns one job row.
	Get(id uint64) (Job, error)

	// ActiveJobs returns every job in starting, downloading or paused.
	ActiveJobs() ([]Job, error)

	// ListPaged returns one page of jobs ordered by status rank, priority,
	// position and recency. Non-admins only ever see their own jobs.
	ListPaged(user User, mineOnly bool, limit, offset int) (JobPage, error)

	// FindExistingByTitle returns titles of stored jobs matching the query's
	// significant tokens, used for duplicate warnings at queue time.
	FindExistingByTitle(q string) ([]string, error)

	// SetPriority updates a queued job's priority band.
	SetPriority(id uint64, user User, priority int) (Job, error)

	// Reorder rewrites contiguous positions (from 1) across the still-queued
	// ids of order, skipping ids that are no longer queued. Returns how many
	// ids were applied.
	Reorder(user User, order []uint64) (int, error)

	// Stats returns the aggregate counters for /jobs/stats.
	Stats() (JobStats, error)

	// Providers returns all configured provider rows, keyed by provider key.
	Providers() (map[string]Provider, error)
	// UpsertProvider inserts or updates a provider row. The key is immutable
	// once created.
	UpsertProvider(p Provider) (Provider, error)

	// Provider pause and backoff rows, mirrored by the registry's in-memory
	// maps so that coordination state survives restarts.
	PutPause(p ProviderPause) error
	DeletePause(providerKey string) error
	Pauses() ([]ProviderPause, error)
	PutBackoff(b ProviderBackoff) error
	DeleteBackoff(providerKey string) error
	Backoffs() ([]ProviderBackoff, error)

	// AppendAudit appends a record to the audit trail.
	AppendAudit(r AuditRecord) error
	// AuditTail returns the most recent n audit records, newest first.
	AuditTail(n int) ([]AuditRecord, error)

	// Bulk task rows.
	InsertBulkTask(t BulkTask) (uint64, error)
	ClaimPendingBulk() (BulkTask, bool, error)
	UpdateBulkProgress(id uint64, processed, failed int) error
	MarkBulkCompleted(id uint64, processed, failed int) error
	MarkBulkFailed(id uint64, processed, failed int, errorText string) error
	GetBulkTask(id uint64) (BulkTask, error)

	// Notifications.
	AppendNotification(n Notification) error
	NotificationsFor(userID uint64, unreadOnly bool) ([]Notification, error)
	MarkNotificationsRead(userID uint64, ids []uint64) error

	// InsertWake returns a channel pulsed whenever a job insert commits, so
	// the scheduler can wake without waiting out its tick.
	InsertWake() <-chan struct{}

	Close() error
}
