package modules

import (
	"time"

	"gitlab.com/NebulousLabs/errors"
)

// JobStatus describes where a job sits in its lifecycle.
type JobStatus string

// The full set of job statuses. queued, starting, downloading and paused are
// live states; completed, failed, canceled and deleted are terminal and
// absorbing.
const (
	StatusQueued      JobStatus = "queued"
	StatusStarting    JobStatus = "starting"
	StatusDownloading JobStatus = "downloading"
	StatusPaused      JobStatus = "paused"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCanceled    JobStatus = "canceled"
	StatusDeleted     JobStatus = "deleted"
)

// Job categories. The category selects the library subdirectory template
// during finalization.
const (
	CategoryMovies = "Movies"
	CategoryTV     = "TV"
	CategoryMusic  = "Music"
	CategoryOther  = "Other"
)

// DefaultPriority is the priority assigned to jobs that do not specify one.
// Lower priorities are claimed earlier.
const DefaultPriority = 100

// ErrInvalidTransition is returned by the queue when a requested status
// change is not an edge of the job state machine.
var ErrInvalidTransition = errors.New("invalid job status transition")

// A Job is one unit of content to be transferred from a provider and placed
// in the library.
type Job struct {
	ID          uint64 `json:"id"`
	UserID      uint64 `json:"userid"`
	ProviderID  uint64 `json:"providerid"`
	ProviderKey string `json:"providerkey"`
	ExternalID  string `json:"externalid"`

	Title    string   `json:"title"`
	Category string   `json:"category"`
	Metadata Metadata `json:"metadata,omitempty"`

	// Priority and Position order the claimable set; both are meaningful only
	// while the job is queued.
	Priority int    `json:"priority"`
	Position uint64 `json:"position"`

	Status           JobStatus `json:"status"`
	Progress         float64   `json:"progress"`
	SpeedBPS         uint64    `json:"speedbps"`
	ETASeconds       uint64    `json:"etaseconds"`
	DownloaderHandle string    `json:"downloaderhandle,omitempty"`
	SourceURL        string    `json:"sourceurl,omitempty"`
	TmpPath          string    `json:"tmppath,omitempty"`
	FinalPath        string    `json:"finalpath,omitempty"`
	FileSizeBytes    uint64    `json:"filesizebytes,omitempty"`
	ErrorText        string    `json:"errortext,omitempty"`

	CreatedAt time.Time  `json:"createdat"`
	UpdatedAt time.Time  `json:"updatedat"`
	DeletedAt *time.Time `json:"deletedat,omitempty"`
}

// IsTerminal reports whether the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusDeleted:
		return true
	}
	return false
}

// IsActive reports whether the status occupies a downloader slot or is about
// to occupy one.
func (s JobStatus) IsActive() bool {
	return s == StatusStarting || s == StatusDownloading
}

// StatusRank returns the canonical ordering of a status for list queries.
// Active states sort before queued, queued before terminal.
func StatusRank(s JobStatus) int {
	switch s {
	case StatusDownloading:
		return 0
	case StatusStarting:
		return 1
	case StatusPaused:
		return 2
	case StatusQueued:
		return 3
	case StatusCompleted:
		return 4
	case StatusFailed:
		return 5
	case StatusCanceled:
		return 6
	case StatusDeleted:
		return 7
	}
	return 8
}

// ValidTransition reports whether from → to is an edge of the job state
// machine. Terminal states are absorbing; canceling is allowed from any live
// state.
func ValidTransition(from, to JobStatus) bool {
	if from.IsTerminal() {
		// deleted may only be entered from completed.
		return from == StatusCompleted && to == StatusDeleted
	}
	switch to {
	case StatusQueued:
		// Transient failures and claim races return a claimed job to the
		// queue; a paused job may also be re-queued on resume.
		return from == StatusStarting || from == StatusDownloading || from == StatusPaused
	case StatusStarting:
		return from == StatusQueued
	case StatusDownloading:
		return from == StatusStarting || from == StatusPaused
	case StatusPaused:
		return from == StatusDownloading || from == StatusStarting
	case StatusCompleted:
		return from == StatusDownloading
	case StatusFailed:
		return from == StatusStarting || from == StatusDownloading
	case StatusCanceled:
		return true // any live state
	}
	return false
}

// ValidCategory reports whether the category is recognized.
func ValidCategory(c string) bool {
	switch c {
	case CategoryMovies, CategoryTV, CategoryMusic, CategoryOther:
		return true
	}
	return false
}

// JobPage is one page of a job listing.
type JobPage struct {
	Jobs    []Job `json:"jobs"`
	Total   int   `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasmore"`
}

// JobStats holds the aggregate counters served by /jobs/stats.
type JobStats struct {
	ByStatus  map[JobStatus]int `json:"bystatus"`
	Total     int               `json:"total"`
	TotalLive int               `json:"totallive"`
}
