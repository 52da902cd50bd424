package modules

import (
	"time"
)

// BulkTaskStatus is the lifecycle state of a bulk resolution task.
type BulkTaskStatus string

// Bulk task states. completed and failed are terminal.
const (
	BulkPending    BulkTaskStatus = "pending"
	BulkProcessing BulkTaskStatus = "processing"
	BulkCompleted  BulkTaskStatus = "completed"
	BulkFailed     BulkTaskStatus = "failed"
)

// MaxBulkItems caps the payload of a single bulk task; larger batches are
// split client-side.
const MaxBulkItems = 1000

// A BulkItem is one provider entry to be expanded into a job.
type BulkItem struct {
	ProviderKey string   `json:"provider"`
	ExternalID  string   `json:"externalid"`
	Title       string   `json:"title,omitempty"`
	Hints       Metadata `json:"hints,omitempty"`
}

// BulkOptions tune how a bulk task expands its items.
type BulkOptions struct {
	Category string `json:"category,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// A BulkTask is an asynchronous request to expand a batch of catalog entries
// into individual jobs.
type BulkTask struct {
	ID             uint64         `json:"id"`
	UserID         uint64         `json:"userid"`
	Items          []BulkItem     `json:"items"`
	Options        BulkOptions    `json:"options"`
	Status         BulkTaskStatus `json:"status"`
	TotalItems     int            `json:"totalitems"`
	ProcessedItems int            `json:"processeditems"`
	FailedItems    int            `json:"faileditems"`
	ErrorText      string         `json:"errortext,omitempty"`
	CreatedAt      time.Time      `json:"createdat"`
	UpdatedAt      time.Time      `json:"updatedat"`
}
