package modules

import (
	"time"
)

// An AuditRecord is one append-only entry of the audit trail. Every terminal
// job transition and every provider control action writes one.
type AuditRecord struct {
	ID          uint64      `json:"id"`
	Actor       string      `json:"actor"`
	Action      string      `json:"action"`
	SubjectType string      `json:"subjecttype"`
	SubjectID   string      `json:"subjectid"`
	Payload     interface{} `json:"payload,omitempty"`
	At          time.Time   `json:"at"`
}

// A Notification is a persisted copy of a terminal job event, kept per owner
// so clients that were offline can catch up.
type Notification struct {
	ID        uint64    `json:"id"`
	UserID    uint64    `json:"userid"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdat"`
	Read      bool      `json:"read"`
}

// A MediaServer is the narrow interface to the media library service. Refresh
// failures are audited but never fail a job.
type MediaServer interface {
	RefreshLibrary() error
}
