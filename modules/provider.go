package modules

import (
	"time"
)

// A Provider is an external catalog/source with a credential set and a set of
// capabilities. The Config blob is encrypted at rest and only decrypted
// inside the registry.
type Provider struct {
	ID      uint64 `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Config  []byte `json:"config,omitempty"`
}

// A SearchItem is one result row from a provider search.
type SearchItem struct {
	ProviderKey string   `json:"providerkey"`
	ExternalID  string   `json:"externalid"`
	Title       string   `json:"title"`
	Category    string   `json:"category,omitempty"`
	SizeBytes   uint64   `json:"sizebytes,omitempty"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

// MenuItem is one entry of a provider browse page.
type MenuItem struct {
	Type       string `json:"type"` // "dir" or "file"
	Label      string `json:"label"`
	Path       string `json:"path,omitempty"`
	ExternalID string `json:"externalid,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Meta       Metadata `json:"meta,omitempty"`
}

// Menu is one provider browse page.
type Menu struct {
	Path  string     `json:"path"`
	Title string     `json:"title"`
	Items []MenuItem `json:"items"`
}

// Variant describes one stream/file variant of a catalog item.
type Variant struct {
	ID              string `json:"id"`
	Quality         string `json:"quality"`
	SizeBytes       uint64 `json:"sizebytes,omitempty"`
	BitrateKBPS     uint64 `json:"bitratekbps,omitempty"`
	DurationSeconds uint64 `json:"durationseconds,omitempty"`
	AudioCodec      string `json:"audiocodec,omitempty"`
	Language        string `json:"language,omitempty"`
}

// ProviderStatus is the authenticated-state snapshot of a provider account.
type ProviderStatus struct {
	ProviderKey   string    `json:"providerkey"`
	Authenticated bool      `json:"authenticated"`
	DaysLeft      int       `json:"daysleft,omitempty"`
	Message       string    `json:"message,omitempty"`
	CheckedAt     time.Time `json:"checkedat"`
}

// Provider capabilities. A handle implements whichever subset its wire
// protocol supports; callers assert the capability they need.
type (
	// Searchable providers answer free-text queries.
	Searchable interface {
		Search(query string, limit int) ([]SearchItem, error)
	}

	// Browsable providers expose a hierarchical menu.
	Browsable interface {
		Menu(path string) (Menu, error)
	}

	// VariantListable providers enumerate the stream variants of an item.
	VariantListable interface {
		Variants(externalID string) ([]Variant, error)
	}

	// Resolvable is the only capability the scheduler strictly needs: turn a
	// provider-scoped item key into one or more direct download URLs.
	Resolvable interface {
		ResolveDownloadURL(externalID string) ([]string, error)
	}

	// StatusCapable providers can report on their account state.
	StatusCapable interface {
		Status() (ProviderStatus, error)
	}
)

// ProviderHandle is the capability-typed view of a configured provider
// yielded by the registry.
type ProviderHandle interface {
	// Key returns the provider's unique immutable key.
	Key() string
}

// A KeyVault decrypts provider credential blobs. Credential storage and
// encryption live outside the orchestration core.
type KeyVault interface {
	Decrypt(blob []byte) (map[string]string, error)
}

// ProviderPause is an admin-initiated block on scheduling and execution of
// jobs for a provider.
type ProviderPause struct {
	ProviderKey string    `json:"providerkey"`
	PausedBy    string    `json:"pausedby"`
	PausedAt    time.Time `json:"pausedat"`
	Note        string    `json:"note,omitempty"`
}

// ProviderBackoff is a time-bounded block on scheduling jobs for a provider
// after a transient error. Window is the current doubling window.
type ProviderBackoff struct {
	ProviderKey string        `json:"providerkey"`
	Reason      string        `json:"reason"`
	StartedAt   time.Time     `json:"startedat"`
	ExpiresAt   time.Time     `json:"expiresat"`
	Window      time.Duration `json:"window"`
}

// Expired reports whether the backoff window has passed.
func (b ProviderBackoff) Expired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

// CoordinationState is the merged pause/backoff view served to the UI.
type CoordinationState struct {
	Paused    []ProviderPause   `json:"paused"`
	BackedOff []ProviderBackoff `json:"backedoff"`
}
