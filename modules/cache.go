package modules

import (
	"time"
)

// CacheInfo describes how a catalog answer was served: from a fresh cache
// entry, a live fetch, or a stale entry after a fetch failure.
type CacheInfo struct {
	Hit         bool      `json:"hit"`
	Stale       bool      `json:"stale"`
	AgeSeconds  int       `json:"ageseconds"`
	TTLSeconds  int       `json:"ttlseconds"`
	FetchedAt   time.Time `json:"fetchedat"`
	Refreshable bool      `json:"refreshable"`
}
