// Package modules contains the types and interfaces shared by the fetchd
// components. Each component lives in its own package under modules/ and
// communicates with its peers exclusively through the interfaces defined
// here, which keeps the components swappable during testing.
package modules

import (
	"time"
)

const (
	// FetchdDir is the name of the directory that contains the component
	// persist folders inside the daemon's data directory.
	FetchdDir = "fetchd"
)

// CurrentTime returns the current time truncated to the wall clock. It exists
// so that stored timestamps survive a json round trip byte-identically.
func CurrentTime() time.Time {
	return time.Now().Round(0).UTC()
}
