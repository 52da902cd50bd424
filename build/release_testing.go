// +build testing

package build

const (
	// DEBUG controls the runtime sanity checks. When DEBUG is true, Critical
	// calls panic instead of logging.
	DEBUG = true

	// Release identifies the build mode of the binary.
	Release = "testing"
)
