// +build !testing,!dev

package build

const (
	// DEBUG controls the runtime sanity checks. When DEBUG is true, Critical
	// calls panic instead of logging.
	DEBUG = false

	// Release identifies the build mode of the binary.
	Release = "standard"
)
