package modules

import (
	"gitlab.com/NebulousLabs/errors"
)

// The error kinds below form the failure taxonomy for the daemon. Components
// translate collaborator failures into one of these kinds; only permanent
// kinds may drive a job into the failed terminal state.
var (
	// ErrValidation covers malformed payloads, unknown provider keys and
	// unsupported categories. Surfaced directly to the caller, never recorded
	// on a job row.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized is returned when a non-owner non-admin attempts to
	// mutate a job.
	ErrUnauthorized = errors.New("not authorized")

	// ErrProviderTransient covers rate limits, upstream 5xx responses,
	// timeouts, and expired-but-refreshable authentication.
	ErrProviderTransient = errors.New("transient provider failure")

	// ErrProviderPermanent covers missing items, invalid credentials after
	// re-auth, and unsupported operations.
	ErrProviderPermanent = errors.New("permanent provider failure")

	// ErrDownloaderTransient indicates the download daemon is unreachable or
	// overloaded; the scheduler backs off globally.
	ErrDownloaderTransient = errors.New("transient downloader failure")

	// ErrDownloaderPermanent indicates the daemon rejected the download
	// itself, e.g. a malformed or unsupported URL.
	ErrDownloaderPermanent = errors.New("permanent downloader failure")

	// ErrFinalize covers failures moving a completed file into the library.
	ErrFinalize = errors.New("finalization failed")

	// ErrStoreUnavailable is returned after store retries are exhausted.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// IsTransient reports whether err belongs to a recoverable kind. Jobs hit by
// transient errors return to the queue and are retried automatically.
func IsTransient(err error) bool {
	return errors.Contains(err, ErrProviderTransient) ||
		errors.Contains(err, ErrDownloaderTransient) ||
		errors.Contains(err, ErrStoreUnavailable)
}

// IsPermanent reports whether err belongs to a kind that drives a job into
// the failed terminal state.
func IsPermanent(err error) bool {
	return errors.Contains(err, ErrProviderPermanent) ||
		errors.Contains(err, ErrDownloaderPermanent) ||
		errors.Contains(err, ErrFinalize)
}
