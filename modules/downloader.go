package modules

// DownloadState is the state reported by the download daemon for a handle.
type DownloadState string

// The daemon state set. Unknown states surface as ErrDownloaderPermanent
// with an "unexpected state" context.
const (
	DownloadActive   DownloadState = "active"
	DownloadWaiting  DownloadState = "waiting"
	DownloadPaused   DownloadState = "paused"
	DownloadComplete DownloadState = "complete"
	DownloadError    DownloadState = "error"
	DownloadRemoved  DownloadState = "removed"
)

// DownloadOptions are passed to the daemon when creating a download.
type DownloadOptions struct {
	// Dir is the directory the daemon writes into.
	Dir string
	// Out optionally fixes the output filename.
	Out string
	// MaxDownloadLimit caps the transfer rate in bytes per second. Zero
	// disables the cap.
	MaxDownloadLimit uint64
	// Continue asks the daemon to resume a partially transferred file.
	Continue bool
	// CheckIntegrity asks the daemon to verify piece hashes where the
	// protocol provides them.
	CheckIntegrity bool
}

// DownloadFile is one file produced by a download.
type DownloadFile struct {
	Path   string `json:"path"`
	Length uint64 `json:"length"`
}

// DownloadStatus is a snapshot of one in-flight transfer.
type DownloadStatus struct {
	Handle         string         `json:"handle"`
	State          DownloadState  `json:"state"`
	CompletedBytes uint64         `json:"completedbytes"`
	TotalBytes     uint64         `json:"totalbytes"`
	SpeedBPS       uint64         `json:"speedbps"`
	Files          []DownloadFile `json:"files"`
	ErrorCode      int            `json:"errorcode,omitempty"`
	ErrorMessage   string         `json:"errormessage,omitempty"`
}

// A Downloader is the typed client for the content-transfer daemon. All
// methods are safe for concurrent use; scheduler and worker share one client.
type Downloader interface {
	// AddURI creates a download for the first URI and returns its handle.
	AddURI(uris []string, opts DownloadOptions) (string, error)

	// Status returns a snapshot of the transfer bound to handle.
	Status(handle string) (DownloadStatus, error)

	// Pause suspends the transfer. Pausing a paused handle is a no-op.
	Pause(handle string) error

	// Unpause resumes a paused transfer.
	Unpause(handle string) error

	// Remove cancels the transfer. Removing an unknown handle is a no-op.
	Remove(handle string) error

	// Purge drops the daemon's result record for a finished handle.
	Purge(handle string) error

	// TellActive returns a snapshot of all active transfers.
	TellActive() ([]DownloadStatus, error)

	// SetGlobalRateLimit updates the daemon-wide download cap in bytes per
	// second. Zero disables the cap.
	SetGlobalRateLimit(bps uint64) error
}
