package modules

import (
	"gitlab.com/NebulousLabs/errors"
)

// ProviderConfig carries the per-provider tuning knobs and the encrypted
// credential blob reference.
type ProviderConfig struct {
	// DownloadSpacingSeconds is the minimum interval between successive URL
	// resolutions against this provider.
	DownloadSpacingSeconds int `json:"download_spacing_seconds"`
	// MenuCacheTTLSeconds overrides the menu cache TTL for this provider.
	MenuCacheTTLSeconds int `json:"menu_cache_ttl_seconds"`
	// ErrorBackoffSeconds overrides the initial transient-error backoff
	// window for this provider.
	ErrorBackoffSeconds int `json:"error_backoff_seconds"`
	// ErrorBackoffMaxSeconds caps the doubling backoff window.
	ErrorBackoffMaxSeconds int `json:"error_backoff_max_seconds"`
	// Credentials holds the provider's credential fields, encrypted at rest.
	Credentials map[string]string `json:"credentials,omitempty"`
}

// Config is the layered daemon configuration. Field names mirror the
// namespaced keys of the config file; defaults are applied by DefaultConfig
// and validation by Validate.
type Config struct {
	App struct {
		MaxActiveDownloads int     `json:"max_active_downloads"`
		MinFreeSpaceGB     float64 `json:"min_free_space_gb"`
		DefaultSearchLimit int     `json:"default_search_limit"`
	} `json:"app"`

	Downloader struct {
		RPCURL     string  `json:"rpc_url"`
		Secret     string  `json:"secret"`
		MaxSpeedMBs float64 `json:"max_speed_mb_s"` // 0 disables
	} `json:"downloader"`

	Paths struct {
		Downloads string `json:"downloads"`
		Library   string `json:"library"`
	} `json:"paths"`

	MediaServer struct {
		URL       string `json:"url"`
		APIKey    string `json:"api_key"`
		LibraryID string `json:"library_id,omitempty"`
	} `json:"media_server"`

	Providers map[string]ProviderConfig `json:"providers"`

	Store struct {
		DSN string `json:"dsn"`
	} `json:"store"`

	API struct {
		Addr              string `json:"addr"`
		Password          string `json:"password"`
		RequiredUserAgent string `json:"required_user_agent"`
	} `json:"api"`
}

// DefaultConfig returns a config with every tunable at its default.
func DefaultConfig() Config {
	var c Config
	c.App.MaxActiveDownloads = 3
	c.App.MinFreeSpaceGB = 1
	c.App.DefaultSearchLimit = 25
	c.Downloader.RPCURL = "http://127.0.0.1:6800/jsonrpc"
	c.API.Addr = "localhost:9480"
	c.API.RequiredUserAgent = "Fetchd-Agent"
	c.Providers = make(map[string]ProviderConfig)
	return c
}

// Validate checks the invariants the rest of the daemon assumes.
func (c Config) Validate() error {
	if c.App.MaxActiveDownloads < 1 {
		return errors.New("app.max_active_downloads must be at least 1")
	}
	if c.App.MinFreeSpaceGB < 0 {
		return errors.New("app.min_free_space_gb must not be negative")
	}
	if c.Downloader.RPCURL == "" {
		return errors.New("downloader.rpc_url is required")
	}
	if c.Paths.Downloads == "" {
		return errors.New("paths.downloads is required")
	}
	if c.Paths.Library == "" {
		return errors.New("paths.library is required")
	}
	return nil
}

// MaxSpeedBPS converts the configured MB/s cap to bytes per second.
func (c Config) MaxSpeedBPS() uint64 {
	return uint64(c.Downloader.MaxSpeedMBs * 1e6)
}
