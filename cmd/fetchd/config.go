package main

import (
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// configFile is the default config file name inside the data directory.
const configFile = "config.json"

// configMetadata stamps the config file so unrelated JSON is rejected.
var configMetadata = persist.Metadata{
	Header:  "Fetchd Configuration",
	Version: "0.4.0",
}

// loadConfig builds the daemon configuration by layering, lowest precedence
// first: defaults, the JSON config file, FETCHD_* environment variables, and
// command line flags.
func loadConfig() (modules.Config, error) {
	config := modules.DefaultConfig()

	path := globalConfig.configPath
	if path == "" {
		path = filepath.Join(globalConfig.fetchdDir, configFile)
	}
	err := persist.LoadJSON(configMetadata, &config, path)
	if err != nil && !os.IsNotExist(err) {
		return modules.Config{}, errors.AddContext(err, "unable to load config file "+path)
	}

	// Secrets may be supplied through the environment so they stay out of the
	// config file and the process table.
	if password := os.Getenv("FETCHD_API_PASSWORD"); password != "" {
		config.API.Password = password
	}
	if secret := os.Getenv("FETCHD_DOWNLOADER_SECRET"); secret != "" {
		config.Downloader.Secret = secret
	}
	if apiKey := os.Getenv("FETCHD_MEDIA_SERVER_API_KEY"); apiKey != "" {
		config.MediaServer.APIKey = apiKey
	}

	if globalConfig.apiAddr != "" {
		config.API.Addr = globalConfig.apiAddr
	}
	if globalConfig.apiPassword != "" {
		config.API.Password = globalConfig.apiPassword
	}
	if globalConfig.agent != "" {
		config.API.RequiredUserAgent = globalConfig.agent
	}

	// Paths default to subdirectories of the data directory so a bare
	// invocation works.
	if config.Paths.Downloads == "" {
		config.Paths.Downloads = filepath.Join(globalConfig.fetchdDir, "downloads")
	}
	if config.Paths.Library == "" {
		config.Paths.Library = filepath.Join(globalConfig.fetchdDir, "library")
	}

	if err := config.Validate(); err != nil {
		return modules.Config{}, err
	}
	return config, nil
}
