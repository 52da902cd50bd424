// fetchd is the media acquisition daemon: it accepts download jobs over an
// HTTP API, resolves them against configured providers, hands the transfers
// to a download daemon, and files completed payloads into the library.
package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"gitlab.com/fetchlabs/fetchd/build"
)

// Exit codes for the daemon.
const (
	exitClean             = 0
	exitBadConfig         = 1
	exitStoreUnavailable  = 2
	exitDownloaderMissing = 3
)

// globalConfig holds the flag values layered over the config file.
var globalConfig struct {
	fetchdDir   string
	configPath  string
	apiAddr     string
	apiPassword string
	agent       string
	profileDir  string
}

// exit prints any message and exits with the given code.
func exit(code int, msg string) {
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}

// versionCmd prints version information about fetchd.
func versionCmd(*cobra.Command, []string) {
	version := "Fetchd v" + build.Version
	if build.GitRevision != "" {
		version += "-" + build.GitRevision
	}
	switch build.Release {
	case "dev":
		fmt.Println(version + "-dev")
	case "standard":
		fmt.Println(version)
	case "testing":
		fmt.Println(version + "-testing")
	default:
		exit(exitBadConfig, "unrecognized build release: "+build.Release)
	}
}

// defaultFetchdDir returns the default data directory under the user's home.
func defaultFetchdDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ".fetchd"
	}
	return home + "/.fetchd"
}

func main() {
	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "Fetchd v" + build.Version,
		Long:  "Fetchd v" + build.Version,
		Run:   startDaemonCmd,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print version information about fetchd",
		Run:   versionCmd,
	})

	root.Flags().StringVarP(&globalConfig.fetchdDir, "fetchd-directory", "d", defaultFetchdDir(), "location of the fetchd data directory")
	root.Flags().StringVarP(&globalConfig.configPath, "config", "c", "", "location of the config file (default <fetchd-directory>/config.json)")
	root.Flags().StringVar(&globalConfig.apiAddr, "api-addr", "", "which host:port the API server listens on")
	root.Flags().StringVar(&globalConfig.apiPassword, "authenticate-api", "", "password protecting the API")
	root.Flags().StringVar(&globalConfig.agent, "agent", "", "required substring of the API user agent")
	root.Flags().StringVar(&globalConfig.profileDir, "profile-directory", "", "write cpu and memory profiles to this directory")

	if err := root.Execute(); err != nil {
		// Since no commands return errors (they exit instead), any error is a
		// cli usage error.
		os.Exit(exitBadConfig)
	}
}
