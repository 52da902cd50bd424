package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/node"
	"gitlab.com/fetchlabs/fetchd/node/api/server"
	"gitlab.com/fetchlabs/fetchd/profile"
)

// downloaderGrace is how long the daemon probes for the download daemon at
// startup before giving up with exit code 3.
var downloaderGrace = build.Select(build.Var{
	Standard: 30 * time.Second,
	Dev:      5 * time.Second,
	Testing:  100 * time.Millisecond,
}).(time.Duration)

// downloaderProbeInterval is the delay between startup probes.
var downloaderProbeInterval = build.Select(build.Var{
	Standard: 2 * time.Second,
	Dev:      time.Second,
	Testing:  25 * time.Millisecond,
}).(time.Duration)

// startDaemonCmd is the cobra entry point for running the daemon.
func startDaemonCmd(*cobra.Command, []string) {
	config, err := loadConfig()
	if err != nil {
		exit(exitBadConfig, "invalid configuration: "+err.Error())
	}

	if globalConfig.profileDir != "" {
		profile.StartContinuousProfile(globalConfig.profileDir)
		if err := profile.StartCPUProfile(globalConfig.profileDir); err != nil {
			fmt.Fprintln(os.Stderr, "unable to start cpu profile:", err)
		}
	}

	fmt.Println("Fetchd v" + build.Version)
	fmt.Println("Loading...")
	srv, err := server.New(node.NodeParams{
		Dir:    globalConfig.fetchdDir,
		Config: config,
	})
	if err != nil {
		// The queue is the only component that opens persistent storage at
		// startup; its failure is the store-unreachable exit.
		if strings.Contains(err.Error(), "unable to open queue") {
			exit(exitStoreUnavailable, "store unreachable: "+err.Error())
		}
		exit(exitBadConfig, "unable to start daemon: "+err.Error())
	}
	fmt.Println("API is now available at", srv.APIAddr())

	if err := awaitDownloader(srv.Downloader()); err != nil {
		srv.Close()
		exit(exitDownloaderMissing, "download daemon unreachable: "+err.Error())
	}

	// Block until a termination signal arrives, then close the server, which
	// closes the node.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	fmt.Println("\rCaught stop signal, quitting...")
	profile.StopCPUProfile()
	if err := srv.Close(); err != nil {
		exit(exitBadConfig, "error during shutdown: "+err.Error())
	}
	exit(exitClean, "")
}

// awaitDownloader probes the download daemon until it answers or the startup
// grace period runs out.
func awaitDownloader(dl modules.Downloader) error {
	deadline := time.Now().Add(downloaderGrace)
	var lastErr error
	for time.Now().Before(deadline) {
		if _, lastErr = dl.TellActive(); lastErr == nil {
			return nil
		}
		time.Sleep(downloaderProbeInterval)
	}
	return lastErr
}
