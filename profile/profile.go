// Package profile provides opt-in CPU, memory, and runtime profiling for the
// daemon. Profiles are written into a directory chosen at startup so several
// runs can be compared.
package profile

import (
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/persist"
)

// Only one cpu profile and one heap snapshot may be in flight at a time.
var (
	cpuActive bool
	cpuMu     sync.Mutex
	memActive bool
	memMu     sync.Mutex
)

// profileName builds a timestamped file name inside dir.
func profileName(dir, kind string) string {
	return filepath.Join(dir, kind+"-"+time.Now().Format(time.RFC3339Nano)+".prof")
}

// StartCPUProfile begins writing a cpu profile into dir. It returns an error
// if a cpu profile is already running.
func StartCPUProfile(dir string) error {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuActive {
		return errors.New("a cpu profile is already running")
	}

	f, err := os.Create(profileName(dir, "cpu"))
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		return errors.Compose(err, f.Close())
	}
	cpuActive = true
	return nil
}

// StopCPUProfile stops a running cpu profile. Calling it without a running
// profile is a no-op.
func StopCPUProfile() {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuActive {
		pprof.StopCPUProfile()
		cpuActive = false
	}
}

// SaveMemProfile writes a heap snapshot into dir. Unlike cpu profiling there
// is nothing to stop, the snapshot is taken immediately.
func SaveMemProfile(dir string) error {
	memMu.Lock()
	defer memMu.Unlock()
	if memActive {
		return errors.New("a heap snapshot is already being written")
	}
	memActive = true
	defer func() { memActive = false }()

	f, err := os.Create(profileName(dir, "mem"))
	if err != nil {
		return err
	}
	err = pprof.WriteHeapProfile(f)
	return errors.Compose(err, f.Close())
}

// StartContinuousProfile logs goroutine and heap counters into dir at a
// growing interval until the process exits. Errors are reported through the
// log file only; the daemon keeps running without profiling.
func StartContinuousProfile(dir string) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return
	}
	log, err := persist.NewFileLogger(filepath.Join(dir, "profile.log"))
	if err != nil {
		return
	}

	go func() {
		log.Println("continuous profiling started")
		// Exponential spacing keeps the log small on long runs while still
		// recording the startup phase densely.
		sleep := 3 * time.Second
		for {
			time.Sleep(sleep)
			sleep = time.Duration(1.5 * float64(sleep))
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			log.Printf("goroutines: %v alloc: %v totalalloc: %v heapalloc: %v heapsys: %v",
				runtime.NumGoroutine(), m.Alloc, m.TotalAlloc, m.HeapAlloc, m.HeapSys)
		}
	}()
}
