package api

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/sys/unix"

	"gitlab.com/fetchlabs/fetchd/modules"
)

type (
	// MountUsage is the usage snapshot of one configured path.
	MountUsage struct {
		Path       string  `json:"path"`
		TotalBytes uint64  `json:"totalbytes"`
		FreeBytes  uint64  `json:"freebytes"`
		UsedPct    float64 `json:"usedpct"`
		Error      string  `json:"error,omitempty"`
	}

	// SystemStorageGET is the response of GET /system/storage.
	SystemStorageGET struct {
		Downloads MountUsage `json:"downloads"`
		Library   MountUsage `json:"library"`
	}

	// SystemHealthGET is the response of GET /system/health.
	SystemHealthGET struct {
		Healthy    bool   `json:"healthy"`
		Store      string `json:"store"`
		Downloader string `json:"downloader"`
	}
)

// mountUsage reads the filesystem counters of path.
func mountUsage(path string) MountUsage {
	usage := MountUsage{Path: path}
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		usage.Error = err.Error()
		return usage
	}
	usage.TotalBytes = stat.Blocks * uint64(stat.Bsize)
	usage.FreeBytes = stat.Bavail * uint64(stat.Bsize)
	if usage.TotalBytes > 0 {
		usage.UsedPct = float64(usage.TotalBytes-usage.FreeBytes) / float64(usage.TotalBytes) * 100
	}
	return usage
}

// systemStorageHandlerGET handles API calls to GET /system/storage.
func (api *API) systemStorageHandlerGET(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, _ modules.User) {
	WriteJSON(w, SystemStorageGET{
		Downloads: mountUsage(api.config.Paths.Downloads),
		Library:   mountUsage(api.config.Paths.Library),
	})
}

// systemHealthHandlerGET handles API calls to GET /system/health. The probe is
// unauthenticated so load balancers can reach it.
func (api *API) systemHealthHandlerGET(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	health := SystemHealthGET{Healthy: true, Store: "ok", Downloader: "ok"}
	if _, err := api.queue.Stats(); err != nil {
		health.Healthy = false
		health.Store = err.Error()
	}
	if api.downloader != nil {
		if _, err := api.downloader.TellActive(); err != nil {
			health.Healthy = false
			health.Downloader = err.Error()
		}
	}
	if !health.Healthy {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(health)
		return
	}
	WriteJSON(w, health)
}
