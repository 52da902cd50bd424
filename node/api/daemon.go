package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
)

// DaemonVersionGet contains information about the running daemon's version.
type DaemonVersionGet struct {
	Version     string
	GitRevision string
	BuildTime   string
}

// daemonVersionHandlerGET handles API calls to GET /daemon/version.
func (api *API) daemonVersionHandlerGET(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	WriteJSON(w, DaemonVersionGet{
		Version:     build.Version,
		GitRevision: build.GitRevision,
		BuildTime:   build.BuildTime,
	})
}

// daemonStopHandlerPOST handles API calls to POST /daemon/stop.
func (api *API) daemonStopHandlerPOST(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, _ modules.User) {
	WriteSuccess(w)
	if api.Shutdown != nil {
		// Shut down in a separate goroutine so the response reaches the
		// caller before the listener closes.
		go func() {
			if err := api.Shutdown(); err != nil {
				api.log.Println("error while stopping daemon:", err)
			}
		}()
	}
}
