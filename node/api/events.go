package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
)

// streamHeartbeatInterval is how often an SSE comment is written to keep
// idle connections from being reaped by proxies.
var streamHeartbeatInterval = build.Select(build.Var{
	Standard: 15 * time.Second,
	Dev:      5 * time.Second,
	Testing:  25 * time.Millisecond,
}).(time.Duration)

// jobsStreamHandlerGET handles API calls to GET /jobs/stream. Events are
// written in server-sent-event framing until the client disconnects.
func (api *API) jobsStreamHandlerGET(w http.ResponseWriter, req *http.Request, _ httprouter.Params, user modules.User) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, Error{"streaming unsupported by this connection"}, http.StatusInternalServerError)
		return
	}
	subscriber, err := api.bus.Subscribe(user)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	defer subscriber.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-subscriber.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				api.log.Println("unable to encode event:", err)
				continue
			}
			if _, err := w.Write([]byte("event: " + event.Type + "\ndata: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
