package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"gitlab.com/fetchlabs/fetchd/build"
)

// buildHTTPRoutes sets up and returns an *httprouter.Router. It connects the
// router to the given api using the required parameters: requiredUserAgent
// and requiredPassword.
func (api *API) buildHTTPRoutes(requiredUserAgent string, requiredPassword string) {
	router := httprouter.New()

	router.NotFound = http.HandlerFunc(UnrecognizedCallHandler)
	router.RedirectTrailingSlash = false

	// Queue API Calls
	if api.queue != nil {
		router.POST("/queue", api.requireUser(api.queueHandlerPOST))
		router.GET("/jobs", api.requireUser(api.jobsHandlerGET))
		router.GET("/jobs/stats", api.requireUser(api.jobsStatsHandlerGET))
		router.POST("/jobs/reorder", api.requireUser(api.jobsReorderHandlerPOST))
		router.PATCH("/jobs/:id/priority", api.requireUser(api.jobPriorityHandlerPATCH))
		router.GET("/notifications", api.requireUser(api.notificationsHandlerGET))
		router.POST("/notifications/read", api.requireUser(api.notificationsReadHandlerPOST))
		router.GET("/audit", api.requireAdmin(api.auditHandlerGET))
	}

	// Job control calls go through the worker so the daemon transfer and the
	// row change together.
	if api.jobs != nil {
		router.PATCH("/jobs/:id/pause", api.requireUser(api.jobPauseHandlerPATCH))
		router.PATCH("/jobs/:id/resume", api.requireUser(api.jobResumeHandlerPATCH))
		router.PATCH("/jobs/:id/cancel", api.requireUser(api.jobCancelHandlerPATCH))
		router.DELETE("/jobs/:id", api.requireUser(api.jobHandlerDELETE))
	}

	// Provider API Calls
	if api.providers != nil {
		router.GET("/search", api.requireUser(api.searchHandlerGET))
		router.GET("/providers", api.requireAdmin(api.providersHandlerGET))
		router.POST("/providers", api.requireAdmin(api.providersHandlerPOST))
		router.DELETE("/providers/:key", api.requireAdmin(api.providerHandlerDELETE))
		router.POST("/providers/:key/pause", api.requireAdmin(api.providerPauseHandlerPOST))
		router.POST("/providers/:key/resume", api.requireAdmin(api.providerResumeHandlerPOST))
		router.GET("/providers/status", api.requireAdmin(api.providersStatusHandlerGET))
		router.GET("/coordination", api.requireUser(api.coordinationHandlerGET))
	}

	// Catalog API Calls
	if api.catalog != nil {
		router.GET("/catalog/menu", api.requireUser(api.catalogMenuHandlerGET))
		router.GET("/catalog/variants", api.requireUser(api.catalogVariantsHandlerGET))
	}
	if api.queue != nil {
		router.POST("/catalog/bulk", api.requireUser(api.catalogBulkHandlerPOST))
		router.GET("/catalog/bulk/:id", api.requireUser(api.catalogBulkHandlerGET))
	}

	// Event stream
	if api.bus != nil {
		router.GET("/jobs/stream", api.requireUser(api.jobsStreamHandlerGET))
	}

	// System API Calls
	router.GET("/system/storage", api.requireUser(api.systemStorageHandlerGET))
	router.GET("/system/health", api.systemHealthHandlerGET)

	// Daemon API Calls
	router.GET("/daemon/version", api.daemonVersionHandlerGET)
	router.POST("/daemon/stop", api.requireAdmin(api.daemonStopHandlerPOST))

	// Apply password protection to every route, then the UserAgent check, and
	// return the router.
	api.router = cleanCloseHandler(RequireUserAgent(RequirePassword(router, requiredPassword), requiredUserAgent))
	return
}

// cleanCloseHandler wraps the entire API, ensuring that underlying conns are
// not leaked if the remote end closes the connection before the underlying
// handler finishes.
func cleanCloseHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Close this file handle either when the function completes or when the
		// connection is done.
		done := make(chan struct{})
		go func(w http.ResponseWriter, r *http.Request) {
			defer close(done)
			next.ServeHTTP(w, r)
		}(w, r)
		select {
		case <-done:
		}

		// Sanity check - thread should not take more than an hour to return. This
		// must be done in a goroutine, otherwise the server will not close the
		// underlying socket for this API call.
		timer := time.NewTimer(time.Minute * 60)
		go func() {
			select {
			case <-done:
				timer.Stop()
			case <-timer.C:
				build.Severe("api call is taking more than 60 minutes to return:", r.URL.Path)
			}
		}()
	})
}

// RequireUserAgent is middleware that requires all requests to set a
// UserAgent that contains the specified string.
func RequireUserAgent(h http.Handler, ua string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !strings.Contains(req.UserAgent(), ua) && !isUnrestricted(req) {
			WriteError(w, Error{"Browser access disabled due to security vulnerability. Use the fetchd client."}, http.StatusBadRequest)
			return
		}
		h.ServeHTTP(w, req)
	})
}

// RequirePassword is middleware that requires a request to authenticate with a
// password using HTTP basic auth. An empty password indicates no
// authentication is required; the username still selects the caller's
// identity downstream.
func RequirePassword(h http.Handler, password string) http.Handler {
	if password == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, pass, ok := req.BasicAuth()
		if !ok || pass != password {
			w.Header().Set("WWW-Authenticate", "Basic realm=\"FetchdAPI\"")
			WriteError(w, Error{"API authentication failed."}, http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, req)
	})
}

// isUnrestricted checks if a request may bypass the useragent check.
func isUnrestricted(req *http.Request) bool {
	return strings.HasPrefix(req.URL.Path, "/system/health")
}
