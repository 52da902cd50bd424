// Package api exposes the fetchd modules over HTTP. Handlers translate the
// error taxonomy into status codes: validation failures are 400, permission
// denials 403, provider and downloader failures 502, and store unavailability
// 503.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/modules/registry"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// Error is the payload of every failed API call.
type Error struct {
	Message string `json:"message"`
}

// Error implements the error interface for the Error type.
func (err Error) Error() string {
	return err.Message
}

// A JobController carries the user-facing job control operations; satisfied
// by the worker.
type JobController interface {
	PauseJob(id uint64, user modules.User) (modules.Job, error)
	ResumeJob(id uint64, user modules.User) (modules.Job, error)
	CancelJob(id uint64, user modules.User) (modules.Job, error)
	DeleteJob(id uint64, user modules.User) (modules.Job, error)
}

// A ProviderRegistry is the provider surface the API needs; satisfied by the
// registry.
type ProviderRegistry interface {
	Enabled() (map[string]modules.Provider, error)
	SearchAll(query string, keys []string, limit int) ([]modules.SearchItem, []registry.SearchFailure, error)
	Status(key string) (modules.ProviderStatus, error)
	Pause(key, actor, note string) error
	Resume(key, actor string) error
	Coordination() modules.CoordinationState
	Invalidate(key string)
}

// A CatalogBrowser serves cached provider menus and variant listings;
// satisfied by the catalog cache.
type CatalogBrowser interface {
	Menu(providerKey, path string, refresh bool) (modules.Menu, modules.CacheInfo, error)
	Variants(providerKey, externalID string, refresh bool) ([]modules.Variant, modules.CacheInfo, error)
	InvalidateProvider(providerKey string) error
}

// A JobStore is the queue surface the API needs; satisfied by the queue.
type JobStore interface {
	modules.Queue
	DeleteProvider(key string) error
}

// An Authenticator resolves the identity behind an API request. The password
// check is separate middleware; the authenticator only maps the presented
// username to a stored user.
type Authenticator interface {
	Authenticate(req *http.Request) (modules.User, error)
}

// API encapsulates the fetchd modules and serves the HTTP routes.
type API struct {
	queue      JobStore
	jobs       JobController
	providers  ProviderRegistry
	catalog    CatalogBrowser
	downloader modules.Downloader
	bus        modules.EventBus
	auth       Authenticator
	config     modules.Config
	log        *persist.Logger

	// Shutdown is called by the /daemon/stop handler; the server wires it to
	// its own Close.
	Shutdown func() error

	router http.Handler
}

// api.ServeHTTP implements the http.Handler interface.
func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.router.ServeHTTP(w, r)
}

// New creates a new fetchd API. Nil components disable their route groups.
func New(requiredUserAgent, requiredPassword string, q JobStore, jobs JobController, providers ProviderRegistry, catalog CatalogBrowser, dl modules.Downloader, bus modules.EventBus, auth Authenticator, config modules.Config, log *persist.Logger) *API {
	api := &API{
		queue:      q,
		jobs:       jobs,
		providers:  providers,
		catalog:    catalog,
		downloader: dl,
		bus:        bus,
		auth:       auth,
		config:     config,
		log:        log,
	}
	api.buildHTTPRoutes(requiredUserAgent, requiredPassword)
	return api
}

// UnrecognizedCallHandler handles calls to unknown endpoints.
func UnrecognizedCallHandler(w http.ResponseWriter, req *http.Request) {
	WriteError(w, Error{"404 - Refer to API.md"}, http.StatusNotFound)
}

// WriteError an error to the API caller.
func WriteError(w http.ResponseWriter, err Error, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encodingErr := json.NewEncoder(w).Encode(err)
	if _, isJSONErr := encodingErr.(*json.SyntaxError); isJSONErr {
		// Marshalling should only fail in the event of a developer error.
		// Specifically, only non-marshallable types should cause an error here.
		panic(encodingErr)
	}
}

// WriteJSON writes the object to the ResponseWriter. If the encoding fails, an
// error is written instead. The Content-Type of the response header is set
// accordingly.
func WriteJSON(w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	encodingErr := json.NewEncoder(w).Encode(obj)
	if _, isJSONErr := encodingErr.(*json.SyntaxError); isJSONErr {
		// Marshalling should only fail in the event of a developer error.
		// Specifically, only non-marshallable types should cause an error here.
		panic(encodingErr)
	}
}

// WriteSuccess writes the HTTP header with status 204 No Content to the
// ResponseWriter. WriteSuccess should only be used to indicate that the
// requested action succeeded AND there is no data to return.
func WriteSuccess(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeTaxonomyError maps an error from the modules onto a status code.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Contains(err, modules.ErrValidation), errors.Contains(err, modules.ErrInvalidTransition):
		code = http.StatusBadRequest
	case errors.Contains(err, modules.ErrUnauthorized):
		code = http.StatusForbidden
	case errors.Contains(err, persist.ErrNilEntry):
		code = http.StatusNotFound
	case errors.Contains(err, modules.ErrProviderTransient), errors.Contains(err, modules.ErrProviderPermanent),
		errors.Contains(err, modules.ErrDownloaderTransient), errors.Contains(err, modules.ErrDownloaderPermanent):
		code = http.StatusBadGateway
	case errors.Contains(err, modules.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	}
	WriteError(w, Error{err.Error()}, code)
}

// An authedHandle is an httprouter handle that also receives the
// authenticated caller.
type authedHandle func(http.ResponseWriter, *http.Request, httprouter.Params, modules.User)

// requireUser resolves the caller's identity before running the handle.
func (api *API) requireUser(h authedHandle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		user, err := api.auth.Authenticate(req)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Basic realm=\"FetchdAPI\"")
			WriteError(w, Error{"API authentication failed."}, http.StatusUnauthorized)
			return
		}
		h(w, req, ps, user)
	}
}

// requireAdmin additionally rejects callers without the admin role.
func (api *API) requireAdmin(h authedHandle) httprouter.Handle {
	return api.requireUser(func(w http.ResponseWriter, req *http.Request, ps httprouter.Params, user modules.User) {
		if !user.IsAdmin() {
			WriteError(w, Error{"administrator role required"}, http.StatusForbidden)
			return
		}
		h(w, req, ps, user)
	})
}
