package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/modules/registry"
)

type (
	// SearchGET is the response of GET /search.
	SearchGET struct {
		Results    []modules.SearchItem     `json:"results"`
		Duplicates []string                 `json:"duplicates,omitempty"`
		Errors     []registry.SearchFailure `json:"errors,omitempty"`
	}

	// ProvidersGET is the response of GET /providers.
	ProvidersGET struct {
		Providers []modules.Provider `json:"providers"`
	}

	// ProviderPausePOST is the request body of POST /providers/:key/pause.
	ProviderPausePOST struct {
		Note string `json:"note,omitempty"`
	}
)

// searchHandlerGET handles API calls to GET /search.
func (api *API) searchHandlerGET(w http.ResponseWriter, req *http.Request, _ httprouter.Params, _ modules.User) {
	query := req.URL.Query()
	q := query.Get("q")
	if q == "" {
		WriteError(w, Error{"query parameter 'q' is required"}, http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(query.Get("limit"))

	results, failures, err := api.providers.SearchAll(q, query["providers"], limit)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	// Duplicate warnings against jobs already in the store.
	duplicates, err := api.queue.FindExistingByTitle(q)
	if err != nil {
		api.log.Println("duplicate lookup failed:", err)
	}
	WriteJSON(w, SearchGET{Results: results, Duplicates: duplicates, Errors: failures})
}

// providersHandlerGET handles API calls to GET /providers.
func (api *API) providersHandlerGET(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, _ modules.User) {
	byKey, err := api.queue.Providers()
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	providers := make([]modules.Provider, 0, len(byKey))
	for _, p := range byKey {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Key < providers[j].Key })
	WriteJSON(w, ProvidersGET{Providers: providers})
}

// providersHandlerPOST handles API calls to POST /providers, inserting or
// updating a provider row and dropping every cache keyed on it.
func (api *API) providersHandlerPOST(w http.ResponseWriter, req *http.Request, _ httprouter.Params, user modules.User) {
	var provider modules.Provider
	if err := json.NewDecoder(req.Body).Decode(&provider); err != nil {
		WriteError(w, Error{"invalid request body: " + err.Error()}, http.StatusBadRequest)
		return
	}
	if provider.Key == "" {
		WriteError(w, Error{"provider key is required"}, http.StatusBadRequest)
		return
	}
	stored, err := api.queue.UpsertProvider(provider)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	api.providers.Invalidate(stored.Key)
	if api.catalog != nil {
		if err := api.catalog.InvalidateProvider(stored.Key); err != nil {
			api.log.Println("unable to invalidate catalog cache for", stored.Key, ":", err)
		}
	}
	api.managedAudit(user.Name, "provider.upserted", stored.Key)
	WriteJSON(w, stored)
}

// providerHandlerDELETE handles API calls to DELETE /providers/:key.
func (api *API) providerHandlerDELETE(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, user modules.User) {
	key := ps.ByName("key")
	if err := api.queue.DeleteProvider(key); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	api.providers.Invalidate(key)
	if api.catalog != nil {
		if err := api.catalog.InvalidateProvider(key); err != nil {
			api.log.Println("unable to invalidate catalog cache for", key, ":", err)
		}
	}
	api.managedAudit(user.Name, "provider.deleted", key)
	WriteSuccess(w)
}

// providerPauseHandlerPOST handles API calls to POST /providers/:key/pause.
func (api *API) providerPauseHandlerPOST(w http.ResponseWriter, req *http.Request, ps httprouter.Params, user modules.User) {
	var body ProviderPausePOST
	// The body is optional.
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && err != io.EOF {
		WriteError(w, Error{"invalid request body: " + err.Error()}, http.StatusBadRequest)
		return
	}
	if err := api.providers.Pause(ps.ByName("key"), user.Name, body.Note); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteJSON(w, api.providers.Coordination())
}

// providerResumeHandlerPOST handles API calls to POST /providers/:key/resume.
func (api *API) providerResumeHandlerPOST(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, user modules.User) {
	if err := api.providers.Resume(ps.ByName("key"), user.Name); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteSuccess(w)
}

// providersStatusHandlerGET handles API calls to GET /providers/status. With
// ?provider=key one status is probed; otherwise every enabled provider is. A
// per-provider probe failure lands in the snapshot's Message field instead of
// failing the whole call.
func (api *API) providersStatusHandlerGET(w http.ResponseWriter, req *http.Request, _ httprouter.Params, _ modules.User) {
	query := req.URL.Query()
	refresh := query.Get("refresh") == "1"

	var keys []string
	if key := query.Get("provider"); key != "" {
		keys = []string{key}
	} else {
		enabled, err := api.providers.Enabled()
		if err != nil {
			writeTaxonomyError(w, err)
			return
		}
		for key := range enabled {
			keys = append(keys, key)
		}
		sort.Strings(keys)
	}

	statuses := make([]modules.ProviderStatus, 0, len(keys))
	for _, key := range keys {
		if refresh {
			api.providers.Invalidate(key)
		}
		status, err := api.providers.Status(key)
		if err != nil {
			status = modules.ProviderStatus{ProviderKey: key, Message: err.Error()}
		}
		statuses = append(statuses, status)
	}
	WriteJSON(w, statuses)
}

// coordinationHandlerGET handles API calls to GET /coordination.
func (api *API) coordinationHandlerGET(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, _ modules.User) {
	WriteJSON(w, api.providers.Coordination())
}

// managedAudit appends an administrative audit record, logging on failure.
func (api *API) managedAudit(actor, action, subjectID string) {
	err := api.queue.AppendAudit(modules.AuditRecord{
		Actor:       actor,
		Action:      action,
		SubjectType: "provider",
		SubjectID:   subjectID,
	})
	if err != nil {
		api.log.Println("unable to audit", action, ":", err)
	}
}
