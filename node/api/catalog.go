package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
)

type (
	// CatalogMenuGET is the response of GET /catalog/menu.
	CatalogMenuGET struct {
		Menu  modules.Menu      `json:"menu"`
		Cache modules.CacheInfo `json:"cache"`
	}

	// CatalogVariantsGET is the response of GET /catalog/variants.
	CatalogVariantsGET struct {
		Variants []modules.Variant `json:"variants"`
		Cache    modules.CacheInfo `json:"cache"`
	}

	// CatalogBulkPOST is the request body of POST /catalog/bulk.
	CatalogBulkPOST struct {
		Items   []modules.BulkItem  `json:"items"`
		Options modules.BulkOptions `json:"options"`
	}

	// CatalogBulkPOSTResp returns the id of the accepted bulk task.
	CatalogBulkPOSTResp struct {
		TaskID uint64 `json:"taskid"`
	}
)

// catalogMenuHandlerGET handles API calls to GET /catalog/menu.
func (api *API) catalogMenuHandlerGET(w http.ResponseWriter, req *http.Request, _ httprouter.Params, _ modules.User) {
	query := req.URL.Query()
	providerKey := query.Get("provider")
	if providerKey == "" {
		WriteError(w, Error{"query parameter 'provider' is required"}, http.StatusBadRequest)
		return
	}
	path := query.Get("path")
	if path == "" {
		path = "/"
	}
	menu, info, err := api.catalog.Menu(providerKey, path, query.Get("refresh") == "1")
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteJSON(w, CatalogMenuGET{Menu: menu, Cache: info})
}

// catalogVariantsHandlerGET handles API calls to GET /catalog/variants.
func (api *API) catalogVariantsHandlerGET(w http.ResponseWriter, req *http.Request, _ httprouter.Params, _ modules.User) {
	query := req.URL.Query()
	providerKey := query.Get("provider")
	externalID := query.Get("external_id")
	if providerKey == "" || externalID == "" {
		WriteError(w, Error{"query parameters 'provider' and 'external_id' are required"}, http.StatusBadRequest)
		return
	}
	variants, info, err := api.catalog.Variants(providerKey, externalID, query.Get("refresh") == "1")
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteJSON(w, CatalogVariantsGET{Variants: variants, Cache: info})
}

// catalogBulkHandlerPOST handles API calls to POST /catalog/bulk. The task is
// only recorded here; the bulk resolver expands it asynchronously.
func (api *API) catalogBulkHandlerPOST(w http.ResponseWriter, req *http.Request, _ httprouter.Params, user modules.User) {
	var body CatalogBulkPOST
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		WriteError(w, Error{"invalid request body: " + err.Error()}, http.StatusBadRequest)
		return
	}
	id, err := api.queue.InsertBulkTask(modules.BulkTask{
		UserID:  user.ID,
		Items:   body.Items,
		Options: body.Options,
	})
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteJSON(w, CatalogBulkPOSTResp{TaskID: id})
}

// catalogBulkHandlerGET handles API calls to GET /catalog/bulk/:id.
func (api *API) catalogBulkHandlerGET(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, user modules.User) {
	id, err := strconv.ParseUint(ps.ByName("id"), 10, 64)
	if err != nil {
		WriteError(w, Error{"invalid task id"}, http.StatusBadRequest)
		return
	}
	task, err := api.queue.GetBulkTask(id)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	if !user.CanMutate(task.UserID) {
		writeTaxonomyError(w, errors.Extend(errors.New("bulk task belongs to another user"), modules.ErrUnauthorized))
		return
	}
	WriteJSON(w, task)
}
