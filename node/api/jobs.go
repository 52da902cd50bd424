package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"gitlab.com/fetchlabs/fetchd/modules"
)

// defaultListLimit is the page size used when the caller does not pass one.
const defaultListLimit = 50

type (
	// QueuePOST is the request body of POST /queue.
	QueuePOST struct {
		Items   []modules.JobSubmission `json:"items"`
		Options modules.InsertOptions   `json:"options"`
	}

	// QueuePOSTResp is the response of POST /queue. Duplicates lists titles of
	// stored jobs resembling the submitted ones; the insert still happens.
	QueuePOSTResp struct {
		Inserted   []uint64 `json:"inserted"`
		Duplicates []string `json:"duplicates,omitempty"`
	}

	// JobsGET is the response of GET /jobs.
	JobsGET struct {
		Jobs            []modules.Job             `json:"jobs"`
		Total           int                       `json:"total"`
		Limit           int                       `json:"limit"`
		Offset          int                       `json:"offset"`
		HasMore         bool                      `json:"hasmore"`
		ProviderBackoff []modules.ProviderBackoff `json:"providerbackoff,omitempty"`
	}

	// JobGET wraps a single job row.
	JobGET struct {
		Job modules.Job `json:"job"`
	}

	// JobsReorderPOST is the request body of POST /jobs/reorder.
	JobsReorderPOST struct {
		Order []uint64 `json:"order"`
	}

	// JobsReorderResp reports how many ids the reorder applied.
	JobsReorderResp struct {
		Applied int `json:"applied"`
	}

	// JobPriorityPATCH is the request body of PATCH /jobs/:id/priority.
	JobPriorityPATCH struct {
		Priority int `json:"priority"`
	}

	// NotificationsReadPOST is the request body of POST /notifications/read.
	NotificationsReadPOST struct {
		IDs []uint64 `json:"ids"`
	}
)

// jobID parses the :id route parameter.
func jobID(ps httprouter.Params) (uint64, error) {
	return strconv.ParseUint(ps.ByName("id"), 10, 64)
}

// queueHandlerPOST handles API calls to POST /queue.
func (api *API) queueHandlerPOST(w http.ResponseWriter, req *http.Request, _ httprouter.Params, user modules.User) {
	var body QueuePOST
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		WriteError(w, Error{"invalid request body: " + err.Error()}, http.StatusBadRequest)
		return
	}

	// Collect duplicate warnings before inserting so the submitted batch does
	// not match itself.
	var duplicates []string
	for _, item := range body.Items {
		if item.Title == "" {
			continue
		}
		matches, err := api.queue.FindExistingByTitle(item.Title)
		if err != nil {
			api.log.Println("duplicate lookup failed:", err)
			continue
		}
		duplicates = append(duplicates, matches...)
	}

	inserted, err := api.queue.InsertJobs(body.Items, user, body.Options)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteJSON(w, QueuePOSTResp{Inserted: inserted, Duplicates: duplicates})
}

// jobsHandlerGET handles API calls to GET /jobs.
func (api *API) jobsHandlerGET(w http.ResponseWriter, req *http.Request, _ httprouter.Params, user modules.User) {
	query := req.URL.Query()
	mineOnly := query.Get("mine") == "1"
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset, _ := strconv.Atoi(query.Get("offset"))

	page, err := api.queue.ListPaged(user, mineOnly, limit, offset)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	resp := JobsGET{
		Jobs:    page.Jobs,
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.HasMore,
	}
	if api.providers != nil {
		resp.ProviderBackoff = api.providers.Coordination().BackedOff
	}
	WriteJSON(w, resp)
}

// jobsStatsHandlerGET handles API calls to GET /jobs/stats.
func (api *API) jobsStatsHandlerGET(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, _ modules.User) {
	stats, err := api.queue.Stats()
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteJSON(w, stats)
}

// jobsReorderHandlerPOST handles API calls to POST /jobs/reorder.
func (api *API) jobsReorderHandlerPOST(w http.ResponseWriter, req *http.Request, _ httprouter.Params, user modules.User) {
	var body JobsReorderPOST
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		WriteError(w, Error{"invalid request body: " + err.Error()}, http.StatusBadRequest)
		return
	}
	applied, err := api.queue.Reorder(user, body.Order)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteJSON(w, JobsReorderResp{Applied: applied})
}

// jobPriorityHandlerPATCH handles API calls to PATCH /jobs/:id/priority.
func (api *API) jobPriorityHandlerPATCH(w http.ResponseWriter, req *http.Request, ps httprouter.Params, user modules.User) {
	id, err := jobID(ps)
	if err != nil {
		WriteError(w, Error{"invalid job id"}, http.StatusBadRequest)
		return
	}
	var body JobPriorityPATCH
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		WriteError(w, Error{"invalid request body: " + err.Error()}, http.StatusBadRequest)
		return
	}
	job, err := api.queue.SetPriority(id, user, body.Priority)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteJSON(w, JobGET{Job: job})
}

// jobPauseHandlerPATCH handles API calls to PATCH /jobs/:id/pause.
func (api *API) jobPauseHandlerPATCH(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, user modules.User) {
	api.jobControl(w, ps, user, api.jobs.PauseJob)
}

// jobResumeHandlerPATCH handles API calls to PATCH /jobs/:id/resume.
func (api *API) jobResumeHandlerPATCH(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, user modules.User) {
	api.jobControl(w, ps, user, api.jobs.ResumeJob)
}

// jobCancelHandlerPATCH handles API calls to PATCH /jobs/:id/cancel.
func (api *API) jobCancelHandlerPATCH(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, user modules.User) {
	api.jobControl(w, ps, user, api.jobs.CancelJob)
}

// jobHandlerDELETE handles API calls to DELETE /jobs/:id.
func (api *API) jobHandlerDELETE(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, user modules.User) {
	api.jobControl(w, ps, user, api.jobs.DeleteJob)
}

// jobControl runs one worker control operation against the :id job.
func (api *API) jobControl(w http.ResponseWriter, ps httprouter.Params, user modules.User, op func(uint64, modules.User) (modules.Job, error)) {
	id, err := jobID(ps)
	if err != nil {
		WriteError(w, Error{"invalid job id"}, http.StatusBadRequest)
		return
	}
	job, err := op(id, user)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteJSON(w, JobGET{Job: job})
}

// notificationsHandlerGET handles API calls to GET /notifications.
func (api *API) notificationsHandlerGET(w http.ResponseWriter, req *http.Request, _ httprouter.Params, user modules.User) {
	unreadOnly := req.URL.Query().Get("unread") == "1"
	notifications, err := api.queue.NotificationsFor(user.ID, unreadOnly)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteJSON(w, notifications)
}

// notificationsReadHandlerPOST handles API calls to POST /notifications/read.
func (api *API) notificationsReadHandlerPOST(w http.ResponseWriter, req *http.Request, _ httprouter.Params, user modules.User) {
	var body NotificationsReadPOST
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		WriteError(w, Error{"invalid request body: " + err.Error()}, http.StatusBadRequest)
		return
	}
	if err := api.queue.MarkNotificationsRead(user.ID, body.IDs); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteSuccess(w)
}

// auditHandlerGET handles API calls to GET /audit.
func (api *API) auditHandlerGET(w http.ResponseWriter, req *http.Request, _ httprouter.Params, _ modules.User) {
	n, _ := strconv.Atoi(req.URL.Query().Get("n"))
	records, err := api.queue.AuditTail(n)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	WriteJSON(w, records)
}
