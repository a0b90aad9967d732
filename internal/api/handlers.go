package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relayhook/webhookd/internal/apperr"
	"github.com/relayhook/webhookd/internal/domain"
	"github.com/relayhook/webhookd/internal/ids"
	"github.com/relayhook/webhookd/internal/ingestion"
)

// Pinger reports whether a dependency is reachable, used by the health
// check handler.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers wires the ingestion service and liveness dependencies to the
// HTTP routes spec §6 names.
type Handlers struct {
	Service *ingestion.Service
	DB      Pinger
	Queue   Pinger
}

// applicationView is the JSON shape of a created Application (spec §6).
type applicationView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newApplicationView(app domain.Application) applicationView {
	return applicationView{ID: app.ID.String(), Name: app.Name}
}

// endpointView is the JSON shape of a created Endpoint (spec §6).
type endpointView struct {
	ID     string   `json:"id"`
	AppID  string   `json:"app_id"`
	URL    string   `json:"url"`
	Topics []string `json:"topics"`
}

func newEndpointView(ep domain.Endpoint) endpointView {
	return endpointView{ID: ep.ID.String(), AppID: ep.AppID.String(), URL: ep.URL.String(), Topics: ep.Topics}
}

func (h *Handlers) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Error: "unavailable", Messages: []string{"database: " + err.Error()}})
		return
	}
	if err := h.Queue.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Error: "unavailable", Messages: []string{"queue: " + err.Error()}})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createApplicationRequest struct {
	Name string `json:"name"`
}

func (h *Handlers) createApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Invalidf("%v", err))
		return
	}
	app, err := h.Service.CreateApplication(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newApplicationView(app))
}

type createEndpointRequest struct {
	URL    string   `json:"url"`
	Topics []string `json:"topics"`
}

func (h *Handlers) createEndpoint(w http.ResponseWriter, r *http.Request) {
	appID, err := ids.ParseApplicationID(chi.URLParam(r, "app_id"))
	if err != nil {
		writeError(w, apperr.Invalidf("invalid app_id: %v", err))
		return
	}
	var req createEndpointRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Invalidf("%v", err))
		return
	}
	ep, err := h.Service.CreateEndpoint(r.Context(), appID, req.URL, req.Topics)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEndpointView(ep))
}

func (h *Handlers) disableEndpoint(w http.ResponseWriter, r *http.Request) {
	h.transitionEndpoint(w, r, h.Service.DisableEndpoint)
}

func (h *Handlers) enableEndpoint(w http.ResponseWriter, r *http.Request) {
	h.transitionEndpoint(w, r, h.Service.EnableEndpoint)
}

func (h *Handlers) transitionEndpoint(w http.ResponseWriter, r *http.Request, transition func(context.Context, ids.ApplicationID, ids.EndpointID) error) {
	appID, err := ids.ParseApplicationID(chi.URLParam(r, "app_id"))
	if err != nil {
		writeError(w, apperr.Invalidf("invalid app_id: %v", err))
		return
	}
	epID, err := ids.ParseEndpointID(chi.URLParam(r, "ep_id"))
	if err != nil {
		writeError(w, apperr.Invalidf("invalid ep_id: %v", err))
		return
	}
	if err := transition(r.Context(), appID, epID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ingestEventRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type ingestEventResponse struct {
	ID string `json:"id"`
}

func (h *Handlers) ingestEvent(w http.ResponseWriter, r *http.Request) {
	appID, err := ids.ParseApplicationID(chi.URLParam(r, "app_id"))
	if err != nil {
		writeError(w, apperr.Invalidf("invalid app_id: %v", err))
		return
	}
	var req ingestEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Invalidf("%v", err))
		return
	}
	eventID, err := h.Service.IngestEvent(r.Context(), appID, req.Topic, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestEventResponse{ID: eventID.String()})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
