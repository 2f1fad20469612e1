// Package api exposes the scaler's §6 stats snapshot and ban
// administration over HTTP, plus a Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gabaker/thorium/packages/agent"
	"github.com/gabaker/thorium/packages/bans"
	"github.com/gabaker/thorium/packages/eventhandler"
	"github.com/gabaker/thorium/packages/models"
	"github.com/gabaker/thorium/packages/scheduler"
)

// StatsSource is the read side of the scaler: the current §6 snapshot.
type StatsSource interface {
	Stats() scheduler.Stats
}

// ReportSink accepts an in-pod agent's terminal-status report.
type ReportSink interface {
	HandleReport(ctx context.Context, report scheduler.AgentReport) error
}

// EventSubmitter accepts an externally observed sample/tag/repo mutation,
// queued for the Handler's own processing loop (§2 row 8).
type EventSubmitter interface {
	Submit(e eventhandler.Event)
}

// SearchSource is the optional tag/result search index (§6); unset when
// the scaler is started without a search DSN.
type SearchSource interface {
	SearchByTag(ctx context.Context, key, value string) ([]string, error)
}

// Handler serves the scaler's HTTP surface.
type Handler struct {
	stats   StatsSource
	bans    *bans.Registry
	reports ReportSink
	events  EventSubmitter
	search  SearchSource
	logger  *slog.Logger
}

// NewHandler constructs a Handler against a running scheduler's stats, the
// shared ban registry, the scheduler's agent-report sink, and the event
// submission queue.
func NewHandler(stats StatsSource, banRegistry *bans.Registry, reports ReportSink, events EventSubmitter, logger *slog.Logger) *Handler {
	return &Handler{stats: stats, bans: banRegistry, reports: reports, events: events, logger: logger}
}

// SetSearch installs the optional search index. Unset, SearchByTag responds
// 501 Not Implemented.
func (h *Handler) SetSearch(s SearchSource) { h.search = s }

// Router builds the mux.Router exposing every endpoint.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
	r.HandleFunc("/bans/{target}", h.ListBans).Methods(http.MethodGet)
	r.HandleFunc("/bans", h.CreateBan).Methods(http.MethodPost)
	r.HandleFunc("/bans/{id}/{target}", h.LiftBan).Methods(http.MethodDelete)
	r.HandleFunc("/agent/report", h.ReceiveAgentReport).Methods(http.MethodPost)
	r.HandleFunc("/events", h.SubmitEvent).Methods(http.MethodPost)
	r.HandleFunc("/search", h.SearchByTag).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// GetStats returns the §6 stats snapshot.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.stats.Stats()); err != nil {
		h.logger.Error("encode stats failed", slog.Any("error", err))
	}
}

// ListBans returns every ban currently attached to an image or pipeline.
func (h *Handler) ListBans(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.bans.ListBans(target))
}

type createBanRequest struct {
	Target      string `json:"target"`
	Kind        string `json:"kind"`
	Msg         string `json:"msg,omitempty"`
	BannedImage string `json:"banned_image,omitempty"`
}

// CreateBan places a ban on an image or pipeline id (§4.3).
func (h *Handler) CreateBan(w http.ResponseWriter, r *http.Request) {
	var req createBanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("invalid ban payload", slog.Any("error", err))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Target == "" || req.Kind == "" {
		http.Error(w, "target and kind are required", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	h.bans.Ban(id, req.Target, models.BanKind{
		Kind:        req.Kind,
		Msg:         req.Msg,
		BannedImage: req.BannedImage,
	}, time.Now())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

// LiftBan removes a ban by id from its target.
func (h *Handler) LiftBan(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.bans.Lift(vars["id"], vars["target"])
	w.WriteHeader(http.StatusNoContent)
}

// agentReportRequest decodes the part of cmd/agent's reportEnvelope wire
// shape that the scheduler acts on: claim, outcome, tags and children.
// The envelope's other fields are ignored.
type agentReportRequest struct {
	Claim    models.ClaimToken    `json:"claim"`
	Outcome  string               `json:"outcome"`
	Tags     map[string][]string  `json:"tags,omitempty"`
	Children []agent.ChildSample  `json:"children,omitempty"`
}

// ReceiveAgentReport ingests one in-pod agent's terminal-status report
// (§4.7 step 5) and forwards it to the scheduler.
func (h *Handler) ReceiveAgentReport(w http.ResponseWriter, r *http.Request) {
	var req agentReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("invalid agent report payload", slog.Any("error", err))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	report := scheduler.AgentReport{Claim: req.Claim, Outcome: req.Outcome, Tags: req.Tags, Children: req.Children}
	if err := h.reports.HandleReport(r.Context(), report); err != nil {
		h.logger.Error("handle agent report failed", slog.String("reaction", req.Claim.ReactionID), slog.Any("error", err))
		http.Error(w, "report rejected", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type submitEventRequest struct {
	ID        string              `json:"id"`
	Kind      string              `json:"kind"`
	Group     string              `json:"group"`
	SampleRef string              `json:"sample_ref"`
	Tags      map[string][]string `json:"tags,omitempty"`
}

// SubmitEvent enqueues an externally observed sample/tag/repo mutation for
// trigger matching (§2 row 8).
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req submitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("invalid event payload", slog.Any("error", err))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	h.events.Submit(eventhandler.Event{
		ID:        req.ID,
		Kind:      models.TriggerKind(req.Kind),
		Group:     req.Group,
		SampleRef: req.SampleRef,
		Tags:      req.Tags,
	})
	w.WriteHeader(http.StatusAccepted)
}

// SearchByTag looks up reactions matching a key=value tag pair (§6). 501
// if the scaler was started without a search DSN.
func (h *Handler) SearchByTag(w http.ResponseWriter, r *http.Request) {
	if h.search == nil {
		http.Error(w, "search index not configured", http.StatusNotImplemented)
		return
	}
	key := r.URL.Query().Get("key")
	value := r.URL.Query().Get("value")
	if key == "" || value == "" {
		http.Error(w, "key and value query parameters are required", http.StatusBadRequest)
		return
	}

	ids, err := h.search.SearchByTag(r.Context(), key, value)
	if err != nil {
		h.logger.Error("search by tag failed", slog.Any("error", err))
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ids)
}
