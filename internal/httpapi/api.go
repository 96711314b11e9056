// Package httpapi is the operator surface of a running save/restore service:
// a JSON API over the synchronized machine state, the snapshot store and a
// websocket feed of poll cycles.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"modbus-saverestore/internal/filter"
	"modbus-saverestore/internal/machinestate"
	"modbus-saverestore/internal/metrics"
	"modbus-saverestore/internal/output"
	"modbus-saverestore/internal/snapshot"
)

const (
	requestTimeout = 60 * time.Second
	maxBodyBytes   = 4 << 20
)

// Machine is the synchronized state the API operates on.
type Machine interface {
	Configuration() string
	SetTarget(ctx context.Context, configuration string) error
	Refresh()
	Records() []machinestate.Record
	Comment() string
	SetComment(comment string)
	LoadSavedValues(values map[string]float64) int
	CaptureLive() machinestate.Capture
	Restore(ctx context.Context, ids []string) machinestate.Report
	RestoreRecords(ctx context.Context, records []machinestate.Record) machinestate.Report
}

// Snapshots is the named snapshot store.
type Snapshots interface {
	Save(ctx context.Context, name string, doc snapshot.Document) (snapshot.Summary, error)
	Get(ctx context.Context, id string) (snapshot.Snapshot, error)
	List(ctx context.Context) ([]snapshot.Summary, error)
	Delete(ctx context.Context, id string) error
	Recent(ctx context.Context, id string, limit int) ([]snapshot.Sample, error)
}

// Options carries the optional collaborators of an API.
type Options struct {
	// Store may be nil; the snapshot routes then answer 503.
	Store  Snapshots
	Hub    *Hub
	Logger *slog.Logger
}

// API groups HTTP handlers and dependencies.
type API struct {
	state  Machine
	store  Snapshots
	hub    *Hub
	logger *slog.Logger
	now    func() time.Time
}

func New(state Machine, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{state: state, store: opts.Store, hub: opts.Hub, logger: logger, now: time.Now}
}

// Handler builds the routing tree.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoverJSON(a.logger))
	r.Use(requestLogger(a.logger))

	r.Get("/healthz", a.health)
	r.Handle("/metrics", metrics.Handler())
	if a.hub != nil {
		r.Handle("/ws", a.hub)
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Timeout(requestTimeout))

		api.Get("/records", a.listRecords)
		api.Post("/target", a.setTarget)
		api.Post("/refresh", a.refresh)
		api.Get("/comment", a.getComment)
		api.Put("/comment", a.putComment)
		api.Post("/restore", a.restore)
		api.Post("/saved", a.loadSaved)
		api.Get("/history", a.history)

		api.Get("/snapshots", a.listSnapshots)
		api.Post("/snapshots", a.createSnapshot)
		api.Get("/snapshots/{id}", a.getSnapshot)
		api.Post("/snapshots/{id}/load", a.loadSnapshot)
		api.Delete("/snapshots/{id}", a.deleteSnapshot)
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"configuration": a.state.Configuration(),
		"records":       len(a.state.Records()),
	})
}

func (a *API) listRecords(w http.ResponseWriter, r *http.Request) {
	f, err := filter.Compile(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	records := f.Apply(a.state.Records())

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, map[string]any{
			"configuration": a.state.Configuration(),
			"comment":       a.state.Comment(),
			"items":         records,
		})
	case "csv", "table":
		contentType := "text/csv"
		if format == "table" {
			contentType = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
		if err := output.Write(w, format, records); err != nil {
			a.logger.Warn("http: writing records", "format", format, "error", err)
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid_format", "format must be json, csv or table")
	}
}

type targetRequest struct {
	Configuration string `json:"configuration"`
}

func (a *API) setTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Configuration) == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "configuration is required")
		return
	}
	if err := a.state.SetTarget(r.Context(), req.Configuration); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "target_failed", err.Error())
		return
	}
	a.state.Refresh()
	writeJSON(w, http.StatusOK, map[string]any{
		"configuration": a.state.Configuration(),
		"records":       len(a.state.Records()),
	})
}

func (a *API) refresh(w http.ResponseWriter, _ *http.Request) {
	a.state.Refresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

type commentBody struct {
	Comment string `json:"comment"`
}

func (a *API) getComment(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, commentBody{Comment: a.state.Comment()})
}

func (a *API) putComment(w http.ResponseWriter, r *http.Request) {
	var req commentBody
	if !decodeBody(w, r, &req) {
		return
	}
	a.state.SetComment(req.Comment)
	writeJSON(w, http.StatusOK, req)
}

type restoreRequest struct {
	IDs    []string `json:"ids"`
	Filter string   `json:"filter"`
}

type failureJSON struct {
	ControlPointID string `json:"control_point_id"`
	Error          string `json:"error"`
}

type reportJSON struct {
	OK         bool          `json:"ok"`
	Attempted  int           `json:"attempted"`
	Restored   int           `json:"restored"`
	Skipped    int           `json:"skipped"`
	Failures   []failureJSON `json:"failures"`
	DurationMS int64         `json:"duration_ms"`
}

func toReportJSON(rep machinestate.Report) reportJSON {
	out := reportJSON{
		OK:         len(rep.Failures) == 0,
		Attempted:  rep.Attempted,
		Restored:   rep.Restored(),
		Skipped:    rep.Skipped,
		Failures:   make([]failureJSON, 0, len(rep.Failures)),
		DurationMS: rep.Duration.Milliseconds(),
	}
	for _, f := range rep.Failures {
		out.Failures = append(out.Failures, failureJSON{ControlPointID: f.ControlPointID, Error: f.Err.Error()})
	}
	return out
}

// restore writes saved values back, either for an explicit id list or for
// every record a filter selects.
func (a *API) restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var rep machinestate.Report
	switch {
	case len(req.IDs) > 0 && req.Filter != "":
		writeError(w, http.StatusBadRequest, "invalid_payload", "give either ids or filter, not both")
		return
	case len(req.IDs) > 0:
		rep = a.state.Restore(r.Context(), req.IDs)
	case req.Filter != "":
		f, err := filter.Compile(req.Filter)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
			return
		}
		rep = a.state.RestoreRecords(r.Context(), f.Apply(a.state.Records()))
	default:
		writeError(w, http.StatusBadRequest, "invalid_payload", "ids or filter is required")
		return
	}
	writeJSON(w, http.StatusOK, toReportJSON(rep))
}

type savedRequest struct {
	Values map[string]float64 `json:"values"`
}

// loadSaved accepts either {"values": {...}} or a machine state document
// posted as YAML.
func (a *API) loadSaved(w http.ResponseWriter, r *http.Request) {
	if isYAML(r.Header.Get("Content-Type")) {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
			return
		}
		doc, err := snapshot.Decode(b)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_document", err.Error())
			return
		}
		a.applyDocument(w, r, doc)
		return
	}

	var req savedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	matched := a.state.LoadSavedValues(req.Values)
	writeJSON(w, http.StatusOK, map[string]any{"entries": len(req.Values), "matched": matched})
}

// applyDocument re-targets to the document's configuration when it names a
// different one, then loads its comment and saved values.
func (a *API) applyDocument(w http.ResponseWriter, r *http.Request, doc snapshot.Document) {
	if doc.Configuration != "" && doc.Configuration != a.state.Configuration() {
		if err := a.state.SetTarget(r.Context(), doc.Configuration); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "target_failed", err.Error())
			return
		}
		a.state.Refresh()
	}
	values := doc.Values()
	matched := a.state.LoadSavedValues(values)
	a.state.SetComment(doc.MachineState.Comment)
	writeJSON(w, http.StatusOK, map[string]any{
		"configuration": a.state.Configuration(),
		"entries":       len(values),
		"matched":       matched,
	})
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	if !a.storeEnabled(w) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_query", "id is required")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_query", "limit must be a positive integer")
			return
		}
		limit = n
	}
	samples, err := a.store.Recent(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	if samples == nil {
		samples = []snapshot.Sample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": samples})
}

func (a *API) storeEnabled(w http.ResponseWriter) bool {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage_disabled", "Snapshot storage is not configured")
		return false
	}
	return true
}

func (a *API) listSnapshots(w http.ResponseWriter, r *http.Request) {
	if !a.storeEnabled(w) {
		return
	}
	items, err := a.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	if items == nil {
		items = []snapshot.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type snapshotRequest struct {
	Name    string  `json:"name"`
	Comment *string `json:"comment"`
}

// createSnapshot captures the live values into the store.
func (a *API) createSnapshot(w http.ResponseWriter, r *http.Request) {
	if !a.storeEnabled(w) {
		return
	}
	var req snapshotRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "name is required")
		return
	}

	capture := a.state.CaptureLive()
	if req.Comment != nil {
		capture.Comment = *req.Comment
	}
	sum, err := a.store.Save(r.Context(), req.Name, snapshot.FromCapture(capture, a.now()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "save_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (a *API) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.fetchSnapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": snap.Summary,
		"date":     snap.Document.Date,
		"values":   snap.Document.Values(),
	})
}

func (a *API) loadSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.fetchSnapshot(w, r)
	if !ok {
		return
	}
	a.applyDocument(w, r, snap.Document)
}

func (a *API) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if !a.storeEnabled(w) {
		return
	}
	if err := a.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Snapshot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) fetchSnapshot(w http.ResponseWriter, r *http.Request) (snapshot.Snapshot, bool) {
	if !a.storeEnabled(w) {
		return snapshot.Snapshot{}, false
	}
	snap, err := a.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Snapshot not found")
			return snapshot.Snapshot{}, false
		}
		writeError(w, http.StatusInternalServerError, "get_failed", err.Error())
		return snapshot.Snapshot{}, false
	}
	return snap, true
}

func isYAML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "yaml")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
