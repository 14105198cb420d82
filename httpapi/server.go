package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/showcase/core"
	"pkt.systems/showcase/internal/eventbus"
	"pkt.systems/showcase/internal/logx"
	"pkt.systems/showcase/internal/version"
	"pkt.systems/showcase/schema"
)

const maxBodyBytes = 1 << 20

// Server serves the dashboard JSON API and build event streams.
type Server struct {
	cfg        Config
	service    core.Service
	hub        *Hub
	bus        *eventbus.Bus
	userHeader string
	mount      mountPoint
}

// NewServer constructs an HTTP server. bus may be nil, which disables /api/events.
func NewServer(cfg Config, service core.Service, hub *Hub, bus *eventbus.Bus) *Server {
	header := strings.TrimSpace(cfg.UserHeader)
	if header == "" {
		header = DefaultUserHeader
	}
	if hub == nil {
		hub = NewHub(cfg.EventHistory)
	}
	return &Server{
		cfg:        cfg,
		service:    service,
		hub:        hub,
		bus:        bus,
		userHeader: header,
		mount:      newMountPoint(cfg.BaseURL, cfg.BasePath),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/me", s.requireUser(s.handleMe))
	mux.HandleFunc("GET /api/dashboards", s.requireUser(s.handleListDashboards))
	mux.HandleFunc("POST /api/dashboards", s.requireUser(s.handleCreateDashboard))
	mux.HandleFunc("GET /api/dashboards/{owner}/{slug}", s.requireUser(s.handleGetDashboard))
	mux.HandleFunc("PUT /api/dashboards/{owner}/{slug}", s.requireUser(s.handleEditDashboard))
	mux.HandleFunc("GET /api/dashboards/{owner}/{slug}/status", s.requireUser(s.handleStatus))
	mux.HandleFunc("GET /api/dashboards/{owner}/{slug}/events", s.requireUser(s.handleDashboardStream))
	mux.HandleFunc("GET /api/sources", s.requireUser(s.handleSources))
	mux.HandleFunc("GET /api/events", s.requireUser(s.handleOwnerStream))

	return s.mount.mount(withRequestLogging(mux, s.lookupUser))
}

// DashboardView is the JSON shape of a dashboard.
type DashboardView struct {
	schema.Dashboard
	Links DashboardLinks `json:"links"`
}

// DashboardLinks points at the per-dashboard API routes.
type DashboardLinks struct {
	Self   string `json:"self"`
	Status string `json:"status"`
	Events string `json:"events"`
}

// StatusView is the JSON shape of an inquiry result.
type StatusView struct {
	State        schema.BuildState  `json:"state"`
	Status       string             `json:"status"`
	BuildPending bool               `json:"build_pending"`
	FinalBackend schema.ProcessName `json:"final_backend,omitempty"`
}

type editPayload struct {
	Name             string   `json:"name"`
	Source           string   `json:"source"`
	PresentationType string   `json:"presentation_type"`
	StartPath        string   `json:"start_path"`
	Visitors         []string `json:"visitors"`
	AllowAll         bool     `json:"allow_all"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "build": version.Read()})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, userID schema.UserID) {
	writeJSON(w, http.StatusOK, map[string]any{"username": userID})
}

func (s *Server) handleListDashboards(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	log := logx.WithUser(r.Context(), userID)
	resp, err := s.service.ListDashboards(r.Context(), schema.ListDashboardsRequest{UserID: userID})
	if err != nil {
		log.Warn("http dashboards list failed", "err", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"own":     s.views(resp.Own),
		"visitor": s.views(resp.Visitor),
	})
	log.Debug("http dashboards list ok", "own", len(resp.Own), "visitor", len(resp.Visitor))
}

func (s *Server) handleCreateDashboard(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http dashboard create decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.CreateDashboard(r.Context(), schema.CreateDashboardRequest{Owner: userID, Name: payload.Name})
	if err != nil {
		log.Warn("http dashboard create failed", "err", err)
		writeServiceError(w, err)
		return
	}
	view := s.view(resp.Dashboard)
	w.Header().Set("Location", view.Links.Self)
	writeJSON(w, http.StatusCreated, view)
	log.Info("http dashboard create ok", "slug", resp.Dashboard.Slug)
}

func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	dashboard, ok := s.loadVisible(w, r, userID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(dashboard))
}

func (s *Server) handleEditDashboard(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	owner, slug := pathDashboard(r)
	log := logx.WithUser(r.Context(), userID).With("slug", slug)
	if owner != userID {
		log.Warn("http dashboard edit rejected", "reason", "not owner", "owner", owner)
		writeError(w, http.StatusForbidden, errors.New("only the owner may edit a dashboard"))
		return
	}
	var payload editPayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http dashboard edit decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	visitors := make([]schema.UserID, 0, len(payload.Visitors))
	for _, visitor := range payload.Visitors {
		visitors = append(visitors, schema.UserID(strings.TrimSpace(visitor)))
	}
	resp, err := s.service.EditDashboard(r.Context(), schema.EditDashboardRequest{
		Owner:            owner,
		Slug:             slug,
		Name:             payload.Name,
		Source:           schema.ProcessName(payload.Source),
		PresentationType: schema.PresentationType(payload.PresentationType),
		StartPath:        payload.StartPath,
		Visitors:         visitors,
		AllowAll:         payload.AllowAll,
	})
	if err != nil {
		log.Warn("http dashboard edit failed", "err", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(resp.Dashboard))
	log.Info("http dashboard edit ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	dashboard, ok := s.loadVisible(w, r, userID)
	if !ok {
		return
	}
	status, err := s.inquire(r.Context(), dashboard)
	if err != nil {
		logx.WithDashboard(r.Context(), dashboard).Warn("http status failed", "err", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	resp, err := s.service.ListSources(r.Context(), schema.ListSourcesRequest{Owner: userID})
	if err != nil {
		logx.WithUser(r.Context(), userID).Warn("http sources failed", "err", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": resp.Sources})
}

// handleDashboardStream streams one dashboard's build events. The first event
// is a status snapshot that also kicks off a build when one is due.
func (s *Server) handleDashboardStream(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	dashboard, ok := s.loadVisible(w, r, userID)
	if !ok {
		return
	}
	log := logx.WithDashboard(r.Context(), dashboard).With("viewer", userID)

	ch, unsubscribe := s.hub.Subscribe(dashboard.ID)
	defer unsubscribe()

	status, err := s.inquire(r.Context(), dashboard)
	if err != nil {
		log.Warn("http stream status failed", "err", err)
		writeServiceError(w, err)
		return
	}
	setStreamHeaders(w)
	_ = writeSSEvent(w, StreamEvent{Type: "status", Status: &status, Timestamp: time.Now()})

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	replay := s.hub.Replay(dashboard.ID, lastID)
	for _, event := range replay {
		_ = writeSSEvent(w, event)
	}
	flusher.Flush()
	log.Info("http stream opened", "last_id", lastID, "replay", len(replay), "state", status.State)

	for {
		select {
		case <-r.Context().Done():
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Seq <= lastID {
				continue
			}
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

// handleOwnerStream streams build events for every dashboard the user owns.
func (s *Server) handleOwnerStream(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, errors.New("owner event stream disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ch, unsubscribe := s.bus.Subscribe(userID)
	defer unsubscribe()

	setStreamHeaders(w)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()
	log.Info("http owner stream opened")
	for {
		select {
		case <-r.Context().Done():
			log.Info("http owner stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			build := event.Build
			_ = writeSSEvent(w, StreamEvent{Type: string(event.Type), Build: &build, Timestamp: build.Timestamp})
			flusher.Flush()
		}
	}
}

func (s *Server) inquire(ctx context.Context, dashboard schema.Dashboard) (StatusView, error) {
	resp, err := s.service.Inquire(ctx, schema.InquireRequest{Owner: dashboard.Owner, Slug: dashboard.Slug})
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		State:        resp.State,
		Status:       resp.Status,
		BuildPending: resp.BuildPending,
		FinalBackend: resp.Dashboard.FinalBackend,
	}, nil
}

// loadVisible resolves the path dashboard and enforces viewer visibility.
// Hidden dashboards report 404 so their existence does not leak.
func (s *Server) loadVisible(w http.ResponseWriter, r *http.Request, userID schema.UserID) (schema.Dashboard, bool) {
	owner, slug := pathDashboard(r)
	resp, err := s.service.GetDashboard(r.Context(), schema.GetDashboardRequest{Owner: owner, Slug: slug})
	if err != nil {
		writeServiceError(w, err)
		return schema.Dashboard{}, false
	}
	if !resp.Dashboard.VisibleTo(userID) {
		logx.WithUser(r.Context(), userID).Warn("http dashboard hidden", "owner", owner, "slug", slug)
		writeError(w, http.StatusNotFound, schema.ErrDashboardNotFound)
		return schema.Dashboard{}, false
	}
	return resp.Dashboard, true
}

func (s *Server) views(dashboards []schema.Dashboard) []DashboardView {
	out := make([]DashboardView, 0, len(dashboards))
	for _, dashboard := range dashboards {
		out = append(out, s.view(dashboard))
	}
	return out
}

func (s *Server) view(dashboard schema.Dashboard) DashboardView {
	self := s.mount.link("api/dashboards", url.PathEscape(string(dashboard.Owner)), url.PathEscape(string(dashboard.Slug)))
	return DashboardView{
		Dashboard: dashboard,
		Links: DashboardLinks{
			Self:   self,
			Status: self + "/status",
			Events: self + "/events",
		},
	}
}

func (s *Server) requireUser(next func(http.ResponseWriter, *http.Request, schema.UserID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := schema.UserID(strings.TrimSpace(r.Header.Get(s.userHeader)))
		if userID == "" {
			logx.Ctx(r.Context()).With("remote", clientIP(r)).Warn("http identity missing", "header", s.userHeader)
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing %s header", s.userHeader))
			return
		}
		if err := schema.ValidateUserID(userID); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		log := logx.Ctx(r.Context()).With("user", userID, "remote", clientIP(r))
		ctx := logx.ContextWithUserLogger(r.Context(), log, userID)
		next(w, r.WithContext(ctx), userID)
	}
}

func (s *Server) lookupUser(r *http.Request) schema.UserID {
	if s == nil || r == nil {
		return ""
	}
	return schema.UserID(strings.TrimSpace(r.Header.Get(s.userHeader)))
}

func pathDashboard(r *http.Request) (schema.UserID, schema.Slug) {
	return schema.UserID(r.PathValue("owner")), schema.Slug(r.PathValue("slug"))
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var buildErr *core.BuildError
	switch {
	case errors.Is(err, schema.ErrDashboardNotFound), errors.Is(err, schema.ErrOwnerMismatch):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrSlugTaken):
		return http.StatusConflict
	case errors.Is(err, schema.ErrInvalidRequest), errors.Is(err, schema.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrSpawnerUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &buildErr):
		return buildErr.HTTPStatus()
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	payload := map[string]any{"error": err.Error()}
	if fields := fieldErrors(err); len(fields) > 0 {
		payload["fields"] = fields
	}
	writeJSON(w, status, payload)
}

// fieldErrors collects per-field messages from joined validation errors.
func fieldErrors(err error) map[string]string {
	out := map[string]string{}
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		var fieldErr *schema.FieldError
		if errors.As(err, &fieldErr) && fieldErr.Field != "" {
			if _, seen := out[fieldErr.Field]; !seen {
				out[fieldErr.Field] = fieldErr.Message
			}
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
		}
	}
	walk(err)
	return out
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
