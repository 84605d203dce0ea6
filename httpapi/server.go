// Package httpapi serves the engine over HTTP: a small JSON API, a
// server-sent event stream per project, peer websocket links and WebRTC
// signaling.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/jariahh/ateliercode-sub000/core"
	"github.com/jariahh/ateliercode-sub000/internal/eventbus"
	"github.com/jariahh/ateliercode-sub000/internal/logx"
	"github.com/jariahh/ateliercode-sub000/internal/metrics"
	"github.com/jariahh/ateliercode-sub000/internal/peerlink"
	"github.com/jariahh/ateliercode-sub000/internal/version"
	"github.com/jariahh/ateliercode-sub000/internal/wire"
	"github.com/jariahh/ateliercode-sub000/schema"
)

const (
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 4 << 20
)

// PeerServer answers frames arriving on a peer link.
type PeerServer interface {
	Serve(ctx context.Context, link wire.Link) error
}

// Config defines HTTP listener settings.
type Config struct {
	BasePath string
	// PeerPath mounts the peer websocket; empty disables it.
	PeerPath string
	// MetricsPath mounts the prometheus handler; empty disables it.
	MetricsPath string
	Codec       wire.Codec
}

// Deps are the collaborators a Server exposes.
type Deps struct {
	Service core.Service
	Events  *eventbus.Bus
	Peers   PeerServer
	// Signaler relays WebRTC offers and answers; nil disables signaling.
	Signaler peerlink.Signaler
	Metrics  *metrics.Metrics
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	deps     Deps
	basePath string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Service == nil {
		return nil, errors.New("httpapi: missing service")
	}
	if cfg.Codec == nil {
		cfg.Codec = wire.JSON()
	}
	return &Server{cfg: cfg, deps: deps, basePath: normalizeBasePath(cfg.BasePath)}, nil
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "/healthz", http.HandlerFunc(s.handleHealth))
	s.route(mux, "/api/tabs", http.HandlerFunc(s.handleTabs))
	s.route(mux, "/api/messages", http.HandlerFunc(s.handleMessages))
	s.route(mux, "/api/events", http.HandlerFunc(s.handleEvents))
	if s.cfg.PeerPath != "" && s.deps.Peers != nil {
		s.route(mux, s.cfg.PeerPath, peerlink.WebSocketHandler(s.cfg.Codec, s.servePeer))
	}
	if s.deps.Signaler != nil {
		s.route(mux, peerlink.SignalingPath+"/", http.StripPrefix(peerlink.SignalingPath, peerlink.SignalingHandler(s.deps.Signaler)))
	}
	if s.cfg.MetricsPath != "" && s.deps.Metrics != nil {
		s.route(mux, s.cfg.MetricsPath, s.deps.Metrics.Handler())
	}

	handler := withRequestLogging(mux)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) route(mux *http.ServeMux, pattern string, next http.Handler) {
	m := s.deps.Metrics
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{writer: w}
		next.ServeHTTP(rec, r)
		m.HTTPRequest(pattern, rec.statusCode())
	}))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Describe()})
}

func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		projectID := schema.ProjectID(strings.TrimSpace(r.URL.Query().Get("project")))
		log := logx.WithProject(ctx, projectID)
		resp, err := s.deps.Service.ListTabs(logx.ContextWithProject(ctx, projectID), schema.ListTabsRequest{ProjectID: projectID})
		if err != nil {
			log.Warn("http tabs list failed", "err", err)
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Debug("http tabs list ok", "count", len(resp.Tabs))
	case http.MethodPost:
		var req schema.CreateTabRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			pslog.Ctx(ctx).Warn("http tabs decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		log := logx.WithProject(ctx, req.ProjectID)
		resp, err := s.deps.Service.CreateTab(logx.ContextWithProject(ctx, req.ProjectID), req)
		if err != nil {
			log.Warn("http tabs create failed", "err", err)
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Info("http tabs create ok", "tab", resp.Tab.ID, "agent", resp.Tab.AgentType)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		tabID := schema.TabID(strings.TrimSpace(r.URL.Query().Get("tab")))
		resp, err := s.deps.Service.GetMessages(logx.ContextWithTab(ctx, tabID), schema.GetMessagesRequest{TabID: tabID})
		if err != nil {
			pslog.Ctx(ctx).Warn("http messages get failed", "tab", tabID, "err", err)
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req schema.SendMessageRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			pslog.Ctx(ctx).Warn("http messages decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		log := pslog.Ctx(ctx).With("tab", req.TabID)
		resp, err := s.deps.Service.SendMessage(logx.ContextWithTab(ctx, req.TabID), req)
		if err != nil {
			log.Warn("http message send failed", "err", err)
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Info("http message sent", "message", resp.Message.ID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Snapshot is the state a stream starts from.
type Snapshot struct {
	ProjectID schema.ProjectID                            `json:"project_id"`
	Seq       uint64                                      `json:"seq"`
	Tabs      []schema.Tab                                `json:"tabs"`
	ActiveTab schema.TabID                                `json:"active_tab,omitempty"`
	Buffers   map[schema.TabID]schema.GetMessagesResponse `json:"buffers"`
}

type snapshotEvent struct {
	Type      string    `json:"type"`
	Snapshot  *Snapshot `json:"snapshot"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	projectID := schema.ProjectID(strings.TrimSpace(r.URL.Query().Get("project")))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, schema.ErrNoProject)
		return
	}
	ctx := logx.ContextWithProject(r.Context(), projectID)
	log := logx.WithProject(r.Context(), projectID)

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseUint(r.URL.Query().Get("after"))
	}
	// Events published while the snapshot is built are replayed after it.
	after := lastID
	seq := s.deps.Events.Seq(projectID)
	if after == 0 {
		after = seq
	}
	ch, unsubscribe := s.deps.Events.Subscribe(projectID, after)
	defer unsubscribe()

	snapshot, err := s.buildSnapshot(ctx, projectID, seq)
	if err != nil {
		log.Warn("http stream snapshot failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = writeSSEvent(w, 0, snapshotEvent{Type: "snapshot", Snapshot: &snapshot, Timestamp: time.Now()})
	flusher.Flush()

	s.deps.Metrics.StreamOpened()
	defer s.deps.Metrics.StreamClosed()
	log.Info("http stream opened", "last_id", lastID, "seq", seq, "tabs", len(snapshot.Tabs))
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				log.Info("http stream ended")
				return
			}
			if err := writeSSEvent(w, event.Seq, event); err != nil {
				log.Warn("http stream write failed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) buildSnapshot(ctx context.Context, projectID schema.ProjectID, seq uint64) (Snapshot, error) {
	tabs, err := s.deps.Service.ListTabs(ctx, schema.ListTabsRequest{ProjectID: projectID})
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{
		ProjectID: projectID,
		Seq:       seq,
		Tabs:      tabs.Tabs,
		ActiveTab: tabs.ActiveTab,
		Buffers:   make(map[schema.TabID]schema.GetMessagesResponse, len(tabs.Tabs)),
	}
	for _, tab := range tabs.Tabs {
		buffer, err := s.deps.Service.GetMessages(ctx, schema.GetMessagesRequest{TabID: tab.ID})
		if err != nil {
			pslog.Ctx(ctx).Warn("http snapshot buffer failed", "tab", tab.ID, "err", err)
			continue
		}
		snapshot.Buffers[tab.ID] = buffer
	}
	return snapshot, nil
}

func (s *Server) servePeer(r *http.Request, link wire.Link) {
	log := pslog.Ctx(r.Context()).With("remote", clientIP(r), "codec", link.Codec().Name())
	log.Info("http peer link opened")
	ctx := pslog.ContextWithLogger(r.Context(), log)
	if err := s.deps.Peers.Serve(ctx, link); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("http peer link ended", "err", err)
		return
	}
	log.Info("http peer link closed")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrTabNotFound),
		errors.Is(err, schema.ErrSessionNotFound),
		errors.Is(err, schema.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrSessionRunning),
		errors.Is(err, schema.ErrPromptPending),
		errors.Is(err, schema.ErrNoPrompt),
		errors.Is(err, schema.ErrNoActiveSession),
		errors.Is(err, schema.ErrNotResumable):
		return http.StatusConflict
	case errors.Is(err, schema.ErrAgentUnavailable),
		errors.Is(err, schema.ErrWatchUnsupported):
		return http.StatusServiceUnavailable
	case errors.Is(err, schema.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	return nil
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

func writeSSEvent(w io.Writer, seq uint64, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return err
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
