// Package httpapi exposes the capture engine over HTTP: device and recording
// control, clip listing, download and on-demand transcription, and a
// WebSocket feed of live transcripts and engine events.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/pendant/internal/clips"
	"github.com/MrWong99/pendant/internal/health"
	"github.com/MrWong99/pendant/internal/observe"
	"github.com/MrWong99/pendant/internal/pipeline"
	"github.com/MrWong99/pendant/internal/session"
	"github.com/MrWong99/pendant/pkg/peripheral"
	"github.com/MrWong99/pendant/pkg/provider/stt"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	wsWriteTimeout    = 5 * time.Second
)

// Status is the engine state reported by GET /status.
type Status struct {
	Device     string     `json:"device"`
	DeviceName string     `json:"device_name,omitempty"`
	Connected  bool       `json:"connected"`
	Attempts   int        `json:"reconnect_attempts"`
	Recording  string     `json:"recording"`
	Since      *time.Time `json:"recording_since,omitempty"`
	Packets    uint64     `json:"packets"`
	Buffered   int        `json:"buffered_samples"`
	Live       string     `json:"live"`
	Clips      int        `json:"clips"`
}

// Backend is the engine behind the API.
type Backend interface {
	Status() Status
	Connect(ctx context.Context) error
	Disconnect() error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error

	Clips() []clips.Clip
	Clip(ref string) (clips.Clip, error)
	TranscribeClip(ctx context.Context, ref, language string) (clips.Clip, error)
}

// Config configures a [Server].
type Config struct {
	// Backend serves every request. Required.
	Backend Backend

	// Hub feeds /live. Required.
	Hub *Hub

	// Health serves /healthz and /readyz. May be nil.
	Health *health.Handler

	// MetricsHandler serves /metrics. May be nil.
	MetricsHandler http.Handler

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OriginPatterns lists additional origins allowed to open /live.
	OriginPatterns []string
}

// Server is the HTTP API.
type Server struct {
	cfg     Config
	handler http.Handler
}

// New creates a [Server] and registers its routes.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /device/connect", s.handleConnect)
	mux.HandleFunc("POST /device/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /recording/start", s.handleStart)
	mux.HandleFunc("POST /recording/stop", s.handleStop)
	mux.HandleFunc("GET /clips", s.handleListClips)
	mux.HandleFunc("GET /clips/{ref}", s.handleGetClip)
	mux.HandleFunc("GET /clips/{ref}/audio", s.handleClipAudio)
	mux.HandleFunc("POST /clips/{ref}/transcribe", s.handleTranscribe)
	mux.HandleFunc("GET /live", s.handleLive)
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("http api listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return fmt.Errorf("httpapi: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi: serve: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Backend.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Backend.Connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Backend.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	if err := s.cfg.Backend.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Backend.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Backend.StartRecording(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Backend.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Backend.StopRecording(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Backend.Status())
}

func (s *Server) handleListClips(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Backend.Clips())
}

func (s *Server) handleGetClip(w http.ResponseWriter, r *http.Request) {
	c, err := s.cfg.Backend.Clip(r.PathValue("ref"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleClipAudio(w http.ResponseWriter, r *http.Request) {
	c, err := s.cfg.Backend.Clip(r.PathValue("ref"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", c.Filename))
	http.ServeContent(w, r, c.Filename, c.CreatedAt, bytes.NewReader(c.WAV))
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	lang := r.URL.Query().Get("language")
	if !stt.ValidLanguage(lang) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("unsupported language %q", lang)})
		return
	}
	c, err := s.cfg.Backend.TranscribeClip(r.Context(), r.PathValue("ref"), lang)
	switch {
	case errors.Is(err, clips.ErrNotFound), errors.Is(err, stt.ErrNotConfigured):
		writeError(w, err)
	case err != nil:
		// The clip records the failure; return it alongside the error.
		writeJSON(w, http.StatusBadGateway, struct {
			errorBody
			Clip clips.Clip `json:"clip"`
		}{errorBody{Error: err.Error()}, c})
	default:
		writeJSON(w, http.StatusOK, c)
	}
}

// handleLive streams hub events as JSON text messages until the client goes
// away or the hub closes.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		slog.Debug("live: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.cfg.Hub.Subscribe()
	defer cancel()

	// Inbound messages are ignored; CloseRead ends ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())
	slog.Debug("live subscriber connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				slog.Debug("live subscriber write failed", "err", err)
				return
			}
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, clips.ErrNotFound), errors.Is(err, peripheral.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNotConnected),
		errors.Is(err, pipeline.ErrNotRecording),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, peripheral.ErrTransportUnavailable),
		errors.Is(err, peripheral.ErrInsecureContext),
		errors.Is(err, pipeline.ErrStopped),
		errors.Is(err, clips.ErrQueueFull),
		errors.Is(err, stt.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, peripheral.ErrServiceUnavailable),
		errors.Is(err, peripheral.ErrCharacteristicUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response failed", "err", err)
	}
}
