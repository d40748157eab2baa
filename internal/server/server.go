// Package server exposes the scheduler over a local HTTP API: the status
// view, manual operations, mode changes and a websocket stream of auto-sync
// completion events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bsync-go/internal/bsync"
)

// Scheduler is the part of *bsync.Scheduler the server drives.
type Scheduler interface {
	Status() bsync.StatusView
	Refresh(ctx context.Context) error
	SyncNow(ctx context.Context) (bsync.CycleReport, error)
	Upload(ctx context.Context, types []bsync.PieceType) (*bsync.SyncRun, error)
	Import(ctx context.Context, types []bsync.PieceType) (*bsync.SyncRun, error)
	ModeChanged()
	Events() *bsync.Events
}

var _ Scheduler = (*bsync.Scheduler)(nil)

// ModeSaver persists a mode change, typically to the config file.
type ModeSaver func(mode bsync.BackupMode) error

// Options configures a Server.
type Options struct {
	Mode     *bsync.ModeHolder
	SaveMode ModeSaver
	Logger   bsync.Logger

	// EventBuffer is the per-subscriber buffer of the event stream.
	EventBuffer int
}

// Server routes HTTP requests to the scheduler.
type Server struct {
	sched    Scheduler
	mode     *bsync.ModeHolder
	saveMode ModeSaver
	logger   bsync.Logger
	buffer   int
	router   chi.Router
}

func New(sched Scheduler, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = bsync.NewNopLogger()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}
	s := &Server{
		sched:    sched,
		mode:     opts.Mode,
		saveMode: opts.SaveMode,
		logger:   opts.Logger,
		buffer:   opts.EventBuffer,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/sync", s.handleSync)
	r.Post("/upload", s.handleUpload)
	r.Post("/import", s.handleImport)
	r.Put("/mode", s.handleMode)
	r.Get("/events", s.handleEvents)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down api: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus serves the cached view. ?refresh=1 brings the cache up to date
// first; a failed refresh still returns the view it left behind.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if refresh := r.URL.Query().Get("refresh"); refresh == "1" || refresh == "true" {
		if err := s.sched.Refresh(r.Context()); err != nil {
			if errors.Is(err, bsync.ErrNotPermitted) {
				writeError(w, err)
				return
			}
			s.logger.Warn("status refresh failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, s.sched.Status())
}

type cycleResponse struct {
	Outcome     string            `json:"outcome"`
	Reason      string            `json:"reason,omitempty"`
	Uploaded    []bsync.PieceType `json:"uploaded"`
	Imported    []bsync.PieceType `json:"imported"`
	HadTransfer bool              `json:"had_transfer"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.sched.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycleResponse{
		Outcome:     report.Outcome,
		Reason:      report.Reason,
		Uploaded:    nonNil(report.Plan.Upload),
		Imported:    nonNil(report.Plan.Import),
		HadTransfer: report.HadTransfer,
	})
}

// transferRequest selects pieces for /upload and /import. No pieces means all.
type transferRequest struct {
	Pieces []string `json:"pieces"`
}

type transferResponse struct {
	Pieces bsync.Snapshots `json:"pieces"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.sched.Upload)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.sched.Import)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, op func(context.Context, []bsync.PieceType) (*bsync.SyncRun, error)) {
	var req transferRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
			return
		}
	}
	types, err := bsync.ParsePieceTypes(req.Pieces)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	run, err := op(r.Context(), types)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := transferResponse{Pieces: bsync.Snapshots{}}
	if run != nil && run.Pieces != nil {
		resp.Pieces = run.Pieces
	}
	writeJSON(w, http.StatusOK, resp)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if s.mode == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse("mode changes are not enabled"))
		return
	}
	var req modeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}
	mode, err := bsync.ParseBackupMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if s.saveMode != nil {
		if err := s.saveMode(mode); err != nil {
			s.logger.Error("saving mode failed", "mode", string(mode), "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse("saving mode failed"))
			return
		}
	}
	s.mode.Set(mode)
	s.sched.ModeChanged()
	s.logger.Info("backup mode changed", "mode", string(mode))
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

// handleEvents streams every auto-sync completion event as a JSON text
// message until the client goes away. Client messages are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.sched.Events().Subscribe(s.buffer)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "")
				return
			}
			writeCtx, done := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			done()
			if err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
		}
	}
}

// statusFor maps scheduler and collaborator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bsync.ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, bsync.ErrBusy), errors.Is(err, bsync.ErrDisabled), errors.Is(err, bsync.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, bsync.ErrCooldownActive), errors.Is(err, bsync.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, bsync.ErrBackoffActive):
		return http.StatusServiceUnavailable
	case errors.Is(err, bsync.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, bsync.ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse(err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorResponse(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func nonNil(ts []bsync.PieceType) []bsync.PieceType {
	if ts == nil {
		return []bsync.PieceType{}
	}
	return ts
}
