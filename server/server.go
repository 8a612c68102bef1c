// Package server exposes the workflow engine over HTTP.
//
// Routes:
//
//	POST /analyze                 one feature object or an array of features; NDJSON progress
//	POST /reviews                 a human decision; NDJSON of the resumed segment
//	GET  /reviews/{featureID}     recorded human decisions of a feature
//	GET  /features/{featureID}    envelope snapshot with its UI projection
//	GET  /agents                  stage processor roster
//	GET  /jargon                  glossary used to normalize feature text
//	GET  /jargon/{term}           one glossary entry, 404 when unknown
//	GET  /healthz                 liveness
//
// Progress streams are written with stream.Writer and flushed per record.
// The run segment is bound to the request context, so a client that
// disconnects mid-stream stops its run.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hupe1980/geocomply/agent"
	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/logging"
	"github.com/hupe1980/geocomply/stream"
)

// Service is the part of the engine the HTTP boundary drives. Both
// *engine.Engine and *geocomply.Geocomply implement it.
type Service interface {
	Submit(ctx context.Context, in core.FeatureInput) (string, <-chan core.StreamEvent, error)
	SubmitBatch(ctx context.Context, inputs []core.FeatureInput) ([]string, <-chan core.StreamEvent, error)
	Resume(ctx context.Context, h core.HumanDecision) (<-chan core.StreamEvent, error)
	Snapshot(ctx context.Context, featureID string) (*core.Envelope, error)
	Reviews(ctx context.Context, featureID string) ([]core.ReviewRecord, error)
	Roster() []agent.Status
	JargonTerms() []agent.Term
	JargonTerm(term string) (agent.Term, error)
}

// Options configures a Server.
type Options struct {
	// MaxBodyBytes caps request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64
	// MaxBatch caps the features of one batch request. Defaults to 100.
	MaxBatch int
	// ReadHeaderTimeout bounds reading request headers. Defaults to 10s.
	ReadHeaderTimeout time.Duration
	// ShutdownTimeout bounds draining open streams on shutdown. Defaults to 15s.
	ShutdownTimeout time.Duration
	Logger          logging.Logger
}

// Server serves the HTTP routes of one Service.
type Server struct {
	svc    Service
	opts   Options
	router chi.Router
}

// FeatureIDHeader carries the feature id of a single analysis, or the
// comma-separated ids of a batch in input order.
const FeatureIDHeader = "X-Feature-Id"

// New builds the router for svc.
func New(svc Service, optFns ...func(o *Options)) *Server {
	opts := Options{
		MaxBodyBytes:      1 << 20,
		MaxBatch:          100,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Server{svc: svc, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.limitBody)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "geocomply"})
	})
	r.Post("/analyze", s.handleAnalyze)
	r.Route("/reviews", func(r chi.Router) {
		r.Post("/", s.handleReview)
		r.Get("/{featureID}", s.handleListReviews)
	})
	r.Get("/features/{featureID}", s.handleSnapshot)
	r.Get("/agents", s.handleRoster)
	r.Route("/jargon", func(r chi.Router) {
		r.Get("/", s.handleListJargon)
		r.Get("/{term}", s.handleJargonTerm)
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully within Options.ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	s.opts.Logger.Info("http server draining")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	inputs, batch, err := decodeFeatures(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if batch && len(inputs) > s.opts.MaxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("batch of %d exceeds the limit of %d", len(inputs), s.opts.MaxBatch))
		return
	}

	var (
		ids    []string
		events <-chan core.StreamEvent
	)
	if batch {
		ids, events, err = s.svc.SubmitBatch(r.Context(), inputs)
	} else {
		var id string
		id, events, err = s.svc.Submit(r.Context(), inputs[0])
		ids = []string{id}
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.Header().Set(FeatureIDHeader, strings.Join(ids, ","))
	s.stream(w, r, events)
}

// reviewRequest accepts request-changes as well as request_changes.
type reviewRequest struct {
	FeatureID string `json:"feature_id"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Reviewer  string `json:"reviewer"`
	Decision  string `json:"decision"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	action, err := core.ParseHumanAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h := core.HumanDecision{
		FeatureID: req.FeatureID,
		Action:    action,
		Reason:    req.Reason,
		Reviewer:  req.Reviewer,
		Decision:  core.Decision(req.Decision),
	}
	if reviewer := r.Header.Get("X-Reviewer"); h.Reviewer == "" && reviewer != "" {
		h.Reviewer = reviewer
	}

	events, err := s.svc.Resume(r.Context(), h)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set(FeatureIDHeader, h.FeatureID)
	s.stream(w, r, events)
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	featureID := chi.URLParam(r, "featureID")
	if _, err := s.svc.Snapshot(r.Context(), featureID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	records, err := s.svc.Reviews(r.Context(), featureID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []core.ReviewRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"feature_id": featureID, "reviews": records})
}

// snapshotResponse pairs the stored envelope with its projection.
type snapshotResponse struct {
	Envelope   *core.Envelope  `json:"envelope"`
	Projection core.Projection `json:"projection"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	env, err := s.svc.Snapshot(r.Context(), chi.URLParam(r, "featureID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Envelope: env, Projection: env.Projection()})
}

func (s *Server) handleRoster(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.svc.Roster()})
}

func (s *Server) handleListJargon(w http.ResponseWriter, _ *http.Request) {
	terms := s.svc.JargonTerms()
	if terms == nil {
		terms = []agent.Term{}
	}
	writeJSON(w, http.StatusOK, terms)
}

func (s *Server) handleJargonTerm(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.JargonTerm(chi.URLParam(r, "term"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// stream copies a segment to the response. Headers are committed before the
// first record, so failures after that point only end the body early.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, events <-chan core.StreamEvent) {
	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	n, err := stream.Copy(r.Context(), stream.NewWriter(w), events)
	if err != nil {
		s.opts.Logger.Warn("stream ended early", "records", n, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.opts.Logger.Error("request failed", "error", err)
	}
	writeError(w, status, err)
}

// StatusFor maps engine errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrRunActive), errors.Is(err, core.ErrNotAwaitingHuman):
		return http.StatusConflict
	case errors.Is(err, core.ErrContract), errors.Is(err, core.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeFeatures accepts a single feature object or a JSON array of them.
func decodeFeatures(body io.Reader) ([]core.FeatureInput, bool, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false, errors.New("request body is empty")
	}
	if raw[0] == '[' {
		var inputs []core.FeatureInput
		if err := decodeStrict(bytes.NewReader(raw), &inputs); err != nil {
			return nil, true, err
		}
		if len(inputs) == 0 {
			return nil, true, errors.New("batch is empty")
		}
		return inputs, true, nil
	}
	var in core.FeatureInput
	if err := decodeStrict(bytes.NewReader(raw), &in); err != nil {
		return nil, false, err
	}
	return []core.FeatureInput{in}, false, nil
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.opts.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
