package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/jward/calltrace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

const indexDebounce = 500 * time.Millisecond

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve traces over HTTP",
	Long: "Serve answers GET /trace?symbol=...&max_depth=...&timeout=...&format=... with a trace report " +
		"(json by default), and exposes /healthz and Prometheus /metrics. Caller lookups are cached " +
		"until the index file changes.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	addTraceFlags(serveCmd.Flags())
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (default: serve.addr from the config, else :7420)")
}

func runServe(cmd *cobra.Command, args []string) error {
	repoRoot, err := workingRepoRoot()
	if err != nil {
		return err
	}
	s, err := resolveTraceSettings(cmd.Flags(), cfg, repoRoot, resolveDBPath(repoRoot))
	if err != nil {
		return err
	}
	classifier, err := newClassifier(s, logger)
	if err != nil {
		return err
	}

	srv := newServer(s, classifier, cfg.Serve, logger)
	defer srv.Close()

	addr := cfg.Serve.Addr
	if flagAddr != "" {
		addr = flagAddr
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx := cmd.Context()
	go func() {
		if err := watchIndex(ctx, s.DBPath, indexDebounce, srv.indexChanged, logger); err != nil {
			logger.Warn("serve.watch_disabled", "db", s.DBPath, "err", err)
		}
	}()

	errc := make(chan error, 1)
	go func() {
		logger.Info("serve.start", "addr", addr, "db", s.DBPath, "source_root", s.SourceRoot)
		fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %s\n", addr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("serve.shutdown")
	return httpSrv.Shutdown(shutdownCtx)
}

// server answers trace requests over one shared, cached index oracle.
// Each request builds its own Tracer since depth and timeout are per
// request; the classifier, cache and metrics are shared.
type server struct {
	settings   traceSettings
	classifier *calltrace.Classifier
	index      *calltrace.IndexOracle
	cache      *calltrace.CachedOracle
	metrics    *calltrace.Metrics
	registry   *prometheus.Registry
	limiter    *rate.Limiter
	logger     *slog.Logger
	mux        *http.ServeMux

	mu       sync.RWMutex
	fallback calltrace.CallerOracle
}

func newServer(s traceSettings, c *calltrace.Classifier, sc ServeConfig, logger *slog.Logger) *server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	index := calltrace.NewIndexOracle(s.DBPath, logger)
	srv := &server{
		settings:   s,
		classifier: c,
		index:      index,
		cache:      calltrace.NewCachedOracle(index, calltrace.WithSharedQueryTimeout(s.QueryTimeout)),
		metrics:    calltrace.NewMetrics(reg),
		registry:   reg,
		limiter:    rate.NewLimiter(rate.Limit(sc.RateLimit), sc.Burst),
		logger:     logger,
		mux:        http.NewServeMux(),
		fallback:   textFallback(s, logger),
	}
	srv.routes()
	return srv
}

func (s *server) routes() {
	s.mux.HandleFunc("GET /trace", s.withRateLimit(s.handleTrace))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
}

// Handler returns the mux wrapped in the request-id and logging middleware.
func (s *server) Handler() http.Handler {
	return s.withRequestID(s.mux)
}

func (s *server) Close() error {
	return s.index.Close()
}

// indexChanged drops everything derived from the old index and source
// tree. The next query reopens the database.
func (s *server) indexChanged() {
	s.cache.Purge()
	if err := s.index.Reopen(); err != nil {
		s.logger.Warn("serve.reopen_failed", "db", s.settings.DBPath, "err", err)
	}
	s.mu.Lock()
	s.fallback = textFallback(s.settings, s.logger)
	s.mu.Unlock()
	s.logger.Info("serve.index_changed", "db", s.settings.DBPath)
}

func (s *server) currentFallback() calltrace.CallerOracle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

type ctxKey struct{}

// requestLogger returns the logger tagged with the request id.
func requestLogger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return fallback
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		l := s.logger.With("request_id", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, l)))
		l.Info("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// withRateLimit rejects requests with 429 once the per-server token
// bucket is empty.
func (s *server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			requestLogger(r.Context(), s.logger).Warn("http.rate_limited",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr)
			return
		}
		next(w, r)
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error       string   `json:"error"`
	Suggestions []string `json:"suggestions,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:       err.Error(),
		Suggestions: suggestions(err),
		RequestID:   w.Header().Get("X-Request-ID"),
	})
}

// traceStatus maps a Trace error to an HTTP status.
func traceStatus(err error) int {
	var amb *calltrace.AmbiguousSymbolError
	switch {
	case errors.Is(err, calltrace.ErrSymbolNotFound):
		return http.StatusNotFound
	case errors.As(err, &amb):
		return http.StatusConflict
	case errors.Is(err, calltrace.ErrOracleUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, calltrace.ErrOracleTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func contentType(f calltrace.Format) string {
	switch f {
	case calltrace.FormatYAML:
		return "application/yaml"
	case calltrace.FormatText:
		return "text/plain; charset=utf-8"
	}
	return "application/json"
}

func (s *server) handleTrace(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	settings := s.settings

	target := strings.TrimSpace(q.Get("symbol"))
	if target == "" {
		writeJSONError(w, http.StatusBadRequest, errors.New("missing symbol parameter"))
		return
	}
	if _, err := calltrace.ParseSymbol(target); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if v := q.Get("max_depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("max_depth must be a positive integer, got %q", v))
			return
		}
		settings.MaxDepth = n
	}
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("timeout must be a duration such as 10s, got %q", v))
			return
		}
		settings.Timeout = d
	}
	format := calltrace.FormatJSON
	if v := q.Get("format"); v != "" {
		f, err := calltrace.ParseFormat(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		format = f
	}

	l := requestLogger(r.Context(), s.logger)
	opts := tracerOptions(settings, s.classifier, s.currentFallback(), l)
	opts = append(opts, calltrace.WithMetrics(s.metrics))
	tracer, err := calltrace.New(s.cache, opts...)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	rep, err := tracer.Trace(r.Context(), target)
	if err != nil {
		writeJSONError(w, traceStatus(err), err)
		return
	}

	var buf bytes.Buffer
	if err := calltrace.Render(&buf, rep, format, calltrace.RenderOptions{Tips: format == calltrace.FormatText}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", contentType(format))
	if rep.Partial {
		w.Header().Set("X-Calltrace-Partial", "true")
	}
	_, _ = w.Write(buf.Bytes())
}

type healthResponse struct {
	Status        string `json:"status"`
	Index         string `json:"index"`
	Snapshot      string `json:"snapshot,omitempty"`
	CachedSymbols int    `json:"cached_symbols"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Index: "ready", CachedSymbols: s.cache.Len()}
	snap, err := s.index.Snapshot(r.Context())
	switch {
	case errors.Is(err, calltrace.ErrOracleUnavailable):
		resp.Index = "unavailable"
		if s.currentFallback() != nil {
			resp.Index = "unavailable (text fallback)"
		}
	case err != nil:
		resp.Status = "degraded"
		resp.Index = err.Error()
	default:
		resp.Snapshot = snap
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ---------------------------------------------------------------------------
// Index watcher
// ---------------------------------------------------------------------------

// watchIndex calls onChange, debounced, whenever the database at dbPath is
// written, replaced or removed. WAL side files are ignored: readers create
// and remove them. It returns when ctx is done.
func watchIndex(ctx context.Context, dbPath string, debounce time.Duration, onChange func(), logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: imports replace the file by rename.
	dir := filepath.Dir(dbPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(dbPath)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base || ev.Op == fsnotify.Chmod {
				continue
			}
			logger.Debug("serve.index_event", "file", ev.Name, "op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("serve.watch_error", "err", err)
		case <-fire:
			fire = nil
			onChange()
		}
	}
}
