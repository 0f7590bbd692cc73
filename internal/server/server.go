package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mylxsw/asteria/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"

	"github.com/mylxsw/sql-sandbox/internal/config"
	"github.com/mylxsw/sql-sandbox/internal/metrics"
	internalmw "github.com/mylxsw/sql-sandbox/internal/middleware"
	"github.com/mylxsw/sql-sandbox/internal/sandbox"
	"github.com/mylxsw/sql-sandbox/internal/storage"
)

const resetMessage = "Database reset to default values successfully"

// Deps are the collaborators the HTTP surface delegates to.
type Deps struct {
	Manager      *sandbox.Manager
	Executor     *sandbox.Executor
	Introspector *sandbox.Introspector
	Metrics      *metrics.Metrics
	// Gatherer backs the metrics endpoint; nil disables it.
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg          *config.Config
	manager      *sandbox.Manager
	executor     *sandbox.Executor
	introspector *sandbox.Introspector
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	tenants      *internalmw.TenantIdentifier
	httpSrv      *http.Server
}

func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:          cfg,
		manager:      deps.Manager,
		executor:     deps.Executor,
		introspector: deps.Introspector,
		metrics:      deps.Metrics,
		gatherer:     deps.Gatherer,
	}
	s.tenants = internalmw.NewTenantIdentifier(cfg.TenantHeader, deps.Manager, s.writeError)
	return s
}

func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warningf("http server shutdown: %v", err)
		}
	}()

	log.Infof("listening on %s", s.cfg.Listen)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/query", s.handleQuery)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/schema", s.handleSchema)
	mux.HandleFunc("/health", s.handleHealth)
	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		mux.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusNotFound, "not found")
	})

	// only API routes belong to a tenant; preflight requests never provision one
	skipTenant := func(r *http.Request) bool {
		return r.Method == http.MethodOptions || !strings.HasPrefix(r.URL.Path, "/api/")
	}

	return chain(mux,
		s.loggingMiddleware,
		recoverMiddleware,
		internalmw.CORS(s.cfg.CORS.AllowedOrigins, s.cfg.TenantHeader),
		s.tenants.MiddlewareWithSkipper(skipTenant),
	)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	tenantID, ok := internalmw.TenantID(r.Context())
	if !ok {
		writeFailure(w, http.StatusInternalServerError, "tenant not resolved")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxQueryBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, http.StatusRequestEntityTooLarge, "query is too large")
			return
		}
		writeFailure(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	_ = r.Body.Close()

	result, err := s.executor.Execute(r.Context(), tenantID, extractStatement(body))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	tenantID, ok := internalmw.TenantID(r.Context())
	if !ok {
		writeFailure(w, http.StatusInternalServerError, "tenant not resolved")
		return
	}

	if err := s.manager.Reset(r.Context(), tenantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, resetMessage)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	tenantID, ok := internalmw.TenantID(r.Context())
	if !ok {
		writeFailure(w, http.StatusInternalServerError, "tenant not resolved")
		return
	}

	snapshot, err := s.introspector.Snapshot(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, snapshot)
}

// handleHealth runs a trivial statement on a throwaway tenant and removes it again.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	tenantID := "healthcheck-" + uuid.NewString()
	defer func() {
		if err := s.manager.Destroy(context.WithoutCancel(r.Context()), tenantID); err != nil {
			log.Warningf("remove health check tenant: %v", err)
		}
	}()

	if err := s.manager.EnsureExists(r.Context(), tenantID); err != nil {
		log.Errorf("health check: %v", err)
		writeFailure(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if _, err := s.executor.Execute(r.Context(), tenantID, "SELECT 1"); err != nil {
		log.Errorf("health check: %v", err)
		writeFailure(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// extractStatement accepts {"query": "..."} JSON bodies, JSON strings and raw SQL text.
func extractStatement(body []byte) string {
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		switch {
		case parsed.IsObject():
			return parsed.Get("query").String()
		case parsed.Type == gjson.String:
			return parsed.String()
		}
	}
	return string(body)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeFailure(w, status, err.Error())
}

func statusFor(err error) int {
	var queryErr *sandbox.QueryError
	switch {
	case errors.As(err, &queryErr):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrInvalidTenantID):
		return http.StatusBadRequest
	default:
		// ProvisioningError, StorageFault and anything unexpected
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
}

func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		duration := time.Since(start)

		s.metrics.ObserveRequest(routeLabel(r.URL.Path, s.cfg.Metrics.Path), rec.status, duration)
		tenant := internalmw.MaskToken(w.Header().Get(s.cfg.TenantHeader))
		if tenant == "" {
			tenant = "-"
		}
		log.Debugf("%s %s %d %s tenant=%s", r.Method, r.URL.Path, rec.status, duration, tenant)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorf("panic recovered: %v", rec)
				writeFailure(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func routeLabel(path, metricsPath string) string {
	switch path {
	case "/api/query", "/api/reset", "/api/schema", "/health":
		return path
	case metricsPath:
		return "metrics"
	default:
		return "other"
	}
}
