package http

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"finsights/internal/budget"
	"finsights/internal/core"
	applog "finsights/internal/log"
	"finsights/internal/middleware/ratelimit"
	"finsights/internal/middleware/security"
	"finsights/internal/middleware/trace"
	"finsights/internal/percentile"
	"finsights/internal/ports"
	"finsights/internal/quota"
)

const defaultRequestTimeout = 5 * time.Second

type (
	BudgetService interface {
		Summary(ctx context.Context, userID string, month core.Month, trendWindow int) (budget.Summary, error)
		UpdateHiddenCategories(ctx context.Context, userID string, hidden []string) (core.UserSettings, error)
	}

	RankingService interface {
		RankUser(ctx context.Context, userID string) (percentile.RankingStats, error)
		Progress(ctx context.Context, userID, period string) (percentile.Progress, error)
		Distribution(ctx context.Context, bracket core.AgeBracket) (percentile.Distribution, error)
		OptIn(ctx context.Context, userID string, bracket core.AgeBracket) (percentile.OptInResult, error)
		OptOut(ctx context.Context, userID string) error
	}

	QuotaService interface {
		Recommend(ctx context.Context, businessID string) (quota.Recommendation, error)
	}

	// Services bundles the collaborators the handlers call. Checks are
	// pinged by /readyz, keyed by the name reported in its body.
	Services struct {
		Budget  BudgetService
		Ranking RankingService
		Quota   QuotaService
		Checks  map[string]ports.Pinger
	}

	Config struct {
		Addr               string
		RequestTimeout     time.Duration
		RateLimitPerMinute int
	}
)

// Server is the JSON API in front of the aggregation services.
type Server struct {
	http.Server

	budget   BudgetService
	ranking  RankingService
	quota    QuotaService
	checks   map[string]ports.Pinger
	timeout  time.Duration
	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware
	logger   *applog.Logger
}

func NewServer(cfg Config, svc Services, logger *applog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.WithComponent(applog.ComponentHTTP)

	s := &Server{
		Server: http.Server{
			Addr:              cfg.Addr,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
			IdleTimeout:       60 * time.Second,
		},
		budget:   svc.Budget,
		ranking:  svc.Ranking,
		quota:    svc.Quota,
		checks:   svc.Checks,
		timeout:  cfg.RequestTimeout,
		detector: security.NewDetector(),
		logger:   logger,
	}
	s.tracer = trace.NewMiddleware(logger, s.detector.ExtractClientIP)
	if cfg.RateLimitPerMinute > 0 {
		s.limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RateLimitPerMinute})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /budget/summary", s.handleBudgetSummary)
	mux.HandleFunc("PUT /settings/hidden-categories", s.handleUpdateHiddenCategories)
	mux.HandleFunc("GET /ranking/percentile", s.handleRankUser)
	mux.HandleFunc("GET /ranking/progress", s.handleProgress)
	mux.HandleFunc("GET /ranking/distribution", s.handleDistribution)
	mux.HandleFunc("POST /ranking/opt-in", s.handleOptIn)
	mux.HandleFunc("POST /ranking/opt-out", s.handleOptOut)
	mux.HandleFunc("GET /quota/recommendation", s.handleQuotaRecommendation)
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	s.Handler = s.middleware(mux)
	return s
}

// middleware wraps h, outermost first: tracing span, security headers,
// request logging, suspicious request detection, rate limiting and the
// per-request deadline.
func (s *Server) middleware(h http.Handler) http.Handler {
	h = s.withDeadline(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(s.detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Code: "rate_limited"})
		})(h)
	}
	h = s.withDetection(h)
	h = s.tracer.Middleware(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
	return otelhttp.NewHandler(h, "finsights.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// withDeadline bounds every request; services turn expiry into a timeout
// error, never a partial result.
func (s *Server) withDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) withDetection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.detector.DetectSuspiciousRequest(r) {
			applog.FromContext(r.Context()).WarnContext(r.Context(), "Suspicious request detected",
				applog.FieldMethod, r.Method,
				applog.FieldPath, r.URL.Path,
				applog.FieldClientIP, s.detector.ExtractClientIP(r),
				applog.FieldUserAgent, r.Header.Get("User-Agent"))
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown drains in-flight requests, stops the rate limiter and logs the
// request counters.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Server.Shutdown(ctx)

	requests := s.tracer.GetMetrics()
	detection := s.detector.GetMetrics()
	fields := []any{
		applog.FieldOperation, applog.OpShutdown,
		"total_requests", requests.TotalRequests,
		"suspicious_requests", detection.SuspiciousRequests,
		"invalid_ip_attempts", detection.InvalidIPAttempts,
	}
	if s.limiter != nil {
		s.limiter.Stop()
		fields = append(fields, "rate_limited_requests", s.limiter.GetMetrics().LimitedRequests)
	}
	s.logger.InfoContext(ctx, "HTTP server stopped", fields...)
	return err
}
