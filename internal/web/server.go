package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/config"
	apperrors "github.com/Shugur-Network/relayfetch/internal/errors"
	"github.com/Shugur-Network/relayfetch/internal/health"
	"github.com/Shugur-Network/relayfetch/internal/limiter"
	"github.com/Shugur-Network/relayfetch/internal/logger"
	"github.com/Shugur-Network/relayfetch/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the HTTP front-end of serve mode.
type Server struct {
	cfg           config.ServerConfig
	metricsCfg    config.MetricsConfig
	api           *Handler
	healthChecker *health.HealthChecker
	limiter       *limiter.RateLimiter
	errs          *apperrors.ErrorMiddleware
	logger        *zap.Logger
}

// NewServer assembles the routes.
func NewServer(cfg config.ServerConfig, metricsCfg config.MetricsConfig, api *Handler, hc *health.HealthChecker) *Server {
	return &Server{
		cfg:           cfg,
		metricsCfg:    metricsCfg,
		api:           api,
		healthChecker: hc,
		errs:          apperrors.NewErrorMiddleware(),
		logger:        logger.New("http"),
	}
}

// WithRateLimiter throttles the fetch routes per client. Health and
// metrics stay unlimited.
func (s *Server) WithRateLimiter(rl *limiter.RateLimiter) *Server {
	s.limiter = rl
	return s
}

// Handler returns the root handler with validation, security headers and
// panic recovery applied.
func (s *Server) Handler() http.Handler {
	fetch := s.limited(s.errs.WrapHandler(s.api.HandleFetch))
	latest := s.limited(s.errs.WrapHandler(s.api.HandleLatest))
	perKey := s.limited(s.errs.WrapHandler(s.api.HandlePerKey))
	var metricsHandler http.Handler
	metricsPath := ""
	if s.metricsCfg.Enabled {
		metricsPath = s.metricsCfg.Path
		metricsHandler = promhttp.Handler()
	}

	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		metrics.HTTPRequests.WithLabelValues(route).Inc()
		start := time.Now()
		defer func() {
			metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}()

		switch route {
		case "/fetch":
			fetch.ServeHTTP(w, r)
		case "/latest":
			latest.ServeHTTP(w, r)
		case "/per-key":
			perKey.ServeHTTP(w, r)
		case "/health":
			s.healthChecker.HandleHealth(w, r)
		case metricsPath:
			metricsHandler.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	var h http.Handler = root
	h = SecurityMiddleware(APISecurityHeaders())(h)
	h = ValidationMiddleware(APIInputValidation(metricsPath))(h)
	return s.errs.RecoveryMiddleware(h)
}

func (s *Server) limited(h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}
	return RateLimitMiddleware(s.limiter, s.errs)(h)
}

// ListenAndServe serves until ctx is canceled, then drains in-flight
// requests for up to the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     logger.StdLog(s.logger),
	}

	// Graceful shutdown when context is canceled
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP shutdown did not finish cleanly", zap.Error(err))
		}
	}()

	if s.limiter != nil {
		go s.sweepClients(ctx)
	}

	s.logger.Info("HTTP API listening", zap.String("address", ln.Addr().String()))
	err := httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}

// sweepClients drops idle limiter state until ctx ends.
func (s *Server) sweepClients(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Cleanup(10 * time.Minute); n > 0 {
				s.logger.Debug("Dropped idle rate limit clients", zap.Int("count", n))
			}
		}
	}
}
