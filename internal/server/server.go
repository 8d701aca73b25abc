package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"s3zipper/internal/config"
	"s3zipper/internal/handlers"
	"s3zipper/internal/metrics"
	"s3zipper/internal/ratelimit"
)

// DownloadPath is the archive endpoint
const DownloadPath = "/api/v1/download/zip"

// Server wraps the HTTP server
type Server struct {
	logger *zap.Logger
	cfg    *config.Config
	srv    *http.Server
}

// New creates a new server instance. limiter may be nil to disable per-IP
// rate limiting of downloads.
func New(
	logger *zap.Logger,
	cfg *config.Config,
	m *metrics.Metrics,
	downloadHandler *handlers.Handler,
	healthHandler *handlers.HealthHandler,
	limiter *ratelimit.IPLimiter,
) *Server {
	r := mux.NewRouter()

	// Metrics endpoint with optional basic auth
	metricsHandler := promhttp.Handler()
	if cfg.MetricsUsername != "" && cfg.MetricsPassword != "" {
		authMiddleware := handlers.BasicAuth(cfg.MetricsUsername, cfg.MetricsPassword)
		r.Handle("/metrics", authMiddleware(metricsHandler)).Methods(http.MethodGet)
	} else {
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	// Probes
	r.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)
	r.HandleFunc("/ready", healthHandler.Ready).Methods(http.MethodGet)

	// Download endpoint
	var download http.Handler = http.HandlerFunc(downloadHandler.Download)
	if limiter != nil {
		download = limiter.Middleware(download)
	}
	r.Handle(DownloadPath, download).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		handlers.WriteJSONError(w, req, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		handlers.WriteJSONError(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	var h http.Handler = otelhttp.NewHandler(
		r,
		"http.server",
		otelhttp.WithFilter(func(req *http.Request) bool {
			// probes and scrapes are noise
			switch req.URL.Path {
			case "/health", "/ready", "/metrics":
				return false
			}
			return true
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	// Outermost first: request id, client ip, access log
	h = handlers.AccessLog(logger)(h)
	h = handlers.ClientIP(cfg.TrustedProxyHops)(h)
	h = handlers.RequestIDMiddleware(h)

	return &Server{
		logger: logger,
		cfg:    cfg,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
	}
}

// Handler exposes the root handler for in-process tests
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	if s.cfg.EnableHTTPS {
		return s.startHTTPS()
	}
	return s.startHTTP()
}

func (s *Server) startHTTP() error {
	s.srv.Addr = s.cfg.Addr()
	s.logger.Info("starting HTTP server", zap.String("addr", s.srv.Addr))

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

func (s *Server) startHTTPS() error {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.cfg.LetsEncryptDomains...),
		Cache:      autocert.DirCache(s.cfg.LetsEncryptCacheDir),
		Email:      s.cfg.LetsEncryptEmail,
	}

	// HTTP server for ACME challenges and redirects
	go func() {
		challenge := &http.Server{
			Addr:              ":80",
			Handler:           m.HTTPHandler(nil),
			ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		}
		s.logger.Info("starting HTTP server for challenges/redirects", zap.String("addr", challenge.Addr))
		if err := challenge.ListenAndServe(); err != nil {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.srv.Addr = ":443"
	s.srv.TLSConfig = &tls.Config{GetCertificate: m.GetCertificate}
	s.logger.Info("starting HTTPS server", zap.String("addr", s.srv.Addr), zap.Strings("domains", s.cfg.LetsEncryptDomains))

	go func() {
		if err := s.srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("HTTPS server error", zap.Error(err))
		}
	}()

	return nil
}

// WaitForShutdown waits for interrupt signal and gracefully shuts down the
// server. In-flight downloads get ShutdownTimeout to finish.
func (s *Server) WaitForShutdown() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	<-stop

	s.logger.Info("shutting down server...")

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}

	s.logger.Info("server stopped")
	return nil
}
