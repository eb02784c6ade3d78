package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benvon/liftlog/internal/config"
	"github.com/benvon/liftlog/internal/handlers"
	"github.com/benvon/liftlog/internal/logger"
	"github.com/benvon/liftlog/internal/middleware"
	"github.com/benvon/liftlog/internal/ratelimit"
	"github.com/benvon/liftlog/internal/request"
	"github.com/benvon/liftlog/internal/services/session"
	"github.com/benvon/liftlog/internal/stores"
	"github.com/benvon/liftlog/internal/telemetry"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.uber.org/zap"
)

func main() {
	// Parse command-line flags
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Override debug mode if flag is set
	debugMode := cfg.ServerDebugMode || *debugFlag

	// Initialize logger
	zapLogger, err := logger.New(cfg.IsProduction(), debugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		// Ignore sync errors on stderr
		_ = logger.Sync(zapLogger)
	}()

	zapLogger.Info("starting_server",
		zap.Bool("debug_mode", debugMode),
		zap.String("environment", cfg.Environment),
		zap.String("server_port", cfg.ServerPort),
		zap.String("rate_limit_store", cfg.RateLimitStore),
		zap.Bool("otel_enabled", cfg.OTELEnabled),
	)

	// Initialize OpenTelemetry if enabled
	if cfg.OTELEnabled {
		if cfg.OTELEndpoint == "" {
			zapLogger.Warn("otel_enabled_but_endpoint_not_configured")
		} else {
			tp, err := telemetry.InitTracer(context.Background(), telemetry.TracerOptions{
				ServiceName: telemetry.ServiceName,
				Environment: cfg.Environment,
				Endpoint:    cfg.OTELEndpoint,
				Insecure:    !cfg.IsProduction(),
			})
			if err != nil {
				zapLogger.Warn("failed_to_initialize_otel_tracer", zap.Error(err))
			} else {
				zapLogger.Info("otel_tracer_initialized", zap.String("endpoint", cfg.OTELEndpoint))
				defer func() {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					if err := telemetry.Shutdown(shutdownCtx, tp); err != nil {
						zapLogger.Error("failed_to_shutdown_otel_tracer", zap.Error(err))
					}
				}()
			}
		}
	}

	// Open the counter store
	backend, err := stores.Open(context.Background(), cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed_to_open_rate_limit_store",
			zap.String("store", cfg.RateLimitStore),
			zap.Error(err),
		)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			zapLogger.Warn("failed_to_close_rate_limit_store", zap.Error(err))
		}
	}()
	zapLogger.Info("connected_to_rate_limit_store", zap.String("store", backend.Name))

	catalog, err := ratelimit.LoadCatalog(cfg.PolicyFile)
	if err != nil {
		zapLogger.Fatal("failed_to_load_rate_limit_policies",
			zap.String("policy_file", cfg.PolicyFile),
			zap.Error(err),
		)
	}
	for _, p := range catalog.Policies() {
		zapLogger.Debug("rate_limit_policy",
			zap.String("name", p.Name),
			zap.String("kind", string(p.Kind)),
			zap.Int("limit", p.Limit),
			zap.Int("auth_limit", p.AuthLimit),
			zap.Duration("window", p.Window),
		)
	}

	limiter := ratelimit.NewLimiter(backend.Counter,
		ratelimit.WithLogger(zapLogger),
		ratelimit.WithStoreTimeout(cfg.StoreTimeout),
		ratelimit.WithBreaker(uint32(cfg.BreakerFailures), cfg.BreakerOpenFor),
	)

	// Sessions are optional; without a JWKS every caller is anonymous.
	var verifier request.SessionVerifier
	if cfg.SessionJWKSURL != "" {
		verifier = session.NewJWTVerifier(session.NewJWKSManager(cfg.SessionJWKSURL, 0), cfg.SessionIssuer)
	} else {
		zapLogger.Warn("session_verification_disabled")
	}
	resolver := request.NewResolver(verifier, cfg.SessionCookieName, zapLogger)
	guard := middleware.NewRateLimitGuard(limiter, resolver, cfg.IsProduction(), zapLogger)

	checks := map[string]ratelimit.Pinger{}
	if backend.Pinger != nil {
		checks[backend.Name] = backend.Pinger
	}
	healthChecker := handlers.NewHealthChecker(checks)
	authHandler := handlers.NewAuthHandler(resolver, guard, catalog.MustGet(handlers.SessionCheckPolicy), zapLogger)
	admissionHandler := handlers.NewAdmissionHandler(guard, catalog)

	// Setup router
	r := mux.NewRouter()

	// Apply middleware (order matters: first added is outermost)
	if cfg.OTELEnabled {
		r.Use(otelmux.Middleware(telemetry.ServiceName))
	}
	// Security headers
	r.Use(middleware.SecurityHeaders(cfg.EnableHSTS))
	// CORS
	r.Use(middleware.CORSFromEnv(cfg.FrontendURL))
	// Request ID
	r.Use(middleware.RequestID)
	// Request size limits
	r.Use(middleware.MaxRequestSize(middleware.DefaultMaxRequestSize, zapLogger))
	// Request timeout
	r.Use(middleware.Timeout(middleware.DefaultRequestTimeout))
	// Error handling
	r.Use(middleware.ErrorHandler(zapLogger))
	// Audit logging
	r.Use(middleware.Audit(zapLogger))
	// Request logging
	r.Use(middleware.Logging(zapLogger))

	// Public routes
	r.HandleFunc("/healthz", healthChecker.HealthCheck).Methods("GET")

	// API routes
	apiRouter := r.PathPrefix("/api").Subrouter()
	authHandler.RegisterRoutes(apiRouter.PathPrefix("/auth").Subrouter())
	// Admission checks for fronting services, one route per catalog policy
	admissionHandler.RegisterRoutes(apiRouter.PathPrefix("/admit").Subrouter())

	srv := &http.Server{
		Addr:           ":" + cfg.ServerPort,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	// Start server in a goroutine
	go func() {
		zapLogger.Info("server_listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("server_failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting_down_server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("server_forced_to_shutdown", zap.Error(err))
	}

	zapLogger.Info("server_exited")
}
