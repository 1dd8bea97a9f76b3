// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/trustgate/internal/a2a"
	"github.com/mbd888/trustgate/internal/agentcard"
	"github.com/mbd888/trustgate/internal/chains"
	"github.com/mbd888/trustgate/internal/checks"
	"github.com/mbd888/trustgate/internal/config"
	"github.com/mbd888/trustgate/internal/erc8004"
	"github.com/mbd888/trustgate/internal/health"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/paywall"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/registration"
	"github.com/mbd888/trustgate/internal/security"
	"github.com/mbd888/trustgate/internal/tasks"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/trust"
	"github.com/mbd888/trustgate/internal/validation"
)

// Version is reported by /health and the agent card.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	chains         *chains.Table
	registryClient *erc8004.Client // nil when registries are injected
	registries     trust.RegistryFunc
	prober         checks.Prober
	verifier       paywall.Verifier
	closeVerifier  func()
	taskStore      tasks.Store
	gate           *paywall.Gate
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistries replaces the on-chain registry readers (for testing)
func WithRegistries(fn trust.RegistryFunc) Option {
	return func(s *Server) {
		s.registries = fn
	}
}

// WithProber replaces the endpoint prober (for testing)
func WithProber(p checks.Prober) Option {
	return func(s *Server) {
		s.prober = p
	}
}

// WithVerifier replaces the on-chain payment verifier
func WithVerifier(v paywall.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithTaskStore replaces the task store
func WithTaskStore(store tasks.Store) Option {
	return func(s *Server) {
		s.taskStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(Version),
	}

	// Apply options first (may set registries/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	table, err := cfg.Chains()
	if err != nil {
		return nil, err
	}
	s.chains = table

	s.shutdownTraces, err = traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	if err := s.initTaskStore(ctx); err != nil {
		return nil, err
	}

	// Registry readers
	if s.registries == nil {
		s.registryClient = erc8004.NewClient(erc8004.WithLogger(s.logger))
		client := s.registryClient
		s.registries = func(c chains.Chain) trust.Registry { return client.On(c) }
		s.health.Register("rpc", health.Ping("rpc", client.On(table.Default()).Ping))
	}

	if s.prober == nil {
		s.prober = checks.NewHTTPProber(
			checks.WithProbeTimeout(cfg.ProbeTimeout),
			checks.WithPrivateTargets(cfg.ProbeAllowPrivate),
		)
		if cfg.ProbeAllowPrivate {
			s.logger.Warn("endpoint probes and registration fetches may reach private addresses")
		}
	}

	resolver := registration.NewResolver(
		registration.WithGateways(cfg.IPFSGateways),
		registration.WithFetchTimeout(cfg.FetchTimeout),
		registration.WithPrivateTargets(cfg.ProbeAllowPrivate),
		registration.WithLogger(s.logger),
	)
	service := trust.NewService(table, s.registries, resolver, checks.NewPipeline(s.prober, s.logger), s.logger)

	prices, err := paywall.NewPriceTable(paywall.PriceEntry{Price: cfg.PriceValidate}, cfg.Prices().PriceEntries()...)
	if err != nil {
		return nil, fmt.Errorf("failed to build price table: %w", err)
	}
	if err := s.initGate(ctx, table, prices); err != nil {
		return nil, err
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var cardPrices *paywall.PriceTable
	if !cfg.PaymentsDisabled {
		cardPrices = prices
	}
	card := agentcard.NewHandler(agentcard.Config{
		Name:          "TrustGate",
		Description:   "Paid trust evaluation for ERC-8004 registered agents: identity profile, reputation score and validation checks.",
		Version:       Version,
		PublicBaseURL: cfg.PublicBaseURL,
	}, cardPrices)
	runtime := a2a.NewRuntime(s.taskStore, service, table.Names(), s.logger)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(trust.NewHandler(service, s.gate), card, a2a.NewDispatcher(s.gate, runtime, s.logger))

	return s, nil
}

func (s *Server) initTaskStore(ctx context.Context) error {
	if s.taskStore != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.taskStore = tasks.NewMemoryStore()
		s.logger.Info("using in-memory task store")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	store := tasks.NewPostgresStore(db)
	if err := store.Migrate(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate tasks: %w", err)
	}

	s.db = db
	s.taskStore = store
	s.health.Register("database", health.Ping("database", db.PingContext))
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) initGate(ctx context.Context, table *chains.Table, prices *paywall.PriceTable) error {
	payChain, _ := table.Lookup(s.cfg.PaymentNetwork)
	asset := payChain.USDC
	if s.cfg.USDCContract != "" {
		asset = common.HexToAddress(s.cfg.USDCContract)
	}

	gateCfg := paywall.DefaultConfig()
	gateCfg.PayTo = s.cfg.PayToAddress
	gateCfg.Network = payChain.Name
	gateCfg.Asset = asset.Hex()
	gateCfg.PublicBaseURL = s.cfg.PublicBaseURL
	gateCfg.Bypass = s.cfg.PaymentsDisabled

	if s.cfg.PaymentsDisabled {
		s.logger.Warn("payments disabled: paid routes are served without payment")
	} else if s.verifier == nil {
		v, closeFn, err := paywall.DialOnchainVerifier(ctx, payChain.RPCURLs[0], asset)
		if err != nil {
			return fmt.Errorf("failed to create payment verifier: %w", err)
		}
		s.verifier, s.closeVerifier = v, closeFn
		s.logger.Info("payment verification enabled",
			"network", payChain.Name,
			"pay_to", s.cfg.PayToAddress,
			"asset", asset.Hex(),
		)
	}

	s.gate = paywall.NewGate(gateCfg, prices, s.verifier, s.logger)
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessMiddleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes(trustHandler *trust.Handler, card *agentcard.Handler, dispatcher *a2a.Dispatcher) {
	// Health & metrics endpoints
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	// Paid namespace. /agent/health and /agent/entrypoints are free-listed.
	agent := s.router.Group("/agent")
	agent.GET("/health", s.health.Handler)
	trustHandler.RegisterRoutes(agent)
	card.RegisterRoutes(s.router, agent)

	// JSON-RPC envelope transport
	s.router.POST("/a2a", dispatcher.ServeRPC)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // validate probes every endpoint
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"default_chain", s.chains.Default().Name,
			"payments_disabled", s.cfg.PaymentsDisabled,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.health.SetReady(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.Close(ctx)
	s.logger.Info("server stopped")
	return nil
}

// Close releases connections and background workers without touching the
// HTTP listener. Tests call it directly.
func (s *Server) Close(ctx context.Context) {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.registryClient != nil {
		s.registryClient.Close()
	}
	if s.closeVerifier != nil {
		s.closeVerifier()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
