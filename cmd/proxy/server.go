package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flowproxy/flow-proxy/internal/admission"
	"github.com/flowproxy/flow-proxy/internal/captcha"
	"github.com/flowproxy/flow-proxy/internal/config"
	"github.com/flowproxy/flow-proxy/internal/credential"
	"github.com/flowproxy/flow-proxy/internal/database"
	"github.com/flowproxy/flow-proxy/internal/dispatcher"
	"github.com/flowproxy/flow-proxy/internal/egress"
	"github.com/flowproxy/flow-proxy/internal/encryption"
	"github.com/flowproxy/flow-proxy/internal/flowapi"
	"github.com/flowproxy/flow-proxy/internal/logging"
	"github.com/flowproxy/flow-proxy/internal/mediacache"
	"github.com/flowproxy/flow-proxy/internal/orchestrator"
	"github.com/flowproxy/flow-proxy/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	Long:  `Start the HTTP server: OpenAI-compatible endpoints plus the management API.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := database.New(database.Config{
		Driver:          database.DriverType(cfg.DatabaseDriver),
		Path:            cfg.DatabasePath,
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DatabasePoolSize,
		MaxIdleConns:    cfg.DatabasePoolSize / 2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	var sealer *encryption.Sealer
	if cfg.EncryptionKey != "" {
		if sealer, err = encryption.NewSealer(cfg.EncryptionKey); err != nil {
			return fmt.Errorf("configure token encryption: %w", err)
		}
	}

	credStore := database.NewCredentialStore(db, sealer)
	store := credential.NewStore(credential.Options{
		FailureBanThreshold:  cfg.FailureBanThreshold,
		RateLimitBanDuration: cfg.RateLimitBanDuration,
	}, credStore, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rows, err := credStore.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	ctrl, err := buildAdmission(cfg)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := store.Add(ctx, row); err != nil {
			return fmt.Errorf("seed credential %d: %w", row.ID, err)
		}
		ctrl.Register(row.ID)
	}
	logger.Info("credential pool loaded", zap.Int("count", len(rows)))

	router, err := egress.NewRouter(cfg.EgressProxies, logger)
	if err != nil {
		return fmt.Errorf("configure egress proxies: %w", err)
	}
	for _, row := range rows {
		router.Route(row.ID)
	}

	upstreamClient := &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			Proxy:               router.ProxyFunc(),
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	var tokens captcha.TokenProvider
	if cfg.ProofTokenServiceURL != "" {
		solver := captcha.NewSolver(cfg.ProofTokenServiceURL, cfg.ProofTokenClientKey, nil, logger)
		tokens = captcha.NewBounded(solver, cfg.ProofTokenWait)
	} else {
		logger.Warn("PROOF_TOKEN_SERVICE_URL is not set; generation requests will fail until a solver is configured")
	}

	flowClient := flowapi.NewClient(flowapi.Options{
		LabsBaseURL: cfg.LabsBaseURL,
		APIBaseURL:  cfg.APIBaseURL,
		HTTPClient:  upstreamClient,
		Tokens:      tokens,
		Wire:        logging.NewWireLogger(logger, cfg.DebugWire),
		Logger:      logger,
	})

	var cache *mediacache.Cache
	var evictor *mediacache.Evictor
	if cfg.CacheEnabled {
		baseURL := cfg.CacheBaseURL
		if baseURL == "" {
			baseURL = "http://localhost" + cfg.ListenAddr + "/media"
		}
		cache, err = mediacache.New(mediacache.Options{
			Dir:     cfg.CacheDir,
			TTL:     cfg.CacheTTL,
			BaseURL: strings.TrimRight(baseURL, "/"),
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("initialize media cache: %w", err)
		}
		evictor = mediacache.NewEvictor(cache, cfg.CacheTTL, logger)
		evictor.Start()
		defer evictor.Stop()
	}

	catalog := orchestrator.DefaultCatalog()
	if cfg.ModelCatalogPath != "" {
		if err := catalog.LoadOverrides(cfg.ModelCatalogPath); err != nil {
			return fmt.Errorf("load model catalog: %w", err)
		}
	}

	orchOpts := orchestrator.Options{
		Store:      store,
		Dispatcher: dispatcher.New(store, ctrl),
		Admission:  ctrl,
		Client:     flowClient,
		Catalog:    catalog,
		Settings: orchestrator.Settings{
			SelectRetryBudget: cfg.SelectRetryBudget,
			ImagePollInterval: cfg.ImagePollInterval,
			ImagePollAttempts: cfg.ImagePollAttempts,
			VideoPollInterval: cfg.VideoPollInterval,
			VideoPollAttempts: cfg.VideoPollAttempts,
		},
		Logger: logger,
	}
	if cache != nil {
		orchOpts.Cache = cache
	}
	orch := orchestrator.New(orchOpts)

	sweeper := credential.NewSweeper(store, cfg.UnbanSweepInterval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	srv, err := server.New(server.Options{
		Config:       cfg,
		Logger:       logger,
		Orchestrator: orch,
		Store:        store,
		Admission:    ctrl,
		Inserter:     credStore,
		Cache:        cache,
		Maintenance:  flowClient,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildAdmission(cfg *config.Config) (admission.Controller, error) {
	switch cfg.AdmissionBackend {
	case "", "local":
		return admission.NewLocalController(cfg.PerCredentialConcurrency), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		return admission.NewRedisController(client,
			admission.DefaultRedisControllerConfig(cfg.PerCredentialConcurrency)), nil
	default:
		return nil, fmt.Errorf("unknown admission backend: %s", cfg.AdmissionBackend)
	}
}
