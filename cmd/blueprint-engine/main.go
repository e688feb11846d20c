// Package main is the entry point for the blueprint engine service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/blueprint-engine/internal/api"
	"github.com/flexinfer/blueprint-engine/internal/archive"
	"github.com/flexinfer/blueprint-engine/internal/auth"
	"github.com/flexinfer/blueprint-engine/internal/blueprintstore"
	"github.com/flexinfer/blueprint-engine/internal/config"
	"github.com/flexinfer/blueprint-engine/internal/gateway"
	"github.com/flexinfer/blueprint-engine/internal/k8s"
	"github.com/flexinfer/blueprint-engine/internal/mutation"
	"github.com/flexinfer/blueprint-engine/internal/notify"
	"github.com/flexinfer/blueprint-engine/internal/registry"
	"github.com/flexinfer/blueprint-engine/internal/runstore"
	"github.com/flexinfer/blueprint-engine/internal/scheduler"
	"github.com/flexinfer/blueprint-engine/internal/tracing"
	"github.com/flexinfer/blueprint-engine/internal/validator"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

var version = "dev"

var _ scheduler.BlueprintSource = (*blueprintstore.Store)(nil)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("engine stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting blueprint engine",
		slog.String("version", version),
		slog.String("port", cfg.Server.Port),
		slog.String("store", cfg.Store.Kind),
	)

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "blueprint-engine",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Enabled:        cfg.Tracing.Enabled,
		SampleRate:     cfg.Tracing.SampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	ready := map[string]func(context.Context) error{}

	// Stores
	var (
		rdb     *redis.Client
		runs    runstore.RunStore
		tools   registry.ToolRegistry
		backend blueprintstore.Backend
	)
	switch cfg.Store.Kind {
	case "redis":
		redisCfg := runstore.DefaultRedisConfig()
		redisCfg.URL = cfg.Store.RedisURL
		redisCfg.Password = cfg.Store.RedisPassword
		redisCfg.DB = cfg.Store.RedisDB
		redisCfg.Prefix = cfg.Store.Prefix + ":runs"
		redisCfg.TTL = cfg.Store.RunTTL
		redisCfg.EventMaxLen = cfg.Store.EventMaxLen

		rdb, err = runstore.NewRedisClient(ctx, redisCfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		runs = runstore.NewRedisStore(rdb, redisCfg)
		tools = registry.NewRedisRegistry(rdb, cfg.Store.Prefix)
		backend = blueprintstore.NewRedisBackend(rdb, cfg.Store.Prefix)
		ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("using Redis stores", slog.String("url", cfg.Store.RedisURL))
	default:
		runs = runstore.NewMemoryStore(&runstore.Config{
			EventMaxLen: cfg.Store.EventMaxLen,
			TTLSeconds:  int64(cfg.Store.RunTTL.Seconds()),
		})
		tools = registry.NewMemoryRegistry()
		backend = blueprintstore.NewMemoryBackend()
		logger.Info("using in-memory stores")
	}
	defer runs.Close()
	defer tools.Close()

	var manifests []*types.ToolManifest
	if cfg.Gateway.ToolsFile != "" {
		if manifests, err = registry.LoadFile(cfg.Gateway.ToolsFile); err != nil {
			return err
		}
	}
	added, err := registry.Seed(ctx, tools, manifests)
	if err != nil {
		return fmt.Errorf("seed tool catalog: %w", err)
	}
	logger.Info("tool catalog ready", slog.Int("registered", added))

	v, err := validator.New(tools)
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}
	blueprints := blueprintstore.New(backend, v, logger)
	defer blueprints.Close()

	// Shared NATS connection for the tool runtime and notifications.
	var nc *nats.Conn
	if cfg.Gateway.NATS.URL != "" {
		nc, err = notify.DialNATS(notify.NATSConfig{
			URL:           cfg.Gateway.NATS.URL,
			MaxReconnects: cfg.Gateway.NATS.MaxReconnects,
			ReconnectWait: cfg.Gateway.NATS.ReconnectWait,
		})
		if err != nil {
			return err
		}
		defer nc.Drain()
		ready["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New(nc.Status().String())
			}
			return nil
		}
	}

	router, err := newToolRouter(cfg, tools, nc, logger, ready)
	if err != nil {
		return err
	}
	switch cfg.Gateway.Credentials {
	case "file":
		creds, err := gateway.LoadCredentialsFile(cfg.Gateway.CredentialsFile)
		if err != nil {
			return err
		}
		router.UseCredentials(creds)
		logger.Info("tool credentials loaded", slog.Int("agents", len(creds)))
	case "redis":
		router.UseCredentials(gateway.NewRedisCredentials(rdb, cfg.Store.Prefix))
	}

	brain, err := gateway.NewBrain(ctx, &gateway.BrainConfig{
		Endpoint:     cfg.Gateway.Brain.Endpoint,
		APIKey:       cfg.Gateway.Brain.APIKey,
		DefaultModel: cfg.Gateway.Brain.DefaultModel,
		TokenURL:     cfg.Gateway.Brain.TokenURL,
		ClientID:     cfg.Gateway.Brain.ClientID,
		ClientSecret: cfg.Gateway.Brain.ClientSecret,
		Scopes:       cfg.Gateway.Brain.Scopes,
	})
	if err != nil {
		return fmt.Errorf("brain gateway: %w", err)
	}

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if rdb != nil && cfg.Notify.RedisChannel != "" {
		notifiers = append(notifiers, notify.NewRedisNotifier(rdb, cfg.Notify.RedisChannel))
	}
	if nc != nil {
		notifiers = append(notifiers, notify.NewNATSNotifier(nc, cfg.Notify.NATSPrefix))
	}

	var archiver archive.Archiver
	if cfg.Archive.Kind != "none" {
		svc, err := archive.New(ctx, &archive.Config{
			Type:            cfg.Archive.Kind,
			Endpoint:        cfg.Archive.Endpoint,
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			UseSSL:          cfg.Archive.UseSSL,
			PathPrefix:      cfg.Archive.Prefix,
		})
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		archiver = svc
	}

	engine, err := scheduler.New(scheduler.Options{
		Store:      runs,
		Blueprints: blueprints,
		Tools:      router,
		Brain:      brain,
		Catalog:    tools,
		Validator:  v,
		Notifier:   notifiers,
		Archiver:   archiver,
		Logger:     logger,
	}, &scheduler.Config{
		PerRunParallelism:   cfg.Engine.PerRunParallelism,
		GlobalParallelism:   cfg.Engine.GlobalParallelism,
		DefaultRetries:      cfg.Engine.DefaultRetries,
		BackoffBase:         cfg.Engine.BackoffBase,
		BackoffCap:          cfg.Engine.BackoffCap,
		NodeTimeout:         cfg.Engine.NodeTimeout,
		CancelGrace:         cfg.Engine.CancelGrace,
		TimerPollInterval:   cfg.Engine.TimerPollInterval,
		DefaultPollInterval: cfg.Engine.DefaultPollInterval,
		DefaultIterationCap: cfg.Engine.DefaultIterationCap,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	recovered, err := engine.Recover(ctx)
	if err != nil {
		logger.Error("run recovery incomplete", "error", err)
	}
	logger.Info("engine ready",
		slog.Int("recovered_runs", recovered),
		slog.Int("per_run_parallelism", cfg.Engine.PerRunParallelism),
		slog.Int("default_retries", cfg.Engine.DefaultRetries),
	)
	go engine.Timers().Run(ctx)

	mutator := mutation.New(tools, v, logger)
	assistant := mutation.NewAssistant(brain, mutation.ToolListerFunc(func(ctx context.Context) ([]*types.ToolManifest, error) {
		return tools.List(ctx, nil)
	}), mutator, mutation.AssistantConfig{
		Model:   cfg.Gateway.Brain.DefaultModel,
		Timeout: cfg.Gateway.Brain.Timeout,
	}, logger)

	var approvals *auth.ApprovalSigner
	if cfg.Auth.ApprovalSecret != "" {
		var guard auth.ReplayGuard
		if rdb != nil {
			guard = auth.NewRedisReplayGuard(rdb, cfg.Store.Prefix)
		}
		if approvals, err = auth.NewApprovalSigner(cfg.Auth.ApprovalSecret, cfg.Auth.ApprovalTTL, guard); err != nil {
			return fmt.Errorf("approval links: %w", err)
		}
	}

	var opts api.ServerOptions
	opts.Tracing = cfg.Tracing.Enabled
	if cfg.Auth.Enabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:   cfg.Auth.OIDCIssuer,
			ClientID: cfg.Auth.OIDCClientID,
		})
		if err != nil {
			return fmt.Errorf("oidc: %w", err)
		}
		opts.Auth = auth.NewMiddleware(provider, &auth.MiddlewareConfig{
			Enabled:     true,
			PublicPaths: append(cfg.Auth.PublicPaths, "/api/v1/approvals/"),
			Logger:      logger,
		})
		logger.Info("authentication enabled", slog.String("issuer", cfg.Auth.OIDCIssuer))
	}
	if cfg.RateLimit.Enabled {
		opts.RateLimit = auth.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	handlers := api.NewHandlers(api.Deps{
		Engine:     engine,
		Blueprints: blueprints,
		Events:     runs,
		Validator:  v,
		Mutator:    mutator,
		Assistant:  assistant,
		Tools:      tools,
		Archive:    archiver,
		Approvals:  approvals,
		Ready:      ready,
	}, cfg, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewServer(handlers, opts).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	// Runs parked on approvals or timers stay in the store and resume on the
	// next start.
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

// newToolRouter registers the tool runtimes enabled in cfg.
func newToolRouter(cfg *config.Config, catalog gateway.Catalog, nc *nats.Conn, logger *slog.Logger, ready map[string]func(context.Context) error) (*gateway.Router, error) {
	router := gateway.NewRouter(catalog, logger)

	if sc := cfg.Gateway.Subprocess; sc.Enabled {
		env := make(map[string]string, len(sc.EnvPassthrough))
		for _, name := range sc.EnvPassthrough {
			if val, ok := os.LookupEnv(name); ok {
				env[name] = val
			}
		}
		router.Handle(types.ToolRuntimeSubprocess, gateway.NewSubprocess(&gateway.SubprocessConfig{
			EnvPassthrough: env,
			CWD:            sc.CWD,
		}))
	}
	if cfg.Gateway.HTTP.Enabled {
		router.Handle(types.ToolRuntimeHTTP, gateway.NewHTTP(nil))
	}
	if nc != nil {
		router.Handle(types.ToolRuntimeNATS, gateway.NewNATS(nc, cfg.Gateway.NATS.SubjectPrefix))
	}
	if kc := cfg.Gateway.K8s; kc.Enabled {
		jobCfg := k8s.DefaultJobConfig()
		jobCfg.Namespace = kc.Namespace
		jobCfg.ServiceAccountName = kc.ServiceAccountName
		jobCfg.ImagePullSecrets = kc.ImagePullSecrets

		client, err := k8s.NewClient(&k8s.Config{
			InCluster:  kc.InCluster,
			Kubeconfig: kc.Kubeconfig,
			Namespace:  kc.Namespace,
		})
		if err != nil {
			return nil, fmt.Errorf("k8s client: %w", err)
		}
		router.Handle(types.ToolRuntimeK8s, gateway.NewK8sWithClient(client, &gateway.K8sConfig{
			JobConfig:    jobCfg,
			PollInterval: kc.PollInterval,
			Logger:       logger,
		}))
		ready["k8s"] = client.HealthCheck
		logger.Info("k8s tool runtime enabled", slog.String("namespace", kc.Namespace))
	}
	return router, nil
}
