package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/daraja/internal/adapter"
	"github.com/jkaninda/daraja/internal/adapter/httpsdk"
	"github.com/jkaninda/daraja/internal/adapter/localserver"
	"github.com/jkaninda/daraja/internal/adapter/proxyapi"
	"github.com/jkaninda/daraja/internal/adapter/spawncli"
	"github.com/jkaninda/daraja/internal/config"
	"github.com/jkaninda/daraja/internal/gateway/httpapi"
	"github.com/jkaninda/daraja/internal/healthmon"
	"github.com/jkaninda/daraja/internal/observability"
	"github.com/jkaninda/daraja/internal/provider"
	"github.com/jkaninda/daraja/internal/ratelimit"
	"github.com/jkaninda/daraja/internal/sandbox"
	"github.com/jkaninda/daraja/internal/secrets"
	"github.com/jkaninda/daraja/internal/security"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `daraja --config path` and `daraja serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen port")
	}
}

// runServe starts the gateway: sandbox backend, adapters, health monitor,
// and the HTTP surface.
func runServe(_ *cobra.Command, _ []string) error {
	// Every log record passes through the redacting handler so provider
	// credentials cannot leak through error messages or attribute values.
	logger := slog.New(security.NewRedactingHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
	))

	cfg, err := config.Load(goutils.Env("DARAJA_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if servePort != "" {
		port, err := strconv.Atoi(servePort)
		if err != nil {
			return fmt.Errorf("invalid --port %q: %w", servePort, err)
		}
		cfg.Server.Port = port
	}

	logger.Info("starting daraja",
		slog.String("config", serveConfigPath),
		slog.String("sandbox_backend", cfg.Sandbox.Backend),
		slog.Int("providers", len(cfg.Providers)),
	)

	// Resolve reference-style API keys (env://..., vault://...) before any
	// adapter sees the providers.
	resolver, err := buildSecretResolver()
	if err != nil {
		return err
	}
	if err := secrets.ResolveAPIKeys(context.Background(), resolver, cfg.Providers); err != nil {
		return err
	}

	store, err := provider.NewStore(cfg.Providers)
	if err != nil {
		return err
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}

	executor, err := buildExecutor(cfg, logger)
	if err != nil {
		return err
	}
	var instrumented sandbox.Executor = executor
	if obs != nil {
		instrumented = observability.NewInstrumentedExecutor(executor, obs.MetricsOrNil(), obs.TracerOrNil())
	}

	// Host-process execution for spawn-cli providers with docker_sandbox
	// disabled. Built unconditionally: it needs no external daemon.
	var processExec sandbox.Executor = sandbox.NewProcessSandbox(sandbox.ProcessConfig{}, logger)
	if obs != nil {
		processExec = observability.NewInstrumentedExecutor(processExec, obs.MetricsOrNil(), obs.TracerOrNil())
	}

	httpClient := &http.Client{Timeout: adapter.DefaultHTTPTimeout}

	registry := adapter.NewRegistry()
	registry.Register(provider.TypeSpawnCLI, spawncli.New)
	registry.Register(provider.TypeHTTPSDK, httpsdk.New)
	registry.Register(provider.TypeProxy, proxyapi.New)
	registry.Register(provider.TypeLocal, localserver.New)

	factory := adapter.NewFactory(registry, adapter.Deps{
		Executor:        instrumented,
		ProcessExecutor: processExec,
		HTTPClient:      httpClient,
		Logger:          logger,
	})

	adapters := make(map[string]adapter.Adapter, len(cfg.Providers))
	for _, p := range cfg.Providers {
		a, err := factory.Build(p)
		if err != nil {
			return err
		}
		if obs != nil {
			a = observability.NewInstrumentedAdapter(a, p.ID, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
		}
		adapters[p.ID] = a
		logger.Info("provider configured",
			slog.String("provider", p.ID),
			slog.String("type", string(p.Type)),
			slog.Int("models", len(p.Models)),
		)
	}

	limiter := buildLimiter(cfg)

	// A provider crossing the anomaly threshold is marked unhealthy; the
	// next health sweep can recover it once the backend calms down.
	if det := obs.AnomalyOrNil(); det != nil {
		det.OnThreshold(func(providerID string, errorRate float64) {
			for _, p := range store.All() {
				if p.ID == providerID {
					p.SetHealth(provider.HealthUnhealthy)
				}
			}
			if m := obs.MetricsOrNil(); m != nil {
				m.SetProviderHealth(providerID, observability.HealthyGaugeValue(provider.HealthUnhealthy))
			}
		})
	}

	if obs != nil {
		obs.Health = observability.NewHealthChecker(cfg.Sandbox.Backend, instrumented.HealthCheck, store, logger)
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.HealthMonitor != nil && cfg.HealthMonitor.Enabled {
		monitor := healthmon.NewMonitor(store, buildProbes(cfg.Providers, instrumented, processExec, httpClient), obs.MetricsOrNil(), logger)
		if err := monitor.Start(cfg.HealthMonitor.Schedule); err != nil {
			return fmt.Errorf("starting health monitor: %w", err)
		}
		defer monitor.Stop()
	}

	httpCfg := httpapi.Config{
		ListenAddr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		AuthTokens: cfg.Server.AuthTokens,
		EnableDocs: cfg.Server.EnableDocs,
	}
	if obs != nil {
		httpCfg.Metrics = obs.Metrics
		httpCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			httpCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			httpCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	gw := httpapi.NewGateway(httpCfg, store, adapters, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	obs.Shutdown(shutdownCtx)
	return nil
}

// buildExecutor creates the sandbox backend selected in config.
func buildExecutor(cfg *config.Config, logger *slog.Logger) (sandbox.Executor, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		dc := cfg.Sandbox.Docker
		if dc == nil {
			dc = &config.DockerConfig{}
		}
		return sandbox.NewContainerSandbox(sandbox.ContainerConfig{
			Image:           dc.Image,
			DefaultDeadline: time.Duration(dc.TimeoutSeconds) * time.Second,
			CPU:             dc.CPULimit,
			Memory:          dc.MemoryLimit,
			PIDsLimit:       dc.PIDsLimit,
			NetworkAllowed:  dc.NetworkAllowed,
		}, logger), nil

	case "kubernetes":
		kc := cfg.Sandbox.Kubernetes
		if kc == nil {
			kc = &config.KubernetesConfig{}
		}
		client, err := sandbox.NewKubernetesClient(kc.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes client: %w", err)
		}
		return sandbox.NewJobSandbox(client, sandbox.JobConfig{
			Namespace:                kc.Namespace,
			Image:                    kc.Image,
			CPULimit:                 kc.CPULimit,
			MemoryLimit:              kc.MemoryLimit,
			TimeoutSeconds:           kc.TimeoutSeconds,
			TTLSecondsAfterFinished:  kc.TTLSecondsAfterFinished,
			HardenedRuntimeEnabled:   kc.HardenedRuntimeEnabled,
			HardenedRuntimeClassName: kc.HardenedRuntimeClassName,
			ScratchSize:              kc.ScratchSize,
		}, logger), nil

	default:
		return nil, fmt.Errorf("sandbox backend %q not supported", cfg.Sandbox.Backend)
	}
}

// buildSecretResolver registers the env source, plus Vault when
// VAULT_ADDR is set.
func buildSecretResolver() (*secrets.Resolver, error) {
	sources := []secrets.Source{secrets.EnvSource{}}
	if os.Getenv("VAULT_ADDR") != "" {
		vs, err := secrets.VaultFromEnv()
		if err != nil {
			return nil, fmt.Errorf("configuring vault secret source: %w", err)
		}
		sources = append(sources, vs)
	}
	return secrets.NewResolver(sources...), nil
}

// buildLimiter combines the gateway-wide default with per-provider policies.
func buildLimiter(cfg *config.Config) *ratelimit.PerProvider {
	var def ratelimit.Config
	if cfg.RateLimit != nil {
		def = ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		}
	}
	overrides := make(map[string]ratelimit.Config)
	for _, p := range cfg.Providers {
		if p.RateLimit != nil {
			overrides[p.ID] = ratelimit.Config{
				RequestsPerMinute: p.RateLimit.RequestsPerMinute,
				BurstSize:         p.RateLimit.BurstSize,
			}
		}
	}
	return ratelimit.NewPerProvider(def, overrides)
}

// buildProbes assembles per-provider health probes: CLI providers check
// their execution substrate, HTTP-backed providers check reachability.
func buildProbes(providers []*provider.Provider, executor, processExec sandbox.Executor, client *http.Client) map[string]healthmon.Probe {
	probes := make(map[string]healthmon.Probe, len(providers))
	for _, p := range providers {
		switch p.Type {
		case provider.TypeSpawnCLI:
			if p.SpawnCLI != nil && !p.SpawnCLI.DockerSandbox {
				probes[p.ID] = processExec.HealthCheck
			} else {
				probes[p.ID] = executor.HealthCheck
			}
		case provider.TypeHTTPSDK, provider.TypeLocal:
			if p.HTTP != nil {
				probes[p.ID] = reachabilityProbe(client, p.HTTP.BaseURL)
			}
		case provider.TypeProxy:
			if p.Proxy != nil {
				probes[p.ID] = reachabilityProbe(client, p.Proxy.UpstreamURL)
			}
		}
	}
	return probes
}

// reachabilityProbe checks that the backend answers HTTP at all. Any
// response, error status included, counts as reachable.
func reachabilityProbe(client *http.Client, url string) healthmon.Probe {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	}
}
