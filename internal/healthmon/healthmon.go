// Package healthmon runs scheduled background health sweeps over the
// configured providers, keeping their health state and the provider
// health gauge current without blocking any request path.
package healthmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/daraja/internal/observability"
	"github.com/jkaninda/daraja/internal/provider"
)

const probeTimeout = 5 * time.Second

// Probe checks one provider's backend. Implementations must respect ctx.
type Probe func(ctx context.Context) error

// Monitor sweeps provider probes on a cron schedule. One sweep probes all
// providers concurrently; a slow backend cannot delay the others' results.
type Monitor struct {
	store   *provider.Store
	probes  map[string]Probe
	cron    *cron.Cron
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// NewMonitor creates a monitor over the given probes, keyed by provider ID.
// Providers without a probe keep their unknown health state.
func NewMonitor(store *provider.Store, probes map[string]Probe, metrics *observability.MetricsCollector, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:   store,
		probes:  probes,
		cron:    cron.New(),
		metrics: metrics,
		logger:  logger,
	}
}

// Start schedules sweeps with the given cron spec (e.g. "@every 30s") and
// runs an immediate first sweep so health is known before traffic arrives.
func (m *Monitor) Start(schedule string) error {
	if _, err := m.cron.AddFunc(schedule, func() { m.Sweep(context.Background()) }); err != nil {
		return err
	}
	m.Sweep(context.Background())
	m.cron.Start()
	m.logger.Info("provider health monitor started",
		slog.String("schedule", schedule),
		slog.Int("providers", len(m.probes)),
	)
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info("provider health monitor stopped")
}

// Sweep probes every provider once and records the results.
func (m *Monitor) Sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range m.store.All() {
		probe, ok := m.probes[p.ID]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(p *provider.Provider, probe Probe) {
			defer wg.Done()
			m.probeOne(ctx, p, probe)
		}(p, probe)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, p *provider.Provider, probe Probe) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	state := provider.HealthHealthy
	if err := probe(probeCtx); err != nil {
		state = provider.HealthUnhealthy
		m.logger.Warn("provider health probe failed",
			slog.String("provider", p.ID),
			slog.String("error", err.Error()),
		)
	}

	previous := p.Health()
	p.SetHealth(state)
	if m.metrics != nil {
		m.metrics.SetProviderHealth(p.ID, observability.HealthyGaugeValue(state))
	}
	if previous != state && previous != provider.HealthUnknown {
		m.logger.Info("provider health changed",
			slog.String("provider", p.ID),
			slog.String("from", string(previous)),
			slog.String("to", string(state)),
		)
	}
}
