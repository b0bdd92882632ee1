package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/daraja/internal/config"
)

// AnomalyDetector tracks per-provider error rates over a sliding window.
// When a provider's rate crosses the configured threshold the detector logs
// a warning and notifies the optional callback, which the gateway uses to
// flip the provider's health state.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	onThreshold   func(providerID string, errorRate float64)
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		cfg:           cfg,
		logger:        logger,
	}
}

// OnThreshold registers a callback fired when a provider crosses the error
// rate threshold. Must be set before the detector starts receiving records.
func (a *AnomalyDetector) OnThreshold(fn func(providerID string, errorRate float64)) {
	if a == nil {
		return
	}
	a.onThreshold = fn
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed completion for a provider.
func (a *AnomalyDetector) RecordError(providerID string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.getOrCreateWindow(a.errorCounts, providerID).add(1)
	notify, rate := a.checkErrorRate(providerID)
	a.mu.Unlock()

	// Fire outside the lock; the callback may call back into provider state.
	if notify && a.onThreshold != nil {
		a.onThreshold(providerID, rate)
	}
}

// RecordSuccess records a successful completion for a provider.
func (a *AnomalyDetector) RecordSuccess(providerID string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getOrCreateWindow(a.successCounts, providerID).add(1)
}

// checkErrorRate reports whether the provider crossed the threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(providerID string) (bool, float64) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return false, 0
	}

	errors := a.getOrCreateWindow(a.errorCounts, providerID).sum()
	successes := a.getOrCreateWindow(a.successCounts, providerID).sum()
	total := errors + successes

	if total < 5 {
		return false, 0 // Not enough data.
	}

	rate := errors / total
	if rate <= threshold {
		return false, rate
	}

	if a.logger != nil {
		a.logger.Warn("anomaly detected: high provider error rate",
			slog.String("provider", providerID),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("errors", errors),
			slog.Float64("total", total),
		)
	}
	return true, rate
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
