// Package monitor runs the biometric telemetry loop for one child: a
// fixed-cadence sampler feeding a bounded rolling history, persisted to
// the store, with a pluggable alert evaluator on top.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"

	"luminova/backend/internal/history"
	"luminova/backend/internal/logger"
	"luminova/backend/internal/models"
	"luminova/backend/internal/services"
)

// DefaultHistorySize caps the rolling biometric history.
const DefaultHistorySize = 100

const defaultInterval = 5 * time.Second

// Store is the slice of the data store the monitor consumes.
type Store interface {
	SaveBiometric(ctx context.Context, childID string, b models.BiometricSample) error
	BiometricHistory(ctx context.Context, childID string, limit int) ([]models.BiometricSample, error)
	LatestBiometric(ctx context.Context, childID string) (*models.BiometricSample, error)
	SaveAlert(ctx context.Context, a models.Alert) error
	Alerts(ctx context.Context, childID string) ([]models.Alert, error)
	ResolveAlert(ctx context.Context, alertID string) error
}

// Subscriber receives store change notifications; optional.
type Subscriber interface {
	SubscribeBiometrics(ctx context.Context, childID string, fn func(models.BiometricSample)) error
	SubscribeAlerts(ctx context.Context, childID string, fn func(models.Alert)) error
}

type Config struct {
	// Interval paces sample production. Defaults to 5s.
	Interval time.Duration

	// HistorySize caps the rolling history. Defaults to 100.
	HistorySize int

	// Sampler produces readings; defaults to NewSyntheticSampler().
	Sampler Sampler

	// Policy evaluates alerts; defaults to NewThresholdPolicy().
	Policy AlertPolicy

	// Subscriber, when set, folds externally inserted rows into local
	// state.
	Subscriber Subscriber

	Metrics *services.Metrics
	Logger  *slog.Logger
}

// Monitor owns one monitoring session at a time. All handles are
// instance state; multiple independent monitors can coexist.
type Monitor struct {
	store Store
	cfg   Config
	log   *slog.Logger
	m     *services.Metrics

	mu      sync.Mutex
	running bool
	gen     uint64
	childID string
	cancel  context.CancelFunc
	live    *models.BiometricSample
	hist    *history.Buffer[models.BiometricSample]
	alerts  []models.Alert
}

func New(store Store, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Sampler == nil {
		cfg.Sampler = NewSyntheticSampler()
	}
	if cfg.Policy == nil {
		cfg.Policy = NewThresholdPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Get()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = services.GetMetrics()
	}
	return &Monitor{
		store: store,
		cfg:   cfg,
		log:   cfg.Logger,
		m:     cfg.Metrics,
		hist:  history.New[models.BiometricSample](cfg.HistorySize),
	}
}

// Start begins monitoring childID. Calling Start while already monitoring
// is a no-op: exactly one tick cadence runs per session, never two.
// Existing history and alerts are loaded from the store first; load
// failures degrade to empty local state rather than aborting. A Stop
// racing the startup wins: the loaded state is discarded and no tick
// cadence is launched.
func (m *Monitor) Start(ctx context.Context, childID string) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	// cancel is published together with running so a concurrent Stop can
	// always reach this session's loop
	loopCtx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.gen++
	gen := m.gen
	m.childID = childID
	m.cancel = cancel
	m.hist.Reset()
	m.alerts = nil
	m.live = nil
	m.mu.Unlock()

	m.loadState(ctx, childID, gen)

	// Stop may have won while the load was in flight
	if loopCtx.Err() != nil {
		return nil
	}

	if m.cfg.Subscriber != nil {
		if err := m.cfg.Subscriber.SubscribeBiometrics(loopCtx, childID, m.onRemoteSample); err != nil {
			m.log.Warn("biometric subscription unavailable", slog.Any("error", xerrors.New(err)))
		}
		if err := m.cfg.Subscriber.SubscribeAlerts(loopCtx, childID, m.addAlert); err != nil {
			m.log.Warn("alert subscription unavailable", slog.Any("error", xerrors.New(err)))
		}
	}

	go m.loop(loopCtx)

	m.log.Info("monitoring started", slog.String("child_id", childID))
	return nil
}

func (m *Monitor) loadState(ctx context.Context, childID string, gen uint64) {
	hist, err := m.store.BiometricHistory(ctx, childID, m.cfg.HistorySize)
	if err != nil {
		m.log.Error("loading biometric history failed, starting empty",
			slog.Any("error", xerrors.New(err)))
		hist = nil
	}
	alerts, err := m.store.Alerts(ctx, childID)
	if err != nil {
		m.log.Error("loading alerts failed, starting empty",
			slog.Any("error", xerrors.New(err)))
		alerts = nil
	}
	latest, err := m.store.LatestBiometric(ctx, childID)
	if err != nil {
		m.log.Error("loading latest reading failed", slog.Any("error", xerrors.New(err)))
		latest = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || !m.running {
		return // session stopped (or restarted) while the load ran
	}
	// store returns newest first; the buffer wants chronological order
	for i := len(hist) - 1; i >= 0; i-- {
		m.hist.Append(hist[i])
	}
	for _, a := range alerts {
		if !a.Resolved {
			m.alerts = append(m.alerts, a)
		}
	}
	m.live = latest
}

// Stop cancels the tick cadence, clears the live sample and releases the
// subscriptions. Safe to call when not monitoring.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.cancel = nil
	m.running = false
	m.live = nil
	childID := m.childID
	m.childID = ""
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.log.Info("monitoring stopped", slog.String("child_id", childID))
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	childID := m.childID
	m.mu.Unlock()

	sample := m.cfg.Sampler.Sample(childID, time.Now())

	m.mu.Lock()
	m.hist.Append(sample)
	m.live = &sample
	recent := m.hist.Items()
	m.mu.Unlock()
	m.m.SampleProduced()

	if err := m.store.SaveBiometric(ctx, childID, sample); err != nil {
		// keep the local reading; persistence catches up next tick
		m.log.Error("persisting biometric reading failed",
			slog.Any("error", xerrors.New(err)))
	}

	alert := m.cfg.Policy.Evaluate(childID, sample, recent)
	if alert == nil {
		return
	}
	if err := m.store.SaveAlert(ctx, *alert); err != nil {
		// not applied locally either: an alert the store never saw
		// would vanish on reload
		m.log.Error("persisting alert failed", slog.Any("error", xerrors.New(err)))
		return
	}
	m.addAlert(*alert)
	m.m.AlertRaised()
	m.log.Warn("alert raised",
		slog.String("child_id", childID),
		slog.String("type", string(alert.Type)),
		slog.String("severity", string(alert.Severity)))
}

func (m *Monitor) onRemoteSample(s models.BiometricSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	// Postgres keeps timestamptz at microsecond precision, so our own
	// insert echoes back with the nanoseconds shaved off
	if m.live != nil && m.live.Timestamp.Truncate(time.Microsecond).Equal(s.Timestamp.Truncate(time.Microsecond)) {
		return // our own write echoed back
	}
	m.hist.Append(s)
	m.live = &s
}

// addAlert appends an alert to local state, deduplicating by id so a
// subscription echo of our own insert is harmless.
func (m *Monitor) addAlert(a models.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.alerts {
		if existing.ID == a.ID {
			return
		}
	}
	m.alerts = append(m.alerts, a)
}

// ResolveAlert marks the alert resolved in the store and then locally.
// When the store write fails the local alert stays unresolved and the
// error propagates; local state is never optimistically resolved past a
// store failure. Resolving an already-resolved alert is a no-op.
func (m *Monitor) ResolveAlert(ctx context.Context, alertID string) error {
	if err := m.store.ResolveAlert(ctx, alertID); err != nil {
		return fmt.Errorf("resolve alert %s: %w", alertID, err)
	}

	m.mu.Lock()
	for i := range m.alerts {
		if m.alerts[i].ID == alertID && !m.alerts[i].Resolved {
			m.alerts[i].Resolved = true
			m.mu.Unlock()
			m.m.AlertResolved()
			return nil
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Monitor) Monitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Live returns a copy of the current reading, or nil before the first
// tick and after Stop.
func (m *Monitor) Live() *models.BiometricSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == nil {
		return nil
	}
	s := *m.live
	return &s
}

// History returns the rolling window in chronological order.
func (m *Monitor) History() []models.BiometricSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hist.Items()
}

// ActiveAlerts returns the unresolved alerts.
func (m *Monitor) ActiveAlerts() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out
}
