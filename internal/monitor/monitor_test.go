package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"luminova/backend/internal/models"
)

type fakeStore struct {
	mu         sync.Mutex
	samples    map[string][]models.BiometricSample
	alerts     map[string][]models.Alert
	failSave   bool
	failLoads  bool
	failResolv bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		samples: make(map[string][]models.BiometricSample),
		alerts:  make(map[string][]models.Alert),
	}
}

func (f *fakeStore) SaveBiometric(_ context.Context, childID string, b models.BiometricSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return errors.New("store down")
	}
	f.samples[childID] = append(f.samples[childID], b)
	return nil
}

func (f *fakeStore) BiometricHistory(_ context.Context, childID string, limit int) ([]models.BiometricSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLoads {
		return nil, errors.New("store down")
	}
	all := f.samples[childID]
	// newest first, like the real store
	var out []models.BiometricSample
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeStore) LatestBiometric(_ context.Context, childID string) (*models.BiometricSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLoads {
		return nil, errors.New("store down")
	}
	all := f.samples[childID]
	if len(all) == 0 {
		return nil, nil
	}
	s := all[len(all)-1]
	return &s, nil
}

func (f *fakeStore) SaveAlert(_ context.Context, a models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return errors.New("store down")
	}
	f.alerts[a.ChildID] = append(f.alerts[a.ChildID], a)
	return nil
}

func (f *fakeStore) Alerts(_ context.Context, childID string) ([]models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLoads {
		return nil, errors.New("store down")
	}
	return append([]models.Alert(nil), f.alerts[childID]...), nil
}

func (f *fakeStore) ResolveAlert(_ context.Context, alertID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failResolv {
		return errors.New("store down")
	}
	for childID, alerts := range f.alerts {
		for i := range alerts {
			if alerts[i].ID == alertID {
				f.alerts[childID][i].Resolved = true
			}
		}
	}
	return nil
}

func (f *fakeStore) savedSamples(childID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples[childID])
}

// neverPolicy raises nothing; keeps loop tests free of alert noise.
type neverPolicy struct{}

func (neverPolicy) Evaluate(string, models.BiometricSample, []models.BiometricSample) *models.Alert {
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestThreeTicks(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, Config{Interval: 10 * time.Millisecond, Policy: neverPolicy{}})
	defer m.Stop()

	if err := m.Start(context.Background(), "child-9"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "3 ticks", func() bool { return len(m.History()) >= 3 })
	m.Stop()

	hist := m.History()
	if len(hist) < 3 {
		t.Fatalf("history length = %d, want >= 3", len(hist))
	}
	for _, s := range hist {
		if s.HeartRate < 60 || s.HeartRate > 130 {
			t.Errorf("heart rate %d outside [60,130]", s.HeartRate)
		}
	}
	if fs.savedSamples("child-9") < 3 {
		t.Errorf("store received %d samples, want >= 3", fs.savedSamples("child-9"))
	}
}

func TestLiveTracksLastSample(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, Config{Interval: 10 * time.Millisecond, Policy: neverPolicy{}})
	defer m.Stop()

	if m.Live() != nil {
		t.Error("live sample should be nil before the first reading")
	}

	m.Start(context.Background(), "child-9")
	waitFor(t, "first tick", func() bool { return m.Live() != nil })

	hist := m.History()
	live := m.Live()
	if live.Timestamp != hist[len(hist)-1].Timestamp {
		t.Error("live sample is not the newest history entry")
	}
}

func TestDoubleStartSingleCadence(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, Config{Interval: 20 * time.Millisecond, Policy: neverPolicy{}})
	defer m.Stop()

	if err := m.Start(context.Background(), "x"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := m.Start(context.Background(), "x"); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	time.Sleep(110 * time.Millisecond)
	m.Stop()

	// one 20ms cadence over ~110ms yields about 5 samples; a duplicated
	// timer would double that
	if n := fs.savedSamples("x"); n > 7 {
		t.Errorf("%d samples saved, looks like a duplicated tick cadence", n)
	}
}

func TestStopClearsLiveAndIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, Config{Interval: 10 * time.Millisecond, Policy: neverPolicy{}})

	m.Stop() // not monitoring: no-op

	m.Start(context.Background(), "child-9")
	waitFor(t, "first tick", func() bool { return m.Live() != nil })
	m.Stop()

	if m.Live() != nil {
		t.Error("live sample should be cleared by Stop")
	}
	if m.Monitoring() {
		t.Error("still reports monitoring after Stop")
	}
	m.Stop() // again: no-op
}

func TestHistoryEviction(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, Config{
		Interval:    2 * time.Millisecond,
		HistorySize: 5,
		Policy:      neverPolicy{},
	})
	defer m.Stop()

	m.Start(context.Background(), "child-9")
	waitFor(t, "8 saved samples", func() bool { return fs.savedSamples("child-9") >= 8 })
	m.Stop()

	hist := m.History()
	if len(hist) != 5 {
		t.Fatalf("history length = %d, want capped at 5", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Timestamp.Before(hist[i-1].Timestamp) {
			t.Error("history not in chronological order")
		}
	}
}

func TestStartLoadsExistingState(t *testing.T) {
	fs := newFakeStore()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		fs.SaveBiometric(context.Background(), "child-9", models.BiometricSample{
			HeartRate: 80 + i, StressLevel: models.StressLow,
			SkinTemperature: 36.5, Activity: models.ActivityResting,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	fs.SaveAlert(context.Background(), models.Alert{ID: "a1", ChildID: "child-9", Resolved: false})
	fs.SaveAlert(context.Background(), models.Alert{ID: "a2", ChildID: "child-9", Resolved: true})

	m := New(fs, Config{Interval: time.Hour, Policy: neverPolicy{}})
	defer m.Stop()
	m.Start(context.Background(), "child-9")

	hist := m.History()
	if len(hist) != 3 {
		t.Fatalf("loaded history length = %d, want 3", len(hist))
	}
	if hist[0].HeartRate != 80 || hist[2].HeartRate != 82 {
		t.Errorf("loaded history out of order: %+v", hist)
	}
	if live := m.Live(); live == nil || live.HeartRate != 82 {
		t.Errorf("live = %+v, want latest loaded reading", live)
	}
	active := m.ActiveAlerts()
	if len(active) != 1 || active[0].ID != "a1" {
		t.Errorf("active alerts = %+v, want only the unresolved one", active)
	}
}

func TestStartDegradesWhenLoadsFail(t *testing.T) {
	fs := newFakeStore()
	fs.failLoads = true

	m := New(fs, Config{Interval: time.Hour, Policy: neverPolicy{}})
	defer m.Stop()
	if err := m.Start(context.Background(), "child-9"); err != nil {
		t.Fatalf("Start should degrade gracefully, got %v", err)
	}
	if len(m.History()) != 0 || m.Live() != nil || len(m.ActiveAlerts()) != 0 {
		t.Error("expected empty local state when loads fail")
	}
}

func TestSubscriptionEchoNotDuplicated(t *testing.T) {
	fs := newFakeStore()
	seeded := models.BiometricSample{
		HeartRate: 88, StressLevel: models.StressLow,
		SkinTemperature: 36.6, Activity: models.ActivityActive,
		Timestamp: time.Now(), // nanosecond precision, as local samples carry
	}
	fs.SaveBiometric(context.Background(), "child-9", seeded)

	m := New(fs, Config{Interval: time.Hour, Policy: neverPolicy{}})
	defer m.Stop()
	m.Start(context.Background(), "child-9")

	// the notification payload round-trips through Postgres, which keeps
	// only microseconds
	echo := seeded
	echo.Timestamp = echo.Timestamp.Truncate(time.Microsecond)
	m.onRemoteSample(echo)

	if n := len(m.History()); n != 1 {
		t.Fatalf("history length = %d after echo of own reading, want 1", n)
	}

	// a genuinely new remote reading still lands
	other := seeded
	other.Timestamp = other.Timestamp.Add(5 * time.Second).Truncate(time.Microsecond)
	m.onRemoteSample(other)
	if n := len(m.History()); n != 2 {
		t.Fatalf("history length = %d after new remote reading, want 2", n)
	}
}

type blockingStore struct {
	*fakeStore
	gate chan struct{}
}

func (b *blockingStore) BiometricHistory(ctx context.Context, childID string, limit int) ([]models.BiometricSample, error) {
	<-b.gate
	return b.fakeStore.BiometricHistory(ctx, childID, limit)
}

func TestStopDuringStartLoad(t *testing.T) {
	bs := &blockingStore{fakeStore: newFakeStore(), gate: make(chan struct{})}
	m := New(bs, Config{Interval: 2 * time.Millisecond, Policy: neverPolicy{}})
	defer m.Stop()

	started := make(chan struct{})
	go func() {
		m.Start(context.Background(), "child-9")
		close(started)
	}()

	waitFor(t, "monitoring flag", m.Monitoring)
	m.Stop()
	close(bs.gate)
	<-started

	time.Sleep(30 * time.Millisecond)
	if m.Monitoring() {
		t.Error("still monitoring after Stop won the startup race")
	}
	if n := bs.savedSamples("child-9"); n != 0 {
		t.Errorf("%d samples saved by a cadence that should never have started", n)
	}
	if len(m.History()) != 0 {
		t.Error("stale loaded state applied after Stop")
	}
}

func TestAlertsRaisedAndPersistedStoreFirst(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, Config{
		Interval: 5 * time.Millisecond,
		Policy:   NewRandomPolicy(1.0), // alert every tick
	})
	defer m.Stop()

	m.Start(context.Background(), "child-9")
	waitFor(t, "an alert", func() bool { return len(m.ActiveAlerts()) > 0 })
	m.Stop()

	fs.mu.Lock()
	stored := len(fs.alerts["child-9"])
	fs.mu.Unlock()
	if stored == 0 {
		t.Error("alert applied locally but never persisted")
	}
}

func TestAlertNotAppliedLocallyWhenSaveFails(t *testing.T) {
	fs := newFakeStore()
	fs.failSave = true
	m := New(fs, Config{
		Interval: 5 * time.Millisecond,
		Policy:   NewRandomPolicy(1.0),
	})
	defer m.Stop()

	m.Start(context.Background(), "child-9")
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	if n := len(m.ActiveAlerts()); n != 0 {
		t.Errorf("%d alerts applied locally despite store failures", n)
	}
}

func TestResolveAlert(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, Config{Interval: time.Hour, Policy: neverPolicy{}})
	defer m.Stop()

	fs.SaveAlert(context.Background(), models.Alert{ID: "a1", ChildID: "child-9"})
	m.Start(context.Background(), "child-9")

	if err := m.ResolveAlert(context.Background(), "a1"); err != nil {
		t.Fatalf("ResolveAlert failed: %v", err)
	}
	if len(m.ActiveAlerts()) != 0 {
		t.Error("alert still active after resolve")
	}
	fs.mu.Lock()
	if !fs.alerts["child-9"][0].Resolved {
		t.Error("alert not resolved in store")
	}
	fs.mu.Unlock()

	// resolving again: unchanged, no error
	if err := m.ResolveAlert(context.Background(), "a1"); err != nil {
		t.Errorf("second resolve errored: %v", err)
	}
}

func TestResolveAlertStoreFailureLeavesLocalUnresolved(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, Config{Interval: time.Hour, Policy: neverPolicy{}})
	defer m.Stop()

	fs.SaveAlert(context.Background(), models.Alert{ID: "a1", ChildID: "child-9"})
	m.Start(context.Background(), "child-9")

	fs.failResolv = true
	if err := m.ResolveAlert(context.Background(), "a1"); err == nil {
		t.Fatal("expected error when the store write fails")
	}
	if len(m.ActiveAlerts()) != 1 {
		t.Error("local alert must stay unresolved past a store failure")
	}
}
