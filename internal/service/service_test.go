package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dealwatch/internal/config"
	"dealwatch/internal/monitor"
	"dealwatch/internal/source"
	"dealwatch/internal/storage"
)

// memStore is an in-memory Store for cycle tests.
type memStore struct {
	mu           sync.Mutex
	ids          []string
	items        map[string]storage.TrackedItem
	observations []storage.Observation
	lastRotation *time.Time
}

func newMemStore(ids ...string) *memStore {
	s := &memStore{items: make(map[string]storage.TrackedItem)}
	for _, id := range ids {
		s.ids = append(s.ids, id)
		s.items[id] = storage.TrackedItem{Platform: "shop", ExternalID: id}
	}
	return s
}

func (s *memStore) GetItem(_ context.Context, _, externalID string) (storage.TrackedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[externalID]
	if !ok {
		return storage.TrackedItem{}, storage.ErrItemNotFound
	}
	return item, nil
}

func (s *memStore) UpdateItem(_ context.Context, item storage.TrackedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ExternalID]; !ok {
		return storage.ErrItemNotFound
	}
	s.items[item.ExternalID] = item
	return nil
}

func (s *memStore) ListIdentifiers(_ context.Context, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...), nil
}

func (s *memStore) Count(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids), nil
}

func (s *memStore) AddItems(_ context.Context, platform string, items []storage.NewItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, item := range items {
		if _, ok := s.items[item.ExternalID]; ok {
			continue
		}
		s.ids = append(s.ids, item.ExternalID)
		s.items[item.ExternalID] = storage.TrackedItem{Platform: platform, ExternalID: item.ExternalID, Topic: item.Topic}
		added++
	}
	return added, nil
}

func (s *memStore) RemoveIdentifiers(_ context.Context, _ string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := s.ids[:0]
	removed := 0
	for _, id := range s.ids {
		if _, ok := drop[id]; ok {
			delete(s.items, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.ids = kept
	return removed, nil
}

func (s *memStore) OldestIdentifiers(_ context.Context, _ string, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.ids) {
		n = len(s.ids)
	}
	return append([]string(nil), s.ids[:n]...), nil
}

func (s *memStore) DeadIdentifiers(_ context.Context, _ string, deadAfter, noImageAfter int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.ids {
		item := s.items[id]
		if item.DeadFailCount >= deadAfter || item.NoImageFailCount >= noImageAfter {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *memStore) MarkDeadCheck(_ context.Context, _, externalID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[externalID]
	if !ok {
		return 0, storage.ErrItemNotFound
	}
	item.DeadFailCount++
	item.LastDeadReason = &reason
	s.items[externalID] = item
	return item.DeadFailCount, nil
}

func (s *memStore) MarkImageFail(_ context.Context, _, externalID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[externalID]
	if !ok {
		return 0, storage.ErrItemNotFound
	}
	item.NoImageFailCount++
	s.items[externalID] = item
	return item.NoImageFailCount, nil
}

func (s *memStore) ResetImageFail(_ context.Context, _, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[externalID]; ok {
		item.NoImageFailCount = 0
		s.items[externalID] = item
	}
	return nil
}

func (s *memStore) LastRotation(_ context.Context, _ string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRotation, nil
}

func (s *memStore) MarkRotation(_ context.Context, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRotation = &at
	return nil
}

func (s *memStore) AppendObservation(_ context.Context, obs storage.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observations = append(s.observations, obs)
	return nil
}

func (s *memStore) ListObservations(_ context.Context, _, externalID string, _, _ time.Time) ([]storage.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Observation
	for _, obs := range s.observations {
		if obs.ExternalID == externalID {
			out = append(out, obs)
		}
	}
	return out, nil
}

func (s *memStore) RecentObservations(_ context.Context, _ string, limit int) ([]storage.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.observations) {
		limit = len(s.observations)
	}
	return append([]storage.Observation(nil), s.observations[len(s.observations)-limit:]...), nil
}

// lockedStore layers a recording advisory lock over memStore.
type lockedStore struct {
	*memStore
	lockMu   sync.Mutex
	held     bool
	acquired int
	released int
}

func (s *lockedStore) TryAdvisoryLock(_ context.Context, _ int64) (func(), bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.held {
		return nil, false, nil
	}
	s.acquired++
	return func() {
		s.lockMu.Lock()
		s.released++
		s.lockMu.Unlock()
	}, true, nil
}

// cycleAdapter lists a fixed entry set and serves priced details.
type cycleAdapter struct {
	entries []source.Entry
	price   string
	block   chan struct{} // when set, FetchDetail waits until closed
	closed  int
}

type cycleListing struct {
	entries []source.Entry
	done    bool
}

func (l *cycleListing) Next(_ context.Context) ([]source.Entry, error) {
	if l.done {
		return nil, source.ErrExhausted
	}
	l.done = true
	return l.entries, nil
}

func (a *cycleAdapter) ListTopic(_ context.Context, _ string) (source.Listing, error) {
	return &cycleListing{entries: a.entries}, nil
}

func (a *cycleAdapter) FetchDetail(ctx context.Context, id string) (source.Detail, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return source.Detail{}, ctx.Err()
		}
	}
	price := decimal.RequireFromString(a.price)
	return source.Detail{Title: "Item " + id, Price: &price}, nil
}

func (a *cycleAdapter) Reconnect(_ context.Context) error { return nil }

func (a *cycleAdapter) Close() error {
	a.closed++
	return nil
}

func testServiceConfig(target int) *config.Config {
	return &config.Config{
		Platforms: map[string]config.PlatformConfig{
			"shop": {Enabled: true, Interval: time.Minute, Topics: []string{"phones"}},
		},
		Catalog: config.CatalogConfig{TargetCount: target, DeadAfter: 3, NoImageAfter: 3},
		Acquire: config.AcquireConfig{QuietStepsStop: 2, MaxListSteps: 10, MaxPasses: 2},
		Monitor: config.MonitorConfig{MaxErrors: 3, MaxRecoveries: 2},
		Detect:  config.DetectConfig{StabilityWindow: 2},
		Publish: config.PublishConfig{Enabled: false, MinPriceDropPercent: 10, MaxPostsPerHour: 10},
	}
}

func entrySet(n int) []source.Entry {
	out := make([]source.Entry, n)
	for i := range out {
		out[i] = source.Entry{ID: fmt.Sprintf("n%02d", i), Topic: "phones"}
	}
	return out
}

func TestRunPlatformCycleCollectsWhenEmpty(t *testing.T) {
	store := newMemStore()
	adapter := &cycleAdapter{entries: entrySet(5), price: "100"}
	factory := func(_ string, _ config.PlatformConfig) (source.Adapter, error) { return adapter, nil }

	orch := New(testServiceConfig(5), store, factory, nil, zerolog.Nop())
	report, err := orch.RunPlatformCycle(context.Background(), "shop")
	if err != nil {
		t.Fatalf("RunPlatformCycle: %v", err)
	}

	if report.Mode != "collect" {
		t.Fatalf("mode = %s, want collect on empty catalog", report.Mode)
	}
	if report.Acquired != 5 {
		t.Fatalf("acquired = %d, want 5", report.Acquired)
	}
	if report.Monitored != 5 {
		t.Fatalf("monitored = %d, want the freshly acquired set", report.Monitored)
	}
	if report.Reason != monitor.ReasonCompleted {
		t.Fatalf("reason = %s, want completed", report.Reason)
	}
	if adapter.closed != 1 {
		t.Fatalf("adapter closed %d times, want 1", adapter.closed)
	}
	if len(store.observations) != 5 {
		t.Fatalf("observations = %d, want 5", len(store.observations))
	}
}

func TestRunPlatformCycleMonitorsExistingCatalog(t *testing.T) {
	store := newMemStore("a", "b", "c")
	adapter := &cycleAdapter{price: "100"}
	factory := func(_ string, _ config.PlatformConfig) (source.Adapter, error) { return adapter, nil }

	orch := New(testServiceConfig(3), store, factory, nil, zerolog.Nop())
	report, err := orch.RunPlatformCycle(context.Background(), "shop")
	if err != nil {
		t.Fatalf("RunPlatformCycle: %v", err)
	}
	if report.Mode != "monitor" {
		t.Fatalf("mode = %s, want monitor", report.Mode)
	}
	if report.Acquired != 0 {
		t.Fatalf("acquired = %d, want 0 in monitor mode", report.Acquired)
	}
	if report.Monitored != 3 {
		t.Fatalf("monitored = %d, want 3", report.Monitored)
	}
}

func TestRunPlatformCycleSkipsConcurrentRun(t *testing.T) {
	store := newMemStore("a")
	block := make(chan struct{})
	adapter := &cycleAdapter{price: "100", block: block}
	factory := func(_ string, _ config.PlatformConfig) (source.Adapter, error) { return adapter, nil }

	orch := New(testServiceConfig(1), store, factory, nil, zerolog.Nop())

	firstDone := make(chan CycleReport, 1)
	go func() {
		report, _ := orch.RunPlatformCycle(context.Background(), "shop")
		firstDone <- report
	}()

	// Wait for the first run to take the platform lock.
	for {
		orch.mu.Lock()
		running := orch.running["shop"]
		orch.mu.Unlock()
		if running {
			break
		}
		time.Sleep(time.Millisecond)
	}

	second, err := orch.RunPlatformCycle(context.Background(), "shop")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !second.Skipped {
		t.Fatal("second concurrent run was not skipped")
	}

	close(block)
	first := <-firstDone
	if first.Skipped {
		t.Fatal("first run reported skipped")
	}
}

func TestCollectTakesPlatformLock(t *testing.T) {
	store := &lockedStore{memStore: newMemStore()}
	adapter := &cycleAdapter{entries: entrySet(3), price: "100"}
	factory := func(_ string, _ config.PlatformConfig) (source.Adapter, error) { return adapter, nil }

	orch := New(testServiceConfig(3), store, factory, nil, zerolog.Nop())
	report, err := orch.Collect(context.Background(), "shop")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Acquired != 3 {
		t.Fatalf("acquired = %d, want 3", report.Acquired)
	}
	if store.acquired != 1 {
		t.Fatalf("advisory lock acquired %d times, want 1", store.acquired)
	}
	if store.released != 1 {
		t.Fatalf("advisory lock released %d times, want 1", store.released)
	}
}

func TestCollectSkipsWhenPlatformLockHeldElsewhere(t *testing.T) {
	store := &lockedStore{memStore: newMemStore(), held: true}
	adapter := &cycleAdapter{entries: entrySet(3), price: "100"}
	factory := func(_ string, _ config.PlatformConfig) (source.Adapter, error) { return adapter, nil }

	orch := New(testServiceConfig(3), store, factory, nil, zerolog.Nop())
	report, err := orch.Collect(context.Background(), "shop")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !report.Skipped {
		t.Fatal("collect ran despite the platform lock being held elsewhere")
	}
	if len(store.ids) != 0 {
		t.Fatalf("catalog mutated to %d identifiers while lock held elsewhere", len(store.ids))
	}
}

func TestRunPlatformCycleUnknownPlatform(t *testing.T) {
	store := newMemStore()
	factory := func(_ string, _ config.PlatformConfig) (source.Adapter, error) {
		return &cycleAdapter{price: "1"}, nil
	}

	orch := New(testServiceConfig(1), store, factory, nil, zerolog.Nop())
	if _, err := orch.RunPlatformCycle(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unconfigured platform")
	}
}

func TestCollectFillsWithoutMonitoring(t *testing.T) {
	store := newMemStore()
	adapter := &cycleAdapter{entries: entrySet(4), price: "100"}
	factory := func(_ string, _ config.PlatformConfig) (source.Adapter, error) { return adapter, nil }

	orch := New(testServiceConfig(4), store, factory, nil, zerolog.Nop())
	report, err := orch.Collect(context.Background(), "shop")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Acquired != 4 {
		t.Fatalf("acquired = %d, want 4", report.Acquired)
	}
	if len(store.observations) != 0 {
		t.Fatalf("collect must not monitor, got %d observations", len(store.observations))
	}
	if adapter.closed != 1 {
		t.Fatalf("adapter closed %d times, want 1", adapter.closed)
	}
}
