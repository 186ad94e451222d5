package mcp

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/persistence"
)

func TestProbeDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, 600 * time.Millisecond},
		{3, 900 * time.Millisecond},
		{4, 1200 * time.Millisecond},
		{5, 1500 * time.Millisecond},
		{6, 1500 * time.Millisecond},
		{15, 1500 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := probeDelay(tc.attempt); got != tc.want {
			t.Errorf("probeDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDegradedAccepted(t *testing.T) {
	for attempt := 1; attempt <= healthAttempts; attempt++ {
		want := attempt >= healthAttempts-1
		if got := degradedAccepted(attempt); got != want {
			t.Errorf("degradedAccepted(%d) = %v, want %v", attempt, got, want)
		}
	}
}

// fakeServiceStore is an in-memory ServiceStore.
type fakeServiceStore struct {
	mu    sync.Mutex
	rows  map[string]*persistence.McpService
	marks map[string][]persistence.ServiceStatus
}

func newFakeServiceStore() *fakeServiceStore {
	return &fakeServiceStore{
		rows:  make(map[string]*persistence.McpService),
		marks: make(map[string][]persistence.ServiceStatus),
	}
}

func (f *fakeServiceStore) markedStatuses(name string) []persistence.ServiceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks[name]
}

func (f *fakeServiceStore) UpsertService(_ context.Context, name string, port, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[name] = &persistence.McpService{Name: name, Port: port, PID: pid, Status: persistence.ServiceRunning}
	return nil
}

func (f *fakeServiceStore) MarkServiceStatus(_ context.Context, name string, status persistence.ServiceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[name]
	if !ok {
		return persistence.ErrNotFound
	}
	row.Status = status
	f.marks[name] = append(f.marks[name], status)
	return nil
}

func (f *fakeServiceStore) GetService(_ context.Context, name string) (*persistence.McpService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[name]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", name, persistence.ErrNotFound)
	}
	cp := *row
	return &cp, nil
}

func (f *fakeServiceStore) ListServices(_ context.Context) ([]persistence.McpService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.McpService
	for _, row := range f.rows {
		out = append(out, *row)
	}
	return out, nil
}

func (f *fakeServiceStore) DeleteServicesNotIn(_ context.Context, keep []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keepSet := make(map[string]bool, len(keep))
	for _, n := range keep {
		keepSet[n] = true
	}
	var removed []string
	for name := range f.rows {
		if !keepSet[name] {
			delete(f.rows, name)
			removed = append(removed, name)
		}
	}
	return removed, nil
}

func (f *fakeServiceStore) DedupeServices(context.Context) (int64, error) { return 0, nil }

// fakeProc satisfies serverProcess without a subprocess.
type fakeProc struct {
	pid   int
	alive bool

	mu      sync.Mutex
	stopped bool
}

func (p *fakeProc) PID() int    { return p.pid }
func (p *fakeProc) Alive() bool { return p.alive }
func (p *fakeProc) Stop(time.Duration) {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *fakeProc) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// scriptedProber returns its results in order, repeating the last.
type scriptedProber struct {
	mu      sync.Mutex
	results []Health
}

func (p *scriptedProber) Probe(context.Context, int) Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return Unhealthy
	}
	h := p.results[0]
	if len(p.results) > 1 {
		p.results = p.results[1:]
	}
	return h
}

func testSupervisor(store ServiceStore, eventBus *bus.Bus, servers []config.McpServerConfig, prober Prober, proc *fakeProc) (*Supervisor, *int) {
	s := NewSupervisor(store, eventBus, servers, nil)
	s.prober = prober
	s.delay = func(int) time.Duration { return 0 }
	spawns := 0
	s.spawn = func(config.McpServerConfig) (serverProcess, error) {
		spawns++
		return proc, nil
	}
	return s, &spawns
}

func TestStartAll_HealthyServerRecordedAndAnnounced(t *testing.T) {
	store := newFakeServiceStore()
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicMcpReady)
	defer eventBus.Unsubscribe(sub)

	servers := []config.McpServerConfig{{Name: "posts", Command: "posts-server", Port: 19301, Enabled: true}}
	proc := &fakeProc{pid: 4242, alive: true}
	s, spawns := testSupervisor(store, eventBus, servers, &scriptedProber{results: []Health{Healthy}}, proc)

	if err := s.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if *spawns != 1 {
		t.Fatalf("spawns = %d, want 1", *spawns)
	}
	row, err := store.GetService(context.Background(), "posts")
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if row.PID != 4242 || row.Status != persistence.ServiceRunning {
		t.Fatalf("row = %+v", row)
	}

	select {
	case ev := <-sub.Ch():
		ready, ok := ev.Payload.(bus.McpReadyEvent)
		if !ok || ready.Name != "posts" || ready.Port != 19301 {
			t.Fatalf("ready event = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no mcp.ready event")
	}
}

func TestStartServer_DiesDuringStartup(t *testing.T) {
	store := newFakeServiceStore()
	servers := []config.McpServerConfig{{Name: "posts", Command: "posts-server", Port: 19302, Enabled: true}}
	proc := &fakeProc{pid: 1, alive: false}
	s, _ := testSupervisor(store, nil, servers, &scriptedProber{results: []Health{Healthy}}, proc)

	err := s.startServer(context.Background(), servers[0])
	if err == nil {
		t.Fatal("expected startup failure")
	}
	if !proc.wasStopped() {
		t.Fatal("dead process was not cleaned up")
	}
	if _, err := store.GetService(context.Background(), "posts"); err == nil {
		t.Fatal("failed server was recorded as running")
	}
}

func TestStartServer_DegradedOnlyAcceptedLate(t *testing.T) {
	store := newFakeServiceStore()
	servers := []config.McpServerConfig{{Name: "posts", Command: "posts-server", Port: 19303, Enabled: true}}
	proc := &fakeProc{pid: 7, alive: true}

	// Degraded forever: accepted, but only once the loop reaches the final
	// attempts.
	prober := &scriptedProber{results: []Health{Degraded}}
	s, _ := testSupervisor(store, nil, servers, prober, proc)

	if err := s.startServer(context.Background(), servers[0]); err != nil {
		t.Fatalf("startServer: %v", err)
	}
	row, err := store.GetService(context.Background(), "posts")
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if row.Status != persistence.ServiceRunning {
		t.Fatalf("status = %s, want running", row.Status)
	}
}

func TestStartServer_UnhealthyExhaustsAttempts(t *testing.T) {
	store := newFakeServiceStore()
	servers := []config.McpServerConfig{{Name: "posts", Command: "posts-server", Port: 19304, Enabled: true}}
	proc := &fakeProc{pid: 7, alive: true}
	s, _ := testSupervisor(store, nil, servers, &scriptedProber{results: []Health{Unhealthy}}, proc)

	if err := s.startServer(context.Background(), servers[0]); err == nil {
		t.Fatal("expected health check failure")
	}
	if !proc.wasStopped() {
		t.Fatal("unhealthy process was not stopped")
	}
}

func TestReconcile_RestartsCrashedServer(t *testing.T) {
	store := newFakeServiceStore()
	servers := []config.McpServerConfig{{Name: "posts", Command: "posts-server", Port: 19305, Enabled: true}}
	proc := &fakeProc{pid: os.Getpid(), alive: true}
	s, spawns := testSupervisor(store, nil, servers, &scriptedProber{results: []Health{Healthy}}, proc)

	// Recorded pid no longer exists: the server crashed.
	_ = store.UpsertService(context.Background(), "posts", 19305, -1)
	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if *spawns != 1 {
		t.Fatalf("spawns = %d, want 1 restart", *spawns)
	}
	row, _ := store.GetService(context.Background(), "posts")
	if row.PID != os.Getpid() {
		t.Fatalf("row pid = %d, want %d", row.PID, os.Getpid())
	}
	// A dead pid is a stopped server, not a failing one.
	marks := store.markedStatuses("posts")
	if len(marks) == 0 || marks[0] != persistence.ServiceStopped {
		t.Fatalf("marks = %v, want stopped first", marks)
	}
}

func TestReconcile_MarksUnhealthyServerError(t *testing.T) {
	store := newFakeServiceStore()
	servers := []config.McpServerConfig{{Name: "posts", Command: "posts-server", Port: 19309, Enabled: true}}
	proc := &fakeProc{pid: os.Getpid(), alive: true}
	// First probe fails the liveness check; the restart then comes up healthy.
	s, spawns := testSupervisor(store, nil, servers, &scriptedProber{results: []Health{Unhealthy, Healthy}}, proc)

	_ = store.UpsertService(context.Background(), "posts", 19309, os.Getpid())
	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if *spawns != 1 {
		t.Fatalf("spawns = %d, want 1 restart", *spawns)
	}
	marks := store.markedStatuses("posts")
	if len(marks) == 0 || marks[0] != persistence.ServiceError {
		t.Fatalf("marks = %v, want error first", marks)
	}
}

func TestReconcile_LeavesHealthyServerAlone(t *testing.T) {
	store := newFakeServiceStore()
	servers := []config.McpServerConfig{{Name: "posts", Command: "posts-server", Port: 19306, Enabled: true}}
	proc := &fakeProc{pid: os.Getpid(), alive: true}
	s, spawns := testSupervisor(store, nil, servers, &scriptedProber{results: []Health{Healthy}}, proc)

	_ = store.UpsertService(context.Background(), "posts", 19306, os.Getpid())
	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if *spawns != 0 {
		t.Fatalf("spawns = %d, want 0", *spawns)
	}
}

func TestCollectDisabled(t *testing.T) {
	store := newFakeServiceStore()
	_ = store.UpsertService(context.Background(), "old", 19307, 1)
	servers := []config.McpServerConfig{
		{Name: "posts", Command: "posts-server", Port: 19308, Enabled: true},
		{Name: "old", Command: "old-server", Port: 19307, Enabled: false},
	}
	s, _ := testSupervisor(store, nil, servers, &scriptedProber{}, &fakeProc{})

	if err := s.CollectDisabled(context.Background()); err != nil {
		t.Fatalf("CollectDisabled: %v", err)
	}
	if _, err := store.GetService(context.Background(), "old"); err == nil {
		t.Fatal("disabled server row survived collection")
	}
}
