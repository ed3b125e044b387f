package system

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/KevinKickass/OpenPNIO/internal/ar"
	"github.com/KevinKickass/OpenPNIO/internal/config"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/ethernet"
	"github.com/KevinKickass/OpenPNIO/internal/storage"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

const profile = `{
  "profile": {"id": "di"},
  "submodules": [
    {"slot": 1, "subslot": 1, "module_ident": 1, "submodule_ident": 1, "direction": "input", "data_length": 1}
  ]
}`

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateRunning, true},
		{StateInitializing, StateError, true},
		{StateRunning, StateStopping, true},
		{StateError, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopped, StateRunning, false},
		{StateRunning, StateInitializing, false},
	}
	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("%s -> %s: got %v, want ok=%v", tt.from, tt.to, err, tt.ok)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "di.json"), []byte(profile), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	t.Setenv("PNIO_SYS_TEST_JWT", "0123456789abcdef0123456789abcdef")

	cfg := &config.Config{}
	cfg.Auth.JWTSecretEnv = "PNIO_SYS_TEST_JWT"
	cfg.Auth.AccessTokenTTL = time.Hour
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Profinet = config.ProfinetConfig{
		Interface:       "pipe0",
		StationName:     "plc-test",
		InstanceID:      1,
		ConnectTimeout:  time.Second,
		ReleaseTimeout:  100 * time.Millisecond,
		StartupGrace:    time.Second,
		SendClockFactor: 32,
		ReductionRatio:  32,
		WatchdogFactor:  3,
	}
	cfg.Devices.SearchPaths = []string{dir}
	cfg.RTUs = []config.RTUConfig{
		{Name: "rtu-1", MAC: "02:00:00:00:00:01", IP: "127.0.0.2", Profile: "di"},
		{Name: "rtu-broken", MAC: "nope", IP: "127.0.0.3", Profile: "di"},
		{Name: "rtu-noprofile", MAC: "02:00:00:00:00:03", IP: "127.0.0.4", Profile: "missing"},
	}
	return cfg
}

func TestLifecycleStartStop(t *testing.T) {
	cfg := testConfig(t)
	local, _ := ethernet.Pipe(net.HardwareAddr{0x02, 0, 0, 0, 0, 0xAA}, net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01})

	lm, err := NewLifecycleManager(nil, cfg, zaptest.NewLogger(t), WithFrameConn(local))
	if err != nil {
		t.Fatalf("NewLifecycleManager: %v", err)
	}
	if err := lm.Start(); err != nil {
		lm.Shutdown(context.Background())
		t.Fatalf("Start: %v", err)
	}

	status := lm.GetCurrentStatus()
	if status.State != "RUNNING" || status.RTUCount != 1 || status.Established != 0 || status.Storage {
		t.Fatalf("status: %+v", status)
	}
	if st, err := lm.Registry().State("rtu-1"); err != nil || st != ar.StateIdle {
		t.Fatalf("rtu-1: %s, %v", st, err)
	}

	port := lm.GRPCAddr().(*net.TCPAddr).Port
	conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", port), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	checks := map[string]healthpb.HealthCheckResponse_ServingStatus{
		"":                     healthpb.HealthCheckResponse_SERVING,
		HealthService("rtu-1"): healthpb.HealthCheckResponse_NOT_SERVING,
	}
	for service, want := range checks {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q): %v", service, err)
		}
		if resp.GetStatus() != want {
			t.Fatalf("Check(%q): got %s, want %s", service, resp.GetStatus(), want)
		}
	}

	if err := lm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-lm.Done():
	default:
		t.Fatalf("Done not closed after Shutdown")
	}
	if s := lm.GetCurrentStatus(); s.State != "STOPPED" {
		t.Fatalf("state after shutdown: %s", s.State)
	}
	// zweiter Aufruf ist ein no-op
	if err := lm.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

type memoryStore struct {
	mu   sync.Mutex
	rows []storage.ARTransition
}

func (m *memoryStore) RecordTransition(ctx context.Context, t storage.ARTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, t)
	return nil
}

func (m *memoryStore) snapshot() []storage.ARTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.ARTransition(nil), m.rows...)
}

type countingSink struct {
	mu     sync.Mutex
	states []ar.State
	alarms int
}

func (s *countingSink) ARStateChanged(ev ar.Event) {
	s.mu.Lock()
	s.states = append(s.states, ev.State)
	s.mu.Unlock()
}

func (s *countingSink) AlarmReceived(ar.AlarmEvent) {
	s.mu.Lock()
	s.alarms++
	s.mu.Unlock()
}

func TestEventFanout(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := &memoryStore{}
	history := storage.NewHistoryWriter(store, logger)
	hs := health.NewServer()
	sink := &countingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		history.Run(ctx)
		close(done)
	}()

	f := &eventFanout{sinks: []ar.EventSink{sink}, history: history, health: hs, logger: logger}

	id := uuid.New()
	check := func(want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService("rtu-1")})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if resp.GetStatus() != want {
			t.Fatalf("health: got %s, want %s", resp.GetStatus(), want)
		}
	}

	f.ARStateChanged(ar.Event{RTU: "rtu-1", State: ar.StateConnecting, Previous: ar.StateIdle, ARUUID: id, Time: time.Now()})
	check(healthpb.HealthCheckResponse_NOT_SERVING)
	f.ARStateChanged(ar.Event{RTU: "rtu-1", State: ar.StateEstablished, Previous: ar.StateConnecting, ARUUID: id, Time: time.Now()})
	check(healthpb.HealthCheckResponse_SERVING)
	f.ARStateChanged(ar.Event{
		RTU:      "rtu-1",
		State:    ar.StateError,
		Previous: ar.StateEstablished,
		Reason:   types.ReasonWatchdogLoss,
		Detail:   "no valid frame for 12ms",
		ARUUID:   id,
		Time:     time.Now(),
	})
	check(healthpb.HealthCheckResponse_NOT_SERVING)

	f.AlarmReceived(ar.AlarmEvent{RTU: "rtu-1", ARUUID: id, Diagnostic: "prm end failed"})

	cancel()
	<-done

	rows := store.snapshot()
	if len(rows) != 3 {
		t.Fatalf("history rows: got %d, want 3", len(rows))
	}
	last := rows[2]
	if last.From != "ESTABLISHED" || last.To != "ERROR" || last.Reason != "watchdog_loss" || last.ARUUID != id {
		t.Fatalf("history row: %+v", last)
	}
	if len(sink.states) != 3 || sink.alarms != 1 {
		t.Fatalf("sink: %v states, %d alarms", sink.states, sink.alarms)
	}
}
