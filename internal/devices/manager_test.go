package devices

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenPNIO/internal/ar"
	"github.com/KevinKickass/OpenPNIO/internal/processimage"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/ethernet"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/rpc"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

const jsonProfile = `{
  "profile": {"id": "et200-test", "vendor": "Test", "model": "IM155"},
  "submodules": [
    {"slot": 1, "subslot": 1, "module_ident": 16, "submodule_ident": 17, "direction": "input", "data_length": 4},
    {"slot": 9, "subslot": 1, "module_ident": 144, "submodule_ident": 145, "direction": "output", "data_length": 1}
  ]
}`

const yamlProfile = `
profile:
  id: valve-island
submodules:
  - slot: 2
    subslot: 1
    module_ident: 0x20
    submodule_ident: 0x21
    direction: bidirectional
    data_length: 2
`

func writeProfiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestProfileLoader(t *testing.T) {
	dir := writeProfiles(t, map[string]string{
		"et200.json":   jsonProfile,
		"valves.yaml":  yamlProfile,
		"broken.json":  `{"profile": {"id": "x"}, "submodules": [{"slot": 1}]}`,
		"twice.yml":    "profile:\n  id: twice\nsubmodules:\n  - {slot: 1, subslot: 1, module_ident: 1, submodule_ident: 1, direction: input, data_length: 1}\n  - {slot: 1, subslot: 1, module_ident: 1, submodule_ident: 2, direction: output, data_length: 1}\n",
		"badenum.json": `{"profile": {"id": "x"}, "submodules": [{"slot": 1, "subslot": 1, "module_ident": 1, "submodule_ident": 1, "direction": "sideways", "data_length": 1}]}`,
	})

	loader, err := NewProfileLoader([]string{filepath.Join(dir, "missing"), dir})
	if err != nil {
		t.Fatalf("NewProfileLoader: %v", err)
	}

	tests := []struct {
		name    string
		profile string
		subs    int
		wantErr string
	}{
		{"json", "et200", 2, ""},
		{"yaml with hex idents", "valves", 1, ""},
		{"missing required field", "broken", 0, "schema validation failed"},
		{"duplicate submodule", "twice", 0, "defined twice"},
		{"unknown direction", "badenum", 0, "schema validation failed"},
		{"not found", "nothing", 0, "profile not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := loader.Load(tt.profile)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load(%s): got %v, want error containing %q", tt.profile, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load(%s): %v", tt.profile, err)
			}
			if len(p.Submodules) != tt.subs {
				t.Fatalf("submodules: got %d, want %d", len(p.Submodules), tt.subs)
			}
		})
	}

	p, _ := loader.Load("valves")
	if s := p.Submodules[0]; s.ModuleIdent != 0x20 || s.Direction != types.DirectionBidirectional {
		t.Fatalf("yaml decode: %+v", s)
	}

	again, _ := loader.Load("et200")
	first, _ := loader.Load("et200")
	if again != first {
		t.Fatalf("profile not cached")
	}
}

func TestValidateProfileDefinition(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	def := &types.SlotProfileDefinition{
		Profile: types.SlotProfileInfo{ID: "x"},
		Submodules: []types.Submodule{
			{Slot: 1, Subslot: 1, Direction: types.DirectionInput, DataLength: 2000},
		},
	}
	if err := v.ValidateProfileDefinition(def); err == nil {
		t.Fatalf("expected data_length above the frame limit to be rejected")
	}
	def.Submodules[0].DataLength = 8
	if err := v.ValidateProfileDefinition(def); err != nil {
		t.Fatalf("ValidateProfileDefinition: %v", err)
	}
}

type acceptingConnector struct {
	mu    sync.Mutex
	calls int
}

func (c *acceptingConnector) Connect(ctx context.Context, p rpc.ConnectParams) (*rpc.ConnectResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return &rpc.ConnectResult{
		Session:       &rpc.Session{ARUUID: p.ARUUID, SessionKey: p.SessionKey},
		InputFrameID:  p.IOCR.InputFrameID,
		OutputFrameID: p.IOCR.OutputFrameID,
	}, nil
}

func (c *acceptingConnector) PrmEnd(ctx context.Context, sess *rpc.Session) error  { return nil }
func (c *acceptingConnector) Release(ctx context.Context, sess *rpc.Session) error { return nil }
func (c *acceptingConnector) OnApplicationReady(id uuid.UUID, fn func()) func()    { return func() {} }

type nullTransport struct{}

func (nullTransport) Send(dst net.HardwareAddr, payload []byte) error { return nil }
func (nullTransport) Subscribe(src net.HardwareAddr) (<-chan ethernet.Received, func()) {
	return make(chan ethernet.Received), func() {}
}

type eventLog struct {
	mu     sync.Mutex
	events []ar.Event
}

func (l *eventLog) ARStateChanged(ev ar.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) AlarmReceived(ar.AlarmEvent) {}

func newTestManager(t *testing.T) (*Manager, *acceptingConnector) {
	t.Helper()
	dir := writeProfiles(t, map[string]string{"et200.json": jsonProfile, "valves.yaml": yamlProfile})

	im, err := processimage.Open("", 0)
	if err != nil {
		t.Fatalf("processimage.Open: %v", err)
	}
	t.Cleanup(func() { im.Close() })

	conn := &acceptingConnector{}
	m, err := NewManager([]string{dir}, Options{
		Connector: conn,
		Transport: nullTransport{},
		Image:     im,
		Sink:      &eventLog{},
		Defaults: ARDefaults{
			SendClockFactor: 32,
			ReductionRatio:  32,
			WatchdogFactor:  3,
			ConnectTimeout:  time.Second,
			ReleaseTimeout:  100 * time.Millisecond,
			StartupGrace:    time.Minute,
		},
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return m, conn
}

func descriptor(name, profile string, last byte) types.RTUDescriptor {
	return types.RTUDescriptor{
		Name:        name,
		StationName: name,
		MAC:         net.HardwareAddr{0x02, 0, 0, 0, 0, last},
		IP:          net.IPv4(192, 168, 0, last),
		Profile:     profile,
	}
}

func TestManagerRegistry(t *testing.T) {
	m, conn := newTestManager(t)

	if err := m.Register(descriptor("rtu-b", "valves", 2)); err != nil {
		t.Fatalf("Register rtu-b: %v", err)
	}
	if err := m.Register(descriptor("rtu-a", "et200", 1)); err != nil {
		t.Fatalf("Register rtu-a: %v", err)
	}
	if err := m.Register(descriptor("rtu-a", "et200", 1)); err == nil {
		t.Fatalf("duplicate Register should fail")
	}
	if err := m.Register(descriptor("rtu-c", "unknown", 3)); err == nil {
		t.Fatalf("Register with unknown profile should fail")
	}

	list := m.List()
	if len(list) != 2 || list[0].RTU != "rtu-a" || list[1].RTU != "rtu-b" {
		t.Fatalf("List: %+v", list)
	}
	for _, s := range list {
		if s.State != ar.StateIdle {
			t.Fatalf("%s: got %s, want IDLE", s.RTU, s.State)
		}
	}

	if err := m.Connect(context.Background(), "rtu-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st, _ := m.State("rtu-a"); st != ar.StateEstablished {
		t.Fatalf("state: got %s, want ESTABLISHED", st)
	}
	if conn.calls != 1 {
		t.Fatalf("connect calls: got %d, want 1", conn.calls)
	}

	if err := m.SetRunMode("rtu-a", false); err != nil {
		t.Fatalf("SetRunMode: %v", err)
	}
	if snap, _ := m.Snapshot("rtu-a"); snap.Run || snap.Stats == nil {
		t.Fatalf("snapshot: %+v", snap)
	}

	region, err := m.Region("rtu-a")
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	if err := region.WriteOutput(9, 1, []byte{0x01}); err != nil {
		t.Fatalf("WriteOutput: %v", err)
	}

	if err := m.Disconnect(context.Background(), "rtu-a"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if st, _ := m.State("rtu-a"); st != ar.StateAborted {
		t.Fatalf("state: got %s, want ABORTED", st)
	}
}

func TestManagerUnknownRTU(t *testing.T) {
	m, _ := newTestManager(t)

	checks := map[string]error{}
	checks["connect"] = m.Connect(context.Background(), "ghost")
	checks["disconnect"] = m.Disconnect(context.Background(), "ghost")
	_, checks["state"] = m.State("ghost")
	_, checks["snapshot"] = m.Snapshot("ghost")
	checks["mode"] = m.SetRunMode("ghost", true)
	_, checks["region"] = m.Region("ghost")

	for op, err := range checks {
		if !errors.Is(err, ErrUnknownRTU) {
			t.Errorf("%s: got %v, want ErrUnknownRTU", op, err)
		}
	}
}

func TestManagerRemove(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Register(descriptor("rtu-a", "et200", 1)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Connect(context.Background(), "rtu-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Remove(context.Background(), "rtu-a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := m.State("rtu-a"); !errors.Is(err, ErrUnknownRTU) {
		t.Fatalf("State after Remove: %v", err)
	}
	if err := m.Remove(context.Background(), "rtu-a"); !errors.Is(err, ErrUnknownRTU) {
		t.Fatalf("second Remove: %v", err)
	}

	if err := m.Register(descriptor("rtu-a", "et200", 1)); err != nil {
		t.Fatalf("Register after Remove: %v", err)
	}
	if err := m.Register(descriptor("rtu-a", "et200", 1)); !errors.Is(err, ErrRTUExists) {
		t.Fatalf("duplicate Register: %v", err)
	}
	// anderes Profil passt nicht in die reservierte Region
	if err := m.Remove(context.Background(), "rtu-a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := m.Register(descriptor("rtu-a", "valves", 1)); err == nil {
		t.Fatalf("Register with different profile should fail")
	}
}

func TestManagerConcurrentRegister(t *testing.T) {
	m, _ := newTestManager(t)

	const n = 16
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- m.Register(descriptor("rtu-a", "et200", 1))
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, ErrRTUExists):
			t.Fatalf("Register: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d of %d concurrent registrations succeeded, want 1", ok, n)
	}
	if list := m.List(); len(list) != 1 {
		t.Fatalf("List: %+v", list)
	}
}

func TestManagerAutoConnect(t *testing.T) {
	m, _ := newTestManager(t)

	a := descriptor("rtu-a", "et200", 1)
	a.AutoConnect = true
	if err := m.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(descriptor("rtu-b", "valves", 2)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m.AutoConnect(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := m.State("rtu-a"); st == ar.StateEstablished {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if st, _ := m.State("rtu-a"); st != ar.StateEstablished {
		t.Fatalf("rtu-a: got %s, want ESTABLISHED", st)
	}
	if st, _ := m.State("rtu-b"); st != ar.StateIdle {
		t.Fatalf("rtu-b: got %s, want IDLE", st)
	}
}
