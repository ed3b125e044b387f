package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenPNIO/internal/api/websocket"
	"github.com/KevinKickass/OpenPNIO/internal/auth"
	"github.com/KevinKickass/OpenPNIO/internal/config"
	"github.com/KevinKickass/OpenPNIO/internal/devices"
	"github.com/KevinKickass/OpenPNIO/internal/interfaces"
	"github.com/KevinKickass/OpenPNIO/internal/processimage"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/codec"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/ethernet"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/rpc"
	"github.com/KevinKickass/OpenPNIO/internal/storage"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

const testProfile = `{
  "profile": {"id": "io-test"},
  "submodules": [
    {"slot": 1, "subslot": 1, "module_ident": 16, "submodule_ident": 17, "direction": "input", "data_length": 2},
    {"slot": 9, "subslot": 1, "module_ident": 144, "submodule_ident": 145, "direction": "output", "data_length": 1}
  ]
}`

var rejectingIP = net.IPv4(192, 168, 0, 2)

// scriptedConnector accepts every RTU except the one at rejectingIP.
type scriptedConnector struct{}

func (scriptedConnector) Connect(ctx context.Context, p rpc.ConnectParams) (*rpc.ConnectResult, error) {
	if p.Target.IP.Equal(rejectingIP) {
		return nil, &rpc.ConnectError{
			Reason:      types.ReasonNegotiationRejected,
			Status:      codec.PNIOStatus{0xDB, 0x81, 0x3E, 0x01},
			Diagnostics: []string{"slot 9: wrong module"},
		}
	}
	return &rpc.ConnectResult{
		Session:       &rpc.Session{ARUUID: p.ARUUID, SessionKey: p.SessionKey},
		InputFrameID:  p.IOCR.InputFrameID,
		OutputFrameID: p.IOCR.OutputFrameID,
	}, nil
}

func (scriptedConnector) PrmEnd(ctx context.Context, sess *rpc.Session) error  { return nil }
func (scriptedConnector) Release(ctx context.Context, sess *rpc.Session) error { return nil }
func (scriptedConnector) OnApplicationReady(id uuid.UUID, fn func()) func()    { return func() {} }

type nullTransport struct{}

func (nullTransport) Send(dst net.HardwareAddr, payload []byte) error { return nil }
func (nullTransport) Subscribe(src net.HardwareAddr) (<-chan ethernet.Received, func()) {
	return make(chan ethernet.Received), func() {}
}

type fakeLifecycle struct {
	cfg      *config.Config
	registry *devices.Manager
	stopped  chan struct{}
}

func (f *fakeLifecycle) Config() *config.Config           { return f.cfg }
func (f *fakeLifecycle) Storage() *storage.PostgresClient { return nil }
func (f *fakeLifecycle) Registry() *devices.Manager       { return f.registry }
func (f *fakeLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING", RTUCount: len(f.registry.List())}
}
func (f *fakeLifecycle) Shutdown(ctx context.Context) error {
	close(f.stopped)
	return nil
}

type fixture struct {
	server     *Server
	lm         *fakeLifecycle
	operator   string
	technician string
	admin      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("PNIO_REST_TEST_JWT", "0123456789abcdef0123456789abcdef")

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "io.json"), []byte(testProfile), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	im, err := processimage.Open("", 0)
	if err != nil {
		t.Fatalf("processimage.Open: %v", err)
	}
	t.Cleanup(func() { im.Close() })

	logger := zaptest.NewLogger(t)
	authCfg := config.AuthConfig{JWTSecretEnv: "PNIO_REST_TEST_JWT", AccessTokenTTL: time.Hour}
	authService, err := auth.NewAuthService(authCfg, logger)
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}
	hub := websocket.NewHub(logger, authService)

	registry, err := devices.NewManager([]string{dir}, devices.Options{
		Connector: scriptedConnector{},
		Transport: nullTransport{},
		Image:     im,
		Sink:      hub,
		Defaults: devices.ARDefaults{
			SendClockFactor: 32,
			ReductionRatio:  32,
			WatchdogFactor:  3,
			ConnectTimeout:  time.Second,
			ReleaseTimeout:  100 * time.Millisecond,
			StartupGrace:    time.Minute,
		},
	}, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { registry.StopAll(context.Background()) })

	for i, name := range []string{"rtu-ok", "rtu-bad"} {
		err := registry.Register(types.RTUDescriptor{
			Name:        name,
			StationName: name,
			MAC:         net.HardwareAddr{0x02, 0, 0, 0, 0, byte(i + 1)},
			IP:          net.IPv4(192, 168, 0, byte(i+1)),
			Profile:     "io",
		})
		if err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	cfg := &config.Config{Auth: authCfg}
	lm := &fakeLifecycle{cfg: cfg, registry: registry, stopped: make(chan struct{})}

	fx := &fixture{server: NewServer(lm, logger, hub, authService), lm: lm}
	fx.operator, _ = authService.IssueToken("hmi", auth.RoleOperator)
	fx.technician, _ = authService.IssueToken("tech", auth.RoleTechnician)
	fx.admin, _ = authService.IssueToken("root", auth.RoleAdmin)
	return fx
}

func (fx *fixture) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, out
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestRoutesAndPermissions(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   interface{}
		want   int
	}{
		{"health is public", "GET", "/health", "", nil, http.StatusOK},
		{"list needs auth", "GET", "/api/v1/rtus", "", nil, http.StatusUnauthorized},
		{"operator lists", "GET", "/api/v1/rtus", fx.operator, nil, http.StatusOK},
		{"operator reads one", "GET", "/api/v1/rtus/rtu-ok", fx.operator, nil, http.StatusOK},
		{"unknown rtu", "GET", "/api/v1/rtus/ghost", fx.operator, nil, http.StatusNotFound},
		{"operator cannot connect", "POST", "/api/v1/rtus/rtu-ok/connect", fx.operator, nil, http.StatusForbidden},
		{"operator cannot write", "PUT", "/api/v1/rtus/rtu-ok/outputs/9/1", fx.operator, gin.H{"value": []byte{1}}, http.StatusForbidden},
		{"connect unknown rtu", "POST", "/api/v1/rtus/ghost/connect", fx.technician, nil, http.StatusNotFound},
		{"profile", "GET", "/api/v1/rtus/rtu-ok/profile", fx.operator, nil, http.StatusOK},
		{"history without database", "GET", "/api/v1/rtus/rtu-ok/history", fx.operator, nil, http.StatusServiceUnavailable},
		{"history of unknown rtu", "GET", "/api/v1/rtus/ghost/history", fx.operator, nil, http.StatusNotFound},
		{"system status", "GET", "/api/v1/system/status", fx.operator, nil, http.StatusOK},
		{"shutdown needs admin", "POST", "/api/v1/system/shutdown", fx.technician, nil, http.StatusForbidden},
		{"ws status", "GET", "/api/v1/ws/status", fx.operator, nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := fx.do(t, tt.method, tt.path, tt.token, tt.body)
			if code != tt.want {
				t.Fatalf("status: got %d, want %d (%v)", code, tt.want, body)
			}
		})
	}
}

func TestConnectLifecycle(t *testing.T) {
	fx := newFixture(t)

	code, body := fx.do(t, "POST", "/api/v1/rtus/rtu-ok/connect", fx.technician, nil)
	if code != http.StatusOK || body["state"] != "ESTABLISHED" {
		t.Fatalf("connect: %d %v", code, body)
	}
	if body["rtu"] != "rtu-ok" || body["run"] != true {
		t.Fatalf("snapshot: %v", body)
	}

	code, body = fx.do(t, "POST", "/api/v1/rtus/rtu-ok/connect", fx.technician, nil)
	if code != http.StatusConflict || errorCode(body) != "AR_409" {
		t.Fatalf("second connect: %d %v", code, body)
	}

	code, body = fx.do(t, "PUT", "/api/v1/rtus/rtu-ok/mode", fx.technician, gin.H{"run": false})
	if code != http.StatusOK || body["run"] != false {
		t.Fatalf("mode: %d %v", code, body)
	}
	if snap, _ := fx.lm.registry.Snapshot("rtu-ok"); snap.Run {
		t.Fatalf("run mode not applied")
	}
	if code, _ := fx.do(t, "PUT", "/api/v1/rtus/rtu-ok/mode", fx.technician, gin.H{}); code != http.StatusBadRequest {
		t.Fatalf("mode without run: got %d, want 400", code)
	}

	code, body = fx.do(t, "POST", "/api/v1/rtus/rtu-ok/disconnect", fx.technician, nil)
	if code != http.StatusOK || body["state"] != "ABORTED" {
		t.Fatalf("disconnect: %d %v", code, body)
	}
}

func TestCreateAndDeleteRTU(t *testing.T) {
	fx := newFixture(t)

	req := gin.H{"name": "rtu-new", "mac": "02:00:00:00:00:33", "ip": "192.168.0.33", "profile": "io"}
	if code, _ := fx.do(t, "POST", "/api/v1/rtus", fx.technician, req); code != http.StatusForbidden {
		t.Fatalf("create as technician: got %d, want 403", code)
	}

	code, body := fx.do(t, "POST", "/api/v1/rtus", fx.admin, req)
	if code != http.StatusCreated || body["persisted"] != false {
		t.Fatalf("create: %d %v", code, body)
	}
	snap, _ := body["rtu"].(map[string]interface{})
	if snap["rtu"] != "rtu-new" || snap["state"] != "IDLE" {
		t.Fatalf("snapshot: %v", snap)
	}

	code, body = fx.do(t, "POST", "/api/v1/rtus", fx.admin, req)
	if code != http.StatusConflict || errorCode(body) != "RTU_409" {
		t.Fatalf("duplicate: %d %v", code, body)
	}

	bad := []gin.H{
		{"name": "rtu-x", "mac": "nope", "ip": "192.168.0.34", "profile": "io"},
		{"name": "rtu-x", "mac": "02:00:00:00:00:34", "ip": "192.168.0.34", "profile": "missing"},
		{"name": "rtu-x", "ip": "192.168.0.34", "profile": "io"},
		{"name": "rtu-x", "mac": "02:00:00:00:00:34", "ip": "192.168.0.34", "profile": "io", "input_frame_id": 0x8001},
	}
	for _, b := range bad {
		if code, body := fx.do(t, "POST", "/api/v1/rtus", fx.admin, b); code != http.StatusBadRequest {
			t.Fatalf("create %v: %d %v", b, code, body)
		}
	}

	if code, body := fx.do(t, "POST", "/api/v1/rtus/rtu-new/connect", fx.technician, nil); code != http.StatusOK {
		t.Fatalf("connect: %d %v", code, body)
	}
	code, body = fx.do(t, "DELETE", "/api/v1/rtus/rtu-new", fx.admin, nil)
	if code != http.StatusOK || body["deleted"] != true {
		t.Fatalf("delete: %d %v", code, body)
	}
	if code, _ := fx.do(t, "GET", "/api/v1/rtus/rtu-new", fx.operator, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete: got %d, want 404", code)
	}
	if code, _ := fx.do(t, "DELETE", "/api/v1/rtus/rtu-new", fx.admin, nil); code != http.StatusNotFound {
		t.Fatalf("second delete: got %d, want 404", code)
	}

	// gleiche Region wird wiederverwendet
	if code, body := fx.do(t, "POST", "/api/v1/rtus", fx.admin, req); code != http.StatusCreated {
		t.Fatalf("re-create: %d %v", code, body)
	}
}

func TestConnectRejectedCarriesReasonAndHint(t *testing.T) {
	fx := newFixture(t)

	code, body := fx.do(t, "POST", "/api/v1/rtus/rtu-bad/connect", fx.technician, nil)
	if code != http.StatusBadGateway || errorCode(body) != "AR_502" {
		t.Fatalf("connect: %d %v", code, body)
	}
	details := body["error"].(map[string]interface{})["details"].(map[string]interface{})
	if details["reason"] != "negotiation_rejected" || details["hint"] != types.ReasonNegotiationRejected.Hint() {
		t.Fatalf("details: %v", details)
	}
	if details["pnio_status"] == nil || details["diagnostics"] == nil {
		t.Fatalf("details without status or diagnostics: %v", details)
	}

	_, body = fx.do(t, "GET", "/api/v1/rtus/rtu-bad", fx.operator, nil)
	if body["state"] != "ERROR" || body["reason"] != "negotiation_rejected" {
		t.Fatalf("snapshot after rejection: %v", body)
	}
}

func TestProcessImage(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"write output", "/api/v1/rtus/rtu-ok/outputs/9/1", gin.H{"value": []byte{0x5A}}, http.StatusOK},
		{"hex subslot", "/api/v1/rtus/rtu-ok/outputs/9/0x1", gin.H{"value": []byte{0x5B}}, http.StatusOK},
		{"wrong length", "/api/v1/rtus/rtu-ok/outputs/9/1", gin.H{"value": []byte{1, 2}}, http.StatusBadRequest},
		{"input submodule", "/api/v1/rtus/rtu-ok/outputs/1/1", gin.H{"value": []byte{1, 2}}, http.StatusBadRequest},
		{"unknown submodule", "/api/v1/rtus/rtu-ok/outputs/5/1", gin.H{"value": []byte{1}}, http.StatusNotFound},
		{"bad slot", "/api/v1/rtus/rtu-ok/outputs/x/1", gin.H{"value": []byte{1}}, http.StatusBadRequest},
		{"missing value", "/api/v1/rtus/rtu-ok/outputs/9/1", gin.H{}, http.StatusBadRequest},
		{"unknown rtu", "/api/v1/rtus/ghost/outputs/9/1", gin.H{"value": []byte{1}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := fx.do(t, "PUT", tt.path, fx.technician, tt.body)
			if code != tt.want {
				t.Fatalf("status: got %d, want %d (%v)", code, tt.want, body)
			}
		})
	}

	region, _ := fx.lm.registry.Region("rtu-ok")
	dst := make([]byte, 1)
	good, err := region.ReadOutput(9, 1, dst)
	if err != nil || !good || dst[0] != 0x5B {
		t.Fatalf("ReadOutput = %v, %v, %x", good, err, dst)
	}

	code, body := fx.do(t, "GET", "/api/v1/rtus/rtu-ok/inputs", fx.operator, nil)
	if code != http.StatusOK {
		t.Fatalf("inputs: %d %v", code, body)
	}
	subs := body["submodules"].([]interface{})
	if len(subs) != 2 {
		t.Fatalf("submodules: %v", subs)
	}
	out := subs[1].(map[string]interface{})
	if out["slot"] != float64(9) || out["output"] != "Ww==" {
		t.Fatalf("output view: %v", out)
	}
}

func TestTokenExchange(t *testing.T) {
	fx := newFixture(t)

	code, body := fx.do(t, "POST", "/api/v1/auth/token", fx.technician, gin.H{"subject": "panel-3", "role": "operator"})
	if code != http.StatusOK || body["token_type"] != "Bearer" || body["expires_in"] != float64(3600) {
		t.Fatalf("exchange: %d %v", code, body)
	}
	token := body["access_token"].(string)

	code, body = fx.do(t, "GET", "/api/v1/auth/me", token, nil)
	if code != http.StatusOK || body["subject"] != "panel-3" || body["role"] != "operator" {
		t.Fatalf("me: %d %v", code, body)
	}

	if code, _ := fx.do(t, "POST", "/api/v1/auth/token", fx.technician, gin.H{"role": "admin"}); code != http.StatusForbidden {
		t.Fatalf("escalation: got %d, want 403", code)
	}
	if code, _ := fx.do(t, "POST", "/api/v1/auth/token", fx.technician, gin.H{"role": "root"}); code != http.StatusBadRequest {
		t.Fatalf("unknown role: got %d, want 400", code)
	}
	if code, _ := fx.do(t, "POST", "/api/v1/auth/token", fx.operator, gin.H{}); code != http.StatusForbidden {
		t.Fatalf("operator exchange: got %d, want 403", code)
	}
}

func TestShutdown(t *testing.T) {
	fx := newFixture(t)

	if code, _ := fx.do(t, "POST", "/api/v1/system/shutdown", fx.admin, nil); code != http.StatusAccepted {
		t.Fatalf("shutdown: got %d", code)
	}
	select {
	case <-fx.lm.stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("lifecycle not shut down")
	}
}
