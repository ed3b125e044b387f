package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
profinet:
  interface: enp3s0
  station_name: plc-1
  vendor_id: 0x002A
  watchdog_factor: 5
rtus:
  - name: rtu-1
    mac: "02:00:00:00:00:01"
    ip: 192.168.0.10
    profile: et200
    auto_connect: true
  - name: rtu-2
    station_name: valves
    mac: "02:00:00:00:00:02"
    ip: 192.168.0.11
    profile: valves
    input_frame_id: 0xC010
    output_frame_id: 0xC011
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("PNIO_PROFINET_CONNECT_TIMEOUT", "7s")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p := cfg.Profinet
	if p.Interface != "enp3s0" || p.StationName != "plc-1" || p.VendorID != 0x2A {
		t.Fatalf("profinet section: %+v", p)
	}
	if p.WatchdogFactor != 5 || p.SendClockFactor != 32 || p.ReductionRatio != 32 {
		t.Fatalf("cycle defaults: %+v", p)
	}
	if p.ConnectTimeout != 7*time.Second {
		t.Fatalf("env override: got %s, want 7s", p.ConnectTimeout)
	}
	if p.StartupGrace != 0 || p.RPCPort != 34964 || !p.PrmEnd {
		t.Fatalf("defaults: %+v", p)
	}
	if cfg.Server.HTTPPort != 8080 || cfg.Log.Level != "info" || cfg.Database.Enabled {
		t.Fatalf("ambient defaults: %+v %+v %+v", cfg.Server, cfg.Log, cfg.Database)
	}
	if len(cfg.Devices.SearchPaths) != 1 || cfg.Devices.SearchPaths[0] != "./profiles" {
		t.Fatalf("search paths: %v", cfg.Devices.SearchPaths)
	}

	if len(cfg.RTUs) != 2 {
		t.Fatalf("rtus: got %d, want 2", len(cfg.RTUs))
	}
	d, err := cfg.RTUs[0].Descriptor()
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	if d.StationName != "rtu-1" || !d.AutoConnect || d.MAC.String() != "02:00:00:00:00:01" {
		t.Fatalf("descriptor: %+v", d)
	}
	d2, err := cfg.RTUs[1].Descriptor()
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	if d2.InputFrameID != 0xC010 || d2.OutputFrameID != 0xC011 || d2.StationName != "valves" {
		t.Fatalf("descriptor: %+v", d2)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero watchdog", "profinet:\n  watchdog_factor: 0\n"},
		{"zero reduction ratio", "profinet:\n  reduction_ratio: 0\n"},
		{"duplicate rtu", "rtus:\n  - name: a\n  - name: a\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestRTUDescriptorErrors(t *testing.T) {
	tests := []struct {
		name string
		rtu  RTUConfig
	}{
		{"bad mac", RTUConfig{Name: "a", MAC: "zz", IP: "10.0.0.1"}},
		{"bad ip", RTUConfig{Name: "a", MAC: "02:00:00:00:00:01", IP: "nope"}},
		{"ipv6", RTUConfig{Name: "a", MAC: "02:00:00:00:00:01", IP: "fe80::1"}},
		{"same frame ids", RTUConfig{Name: "a", MAC: "02:00:00:00:00:01", IP: "10.0.0.1", InputFrameID: 0xC001, OutputFrameID: 0xC001}},
		{"input frame id below RT_CLASS_1", RTUConfig{Name: "a", MAC: "02:00:00:00:00:01", IP: "10.0.0.1", InputFrameID: 0x8001}},
		{"output frame id is alarm id", RTUConfig{Name: "a", MAC: "02:00:00:00:00:01", IP: "10.0.0.1", OutputFrameID: 0xFC01}},
		{"output collides with default input", RTUConfig{Name: "a", MAC: "02:00:00:00:00:01", IP: "10.0.0.1", OutputFrameID: 0xC001}},
		{"input collides with default output", RTUConfig{Name: "a", MAC: "02:00:00:00:00:01", IP: "10.0.0.1", InputFrameID: 0xC002}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.rtu.Descriptor(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestRTUDescriptorFrameIDs(t *testing.T) {
	tests := []struct {
		name          string
		in, out       uint16
		wantIn, wantO uint16
	}{
		{"defaults", 0, 0, 0xC001, 0xC002},
		{"input override", 0xC101, 0, 0xC101, 0xC002},
		{"both overrides", 0xC101, 0xC001, 0xC101, 0xC001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := RTUConfig{Name: "a", MAC: "02:00:00:00:00:01", IP: "10.0.0.1", InputFrameID: tt.in, OutputFrameID: tt.out}.Descriptor()
			if err != nil {
				t.Fatalf("Descriptor: %v", err)
			}
			if in, out := d.FrameIDs(); in != tt.wantIn || out != tt.wantO {
				t.Fatalf("frame ids 0x%04X/0x%04X, want 0x%04X/0x%04X", in, out, tt.wantIn, tt.wantO)
			}
		})
	}
}

func TestJWTSecret(t *testing.T) {
	a := AuthConfig{JWTSecretEnv: "PNIO_TEST_SECRET"}
	t.Setenv("PNIO_TEST_SECRET", "")
	if a.IsProductionReady() {
		t.Fatalf("dev secret must not be production ready")
	}
	t.Setenv("PNIO_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	if !a.IsProductionReady() || a.GetJWTSecret() != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("secret from env not used")
	}
}
