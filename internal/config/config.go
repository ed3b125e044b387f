package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/KevinKickass/OpenPNIO/internal/types"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Profinet     ProfinetConfig     `mapstructure:"profinet"`
	ProcessImage ProcessImageConfig `mapstructure:"process_image"`
	Devices      DevicesConfig      `mapstructure:"device_profiles"`
	RTUs         []RTUConfig        `mapstructure:"rtus"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv   string               `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration        `mapstructure:"access_token_ttl"`
	MachineTokens  []MachineTokenConfig `mapstructure:"machine_tokens"`
}

// MachineTokenConfig is one accepted machine token, stored as argon2id hash.
type MachineTokenConfig struct {
	Name string `mapstructure:"name"`
	Hash string `mapstructure:"hash"`
	Role string `mapstructure:"role"`
}

type ProfinetConfig struct {
	Interface             string        `mapstructure:"interface"`
	StationName           string        `mapstructure:"station_name"`
	VendorID              uint16        `mapstructure:"vendor_id"`
	DeviceID              uint16        `mapstructure:"device_id"`
	InstanceID            uint16        `mapstructure:"instance_id"`
	RPCPort               int           `mapstructure:"rpc_port"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	ReleaseTimeout        time.Duration `mapstructure:"release_timeout"`
	StartupGrace          time.Duration `mapstructure:"startup_grace"`
	ActivityTimeoutFactor uint16        `mapstructure:"activity_timeout_factor"`
	SendClockFactor       uint16        `mapstructure:"send_clock_factor"`
	ReductionRatio        uint16        `mapstructure:"reduction_ratio"`
	WatchdogFactor        uint16        `mapstructure:"watchdog_factor"`
	PrmEnd                bool          `mapstructure:"prm_end"`
	CaptureFile           string        `mapstructure:"capture_file"`
}

type ProcessImageConfig struct {
	Path string `mapstructure:"path"`
	Size int    `mapstructure:"size"`
}

type DevicesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

// RTUConfig is the config file form of an RTU descriptor.
type RTUConfig struct {
	Name          string `mapstructure:"name"`
	StationName   string `mapstructure:"station_name"`
	MAC           string `mapstructure:"mac"`
	IP            string `mapstructure:"ip"`
	VendorID      uint16 `mapstructure:"vendor_id"`
	DeviceID      uint16 `mapstructure:"device_id"`
	InstanceID    uint16 `mapstructure:"instance_id"`
	Profile       string `mapstructure:"profile"`
	InputFrameID  uint16 `mapstructure:"input_frame_id"`
	OutputFrameID uint16 `mapstructure:"output_frame_id"`
	AutoConnect   bool   `mapstructure:"auto_connect"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 4)

	// Auth Defaults
	v.SetDefault("auth.jwt_secret_env", "PNIO_JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("profinet.interface", "eth0")
	v.SetDefault("profinet.station_name", "pnio-controller")
	v.SetDefault("profinet.vendor_id", 0)
	v.SetDefault("profinet.device_id", 0)
	v.SetDefault("profinet.instance_id", 1)
	v.SetDefault("profinet.rpc_port", 34964)
	v.SetDefault("profinet.connect_timeout", "5s")
	v.SetDefault("profinet.release_timeout", "1s")
	v.SetDefault("profinet.startup_grace", "0s")
	v.SetDefault("profinet.activity_timeout_factor", 100)
	v.SetDefault("profinet.send_clock_factor", 32)
	v.SetDefault("profinet.reduction_ratio", 32)
	v.SetDefault("profinet.watchdog_factor", 3)
	v.SetDefault("profinet.prm_end", true)
	v.SetDefault("profinet.capture_file", "")

	v.SetDefault("process_image.path", "")
	v.SetDefault("process_image.size", 64*1024)

	v.SetDefault("device_profiles.search_paths", []string{"./profiles"})
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults setzen
	setDefaults(v)

	// Environment Variables mit Prefix PNIO_, z.B. PNIO_PROFINET_INTERFACE
	v.SetEnvPrefix("PNIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks values viper cannot check by type alone.
func (c *Config) Validate() error {
	p := c.Profinet
	if p.SendClockFactor == 0 || p.ReductionRatio == 0 {
		return fmt.Errorf("profinet: send_clock_factor and reduction_ratio must be > 0")
	}
	if p.WatchdogFactor == 0 {
		return fmt.Errorf("profinet: watchdog_factor must be > 0")
	}
	if p.StationName == "" {
		return fmt.Errorf("profinet: station_name is required")
	}

	seen := make(map[string]bool, len(c.RTUs))
	for _, r := range c.RTUs {
		if seen[r.Name] {
			return fmt.Errorf("rtus: %s defined twice", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Descriptor converts the config entry into a validated RTU descriptor.
func (r RTUConfig) Descriptor() (types.RTUDescriptor, error) {
	mac, err := net.ParseMAC(r.MAC)
	if err != nil {
		return types.RTUDescriptor{}, fmt.Errorf("rtu %s: %w", r.Name, err)
	}
	ip := net.ParseIP(r.IP)
	if ip == nil {
		return types.RTUDescriptor{}, fmt.Errorf("rtu %s: invalid ip %q", r.Name, r.IP)
	}

	station := r.StationName
	if station == "" {
		station = r.Name
	}

	d := types.RTUDescriptor{
		Name:          r.Name,
		StationName:   station,
		MAC:           mac,
		IP:            ip,
		VendorID:      r.VendorID,
		DeviceID:      r.DeviceID,
		InstanceID:    r.InstanceID,
		Profile:       r.Profile,
		InputFrameID:  r.InputFrameID,
		OutputFrameID: r.OutputFrameID,
		AutoConnect:   r.AutoConnect,
	}
	if err := d.Validate(); err != nil {
		return types.RTUDescriptor{}, err
	}
	return d, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "PNIO_JWT_SECRET" // Fallback
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback (MIT WARNING!)
		return devSecret
	}
	return secret
}

// Helper um zu prüfen ob Production-Ready
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
