package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenPNIO/internal/config"
	"github.com/KevinKickass/OpenPNIO/internal/devices"
	"github.com/KevinKickass/OpenPNIO/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State       string `json:"state"`
	RTUCount    int    `json:"rtu_count"`
	Established int    `json:"established"`
	Faulted     int    `json:"faulted"`
	Storage     bool   `json:"storage"`
}

type LifecycleManager interface {
	Config() *config.Config
	// Storage is nil when database.enabled is false
	Storage() *storage.PostgresClient
	Registry() *devices.Manager
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
