package storage

import (
	"time"

	"github.com/google/uuid"
)

type RTU struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	StationName   string    `json:"station_name"`
	MAC           string    `json:"mac"`
	IP            string    `json:"ip"`
	VendorID      int       `json:"vendor_id"`
	DeviceID      int       `json:"device_id"`
	InstanceID    int       `json:"instance_id"`
	Profile       string    `json:"profile"`
	InputFrameID  int       `json:"input_frame_id"`
	OutputFrameID int       `json:"output_frame_id"`
	AutoConnect   bool      `json:"auto_connect"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ARTransition is one row of the AR state history.
type ARTransition struct {
	ID         int64     `json:"id"`
	RTU        string    `json:"rtu"`
	ARUUID     uuid.UUID `json:"ar_uuid"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
