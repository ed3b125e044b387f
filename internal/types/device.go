package types

import (
	"fmt"
	"net"
)

// SlotProfileDefinition beschreibt den Modulaufbau einer RTU (Slots + Submodule)
type SlotProfileDefinition struct {
	Profile    SlotProfileInfo `json:"profile" yaml:"profile"`
	Submodules []Submodule     `json:"submodules" yaml:"submodules"`
}

type SlotProfileInfo struct {
	ID          string `json:"id" yaml:"id"`
	Vendor      string `json:"vendor" yaml:"vendor"`
	Model       string `json:"model" yaml:"model"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description" yaml:"description"`
}

type Direction string

const (
	DirectionInput         Direction = "input"
	DirectionOutput        Direction = "output"
	DirectionBidirectional Direction = "bidirectional"
)

// IOxSLength is fixed for every submodule
const IOxSLength = 1

// Submodule is one (slot, subslot) entry of the expected configuration.
type Submodule struct {
	Slot           uint16    `json:"slot" yaml:"slot"`
	Subslot        uint16    `json:"subslot" yaml:"subslot"`
	ModuleIdent    uint32    `json:"module_ident" yaml:"module_ident"`
	SubmoduleIdent uint32    `json:"submodule_ident" yaml:"submodule_ident"`
	Direction      Direction `json:"direction" yaml:"direction"`
	DataLength     uint16    `json:"data_length" yaml:"data_length"`
}

func (s Submodule) HasInput() bool {
	return s.Direction == DirectionInput || s.Direction == DirectionBidirectional
}

func (s Submodule) HasOutput() bool {
	return s.Direction == DirectionOutput || s.Direction == DirectionBidirectional
}

func (s Submodule) String() string {
	return fmt.Sprintf("%d/%d", s.Slot, s.Subslot)
}

// Validate checks a submodule list for duplicates and unknown directions
func ValidateSubmodules(subs []Submodule) error {
	if len(subs) == 0 {
		return fmt.Errorf("slot profile has no submodules")
	}

	seen := make(map[[2]uint16]bool, len(subs))
	modules := make(map[uint16]uint32)
	for _, s := range subs {
		switch s.Direction {
		case DirectionInput, DirectionOutput, DirectionBidirectional:
		default:
			return fmt.Errorf("submodule %s: unknown direction %q", s, s.Direction)
		}

		key := [2]uint16{s.Slot, s.Subslot}
		if seen[key] {
			return fmt.Errorf("submodule %s defined twice", s)
		}
		seen[key] = true

		// Ein Slot hat genau ein Modul
		if ident, ok := modules[s.Slot]; ok && ident != s.ModuleIdent {
			return fmt.Errorf("slot %d: conflicting module idents 0x%08X and 0x%08X", s.Slot, ident, s.ModuleIdent)
		}
		modules[s.Slot] = s.ModuleIdent
	}
	return nil
}

// RT_CLASS_1 frame IDs
const (
	FrameIDRTClass1Min   = 0xC000
	FrameIDRTClass1Max   = 0xF7FF
	DefaultInputFrameID  = 0xC001
	DefaultOutputFrameID = 0xC002
)

// RTUDescriptor is what the registry hands to the AR layer
type RTUDescriptor struct {
	Name          string           `json:"name"`
	StationName   string           `json:"station_name"`
	MAC           net.HardwareAddr `json:"mac"`
	IP            net.IP           `json:"ip"`
	VendorID      uint16           `json:"vendor_id"`
	DeviceID      uint16           `json:"device_id"`
	InstanceID    uint16           `json:"instance_id"`
	Profile       string           `json:"profile"`
	InputFrameID  uint16           `json:"input_frame_id"`
	OutputFrameID uint16           `json:"output_frame_id"`
	AutoConnect   bool             `json:"auto_connect"`
}

func (d RTUDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("rtu name is required")
	}
	if len(d.MAC) != 6 {
		return fmt.Errorf("rtu %s: mac must be 6 bytes, got %d", d.Name, len(d.MAC))
	}
	if d.IP.To4() == nil {
		return fmt.Errorf("rtu %s: ipv4 address required", d.Name)
	}
	for _, id := range []uint16{d.InputFrameID, d.OutputFrameID} {
		if id != 0 && (id < FrameIDRTClass1Min || id > FrameIDRTClass1Max) {
			return fmt.Errorf("rtu %s: frame id 0x%04X outside 0x%04X..0x%04X", d.Name, id, FrameIDRTClass1Min, FrameIDRTClass1Max)
		}
	}
	// nach Defaults vergleichen: 0 heißt Default
	if in, out := d.FrameIDs(); in == out {
		return fmt.Errorf("rtu %s: input and output frame id are both 0x%04X", d.Name, in)
	}
	return nil
}

// FrameIDs returns the frame IDs proposed in the Connect request, with
// zero overrides replaced by the defaults.
func (d RTUDescriptor) FrameIDs() (in, out uint16) {
	in, out = d.InputFrameID, d.OutputFrameID
	if in == 0 {
		in = DefaultInputFrameID
	}
	if out == 0 {
		out = DefaultOutputFrameID
	}
	return in, out
}
