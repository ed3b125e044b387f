package codec

import (
	"fmt"

	"github.com/KevinKickass/OpenPNIO/internal/types"
)

// EtherTypeProfinet is the RT EtherType.
const EtherTypeProfinet = 0x8892

// Frame IDs
const (
	FrameIDRTClass1Min   = types.FrameIDRTClass1Min
	FrameIDRTClass1Max   = types.FrameIDRTClass1Max
	FrameIDAlarmHigh     = 0xFC01
	FrameIDAlarmLow      = 0xFE01
	DefaultInputFrameID  = types.DefaultInputFrameID
	DefaultOutputFrameID = types.DefaultOutputFrameID
)

// DataStatus bits
type DataStatus uint8

const (
	DataStatusState       DataStatus = 0x01 // primary
	DataStatusRedundancy  DataStatus = 0x02
	DataStatusDataValid   DataStatus = 0x04
	DataStatusProviderRun DataStatus = 0x10
	DataStatusStationOK   DataStatus = 0x20
	DataStatusIgnore      DataStatus = 0x80
)

// NewDataStatus returns the status byte the controller sends: primary,
// station OK, valid data, RUN or STOP.
func NewDataStatus(run, valid bool) DataStatus {
	s := DataStatusState | DataStatusStationOK
	if valid {
		s |= DataStatusDataValid
	}
	if run {
		s |= DataStatusProviderRun
	}
	return s
}

func (s DataStatus) Primary() bool   { return s&DataStatusState != 0 }
func (s DataStatus) Valid() bool     { return s&DataStatusDataValid != 0 }
func (s DataStatus) Run() bool       { return s&DataStatusProviderRun != 0 }
func (s DataStatus) StationOK() bool { return s&DataStatusStationOK != 0 }
func (s DataStatus) Ignore() bool    { return s&DataStatusIgnore != 0 }

// IOPS / IOCS values
const (
	IOxSGood = 0x80
	IOxSBad  = 0x00
)

const cyclicTrailerLength = 4

// CyclicFrame is the RT payload following the EtherType.
type CyclicFrame struct {
	FrameID        uint16
	Data           []byte
	CycleCounter   uint16
	DataStatus     DataStatus
	TransferStatus uint8
}

// AppendTo writes FrameID, C_SDU, CycleCounter, DataStatus, TransferStatus.
func (f *CyclicFrame) AppendTo(b []byte) []byte {
	b = append(b, byte(f.FrameID>>8), byte(f.FrameID))
	b = append(b, f.Data...)
	b = append(b, byte(f.CycleCounter>>8), byte(f.CycleCounter))
	return append(b, byte(f.DataStatus), f.TransferStatus)
}

// ValidateRTFrameID checks that id lies in the RT_CLASS_1 range the
// cyclic decoder accepts.
func ValidateRTFrameID(id uint16) error {
	if id < FrameIDRTClass1Min || id > FrameIDRTClass1Max {
		return rangeError("CyclicFrame", "frame id 0x%04X is not RT_CLASS_1", id)
	}
	return nil
}

// FrameIDOf returns the frame ID of an RT payload.
func FrameIDOf(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, structuralError("CyclicFrame", "need 2 bytes for frame id, have %d", len(b))
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// DecodeCyclicFrame parses an RT payload with dataLen bytes of C_SDU.
// Ethernet padding after the trailer is ignored. Data aliases b.
func DecodeCyclicFrame(b []byte, dataLen int) (*CyclicFrame, error) {
	need := 2 + dataLen + cyclicTrailerLength
	if len(b) < need {
		return nil, structuralError("CyclicFrame", "need %d bytes, have %d", need, len(b))
	}
	id, _ := FrameIDOf(b)
	if err := ValidateRTFrameID(id); err != nil {
		return nil, err
	}
	t := b[2+dataLen:]
	return &CyclicFrame{
		FrameID:        id,
		Data:           b[2 : 2+dataLen],
		CycleCounter:   uint16(t[0])<<8 | uint16(t[1]),
		DataStatus:     DataStatus(t[2]),
		TransferStatus: t[3],
	}, nil
}

func (f *CyclicFrame) String() string {
	return fmt.Sprintf("frame 0x%04X cc=%d status=0x%02X", f.FrameID, f.CycleCounter, uint8(f.DataStatus))
}

// CounterNewer reports whether next follows last in modulo 65536 order.
func CounterNewer(next, last uint16) bool {
	return int16(next-last) > 0
}
