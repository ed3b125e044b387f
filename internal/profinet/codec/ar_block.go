package codec

import (
	"fmt"
	"net"

	"github.com/google/uuid"
)

const (
	ARTypeIOCAR = 0x0001

	// UDPRTPort carries the RT EtherType for RT_CLASS_1 ARs.
	UDPRTPort = 0x8892

	MaxStationNameLength = 240
)

// ARProperties is composed by shift/mask, never by struct bit-fields.
type ARProperties uint32

const (
	arPropStateMask        = 0x00000007
	arPropCompanionARShift = 9
	arPropCompanionARMask  = 0x3 << arPropCompanionARShift

	ARStateActive = 0x1
)

const (
	ARPropSupervisorTakeover ARProperties = 1 << 3
	ARPropParametrizationSrv ARProperties = 1 << 4
	ARPropDeviceAccess       ARProperties = 1 << 8
	ARPropAckCompanionAR     ARProperties = 1 << 11
	ARPropCombinedObjectCont ARProperties = 1 << 29
	ARPropStartupMode        ARProperties = 1 << 30
	ARPropPullModuleAlarm    ARProperties = 1 << 31
)

// DefaultARProperties is State=Active with every other group cleared.
const DefaultARProperties = ARProperties(ARStateActive)

func (p ARProperties) State() uint8 {
	return uint8(p & arPropStateMask)
}

func (p ARProperties) WithState(state uint8) ARProperties {
	return p&^arPropStateMask | ARProperties(state)&arPropStateMask
}

func (p ARProperties) CompanionAR() uint8 {
	return uint8((p & arPropCompanionARMask) >> arPropCompanionARShift)
}

func (p ARProperties) WithCompanionAR(v uint8) ARProperties {
	return p&^arPropCompanionARMask | (ARProperties(v)<<arPropCompanionARShift)&arPropCompanionARMask
}

func (p ARProperties) Has(flag ARProperties) bool { return p&flag != 0 }

// ARBlockReq (0x0101)
type ARBlockReq struct {
	ARType                uint16
	ARUUID                uuid.UUID
	SessionKey            uint16
	CMInitiatorMAC        net.HardwareAddr
	CMInitiatorObjectUUID uuid.UUID
	Properties            ARProperties
	ActivityTimeoutFactor uint16
	UDPRTPort             uint16
	StationName           string
}

func (b *ARBlockReq) BlockType() uint16 { return BlockTypeARBlockReq }

func (b *ARBlockReq) Encode(w *Writer) error {
	if b.ARType != ARTypeIOCAR {
		return fmt.Errorf("ARBlockReq: ar type 0x%04X is not IOCAR", b.ARType)
	}
	if len(b.CMInitiatorMAC) != 6 {
		return fmt.Errorf("ARBlockReq: initiator mac must be 6 bytes, got %d", len(b.CMInitiatorMAC))
	}
	if len(b.StationName) == 0 || len(b.StationName) > MaxStationNameLength {
		return fmt.Errorf("ARBlockReq: station name length %d out of range 1..%d", len(b.StationName), MaxStationNameLength)
	}

	start := w.beginBlock(BlockTypeARBlockReq)
	w.U16(b.ARType)
	w.UUID(b.ARUUID)
	w.U16(b.SessionKey)
	w.Raw(b.CMInitiatorMAC)
	w.UUID(b.CMInitiatorObjectUUID)
	w.U32(uint32(b.Properties))
	w.U16(b.ActivityTimeoutFactor)
	w.U16(b.UDPRTPort)
	w.U16(uint16(len(b.StationName)))
	w.Raw([]byte(b.StationName))
	w.endBlock(start)
	return nil
}

func (b *ARBlockReq) decode(r *Reader) error {
	b.ARType = r.U16()
	b.ARUUID = r.UUID()
	b.SessionKey = r.U16()
	b.CMInitiatorMAC = net.HardwareAddr(r.Raw(6))
	b.CMInitiatorObjectUUID = r.UUID()
	b.Properties = ARProperties(r.U32())
	b.ActivityTimeoutFactor = r.U16()
	b.UDPRTPort = r.U16()
	n := int(r.U16())
	if r.Err() == nil && (n == 0 || n > MaxStationNameLength) {
		r.fail(rangeError("ARBlockReq", "station name length %d out of range 1..%d", n, MaxStationNameLength))
	}
	b.StationName = string(r.Raw(n))
	if r.Err() == nil && b.ARType != ARTypeIOCAR {
		r.fail(rangeError("ARBlockReq", "ar type 0x%04X", b.ARType))
	}
	return r.Err()
}

func DecodeARBlockReq(buf []byte) (*ARBlockReq, error) {
	b := &ARBlockReq{}
	if err := decodeSingle(buf, BlockTypeARBlockReq, b.decode); err != nil {
		return nil, err
	}
	return b, nil
}

// ARBlockRes (0x8101)
type ARBlockRes struct {
	ARType       uint16
	ARUUID       uuid.UUID
	SessionKey   uint16
	ResponderMAC net.HardwareAddr
	UDPRTPort    uint16
}

func (b *ARBlockRes) BlockType() uint16 { return BlockTypeARBlockRes }

func (b *ARBlockRes) Encode(w *Writer) error {
	if len(b.ResponderMAC) != 6 {
		return fmt.Errorf("ARBlockRes: responder mac must be 6 bytes, got %d", len(b.ResponderMAC))
	}
	start := w.beginBlock(BlockTypeARBlockRes)
	w.U16(b.ARType)
	w.UUID(b.ARUUID)
	w.U16(b.SessionKey)
	w.Raw(b.ResponderMAC)
	w.U16(b.UDPRTPort)
	w.endBlock(start)
	return nil
}

func (b *ARBlockRes) decode(r *Reader) error {
	b.ARType = r.U16()
	b.ARUUID = r.UUID()
	b.SessionKey = r.U16()
	b.ResponderMAC = net.HardwareAddr(r.Raw(6))
	b.UDPRTPort = r.U16()
	return r.Err()
}

func DecodeARBlockRes(buf []byte) (*ARBlockRes, error) {
	b := &ARBlockRes{}
	if err := decodeSingle(buf, BlockTypeARBlockRes, b.decode); err != nil {
		return nil, err
	}
	return b, nil
}
