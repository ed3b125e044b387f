package codec

import (
	"encoding/binary"

	"github.com/google/uuid"
)

const (
	RPCHeaderLength = 80
	NDRHeaderLength = 20

	RPCVersion = 0x04
	// LastFragment | Idempotent
	RPCFlags1Request = 0x22
	RPCFlags1Last    = 0x02
	RPCFlags1Idem    = 0x20
	RPCFlags1NoFack  = 0x08

	RPCInterfaceVersion = 0x00000001
	RPCHintNone         = 0xFFFF
	DefaultRPCPort      = 34964
)

// DCE/RPC packet types
const (
	PacketTypeRequest  uint8 = 0
	PacketTypePing     uint8 = 1
	PacketTypeResponse uint8 = 2
	PacketTypeFault    uint8 = 3
	PacketTypeWorking  uint8 = 4
	PacketTypeNoCall   uint8 = 5
	PacketTypeReject   uint8 = 6
	PacketTypeAck      uint8 = 7
)

// PNIO operation numbers
const (
	OpConnect uint16 = 0
	OpRelease uint16 = 1
	OpRead    uint16 = 2
	OpWrite   uint16 = 3
	OpControl uint16 = 4
)

// DRepLittleEndian is the data representation the controller sends:
// little-endian integers, ASCII characters, IEEE floats.
var DRepLittleEndian = [3]byte{0x10, 0x00, 0x00}

// RPCHeader is the 80 byte connectionless DCE/RPC header.
type RPCHeader struct {
	Version          uint8
	PacketType       uint8
	Flags1           uint8
	Flags2           uint8
	DRep             [3]byte
	SerialHigh       uint8
	ObjectUUID       uuid.UUID
	InterfaceUUID    uuid.UUID
	ActivityUUID     uuid.UUID
	ServerBootTime   uint32
	InterfaceVersion uint32
	SequenceNumber   uint32
	OperationNumber  uint16
	InterfaceHint    uint16
	ActivityHint     uint16
	FragmentLength   uint16
	FragmentNumber   uint16
	AuthProtocol     uint8
	SerialLow        uint8
}

// NewRequestHeader returns a request header with the fixed fields set.
func NewRequestHeader(object, iface, activity uuid.UUID, seq uint32, opnum uint16) RPCHeader {
	return RPCHeader{
		Version:          RPCVersion,
		PacketType:       PacketTypeRequest,
		Flags1:           RPCFlags1Request,
		DRep:             DRepLittleEndian,
		ObjectUUID:       object,
		InterfaceUUID:    iface,
		ActivityUUID:     activity,
		InterfaceVersion: RPCInterfaceVersion,
		SequenceNumber:   seq,
		OperationNumber:  opnum,
		InterfaceHint:    RPCHintNone,
		ActivityHint:     RPCHintNone,
	}
}

// ResponseTo builds the header for an answer to req.
func (h RPCHeader) ResponseTo(ptype uint8) RPCHeader {
	resp := h
	resp.PacketType = ptype
	resp.Flags1 = RPCFlags1Last | RPCFlags1NoFack
	resp.Flags2 = 0
	resp.DRep = DRepLittleEndian
	resp.FragmentLength = 0
	resp.FragmentNumber = 0
	return resp
}

// ByteOrder returns the integer representation announced by DRep.
func (h RPCHeader) ByteOrder() binary.ByteOrder {
	return drepOrder(h.DRep)
}

func drepOrder(drep [3]byte) binary.ByteOrder {
	if drep[0]&0xF0 == 0x10 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// appendUUID writes u in the DRep order: the first three fields are
// swapped on little-endian, the last eight bytes never are.
func appendUUID(b []byte, u uuid.UUID, order binary.ByteOrder) []byte {
	if order == binary.ByteOrder(binary.LittleEndian) {
		b = binary.LittleEndian.AppendUint32(b, binary.BigEndian.Uint32(u[0:4]))
		b = binary.LittleEndian.AppendUint16(b, binary.BigEndian.Uint16(u[4:6]))
		b = binary.LittleEndian.AppendUint16(b, binary.BigEndian.Uint16(u[6:8]))
		return append(b, u[8:]...)
	}
	return append(b, u[:]...)
}

func readUUID(b []byte, order binary.ByteOrder) uuid.UUID {
	var u uuid.UUID
	if order == binary.ByteOrder(binary.LittleEndian) {
		binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(b[0:4]))
		binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(b[4:6]))
		binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(b[6:8]))
		copy(u[8:], b[8:16])
		return u
	}
	copy(u[:], b[:16])
	return u
}

// Append encodes the header onto b.
func (h RPCHeader) Append(b []byte) []byte {
	order := drepOrder(h.DRep)
	ao := order.(binary.AppendByteOrder)

	b = append(b, h.Version, h.PacketType, h.Flags1, h.Flags2)
	b = append(b, h.DRep[:]...)
	b = append(b, h.SerialHigh)
	b = appendUUID(b, h.ObjectUUID, order)
	b = appendUUID(b, h.InterfaceUUID, order)
	b = appendUUID(b, h.ActivityUUID, order)
	b = ao.AppendUint32(b, h.ServerBootTime)
	b = ao.AppendUint32(b, h.InterfaceVersion)
	b = ao.AppendUint32(b, h.SequenceNumber)
	b = ao.AppendUint16(b, h.OperationNumber)
	b = ao.AppendUint16(b, h.InterfaceHint)
	b = ao.AppendUint16(b, h.ActivityHint)
	b = ao.AppendUint16(b, h.FragmentLength)
	b = ao.AppendUint16(b, h.FragmentNumber)
	return append(b, h.AuthProtocol, h.SerialLow)
}

// DecodeRPCHeader parses the fixed header and returns the fragment body.
func DecodeRPCHeader(b []byte) (RPCHeader, []byte, error) {
	var h RPCHeader
	if len(b) < RPCHeaderLength {
		return h, nil, structuralError("RPCHeader", "need %d bytes, have %d", RPCHeaderLength, len(b))
	}
	h.Version = b[0]
	if h.Version != RPCVersion {
		return h, nil, rangeError("RPCHeader", "unsupported rpc version %d", h.Version)
	}
	h.PacketType = b[1]
	if h.PacketType > PacketTypeAck {
		return h, nil, rangeError("RPCHeader", "unknown packet type %d", h.PacketType)
	}
	h.Flags1 = b[2]
	h.Flags2 = b[3]
	copy(h.DRep[:], b[4:7])
	h.SerialHigh = b[7]

	order := drepOrder(h.DRep)
	h.ObjectUUID = readUUID(b[8:24], order)
	h.InterfaceUUID = readUUID(b[24:40], order)
	h.ActivityUUID = readUUID(b[40:56], order)
	h.ServerBootTime = order.Uint32(b[56:60])
	h.InterfaceVersion = order.Uint32(b[60:64])
	h.SequenceNumber = order.Uint32(b[64:68])
	h.OperationNumber = order.Uint16(b[68:70])
	h.InterfaceHint = order.Uint16(b[70:72])
	h.ActivityHint = order.Uint16(b[72:74])
	h.FragmentLength = order.Uint16(b[74:76])
	h.FragmentNumber = order.Uint16(b[76:78])
	h.AuthProtocol = b[78]
	h.SerialLow = b[79]

	body := b[RPCHeaderLength:]
	if int(h.FragmentLength) > len(body) {
		return h, nil, structuralError("RPCHeader", "fragment length %d exceeds datagram body %d", h.FragmentLength, len(body))
	}
	return h, body[:h.FragmentLength], nil
}
