package codec

import (
	"encoding/binary"
	"fmt"
)

// PNIOStatus is ErrorCode, ErrorDecode, ErrorCode1, ErrorCode2.
type PNIOStatus [4]byte

const (
	ErrorCodePNIO       = 0x81
	ErrorDecodePNIORW   = 0x80
	ErrorDecodePNIO     = 0x81
	ErrorCodeRPCConnect = 0xDB
)

func (s PNIOStatus) OK() bool { return s == PNIOStatus{} }

func (s PNIOStatus) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X", s[0], s[1], s[2], s[3])
}

// NDRRequest is the 20 byte NDR argument header of a request.
type NDRRequest struct {
	ArgsMaximum uint32
	ArgsLength  uint32
	MaxCount    uint32
	Offset      uint32
	ActualCount uint32
}

// NewNDRRequest sets all length fields to the PNIO payload length.
func NewNDRRequest(pnioLen int) NDRRequest {
	n := uint32(pnioLen)
	return NDRRequest{ArgsMaximum: n, ArgsLength: n, MaxCount: n, Offset: 0, ActualCount: n}
}

func (n NDRRequest) Append(b []byte, order binary.AppendByteOrder) []byte {
	b = order.AppendUint32(b, n.ArgsMaximum)
	b = order.AppendUint32(b, n.ArgsLength)
	b = order.AppendUint32(b, n.MaxCount)
	b = order.AppendUint32(b, n.Offset)
	return order.AppendUint32(b, n.ActualCount)
}

func decodeNDRRequest(b []byte, order binary.ByteOrder) (NDRRequest, []byte, error) {
	var n NDRRequest
	if len(b) < NDRHeaderLength {
		return n, nil, structuralError("NDRHeader", "need %d bytes, have %d", NDRHeaderLength, len(b))
	}
	n.ArgsMaximum = order.Uint32(b[0:4])
	n.ArgsLength = order.Uint32(b[4:8])
	n.MaxCount = order.Uint32(b[8:12])
	n.Offset = order.Uint32(b[12:16])
	n.ActualCount = order.Uint32(b[16:20])
	body, err := ndrBody(b[NDRHeaderLength:], n.ArgsLength, n.Offset, n.ActualCount)
	return n, body, err
}

// NDRResponse is the 20 byte NDR header of a response.
type NDRResponse struct {
	Status      PNIOStatus
	ArgsLength  uint32
	MaxCount    uint32
	Offset      uint32
	ActualCount uint32
}

func NewNDRResponse(status PNIOStatus, pnioLen int) NDRResponse {
	n := uint32(pnioLen)
	return NDRResponse{Status: status, ArgsLength: n, MaxCount: n, ActualCount: n}
}

func (n NDRResponse) Append(b []byte, order binary.AppendByteOrder) []byte {
	b = append(b, n.Status[:]...)
	b = order.AppendUint32(b, n.ArgsLength)
	b = order.AppendUint32(b, n.MaxCount)
	b = order.AppendUint32(b, n.Offset)
	return order.AppendUint32(b, n.ActualCount)
}

func decodeNDRResponse(b []byte, order binary.ByteOrder) (NDRResponse, []byte, error) {
	var n NDRResponse
	if len(b) < NDRHeaderLength {
		return n, nil, structuralError("NDRHeader", "need %d bytes, have %d", NDRHeaderLength, len(b))
	}
	copy(n.Status[:], b[0:4])
	n.ArgsLength = order.Uint32(b[4:8])
	n.MaxCount = order.Uint32(b[8:12])
	n.Offset = order.Uint32(b[12:16])
	n.ActualCount = order.Uint32(b[16:20])
	body, err := ndrBody(b[NDRHeaderLength:], n.ArgsLength, n.Offset, n.ActualCount)
	return n, body, err
}

func ndrBody(rest []byte, argsLen, offset, actual uint32) ([]byte, error) {
	if offset != 0 {
		return nil, rangeError("NDRHeader", "offset %d, only 0 is supported", offset)
	}
	if actual != argsLen {
		return nil, structuralError("NDRHeader", "actual count %d differs from args length %d", actual, argsLen)
	}
	if int(actual) > len(rest) {
		return nil, structuralError("NDRHeader", "args length %d exceeds payload %d", actual, len(rest))
	}
	return rest[:actual], nil
}

// PDU is one decoded PNIO request or response datagram.
type PDU struct {
	Header   RPCHeader
	Request  NDRRequest
	Response NDRResponse
	// Body holds the PNIO blocks. For fault and reject packets it is the
	// raw fragment body.
	Body []byte
}

// EncodeRequest frames PNIO blocks as RPC request: header, NDR, blocks.
func EncodeRequest(h RPCHeader, blocks []byte) []byte {
	order := drepOrder(h.DRep).(binary.AppendByteOrder)
	h.FragmentLength = uint16(NDRHeaderLength + len(blocks))

	b := make([]byte, 0, RPCHeaderLength+NDRHeaderLength+len(blocks))
	b = h.Append(b)
	b = NewNDRRequest(len(blocks)).Append(b, order)
	return append(b, blocks...)
}

// EncodeResponse frames PNIO blocks as RPC response.
func EncodeResponse(h RPCHeader, status PNIOStatus, blocks []byte) []byte {
	order := drepOrder(h.DRep).(binary.AppendByteOrder)
	h.FragmentLength = uint16(NDRHeaderLength + len(blocks))

	b := make([]byte, 0, RPCHeaderLength+NDRHeaderLength+len(blocks))
	b = h.Append(b)
	b = NewNDRResponse(status, len(blocks)).Append(b, order)
	return append(b, blocks...)
}

// EncodeFault builds a fault or reject packet carrying a 4 byte status.
func EncodeFault(h RPCHeader, status uint32) []byte {
	order := drepOrder(h.DRep).(binary.AppendByteOrder)
	h.FragmentLength = 4
	b := h.Append(make([]byte, 0, RPCHeaderLength+4))
	return order.AppendUint32(b, status)
}

// DecodePDU parses a datagram. Requests and responses get their NDR
// header decoded; every other packet type only its RPC header.
func DecodePDU(b []byte) (*PDU, error) {
	h, body, err := DecodeRPCHeader(b)
	if err != nil {
		return nil, err
	}
	p := &PDU{Header: h}
	order := drepOrder(h.DRep)

	switch h.PacketType {
	case PacketTypeRequest:
		p.Request, p.Body, err = decodeNDRRequest(body, order)
	case PacketTypeResponse:
		p.Response, p.Body, err = decodeNDRResponse(body, order)
	default:
		p.Body = append([]byte(nil), body...)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FaultStatus reads the status code of a fault or reject body.
func (p *PDU) FaultStatus() uint32 {
	if len(p.Body) < 4 {
		return 0
	}
	return drepOrder(p.Header.DRep).Uint32(p.Body)
}
