package codec

// RTA PDU types (low nibble of PDUType, version 1 in the high nibble)
const (
	RTAPDUTypeData = 0x01
	RTAPDUTypeNack = 0x02
	RTAPDUTypeAck  = 0x03
	RTAPDUTypeErr  = 0x04

	rtaVersion1       = 0x10
	RTAHeaderLength   = 12
	maxRTAVarPartSize = 1432
)

// RTAHeader is the acyclic real time alarm header.
type RTAHeader struct {
	DstEndpoint uint16
	SrcEndpoint uint16
	PDUType     uint8
	AddFlags    uint8
	SendSeq     uint16
	AckSeq      uint16
	VarPartLen  uint16
}

func (h RTAHeader) Type() uint8 { return h.PDUType & 0x0F }

// AlarmFrame is an RT alarm frame (FrameID 0xFC01 or 0xFE01).
type AlarmFrame struct {
	FrameID uint16
	Header  RTAHeader
	Payload []byte
}

func (f *AlarmFrame) High() bool { return f.FrameID == FrameIDAlarmHigh }

func IsAlarmFrameID(id uint16) bool {
	return id == FrameIDAlarmHigh || id == FrameIDAlarmLow
}

func (f *AlarmFrame) AppendTo(b []byte) []byte {
	w := &Writer{buf: b}
	w.U16(f.FrameID)
	w.U16(f.Header.DstEndpoint)
	w.U16(f.Header.SrcEndpoint)
	w.U8(f.Header.PDUType)
	w.U8(f.Header.AddFlags)
	w.U16(f.Header.SendSeq)
	w.U16(f.Header.AckSeq)
	w.U16(uint16(len(f.Payload)))
	w.Raw(f.Payload)
	return w.Bytes()
}

// DecodeAlarmFrame parses an RT payload starting at the frame ID. The
// payload is copied and not interpreted.
func DecodeAlarmFrame(b []byte) (*AlarmFrame, error) {
	r := NewReader(b, "AlarmFrame")
	f := &AlarmFrame{FrameID: r.U16()}
	if r.Err() == nil && !IsAlarmFrameID(f.FrameID) {
		return nil, rangeError("AlarmFrame", "frame id 0x%04X", f.FrameID)
	}
	f.Header = RTAHeader{
		DstEndpoint: r.U16(),
		SrcEndpoint: r.U16(),
		PDUType:     r.U8(),
		AddFlags:    r.U8(),
		SendSeq:     r.U16(),
		AckSeq:      r.U16(),
		VarPartLen:  r.U16(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if f.Header.PDUType&0xF0 != rtaVersion1 {
		return nil, rangeError("AlarmFrame", "rta version 0x%02X", f.Header.PDUType>>4)
	}
	if f.Header.VarPartLen > maxRTAVarPartSize {
		return nil, rangeError("AlarmFrame", "var part length %d", f.Header.VarPartLen)
	}
	f.Payload = r.Raw(int(f.Header.VarPartLen))
	if err := r.Err(); err != nil {
		return nil, err
	}
	return f, nil
}
