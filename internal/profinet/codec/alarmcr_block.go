package codec

const (
	AlarmCRTypeAlarm = 0x0001

	DefaultRTATimeoutFactor    = 100
	DefaultRTARetries          = 3
	DefaultLocalAlarmReference = 0x0001
	DefaultMaxAlarmDataLength  = 200

	// VLAN priority 6 (high) and 5 (low), VID 0. Always present.
	AlarmCRTagHeaderHigh = 0xC000
	AlarmCRTagHeaderLow  = 0xA000
)

// AlarmCRBlockReq (0x0103)
type AlarmCRBlockReq struct {
	Type                uint16
	LT                  uint16
	Properties          uint32
	RTATimeoutFactor    uint16
	RTARetries          uint16
	LocalAlarmReference uint16
	MaxAlarmDataLength  uint16
}

// NewAlarmCRBlockReq returns the only AlarmCR the controller requests.
func NewAlarmCRBlockReq() *AlarmCRBlockReq {
	return &AlarmCRBlockReq{
		Type:                AlarmCRTypeAlarm,
		LT:                  UDPRTPort,
		Properties:          0,
		RTATimeoutFactor:    DefaultRTATimeoutFactor,
		RTARetries:          DefaultRTARetries,
		LocalAlarmReference: DefaultLocalAlarmReference,
		MaxAlarmDataLength:  DefaultMaxAlarmDataLength,
	}
}

func (b *AlarmCRBlockReq) BlockType() uint16 { return BlockTypeAlarmCRBlockReq }

func (b *AlarmCRBlockReq) Encode(w *Writer) error {
	start := w.beginBlock(BlockTypeAlarmCRBlockReq)
	w.U16(b.Type)
	w.U16(b.LT)
	w.U32(b.Properties)
	w.U16(b.RTATimeoutFactor)
	w.U16(b.RTARetries)
	w.U16(b.LocalAlarmReference)
	w.U16(b.MaxAlarmDataLength)
	w.U16(AlarmCRTagHeaderHigh)
	w.U16(AlarmCRTagHeaderLow)
	w.endBlock(start)
	return nil
}

func (b *AlarmCRBlockReq) decode(r *Reader) error {
	b.Type = r.U16()
	b.LT = r.U16()
	b.Properties = r.U32()
	b.RTATimeoutFactor = r.U16()
	b.RTARetries = r.U16()
	b.LocalAlarmReference = r.U16()
	b.MaxAlarmDataLength = r.U16()
	high := r.U16()
	low := r.U16()
	if err := r.Err(); err != nil {
		return err
	}
	if b.Type != AlarmCRTypeAlarm {
		return rangeError("AlarmCRBlockReq", "alarm cr type %d", b.Type)
	}
	if high != AlarmCRTagHeaderHigh || low != AlarmCRTagHeaderLow {
		return rangeError("AlarmCRBlockReq", "tag headers 0x%04X/0x%04X", high, low)
	}
	return nil
}

func DecodeAlarmCRBlockReq(buf []byte) (*AlarmCRBlockReq, error) {
	b := &AlarmCRBlockReq{}
	if err := decodeSingle(buf, BlockTypeAlarmCRBlockReq, b.decode); err != nil {
		return nil, err
	}
	return b, nil
}

// AlarmCRBlockRes (0x8103)
type AlarmCRBlockRes struct {
	Type                uint16
	LocalAlarmReference uint16
	MaxAlarmDataLength  uint16
}

func (b *AlarmCRBlockRes) BlockType() uint16 { return BlockTypeAlarmCRBlockRes }

func (b *AlarmCRBlockRes) Encode(w *Writer) error {
	start := w.beginBlock(BlockTypeAlarmCRBlockRes)
	w.U16(b.Type)
	w.U16(b.LocalAlarmReference)
	w.U16(b.MaxAlarmDataLength)
	w.endBlock(start)
	return nil
}

func (b *AlarmCRBlockRes) decode(r *Reader) error {
	b.Type = r.U16()
	b.LocalAlarmReference = r.U16()
	b.MaxAlarmDataLength = r.U16()
	return r.Err()
}

func DecodeAlarmCRBlockRes(buf []byte) (*AlarmCRBlockRes, error) {
	b := &AlarmCRBlockRes{}
	if err := decodeSingle(buf, BlockTypeAlarmCRBlockRes, b.decode); err != nil {
		return nil, err
	}
	return b, nil
}
