package codec

import (
	"fmt"

	"github.com/google/uuid"
)

// ControlCommand bits
const (
	ControlCommandPrmEnd           uint16 = 0x0001
	ControlCommandApplicationReady uint16 = 0x0002
	ControlCommandRelease          uint16 = 0x0004
	ControlCommandDone             uint16 = 0x0008
)

// ControlBlock is the shared body of IODControl, IOXControl and Release
// requests and responses.
type ControlBlock struct {
	Type           uint16
	ARUUID         uuid.UUID
	SessionKey     uint16
	ControlCommand uint16
	Properties     uint16
}

func isControlType(t uint16) bool {
	switch t {
	case BlockTypeIODControlReq, BlockTypeIODControlRes,
		BlockTypeIOXControlReq, BlockTypeIOXControlRes,
		BlockTypeReleaseBlockReq, BlockTypeReleaseBlockRes:
		return true
	}
	return false
}

func (b *ControlBlock) BlockType() uint16 { return b.Type }

func (b *ControlBlock) Encode(w *Writer) error {
	if !isControlType(b.Type) {
		return fmt.Errorf("ControlBlock: block type 0x%04X is not a control block", b.Type)
	}
	start := w.beginBlock(b.Type)
	w.U16(0)
	w.UUID(b.ARUUID)
	w.U16(b.SessionKey)
	w.U16(0)
	w.U16(b.ControlCommand)
	w.U16(b.Properties)
	w.endBlock(start)
	return nil
}

// decode rejects non-zero reserved fields, which Encode always writes as 0.
func (b *ControlBlock) decode(r *Reader) error {
	reserved1 := r.U16()
	b.ARUUID = r.UUID()
	b.SessionKey = r.U16()
	reserved2 := r.U16()
	b.ControlCommand = r.U16()
	b.Properties = r.U16()
	if r.Err() == nil && (reserved1 != 0 || reserved2 != 0) {
		r.fail(rangeError("ControlBlock", "reserved fields 0x%04X/0x%04X are not zero", reserved1, reserved2))
	}
	return r.Err()
}

// DecodeControlBlock decodes one control block of type want.
func DecodeControlBlock(buf []byte, want uint16) (*ControlBlock, error) {
	if !isControlType(want) {
		return nil, structuralError("ControlBlock", "block type 0x%04X is not a control block", want)
	}
	b := &ControlBlock{Type: want}
	if err := decodeSingle(buf, want, b.decode); err != nil {
		return nil, err
	}
	return b, nil
}

// NewControlRequest builds a request control block for an AR.
func NewControlRequest(blockType uint16, ar uuid.UUID, sessionKey, command uint16) *ControlBlock {
	return &ControlBlock{Type: blockType, ARUUID: ar, SessionKey: sessionKey, ControlCommand: command}
}

// Answer returns the matching response block with ControlCommand Done.
func (b *ControlBlock) Answer() *ControlBlock {
	return &ControlBlock{
		Type:           b.Type | 0x8000,
		ARUUID:         b.ARUUID,
		SessionKey:     b.SessionKey,
		ControlCommand: ControlCommandDone,
	}
}
