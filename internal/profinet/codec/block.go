package codec

const (
	BlockVersionHigh  = 0x01
	BlockVersionLow   = 0x00
	BlockHeaderLength = 6
)

// Block types (IEC 61158-6-10)
const (
	BlockTypeARBlockReq                uint16 = 0x0101
	BlockTypeIOCRBlockReq              uint16 = 0x0102
	BlockTypeAlarmCRBlockReq           uint16 = 0x0103
	BlockTypeExpectedSubmoduleBlockReq uint16 = 0x0104
	BlockTypeIODControlReq             uint16 = 0x0110
	BlockTypeIOXControlReq             uint16 = 0x0112
	BlockTypeReleaseBlockReq           uint16 = 0x0114

	BlockTypeARBlockRes      uint16 = 0x8101
	BlockTypeIOCRBlockRes    uint16 = 0x8102
	BlockTypeAlarmCRBlockRes uint16 = 0x8103
	BlockTypeModuleDiffBlock uint16 = 0x8104
	BlockTypeIODControlRes   uint16 = 0x8110
	BlockTypeIOXControlRes   uint16 = 0x8112
	BlockTypeReleaseBlockRes uint16 = 0x8114
)

// Block is one PNIO block with its own header.
type Block interface {
	BlockType() uint16
	Encode(w *Writer) error
}

type BlockHeader struct {
	Type        uint16
	Length      uint16
	VersionHigh uint8
	VersionLow  uint8
}

// nextBlock reads one block header and returns a reader bounded to the
// block body (everything after the version bytes).
func nextBlock(r *Reader) (BlockHeader, *Reader, error) {
	var hdr BlockHeader
	if r.Remaining() < BlockHeaderLength {
		return hdr, nil, structuralError("BlockHeader", "need %d bytes, have %d", BlockHeaderLength, r.Remaining())
	}
	hdr.Type = r.U16()
	hdr.Length = r.U16()
	if hdr.Length < 2 {
		return hdr, nil, structuralError("BlockHeader", "block 0x%04X: length %d shorter than version field", hdr.Type, hdr.Length)
	}
	hdr.VersionHigh = r.U8()
	hdr.VersionLow = r.U8()

	bodyLen := int(hdr.Length) - 2
	if r.Remaining() < bodyLen {
		return hdr, nil, structuralError("BlockHeader", "block 0x%04X: length %d exceeds buffer (%d left)", hdr.Type, hdr.Length, r.Remaining()+2)
	}
	body := r.take(bodyLen)
	return hdr, NewReader(body, blockName(hdr.Type)), nil
}

func checkVersion(hdr BlockHeader) error {
	if hdr.VersionHigh != BlockVersionHigh || hdr.VersionLow != BlockVersionLow {
		return rangeError(blockName(hdr.Type), "unsupported block version %d.%d", hdr.VersionHigh, hdr.VersionLow)
	}
	return nil
}

// finish makes sure the body was consumed exactly.
func finish(br *Reader) error {
	if err := br.Err(); err != nil {
		return err
	}
	if br.Remaining() != 0 {
		return structuralError(br.block, "block length mismatch: %d trailing bytes", br.Remaining())
	}
	return nil
}

// decodeSingle decodes a buffer that holds exactly one block of type want.
func decodeSingle(b []byte, want uint16, body func(*Reader) error) error {
	r := NewReader(b, blockName(want))
	hdr, br, err := nextBlock(r)
	if err != nil {
		return err
	}
	if hdr.Type != want {
		return structuralError(blockName(want), "unexpected block type 0x%04X", hdr.Type)
	}
	if err := checkVersion(hdr); err != nil {
		return err
	}
	if err := body(br); err != nil {
		return err
	}
	if err := finish(br); err != nil {
		return err
	}
	if r.Remaining() != 0 {
		return structuralError(blockName(want), "%d bytes after block", r.Remaining())
	}
	return nil
}

// RawBlock keeps a block this package does not interpret.
type RawBlock struct {
	Header BlockHeader
	Body   []byte
}

func (b *RawBlock) BlockType() uint16 { return b.Header.Type }

func (b *RawBlock) Encode(w *Writer) error {
	w.U16(b.Header.Type)
	w.U16(uint16(len(b.Body) + 2))
	w.U8(b.Header.VersionHigh)
	w.U8(b.Header.VersionLow)
	w.Raw(b.Body)
	return nil
}

// EncodeBlocks encodes blocks back to back in the given order.
func EncodeBlocks(blocks ...Block) ([]byte, error) {
	w := NewWriter(512)
	for _, b := range blocks {
		if err := b.Encode(w); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func blockName(t uint16) string {
	switch t {
	case BlockTypeARBlockReq:
		return "ARBlockReq"
	case BlockTypeIOCRBlockReq:
		return "IOCRBlockReq"
	case BlockTypeAlarmCRBlockReq:
		return "AlarmCRBlockReq"
	case BlockTypeExpectedSubmoduleBlockReq:
		return "ExpectedSubmoduleBlockReq"
	case BlockTypeIODControlReq:
		return "IODControlReq"
	case BlockTypeIOXControlReq:
		return "IOXControlReq"
	case BlockTypeReleaseBlockReq:
		return "ReleaseBlockReq"
	case BlockTypeARBlockRes:
		return "ARBlockRes"
	case BlockTypeIOCRBlockRes:
		return "IOCRBlockRes"
	case BlockTypeAlarmCRBlockRes:
		return "AlarmCRBlockRes"
	case BlockTypeModuleDiffBlock:
		return "ModuleDiffBlock"
	case BlockTypeIODControlRes:
		return "IODControlRes"
	case BlockTypeIOXControlRes:
		return "IOXControlRes"
	case BlockTypeReleaseBlockRes:
		return "ReleaseBlockRes"
	default:
		return "Block"
	}
}
