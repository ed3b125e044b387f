package codec

const (
	SubmodulePropInput  = 0x0001
	SubmodulePropOutput = 0x0002

	// Every slot of an AR lives in API 0.
	DefaultAPI = 0x00000000
)

type ExpectedSubmodule struct {
	Subslot        uint16
	SubmoduleIdent uint32
	Properties     uint16
	// DataDescription: DataLength(2) + LengthIOCS(1) + LengthIOPS(1)
	DataLength uint16
}

type ExpectedSlot struct {
	Slot        uint16
	ModuleIdent uint32
	Submodules  []ExpectedSubmodule
}

// ExpectedSubmoduleBlockReq (0x0104). It always carries exactly one API
// that holds every slot.
type ExpectedSubmoduleBlockReq struct {
	API   uint32
	Slots []ExpectedSlot
}

func (b *ExpectedSubmoduleBlockReq) BlockType() uint16 { return BlockTypeExpectedSubmoduleBlockReq }

// SubmoduleCount sums the submodules over all slots.
func (b *ExpectedSubmoduleBlockReq) SubmoduleCount() int {
	n := 0
	for _, s := range b.Slots {
		n += len(s.Submodules)
	}
	return n
}

func (b *ExpectedSubmoduleBlockReq) Encode(w *Writer) error {
	start := w.beginBlock(BlockTypeExpectedSubmoduleBlockReq)
	w.U16(1)
	w.U32(b.API)
	w.U16(uint16(len(b.Slots)))
	for _, slot := range b.Slots {
		w.U16(slot.Slot)
		w.U32(slot.ModuleIdent)
		w.U16(uint16(len(slot.Submodules)))
		for _, sub := range slot.Submodules {
			w.U16(sub.Subslot)
			w.U32(sub.SubmoduleIdent)
			w.U16(sub.Properties)
			w.U16(sub.DataLength)
			w.U8(1) // LengthIOCS
			w.U8(1) // LengthIOPS
		}
	}
	w.endBlock(start)
	return nil
}

func (b *ExpectedSubmoduleBlockReq) decode(r *Reader) error {
	const name = "ExpectedSubmoduleBlockReq"

	nAPI := r.U16()
	if r.Err() == nil && nAPI != 1 {
		return rangeError(name, "%d APIs, exactly one expected", nAPI)
	}
	b.API = r.U32()
	nSlots := int(r.U16())
	for i := 0; i < nSlots && r.Err() == nil; i++ {
		slot := ExpectedSlot{Slot: r.U16(), ModuleIdent: r.U32()}
		nSubs := int(r.U16())
		// 12 Bytes pro Submodul
		if nSubs*12 > r.Remaining() {
			return structuralError(name, "slot %d: %d submodules do not fit in %d bytes", slot.Slot, nSubs, r.Remaining())
		}
		for j := 0; j < nSubs; j++ {
			sub := ExpectedSubmodule{
				Subslot:        r.U16(),
				SubmoduleIdent: r.U32(),
				Properties:     r.U16(),
				DataLength:     r.U16(),
			}
			iocs, iops := r.U8(), r.U8()
			if r.Err() == nil && (iocs != 1 || iops != 1) {
				return rangeError(name, "slot %d subslot %d: IOCS/IOPS length %d/%d", slot.Slot, sub.Subslot, iocs, iops)
			}
			slot.Submodules = append(slot.Submodules, sub)
		}
		b.Slots = append(b.Slots, slot)
	}
	return r.Err()
}

func DecodeExpectedSubmoduleBlockReq(buf []byte) (*ExpectedSubmoduleBlockReq, error) {
	b := &ExpectedSubmoduleBlockReq{}
	if err := decodeSingle(buf, BlockTypeExpectedSubmoduleBlockReq, b.decode); err != nil {
		return nil, err
	}
	return b, nil
}
