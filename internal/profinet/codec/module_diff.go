package codec

import "fmt"

// ModuleState
const (
	ModuleStateNoModule     uint16 = 0x0000
	ModuleStateWrongModule  uint16 = 0x0001
	ModuleStateProperModule uint16 = 0x0002
	ModuleStateSubstitute   uint16 = 0x0003
)

// SubmoduleState.IdentInfo (bits 11..14 with format indicator bit 15)
const (
	IdentInfoOK          = 0
	IdentInfoSubstitute  = 1
	IdentInfoWrong       = 2
	IdentInfoNoSubmodule = 3
)

type DiffSubmodule struct {
	Subslot        uint16
	SubmoduleIdent uint32
	State          uint16
}

// IdentInfo decodes the detailed submodule state.
func (s DiffSubmodule) IdentInfo() int {
	if s.State&0x8000 == 0 {
		return IdentInfoOK
	}
	return int(s.State>>11) & 0xF
}

type DiffModule struct {
	Slot        uint16
	ModuleIdent uint32
	State       uint16
	Submodules  []DiffSubmodule
}

type DiffAPI struct {
	API     uint32
	Modules []DiffModule
}

// ModuleDiffBlock (0x8104) lists where the real configuration differs
// from the expected one. It is diagnostics, not a rejection.
type ModuleDiffBlock struct {
	APIs []DiffAPI
}

func (b *ModuleDiffBlock) BlockType() uint16 { return BlockTypeModuleDiffBlock }

func (b *ModuleDiffBlock) Encode(w *Writer) error {
	start := w.beginBlock(BlockTypeModuleDiffBlock)
	w.U16(uint16(len(b.APIs)))
	for _, api := range b.APIs {
		w.U32(api.API)
		w.U16(uint16(len(api.Modules)))
		for _, m := range api.Modules {
			w.U16(m.Slot)
			w.U32(m.ModuleIdent)
			w.U16(m.State)
			w.U16(uint16(len(m.Submodules)))
			for _, s := range m.Submodules {
				w.U16(s.Subslot)
				w.U32(s.SubmoduleIdent)
				w.U16(s.State)
			}
		}
	}
	w.endBlock(start)
	return nil
}

func (b *ModuleDiffBlock) decode(r *Reader) error {
	nAPI := int(r.U16())
	for i := 0; i < nAPI && r.Err() == nil; i++ {
		api := DiffAPI{API: r.U32()}
		nMod := int(r.U16())
		for j := 0; j < nMod && r.Err() == nil; j++ {
			m := DiffModule{Slot: r.U16(), ModuleIdent: r.U32(), State: r.U16()}
			nSub := int(r.U16())
			if nSub*8 > r.Remaining() {
				return structuralError("ModuleDiffBlock", "slot %d: %d submodules do not fit in %d bytes", m.Slot, nSub, r.Remaining())
			}
			for k := 0; k < nSub; k++ {
				m.Submodules = append(m.Submodules, DiffSubmodule{Subslot: r.U16(), SubmoduleIdent: r.U32(), State: r.U16()})
			}
			api.Modules = append(api.Modules, m)
		}
		b.APIs = append(b.APIs, api)
	}
	return r.Err()
}

func DecodeModuleDiffBlock(buf []byte) (*ModuleDiffBlock, error) {
	b := &ModuleDiffBlock{}
	if err := decodeSingle(buf, BlockTypeModuleDiffBlock, b.decode); err != nil {
		return nil, err
	}
	return b, nil
}

// Summary renders one line per deviating module or submodule.
func (b *ModuleDiffBlock) Summary() []string {
	var out []string
	for _, api := range b.APIs {
		for _, m := range api.Modules {
			if m.State != ModuleStateProperModule {
				out = append(out, fmt.Sprintf("slot %d: module 0x%08X state %s", m.Slot, m.ModuleIdent, moduleStateName(m.State)))
			}
			for _, s := range m.Submodules {
				if info := s.IdentInfo(); info != IdentInfoOK {
					out = append(out, fmt.Sprintf("slot %d subslot %d: submodule 0x%08X %s", m.Slot, s.Subslot, s.SubmoduleIdent, identInfoName(info)))
				}
			}
		}
	}
	return out
}

func moduleStateName(s uint16) string {
	switch s {
	case ModuleStateNoModule:
		return "no module"
	case ModuleStateWrongModule:
		return "wrong module"
	case ModuleStateProperModule:
		return "proper module"
	case ModuleStateSubstitute:
		return "substitute"
	default:
		return fmt.Sprintf("0x%04X", s)
	}
}

func identInfoName(i int) string {
	switch i {
	case IdentInfoSubstitute:
		return "substitute"
	case IdentInfoWrong:
		return "wrong submodule"
	case IdentInfoNoSubmodule:
		return "no submodule"
	default:
		return fmt.Sprintf("ident info %d", i)
	}
}
