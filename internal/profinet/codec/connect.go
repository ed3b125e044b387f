package codec

// ConnectRequest holds the blocks of a Connect request. Blocks returns
// them in wire order.
type ConnectRequest struct {
	AR         *ARBlockReq
	InputIOCR  *IOCRBlockReq
	OutputIOCR *IOCRBlockReq
	AlarmCR    *AlarmCRBlockReq
	Expected   *ExpectedSubmoduleBlockReq
}

func (c *ConnectRequest) Blocks() []Block {
	return []Block{c.AR, c.InputIOCR, c.OutputIOCR, c.AlarmCR, c.Expected}
}

// Encode returns the PNIO payload (the part after the NDR header).
func (c *ConnectRequest) Encode() ([]byte, error) {
	return EncodeBlocks(c.Blocks()...)
}

// DecodeConnectRequest parses a PNIO payload produced by Encode.
func DecodeConnectRequest(buf []byte) (*ConnectRequest, error) {
	const name = "ConnectRequest"
	blocks, err := DecodeBlocks(buf)
	if err != nil {
		return nil, err
	}
	if len(blocks) != 5 {
		return nil, structuralError(name, "%d blocks, want 5", len(blocks))
	}

	c := &ConnectRequest{}
	var ok bool
	if c.AR, ok = blocks[0].(*ARBlockReq); !ok {
		return nil, structuralError(name, "block 1 is 0x%04X, want ARBlockReq", blocks[0].BlockType())
	}
	if c.InputIOCR, ok = blocks[1].(*IOCRBlockReq); !ok || c.InputIOCR.Type != IOCRTypeInput {
		return nil, structuralError(name, "block 2 is not the input IOCRBlockReq")
	}
	if c.OutputIOCR, ok = blocks[2].(*IOCRBlockReq); !ok || c.OutputIOCR.Type != IOCRTypeOutput {
		return nil, structuralError(name, "block 3 is not the output IOCRBlockReq")
	}
	if c.AlarmCR, ok = blocks[3].(*AlarmCRBlockReq); !ok {
		return nil, structuralError(name, "block 4 is 0x%04X, want AlarmCRBlockReq", blocks[3].BlockType())
	}
	if c.Expected, ok = blocks[4].(*ExpectedSubmoduleBlockReq); !ok {
		return nil, structuralError(name, "block 5 is 0x%04X, want ExpectedSubmoduleBlockReq", blocks[4].BlockType())
	}
	return c, nil
}

// ConnectResponse keeps the response blocks in the order received.
type ConnectResponse struct {
	Blocks []Block
}

func (c *ConnectResponse) Encode() ([]byte, error) {
	return EncodeBlocks(c.Blocks...)
}

func (c *ConnectResponse) AR() *ARBlockRes {
	for _, b := range c.Blocks {
		if ar, ok := b.(*ARBlockRes); ok {
			return ar
		}
	}
	return nil
}

// IOCR returns the response for the given IOCR type.
func (c *ConnectResponse) IOCR(iocrType uint16) *IOCRBlockRes {
	for _, b := range c.Blocks {
		if cr, ok := b.(*IOCRBlockRes); ok && cr.Type == iocrType {
			return cr
		}
	}
	return nil
}

func (c *ConnectResponse) AlarmCR() *AlarmCRBlockRes {
	for _, b := range c.Blocks {
		if cr, ok := b.(*AlarmCRBlockRes); ok {
			return cr
		}
	}
	return nil
}

func (c *ConnectResponse) ModuleDiff() *ModuleDiffBlock {
	for _, b := range c.Blocks {
		if d, ok := b.(*ModuleDiffBlock); ok {
			return d
		}
	}
	return nil
}

// Unknown returns blocks this package keeps only as raw bytes.
func (c *ConnectResponse) Unknown() []*RawBlock {
	var out []*RawBlock
	for _, b := range c.Blocks {
		if raw, ok := b.(*RawBlock); ok {
			out = append(out, raw)
		}
	}
	return out
}

// DecodeConnectResponse parses the PNIO payload of a Connect response.
func DecodeConnectResponse(buf []byte) (*ConnectResponse, error) {
	blocks, err := DecodeBlocks(buf)
	if err != nil {
		return nil, err
	}
	return &ConnectResponse{Blocks: blocks}, nil
}

// DecodeBlocks splits a PNIO payload into typed blocks. Unknown block
// types come back as *RawBlock.
func DecodeBlocks(buf []byte) ([]Block, error) {
	r := NewReader(buf, "PNIO")
	var blocks []Block
	for r.Remaining() > 0 {
		hdr, br, err := nextBlock(r)
		if err != nil {
			return nil, err
		}

		var b interface {
			Block
			decode(*Reader) error
		}
		switch hdr.Type {
		case BlockTypeARBlockReq:
			b = &ARBlockReq{}
		case BlockTypeIOCRBlockReq:
			b = &IOCRBlockReq{}
		case BlockTypeAlarmCRBlockReq:
			b = &AlarmCRBlockReq{}
		case BlockTypeExpectedSubmoduleBlockReq:
			b = &ExpectedSubmoduleBlockReq{}
		case BlockTypeARBlockRes:
			b = &ARBlockRes{}
		case BlockTypeIOCRBlockRes:
			b = &IOCRBlockRes{}
		case BlockTypeAlarmCRBlockRes:
			b = &AlarmCRBlockRes{}
		case BlockTypeModuleDiffBlock:
			b = &ModuleDiffBlock{}
		default:
			if isControlType(hdr.Type) {
				b = &ControlBlock{Type: hdr.Type}
				break
			}
			body := make([]byte, br.Remaining())
			copy(body, br.buf)
			blocks = append(blocks, &RawBlock{Header: hdr, Body: body})
			continue
		}

		if err := checkVersion(hdr); err != nil {
			return nil, err
		}
		if err := b.decode(br); err != nil {
			return nil, err
		}
		if err := finish(br); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}
