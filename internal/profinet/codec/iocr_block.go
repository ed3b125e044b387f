package codec

import "fmt"

const (
	IOCRTypeInput  = 0x0001
	IOCRTypeOutput = 0x0002

	IOCRPropRTClass1    = 0x00000001
	iocrPropRTClassMask = 0x0000000F

	MinIOCRDataLength = 40
	MaxIOCRDataLength = 1440

	// Fixed for RT_CLASS_1, verified against device captures.
	IOCRFrameSendOffset = 0x00000000
	IOCRDataHoldFactor  = 0x0003
	IOCRTagHeader       = 0x0000
)

var iocrMulticastMAC [6]byte

// IODataObject is one (slot, subslot, frame offset) entry.
type IODataObject struct {
	Slot        uint16
	Subslot     uint16
	FrameOffset uint16
}

// IOCRAPI lists the data objects and consumer status entries of one API.
type IOCRAPI struct {
	API           uint32
	IODataObjects []IODataObject
	IOCS          []IODataObject
}

// IOCRBlockReq (0x0102). FrameSendOffset, DataHoldFactor, TagHeader and
// MulticastMAC are not fields: they are always written as constants.
type IOCRBlockReq struct {
	Type            uint16
	Reference       uint16
	LT              uint16
	Properties      uint32
	DataLength      uint16
	FrameID         uint16
	SendClockFactor uint16
	ReductionRatio  uint16
	Phase           uint16
	Sequence        uint16
	WatchdogFactor  uint16
	APIs            []IOCRAPI
}

func (b *IOCRBlockReq) BlockType() uint16 { return BlockTypeIOCRBlockReq }

func (b *IOCRBlockReq) RTClass() uint32 { return b.Properties & iocrPropRTClassMask }

func (b *IOCRBlockReq) Encode(w *Writer) error {
	if b.Type != IOCRTypeInput && b.Type != IOCRTypeOutput {
		return fmt.Errorf("IOCRBlockReq: iocr type %d", b.Type)
	}
	if b.DataLength < MinIOCRDataLength || b.DataLength > MaxIOCRDataLength {
		return fmt.Errorf("IOCRBlockReq: data length %d out of range %d..%d", b.DataLength, MinIOCRDataLength, MaxIOCRDataLength)
	}

	start := w.beginBlock(BlockTypeIOCRBlockReq)
	w.U16(b.Type)
	w.U16(b.Reference)
	w.U16(b.LT)
	w.U32(b.Properties)
	w.U16(b.DataLength)
	w.U16(b.FrameID)
	w.U16(b.SendClockFactor)
	w.U16(b.ReductionRatio)
	w.U16(b.Phase)
	w.U16(b.Sequence)
	w.U32(IOCRFrameSendOffset)
	w.U16(b.WatchdogFactor)
	w.U16(IOCRDataHoldFactor)
	w.U16(IOCRTagHeader)
	w.Raw(iocrMulticastMAC[:])

	w.U16(uint16(len(b.APIs)))
	for _, api := range b.APIs {
		w.U32(api.API)
		writeDataObjects(w, api.IODataObjects)
		writeDataObjects(w, api.IOCS)
	}
	w.endBlock(start)
	return nil
}

func writeDataObjects(w *Writer, objs []IODataObject) {
	w.U16(uint16(len(objs)))
	for _, o := range objs {
		w.U16(o.Slot)
		w.U16(o.Subslot)
		w.U16(o.FrameOffset)
	}
}

func readDataObjects(r *Reader) []IODataObject {
	n := int(r.U16())
	// jeder Eintrag hat 6 Bytes
	if n*6 > r.Remaining() {
		r.fail(structuralError(r.block, "%d data objects do not fit in %d bytes", n, r.Remaining()))
		return nil
	}
	objs := make([]IODataObject, 0, n)
	for i := 0; i < n; i++ {
		objs = append(objs, IODataObject{Slot: r.U16(), Subslot: r.U16(), FrameOffset: r.U16()})
	}
	return objs
}

func (b *IOCRBlockReq) decode(r *Reader) error {
	b.Type = r.U16()
	b.Reference = r.U16()
	b.LT = r.U16()
	b.Properties = r.U32()
	b.DataLength = r.U16()
	b.FrameID = r.U16()
	b.SendClockFactor = r.U16()
	b.ReductionRatio = r.U16()
	b.Phase = r.U16()
	b.Sequence = r.U16()
	sendOffset := r.U32()
	b.WatchdogFactor = r.U16()
	holdFactor := r.U16()
	tag := r.U16()
	mac := r.Raw(6)

	nAPI := int(r.U16())
	for i := 0; i < nAPI && r.Err() == nil; i++ {
		api := IOCRAPI{API: r.U32()}
		api.IODataObjects = readDataObjects(r)
		api.IOCS = readDataObjects(r)
		b.APIs = append(b.APIs, api)
	}
	if err := r.Err(); err != nil {
		return err
	}

	switch {
	case b.Type != IOCRTypeInput && b.Type != IOCRTypeOutput:
		return rangeError("IOCRBlockReq", "iocr type %d", b.Type)
	case sendOffset != IOCRFrameSendOffset:
		return rangeError("IOCRBlockReq", "frame send offset 0x%08X", sendOffset)
	case holdFactor != IOCRDataHoldFactor:
		return rangeError("IOCRBlockReq", "data hold factor %d", holdFactor)
	case tag != IOCRTagHeader:
		return rangeError("IOCRBlockReq", "tag header 0x%04X", tag)
	case [6]byte(mac) != iocrMulticastMAC:
		return rangeError("IOCRBlockReq", "multicast mac % X", mac)
	}
	return nil
}

func DecodeIOCRBlockReq(buf []byte) (*IOCRBlockReq, error) {
	b := &IOCRBlockReq{}
	if err := decodeSingle(buf, BlockTypeIOCRBlockReq, b.decode); err != nil {
		return nil, err
	}
	return b, nil
}

// IOCRBlockRes (0x8102)
type IOCRBlockRes struct {
	Type      uint16
	Reference uint16
	FrameID   uint16
}

func (b *IOCRBlockRes) BlockType() uint16 { return BlockTypeIOCRBlockRes }

func (b *IOCRBlockRes) Encode(w *Writer) error {
	start := w.beginBlock(BlockTypeIOCRBlockRes)
	w.U16(b.Type)
	w.U16(b.Reference)
	w.U16(b.FrameID)
	w.endBlock(start)
	return nil
}

func (b *IOCRBlockRes) decode(r *Reader) error {
	b.Type = r.U16()
	b.Reference = r.U16()
	b.FrameID = r.U16()
	return r.Err()
}

func DecodeIOCRBlockRes(buf []byte) (*IOCRBlockRes, error) {
	b := &IOCRBlockRes{}
	if err := decodeSingle(buf, BlockTypeIOCRBlockRes, b.decode); err != nil {
		return nil, err
	}
	return b, nil
}
