package codec

import (
	"fmt"
	"sort"

	"github.com/KevinKickass/OpenPNIO/internal/types"
)

// DataObject places one submodule's data and its provider status in the
// C_SDU. The IOPS byte follows the data at Offset+Length.
type DataObject struct {
	Slot    uint16
	Subslot uint16
	Offset  uint16
	Length  uint16
}

func (d DataObject) IOPSOffset() uint16 { return d.Offset + d.Length }

// StatusObject places one consumer status byte.
type StatusObject struct {
	Slot    uint16
	Subslot uint16
	Offset  uint16
}

// IOCRLayout is the byte layout of one direction.
type IOCRLayout struct {
	DataObjects []DataObject
	IOCS        []StatusObject
	// DataLength is padded to MinIOCRDataLength.
	DataLength uint16
}

// Layout is computed once per AR and never changes afterwards.
type Layout struct {
	Submodules []types.Submodule
	// Input: device to controller
	Input IOCRLayout
	// Output: controller to device
	Output IOCRLayout
}

// ComputeLayout sorts the profile by slot/subslot and assigns frame
// offsets. Input frames carry the input data objects plus the device's
// IOCS for output submodules; output frames mirror that.
func ComputeLayout(subs []types.Submodule) (*Layout, error) {
	if err := types.ValidateSubmodules(subs); err != nil {
		return nil, err
	}

	sorted := make([]types.Submodule, len(subs))
	copy(sorted, subs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Slot != sorted[j].Slot {
			return sorted[i].Slot < sorted[j].Slot
		}
		return sorted[i].Subslot < sorted[j].Subslot
	})

	l := &Layout{Submodules: sorted}
	var err error
	if l.Input, err = buildIOCRLayout(sorted, types.Submodule.HasInput, types.Submodule.HasOutput); err != nil {
		return nil, fmt.Errorf("input iocr: %w", err)
	}
	if l.Output, err = buildIOCRLayout(sorted, types.Submodule.HasOutput, types.Submodule.HasInput); err != nil {
		return nil, fmt.Errorf("output iocr: %w", err)
	}
	return l, nil
}

func buildIOCRLayout(subs []types.Submodule, provides, consumes func(types.Submodule) bool) (IOCRLayout, error) {
	var l IOCRLayout
	off := 0
	for _, s := range subs {
		if !provides(s) {
			continue
		}
		l.DataObjects = append(l.DataObjects, DataObject{Slot: s.Slot, Subslot: s.Subslot, Offset: uint16(off), Length: s.DataLength})
		off += int(s.DataLength) + types.IOxSLength
	}
	for _, s := range subs {
		if !consumes(s) {
			continue
		}
		l.IOCS = append(l.IOCS, StatusObject{Slot: s.Slot, Subslot: s.Subslot, Offset: uint16(off)})
		off += types.IOxSLength
	}
	if off > MaxIOCRDataLength {
		return l, fmt.Errorf("%d bytes of io data exceed %d", off, MaxIOCRDataLength)
	}
	l.DataLength = uint16(max(off, MinIOCRDataLength))
	return l, nil
}

// IOCRParams are the negotiated cyclic parameters of one AR.
type IOCRParams struct {
	InputFrameID    uint16
	OutputFrameID   uint16
	SendClockFactor uint16
	ReductionRatio  uint16
	WatchdogFactor  uint16
}

const (
	InputIOCRReference  = 0x0001
	OutputIOCRReference = 0x0002
)

// IOCRBlock builds the request block for one direction.
func (l *Layout) IOCRBlock(iocrType uint16, p IOCRParams) *IOCRBlockReq {
	cr := &IOCRBlockReq{
		Type:            iocrType,
		LT:              EtherTypeProfinet,
		Properties:      IOCRPropRTClass1,
		SendClockFactor: p.SendClockFactor,
		ReductionRatio:  p.ReductionRatio,
		Phase:           1,
		Sequence:        0,
		WatchdogFactor:  p.WatchdogFactor,
	}
	dir := &l.Input
	cr.Reference, cr.FrameID = InputIOCRReference, p.InputFrameID
	if iocrType == IOCRTypeOutput {
		dir = &l.Output
		cr.Reference, cr.FrameID = OutputIOCRReference, p.OutputFrameID
	}
	cr.DataLength = dir.DataLength

	api := IOCRAPI{API: DefaultAPI}
	for _, d := range dir.DataObjects {
		api.IODataObjects = append(api.IODataObjects, IODataObject{Slot: d.Slot, Subslot: d.Subslot, FrameOffset: d.Offset})
	}
	for _, s := range dir.IOCS {
		api.IOCS = append(api.IOCS, IODataObject{Slot: s.Slot, Subslot: s.Subslot, FrameOffset: s.Offset})
	}
	cr.APIs = []IOCRAPI{api}
	return cr
}

// ExpectedBlock groups all submodules into slots under the single API 0.
func (l *Layout) ExpectedBlock() *ExpectedSubmoduleBlockReq {
	b := &ExpectedSubmoduleBlockReq{API: DefaultAPI}
	for _, s := range l.Submodules {
		if n := len(b.Slots); n == 0 || b.Slots[n-1].Slot != s.Slot {
			b.Slots = append(b.Slots, ExpectedSlot{Slot: s.Slot, ModuleIdent: s.ModuleIdent})
		}
		var props uint16
		if s.HasInput() {
			props |= SubmodulePropInput
		}
		if s.HasOutput() {
			props |= SubmodulePropOutput
		}
		slot := &b.Slots[len(b.Slots)-1]
		slot.Submodules = append(slot.Submodules, ExpectedSubmodule{
			Subslot:        s.Subslot,
			SubmoduleIdent: s.SubmoduleIdent,
			Properties:     props,
			DataLength:     s.DataLength,
		})
	}
	return b
}
