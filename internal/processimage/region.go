package processimage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenPNIO/internal/types"
)

type slotKey struct{ slot, subslot uint16 }

type entry struct {
	sub types.Submodule
	// offsets into the region, -1 if absent
	in, iops, out, outIOPS, iocs int
}

// Region is the part of the image that belongs to one RTU.
type Region struct {
	rtu    string
	offset int
	size   int

	mu      sync.RWMutex
	buf     []byte
	order   []slotKey
	entries map[slotKey]*entry
}

func newRegion(rtu string, subs []types.Submodule) *Region {
	sorted := make([]types.Submodule, len(subs))
	copy(sorted, subs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Slot != sorted[j].Slot {
			return sorted[i].Slot < sorted[j].Slot
		}
		return sorted[i].Subslot < sorted[j].Subslot
	})

	r := &Region{rtu: rtu, entries: make(map[slotKey]*entry, len(sorted))}
	off := 0
	for _, s := range sorted {
		e := &entry{sub: s, in: -1, iops: -1, out: -1, outIOPS: -1, iocs: -1}
		if s.HasInput() {
			e.in = off
			off += int(s.DataLength)
			e.iops = off
			off++
		}
		if s.HasOutput() {
			e.out = off
			off += int(s.DataLength)
			e.outIOPS = off
			off++
			e.iocs = off
			off++
		}
		key := slotKey{s.Slot, s.Subslot}
		r.entries[key] = e
		r.order = append(r.order, key)
	}
	r.size = off
	return r
}

func (r *Region) matches(subs []types.Submodule) bool {
	if len(subs) != len(r.entries) {
		return false
	}
	for _, s := range subs {
		e, ok := r.entries[slotKey{s.Slot, s.Subslot}]
		if !ok || e.sub != s {
			return false
		}
	}
	return true
}

func (r *Region) RTU() string { return r.rtu }

// Offset is the byte offset of the region inside the image file.
func (r *Region) Offset() int { return r.offset }
func (r *Region) Size() int   { return r.size }

func (r *Region) lookup(slot, subslot uint16) (*entry, error) {
	e, ok := r.entries[slotKey{slot, subslot}]
	if !ok {
		return nil, fmt.Errorf("%s %d/%d: %w", r.rtu, slot, subslot, ErrUnknownSubmodule)
	}
	return e, nil
}

// PublishInput stores sensor data received from the device with its IOPS.
func (r *Region) PublishInput(slot, subslot uint16, value []byte, iops byte) error {
	e, err := r.lookup(slot, subslot)
	if err != nil {
		return err
	}
	if e.in < 0 {
		return fmt.Errorf("%s %d/%d has no input data", r.rtu, slot, subslot)
	}
	if len(value) != int(e.sub.DataLength) {
		return fmt.Errorf("%s %d/%d: input length %d, want %d", r.rtu, slot, subslot, len(value), e.sub.DataLength)
	}
	r.mu.Lock()
	copy(r.buf[e.in:], value)
	r.buf[e.iops] = iops
	r.mu.Unlock()
	return nil
}

// PublishIOCS stores the device's consumer status for an output submodule.
func (r *Region) PublishIOCS(slot, subslot uint16, iocs byte) error {
	e, err := r.lookup(slot, subslot)
	if err != nil {
		return err
	}
	if e.iocs < 0 {
		return fmt.Errorf("%s %d/%d has no output data", r.rtu, slot, subslot)
	}
	r.mu.Lock()
	r.buf[e.iocs] = iocs
	r.mu.Unlock()
	return nil
}

// Input returns a copy of the input data and its quality byte (IOPS).
func (r *Region) Input(slot, subslot uint16) ([]byte, byte, error) {
	e, err := r.lookup(slot, subslot)
	if err != nil {
		return nil, 0, err
	}
	if e.in < 0 {
		return nil, 0, fmt.Errorf("%s %d/%d has no input data", r.rtu, slot, subslot)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := make([]byte, e.sub.DataLength)
	copy(v, r.buf[e.in:])
	return v, r.buf[e.iops], nil
}

// WriteOutput sets the commanded value and marks it good.
func (r *Region) WriteOutput(slot, subslot uint16, value []byte) error {
	e, err := r.lookup(slot, subslot)
	if err != nil {
		return err
	}
	if e.out < 0 {
		return fmt.Errorf("%s %d/%d has no output data", r.rtu, slot, subslot)
	}
	if len(value) != int(e.sub.DataLength) {
		return fmt.Errorf("%s %d/%d: output length %d, want %d", r.rtu, slot, subslot, len(value), e.sub.DataLength)
	}
	r.mu.Lock()
	copy(r.buf[e.out:], value)
	r.buf[e.outIOPS] = IOxSGood
	r.mu.Unlock()
	return nil
}

// ReadOutput copies the commanded value into dst. good is false until
// the value was written at least once.
func (r *Region) ReadOutput(slot, subslot uint16, dst []byte) (bool, error) {
	e, err := r.lookup(slot, subslot)
	if err != nil {
		return false, err
	}
	if e.out < 0 {
		return false, fmt.Errorf("%s %d/%d has no output data", r.rtu, slot, subslot)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	copy(dst, r.buf[e.out:e.out+int(e.sub.DataLength)])
	return r.buf[e.outIOPS] == IOxSGood, nil
}

// Output returns the commanded value, its IOPS and the device's IOCS.
func (r *Region) Output(slot, subslot uint16) ([]byte, byte, byte, error) {
	e, err := r.lookup(slot, subslot)
	if err != nil {
		return nil, 0, 0, err
	}
	if e.out < 0 {
		return nil, 0, 0, fmt.Errorf("%s %d/%d has no output data", r.rtu, slot, subslot)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := make([]byte, e.sub.DataLength)
	copy(v, r.buf[e.out:])
	return v, r.buf[e.outIOPS], r.buf[e.iocs], nil
}

// InvalidateInputs marks every input and consumer status bad. Called
// when the AR leaves ESTABLISHED.
func (r *Region) InvalidateInputs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.iops >= 0 {
			r.buf[e.iops] = IOxSBad
		}
		if e.iocs >= 0 {
			r.buf[e.iocs] = IOxSBad
		}
	}
}

// Value is one submodule's view for API consumers.
type Value struct {
	Slot       uint16          `json:"slot"`
	Subslot    uint16          `json:"subslot"`
	Direction  types.Direction `json:"direction"`
	Input      []byte          `json:"input,omitempty"`
	InputIOPS  *byte           `json:"input_iops,omitempty"`
	Output     []byte          `json:"output,omitempty"`
	OutputIOPS *byte           `json:"output_iops,omitempty"`
	OutputIOCS *byte           `json:"output_iocs,omitempty"`
}

// Values returns all submodules in slot/subslot order.
func (r *Region) Values() []Value {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Value, 0, len(r.order))
	for _, k := range r.order {
		e := r.entries[k]
		v := Value{Slot: k.slot, Subslot: k.subslot, Direction: e.sub.Direction}
		if e.in >= 0 {
			v.Input = append([]byte{}, r.buf[e.in:e.iops]...)
			iops := r.buf[e.iops]
			v.InputIOPS = &iops
		}
		if e.out >= 0 {
			v.Output = append([]byte{}, r.buf[e.out:e.outIOPS]...)
			iops, iocs := r.buf[e.outIOPS], r.buf[e.iocs]
			v.OutputIOPS = &iops
			v.OutputIOCS = &iocs
		}
		out = append(out, v)
	}
	return out
}
