package processimage

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/KevinKickass/OpenPNIO/internal/types"
)

const (
	DefaultSize = 64 * 1024

	IOxSGood = 0x80
	IOxSBad  = 0x00
)

var (
	ErrUnknownSubmodule = errors.New("unknown submodule")
	ErrNoSpace          = errors.New("process image full")
)

// Image is the shared-memory boundary between the cyclic engines and
// whatever consumes process data. Each RTU owns one Region.
//
// Layout per submodule, in slot/subslot order:
//
//	[input data][IOPS] [output data][output IOPS][IOCS]
//
// The status bytes of a direction only exist if the submodule has it.
type Image struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	mapped  mmap.MMap
	data    []byte
	next    int
	regions map[string]*Region
}

// Open maps path as process image. An empty path gives an in-memory image.
func Open(path string, size int) (*Image, error) {
	if size <= 0 {
		size = DefaultSize
	}
	im := &Image{path: path, regions: make(map[string]*Region)}
	if path == "" {
		im.data = make([]byte, size)
		return im, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open process image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize process image: %w", err)
		}
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	im.file = f
	im.mapped = m
	im.data = m
	return im, nil
}

// Allocate returns the region of rtu, creating it on first use. A
// reconnect with the same profile keeps its region.
func (im *Image) Allocate(rtu string, subs []types.Submodule) (*Region, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	if r, ok := im.regions[rtu]; ok {
		if !r.matches(subs) {
			return nil, fmt.Errorf("rtu %s: profile differs from allocated region", rtu)
		}
		return r, nil
	}

	r := newRegion(rtu, subs)
	if im.next+r.size > len(im.data) {
		return nil, fmt.Errorf("rtu %s needs %d bytes: %w", rtu, r.size, ErrNoSpace)
	}
	r.offset = im.next
	r.buf = im.data[im.next : im.next+r.size : im.next+r.size]
	im.next += r.size
	r.InvalidateInputs()
	im.regions[rtu] = r
	return r, nil
}

func (im *Image) Region(rtu string) (*Region, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()
	r, ok := im.regions[rtu]
	return r, ok
}

// Flush writes a mapped image back to its file.
func (im *Image) Flush() error {
	if im.mapped == nil {
		return nil
	}
	return im.mapped.Flush()
}

func (im *Image) Close() error {
	im.mu.Lock()
	defer im.mu.Unlock()

	var err error
	if im.mapped != nil {
		if e := im.mapped.Unmap(); e != nil {
			err = e
		}
		im.mapped = nil
	}
	if im.file != nil {
		if e := im.file.Close(); e != nil {
			err = e
		}
		im.file = nil
	}
	im.data = nil
	return err
}
