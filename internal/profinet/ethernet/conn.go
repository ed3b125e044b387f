package ethernet

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/pcap"
)

var ErrClosed = errors.New("ethernet: connection closed")

// FrameConn sends and receives whole Ethernet frames.
type FrameConn interface {
	// ReadFrame blocks until a frame arrives or the conn is closed.
	ReadFrame() ([]byte, time.Time, error)
	WriteFrame(frame []byte) error
	HardwareAddr() net.HardwareAddr
	Close() error
}

const (
	snapLen     = 1518
	readTimeout = 10 * time.Millisecond
	rtFilter    = "ether proto 0x8892 or (vlan and ether proto 0x8892)"
)

// PcapConn is a live raw socket on one interface.
type PcapConn struct {
	handle *pcap.Handle
	mac    net.HardwareAddr

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenLive opens iface with a BPF filter for the RT EtherType.
func OpenLive(iface string) (*PcapConn, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %s: %w", iface, err)
	}
	if len(ifi.HardwareAddr) != 6 {
		return nil, fmt.Errorf("interface %s has no ethernet address", iface)
	}

	handle, err := pcap.OpenLive(iface, snapLen, true, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("open live interface: %w", err)
	}
	if err := handle.SetBPFFilter(rtFilter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("set bpf filter: %w", err)
	}
	return &PcapConn{handle: handle, mac: ifi.HardwareAddr, closed: make(chan struct{})}, nil
}

func (c *PcapConn) HardwareAddr() net.HardwareAddr { return c.mac }

func (c *PcapConn) ReadFrame() ([]byte, time.Time, error) {
	for {
		select {
		case <-c.closed:
			return nil, time.Time{}, ErrClosed
		default:
		}
		data, ci, err := c.handle.ReadPacketData()
		if errors.Is(err, pcap.NextErrorTimeoutExpired) {
			continue
		}
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("read packet: %w", err)
		}
		return data, ci.Timestamp, nil
	}
}

func (c *PcapConn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := c.handle.WritePacketData(frame); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// Close stops readers first; the handle is released once no read is
// pending any more, which is at most one read timeout later.
func (c *PcapConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		time.AfterFunc(2*readTimeout, c.handle.Close)
	})
	return nil
}
