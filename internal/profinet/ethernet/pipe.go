package ethernet

import (
	"net"
	"sync"
	"time"
)

// PipeConn is one end of an in-memory frame link.
type PipeConn struct {
	mac  net.HardwareAddr
	in   chan []byte
	peer *PipeConn

	closeOnce sync.Once
	closed    chan struct{}
}

// Pipe returns two connected ends with the given addresses. Writes are
// dropped when the peer does not keep up, like on a real wire.
func Pipe(a, b net.HardwareAddr) (*PipeConn, *PipeConn) {
	ca := &PipeConn{mac: a, in: make(chan []byte, 256), closed: make(chan struct{})}
	cb := &PipeConn{mac: b, in: make(chan []byte, 256), closed: make(chan struct{})}
	ca.peer, cb.peer = cb, ca
	return ca, cb
}

func (c *PipeConn) HardwareAddr() net.HardwareAddr { return c.mac }

func (c *PipeConn) ReadFrame() ([]byte, time.Time, error) {
	select {
	case f := <-c.in:
		return f, time.Now(), nil
	case <-c.closed:
		return nil, time.Time{}, ErrClosed
	}
}

func (c *PipeConn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case c.peer.in <- cp:
	case <-c.peer.closed:
	default:
	}
	return nil
}

func (c *PipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
