package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPNIO/internal/profinet/codec"
)

var ErrClientClosed = errors.New("rpc client closed")

// RequestHandler answers requests a device sends to the controller.
// Returning ok=false sends a reject.
type RequestHandler func(from *net.UDPAddr, req *codec.PDU) (status codec.PNIOStatus, blocks []byte, ok bool)

type pendingCall struct {
	seq uint32
	ch  chan *codec.PDU
}

// Client is the connectionless DCE/RPC endpoint of the controller. It
// correlates responses by activity UUID and sequence number.
type Client struct {
	conn   *net.UDPConn
	logger *zap.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingCall
	handler RequestHandler
	closed  bool

	done chan struct{}
}

// Listen binds the local RPC endpoint, e.g. ":34964".
func Listen(addr string, logger *zap.Logger) (*Client, error) {
	laddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[uuid.UUID]*pendingCall),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// SetHandler installs the handler for inbound requests.
func (c *Client) SetHandler(h RequestHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Call sends a request and waits for the correlated response, fault or
// reject. It never retransmits.
func (c *Client) Call(ctx context.Context, to *net.UDPAddr, hdr codec.RPCHeader, blocks []byte) (*codec.PDU, error) {
	call := &pendingCall{seq: hdr.SequenceNumber, ch: make(chan *codec.PDU, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if _, busy := c.pending[hdr.ActivityUUID]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("activity %s already has a call in flight", hdr.ActivityUUID)
	}
	c.pending[hdr.ActivityUUID] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending[hdr.ActivityUUID] == call {
			delete(c.pending, hdr.ActivityUUID)
		}
		c.mu.Unlock()
	}()

	if _, err := c.conn.WriteToUDP(codec.EncodeRequest(hdr, blocks), to); err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}

	select {
	case pdu := <-call.ch:
		return pdu, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	buf := make([]byte, 65536)
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Error("RPC read failed", zap.Error(err))
			}
			return
		}

		pdu, err := codec.DecodePDU(append([]byte(nil), buf[:n]...))
		if err != nil {
			c.logger.Debug("Dropping undecodable RPC datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}

		switch pdu.Header.PacketType {
		case codec.PacketTypeRequest:
			go c.serve(from, pdu)
		case codec.PacketTypeResponse, codec.PacketTypeFault, codec.PacketTypeReject:
			c.dispatch(pdu)
		default:
			// working, ping, ack: nothing to correlate
		}
	}
}

func (c *Client) dispatch(pdu *codec.PDU) {
	c.mu.Lock()
	call := c.pending[pdu.Header.ActivityUUID]
	c.mu.Unlock()

	if call == nil || call.seq != pdu.Header.SequenceNumber {
		c.logger.Debug("Dropping uncorrelated RPC response",
			zap.String("activity", pdu.Header.ActivityUUID.String()),
			zap.Uint32("seq", pdu.Header.SequenceNumber))
		return
	}
	select {
	case call.ch <- pdu:
	default:
	}
}

func (c *Client) serve(from *net.UDPAddr, req *codec.PDU) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	var out []byte
	if h == nil {
		out = codec.EncodeFault(req.Header.ResponseTo(codec.PacketTypeReject), ncaOpRangeError)
	} else if status, blocks, ok := h(from, req); ok {
		out = codec.EncodeResponse(req.Header.ResponseTo(codec.PacketTypeResponse), status, blocks)
	} else {
		out = codec.EncodeFault(req.Header.ResponseTo(codec.PacketTypeReject), ncaOpRangeError)
	}
	if _, err := c.conn.WriteToUDP(out, from); err != nil {
		c.logger.Warn("RPC response write failed", zap.Stringer("to", from), zap.Error(err))
	}
}

// Close stops the read loop; pending calls return ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

// DCE/RPC reject status: operation out of range
const ncaOpRangeError = 0x1c010002
