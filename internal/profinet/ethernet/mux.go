package ethernet

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Received is an RT frame handed to a subscriber.
type Received struct {
	Frame
	Time time.Time
}

type subscription struct {
	ch      chan Received
	dropped atomic.Uint64
}

// Mux owns a FrameConn: it sends on behalf of all ARs and demultiplexes
// received frames by source MAC.
type Mux struct {
	conn     FrameConn
	logger   *zap.Logger
	recorder *Recorder

	mu   sync.RWMutex
	subs map[string]*subscription

	writeMu sync.Mutex
	done    chan struct{}
}

func NewMux(conn FrameConn, recorder *Recorder, logger *zap.Logger) *Mux {
	return &Mux{
		conn:     conn,
		logger:   logger,
		recorder: recorder,
		subs:     make(map[string]*subscription),
		done:     make(chan struct{}),
	}
}

func (m *Mux) HardwareAddr() net.HardwareAddr { return m.conn.HardwareAddr() }

// Start launches the receive loop. It ends when the conn is closed.
func (m *Mux) Start() {
	go m.run()
}

func (m *Mux) run() {
	defer close(m.done)
	parser := NewParser()
	for {
		data, ts, err := m.conn.ReadFrame()
		if errors.Is(err, ErrClosed) {
			return
		}
		if err != nil {
			m.logger.Error("Frame read failed", zap.Error(err))
			return
		}
		if err := m.recorder.Record(data, ts); err != nil {
			m.logger.Warn("Capture write failed", zap.Error(err))
		}

		f, ok, err := parser.Parse(data)
		if err != nil || !ok {
			continue
		}

		m.mu.RLock()
		sub := m.subs[f.Src.String()]
		m.mu.RUnlock()
		if sub == nil {
			continue
		}

		// Payload aliases the read buffer
		f.Payload = append([]byte(nil), f.Payload...)
		select {
		case sub.ch <- Received{Frame: f, Time: ts}:
		default:
			if sub.dropped.Add(1) == 1 {
				m.logger.Warn("Subscriber queue full, dropping frames", zap.Stringer("src", f.Src))
			}
		}
	}
}

// Subscribe returns frames sent by src until cancel is called.
func (m *Mux) Subscribe(src net.HardwareAddr) (<-chan Received, func()) {
	key := src.String()
	sub := &subscription{ch: make(chan Received, 64)}

	m.mu.Lock()
	m.subs[key] = sub
	m.mu.Unlock()

	return sub.ch, func() {
		m.mu.Lock()
		if m.subs[key] == sub {
			delete(m.subs, key)
		}
		m.mu.Unlock()
	}
}

// Send wraps payload into a frame from the local address to dst.
func (m *Mux) Send(dst net.HardwareAddr, payload []byte) error {
	frame, err := BuildFrame(m.conn.HardwareAddr(), dst, payload)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.conn.WriteFrame(frame); err != nil {
		return err
	}
	if err := m.recorder.Record(frame, time.Now()); err != nil {
		m.logger.Warn("Capture write failed", zap.Error(err))
	}
	return nil
}

// Close closes the conn and waits for the receive loop. Start must
// have been called.
func (m *Mux) Close() error {
	err := m.conn.Close()
	<-m.done
	return err
}
