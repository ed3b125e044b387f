package cyclic

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPNIO/internal/profinet/codec"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/ethernet"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

// ProcessImage is the boundary the engine publishes inputs to and reads
// commanded outputs from. *processimage.Region implements it.
type ProcessImage interface {
	PublishInput(slot, subslot uint16, value []byte, iops byte) error
	PublishIOCS(slot, subslot uint16, iocs byte) error
	ReadOutput(slot, subslot uint16, dst []byte) (bool, error)
	InvalidateInputs()
}

// Transport is implemented by *ethernet.Mux.
type Transport interface {
	Send(dst net.HardwareAddr, payload []byte) error
	Subscribe(src net.HardwareAddr) (<-chan ethernet.Received, func())
}

type Config struct {
	RTU             string
	DeviceMAC       net.HardwareAddr
	Layout          *codec.Layout
	InputFrameID    uint16
	OutputFrameID   uint16
	SendClockFactor uint16
	ReductionRatio  uint16
	WatchdogFactor  uint16
	// StartupGrace bounds the wait for the first valid input frame. It
	// never shortens the watchdog timeout. Zero means
	// DefaultStartupGraceFactor times the watchdog timeout.
	StartupGrace time.Duration
}

// DefaultStartupGraceFactor scales the watchdog timeout when no startup
// grace is configured.
const DefaultStartupGraceFactor = 3

// FaultError ends cyclic exchange.
type FaultError struct {
	Reason types.FailureReason
	Detail string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	CycleTime         time.Duration `json:"cycle_time"`
	WatchdogTimeout   time.Duration `json:"watchdog_timeout"`
	FramesSent        uint64        `json:"frames_sent"`
	FramesReceived    uint64        `json:"frames_received"`
	DroppedShort      uint64        `json:"dropped_short"`
	DroppedFrameID    uint64        `json:"dropped_frame_id"`
	DroppedStale      uint64        `json:"dropped_stale"`
	DroppedIgnore     uint64        `json:"dropped_ignore"`
	InvalidStatus     uint64        `json:"invalid_status"`
	Alarms            uint64        `json:"alarms"`
	ConsecutiveMisses uint64        `json:"consecutive_misses"`
	LastTxCounter     uint16        `json:"last_tx_counter"`
	LastRxCounter     uint16        `json:"last_rx_counter"`
	LastValidFrame    time.Time     `json:"last_valid_frame"`
	Run               bool          `json:"run"`
}

type counters struct {
	sent              atomic.Uint64
	received          atomic.Uint64
	short             atomic.Uint64
	frameID           atomic.Uint64
	stale             atomic.Uint64
	ignore            atomic.Uint64
	invalid           atomic.Uint64
	alarms            atomic.Uint64
	consecutiveMisses atomic.Uint64
}

// Engine runs the cyclic exchange of one AR: a send loop paced by the
// cycle time and a receive path fed by the transport.
type Engine struct {
	cfg       Config
	transport Transport
	image     ProcessImage
	logger    *zap.Logger

	cycle   time.Duration
	timeout time.Duration
	grace   time.Duration

	onAlarm func(*codec.AlarmFrame)

	// lastValid is the monotonic time since epoch of the last valid input
	// frame, 0 until the first one.
	epoch     time.Time
	run       atomic.Bool
	lastValid atomic.Int64
	txCounter atomic.Uint32
	rxCounter atomic.Uint32
	stats     counters
	faultCh   chan *FaultError

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// send loop only
	counter uint16
	outBuf  []byte
	frame   []byte
}

func New(cfg Config, transport Transport, image ProcessImage, logger *zap.Logger) (*Engine, error) {
	if cfg.Layout == nil {
		return nil, fmt.Errorf("cyclic: layout is required")
	}
	if len(cfg.DeviceMAC) != 6 {
		return nil, fmt.Errorf("cyclic: device mac must be 6 bytes")
	}
	if cfg.SendClockFactor == 0 || cfg.ReductionRatio == 0 || cfg.WatchdogFactor == 0 {
		return nil, fmt.Errorf("cyclic: send clock factor, reduction ratio and watchdog factor must be > 0")
	}
	for _, id := range []uint16{cfg.InputFrameID, cfg.OutputFrameID} {
		if err := codec.ValidateRTFrameID(id); err != nil {
			return nil, fmt.Errorf("cyclic: %w", err)
		}
	}
	if cfg.InputFrameID == cfg.OutputFrameID {
		return nil, fmt.Errorf("cyclic: input and output frame id are both 0x%04X", cfg.InputFrameID)
	}

	cycle := codec.CycleTime(cfg.SendClockFactor, cfg.ReductionRatio)
	timeout := time.Duration(cfg.WatchdogFactor) * cycle
	grace := max(timeout, cfg.StartupGrace)
	if cfg.StartupGrace == 0 {
		grace = DefaultStartupGraceFactor * timeout
	}
	e := &Engine{
		cfg:       cfg,
		transport: transport,
		image:     image,
		logger:    logger.With(zap.String("rtu", cfg.RTU)),
		epoch:     time.Now(),
		cycle:     cycle,
		timeout:   timeout,
		grace:     grace,
		faultCh:   make(chan *FaultError, 1),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
		outBuf:    make([]byte, cfg.Layout.Output.DataLength),
		frame:     make([]byte, 0, int(cfg.Layout.Output.DataLength)+6),
	}
	e.run.Store(true)
	return e, nil
}

func (e *Engine) CycleTime() time.Duration       { return e.cycle }
func (e *Engine) WatchdogTimeout() time.Duration { return e.timeout }
func (e *Engine) StartupGrace() time.Duration    { return e.grace }

// OnAlarm registers the receiver of RTA alarm frames. Set before Start.
func (e *Engine) OnAlarm(fn func(*codec.AlarmFrame)) {
	e.onAlarm = fn
}

// SetRun switches the provider state sent in the output data status.
func (e *Engine) SetRun(run bool) {
	e.run.Store(run)
}

// Start launches the exchange. onFault is called at most once, after
// transmission has stopped; it may call Stop.
func (e *Engine) Start(onFault func(*FaultError)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	select {
	case <-e.stopChan:
		return fmt.Errorf("cyclic: engine already stopped")
	default:
	}
	e.running = true

	frames, cancel := e.transport.Subscribe(e.cfg.DeviceMAC)
	quit := make(chan struct{})
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		e.receiveLoop(frames, quit)
	}()

	go func() {
		fault := e.sendLoop()
		close(quit)
		cancel()
		<-recvDone
		if fault != nil {
			e.image.InvalidateInputs()
		}
		close(e.done)

		if fault != nil {
			e.logger.Error("Cyclic exchange faulted",
				zap.String("reason", string(fault.Reason)),
				zap.String("detail", fault.Detail))
			if onFault != nil {
				onFault(fault)
			}
		}
	}()

	e.logger.Info("Cyclic exchange started",
		zap.Duration("cycle_time", e.cycle),
		zap.Duration("watchdog_timeout", e.timeout),
		zap.Uint16("input_frame_id", e.cfg.InputFrameID),
		zap.Uint16("output_frame_id", e.cfg.OutputFrameID))
	return nil
}

// Stop ends the exchange. No frame is sent after Stop returns.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })

	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return
	}
	<-e.done
	e.image.InvalidateInputs()
	e.logger.Info("Cyclic exchange stopped")
}

// Done is closed when the exchange has ended.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) Stats() Stats {
	s := Stats{
		CycleTime:         e.cycle,
		WatchdogTimeout:   e.timeout,
		FramesSent:        e.stats.sent.Load(),
		FramesReceived:    e.stats.received.Load(),
		DroppedShort:      e.stats.short.Load(),
		DroppedFrameID:    e.stats.frameID.Load(),
		DroppedStale:      e.stats.stale.Load(),
		DroppedIgnore:     e.stats.ignore.Load(),
		InvalidStatus:     e.stats.invalid.Load(),
		Alarms:            e.stats.alarms.Load(),
		ConsecutiveMisses: e.stats.consecutiveMisses.Load(),
		LastTxCounter:     uint16(e.txCounter.Load()),
		LastRxCounter:     uint16(e.rxCounter.Load()),
		Run:               e.run.Load(),
	}
	if last := e.lastValid.Load(); last != 0 {
		s.LastValidFrame = e.epoch.Add(time.Duration(last))
	}
	return s
}

func (e *Engine) sinceEpoch() int64 {
	// never 0
	return int64(time.Since(e.epoch)) + 1
}
