package ar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPNIO/internal/profinet/codec"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/cyclic"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/rpc"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

var (
	ErrBusy    = errors.New("ar: connect already in progress")
	ErrAborted = errors.New("ar: connect aborted")
)

// Connector is implemented by *rpc.Connector.
type Connector interface {
	Connect(ctx context.Context, p rpc.ConnectParams) (*rpc.ConnectResult, error)
	PrmEnd(ctx context.Context, sess *rpc.Session) error
	Release(ctx context.Context, sess *rpc.Session) error
	OnApplicationReady(ar uuid.UUID, fn func()) func()
}

// Engine is implemented by *cyclic.Engine.
type Engine interface {
	Start(onFault func(*cyclic.FaultError)) error
	Stop()
	SetRun(run bool)
	OnAlarm(fn func(*codec.AlarmFrame))
	CycleTime() time.Duration
	Stats() cyclic.Stats
}

// EngineFactory builds the cyclic engine of one established AR.
type EngineFactory func(cfg cyclic.Config) (Engine, error)

// Admission serializes connect sequences across all controllers.
type Admission interface {
	Acquire(ctx context.Context) (func(), error)
}

// Config holds the static parameters of one RTU's AR.
type Config struct {
	RTU                   types.RTUDescriptor
	Profile               []types.Submodule
	RPCPort               int
	SendClockFactor       uint16
	ReductionRatio        uint16
	WatchdogFactor        uint16
	ActivityTimeoutFactor uint16
	ConnectTimeout        time.Duration
	ReleaseTimeout        time.Duration
	StartupGrace          time.Duration
	PrmEnd                bool
}

// Controller owns the AR of one RTU.
type Controller struct {
	cfg       Config
	layout    *codec.Layout
	connector Connector
	newEngine EngineFactory
	admission Admission
	sink      EventSink
	logger    *zap.Logger

	mu            sync.Mutex
	state         State
	reason        types.FailureReason
	detail        string
	lastChange    time.Time
	arUUID        uuid.UUID
	sessionKey    uint16
	attempt       uint64
	pending       bool
	cancelConnect context.CancelFunc
	session       *rpc.Session
	result        *rpc.ConnectResult
	engine        Engine
	unregister    func()
	appReady      bool
	run           bool
	diagnostics   []string

	events chan Event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewController(cfg Config, connector Connector, newEngine EngineFactory, admission Admission, sink EventSink, logger *zap.Logger) (*Controller, error) {
	if err := cfg.RTU.Validate(); err != nil {
		return nil, err
	}
	layout, err := codec.ComputeLayout(cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("rtu %s: %w", cfg.RTU.Name, err)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = time.Second
	}

	c := &Controller{
		cfg:        cfg,
		layout:     layout,
		connector:  connector,
		newEngine:  newEngine,
		admission:  admission,
		sink:       sink,
		logger:     logger.With(zap.String("rtu", cfg.RTU.Name), zap.String("station", cfg.RTU.StationName)),
		state:      StateIdle,
		lastChange: time.Now(),
		run:        true,
		events:     make(chan Event, 256),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.dispatch()
	return c, nil
}

func (c *Controller) Name() string { return c.cfg.RTU.Name }

func (c *Controller) Layout() *codec.Layout { return c.layout }

// Connect runs one connect attempt. It waits for admission first; while
// waiting the AR keeps its current state.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.pending || c.state == StateConnecting || c.state == StateEstablished {
		c.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.pending = true
	c.cancelConnect = cancel
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	release, err := c.admission.Acquire(ctx)
	if err != nil {
		c.mu.Lock()
		if c.attempt == attempt {
			c.pending = false
			c.cancelConnect = nil
		}
		c.mu.Unlock()
		return fmt.Errorf("rtu %s: waiting for connect admission: %w", c.cfg.RTU.Name, err)
	}
	defer release()

	c.mu.Lock()
	if c.attempt != attempt || ctx.Err() != nil {
		c.mu.Unlock()
		return ErrAborted
	}
	if c.state == StateError {
		c.setState(StateIdle, types.ReasonNone, "")
	}
	// Jeder Versuch bekommt eine neue AR UUID
	c.arUUID = uuid.New()
	c.sessionKey++
	c.appReady = false
	c.diagnostics = nil
	c.setState(StateConnecting, types.ReasonNone, "")
	params := c.connectParams()
	c.mu.Unlock()

	connectCtx, connectCancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	res, err := c.connector.Connect(connectCtx, params)
	connectCancel()

	c.mu.Lock()
	if c.attempt != attempt || c.state != StateConnecting {
		// disconnect() hat den Versuch abgebrochen
		c.mu.Unlock()
		if res != nil {
			go c.releaseSession(res.Session)
		}
		return ErrAborted
	}
	c.pending = false
	c.cancelConnect = nil

	if errors.Is(err, context.Canceled) {
		c.setState(StateAborted, types.ReasonNone, "connect canceled")
		c.mu.Unlock()
		return err
	}
	if err != nil {
		reason := types.ReasonTransport
		var cerr *rpc.ConnectError
		if errors.As(err, &cerr) {
			reason = cerr.Reason
			c.diagnostics = cerr.Diagnostics
		}
		c.setState(StateError, reason, err.Error())
		c.mu.Unlock()
		return err
	}

	if err := c.establish(res); err != nil {
		c.setState(StateError, types.ReasonTransport, err.Error())
		c.mu.Unlock()
		go c.releaseSession(res.Session)
		return err
	}
	sess := res.Session
	c.mu.Unlock()
	release()

	if c.cfg.PrmEnd {
		c.prmEnd(ctx, sess)
	}
	return nil
}

func (c *Controller) connectParams() rpc.ConnectParams {
	in, out := c.cfg.RTU.FrameIDs()
	return rpc.ConnectParams{
		Target: rpc.Target{
			IP:         c.cfg.RTU.IP,
			Port:       c.cfg.RPCPort,
			VendorID:   c.cfg.RTU.VendorID,
			DeviceID:   c.cfg.RTU.DeviceID,
			InstanceID: c.cfg.RTU.InstanceID,
		},
		ARUUID:     c.arUUID,
		SessionKey: c.sessionKey,
		Layout:     c.layout,
		IOCR: codec.IOCRParams{
			InputFrameID:    in,
			OutputFrameID:   out,
			SendClockFactor: c.cfg.SendClockFactor,
			ReductionRatio:  c.cfg.ReductionRatio,
			WatchdogFactor:  c.cfg.WatchdogFactor,
		},
		ActivityTimeoutFactor: c.cfg.ActivityTimeoutFactor,
	}
}

// establish latches the negotiated values and arms the engine. Caller
// holds mu.
func (c *Controller) establish(res *rpc.ConnectResult) error {
	mac := res.DeviceMAC
	if len(mac) != 6 || isZeroMAC(mac) {
		mac = c.cfg.RTU.MAC
	}

	eng, err := c.newEngine(cyclic.Config{
		RTU:             c.cfg.RTU.Name,
		DeviceMAC:       mac,
		Layout:          c.layout,
		InputFrameID:    res.InputFrameID,
		OutputFrameID:   res.OutputFrameID,
		SendClockFactor: c.cfg.SendClockFactor,
		ReductionRatio:  c.cfg.ReductionRatio,
		WatchdogFactor:  c.cfg.WatchdogFactor,
		StartupGrace:    c.cfg.StartupGrace,
	})
	if err != nil {
		return fmt.Errorf("create cyclic engine: %w", err)
	}

	arUUID := c.arUUID
	eng.SetRun(c.run)
	eng.OnAlarm(func(f *codec.AlarmFrame) { c.emitAlarm(arUUID, f) })
	c.unregister = c.connector.OnApplicationReady(arUUID, func() { c.markApplicationReady(arUUID) })

	if err := eng.Start(c.onFault(eng)); err != nil {
		c.unregister()
		c.unregister = nil
		return fmt.Errorf("start cyclic engine: %w", err)
	}

	c.engine = eng
	c.session = res.Session
	c.result = res
	c.diagnostics = res.Diagnostics
	c.setState(StateEstablished, types.ReasonNone, "")
	return nil
}

func isZeroMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}

// onFault returns the engine callback; faults of replaced engines are ignored.
func (c *Controller) onFault(eng Engine) func(*cyclic.FaultError) {
	return func(f *cyclic.FaultError) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.engine != eng || c.state != StateEstablished {
			return
		}
		c.teardown()
		c.setState(StateError, f.Reason, f.Detail)
	}
}

// teardown forgets the running AR. Caller holds mu.
func (c *Controller) teardown() {
	if c.unregister != nil {
		c.unregister()
		c.unregister = nil
	}
	c.engine = nil
	c.session = nil
}

func (c *Controller) prmEnd(ctx context.Context, sess *rpc.Session) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := c.connector.PrmEnd(ctx, sess); err != nil {
		c.logger.Warn("PrmEnd failed",
			zap.String("ar_uuid", sess.ARUUID.String()),
			zap.Error(err))
		c.sink.AlarmReceived(AlarmEvent{
			RTU:        c.cfg.RTU.Name,
			ARUUID:     sess.ARUUID,
			Diagnostic: err.Error(),
			Time:       time.Now(),
		})
	}
}

// Disconnect aborts a pending or established AR, or clears ERROR. After
// it returns no further output frame is sent.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == StateConnecting:
		c.cancelConnect()
		c.pending = false
		c.cancelConnect = nil
		c.attempt++
		c.setState(StateAborted, types.ReasonNone, "disconnect requested")
		c.mu.Unlock()
		return nil

	case c.pending:
		// wartet noch auf Admission
		c.cancelConnect()
		c.pending = false
		c.cancelConnect = nil
		c.attempt++
		c.mu.Unlock()
		return nil

	case c.state == StateEstablished:
		eng, sess := c.engine, c.session
		c.teardown()
		c.setState(StateAborted, types.ReasonNone, "disconnect requested")
		c.mu.Unlock()

		eng.Stop()
		c.release(ctx, sess)
		return nil

	case c.state == StateError:
		c.setState(StateIdle, types.ReasonNone, "")
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) release(ctx context.Context, sess *rpc.Session) {
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReleaseTimeout)
	defer cancel()
	if err := c.connector.Release(ctx, sess); err != nil {
		c.logger.Warn("Release failed",
			zap.String("ar_uuid", sess.ARUUID.String()),
			zap.Error(err))
	}
}

func (c *Controller) releaseSession(sess *rpc.Session) {
	c.release(context.Background(), sess)
}

// setState records a transition and queues its event. Caller holds mu.
func (c *Controller) setState(state State, reason types.FailureReason, detail string) {
	previous := c.state
	if err := ValidateTransition(previous, state); err != nil {
		c.logger.Error("Rejected AR transition", zap.Error(err))
		return
	}

	c.state = state
	c.reason = reason
	c.detail = detail
	c.lastChange = time.Now()

	fields := []zap.Field{
		zap.String("state", state.String()),
		zap.String("previous", previous.String()),
		zap.String("ar_uuid", c.arUUID.String()),
	}
	if reason != types.ReasonNone {
		fields = append(fields, zap.String("reason", string(reason)), zap.String("detail", detail))
		c.logger.Warn("AR state changed", fields...)
	} else {
		c.logger.Info("AR state changed", fields...)
	}

	ev := Event{
		RTU:      c.cfg.RTU.Name,
		State:    state,
		Previous: previous,
		Reason:   reason,
		Hint:     reason.Hint(),
		Detail:   detail,
		ARUUID:   c.arUUID,
		Time:     c.lastChange,
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("AR event queue full, event dropped", zap.String("state", state.String()))
	}
}

// dispatch delivers events in transition order outside of mu.
func (c *Controller) dispatch() {
	defer close(c.done)
	for {
		select {
		case ev := <-c.events:
			c.sink.ARStateChanged(ev)
		case <-c.quit:
			for {
				select {
				case ev := <-c.events:
					c.sink.ARStateChanged(ev)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) emitAlarm(arUUID uuid.UUID, f *codec.AlarmFrame) {
	c.sink.AlarmReceived(AlarmEvent{
		RTU:     c.cfg.RTU.Name,
		ARUUID:  arUUID,
		FrameID: f.FrameID,
		High:    f.High(),
		Header:  f.Header,
		Payload: f.Payload,
		Time:    time.Now(),
	})
}

func (c *Controller) markApplicationReady(arUUID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.arUUID != arUUID || c.state != StateEstablished {
		return
	}
	c.appReady = true
	c.logger.Info("Device signalled ApplicationReady", zap.String("ar_uuid", arUUID.String()))
}

// State returns the current AR state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetRunMode switches the provider state between RUN and STOP.
func (c *Controller) SetRunMode(run bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run = run
	if c.engine != nil {
		c.engine.SetRun(run)
	}
	c.logger.Info("Provider state changed", zap.Bool("run", run))
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		RTU:              c.cfg.RTU.Name,
		StationName:      c.cfg.RTU.StationName,
		State:            c.state,
		Reason:           c.reason,
		Hint:             c.reason.Hint(),
		Detail:           c.detail,
		ARUUID:           c.arUUID,
		SessionKey:       c.sessionKey,
		SendClockFactor:  c.cfg.SendClockFactor,
		ReductionRatio:   c.cfg.ReductionRatio,
		WatchdogFactor:   c.cfg.WatchdogFactor,
		CycleTime:        codec.CycleTime(c.cfg.SendClockFactor, c.cfg.ReductionRatio),
		ApplicationReady: c.appReady,
		Run:              c.run,
		Diagnostics:      append([]string(nil), c.diagnostics...),
		LastChange:       c.lastChange,
	}
	if c.result != nil {
		s.InputFrameID = c.result.InputFrameID
		s.OutputFrameID = c.result.OutputFrameID
	}
	if c.engine != nil {
		st := c.engine.Stats()
		s.Stats = &st
	}
	return s
}

// Close stops any running AR without a release and ends event delivery.
func (c *Controller) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		if c.cancelConnect != nil {
			c.cancelConnect()
		}
		eng := c.engine
		c.teardown()
		c.mu.Unlock()
		if eng != nil {
			eng.Stop()
		}
		close(c.quit)
		<-c.done
	})
}
