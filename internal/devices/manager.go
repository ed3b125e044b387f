package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPNIO/internal/ar"
	"github.com/KevinKickass/OpenPNIO/internal/processimage"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/cyclic"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

var (
	ErrUnknownRTU = errors.New("unknown rtu")
	ErrRTUExists  = errors.New("rtu already registered")
)

// ARDefaults are the AR parameters shared by all RTUs.
type ARDefaults struct {
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

// Options wires the manager to the protocol stack.
type Options struct {
	Connector ar.Connector
	Transport cyclic.Transport
	Image     *processimage.Image
	Sink      ar.EventSink
	Defaults  ARDefaults
}

type rtuEntry struct {
	desc    types.RTUDescriptor
	profile *types.SlotProfileDefinition
	region  *processimage.Region
	ctrl    *ar.Controller
}

// Manager is the RTU registry: one AR controller per RTU name, all
// sharing one connect admission gate.
type Manager struct {
	loader *ProfileLoader
	opts   Options
	gate   *ar.Gate
	rtus   map[string]*rtuEntry
	mu     sync.RWMutex
	logger *zap.Logger
}

func NewManager(searchPaths []string, opts Options, logger *zap.Logger) (*Manager, error) {
	loader, err := NewProfileLoader(searchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile loader: %w", err)
	}

	return &Manager{
		loader: loader,
		opts:   opts,
		gate:   ar.NewGate(),
		rtus:   make(map[string]*rtuEntry),
		logger: logger,
	}, nil
}

func (m *Manager) Loader() *ProfileLoader { return m.loader }

// Register loads the RTU's slot profile, reserves its process image
// region and creates its AR controller in IDLE.
func (m *Manager) Register(desc types.RTUDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	_, exists := m.rtus[desc.Name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrRTUExists, desc.Name)
	}

	profile, err := m.loader.Load(desc.Profile)
	if err != nil {
		return fmt.Errorf("failed to load profile %s: %w", desc.Profile, err)
	}

	region, err := m.opts.Image.Allocate(desc.Name, profile.Submodules)
	if err != nil {
		return fmt.Errorf("rtu %s: %w", desc.Name, err)
	}

	d := m.opts.Defaults
	cfg := ar.Config{
		RTU:                   desc,
		Profile:               profile.Submodules,
		RPCPort:               d.RPCPort,
		SendClockFactor:       d.SendClockFactor,
		ReductionRatio:        d.ReductionRatio,
		WatchdogFactor:        d.WatchdogFactor,
		ActivityTimeoutFactor: d.ActivityTimeoutFactor,
		ConnectTimeout:        d.ConnectTimeout,
		ReleaseTimeout:        d.ReleaseTimeout,
		StartupGrace:          d.StartupGrace,
		PrmEnd:                d.PrmEnd,
	}
	factory := func(cc cyclic.Config) (ar.Engine, error) {
		return cyclic.New(cc, m.opts.Transport, region, m.logger.With(zap.String("rtu", desc.Name)))
	}

	ctrl, err := ar.NewController(cfg, m.opts.Connector, factory, m.gate, m.opts.Sink, m.logger)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.rtus[desc.Name]; exists {
		// paralleles Register mit gleichem Namen
		m.mu.Unlock()
		ctrl.Close()
		return fmt.Errorf("%w: %s", ErrRTUExists, desc.Name)
	}
	m.rtus[desc.Name] = &rtuEntry{desc: desc, profile: profile, region: region, ctrl: ctrl}
	m.mu.Unlock()

	m.logger.Info("RTU registered",
		zap.String("rtu", desc.Name),
		zap.String("station", desc.StationName),
		zap.String("profile", desc.Profile),
		zap.Int("submodules", len(profile.Submodules)))

	return nil
}

func (m *Manager) entry(name string) (*rtuEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.rtus[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRTU, name)
	}
	return e, nil
}

// Connect starts a connect attempt and waits for its outcome.
func (m *Manager) Connect(ctx context.Context, name string) error {
	e, err := m.entry(name)
	if err != nil {
		return err
	}
	return e.ctrl.Connect(ctx)
}

func (m *Manager) Disconnect(ctx context.Context, name string) error {
	e, err := m.entry(name)
	if err != nil {
		return err
	}
	return e.ctrl.Disconnect(ctx)
}

func (m *Manager) State(name string) (ar.State, error) {
	e, err := m.entry(name)
	if err != nil {
		return ar.StateIdle, err
	}
	return e.ctrl.State(), nil
}

func (m *Manager) Snapshot(name string) (ar.Snapshot, error) {
	e, err := m.entry(name)
	if err != nil {
		return ar.Snapshot{}, err
	}
	return e.ctrl.Snapshot(), nil
}

func (m *Manager) SetRunMode(name string, run bool) error {
	e, err := m.entry(name)
	if err != nil {
		return err
	}
	e.ctrl.SetRunMode(run)
	return nil
}

// Region returns the RTU's process image region.
func (m *Manager) Region(name string) (*processimage.Region, error) {
	e, err := m.entry(name)
	if err != nil {
		return nil, err
	}
	return e.region, nil
}

func (m *Manager) Profile(name string) (*types.SlotProfileDefinition, error) {
	e, err := m.entry(name)
	if err != nil {
		return nil, err
	}
	return e.profile, nil
}

func (m *Manager) Descriptor(name string) (types.RTUDescriptor, error) {
	e, err := m.entry(name)
	if err != nil {
		return types.RTUDescriptor{}, err
	}
	return e.desc, nil
}

// List returns the snapshots of all RTUs ordered by name.
func (m *Manager) List() []ar.Snapshot {
	m.mu.RLock()
	ctrls := make([]*ar.Controller, 0, len(m.rtus))
	for _, e := range m.rtus {
		ctrls = append(ctrls, e.ctrl)
	}
	m.mu.RUnlock()

	out := make([]ar.Snapshot, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RTU < out[j].RTU })
	return out
}

// AutoConnect starts a connect attempt for every RTU flagged
// auto_connect. Attempts run in parallel and queue at the admission gate.
func (m *Manager) AutoConnect(ctx context.Context) {
	m.mu.RLock()
	var names []string
	for name, e := range m.rtus {
		if e.desc.AutoConnect {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range names {
		go func(name string) {
			if err := m.Connect(ctx, name); err != nil {
				m.logger.Warn("Auto connect failed", zap.String("rtu", name), zap.Error(err))
			}
		}(name)
	}
}

// Remove releases the RTU's AR and drops it from the registry. The
// process image region stays reserved for a later Register of the
// same name and profile.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.rtus[name]
	if ok {
		delete(m.rtus, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRTU, name)
	}

	var err error
	if st := e.ctrl.State(); st == ar.StateEstablished || st == ar.StateConnecting {
		err = e.ctrl.Disconnect(ctx)
	}
	e.ctrl.Close()

	m.logger.Info("RTU removed", zap.String("rtu", name))
	return err
}

// StopAll disconnects every RTU and releases the controllers.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*rtuEntry, 0, len(m.rtus))
	for _, e := range m.rtus {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *rtuEntry) {
			defer wg.Done()
			if e.ctrl.State() == ar.StateEstablished || e.ctrl.State() == ar.StateConnecting {
				if err := e.ctrl.Disconnect(ctx); err != nil {
					m.logger.Error("Failed to disconnect RTU",
						zap.String("rtu", e.desc.Name),
						zap.Error(err))
				}
			}
			e.ctrl.Close()
		}(e)
	}
	wg.Wait()

	return nil
}
