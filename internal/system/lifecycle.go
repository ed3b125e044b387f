package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/KevinKickass/OpenPNIO/internal/api/rest"
	"github.com/KevinKickass/OpenPNIO/internal/api/websocket"
	"github.com/KevinKickass/OpenPNIO/internal/ar"
	"github.com/KevinKickass/OpenPNIO/internal/auth"
	"github.com/KevinKickass/OpenPNIO/internal/config"
	"github.com/KevinKickass/OpenPNIO/internal/devices"
	"github.com/KevinKickass/OpenPNIO/internal/interfaces"
	"github.com/KevinKickass/OpenPNIO/internal/processimage"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/ethernet"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/rpc"
	"github.com/KevinKickass/OpenPNIO/internal/storage"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

type LifecycleManager struct {
	config      *config.Config
	storage     *storage.PostgresClient
	logger      *zap.Logger
	authService *auth.AuthService

	// Protokoll-Stack
	image     *processimage.Image
	frameConn ethernet.FrameConn
	recorder  *ethernet.Recorder
	mux       *ethernet.Mux
	rpcClient *rpc.Client
	registry  *devices.Manager

	wsHub   *websocket.Hub
	history *storage.HistoryWriter
	health  *health.Server

	restServer *rest.Server
	grpcServer *grpc.Server
	grpcAddr   net.Addr

	cancel context.CancelFunc
	bg     sync.WaitGroup

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// Option adjusts a LifecycleManager before Start.
type Option func(*LifecycleManager)

// WithFrameConn replaces the live pcap handle, e.g. with an ethernet.Pipe.
func WithFrameConn(conn ethernet.FrameConn) Option {
	return func(lm *LifecycleManager) { lm.frameConn = conn }
}

// NewLifecycleManager prepares the system. db may be nil when
// database.enabled is false.
func NewLifecycleManager(
	db *storage.PostgresClient,
	cfg *config.Config,
	logger *zap.Logger,
	opts ...Option,
) (*LifecycleManager, error) {
	authService, err := auth.NewAuthService(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}
	if !cfg.Auth.IsProductionReady() {
		logger.Warn("Using development JWT secret, set " + cfg.Auth.JWTSecretEnv)
	}

	lm := &LifecycleManager{
		config:       cfg,
		storage:      db,
		logger:       logger,
		authService:  authService,
		wsHub:        websocket.NewHub(logger, authService),
		health:       health.NewServer(),
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm, nil
}

// Start opens the network stack, registers all RTUs and starts the
// servers. RTUs flagged auto_connect are connected in the background.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting PROFINET IO controller",
		zap.String("interface", lm.config.Profinet.Interface),
		zap.String("station", lm.config.Profinet.StationName))

	ctx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	if err := lm.startStack(); err != nil {
		lm.setError(err)
		return err
	}

	if lm.storage != nil {
		if err := lm.storage.Migrate(ctx); err != nil {
			lm.setError(err)
			return err
		}
		lm.history = storage.NewHistoryWriter(lm.storage, lm.logger)
		lm.goBackground(func() { lm.history.Run(ctx) })
	}

	if err := lm.startRegistry(); err != nil {
		lm.setError(err)
		return err
	}
	lm.loadRTUs(ctx)

	lm.wsHub.SetSnapshotProvider(lm.registry)
	lm.goBackground(func() { lm.wsHub.Run(ctx) })

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.setState(StateRunning)
	lm.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lm.registry.AutoConnect(ctx)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("rtus", len(lm.registry.List())),
		zap.Bool("storage", lm.storage != nil))

	return nil
}

func (lm *LifecycleManager) goBackground(fn func()) {
	lm.bg.Add(1)
	go func() {
		defer lm.bg.Done()
		fn()
	}()
}

// startStack opens process image, raw Ethernet and the RPC endpoint.
func (lm *LifecycleManager) startStack() error {
	p := lm.config.Profinet

	image, err := processimage.Open(lm.config.ProcessImage.Path, lm.config.ProcessImage.Size)
	if err != nil {
		return fmt.Errorf("failed to open process image: %w", err)
	}
	lm.image = image

	if lm.frameConn == nil {
		conn, err := ethernet.OpenLive(p.Interface)
		if err != nil {
			return fmt.Errorf("failed to open interface: %w", err)
		}
		lm.frameConn = conn
	}

	if p.CaptureFile != "" {
		rec, err := ethernet.NewRecorder(p.CaptureFile)
		if err != nil {
			return err
		}
		lm.recorder = rec
		lm.logger.Info("Capturing RT frames", zap.String("file", p.CaptureFile))
	}

	lm.mux = ethernet.NewMux(lm.frameConn, lm.recorder, lm.logger)
	lm.mux.Start()

	client, err := rpc.Listen(fmt.Sprintf(":%d", p.RPCPort), lm.logger)
	if err != nil {
		return fmt.Errorf("failed to open RPC endpoint: %w", err)
	}
	lm.rpcClient = client

	lm.logger.Info("Network stack ready",
		zap.String("mac", lm.mux.HardwareAddr().String()),
		zap.String("rpc_addr", client.LocalAddr().String()))
	return nil
}

func (lm *LifecycleManager) startRegistry() error {
	p := lm.config.Profinet

	connector := rpc.NewConnector(lm.rpcClient, rpc.Identity{
		MAC:         lm.mux.HardwareAddr(),
		StationName: p.StationName,
		VendorID:    p.VendorID,
		DeviceID:    p.DeviceID,
		InstanceID:  p.InstanceID,
	}, lm.logger)

	sink := &eventFanout{
		sinks:   []ar.EventSink{lm.wsHub},
		history: lm.history,
		health:  lm.health,
		logger:  lm.logger,
	}

	registry, err := devices.NewManager(lm.config.Devices.SearchPaths, devices.Options{
		Connector: connector,
		Transport: lm.mux,
		Image:     lm.image,
		Sink:      sink,
		Defaults: devices.ARDefaults{
			RPCPort:               p.RPCPort,
			SendClockFactor:       p.SendClockFactor,
			ReductionRatio:        p.ReductionRatio,
			WatchdogFactor:        p.WatchdogFactor,
			ActivityTimeoutFactor: p.ActivityTimeoutFactor,
			ConnectTimeout:        p.ConnectTimeout,
			ReleaseTimeout:        p.ReleaseTimeout,
			StartupGrace:          p.StartupGrace,
			PrmEnd:                p.PrmEnd,
		},
	}, lm.logger)
	if err != nil {
		return fmt.Errorf("failed to create RTU registry: %w", err)
	}
	lm.registry = registry
	return nil
}

// loadRTUs registers the RTUs of the config file, then those of the
// database. A name defined in both keeps the config entry.
func (lm *LifecycleManager) loadRTUs(ctx context.Context) {
	var descriptors []types.RTUDescriptor
	for _, r := range lm.config.RTUs {
		d, err := r.Descriptor()
		if err != nil {
			lm.logger.Error("Invalid RTU in config", zap.String("rtu", r.Name), zap.Error(err))
			continue
		}
		descriptors = append(descriptors, d)
	}

	if lm.storage != nil {
		stored, err := lm.storage.LoadRTUs(ctx)
		if err != nil {
			// Nicht kritisch, Config-RTUs laufen trotzdem
			lm.logger.Warn("Failed to load RTUs from database", zap.Error(err))
		}
		lm.logger.Info("Loading RTUs from database", zap.Int("count", len(stored)))
		descriptors = append(descriptors, stored...)
	}

	for _, d := range descriptors {
		if err := lm.registry.Register(d); err != nil {
			lm.logger.Error("Failed to register RTU",
				zap.String("rtu", d.Name),
				zap.Error(err))
			continue
		}
		lm.health.SetServingStatus(HealthService(d.Name), healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.grpcAddr = lis.Addr()

	lm.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("addr", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.health.Shutdown()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// 1. ARs freigeben solange RPC und Ethernet noch offen sind
	if lm.registry != nil {
		if err := lm.registry.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("registry stop failed: %w", err))
		}
	}

	// 2. REST + gRPC
	var wg sync.WaitGroup
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				lm.logger.Warn("REST API shutdown failed", zap.Error(err))
			}
		}()
	}
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}

	// 3. Hub und History leeren
	if lm.cancel != nil {
		lm.cancel()
	}
	lm.bg.Wait()

	// 4. Transport schließen
	if lm.rpcClient != nil {
		if err := lm.rpcClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if lm.mux != nil {
		if err := lm.mux.Close(); err != nil {
			errs = append(errs, err)
		}
	} else if lm.frameConn != nil {
		lm.frameConn.Close()
	}
	if lm.recorder != nil {
		if err := lm.recorder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if lm.image != nil {
		if err := lm.image.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Ignoring system state change", zap.Error(err))
		return
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{
		State:   state.String(),
		Storage: lm.storage != nil,
	}
	if lm.registry == nil {
		return status
	}
	for _, s := range lm.registry.List() {
		status.RTUCount++
		switch s.State {
		case ar.StateEstablished:
			status.Established++
		case ar.StateError:
			status.Faulted++
		}
	}
	return status
}

// GRPCAddr is the bound gRPC address, nil before Start.
func (lm *LifecycleManager) GRPCAddr() net.Addr {
	return lm.grpcAddr
}

// Registry returns the RTU registry
func (lm *LifecycleManager) Registry() *devices.Manager {
	return lm.registry
}

// Storage returns the storage client
func (lm *LifecycleManager) Storage() *storage.PostgresClient {
	return lm.storage
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

// Hub returns the websocket hub
func (lm *LifecycleManager) Hub() *websocket.Hub {
	return lm.wsHub
}
