package system

import (
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/KevinKickass/OpenPNIO/internal/ar"
	"github.com/KevinKickass/OpenPNIO/internal/storage"
)

// HealthService is the gRPC health service name of an RTU.
func HealthService(rtu string) string {
	return "pnio.rtu." + rtu
}

// eventFanout hands AR events to every consumer. Each consumer must not
// block; the AR dispatcher calls in order from one goroutine.
type eventFanout struct {
	sinks   []ar.EventSink
	history *storage.HistoryWriter
	health  *health.Server
	logger  *zap.Logger
}

func (f *eventFanout) ARStateChanged(ev ar.Event) {
	for _, s := range f.sinks {
		s.ARStateChanged(ev)
	}

	if f.health != nil {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if ev.State == ar.StateEstablished {
			status = healthpb.HealthCheckResponse_SERVING
		}
		f.health.SetServingStatus(HealthService(ev.RTU), status)
	}

	if f.history != nil {
		f.history.Enqueue(storage.ARTransition{
			RTU:        ev.RTU,
			ARUUID:     ev.ARUUID,
			From:       ev.Previous.String(),
			To:         ev.State.String(),
			Reason:     string(ev.Reason),
			Detail:     ev.Detail,
			OccurredAt: ev.Time,
		})
	}
}

func (f *eventFanout) AlarmReceived(ev ar.AlarmEvent) {
	for _, s := range f.sinks {
		s.AlarmReceived(ev)
	}

	fields := []zap.Field{
		zap.String("rtu", ev.RTU),
		zap.String("ar_uuid", ev.ARUUID.String()),
	}
	if ev.Diagnostic != "" {
		f.logger.Warn("AR diagnostic", append(fields, zap.String("diagnostic", ev.Diagnostic))...)
		return
	}
	f.logger.Info("Alarm received", append(fields,
		zap.Uint16("frame_id", ev.FrameID),
		zap.Bool("high", ev.High),
		zap.Uint16("send_seq", ev.Header.SendSeq),
		zap.Int("payload_len", len(ev.Payload)))...)
}
