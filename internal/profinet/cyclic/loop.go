package cyclic

import (
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPNIO/internal/profinet/codec"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/ethernet"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

// sendLoop transmits one output frame per cycle and evaluates the
// watchdog before every transmission. It returns the fault that ended
// the exchange, or nil after Stop.
func (e *Engine) sendLoop() *FaultError {
	started := time.Now()
	grace := e.grace

	ticker := time.NewTicker(e.cycle)
	defer ticker.Stop()

	var seen int64
	for {
		select {
		case <-e.stopChan:
			return nil
		case fault := <-e.faultCh:
			return fault
		case now := <-ticker.C:
			// Stop und Fault haben Vorrang vor dem Senden
			select {
			case <-e.stopChan:
				return nil
			case fault := <-e.faultCh:
				return fault
			default:
			}

			last := e.lastValid.Load()
			if last == seen {
				e.stats.consecutiveMisses.Add(1)
			} else {
				e.stats.consecutiveMisses.Store(0)
				seen = last
			}
			if fault := e.checkWatchdog(now, started, last, grace); fault != nil {
				return fault
			}

			if err := e.transmit(); err != nil {
				return &FaultError{Reason: types.ReasonTransport, Detail: err.Error()}
			}
		}
	}
}

func (e *Engine) checkWatchdog(now, started time.Time, last int64, grace time.Duration) *FaultError {
	if last == 0 {
		if silent := now.Sub(started); silent > grace {
			return &FaultError{Reason: types.ReasonWatchdogLoss, Detail: "no valid input frame within " + grace.String() + " after start"}
		}
		return nil
	}
	if silent := now.Sub(e.epoch) - time.Duration(last); silent > e.timeout {
		return &FaultError{Reason: types.ReasonWatchdogLoss, Detail: "no valid input frame for " + silent.Round(time.Microsecond).String()}
	}
	return nil
}

// transmit builds the output frame from the commanded values.
func (e *Engine) transmit() error {
	out := &e.cfg.Layout.Output
	for _, d := range out.DataObjects {
		good, err := e.image.ReadOutput(d.Slot, d.Subslot, e.outBuf[d.Offset:d.Offset+d.Length])
		iops := byte(codec.IOxSBad)
		if err == nil && good {
			iops = codec.IOxSGood
		}
		e.outBuf[d.IOPSOffset()] = iops
	}
	// Consumer status for the inputs we receive
	for _, s := range out.IOCS {
		e.outBuf[s.Offset] = codec.IOxSGood
	}

	e.counter++
	f := codec.CyclicFrame{
		FrameID:      e.cfg.OutputFrameID,
		Data:         e.outBuf,
		CycleCounter: e.counter,
		DataStatus:   codec.NewDataStatus(e.run.Load(), true),
	}
	e.frame = f.AppendTo(e.frame[:0])
	if err := e.transport.Send(e.cfg.DeviceMAC, e.frame); err != nil {
		return err
	}
	e.txCounter.Store(uint32(e.counter))
	e.stats.sent.Add(1)
	return nil
}

// receiveLoop is the only writer of lastValid.
func (e *Engine) receiveLoop(frames <-chan ethernet.Received, quit <-chan struct{}) {
	var (
		haveLast bool
		last     uint16
		validYet bool
	)
	for {
		var r ethernet.Received
		select {
		case <-e.stopChan:
			return
		case <-quit:
			return
		case r = <-frames:
		}

		id, err := codec.FrameIDOf(r.Payload)
		if err != nil {
			e.drop(&e.stats.short, "short", err)
			continue
		}
		if codec.IsAlarmFrameID(id) {
			e.handleAlarm(r.Payload)
			continue
		}
		if id != e.cfg.InputFrameID {
			e.drop(&e.stats.frameID, "frame_id", nil)
			continue
		}

		f, err := codec.DecodeCyclicFrame(r.Payload, int(e.cfg.Layout.Input.DataLength))
		if err != nil {
			e.drop(&e.stats.short, "short", err)
			continue
		}
		e.stats.received.Add(1)

		if f.DataStatus.Ignore() {
			e.drop(&e.stats.ignore, "ignore", nil)
			continue
		}
		if haveLast && !codec.CounterNewer(f.CycleCounter, last) {
			e.drop(&e.stats.stale, "stale", nil)
			continue
		}
		haveLast, last = true, f.CycleCounter
		e.rxCounter.Store(uint32(f.CycleCounter))

		if !f.DataStatus.Valid() {
			e.stats.invalid.Add(1)
			if validYet {
				e.fault(&FaultError{Reason: types.ReasonDataStatusInvalid, Detail: f.String()})
				return
			}
			continue
		}
		validYet = true

		e.publish(f.Data)
		e.lastValid.Store(e.sinceEpoch())
	}
}

func (e *Engine) publish(data []byte) {
	in := &e.cfg.Layout.Input
	for _, d := range in.DataObjects {
		if err := e.image.PublishInput(d.Slot, d.Subslot, data[d.Offset:d.Offset+d.Length], data[d.IOPSOffset()]); err != nil {
			e.logger.Debug("Publish input failed", zap.Error(err))
		}
	}
	for _, s := range in.IOCS {
		if err := e.image.PublishIOCS(s.Slot, s.Subslot, data[s.Offset]); err != nil {
			e.logger.Debug("Publish IOCS failed", zap.Error(err))
		}
	}
}

func (e *Engine) handleAlarm(payload []byte) {
	a, err := codec.DecodeAlarmFrame(payload)
	if err != nil {
		e.drop(&e.stats.short, "alarm", err)
		return
	}
	e.stats.alarms.Add(1)
	if e.onAlarm != nil {
		e.onAlarm(a)
	}
}

func (e *Engine) fault(f *FaultError) {
	select {
	case e.faultCh <- f:
	default:
	}
}

// drop counts a discarded frame and logs only the first of each kind.
func (e *Engine) drop(c interface{ Add(uint64) uint64 }, kind string, err error) {
	if c.Add(1) == 1 {
		e.logger.Warn("Dropping input frames", zap.String("kind", kind), zap.Error(err))
	}
}
