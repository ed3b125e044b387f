package ethernet

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap/zaptest"
)

var (
	macController = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	macDevice     = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	macOther      = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x03}
)

func TestBuildAndParseFrame(t *testing.T) {
	payload := []byte{0xC0, 0x01, 0xAA, 0xBB}
	frame, err := BuildFrame(macController, macDevice, payload)
	if err != nil {
		t.Fatalf("BuildFrame: %v", err)
	}
	if len(frame) < 60 {
		t.Fatalf("frame not padded: %d bytes", len(frame))
	}
	if frame[12] != 0x88 || frame[13] != 0x92 {
		t.Fatalf("ethertype % X", frame[12:14])
	}

	f, ok, err := NewParser().Parse(frame)
	if err != nil || !ok {
		t.Fatalf("Parse: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(f.Src, macController) || !bytes.Equal(f.Dst, macDevice) {
		t.Fatalf("addresses %s -> %s", f.Src, f.Dst)
	}
	if !bytes.HasPrefix(f.Payload, payload) {
		t.Fatalf("payload % X", f.Payload)
	}
}

func TestParseVLANTagged(t *testing.T) {
	frame := []byte{
		0x02, 0, 0, 0, 0, 0x02, // dst
		0x02, 0, 0, 0, 0, 0x01, // src
		0x81, 0x00, 0xC0, 0x00, // 802.1Q prio 6, vid 0
		0x88, 0x92,
		0xFC, 0x01, 0x00, 0x01,
	}
	f, ok, err := NewParser().Parse(frame)
	if err != nil || !ok {
		t.Fatalf("Parse: ok=%v err=%v", ok, err)
	}
	if !f.Tagged || f.VLANID != 0 {
		t.Fatalf("vlan tagged=%v id=%d", f.Tagged, f.VLANID)
	}
	if !bytes.Equal(f.Payload, []byte{0xFC, 0x01, 0x00, 0x01}) {
		t.Fatalf("payload % X", f.Payload)
	}
}

func TestParseIgnoresOtherEtherTypes(t *testing.T) {
	frame := append([]byte{
		0x02, 0, 0, 0, 0, 0x02,
		0x02, 0, 0, 0, 0, 0x01,
		0x88, 0xCC, // LLDP
	}, make([]byte, 46)...)
	if _, ok, _ := NewParser().Parse(frame); ok {
		t.Fatal("LLDP frame must not be returned as RT frame")
	}
}

func TestMuxDemultiplexesBySource(t *testing.T) {
	local, wire := Pipe(macController, macDevice)
	mux := NewMux(local, nil, zaptest.NewLogger(t))
	mux.Start()
	defer mux.Close()

	frames, cancel := mux.Subscribe(macDevice)
	defer cancel()

	fromOther, _ := BuildFrame(macOther, macController, []byte{0xC0, 0x09})
	fromDevice, _ := BuildFrame(macDevice, macController, []byte{0xC0, 0x01})
	wire.WriteFrame(fromOther)
	wire.WriteFrame(fromDevice)

	select {
	case r := <-frames:
		if r.Payload[1] != 0x01 {
			t.Fatalf("got frame from wrong source: % X", r.Payload[:2])
		}
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}

	if err := mux.Send(macDevice, []byte{0xC0, 0x02}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	data, _, err := wire.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	f, ok, _ := NewParser().Parse(data)
	if !ok || !bytes.Equal(f.Src, macController) {
		t.Fatalf("sent frame src %s ok=%v", f.Src, ok)
	}
}

func TestPipeClose(t *testing.T) {
	a, b := Pipe(macController, macDevice)
	b.Close()
	if _, _, err := b.ReadFrame(); err != ErrClosed {
		t.Fatalf("ReadFrame after close: %v", err)
	}
	if err := a.WriteFrame([]byte{1}); err != nil {
		t.Fatalf("write to closed peer must not fail: %v", err)
	}
}

func TestRecorder(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorderWriter(&buf)
	if err != nil {
		t.Fatalf("NewRecorderWriter: %v", err)
	}
	frame, _ := BuildFrame(macController, macDevice, []byte{0xC0, 0x02})
	if err := rec.Record(frame, time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	r, err := pcapgo.NewReader(&buf)
	if err != nil {
		t.Fatalf("pcapgo.NewReader: %v", err)
	}
	data, _, err := r.ReadPacketData()
	if err != nil {
		t.Fatalf("ReadPacketData: %v", err)
	}
	if !bytes.Equal(data, frame) {
		t.Fatal("captured frame differs")
	}
}
