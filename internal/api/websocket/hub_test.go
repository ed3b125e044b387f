package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenPNIO/internal/ar"
	"github.com/KevinKickass/OpenPNIO/internal/auth"
	"github.com/KevinKickass/OpenPNIO/internal/profinet/codec"
	"github.com/KevinKickass/OpenPNIO/internal/types"
)

type staticAuth struct{}

func (staticAuth) Authenticate(token string) (*auth.Principal, error) {
	if token != "good" {
		return nil, errors.New("bad token")
	}
	return &auth.Principal{Subject: "hmi", Role: auth.RoleOperator}, nil
}

type staticSnapshots []ar.Snapshot

func (s staticSnapshots) List() []ar.Snapshot { return s }

type received struct {
	Type MessageType     `json:"type"`
	RTU  string          `json:"rtu"`
	Data json.RawMessage `json:"data"`
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t), staticAuth{})
	hub.SetSnapshotProvider(staticSnapshots{
		{RTU: "rtu-1", State: ar.StateEstablished},
		{RTU: "rtu-2", State: ar.StateIdle},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func next(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": "good"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := next(t, conn); msg.Type != MessageTypeAuthSuccess {
		t.Fatalf("got %s, want auth_success", msg.Type)
	}
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients: got %d, want %d", hub.GetClientCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAuthRequired(t *testing.T) {
	hub, url := startHub(t)

	tests := []struct {
		name string
		msg  map[string]string
	}{
		{"not auth", map[string]string{"type": "subscribe"}},
		{"missing token", map[string]string{"type": "auth"}},
		{"bad token", map[string]string{"type": "auth", "token": "bad"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, url)
			if err := conn.WriteJSON(tt.msg); err != nil {
				t.Fatalf("WriteJSON: %v", err)
			}
			if msg := next(t, conn); msg.Type != MessageTypeAuthFailed {
				t.Fatalf("got %s, want auth_failed", msg.Type)
			}
		})
	}
	if hub.GetClientCount() != 0 {
		t.Fatalf("unauthenticated clients registered")
	}
}

func TestEventsAfterAuth(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	authenticate(t, conn)

	for _, want := range []string{"rtu-1", "rtu-2"} {
		msg := next(t, conn)
		if msg.Type != MessageTypeSnapshot || msg.RTU != want {
			t.Fatalf("got %s/%s, want snapshot/%s", msg.Type, msg.RTU, want)
		}
	}
	waitClients(t, hub, 1)

	arUUID := uuid.New()
	hub.ARStateChanged(ar.Event{
		RTU:      "rtu-1",
		State:    ar.StateError,
		Previous: ar.StateEstablished,
		Reason:   types.ReasonWatchdogLoss,
		Hint:     types.ReasonWatchdogLoss.Hint(),
		ARUUID:   arUUID,
		Time:     time.Now(),
	})

	msg := next(t, conn)
	if msg.Type != MessageTypeARState || msg.RTU != "rtu-1" {
		t.Fatalf("got %s/%s", msg.Type, msg.RTU)
	}
	var data ARStateData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if data.State != "ERROR" || data.Previous != "ESTABLISHED" || data.Reason != "watchdog_loss" || data.ARUUID != arUUID.String() {
		t.Fatalf("ar_state data: %+v", data)
	}

	hub.AlarmReceived(ar.AlarmEvent{
		RTU:     "rtu-1",
		ARUUID:  arUUID,
		FrameID: codec.FrameIDAlarmHigh,
		High:    true,
		Header:  codec.RTAHeader{PDUType: 0x11, SendSeq: 7},
		Payload: []byte{0x00, 0x01},
		Time:    time.Now(),
	})
	msg = next(t, conn)
	var alarm AlarmData
	if err := json.Unmarshal(msg.Data, &alarm); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.Type != MessageTypeAlarm || alarm.Priority != "high" || alarm.PDUType != 1 || alarm.SendSeq != 7 || len(alarm.Payload) != 2 {
		t.Fatalf("alarm: %s %+v", msg.Type, alarm)
	}
}

func TestSubscribeFilter(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	authenticate(t, conn)
	next(t, conn)
	next(t, conn)

	if err := conn.WriteJSON(map[string]interface{}{"type": "subscribe", "rtus": []string{"rtu-2"}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := next(t, conn); msg.Type != MessageTypeSubscribed {
		t.Fatalf("got %s, want subscribed", msg.Type)
	}
	if msg := next(t, conn); msg.Type != MessageTypeSnapshot || msg.RTU != "rtu-2" {
		t.Fatalf("got %s/%s, want snapshot/rtu-2", msg.Type, msg.RTU)
	}

	hub.ARStateChanged(ar.Event{RTU: "rtu-1", State: ar.StateConnecting, Time: time.Now()})
	hub.ARStateChanged(ar.Event{RTU: "rtu-2", State: ar.StateConnecting, Time: time.Now()})

	msg := next(t, conn)
	if msg.RTU != "rtu-2" {
		t.Fatalf("filtered event delivered: %s", msg.RTU)
	}
}
