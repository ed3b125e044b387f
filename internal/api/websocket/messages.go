package websocket

import (
	"time"

	"github.com/KevinKickass/OpenPNIO/internal/ar"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// AR messages
	MessageTypeARState  MessageType = "ar_state"
	MessageTypeAlarm    MessageType = "alarm"
	MessageTypeSnapshot MessageType = "snapshot"

	// Session messages
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	RTU       string      `json:"rtu,omitempty"`
	Data      interface{} `json:"data"`
}

// ARStateData is an AR state change as sent to clients
type ARStateData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state"`
	Reason   string `json:"reason,omitempty"`
	Hint     string `json:"hint,omitempty"`
	Detail   string `json:"detail,omitempty"`
	ARUUID   string `json:"ar_uuid"`
}

// AlarmData carries the alarm payload unevaluated
type AlarmData struct {
	ARUUID      string `json:"ar_uuid"`
	FrameID     uint16 `json:"frame_id,omitempty"`
	Priority    string `json:"priority,omitempty"`
	PDUType     uint8  `json:"pdu_type"`
	SendSeq     uint16 `json:"send_seq"`
	AckSeq      uint16 `json:"ack_seq"`
	DstEndpoint uint16 `json:"dst_endpoint"`
	SrcEndpoint uint16 `json:"src_endpoint"`
	Payload     []byte `json:"payload,omitempty"`
	Diagnostic  string `json:"diagnostic,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, rtu string, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		RTU:       rtu,
		Data:      data,
	}
}

func NewARStateMessage(ev ar.Event) Message {
	msg := NewMessage(MessageTypeARState, ev.RTU, ARStateData{
		State:    ev.State.String(),
		Previous: ev.Previous.String(),
		Reason:   string(ev.Reason),
		Hint:     ev.Hint,
		Detail:   ev.Detail,
		ARUUID:   ev.ARUUID.String(),
	})
	msg.Timestamp = ev.Time
	return msg
}

func NewAlarmMessage(ev ar.AlarmEvent) Message {
	data := AlarmData{
		ARUUID:     ev.ARUUID.String(),
		FrameID:    ev.FrameID,
		Payload:    ev.Payload,
		Diagnostic: ev.Diagnostic,
	}
	if ev.FrameID != 0 {
		data.Priority = "low"
		if ev.High {
			data.Priority = "high"
		}
		data.PDUType = ev.Header.Type()
		data.SendSeq = ev.Header.SendSeq
		data.AckSeq = ev.Header.AckSeq
		data.DstEndpoint = ev.Header.DstEndpoint
		data.SrcEndpoint = ev.Header.SrcEndpoint
	}
	msg := NewMessage(MessageTypeAlarm, ev.RTU, data)
	msg.Timestamp = ev.Time
	return msg
}
