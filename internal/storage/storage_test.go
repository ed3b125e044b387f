package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

func TestRTUDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		row     RTU
		wantErr bool
	}{
		{"valid", RTU{Name: "rtu-1", StationName: "et200", MAC: "02:00:00:00:00:01", IP: "192.168.0.10", InstanceID: 1, Profile: "et200"}, false},
		{"bad mac", RTU{Name: "rtu-1", MAC: "nope", IP: "192.168.0.10"}, true},
		{"missing ip", RTU{Name: "rtu-1", MAC: "02:00:00:00:00:01"}, true},
		{"vendor out of range", RTU{Name: "rtu-1", MAC: "02:00:00:00:00:01", IP: "10.0.0.1", VendorID: 70000}, true},
		{"negative frame id", RTU{Name: "rtu-1", MAC: "02:00:00:00:00:01", IP: "10.0.0.1", InputFrameID: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tt.row.Descriptor()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", d)
				}
				return
			}
			if err != nil {
				t.Fatalf("Descriptor: %v", err)
			}
			if d.MAC.String() != tt.row.MAC || d.IP.String() != tt.row.IP || d.InstanceID != 1 {
				t.Fatalf("descriptor: %+v", d)
			}
		})
	}
}

type memoryStore struct {
	mu   sync.Mutex
	rows []ARTransition
	fail bool
}

func (m *memoryStore) RecordTransition(ctx context.Context, t ARTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("database down")
	}
	m.rows = append(m.rows, t)
	return nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func TestHistoryWriter(t *testing.T) {
	store := &memoryStore{}
	w := NewHistoryWriter(store, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	ar := uuid.New()
	for _, to := range []string{"CONNECTING", "ESTABLISHED", "ERROR"} {
		if !w.Enqueue(ARTransition{RTU: "rtu-1", ARUUID: ar, To: to, OccurredAt: time.Now()}) {
			t.Fatalf("Enqueue %s dropped", to)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if store.count() != 3 {
		t.Fatalf("persisted: got %d, want 3", store.count())
	}
	if store.rows[1].To != "ESTABLISHED" {
		t.Fatalf("order: %+v", store.rows)
	}
}

func TestHistoryWriterDrainsOnShutdown(t *testing.T) {
	store := &memoryStore{}
	w := NewHistoryWriter(store, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		w.Enqueue(ARTransition{RTU: "rtu-1", To: "IDLE"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	if store.count() != 5 {
		t.Fatalf("drained: got %d, want 5", store.count())
	}
}

func TestHistoryWriterQueueFull(t *testing.T) {
	store := &memoryStore{fail: true}
	w := NewHistoryWriter(store, zaptest.NewLogger(t))

	accepted := 0
	for i := 0; i < cap(w.queue)+10; i++ {
		if w.Enqueue(ARTransition{RTU: "rtu-1"}) {
			accepted++
		}
	}
	if accepted != cap(w.queue) {
		t.Fatalf("accepted: got %d, want %d", accepted, cap(w.queue))
	}
}
