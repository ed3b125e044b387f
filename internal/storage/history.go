package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// RecordTransition appends one AR state change to the history
func (p *PostgresClient) RecordTransition(ctx context.Context, t ARTransition) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ar_transitions (rtu_name, ar_uuid, from_state, to_state, reason, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.RTU, t.ARUUID, t.From, t.To, t.Reason, t.Detail, t.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// ListTransitions returns the newest transitions of one RTU first
func (p *PostgresClient) ListTransitions(ctx context.Context, rtu string, limit int) ([]ARTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, rtu_name, ar_uuid, from_state, to_state, reason, detail, occurred_at
		FROM ar_transitions
		WHERE rtu_name = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`, rtu, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}

	transitions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ARTransition, error) {
		var t ARTransition
		err := row.Scan(&t.ID, &t.RTU, &t.ARUUID, &t.From, &t.To, &t.Reason, &t.Detail, &t.OccurredAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan transition: %w", err)
	}
	return transitions, nil
}

// TransitionStore is implemented by *PostgresClient.
type TransitionStore interface {
	RecordTransition(ctx context.Context, t ARTransition) error
}

// HistoryWriter persists transitions off the event path. A full queue
// drops the transition.
type HistoryWriter struct {
	store  TransitionStore
	queue  chan ARTransition
	logger *zap.Logger
}

func NewHistoryWriter(store TransitionStore, logger *zap.Logger) *HistoryWriter {
	return &HistoryWriter{
		store:  store,
		queue:  make(chan ARTransition, 256),
		logger: logger,
	}
}

func (w *HistoryWriter) Enqueue(t ARTransition) bool {
	select {
	case w.queue <- t:
		return true
	default:
		w.logger.Warn("Transition history queue full",
			zap.String("rtu", t.RTU),
			zap.String("state", t.To))
		return false
	}
}

// Run writes queued transitions until ctx ends, then drains the queue
// with a fresh context.
func (w *HistoryWriter) Run(ctx context.Context) {
	for {
		select {
		case t := <-w.queue:
			w.write(ctx, t)
		case <-ctx.Done():
			for {
				select {
				case t := <-w.queue:
					w.write(context.Background(), t)
				default:
					return
				}
			}
		}
	}
}

func (w *HistoryWriter) write(ctx context.Context, t ARTransition) {
	if err := w.store.RecordTransition(ctx, t); err != nil {
		w.logger.Error("Failed to persist AR transition",
			zap.String("rtu", t.RTU),
			zap.String("ar_uuid", t.ARUUID.String()),
			zap.Error(err))
	}
}
