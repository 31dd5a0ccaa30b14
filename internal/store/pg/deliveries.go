package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/toralehq/torale/internal/store"
)

// RecordDelivery claims the (execution_id, channel) slot. The unique
// constraint makes the claim atomic: a row already marked delivered wins
// and the caller gets ErrAlreadyDelivered; a pending or failed row from an
// earlier attempt is retaken.
func (s *TaskStore) RecordDelivery(ctx context.Context, d *store.DeliveryRecord) error {
	if d.ID == uuid.Nil {
		d.ID = store.GenNewID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	var id uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO delivery_records (id, execution_id, channel, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (execution_id, channel) DO UPDATE
		 SET status = EXCLUDED.status, error = ''
		 WHERE delivery_records.status <> 'delivered'
		 RETURNING id`,
		d.ID, d.ExecutionID, d.Channel, d.Status, d.CreatedAt).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrAlreadyDelivered
		}
		return wrapDB("record delivery", err)
	}
	d.ID = id
	return nil
}

func (s *TaskStore) ResolveDelivery(ctx context.Context, id uuid.UUID, status store.DeliveryStatus, providerMessageID, errMsg string) error {
	var deliveredAt any
	if status == store.DeliveryDelivered {
		deliveredAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records SET status = $2, provider_message_id = $3,
		 error = $4, delivered_at = $5 WHERE id = $1`,
		id, status, providerMessageID, errMsg, deliveredAt)
	if err != nil {
		return wrapDB("resolve delivery", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TaskStore) ListDeliveries(ctx context.Context, executionID uuid.UUID) ([]store.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, channel, status, provider_message_id, error,
		 delivered_at, created_at
		 FROM delivery_records WHERE execution_id = $1 ORDER BY created_at`, executionID)
	if err != nil {
		return nil, wrapDB("list deliveries", err)
	}
	defer rows.Close()

	var out []store.DeliveryRecord
	for rows.Next() {
		var d store.DeliveryRecord
		if err := rows.Scan(&d.ID, &d.ExecutionID, &d.Channel, &d.Status,
			&d.ProviderMessageID, &d.Error, &d.DeliveredAt, &d.CreatedAt); err != nil {
			return nil, wrapDB("scan delivery", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

var _ store.TaskStore = (*TaskStore)(nil)
