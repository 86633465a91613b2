package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

func (s *store) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = time.Now().UTC()
	}
	if item.Direction == "" {
		item.Direction = domain.DirectionIncoming
	}
	if item.Status == "" {
		item.Status = domain.StatusPending
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO queue_items (direction, user_id, body, received_at, status, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.Direction, item.UserID, item.Body, item.ReceivedAt.UnixNano(),
		item.Status, item.Attempts, item.LastError,
	)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if item.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

const queueColumns = `
	SELECT id, direction, user_id, body, received_at, status, attempts, last_error
	FROM queue_items`

func (s *store) QueueItem(ctx context.Context, id int64) (*domain.QueueItem, error) {
	item, err := scanQueueItem(s.q.QueryRowContext(ctx, queueColumns+` WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get queue item %d", id))
	}
	return item, nil
}

func (s *store) PendingItems(ctx context.Context, userID int64) ([]domain.QueueItem, error) {
	rows, err := s.q.QueryContext(ctx, queueColumns+`
		WHERE status = ? AND direction = ? AND user_id = ?
		ORDER BY received_at, id`,
		domain.StatusPending, domain.DirectionIncoming, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending items: %w", err)
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row scanner) (*domain.QueueItem, error) {
	var item domain.QueueItem
	var received int64
	err := row.Scan(
		&item.ID, &item.Direction, &item.UserID, &item.Body, &received,
		&item.Status, &item.Attempts, &item.LastError,
	)
	if err != nil {
		return nil, err
	}
	item.ReceivedAt = time.Unix(0, received).UTC()
	return &item, nil
}

func (s *store) PendingOwners(ctx context.Context) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM queue_items
		WHERE status = ? AND direction = ?
		ORDER BY user_id`,
		domain.StatusPending, domain.DirectionIncoming,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending owners: %w", err)
	}
	defer rows.Close()

	var owners []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}

func (s *store) MarkProcessed(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, domain.StatusProcessed, "")
}

func (s *store) MarkFailed(ctx context.Context, id int64, reason string) error {
	return s.setStatus(ctx, id, domain.StatusFailed, reason)
}

func (s *store) RecordAttempt(ctx context.Context, id int64, reason string) (int, error) {
	var attempts int
	err := s.q.QueryRowContext(ctx, `
		UPDATE queue_items SET attempts = attempts + 1, last_error = ?
		WHERE id = ?
		RETURNING attempts`,
		reason, id,
	).Scan(&attempts)
	if err != nil {
		return 0, notFound(err, fmt.Sprintf("record attempt on item %d", id))
	}
	return attempts, nil
}

func (s *store) setStatus(ctx context.Context, id int64, status, reason string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, last_error = ? WHERE id = ?`, status, reason, id)
	if err != nil {
		return fmt.Errorf("mark item %d %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark item %d %s: %w", id, status, domain.ErrNotFound)
	}
	return nil
}
