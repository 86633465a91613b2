package sqlite

import (
	"context"
	"fmt"
	"time"
)

func (s *store) Subscribe(ctx context.Context, fromContactID, toContactID int64) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO subscriptions (from_contact_id, to_contact_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (from_contact_id, to_contact_id) DO NOTHING`,
		fromContactID, toContactID, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %d to %d: %w", fromContactID, toContactID, err)
	}
	return nil
}

func (s *store) Unsubscribe(ctx context.Context, fromContactID, toContactID int64) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE from_contact_id = ? AND to_contact_id = ?`,
		fromContactID, toContactID,
	)
	if err != nil {
		return fmt.Errorf("unsubscribe %d from %d: %w", fromContactID, toContactID, err)
	}
	return nil
}

func (s *store) IsSubscribed(ctx context.Context, fromContactID, toContactID int64) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE from_contact_id = ? AND to_contact_id = ?`,
		fromContactID, toContactID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return n > 0, nil
}
