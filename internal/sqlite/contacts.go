package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blackmichael/diaspora-node/internal/domain"
	"github.com/blackmichael/diaspora-node/internal/keys"
)

const contactColumns = `
	SELECT c.id, c.realname, c.bio, c.avatar_type, c.avatar_body, c.avatar_preview,
	       COALESCE(u.id, 0), i.handle, i.guid, i.server, i.public_key
	FROM contacts c
	LEFT JOIN users u ON u.contact_id = c.id
	LEFT JOIN identities i ON i.contact_id = c.id`

func (s *store) ContactByID(ctx context.Context, id int64) (*domain.Contact, error) {
	c, err := s.scanContact(s.q.QueryRowContext(ctx, contactColumns+` WHERE c.id = ?`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get contact %d", id))
	}
	if err := s.loadInterests(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *store) ContactByHandle(ctx context.Context, handle string) (*domain.Contact, error) {
	c, err := s.scanContact(s.q.QueryRowContext(ctx, contactColumns+` WHERE i.handle = ?`, handle))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get contact %s", handle))
	}
	if err := s.loadInterests(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *store) CreateRemoteContact(ctx context.Context, c *domain.Contact) (*domain.Contact, error) {
	if c.Identity == nil || c.Identity.PublicKey == nil {
		return nil, fmt.Errorf("create contact: identity with public key required")
	}

	existing, err := s.ContactByHandle(ctx, c.Identity.Handle)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	err = s.atomic(ctx, func(s *store) error {
		if err := s.insertContact(ctx, c); err != nil {
			return err
		}
		return s.replaceInterests(ctx, c.ID, c.Interests)
	})
	if isUniqueViolation(err) {
		return s.ContactByHandle(ctx, c.Identity.Handle)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *store) UpdateProfile(ctx context.Context, c *domain.Contact) error {
	return s.atomic(ctx, func(s *store) error {
		var avatarType sql.NullString
		var avatarBody []byte
		var avatarPreview string
		if c.Avatar != nil {
			avatarType = sql.NullString{String: c.Avatar.MimeType, Valid: true}
			avatarBody = c.Avatar.Body
			avatarPreview = c.Avatar.TextPreview
		}

		res, err := s.q.ExecContext(ctx, `
			UPDATE contacts
			SET realname = ?, bio = ?, avatar_type = ?, avatar_body = ?, avatar_preview = ?
			WHERE id = ?`,
			c.RealName, c.Bio, avatarType, avatarBody, avatarPreview, c.ID,
		)
		if err != nil {
			return fmt.Errorf("update contact %d: %w", c.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update contact %d: %w", c.ID, domain.ErrNotFound)
		}
		return s.replaceInterests(ctx, c.ID, c.Interests)
	})
}

// insertContact writes the contact row and its identity, setting c.ID.
func (s *store) insertContact(ctx context.Context, c *domain.Contact) error {
	var avatarType sql.NullString
	var avatarBody []byte
	var avatarPreview string
	if c.Avatar != nil {
		avatarType = sql.NullString{String: c.Avatar.MimeType, Valid: true}
		avatarBody = c.Avatar.Body
		avatarPreview = c.Avatar.TextPreview
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO contacts (realname, bio, avatar_type, avatar_body, avatar_preview)
		VALUES (?, ?, ?, ?, ?)`,
		c.RealName, c.Bio, avatarType, avatarBody, avatarPreview,
	)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}

	pub := keys.EncodePublicKey(c.Identity.PublicKey)
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO identities (contact_id, handle, guid, server, public_key)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Identity.Handle, c.Identity.GUID, c.Identity.Server, string(pub),
	)
	if err != nil {
		return fmt.Errorf("insert identity %s: %w", c.Identity.Handle, err)
	}
	return nil
}

func (s *store) replaceInterests(ctx context.Context, contactID int64, tags []string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM contact_interests WHERE contact_id = ?`, contactID); err != nil {
		return fmt.Errorf("clear interests: %w", err)
	}
	for _, tag := range domain.NormalizeTags(tags) {
		if _, err := s.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO contact_interests (contact_id, tag) VALUES (?, ?)`,
			contactID, tag,
		); err != nil {
			return fmt.Errorf("insert interest: %w", err)
		}
	}
	return nil
}

func (s *store) loadInterests(ctx context.Context, c *domain.Contact) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT tag FROM contact_interests WHERE contact_id = ? ORDER BY tag`, c.ID)
	if err != nil {
		return fmt.Errorf("query interests: %w", err)
	}
	defer rows.Close()

	c.Interests = nil
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return fmt.Errorf("scan interest: %w", err)
		}
		c.Interests = append(c.Interests, tag)
	}
	return rows.Err()
}

func (s *store) scanContact(row *sql.Row) (*domain.Contact, error) {
	var (
		c                         domain.Contact
		avatarType                sql.NullString
		avatarBody                []byte
		avatarPreview             string
		handle, guid, server, pub sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.RealName, &c.Bio, &avatarType, &avatarBody, &avatarPreview,
		&c.UserID, &handle, &guid, &server, &pub,
	)
	if err != nil {
		return nil, err
	}

	if avatarType.Valid {
		c.Avatar = &domain.Part{
			MimeType:    avatarType.String,
			Body:        avatarBody,
			TextPreview: avatarPreview,
			Inline:      true,
		}
	}
	if handle.Valid {
		key, err := keys.ParsePublicKey([]byte(pub.String))
		if err != nil {
			return nil, fmt.Errorf("stored key for %s: %w", handle.String, err)
		}
		c.Identity = &domain.Identity{
			Handle:    handle.String,
			GUID:      guid.String,
			Server:    server.String,
			PublicKey: key,
		}
	}
	return &c, nil
}
