package sqlite

import (
	"context"
	"fmt"

	"github.com/blackmichael/diaspora-node/internal/domain"
	"github.com/blackmichael/diaspora-node/internal/keys"
)

func (s *store) CreateUser(ctx context.Context, user *domain.User) error {
	if user.Contact == nil || user.Contact.Identity == nil || user.PrivateKey == nil {
		return fmt.Errorf("create user: contact, identity and private key required")
	}
	if user.Contact.Identity.PublicKey == nil {
		user.Contact.Identity.PublicKey = &user.PrivateKey.PublicKey
	}
	if user.Contact.Identity.GUID == "" {
		user.Contact.Identity.GUID = user.GUID
	}

	privatePEM, err := keys.EncodePrivateKey(user.PrivateKey)
	if err != nil {
		return err
	}

	return s.atomic(ctx, func(s *store) error {
		if err := s.insertContact(ctx, user.Contact); err != nil {
			return err
		}
		if err := s.replaceInterests(ctx, user.Contact.ID, user.Contact.Interests); err != nil {
			return err
		}
		res, err := s.q.ExecContext(ctx,
			`INSERT INTO users (contact_id, guid, private_key) VALUES (?, ?, ?)`,
			user.Contact.ID, user.GUID, string(privatePEM),
		)
		if err != nil {
			return fmt.Errorf("insert user %s: %w", user.GUID, err)
		}
		if user.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("insert user %s: %w", user.GUID, err)
		}
		user.Contact.UserID = user.ID
		return nil
	})
}

func (s *store) UserByID(ctx context.Context, id int64) (*domain.User, error) {
	return s.loadUser(ctx, `WHERE u.id = ?`, id)
}

func (s *store) UserByGUID(ctx context.Context, guid string) (*domain.User, error) {
	return s.loadUser(ctx, `WHERE u.guid = ?`, guid)
}

func (s *store) UserByHandle(ctx context.Context, handle string) (*domain.User, error) {
	return s.loadUser(ctx, `JOIN identities i ON i.contact_id = u.contact_id WHERE i.handle = ?`, handle)
}

func (s *store) loadUser(ctx context.Context, where string, arg any) (*domain.User, error) {
	var (
		u          domain.User
		contactID  int64
		privatePEM string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT u.id, u.guid, u.contact_id, u.private_key FROM users u `+where, arg,
	).Scan(&u.ID, &u.GUID, &contactID, &privatePEM)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get user %v", arg))
	}

	if u.PrivateKey, err = keys.ParsePrivateKey([]byte(privatePEM)); err != nil {
		return nil, fmt.Errorf("stored key for user %d: %w", u.ID, err)
	}
	if u.Contact, err = s.ContactByID(ctx, contactID); err != nil {
		return nil, err
	}
	return &u, nil
}
