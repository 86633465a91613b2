package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

// maxThreadDepth bounds the parent walk in RootPost.
const maxThreadDepth = 1000

const postColumns = `
	SELECT p.id, p.author_id, COALESCE(p.parent_id, 0), p.created_at, p.thread_modified_at,
	       COALESCE(r.guid, ''), COALESCE(r.visibility, '')
	FROM posts p
	LEFT JOIN remote_posts r ON r.post_id = p.id`

func (s *store) CreatePost(ctx context.Context, post *domain.Post) error {
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}
	if post.ThreadModifiedAt.IsZero() {
		post.ThreadModifiedAt = post.CreatedAt
	}

	return s.atomic(ctx, func(s *store) error {
		var parent sql.NullInt64
		if post.ParentID != 0 {
			parent = sql.NullInt64{Int64: post.ParentID, Valid: true}
		}
		res, err := s.q.ExecContext(ctx, `
			INSERT INTO posts (author_id, parent_id, created_at, thread_modified_at)
			VALUES (?, ?, ?, ?)`,
			post.AuthorID, parent, post.CreatedAt.UnixNano(), post.ThreadModifiedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert post: %w", err)
		}
		if post.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("insert post: %w", err)
		}

		for i, part := range post.Parts {
			if err := s.insertPart(ctx, post.ID, i, part); err != nil {
				return err
			}
		}
		for _, tag := range domain.NormalizeTags(post.Tags) {
			if _, err := s.q.ExecContext(ctx,
				`INSERT OR IGNORE INTO post_tags (post_id, tag) VALUES (?, ?)`, post.ID, tag,
			); err != nil {
				return fmt.Errorf("insert post tag: %w", err)
			}
		}
		for _, share := range post.Shares {
			if _, err := s.q.ExecContext(ctx, `
				INSERT INTO shares (post_id, contact_id, show_on_wall) VALUES (?, ?, ?)
				ON CONFLICT (post_id, contact_id) DO NOTHING`,
				post.ID, share.ContactID, boolInt(share.ShowOnWall),
			); err != nil {
				return fmt.Errorf("insert share: %w", err)
			}
		}
		if post.GUID != "" {
			if _, err := s.q.ExecContext(ctx,
				`INSERT INTO remote_posts (post_id, guid, visibility) VALUES (?, ?, ?)`,
				post.ID, post.GUID, post.Visibility,
			); err != nil {
				return fmt.Errorf("map post guid %s: %w", post.GUID, err)
			}
		}
		return nil
	})
}

func (s *store) PostByID(ctx context.Context, id int64) (*domain.Post, error) {
	return s.loadPost(ctx, postColumns+` WHERE p.id = ?`, id)
}

func (s *store) PostByGUID(ctx context.Context, guid string) (*domain.Post, error) {
	return s.loadPost(ctx, postColumns+` WHERE r.guid = ?`, guid)
}

func (s *store) RootPost(ctx context.Context, id int64) (*domain.Post, error) {
	current := id
	for range maxThreadDepth {
		var parent sql.NullInt64
		err := s.q.QueryRowContext(ctx, `SELECT parent_id FROM posts WHERE id = ?`, current).Scan(&parent)
		if err != nil {
			return nil, notFound(err, fmt.Sprintf("walk thread of post %d", id))
		}
		if !parent.Valid {
			return s.PostByID(ctx, current)
		}
		current = parent.Int64
	}
	return nil, fmt.Errorf("walk thread of post %d: deeper than %d", id, maxThreadDepth)
}

func (s *store) PrependPart(ctx context.Context, postID int64, part domain.Part) error {
	var first sql.NullInt64
	err := s.q.QueryRowContext(ctx,
		`SELECT MIN(position) FROM post_parts WHERE post_id = ?`, postID,
	).Scan(&first)
	if err != nil {
		return fmt.Errorf("find first part of post %d: %w", postID, err)
	}
	position := 0
	if first.Valid {
		position = int(first.Int64) - 1
	}
	return s.insertPart(ctx, postID, position, part)
}

func (s *store) TouchThread(ctx context.Context, postID int64, t time.Time) error {
	root, err := s.RootPost(ctx, postID)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE posts SET thread_modified_at = ? WHERE id = ?`, t.UnixNano(), root.ID)
	if err != nil {
		return fmt.Errorf("touch thread %d: %w", root.ID, err)
	}
	return nil
}

func (s *store) insertPart(ctx context.Context, postID int64, position int, part domain.Part) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO post_parts (post_id, position, mime_type, body, text_preview, inline)
		VALUES (?, ?, ?, ?, ?, ?)`,
		postID, position, part.MimeType, part.Body, part.TextPreview, boolInt(part.Inline),
	)
	if err != nil {
		return fmt.Errorf("insert part of post %d: %w", postID, err)
	}
	return nil
}

// loadPost reads the post row, then its parts, tags and shares. Each result
// set is drained before the next query runs.
func (s *store) loadPost(ctx context.Context, query string, arg any) (*domain.Post, error) {
	var (
		p                 domain.Post
		created, modified int64
	)
	err := s.q.QueryRowContext(ctx, query, arg).Scan(
		&p.ID, &p.AuthorID, &p.ParentID, &created, &modified, &p.GUID, &p.Visibility,
	)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get post %v", arg))
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	p.ThreadModifiedAt = time.Unix(0, modified).UTC()

	if p.Parts, err = s.loadParts(ctx, p.ID); err != nil {
		return nil, err
	}
	if p.Tags, err = s.loadTags(ctx, p.ID); err != nil {
		return nil, err
	}
	if p.Shares, err = s.loadShares(ctx, p.ID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *store) loadParts(ctx context.Context, postID int64) ([]domain.Part, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT mime_type, body, text_preview, inline
		FROM post_parts WHERE post_id = ? ORDER BY position`, postID)
	if err != nil {
		return nil, fmt.Errorf("query parts: %w", err)
	}
	defer rows.Close()

	var parts []domain.Part
	for rows.Next() {
		var part domain.Part
		var inline int
		if err := rows.Scan(&part.MimeType, &part.Body, &part.TextPreview, &inline); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		part.Inline = inline != 0
		parts = append(parts, part)
	}
	return parts, rows.Err()
}

func (s *store) loadTags(ctx context.Context, postID int64) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT tag FROM post_tags WHERE post_id = ? ORDER BY tag`, postID)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *store) loadShares(ctx context.Context, postID int64) ([]domain.Share, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT contact_id, show_on_wall FROM shares WHERE post_id = ? ORDER BY contact_id`, postID)
	if err != nil {
		return nil, fmt.Errorf("query shares: %w", err)
	}
	defer rows.Close()

	var shares []domain.Share
	for rows.Next() {
		var share domain.Share
		var wall int
		if err := rows.Scan(&share.ContactID, &wall); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		share.ShowOnWall = wall != 0
		shares = append(shares, share)
	}
	return shares, rows.Err()
}
