package domain

import (
	"context"
	"time"
)

// ContactStore defines persistence operations for contacts and their
// federation identities.
type ContactStore interface {
	// ContactByID loads a contact with its identity, avatar and interests.
	ContactByID(ctx context.Context, id int64) (*Contact, error)

	// ContactByHandle loads the contact whose identity has the given handle.
	// Returns ErrNotFound if no identity is stored for it.
	ContactByHandle(ctx context.Context, handle string) (*Contact, error)

	// CreateRemoteContact stores a contact and its identity atomically. If an
	// identity with the same handle already exists the stored contact is
	// returned instead and nothing is written.
	CreateRemoteContact(ctx context.Context, c *Contact) (*Contact, error)

	// UpdateProfile replaces the contact's name, bio, avatar and interests.
	UpdateProfile(ctx context.Context, c *Contact) error
}

// SubscriptionStore defines persistence operations for subscription edges.
type SubscriptionStore interface {
	// Subscribe records that from follows to. It is a no-op if the edge
	// already exists.
	Subscribe(ctx context.Context, fromContactID, toContactID int64) error

	// Unsubscribe removes the edge from -> to, if present.
	Unsubscribe(ctx context.Context, fromContactID, toContactID int64) error

	// IsSubscribed reports whether from follows to.
	IsSubscribed(ctx context.Context, fromContactID, toContactID int64) (bool, error)
}

// PostStore defines persistence operations for posts.
type PostStore interface {
	// CreatePost inserts the post with its parts, tags, shares and GUID
	// mapping. The generated ID is written back to post.ID.
	CreatePost(ctx context.Context, post *Post) error

	// PostByID loads a post with parts, tags and shares.
	PostByID(ctx context.Context, id int64) (*Post, error)

	// PostByGUID loads the post mapped to the given remote GUID.
	PostByGUID(ctx context.Context, guid string) (*Post, error)

	// RootPost walks the parent chain of the post and returns the top.
	RootPost(ctx context.Context, id int64) (*Post, error)

	// PrependPart inserts part before the existing parts of the post.
	PrependPart(ctx context.Context, postID int64, part Part) error

	// TouchThread marks the thread containing the post as modified at t.
	TouchThread(ctx context.Context, postID int64, t time.Time) error
}

// UserStore defines persistence operations for local accounts.
type UserStore interface {
	// CreateUser stores a local user together with its contact and identity.
	// IDs are written back to the user and its contact.
	CreateUser(ctx context.Context, user *User) error

	// UserByID loads a local user with its contact and private key.
	UserByID(ctx context.Context, id int64) (*User, error)

	// UserByGUID loads the local user published under the given GUID.
	UserByGUID(ctx context.Context, guid string) (*User, error)

	// UserByHandle loads the local user with the given handle.
	UserByHandle(ctx context.Context, handle string) (*User, error)
}

// QueueStore defines persistence operations for the message queue.
type QueueStore interface {
	// Enqueue stores a new pending item. The generated ID is written back.
	Enqueue(ctx context.Context, item *QueueItem) error

	// QueueItem loads a single item in any state.
	QueueItem(ctx context.Context, id int64) (*QueueItem, error)

	// PendingItems returns the pending incoming items owned by userID (zero
	// for the public queue) in receipt order.
	PendingItems(ctx context.Context, userID int64) ([]QueueItem, error)

	// PendingOwners returns the distinct owners that have pending incoming
	// items.
	PendingOwners(ctx context.Context) ([]int64, error)

	// MarkProcessed moves an item to the processed state.
	MarkProcessed(ctx context.Context, id int64) error

	// MarkFailed moves an item to the failed state, recording the reason.
	MarkFailed(ctx context.Context, id int64, reason string) error

	// RecordAttempt counts a failed, retryable attempt and returns the new
	// attempt count. The item stays pending.
	RecordAttempt(ctx context.Context, id int64, reason string) (int, error)
}

// Store is the full set of persistence operations the federation engine
// uses.
type Store interface {
	ContactStore
	SubscriptionStore
	PostStore
	UserStore
	QueueStore
}

// Repository is a Store that can also run a function inside a transaction.
// Every write made through the Store passed to fn is committed together, or
// not at all if fn returns an error.
type Repository interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
