package domain

import "time"

// Post visibility as recorded alongside the remote GUID mapping.
const (
	VisibilityPublic  = "public"
	VisibilityLimited = "limited"
	VisibilityPrivate = "private"
)

// Part MIME types with protocol meaning.
const (
	MimeMarkdown = "text/x-markdown"
	MimePlain    = "text/plain"
	MimeShare    = "application/x-pyaspora-share"
)

// Post is a piece of content authored by a Contact. Replies form a tree
// through ParentID.
type Post struct {
	// ID is the local primary key. Zero until the post is stored.
	ID int64

	// AuthorID is the Contact that wrote the post.
	AuthorID int64

	// ParentID is the post this one replies to, or zero for a thread root.
	ParentID int64

	CreatedAt time.Time

	// ThreadModifiedAt is bumped whenever anything in the thread changes.
	ThreadModifiedAt time.Time

	// Parts is the ordered content of the post.
	Parts []Part

	// Tags holds normalized tag names.
	Tags []string

	// Shares records which contacts can see the post.
	Shares []Share

	// GUID is the cross-node identifier. Every federated post has one and
	// it is stored in the same transaction as the post itself.
	GUID string

	// Visibility is one of the Visibility constants.
	Visibility string
}

// Part is one piece of post content.
type Part struct {
	MimeType    string
	Body        []byte
	TextPreview string
	Inline      bool
}

// Share grants a Contact visibility of a Post.
type Share struct {
	ContactID  int64
	ShowOnWall bool
}

// SharedWith reports whether the post carries a share for the contact.
func (p *Post) SharedWith(contactID int64) bool {
	for _, s := range p.Shares {
		if s.ContactID == contactID {
			return true
		}
	}
	return false
}

// ShareWith adds shares for the given contacts, skipping duplicates.
func (p *Post) ShareWith(showOnWall bool, contactIDs ...int64) {
	for _, id := range contactIDs {
		if p.SharedWith(id) {
			continue
		}
		p.Shares = append(p.Shares, Share{ContactID: id, ShowOnWall: showOnWall})
	}
}
