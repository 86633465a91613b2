// Package federation implements the Diaspora message types: matching an
// incoming document to its handler, applying it to the store, and generating
// outbound documents.
package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/etree"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

// TimeLayout is the wire format of created_at fields.
const TimeLayout = "2006-01-02 15:04:05 MST"

// Importer downloads remote media as a post part.
type Importer interface {
	Import(ctx context.Context, rawURL string) (*domain.Part, error)
}

// Message is a decoded incoming document together with everything a
// handler may touch while applying it.
type Message struct {
	// Doc is the <XML><post>...</post></XML> payload.
	Doc *etree.Document

	// Sender is the contact that signed the envelope.
	Sender *domain.Contact

	// User is the addressed local user, nil for public messages.
	User *domain.User

	// Store is scoped to the transaction the message is applied in.
	Store domain.Store

	Media Importer

	published []*domain.Post
}

// Published returns the public posts created while applying the message.
func (m *Message) Published() []*domain.Post {
	return m.published
}

func (m *Message) publish(p *domain.Post) {
	if p.Visibility == domain.VisibilityPublic {
		m.published = append(m.published, p)
	}
}

// body returns the message element inside <XML><post>.
func (m *Message) body() (*etree.Element, error) {
	if m.Doc == nil {
		return nil, fmt.Errorf("%w: empty document", domain.ErrProtocol)
	}
	el := m.Doc.FindElement("/XML/post/*")
	if el == nil {
		return nil, fmt.Errorf("%w: no message in document", domain.ErrProtocol)
	}
	return el, nil
}

// recipient returns the addressed user or a validation error for messages
// that only make sense when sent to someone.
func (m *Message) recipient(kind string) (*domain.User, error) {
	if m.User == nil {
		return nil, fmt.Errorf("%w: %s requires a recipient", domain.ErrValidation, kind)
	}
	return m.User, nil
}

// GenerateInput carries what a handler needs to build an outbound document.
type GenerateInput struct {
	From *domain.User

	// To is the addressed contact, nil for public messages.
	To *domain.Contact

	// Post is the local post being federated.
	Post *domain.Post

	// Root is the top of Post's thread, for comments and messages.
	Root *domain.Post

	Text    string
	Subject string

	// AvatarURL is the public URL of From's avatar, for profiles.
	AvatarURL string
}

func (in GenerateInput) fromHandle() (string, error) {
	if in.From == nil || in.From.Contact == nil || in.From.Contact.Identity == nil {
		return "", errors.New("generate: sender has no identity")
	}
	return in.From.Contact.Identity.Handle, nil
}

// Handler applies and produces one message type.
type Handler interface {
	// Receive validates the message and applies it through m.Store.
	Receive(ctx context.Context, m *Message) error

	// Generate builds the outbound message element.
	Generate(in GenerateInput) (*etree.Element, error)
}

// fields maps child element names to their text. The first occurrence of a
// name wins.
type fields map[string]string

func readFields(el *etree.Element) fields {
	f := make(fields)
	for _, child := range el.ChildElements() {
		if _, ok := f[child.Tag]; !ok {
			f[child.Tag] = child.Text()
		}
	}
	return f
}

// require fails with a protocol error unless every name is present and
// non-empty.
func (f fields) require(names ...string) error {
	for _, name := range names {
		if f[name] == "" {
			return fmt.Errorf("%w: missing <%s>", domain.ErrProtocol, name)
		}
	}
	return nil
}

func (f fields) has(name string) bool {
	_, ok := f[name]
	return ok
}

func (f fields) time(name string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, f[name])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad <%s>: %w", domain.ErrProtocol, name, err)
	}
	return t.UTC(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// appendFields adds name/value children to el in order.
func appendFields(el *etree.Element, pairs ...string) {
	for i := 0; i+1 < len(pairs); i += 2 {
		el.CreateElement(pairs[i]).SetText(pairs[i+1])
	}
}

// checkHandle rejects a message whose claimed author is not the contact
// that signed the envelope.
func checkHandle(claimed string, sender *domain.Contact) error {
	if claimed != sender.Handle() {
		return fmt.Errorf("%w: claimed handle %q but sent by %q", domain.ErrTrust, claimed, sender.Handle())
	}
	return nil
}

// postByGUID loads a referenced post, reporting a missing one as a
// validation failure.
func postByGUID(ctx context.Context, store domain.Store, guid string) (*domain.Post, error) {
	p, err := store.PostByGUID(ctx, guid)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown post %s", domain.ErrValidation, guid)
	}
	return p, err
}

// alreadyStored reports whether a post with guid was received before.
func alreadyStored(ctx context.Context, store domain.Store, guid string) (bool, error) {
	_, err := store.PostByGUID(ctx, guid)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// requireShared checks that every contact can see the post.
func requireShared(p *domain.Post, contactIDs ...int64) error {
	for _, id := range contactIDs {
		if !p.SharedWith(id) {
			return fmt.Errorf("%w: post %s is not shared with contact %d", domain.ErrValidation, p.GUID, id)
		}
	}
	return nil
}

// shareReply shares a reply like shareFor, except that a reply arriving
// without a recipient under a non-public thread stays with the thread's
// parties instead of going on a wall.
func shareReply(p, parent *domain.Post, sender *domain.Contact, user *domain.User) {
	if user != nil || parent.Visibility == domain.VisibilityPublic {
		shareFor(p, sender, user)
		return
	}
	for _, s := range parent.Shares {
		p.ShareWith(false, s.ContactID)
	}
	p.ShareWith(false, sender.ID)
	p.Visibility = domain.VisibilityLimited
}

// shareFor shares p with the sender, and with the user when addressed.
// Posts without a recipient go on the sender's wall.
func shareFor(p *domain.Post, sender *domain.Contact, user *domain.User) {
	if user != nil {
		p.ShareWith(false, sender.ID, user.ContactID())
		p.Visibility = domain.VisibilityLimited
		return
	}
	p.ShareWith(true, sender.ID)
	p.Visibility = domain.VisibilityPublic
}

func markdownPart(text string) domain.Part {
	return domain.Part{MimeType: domain.MimeMarkdown, Body: []byte(text), Inline: true}
}
