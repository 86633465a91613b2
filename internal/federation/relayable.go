package federation

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/blackmichael/diaspora-node/internal/domain"
	"github.com/blackmichael/diaspora-node/internal/signature"
)

const (
	authorSignature       = "author_signature"
	parentAuthorSignature = "parent_author_signature"
)

// verifyRelayable checks the author signature with the sender's key and,
// when present, the parent author signature with parentKey.
func verifyRelayable(el *etree.Element, f fields, sender *domain.Contact, parentKey *rsa.PublicKey) error {
	signed := signature.Fields(el)
	if f[authorSignature] == "" || !signature.Verify(sender.Identity.PublicKey, f[authorSignature], signed) {
		return fmt.Errorf("%w: bad author signature on <%s>", domain.ErrTrust, el.Tag)
	}
	if f.has(parentAuthorSignature) {
		if !signature.Verify(parentKey, f[parentAuthorSignature], signed) {
			return fmt.Errorf("%w: bad parent author signature on <%s>", domain.ErrTrust, el.Tag)
		}
	}
	return nil
}

// parentAuthorKey returns the public key of the contact that wrote p.
func parentAuthorKey(ctx context.Context, store domain.Store, p *domain.Post) (*rsa.PublicKey, error) {
	author, err := store.ContactByID(ctx, p.AuthorID)
	if err != nil {
		return nil, err
	}
	if author.Identity == nil {
		return nil, fmt.Errorf("%w: author of %s has no identity", domain.ErrValidation, p.GUID)
	}
	return author.Identity.PublicKey, nil
}

// commentHandler handles <comment>, a reply in a thread.
type commentHandler struct{}

func (commentHandler) Receive(ctx context.Context, m *Message) error {
	el, err := m.body()
	if err != nil {
		return err
	}
	f := readFields(el)
	if err := f.require("guid", "parent_guid", "text", "diaspora_handle"); err != nil {
		return err
	}
	if err := checkHandle(f["diaspora_handle"], m.Sender); err != nil {
		return err
	}

	parent, err := postByGUID(ctx, m.Store, f["parent_guid"])
	if err != nil {
		return err
	}
	switch {
	case m.User != nil:
		if err := requireShared(parent, m.Sender.ID, m.User.ContactID()); err != nil {
			return err
		}
	case parent.Visibility != domain.VisibilityPublic:
		if err := requireShared(parent, m.Sender.ID); err != nil {
			return err
		}
	}
	parentKey, err := parentAuthorKey(ctx, m.Store, parent)
	if err != nil {
		return err
	}
	if err := verifyRelayable(el, f, m.Sender, parentKey); err != nil {
		return err
	}

	if seen, err := alreadyStored(ctx, m.Store, f["guid"]); err != nil || seen {
		return err
	}

	now := time.Now().UTC()
	p := &domain.Post{
		AuthorID:         m.Sender.ID,
		ParentID:         parent.ID,
		CreatedAt:        now,
		ThreadModifiedAt: now,
		Parts:            []domain.Part{markdownPart(f["text"])},
		Tags:             domain.ExtractTags(f["text"]),
		GUID:             f["guid"],
	}
	shareReply(p, parent, m.Sender, m.User)

	if err := m.Store.CreatePost(ctx, p); err != nil {
		return err
	}
	if err := m.Store.TouchThread(ctx, p.ID, now); err != nil {
		return err
	}
	m.publish(p)
	return nil
}

func (commentHandler) Generate(in GenerateInput) (*etree.Element, error) {
	from, err := in.fromHandle()
	if err != nil {
		return nil, err
	}
	if err := in.requireThread("comment"); err != nil {
		return nil, err
	}

	el := etree.NewElement("comment")
	appendFields(el,
		"guid", in.Post.GUID,
		"parent_guid", in.Root.GUID,
		"text", in.Text,
		"diaspora_handle", from,
	)
	if err := in.sign(el); err != nil {
		return nil, err
	}
	return el, nil
}

// messageHandler handles <message>, a reply in a private conversation.
type messageHandler struct{}

func (messageHandler) Receive(ctx context.Context, m *Message) error {
	el, err := m.body()
	if err != nil {
		return err
	}
	f := readFields(el)
	if err := f.require("guid", "parent_guid", "text", "diaspora_handle", "created_at"); err != nil {
		return err
	}
	if err := checkHandle(f["diaspora_handle"], m.Sender); err != nil {
		return err
	}
	user, err := m.recipient("private message")
	if err != nil {
		return err
	}
	created, err := f.time("created_at")
	if err != nil {
		return err
	}

	parent, err := postByGUID(ctx, m.Store, f["parent_guid"])
	if err != nil {
		return err
	}
	if err := requireShared(parent, m.Sender.ID, user.ContactID()); err != nil {
		return err
	}
	parentKey, err := parentAuthorKey(ctx, m.Store, parent)
	if err != nil {
		return err
	}
	if err := verifyRelayable(el, f, m.Sender, parentKey); err != nil {
		return err
	}

	if seen, err := alreadyStored(ctx, m.Store, f["guid"]); err != nil || seen {
		return err
	}

	now := time.Now().UTC()
	p := &domain.Post{
		AuthorID:         m.Sender.ID,
		ParentID:         parent.ID,
		CreatedAt:        created,
		ThreadModifiedAt: now,
		Parts:            []domain.Part{markdownPart(f["text"])},
		Tags:             domain.ExtractTags(f["text"]),
		GUID:             f["guid"],
	}
	p.ShareWith(false, m.Sender.ID, user.ContactID())
	p.Visibility = domain.VisibilityPrivate

	if err := m.Store.CreatePost(ctx, p); err != nil {
		return err
	}
	return m.Store.TouchThread(ctx, p.ID, now)
}

func (messageHandler) Generate(in GenerateInput) (*etree.Element, error) {
	from, err := in.fromHandle()
	if err != nil {
		return nil, err
	}
	if err := in.requireThread("message"); err != nil {
		return nil, err
	}

	el := etree.NewElement("message")
	appendFields(el,
		"guid", in.Post.GUID,
		"parent_guid", in.Root.GUID,
		"text", in.Text,
		"created_at", formatTime(in.Post.CreatedAt),
		"diaspora_handle", from,
		"conversation_guid", in.Root.GUID,
	)
	if err := in.sign(el); err != nil {
		return nil, err
	}
	return el, nil
}

// conversationHandler handles <conversation>, the start of a private
// thread between two people. The first <message> is embedded and signed.
type conversationHandler struct{}

func (conversationHandler) Receive(ctx context.Context, m *Message) error {
	el, err := m.body()
	if err != nil {
		return err
	}
	f := readFields(el)
	if err := f.require("guid", "diaspora_handle", "created_at"); err != nil {
		return err
	}
	msgEl := el.SelectElement("message")
	if msgEl == nil {
		return fmt.Errorf("%w: conversation without <message>", domain.ErrProtocol)
	}
	msg := readFields(msgEl)
	if err := msg.require("diaspora_handle", "parent_guid", "conversation_guid", authorSignature, parentAuthorSignature); err != nil {
		return err
	}
	if err := checkHandle(f["diaspora_handle"], m.Sender); err != nil {
		return err
	}
	if err := checkHandle(msg["diaspora_handle"], m.Sender); err != nil {
		return err
	}
	if err := verifyRelayable(msgEl, msg, m.Sender, m.Sender.Identity.PublicKey); err != nil {
		return err
	}
	if f["guid"] != msg["parent_guid"] || f["guid"] != msg["conversation_guid"] {
		return fmt.Errorf("%w: message does not belong to conversation %s", domain.ErrProtocol, f["guid"])
	}
	user, err := m.recipient("conversation")
	if err != nil {
		return err
	}
	created, err := f.time("created_at")
	if err != nil {
		return err
	}

	if seen, err := alreadyStored(ctx, m.Store, f["guid"]); err != nil || seen {
		return err
	}

	p := &domain.Post{
		AuthorID:         m.Sender.ID,
		CreatedAt:        created,
		ThreadModifiedAt: time.Now().UTC(),
		GUID:             f["guid"],
		Visibility:       domain.VisibilityPrivate,
	}
	subject, text := pick("subject", f, msg), pick("text", f, msg)
	if subject != "" {
		p.Parts = append(p.Parts, domain.Part{MimeType: domain.MimePlain, Body: []byte(subject), Inline: true})
	}
	if text != "" {
		p.Parts = append(p.Parts, markdownPart(text))
		p.Tags = domain.ExtractTags(text)
	}
	p.ShareWith(false, m.Sender.ID, user.ContactID())

	return m.Store.CreatePost(ctx, p)
}

func (conversationHandler) Generate(in GenerateInput) (*etree.Element, error) {
	from, err := in.fromHandle()
	if err != nil {
		return nil, err
	}
	if in.Post == nil || in.Post.GUID == "" {
		return nil, errors.New("generate conversation: post with guid required")
	}
	if in.To.Handle() == "" {
		return nil, errors.New("generate conversation: recipient required")
	}

	subject := in.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	guid := in.Post.GUID
	created := formatTime(in.Post.CreatedAt)

	el := etree.NewElement("conversation")
	appendFields(el,
		"guid", guid,
		"subject", subject,
		"created_at", created,
	)
	msg := el.CreateElement("message")
	appendFields(msg,
		"guid", guid+"-1",
		"parent_guid", guid,
		"text", in.Text,
		"created_at", created,
		"diaspora_handle", from,
		"conversation_guid", guid,
	)
	if err := signature.SignElement(in.From.PrivateKey, msg, parentAuthorSignature); err != nil {
		return nil, err
	}
	if err := signature.SignElement(in.From.PrivateKey, msg, authorSignature); err != nil {
		return nil, err
	}
	appendFields(el,
		"diaspora_handle", from,
		"participant_handles", strings.Join([]string{from, in.To.Handle()}, ";"),
	)
	return el, nil
}

// pick returns the first non-empty value of name in the given field sets.
func pick(name string, sets ...fields) string {
	for _, f := range sets {
		if v := f[name]; v != "" {
			return v
		}
	}
	return ""
}

func (in GenerateInput) requireThread(kind string) error {
	if in.Post == nil || in.Post.GUID == "" || in.Root == nil || in.Root.GUID == "" {
		return fmt.Errorf("generate %s: post and thread root with guids required", kind)
	}
	return nil
}

// sign appends the author signature, and the parent author signature when
// the sender wrote the root of the thread.
func (in GenerateInput) sign(el *etree.Element) error {
	if err := signature.SignElement(in.From.PrivateKey, el, authorSignature); err != nil {
		return err
	}
	if in.Root.AuthorID == in.From.ContactID() {
		return signature.SignElement(in.From.PrivateKey, el, parentAuthorSignature)
	}
	return nil
}
