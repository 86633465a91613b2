package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

// statusMessageHandler handles <status_message>, a new root post.
type statusMessageHandler struct{}

func (statusMessageHandler) Receive(ctx context.Context, m *Message) error {
	el, err := m.body()
	if err != nil {
		return err
	}
	f := readFields(el)
	if err := f.require("raw_message", "guid", "diaspora_handle", "created_at"); err != nil {
		return err
	}
	if err := checkHandle(f["diaspora_handle"], m.Sender); err != nil {
		return err
	}
	public := f["public"] == "true"
	if !public && m.User == nil {
		return fmt.Errorf("%w: limited post without a recipient", domain.ErrValidation)
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
		Parts:            []domain.Part{markdownPart(f["raw_message"])},
		Tags:             domain.ExtractTags(f["raw_message"]),
		GUID:             f["guid"],
	}
	if public {
		shareFor(p, m.Sender, nil)
	} else {
		shareFor(p, m.Sender, m.User)
	}

	if err := m.Store.CreatePost(ctx, p); err != nil {
		return err
	}
	m.publish(p)
	return nil
}

func (statusMessageHandler) Generate(in GenerateInput) (*etree.Element, error) {
	from, err := in.fromHandle()
	if err != nil {
		return nil, err
	}
	if in.Post == nil || in.Post.GUID == "" {
		return nil, errors.New("generate status_message: post with guid required")
	}

	public := "true"
	if in.To != nil {
		public = "false"
	}
	el := etree.NewElement("status_message")
	appendFields(el,
		"raw_message", in.Text,
		"guid", in.Post.GUID,
		"diaspora_handle", from,
		"public", public,
		"created_at", formatTime(in.Post.CreatedAt),
	)
	return el, nil
}

// reshareHandler handles <reshare>: a new post that repeats an existing
// one behind a summary of who wrote it.
type reshareHandler struct{}

type shareSummary struct {
	Post   shareSummaryPost   `json:"post"`
	Author shareSummaryAuthor `json:"author"`
}

type shareSummaryPost struct {
	ID int64 `json:"id"`
}

type shareSummaryAuthor struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (reshareHandler) Receive(ctx context.Context, m *Message) error {
	el, err := m.body()
	if err != nil {
		return err
	}
	f := readFields(el)
	if err := f.require("root_guid", "guid", "diaspora_handle", "created_at"); err != nil {
		return err
	}
	if err := checkHandle(f["diaspora_handle"], m.Sender); err != nil {
		return err
	}
	created, err := f.time("created_at")
	if err != nil {
		return err
	}

	if seen, err := alreadyStored(ctx, m.Store, f["guid"]); err != nil || seen {
		return err
	}
	original, err := postByGUID(ctx, m.Store, f["root_guid"])
	if err != nil {
		return err
	}
	if original.Visibility != domain.VisibilityPublic {
		// Non-public posts may only be reshared privately between parties.
		if m.User == nil {
			return fmt.Errorf("%w: post %s is not public", domain.ErrValidation, original.GUID)
		}
		if err := requireShared(original, m.Sender.ID, m.User.ContactID()); err != nil {
			return err
		}
	}
	author, err := m.Store.ContactByID(ctx, original.AuthorID)
	if err != nil {
		return err
	}

	p := &domain.Post{
		AuthorID:         m.Sender.ID,
		CreatedAt:        created,
		ThreadModifiedAt: time.Now().UTC(),
		Tags:             original.Tags,
		GUID:             f["guid"],
	}
	summary, err := summaryPart(original, author)
	if err != nil {
		return err
	}
	p.Parts = append(p.Parts, summary)
	for _, part := range original.Parts {
		if part.MimeType != domain.MimeShare {
			p.Parts = append(p.Parts, part)
		}
	}
	shareFor(p, m.Sender, m.User)

	if err := m.Store.CreatePost(ctx, p); err != nil {
		return err
	}
	m.publish(p)
	return nil
}

func (reshareHandler) Generate(GenerateInput) (*etree.Element, error) {
	return nil, fmt.Errorf("%w: reshare is receive-only", domain.ErrNotSupported)
}

// summaryPart describes the reshared post and its author.
func summaryPart(original *domain.Post, author *domain.Contact) (domain.Part, error) {
	body, err := json.Marshal(shareSummary{
		Post:   shareSummaryPost{ID: original.ID},
		Author: shareSummaryAuthor{ID: author.ID, Name: author.RealName},
	})
	if err != nil {
		return domain.Part{}, fmt.Errorf("marshal share summary: %w", err)
	}
	return domain.Part{
		MimeType:    domain.MimeShare,
		Body:        body,
		TextPreview: fmt.Sprintf("shared %s's post", author.RealName),
		Inline:      true,
	}, nil
}

// photoHandler handles <photo>: the image is fetched and put in front of
// the parts of the post it belongs to.
type photoHandler struct{}

func (photoHandler) Receive(ctx context.Context, m *Message) error {
	el, err := m.body()
	if err != nil {
		return err
	}
	f := readFields(el)
	if err := f.require("guid", "diaspora_handle", "remote_photo_path", "remote_photo_name"); err != nil {
		return err
	}
	if err := checkHandle(f["diaspora_handle"], m.Sender); err != nil {
		return err
	}

	parentGUID := f["status_message_guid"]
	if parentGUID == "" {
		parentGUID = f["guid"]
	}
	parent, err := postByGUID(ctx, m.Store, parentGUID)
	if err != nil {
		return err
	}
	parties := []int64{m.Sender.ID}
	if m.User != nil {
		parties = append(parties, m.User.ContactID())
	}
	if err := requireShared(parent, parties...); err != nil {
		return err
	}
	if m.Media == nil {
		return errors.New("photo: no media importer")
	}

	src, err := resolveURL(f["remote_photo_path"], f["remote_photo_name"])
	if err != nil {
		return fmt.Errorf("%w: bad photo url: %w", domain.ErrProtocol, err)
	}
	part, err := m.Media.Import(ctx, src)
	if err != nil {
		return fmt.Errorf("import photo: %w", err)
	}
	part.TextPreview = "(picture)"
	part.Inline = strings.HasPrefix(part.MimeType, "image/")

	if err := m.Store.PrependPart(ctx, parent.ID, *part); err != nil {
		return err
	}
	return m.Store.TouchThread(ctx, parent.ID, time.Now().UTC())
}

func (photoHandler) Generate(GenerateInput) (*etree.Element, error) {
	return nil, fmt.Errorf("%w: photo is receive-only", domain.ErrNotSupported)
}
