package federation

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/beevik/etree"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

// profileHandler handles <profile>: the sender's name, bio, avatar and
// interests are replaced with the ones in the message.
type profileHandler struct{}

func (profileHandler) Receive(ctx context.Context, m *Message) error {
	el, err := m.body()
	if err != nil {
		return err
	}
	f := readFields(el)
	if err := f.require("diaspora_handle"); err != nil {
		return err
	}
	if err := checkHandle(f["diaspora_handle"], m.Sender); err != nil {
		return err
	}

	c := *m.Sender
	c.RealName = strings.TrimSpace(f["first_name"] + " " + f["last_name"])
	c.Bio = f["bio"]
	c.Interests = domain.ParseTagLine(f["tag_string"])
	c.Avatar = nil

	if image := f["image_url"]; image != "" && m.Media != nil {
		src, err := resolveURL(c.Identity.Server, image)
		if err != nil {
			return fmt.Errorf("%w: bad <image_url>: %w", domain.ErrProtocol, err)
		}
		part, err := m.Media.Import(ctx, src)
		if err != nil {
			return fmt.Errorf("import avatar: %w", err)
		}
		part.TextPreview = fmt.Sprintf("(picture for %s)", c.RealName)
		c.Avatar = part
	}

	return m.Store.UpdateProfile(ctx, &c)
}

func (profileHandler) Generate(in GenerateInput) (*etree.Element, error) {
	from, err := in.fromHandle()
	if err != nil {
		return nil, err
	}

	first, last, _ := strings.Cut(strings.TrimSpace(in.From.Contact.RealName), " ")
	tags := make([]string, 0, len(in.From.Contact.Interests))
	for _, t := range in.From.Contact.Interests {
		tags = append(tags, "#"+t)
	}

	el := etree.NewElement("profile")
	appendFields(el,
		"diaspora_handle", from,
		"first_name", first,
		"last_name", strings.TrimSpace(last),
		"image_url", in.AvatarURL,
		"birthday", "",
		"gender", "",
		"bio", in.From.Contact.Bio,
		"location", "",
		"searchable", "true",
		"nsfw", "false",
		"tag_string", strings.Join(tags, " "),
	)
	return el, nil
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
