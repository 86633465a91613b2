package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/beevik/etree"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

// subscribeHandler handles <request>: the sender starts following the
// addressed user.
type subscribeHandler struct{}

func (subscribeHandler) Receive(ctx context.Context, m *Message) error {
	el, err := m.body()
	if err != nil {
		return err
	}
	f := readFields(el)
	if err := f.require("sender_handle"); err != nil {
		return err
	}
	if err := checkHandle(f["sender_handle"], m.Sender); err != nil {
		return err
	}
	user, err := m.recipient("subscription")
	if err != nil {
		return err
	}
	if r := f["recipient_handle"]; r != "" && r != user.Contact.Handle() {
		return fmt.Errorf("%w: request addressed to %q, delivered to %q", domain.ErrValidation, r, user.Contact.Handle())
	}

	return m.Store.Subscribe(ctx, m.Sender.ID, user.ContactID())
}

func (subscribeHandler) Generate(in GenerateInput) (*etree.Element, error) {
	from, err := in.fromHandle()
	if err != nil {
		return nil, err
	}
	if in.To.Handle() == "" {
		return nil, errors.New("generate request: recipient required")
	}

	el := etree.NewElement("request")
	appendFields(el,
		"sender_handle", from,
		"recipient_handle", in.To.Handle(),
	)
	return el, nil
}

// unsubscribeHandler handles <retraction> of type Person: the sender stops
// following the addressed user.
type unsubscribeHandler struct{}

func (unsubscribeHandler) Receive(ctx context.Context, m *Message) error {
	el, err := m.body()
	if err != nil {
		return err
	}
	f := readFields(el)
	if err := f.require("diaspora_handle", "post_guid"); err != nil {
		return err
	}
	if err := checkHandle(f["diaspora_handle"], m.Sender); err != nil {
		return err
	}
	if f["post_guid"] != m.Sender.Identity.GUID {
		return fmt.Errorf("%w: retraction of %s sent by %s", domain.ErrTrust, f["post_guid"], m.Sender.Identity.GUID)
	}
	user, err := m.recipient("unsubscribe")
	if err != nil {
		return err
	}

	return m.Store.Unsubscribe(ctx, m.Sender.ID, user.ContactID())
}

func (unsubscribeHandler) Generate(in GenerateInput) (*etree.Element, error) {
	from, err := in.fromHandle()
	if err != nil {
		return nil, err
	}

	el := etree.NewElement("retraction")
	appendFields(el,
		"post_guid", in.From.Contact.Identity.GUID,
		"type", "Person",
		"diaspora_handle", from,
	)
	return el, nil
}
