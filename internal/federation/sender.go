package federation

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/blackmichael/diaspora-node/internal/delivery"
	"github.com/blackmichael/diaspora-node/internal/domain"
	"github.com/blackmichael/diaspora-node/internal/envelope"
)

// Poster delivers a serialized envelope to a URL.
type Poster interface {
	Post(ctx context.Context, target string, envelope []byte) error
}

// Sender generates, wraps and delivers outbound messages.
type Sender struct {
	registry *Registry
	poster   Poster
}

// NewSender creates a Sender that delivers through poster.
func NewSender(registry *Registry, poster Poster) *Sender {
	return &Sender{registry: registry, poster: poster}
}

// Send delivers a private message of the named type to in.To's inbox.
func (s *Sender) Send(ctx context.Context, name string, in GenerateInput) error {
	if in.To == nil || in.To.Identity == nil {
		return errors.New("send: recipient with identity required")
	}
	raw, err := s.build(name, in, in.To.Identity.PublicKey)
	if err != nil {
		return err
	}
	return s.poster.Post(ctx, delivery.UserURL(in.To.Identity.Server, in.To.Identity.GUID), raw)
}

// SendPublic delivers a public message of the named type to the public
// inbox of node's server. in.To must be nil.
func (s *Sender) SendPublic(ctx context.Context, name string, in GenerateInput, node *domain.Contact) error {
	if node == nil || node.Identity == nil {
		return errors.New("send public: target node required")
	}
	in.To = nil
	raw, err := s.build(name, in, nil)
	if err != nil {
		return err
	}
	return s.poster.Post(ctx, delivery.PublicURL(node.Identity.Server), raw)
}

func (s *Sender) build(name string, in GenerateInput, recipient *rsa.PublicKey) ([]byte, error) {
	h, ok := s.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownMessageType, name)
	}
	el, err := h.Generate(in)
	if err != nil {
		return nil, err
	}
	from, err := in.fromHandle()
	if err != nil {
		return nil, err
	}
	return envelope.Build(el, from, in.From.PrivateKey).Marshal(recipient)
}
