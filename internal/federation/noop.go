package federation

import (
	"context"
	"fmt"

	"github.com/beevik/etree"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

// noopHandler accepts message types this node does not act on, such as
// likes, participations and retractions.
type noopHandler struct{}

func (noopHandler) Receive(context.Context, *Message) error {
	return nil
}

func (noopHandler) Generate(GenerateInput) (*etree.Element, error) {
	return nil, fmt.Errorf("%w: message type is receive-only", domain.ErrNotSupported)
}
