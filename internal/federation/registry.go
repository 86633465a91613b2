package federation

import (
	"fmt"

	"github.com/beevik/etree"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

// Message type names, as used in registrations and by Sender.
const (
	TypeSubscribe           = "request"
	TypeProfile             = "profile"
	TypeUnsubscribe         = "retraction"
	TypeStatusMessage       = "status_message"
	TypeConversation        = "conversation"
	TypeParticipation       = "participation"
	TypeComment             = "comment"
	TypeMessage             = "message"
	TypeLike                = "like"
	TypeRelayableRetraction = "relayable_retraction"
	TypeSignedRetraction    = "signed_retraction"
	TypePhoto               = "photo"
	TypeReshare             = "reshare"
)

// Registration binds a message type to the predicate that recognizes it.
// Match receives the <post> element of the payload.
type Registration struct {
	Name    string
	Match   func(post *etree.Element) bool
	Handler Handler
}

// Registry is the fixed, ordered set of known message types. It is built
// once and never modified.
type Registry struct {
	regs []Registration
}

// NewRegistry returns the registry of every supported message type.
//
// A document is handled by the first registration whose predicate matches,
// so more specific predicates must come before broader ones that could also
// match the same document.
func NewRegistry() *Registry {
	return &Registry{regs: []Registration{
		{TypeSubscribe, hasChild("request"), subscribeHandler{}},
		{TypeProfile, hasChild("profile"), profileHandler{}},
		{TypeUnsubscribe, childWithField("retraction", "type", "Person"), unsubscribeHandler{}},
		{TypeStatusMessage, hasChild("status_message"), statusMessageHandler{}},
		{TypeConversation, hasChild("conversation"), conversationHandler{}},
		{TypeParticipation, childWithField("participation", "target_type", "Post"), noopHandler{}},
		{TypeComment, hasChild("comment"), commentHandler{}},
		{TypeMessage, hasChild("message"), messageHandler{}},
		{TypeLike, hasChild("like"), noopHandler{}},
		{TypeRelayableRetraction, hasChild("relayable_retraction"), noopHandler{}},
		{TypeSignedRetraction, hasChild("signed_retraction"), noopHandler{}},
		{TypePhoto, hasChild("photo"), photoHandler{}},
		{TypeReshare, hasChild("reshare"), reshareHandler{}},
	}}
}

// Registrations returns a copy of the registrations in match order.
func (r *Registry) Registrations() []Registration {
	out := make([]Registration, len(r.regs))
	copy(out, r.regs)
	return out
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	for _, reg := range r.regs {
		if reg.Name == name {
			return reg.Handler, true
		}
	}
	return nil, false
}

func hasChild(name string) func(*etree.Element) bool {
	return func(post *etree.Element) bool {
		return post.SelectElement(name) != nil
	}
}

func childWithField(name, field, value string) func(*etree.Element) bool {
	return func(post *etree.Element) bool {
		for _, el := range post.SelectElements(name) {
			for _, f := range el.SelectElements(field) {
				if f.Text() == value {
					return true
				}
			}
		}
		return false
	}
}

// Dispatcher picks the handler for incoming documents.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher creates a Dispatcher over registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch returns the first registration matching doc, or an error
// wrapping domain.ErrUnknownMessageType.
func (d *Dispatcher) Dispatch(doc *etree.Document) (Registration, error) {
	post := doc.FindElement("/XML/post")
	if post == nil {
		return Registration{}, fmt.Errorf("%w: document is not an <XML><post> payload", domain.ErrUnknownMessageType)
	}
	for _, reg := range d.registry.regs {
		if reg.Match(post) {
			return reg, nil
		}
	}

	name := "(empty)"
	if children := post.ChildElements(); len(children) > 0 {
		name = children[0].Tag
	}
	return Registration{}, fmt.Errorf("%w: <%s>", domain.ErrUnknownMessageType, name)
}
