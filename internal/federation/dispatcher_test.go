package federation

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

func TestDispatchKnownTypes(t *testing.T) {
	d := NewDispatcher(NewRegistry())

	cases := map[string]*etree.Element{
		TypeSubscribe:           element("request", "sender_handle", "a@b"),
		TypeProfile:             element("profile", "diaspora_handle", "a@b"),
		TypeUnsubscribe:         element("retraction", "post_guid", "g", "type", "Person"),
		TypeStatusMessage:       element("status_message", "raw_message", "hi"),
		TypeConversation:        element("conversation", "guid", "g"),
		TypeParticipation:       element("participation", "target_type", "Post"),
		TypeComment:             element("comment", "text", "hi"),
		TypeMessage:             element("message", "text", "hi"),
		TypeLike:                element("like", "positive", "true"),
		TypeRelayableRetraction: element("relayable_retraction", "target_guid", "g"),
		TypeSignedRetraction:    element("signed_retraction", "target_guid", "g"),
		TypePhoto:               element("photo", "guid", "g"),
		TypeReshare:             element("reshare", "root_guid", "g"),
	}
	require.Len(t, cases, len(NewRegistry().Registrations()))

	for name, el := range cases {
		t.Run(name, func(t *testing.T) {
			reg, err := d.Dispatch(payload(el))
			require.NoError(t, err)
			assert.Equal(t, name, reg.Name)
			assert.NotNil(t, reg.Handler)
		})
	}
}

func TestDispatchUnknown(t *testing.T) {
	d := NewDispatcher(NewRegistry())

	cases := map[string]*etree.Document{
		"unknown element":     payload(element("poll", "question", "?")),
		"retraction of post":  payload(element("retraction", "post_guid", "g", "type", "Post")),
		"participation other": payload(element("participation", "target_type", "Comment")),
		"empty post": func() *etree.Document {
			doc := etree.NewDocument()
			doc.CreateElement("XML").CreateElement("post")
			return doc
		}(),
		"not a payload": func() *etree.Document {
			doc := etree.NewDocument()
			doc.CreateElement("feed")
			return doc
		}(),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.Dispatch(doc)
			assert.ErrorIs(t, err, domain.ErrUnknownMessageType)
		})
	}
}

func TestDispatchFirstMatchWins(t *testing.T) {
	doc := etree.NewDocument()
	post := doc.CreateElement("XML").CreateElement("post")
	post.AddChild(element("like", "positive", "true"))
	post.AddChild(element("comment", "text", "hi"))

	reg, err := NewDispatcher(NewRegistry()).Dispatch(doc)
	require.NoError(t, err)
	assert.Equal(t, TypeComment, reg.Name, "comment is registered before like")
}

func TestRegistryOrderAndLookup(t *testing.T) {
	r := NewRegistry()
	var names []string
	for _, reg := range r.Registrations() {
		names = append(names, reg.Name)
	}
	assert.Equal(t, []string{
		TypeSubscribe, TypeProfile, TypeUnsubscribe, TypeStatusMessage,
		TypeConversation, TypeParticipation, TypeComment, TypeMessage,
		TypeLike, TypeRelayableRetraction, TypeSignedRetraction, TypePhoto,
		TypeReshare,
	}, names)

	h, ok := r.Lookup(TypeComment)
	assert.True(t, ok)
	assert.IsType(t, commentHandler{}, h)

	_, ok = r.Lookup("poll")
	assert.False(t, ok)

	regs := r.Registrations()
	regs[0].Name = "changed"
	assert.Equal(t, TypeSubscribe, r.Registrations()[0].Name)
}

func TestNoopHandlers(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{TypeParticipation, TypeLike, TypeRelayableRetraction, TypeSignedRetraction, TypePhoto, TypeReshare} {
		h, ok := r.Lookup(name)
		require.True(t, ok)
		_, err := h.Generate(GenerateInput{})
		assert.ErrorIs(t, err, domain.ErrNotSupported, name)
	}

	h, _ := r.Lookup(TypeLike)
	assert.NoError(t, h.Receive(t.Context(), &Message{}))
}
