package envelope

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

const aliceHandle = "alice@node1.example"

type stubResolver map[string]*domain.Contact

func (s stubResolver) Resolve(_ context.Context, handle string) (*domain.Contact, error) {
	if c, ok := s[handle]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: unknown %s", domain.ErrDiscovery, handle)
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func contactFor(handle string, key *rsa.PrivateKey) *domain.Contact {
	return &domain.Contact{
		ID: 7,
		Identity: &domain.Identity{
			Handle:    handle,
			GUID:      "guid-" + handle,
			Server:    "https://node1.example/",
			PublicKey: &key.PublicKey,
		},
	}
}

func statusMessage() *etree.Element {
	el := etree.NewElement("status_message")
	el.CreateElement("raw_message").SetText("hello #world")
	el.CreateElement("guid").SetText("g1")
	el.CreateElement("diaspora_handle").SetText(aliceHandle)
	el.CreateElement("public").SetText("true")
	return el
}

func TestPublicRoundTrip(t *testing.T) {
	key := newKey(t)
	resolver := stubResolver{aliceHandle: contactFor(aliceHandle, key)}

	raw, err := Build(statusMessage(), aliceHandle, key).Marshal(nil)
	require.NoError(t, err)

	author, err := Author(raw)
	require.NoError(t, err)
	assert.Equal(t, aliceHandle, author)

	doc, sender, err := Decode(context.Background(), raw, nil, resolver)
	require.NoError(t, err)
	assert.Equal(t, aliceHandle, sender.Handle())

	msg := doc.FindElement("/XML/post/status_message")
	require.NotNil(t, msg)
	assert.Equal(t, "hello #world", msg.SelectElement("raw_message").Text())
}

func TestPublicEnvelopeIsReproducible(t *testing.T) {
	key := newKey(t)
	env := Build(statusMessage(), aliceHandle, key)

	first, err := env.Marshal(nil)
	require.NoError(t, err)
	second, err := Build(statusMessage(), aliceHandle, key).Marshal(nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPrivateRoundTrip(t *testing.T) {
	authorKey := newKey(t)
	recipientKey := newKey(t)
	resolver := stubResolver{aliceHandle: contactFor(aliceHandle, authorKey)}

	env := Build(statusMessage(), aliceHandle, authorKey)
	raw, err := env.Marshal(&recipientKey.PublicKey)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), aliceHandle, "author must not appear in clear")

	doc, sender, err := Decode(context.Background(), raw, recipientKey, resolver)
	require.NoError(t, err)
	assert.Equal(t, aliceHandle, sender.Handle())
	assert.NotNil(t, doc.FindElement("/XML/post/status_message"))

	again, err := env.Marshal(&recipientKey.PublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, raw, again, "fresh keys per private envelope")
}

func TestPrivateEnvelopeWrongRecipient(t *testing.T) {
	authorKey := newKey(t)
	recipientKey := newKey(t)
	resolver := stubResolver{aliceHandle: contactFor(aliceHandle, authorKey)}

	raw, err := Build(statusMessage(), aliceHandle, authorKey).Marshal(&recipientKey.PublicKey)
	require.NoError(t, err)

	_, _, err = Decode(context.Background(), raw, newKey(t), resolver)
	assert.ErrorIs(t, err, domain.ErrProtocol)

	_, _, err = Decode(context.Background(), raw, nil, resolver)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestDecodeRejectsForgedAuthor(t *testing.T) {
	realKey := newKey(t)
	forgerKey := newKey(t)
	resolver := stubResolver{aliceHandle: contactFor(aliceHandle, realKey)}

	raw, err := Build(statusMessage(), aliceHandle, forgerKey).Marshal(nil)
	require.NoError(t, err)

	_, _, err = Decode(context.Background(), raw, nil, resolver)
	assert.ErrorIs(t, err, domain.ErrTrust)
}

func TestDecodeRejectsTamperedData(t *testing.T) {
	key := newKey(t)
	resolver := stubResolver{aliceHandle: contactFor(aliceHandle, key)}

	raw, err := Build(statusMessage(), aliceHandle, key).Marshal(nil)
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(raw))
	data := doc.FindElement("//data")
	require.NotNil(t, data)

	other, err := Build(etree.NewElement("request"), aliceHandle, newKey(t)).Marshal(nil)
	require.NoError(t, err)
	otherDoc := etree.NewDocument()
	require.NoError(t, otherDoc.ReadFromBytes(other))
	data.SetText(otherDoc.FindElement("//data").Text())

	tampered, err := doc.WriteToBytes()
	require.NoError(t, err)

	_, _, err = Decode(context.Background(), tampered, nil, resolver)
	assert.ErrorIs(t, err, domain.ErrTrust)
}

func TestDecodeResolverFailurePassesThrough(t *testing.T) {
	key := newKey(t)
	raw, err := Build(statusMessage(), aliceHandle, key).Marshal(nil)
	require.NoError(t, err)

	_, _, err = Decode(context.Background(), raw, nil, stubResolver{})
	assert.ErrorIs(t, err, domain.ErrDiscovery)
	assert.False(t, errors.Is(err, domain.ErrTrust))
}

func TestDecodeMalformed(t *testing.T) {
	resolver := stubResolver{}
	key := newKey(t)
	cases := map[string]string{
		"not xml":      "this is not xml",
		"wrong root":   "<feed/>",
		"no author":    `<diaspora><header/><env><data>x</data><sig>y</sig></env></diaspora>`,
		"no envelope":  `<diaspora><header><author_id>a@b</author_id></header></diaspora>`,
		"bad alg":      `<diaspora><header><author_id>a@b</author_id></header><env><alg>MD5</alg><data>x</data><sig>y</sig></env></diaspora>`,
		"missing sig":  `<diaspora><header><author_id>a@b</author_id></header><env><data>x</data></env></diaspora>`,
		"bad enc head": `<diaspora><encrypted_header>%%%</encrypted_header></diaspora>`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode(context.Background(), []byte(raw), key, resolver)
			assert.ErrorIs(t, err, domain.ErrProtocol)
		})
	}
}

func TestPKCS7(t *testing.T) {
	for n := 0; n < 40; n++ {
		plain := make([]byte, n)
		padded := pkcs7Pad(plain, 16)
		assert.Zero(t, len(padded)%16)
		out, err := pkcs7Unpad(padded, 16)
		require.NoError(t, err)
		assert.Equal(t, plain, out)
	}

	_, err := pkcs7Unpad([]byte{1, 2, 3, 0}, 16)
	assert.Error(t, err)
}
