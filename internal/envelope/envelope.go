// Package envelope builds and parses the salmon "magic envelope" that wraps
// every federation message in transit.
//
// A message document is wrapped as <XML><post>...</post></XML>, encoded into
// the envelope's data field and signed with the author's key. Public
// envelopes name the author in a plain header. Private envelopes encrypt
// both the header and the data to the recipient's key.
package envelope

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

const (
	// ProtocolNS is the namespace of the outer <diaspora> element.
	ProtocolNS = "https://joindiaspora.com/protocol"

	// MagicEnvNS is the salmon magic envelope namespace.
	MagicEnvNS = "http://salmon-protocol.org/ns/magic-env"

	DataType  = "application/xml"
	Encoding  = "base64url"
	Algorithm = "RSA-SHA256"
)

// Resolver looks up the contact behind an author handle, fetching it from
// the network if needed.
type Resolver interface {
	Resolve(ctx context.Context, handle string) (*domain.Contact, error)
}

// Envelope is an outbound message ready to be serialized. It holds the
// author's key and is never persisted.
type Envelope struct {
	// Message is the protocol element, e.g. <status_message>.
	Message *etree.Element

	// Author is the handle of the signing identity.
	Author string

	// Rand is the entropy source for private envelopes. It defaults to
	// crypto/rand.
	Rand io.Reader

	key *rsa.PrivateKey
}

// Build wraps message for transport by author, signed with key.
func Build(message *etree.Element, author string, key *rsa.PrivateKey) *Envelope {
	return &Envelope{
		Message: message,
		Author:  author,
		key:     key,
	}
}

// Payload returns the serialized <XML><post>message</post></XML> document.
func (e *Envelope) Payload() ([]byte, error) {
	doc := etree.NewDocument()
	post := doc.CreateElement("XML").CreateElement("post")
	post.AddChild(e.Message.Copy())
	b, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	return b, nil
}

// Marshal serializes the envelope. A nil recipient produces a public
// envelope whose output depends only on the inputs. Otherwise the header
// and data are encrypted so only the recipient can read them.
func (e *Envelope) Marshal(recipient *rsa.PublicKey) ([]byte, error) {
	if e.key == nil {
		return nil, fmt.Errorf("marshal envelope: no signing key for %s", e.Author)
	}

	payload, err := e.Payload()
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("diaspora")
	root.CreateAttr("xmlns", ProtocolNS)
	root.CreateAttr("xmlns:me", MagicEnvNS)

	body := payload
	if recipient == nil {
		root.CreateElement("header").CreateElement("author_id").SetText(e.Author)
	} else {
		innerKey, innerIV, err := e.newKey()
		if err != nil {
			return nil, err
		}
		header, err := e.encryptedHeader(recipient, innerKey, innerIV)
		if err != nil {
			return nil, err
		}
		root.CreateElement("encrypted_header").SetText(header)
		body, err = aesEncrypt(innerKey, innerIV, payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
	}

	data := base64.URLEncoding.EncodeToString([]byte(base64.StdEncoding.EncodeToString(body)))
	sig, err := signData(e.key, data)
	if err != nil {
		return nil, err
	}

	env := root.CreateElement("me:env")
	env.CreateElement("me:encoding").SetText(Encoding)
	env.CreateElement("me:alg").SetText(Algorithm)
	dataEl := env.CreateElement("me:data")
	dataEl.CreateAttr("type", DataType)
	dataEl.SetText(data)
	env.CreateElement("me:sig").SetText(sig)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize envelope: %w", err)
	}
	return out, nil
}

func (e *Envelope) rand() io.Reader {
	if e.Rand != nil {
		return e.Rand
	}
	return rand.Reader
}

func (e *Envelope) newKey() (key, iv []byte, err error) {
	key = make([]byte, 32)
	iv = make([]byte, 16)
	if _, err := io.ReadFull(e.rand(), key); err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	if _, err := io.ReadFull(e.rand(), iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	return key, iv, nil
}

type aesKeyBundle struct {
	Key string `json:"key"`
	IV  string `json:"iv"`
}

type encryptedHeader struct {
	AESKey     string `json:"aes_key"`
	Ciphertext string `json:"ciphertext"`
}

// encryptedHeader returns the base64 JSON header that carries the inner key
// and author, itself encrypted under a fresh outer key for recipient.
func (e *Envelope) encryptedHeader(recipient *rsa.PublicKey, innerKey, innerIV []byte) (string, error) {
	inner := etree.NewDocument()
	dh := inner.CreateElement("decrypted_header")
	dh.CreateElement("iv").SetText(base64.StdEncoding.EncodeToString(innerIV))
	dh.CreateElement("aes_key").SetText(base64.StdEncoding.EncodeToString(innerKey))
	dh.CreateElement("author_id").SetText(e.Author)
	plain, err := inner.WriteToBytes()
	if err != nil {
		return "", fmt.Errorf("serialize header: %w", err)
	}

	outerKey, outerIV, err := e.newKey()
	if err != nil {
		return "", err
	}
	ciphertext, err := aesEncrypt(outerKey, outerIV, plain)
	if err != nil {
		return "", fmt.Errorf("encrypt header: %w", err)
	}

	bundle, err := json.Marshal(aesKeyBundle{
		Key: base64.StdEncoding.EncodeToString(outerKey),
		IV:  base64.StdEncoding.EncodeToString(outerIV),
	})
	if err != nil {
		return "", fmt.Errorf("marshal key bundle: %w", err)
	}
	sealed, err := rsa.EncryptPKCS1v15(e.rand(), recipient, bundle)
	if err != nil {
		return "", fmt.Errorf("encrypt key bundle: %w", err)
	}

	header, err := json.Marshal(encryptedHeader{
		AESKey:     base64.StdEncoding.EncodeToString(sealed),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(header), nil
}

// signableText is the salmon signature base string for data.
func signableText(data string) string {
	return strings.Join([]string{
		data,
		base64.URLEncoding.EncodeToString([]byte(DataType)),
		base64.URLEncoding.EncodeToString([]byte(Encoding)),
		base64.URLEncoding.EncodeToString([]byte(Algorithm)),
	}, ".")
}

func signData(key *rsa.PrivateKey, data string) (string, error) {
	digest := sha256.Sum256([]byte(signableText(data)))
	sig, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign envelope: %w", err)
	}
	return base64.URLEncoding.EncodeToString(sig), nil
}

func verifyData(key *rsa.PublicKey, data, sig string) bool {
	raw, err := decodeURLBase64(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(signableText(data)))
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], raw) == nil
}
