// Package signature signs and verifies the field sets carried by relayable
// federation messages.
//
// The signed text is the values of a message's child elements, in document
// order, joined with ';'. Elements whose name ends in "_signature" and
// elements without text are left out. The text is hashed with SHA-256 and
// signed with RSA PKCS#1 v1.5; signatures travel base64 encoded.
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Suffix marks fields that carry signatures and are never signed themselves.
const Suffix = "_signature"

// Field is one named value of a message, in document order.
type Field struct {
	Name  string
	Value string
}

// Fields returns the direct child elements of el as fields.
func Fields(el *etree.Element) []Field {
	children := el.ChildElements()
	fields := make([]Field, 0, len(children))
	for _, c := range children {
		fields = append(fields, Field{Name: c.Tag, Value: c.Text()})
	}
	return fields
}

// Canonical returns the text a signature is computed over.
func Canonical(fields []Field) string {
	values := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Value == "" || strings.HasSuffix(f.Name, Suffix) {
			continue
		}
		values = append(values, f.Value)
	}
	return strings.Join(values, ";")
}

// Sign signs the canonical form of fields with key.
func Sign(key *rsa.PrivateKey, fields []Field) (string, error) {
	if key == nil {
		return "", fmt.Errorf("sign: no private key")
	}
	digest := sha256.Sum256([]byte(Canonical(fields)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether sig is a valid signature by key over the canonical
// form of fields. Malformed input yields false.
func Verify(key *rsa.PublicKey, sig string, fields []Field) bool {
	if key == nil || sig == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(Canonical(fields)))
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], raw) == nil
}

// SignElement appends a <name> child to el holding the signature over el's
// current children.
func SignElement(key *rsa.PrivateKey, el *etree.Element, name string) error {
	sig, err := Sign(key, Fields(el))
	if err != nil {
		return err
	}
	el.CreateElement(name).SetText(sig)
	return nil
}
