package envelope

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/beevik/etree"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

// parsed holds the fields read from an envelope before the author is known.
type parsed struct {
	author  string
	data    string
	sig     string
	key, iv []byte // inner key for private envelopes
}

// Author returns the author handle named by a public envelope's header. It
// does not verify anything.
func Author(raw []byte) (string, error) {
	p, err := parse(raw, nil)
	if err != nil {
		return "", err
	}
	return p.author, nil
}

// Decode opens an envelope received by the holder of localKey, which may be
// nil for envelopes delivered to the public endpoint. It resolves the author
// through resolve, verifies the envelope signature against the author's key
// and returns the inner <XML> document together with the author's contact.
//
// Structural problems wrap domain.ErrProtocol and signature problems wrap
// domain.ErrTrust. Resolver errors are returned wrapped but unclassified.
func Decode(ctx context.Context, raw []byte, localKey *rsa.PrivateKey, resolve Resolver) (*etree.Document, *domain.Contact, error) {
	p, err := parse(raw, localKey)
	if err != nil {
		return nil, nil, err
	}

	sender, err := resolve.Resolve(ctx, p.author)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve author %s: %w", p.author, err)
	}
	if sender.Identity == nil || sender.Identity.PublicKey == nil {
		return nil, nil, fmt.Errorf("%w: author %s has no public key", domain.ErrTrust, p.author)
	}
	if !verifyData(sender.Identity.PublicKey, p.data, p.sig) {
		return nil, nil, fmt.Errorf("%w: envelope signature does not match %s", domain.ErrTrust, p.author)
	}

	encoded, err := decodeURLBase64(p.data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode data: %v", domain.ErrProtocol, err)
	}
	body, err := decodeStdBase64(string(encoded))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode data: %v", domain.ErrProtocol, err)
	}
	if p.key != nil {
		body, err = aesDecrypt(p.key, p.iv, body)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: decrypt data: %v", domain.ErrProtocol, err)
		}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, nil, fmt.Errorf("%w: parse payload: %v", domain.ErrProtocol, err)
	}
	if doc.Root() == nil {
		return nil, nil, fmt.Errorf("%w: empty payload", domain.ErrProtocol)
	}
	return doc, sender, nil
}

func parse(raw []byte, localKey *rsa.PrivateKey) (*parsed, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: parse envelope: %v", domain.ErrProtocol, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "diaspora" {
		return nil, fmt.Errorf("%w: missing <diaspora> root", domain.ErrProtocol)
	}

	p := &parsed{}
	if eh := findEncryptedHeader(root); eh != nil {
		if localKey == nil {
			return nil, fmt.Errorf("%w: encrypted envelope without a recipient", domain.ErrProtocol)
		}
		if err := p.decryptHeader(eh.Text(), localKey); err != nil {
			return nil, err
		}
	} else if header := root.SelectElement("header"); header != nil {
		if a := header.SelectElement("author_id"); a != nil {
			p.author = a.Text()
		}
	}
	if p.author == "" {
		return nil, fmt.Errorf("%w: envelope names no author", domain.ErrProtocol)
	}

	env := root.SelectElement("env")
	if env == nil {
		return nil, fmt.Errorf("%w: missing magic envelope", domain.ErrProtocol)
	}
	if err := expect(env, "encoding", Encoding); err != nil {
		return nil, err
	}
	if err := expect(env, "alg", Algorithm); err != nil {
		return nil, err
	}
	data := env.SelectElement("data")
	sig := env.SelectElement("sig")
	if data == nil || sig == nil || data.Text() == "" || sig.Text() == "" {
		return nil, fmt.Errorf("%w: envelope missing data or signature", domain.ErrProtocol)
	}
	p.data = stripSpace(data.Text())
	p.sig = sig.Text()
	return p, nil
}

// findEncryptedHeader accepts the header either directly under the root or
// nested in <header>, both of which are seen in the wild.
func findEncryptedHeader(root *etree.Element) *etree.Element {
	if eh := root.SelectElement("encrypted_header"); eh != nil {
		return eh
	}
	if header := root.SelectElement("header"); header != nil {
		return header.SelectElement("encrypted_header")
	}
	return nil
}

func expect(env *etree.Element, tag, want string) error {
	el := env.SelectElement(tag)
	if el != nil && el.Text() != want {
		return fmt.Errorf("%w: unsupported %s %q", domain.ErrProtocol, tag, el.Text())
	}
	return nil
}

func (p *parsed) decryptHeader(text string, localKey *rsa.PrivateKey) error {
	rawHeader, err := decodeStdBase64(text)
	if err != nil {
		return fmt.Errorf("%w: decode encrypted header: %v", domain.ErrProtocol, err)
	}
	var header encryptedHeader
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return fmt.Errorf("%w: unmarshal encrypted header: %v", domain.ErrProtocol, err)
	}

	sealed, err := decodeStdBase64(header.AESKey)
	if err != nil {
		return fmt.Errorf("%w: decode header key: %v", domain.ErrProtocol, err)
	}
	bundleJSON, err := rsa.DecryptPKCS1v15(nil, localKey, sealed)
	if err != nil {
		return fmt.Errorf("%w: header not encrypted for this recipient", domain.ErrProtocol)
	}
	var bundle aesKeyBundle
	if err := json.Unmarshal(bundleJSON, &bundle); err != nil {
		return fmt.Errorf("%w: unmarshal header key: %v", domain.ErrProtocol, err)
	}
	outerKey, err1 := decodeStdBase64(bundle.Key)
	outerIV, err2 := decodeStdBase64(bundle.IV)
	ciphertext, err3 := decodeStdBase64(header.Ciphertext)
	if err1 != nil || err2 != nil || err3 != nil {
		return fmt.Errorf("%w: malformed header key material", domain.ErrProtocol)
	}
	plain, err := aesDecrypt(outerKey, outerIV, ciphertext)
	if err != nil {
		return fmt.Errorf("%w: decrypt header: %v", domain.ErrProtocol, err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(plain); err != nil {
		return fmt.Errorf("%w: parse decrypted header: %v", domain.ErrProtocol, err)
	}
	dh := doc.SelectElement("decrypted_header")
	if dh == nil {
		return fmt.Errorf("%w: missing <decrypted_header>", domain.ErrProtocol)
	}
	field := func(tag string) string {
		if el := dh.SelectElement(tag); el != nil {
			return el.Text()
		}
		return ""
	}
	p.author = field("author_id")
	p.key, err1 = decodeStdBase64(field("aes_key"))
	p.iv, err2 = decodeStdBase64(field("iv"))
	if err1 != nil || err2 != nil || len(p.key) == 0 || len(p.iv) == 0 {
		return fmt.Errorf("%w: malformed inner key material", domain.ErrProtocol)
	}
	return nil
}
