package discovery

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/blackmichael/diaspora-node/internal/keys"
)

// XRDNS is the namespace of host-meta and WebFinger documents.
const XRDNS = "http://docs.oasis-open.org/ns/xri/xrd-1.0"

// Link relations used by Diaspora WebFinger profiles.
const (
	RelLRDD         = "lrdd"
	RelHCard        = "http://microformats.org/profile/hcard"
	RelSeedLocation = "http://joindiaspora.com/seed_location"
	RelGUID         = "http://joindiaspora.com/guid"
	RelPublicKey    = "diaspora-public-key"
	RelUpdatesFrom  = "http://schemas.google.com/g/2010#updates-from"
)

// Profile is the identity information published in a WebFinger document.
type Profile struct {
	Handle       string
	HCardURL     string
	SeedLocation string
	GUID         string
	PublicKey    *rsa.PublicKey

	// FeedURL is optional.
	FeedURL string
}

func newXRD() (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("XRD")
	root.CreateAttr("xmlns", XRDNS)
	return doc, root
}

func addLink(root *etree.Element, rel, typ, attr, value string) {
	link := root.CreateElement("Link")
	link.CreateAttr("rel", rel)
	if typ != "" {
		link.CreateAttr("type", typ)
	}
	link.CreateAttr(attr, value)
}

// HostMeta returns the host-meta document pointing WebFinger clients at
// template, which must contain a {uri} placeholder.
func HostMeta(template string) *etree.Document {
	doc, root := newXRD()
	addLink(root, RelLRDD, "application/xrd+xml", "template", template)
	return doc
}

// LRDDTemplate extracts the WebFinger URL template from a host-meta document.
func LRDDTemplate(raw []byte) (string, error) {
	root, err := parseXRD(raw)
	if err != nil {
		return "", err
	}
	for _, link := range root.SelectElements("Link") {
		if link.SelectAttrValue("rel", "") == RelLRDD {
			if t := link.SelectAttrValue("template", ""); strings.Contains(t, "{uri}") {
				return t, nil
			}
		}
	}
	return "", errors.New("host-meta has no lrdd template")
}

// WebFinger returns the XRD document describing p.
func WebFinger(p Profile) *etree.Document {
	doc, root := newXRD()
	root.CreateElement("Subject").SetText("acct:" + p.Handle)
	root.CreateElement("Alias").SetText(p.SeedLocation)
	addLink(root, RelHCard, "text/html", "href", p.HCardURL)
	addLink(root, RelSeedLocation, "text/html", "href", p.SeedLocation)
	addLink(root, RelGUID, "text/html", "href", p.GUID)
	if p.FeedURL != "" {
		addLink(root, RelUpdatesFrom, "application/atom+xml", "href", p.FeedURL)
	}
	pub := base64.StdEncoding.EncodeToString(keys.EncodePublicKey(p.PublicKey))
	addLink(root, RelPublicKey, "RSA", "href", pub)
	return doc
}

// ParseWebFinger reads a WebFinger XRD document. The public key, GUID, hCard
// and seed location links are required.
func ParseWebFinger(raw []byte) (*Profile, error) {
	root, err := parseXRD(raw)
	if err != nil {
		return nil, err
	}

	p := &Profile{}
	if subject := root.SelectElement("Subject"); subject != nil {
		p.Handle = strings.TrimPrefix(strings.TrimSpace(subject.Text()), "acct:")
	}

	links := make(map[string]string)
	for _, link := range root.SelectElements("Link") {
		rel := link.SelectAttrValue("rel", "")
		if _, seen := links[rel]; !seen {
			links[rel] = strings.TrimSpace(link.SelectAttrValue("href", ""))
		}
	}
	for _, rel := range []string{RelPublicKey, RelGUID, RelHCard, RelSeedLocation} {
		if links[rel] == "" {
			return nil, fmt.Errorf("webfinger: missing %s link", rel)
		}
	}

	pem, err := base64.StdEncoding.DecodeString(links[RelPublicKey])
	if err != nil {
		return nil, fmt.Errorf("webfinger: decode public key: %w", err)
	}
	if p.PublicKey, err = keys.ParsePublicKey(pem); err != nil {
		return nil, fmt.Errorf("webfinger: %w", err)
	}
	p.GUID = links[RelGUID]
	p.HCardURL = links[RelHCard]
	p.SeedLocation = links[RelSeedLocation]
	p.FeedURL = links[RelUpdatesFrom]
	return p, nil
}

func parseXRD(raw []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parse XRD: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "XRD" {
		return nil, errors.New("parse XRD: root element is not XRD")
	}
	return root, nil
}
