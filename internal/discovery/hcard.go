package discovery

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HCard is the subset of a Diaspora hCard profile page the node reads and
// publishes.
type HCard struct {
	FullName   string
	URL        string
	PhotoURL   string
	Searchable bool
}

// Diaspora clients expect all three photo sizes to be present.
var photoClasses = []struct{ class, size string }{
	{"entity_photo", "300px"},
	{"entity_photo_medium", "100px"},
	{"entity_photo_small", "50px"},
}

// WriteHCard renders card as an hCard HTML fragment.
func WriteHCard(w io.Writer, card HCard) error {
	root := element(atom.Div, "id", "content")
	root.AppendChild(textElement(atom.H1, card.FullName))

	inner := element(atom.Div, "class", "content_inner")
	root.AppendChild(inner)
	author := element(atom.Div, "id", "i", "class", "entity_profile vcard author")
	inner.AppendChild(author)
	author.AppendChild(textElement(atom.H2, "User profile"))

	nickname := element(atom.A, "rel", "me", "href", card.URL, "class", "nickname url uid")
	nickname.AppendChild(text(card.FullName))
	author.AppendChild(definition("entity_nickname", "Nickname", nickname))

	fn := element(atom.Span, "class", "fn")
	fn.AppendChild(text(card.FullName))
	author.AppendChild(definition("entity_fn", "Full name", fn))

	url := element(atom.A, "id", "pod_location", "rel", "me", "href", card.URL, "class", "url")
	url.AppendChild(text(card.URL))
	author.AppendChild(definition("entity_url", "URL", url))

	for _, p := range photoClasses {
		img := element(atom.Img, "height", p.size, "width", p.size, "src", card.PhotoURL, "class", "photo avatar")
		author.AppendChild(definition(p.class, "Photo", img))
	}

	searchable := element(atom.Span, "class", "searchable")
	searchable.AppendChild(text(fmt.Sprint(card.Searchable)))
	author.AppendChild(definition("entity_searchable", "Searchable", searchable))

	return html.Render(w, root)
}

// ParseHCard extracts the profile fields from an hCard page.
func ParseHCard(r io.Reader) (*HCard, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse hcard: %w", err)
	}

	card := &HCard{}
	var foundName bool
	for n := range doc.Descendants() {
		if n.Type != html.ElementNode {
			continue
		}
		switch {
		case !foundName && hasClass(n, "fn"):
			card.FullName = textContent(n)
			foundName = true
		case card.PhotoURL == "" && hasClass(n, "entity_photo"):
			for c := range n.Descendants() {
				if c.DataAtom == atom.Img {
					card.PhotoURL = attr(c, "src")
					break
				}
			}
		case hasClass(n, "searchable"):
			card.Searchable = textContent(n) == "true"
		}
	}
	if !foundName {
		return nil, fmt.Errorf("parse hcard: no fn element")
	}
	return card, nil
}

func element(a atom.Atom, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func textElement(a atom.Atom, s string) *html.Node {
	n := element(a)
	n.AppendChild(text(s))
	return n
}

// definition builds <dl class=...><dt>term</dt><dd>value</dd></dl>.
func definition(class, term string, value *html.Node) *html.Node {
	dl := element(atom.Dl, "class", class)
	dl.AppendChild(textElement(atom.Dt, term))
	dd := element(atom.Dd)
	dd.AppendChild(value)
	dl.AppendChild(dd)
	return dl
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	return slices.Contains(strings.Fields(attr(n, "class")), class)
}

func textContent(n *html.Node) string {
	var b strings.Builder
	for c := range n.Descendants() {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return strings.TrimSpace(b.String())
}
