package page

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Kind classifies a tracker page by URL.
type Kind int

const (
	KindOther Kind = iota
	KindSettings
	KindUser
	KindTop10
	KindTorrents
	KindTorrentsByUser
)

func (k Kind) String() string {
	switch k {
	case KindSettings:
		return "settings"
	case KindUser:
		return "user"
	case KindTop10:
		return "top10"
	case KindTorrents:
		return "torrents"
	case KindTorrentsByUser:
		return "torrents_by_user"
	}
	return "other"
}

var (
	settingsPagePattern = regexp.MustCompile(`user\.php\?action=edit&userid=`)
	top10PagePattern    = regexp.MustCompile(`top10\.php`)
	torrentsPagePattern = regexp.MustCompile(`torrents\.php$`)
	byUserPagePattern   = regexp.MustCompile(`torrents\.php\?.*&userid`)
)

// Classify returns the kind of the page at rawURL for the logged in user.
func Classify(rawURL, userID string) Kind {
	switch {
	case settingsPagePattern.MatchString(rawURL):
		return KindSettings
	case userID != "" && userPagePattern(userID).MatchString(rawURL):
		return KindUser
	case top10PagePattern.MatchString(rawURL):
		return KindTop10
	case torrentsPagePattern.MatchString(rawURL):
		return KindTorrents
	case byUserPagePattern.MatchString(rawURL):
		return KindTorrentsByUser
	}
	return KindOther
}

func userPagePattern(userID string) *regexp.Regexp {
	return regexp.MustCompile(`user\.php\?id=` + regexp.QuoteMeta(userID) + `(?:\D|$)`)
}

// Parse parses a full HTML document.
func Parse(r io.Reader) (*html.Node, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

// Render writes the document back as HTML.
func Render(w io.Writer, doc *html.Node) error {
	if err := html.Render(w, doc); err != nil {
		return fmt.Errorf("render page: %w", err)
	}
	return nil
}

// walk visits n and its descendants depth first until visit returns false.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if !visit(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}

// find returns the first element under n (n included) satisfying match.
func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && match(c) {
			found = c
			return false
		}
		return true
	})
	return found
}

// findAll returns every element under n satisfying match, in document order.
func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && match(c) {
			out = append(out, c)
		}
		return true
	})
	return out
}

func byID(id string) func(*html.Node) bool {
	return func(n *html.Node) bool { return attr(n, "id") == id }
}

func byClass(class string) func(*html.Node) bool {
	return func(n *html.Node) bool { return hasClass(n, class) }
}

func byAtom(a atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.DataAtom == a }
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// text returns the concatenated text content of n.
func text(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

// childElement returns the first direct element child of n matching a.
func childElement(n *html.Node, a atom.Atom) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
	}
	return nil
}

// element builds an element node. attrs are key/value pairs.
func element(tag string, attrs ...string) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

func textNode(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// appendChildren appends each child to n and returns n.
func appendChildren(n *html.Node, children ...*html.Node) *html.Node {
	for _, c := range children {
		n.AppendChild(c)
	}
	return n
}
