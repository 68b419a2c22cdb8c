package page

import (
	"errors"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/rickgao/vmlink/internal/api"
	"github.com/rickgao/vmlink/internal/settings"
)

// Element ids owned by this package.
const (
	StatsBoxID  = "varroa_stats"
	StatsInfoID = "varroa_stats_info"
	StatusID    = "varroa"
)

// Errors
var (
	ErrNoMainColumn = errors.New("page has no main column")
	ErrNoStatsBox   = errors.New("page has no statistics box")
	ErrNoBody       = errors.New("page has no body")
)

// AddStatsBox inserts the statistics box as the second child of the first
// ".main_column". It does nothing if the box is already present.
func AddStatsBox(doc *html.Node, s settings.Settings) error {
	if find(doc, byID(StatsBoxID)) != nil {
		return nil
	}
	main := find(doc, byClass("main_column"))
	if main == nil {
		return ErrNoMainColumn
	}

	toggle := appendChildren(element("a",
		"href", "#",
		"onclick", "$('#varroa_stats').gtoggle(); this.innerHTML = (this.innerHTML == 'Hide' ? 'Show' : 'Hide'); return false;",
		"class", "brackets",
	), textNode("Hide"))

	head := appendChildren(element("div", "class", "head"),
		textNode("Varroa Musica Stats"),
		appendChildren(element("span", "style", "float: right;"), toggle),
		textNode("\u00a0"),
	)

	content := element("div", "class", "pad profileinfo", "id", StatsBoxID)
	for _, img := range api.StatsImages {
		appendStatsLink(content, img.Label, api.StatsURL(s, img.Filename))
	}

	box := appendChildren(element("div", "class", "box"), head, content)

	if second := nthElementChild(main, 1); second != nil {
		main.InsertBefore(box, second)
	} else {
		main.AppendChild(box)
	}
	return nil
}

// appendStatsLink appends "Label:  Show" with a spoiler holding the image.
func appendStatsLink(parent *html.Node, label, link string) {
	show := appendChildren(element("a",
		"href", "javascript:void(0);",
		"onclick", "BBCode.spoiler(this);",
	), textNode("Show"))

	img := element("img",
		"class", "scale_image",
		"onclick", "lightbox.init(this, $(this).width());",
		"alt", link,
		"src", link,
	)
	spoiler := appendChildren(element("blockquote", "class", "hidden spoiler"),
		appendChildren(element("div", "style", "text-align: center;"), img),
	)

	appendChildren(parent, textNode(label+":  "), show, spoiler, element("br"))
}

// SetStatsText shows text at the top of the statistics box, replacing any
// previous text. Newlines become line breaks.
func SetStatsText(doc *html.Node, text string) error {
	box := find(doc, byID(StatsBoxID))
	if box == nil {
		return ErrNoStatsBox
	}

	info := find(box, byID(StatsInfoID))
	if info == nil {
		info = element("div", "id", StatsInfoID)
		box.InsertBefore(info, box.FirstChild)
	}
	clearChildren(info)
	appendLines(info, text)
	return nil
}

// SetStatus shows text in the floating status element at the end of the
// body, creating it on first use.
func SetStatus(doc *html.Node, text string) error {
	div := find(doc, byID(StatusID))
	if div == nil {
		body := find(doc, byAtom(atom.Body))
		if body == nil {
			return ErrNoBody
		}
		div = element("div", "id", StatusID)
		body.AppendChild(div)
	}
	clearChildren(div)
	div.AppendChild(appendChildren(element("a"), textNode(text)))
	return nil
}

func appendLines(n *html.Node, text string) {
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			n.AppendChild(element("br"))
		}
		n.AppendChild(textNode(line))
	}
}

func clearChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

// nthElementChild returns the i-th (0-based) element child of n, or nil.
func nthElementChild(n *html.Node, i int) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if i == 0 {
			return c
		}
		i--
	}
	return nil
}
