package page

import (
	"log/slog"
	"strconv"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/rickgao/vmlink/internal/api"
	"github.com/rickgao/vmlink/internal/settings"
)

// Mode selects how injected links reach the backend.
type Mode int

const (
	// ModePlain links point at the backend's /get endpoint.
	ModePlain Mode = iota
	// ModeSocket links carry only data attributes; a click is sent over the
	// live connection.
	ModeSocket
)

const (
	linkLabel   = "VM"
	linkLabelFL = "VM FL"
	linkTitle   = "Send to varroa musica"
	divider     = " | "

	// Attributes carried by socket mode links.
	AttrID = "data-id"
	AttrFL = "data-fl"
)

// InjectorConfig configures an Injector.
type InjectorConfig struct {
	Settings    settings.Settings
	Mode        Mode
	Top10       bool // bracket labels, as on the top 10 page
	FLAvailable bool // also add a freeleech token link per torrent
}

// Injector inserts backend links next to torrent download links.
type Injector struct {
	cfg    InjectorConfig
	logger *slog.Logger
}

// NewInjector creates a new Injector.
func NewInjector(cfg InjectorConfig, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{cfg: cfg, logger: logger}
}

// Inject augments every download link under root and returns the number of
// torrents augmented. Links already augmented are left alone, so Inject can
// run more than once on the same tree.
func (i *Injector) Inject(root *html.Node) int {
	anchors := findAll(root, byAtom(atom.A))

	n := 0
	for _, a := range anchors {
		if i.injectAt(a) {
			n++
		}
	}

	i.logger.Debug("links injected", "torrents", n, "anchors", len(anchors))
	return n
}

// InjectAdded handles rows added to the page after load. Only the first link
// of each added node is considered.
func (i *Injector) InjectAdded(nodes []*html.Node) int {
	n := 0
	for _, node := range nodes {
		var a *html.Node
		for c := node.FirstChild; c != nil && a == nil; c = c.NextSibling {
			a = find(c, byAtom(atom.A))
		}
		if a != nil && i.injectAt(a) {
			n++
		}
	}
	return n
}

// injectAt inserts the links before anchor a if it is a download link.
func (i *Injector) injectAt(a *html.Node) bool {
	if a.Parent == nil {
		return false
	}
	id, _, ok := MatchDownloadLink(attr(a, "href"))
	if !ok {
		return false
	}
	if hasSiblingElement(a.Parent, linkElementName(id, false)) {
		return false
	}

	a.Parent.InsertBefore(i.link(id, false), a)
	if i.cfg.FLAvailable {
		a.Parent.InsertBefore(i.link(id, true), a)
	}
	return true
}

// link builds <varroa_ID><a>VM</a> | </varroa_ID>.
func (i *Injector) link(id string, useFLToken bool) *html.Node {
	label := linkLabel
	if useFLToken {
		label = linkLabelFL
	}
	if i.cfg.Top10 {
		label = "[" + label + "]"
	}

	var a *html.Node
	switch i.cfg.Mode {
	case ModeSocket:
		a = element("a", AttrID, id, AttrFL, strconv.FormatBool(useFLToken))
	default:
		a = element("a", "href", api.GetURL(i.cfg.Settings, id, useFLToken))
	}
	a.Attr = append(a.Attr,
		html.Attribute{Key: "target", Val: "_blank"},
		html.Attribute{Key: "title", Val: linkTitle},
	)
	a.AppendChild(textNode(label))

	return appendChildren(element(linkElementName(id, useFLToken)), a, textNode(divider))
}

func linkElementName(id string, useFLToken bool) string {
	if useFLToken {
		return "varroa_fl_" + id
	}
	return "varroa_" + id
}

func hasSiblingElement(parent *html.Node, name string) bool {
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == name {
			return true
		}
	}
	return false
}

// LinkTarget returns the torrent a socket mode link refers to.
func LinkTarget(n *html.Node) (id string, useFLToken bool, ok bool) {
	if n == nil || n.Type != html.ElementNode {
		return "", false, false
	}
	id = attr(n, AttrID)
	if id == "" {
		return "", false, false
	}
	return id, attr(n, AttrFL) == "true", true
}

// SocketLinks returns every socket mode link under root.
func SocketLinks(root *html.Node) []*html.Node {
	return findAll(root, func(n *html.Node) bool {
		return n.DataAtom == atom.A && attr(n, AttrID) != ""
	})
}
