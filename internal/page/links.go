package page

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// downloadLinkPattern matches a torrent download URL. The pass must be a
// complete run of [a-z0-9] that is not followed by '&'.
var downloadLinkPattern = regexp.MustCompile(
	`(?i)torrents\.php\?action=download.*?id=(\d+).*?authkey=.*?torrent_pass=([a-z0-9]+)(?:[^a-z0-9&]|$)`,
)

// MatchDownloadLink extracts the torrent id and pass from a download URL.
func MatchDownloadLink(href string) (id, pass string, ok bool) {
	m := downloadLinkPattern.FindStringSubmatch(href)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

var userLinkPattern = regexp.MustCompile(`user\.php\?id=(\d+)`)

// UserID returns the id of the logged in user, read from the first
// ".username" link of the page.
func UserID(doc *html.Node) (string, bool) {
	n := find(doc, byClass("username"))
	if n == nil {
		return "", false
	}
	m := userLinkPattern.FindStringSubmatch(attr(n, "href"))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FLTokens returns the freeleech token count shown in "#fl_tokens .stat a".
// ok is false when the page has no such element or the count is not a number.
func FLTokens(doc *html.Node) (count int, ok bool) {
	box := find(doc, byID("fl_tokens"))
	if box == nil {
		return 0, false
	}
	stat := find(box, byClass("stat"))
	if stat == nil {
		return 0, false
	}
	a := find(stat, byAtom(atom.A))
	if a == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(text(a)))
	if err != nil {
		return 0, false
	}
	return n, true
}

// FLTokensAvailable reports whether the user has at least one freeleech token.
func FLTokensAvailable(doc *html.Node) bool {
	n, ok := FLTokens(doc)
	return ok && n > 0
}

// RowContainer returns the table body that receives lazily loaded torrent
// rows on torrents pages, or nil.
func RowContainer(doc *html.Node, kind Kind) *html.Node {
	var table *html.Node
	switch kind {
	case KindTorrents:
		table = find(doc, byID("torrent_table"))
	case KindTorrentsByUser:
		table = find(doc, byClass("torrent_table"))
	default:
		return nil
	}
	if table == nil {
		return nil
	}
	return childElement(table, atom.Tbody)
}
