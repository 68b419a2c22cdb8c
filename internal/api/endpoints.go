package api

import (
	"net/url"

	"github.com/rickgao/vmlink/internal/settings"
)

// hostPort returns "url:port" from settings.
func hostPort(s settings.Settings) string {
	return s.URL + ":" + s.Port
}

// authQuery returns "token=..&site=.." in that order.
func authQuery(s settings.Settings) string {
	return "token=" + url.QueryEscape(s.Token) + "&site=" + url.QueryEscape(s.Site)
}

// GetURL returns the plain-mode fetch link for a torrent. It always uses
// http, whatever the HTTPS setting, because the plain endpoint is served
// without TLS.
func GetURL(s settings.Settings, id string, useFLToken bool) string {
	u := "http://" + hostPort(s) + "/get/" + url.PathEscape(id) + "?" + authQuery(s)
	if useFLToken {
		u += "&fltoken=true"
	}
	return u
}

// StatsURL returns the link of a statistics image.
func StatsURL(s settings.Settings, filename string) string {
	scheme := "http://"
	if s.HTTPS {
		scheme = "https://"
	}
	return scheme + hostPort(s) + "/getStats/" + url.PathEscape(filename) + "?" + authQuery(s)
}

// SocketURL returns the backend WebSocket endpoint.
func SocketURL(s settings.Settings) string {
	return "wss://" + hostPort(s) + "/ws"
}

// StatsImage is one statistics graph served by the backend.
type StatsImage struct {
	Label    string
	Filename string
}

// StatsImages lists the graphs shown on the user page, in display order.
var StatsImages = []StatsImage{
	{"Full Stats", "stats.png"},
	{"Buffer", "overall_buffer.png"},
	{"Buffer, last month", "lastmonth_buffer.png"},
	{"Buffer, last week", "lastweek_buffer.png"},
	{"Buffer/day", "overall_per_day_buffer.png"},
	{"Buffer/week", "overall_per_week_buffer.png"},
	{"Buffer/month", "overall_per_month_buffer.png"},
	{"Upload", "overall_up.png"},
	{"Upload, last month", "lastmonth_up.png"},
	{"Upload, last week", "lastweek_up.png"},
	{"Upload/day", "overall_per_day_up.png"},
	{"Upload/week", "overall_per_week_up.png"},
	{"Upload/month", "overall_per_month_up.png"},
	{"Download", "overall_down.png"},
	{"Download, last month", "lastmonth_down.png"},
	{"Download, last week", "lastweek_down.png"},
	{"Download/day", "overall_per_day_down.png"},
	{"Download/week", "overall_per_week_down.png"},
	{"Download/month", "overall_per_month_down.png"},
	{"Ratio", "overall_ratio.png"},
	{"Ratio, last month", "lastmonth_ratio.png"},
	{"Ratio, last week", "lastweek_ratio.png"},
	{"Ratio/day", "overall_per_day_ratio.png"},
	{"Ratio/week", "overall_per_week_ratio.png"},
	{"Ratio/month", "overall_per_month_ratio.png"},
	{"Snatched/day", "snatches_per_day.png"},
	{"Size snatched/day", "size_snatched_per_day.png"},
	{"Top Tags", "top_tags.png"},
	{"Snatched/filter", "total_snatched_by_filter.png"},
}
