package app

import (
	"log/slog"
	"time"
)

// Notification is a desktop style notice shown outside the page.
type Notification struct {
	Title   string
	Text    string
	Link    string        // opened when the notice is clicked
	Timeout time.Duration // how long the notice stays
}

// Notifier shows notifications to the user.
type Notifier interface {
	Notify(n Notification) error
}

// NotifierFunc is a function adapter for Notifier.
type NotifierFunc func(Notification) error

func (f NotifierFunc) Notify(n Notification) error {
	return f(n)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(n.Title+" "+n.Text, "link", n.Link)
	return nil
}

// unconfiguredNotification is shown when settings are missing on any page
// other than the settings page.
func unconfiguredNotification(host string) Notification {
	return Notification{
		Title:   "Varroa Musica:",
		Text:    "Missing configuration\nClick to visit user settings and setup",
		Link:    "https://" + host + "/user.php?action=edit#varroa_settings",
		Timeout: 6 * time.Second,
	}
}
