package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/rickgao/vmlink/internal/api"
	"github.com/rickgao/vmlink/internal/config"
	"github.com/rickgao/vmlink/internal/connection"
	"github.com/rickgao/vmlink/internal/page"
	"github.com/rickgao/vmlink/internal/poller"
	"github.com/rickgao/vmlink/internal/settings"
	"github.com/rickgao/vmlink/internal/status"
)

// ErrNotReady is returned by Send before Run has loaded the settings.
var ErrNotReady = errors.New("session not ready")

// statsPlaceholder is shown in the statistics box until the backend answers.
const statsPlaceholder = "varroa musica status."

// Config configures a Session.
type Config struct {
	PageURL    string // URL of the page being augmented
	Connection config.ConnectionConfig
	HTTP       config.HTTPConfig
	Poller     config.PollerConfig
	SocketURL  string        // overrides the WebSocket URL built from settings
	StopWait   time.Duration // max time to wait for a clean shutdown (default: 5s)
}

// Session augments one page for one tracker account.
type Session struct {
	cfg      Config
	store    *settings.Store
	notifier Notifier
	board    *status.Board
	logger   *slog.Logger
	kind     page.Kind

	notifyOnce sync.Once
	injectOnce sync.Once
	injected   chan struct{}

	mu       sync.Mutex
	doc      *html.Node
	settings settings.Settings
	injector *page.Injector
	client   *api.Client
	manager  connection.Manager
}

// New creates a Session for doc. notifier may be nil.
func New(cfg Config, store *settings.Store, doc *html.Node, notifier Notifier, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	if cfg.StopWait <= 0 {
		cfg.StopWait = 5 * time.Second
	}

	kind := page.Classify(cfg.PageURL, store.Namespace().UserID)

	return &Session{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		board:    status.NewBoard(),
		logger:   logger.With("page", kind.String()),
		kind:     kind,
		injected: make(chan struct{}),
		doc:      doc,
	}
}

// Kind returns the classification of the page.
func (s *Session) Kind() page.Kind {
	return s.kind
}

// Board returns the status board of the session.
func (s *Session) Board() *status.Board {
	return s.board
}

// Injected is closed after the first link injection pass.
func (s *Session) Injected() <-chan struct{} {
	return s.injected
}

// Run augments the page and, in HTTPS mode, keeps the backend connection
// until ctx is done. Missing settings are reported once through the
// Notifier (except on the settings page) and Run returns an error wrapping
// settings.ErrUnconfigured; callers should treat it as a warning.
func (s *Session) Run(ctx context.Context) error {
	set, err := s.store.Load(ctx)
	if errors.Is(err, settings.ErrUnconfigured) {
		if s.kind != page.KindSettings {
			s.notifyUnconfigured()
		}
		return fmt.Errorf("%s: %w", s.store.Namespace().Prefix(), err)
	}
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	mode := page.ModePlain
	if set.HTTPS {
		mode = page.ModeSocket
	}

	s.mu.Lock()
	s.settings = set
	s.injector = page.NewInjector(page.InjectorConfig{
		Settings:    set,
		Mode:        mode,
		Top10:       s.kind == page.KindTop10,
		FLAvailable: page.FLTokensAvailable(s.doc),
	}, s.logger)
	s.client = APIClient(s.cfg.HTTP, s.cfg.Connection.InsecureTLS, set, s.logger)
	s.mu.Unlock()

	s.logger.Info("session started", "https", set.HTTPS, "site", set.Site)

	if !set.HTTPS {
		s.injectLinks()
		s.addStatsBox(false)
		<-ctx.Done()
		s.board.Close()
		return nil
	}

	return s.runSocket(ctx, set)
}

// runSocket drives the persistent connection until ctx is done.
func (s *Session) runSocket(ctx context.Context, set settings.Settings) error {
	// The box must exist before the first statistics message can arrive.
	s.addStatsBox(true)

	updates := s.board.Subscribe()
	go s.mirrorStatus(updates)

	mc := ManagerConfig(s.cfg.Connection, set)
	if s.cfg.SocketURL != "" {
		mc.Client.URL = s.cfg.SocketURL
	}

	m := connection.NewManager(mc, s.board, connection.Hooks{
		OnHandshake: s.injectLinks,
		OnStats:     s.showStats,
		OnNotice: func(text string) {
			s.logger.Info("backend notification", "message", text)
		},
	}, s.logger)

	s.mu.Lock()
	s.manager = m
	s.mu.Unlock()

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start connection: %w", err)
	}

	var p *poller.Poller
	if s.kind == page.KindUser {
		go s.requestStatsOnceConnected(ctx, m)

		if s.cfg.Poller.StatsInterval > 0 {
			p = poller.New(poller.Config{Interval: s.cfg.Poller.StatsInterval}, m, nil, nil, s.logger)
			if err := p.Start(ctx); err != nil {
				s.logger.Warn("stats poller not started", "error", err)
				p = nil
			}
		}
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StopWait)
	defer cancel()

	if p != nil {
		p.Stop(stopCtx)
	}
	if err := m.Stop(stopCtx); err != nil {
		s.logger.Warn("connection did not stop cleanly", "error", err)
	}
	s.board.Close()
	return nil
}

// requestStatsOnceConnected asks for the statistics message as soon as the
// connection is up.
func (s *Session) requestStatsOnceConnected(ctx context.Context, m connection.Manager) {
	if err := m.WaitConnected(ctx); err != nil {
		return
	}
	if err := m.RequestStats(); err != nil {
		s.logger.Warn("failed to request stats", "error", err)
	}
}

// mirrorStatus copies status changes into the page.
func (s *Session) mirrorStatus(updates <-chan string) {
	for text := range updates {
		s.mu.Lock()
		err := page.SetStatus(s.doc, text)
		s.mu.Unlock()
		if err != nil {
			s.logger.Debug("status not shown", "error", err)
		}
	}
}

func (s *Session) notifyUnconfigured() {
	s.notifyOnce.Do(func() {
		n := unconfiguredNotification(s.store.Namespace().Host)
		if err := s.notifier.Notify(n); err != nil {
			s.logger.Warn("failed to notify", "error", err)
		}
	})
}

// injectLinks runs the injection pass over the whole page.
func (s *Session) injectLinks() {
	s.mu.Lock()
	n := s.injector.Inject(s.doc)
	s.mu.Unlock()

	s.logger.Info("links added", "torrents", n)
	s.injectOnce.Do(func() { close(s.injected) })
}

// addStatsBox adds the statistics box on the user page.
func (s *Session) addStatsBox(socket bool) {
	if s.kind != page.KindUser {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := page.AddStatsBox(s.doc, s.settings); err != nil {
		s.logger.Warn("statistics box not added", "error", err)
		return
	}
	if socket {
		page.SetStatsText(s.doc, statsPlaceholder)
	}
}

// showStats puts a statistics message in the box.
func (s *Session) showStats(text string) {
	if s.kind != page.KindUser {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := page.SetStatsText(s.doc, text); err != nil {
		s.logger.Debug("statistics not shown", "error", err)
	}
}

// AddedRows injects links into rows added to the page after load. Rows
// added before the first injection pass are picked up by that pass.
func (s *Session) AddedRows(nodes []*html.Node) int {
	select {
	case <-s.injected:
	default:
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injector.InjectAdded(nodes)
}

// RowContainer returns the table body that receives added rows, or nil.
func (s *Session) RowContainer() *html.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return page.RowContainer(s.doc, s.kind)
}

// Send asks the backend for torrent id: over the connection in HTTPS mode,
// over the plain /get endpoint otherwise.
func (s *Session) Send(ctx context.Context, id string, useFLToken bool) error {
	s.mu.Lock()
	m, c := s.manager, s.client
	s.mu.Unlock()

	switch {
	case m != nil:
		return m.Get(id, useFLToken)
	case c != nil:
		_, err := c.Get(ctx, id, useFLToken)
		return err
	}
	return ErrNotReady
}

// Click follows an injected link.
func (s *Session) Click(ctx context.Context, link *html.Node) error {
	id, fl, ok := page.LinkTarget(link)
	if !ok {
		return errors.New("not a backend link")
	}
	return s.Send(ctx, id, fl)
}

// Retry reconnects now. It is what clicking the status element does.
func (s *Session) Retry() {
	s.mu.Lock()
	m := s.manager
	s.mu.Unlock()

	if m != nil {
		m.Retry()
	}
}

// ConnectionStats returns the manager statistics, and false in plain mode.
func (s *Session) ConnectionStats() (connection.ManagerStats, bool) {
	s.mu.Lock()
	m := s.manager
	s.mu.Unlock()

	if m == nil {
		return connection.ManagerStats{}, false
	}
	return m.Stats(), true
}

// Status returns the status text currently shown.
func (s *Session) Status() string {
	return s.board.Text()
}

// Render writes the augmented page.
func (s *Session) Render(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return page.Render(w, s.doc)
}

// SocketLinks returns the socket mode links currently in the page.
func (s *Session) SocketLinks() []*html.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return page.SocketLinks(s.doc)
}
