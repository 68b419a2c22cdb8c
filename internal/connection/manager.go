package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/vmlink/internal/status"
)

// Manager owns the lifecycle of the backend connection.
type Manager interface {
	// Start opens the first connection attempt. Cancelling ctx stops the manager.
	Start(ctx context.Context) error

	// Stop closes the connection and cancels any pending reconnect.
	Stop(ctx context.Context) error

	// Retry abandons the current attempt (and any pending reconnect) and
	// starts a new one immediately.
	Retry()

	// Send transmits cmd if connected. Nothing is queued: while not
	// connected it returns ErrNotConnected.
	Send(cmd Command) error

	// Get asks the backend to fetch torrent id and reports the outcome on
	// the status line.
	Get(id string, useFLToken bool) error

	// RequestStats asks the backend for a statistics message.
	RequestStats() error

	// WaitConnected blocks until the manager reaches StateConnected.
	WaitConnected(ctx context.Context) error

	// State returns the current connection state.
	State() State

	// Stats returns connection statistics.
	Stats() ManagerStats
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State            State
	Attempt          uint64 // id of the current attempt, 0 before Start
	Reconnects       int    // automatic reconnects scheduled
	Handshakes       int    // hello acknowledgments received
	MessagesReceived int64
	StaleEvents      int64 // events discarded because their attempt was superseded
}

// manager implements the Manager interface.
type manager struct {
	cfg      ManagerConfig
	reporter Reporter
	hooks    Hooks
	logger   *slog.Logger

	// newClient builds the client of each attempt.
	newClient func(ClientConfig, *slog.Logger) Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	started        bool
	stopped        bool
	state          State
	attempt        uint64
	client         Client
	reconnectTimer *time.Timer
	connected      chan struct{} // closed while state is StateConnected
	ackedAttempt   uint64        // attempt whose hello was acknowledged
	handshakeDone  bool          // OnHandshake already ran
	stats          ManagerStats
}

// NewManager creates a new Connection Manager. reporter may be nil.
func NewManager(cfg ManagerConfig, reporter Reporter, hooks Hooks, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultManagerConfig().ReconnectDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &manager{
		cfg:       cfg,
		reporter:  reporter,
		hooks:     hooks,
		logger:    logger.With("session", uuid.NewString()),
		newClient: NewClient,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		connected: make(chan struct{}),
	}
}

// Start begins the first connection attempt.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.started {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	// Parent cancellation stops the manager.
	context.AfterFunc(ctx, m.cancel)

	m.logger.Info("connection manager started",
		"url", m.cfg.Client.URL,
		"reconnect_delay", m.cfg.ReconnectDelay,
	)

	m.open("start")
	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.stopTimerLocked()
	client := m.client
	m.client = nil
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	m.logger.Info("stopping connection manager")
	m.cancel()

	if client != nil {
		client.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
		return ctx.Err()
	}

	m.logger.Info("connection manager stopped")
	return nil
}

// Retry starts a new attempt now.
func (m *manager) Retry() {
	m.open("manual retry")
}

// open supersedes the current attempt with a new one. The previous client is
// closed, so at most one connection is ever live.
func (m *manager) open(reason string) {
	m.mu.Lock()
	start := m.openLocked(reason)
	m.mu.Unlock()
	start()
}

// reconnect opens a new attempt unless attempt id was already superseded.
func (m *manager) reconnect(id uint64) {
	m.mu.Lock()
	if id != m.attempt {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	start := m.openLocked("reconnect")
	m.mu.Unlock()
	start()
}

// openLocked must be called with mu held. The returned func closes the
// previous client and starts the new attempt; call it after releasing mu.
func (m *manager) openLocked(reason string) func() {
	if m.stopped || m.ctx.Err() != nil {
		return func() {}
	}
	m.stopTimerLocked()

	old := m.client
	m.attempt++
	id := m.attempt
	c := m.newClient(m.cfg.Client, m.logger.With("attempt", id))
	m.client = c
	m.setStateLocked(StateConnecting)
	m.reporter.Set(status.Pinging)
	m.stats.Attempt = id

	// wg.Add under mu so Stop cannot start waiting before the goroutine is counted.
	m.wg.Add(1)

	return func() {
		if old != nil {
			old.Close()
		}
		m.logger.Debug("opening connection", "attempt", id, "reason", reason)
		go m.run(id, c)
	}
}

// run drives one attempt from dial to failure.
func (m *manager) run(id uint64, c Client) {
	defer m.wg.Done()

	if err := c.Connect(m.ctx); err != nil {
		m.onDown(id, fmt.Errorf("dial: %w", err))
		return
	}

	if err := m.onOpen(id, c); err != nil {
		m.onDown(id, err)
		return
	}

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-c.Done():
			// Superseded or stopped.
			return

		case err := <-c.Errors():
			m.drain(id, c)
			m.onDown(id, err)
			return

		case msg := <-c.Messages():
			m.onMessage(id, msg.Data)
		}
	}
}

// drain handles messages read before the connection failed.
func (m *manager) drain(id uint64, c Client) {
	for {
		select {
		case msg := <-c.Messages():
			m.onMessage(id, msg.Data)
		default:
			return
		}
	}
}

// onOpen sends the handshake, then marks the attempt connected.
func (m *manager) onOpen(id uint64, c Client) error {
	if !m.isCurrent(id) {
		c.Close()
		return nil
	}

	data, err := json.Marshal(m.command(CmdHello))
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}
	if err := c.Send(data); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.attempt || m.stopped {
		m.stats.StaleEvents++
		return nil
	}
	m.setStateLocked(StateConnected)
	m.logger.Info("connected to backend", "attempt", id)
	return nil
}

// onDown handles a failed dial, a transport error or a peer close.
func (m *manager) onDown(id uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != m.attempt || m.stopped || m.ctx.Err() != nil {
		m.stats.StaleEvents++
		m.logger.Debug("discarding event from superseded attempt", "attempt", id, "error", err)
		return
	}

	m.setStateLocked(StateOffline)
	m.reporter.Set(status.Offline)

	m.logger.Warn("backend connection lost",
		"attempt", id,
		"error", err,
		"retry_in", m.cfg.ReconnectDelay,
	)

	if m.reconnectTimer != nil {
		return
	}
	m.stats.Reconnects++
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.reconnect(id)
	})
}

// onMessage dispatches one inbound message.
func (m *manager) onMessage(id uint64, data []byte) {
	m.mu.Lock()
	if id != m.attempt || m.stopped {
		m.stats.StaleEvents++
		m.mu.Unlock()
		return
	}
	m.stats.MessagesReceived++
	m.mu.Unlock()

	msg, err := ParseMessage(data)
	if err != nil {
		m.logger.Debug("ignoring backend message", "error", err)
		return
	}
	if !msg.OK() {
		m.logger.Debug("ignoring backend message with error status",
			"status", msg.Status,
			"message", msg.Message,
		)
		return
	}

	if msg.IsHello() {
		m.onHello(id)
		return
	}

	switch msg.Target {
	case TargetStats:
		if m.hooks.OnStats != nil {
			m.hooks.OnStats(msg.Message)
		}
	default:
		m.reporter.Flash(status.NoticePrefix+msg.Message, m.cfg.NoticeRevert)
		if m.hooks.OnNotice != nil {
			m.hooks.OnNotice(msg.Message)
		}
	}
}

// onHello handles the handshake acknowledgment.
func (m *manager) onHello(id uint64) {
	m.mu.Lock()
	if id != m.attempt {
		m.mu.Unlock()
		return
	}
	if m.ackedAttempt != id {
		m.ackedAttempt = id
		m.stats.Handshakes++
		m.reporter.Set(status.Up)
	}
	first := !m.handshakeDone
	m.handshakeDone = true
	m.mu.Unlock()

	if first && m.hooks.OnHandshake != nil {
		m.hooks.OnHandshake()
	}
}

// Send transmits cmd if connected.
func (m *manager) Send(cmd Command) error {
	m.mu.Lock()
	if m.state != StateConnected || m.client == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	c := m.client
	m.mu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Command, err)
	}
	if err := c.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Command, err)
	}

	m.logger.Debug("command sent", "command", cmd.Command, "args", cmd.Args)
	return nil
}

// Get sends a get command for torrent id.
func (m *manager) Get(id string, useFLToken bool) error {
	cmd := m.command(CmdGet)
	cmd.Args = []string{id}
	cmd.FLToken = useFLToken

	if err := m.Send(cmd); err != nil {
		if errors.Is(err, ErrNotConnected) {
			m.reporter.Set(status.CannotGet)
		}
		return err
	}

	m.reporter.Flash(status.SentPrefix+id, m.cfg.NoticeRevert)
	return nil
}

// RequestStats sends a stats command.
func (m *manager) RequestStats() error {
	return m.Send(m.command(CmdStats))
}

// WaitConnected blocks until connected, ctx is done or the manager stops.
func (m *manager) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	ch := m.connected
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrStopped
	}
}

// State returns the current state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.State = m.state
	return s
}

// command builds a command carrying the configured token and site.
func (m *manager) command(name string) Command {
	return Command{
		Command: name,
		Token:   m.cfg.Token,
		Site:    m.cfg.Site,
	}
}

func (m *manager) isCurrent(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return id == m.attempt && !m.stopped
}

// setStateLocked must be called with mu held.
func (m *manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	switch {
	case s == StateConnected:
		close(m.connected)
	case m.state == StateConnected:
		m.connected = make(chan struct{})
	}
	m.state = s
}

// stopTimerLocked must be called with mu held.
func (m *manager) stopTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

type nopReporter struct{}

func (nopReporter) Set(string)                  {}
func (nopReporter) Flash(string, time.Duration) {}
