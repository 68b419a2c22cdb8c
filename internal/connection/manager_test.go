package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/vmlink/internal/status"
)

// fakeClient is a scripted Client driven by the test.
type fakeClient struct {
	msgs chan TimestampedMessage
	errs chan error
	done chan struct{}

	gate       chan struct{} // if non-nil, Connect blocks until closed
	connectErr error

	mu        sync.Mutex
	sent      [][]byte
	connected bool
	closeOnce sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		msgs: make(chan TimestampedMessage),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeClient) Messages() <-chan TimestampedMessage { return f.msgs }
func (f *fakeClient) Errors() <-chan error                { return f.errs }
func (f *fakeClient) Done() <-chan struct{}               { return f.done }

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) isClosed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fakeClient) sentCommands(t *testing.T) []Command {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := make([]Command, 0, len(f.sent))
	for _, data := range f.sent {
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			t.Fatalf("sent invalid json %q: %v", data, err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

// deliver hands a raw message to the manager's read loop.
func (f *fakeClient) deliver(t *testing.T, raw string) {
	t.Helper()
	select {
	case f.msgs <- TimestampedMessage{Data: []byte(raw), ReceivedAt: time.Now()}:
	case <-time.After(time.Second):
		t.Fatalf("timeout delivering %s", raw)
	}
}

// fakeFactory hands out scripted clients, one per attempt.
type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	prepare func(n int, c *fakeClient)
}

func (ff *fakeFactory) newClient(ClientConfig, *slog.Logger) Client {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	c := newFakeClient()
	if ff.prepare != nil {
		ff.prepare(len(ff.clients), c)
	}
	ff.clients = append(ff.clients, c)
	return c
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.clients)
}

func (ff *fakeFactory) client(t *testing.T, i int) *fakeClient {
	t.Helper()
	eventually(t, func() bool { return ff.count() > i })
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.clients[i]
}

// recorder captures Reporter calls.
type recorder struct {
	mu      sync.Mutex
	sets    []string
	flashes []string
	reverts []time.Duration
}

func (r *recorder) Set(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = append(r.sets, text)
}

func (r *recorder) Flash(text string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flashes = append(r.flashes, text)
	r.reverts = append(r.reverts, d)
}

func (r *recorder) countSet(text string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sets {
		if s == text {
			n++
		}
	}
	return n
}

func (r *recorder) lastSet() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sets) == 0 {
		return ""
	}
	return r.sets[len(r.sets)-1]
}

func (r *recorder) lastFlash() (string, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.flashes) == 0 {
		return "", 0
	}
	return r.flashes[len(r.flashes)-1], r.reverts[len(r.reverts)-1]
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type counter struct {
	mu    sync.Mutex
	n     int
	texts []string
}

func (c *counter) inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *counter) add(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	c.texts = append(c.texts, text)
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func testManager(t *testing.T, cfg ManagerConfig, hooks Hooks) (*manager, *fakeFactory, *recorder) {
	t.Helper()
	ff := &fakeFactory{}
	rec := &recorder{}
	if cfg.Token == "" {
		cfg.Token = "T"
	}
	if cfg.Site == "" {
		cfg.Site = "red"
	}
	m := NewManager(cfg, rec, hooks, nil).(*manager)
	m.newClient = ff.newClient
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m, ff, rec
}

func connectedManager(t *testing.T, cfg ManagerConfig, hooks Hooks) (*manager, *fakeFactory, *recorder, *fakeClient) {
	t.Helper()
	m, ff, rec := testManager(t, cfg, hooks)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}
	return m, ff, rec, ff.client(t, 0)
}

func TestManager_SendsHelloOnOpen(t *testing.T) {
	m, _, rec, c := connectedManager(t, ManagerConfig{}, Hooks{})

	cmds := c.sentCommands(t)
	if len(cmds) != 1 {
		t.Fatalf("sent %d commands, want 1", len(cmds))
	}
	want := Command{Command: CmdHello, Token: "T", Site: "red"}
	if cmds[0].Command != want.Command || cmds[0].Token != want.Token || cmds[0].Site != want.Site {
		t.Errorf("hello = %+v, want %+v", cmds[0], want)
	}

	if m.State() != StateConnected {
		t.Errorf("State = %v, want connected", m.State())
	}
	if got := rec.lastSet(); got != status.Pinging {
		t.Errorf("status before ack = %q, want %q", got, status.Pinging)
	}

	c.deliver(t, `{"Status":0,"Message":"hello"}`)
	eventually(t, func() bool { return rec.lastSet() == status.Up })
}

func TestManager_HandshakeRunsOnce(t *testing.T) {
	var handshakes counter
	m, ff, rec, c := connectedManager(t, ManagerConfig{ReconnectDelay: 10 * time.Millisecond},
		Hooks{OnHandshake: handshakes.inc})

	c.deliver(t, `{"Status":0,"Message":"hello"}`)
	c.deliver(t, `{"Status":0,"Message":"hello"}`)
	eventually(t, func() bool { return m.Stats().MessagesReceived == 2 })

	if got := rec.countSet(status.Up); got != 1 {
		t.Errorf("Up shown %d times on one attempt, want 1", got)
	}
	if got := handshakes.get(); got != 1 {
		t.Errorf("OnHandshake ran %d times, want 1", got)
	}

	// Drop the connection; the reconnect acknowledges again.
	c.errs <- errors.New("connection reset")
	c2 := ff.client(t, 1)
	eventually(t, func() bool { return m.State() == StateConnected })
	c2.deliver(t, `{"Status":0,"Message":"hello"}`)
	eventually(t, func() bool { return rec.countSet(status.Up) == 2 })

	if got := handshakes.get(); got != 1 {
		t.Errorf("OnHandshake ran %d times after reconnect, want 1", got)
	}
	if got := m.Stats().Handshakes; got != 2 {
		t.Errorf("Handshakes = %d, want 2", got)
	}
}

func TestManager_MistypedStatusIsNotAnAck(t *testing.T) {
	var handshakes, notices counter
	m, _, rec, c := connectedManager(t, ManagerConfig{},
		Hooks{OnHandshake: handshakes.inc, OnNotice: func(string) { notices.inc() }})

	c.deliver(t, `{"Status":null,"Message":"hello"}`)
	c.deliver(t, `{"Status":"0","Message":"hello"}`)
	c.deliver(t, `{"Status":0.7,"Message":"hello"}`)
	c.deliver(t, `{"Status":"error","Message":"snatched foo"}`)
	eventually(t, func() bool { return m.Stats().MessagesReceived == 4 })

	if got := handshakes.get(); got != 0 {
		t.Errorf("OnHandshake ran %d times, want 0", got)
	}
	if got := notices.get(); got != 0 {
		t.Errorf("OnNotice ran %d times, want 0", got)
	}
	if got := rec.countSet(status.Up); got != 0 {
		t.Errorf("Up shown %d times, want 0", got)
	}
	if got := m.Stats().Handshakes; got != 0 {
		t.Errorf("Handshakes = %d, want 0", got)
	}
}

func TestManager_MessageRouting(t *testing.T) {
	var stats, notices counter
	hooks := Hooks{OnStats: stats.add, OnNotice: notices.add}
	m, _, rec, c := connectedManager(t, ManagerConfig{NoticeRevert: 3 * time.Second}, hooks)

	c.deliver(t, `{"Status":0,"Message":"snatched foo","Target":0}`)
	eventually(t, func() bool { return notices.get() == 1 })
	text, revert := rec.lastFlash()
	if text != "VM: snatched foo" {
		t.Errorf("flash = %q, want %q", text, "VM: snatched foo")
	}
	if revert != 3*time.Second {
		t.Errorf("revert = %v, want 3s", revert)
	}

	// Missing Target is a notification.
	c.deliver(t, `{"Status":0,"Message":"disk full"}`)
	eventually(t, func() bool { return notices.get() == 2 })

	c.deliver(t, `{"Status":0,"Message":"up 1.2 TB","Target":1}`)
	eventually(t, func() bool { return stats.get() == 1 })
	stats.mu.Lock()
	if stats.texts[0] != "up 1.2 TB" {
		t.Errorf("stats text = %q", stats.texts[0])
	}
	stats.mu.Unlock()

	// Errors and malformed messages are ignored.
	c.deliver(t, `{"Status":1,"Message":"boom"}`)
	c.deliver(t, `{"Message":"no status"}`)
	c.deliver(t, `not json`)
	eventually(t, func() bool { return m.Stats().MessagesReceived == 6 })

	if notices.get() != 2 || stats.get() != 1 {
		t.Errorf("notices = %d, stats = %d; want 2, 1", notices.get(), stats.get())
	}
	if got := rec.lastSet(); got != status.Pinging {
		t.Errorf("steady status = %q, want unchanged %q", got, status.Pinging)
	}
}

func TestManager_GetWhileOffline(t *testing.T) {
	gate := make(chan struct{})
	m, ff, rec := testManager(t, ManagerConfig{}, Hooks{})
	ff.prepare = func(n int, c *fakeClient) { c.gate = gate }

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	c := ff.client(t, 0)

	err := m.Get("42", false)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Get error = %v, want ErrNotConnected", err)
	}
	if got := rec.lastSet(); got != status.CannotGet {
		t.Errorf("status = %q, want %q", got, status.CannotGet)
	}
	if n := len(c.sentCommands(t)); n != 0 {
		t.Errorf("sent %d commands while offline", n)
	}
	if err := m.RequestStats(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RequestStats error = %v, want ErrNotConnected", err)
	}
}

func TestManager_Get(t *testing.T) {
	m, _, rec, c := connectedManager(t, ManagerConfig{}, Hooks{})

	if err := m.Get("1234", true); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := m.RequestStats(); err != nil {
		t.Fatalf("RequestStats failed: %v", err)
	}

	cmds := c.sentCommands(t)
	if len(cmds) != 3 {
		t.Fatalf("sent %d commands, want 3", len(cmds))
	}
	get := cmds[1]
	if get.Command != CmdGet || len(get.Args) != 1 || get.Args[0] != "1234" || !get.FLToken {
		t.Errorf("get = %+v", get)
	}
	if get.Token != "T" || get.Site != "red" {
		t.Errorf("get credentials = %q/%q", get.Token, get.Site)
	}
	if cmds[2].Command != CmdStats {
		t.Errorf("third command = %q, want stats", cmds[2].Command)
	}

	text, _ := rec.lastFlash()
	if text != status.SentPrefix+"1234" {
		t.Errorf("flash = %q, want %q", text, status.SentPrefix+"1234")
	}
}

func TestManager_ReconnectAfterError(t *testing.T) {
	m, ff, rec, c := connectedManager(t, ManagerConfig{ReconnectDelay: 20 * time.Millisecond}, Hooks{})

	c.errs <- errors.New("peer closed")
	eventually(t, func() bool { return rec.countSet(status.Offline) == 1 })

	ff.client(t, 1)
	eventually(t, func() bool { return m.State() == StateConnected })

	s := m.Stats()
	if s.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", s.Reconnects)
	}
	if s.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", s.Attempt)
	}
	if !c.isClosed() {
		t.Error("expected first client to be closed")
	}
}

func TestManager_DialFailureSchedulesOneTimer(t *testing.T) {
	m, ff, rec := testManager(t, ManagerConfig{ReconnectDelay: 30 * time.Millisecond}, Hooks{})
	ff.prepare = func(n int, c *fakeClient) {
		if n < 2 {
			c.connectErr = errors.New("connection refused")
		}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}

	if got := ff.count(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if got := rec.countSet(status.Offline); got != 2 {
		t.Errorf("Offline shown %d times, want 2", got)
	}
	if got := m.Stats().Reconnects; got != 2 {
		t.Errorf("Reconnects = %d, want 2", got)
	}
}

func TestManager_MessagesBeforeErrorAreHandled(t *testing.T) {
	var notices counter
	m, ff, _ := testManager(t, ManagerConfig{ReconnectDelay: time.Hour},
		Hooks{OnNotice: notices.add})
	ff.prepare = func(n int, c *fakeClient) {
		if n > 0 {
			return
		}
		// Both messages and the error are ready as soon as the attempt opens.
		c.msgs = make(chan TimestampedMessage, 2)
		c.msgs <- TimestampedMessage{Data: []byte(`{"Status":0,"Message":"hello"}`)}
		c.msgs <- TimestampedMessage{Data: []byte(`{"Status":0,"Message":"snatched foo"}`)}
		c.errs <- &websocket.CloseError{Code: websocket.CloseGoingAway}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	eventually(t, func() bool { return m.State() == StateOffline })

	stats := m.Stats()
	if stats.MessagesReceived != 2 {
		t.Errorf("MessagesReceived = %d, want 2", stats.MessagesReceived)
	}
	if stats.Handshakes != 1 {
		t.Errorf("Handshakes = %d, want 1", stats.Handshakes)
	}
	if got := notices.get(); got != 1 {
		t.Errorf("OnNotice ran %d times, want 1", got)
	}
}

func TestManager_StaleReconnectTimerDoesNotOpen(t *testing.T) {
	m, ff, _ := testManager(t, ManagerConfig{ReconnectDelay: time.Hour}, Hooks{})
	ff.prepare = func(n int, c *fakeClient) {
		if n == 0 {
			c.connectErr = errors.New("connection refused")
		}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	eventually(t, func() bool { return m.State() == StateOffline })

	m.Retry()
	eventually(t, func() bool { return m.State() == StateConnected })

	// A timer callback for attempt 1 firing after the retry is a no-op.
	m.reconnect(1)

	if got := ff.count(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if got := m.Stats().Attempt; got != 2 {
		t.Errorf("Attempt = %d, want 2", got)
	}
	if m.State() != StateConnected {
		t.Errorf("State = %v, want connected", m.State())
	}
}

func TestManager_RetrySupersedesPendingReconnect(t *testing.T) {
	m, ff, _, c := connectedManager(t, ManagerConfig{ReconnectDelay: time.Hour}, Hooks{})

	c.errs <- errors.New("peer closed")
	eventually(t, func() bool { return m.State() == StateOffline })

	m.Retry()
	ff.client(t, 1)
	eventually(t, func() bool { return m.State() == StateConnected })

	m.mu.Lock()
	timer := m.reconnectTimer
	m.mu.Unlock()
	if timer != nil {
		t.Error("expected pending reconnect to be cancelled by Retry")
	}
	if got := ff.count(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestManager_RetryWhileDialing(t *testing.T) {
	gate := make(chan struct{})
	m, ff, _ := testManager(t, ManagerConfig{ReconnectDelay: time.Hour}, Hooks{})
	ff.prepare = func(n int, c *fakeClient) {
		if n == 0 {
			c.gate = gate
			c.connectErr = errors.New("timed out")
		}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := ff.client(t, 0)

	m.Retry()
	ff.client(t, 1)
	eventually(t, func() bool { return m.State() == StateConnected })

	if !first.isClosed() {
		t.Error("expected superseded client to be closed")
	}

	// The first dial now fails; the failure belongs to a superseded attempt.
	close(gate)
	eventually(t, func() bool { return m.Stats().StaleEvents == 1 })

	if m.State() != StateConnected {
		t.Errorf("State = %v, want connected", m.State())
	}
	if got := m.Stats().Reconnects; got != 0 {
		t.Errorf("Reconnects = %d, want 0", got)
	}
}

func TestManager_WaitConnected(t *testing.T) {
	gate := make(chan struct{})
	m, ff, _ := testManager(t, ManagerConfig{}, Hooks{})
	ff.prepare = func(n int, c *fakeClient) { c.gate = gate }

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	err := m.WaitConnected(ctx)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitConnected error = %v, want deadline exceeded", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.WaitConnected(context.Background()) }()

	close(gate)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitConnected failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitConnected did not return after connect")
	}
}

func TestManager_Stop(t *testing.T) {
	m, ff, _, c := connectedManager(t, ManagerConfig{ReconnectDelay: 10 * time.Millisecond}, Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if !c.isClosed() {
		t.Error("expected client to be closed")
	}
	if m.State() != StateIdle {
		t.Errorf("State = %v, want idle", m.State())
	}
	if err := m.WaitConnected(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("WaitConnected error = %v, want ErrStopped", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start error = %v, want ErrStopped", err)
	}

	m.Retry()
	time.Sleep(30 * time.Millisecond)
	if got := ff.count(); got != 1 {
		t.Errorf("attempts after Stop = %d, want 1", got)
	}
	if err := m.Stop(ctx); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestManager_ParentContextCancel(t *testing.T) {
	m, _, _ := testManager(t, ManagerConfig{}, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("expected error on second Start")
	}
	cancel()

	if err := m.WaitConnected(context.Background()); err != nil && !errors.Is(err, ErrStopped) {
		t.Errorf("WaitConnected error = %v", err)
	}
	eventually(t, func() bool { return m.ctx.Err() != nil })
}

func TestManager_Integration(t *testing.T) {
	received := make(chan Command, 4)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				return
			}
			received <- cmd
			switch cmd.Command {
			case CmdHello:
				conn.WriteMessage(websocket.TextMessage, []byte(`{"Status":0,"Message":"hello"}`))
			case CmdGet:
				conn.WriteMessage(websocket.TextMessage, []byte(`{"Status":0,"Message":"got `+cmd.Args[0]+`","Target":0}`))
			}
		}
	})
	defer server.Close()

	board := status.NewBoard()
	defer board.Close()

	var handshakes counter
	cfg := DefaultManagerConfig()
	cfg.Client = testClientConfig(server)
	cfg.Token = "secret"
	cfg.Site = "ops"
	cfg.NoticeRevert = 50 * time.Millisecond

	m := NewManager(cfg, board, Hooks{OnHandshake: handshakes.inc}, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}
	eventually(t, func() bool { return board.Text() == status.Up })

	hello := <-received
	if hello.Command != CmdHello || hello.Token != "secret" || hello.Site != "ops" {
		t.Errorf("hello = %+v", hello)
	}

	if err := m.Get("77", false); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	eventually(t, func() bool { return board.Text() == "VM: got 77" })
	eventually(t, func() bool { return board.Text() == status.Up })

	if handshakes.get() != 1 {
		t.Errorf("OnHandshake ran %d times, want 1", handshakes.get())
	}
}
