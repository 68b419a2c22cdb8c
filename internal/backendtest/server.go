// Package backendtest provides an in-process fake of the companion backend:
// the /ws WebSocket endpoint and the plain /get and /getStats routes.
package backendtest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/rickgao/vmlink/internal/connection"
	"github.com/rickgao/vmlink/internal/settings"
)

// Config configures a fake backend.
type Config struct {
	Token  string            // expected token; required on every route
	Site   string            // site label put in Settings()
	TLS    bool              // serve https/wss with a self-signed certificate
	Stats  string            // text answered to the stats command
	Images map[string][]byte // graphs served by /getStats/{file}
	Logger *slog.Logger
}

// Get is one torrent request received by the backend.
type Get struct {
	ID      string
	FLToken bool
	Socket  bool // received over the WebSocket rather than /get
}

// Server is a running fake backend.
type Server struct {
	cfg      Config
	http     *httptest.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	commands []connection.Command
	gets     []Get
	accepted int
	refuse   bool
}

// New starts a fake backend. Close it when done.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*websocket.Conn]struct{}),
	}

	rtr := mux.NewRouter()
	rtr.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	rtr.HandleFunc("/get/{id:[0-9]+}", s.serveGet).Methods(http.MethodGet)
	rtr.HandleFunc("/getStats/{file}", s.serveStats).Methods(http.MethodGet)

	if cfg.TLS {
		s.http = httptest.NewTLSServer(rtr)
	} else {
		s.http = httptest.NewServer(rtr)
	}
	return s
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.http.Close()
}

// URL returns the base URL, e.g. "http://127.0.0.1:41234".
func (s *Server) URL() string {
	return s.http.URL
}

// WSURL returns the WebSocket endpoint.
func (s *Server) WSURL() string {
	u, _ := url.Parse(s.http.URL)
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host + "/ws"
}

// HTTPClient returns a client that trusts the server certificate.
func (s *Server) HTTPClient() *http.Client {
	return s.http.Client()
}

// Settings returns settings pointing at this backend.
func (s *Server) Settings() settings.Settings {
	u, _ := url.Parse(s.http.URL)
	host, port, _ := net.SplitHostPort(u.Host)
	return settings.Settings{
		Token: s.cfg.Token,
		URL:   host,
		Port:  port,
		HTTPS: s.cfg.TLS,
		Site:  s.cfg.Site,
	}
}

// Refuse makes the WebSocket endpoint reject new connections while on.
func (s *Server) Refuse(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = on
}

// Commands returns every command received over WebSockets.
func (s *Server) Commands() []connection.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]connection.Command(nil), s.commands...)
}

// Gets returns every torrent request received.
func (s *Server) Gets() []Get {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Get(nil), s.gets...)
}

// Accepted returns the number of WebSocket connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Live returns the number of open WebSocket connections.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Notify pushes a notification to every open connection.
func (s *Server) Notify(text string) {
	s.broadcast(reply{Status: 0, Message: text, Target: connection.TargetNotification})
}

// DropConnections closes every open WebSocket connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "backend restarting"),
			time.Now().Add(time.Second))
		c.Close()
	}
}

// reply is the backend's outbound message.
type reply struct {
	Status  int
	Message string
	Target  int
}

func (s *Server) broadcast(r reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		s.writeLocked(c, r)
	}
}

// writeLocked must be called with mu held; it serializes writers.
func (s *Server) writeLocked(c *websocket.Conn, r reply) {
	data, _ := json.Marshal(r)
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("fake backend write failed", "error", err)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("fake backend upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.accepted++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd connection.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.send(conn, reply{Status: 1, Message: "malformed command"})
			continue
		}
		s.handleCommand(conn, cmd)
	}
}

func (s *Server) handleCommand(conn *websocket.Conn, cmd connection.Command) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	if cmd.Token != s.cfg.Token {
		s.send(conn, reply{Status: 1, Message: "wrong token"})
		return
	}

	switch cmd.Command {
	case connection.CmdHello:
		s.send(conn, reply{Status: 0, Message: connection.CmdHello})
	case connection.CmdGet:
		if len(cmd.Args) != 1 {
			s.send(conn, reply{Status: 1, Message: "get needs one id"})
			return
		}
		s.mu.Lock()
		s.gets = append(s.gets, Get{ID: cmd.Args[0], FLToken: cmd.FLToken, Socket: true})
		s.mu.Unlock()
		s.send(conn, reply{Status: 0, Message: fmt.Sprintf("Downloading torrent #%s", cmd.Args[0])})
	case connection.CmdStats:
		s.send(conn, reply{Status: 0, Message: s.cfg.Stats, Target: connection.TargetStats})
	default:
		s.send(conn, reply{Status: 1, Message: "unknown command " + cmd.Command})
	}
}

func (s *Server) send(conn *websocket.Conn, r reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(conn, r)
}

func (s *Server) authorized(r *http.Request) bool {
	return r.URL.Query().Get("token") == s.cfg.Token
}

func (s *Server) serveGet(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	s.gets = append(s.gets, Get{ID: id, FLToken: r.URL.Query().Get("fltoken") == "true"})
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body>Downloaded torrent #%s successfully.</body></html>", id)
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	data, ok := s.cfg.Images[mux.Vars(r)["file"]]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}
