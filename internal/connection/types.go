package connection

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tidwall/gjson"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrStopped         = errors.New("manager stopped")
	ErrMalformed       = errors.New("malformed message")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Command names understood by the backend.
const (
	CmdHello = "hello"
	CmdGet   = "get"
	CmdStats = "stats"
)

// Command is a message sent to the backend. Field names are part of the
// backend protocol and must not change.
type Command struct {
	Command string   `json:"Command"`
	Token   string   `json:"Token"`
	Site    string   `json:"Site"`
	Args    []string `json:"Args,omitempty"`
	FLToken bool     `json:"FLToken,omitempty"`
}

// Message targets.
const (
	TargetNotification = 0
	TargetStats        = 1
)

// Message is a message received from the backend.
type Message struct {
	Status  int    // 0 means success
	Message string // "hello" acknowledges the handshake
	Target  int    // TargetNotification when absent
}

// OK reports whether the backend flagged the message as successful.
func (m Message) OK() bool {
	return m.Status == 0
}

// IsHello reports whether the message acknowledges the handshake.
func (m Message) IsHello() bool {
	return m.OK() && m.Message == CmdHello
}

// ParseMessage decodes a backend message. Status must be an integer so that a
// missing or mistyped value is never mistaken for success.
func ParseMessage(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return Message{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	status, err := integer(res, "Status")
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		Status:  status,
		Message: res.Get("Message").String(),
		Target:  TargetNotification,
	}
	if res.Get("Target").Exists() {
		if msg.Target, err = integer(res, "Target"); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}

// integer reads field as a JSON number with no fractional part.
func integer(res gjson.Result, field string) (int, error) {
	v := res.Get(field)
	if !v.Exists() {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	if v.Type != gjson.Number || v.Num != math.Trunc(v.Num) {
		return 0, fmt.Errorf("%w: %s is not an integer: %s", ErrMalformed, field, v.Raw)
	}
	return int(v.Num), nil
}

// State is the connection state of a Manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOffline:
		return "offline"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://seedbox.example:8443/ws)
	UserAgent        string        // User-Agent header sent with the handshake
	HandshakeTimeout time.Duration // Max time for the opening handshake
	PingInterval     time.Duration // Keepalive ping period
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
	InsecureTLS      bool          // Accept self-signed backend certificates
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       64,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client         ClientConfig  // URL lives here
	Token          string        // Backend token sent with every command
	Site           string        // Tracker label sent with every command
	ReconnectDelay time.Duration // Fixed wait before an automatic reconnect
	NoticeRevert   time.Duration // How long a notification stays before status reverts
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:         DefaultClientConfig(),
		ReconnectDelay: 5 * time.Second,
		NoticeRevert:   5 * time.Second,
	}
}

// Reporter displays status text. *status.Board implements it.
type Reporter interface {
	Set(text string)
	Flash(text string, d time.Duration)
}

// Hooks are optional callbacks. They run outside the manager's lock and may
// call back into the manager.
type Hooks struct {
	// OnHandshake runs after the first hello acknowledgment of the manager's
	// lifetime. Later acknowledgments (including after reconnects) do not run it.
	OnHandshake func()

	// OnStats receives the text of statistics messages (Target 1).
	OnStats func(text string)

	// OnNotice receives the text of notification messages (Target 0).
	OnNotice func(text string)
}
