package config

import "time"

// Config is the root configuration for a vmlink instance.
type Config struct {
	Tracker    TrackerConfig    `yaml:"tracker"`
	Store      StoreConfig      `yaml:"store"`
	Connection ConnectionConfig `yaml:"connection"`
	HTTP       HTTPConfig       `yaml:"http"`
	Poller     PollerConfig     `yaml:"poller"`
	Log        LogConfig        `yaml:"log"`
}

// TrackerConfig identifies the tracker account whose settings are used.
// Settings are namespaced per (host, user id) so one store serves several accounts.
type TrackerConfig struct {
	Host   string `yaml:"host"`    // e.g. redacted.ch
	UserID string `yaml:"user_id"` // numeric tracker user id
}

// StoreConfig selects the settings backend.
type StoreConfig struct {
	Driver   string   `yaml:"driver"` // "buntdb", "postgres" or "memory"
	Path     string   `yaml:"path"`   // BuntDB data file (":memory:" allowed)
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ConnectionConfig holds backend WebSocket settings.
type ConnectionConfig struct {
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	NoticeRevert     time.Duration `yaml:"notice_revert"` // how long a notification stays in the status line
	InsecureTLS      bool          `yaml:"insecure_tls"`  // accept the backend's self-signed certificate
}

// HTTPConfig holds settings for the plain backend endpoints.
type HTTPConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Concurrency  int           `yaml:"concurrency"` // parallel fetches for multi-id gets
}

// PollerConfig holds statistics refresh settings.
type PollerConfig struct {
	StatsInterval time.Duration `yaml:"stats_interval"` // 0 disables periodic refresh
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	File   string `yaml:"file"`   // optional rotating log file
}
