package config

import (
	"errors"
	"fmt"
	"strconv"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Tracker.Host == "" {
		return errors.New("tracker.host is required")
	}
	if c.Tracker.UserID == "" {
		return errors.New("tracker.user_id is required")
	}
	if _, err := strconv.Atoi(c.Tracker.UserID); err != nil {
		return fmt.Errorf("tracker.user_id must be numeric, got %q", c.Tracker.UserID)
	}

	switch c.Store.Driver {
	case "memory":
	case "buntdb":
		if c.Store.Path == "" {
			return errors.New("store.path is required")
		}
	case "postgres":
		if err := c.Store.Postgres.validate("store.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.driver must be one of buntdb, postgres, memory, got %q", c.Store.Driver)
	}

	if c.Connection.ReconnectDelay <= 0 {
		return errors.New("connection.reconnect_delay must be > 0")
	}
	if c.Connection.PingTimeout < c.Connection.PingInterval {
		return fmt.Errorf("connection.ping_timeout (%s) cannot be shorter than ping_interval (%s)",
			c.Connection.PingTimeout, c.Connection.PingInterval)
	}

	if c.HTTP.MaxRetries < 0 {
		return errors.New("http.max_retries must be >= 0")
	}
	if c.HTTP.Concurrency < 1 {
		return errors.New("http.concurrency must be >= 1")
	}

	if c.Poller.StatsInterval < 0 {
		return errors.New("poller.stats_interval must be >= 0")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
