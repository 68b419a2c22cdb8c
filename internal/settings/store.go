package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Backend is a persistent string key/value store.
type Backend interface {
	// Get returns the value of key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key.
	Set(ctx context.Context, key, value string) error

	// Close releases the backend.
	Close() error
}

// Store reads and writes the settings of one namespace.
type Store struct {
	backend Backend
	ns      Namespace
	logger  *slog.Logger
}

// NewStore creates a Store for ns on top of backend.
func NewStore(backend Backend, ns Namespace, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		ns:      ns,
		logger:  logger.With("namespace", ns.Prefix()),
	}
}

// Namespace returns the namespace the store is bound to.
func (s *Store) Namespace() Namespace {
	return s.ns
}

// Load reads all fields. Absent keys keep their zero value. When token, url
// or port is missing the partially read settings are returned together with
// ErrUnconfigured.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	var out Settings
	for _, field := range Fields {
		v, err := s.get(ctx, field)
		if err != nil {
			return Settings{}, err
		}
		if err := out.set(field, v); err != nil {
			return Settings{}, err
		}
	}

	if !out.Configured() {
		return out, ErrUnconfigured
	}
	return out, nil
}

// Get returns the stored value of one field, "" when absent.
func (s *Store) Get(ctx context.Context, field string) (string, error) {
	if !IsField(field) {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return s.get(ctx, field)
}

func (s *Store) get(ctx context.Context, field string) (string, error) {
	v, err := s.backend.Get(ctx, s.ns.Key(field))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", field, err)
	}
	return v, nil
}

// SetField writes one field and reads it back. A read-back that differs from
// the written value yields ErrNotPersisted.
func (s *Store) SetField(ctx context.Context, field, value string) error {
	if !IsField(field) {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	if field == FieldHTTPS {
		value = fmt.Sprint(parseBool(value))
	}

	key := s.ns.Key(field)
	if err := s.backend.Set(ctx, key, value); err != nil {
		return fmt.Errorf("write %s: %w", field, err)
	}

	got, err := s.get(ctx, field)
	if err != nil {
		return err
	}
	if got != value {
		s.logger.Warn("settings read-back mismatch", "field", field)
		return fmt.Errorf("%s: %w", field, ErrNotPersisted)
	}

	s.logger.Debug("settings field saved", "field", field)
	return nil
}

// Save writes every field of st.
func (s *Store) Save(ctx context.Context, st Settings) error {
	for _, field := range Fields {
		v, err := st.Value(field)
		if err != nil {
			return err
		}
		if err := s.SetField(ctx, field, v); err != nil {
			return err
		}
	}
	return nil
}
