package settings

import (
	"errors"
	"strconv"
)

// Errors
var (
	ErrUnconfigured = errors.New("settings not configured")
	ErrUnknownField = errors.New("unknown settings field")
	ErrNotPersisted = errors.New("value not persisted")
	ErrNotFound     = errors.New("key not found")
)

// Field names, as they appear in storage keys.
const (
	FieldToken = "token"
	FieldURL   = "url"
	FieldPort  = "port"
	FieldHTTPS = "https"
	FieldSite  = "site"
)

// Fields lists every settings field in storage order.
var Fields = []string{FieldToken, FieldURL, FieldPort, FieldHTTPS, FieldSite}

// Settings describes how to reach the backend for one tracker account.
type Settings struct {
	Token string // backend token
	URL   string // backend hostname, without scheme
	Port  string
	HTTPS bool   // use the persistent WebSocket instead of plain links
	Site  string // tracker label known to the backend
}

// Configured reports whether the settings are complete enough to reach the backend.
func (s Settings) Configured() bool {
	return s.Token != "" && s.URL != "" && s.Port != ""
}

// Value returns the stored string form of a field.
func (s Settings) Value(field string) (string, error) {
	switch field {
	case FieldToken:
		return s.Token, nil
	case FieldURL:
		return s.URL, nil
	case FieldPort:
		return s.Port, nil
	case FieldHTTPS:
		return strconv.FormatBool(s.HTTPS), nil
	case FieldSite:
		return s.Site, nil
	}
	return "", ErrUnknownField
}

// set assigns a field from its stored string form.
func (s *Settings) set(field, value string) error {
	switch field {
	case FieldToken:
		s.Token = value
	case FieldURL:
		s.URL = value
	case FieldPort:
		s.Port = value
	case FieldHTTPS:
		s.HTTPS = parseBool(value)
	case FieldSite:
		s.Site = value
	default:
		return ErrUnknownField
	}
	return nil
}

// parseBool reads a stored boolean; anything unparsable is false.
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Namespace scopes settings to one tracker account.
type Namespace struct {
	Host   string // tracker hostname, e.g. redacted.ch
	UserID string
}

// Prefix returns the key prefix shared by all fields of the namespace.
func (n Namespace) Prefix() string {
	return n.Host + "_" + n.UserID + "_"
}

// Key returns the storage key of a field.
func (n Namespace) Key(field string) string {
	return n.Prefix() + field
}

// IsField reports whether name is a known settings field.
func IsField(name string) bool {
	for _, f := range Fields {
		if f == name {
			return true
		}
	}
	return false
}
