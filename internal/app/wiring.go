package app

import (
	"log/slog"

	"github.com/rickgao/vmlink/internal/api"
	"github.com/rickgao/vmlink/internal/config"
	"github.com/rickgao/vmlink/internal/connection"
	"github.com/rickgao/vmlink/internal/settings"
	"github.com/rickgao/vmlink/internal/version"
)

// ManagerConfig builds the Connection Manager configuration for the backend
// described by s. Zero durations in c keep the package defaults.
func ManagerConfig(c config.ConnectionConfig, s settings.Settings) connection.ManagerConfig {
	mc := connection.DefaultManagerConfig()
	mc.Token = s.Token
	mc.Site = s.Site
	mc.Client.URL = api.SocketURL(s)
	mc.Client.UserAgent = version.UserAgent()
	mc.Client.InsecureTLS = c.InsecureTLS

	if c.ReconnectDelay > 0 {
		mc.ReconnectDelay = c.ReconnectDelay
	}
	if c.NoticeRevert > 0 {
		mc.NoticeRevert = c.NoticeRevert
	}
	if c.HandshakeTimeout > 0 {
		mc.Client.HandshakeTimeout = c.HandshakeTimeout
	}
	if c.WriteTimeout > 0 {
		mc.Client.WriteTimeout = c.WriteTimeout
	}
	if c.PingInterval > 0 {
		mc.Client.PingInterval = c.PingInterval
	}
	if c.PingTimeout > 0 {
		mc.Client.PingTimeout = c.PingTimeout
	}
	return mc
}

// APIClient builds the plain HTTP client for the backend described by s.
func APIClient(h config.HTTPConfig, insecureTLS bool, s settings.Settings, logger *slog.Logger) *api.Client {
	opts := []api.ClientOption{api.WithLogger(logger)}
	if h.Timeout > 0 {
		opts = append(opts, api.WithTimeout(h.Timeout))
	}
	if h.MaxRetries > 0 || h.RetryBackoff > 0 {
		opts = append(opts, api.WithRetries(h.MaxRetries, h.RetryBackoff))
	}
	if insecureTLS {
		opts = append(opts, api.WithInsecureTLS())
	}
	return api.NewClient(s, opts...)
}
