package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/rickgao/vmlink/internal/app"
	"github.com/rickgao/vmlink/internal/connection"
	"github.com/rickgao/vmlink/internal/poller"
	"github.com/rickgao/vmlink/internal/status"
)

var (
	upColor      = color.New(color.FgGreen)
	offlineColor = color.New(color.FgRed)
	pendingColor = color.New(color.FgYellow)
	noticeColor  = color.New(color.FgCyan)
)

// printStatus prints a status line colored by its meaning.
func printStatus(text string) {
	c := noticeColor
	switch {
	case text == status.Up:
		c = upColor
	case text == status.Offline || text == status.CannotGet:
		c = offlineColor
	case text == status.Pinging:
		c = pendingColor
	case strings.HasPrefix(text, status.SentPrefix):
		c = upColor
	}
	c.Printf("%s %s\n", time.Now().Format(time.TimeOnly), text)
}

// runWatch keeps the connection open, printing every status change and
// statistics message until interrupted.
func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	common := addCommonFlags(fs)
	healthAddr := fs.String("health", "", "serve /health on this address (e.g. :8080)")
	statsInterval := fs.Duration("stats-interval", 0, "request statistics this often, overrides poller.stats_interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := setup(ctx, common)
	if err != nil {
		return err
	}
	defer e.Close()

	s, err := e.loadSettings(ctx)
	if err != nil {
		return err
	}
	if !s.HTTPS {
		return fmt.Errorf("watch needs the https setting; %s uses plain links", e.store.Namespace().Prefix())
	}

	board := status.NewBoard()
	defer board.Close()
	updates := board.Subscribe()
	go func() {
		for text := range updates {
			printStatus(text)
		}
	}()

	m := connection.NewManager(app.ManagerConfig(e.cfg.Connection, s), board, connection.Hooks{
		OnHandshake: func() {
			e.logger.Info("backend handshake complete", "url", s.URL, "port", s.Port)
		},
		OnStats: func(text string) {
			fmt.Println(color.New(color.Bold).Sprint("statistics"))
			fmt.Println(text)
		},
	}, e.logger)

	if err := m.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := m.WaitConnected(ctx); err == nil {
			m.RequestStats()
		}
	}()

	interval := e.cfg.Poller.StatsInterval
	if *statsInterval > 0 {
		interval = *statsInterval
	}
	var p *poller.Poller
	if interval > 0 {
		p = poller.New(poller.Config{Interval: interval}, m, nil, nil, e.logger)
		if err := p.Start(ctx); err != nil {
			return err
		}
	}

	var healthServer *http.Server
	if *healthAddr != "" {
		healthServer = &http.Server{
			Addr:    *healthAddr,
			Handler: createHealthHandler(m, p, e.logger),
		}
		go func() {
			e.logger.Info("starting health server", "addr", *healthAddr)
			if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
				e.logger.Error("health server error", "error", err)
			}
		}()
	}

	// Wait for shutdown
	<-ctx.Done()

	e.logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if healthServer != nil {
		healthServer.Shutdown(shutdownCtx)
	}
	if p != nil {
		p.Stop(shutdownCtx)
	}
	return m.Stop(shutdownCtx)
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(m connection.Manager, p *poller.Poller, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := m.Stats()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		health.Components["connection"] = map[string]interface{}{
			"state":      stats.State.String(),
			"attempt":    stats.Attempt,
			"reconnects": stats.Reconnects,
			"handshakes": stats.Handshakes,
			"messages":   stats.MessagesReceived,
			"stale":      stats.StaleEvents,
		}
		if stats.State != connection.StateConnected {
			health.Status = "degraded"
		}

		if p != nil {
			ps := p.Stats()
			health.Components["stats_poller"] = map[string]interface{}{
				"requests": ps.Requests,
				"skipped":  ps.Skipped,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Error("failed to encode health response", "error", err)
		}
	})

	return mux
}
