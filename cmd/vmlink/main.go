// vmlink sends tracker torrents to a varroa musica backend and augments
// tracker pages with backend links.
// Usage: vmlink <command> [flags]
//
// Commands:
//
//	settings  show or change the backend settings of a tracker account
//	get       send torrents to the backend
//	watch     keep the backend connection open and print its status
//	page      add backend links to a saved tracker page
//	stats     download the backend statistics graphs
//	version   print version information
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/rickgao/vmlink/internal/config"
	"github.com/rickgao/vmlink/internal/logging"
	"github.com/rickgao/vmlink/internal/settings"
	"github.com/rickgao/vmlink/internal/version"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"settings", "show or change backend settings (field=value ...)", runSettings},
	{"get", "send torrents to the backend (id ...)", runGet},
	{"watch", "keep the backend connection open and print its status", runWatch},
	{"page", "add backend links to a saved tracker page", runPage},
	{"stats", "download the backend statistics graphs", runStats},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	name, args := os.Args[1], os.Args[2:]
	switch name {
	case "version", "-version", "--version":
		fmt.Println(version.String())
		return
	case "help", "-h", "-help", "--help":
		usage(os.Stdout)
		return
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage(os.Stderr)
		os.Exit(2)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := cmd.run(ctx, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		color.New(color.FgRed).Fprintf(os.Stderr, "vmlink %s: %v\n", name, err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "vmlink %s\n\nUsage: vmlink <command> [flags]\n\nCommands:\n", version.Version)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(w, "  %-9s %s\n", "version", "print version information")
	fmt.Fprintln(w, "\nRun 'vmlink <command> -h' for the flags of a command.")
}

// commonFlags are shared by every command.
type commonFlags struct {
	configPath string
	host       string
	userID     string
	logLevel   string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	fs.StringVar(&f.configPath, "config", "", "path to config file")
	fs.StringVar(&f.host, "host", "", "tracker host, overrides tracker.host")
	fs.StringVar(&f.userID, "user", "", "tracker user id, overrides tracker.user_id")
	fs.StringVar(&f.logLevel, "log-level", "", "log level, overrides log.level")
	return f
}

// env is what every command needs once flags are parsed.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *settings.Store
	backend settings.Backend
	logFile io.Closer
}

// setup loads the configuration, builds the logger and opens the settings store.
func setup(ctx context.Context, f *commonFlags) (*env, error) {
	cfg := &config.Config{}
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.host != "" {
		cfg.Tracker.Host = f.host
	}
	if f.userID != "" {
		cfg.Tracker.UserID = f.userID
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logger, logFile, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	logger.Debug("configuration loaded",
		"version", version.Version,
		"config", f.configPath,
		"host", cfg.Tracker.Host,
		"store", cfg.Store.Driver,
	)

	backend, err := settings.OpenBackend(ctx, cfg.Store)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("open settings store: %w", err)
	}

	ns := settings.Namespace{Host: cfg.Tracker.Host, UserID: cfg.Tracker.UserID}
	return &env{
		cfg:     cfg,
		logger:  logger,
		store:   settings.NewStore(backend, ns, logger),
		backend: backend,
		logFile: logFile,
	}, nil
}

func (e *env) Close() {
	if err := e.backend.Close(); err != nil {
		e.logger.Warn("failed to close settings store", "error", err)
	}
	e.logFile.Close()
}

// loadSettings returns complete settings or an error telling the user how
// to fix them.
func (e *env) loadSettings(ctx context.Context) (settings.Settings, error) {
	s, err := e.store.Load(ctx)
	if errors.Is(err, settings.ErrUnconfigured) {
		return s, fmt.Errorf("%w for %s; run 'vmlink settings token=... url=... port=...'",
			err, e.store.Namespace().Prefix())
	}
	return s, err
}
