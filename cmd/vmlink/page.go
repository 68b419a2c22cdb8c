package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"golang.org/x/net/html"

	"github.com/rickgao/vmlink/internal/app"
	"github.com/rickgao/vmlink/internal/page"
	"github.com/rickgao/vmlink/internal/settings"
)

// runPage reads a saved tracker page, adds the backend links and writes the
// result.
func runPage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("page", flag.ContinueOnError)
	common := addCommonFlags(fs)
	pageURL := fs.String("url", "", "URL the page was saved from (selects top10, user page, ...)")
	in := fs.String("in", "-", "input HTML file, - for stdin")
	out := fs.String("out", "-", "output HTML file, - for stdout")
	wait := fs.Duration("wait", 15*time.Second, "max time to wait for the backend handshake in HTTPS mode")
	if err := fs.Parse(args); err != nil {
		return err
	}

	doc, err := readPage(*in)
	if err != nil {
		return err
	}

	// The page knows who is logged in; flags and config still win.
	if common.userID == "" {
		if id, ok := page.UserID(doc); ok {
			common.userID = id
		}
	}

	e, err := setup(ctx, common)
	if err != nil {
		return err
	}
	defer e.Close()

	notifier := app.NotifierFunc(func(n app.Notification) error {
		color.New(color.FgYellow).Fprintf(os.Stderr, "%s %s\n(%s)\n", n.Title, n.Text, n.Link)
		return nil
	})

	session := app.New(app.Config{
		PageURL:    *pageURL,
		Connection: e.cfg.Connection,
		HTTP:       e.cfg.HTTP,
		Poller:     e.cfg.Poller,
	}, e.store, doc, notifier, e.logger)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- session.Run(runCtx) }()

	timeout := time.NewTimer(*wait)
	defer timeout.Stop()

	select {
	case <-session.Injected():
		// Give a user page the chance to receive its statistics.
		if session.Kind() == page.KindUser {
			time.Sleep(time.Second)
		}
	case err := <-done:
		cancel()
		if err != nil && !errors.Is(err, settings.ErrUnconfigured) {
			return err
		}
		return writePage(*out, session)
	case <-timeout.C:
		e.logger.Warn("backend handshake timed out, writing page without links", "status", session.Status())
	case <-ctx.Done():
	}

	cancel()
	if err := <-done; err != nil {
		return err
	}
	return writePage(*out, session)
}

func readPage(path string) (*html.Node, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return page.Parse(r)
}

func writePage(path string, session *app.Session) error {
	if path == "-" {
		return session.Render(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := session.Render(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
