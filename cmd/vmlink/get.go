package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"regexp"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/vmlink/internal/app"
	"github.com/rickgao/vmlink/internal/connection"
	"github.com/rickgao/vmlink/internal/page"
	"github.com/rickgao/vmlink/internal/settings"
	"github.com/rickgao/vmlink/internal/status"
)

var torrentIDPattern = regexp.MustCompile(`^\d+$`)

// runGet sends torrents to the backend. Arguments are torrent ids or tracker
// download links.
func runGet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	common := addCommonFlags(fs)
	useFL := fs.Bool("fl", false, "spend a freeleech token")
	plain := fs.Bool("plain", false, "use the plain /get endpoint even in HTTPS mode")
	wait := fs.Duration("wait", 15*time.Second, "max time to wait for the backend connection")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("at least one torrent id is required")
	}

	ids := make([]string, 0, fs.NArg())
	for _, arg := range fs.Args() {
		id, err := torrentID(arg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
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

	if s.HTTPS && !*plain {
		return getOverSocket(ctx, e, s, ids, *useFL, *wait)
	}
	return getPlain(ctx, e, s, ids, *useFL)
}

// torrentID accepts a numeric id or a download link.
func torrentID(arg string) (string, error) {
	if torrentIDPattern.MatchString(arg) {
		return arg, nil
	}
	if id, _, ok := page.MatchDownloadLink(arg); ok {
		return id, nil
	}
	return "", fmt.Errorf("%q is neither a torrent id nor a download link", arg)
}

// getPlain calls the /get endpoint for every id concurrently.
func getPlain(ctx context.Context, e *env, s settings.Settings, ids []string, useFL bool) error {
	client := app.APIClient(e.cfg.HTTP, e.cfg.Connection.InsecureTLS, s, e.logger)
	ok := color.New(color.FgGreen).SprintFunc()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.HTTP.Concurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if _, err := client.Get(ctx, id, useFL); err != nil {
				return err
			}
			fmt.Printf("%s sent torrent #%s\n", ok("✓"), id)
			return nil
		})
	}

	return g.Wait()
}

// getOverSocket opens the backend connection, sends every id and prints the
// backend's answers until they stop coming.
func getOverSocket(ctx context.Context, e *env, s settings.Settings, ids []string, useFL bool, wait time.Duration) error {
	board := status.NewBoard()
	defer board.Close()

	notices := make(chan string, len(ids)*2)
	m := connection.NewManager(app.ManagerConfig(e.cfg.Connection, s), board, connection.Hooks{
		OnNotice: func(text string) {
			select {
			case notices <- text:
			default:
			}
		},
	}, e.logger)

	if err := m.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		m.Stop(stopCtx)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := m.WaitConnected(waitCtx); err != nil {
		return fmt.Errorf("backend unreachable (%s): %w", board.Text(), err)
	}

	for _, id := range ids {
		if err := m.Get(id, useFL); err != nil {
			return fmt.Errorf("get %s: %w", id, err)
		}
		printStatus(board.Text())
	}

	// Print the backend's answers; they usually follow within a second.
	quiet := time.NewTimer(2 * time.Second)
	defer quiet.Stop()
	for {
		select {
		case text := <-notices:
			printStatus(status.NoticePrefix + text)
			quiet.Reset(2 * time.Second)
		case <-quiet.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
