package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"

	"github.com/rickgao/vmlink/internal/api"
	"github.com/rickgao/vmlink/internal/app"
	"github.com/rickgao/vmlink/internal/poller"
)

// runStats downloads every statistics graph into a directory.
func runStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	common := addCommonFlags(fs)
	dir := fs.String("dir", ".", "directory receiving the graphs")
	list := fs.Bool("list", false, "list the graphs and their URLs without downloading")
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

	if *list {
		for _, img := range api.StatsImages {
			fmt.Printf("%-18s %s\n", img.Label, api.StatsURL(s, img.Filename))
		}
		return nil
	}

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		return err
	}

	ok := color.New(color.FgGreen).SprintFunc()
	handler := poller.ImageHandlerFunc(func(filename, contentType string, data []byte) error {
		path := filepath.Join(*dir, filename)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("%s %s (%d bytes)\n", ok("✓"), path, len(data))
		return nil
	})

	client := app.APIClient(e.cfg.HTTP, e.cfg.Connection.InsecureTLS, s, e.logger)
	p := poller.New(poller.Config{
		Interval:    time.Hour,
		Concurrency: e.cfg.HTTP.Concurrency,
		Timeout:     e.cfg.HTTP.Timeout,
	}, nil, client, handler, e.logger)

	stats := p.Refresh(ctx)
	if stats.ImageErrors > 0 {
		return fmt.Errorf("%d of %d graphs failed", stats.ImageErrors, len(api.StatsImages))
	}
	return nil
}
