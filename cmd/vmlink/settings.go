package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/rickgao/vmlink/internal/settings"
)

// runSettings shows the settings of the account, or sets the fields given as
// field=value arguments.
func runSettings(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("settings", flag.ContinueOnError)
	common := addCommonFlags(fs)
	reveal := fs.Bool("reveal", false, "print the token instead of masking it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := setup(ctx, common)
	if err != nil {
		return err
	}
	defer e.Close()

	if fs.NArg() == 0 {
		return showSettings(ctx, e.store, *reveal)
	}

	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	failed := 0
	for _, arg := range fs.Args() {
		field, value, found := strings.Cut(arg, "=")
		if !found {
			return fmt.Errorf("expected field=value, got %q", arg)
		}
		if err := e.store.SetField(ctx, field, value); err != nil {
			fmt.Fprintf(os.Stdout, "%s %s: %v\n", bad("✗"), field, err)
			failed++
			continue
		}
		fmt.Fprintf(os.Stdout, "%s %s saved\n", ok("✓"), field)
	}
	if failed > 0 {
		return fmt.Errorf("%d field(s) not saved", failed)
	}
	return nil
}

func showSettings(ctx context.Context, store *settings.Store, reveal bool) error {
	s, err := store.Load(ctx)
	if err != nil && !errors.Is(err, settings.ErrUnconfigured) {
		return err
	}

	label := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s %s\n", label("namespace"), store.Namespace().Prefix())
	for _, field := range settings.Fields {
		v, _ := s.Value(field)
		if field == settings.FieldToken && v != "" && !reveal {
			v = mask(v)
		}
		fmt.Printf("%-10s %s\n", label(field), v)
	}

	if !s.Configured() {
		color.New(color.FgYellow).Println("not configured: token, url and port are required")
	}
	return nil
}

// mask hides all but the last four characters.
func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
