package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/frost56k/cm-bot/internal/storage/file"
	"github.com/frost56k/cm-bot/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envDSN         = "CMBOT_POSTGRES_DSN"
)

// options — разобранные флаги командной строки.
type options struct {
	direction string
	steps     int
	dsn       string
	catalog   string
}

func parseOptions(args []string, lookup func(string) string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.direction, "direction", "up", "up|down|status|list|seed")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envDSN+")")
	fs.StringVar(&opts.catalog, "catalog", "", "catalog file for -direction=seed (YAML or JSON)")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	if strings.TrimSpace(opts.dsn) == "" {
		opts.dsn = strings.TrimSpace(lookup(envDSN))
	}
	if opts.dsn == "" {
		return opts, errors.New(envDSN + " (or -dsn) is required")
	}
	switch opts.direction {
	case "up", "down", "status", "list":
	case "seed":
		if strings.TrimSpace(opts.catalog) == "" {
			return opts, errors.New("-catalog is required for seed")
		}
	default:
		return opts, fmt.Errorf("unsupported direction: %s (use up|down|status|list|seed)", opts.direction)
	}
	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch opts.direction {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
		return printStatus(ctx, store, out, "migrate up ok")
	case "down":
		steps := opts.steps
		if steps <= 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
		return printStatus(ctx, store, out, "migrate down ok")
	case "status":
		return printStatus(ctx, store, out, "migration status")
	case "list":
		states, err := store.Migrations(ctx)
		if err != nil {
			return fmt.Errorf("list migrations: %w", err)
		}
		for _, m := range states {
			mark := " "
			if m.Applied {
				mark = "x"
			}
			_, _ = fmt.Fprintf(out, "[%s] %04d %s\n", mark, m.Version, m.Name)
		}
		return nil
	case "seed":
		items, err := file.LoadCatalog(opts.catalog)
		if err != nil {
			return err
		}
		seeded, err := postgres.NewInventory(store).Seed(ctx, items)
		if err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
		if !seeded {
			_, _ = fmt.Fprintln(out, "catalog already present, seed skipped")
			return nil
		}
		_, _ = fmt.Fprintf(out, "catalog seeded: %d items\n", len(items))
		return nil
	}
	return fmt.Errorf("unsupported direction: %s", opts.direction)
}

func printStatus(ctx context.Context, store *postgres.Store, out io.Writer, prefix string) error {
	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, _ = fmt.Fprintf(out, "%s: version=%d applied=%d\n", prefix, version, count)
	return nil
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		cancel()
		fail("%v", err)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
