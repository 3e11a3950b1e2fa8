// Command pageviews-clean deletes page views older than a number of days.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/pflag"

	"github.com/cppla/pageviews/config"
	"github.com/cppla/pageviews/models"
	"github.com/cppla/pageviews/store"
	"github.com/cppla/pageviews/utils"
)

// Deleter is the retention operation of the store.
type Deleter interface {
	DeleteBefore(ctx context.Context, cutoff time.Time, keepOnePerTarget bool) (int64, error)
}

type options struct {
	days       int
	keepUnique bool
	configPath string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	cfg, err := config.LoadFrom(opts.configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := utils.InitLogger(cfg); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	db, err := config.InitDatabase(cfg, &models.ViewEvent{})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	st := store.New(db, store.Options{
		Timeout:          cfg.PageView.StoreTimeout(),
		RetentionTimeout: cfg.PageView.RetentionTimeout(),
		Logger:           utils.Logger,
	})
	return clean(context.Background(), st, quartz.NewReal(), opts, stdout, stderr)
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("pageviews-clean", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntVarP(&opts.days, "days", "d", 0, fmt.Sprintf("delete views older than this many days, 1-%d (required)", config.MaxRetentionDays))
	fs.BoolVar(&opts.keepUnique, "keep-unique", false, "keep the newest old view of every url, route and object")
	fs.StringVarP(&opts.configPath, "config", "c", "config/config.json", "path to the JSON config file")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if !fs.Changed("days") {
		return opts, errors.New("--days is required")
	}
	if opts.days < 1 || opts.days > config.MaxRetentionDays {
		return opts, fmt.Errorf("--days must be between 1 and %d, got %d", config.MaxRetentionDays, opts.days)
	}
	return opts, nil
}

func clean(ctx context.Context, d Deleter, clock quartz.Clock, opts options, stdout, stderr io.Writer) int {
	cutoff := clock.Now().UTC().AddDate(0, 0, -opts.days)
	n, err := d.DeleteBefore(ctx, cutoff, opts.keepUnique)
	if err != nil {
		fmt.Fprintf(stderr, "cleanup failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "deleted %d page views older than %s\n", n, cutoff.Format(time.RFC3339))
	return 0
}
