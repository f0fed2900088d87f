// Command cleanup trims finished job history from every queue and prints a
// per-queue summary. It exits non-zero only when it cannot get far enough to
// start cleaning.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/maintenance"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/queue"
	"github.com/jrjohn/engage-cloud-go/pkg/logger"
)

type options struct {
	timeout time.Duration
	limit   int
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute parses flags, builds the logger and runs the cleanup, returning
// the process exit code. Deferred calls, including the logger sync, have
// run by the time it returns.
func execute(args []string, stdout, stderr io.Writer) int {
	var opts options
	flags := pflag.NewFlagSet("cleanup", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall time limit")
	flags.IntVar(&opts.limit, "limit", 0, "max jobs removed per state and queue (0 keeps the configured limit)")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log, err := logger.New(logger.Config{
		Level:       cfg.App.LogLevel,
		Development: cfg.App.Debug,
		Service:     cfg.App.Name + "-cleanup",
		Output:      "stderr",
	})
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if err := run(ctx, cfg, opts, stdout, log); err != nil {
		log.Error("Cleanup aborted", zap.Error(err))
		return 1
	}
	return 0
}

// run connects, cleans every queue and prints the summary. Only setup
// failures are returned; per-queue errors are part of the summary.
func run(ctx context.Context, cfg *config.Config, opts options, out io.Writer, log *zap.Logger) error {
	client, err := queue.Connect(ctx, cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn("Failed to close redis client", zap.Error(err))
		}
	}()

	var setOpts []queue.Option
	if cfg.Jobs.KeyPrefix != "" {
		setOpts = append(setOpts, queue.WithKeyPrefix(cfg.Jobs.KeyPrefix))
	}
	set := queue.NewSet(client, cfg.Jobs.Policies(), log, setOpts...)

	cleanCfg := maintenance.Config{
		CompletedGrace: cfg.Maintenance.CompletedGrace,
		FailedGrace:    cfg.Maintenance.FailedGrace,
		Limit:          cfg.Maintenance.Limit,
	}
	if opts.limit > 0 {
		cleanCfg.Limit = opts.limit
	}

	results := maintenance.NewCleaner(set.Queues(), cleanCfg, log).Run(ctx)
	if err := maintenance.WriteSummary(out, results); err != nil {
		log.Warn("Failed to write summary", zap.Error(err))
	}

	// queues close before the deferred client close
	if err := set.Close(ctx); err != nil {
		log.Warn("Failed to close queues", zap.Error(err))
	}
	return nil
}
