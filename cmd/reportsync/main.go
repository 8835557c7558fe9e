// Command reportsync uploads field-report photos reliably: immediately when
// the network allows, through a durable retry queue otherwise.
//
// Usage:
//
//	reportsync run     [-once] [flags]     drain the retry queue, sweep the cache, serve /metrics
//	reportsync upload  [flags] file...     upload now, queue what could not finish
//	reportsync enqueue [flags] file...     put files straight on the retry queue
//	reportsync status  [flags]             list pending chains or one chain's tasks
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"reportsync/internal/config"
	"reportsync/internal/logging"
)

type command func(ctx context.Context, cfg *config.Config, logger logging.Logger, args []string) error

type subcommand struct {
	run   command
	flags func(fs *flag.FlagSet)
}

var commands = map[string]subcommand{
	"run":     {run: runCmd, flags: bindRunFlags},
	"upload":  {run: uploadCmd, flags: bindBatchFlags},
	"enqueue": {run: enqueueCmd, flags: bindBatchFlags},
	"status":  {run: statusCmd, flags: bindScopeFlags},
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	cfg, err := config.Load(fs, os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.NewConsole(os.Stderr, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.run(ctx, cfg, logger, fs.Args()); err != nil {
		logger.Error(ctx, os.Args[1]+" failed", "err", err)
		cancel()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: reportsync <run|upload|enqueue|status> [flags] [files...]")
}
