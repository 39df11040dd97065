// Command sagastore manages the durable execution store used by the
// transaction checkpoint storage: schema migrations, retention sweeps,
// execution inspection and a long-running reaper with a metrics endpoint.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const usage = `usage: sagastore <command> [flags]

commands:
  init      write a settings file to ~/.sagastore
  migrate   apply schema migrations
  sweep     delete finished executions past their retention time
  validate  check a transaction flow or checkpoint JSON document
  inspect   print the latest checkpoint of a transaction as JSON
  serve     run the periodic reaper (and /metrics when metrics_addr is set)
  version   print the build version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("missing command")
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version":
		printVersion(stdout)
		return nil
	case "init":
		return runInit(rest, stdout)
	case "validate":
		return runValidate(rest, stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, stderr)

	switch cmd {
	case "migrate":
		return runMigrate(ctx, cfg, logger)
	case "sweep":
		return runSweep(ctx, cfg, logger, stdout)
	case "inspect":
		return runInspect(ctx, cfg, logger, rest, stdout)
	case "serve":
		return runServe(ctx, cfg, logger)
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}
