// Command tangle is the BSD kqueue recursive filesystem watcher's
// supervisor binary (spec.md §6 "CLI"). Invoked with no subcommand it
// supervises a Watcher and an EventConsumer as two child processes (spec.md
// §4.3). Invoked as "tangle watch <path>" or "tangle consume" it runs one
// of those processes directly in the current process — the shape the
// Supervisor re-execs itself into, and also usable standalone for
// debugging.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/voutilad/tangle/internal/config"
	"github.com/voutilad/tangle/internal/consumer"
	"github.com/voutilad/tangle/internal/control"
	"github.com/voutilad/tangle/internal/ignore"
	"github.com/voutilad/tangle/internal/supervisor"
	"github.com/voutilad/tangle/internal/transport"
	"github.com/voutilad/tangle/internal/watcher"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var err error
	switch {
	case len(os.Args) > 1 && os.Args[1] == "watch":
		err = runWatch(os.Args[2:])
	case len(os.Args) > 1 && os.Args[1] == "consume":
		err = runConsume(os.Args[2:])
	default:
		err = runSupervisor(os.Args[1:])
	}
	if err != nil {
		logger.Error("exiting on error", slog.Any("err", err))
		os.Exit(1)
	}
}

func runSupervisor(args []string) error {
	fs := flag.NewFlagSet("tangle", flag.ExitOnError)
	fs.Parse(args)

	root := "."
	if fs.NArg() > 0 {
		root = fs.Arg(0)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	return supervisor.Run(supervisor.Options{
		Root:       root,
		Rendezvous: cfg.Rendezvous,
		Logger:     slog.Default(),
	})
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("tangle watch", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("tangle watch: expected a root path argument")
	}
	root := fs.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	w, err := watcher.New(watcher.Options{
		Root:    root,
		Ignore:  ignore.New(cfg.IgnoreDirs, cfg.IgnoreFilePrefixes),
		Logger:  slog.Default(),
		RunID:   envOr("TANGLE_RUN_ID", ""),
		Wait:    cfg.KqueueWait,
		Control: childControl(),
	})
	if err != nil {
		return err
	}
	if err := w.Bootstrap(); err != nil {
		w.Close()
		return err
	}

	client, err := transport.Dial(envOr("TANGLE_RENDEZVOUS", cfg.Rendezvous), cfg.ConnectTimeout)
	if err != nil {
		w.Close()
		return err
	}
	defer client.Close()

	return w.Run(client)
}

func runConsume(args []string) error {
	fs := flag.NewFlagSet("tangle consume", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ln, err := transport.Listen(envOr("TANGLE_RENDEZVOUS", cfg.Rendezvous))
	if err != nil {
		return err
	}
	defer ln.Close()

	c := consumer.New(consumer.Options{
		Logger:  slog.Default(),
		RunID:   envOr("TANGLE_RUN_ID", ""),
		Control: childControl(),
	})
	return c.Run(ln)
}

// childControl wraps fd 3 as the control channel, but only when launched by
// the Supervisor (control.ChildEnvVar) — a standalone debug invocation has
// no such descriptor and must not try to read one. The inherited descriptor
// is switched to non-blocking mode first so that os.NewFile makes it
// pollable and control.Requested's read deadline applies to it.
func childControl() *os.File {
	if os.Getenv(control.ChildEnvVar) != "1" {
		return nil
	}
	_ = syscall.SetNonblock(3, true)
	return os.NewFile(3, "control")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
