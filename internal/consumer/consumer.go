// Package consumer implements the reference EventConsumer: it accepts the
// Watcher's connection, deframes events, and for every descriptor it
// receives spawns a detached worker that reads and counts bytes (spec.md §2
// "EventConsumer (external)", §5 "workers are detached and own the
// descriptor they receive"). It is provided as the system's own downstream
// collaborator rather than a stand-in, but the core only ever depends on
// the interface boundary this package sits behind.
//
// Grounded on the original's tangle/processor.py: accept once, loop reading
// framed events, hand any descriptor that arrives off to a worker that owns
// it exclusively.
package consumer

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/voutilad/tangle/internal/control"
	"github.com/voutilad/tangle/internal/event"
	"github.com/voutilad/tangle/internal/transport"
)

// Consumer accepts one Watcher connection and processes the events it
// sends.
type Consumer struct {
	log     *slog.Logger
	control *os.File
}

// Options configures a new Consumer.
type Options struct {
	Logger  *slog.Logger
	RunID   string
	Control *os.File // shutdown control channel read end; nil runs until EOF
}

// New builds a Consumer.
func New(opts Options) *Consumer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Consumer{
		log:     opts.Logger.With(slog.String("run_id", opts.RunID)),
		control: opts.Control,
	}
}

// Run accepts the single connection ln offers and processes events from it
// until the connection closes or the control channel signals shutdown.
func (c *Consumer) Run(ln *transport.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()
	c.log.Info("consumer accepted connection")

	for {
		if control.Requested(c.control) {
			c.log.Info("consumer shutting down")
			return nil
		}
		e, err := conn.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.log.Info("watcher closed connection")
				return nil
			}
			if errors.Is(err, transport.ErrInodeMismatch) {
				c.log.Error("inode mismatch on received descriptor, dropping connection", slog.Any("err", err))
				return err
			}
			return err
		}
		c.handle(e)
	}
}

func (c *Consumer) handle(e event.Event) {
	c.log.Info("received event",
		slog.String("type", e.Type.String()),
		slog.Uint64("inode", e.Inode),
		slog.String("name", e.Name))
	if !e.HasFd {
		return
	}
	go countBytes(c.log, e)
}

// countBytes is the detached per-descriptor worker (spec.md §5): it owns
// e.Fd exclusively and reads it to completion, counting bytes.
func countBytes(log *slog.Logger, e event.Event) {
	f := os.NewFile(uintptr(e.Fd), e.Name)
	defer f.Close()

	n, err := io.Copy(io.Discard, f)
	if err != nil {
		log.Warn("worker read failed", slog.Uint64("inode", e.Inode), slog.Any("err", err))
		return
	}
	log.Info("worker counted bytes", slog.Uint64("inode", e.Inode), slog.Int64("bytes", n))
}
