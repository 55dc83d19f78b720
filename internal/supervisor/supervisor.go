// Package supervisor implements the thin harness that starts the Watcher
// and EventConsumer as independent OS processes, waits for a graceful-exit
// trigger on standard input or an interrupt, and coordinates shutdown
// (spec.md §4.3). Its only nontrivial contract is that ordering.
package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"

	"github.com/google/uuid"

	"github.com/voutilad/tangle/internal/control"
)

// Options configures a Supervisor run.
type Options struct {
	Root       string       // root directory to watch
	Rendezvous string       // transport socket path
	Logger     *slog.Logger // defaults to slog.Default()
	Stdin      io.Reader    // defaults to os.Stdin
}

// Run re-execs the current binary as "tangle watch <root>" and
// "tangle consume", each given one end of its own control pipe via
// exec.Cmd.ExtraFiles — the closest Go equivalent of the original's
// multiprocessing.Queue parent-side control queue. It blocks until stdin
// reaches EOF or the process receives an interrupt, then sends the shutdown
// sentinel to each child and joins both (spec.md §4.3, §5 "Cancellation and
// timeout").
func Run(opts Options) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	runID := uuid.NewString()
	log := opts.Logger.With(slog.String("run_id", runID))

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("supervisor: resolve executable: %w", err)
	}

	watcherCtrlR, watcherCtrlW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("supervisor: control pipe: %w", err)
	}
	defer watcherCtrlR.Close()
	defer watcherCtrlW.Close()

	consumerCtrlR, consumerCtrlW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("supervisor: control pipe: %w", err)
	}
	defer consumerCtrlR.Close()
	defer consumerCtrlW.Close()

	childEnv := append(os.Environ(),
		"TANGLE_RENDEZVOUS="+opts.Rendezvous,
		"TANGLE_RUN_ID="+runID,
		control.ChildEnvVar+"=1",
	)

	consumerCmd := exec.Command(self, "consume")
	consumerCmd.ExtraFiles = []*os.File{consumerCtrlR}
	consumerCmd.Env = childEnv
	consumerCmd.Stdout, consumerCmd.Stderr = os.Stdout, os.Stderr

	watcherCmd := exec.Command(self, "watch", opts.Root)
	watcherCmd.ExtraFiles = []*os.File{watcherCtrlR}
	watcherCmd.Env = childEnv
	watcherCmd.Stdout, watcherCmd.Stderr = os.Stdout, os.Stderr

	// Start the consumer first so it is listening before the Watcher dials.
	if err := consumerCmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start consumer: %w", err)
	}
	if err := watcherCmd.Start(); err != nil {
		_ = consumerCmd.Process.Kill()
		_, _ = consumerCmd.Process.Wait()
		return fmt.Errorf("supervisor: start watcher: %w", err)
	}
	log.Info("started watcher and consumer",
		slog.Int("watcher_pid", watcherCmd.Process.Pid),
		slog.Int("consumer_pid", consumerCmd.Process.Pid))

	waitForTrigger(opts.Stdin)
	log.Info("shutdown trigger received")

	if err := control.Send(watcherCtrlW); err != nil {
		log.Warn("failed to signal watcher shutdown", slog.Any("err", err))
	}
	if err := control.Send(consumerCtrlW); err != nil {
		log.Warn("failed to signal consumer shutdown", slog.Any("err", err))
	}

	watcherErr := watcherCmd.Wait()
	consumerErr := consumerCmd.Wait()

	if err := os.Remove(opts.Rendezvous); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove rendezvous socket", slog.Any("err", err))
	}

	if watcherErr != nil {
		return fmt.Errorf("supervisor: watcher exited with error: %w", watcherErr)
	}
	if consumerErr != nil {
		return fmt.Errorf("supervisor: consumer exited with error: %w", consumerErr)
	}
	return nil
}

// waitForTrigger blocks until r reaches EOF (or any read error) or the
// process receives an interrupt (spec.md §6 "Shutdown is triggered by
// end-of-input on standard input or by interrupt").
func waitForTrigger(r io.Reader) {
	stdinDone := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := r.Read(buf); err != nil {
				close(stdinDone)
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	select {
	case <-stdinDone:
	case <-sigCh:
	}
}
