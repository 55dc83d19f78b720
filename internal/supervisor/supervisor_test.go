package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voutilad/tangle/internal/control"
)

const helperEnvVar = "TANGLE_SUPERVISOR_TEST_HELPER"

// TestMain lets this test binary impersonate tangle's "watch"/"consume"
// subcommands when Run re-execs it — the same self-exec trick the Go
// standard library's own os/exec tests use for helper child processes.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnvVar) == "1" {
		os.Exit(runHelperSubcommand())
	}
	os.Exit(m.Run())
}

// runHelperSubcommand stands in for both "watch" and "consume": it just
// waits for the shutdown sentinel on its control pipe (fd 3) and exits.
func runHelperSubcommand() int {
	ctrl := os.NewFile(3, "control")
	for {
		if control.Requested(ctrl) {
			return 0
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunJoinsChildrenOnStdinEOF(t *testing.T) {
	t.Setenv(helperEnvVar, "1")

	dir := t.TempDir()
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- Run(Options{
			Root:       dir,
			Rendezvous: filepath.Join(dir, ".sock"),
			Stdin:      stdinR,
		})
	}()

	// give the helper children a moment to start before signaling EOF
	time.Sleep(100 * time.Millisecond)
	if err := stdinW.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}
