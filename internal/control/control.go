// Package control implements the minimal single-byte shutdown signal the
// Supervisor sends each child process over its control pipe (spec.md §4.3,
// §5 "Cancellation and timeout") — the Go analogue of the original's
// multiprocessing.Queue sentinel.
package control

import (
	"os"
	"time"
)

// Shutdown is the sentinel byte written to request graceful shutdown.
const Shutdown byte = 0x01

// ChildEnvVar is set by the Supervisor on both children it launches so each
// knows a control pipe was actually passed as fd 3 via exec.Cmd.ExtraFiles,
// as opposed to running standalone for debugging (spec.md §4.3's "tangle
// watch <path>" usable outside the Supervisor).
const ChildEnvVar = "TANGLE_CHILD"

// Requested performs a non-blocking check of ch for the shutdown sentinel,
// turning a pipe read into a poll via a one-millisecond read deadline (a
// deadline already in the past would fail the read before it looks at the
// pipe). A nil ch (no control channel configured, e.g. standalone debugging)
// never requests shutdown.
func Requested(ch *os.File) bool {
	if ch == nil {
		return false
	}
	_ = ch.SetReadDeadline(time.Now().Add(time.Millisecond))
	buf := make([]byte, 1)
	n, _ := ch.Read(buf)
	return n > 0 && buf[0] == Shutdown
}

// Send writes the shutdown sentinel to ch.
func Send(ch *os.File) error {
	_, err := ch.Write([]byte{Shutdown})
	return err
}
