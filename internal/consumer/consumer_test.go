package consumer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/voutilad/tangle/internal/event"
	"github.com/voutilad/tangle/internal/transport"
)

func openTestFile(t *testing.T, dir string) (path string, ino uint64, fd int) {
	t.Helper()
	path = filepath.Join(dir, "watched")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		t.Fatal(err)
	}
	f, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	return path, uint64(st.Ino), f
}

func TestRunProcessesEventThenEOF(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, ".sock")

	ln, err := transport.Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	_, ino, fd := openTestFile(t, dir)

	c := New(Options{})
	done := make(chan error, 1)
	go func() { done <- c.Run(ln) }()

	client, err := transport.Dial(sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := client.Send(event.New(event.Write, ino, 1.0, "watched", fd)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}

func TestRunReturnsErrorOnInodeMismatch(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, ".sock")

	ln, err := transport.Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	_, ino, fd := openTestFile(t, dir)

	c := New(Options{})
	done := make(chan error, 1)
	go func() { done <- c.Run(ln) }()

	client, err := transport.Dial(sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	// Deliberately lie about the inode to trigger the ancillary-data
	// invariant check (spec.md §8).
	if err := client.Send(event.New(event.Write, ino+1, 1.0, "watched", fd)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrInodeMismatch) {
			t.Errorf("Run returned %v, want %v", err, transport.ErrInodeMismatch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}
