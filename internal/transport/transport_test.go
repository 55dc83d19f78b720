package transport

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/voutilad/tangle/internal/event"
)

func statIno(t *testing.T, path string) uint64 {
	t.Helper()
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		t.Fatalf("unix.Stat(%q): %v", path, err)
	}
	return uint64(st.Ino)
}

func TestSendReceiveWithDescriptor(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, ".sock")

	ln, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	target := filepath.Join(dir, "watched")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	ino := statIno(t, target)
	fd, err := unix.Open(target, unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("unix.Open: %v", err)
	}

	serverEvents := make(chan event.Event, 1)
	serverErrs := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErrs <- err
			return
		}
		defer conn.Close()
		e, err := conn.Receive()
		if err != nil {
			serverErrs <- err
			return
		}
		serverEvents <- e
	}()

	client, err := Dial(sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	sent := event.New(event.Write, ino, 12345.5, "watched", fd)
	if err := client.Send(sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case err := <-serverErrs:
		t.Fatalf("server error: %v", err)
	case got := <-serverEvents:
		if !got.Equal(sent) {
			t.Errorf("received event %+v does not match sent %+v", got, sent)
		}
		if !got.HasFd {
			t.Fatal("expected received event to carry a descriptor")
		}
		var st unix.Stat_t
		if err := unix.Fstat(got.Fd, &st); err != nil {
			t.Fatalf("Fstat received descriptor: %v", err)
		}
		if uint64(st.Ino) != got.Inode {
			t.Errorf("received descriptor inode %d != event inode %d", st.Ino, got.Inode)
		}
		unix.Close(got.Fd)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for received event")
	}
}

func TestSendReceiveWithoutDescriptor(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, ".sock")

	ln, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverEvents := make(chan event.Event, 1)
	serverErrs := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErrs <- err
			return
		}
		defer conn.Close()
		e, err := conn.Receive()
		if err != nil {
			serverErrs <- err
			return
		}
		serverEvents <- e
	}()

	client, err := Dial(sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	sent := event.New(event.Delete, 42, 99.0, "gone", 0)
	if err := client.Send(sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case err := <-serverErrs:
		t.Fatalf("server error: %v", err)
	case got := <-serverEvents:
		if !got.Equal(sent) {
			t.Errorf("received event %+v does not match sent %+v", got, sent)
		}
		if got.HasFd {
			t.Error("delete event should not carry a descriptor")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for received event")
	}
}

func TestDialTimesOutWithoutListener(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "nobody-listening.sock")

	start := time.Now()
	_, err := Dial(sockPath, 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected Dial to fail when no listener is present")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Dial took %v, expected to give up near the 200ms budget", elapsed)
	}
}
