package control

import (
	"os"
	"testing"
)

func TestRequestedNilChannel(t *testing.T) {
	if Requested(nil) {
		t.Error("Requested(nil) should be false")
	}
}

func TestRequestedNoDataYet(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if Requested(r) {
		t.Error("Requested should be false before anything is sent")
	}
}

func TestSendThenRequested(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if err := Send(w); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !Requested(r) {
		t.Error("Requested should be true after Send")
	}
}
