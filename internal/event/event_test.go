package event

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []Event{
		StartedEvent(1700000000),
		StoppedEvent(1700000001.5),
		New(CreateFile, 42, 1700000002.25, "a", 7),
		New(CreateDir, 7, 1700000003, "root/sub", 0),
		New(Write, 42, 1700000004, "a", 9),
		New(Delete, 42, 1700000005, "a", 0),
		New(RenameFile, 42, 1700000006, "root/sub/tango", 9),
		New(RenameDir, 7, 1700000007, "root/junkdir", 5),
		ShutdownEvent(1700000008),
	}

	for _, want := range tests {
		got, err := Decode(Encode(want))
		if err != nil {
			t.Fatalf("Decode(Encode(%v)) error: %v", want, err)
		}
		if !want.Equal(got) {
			t.Errorf("round-trip mismatch: want %+v, got %+v", want, got)
		}
		// The descriptor never travels in the payload.
		if got.Fd != 0 {
			t.Errorf("decoded event carries a payload Fd: %d", got.Fd)
		}
	}
}

func TestCarriesDescriptor(t *testing.T) {
	want := map[Type]bool{
		Started:    false,
		Stopped:    false,
		CreateFile: true,
		CreateDir:  false,
		Write:      true,
		Delete:     false,
		RenameFile: true,
		RenameDir:  true,
		Shutdown:   false,
	}
	for typ, expect := range want {
		if got := typ.CarriesDescriptor(); got != expect {
			t.Errorf("%s.CarriesDescriptor() = %v, want %v", typ, got, expect)
		}
	}
}

func TestDecodeRejectsShortPayload(t *testing.T) {
	if _, err := Decode([]byte{0, 1, 2}); err == nil {
		t.Fatal("expected error decoding truncated payload")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	buf := Encode(New(CreateFile, 1, 1700000000, "abc", 0))
	buf = buf[:len(buf)-1] // truncate the name
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error decoding payload with mismatched name length")
	}
}
