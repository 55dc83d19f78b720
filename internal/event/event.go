// Package event defines the tagged record emitted by the watcher and the
// binary wire codec used to ship it across the transport socket.
//
// An Event never carries the descriptor it refers to directly: for event
// types that need one, the descriptor travels out-of-band as ancillary data
// on the same socket message (see internal/transport). On the sender's side
// the Fd field tells the transport which descriptor to attach; on the
// receiver's side the transport sets it to the descriptor it received. It is
// never serialized.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type is the tag identifying what kind of change an Event describes.
type Type uint8

// The complete set of event types the watcher can emit. Numeric values are
// part of the wire format and must not be renumbered.
const (
	Started    Type = 0
	Stopped    Type = 1
	CreateFile Type = 2
	CreateDir  Type = 3
	Write      Type = 4
	Delete     Type = 5
	RenameFile Type = 6
	RenameDir  Type = 7
	Shutdown   Type = 8
)

func (t Type) String() string {
	switch t {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case CreateFile:
		return "create_file"
	case CreateDir:
		return "create_dir"
	case Write:
		return "write"
	case Delete:
		return "delete"
	case RenameFile:
		return "rename_file"
	case RenameDir:
		return "rename_dir"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("event.Type(%d)", uint8(t))
	}
}

// CarriesDescriptor reports whether events of this type are accompanied by a
// duplicated kernel descriptor in the transport's ancillary data slot
// (spec: create_file, write, rename_file, rename_dir).
func (t Type) CarriesDescriptor() bool {
	switch t {
	case CreateFile, Write, RenameFile, RenameDir:
		return true
	default:
		return false
	}
}

// Event is one semantic filesystem change, or a lifecycle marker
// (started/stopped/shutdown). Name's meaning depends on Type:
//
//	create_file, write, delete (file)  -> basename only
//	rename_file                        -> full path (new location)
//	create_dir, delete (dir)           -> path as recorded in the InodeMap
//	rename_dir                         -> new full path
//	started, stopped, shutdown         -> empty
type Event struct {
	Type      Type
	Inode     uint64
	Unix      float64 // seconds since epoch, with fractional precision
	Name      string
	Fd        int // never serialized, see package doc
	HasFd     bool
}

// New builds an Event, stamping Unix from nowUnix (so callers, not the
// package, own the clock — keeps the type trivially testable).
func New(typ Type, inode uint64, nowUnix float64, name string, fd int) Event {
	e := Event{Type: typ, Inode: inode, Unix: nowUnix, Name: name}
	if typ.CarriesDescriptor() {
		e.Fd = fd
		e.HasFd = true
	}
	return e
}

// maxNameLen bounds the name field to guard against a corrupt length prefix
// turning a short read into a multi-gigabyte allocation.
const maxNameLen = 1 << 16

// Encode serializes e's wire fields (Type, Inode, Unix, Name) into a single
// payload buffer. The descriptor is deliberately not part of this encoding;
// it is attached separately as ancillary socket data by the transport.
func Encode(e Event) []byte {
	buf := make([]byte, 1+8+8+4+len(e.Name))
	buf[0] = byte(e.Type)
	binary.BigEndian.PutUint64(buf[1:9], e.Inode)
	binary.BigEndian.PutUint64(buf[9:17], math.Float64bits(e.Unix))
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(e.Name)))
	copy(buf[21:], e.Name)
	return buf
}

// Decode parses a payload produced by Encode back into an Event. The
// returned Event's Fd/HasFd are left zero; the transport fills them in from
// the ancillary data it received alongside the payload.
func Decode(b []byte) (Event, error) {
	if len(b) < 21 {
		return Event{}, fmt.Errorf("event: payload too short (%d bytes)", len(b))
	}
	nameLen := binary.BigEndian.Uint32(b[17:21])
	if nameLen > maxNameLen {
		return Event{}, fmt.Errorf("event: name length %d exceeds limit", nameLen)
	}
	if uint32(len(b)-21) != nameLen {
		return Event{}, errors.New("event: payload length does not match name length")
	}
	e := Event{
		Type:  Type(b[0]),
		Inode: binary.BigEndian.Uint64(b[1:9]),
		Unix:  math.Float64frombits(binary.BigEndian.Uint64(b[9:17])),
		Name:  string(b[21:]),
	}
	return e, nil
}

// StartedEvent, StoppedEvent, and ShutdownEvent build the three lifecycle
// markers, which per the name-field table (spec.md §6) always carry an
// empty name and no inode.
func StartedEvent(nowUnix float64) Event  { return New(Started, 0, nowUnix, "", 0) }
func StoppedEvent(nowUnix float64) Event  { return New(Stopped, 0, nowUnix, "", 0) }
func ShutdownEvent(nowUnix float64) Event { return New(Shutdown, 0, nowUnix, "", 0) }

// Equal compares two Events on every field Decode can reconstruct (all but
// Fd/HasFd, which travel out-of-band — see the package doc and spec.md §8's
// round-trip property).
func (e Event) Equal(o Event) bool {
	return e.Type == o.Type && e.Inode == o.Inode && e.Unix == o.Unix && e.Name == o.Name
}

