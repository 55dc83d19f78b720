// Package transport implements the wire protocol the Watcher and the
// EventConsumer speak over a local AF_UNIX stream socket: a length-delimited
// frame per event, with a duplicated kernel descriptor riding alongside as
// SCM_RIGHTS ancillary data for event types that reference a file (spec.md
// §4.2, §6 "Wire format").
//
// Each Send/Receive call operates on one whole message. Partial-send and
// partial-recv resumption are not implemented — a documented hardening gap
// carried over from spec.md §9's open question on the same topic.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/voutilad/tangle/internal/event"
)

// maxFrame bounds the whole-message read buffer so a corrupt length prefix
// cannot force an unbounded allocation.
const maxFrame = 1 << 20

// ErrInodeMismatch is returned by Conn.Receive when a received descriptor's
// stat-inode disagrees with its event's inode — spec.md §7's "fatal
// assertion" for framing/ordering corruption.
var ErrInodeMismatch = errors.New("transport: received descriptor's inode does not match event inode")

// Client is the Watcher-side connection: it dials the rendezvous socket and
// sends framed events, attaching a duplicated descriptor as ancillary data
// for event types that carry one.
type Client struct {
	conn *net.UnixConn
}

// Dial connects to the rendezvous socket at addr, retrying with exponential
// backoff for up to maxElapsed before giving up (spec.md §4.2 "retries ...
// for up to ~60 seconds"; grounded on the teacher transport's GRPCTransport
// reconnect logic, which already depends on this backoff library).
func Dial(addr string, maxElapsed time.Duration) (*Client, error) {
	var conn *net.UnixConn
	op := func() error {
		c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: addr, Net: "unix"})
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("transport: dial %q: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Send frames e and writes it in a single message, attaching e.Fd as
// ancillary data when e.Type carries a descriptor (spec.md §6).
func (c *Client) Send(e event.Event) error {
	payload := event.Encode(e)
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	var oob []byte
	if e.HasFd {
		oob = unix.UnixRights(e.Fd)
	}
	if _, _, err := c.conn.WriteMsgUnix(frame, oob, nil); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Listener accepts the single Watcher connection at a rendezvous address
// (spec.md §4.2).
type Listener struct {
	ln   *net.UnixListener
	addr string
}

// Listen binds addr, removing any stale socket file a prior run left
// behind.
func Listen(addr string) (*Listener, error) {
	_ = unix.Unlink(addr)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: addr, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	return &Listener{ln: ln, addr: addr}, nil
}

// Accept blocks for the Watcher's connection.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return &Conn{conn: c}, nil
}

// Close closes the listener and removes its socket file (spec.md §6
// "removed on successful teardown").
func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = unix.Unlink(l.addr)
	return err
}

// Conn is the EventConsumer-side connection.
type Conn struct {
	conn *net.UnixConn
}

// Receive reads one framed event in a single message, extracts the
// ancillary descriptor when the event type carries one, and verifies its
// stat-inode against the event's inode (spec.md §8 "Ancillary-data
// invariant"). A verified descriptor is returned open and owned by the
// caller.
func (c *Conn) Receive() (event.Event, error) {
	buf := make([]byte, maxFrame)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return event.Event{}, fmt.Errorf("transport: receive: %w", err)
	}
	if n < 4 {
		return event.Event{}, fmt.Errorf("transport: receive: short frame (%d bytes)", n)
	}
	length := binary.BigEndian.Uint32(buf[:4])
	if int(length) != n-4 {
		return event.Event{}, fmt.Errorf("transport: receive: frame length %d does not match payload %d", length, n-4)
	}
	e, err := event.Decode(buf[4:n])
	if err != nil {
		return event.Event{}, fmt.Errorf("transport: receive: %w", err)
	}

	if !e.Type.CarriesDescriptor() {
		return e, nil
	}
	if oobn == 0 {
		return event.Event{}, fmt.Errorf("transport: receive: event %s expected a descriptor, got none", e.Type)
	}
	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(scms) == 0 {
		return event.Event{}, fmt.Errorf("transport: receive: parse control message: %w", err)
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) == 0 {
		return event.Event{}, fmt.Errorf("transport: receive: parse rights: %w", err)
	}
	fd := fds[0]

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return event.Event{}, fmt.Errorf("transport: receive: fstat descriptor: %w", err)
	}
	if uint64(st.Ino) != e.Inode {
		_ = unix.Close(fd)
		return event.Event{}, ErrInodeMismatch
	}

	e.Fd = fd
	e.HasFd = true
	return e, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }
