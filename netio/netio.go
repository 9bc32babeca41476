// Package netio provides the narrow, non-blocking socket primitives
// the server and client session engines are built on. There is no
// portable O_NONBLOCK in Go's net package, so every read here is
// implemented as a short deadline poll: SetReadDeadline is set to
// pollWindow past time.Now() immediately before the read, and a
// resulting deadline timeout is normalized to ErrWouldBlock.
package netio

import (
	"errors"
	"net"
	"time"

	"github.com/duonet/duonet/protoerr"
)

// ErrWouldBlock is returned in place of an os.ErrDeadlineExceeded (or
// equivalent) whenever a non-blocking Accept/Read/ReadFrom has nothing
// ready. It satisfies errors.Is against protoerr.SockWouldBlock.
var ErrWouldBlock = protoerr.SockWouldBlock

// pollWindow is how far ahead of time.Now() each poll's deadline lies.
// A deadline that has already passed fails the call at once, even when
// data or a connection is pending, so a poll waits at most this long.
const pollWindow = time.Millisecond

// Conn is the stream-socket surface the session engines require: a
// net.Conn is already exactly this, so no wrapper type is needed for
// reads and writes, only the deadline-normalizing helpers below.
type Conn = net.Conn

// deadlineListener is satisfied by *net.TCPListener (and in general
// any net.Listener whose concrete type also exposes SetDeadline);
// net.Listener itself does not declare SetDeadline.
type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Listener accepts new stream connections non-blockingly.
type Listener struct {
	ln deadlineListener
}

// Listen opens a TCP listener at address for non-blocking Accept.
func Listen(network, address string) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	dl, ok := ln.(deadlineListener)
	if !ok {
		ln.Close()
		return nil, errors.New("netio: listener does not support deadlines")
	}
	return &Listener{ln: dl}, nil
}

// Accept polls for one pending connection without blocking. It returns
// ErrWouldBlock if none is pending.
func (l *Listener) Accept() (Conn, error) {
	if err := l.ln.SetDeadline(time.Now().Add(pollWindow)); err != nil {
		return nil, err
	}
	conn, err := l.ln.Accept()
	if err != nil {
		if isTimeout(err) {
			return nil, ErrWouldBlock
		}
		return nil, err
	}
	return conn, nil
}

// Addr reports the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close closes the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Dial opens a stream connection to address with a bounded connect
// timeout; once connected, reads on the returned Conn must be polled
// non-blockingly via ReadNonBlocking.
func Dial(network, address string, timeout time.Duration) (Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

// ReadNonBlocking reads into b without blocking, returning
// ErrWouldBlock if nothing is available yet.
func ReadNonBlocking(c Conn, b []byte) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, err
	}
	n, err := c.Read(b)
	if err != nil && isTimeout(err) {
		return n, ErrWouldBlock
	}
	return n, err
}

// WriteNonBlocking writes b without blocking, returning ErrWouldBlock
// if the socket's send buffer is full. On success it clears any
// earlier deadline so subsequent blocking writes are unaffected.
func WriteNonBlocking(c Conn, b []byte) (int, error) {
	if err := c.SetWriteDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, err
	}
	n, err := c.Write(b)
	if err != nil && isTimeout(err) {
		return n, ErrWouldBlock
	}
	if err == nil {
		c.SetWriteDeadline(time.Time{})
	}
	return n, err
}

// PacketConn is a UDP socket polled non-blockingly for datagrams.
type PacketConn struct {
	pc net.PacketConn
}

// ListenPacket opens a UDP socket at address for non-blocking
// ReadFrom.
func ListenPacket(network, address string) (*PacketConn, error) {
	pc, err := net.ListenPacket(network, address)
	if err != nil {
		return nil, err
	}
	return &PacketConn{pc: pc}, nil
}

// ReadFrom polls for one pending datagram without blocking. It
// returns ErrWouldBlock if none is pending.
func (c *PacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	if err := c.pc.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, nil, err
	}
	n, addr, err := c.pc.ReadFrom(b)
	if err != nil {
		if isTimeout(err) {
			return n, addr, ErrWouldBlock
		}
		return n, addr, err
	}
	return n, addr, nil
}

// WriteTo sends a single datagram to addr. UDP writes never block in
// practice for datagrams under the path MTU, so this is a direct
// passthrough.
func (c *PacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	return c.pc.WriteTo(b, addr)
}

// LocalAddr reports the socket's bound local address.
func (c *PacketConn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

// Close closes the socket.
func (c *PacketConn) Close() error { return c.pc.Close() }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
