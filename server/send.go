package server

import (
	"github.com/duonet/duonet/netio"
	"github.com/duonet/duonet/packet"
	"github.com/duonet/duonet/protoerr"
)

// SendToClient sends p over e's stream socket, finalizing it first
// (with no checksum/sender-ID) if it is not already finalized. If the
// non-blocking write would block and blockUntilSent is true, it
// busy-spins until the socket accepts the bytes or fails outright.
func (s *Server) SendToClient(e *ClientEntry, p *packet.Packet, blockUntilSent bool) (int, error) {
	if !p.IsFinalized() {
		p.Finalize(false, false, 0)
	}
	wire, err := p.Serialize()
	if err != nil {
		return 0, &protoerr.NetTransError{Err: err}
	}

	for {
		n, err := netio.WriteNonBlocking(e.conn, wire)
		if err == nil {
			return n, nil
		}
		if err == netio.ErrWouldBlock && blockUntilSent {
			continue
		}
		return n, &protoerr.NetTransError{Err: err}
	}
}

// StreamToClient finalizes p with (checksum=false, udp_support=true,
// sender_id=0) if not already finalized, then sends it over the
// server's shared UDP socket to e's address (the same host:port its
// stream socket connected from).
func (s *Server) StreamToClient(e *ClientEntry, p *packet.Packet) (int, error) {
	if !p.IsFinalized() {
		p.Finalize(false, true, 0)
	}
	wire, err := p.Serialize()
	if err != nil {
		return 0, &protoerr.NetTransError{Err: err}
	}
	n, err := s.udp.WriteTo(wire, e.addr)
	if err != nil {
		return n, &protoerr.NetTransError{Err: err}
	}
	return n, nil
}

// SendToAll sends a copy of p, over TCP, to every connected client.
func (s *Server) SendToAll(p *packet.Packet, blockUntilSent bool) {
	if !p.IsFinalized() {
		p.Finalize(false, false, 0)
	}
	for _, e := range s.connected {
		s.SendToClient(e, p.Clone(), blockUntilSent)
	}
}

// StreamToAll sends a copy of p, over UDP, to every connected client.
func (s *Server) StreamToAll(p *packet.Packet) {
	if !p.IsFinalized() {
		p.Finalize(false, true, 0)
	}
	for _, e := range s.connected {
		s.StreamToClient(e, p.Clone())
	}
}
