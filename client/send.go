package client

import (
	"github.com/duonet/duonet/netio"
	"github.com/duonet/duonet/packet"
	"github.com/duonet/duonet/protoerr"
)

// SendToServer sends p over the stream socket, finalizing it first
// (with no checksum/sender-ID) if it is not already finalized. If the
// non-blocking write would block and blockUntilSent is true, it
// busy-spins until the socket accepts the bytes or fails outright.
func (c *Client) SendToServer(p *packet.Packet, blockUntilSent bool) (int, error) {
	if c.conn == nil {
		return 0, &protoerr.NetTransError{Err: protoerr.ClientNotConnected}
	}
	if !p.IsFinalized() {
		p.Finalize(false, false, 0)
	}
	wire, err := p.Serialize()
	if err != nil {
		return 0, &protoerr.NetTransError{Err: err}
	}

	for {
		n, err := netio.WriteNonBlocking(c.conn, wire)
		if err == nil {
			return n, nil
		}
		if err == netio.ErrWouldBlock && blockUntilSent {
			continue
		}
		return n, &protoerr.NetTransError{Err: err}
	}
}

// StreamToServer finalizes p with (checksum=false, udp_support=true,
// sender_id=the negotiated client ID) if not already finalized, then
// sends it over the client's UDP socket to the server's address. The
// sender ID lets the server re-associate the datagram with this
// session, since the server itself is always sender ID 0.
func (c *Client) StreamToServer(p *packet.Packet) (int, error) {
	if c.udp == nil || c.serverUDPAddr == nil {
		return 0, &protoerr.NetTransError{Err: protoerr.StreamNotBound}
	}
	if !p.IsFinalized() {
		p.Finalize(false, true, c.clientID)
	}
	wire, err := p.Serialize()
	if err != nil {
		return 0, &protoerr.NetTransError{Err: err}
	}
	n, err := c.udp.WriteTo(wire, c.serverUDPAddr)
	if err != nil {
		return n, &protoerr.NetTransError{Err: err}
	}
	return n, nil
}
