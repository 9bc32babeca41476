package client

import (
	"github.com/duonet/duonet/netio"
	"github.com/duonet/duonet/packet"
)

// writeTCP serializes p (finalizing with no checksum/sender-ID if not
// already finalized) and writes it to the stream socket, reporting
// any failure through TransmitError and treating it as a lost
// session rather than propagating the error to the caller, matching
// the engine's own protocol replies never surfacing raw socket
// errors.
func (c *Client) writeTCP(p *packet.Packet) {
	if !p.IsFinalized() {
		p.Finalize(false, false, 0)
	}
	wire, err := p.Serialize()
	if err != nil {
		c.reportTransmitError(p, packet.TCP, err)
		return
	}
	if c.conn == nil {
		return
	}
	if _, err := netio.WriteNonBlocking(c.conn, wire); err != nil && err != netio.ErrWouldBlock {
		c.reportTransmitError(p, packet.TCP, err)
		c.failConnection()
	}
}

func (c *Client) reportTransmitError(p *packet.Packet, method packet.Method, err error) {
	entry := c.log.WithField("method", method).WithField("client_id", c.clientID).WithField("state", c.state)
	if p != nil {
		entry = entry.WithField("data_id", p.DataID())
	}
	entry.WithError(err).Warn("protocol error")

	if c.cb.TransmitError != nil {
		c.cb.TransmitError(p, method, err)
	}
}
