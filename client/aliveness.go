package client

import (
	"time"

	"github.com/duonet/duonet/packet"
)

// alivenessSweep mirrors the server's own sweep: once CONNECTED, a
// timeout fires reconnect the same as an explicit send failure would;
// otherwise a fresh ALIVENESS_TEST is sent at most once per
// AlivenessTestDelay.
func (c *Client) alivenessSweep() {
	if c.state != Connected {
		return
	}
	if time.Now().After(c.timeoutDeadline) {
		c.log.WithField("client_id", c.clientID).WithField("state", c.state).Warn("aliveness timeout")
		c.failConnection()
		return
	}
	if time.Since(c.alivenessTimer) < c.opts.AlivenessTestDelay {
		return
	}
	c.alivenessTimer = time.Now()
	c.sendAlivenessTestPacket()
}

func (c *Client) sendAlivenessTestPacket() {
	delay := scaleDuration(c.opts.AlivenessTestDelay + c.ping)
	p := packet.New(packet.AlivenessTest)
	packet.AddValue(p, uint32(delay/time.Millisecond), true)
	p.Finalize(false, false, 0)
	c.alivenessSentAt = time.Now()
	c.writeTCP(p)
}
