package client

import (
	"net"
	"time"

	"github.com/duonet/duonet/netio"
)

// attemptDial makes one bounded, spaced dial attempt and, on success,
// transitions to onSuccess (RECEIVING_ID for a fresh connect,
// REQUESTING_ID for a reconnect). Attempts are spaced by
// ConnectionDelay; a failure is charged against whichever attempt
// budget the current lineage (viaReconnect) uses.
func (c *Client) attemptDial(onSuccess State) {
	if time.Since(c.lastAttempt) < c.opts.ConnectionDelay {
		return
	}
	c.lastAttempt = time.Now()

	conn, err := netio.Dial("tcp", c.opts.ServerAddress, connectAttemptTimeout)
	if err != nil {
		c.chargeFailedAttempt()
		return
	}

	if udpAddr, err := net.ResolveUDPAddr("udp", c.opts.ServerAddress); err == nil {
		c.serverUDPAddr = udpAddr
	}

	c.conn = conn
	c.inbound = c.inbound[:0]
	c.state = onSuccess
}

// chargeFailedAttempt increments the attempt counter for the current
// lineage and, once it exceeds the configured budget, gives up
// entirely: the client returns to NEEDS_TO_CONNECT and fires
// Disconnect, abandoning its negotiated client ID.
func (c *Client) chargeFailedAttempt() {
	max := c.opts.MaxConnectionAttempts
	lineage := Connecting
	if c.viaReconnect {
		max = c.opts.MaxReconnectionAttempts
		lineage = Reconnecting
	}

	c.attempts++
	if c.attempts >= max {
		c.log.WithField("state", c.state).WithField("attempts", c.attempts).Warn("gave up connecting")
		c.attempts = 0
		c.clientID = 0
		c.state = NeedsToConnect
		if c.cb.Disconnect != nil {
			c.cb.Disconnect()
		}
		return
	}
	c.state = lineage
}

// failConnection reacts to a socket error or hangup. A CONNECTED
// session treats it as a lost session and begins reconnecting,
// firing AttemptReconnect (or giving up immediately if
// ShouldAttemptReconnect is false). A failure anywhere earlier in the
// handshake is folded back into the dial-attempt budget of whichever
// lineage produced the now-dead socket.
func (c *Client) failConnection() {
	c.closeSockets()

	if c.state == Connected {
		c.enterReconnecting()
		return
	}

	c.chargeFailedAttempt()
}

func (c *Client) enterReconnecting() {
	c.viaReconnect = true

	if !c.opts.ShouldAttemptReconnect {
		c.attempts = 0
		c.clientID = 0
		c.state = NeedsToConnect
		if c.cb.Disconnect != nil {
			c.cb.Disconnect()
		}
		return
	}

	c.attempts = 0
	c.lastAttempt = time.Time{}
	c.state = Reconnecting
	if c.cb.AttemptReconnect != nil {
		c.cb.AttemptReconnect()
	}
}
