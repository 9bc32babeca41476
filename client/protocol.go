package client

import (
	"net"
	"time"

	"github.com/duonet/duonet/netio"
	"github.com/duonet/duonet/packet"
	"github.com/duonet/duonet/protoerr"
)

// tcpReceive drains up to MaxTCPTransmitsPerUpdate reads from the
// stream socket into the rolling ingress buffer, then parses and
// dispatches every complete packet the buffer now holds.
func (c *Client) tcpReceive() {
	if c.conn == nil {
		return
	}
	for i := 0; i < c.opts.MaxTCPTransmitsPerUpdate; i++ {
		n, err := netio.ReadNonBlocking(c.conn, c.readBuf)
		if err != nil {
			if err == netio.ErrWouldBlock {
				break
			}
			c.failConnection()
			return
		}
		if n == 0 {
			c.failConnection()
			return
		}
		c.inbound = append(c.inbound, c.readBuf[:n]...)
	}
	c.drainPackets()
}

func (c *Client) drainPackets() {
	buf := c.inbound
	off := 0

	for {
		remaining := buf[off:]
		h, err := packet.PeekHeader(remaining)
		if err != nil {
			break
		}
		if h.PayloadLen > packet.MaxPayloadSize {
			c.reportTransmitError(nil, packet.TCP, protoerr.InvalidPayloadSize)
			off = len(buf)
			break
		}
		total := 5 + int(h.PayloadLen) + packet.FooterLen(h.Flags)
		if len(remaining) < total {
			break
		}

		pktBuf := make([]byte, total)
		copy(pktBuf, remaining[:total])
		pkt, err := packet.Deserialize(pktBuf)
		if err == nil {
			c.handlePacket(pkt, packet.TCP)
		}
		off += total

		if c.conn == nil {
			// A handler tore the socket down mid-drain (failConnection
			// after a failed write, or onServerDisconnect when the
			// server asked us to disconnect). The remaining bytes, if
			// any, belong to a connection that no longer exists.
			off = len(buf)
			break
		}
	}

	c.inbound = append(c.inbound[:0], buf[off:]...)
}

// udpReceive reads up to MaxUDPTransmitsPerUpdate datagrams from the
// UDP socket, silently dropping any not sent from the server address.
func (c *Client) udpReceive() {
	if c.udp == nil {
		return
	}
	for i := 0; i < c.opts.MaxUDPTransmitsPerUpdate; i++ {
		n, addr, err := c.udp.ReadFrom(c.readBuf)
		if err != nil {
			return
		}
		if !sameHost(addr, c.serverUDPAddr) {
			continue
		}

		h, err := packet.PeekHeader(c.readBuf[:n])
		if err != nil {
			continue
		}
		if h.PayloadLen > packet.MaxPayloadSize {
			c.reportTransmitError(nil, packet.UDP, protoerr.InvalidPayloadSize)
			continue
		}

		pkt, err := packet.Deserialize(c.readBuf[:n])
		if err != nil {
			continue
		}
		c.handlePacket(pkt, packet.UDP)
	}
}

func sameHost(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}

// ensureUDPBound lazily opens the UDP socket, bound to the same local
// address the stream socket connected from, once the session reaches
// CONNECTED.
func (c *Client) ensureUDPBound() {
	if c.udp != nil || c.conn == nil {
		return
	}
	local := c.conn.LocalAddr().String()
	udp, err := netio.ListenPacket("udp", local)
	if err != nil {
		c.reportTransmitError(nil, packet.UDP, protoerr.StreamNotBound)
		return
	}
	c.udp = udp
}

// handlePacket routes a fully-parsed packet: static protocol IDs are
// handled inline, everything else (UNKNOWN is rejected; custom IDs are
// dispatched) goes through the dispatch table.
func (c *Client) handlePacket(pkt *packet.Packet, method packet.Method) {
	switch pkt.DataID() {
	case packet.Handshake:
		c.onHandshake()
	case packet.InitClientID:
		c.onInitClientID(pkt)
	case packet.Reconnect:
		c.onReconnect(pkt)
	case packet.Disconnect:
		c.onServerDisconnect()
	case packet.InitCustomDataList:
		c.onInitCustomDataList(pkt)
	case packet.AlivenessTest:
		c.onAlivenessTest(pkt)
	case packet.Unknown:
		c.reportTransmitError(pkt, method, protoerr.InvalidDataID)
	default:
		if c.cb.Receive != nil {
			c.cb.Receive(pkt, method)
		}
		c.table.Dispatch(struct{}{}, pkt, func() bool { return c.state == Connected })
	}
}

// onHandshake is the server's initial greeting, sent the moment the
// socket is accepted. It drives the next outbound send depending on
// which lineage brought the session here.
func (c *Client) onHandshake() {
	switch c.state {
	case ReceivingID:
		if c.cb.Handshake != nil {
			c.cb.Handshake()
		}
		c.sendInitClientID()
	case RequestingID:
		if c.cb.Handshake != nil {
			c.cb.Handshake()
		}
		c.sendReconnect()
	}
}

func (c *Client) sendInitClientID() {
	p := packet.New(packet.InitClientID)
	p.Finalize(false, false, 0)
	c.writeTCP(p)
}

func (c *Client) sendReconnect() {
	p := packet.New(packet.Reconnect)
	packet.AddValue(p, c.clientID, true)
	p.Finalize(false, false, 0)
	c.writeTCP(p)
}

// onInitClientID handles both the fresh-connect reply (from
// RECEIVING_ID) and the failed-reconnect fallback reply (from
// REQUESTING_ID, when the server could not honor the RECONNECT).
func (c *Client) onInitClientID(pkt *packet.Packet) {
	id, err := packet.RemoveValue[uint32](pkt, true)
	if err != nil {
		return
	}
	if id == 0 {
		// The server could not assign an ID yet; resend the same
		// request that produced this reply.
		if c.state == RequestingID {
			c.sendReconnect()
		} else {
			c.sendInitClientID()
		}
		return
	}

	switch c.state {
	case ReceivingID:
		c.clientID = id
		c.state = ReceivingDataList
		c.viaReconnect = false
		c.log.WithField("client_id", c.clientID).Info("connected")
		if c.cb.Connect != nil {
			c.cb.Connect()
		}
		c.requestDataList()
	case RequestingID:
		c.clientID = id
		c.state = ReceivingDataList
		c.viaReconnect = false
		if c.cb.FailedReconnect != nil {
			c.cb.FailedReconnect()
		}
		c.log.WithField("client_id", c.clientID).Info("connected")
		if c.cb.Connect != nil {
			c.cb.Connect()
		}
		c.requestDataList()
	}
}

func (c *Client) onReconnect(pkt *packet.Packet) {
	id, err := packet.RemoveValue[uint32](pkt, true)
	if err != nil {
		return
	}
	if id == 0 {
		c.sendReconnect()
		return
	}
	if c.state != RequestingID {
		return
	}

	c.clientID = id
	c.state = ReceivingDataList
	if c.cb.Reconnect != nil {
		c.cb.Reconnect()
	}
	c.requestDataList()
}

func (c *Client) onServerDisconnect() {
	c.log.WithField("client_id", c.clientID).WithField("state", c.state).Info("server disconnected")
	c.closeSockets()
	c.clientID = 0
	c.state = NeedsToConnect
	if c.cb.Disconnect != nil {
		c.cb.Disconnect()
	}
}

// requestDataList asks the server to (re-)send its custom data
// vocabulary. Entering RECEIVING_DATA_LIST from either lineage pulls
// the same request; the server's existing INIT_CUSTOM_DATA_LIST
// handler answers it without needing to distinguish why it was asked.
func (c *Client) requestDataList() {
	p := packet.New(packet.InitCustomDataList)
	p.Finalize(false, false, 0)
	c.writeTCP(p)
}

// onInitCustomDataList absorbs one {total, index, name, data_id} entry
// of the server's vocabulary. A name already registered locally has
// its ID bound; an unrecognized name gets a passive, callback-less
// entry so a later per-ID lookup still resolves. index+1 >= total
// (using widened signed arithmetic so the server's empty-vocabulary
// sentinel of total=0 always satisfies completion) ends negotiation.
func (c *Client) onInitCustomDataList(pkt *packet.Packet) {
	if c.state != ReceivingDataList {
		return
	}

	total, err := packet.RemoveValue[uint32](pkt, true)
	if err != nil {
		return
	}
	index, err := packet.RemoveValue[uint32](pkt, true)
	if err != nil {
		return
	}
	name, err := pkt.RemoveString()
	if err != nil {
		return
	}
	id, err := packet.RemoveValue[uint16](pkt, true)
	if err != nil {
		return
	}

	if name != "" {
		c.table.BindOrCreate(name, packet.DataID(id))
	}

	if int64(index)+1 >= int64(total) {
		c.state = Connected
		c.alivenessTimer = time.Now()
		c.timeoutDeadline = time.Now().Add(scaleDuration(c.opts.AlivenessTestDelay))
		c.sendHandshake()
		if c.cb.Ready != nil {
			c.cb.Ready()
		}
	}
}

func (c *Client) sendHandshake() {
	p := packet.New(packet.Handshake)
	p.Finalize(false, false, 0)
	c.writeTCP(p)
}

func (c *Client) onAlivenessTest(pkt *packet.Packet) {
	delayMs, err := packet.RemoveValue[uint32](pkt, true)
	if err != nil {
		return
	}
	delay := time.Duration(delayMs) * time.Millisecond

	elapsed := time.Since(c.alivenessSentAt)
	if c.alivenessDelay > 0 {
		if elapsed > c.alivenessDelay {
			c.ping = elapsed - c.alivenessDelay
		} else {
			c.ping = 0
		}
	}
	c.alivenessDelay = delay
	c.timeoutDeadline = time.Now().Add(delay)
}
