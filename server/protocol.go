package server

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/duonet/duonet/netio"
	"github.com/duonet/duonet/packet"
	"github.com/duonet/duonet/protoerr"
)

// tcpReceiveLoop drains up to maxTCPTransmitsPerUpdate reads per
// connected entry into its rolling ingress buffer, then parses and
// dispatches every complete packet the buffer now holds. A disconnect
// observed mid-iteration (e.g. a per-client CONNRESET) only affects
// that entry; the loop continues with the rest of the map.
func (s *Server) tcpReceiveLoop() {
	for _, e := range s.snapshotConnected() {
		if e.state == EntryDisconnected {
			continue
		}
		s.drainEntry(e)
	}
}

func (s *Server) snapshotConnected() []*ClientEntry {
	out := make([]*ClientEntry, 0, len(s.connected))
	for _, e := range s.connected {
		out = append(out, e)
	}
	return out
}

func (s *Server) drainEntry(e *ClientEntry) {
	for i := 0; i < s.opts.MaxTCPTransmitsPerUpdate; i++ {
		n, err := netio.ReadNonBlocking(e.conn, s.readBuf)
		if err != nil {
			if err == netio.ErrWouldBlock {
				break
			}
			// CONNRESET, EOF, or any other read failure disconnects
			// only this entry; the rest of the connected map is
			// unaffected.
			s.disconnect(e, true)
			return
		}
		if n == 0 {
			s.disconnect(e, true)
			return
		}
		e.inbound = append(e.inbound, s.readBuf[:n]...)
	}
	s.drainPackets(e, packet.TCP)
}

// drainPackets parses as many complete packets as e's inbound buffer
// holds, dispatching each, then memmoves any unconsumed trailing bytes
// to the front of the buffer.
func (s *Server) drainPackets(e *ClientEntry, method packet.Method) {
	buf := e.inbound
	off := 0

	for {
		remaining := buf[off:]
		h, err := packet.PeekHeader(remaining)
		if err != nil {
			break // not enough bytes yet for a header
		}
		if h.PayloadLen > packet.MaxPayloadSize {
			s.reportTransmitError(nil, e, method, protoerr.InvalidPayloadSize)
			off = len(buf) // malformed header: skip the entire remaining buffer
			break
		}
		total := 5 + int(h.PayloadLen) + packet.FooterLen(h.Flags)
		if len(remaining) < total {
			break // header present, payload/footer not fully arrived yet
		}

		pktBuf := make([]byte, total)
		copy(pktBuf, remaining[:total])
		pkt, err := packet.Deserialize(pktBuf)
		if err == nil {
			s.handlePacket(pkt, e, method)
		}
		off += total
	}

	e.inbound = append(e.inbound[:0], buf[off:]...)
}

// udpReceiveLoop reads up to maxUDPTransmitsPerUpdate datagrams from
// the shared UDP socket, re-associating each with the client entry
// named by its sender ID.
func (s *Server) udpReceiveLoop(result *error) {
	for i := 0; i < s.opts.MaxUDPTransmitsPerUpdate; i++ {
		n, _, err := s.udp.ReadFrom(s.readBuf)
		if err != nil {
			if err == netio.ErrWouldBlock {
				return
			}
			*result = multierror.Append(*result, err)
			return
		}
		s.handleUDPDatagram(s.readBuf[:n])
	}
}

func (s *Server) handleUDPDatagram(buf []byte) {
	h, err := packet.PeekHeader(buf)
	if err != nil {
		return
	}
	if h.PayloadLen > packet.MaxPayloadSize {
		s.reportTransmitError(nil, nil, packet.UDP, protoerr.InvalidPayloadSize)
		return
	}

	pkt, err := packet.Deserialize(buf)
	if err != nil {
		return
	}

	if !pkt.Flag(packet.FlagSenderID) {
		s.reportTransmitError(pkt, nil, packet.UDP, protoerr.ClientNotFound)
		return
	}
	e, ok := s.connected[ClientID(pkt.SenderID())]
	if !ok {
		s.reportTransmitError(pkt, nil, packet.UDP, protoerr.ClientNotFound)
		return
	}
	if !pkt.Verify() {
		s.reportTransmitError(pkt, e, packet.UDP, protoerr.InvalidChecksum)
		return
	}

	s.handlePacket(pkt, e, packet.UDP)
}

// handlePacket routes a fully-parsed packet: static protocol IDs are
// handled inline, everything else (UNKNOWN is rejected; custom IDs are
// validated then dispatched) goes through the dispatch table.
func (s *Server) handlePacket(pkt *packet.Packet, e *ClientEntry, method packet.Method) {
	switch pkt.DataID() {
	case packet.Handshake:
		s.onHandshake(pkt, e)
	case packet.InitClientID:
		s.onInitClientID(pkt, e)
	case packet.Reconnect:
		s.onReconnect(pkt, e)
	case packet.Disconnect:
		s.disconnect(e, true)
	case packet.InitCustomDataList:
		s.onInitCustomDataList(pkt, e)
	case packet.AlivenessTest:
		s.onAlivenessTest(pkt, e)
	case packet.Unknown:
		s.reportTransmitError(pkt, e, method, protoerr.InvalidDataID)
	default:
		if s.cb.Receive != nil {
			s.cb.Receive(pkt, e, method)
		}
		s.table.Dispatch(e, pkt, func() bool { return e.state != EntryDisconnected })
	}
}

func (s *Server) onHandshake(pkt *packet.Packet, e *ClientEntry) {
	if e.state == EntryDataListExchange {
		e.state = EntryConnected
		s.resetTimeout(e, scaleDuration(s.opts.AlivenessTestDelay))
		if s.cb.Ready != nil {
			s.cb.Ready(e)
		}
	}
}

func (s *Server) onInitClientID(pkt *packet.Packet, e *ClientEntry) {
	s.resetTimeout(e, handshakeTimeoutDelay)
	s.sendAlivenessTest(e)

	reply := packet.New(packet.InitClientID)
	packet.AddValue(reply, uint32(e.id), true)
	reply.Finalize(false, false, 0)
	s.writeTCP(e, reply)

	e.state = EntryDataListExchange
	s.log.WithField("client_id", e.id).WithField("addr", e.addr).Info("client connected")
	if s.cb.Connect != nil {
		s.cb.Connect(e)
	}
	if s.cb.Initialize != nil {
		s.cb.Initialize(e)
	}
}

func (s *Server) onReconnect(pkt *packet.Packet, e *ClientEntry) {
	old, err := packet.RemoveValue[uint32](pkt, true)
	if err != nil {
		return
	}
	oldID := ClientID(old)

	if oldID == 0 || s.connected[oldID] != nil {
		if s.cb.FailedReconnect != nil {
			s.cb.FailedReconnect(e)
		}
		s.onInitClientID(pkt, e)
		return
	}

	s.resetTimeout(e, handshakeTimeoutDelay)
	s.sendAlivenessTest(e)

	delete(s.connected, e.id)
	e.id = oldID
	s.connected[oldID] = e

	if retained, ok := s.retained[oldID]; ok {
		e.userData = retained.userData
		delete(s.retained, oldID)
	} else if s.cb.Initialize != nil {
		s.cb.Initialize(e)
	}

	reply := packet.New(packet.Reconnect)
	packet.AddValue(reply, uint32(oldID), true)
	reply.Finalize(false, false, 0)
	s.writeTCP(e, reply)

	e.state = EntryDataListExchange
	if s.cb.Reconnect != nil {
		s.cb.Reconnect(e)
	}
}

func (s *Server) onInitCustomDataList(pkt *packet.Packet, e *ClientEntry) {
	entries := s.table.Entries()
	total := uint32(len(entries))

	if total == 0 {
		reply := packet.New(packet.InitCustomDataList)
		packet.AddValue(reply, uint32(0), true)
		packet.AddValue(reply, uint32(0), true)
		reply.AddString("")
		packet.AddValue(reply, uint16(packet.Unknown), true)
		reply.Finalize(false, false, 0)
		s.writeTCP(e, reply)
		return
	}

	for i, ent := range entries {
		reply := packet.New(packet.InitCustomDataList)
		packet.AddValue(reply, total, true)
		packet.AddValue(reply, uint32(i), true)
		reply.AddString(ent.Name)
		packet.AddValue(reply, uint16(ent.DataID), true)
		reply.Finalize(false, false, 0)
		s.writeTCP(e, reply)
	}
}

func (s *Server) onAlivenessTest(pkt *packet.Packet, e *ClientEntry) {
	delayMs, err := packet.RemoveValue[uint32](pkt, true)
	if err != nil {
		return
	}
	delay := time.Duration(delayMs) * time.Millisecond

	elapsed := time.Since(e.alivenessSentAt)
	if e.alivenessDelay > 0 {
		if elapsed > e.alivenessDelay {
			e.ping = elapsed - e.alivenessDelay
		} else {
			e.ping = 0
		}
	}
	e.alivenessDelay = delay
	s.resetTimeout(e, delay)
}

func (s *Server) sendAlivenessTest(e *ClientEntry) error {
	delay := time.Duration(float64(s.opts.AlivenessTestDelay+e.ping) * TimeoutFactor)
	p := packet.New(packet.AlivenessTest)
	packet.AddValue(p, uint32(delay/time.Millisecond), true)
	p.Finalize(false, false, 0)
	e.alivenessSentAt = time.Now()
	return s.writeTCP(e, p)
}
