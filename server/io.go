package server

import (
	"net"
	"time"

	"github.com/duonet/duonet/netio"
	"github.com/duonet/duonet/packet"
)

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// writeTCP serializes p (finalizing with no checksum/sender-ID if not
// already finalized) and writes it to e's stream socket, reporting any
// failure through TransmitError and also returning it to the internal
// caller; it never reaches the application through Update. It is used
// for the engine's own protocol replies.
func (s *Server) writeTCP(e *ClientEntry, p *packet.Packet) error {
	if !p.IsFinalized() {
		p.Finalize(false, false, 0)
	}
	wire, err := p.Serialize()
	if err != nil {
		s.reportTransmitError(p, e, packet.TCP, err)
		return err
	}
	if _, err := netio.WriteNonBlocking(e.conn, wire); err != nil && err != netio.ErrWouldBlock {
		s.reportTransmitError(p, e, packet.TCP, err)
		return err
	}
	return nil
}

func (s *Server) reportTransmitError(p *packet.Packet, e *ClientEntry, method packet.Method, err error) {
	entry := s.log.WithField("method", method)
	if e != nil {
		entry = entry.WithField("client_id", e.id).WithField("addr", e.addr).WithField("state", e.state)
	}
	if p != nil {
		entry = entry.WithField("data_id", p.DataID())
	}
	entry.WithError(err).Warn("protocol error")

	if s.cb.TransmitError != nil {
		s.cb.TransmitError(p, e, method, err)
	}
}

// disconnect removes e from the connected map, fires Disconnect, and
// closes its socket. If retain is true and flushing is enabled, e is
// moved to the retention map instead of being dropped outright. A
// best-effort DISCONNECT packet is sent before the socket is closed,
// so a client that is still reading sees a clean terminal packet
// instead of a bare connection error.
func (s *Server) disconnect(e *ClientEntry, retain bool) {
	if e.state == EntryDisconnected {
		return
	}
	e.state = EntryDisconnected
	delete(s.connected, e.id)

	p := packet.New(packet.Disconnect)
	p.Finalize(false, false, 0)
	s.writeTCP(e, p)

	s.log.WithField("client_id", e.id).WithField("addr", e.addr).WithField("state", e.state).Info("client disconnected")

	if s.cb.Disconnect != nil {
		s.cb.Disconnect(e)
	}
	e.conn.Close()

	if retain && s.opts.ShouldFlushDisconnectedClientData {
		e.timeoutDeadline = time.Now().Add(s.opts.DisconnectedClientFlushDelay)
		s.retained[e.id] = e
		return
	}

	s.destroyEntry(e)
}

func (s *Server) destroyEntry(e *ClientEntry) {
	if s.cb.Destroy != nil {
		s.cb.Destroy(e)
	}
}
