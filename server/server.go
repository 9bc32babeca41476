// Package server implements the server session engine: the listen
// socket, the shared UDP socket bound to the same port, the map of
// connected clients, the disconnect-retention map, the address
// allow/deny list, and the server side of the handshake/reconnect/
// data-list/liveness protocol.
package server

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/duonet/duonet/dispatch"
	"github.com/duonet/duonet/netio"
	"github.com/duonet/duonet/packet"
)

// State is the server's top-level lifecycle state.
type State int

const (
	NeedsStartup State = iota
	Binding
	Loop
)

func (s State) String() string {
	switch s {
	case NeedsStartup:
		return "NEEDS_STARTUP"
	case Binding:
		return "BINDING"
	case Loop:
		return "LOOP"
	default:
		return "UNKNOWN"
	}
}

// Server is the server session engine. It is not safe for concurrent
// use: the caller must serialize all calls, including Update, on one
// goroutine.
type Server struct {
	opts Options
	cb   Callbacks
	acl  AddressList
	log  *logrus.Logger

	table *dispatch.Table[*ClientEntry]

	state State
	ln    *netio.Listener
	udp   *netio.PacketConn

	nextClientID ClientID
	connected    map[ClientID]*ClientEntry
	retained     map[ClientID]*ClientEntry

	alivenessTimer time.Time

	readBuf []byte
}

// New creates a Server. opts is typically DefaultOptions() with any
// fields overridden; acl defaults to an empty MapAddressList when nil;
// log defaults to logrus.StandardLogger() when nil.
func New(opts Options, cb Callbacks, acl AddressList, log *logrus.Logger) *Server {
	if acl == nil {
		acl = NewMapAddressList()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		opts:         opts,
		cb:           cb,
		acl:          acl,
		log:          log,
		table:        dispatch.NewServerTable[*ClientEntry](),
		nextClientID: 1,
		connected:    make(map[ClientID]*ClientEntry),
		retained:     make(map[ClientID]*ClientEntry),
		readBuf:      make([]byte, 65536),
	}
}

// AddHandler registers a named handler, assigning it a data ID
// immediately (server-side assignment starts at packet.CustomDataStart).
// Rejected once Start has locked the dispatch table.
func (s *Server) AddHandler(name string, h dispatch.Handler[*ClientEntry]) (packet.DataID, error) {
	return s.table.AddHandler(name, h)
}

// AddCatchAll installs the single catch-all receive callback.
func (s *Server) AddCatchAll(h dispatch.Handler[*ClientEntry]) error {
	return s.table.AddCatchAll(h)
}

// Entries returns a snapshot of the registered data vocabulary, used
// to answer INIT_CUSTOM_DATA_LIST.
func (s *Server) Entries() []dispatch.Entry { return s.table.Entries() }

// State reports the server's current lifecycle state.
func (s *Server) State() State { return s.state }

// ClientCount reports the number of currently connected clients.
func (s *Server) ClientCount() int { return len(s.connected) }

// Lookup returns the connected entry for id, if any.
func (s *Server) Lookup(id ClientID) (*ClientEntry, bool) {
	e, ok := s.connected[id]
	return e, ok
}

// Start locks the dispatch table and transitions NEEDS_STARTUP→BINDING,
// attempting the initial bind. If the bind fails the server remains in
// BINDING and Update retries it on every subsequent tick.
func (s *Server) Start() error {
	s.table.Lock()
	s.state = Binding
	return s.tryBind()
}

func (s *Server) tryBind() error {
	ln, err := netio.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		return err
	}
	udp, err := netio.ListenPacket("udp", ln.Addr().String())
	if err != nil {
		ln.Close()
		return err
	}
	s.ln, s.udp = ln, udp
	s.state = Loop
	s.alivenessTimer = time.Now()
	if s.cb.Bind != nil {
		s.cb.Bind()
	}
	return nil
}

// Stop closes the listen and UDP sockets, disconnects every connected
// client (without retention), fires Destroy for every entry still
// pending eviction, and returns to NEEDS_STARTUP. Socket-close
// failures are aggregated the same way Update aggregates its socket
// errors, rather than letting one mask another.
func (s *Server) Stop() error {
	var result error

	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.ln = nil
	}
	if s.udp != nil {
		if err := s.udp.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.udp = nil
	}
	for _, e := range s.snapshotConnected() {
		s.disconnect(e, false)
	}
	for _, e := range s.retained {
		s.destroyEntry(e)
	}
	s.retained = make(map[ClientID]*ClientEntry)
	s.state = NeedsStartup

	return result
}

// Update runs one tick: the bounded accept loop, the bounded TCP and
// UDP receive loops, and the aliveness/retention sweep. Accept and UDP
// read errors are aggregated rather than letting one mask another; a
// per-client read or send failure disconnects that client and is not
// returned.
func (s *Server) Update() error {
	switch s.state {
	case NeedsStartup:
		return nil
	case Binding:
		return s.tryBind()
	}

	var result error

	s.acceptLoop(&result)
	s.tcpReceiveLoop()
	if s.opts.AllowUDPPackets {
		s.udpReceiveLoop(&result)
	}
	s.alivenessSweep()

	return result
}

func (s *Server) acceptLoop(result *error) {
	for i := 0; i < s.opts.NewConnectionBacklog; i++ {
		conn, err := s.ln.Accept()
		if err != nil {
			if err != netio.ErrWouldBlock {
				*result = multierror.Append(*result, err)
			}
			return
		}
		s.admit(conn)
	}
}

func (s *Server) admit(conn netio.Conn) {
	entry := &ClientEntry{
		id:    s.nextClientID,
		addr:  conn.RemoteAddr(),
		conn:  conn,
		state: EntryInit,
	}
	s.nextClientID++

	if s.opts.MaxClients > 0 && len(s.connected) >= s.opts.MaxClients {
		s.rejectAdmission(entry, conn)
		return
	}

	host := hostOf(entry.addr)
	if !s.addressAllowed(host) {
		s.rejectAdmission(entry, conn)
		return
	}
	if s.cb.Validate != nil && !s.cb.Validate(entry) {
		s.rejectAdmission(entry, conn)
		return
	}

	s.connected[entry.id] = entry
	s.resetTimeout(entry, handshakeTimeoutDelay)

	p := packet.New(packet.Handshake)
	p.Finalize(false, false, 0)
	s.writeTCP(entry, p)
}

func (s *Server) rejectAdmission(entry *ClientEntry, conn netio.Conn) {
	s.log.WithField("addr", entry.addr).WithField("state", entry.state).Warn("client rejected")

	if s.cb.Reject != nil {
		s.cb.Reject(entry)
	}

	p := packet.New(packet.Disconnect)
	p.Finalize(false, false, 0)
	if wire, err := p.Serialize(); err == nil {
		netio.WriteNonBlocking(conn, wire)
	}

	conn.Close()
}

func (s *Server) addressAllowed(host string) bool {
	if s.opts.UseWhitelist {
		listed, _ := s.acl.Listed(host)
		return listed
	}
	if s.opts.UseBlacklist {
		listed, _ := s.acl.Listed(host)
		return !listed
	}
	return true
}

func (s *Server) resetTimeout(e *ClientEntry, delay time.Duration) {
	e.expectedTimeoutDelay = delay
	e.timeoutDeadline = time.Now().Add(delay)
}
