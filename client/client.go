// Package client implements the client session engine: the stream
// socket to a single server, the lazily-bound UDP socket sharing its
// local port, and the client side of the handshake/reconnect/
// data-list/liveness protocol.
package client

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duonet/duonet/dispatch"
	"github.com/duonet/duonet/netio"
	"github.com/duonet/duonet/packet"
)

// State is the client's place in the connection/handshake state
// machine.
type State int

const (
	NeedsToConnect State = iota
	Connecting
	ReceivingID
	ReceivingDataList
	Connected
	Reconnecting
	RequestingID
)

func (s State) String() string {
	switch s {
	case NeedsToConnect:
		return "NEEDS_TO_CONNECT"
	case Connecting:
		return "CONNECTING"
	case ReceivingID:
		return "RECEIVING_ID"
	case ReceivingDataList:
		return "RECEIVING_DATA_LIST"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case RequestingID:
		return "REQUESTING_ID"
	default:
		return "UNKNOWN"
	}
}

// connectAttemptTimeout bounds a single dial attempt so one Update
// call can never stall on a dead server for longer than this.
const connectAttemptTimeout = 2 * time.Second

// Client is the client session engine. It is not safe for concurrent
// use: the caller must serialize all calls, including Update, on one
// goroutine.
type Client struct {
	opts Options
	cb   Callbacks
	log  *logrus.Logger

	table *dispatch.Table[struct{}]

	state State
	conn  netio.Conn
	udp   *netio.PacketConn

	serverUDPAddr net.Addr

	clientID uint32

	// viaReconnect distinguishes which lineage a pre-CONNECTED failure
	// should fall back into: the fresh-connect path (Connecting) or
	// the reconnect path (Reconnecting).
	viaReconnect bool
	attempts     int
	lastAttempt  time.Time

	inbound []byte
	readBuf []byte

	timeoutDeadline time.Time
	alivenessTimer  time.Time
	alivenessSentAt time.Time
	alivenessDelay  time.Duration
	ping            time.Duration
}

// New creates a Client. opts is typically DefaultOptions() with any
// fields overridden; log defaults to logrus.StandardLogger() when nil.
func New(opts Options, cb Callbacks, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		opts:    opts,
		cb:      cb,
		log:     log,
		table:   dispatch.NewClientTable[struct{}](),
		readBuf: make([]byte, 65536),
	}
}

// AddHandler registers a named handler. The data ID is unassigned
// (packet.Unknown) until the server's data-list negotiation binds it.
// Rejected once Connect has locked the dispatch table.
func (c *Client) AddHandler(name string, h dispatch.Handler[struct{}]) (packet.DataID, error) {
	return c.table.AddHandler(name, h)
}

// AddCatchAll installs the single catch-all receive callback.
func (c *Client) AddCatchAll(h dispatch.Handler[struct{}]) error {
	return c.table.AddCatchAll(h)
}

// Entries returns a snapshot of the registered data vocabulary.
func (c *Client) Entries() []dispatch.Entry { return c.table.Entries() }

// Lookup returns the data ID bound to name, and whether name is
// registered at all. Before negotiation completes a registered name's
// ID is packet.Unknown.
func (c *Client) Lookup(name string) (packet.DataID, bool) { return c.table.Lookup(name) }

// State reports the client's current state.
func (c *Client) State() State { return c.state }

// ClientID reports the ID the server has assigned this session, or 0
// if none has been assigned yet.
func (c *Client) ClientID() uint32 { return c.clientID }

// Ping returns the most recently measured round-trip time.
func (c *Client) Ping() time.Duration { return c.ping }

// Connect locks the dispatch table and begins the connection attempt
// sequence. Rejected unless the client is currently NEEDS_TO_CONNECT.
func (c *Client) Connect() error {
	if c.state != NeedsToConnect {
		return errors.New("client: already connecting or connected")
	}
	c.table.Lock()
	c.viaReconnect = false
	c.attempts = 0
	c.lastAttempt = time.Time{}
	c.state = Connecting
	return nil
}

// Disconnect sends a best-effort DISCONNECT if CONNECTED, closes both
// sockets, clears the negotiated client ID, and returns to
// NEEDS_TO_CONNECT. Unlike a reconnect-triggering failure, an explicit
// Disconnect abandons the session identity: a later Connect starts
// over from INIT_CLIENT_ID, not RECONNECT.
func (c *Client) Disconnect() error {
	if c.state == Connected {
		p := packet.New(packet.Disconnect)
		p.Finalize(false, false, 0)
		c.writeTCP(p)
	}
	c.log.WithField("client_id", c.clientID).WithField("state", c.state).Info("disconnecting")
	c.closeSockets()
	c.clientID = 0
	c.state = NeedsToConnect
	if c.cb.Disconnect != nil {
		c.cb.Disconnect()
	}
	return nil
}

// Update runs one tick. While NEEDS_TO_CONNECT it is a no-op; while
// CONNECTING/RECONNECTING it drives the bounded dial-attempt sequence;
// otherwise it drains the TCP/UDP sockets and runs the aliveness
// sweep.
func (c *Client) Update() error {
	switch c.state {
	case NeedsToConnect:
		return nil
	case Connecting:
		c.viaReconnect = false
		c.attemptDial(ReceivingID)
		return nil
	case Reconnecting:
		c.viaReconnect = true
		c.attemptDial(RequestingID)
		return nil
	}

	c.tcpReceive()
	if c.state == Connected && c.opts.AllowUDPPackets {
		c.ensureUDPBound()
		c.udpReceive()
	}
	c.alivenessSweep()

	return nil
}

func (c *Client) closeSockets() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.udp != nil {
		c.udp.Close()
		c.udp = nil
	}
}
