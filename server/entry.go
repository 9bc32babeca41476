package server

import (
	"net"
	"time"

	"github.com/duonet/duonet/netio"
)

// EntryState is a ClientEntry's place in the server-side handshake.
type EntryState int

const (
	EntryInit EntryState = iota
	EntryDataListExchange
	EntryConnected
	EntryDisconnected
)

func (s EntryState) String() string {
	switch s {
	case EntryInit:
		return "INIT"
	case EntryDataListExchange:
		return "DATA_LIST_EXCHANGE"
	case EntryConnected:
		return "CONNECTED"
	case EntryDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ClientID uniquely identifies a connected client. 0 is reserved for
// the server itself and is never assigned to an entry.
type ClientID uint32

// ClientEntry is the server's record of one client: its address,
// stream socket, protocol state, timeout bookkeeping, and an
// application-owned opaque user data handle whose lifetime is
// governed by the Initialize/Destroy callbacks.
type ClientEntry struct {
	id    ClientID
	addr  net.Addr
	conn  netio.Conn
	state EntryState

	inbound []byte

	timeoutDeadline      time.Time
	expectedTimeoutDelay time.Duration

	alivenessSentAt   time.Time
	alivenessDelay    time.Duration
	ping              time.Duration

	userData any
}

// ID returns the client's assigned ID.
func (e *ClientEntry) ID() ClientID { return e.id }

// Addr returns the client's remote address, reused as its UDP
// destination since the client binds UDP to the same ephemeral port
// its stream socket used to connect.
func (e *ClientEntry) Addr() net.Addr { return e.addr }

// State returns the entry's current protocol state.
func (e *ClientEntry) State() EntryState { return e.state }

// Ping returns the most recently measured round-trip time.
func (e *ClientEntry) Ping() time.Duration { return e.ping }

// UserData returns the application-owned handle attached to this
// entry, or nil if Initialize has not fired (or the attaching
// callback never set one).
func (e *ClientEntry) UserData() any { return e.userData }

// SetUserData attaches an application-owned handle to this entry. The
// engine never inspects or frees it.
func (e *ClientEntry) SetUserData(v any) { e.userData = v }
