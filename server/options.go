package server

import (
	"time"

	"github.com/duonet/duonet/packet"
)

// TimeoutFactor is the multiplier applied to a liveness interval to
// derive the timeout window before a peer is considered lost.
const TimeoutFactor = 3.1

// scaleDuration multiplies a duration by TimeoutFactor. Duration is
// integral, so the multiplier has to pass through float64.
func scaleDuration(d time.Duration) time.Duration {
	return time.Duration(float64(d) * TimeoutFactor)
}

// handshakeTimeoutDelay is the near-infinite placeholder timeout
// applied to an entry while it is mid-handshake or mid-data-list
// negotiation, mirroring CROSS_SOCK_MAX_TIMEOUT: a slow-but-cooperative
// client walking a large custom data vocabulary must never be evicted
// for taking its time there. Real timeout enforcement begins once the
// client's HANDSHAKE moves the entry to CONNECTED, which resets the
// deadline to the AlivenessTestDelay-derived window; every
// ALIVENESS_TEST from the client resets it again.
const handshakeTimeoutDelay = 999999 * time.Second

// Options configures a Server. Zero-value fields are not filled in
// automatically; callers should start from DefaultOptions.
type Options struct {
	// ListenAddress is the address the TCP listener and the shared UDP
	// socket both bind, e.g. ":7070".
	ListenAddress string

	NewConnectionBacklog     int
	MaxUDPTransmitsPerUpdate int
	MaxTCPTransmitsPerUpdate int

	AllowUDPPackets bool
	UseBlacklist    bool
	UseWhitelist    bool

	AlivenessTestDelay time.Duration

	ShouldFlushDisconnectedClientData bool
	DisconnectedClientFlushDelay      time.Duration

	// MaxClients caps the connected-client count; 0 means unlimited.
	// Not present in the original protocol; grounded on the teacher's
	// own player-limit gate in listen.go.
	MaxClients int
}

// DefaultOptions returns the engine's documented defaults.
func DefaultOptions() Options {
	return Options{
		NewConnectionBacklog:               32,
		MaxUDPTransmitsPerUpdate:           256,
		MaxTCPTransmitsPerUpdate:           4,
		AllowUDPPackets:                    true,
		UseBlacklist:                       true,
		UseWhitelist:                       false,
		AlivenessTestDelay:                 time.Second,
		ShouldFlushDisconnectedClientData:  true,
		DisconnectedClientFlushDelay:       999999 * time.Millisecond,
	}
}

// Callbacks are the application hooks fired by a Server's Update.
// Every field is optional; a nil callback is simply skipped.
type Callbacks struct {
	Bind            func()
	Connect         func(e *ClientEntry)
	Disconnect      func(e *ClientEntry)
	Reconnect       func(e *ClientEntry)
	FailedReconnect func(e *ClientEntry)
	Initialize      func(e *ClientEntry)
	Destroy         func(e *ClientEntry)
	Ready           func(e *ClientEntry)
	Reject          func(e *ClientEntry)
	Validate        func(e *ClientEntry) bool
	Receive         func(p *packet.Packet, e *ClientEntry, method packet.Method)
	TransmitError   func(p *packet.Packet, e *ClientEntry, method packet.Method, err error)
}
