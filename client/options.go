package client

import (
	"time"

	"github.com/duonet/duonet/packet"
)

// TimeoutFactor is the multiplier applied to a liveness interval to
// derive the timeout window before the server is considered lost.
// Mirrors server.TimeoutFactor so both sides agree on the same
// tolerance; kept as its own constant since the two engines are
// independent and neither imports the other.
const TimeoutFactor = 3.1

func scaleDuration(d time.Duration) time.Duration {
	return time.Duration(float64(d) * TimeoutFactor)
}

// Options configures a Client. Zero-value fields are not filled in
// automatically; callers should start from DefaultOptions.
type Options struct {
	// ServerAddress is the host:port the stream socket dials and the
	// shared UDP socket is assumed to share.
	ServerAddress string

	MaxUDPTransmitsPerUpdate int
	MaxTCPTransmitsPerUpdate int

	AllowUDPPackets bool

	AlivenessTestDelay time.Duration

	// ShouldAttemptReconnect gates whether a session drop while
	// CONNECTED is followed by automatic reconnection attempts at all;
	// when false the client gives up immediately and returns to
	// NEEDS_TO_CONNECT, firing Disconnect.
	ShouldAttemptReconnect bool

	MaxConnectionAttempts   int
	MaxReconnectionAttempts int
	ConnectionDelay         time.Duration
}

// DefaultOptions returns the engine's documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxUDPTransmitsPerUpdate: 256,
		MaxTCPTransmitsPerUpdate: 4,
		AllowUDPPackets:          true,
		AlivenessTestDelay:       time.Second,
		ShouldAttemptReconnect:   true,
		MaxConnectionAttempts:    50,
		MaxReconnectionAttempts:  100,
		ConnectionDelay:          200 * time.Millisecond,
	}
}

// Callbacks are the application hooks fired by a Client's Update.
// Every field is optional; a nil callback is simply skipped.
type Callbacks struct {
	Connect          func()
	Ready            func()
	Disconnect       func()
	AttemptReconnect func()
	Reconnect        func()
	FailedReconnect  func()
	Handshake        func()
	Receive          func(p *packet.Packet, method packet.Method)
	TransmitError    func(p *packet.Packet, method packet.Method, err error)
}
