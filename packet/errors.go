package packet

import (
	"errors"

	"github.com/duonet/duonet/protoerr"
)

// ErrInvalidDataSize is returned when an Add would exceed MaxPayloadSize
// or a Remove would underflow the remaining payload.
var ErrInvalidDataSize = errors.New("packet: invalid data size")

// ErrFinalized is returned when a mutation touches the payload, the
// data ID, or a non-user flag bit after the packet has been finalized.
var ErrFinalized = errors.New("packet: has been finalized")

// ErrInvalidPayloadSize is returned by Deserialize when a header
// declares a PayloadLen greater than MaxPayloadSize. It satisfies
// errors.Is against protoerr.InvalidPayloadSize so callers can route
// it straight into a transmitError callback.
var ErrInvalidPayloadSize = protoerr.InvalidPayloadSize
