// Package packet implements the wire framing codec and the owning
// byte buffer ("packet buffer") used to compose and parse packets
// exchanged between a duonet client and server.
//
// The wire format is little-endian regardless of host byte order:
//
//	Header (5 bytes): DataID uint16, PayloadLen uint16, Flags uint8
//	Payload (PayloadLen bytes)
//	Footer (0, 4 or 8 bytes): Checksum int32 (if FlagChecksum),
//	                          SenderID uint32 (if FlagSenderID)
package packet

import (
	"encoding/binary"
	"fmt"
)

// DataID identifies the type of data carried by a packet. IDs below
// CustomDataStart are reserved for the protocol itself.
type DataID uint16

const (
	Handshake          DataID = 0
	InitClientID        DataID = 1
	Reconnect           DataID = 2
	Disconnect          DataID = 3
	InitCustomDataList  DataID = 4
	Unknown             DataID = 5
	AlivenessTest       DataID = 6
	CustomDataStart     DataID = 7
)

func (id DataID) String() string {
	switch id {
	case Handshake:
		return "HANDSHAKE"
	case InitClientID:
		return "INIT_CLIENT_ID"
	case Reconnect:
		return "RECONNECT"
	case Disconnect:
		return "DISCONNECT"
	case InitCustomDataList:
		return "INIT_CUSTOM_DATA_LIST"
	case Unknown:
		return "UNKNOWN"
	case AlivenessTest:
		return "ALIVENESS_TEST"
	default:
		return fmt.Sprintf("DATA_%d", uint16(id))
	}
}

// Method names the transport a packet arrived on or should be sent
// over.
type Method int

const (
	TCP Method = iota
	UDP
)

func (m Method) String() string {
	if m == UDP {
		return "UDP"
	}
	return "TCP"
}

// Flag bit positions within the header's Flags byte.
const (
	FlagChecksum byte = 1 << 0
	FlagSenderID byte = 1 << 1

	// protectedFlagMask covers the bits Finalize locks: checksum and
	// sender-ID presence. Bits 2-7 remain mutable after finalization.
	protectedFlagMask byte = FlagChecksum | FlagSenderID
)

const (
	// MaxPacketSize bounds header + payload + footer.
	MaxPacketSize = 1500

	headerSize = 5
	maxFooterSize = 8

	// MaxPayloadSize is the largest payload a single packet can carry.
	MaxPayloadSize = MaxPacketSize - headerSize - maxFooterSize
)

// Header is the fixed-width, non-payload prefix of a packet.
type Header struct {
	DataID     DataID
	PayloadLen uint16
	Flags      byte
}

// Footer holds the optional trailer fields, present according to the
// header's flags.
type Footer struct {
	HasChecksum bool
	Checksum    int32
	HasSenderID bool
	SenderID    uint32
}

// FooterLen reports the footer length in bytes implied by flags.
func FooterLen(flags byte) int {
	n := 0
	if flags&FlagChecksum != 0 {
		n += 4
	}
	if flags&FlagSenderID != 0 {
		n += 4
	}
	return n
}

// PeekHeader decodes the 5-byte header at the start of buf without
// copying or consuming anything. buf must have length >= headerSize.
func PeekHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("packet: short buffer for header: have %d, need %d", len(buf), headerSize)
	}
	return Header{
		DataID:     DataID(binary.LittleEndian.Uint16(buf[0:2])),
		PayloadLen: binary.LittleEndian.Uint16(buf[2:4]),
		Flags:      buf[4],
	}, nil
}

// PeekFooter decodes the footer following a PayloadLen-byte payload,
// given the already-decoded header. buf must cover the whole packet
// (header + payload + footer).
func PeekFooter(h Header, buf []byte) (Footer, error) {
	want := headerSize + int(h.PayloadLen) + FooterLen(h.Flags)
	if len(buf) < want {
		return Footer{}, fmt.Errorf("packet: short buffer for footer: have %d, need %d", len(buf), want)
	}

	var f Footer
	off := headerSize + int(h.PayloadLen)
	if h.Flags&FlagChecksum != 0 {
		f.HasChecksum = true
		f.Checksum = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	if h.Flags&FlagSenderID != 0 {
		f.HasSenderID = true
		f.SenderID = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	return f, nil
}

// Checksum computes the additive checksum over a packet's fields: each
// payload byte (as signed int8), plus DataID, plus PayloadLen, plus
// Flags, plus SenderID, summed as a wrapping 32-bit signed integer.
func Checksum(dataID DataID, payloadLen uint16, flags byte, senderID uint32, payload []byte) int32 {
	var sum int32
	for _, b := range payload {
		sum += int32(int8(b))
	}
	sum += int32(uint16(dataID))
	sum += int32(payloadLen)
	sum += int32(flags)
	sum += int32(senderID)
	return sum
}

// isBigEndianHost reports whether the running process is on a
// big-endian host, determined via the platform's native byte order
// rather than an architecture allowlist.
func isBigEndianHost() bool {
	var x uint16 = 1
	buf := binary.NativeEndian.AppendUint16(nil, x)
	return buf[0] == 0
}

var hostIsBigEndian = isBigEndianHost()
