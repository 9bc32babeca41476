package packet

import "encoding/binary"

// Packet is an owning byte buffer bounded by MaxPayloadSize, with a
// cursor-based append ("add") side and a cursor-based consume
// ("remove") side. A Packet built with Deserialize does not own its
// payload slice; it must not be mutated after Deserialize, and the
// caller must not reuse the backing buffer while the Packet is in use.
type Packet struct {
	dataID   DataID
	flags    byte
	senderID uint32
	checksum int32

	payload      []byte
	removeCursor int

	finalized bool
	wire      []byte // memoized Serialize() output; nil means stale
}

// New creates an empty, unfinalized Packet for the given data type.
func New(dataID DataID) *Packet {
	return &Packet{dataID: dataID, payload: make([]byte, 0, 64)}
}

// Deserialize wraps a pre-received byte region as a finalized Packet.
// It does not copy the payload: buf must remain valid and unmodified
// for the lifetime of the returned Packet.
func Deserialize(buf []byte) (*Packet, error) {
	h, err := PeekHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.PayloadLen > MaxPayloadSize {
		return nil, ErrInvalidPayloadSize
	}
	f, err := PeekFooter(h, buf)
	if err != nil {
		return nil, err
	}

	p := &Packet{
		dataID:    h.DataID,
		flags:     h.Flags,
		payload:   buf[headerSize : headerSize+int(h.PayloadLen)],
		finalized: true,
	}
	if f.HasChecksum {
		p.checksum = f.Checksum
	}
	if f.HasSenderID {
		p.senderID = f.SenderID
	}
	return p, nil
}

// Clone returns a deep value copy of p: header fields, footer fields,
// payload bytes, and the remove cursor are copied; the serialized memo
// is reset so the clone serializes into its own backing buffer.
func (p *Packet) Clone() *Packet {
	payload := make([]byte, len(p.payload))
	copy(payload, p.payload)
	return &Packet{
		dataID:       p.dataID,
		flags:        p.flags,
		senderID:     p.senderID,
		checksum:     p.checksum,
		payload:      payload,
		removeCursor: p.removeCursor,
		finalized:    p.finalized,
	}
}

func (p *Packet) DataID() DataID     { return p.dataID }
func (p *Packet) Flags() byte        { return p.flags }
func (p *Packet) SenderID() uint32   { return p.senderID }
func (p *Packet) Checksum() int32    { return p.checksum }
func (p *Packet) PayloadLen() uint16 { return uint16(len(p.payload)) }
func (p *Packet) IsFinalized() bool  { return p.finalized }

// Len reports the total wire length (header + payload + footer).
func (p *Packet) Len() int { return headerSize + len(p.payload) + FooterLen(p.flags) }

// Cap reports the largest payload this Packet could hold.
func (p *Packet) Cap() int { return MaxPayloadSize }

// SetDataID changes the packet's data type. Rejected once finalized.
func (p *Packet) SetDataID(id DataID) error {
	if p.finalized {
		return ErrFinalized
	}
	p.dataID = id
	p.wire = nil
	return nil
}

// SetFlag sets a single flag bit. Bits 0-1 (checksum, sender-ID
// presence) are rejected once finalized; bits 2-7 remain mutable.
func (p *Packet) SetFlag(bit byte) error {
	if bit&protectedFlagMask != 0 && p.finalized {
		return ErrFinalized
	}
	p.flags |= bit
	p.wire = nil
	return nil
}

// ClearFlag clears a single flag bit, subject to the same finalization
// rule as SetFlag.
func (p *Packet) ClearFlag(bit byte) error {
	if bit&protectedFlagMask != 0 && p.finalized {
		return ErrFinalized
	}
	p.flags &^= bit
	p.wire = nil
	return nil
}

// Flag reports whether a flag bit is set.
func (p *Packet) Flag(bit byte) bool { return p.flags&bit != 0 }

// AddBytes appends raw bytes to the payload. If swap is true and the
// host is big-endian, the bytes are reversed as a whole before
// appending; on a little-endian host swap has no effect.
func (p *Packet) AddBytes(b []byte, swap bool) error {
	if p.finalized {
		return ErrFinalized
	}
	if len(p.payload)+len(b) > MaxPayloadSize {
		return ErrInvalidDataSize
	}
	if swap && hostIsBigEndian {
		rev := make([]byte, len(b))
		for i, c := range b {
			rev[len(b)-1-i] = c
		}
		b = rev
	}
	p.payload = append(p.payload, b...)
	p.wire = nil
	return nil
}

// AddString appends a PayloadLen-prefixed UTF-8 string. The length
// prefix is a uint16, so s may be at most 65535 bytes.
func (p *Packet) AddString(s string) error {
	if len(s) > 65535 {
		return ErrInvalidDataSize
	}
	if err := AddValue(p, uint16(len(s)), true); err != nil {
		return err
	}
	return p.AddBytes([]byte(s), false)
}

// RemoveBytes consumes and returns the next n bytes of payload.
func (p *Packet) RemoveBytes(n int) ([]byte, error) {
	if n < 0 || p.removeCursor+n > len(p.payload) {
		return nil, ErrInvalidDataSize
	}
	b := p.payload[p.removeCursor : p.removeCursor+n]
	p.removeCursor += n
	return b, nil
}

// RemoveString consumes a PayloadLen-prefixed UTF-8 string.
func (p *Packet) RemoveString() (string, error) {
	n, err := RemoveValue[uint16](p, true)
	if err != nil {
		return "", err
	}
	b, err := p.RemoveBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Clear empties the payload and rewinds both cursors. Rejected once
// finalized, like any other payload mutation.
func (p *Packet) Clear() error {
	if p.finalized {
		return ErrFinalized
	}
	p.payload = p.payload[:0]
	p.removeCursor = 0
	p.wire = nil
	return nil
}

// Reset rewinds the remove cursor only, so the payload can be read
// again from the beginning. Unlike Clear, this is always permitted.
func (p *Packet) Reset() { p.removeCursor = 0 }

// Finalize locks the checksum/sender-ID flag bits, computes the
// checksum (if requested) from the current payload, and stores the
// sender ID (if requested). Calling Finalize again overwrites the
// previous footer; apart from setting or clearing user flag bits 2-7,
// it is the only mutator that remains legal on an already-finalized
// Packet.
func (p *Packet) Finalize(addChecksum, addUDPSupport bool, senderID uint32) {
	if addChecksum {
		p.flags |= FlagChecksum
	} else {
		p.flags &^= FlagChecksum
	}
	if addUDPSupport {
		p.flags |= FlagSenderID
		p.senderID = senderID
	} else {
		p.flags &^= FlagSenderID
		p.senderID = 0
	}

	if addChecksum {
		p.checksum = Checksum(p.dataID, uint16(len(p.payload)), p.flags, p.senderID, p.payload)
	} else {
		p.checksum = 0
	}

	p.finalized = true
	p.wire = nil
}

// Verify reports whether the packet's checksum (if the checksum flag
// is set) matches its current payload and header fields. Packets
// without the checksum flag are always valid.
func (p *Packet) Verify() bool {
	if p.flags&FlagChecksum == 0 {
		return true
	}
	return Checksum(p.dataID, uint16(len(p.payload)), p.flags, p.senderID, p.payload) == p.checksum
}

// Serialize writes Header ∥ Payload ∥ Footer into the packet's own
// backing buffer and memoizes the result; any mutation clears the
// memo so the next Serialize recomputes it.
func (p *Packet) Serialize() ([]byte, error) {
	if p.wire != nil {
		return p.wire, nil
	}
	if len(p.payload) > MaxPayloadSize {
		return nil, ErrInvalidDataSize
	}

	footLen := FooterLen(p.flags)
	buf := make([]byte, headerSize+len(p.payload)+footLen)

	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.dataID))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(p.payload)))
	buf[4] = p.flags
	copy(buf[headerSize:], p.payload)

	off := headerSize + len(p.payload)
	if p.flags&FlagChecksum != 0 {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(p.checksum))
		off += 4
	}
	if p.flags&FlagSenderID != 0 {
		binary.LittleEndian.PutUint32(buf[off:off+4], p.senderID)
		off += 4
	}

	p.wire = buf
	return buf, nil
}
