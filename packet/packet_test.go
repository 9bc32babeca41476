package packet_test

import (
	"testing"

	"github.com/duonet/duonet/packet"
	"github.com/google/go-cmp/cmp"
)

func TestRoundTripBasic(t *testing.T) {
	p := packet.New(packet.DataID(42))
	if err := p.AddString("Wassup?"); err != nil {
		t.Fatalf("AddString: %v", err)
	}
	if err := packet.AddValue(p, uint32(7), true); err != nil {
		t.Fatalf("AddValue: %v", err)
	}
	p.Finalize(true, true, 99)

	wire, err := p.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := packet.Deserialize(wire)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.DataID() != p.DataID() {
		t.Errorf("DataID: got %v, want %v", got.DataID(), p.DataID())
	}
	if got.Flags() != p.Flags() {
		t.Errorf("Flags: got %x, want %x", got.Flags(), p.Flags())
	}
	if got.SenderID() != 99 {
		t.Errorf("SenderID: got %d, want 99", got.SenderID())
	}
	if !got.Verify() {
		t.Errorf("Verify: want valid checksum")
	}

	s, err := got.RemoveString()
	if err != nil || s != "Wassup?" {
		t.Errorf("RemoveString: got (%q, %v), want (%q, nil)", s, err, "Wassup?")
	}
	n, err := packet.RemoveValue[uint32](got, true)
	if err != nil || n != 7 {
		t.Errorf("RemoveValue: got (%d, %v), want (7, nil)", n, err)
	}
}

func TestAddRemoveSequencePreservesOrder(t *testing.T) {
	p := packet.New(packet.CustomDataStart)
	values := []uint32{1, 2, 3, 4294967295}
	for _, v := range values {
		if err := packet.AddValue(p, v, true); err != nil {
			t.Fatalf("AddValue(%d): %v", v, err)
		}
	}
	if err := p.AddString("tail"); err != nil {
		t.Fatalf("AddString: %v", err)
	}

	p.Reset()
	var got []uint32
	for range values {
		v, err := packet.RemoveValue[uint32](p, true)
		if err != nil {
			t.Fatalf("RemoveValue: %v", err)
		}
		got = append(got, v)
	}
	if diff := cmp.Diff(values, got); diff != "" {
		t.Errorf("values differ (-want +got):\n%s", diff)
	}
	s, err := p.RemoveString()
	if err != nil || s != "tail" {
		t.Errorf("RemoveString: got (%q, %v)", s, err)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	p := packet.New(packet.CustomDataStart)
	if err := p.AddString("hello"); err != nil {
		t.Fatal(err)
	}
	p.Finalize(true, false, 0)

	wire, err := p.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	tampered := make([]byte, len(wire))
	copy(tampered, wire)
	tampered[7] ^= 0xFF // flip 'h', the first payload byte after the 5-byte header and 2-byte length prefix

	got, err := packet.Deserialize(tampered)
	if err != nil {
		t.Fatal(err)
	}
	if got.Verify() {
		t.Errorf("Verify: expected tampering to be detected")
	}
}

func TestVerifyWithoutChecksumFlagAlwaysValid(t *testing.T) {
	p := packet.New(packet.CustomDataStart)
	p.Finalize(false, false, 0)
	wire, err := p.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	wire[0] ^= 0xFF // corrupt data ID; still "valid" absent the checksum flag

	got, err := packet.Deserialize(wire)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Verify() {
		t.Errorf("Verify: packets without the checksum flag must always be valid")
	}
}

func TestMutationRejectedAfterFinalize(t *testing.T) {
	p := packet.New(packet.CustomDataStart)
	p.Finalize(true, false, 0)

	if err := p.AddString("too late"); err != packet.ErrFinalized {
		t.Errorf("AddString after finalize: got %v, want ErrFinalized", err)
	}
	if err := p.SetDataID(packet.Unknown); err != packet.ErrFinalized {
		t.Errorf("SetDataID after finalize: got %v, want ErrFinalized", err)
	}
	if err := p.SetFlag(packet.FlagSenderID); err != packet.ErrFinalized {
		t.Errorf("SetFlag(protected) after finalize: got %v, want ErrFinalized", err)
	}
	// User flag bits remain mutable after finalize.
	if err := p.SetFlag(1 << 2); err != nil {
		t.Errorf("SetFlag(user bit) after finalize: got %v, want nil", err)
	}
}

func TestFinalizeTwiceOverwritesFooter(t *testing.T) {
	p := packet.New(packet.CustomDataStart)
	p.AddString("a")
	p.Finalize(true, false, 0)
	first := p.Checksum()

	// Finalize is the one mutator still legal post-finalization, but it
	// cannot add new payload (payload mutation remains rejected), so we
	// finalize again with different flags to confirm the footer updates.
	p.Finalize(true, true, 55)
	if p.Checksum() == first && p.SenderID() != 55 {
		t.Errorf("second Finalize did not update footer")
	}
	if !p.Flag(packet.FlagSenderID) || p.SenderID() != 55 {
		t.Errorf("second Finalize did not set sender ID: flag=%v senderID=%d", p.Flag(packet.FlagSenderID), p.SenderID())
	}
}

func TestAddBeyondMaxPayloadFails(t *testing.T) {
	p := packet.New(packet.CustomDataStart)
	big := make([]byte, packet.MaxPayloadSize+1)
	if err := p.AddBytes(big, false); err != packet.ErrInvalidDataSize {
		t.Errorf("AddBytes over max: got %v, want ErrInvalidDataSize", err)
	}
}

func TestRemoveUnderflowFails(t *testing.T) {
	p := packet.New(packet.CustomDataStart)
	if _, err := p.RemoveBytes(1); err != packet.ErrInvalidDataSize {
		t.Errorf("RemoveBytes on empty payload: got %v, want ErrInvalidDataSize", err)
	}
}

func TestDeserializeRejectsOversizedPayloadLen(t *testing.T) {
	header := []byte{0, 0, 0xDC, 0x05, 0x00} // PayloadLen = 1500 > MaxPayloadSize
	if _, err := packet.Deserialize(header); err != packet.ErrInvalidPayloadSize {
		t.Errorf("Deserialize: got %v, want ErrInvalidPayloadSize", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	p := packet.New(packet.CustomDataStart)
	p.AddString("orig")
	p.Finalize(true, false, 0)

	clone := p.Clone()
	if clone.DataID() != p.DataID() || clone.Checksum() != p.Checksum() {
		t.Errorf("clone fields diverge from original")
	}

	// Mutating via RemoveString on the clone must not affect the original's
	// own remove cursor.
	if _, err := clone.RemoveString(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.RemoveString(); err != nil {
		t.Fatalf("original's cursor should be independent of the clone: %v", err)
	}
}
