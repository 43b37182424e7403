package commissioner

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"
)

func TestComputeJoinerId(t *testing.T) {
	eui64 := uint64(0x0123456789ABCDEF)
	id := ComputeJoinerId(eui64)

	if id[0]&0x02 != 0x02 {
		t.Errorf("local bit not set: %x", id)
	}

	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], eui64)
	hash := sha256.Sum256(raw[:])
	for i := 1; i < JoinerIdLength; i++ {
		if id[i] != hash[i] {
			t.Fatalf("byte %d differs from SHA-256 derivation: %x vs %x", i, id, hash[:8])
		}
	}
	if id[0] != hash[0]|0x02 {
		t.Errorf("byte 0 = %#x, expected %#x", id[0], hash[0]|0x02)
	}
}

func TestComputeJoinerId_Deterministic(t *testing.T) {
	if ComputeJoinerId(1) != ComputeJoinerId(1) {
		t.Error("joiner ID is not deterministic")
	}
	if ComputeJoinerId(1) == ComputeJoinerId(2) {
		t.Error("distinct EUI-64s map to the same joiner ID")
	}
}

func TestJoinerIdFromDiscerner(t *testing.T) {
	discerner := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	id := JoinerIdFromDiscerner(discerner)
	if id != JoinerId(discerner) {
		t.Errorf("discerner payload not used verbatim: %x", id)
	}
}

func TestSteeringMembership(t *testing.T) {
	id := ComputeJoinerId(0x0123456789ABCDEF)
	other := ComputeJoinerId(0xFEDCBA9876543210)

	steering := buildSteering([]JoinerId{id})
	if len(steering) < 1 || len(steering) > MaxSteeringLength {
		t.Fatalf("steering length %d outside 1..16", len(steering))
	}
	if !SteeringMatches(steering, id) {
		t.Error("enabled joiner does not pass its own filter")
	}

	// All-zeros disables, all-ones accepts any.
	if SteeringMatches(make([]byte, 8), id) {
		t.Error("all-zeros filter admitted a joiner")
	}
	allOnes := []byte{0xFF}
	if !SteeringMatches(allOnes, id) || !SteeringMatches(allOnes, other) {
		t.Error("all-ones filter rejected a joiner")
	}
}

func TestSteeringGrowth(t *testing.T) {
	var ids []JoinerId
	for i := 0; i < 40; i++ {
		ids = append(ids, ComputeJoinerId(uint64(i+1)))
	}

	small := buildSteering(ids[:1])
	large := buildSteering(ids)
	if len(small) != 1 {
		t.Errorf("single joiner bloom length = %d, expected 1", len(small))
	}
	if len(large) != MaxSteeringLength {
		t.Errorf("40-joiner bloom length = %d, expected %d", len(large), MaxSteeringLength)
	}
	for _, id := range ids {
		if !SteeringMatches(large, id) {
			t.Fatalf("joiner %x missing from grown bloom", id)
		}
	}
}

func TestBuildSteering_EmptyDisables(t *testing.T) {
	steering := buildSteering(nil)
	if len(steering) != 1 || steering[0] != 0 {
		t.Errorf("empty set bloom = %x, expected single zero byte", steering)
	}
}

func TestCrc16_KnownValues(t *testing.T) {
	// CRC-16/XMODEM of "123456789".
	if got := crc16(crcPolyCcitt, []byte("123456789")); got != 0x31C3 {
		t.Errorf("CCITT crc = %#x, expected 0x31c3", got)
	}
	if crc16(crcPolyCcitt, nil) != 0 {
		t.Error("CCITT crc of empty input should be 0")
	}
}

func TestValidatePSKd(t *testing.T) {
	if err := ValidatePSKd("J01NME"); err != nil {
		t.Errorf("valid PSKd rejected: %v", err)
	}
	if err := ValidatePSKd("SHORT"); KindOf(err) != KindInvalidArgs {
		t.Errorf("5-char PSKd: expected InvalidArgs, got %v", err)
	}
	if err := ValidatePSKd("HELLOIO"); KindOf(err) != KindInvalidArgs {
		t.Errorf("PSKd with I and O: expected InvalidArgs, got %v", err)
	}
	if err := ValidatePSKd("lowercase1"); KindOf(err) != KindInvalidArgs {
		t.Errorf("lowercase PSKd: expected InvalidArgs, got %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	err := newError(KindTimeout, "no reply")
	if KindOf(err) != KindTimeout {
		t.Error("KindOf lost the kind")
	}
	if !errors.Is(err, &Error{Kind: KindTimeout}) {
		t.Error("errors.Is does not match by kind")
	}
	if errors.Is(err, &Error{Kind: KindRejected}) {
		t.Error("errors.Is matched a different kind")
	}
}
