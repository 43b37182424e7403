package dataset

import (
	"bytes"
	"testing"

	"github.com/backkem/thread-commissioner/pkg/meshcop"
)

func fullActive() ActiveOperationalDataset {
	return ActiveOperationalDataset{
		ActiveTimestamp:  Timestamp{Seconds: 10},
		Channel:          Channel{Page: 0, Number: 15},
		ChannelMask:      NewChannelMask(0, 0x07FFF800),
		ExtendedPanId:    []byte{0xDE, 0xAD, 0x00, 0xBE, 0xEF, 0x00, 0xCA, 0xFE},
		MeshLocalPrefix:  []byte{0xFD, 0x00, 0x0D, 0xB8, 0x00, 0x00, 0x00, 0x00},
		NetworkMasterKey: bytes.Repeat([]byte{0x11}, 16),
		NetworkName:      "OpenThreadDemo",
		PanId:            0xFACE,
		PSKc:             bytes.Repeat([]byte{0x22}, 16),
		SecurityPolicy:   SecurityPolicy{RotationTime: 672, Flags: []byte{0xFF, 0xF8}},
		PresentFlags: ActiveTimestampBit | ChannelBit | ChannelMaskBit |
			ExtendedPanIdBit | MeshLocalPrefixBit | NetworkMasterKeyBit |
			NetworkNameBit | PanIdBit | PSKcBit | SecurityPolicyBit,
	}
}

func TestActiveDataset_RoundTripPerField(t *testing.T) {
	full := fullActive()

	// Exercise each single-field projection plus the full set.
	masks := []uint16{full.PresentFlags}
	for _, f := range activeFields {
		masks = append(masks, f.bit)
	}

	for _, mask := range masks {
		src := full
		src.PresentFlags = mask

		var decoded ActiveOperationalDataset
		if err := decoded.FromTLVs(src.ToTLVs()); err != nil {
			t.Fatalf("mask %#x: FromTLVs: %v", mask, err)
		}

		if decoded.PresentFlags != mask {
			t.Errorf("mask %#x: presence after round trip = %#x", mask, decoded.PresentFlags)
		}

		a, err := src.ToTLVs().Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		b, err := decoded.ToTLVs().Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("mask %#x: wire form differs after round trip", mask)
		}
	}
}

func TestPendingDataset_RoundTrip(t *testing.T) {
	src := PendingOperationalDataset{
		ActiveOperationalDataset: fullActive(),
		PendingTimestamp:         Timestamp{Seconds: 11},
		DelayTimer:               5000,
	}
	src.PresentFlags |= PendingTimestampBit | DelayTimerBit

	var decoded PendingOperationalDataset
	if err := decoded.FromTLVs(src.ToTLVs()); err != nil {
		t.Fatalf("FromTLVs: %v", err)
	}
	if decoded.PresentFlags != src.PresentFlags {
		t.Errorf("presence = %#x, expected %#x", decoded.PresentFlags, src.PresentFlags)
	}
	if decoded.DelayTimer != 5000 {
		t.Errorf("delay timer = %d, expected 5000", decoded.DelayTimer)
	}
	if decoded.PendingTimestamp.Seconds != 11 {
		t.Errorf("pending timestamp = %d, expected 11", decoded.PendingTimestamp.Seconds)
	}
}

func TestCommissionerDataset_RoundTrip(t *testing.T) {
	src := CommissionerDataset{
		BorderAgentLocator: 0x0400,
		SessionId:          7,
		SteeringData:       []byte{0xFF},
		JoinerUdpPort:      1000,
		PresentFlags:       BorderAgentLocatorBit | SessionIdBit | SteeringDataBit | JoinerUdpPortBit,
	}

	var decoded CommissionerDataset
	if err := decoded.FromTLVs(src.ToTLVs()); err != nil {
		t.Fatalf("FromTLVs: %v", err)
	}
	if decoded.PresentFlags != src.PresentFlags {
		t.Errorf("presence = %#x, expected %#x", decoded.PresentFlags, src.PresentFlags)
	}
	if decoded.SessionId != 7 || decoded.BorderAgentLocator != 0x0400 {
		t.Errorf("leader fields lost: %+v", decoded)
	}
}

func TestCommissionerDataset_SetExcludesLeaderFields(t *testing.T) {
	src := CommissionerDataset{
		BorderAgentLocator: 0x0400,
		SessionId:          7,
		SteeringData:       []byte{0xFF},
		PresentFlags:       BorderAgentLocatorBit | SessionIdBit | SteeringDataBit,
	}

	list := src.ToSetTLVs()
	if _, err := list.Find(meshcop.TypeCommissionerSessionId); err == nil {
		t.Error("session id must not appear in a SET payload")
	}
	if _, err := list.Find(meshcop.TypeBorderAgentLocator); err == nil {
		t.Error("border agent locator must not appear in a SET payload")
	}
	if _, err := list.Find(meshcop.TypeSteeringData); err != nil {
		t.Error("steering data missing from SET payload")
	}
}

func TestMergeAsymmetry(t *testing.T) {
	// Commissioner dataset: a replace-mode merge without steering data
	// clears it; an additive merge preserves it.
	dst := CommissionerDataset{
		SteeringData:  []byte{0xFF},
		JoinerUdpPort: 1000,
		PresentFlags:  SteeringDataBit | JoinerUdpPortBit,
	}
	src := CommissionerDataset{
		JoinerUdpPort: 1001,
		PresentFlags:  JoinerUdpPortBit,
	}

	additive := dst
	MergeCommissioner(&additive, &src, MergeAdditive)
	if additive.PresentFlags&SteeringDataBit == 0 {
		t.Error("additive merge cleared steering data")
	}
	if additive.JoinerUdpPort != 1001 {
		t.Error("additive merge did not copy joiner UDP port")
	}

	replace := dst
	MergeCommissioner(&replace, &src, MergeReplace)
	if replace.PresentFlags&SteeringDataBit != 0 {
		t.Error("replace merge preserved absent steering data")
	}
	if replace.PresentFlags&JoinerUdpPortBit == 0 || replace.JoinerUdpPort != 1001 {
		t.Error("replace merge lost present joiner UDP port")
	}

	// Active dataset: the same shape of merge is a no-op for absent fields.
	activeDst := fullActive()
	activeSrc := ActiveOperationalDataset{
		PanId:        0x1234,
		PresentFlags: PanIdBit,
	}
	MergeActive(&activeDst, &activeSrc)
	if activeDst.PresentFlags != fullActive().PresentFlags {
		t.Error("active merge changed presence of absent fields")
	}
	if activeDst.PanId != 0x1234 {
		t.Error("active merge did not copy present field")
	}
}

func TestTimestamp_EncodeCompareBump(t *testing.T) {
	a := Timestamp{Seconds: 5, Ticks: 10}
	b := Timestamp{Seconds: 5, Ticks: 11}
	if a.Compare(b) != -1 || b.Compare(a) != 1 || a.Compare(a) != 0 {
		t.Error("timestamp ordering broken")
	}

	bumped := a.Bumped()
	if bumped.Compare(a) != 1 {
		t.Error("bumped timestamp not strictly greater")
	}
	if bumped.Ticks != 0 {
		t.Error("bumped timestamp should clear ticks")
	}

	decoded := DecodeTimestamp(a.Encode())
	if decoded != a {
		t.Errorf("timestamp round trip: %+v != %+v", decoded, a)
	}

	auth := Timestamp{Seconds: 1, Authoritative: true}
	if DecodeTimestamp(auth.Encode()) != auth {
		t.Error("authoritative bit lost in round trip")
	}
}

func TestUnknownTLVsPreservedNotReemitted(t *testing.T) {
	list := meshcop.List{
		meshcop.NewUint16(meshcop.TypePanId, 0xFACE),
		meshcop.NewBytes(meshcop.Type(250), []byte{1, 2, 3}),
	}

	var d ActiveOperationalDataset
	if err := d.FromTLVs(list); err != nil {
		t.Fatalf("FromTLVs: %v", err)
	}
	if len(d.Unknown) != 1 || d.Unknown[0].Type != meshcop.Type(250) {
		t.Fatalf("unknown TLV not preserved: %+v", d.Unknown)
	}

	out := d.ToTLVs()
	for _, tlv := range out {
		if tlv.Type == meshcop.Type(250) {
			t.Error("unknown TLV re-emitted")
		}
	}
}
