// Package dataset defines the four MeshCoP datasets mirrored by the
// commissioner (Active Operational, Pending Operational, Commissioner and
// BBR), their presence bitmaps, TLV (de)serialization, and the merge rules
// between local mirrors and remote state.
//
// Every field of a dataset is optional: a field is semantically absent
// unless its bit is set in PresentFlags. Serialization and merging are
// driven off per-dataset field tables; the JSON persistence in pkg/app
// maps each field separately.
package dataset

import (
	"encoding/binary"

	"github.com/backkem/thread-commissioner/pkg/meshcop"
)

// Timestamp is a MeshCoP timestamp: 48-bit seconds, 15-bit ticks and the
// authoritative (U) bit, packed big-endian into 8 bytes on the wire.
type Timestamp struct {
	Seconds       uint64 // only the low 48 bits are used
	Ticks         uint16 // only the low 15 bits are used
	Authoritative bool
}

// Encode packs the timestamp into its 64-bit wire form.
func (t Timestamp) Encode() uint64 {
	v := (t.Seconds & 0xFFFFFFFFFFFF) << 16
	v |= uint64(t.Ticks&0x7FFF) << 1
	if t.Authoritative {
		v |= 1
	}
	return v
}

// DecodeTimestamp unpacks a 64-bit wire value.
func DecodeTimestamp(v uint64) Timestamp {
	return Timestamp{
		Seconds:       v >> 16,
		Ticks:         uint16(v>>1) & 0x7FFF,
		Authoritative: v&1 != 0,
	}
}

// Compare returns -1, 0 or 1 ordering t against other per the MeshCoP
// timestamp total order.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Encode() < other.Encode():
		return -1
	case t.Encode() > other.Encode():
		return 1
	default:
		return 0
	}
}

// Bumped returns a timestamp strictly greater than t, with ticks cleared.
func (t Timestamp) Bumped() Timestamp {
	return Timestamp{Seconds: (t.Seconds + 1) & 0xFFFFFFFFFFFF}
}

// Channel is a radio channel on a given channel page.
type Channel struct {
	Page   uint8
	Number uint16
}

func (c Channel) encode() []byte {
	var buf [3]byte
	buf[0] = c.Page
	binary.BigEndian.PutUint16(buf[1:3], c.Number)
	return buf[:]
}

func decodeChannel(value []byte) (Channel, error) {
	if len(value) != 3 {
		return Channel{}, meshcop.ErrWrongSize
	}
	return Channel{Page: value[0], Number: binary.BigEndian.Uint16(value[1:3])}, nil
}

// ChannelMaskEntry is one page of a channel mask.
type ChannelMaskEntry struct {
	Page uint8
	Mask []byte
}

// ChannelMask is a list of per-page mask entries.
type ChannelMask []ChannelMaskEntry

// NewChannelMask builds a single-entry mask for page with a 32-bit mask.
func NewChannelMask(page uint8, mask uint32) ChannelMask {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], mask)
	return ChannelMask{{Page: page, Mask: buf[:]}}
}

func (m ChannelMask) Encode() []byte {
	var out []byte
	for _, entry := range m {
		out = append(out, entry.Page, byte(len(entry.Mask)))
		out = append(out, entry.Mask...)
	}
	return out
}

// DecodeChannelMaskValue parses a Channel Mask TLV value.
func DecodeChannelMaskValue(value []byte) (ChannelMask, error) {
	return decodeChannelMask(value)
}

func decodeChannelMask(value []byte) (ChannelMask, error) {
	var mask ChannelMask
	for len(value) > 0 {
		if len(value) < 2 {
			return nil, meshcop.ErrTruncated
		}
		length := int(value[1])
		if len(value) < 2+length {
			return nil, meshcop.ErrTruncated
		}
		mask = append(mask, ChannelMaskEntry{
			Page: value[0],
			Mask: append([]byte(nil), value[2:2+length]...),
		})
		value = value[2+length:]
	}
	return mask, nil
}

// SecurityPolicy is the network security policy: key rotation time in
// hours plus the policy flag octets.
type SecurityPolicy struct {
	RotationTime uint16
	Flags        []byte
}

func (p SecurityPolicy) encode() []byte {
	out := make([]byte, 2+len(p.Flags))
	binary.BigEndian.PutUint16(out[:2], p.RotationTime)
	copy(out[2:], p.Flags)
	return out
}

func decodeSecurityPolicy(value []byte) (SecurityPolicy, error) {
	if len(value) < 2 {
		return SecurityPolicy{}, meshcop.ErrWrongSize
	}
	return SecurityPolicy{
		RotationTime: binary.BigEndian.Uint16(value[:2]),
		Flags:        append([]byte(nil), value[2:]...),
	}, nil
}
