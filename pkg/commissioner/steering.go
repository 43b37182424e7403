package commissioner

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
)

// JoinerIdLength is the length of a joiner ID (IEEE EUI-64 derived).
const JoinerIdLength = 8

// localExternalAddrMask is the local bit of an IEEE extended address.
const localExternalAddrMask = 0x02

// MaxSteeringLength is the maximum steering data bloom filter length.
const MaxSteeringLength = 16

// JoinerId identifies a joiner within steering data and relay frames.
type JoinerId [JoinerIdLength]byte

// ComputeJoinerId derives the joiner ID of an EUI-64: the first 8 bytes
// of SHA-256 over the big-endian EUI-64, with the local bit forced on.
func ComputeJoinerId(eui64 uint64) JoinerId {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], eui64)

	hash := sha256.Sum256(raw[:])

	var id JoinerId
	copy(id[:], hash[:JoinerIdLength])
	id[0] |= localExternalAddrMask
	return id
}

// JoinerIdFromDiscerner uses a joiner discerner's 8-byte payload as the
// joiner ID verbatim.
func JoinerIdFromDiscerner(discerner [JoinerIdLength]byte) JoinerId {
	return JoinerId(discerner)
}

// anyJoinerId is the reserved ID a wildcard entry is tracked under.
func anyJoinerId() JoinerId {
	return ComputeJoinerId(0)
}

// crc16 computes an MSB-first CRC-16 with the given polynomial and a zero
// initial value.
func crc16(poly uint16, data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

const (
	crcPolyCcitt uint16 = 0x1021
	crcPolyAnsi  uint16 = 0x8005
)

// steeringSetBit sets the bloom bit selected by hash modulo the filter
// width. Byte 0 on the wire is the most significant end of the filter.
func steeringSetBit(steering []byte, hash uint16) {
	numBits := uint16(len(steering) * 8)
	bit := hash % numBits
	steering[len(steering)-1-int(bit/8)] |= 1 << (bit % 8)
}

// steeringHasBit reports whether the bloom bit selected by hash is set.
func steeringHasBit(steering []byte, hash uint16) bool {
	numBits := uint16(len(steering) * 8)
	bit := hash % numBits
	return steering[len(steering)-1-int(bit/8)]&(1<<(bit%8)) != 0
}

// AddToSteering sets the two bloom bits of a joiner ID (CRC16-CCITT and
// CRC16-ANSI indexed) in a steering data filter.
func AddToSteering(steering []byte, id JoinerId) {
	if len(steering) == 0 {
		return
	}
	steeringSetBit(steering, crc16(crcPolyCcitt, id[:]))
	steeringSetBit(steering, crc16(crcPolyAnsi, id[:]))
}

// SteeringMatches reports whether a joiner ID passes the steering filter.
// An all-zeros filter admits nobody; an all-ones filter admits anyone.
func SteeringMatches(steering []byte, id JoinerId) bool {
	if len(steering) == 0 {
		return false
	}
	return steeringHasBit(steering, crc16(crcPolyCcitt, id[:])) &&
		steeringHasBit(steering, crc16(crcPolyAnsi, id[:]))
}

// steeringLengthFor picks the bloom width for a joiner population,
// growing in powers of two up to MaxSteeringLength.
func steeringLengthFor(population int) int {
	length := 1
	for length < MaxSteeringLength && population > length*2 {
		length *= 2
	}
	return length
}

// buildSteering constructs the steering filter for a set of joiner IDs.
// An empty set yields the all-zeros 1-byte filter that disables joining.
func buildSteering(ids []JoinerId) []byte {
	steering := make([]byte, steeringLengthFor(len(ids)))
	for _, id := range ids {
		AddToSteering(steering, id)
	}
	return steering
}

// steeringAllowAny is the 1-byte all-ones filter admitting any joiner.
func steeringAllowAny() []byte {
	return []byte{0xFF}
}

// pskdAlphabet is the Thread base32 character set: uppercase
// alphanumerics without I, O, Q and Z.
const pskdAlphabet = "0123456789ABCDEFGHJKLMNPRSTUVWXY"

// ValidatePSKd checks a joiner credential: 6 to 32 characters from the
// Thread base32 alphabet.
func ValidatePSKd(pskd string) error {
	if len(pskd) < 6 || len(pskd) > 32 {
		return newError(KindInvalidArgs, "PSKd length %d outside 6..32", len(pskd))
	}
	for _, r := range pskd {
		if !strings.ContainsRune(pskdAlphabet, r) {
			return newError(KindInvalidArgs, "PSKd contains invalid character %q", r)
		}
	}
	return nil
}
