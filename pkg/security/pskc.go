package security

import (
	"encoding/binary"
	"errors"
)

// PSKc derivation parameters from the Thread commissioning credential
// rules: PBKDF2 with AES-CMAC-PRF-128, 16384 iterations, 16-byte output,
// salt "Thread" || Extended PAN ID || Network Name.
const (
	pskcIterations = 16384
	pskcLength     = 16
	pskcSaltPrefix = "Thread"

	maxPassphraseLength  = 255
	minPassphraseLength  = 6
	maxNetworkNameLength = 16
	extendedPanIdLength  = 8
)

var (
	// ErrBadPassphrase is returned for commissioning credentials outside
	// the 6..255 byte range.
	ErrBadPassphrase = errors.New("security: passphrase must be 6 to 255 bytes")

	// ErrBadNetworkName is returned for network names longer than 16
	// bytes.
	ErrBadNetworkName = errors.New("security: network name too long")

	// ErrBadExtendedPanId is returned when the extended PAN ID is not 8
	// bytes.
	ErrBadExtendedPanId = errors.New("security: extended PAN ID must be 8 bytes")
)

// DerivePSKc computes the network PSKc from the commissioning passphrase.
func DerivePSKc(passphrase string, networkName string, extendedPanId []byte) ([]byte, error) {
	if len(passphrase) < minPassphraseLength || len(passphrase) > maxPassphraseLength {
		return nil, ErrBadPassphrase
	}
	if len(networkName) > maxNetworkNameLength {
		return nil, ErrBadNetworkName
	}
	if len(extendedPanId) != extendedPanIdLength {
		return nil, ErrBadExtendedPanId
	}

	salt := make([]byte, 0, len(pskcSaltPrefix)+extendedPanIdLength+len(networkName))
	salt = append(salt, pskcSaltPrefix...)
	salt = append(salt, extendedPanId...)
	salt = append(salt, networkName...)

	return pbkdf2PRF128([]byte(passphrase), salt, pskcIterations, pskcLength), nil
}

// pbkdf2PRF128 is PBKDF2 (RFC 2898) instantiated over AES-CMAC-PRF-128.
// The x/crypto pbkdf2 package is fixed to HMAC PRFs and cannot express
// this instantiation.
func pbkdf2PRF128(password, salt []byte, iterations, keyLen int) []byte {
	numBlocks := (keyLen + cmacBlockSize - 1) / cmacBlockSize
	out := make([]byte, 0, numBlocks*cmacBlockSize)

	var blockIndex [4]byte
	for i := 1; i <= numBlocks; i++ {
		binary.BigEndian.PutUint32(blockIndex[:], uint32(i))

		u := cmacPRF128(password, append(append([]byte(nil), salt...), blockIndex[:]...))
		t := u
		for n := 1; n < iterations; n++ {
			u = cmacPRF128(password, u[:])
			xorBlock(&t, u)
		}
		out = append(out, t[:]...)
	}
	return out[:keyLen]
}
