// Package security implements the commissioner's key-material helpers:
// PSKc derivation from a user passphrase (PBKDF2 over AES-CMAC-PRF-128)
// and the CCM commissioning token, a COSE_Sign1-signed CWT verified
// against the domain trust anchor.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
)

// cmacBlockSize is the AES block size used by CMAC.
const cmacBlockSize = 16

// cmac computes AES-CMAC (RFC 4493) over msg with a 16-byte key.
func cmac(key, msg []byte) [cmacBlockSize]byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		// key length is fixed by the callers
		panic(err)
	}

	k1, k2 := cmacSubkeys(block)

	n := (len(msg) + cmacBlockSize - 1) / cmacBlockSize
	complete := n > 0 && len(msg)%cmacBlockSize == 0
	if n == 0 {
		n = 1
	}

	var last [cmacBlockSize]byte
	if complete {
		copy(last[:], msg[(n-1)*cmacBlockSize:])
		xorBlock(&last, k1)
	} else {
		rem := msg[(n-1)*cmacBlockSize:]
		copy(last[:], rem)
		last[len(rem)] = 0x80
		xorBlock(&last, k2)
	}

	var x [cmacBlockSize]byte
	for i := 0; i < n-1; i++ {
		xorBlockSlice(&x, msg[i*cmacBlockSize:(i+1)*cmacBlockSize])
		block.Encrypt(x[:], x[:])
	}
	xorBlock(&x, last)
	block.Encrypt(x[:], x[:])
	return x
}

// cmacSubkeys derives the K1/K2 subkeys.
func cmacSubkeys(block cipher.Block) ([cmacBlockSize]byte, [cmacBlockSize]byte) {
	var l [cmacBlockSize]byte
	block.Encrypt(l[:], l[:])
	k1 := shiftLeftXorRb(l)
	k2 := shiftLeftXorRb(k1)
	return k1, k2
}

// shiftLeftXorRb shifts one bit left and conditionally folds in the
// GF(2^128) constant Rb = 0x87.
func shiftLeftXorRb(in [cmacBlockSize]byte) [cmacBlockSize]byte {
	var out [cmacBlockSize]byte
	var carry byte
	for i := cmacBlockSize - 1; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	// Constant-time fold of the carry.
	mask := byte(subtle.ConstantTimeSelect(int(carry), 0x87, 0x00))
	out[cmacBlockSize-1] ^= mask
	return out
}

func xorBlock(dst *[cmacBlockSize]byte, src [cmacBlockSize]byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

func xorBlockSlice(dst *[cmacBlockSize]byte, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// cmacPRF128 is AES-CMAC-PRF-128 (RFC 4615): a variable-key-length PRF.
// Keys that are not 16 bytes are first compressed with a zero-keyed CMAC.
func cmacPRF128(key, msg []byte) [cmacBlockSize]byte {
	if len(key) != cmacBlockSize {
		var zero [cmacBlockSize]byte
		k := cmac(zero[:], key)
		key = k[:]
	}
	return cmac(key, msg)
}
