package app

import (
	"encoding/hex"
	"os"
	"strings"

	"github.com/backkem/thread-commissioner/pkg/commissioner"
)

// ReadFile reads a whole file, mapping a missing file to NotFound.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &commissioner.Error{Kind: commissioner.KindNotFound,
				Message: "cannot find file " + path}
		}
		return nil, &commissioner.Error{Kind: commissioner.KindIoError,
			Message: "reading " + path + ": " + err.Error()}
	}
	return data, nil
}

// WriteFile writes data to a file.
func WriteFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &commissioner.Error{Kind: commissioner.KindIoError,
			Message: "writing " + path + ": " + err.Error()}
	}
	return nil
}

// ReadPemFile reads a PEM file.
func ReadPemFile(path string) ([]byte, error) {
	return ReadFile(path)
}

// ReadHexStringFile reads a file of hex digits, ignoring whitespace.
func ReadHexStringFile(path string) ([]byte, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	compact := strings.Join(strings.Fields(string(data)), "")
	decoded, err := hex.DecodeString(compact)
	if err != nil {
		return nil, &commissioner.Error{Kind: commissioner.KindInvalidArgs,
			Message: "bad hex string in " + path + ": " + err.Error()}
	}
	return decoded, nil
}
