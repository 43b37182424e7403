package meshcop

import "errors"

var (
	// ErrTruncated is returned when the input ends inside a TLV.
	ErrTruncated = errors.New("meshcop: truncated TLV")

	// ErrValueTooLong is returned when a TLV value exceeds the extended
	// length form (65535 bytes).
	ErrValueTooLong = errors.New("meshcop: TLV value too long")

	// ErrWrongSize is returned when a TLV value has an unexpected size
	// for the requested integer accessor.
	ErrWrongSize = errors.New("meshcop: wrong TLV value size")

	// ErrNotFound is returned when a TLV of the requested type is not in
	// the list.
	ErrNotFound = errors.New("meshcop: TLV not found")
)
