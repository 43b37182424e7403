package meshcop

import (
	"bytes"
	"encoding/binary"
	"io"
)

// extendedLengthEscape in the length octet selects the 16-bit length form.
const extendedLengthEscape = 0xFF

// TLV is a single MeshCoP type-length-value element. Multi-byte integer
// values are big-endian on the wire.
type TLV struct {
	Type  Type
	Value []byte
}

// NewBytes builds a TLV holding an opaque byte value.
func NewBytes(typ Type, value []byte) TLV {
	return TLV{Type: typ, Value: append([]byte(nil), value...)}
}

// NewString builds a TLV holding a UTF-8 string value.
func NewString(typ Type, value string) TLV {
	return TLV{Type: typ, Value: []byte(value)}
}

// NewUint8 builds a TLV holding a single octet.
func NewUint8(typ Type, value uint8) TLV {
	return TLV{Type: typ, Value: []byte{value}}
}

// NewUint16 builds a TLV holding a big-endian 16-bit value.
func NewUint16(typ Type, value uint16) TLV {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], value)
	return TLV{Type: typ, Value: buf[:]}
}

// NewUint32 builds a TLV holding a big-endian 32-bit value.
func NewUint32(typ Type, value uint32) TLV {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	return TLV{Type: typ, Value: buf[:]}
}

// NewUint64 builds a TLV holding a big-endian 64-bit value.
func NewUint64(typ Type, value uint64) TLV {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	return TLV{Type: typ, Value: buf[:]}
}

// Uint8 returns the value as a single octet.
func (t TLV) Uint8() (uint8, error) {
	if len(t.Value) != 1 {
		return 0, ErrWrongSize
	}
	return t.Value[0], nil
}

// Uint16 returns the value as a big-endian 16-bit integer.
func (t TLV) Uint16() (uint16, error) {
	if len(t.Value) != 2 {
		return 0, ErrWrongSize
	}
	return binary.BigEndian.Uint16(t.Value), nil
}

// Uint32 returns the value as a big-endian 32-bit integer.
func (t TLV) Uint32() (uint32, error) {
	if len(t.Value) != 4 {
		return 0, ErrWrongSize
	}
	return binary.BigEndian.Uint32(t.Value), nil
}

// Uint64 returns the value as a big-endian 64-bit integer.
func (t TLV) Uint64() (uint64, error) {
	if len(t.Value) != 8 {
		return 0, ErrWrongSize
	}
	return binary.BigEndian.Uint64(t.Value), nil
}

// String returns the value as a UTF-8 string.
func (t TLV) String() string {
	return string(t.Value)
}

// WriteTo encodes the TLV to w, choosing the extended length form when the
// value does not fit a single length octet.
func (t TLV) WriteTo(w io.Writer) (int64, error) {
	length := len(t.Value)
	if length > 0xFFFF {
		return 0, ErrValueTooLong
	}

	var header [4]byte
	header[0] = byte(t.Type)

	var n int
	if length >= extendedLengthEscape {
		header[1] = extendedLengthEscape
		binary.BigEndian.PutUint16(header[2:4], uint16(length))
		n = 4
	} else {
		header[1] = byte(length)
		n = 2
	}

	written, err := w.Write(header[:n])
	if err != nil {
		return int64(written), err
	}
	vn, err := w.Write(t.Value)
	return int64(written + vn), err
}

// List is an ordered sequence of TLVs, typically one CoAP payload.
type List []TLV

// Encode serializes the list into a single byte slice.
func (l List) Encode() ([]byte, error) {
	var buf bytes.Buffer
	for _, t := range l {
		if _, err := t.WriteTo(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Find returns the first TLV of the given type.
func (l List) Find(typ Type) (TLV, error) {
	for _, t := range l {
		if t.Type == typ {
			return t, nil
		}
	}
	return TLV{}, ErrNotFound
}

// FindAll returns every TLV of the given type, preserving order.
func (l List) FindAll(typ Type) List {
	var out List
	for _, t := range l {
		if t.Type == typ {
			out = append(out, t)
		}
	}
	return out
}

// Decode parses a sequence of TLVs from buf. The whole buffer must be
// consumed; a TLV whose length runs past the end yields ErrTruncated.
func Decode(buf []byte) (List, error) {
	var list List
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, ErrTruncated
		}
		typ := Type(buf[0])
		length := int(buf[1])
		offset := 2
		if length == extendedLengthEscape {
			if len(buf) < 4 {
				return nil, ErrTruncated
			}
			length = int(binary.BigEndian.Uint16(buf[2:4]))
			offset = 4
		}
		if len(buf) < offset+length {
			return nil, ErrTruncated
		}
		list = append(list, TLV{
			Type:  typ,
			Value: append([]byte(nil), buf[offset:offset+length]...),
		})
		buf = buf[offset+length:]
	}
	return list, nil
}

// NewGet builds a Get TLV listing the TLV types requested from a
// MGMT_*_GET exchange. An empty set requests the full dataset.
func NewGet(types []Type) TLV {
	value := make([]byte, len(types))
	for i, typ := range types {
		value[i] = byte(typ)
	}
	return TLV{Type: TypeGet, Value: value}
}
