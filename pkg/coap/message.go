// Package coap implements the subset of CoAP (RFC 7252) the commissioner
// speaks to the Border Agent and, through relay encapsulation, to joiners:
// confirmable and non-confirmable exchanges with retransmission, URI-path
// routed resources, and block-wise transfer for large dataset payloads.
//
// The endpoint is message-oriented and transport-agnostic: the owner feeds
// inbound datagrams and supplies an outbound write function, so the same
// code runs over a DTLS session or an in-memory test pair.
package coap

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"
)

// Version is the only CoAP protocol version in existence.
const Version = 1

// MaxTokenLength is the maximum CoAP token length.
const MaxTokenLength = 8

// payloadMarker separates the options from the payload.
const payloadMarker = 0xFF

// MsgType is the CoAP message type.
type MsgType uint8

// CoAP message types.
const (
	Confirmable     MsgType = 0
	NonConfirmable  MsgType = 1
	Acknowledgement MsgType = 2
	Reset           MsgType = 3
)

// Code is the CoAP request method or response code.
type Code uint8

// Request method codes.
const (
	CodeEmpty  Code = 0x00
	CodeGet    Code = 0x01
	CodePost   Code = 0x02
	CodePut    Code = 0x03
	CodeDelete Code = 0x04
)

// Response codes (class.detail packed into one octet).
const (
	CodeCreated  Code = 0x41 // 2.01
	CodeDeleted  Code = 0x42 // 2.02
	CodeValid    Code = 0x43 // 2.03
	CodeChanged  Code = 0x44 // 2.04
	CodeContent  Code = 0x45 // 2.05
	CodeContinue Code = 0x5F // 2.31

	CodeBadRequest       Code = 0x80 // 4.00
	CodeUnauthorized     Code = 0x81 // 4.01
	CodeBadOption        Code = 0x82 // 4.02
	CodeForbidden        Code = 0x83 // 4.03
	CodeNotFound         Code = 0x84 // 4.04
	CodeMethodNotAllowed Code = 0x85 // 4.05
	CodeRequestTooLarge  Code = 0x8D // 4.13

	CodeInternalServerError Code = 0xA0 // 5.00
)

// IsRequest reports whether the code is a request method.
func (c Code) IsRequest() bool {
	return c >= CodeGet && c <= CodeDelete
}

// IsSuccess reports whether the code is a 2.xx response.
func (c Code) IsSuccess() bool {
	return c>>5 == 2
}

// Option numbers used by MeshCoP exchanges.
const (
	OptionUriPath       uint16 = 11
	OptionContentFormat uint16 = 12
	OptionBlock2        uint16 = 23
	OptionBlock1        uint16 = 27
)

// ContentFormatOctetStream is the application/octet-stream content format.
const ContentFormatOctetStream uint32 = 42

// Option is a single CoAP option instance.
type Option struct {
	Number uint16
	Value  []byte
}

// Message is a CoAP message.
type Message struct {
	Type      MsgType
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

// NewRequest builds a request for the given URI path. The path is split on
// "/" into Uri-Path options; the payload content format is set to
// octet-stream when a payload is present.
func NewRequest(msgType MsgType, code Code, uriPath string, payload []byte) *Message {
	m := &Message{
		Type:    msgType,
		Code:    code,
		Payload: payload,
	}
	for _, segment := range strings.Split(uriPath, "/") {
		if segment == "" {
			continue
		}
		m.Options = append(m.Options, Option{Number: OptionUriPath, Value: []byte(segment)})
	}
	if len(payload) > 0 {
		m.SetUintOption(OptionContentFormat, ContentFormatOctetStream)
	}
	return m
}

// Response builds a response to m: a piggybacked ACK for a confirmable
// request, a NON for a non-confirmable one. The token is echoed.
func (m *Message) Response(code Code, payload []byte) *Message {
	r := &Message{
		Code:    code,
		Token:   m.Token,
		Payload: payload,
	}
	if m.Type == Confirmable {
		r.Type = Acknowledgement
		r.MessageID = m.MessageID
	} else {
		r.Type = NonConfirmable
	}
	return r
}

// emptyAck builds an empty ACK for a confirmable message.
func emptyAck(m *Message) *Message {
	return &Message{Type: Acknowledgement, Code: CodeEmpty, MessageID: m.MessageID}
}

// emptyReset builds a RST for a message.
func emptyReset(m *Message) *Message {
	return &Message{Type: Reset, Code: CodeEmpty, MessageID: m.MessageID}
}

// Clone returns a copy of the message whose option list is independent of
// the original.
func (m *Message) Clone() *Message {
	c := *m
	c.Options = append([]Option(nil), m.Options...)
	return &c
}

// UriPath joins the Uri-Path options into "/segment/segment" form.
func (m *Message) UriPath() string {
	var sb strings.Builder
	for _, opt := range m.Options {
		if opt.Number == OptionUriPath {
			sb.WriteByte('/')
			sb.Write(opt.Value)
		}
	}
	return sb.String()
}

// SetUintOption sets an option with a minimal-length big-endian uint value,
// replacing any previous instance.
func (m *Message) SetUintOption(number uint16, value uint32) {
	m.RemoveOption(number)
	m.Options = append(m.Options, Option{Number: number, Value: encodeOptionUint(value)})
}

// UintOption returns the value of a uint option and whether it is present.
func (m *Message) UintOption(number uint16) (uint32, bool) {
	for _, opt := range m.Options {
		if opt.Number == number {
			return decodeOptionUint(opt.Value), true
		}
	}
	return 0, false
}

// RemoveOption removes all instances of an option.
func (m *Message) RemoveOption(number uint16) {
	out := m.Options[:0]
	for _, opt := range m.Options {
		if opt.Number != number {
			out = append(out, opt)
		}
	}
	m.Options = out
}

func encodeOptionUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func decodeOptionUint(value []byte) uint32 {
	var v uint32
	for _, b := range value {
		v = v<<8 | uint32(b)
	}
	return v
}

// Encode serializes the message.
func (m *Message) Encode() ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, ErrInvalidMessage
	}

	var buf bytes.Buffer
	buf.WriteByte(Version<<6 | byte(m.Type)<<4 | byte(len(m.Token)))
	buf.WriteByte(byte(m.Code))

	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], m.MessageID)
	buf.Write(mid[:])
	buf.Write(m.Token)

	// Options are encoded in ascending number order with delta encoding.
	options := append([]Option(nil), m.Options...)
	sort.SliceStable(options, func(i, j int) bool { return options[i].Number < options[j].Number })

	prev := uint16(0)
	for _, opt := range options {
		delta := opt.Number - prev
		prev = opt.Number
		writeOptionHeader(&buf, delta, len(opt.Value))
		buf.Write(opt.Value)
	}

	if len(m.Payload) > 0 {
		buf.WriteByte(payloadMarker)
		buf.Write(m.Payload)
	}
	return buf.Bytes(), nil
}

func writeOptionHeader(buf *bytes.Buffer, delta uint16, length int) {
	deltaNibble, deltaExt := optionNibble(uint32(delta))
	lenNibble, lenExt := optionNibble(uint32(length))
	buf.WriteByte(deltaNibble<<4 | lenNibble)
	buf.Write(deltaExt)
	buf.Write(lenExt)
}

func optionNibble(v uint32) (byte, []byte) {
	switch {
	case v < 13:
		return byte(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-269))
		return 14, ext
	}
}

// Decode parses a datagram into a message.
func Decode(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, ErrInvalidMessage
	}
	if data[0]>>6 != Version {
		return nil, ErrInvalidMessage
	}

	m := &Message{
		Type:      MsgType(data[0] >> 4 & 0x3),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}

	tokenLen := int(data[0] & 0x0F)
	if tokenLen > MaxTokenLength || len(data) < 4+tokenLen {
		return nil, ErrInvalidMessage
	}
	m.Token = append([]byte(nil), data[4:4+tokenLen]...)

	rest := data[4+tokenLen:]
	prev := uint32(0)
	for len(rest) > 0 {
		if rest[0] == payloadMarker {
			if len(rest) == 1 {
				return nil, ErrInvalidMessage
			}
			m.Payload = append([]byte(nil), rest[1:]...)
			return m, nil
		}

		deltaNibble := uint32(rest[0] >> 4)
		lenNibble := uint32(rest[0] & 0x0F)
		rest = rest[1:]

		delta, n, err := readOptionExt(deltaNibble, rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]

		length, n, err := readOptionExt(lenNibble, rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]

		if uint32(len(rest)) < length {
			return nil, ErrInvalidMessage
		}

		prev += delta
		m.Options = append(m.Options, Option{
			Number: uint16(prev),
			Value:  append([]byte(nil), rest[:length]...),
		})
		rest = rest[length:]
	}
	return m, nil
}

func readOptionExt(nibble uint32, rest []byte) (uint32, int, error) {
	switch nibble {
	case 13:
		if len(rest) < 1 {
			return 0, 0, ErrInvalidMessage
		}
		return uint32(rest[0]) + 13, 1, nil
	case 14:
		if len(rest) < 2 {
			return 0, 0, ErrInvalidMessage
		}
		return uint32(binary.BigEndian.Uint16(rest[:2])) + 269, 2, nil
	case 15:
		return 0, 0, ErrInvalidMessage
	default:
		return nibble, 0, nil
	}
}
