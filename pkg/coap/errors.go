package coap

import "errors"

var (
	// ErrInvalidMessage is returned when a datagram is not a valid CoAP
	// message.
	ErrInvalidMessage = errors.New("coap: invalid message")

	// ErrMessageTooLarge is returned when an encoded message exceeds the
	// transport MTU and cannot be sent block-wise.
	ErrMessageTooLarge = errors.New("coap: message too large")

	// ErrTimeout is returned when a confirmable request exhausts its
	// retransmissions or the response timer expires.
	ErrTimeout = errors.New("coap: request timed out")

	// ErrCancelled is returned for requests aborted by CancelAll.
	ErrCancelled = errors.New("coap: request cancelled")

	// ErrReset is returned when the peer answers a request with RST.
	ErrReset = errors.New("coap: reset by peer")

	// ErrConnClosed is returned when sending on a closed endpoint.
	ErrConnClosed = errors.New("coap: endpoint closed")
)
