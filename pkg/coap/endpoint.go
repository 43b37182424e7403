package coap

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
)

// Transmission parameters (RFC 7252 Section 4.8).
const (
	// AckTimeout is the initial retransmission timeout for confirmable
	// messages. The effective initial timeout is randomized over
	// [AckTimeout, AckTimeout*AckRandomFactor] and doubles per retry.
	AckTimeout = 2 * time.Second

	// AckRandomFactor bounds the retransmission jitter.
	AckRandomFactor = 1.5

	// MaxRetransmit is the retransmission limit for confirmable messages.
	MaxRetransmit = 4
)

// DefaultRequestTimeout bounds a whole request/response exchange,
// including separate responses and block-wise continuation.
const DefaultRequestTimeout = 10 * time.Second

// WriteFunc sends one encoded datagram toward the peer.
type WriteFunc func(data []byte) error

// Scheduler arms one-shot timers for the endpoint. The returned cancel
// function must be callable more than once.
type Scheduler interface {
	Schedule(d time.Duration, f func()) (cancel func())
}

// ResponseHandler receives the final response of a request, or an error.
type ResponseHandler func(rsp *Message, err error)

// RequestHandler serves an inbound request on a registered resource. The
// returned message is sent as the response; nil sends a bare ACK for
// confirmable requests and nothing for non-confirmables.
type RequestHandler func(req *Message) *Message

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// Write sends encoded datagrams. Required.
	Write WriteFunc

	// Scheduler provides timers. Required.
	Scheduler Scheduler

	// RequestTimeout bounds each exchange. Zero selects
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Endpoint is a CoAP client and server sharing one connection.
//
// The endpoint is not safe for concurrent use: the commissioner confines
// it, like all mutable protocol state, to the event loop.
type Endpoint struct {
	write     WriteFunc
	scheduler Scheduler
	timeout   time.Duration
	log       logging.LeveledLogger

	nextMessageID uint16
	nextToken     uint64

	pending   map[string]*pendingRequest // keyed by token
	byMID     map[uint16]*pendingRequest
	resources map[string]RequestHandler

	closed bool
}

// pendingRequest tracks an outstanding request until its final response.
type pendingRequest struct {
	request *Message
	handler ResponseHandler
	token   string

	messageID uint16
	encoded   []byte

	retransmits   int
	backoff       *backoff.ExponentialBackOff
	cancelRetrans func()
	cancelTimeout func()

	// block1 state: full payload being pushed block-wise.
	block1Payload []byte
	block1Num     uint32

	// block2 state: payload being reassembled across responses.
	block2Buf []byte
}

// NewEndpoint creates an endpoint over the given write function.
func NewEndpoint(config EndpointConfig) *Endpoint {
	e := &Endpoint{
		write:     config.Write,
		scheduler: config.Scheduler,
		timeout:   config.RequestTimeout,
		pending:   make(map[string]*pendingRequest),
		byMID:     make(map[uint16]*pendingRequest),
		resources: make(map[string]RequestHandler),
	}
	if e.timeout == 0 {
		e.timeout = DefaultRequestTimeout
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("coap")
	}

	// Randomize initial message ID and token.
	var seed [10]byte
	if _, err := rand.Read(seed[:]); err == nil {
		e.nextMessageID = binary.BigEndian.Uint16(seed[:2])
		e.nextToken = binary.BigEndian.Uint64(seed[2:10])
	}
	return e
}

// AddResource registers a handler for a URI path (e.g. "/c/rx").
func (e *Endpoint) AddResource(path string, handler RequestHandler) {
	e.resources[path] = handler
}

// RemoveResource unregisters a URI path.
func (e *Endpoint) RemoveResource(path string) {
	delete(e.resources, path)
}

// newRetransmitBackoff builds the CON retransmission schedule: initial
// timeout uniform in [AckTimeout, AckTimeout*AckRandomFactor], doubling.
func newRetransmitBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(float64(AckTimeout) * (1 + AckRandomFactor) / 2)
	b.RandomizationFactor = (AckRandomFactor - 1) / (1 + AckRandomFactor)
	b.Multiplier = 2
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// SendRequest transmits a request and invokes handler with the final
// response. Confirmable requests are retransmitted per RFC 7252; payloads
// above one block go block-wise.
func (e *Endpoint) SendRequest(msg *Message, handler ResponseHandler) {
	if e.closed {
		handler(nil, ErrConnClosed)
		return
	}

	p := &pendingRequest{
		request: msg,
		handler: handler,
	}

	e.nextToken++
	var token [4]byte
	binary.BigEndian.PutUint32(token[:], uint32(e.nextToken))
	msg.Token = token[:]
	p.token = string(msg.Token)

	if len(msg.Payload) > blockThreshold {
		p.block1Payload = msg.Payload
		first := msg.Clone()
		first.Payload = p.block1Payload[:blockThreshold]
		first.SetBlock(OptionBlock1, Block{Num: 0, More: true, SZX: BlockSizeExp1024})
		msg = first
		p.request = msg
	}

	e.pending[p.token] = p
	p.cancelTimeout = e.scheduler.Schedule(e.timeout, func() {
		e.fail(p, ErrTimeout)
	})

	if err := e.transmit(p, msg); err != nil {
		e.fail(p, err)
	}
}

// transmit encodes and sends one datagram for p, arming retransmission for
// confirmables.
func (e *Endpoint) transmit(p *pendingRequest, msg *Message) error {
	msg.MessageID = e.allocMessageID()

	encoded, err := msg.Encode()
	if err != nil {
		return err
	}

	// Re-key the ACK match to the new message ID.
	if p.cancelRetrans != nil {
		p.cancelRetrans()
		p.cancelRetrans = nil
	}
	delete(e.byMID, p.messageID)
	p.messageID = msg.MessageID
	p.encoded = encoded
	p.retransmits = 0

	if msg.Type == Confirmable {
		e.byMID[p.messageID] = p
		p.backoff = newRetransmitBackoff()
		e.armRetransmit(p)
	}

	if e.log != nil {
		e.log.Debugf("sending %d bytes, MID=%d, path=%s", len(encoded), msg.MessageID, msg.UriPath())
	}
	return e.write(encoded)
}

func (e *Endpoint) armRetransmit(p *pendingRequest) {
	d := p.backoff.NextBackOff()
	p.cancelRetrans = e.scheduler.Schedule(d, func() {
		e.onRetransmitTimeout(p)
	})
}

func (e *Endpoint) onRetransmitTimeout(p *pendingRequest) {
	if e.pending[p.token] != p {
		return
	}
	if p.retransmits >= MaxRetransmit {
		e.fail(p, ErrTimeout)
		return
	}
	p.retransmits++
	if e.log != nil {
		e.log.Debugf("retransmit %d/%d, MID=%d", p.retransmits, MaxRetransmit, p.messageID)
	}
	if err := e.write(p.encoded); err != nil {
		e.fail(p, err)
		return
	}
	e.armRetransmit(p)
}

func (e *Endpoint) allocMessageID() uint16 {
	e.nextMessageID++
	return e.nextMessageID
}

// HandleDatagram processes one inbound datagram.
func (e *Endpoint) HandleDatagram(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("dropping malformed datagram: %v", err)
		}
		return
	}

	switch msg.Type {
	case Acknowledgement:
		e.handleAck(msg)

	case Reset:
		if p, ok := e.byMID[msg.MessageID]; ok {
			e.fail(p, ErrReset)
		}

	case Confirmable, NonConfirmable:
		if msg.Code.IsRequest() {
			e.serveRequest(msg)
			return
		}
		// Separate response.
		p, ok := e.pending[string(msg.Token)]
		if !ok {
			if msg.Type == Confirmable {
				e.send(emptyReset(msg))
			}
			return
		}
		if msg.Type == Confirmable {
			e.send(emptyAck(msg))
		}
		e.handleResponse(p, msg)
	}
}

func (e *Endpoint) handleAck(msg *Message) {
	p, ok := e.byMID[msg.MessageID]
	if !ok {
		return
	}

	// The request is acknowledged; stop retransmitting.
	if p.cancelRetrans != nil {
		p.cancelRetrans()
		p.cancelRetrans = nil
	}
	delete(e.byMID, msg.MessageID)

	if msg.Code == CodeEmpty {
		// Separate response follows; keep the request pending.
		return
	}
	e.handleResponse(p, msg)
}

// handleResponse advances block-wise state or completes the exchange.
func (e *Endpoint) handleResponse(p *pendingRequest, msg *Message) {
	// Block1: the peer accepted a slice of our payload; push the next one.
	if msg.Code == CodeContinue {
		if p.block1Payload == nil {
			e.fail(p, ErrInvalidMessage)
			return
		}
		p.block1Num++
		offset := int(p.block1Num) * blockThreshold
		if offset >= len(p.block1Payload) {
			e.fail(p, ErrInvalidMessage)
			return
		}
		end := offset + blockThreshold
		more := true
		if end >= len(p.block1Payload) {
			end = len(p.block1Payload)
			more = false
		}

		next := p.request.Clone()
		next.Payload = p.block1Payload[offset:end]
		next.SetBlock(OptionBlock1, Block{Num: p.block1Num, More: more, SZX: BlockSizeExp1024})
		if err := e.transmit(p, next); err != nil {
			e.fail(p, err)
		}
		return
	}

	// Block2: the response payload spans multiple blocks.
	if block, ok := msg.GetBlock(OptionBlock2); ok && block.More {
		p.block2Buf = append(p.block2Buf, msg.Payload...)

		next := p.request.Clone()
		next.Payload = nil
		next.RemoveOption(OptionBlock1)
		next.SetBlock(OptionBlock2, Block{Num: block.Num + 1, SZX: block.SZX})
		if err := e.transmit(p, next); err != nil {
			e.fail(p, err)
		}
		return
	}

	if p.block2Buf != nil {
		msg.Payload = append(p.block2Buf, msg.Payload...)
		msg.RemoveOption(OptionBlock2)
	}
	e.complete(p, msg, nil)
}

func (e *Endpoint) serveRequest(msg *Message) {
	handler, ok := e.resources[msg.UriPath()]
	if !ok {
		if e.log != nil {
			e.log.Warnf("no resource at %q", msg.UriPath())
		}
		if msg.Type == Confirmable {
			e.send(msg.Response(CodeNotFound, nil))
		}
		return
	}

	rsp := handler(msg)
	if rsp == nil {
		if msg.Type == Confirmable {
			e.send(emptyAck(msg))
		}
		return
	}
	if rsp.Type == NonConfirmable {
		rsp.MessageID = e.allocMessageID()
	}
	e.send(rsp)
}

func (e *Endpoint) send(msg *Message) {
	encoded, err := msg.Encode()
	if err != nil {
		if e.log != nil {
			e.log.Errorf("encoding response: %v", err)
		}
		return
	}
	if err := e.write(encoded); err != nil && e.log != nil {
		e.log.Warnf("send failed: %v", err)
	}
}

func (e *Endpoint) complete(p *pendingRequest, msg *Message, err error) {
	if e.pending[p.token] != p {
		return
	}
	delete(e.pending, p.token)
	delete(e.byMID, p.messageID)
	if p.cancelRetrans != nil {
		p.cancelRetrans()
	}
	if p.cancelTimeout != nil {
		p.cancelTimeout()
	}
	p.handler(msg, err)
}

func (e *Endpoint) fail(p *pendingRequest, err error) {
	e.complete(p, nil, err)
}

// Send transmits a message without tracking a response, for notifications
// that complete in one direction.
func (e *Endpoint) Send(msg *Message) error {
	if e.closed {
		return ErrConnClosed
	}
	msg.MessageID = e.allocMessageID()
	encoded, err := msg.Encode()
	if err != nil {
		return err
	}
	return e.write(encoded)
}

// PendingCount returns the number of outstanding requests.
func (e *Endpoint) PendingCount() int {
	return len(e.pending)
}

// CancelAll aborts every outstanding request with the given error
// (ErrCancelled if nil).
func (e *Endpoint) CancelAll(err error) {
	if err == nil {
		err = ErrCancelled
	}
	for _, p := range e.pending {
		e.fail(p, err)
	}
}

// Close cancels all outstanding requests and rejects further sends.
func (e *Endpoint) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.CancelAll(ErrConnClosed)
}
