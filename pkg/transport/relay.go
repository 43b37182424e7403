package transport

import (
	"net"
	"sync"
	"time"

	"github.com/backkem/thread-commissioner/pkg/meshcop"
)

// RelayFrame is the TLV payload of a RLY_TX.ntf / RLY_RX.ntf message.
// The Border Agent forwards DTLS records between the commissioner and a
// joiner inside these frames; the joiner IID and router locator identify
// the joiner session on both directions.
type RelayFrame struct {
	Encapsulation []byte
	JoinerUdpPort uint16
	JoinerIid     [8]byte
	RouterLocator uint16
	Kek           []byte // only on the final frame of a MeshCoP join
}

// Marshal serializes the frame into a relay payload.
func (f *RelayFrame) Marshal() ([]byte, error) {
	list := meshcop.List{
		meshcop.NewBytes(meshcop.TypeJoinerDtlsEncapsulation, f.Encapsulation),
		meshcop.NewUint16(meshcop.TypeJoinerUdpPort, f.JoinerUdpPort),
		meshcop.NewBytes(meshcop.TypeJoinerIid, f.JoinerIid[:]),
		meshcop.NewUint16(meshcop.TypeJoinerRouterLocator, f.RouterLocator),
	}
	if len(f.Kek) > 0 {
		list = append(list, meshcop.NewBytes(meshcop.TypeJoinerRouterKek, f.Kek))
	}
	return list.Encode()
}

// ParseRelayFrame decodes a relay payload. The joiner IID and the DTLS
// encapsulation are mandatory.
func ParseRelayFrame(payload []byte) (*RelayFrame, error) {
	list, err := meshcop.Decode(payload)
	if err != nil {
		return nil, err
	}

	frame := &RelayFrame{}

	iid, err := list.Find(meshcop.TypeJoinerIid)
	if err != nil || len(iid.Value) != len(frame.JoinerIid) {
		return nil, ErrInvalidRelayFrame
	}
	copy(frame.JoinerIid[:], iid.Value)

	encap, err := list.Find(meshcop.TypeJoinerDtlsEncapsulation)
	if err != nil {
		return nil, ErrInvalidRelayFrame
	}
	frame.Encapsulation = encap.Value

	if port, err := list.Find(meshcop.TypeJoinerUdpPort); err == nil {
		frame.JoinerUdpPort, _ = port.Uint16()
	}
	if loc, err := list.Find(meshcop.TypeJoinerRouterLocator); err == nil {
		frame.RouterLocator, _ = loc.Uint16()
	}
	if kek, err := list.Find(meshcop.TypeJoinerRouterKek); err == nil {
		frame.Kek = kek.Value
	}
	return frame, nil
}

// RelaySender transmits an encapsulated DTLS record toward the joiner.
type RelaySender func(frame *RelayFrame) error

// RelayConn adapts a relayed joiner session to net.Conn so a DTLS
// endpoint can be run on top of it. Writes are wrapped into relay frames
// and handed to the sender; inbound encapsulations are pushed by the
// demultiplexer via PushRecord.
type RelayConn struct {
	joinerIid     [8]byte
	joinerUdpPort uint16
	routerLocator uint16
	send          RelaySender

	records chan []byte

	mu           sync.Mutex
	closed       bool
	closedCh     chan struct{}
	readDeadline time.Time
}

// relayQueueDepth bounds buffered inbound records per joiner session.
const relayQueueDepth = 32

// NewRelayConn creates a conn for one joiner session.
func NewRelayConn(joinerIid [8]byte, joinerUdpPort, routerLocator uint16, send RelaySender) *RelayConn {
	return &RelayConn{
		joinerIid:     joinerIid,
		joinerUdpPort: joinerUdpPort,
		routerLocator: routerLocator,
		send:          send,
		records:       make(chan []byte, relayQueueDepth),
		closedCh:      make(chan struct{}),
	}
}

// PushRecord feeds one inbound DTLS record. Records beyond the queue
// depth are dropped; DTLS retransmission recovers them.
func (c *RelayConn) PushRecord(record []byte) {
	select {
	case c.records <- record:
	case <-c.closedCh:
	default:
	}
}

// Read returns the next inbound record, honoring the read deadline.
func (c *RelayConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, errDeadline{}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case record := <-c.records:
		n := copy(b, record)
		return n, nil
	case <-timeout:
		return 0, errDeadline{}
	case <-c.closedCh:
		return 0, ErrClosed
	}
}

// Write wraps one DTLS record into a relay frame and sends it.
func (c *RelayConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	frame := &RelayFrame{
		Encapsulation: b,
		JoinerUdpPort: c.joinerUdpPort,
		JoinerIid:     c.joinerIid,
		RouterLocator: c.routerLocator,
	}
	if err := c.send(frame); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the conn; pending and future reads fail.
func (c *RelayConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)
	return nil
}

// JoinerIid returns the joiner IID this conn is keyed by.
func (c *RelayConn) JoinerIid() [8]byte {
	return c.joinerIid
}

// JoinerUdpPort returns the joiner's UDP port from the first relay frame.
func (c *RelayConn) JoinerUdpPort() uint16 {
	return c.joinerUdpPort
}

// RouterLocator returns the RLOC16 of the joiner router.
func (c *RelayConn) RouterLocator() uint16 {
	return c.routerLocator
}

// LocalAddr implements net.Conn.
func (c *RelayConn) LocalAddr() net.Addr {
	return relayAddr{"commissioner"}
}

// RemoteAddr implements net.Conn.
func (c *RelayConn) RemoteAddr() net.Addr {
	return relayAddr{"joiner"}
}

// SetDeadline implements net.Conn. Only the read half is meaningful;
// writes never block.
func (c *RelayConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (c *RelayConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline implements net.Conn.
func (c *RelayConn) SetWriteDeadline(time.Time) error {
	return nil
}

// relayAddr is the placeholder address of a relayed session.
type relayAddr struct {
	role string
}

func (a relayAddr) Network() string { return "meshcop-relay" }
func (a relayAddr) String() string  { return a.role }

// errDeadline satisfies net.Error so DTLS treats deadline expiry as a
// retransmission trigger rather than a fatal error.
type errDeadline struct{}

func (errDeadline) Error() string   { return "transport: deadline exceeded" }
func (errDeadline) Timeout() bool   { return true }
func (errDeadline) Temporary() bool { return true }
