// Package commissioner implements the external Thread Commissioner
// session core: the petition/keep-alive state machine against a Border
// Agent, the mirrored MeshCoP datasets and their merge rules, the joiner
// admission pipeline (steering data, relayed DTLS sessions, finalize and
// entrust), and the MGMT_* request engine.
//
// All mutable state is owned by a single event loop. Public methods are
// blocking shims that post work onto the loop and park on a completion
// channel; the context passed in bounds the wait and aborts the
// underlying request when cancelled.
package commissioner

import (
	"context"
	"net"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/pion/logging"

	"github.com/backkem/thread-commissioner/pkg/coap"
	"github.com/backkem/thread-commissioner/pkg/dataset"
	"github.com/backkem/thread-commissioner/pkg/event"
	"github.com/backkem/thread-commissioner/pkg/meshcop"
	"github.com/backkem/thread-commissioner/pkg/security"
	"github.com/backkem/thread-commissioner/pkg/transport"
)

// Defaults for Config fields left zero.
const (
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
	DefaultMaxConnectionNum  = 64
	DefaultJoinerSessionTTL  = 2 * time.Minute

	// keepAliveMaxFailures is the number of consecutive keep-alive
	// timeouts tolerated before the session is torn down.
	keepAliveMaxFailures = 3

	// maxCommissionerIdLength bounds the Commissioner ID TLV.
	maxCommissionerIdLength = 64
)

// State is the commissioner session state.
type State int

// Session states.
const (
	StateDisabled State = iota
	StatePetitioning
	StateActive
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StatePetitioning:
		return "petitioning"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Dialer establishes the secure connection to a Border Agent. Tests
// substitute an in-memory pair.
type Dialer func(ctx context.Context, addr string, sec *transport.Security) (net.Conn, error)

// Config configures a Commissioner.
type Config struct {
	// Id is the Commissioner ID sent in petitions. Required, at most 64
	// bytes.
	Id string

	// EnableCcm selects Commercial Commissioning Mode. Requires
	// certificate material in Security.
	EnableCcm bool

	// DomainName is the Thread domain, CCM only.
	DomainName string

	// Security carries the DTLS key material for the Border Agent
	// session.
	Security transport.Security

	// KeepAliveInterval is the LEAD_KA.req period. Zero selects
	// DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration

	// RequestTimeout bounds each management exchange. Zero selects
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// MaxConnectionNum caps concurrent joiner sessions. Zero selects
	// DefaultMaxConnectionNum.
	MaxConnectionNum int

	// JoinerSessionTTL expires joiner sessions that never complete.
	// Zero selects DefaultJoinerSessionTTL.
	JoinerSessionTTL time.Duration

	// Handlers is the callback set. Nil fields select defaults.
	Handlers Handlers

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Dialer overrides the Border Agent dialer. Nil selects the DTLS
	// dialer. For testing.
	Dialer Dialer
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Id == "" || len(c.Id) > maxCommissionerIdLength {
		return newError(KindInvalidArgs, "commissioner ID must be 1..%d bytes", maxCommissionerIdLength)
	}
	if c.EnableCcm {
		if !c.Security.IsCcm() {
			return newError(KindInvalidArgs, "CCM mode requires a certificate")
		}
	} else if len(c.Security.PSKc) == 0 {
		return newError(KindInvalidArgs, "non-CCM mode requires a PSKc")
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxConnectionNum == 0 {
		c.MaxConnectionNum = DefaultMaxConnectionNum
	}
	if c.JoinerSessionTTL == 0 {
		c.JoinerSessionTTL = DefaultJoinerSessionTTL
	}
	if c.Dialer == nil {
		c.Dialer = transport.DialBorderAgent
	}
}

// datasetKind indexes the per-dataset SET serialization slots.
type datasetKind int

const (
	kindActive datasetKind = iota
	kindPending
	kindCommissioner
	kindBbr
	numDatasetKinds
)

// Commissioner is the session core. All fields below config/log/loop are
// owned by the event loop.
type Commissioner struct {
	config Config
	log    logging.LeveledLogger
	loop   *event.Loop

	state      State
	sessionId  uint16
	conn       net.Conn
	endpoint   *coap.Endpoint
	connClosed chan struct{}

	kaCancel   func()
	kaFailures int

	token *security.Token

	activeDataset  dataset.ActiveOperationalDataset
	pendingDataset dataset.PendingOperationalDataset
	commDataset    dataset.CommissionerDataset
	bbrDataset     dataset.BbrDataset

	// setBusy/setQueue serialize MGMT_*_SET per dataset kind.
	setBusy  [numDatasetKinds]bool
	setQueue [numDatasetKinds][]func(refresh bool)

	joiners map[joinerKey]*joinerEntry

	// sessionMap holds live joiner sessions; sessionTTL is the expiry
	// timer evicting half-open sessions.
	sessionMap map[string]*joinerSession
	sessionTTL *ttlcache.Cache

	panIdConflicts map[uint16]dataset.ChannelMask
	energyReports  map[string]*EnergyReport
}

// New creates a Commissioner. Start must be called before use.
func New(config Config) (*Commissioner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	c := &Commissioner{
		config:         config,
		loop:           event.NewLoop(),
		joiners:        make(map[joinerKey]*joinerEntry),
		sessionMap:     make(map[string]*joinerSession),
		panIdConflicts: make(map[uint16]dataset.ChannelMask),
		energyReports:  make(map[string]*EnergyReport),
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("commissioner")
	}

	c.sessionTTL = ttlcache.NewCache()
	c.sessionTTL.SetTTL(config.JoinerSessionTTL)
	c.sessionTTL.SetExpirationCallback(func(key string, _ interface{}) {
		c.loop.Post(func() {
			if session, ok := c.sessionMap[key]; ok {
				if c.log != nil {
					c.log.Infof("joiner session %X expired", session.iid)
				}
				delete(c.sessionMap, key)
				session.close()
			}
		})
	})

	return c, nil
}

// Start launches the event loop.
func (c *Commissioner) Start() error {
	c.loop.Start()
	return nil
}

// Stop resigns if active, tears down all sessions and stops the loop.
func (c *Commissioner) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()
	if c.IsActive() {
		_ = c.Resign(ctx)
	}
	c.loop.PostAndWait(func() {
		c.teardown(coap.ErrConnClosed)
	})
	c.loop.Stop()
}

// State returns the session state.
func (c *Commissioner) State() State {
	var state State
	c.loop.PostAndWait(func() { state = c.state })
	return state
}

// IsActive reports whether the commissioner holds an accepted session.
func (c *Commissioner) IsActive() bool {
	return c.State() == StateActive
}

// IsCcmMode reports whether the commissioner runs in CCM mode.
func (c *Commissioner) IsCcmMode() bool {
	return c.config.EnableCcm
}

// GetDomainName returns the configured Thread domain name.
func (c *Commissioner) GetDomainName() string {
	return c.config.DomainName
}

// GetSessionId returns the Commissioner Session ID assigned by the
// Leader.
func (c *Commissioner) GetSessionId() (uint16, error) {
	var (
		id   uint16
		rerr error
	)
	c.loop.PostAndWait(func() {
		if c.state != StateActive {
			rerr = newError(KindInvalidState, "the commissioner is not active")
			return
		}
		id = c.sessionId
	})
	return id, rerr
}

// GetBorderAgentLocator returns the RLOC16 of the Border Agent from the
// mirrored Commissioner dataset.
func (c *Commissioner) GetBorderAgentLocator() (uint16, error) {
	var (
		locator uint16
		rerr    error
	)
	c.loop.PostAndWait(func() {
		if c.state != StateActive {
			rerr = newError(KindInvalidState, "the commissioner is not active")
			return
		}
		if c.commDataset.PresentFlags&dataset.BorderAgentLocatorBit == 0 {
			rerr = newError(KindNotFound, "no Border Agent Locator in the Commissioner dataset")
			return
		}
		locator = c.commDataset.BorderAgentLocator
	})
	return locator, rerr
}

// Petition connects to the Border Agent at addr ("host:port") and
// petitions to become the network's commissioner. On rejection the ID of
// the already-active commissioner is returned alongside a Rejected error.
func (c *Commissioner) Petition(ctx context.Context, addr string) (existingCommissionerId string, err error) {
	var stateErr error
	c.loop.PostAndWait(func() {
		if c.state != StateDisabled {
			stateErr = newError(KindInvalidState, "session state is %s", c.state)
			return
		}
		c.state = StatePetitioning
	})
	if stateErr != nil {
		return "", stateErr
	}

	conn, err := c.config.Dialer(ctx, addr, &c.config.Security)
	if err != nil {
		c.loop.PostAndWait(func() { c.state = StateDisabled })
		return "", newError(KindSecurity, "DTLS connection to %s failed: %v", addr, err)
	}

	type petitionResult struct {
		existing string
		err      error
	}
	resultCh := make(chan petitionResult, 1)

	c.loop.PostAndWait(func() { c.attachConn(conn) })
	c.loop.Post(func() {
		c.sendPetition(func(existing string, err error) {
			resultCh <- petitionResult{existing, err}
		})
	})

	select {
	case r := <-resultCh:
		return r.existing, r.err
	case <-ctx.Done():
		c.AbortRequests()
		return "", newError(KindCancelled, "petition aborted")
	}
}

// attachConn installs the Border Agent connection, its CoAP endpoint and
// the resource handlers, and starts the read pump.
func (c *Commissioner) attachConn(conn net.Conn) {
	c.conn = conn
	c.connClosed = make(chan struct{})
	c.endpoint = coap.NewEndpoint(coap.EndpointConfig{
		Write:          func(data []byte) error { _, err := conn.Write(data); return err },
		Scheduler:      c.loop,
		RequestTimeout: c.config.RequestTimeout,
		LoggerFactory:  c.config.LoggerFactory,
	})

	c.endpoint.AddResource(meshcop.UriRelayRx, c.handleRelayRx)
	c.endpoint.AddResource(meshcop.UriPanIdConflict, c.handlePanIdConflict)
	c.endpoint.AddResource(meshcop.UriEnergyReport, c.handleEnergyReport)
	c.endpoint.AddResource(meshcop.UriDatasetChanged, c.handleDatasetChanged)

	closed := c.connClosed
	endpoint := c.endpoint
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				c.loop.Post(func() {
					if c.endpoint == endpoint {
						c.onConnError(err)
					}
				})
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case <-closed:
				return
			default:
			}
			c.loop.Post(func() {
				if c.endpoint == endpoint {
					endpoint.HandleDatagram(data)
				}
			})
		}
	}()
}

func (c *Commissioner) onConnError(err error) {
	if c.state == StateDisabled {
		return
	}
	if c.log != nil {
		c.log.Warnf("border agent connection lost: %v", err)
	}
	c.teardown(coap.ErrConnClosed)
}

// sendPetition issues LEAD_PET.req. Runs on the loop.
func (c *Commissioner) sendPetition(done func(existing string, err error)) {
	payload := meshcop.List{
		meshcop.NewString(meshcop.TypeCommissionerId, c.config.Id),
	}
	if c.token != nil {
		payload = append(payload, meshcop.NewBytes(meshcop.TypeCommissionerToken, c.token.Raw))
	}
	encoded, err := payload.Encode()
	if err != nil {
		c.teardown(coap.ErrConnClosed)
		done("", newError(KindInternal, "encoding petition: %v", err))
		return
	}

	c.endpoint.SendRequest(coap.NewRequest(coap.Confirmable, coap.CodePost, meshcop.UriPetition, encoded),
		func(rsp *coap.Message, err error) {
			if err != nil {
				c.teardown(coap.ErrConnClosed)
				done("", fromCoapError(err))
				return
			}

			list, err := meshcop.Decode(rsp.Payload)
			if err != nil {
				c.teardown(coap.ErrConnClosed)
				done("", newError(KindIoError, "malformed petition reply: %v", err))
				return
			}

			state, err := list.Find(meshcop.TypeState)
			stateVal, _ := state.Uint8()
			if err != nil || stateVal != meshcop.StateAccept {
				existing := ""
				if id, err := list.Find(meshcop.TypeCommissionerId); err == nil {
					existing = id.String()
				}
				c.teardown(coap.ErrConnClosed)
				done(existing, newError(KindRejected, "petition was rejected"))
				return
			}

			sid, err := list.Find(meshcop.TypeCommissionerSessionId)
			if err != nil {
				c.teardown(coap.ErrConnClosed)
				done("", newError(KindIoError, "petition reply carries no session ID"))
				return
			}
			c.sessionId, _ = sid.Uint16()
			c.commDataset.SessionId = c.sessionId
			c.commDataset.PresentFlags |= dataset.SessionIdBit

			if loc, err := list.Find(meshcop.TypeBorderAgentLocator); err == nil {
				c.commDataset.BorderAgentLocator, _ = loc.Uint16()
				c.commDataset.PresentFlags |= dataset.BorderAgentLocatorBit
			}

			c.state = StateActive
			c.kaFailures = 0
			c.scheduleKeepAlive()
			if c.log != nil {
				c.log.Infof("petition accepted, session ID %d", c.sessionId)
			}
			done("", nil)
		})
}

// scheduleKeepAlive arms the next LEAD_KA.req.
func (c *Commissioner) scheduleKeepAlive() {
	c.kaCancel = c.loop.Schedule(c.config.KeepAliveInterval, c.sendKeepAlive)
}

// sendKeepAlive issues one LEAD_KA.req with State=Accept. Runs on the
// loop.
func (c *Commissioner) sendKeepAlive() {
	if c.state != StateActive {
		return
	}

	payload, err := meshcop.List{
		meshcop.NewUint8(meshcop.TypeState, meshcop.StateAccept),
		meshcop.NewUint16(meshcop.TypeCommissionerSessionId, c.sessionId),
	}.Encode()
	if err != nil {
		return
	}

	c.endpoint.SendRequest(coap.NewRequest(coap.Confirmable, coap.CodePost, meshcop.UriKeepAlive, payload),
		func(rsp *coap.Message, err error) {
			if c.state != StateActive {
				return
			}
			if err != nil {
				c.kaFailures++
				if c.log != nil {
					c.log.Warnf("keep-alive failed (%d/%d): %v", c.kaFailures, keepAliveMaxFailures, err)
				}
				if c.kaFailures >= keepAliveMaxFailures {
					c.teardown(coap.ErrTimeout)
					return
				}
				c.scheduleKeepAlive()
				return
			}

			if list, derr := meshcop.Decode(rsp.Payload); derr == nil {
				if state, serr := list.Find(meshcop.TypeState); serr == nil {
					if v, _ := state.Uint8(); v != meshcop.StateAccept {
						if c.log != nil {
							c.log.Warnf("keep-alive rejected by the leader")
						}
						c.teardown(coap.ErrConnClosed)
						return
					}
				}
			}
			c.kaFailures = 0
			c.scheduleKeepAlive()
		})
}

// Resign sends LEAD_KA.req with State=0 and tears the session down.
func (c *Commissioner) Resign(ctx context.Context) error {
	resultCh := make(chan error, 1)
	c.loop.Post(func() {
		if c.state != StateActive {
			resultCh <- newError(KindInvalidState, "the commissioner is not active")
			return
		}

		payload, err := meshcop.List{
			meshcop.NewUint8(meshcop.TypeState, meshcop.StateResign),
			meshcop.NewUint16(meshcop.TypeCommissionerSessionId, c.sessionId),
		}.Encode()
		if err != nil {
			resultCh <- newError(KindInternal, "encoding resign: %v", err)
			return
		}

		c.endpoint.SendRequest(coap.NewRequest(coap.Confirmable, coap.CodePost, meshcop.UriKeepAlive, payload),
			func(*coap.Message, error) {
				// The session ends regardless of the reply.
				c.teardown(coap.ErrConnClosed)
				resultCh <- nil
			})
	})

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		c.loop.Post(func() { c.teardown(coap.ErrConnClosed) })
		return newError(KindCancelled, "resign aborted")
	}
}

// AbortRequests cancels all outstanding management requests and any
// in-progress joiner handshakes. The Border Agent session survives.
func (c *Commissioner) AbortRequests() {
	c.loop.PostAndWait(func() {
		if c.endpoint != nil {
			c.endpoint.CancelAll(coap.ErrCancelled)
		}
		c.closeJoinerSessions()
	})
}

// teardown releases the session. cause selects the error outstanding
// callbacks observe (coap.ErrTimeout after keep-alive loss,
// coap.ErrConnClosed otherwise). Runs on the loop.
func (c *Commissioner) teardown(cause error) {
	if c.kaCancel != nil {
		c.kaCancel()
		c.kaCancel = nil
	}
	if c.endpoint != nil {
		c.endpoint.CancelAll(cause)
		c.endpoint.Close()
		c.endpoint = nil
	}
	if c.connClosed != nil {
		close(c.connClosed)
		c.connClosed = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.closeJoinerSessions()
	for kind := range c.setQueue {
		c.setQueue[kind] = nil
		c.setBusy[kind] = false
	}
	c.state = StateDisabled
	c.sessionId = 0
	c.kaFailures = 0
}

// SetToken installs a pre-acquired signed commissioner token after
// verifying it against the signer certificate and the configured trust
// anchor.
func (c *Commissioner) SetToken(signedToken, signerCert []byte) error {
	token, err := security.VerifyToken(signedToken, signerCert, c.config.Security.TrustAnchors)
	if err != nil {
		return newError(KindSecurity, "token verification failed: %v", err)
	}
	c.loop.PostAndWait(func() { c.token = token })
	return nil
}

// GetToken returns the raw signed commissioner token, if any.
func (c *Commissioner) GetToken() []byte {
	var raw []byte
	c.loop.PostAndWait(func() {
		if c.token != nil {
			raw = append([]byte(nil), c.token.Raw...)
		}
	})
	return raw
}
