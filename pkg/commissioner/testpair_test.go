package commissioner

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/dpipe"

	"github.com/backkem/thread-commissioner/pkg/coap"
	"github.com/backkem/thread-commissioner/pkg/event"
	"github.com/backkem/thread-commissioner/pkg/meshcop"
	"github.com/backkem/thread-commissioner/pkg/transport"
)

// baSim is a scripted Border Agent plus Leader behind an in-memory
// datagram pair. It answers the MeshCoP resources the commissioner
// exercises and records what it was sent.
type baSim struct {
	loop     *event.Loop
	endpoint *coap.Endpoint
	conn     net.Conn

	mu sync.Mutex

	// Scripting knobs.
	rejectWith       string // non-empty: petitions are rejected with this existing ID
	silenceKeepAlive bool
	silenceMgmt      bool

	sessionId     uint16
	borderLocator uint16

	// Stored dataset TLVs served on GETs.
	activeTLVs  meshcop.List
	pendingTLVs meshcop.List
	commTLVs    meshcop.List

	// Records of what the commissioner sent.
	commissionerSets []meshcop.List
	activeSets       []meshcop.List
	pendingSets      []meshcop.List
	entrusts         []meshcop.List
	announces        []meshcop.List
	keepAlives       []meshcop.List

	// joinerConn, when set, receives relayed DTLS records.
	joinerConn *transport.RelayConn
}

// newBaSim builds the simulator and the dialer handing the commissioner
// its end of the pipe.
func newBaSim() (*baSim, Dialer) {
	ba := &baSim{
		loop:          event.NewLoop(),
		sessionId:     0x1234,
		borderLocator: 0x0400,
	}
	ba.loop.Start()

	dialer := func(ctx context.Context, addr string, sec *transport.Security) (net.Conn, error) {
		ca, cb := dpipe.Pipe()
		ba.attach(cb)
		return ca, nil
	}
	return ba, dialer
}

func (ba *baSim) attach(conn net.Conn) {
	ba.mu.Lock()
	ba.conn = conn
	ba.mu.Unlock()

	endpoint := coap.NewEndpoint(coap.EndpointConfig{
		Write:     func(data []byte) error { _, err := conn.Write(data); return err },
		Scheduler: ba.loop,
	})
	ba.mu.Lock()
	ba.endpoint = endpoint
	ba.mu.Unlock()

	endpoint.AddResource(meshcop.UriPetition, ba.handlePetition)
	endpoint.AddResource(meshcop.UriKeepAlive, ba.handleKeepAlive)
	endpoint.AddResource(meshcop.UriCommissionerGet, ba.handleCommissionerGet)
	endpoint.AddResource(meshcop.UriCommissionerSet, ba.handleCommissionerSet)
	endpoint.AddResource(meshcop.UriActiveGet, func(req *coap.Message) *coap.Message {
		return ba.serveGet(req, &ba.activeTLVs)
	})
	endpoint.AddResource(meshcop.UriActiveSet, func(req *coap.Message) *coap.Message {
		return ba.serveSet(req, &ba.activeSets)
	})
	endpoint.AddResource(meshcop.UriPendingGet, func(req *coap.Message) *coap.Message {
		return ba.serveGet(req, &ba.pendingTLVs)
	})
	endpoint.AddResource(meshcop.UriPendingSet, func(req *coap.Message) *coap.Message {
		return ba.serveSet(req, &ba.pendingSets)
	})
	endpoint.AddResource(meshcop.UriPanIdQuery, ba.handlePanIdQuery)
	endpoint.AddResource(meshcop.UriEnergyScan, ba.handleEnergyScan)
	endpoint.AddResource(meshcop.UriMlr, ba.handleMlr)
	endpoint.AddResource(meshcop.UriRelayTx, ba.handleRelayTx)
	endpoint.AddResource(meshcop.UriJoinerEntrust, ba.handleJoinerEntrust)
	endpoint.AddResource(meshcop.UriAnnounceBegin, ba.handleAnnounce)

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			ba.loop.Post(func() { endpoint.HandleDatagram(data) })
		}
	}()
}

func (ba *baSim) stop() {
	ba.mu.Lock()
	conn := ba.conn
	ba.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	ba.loop.Stop()
}

func acceptPayload(extra ...meshcop.TLV) []byte {
	list := append(meshcop.List{meshcop.NewUint8(meshcop.TypeState, meshcop.StateAccept)}, extra...)
	payload, err := list.Encode()
	if err != nil {
		panic(err)
	}
	return payload
}

func (ba *baSim) handlePetition(req *coap.Message) *coap.Message {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	if ba.rejectWith != "" {
		payload, _ := meshcop.List{
			meshcop.NewUint8(meshcop.TypeState, meshcop.StateReject),
			meshcop.NewString(meshcop.TypeCommissionerId, ba.rejectWith),
		}.Encode()
		return req.Response(coap.CodeChanged, payload)
	}

	return req.Response(coap.CodeChanged, acceptPayload(
		meshcop.NewUint16(meshcop.TypeCommissionerSessionId, ba.sessionId),
		meshcop.NewUint16(meshcop.TypeBorderAgentLocator, ba.borderLocator),
	))
}

func (ba *baSim) handleKeepAlive(req *coap.Message) *coap.Message {
	list, err := meshcop.Decode(req.Payload)
	if err != nil {
		return req.Response(coap.CodeBadRequest, nil)
	}
	ba.mu.Lock()
	ba.keepAlives = append(ba.keepAlives, list)
	silenced := ba.silenceKeepAlive
	ba.mu.Unlock()
	if silenced {
		return nil // bare ACK only; the exchange times out
	}
	return req.Response(coap.CodeChanged, acceptPayload())
}

func (ba *baSim) handleCommissionerGet(req *coap.Message) *coap.Message {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	if ba.silenceMgmt {
		return nil
	}
	extra := append(meshcop.List{
		meshcop.NewUint16(meshcop.TypeCommissionerSessionId, ba.sessionId),
		meshcop.NewUint16(meshcop.TypeBorderAgentLocator, ba.borderLocator),
	}, ba.commTLVs...)
	return req.Response(coap.CodeChanged, acceptPayload(extra...))
}

func (ba *baSim) handleCommissionerSet(req *coap.Message) *coap.Message {
	list, err := meshcop.Decode(req.Payload)
	if err != nil {
		return req.Response(coap.CodeBadRequest, nil)
	}
	ba.mu.Lock()
	ba.commissionerSets = append(ba.commissionerSets, list)
	// Mirror the replace-semantics fields the commissioner pushed.
	ba.commTLVs = nil
	for _, tlv := range list {
		switch tlv.Type {
		case meshcop.TypeSteeringData, meshcop.TypeAeSteeringData,
			meshcop.TypeNmkpSteeringData, meshcop.TypeJoinerUdpPort,
			meshcop.TypeAeUdpPort, meshcop.TypeNmkpUdpPort:
			ba.commTLVs = append(ba.commTLVs, tlv)
		}
	}
	ba.mu.Unlock()
	return req.Response(coap.CodeChanged, acceptPayload())
}

func (ba *baSim) serveGet(req *coap.Message, stored *meshcop.List) *coap.Message {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	if ba.silenceMgmt {
		return nil
	}
	return req.Response(coap.CodeChanged, acceptPayload(*stored...))
}

func (ba *baSim) serveSet(req *coap.Message, record *[]meshcop.List) *coap.Message {
	list, err := meshcop.Decode(req.Payload)
	if err != nil {
		return req.Response(coap.CodeBadRequest, nil)
	}
	ba.mu.Lock()
	*record = append(*record, list)
	ba.mu.Unlock()
	return req.Response(coap.CodeChanged, acceptPayload())
}

// handlePanIdQuery accepts the query and reports one conflict back.
func (ba *baSim) handlePanIdQuery(req *coap.Message) *coap.Message {
	list, err := meshcop.Decode(req.Payload)
	if err != nil {
		return req.Response(coap.CodeBadRequest, nil)
	}
	panId, _ := list.Find(meshcop.TypePanId)
	mask, _ := list.Find(meshcop.TypeChannelMask)

	ba.loop.Schedule(10*time.Millisecond, func() {
		payload, _ := meshcop.List{panId, mask}.Encode()
		ba.mu.Lock()
		endpoint := ba.endpoint
		ba.mu.Unlock()
		endpoint.SendRequest(coap.NewRequest(coap.Confirmable, coap.CodePost, meshcop.UriPanIdConflict, payload),
			func(*coap.Message, error) {})
	})
	return req.Response(coap.CodeChanged, acceptPayload())
}

// handleEnergyScan accepts the scan and reports a fixed energy list.
func (ba *baSim) handleEnergyScan(req *coap.Message) *coap.Message {
	list, err := meshcop.Decode(req.Payload)
	if err != nil {
		return req.Response(coap.CodeBadRequest, nil)
	}
	mask, _ := list.Find(meshcop.TypeChannelMask)

	ba.loop.Schedule(10*time.Millisecond, func() {
		payload, _ := meshcop.List{
			mask,
			meshcop.NewBytes(meshcop.TypeEnergyList, []byte{0x90, 0x88, 0x70}),
		}.Encode()
		ba.mu.Lock()
		endpoint := ba.endpoint
		ba.mu.Unlock()
		endpoint.SendRequest(coap.NewRequest(coap.Confirmable, coap.CodePost, meshcop.UriEnergyReport, payload),
			func(*coap.Message, error) {})
	})
	return req.Response(coap.CodeChanged, acceptPayload())
}

func (ba *baSim) handleMlr(req *coap.Message) *coap.Message {
	payload, _ := meshcop.List{meshcop.NewUint8(meshcop.TypeThreadStatus, 0)}.Encode()
	return req.Response(coap.CodeChanged, payload)
}

// handleRelayTx forwards relayed DTLS records to the joiner simulator.
func (ba *baSim) handleRelayTx(req *coap.Message) *coap.Message {
	frame, err := transport.ParseRelayFrame(req.Payload)
	if err != nil {
		return nil
	}
	ba.mu.Lock()
	joiner := ba.joinerConn
	ba.mu.Unlock()
	if joiner != nil {
		joiner.PushRecord(frame.Encapsulation)
	}
	return nil
}

func (ba *baSim) handleJoinerEntrust(req *coap.Message) *coap.Message {
	list, err := meshcop.Decode(req.Payload)
	if err != nil {
		return nil
	}
	ba.mu.Lock()
	ba.entrusts = append(ba.entrusts, list)
	ba.mu.Unlock()
	return nil
}

func (ba *baSim) handleAnnounce(req *coap.Message) *coap.Message {
	list, err := meshcop.Decode(req.Payload)
	if err != nil {
		return nil
	}
	ba.mu.Lock()
	ba.announces = append(ba.announces, list)
	ba.mu.Unlock()
	return nil
}

// relayJoiner installs the BA-side relay plumbing for one simulated
// joiner: records written by the joiner arrive at the commissioner as
// RLY_RX.ntf, and RLY_TX.ntf from the commissioner feeds the joiner.
func (ba *baSim) relayJoiner(iid [8]byte) *transport.RelayConn {
	conn := transport.NewRelayConn(iid, 1000, 0x0400, func(f *transport.RelayFrame) error {
		payload, err := f.Marshal()
		if err != nil {
			return err
		}
		ba.mu.Lock()
		endpoint := ba.endpoint
		ba.mu.Unlock()
		ba.loop.Post(func() {
			_ = endpoint.Send(coap.NewRequest(coap.NonConfirmable, coap.CodePost, meshcop.UriRelayRx, payload))
		})
		return nil
	})
	ba.mu.Lock()
	ba.joinerConn = conn
	ba.mu.Unlock()
	return conn
}

func (ba *baSim) recordedCommissionerSets() []meshcop.List {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	return append([]meshcop.List(nil), ba.commissionerSets...)
}

func (ba *baSim) recordedPendingSets() []meshcop.List {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	return append([]meshcop.List(nil), ba.pendingSets...)
}

func (ba *baSim) recordedKeepAlives() []meshcop.List {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	return append([]meshcop.List(nil), ba.keepAlives...)
}

func (ba *baSim) recordedEntrusts() []meshcop.List {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	return append([]meshcop.List(nil), ba.entrusts...)
}

func (ba *baSim) setSilenceKeepAlive(v bool) {
	ba.mu.Lock()
	ba.silenceKeepAlive = v
	ba.mu.Unlock()
}

func (ba *baSim) setRejectWith(id string) {
	ba.mu.Lock()
	ba.rejectWith = id
	ba.mu.Unlock()
}
