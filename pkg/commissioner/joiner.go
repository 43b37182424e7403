package commissioner

import (
	"context"

	"github.com/pion/dtls/v3"

	"github.com/backkem/thread-commissioner/pkg/coap"
	"github.com/backkem/thread-commissioner/pkg/dataset"
	"github.com/backkem/thread-commissioner/pkg/meshcop"
	"github.com/backkem/thread-commissioner/pkg/transport"
)

// joinerKey identifies a joiner entry within the commissioner.
type joinerKey struct {
	joinerType JoinerType
	id         JoinerId
}

// joinerEntry is one enabled joiner plus its commissioning state.
type joinerEntry struct {
	info         JoinerInfo
	commissioned bool
}

// joinerSession is one relayed joiner DTLS session.
type joinerSession struct {
	iid     [8]byte
	conn    *transport.RelayConn
	cancel  context.CancelFunc
	dtls    *dtls.Conn
	coapSrv *coap.Endpoint
}

func (s *joinerSession) close() {
	s.cancel()
	s.conn.Close()
	if s.dtls != nil {
		s.dtls.Close()
	}
	if s.coapSrv != nil {
		s.coapSrv.Close()
	}
}

// EnableJoiner admits the joiner with the given EUI-64: the joiner ID is
// inserted into the type's steering bloom, the Commissioner dataset is
// pushed to the Leader, and the PSKd is retained for the relayed DTLS
// handshake.
func (c *Commissioner) EnableJoiner(ctx context.Context, joinerType JoinerType, eui64 uint64, pskd, provisioningUrl string) error {
	if joinerType == JoinerTypeMeshCoP {
		if err := ValidatePSKd(pskd); err != nil {
			return err
		}
	}

	id := ComputeJoinerId(eui64)
	return c.await(ctx, func(done func(error)) {
		if err := c.requireActive(); err != nil {
			done(err)
			return
		}

		key := joinerKey{joinerType, id}
		if _, exists := c.joiners[key]; exists {
			done(newError(KindAlreadyExists, "joiner (type=%s, eui64=%X) is already enabled", joinerType, eui64))
			return
		}

		steering := buildSteering(append(c.steeringIds(joinerType), id))
		c.pushSteering(joinerType, steering, func(err error) {
			if err != nil {
				done(err)
				return
			}
			c.joiners[key] = &joinerEntry{info: JoinerInfo{
				Type:            joinerType,
				Eui64:           eui64,
				PSKd:            pskd,
				ProvisioningUrl: provisioningUrl,
			}}
			done(nil)
		})
	})
}

// DisableJoiner removes the joiner and rebuilds the steering bloom from
// the remaining set. An unknown EUI-64 yields NotFound.
func (c *Commissioner) DisableJoiner(ctx context.Context, joinerType JoinerType, eui64 uint64) error {
	id := ComputeJoinerId(eui64)
	return c.await(ctx, func(done func(error)) {
		if err := c.requireActive(); err != nil {
			done(err)
			return
		}

		key := joinerKey{joinerType, id}
		if _, exists := c.joiners[key]; !exists {
			done(newError(KindNotFound, "joiner (type=%s, eui64=%X) is not enabled", joinerType, eui64))
			return
		}

		var remaining []JoinerId
		for k := range c.joiners {
			if k.joinerType == joinerType && k.id != id {
				remaining = append(remaining, k.id)
			}
		}

		c.pushSteering(joinerType, buildSteering(remaining), func(err error) {
			if err != nil {
				done(err)
				return
			}
			delete(c.joiners, key)
			done(nil)
		})
	})
}

// EnableAllJoiners sets the steering bloom to all-ones and records a
// wildcard entry under the reserved joiner ID, evicting all per-EUI
// entries of the type.
func (c *Commissioner) EnableAllJoiners(ctx context.Context, joinerType JoinerType, pskd, provisioningUrl string) error {
	if joinerType == JoinerTypeMeshCoP {
		if err := ValidatePSKd(pskd); err != nil {
			return err
		}
	}

	return c.await(ctx, func(done func(error)) {
		if err := c.requireActive(); err != nil {
			done(err)
			return
		}

		c.pushSteering(joinerType, steeringAllowAny(), func(err error) {
			if err != nil {
				done(err)
				return
			}
			c.eraseJoiners(joinerType)
			c.joiners[joinerKey{joinerType, anyJoinerId()}] = &joinerEntry{info: JoinerInfo{
				Type:            joinerType,
				PSKd:            pskd,
				ProvisioningUrl: provisioningUrl,
			}}
			done(nil)
		})
	})
}

// DisableAllJoiners zeroes the steering bloom and clears the type's
// joiner entries.
func (c *Commissioner) DisableAllJoiners(ctx context.Context, joinerType JoinerType) error {
	return c.await(ctx, func(done func(error)) {
		if err := c.requireActive(); err != nil {
			done(err)
			return
		}

		c.pushSteering(joinerType, buildSteering(nil), func(err error) {
			if err != nil {
				done(err)
				return
			}
			c.eraseJoiners(joinerType)
			done(nil)
		})
	})
}

// IsJoinerCommissioned reports whether the joiner completed JOIN_FIN.
// Wildcard admissions are tracked under the reserved ID only, so an
// arbitrary EUI-64 admitted by a wildcard reads false here.
func (c *Commissioner) IsJoinerCommissioned(joinerType JoinerType, eui64 uint64) bool {
	id := ComputeJoinerId(eui64)
	var commissioned bool
	c.loop.PostAndWait(func() {
		if entry, ok := c.joiners[joinerKey{joinerType, id}]; ok {
			commissioned = entry.commissioned
		}
	})
	return commissioned
}

// GetJoinerSteeringData returns the type's steering data from the
// mirrored Commissioner dataset.
func (c *Commissioner) GetJoinerSteeringData(joinerType JoinerType) ([]byte, error) {
	var (
		steering []byte
		rerr     error
	)
	c.loop.PostAndWait(func() {
		bit, value := c.steeringField(joinerType)
		if c.commDataset.PresentFlags&bit == 0 {
			rerr = newError(KindNotFound, "no %s steering data in the Commissioner dataset", joinerType)
			return
		}
		steering = append([]byte(nil), value...)
	})
	return steering, rerr
}

// SetJoinerUdpPort publishes the UDP port joiners of the given type use.
func (c *Commissioner) SetJoinerUdpPort(ctx context.Context, joinerType JoinerType, port uint16) error {
	return c.await(ctx, func(done func(error)) {
		if err := c.requireActive(); err != nil {
			done(err)
			return
		}

		c.serializeSet(kindCommissioner, func(refresh bool) {
			c.refreshCommissionerThen(refresh, func() {
				ds := c.commDataset
				ds.ClearLeaderOwned()
				switch joinerType {
				case JoinerTypeMeshCoP:
					ds.JoinerUdpPort = port
					ds.PresentFlags |= dataset.JoinerUdpPortBit
				case JoinerTypeAE:
					ds.AeUdpPort = port
					ds.PresentFlags |= dataset.AeUdpPortBit
				case JoinerTypeNMKP:
					ds.NmkpUdpPort = port
					ds.PresentFlags |= dataset.NmkpUdpPortBit
				}
				c.setCommissionerLocked(ds, done)
			})
		})
	})
}

// steeringField returns the presence bit and current value of a type's
// steering data. Runs on the loop.
func (c *Commissioner) steeringField(joinerType JoinerType) (uint16, []byte) {
	switch joinerType {
	case JoinerTypeAE:
		return dataset.AeSteeringDataBit, c.commDataset.AeSteeringData
	case JoinerTypeNMKP:
		return dataset.NmkpSteeringDataBit, c.commDataset.NmkpSteeringData
	default:
		return dataset.SteeringDataBit, c.commDataset.SteeringData
	}
}

// steeringIds lists the joiner IDs currently enabled for a type. Runs on
// the loop.
func (c *Commissioner) steeringIds(joinerType JoinerType) []JoinerId {
	var ids []JoinerId
	for k := range c.joiners {
		if k.joinerType == joinerType {
			ids = append(ids, k.id)
		}
	}
	return ids
}

// eraseJoiners drops all entries of a type. Runs on the loop.
func (c *Commissioner) eraseJoiners(joinerType JoinerType) {
	for k := range c.joiners {
		if k.joinerType == joinerType {
			delete(c.joiners, k)
		}
	}
}

// pushSteering sends the type's new steering bloom in a
// MGMT_COMMISSIONER_SET carrying the full current view of the
// replace-semantics fields, so absent ones are not wiped. Runs on the
// loop.
func (c *Commissioner) pushSteering(joinerType JoinerType, steering []byte, done func(error)) {
	c.serializeSet(kindCommissioner, func(refresh bool) {
		c.refreshCommissionerThen(refresh, func() {
			// Snapshot after any refresh so the SET carries the freshest
			// view of the other replace-semantics fields.
			ds := c.commDataset
			ds.ClearLeaderOwned()
			switch joinerType {
			case JoinerTypeAE:
				ds.AeSteeringData = steering
				ds.PresentFlags |= dataset.AeSteeringDataBit
			case JoinerTypeNMKP:
				ds.NmkpSteeringData = steering
				ds.PresentFlags |= dataset.NmkpSteeringDataBit
			default:
				ds.SteeringData = steering
				ds.PresentFlags |= dataset.SteeringDataBit
			}
			c.setCommissionerLocked(ds, done)
		})
	})
}

// lookupJoinerInfo resolves a joiner entry for an incoming session with
// wildcard fallback. Runs on the loop.
func (c *Commissioner) lookupJoinerInfo(joinerType JoinerType, id JoinerId) *JoinerInfo {
	if c.config.Handlers.JoinerInfo != nil {
		return c.config.Handlers.JoinerInfo(joinerType, id)
	}
	if entry, ok := c.joiners[joinerKey{joinerType, id}]; ok {
		info := entry.info
		return &info
	}
	if entry, ok := c.joiners[joinerKey{joinerType, anyJoinerId()}]; ok {
		info := entry.info
		return &info
	}
	return nil
}

// handleRelayRx serves RLY_RX.ntf: demultiplex by joiner IID and feed the
// joiner's DTLS context, spinning up a new session for an unknown IID
// that passes admission. Runs on the loop.
func (c *Commissioner) handleRelayRx(req *coap.Message) *coap.Message {
	frame, err := transport.ParseRelayFrame(req.Payload)
	if err != nil {
		if c.log != nil {
			c.log.Warnf("dropping malformed relay frame: %v", err)
		}
		return nil
	}

	key := string(frame.JoinerIid[:])
	if session, ok := c.sessionMap[key]; ok {
		// Get refreshes the session's expiry.
		c.sessionTTL.Get(key)
		session.conn.PushRecord(frame.Encapsulation)
		return nil
	}

	if len(c.sessionMap) >= c.config.MaxConnectionNum {
		if c.log != nil {
			c.log.Warnf("joiner session limit (%d) reached, dropping joiner %X", c.config.MaxConnectionNum, frame.JoinerIid)
		}
		return nil
	}

	// A fresh IID: admit only joiners with a matching entry. The joiner
	// IID is the joiner ID with the locally-administered bit as sent on
	// the air; the frame's destination UDP port selects the joining
	// protocol.
	id := JoinerId(frame.JoinerIid)
	joinerType := c.joinerTypeForPort(frame.JoinerUdpPort)
	info := c.lookupJoinerInfo(joinerType, id)
	if info == nil {
		if c.log != nil {
			c.log.Infof("no %s joiner entry for %X, ignoring", joinerType, frame.JoinerIid)
		}
		return nil
	}

	c.startJoinerSession(frame, joinerType, info)
	return nil
}

// joinerTypeForPort maps a relay frame's destination UDP port onto the
// joiner type whose port the Commissioner dataset advertises. A port
// matching none of the advertised ones is treated as MeshCoP. Runs on
// the loop.
func (c *Commissioner) joinerTypeForPort(port uint16) JoinerType {
	switch {
	case c.commDataset.PresentFlags&dataset.JoinerUdpPortBit != 0 && port == c.commDataset.JoinerUdpPort:
		return JoinerTypeMeshCoP
	case c.commDataset.PresentFlags&dataset.AeUdpPortBit != 0 && port == c.commDataset.AeUdpPort:
		return JoinerTypeAE
	case c.commDataset.PresentFlags&dataset.NmkpUdpPortBit != 0 && port == c.commDataset.NmkpUdpPort:
		return JoinerTypeNMKP
	default:
		return JoinerTypeMeshCoP
	}
}

// startJoinerSession creates the relay conn, launches the DTLS handshake
// off-loop and registers the session. Runs on the loop.
func (c *Commissioner) startJoinerSession(frame *transport.RelayFrame, joinerType JoinerType, info *JoinerInfo) {
	endpoint := c.endpoint
	conn := transport.NewRelayConn(frame.JoinerIid, frame.JoinerUdpPort, frame.RouterLocator,
		func(out *transport.RelayFrame) error {
			payload, err := out.Marshal()
			if err != nil {
				return err
			}
			// Relay transmissions are non-confirmable one-way
			// notifications; send failures surface as handshake timeouts.
			msg := coap.NewRequest(coap.NonConfirmable, coap.CodePost, meshcop.UriRelayTx, payload)
			c.loop.Post(func() {
				if c.endpoint == endpoint && endpoint != nil {
					_ = endpoint.Send(msg)
				}
			})
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	session := &joinerSession{
		iid:    frame.JoinerIid,
		conn:   conn,
		cancel: cancel,
	}
	key := string(frame.JoinerIid[:])
	c.sessionMap[key] = session
	c.sessionTTL.Set(key, struct{}{})
	conn.PushRecord(frame.Encapsulation)

	if c.log != nil {
		c.log.Infof("starting joiner session for %X", frame.JoinerIid)
	}

	joiner := *info
	sec := &transport.JoinerSecurity{LoggerFactory: c.config.LoggerFactory}
	if joinerType == JoinerTypeMeshCoP {
		sec.PSKd = []byte(joiner.PSKd)
	} else {
		// AE/NMKP joiners run the certificate handshake; the PSKd is
		// ignored.
		sec.Certificate = c.config.Security.Certificate
		sec.TrustAnchors = c.config.Security.TrustAnchors
	}
	go func() {
		dtlsConn, err := transport.ServeJoiner(ctx, conn, sec)
		c.loop.Post(func() {
			if err != nil {
				if c.log != nil {
					c.log.Warnf("joiner %X handshake failed: %v", frame.JoinerIid, err)
				}
				c.dropJoinerSession(session)
				return
			}
			c.attachJoinerSession(session, dtlsConn, &joiner)
		})
	}()
}

// attachJoinerSession wires the joiner's CoAP endpoint (serving JOIN_FIN)
// over the established DTLS session. Runs on the loop.
func (c *Commissioner) attachJoinerSession(session *joinerSession, dtlsConn *dtls.Conn, joiner *JoinerInfo) {
	session.dtls = dtlsConn
	session.coapSrv = coap.NewEndpoint(coap.EndpointConfig{
		Write:          func(data []byte) error { _, err := dtlsConn.Write(data); return err },
		Scheduler:      c.loop,
		RequestTimeout: c.config.RequestTimeout,
		LoggerFactory:  c.config.LoggerFactory,
	})
	session.coapSrv.AddResource(meshcop.UriJoinerFinalize, func(req *coap.Message) *coap.Message {
		return c.handleJoinerFinalize(session, joiner, req)
	})

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := dtlsConn.Read(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			c.loop.Post(func() {
				if session.coapSrv != nil {
					session.coapSrv.HandleDatagram(data)
				}
			})
		}
	}()
}

// handleJoinerFinalize serves JOIN_FIN.req: consult the commissioning
// handler, answer JOIN_FIN.rsp, and on acceptance deliver the session KEK
// to the Border Agent via JOIN_ENT.ntf. Runs on the loop.
func (c *Commissioner) handleJoinerFinalize(session *joinerSession, joiner *JoinerInfo, req *coap.Message) *coap.Message {
	list, err := meshcop.Decode(req.Payload)
	if err != nil {
		return req.Response(coap.CodeBadRequest, nil)
	}

	info := &CommissioningInfo{}
	if t, err := list.Find(meshcop.TypeVendorName); err == nil {
		info.VendorName = t.String()
	}
	if t, err := list.Find(meshcop.TypeVendorModel); err == nil {
		info.VendorModel = t.String()
	}
	if t, err := list.Find(meshcop.TypeVendorSwVersion); err == nil {
		info.VendorSwVersion = t.String()
	}
	if t, err := list.Find(meshcop.TypeVendorStackVersion); err == nil {
		info.VendorStackVersion = t.Value
	}
	if t, err := list.Find(meshcop.TypeProvisioningUrl); err == nil {
		info.ProvisioningUrl = t.String()
	}
	if t, err := list.Find(meshcop.TypeVendorData); err == nil {
		info.VendorData = t.Value
	}

	accept := true
	if c.config.Handlers.Commissioning != nil {
		accept = c.config.Handlers.Commissioning(joiner, info)
	}

	state := uint8(meshcop.StateAccept)
	if !accept {
		state = meshcop.StateReject
	}
	payload, perr := meshcop.List{meshcop.NewUint8(meshcop.TypeState, state)}.Encode()
	if perr != nil {
		return req.Response(coap.CodeInternalServerError, nil)
	}

	if accept {
		c.entrustJoiner(session, joiner)
	}
	return req.Response(coap.CodeChanged, payload)
}

// entrustJoiner exports the session KEK and notifies the Border Agent via
// JOIN_ENT.ntf, then marks the joiner commissioned. Runs on the loop.
func (c *Commissioner) entrustJoiner(session *joinerSession, joiner *JoinerInfo) {
	kek, err := transport.ExportKek(session.dtls)
	if err != nil {
		if c.log != nil {
			c.log.Errorf("KEK export for joiner %X failed: %v", session.iid, err)
		}
		return
	}

	payload, err := meshcop.List{
		meshcop.NewBytes(meshcop.TypeJoinerRouterKek, kek),
		meshcop.NewBytes(meshcop.TypeJoinerIid, session.iid[:]),
		meshcop.NewUint16(meshcop.TypeJoinerRouterLocator, session.conn.RouterLocator()),
		meshcop.NewUint16(meshcop.TypeJoinerUdpPort, session.conn.JoinerUdpPort()),
	}.Encode()
	if err != nil {
		return
	}

	if c.endpoint != nil {
		if err := c.endpoint.Send(coap.NewRequest(coap.NonConfirmable, coap.CodePost, meshcop.UriJoinerEntrust, payload)); err != nil {
			if c.log != nil {
				c.log.Warnf("JOIN_ENT for joiner %X failed: %v", session.iid, err)
			}
		}
	}

	// Wildcard admissions are recorded under the reserved ID only.
	if entry, ok := c.joiners[joinerKey{joiner.Type, JoinerId(session.iid)}]; ok {
		entry.commissioned = true
	} else if entry, ok := c.joiners[joinerKey{joiner.Type, anyJoinerId()}]; ok {
		entry.commissioned = true
	}

	if c.log != nil {
		c.log.Infof("joiner %X commissioned, KEK delivered", session.iid)
	}
}

// dropJoinerSession removes and closes a session. Runs on the loop.
func (c *Commissioner) dropJoinerSession(session *joinerSession) {
	key := string(session.iid[:])
	delete(c.sessionMap, key)
	c.sessionTTL.Remove(key)
	session.close()
}

// closeJoinerSessions tears down every joiner session. Runs on the loop.
func (c *Commissioner) closeJoinerSessions() {
	for key, session := range c.sessionMap {
		delete(c.sessionMap, key)
		c.sessionTTL.Remove(key)
		session.close()
	}
}
