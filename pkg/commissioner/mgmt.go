package commissioner

import (
	"context"
	"net"
	"time"

	"github.com/backkem/thread-commissioner/pkg/coap"
	"github.com/backkem/thread-commissioner/pkg/dataset"
	"github.com/backkem/thread-commissioner/pkg/meshcop"
	"github.com/backkem/thread-commissioner/pkg/security"
)

// requireActive returns an error unless the session is Active. Runs on
// the loop.
func (c *Commissioner) requireActive() error {
	if c.state != StateActive || c.endpoint == nil {
		return newError(KindInvalidState, "the commissioner is not active")
	}
	return nil
}

// sendMgmt posts a confirmable MGMT request and decodes the reply TLVs,
// surfacing a State=Reject TLV as a Rejected error. Runs on the loop.
func (c *Commissioner) sendMgmt(uri string, payload meshcop.List, done func(meshcop.List, error)) {
	if err := c.requireActive(); err != nil {
		done(nil, err)
		return
	}

	encoded, err := payload.Encode()
	if err != nil {
		done(nil, newError(KindInternal, "encoding %s request: %v", uri, err))
		return
	}

	c.endpoint.SendRequest(coap.NewRequest(coap.Confirmable, coap.CodePost, uri, encoded),
		func(rsp *coap.Message, err error) {
			if err != nil {
				done(nil, fromCoapError(err))
				return
			}
			if !rsp.Code.IsSuccess() {
				done(nil, newError(KindRejected, "%s answered %d.%02d", uri, rsp.Code>>5, rsp.Code&0x1F))
				return
			}
			list, err := meshcop.Decode(rsp.Payload)
			if err != nil {
				done(nil, newError(KindIoError, "malformed %s reply: %v", uri, err))
				return
			}
			if state, serr := list.Find(meshcop.TypeState); serr == nil {
				if v, _ := state.Uint8(); v != meshcop.StateAccept {
					done(list, newError(KindRejected, "%s was rejected by the leader", uri))
					return
				}
			}
			done(list, nil)
		})
}

// await bridges an async loop operation to a blocking caller.
func (c *Commissioner) await(ctx context.Context, start func(done func(error))) error {
	resultCh := make(chan error, 1)
	c.loop.Post(func() {
		start(func(err error) { resultCh <- err })
	})
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return newError(KindCancelled, "operation aborted")
	}
}

// serializeSet runs task under the per-dataset in-flight slot. A task
// that had to wait receives refresh=true and must re-read remote state
// before re-sending. Runs on the loop.
func (c *Commissioner) serializeSet(kind datasetKind, task func(refresh bool)) {
	if c.setBusy[kind] {
		c.setQueue[kind] = append(c.setQueue[kind], task)
		return
	}
	c.setBusy[kind] = true
	task(false)
}

// releaseSet frees the slot and starts the next queued task. Runs on the
// loop.
func (c *Commissioner) releaseSet(kind datasetKind) {
	if len(c.setQueue[kind]) == 0 {
		c.setBusy[kind] = false
		return
	}
	next := c.setQueue[kind][0]
	c.setQueue[kind] = c.setQueue[kind][1:]
	next(true)
}

// getPayload builds a MGMT_*_GET payload for the requested types.
func getPayload(types []meshcop.Type) meshcop.List {
	if len(types) == 0 {
		return nil
	}
	return meshcop.List{meshcop.NewGet(types)}
}

// GetActiveDataset issues MGMT_ACTIVE_GET for the fields selected by
// flags and merges the reply into the local mirror.
func (c *Commissioner) GetActiveDataset(ctx context.Context, flags uint16) (dataset.ActiveOperationalDataset, error) {
	var out dataset.ActiveOperationalDataset
	err := c.await(ctx, func(done func(error)) {
		c.sendMgmt(meshcop.UriActiveGet, getPayload(dataset.ActiveGetTypes(flags)), func(list meshcop.List, err error) {
			if err != nil {
				done(err)
				return
			}
			var ds dataset.ActiveOperationalDataset
			if err := ds.FromTLVs(list); err != nil {
				done(newError(KindIoError, "malformed Active dataset: %v", err))
				return
			}
			dataset.MergeActive(&c.activeDataset, &ds)
			out = ds
			done(nil)
		})
	})
	return out, err
}

// SetActiveDataset issues MGMT_ACTIVE_SET. A missing ActiveTimestamp is
// filled with a value strictly greater than the mirrored one, preserving
// the timestamp total order.
func (c *Commissioner) SetActiveDataset(ctx context.Context, ds dataset.ActiveOperationalDataset) error {
	return c.await(ctx, func(done func(error)) {
		c.serializeSet(kindActive, func(refresh bool) {
			c.setActiveLocked(ds, refresh, done)
		})
	})
}

func (c *Commissioner) setActiveLocked(ds dataset.ActiveOperationalDataset, refresh bool, done func(error)) {
	finish := func(err error) {
		c.releaseSet(kindActive)
		done(err)
	}

	send := func() {
		if ds.PresentFlags&dataset.ActiveTimestampBit == 0 {
			ds.ActiveTimestamp = c.activeDataset.ActiveTimestamp.Bumped()
			ds.PresentFlags |= dataset.ActiveTimestampBit
		} else if ds.ActiveTimestamp.Compare(c.activeDataset.ActiveTimestamp) <= 0 {
			ds.ActiveTimestamp = c.activeDataset.ActiveTimestamp.Bumped()
		}

		payload := append(ds.ToTLVs(),
			meshcop.NewUint16(meshcop.TypeCommissionerSessionId, c.sessionId))
		c.sendMgmt(meshcop.UriActiveSet, payload, func(_ meshcop.List, err error) {
			if err == nil {
				dataset.MergeActive(&c.activeDataset, &ds)
			}
			finish(err)
		})
	}

	if refresh {
		c.sendMgmt(meshcop.UriActiveGet, nil, func(list meshcop.List, err error) {
			if err != nil {
				finish(err)
				return
			}
			var remote dataset.ActiveOperationalDataset
			if derr := remote.FromTLVs(list); derr == nil {
				dataset.MergeActive(&c.activeDataset, &remote)
			}
			send()
		})
		return
	}
	send()
}

// GetPendingDataset issues MGMT_PENDING_GET and merges the reply.
func (c *Commissioner) GetPendingDataset(ctx context.Context, flags uint16) (dataset.PendingOperationalDataset, error) {
	var out dataset.PendingOperationalDataset
	err := c.await(ctx, func(done func(error)) {
		c.sendMgmt(meshcop.UriPendingGet, getPayload(dataset.PendingGetTypes(flags)), func(list meshcop.List, err error) {
			if err != nil {
				done(err)
				return
			}
			var ds dataset.PendingOperationalDataset
			if err := ds.FromTLVs(list); err != nil {
				done(newError(KindIoError, "malformed Pending dataset: %v", err))
				return
			}
			dataset.MergePending(&c.pendingDataset, &ds)
			out = ds
			done(nil)
		})
	})
	return out, err
}

// SetPendingDataset issues MGMT_PENDING_SET. The DelayTimer must be
// present; a missing PendingTimestamp is derived above the Active
// timestamp.
func (c *Commissioner) SetPendingDataset(ctx context.Context, ds dataset.PendingOperationalDataset) error {
	if ds.PresentFlags&dataset.DelayTimerBit == 0 {
		return newError(KindInvalidArgs, "a Pending dataset requires a delay timer")
	}
	return c.await(ctx, func(done func(error)) {
		c.serializeSet(kindPending, func(refresh bool) {
			finish := func(err error) {
				c.releaseSet(kindPending)
				done(err)
			}

			if ds.PresentFlags&dataset.PendingTimestampBit == 0 {
				base := c.activeDataset.ActiveTimestamp
				if c.pendingDataset.PresentFlags&dataset.PendingTimestampBit != 0 &&
					c.pendingDataset.PendingTimestamp.Compare(base) > 0 {
					base = c.pendingDataset.PendingTimestamp
				}
				ds.PendingTimestamp = base.Bumped()
				ds.PresentFlags |= dataset.PendingTimestampBit
			}

			payload := append(ds.ToTLVs(),
				meshcop.NewUint16(meshcop.TypeCommissionerSessionId, c.sessionId))
			c.sendMgmt(meshcop.UriPendingSet, payload, func(_ meshcop.List, err error) {
				if err == nil {
					dataset.MergePending(&c.pendingDataset, &ds)
				}
				finish(err)
			})
		})
	})
}

// GetCommissionerDataset issues MGMT_COMMISSIONER_GET. The reply is
// merged additively: a partial GET view never deletes locally known
// steering fields.
func (c *Commissioner) GetCommissionerDataset(ctx context.Context, flags uint16) (dataset.CommissionerDataset, error) {
	var out dataset.CommissionerDataset
	err := c.await(ctx, func(done func(error)) {
		c.sendMgmt(meshcop.UriCommissionerGet, getPayload(dataset.CommissionerGetTypes(flags)), func(list meshcop.List, err error) {
			if err != nil {
				done(err)
				return
			}
			var ds dataset.CommissionerDataset
			if err := ds.FromTLVs(list); err != nil {
				done(newError(KindIoError, "malformed Commissioner dataset: %v", err))
				return
			}
			dataset.MergeCommissioner(&c.commDataset, &ds, dataset.MergeAdditive)
			out = ds
			done(nil)
		})
	})
	return out, err
}

// SetCommissionerDataset issues MGMT_COMMISSIONER_SET. Leader-owned
// fields are never transmitted; on success the local mirror applies the
// wire's replace semantics for steering and port fields.
func (c *Commissioner) SetCommissionerDataset(ctx context.Context, ds dataset.CommissionerDataset) error {
	return c.await(ctx, func(done func(error)) {
		c.serializeSet(kindCommissioner, func(refresh bool) {
			c.refreshCommissionerThen(refresh, func() {
				c.setCommissionerLocked(ds, done)
			})
		})
	})
}

// refreshCommissionerThen re-reads the remote Commissioner dataset when a
// queued SET waited behind another, so the re-send works from fresh
// state. Runs on the loop.
func (c *Commissioner) refreshCommissionerThen(refresh bool, then func()) {
	if !refresh {
		then()
		return
	}
	c.sendMgmt(meshcop.UriCommissionerGet, nil, func(list meshcop.List, err error) {
		if err == nil {
			var remote dataset.CommissionerDataset
			if derr := remote.FromTLVs(list); derr == nil {
				dataset.MergeCommissioner(&c.commDataset, &remote, dataset.MergeAdditive)
			}
		}
		then()
	})
}

func (c *Commissioner) setCommissionerLocked(ds dataset.CommissionerDataset, done func(error)) {
	ds.ClearLeaderOwned()
	payload := append(ds.ToSetTLVs(),
		meshcop.NewUint16(meshcop.TypeCommissionerSessionId, c.sessionId))
	c.sendMgmt(meshcop.UriCommissionerSet, payload, func(_ meshcop.List, err error) {
		if err == nil {
			dataset.MergeCommissioner(&c.commDataset, &ds, dataset.MergeReplace)
		}
		c.releaseSet(kindCommissioner)
		done(err)
	})
}

// GetBbrDataset issues MGMT_BBR_GET (CCM only) and merges the reply.
func (c *Commissioner) GetBbrDataset(ctx context.Context, flags uint16) (dataset.BbrDataset, error) {
	var out dataset.BbrDataset
	if !c.config.EnableCcm {
		return out, newError(KindInvalidState, "the commissioner is not in CCM mode")
	}
	err := c.await(ctx, func(done func(error)) {
		c.sendMgmt(meshcop.UriBbrGet, getPayload(dataset.BbrGetTypes(flags)), func(list meshcop.List, err error) {
			if err != nil {
				done(err)
				return
			}
			var ds dataset.BbrDataset
			if err := ds.FromTLVs(list); err != nil {
				done(newError(KindIoError, "malformed BBR dataset: %v", err))
				return
			}
			dataset.MergeBbr(&c.bbrDataset, &ds)
			out = ds
			done(nil)
		})
	})
	return out, err
}

// SetBbrDataset issues MGMT_BBR_SET (CCM only).
func (c *Commissioner) SetBbrDataset(ctx context.Context, ds dataset.BbrDataset) error {
	if !c.config.EnableCcm {
		return newError(KindInvalidState, "the commissioner is not in CCM mode")
	}
	return c.await(ctx, func(done func(error)) {
		c.serializeSet(kindBbr, func(refresh bool) {
			payload := append(ds.ToTLVs(),
				meshcop.NewUint16(meshcop.TypeCommissionerSessionId, c.sessionId))
			c.sendMgmt(meshcop.UriBbrSet, payload, func(_ meshcop.List, err error) {
				if err == nil {
					dataset.MergeBbr(&c.bbrDataset, &ds)
				}
				c.releaseSet(kindBbr)
				done(err)
			})
		})
	})
}

// CachedActiveDataset returns the local Active mirror filtered by mask.
func (c *Commissioner) CachedActiveDataset(mask uint16) dataset.ActiveOperationalDataset {
	var out dataset.ActiveOperationalDataset
	c.loop.PostAndWait(func() { out = c.activeDataset.Filter(mask) })
	return out
}

// CachedPendingDataset returns the local Pending mirror filtered by mask.
func (c *Commissioner) CachedPendingDataset(mask uint16) dataset.PendingOperationalDataset {
	var out dataset.PendingOperationalDataset
	c.loop.PostAndWait(func() { out = c.pendingDataset.Filter(mask) })
	return out
}

// CachedCommissionerDataset returns the local Commissioner mirror
// filtered by mask.
func (c *Commissioner) CachedCommissionerDataset(mask uint16) dataset.CommissionerDataset {
	var out dataset.CommissionerDataset
	c.loop.PostAndWait(func() { out = c.commDataset.Filter(mask) })
	return out
}

// CachedBbrDataset returns the local BBR mirror filtered by mask.
func (c *Commissioner) CachedBbrDataset(mask uint16) dataset.BbrDataset {
	var out dataset.BbrDataset
	c.loop.PostAndWait(func() { out = c.bbrDataset.Filter(mask) })
	return out
}

// destinationTLVs encodes an optional mesh destination address.
func destinationTLVs(dst string) (meshcop.List, error) {
	if dst == "" {
		return nil, nil
	}
	ip := net.ParseIP(dst)
	if ip == nil || ip.To16() == nil {
		return nil, newError(KindInvalidArgs, "bad destination address %q", dst)
	}
	return meshcop.List{meshcop.NewBytes(meshcop.TypeIpv6Address, ip.To16())}, nil
}

// PanIdQuery issues MGMT_PANID_QUERY toward dst over the Border Agent
// session. Conflict answers arrive asynchronously on the PanIdConflict
// handler; the per-query conflict map is reset.
func (c *Commissioner) PanIdQuery(ctx context.Context, channelMask uint32, panId uint16, dst string) error {
	dstTLVs, err := destinationTLVs(dst)
	if err != nil {
		return err
	}
	return c.await(ctx, func(done func(error)) {
		c.panIdConflicts = make(map[uint16]dataset.ChannelMask)
		payload := append(meshcop.List{
			meshcop.NewUint16(meshcop.TypeCommissionerSessionId, c.sessionId),
			meshcop.NewBytes(meshcop.TypeChannelMask, dataset.NewChannelMask(0, channelMask).Encode()),
			meshcop.NewUint16(meshcop.TypePanId, panId),
		}, dstTLVs...)
		c.sendMgmt(meshcop.UriPanIdQuery, payload, func(_ meshcop.List, err error) {
			done(err)
		})
	})
}

// HasPanIdConflict reports whether a conflict answer for panId arrived
// since the last query.
func (c *Commissioner) HasPanIdConflict(panId uint16) bool {
	var ok bool
	c.loop.PostAndWait(func() { _, ok = c.panIdConflicts[panId] })
	return ok
}

// PanIdConflicts returns a copy of the conflict map of the current query.
func (c *Commissioner) PanIdConflicts() map[uint16]dataset.ChannelMask {
	out := make(map[uint16]dataset.ChannelMask)
	c.loop.PostAndWait(func() {
		for panId, mask := range c.panIdConflicts {
			out[panId] = mask
		}
	})
	return out
}

// EnergyScan issues MGMT_ED_SCAN toward dst. Reports arrive
// asynchronously on the EnergyReport handler; the report map is reset.
func (c *Commissioner) EnergyScan(ctx context.Context, channelMask uint32, count uint8, period, scanDuration uint16, dst string) error {
	dstTLVs, err := destinationTLVs(dst)
	if err != nil {
		return err
	}
	return c.await(ctx, func(done func(error)) {
		c.energyReports = make(map[string]*EnergyReport)
		payload := append(meshcop.List{
			meshcop.NewUint16(meshcop.TypeCommissionerSessionId, c.sessionId),
			meshcop.NewBytes(meshcop.TypeChannelMask, dataset.NewChannelMask(0, channelMask).Encode()),
			meshcop.NewUint8(meshcop.TypeCount, count),
			meshcop.NewUint16(meshcop.TypePeriod, period),
			meshcop.NewUint16(meshcop.TypeScanDuration, scanDuration),
		}, dstTLVs...)
		c.sendMgmt(meshcop.UriEnergyScan, payload, func(_ meshcop.List, err error) {
			done(err)
		})
	})
}

// GetEnergyReport returns the report of one responder, or nil.
func (c *Commissioner) GetEnergyReport(peerAddr string) *EnergyReport {
	var out *EnergyReport
	c.loop.PostAndWait(func() { out = c.energyReports[peerAddr] })
	return out
}

// GetAllEnergyReports returns a copy of the report map.
func (c *Commissioner) GetAllEnergyReports() map[string]*EnergyReport {
	out := make(map[string]*EnergyReport)
	c.loop.PostAndWait(func() {
		for addr, report := range c.energyReports {
			out[addr] = report
		}
	})
	return out
}

// AnnounceBegin issues MGMT_ANNOUNCE_BEGIN toward dst. Fire-and-forget:
// the notification is non-confirmable and no reply is awaited.
func (c *Commissioner) AnnounceBegin(ctx context.Context, channelMask uint32, count uint8, period uint16, dst string) error {
	dstTLVs, err := destinationTLVs(dst)
	if err != nil {
		return err
	}
	return c.await(ctx, func(done func(error)) {
		if err := c.requireActive(); err != nil {
			done(err)
			return
		}
		payload, err := append(meshcop.List{
			meshcop.NewUint16(meshcop.TypeCommissionerSessionId, c.sessionId),
			meshcop.NewBytes(meshcop.TypeChannelMask, dataset.NewChannelMask(0, channelMask).Encode()),
			meshcop.NewUint8(meshcop.TypeCount, count),
			meshcop.NewUint16(meshcop.TypePeriod, period),
		}, dstTLVs...).Encode()
		if err != nil {
			done(newError(KindInternal, "encoding announce: %v", err))
			return
		}
		if err := c.endpoint.Send(coap.NewRequest(coap.NonConfirmable, coap.CodePost, meshcop.UriAnnounceBegin, payload)); err != nil {
			done(newError(KindIoError, "announce send failed: %v", err))
			return
		}
		done(nil)
	})
}

// RegisterMulticastListener issues MLR.req to the primary BBR for the
// given IPv6 multicast addresses. Success requires MLR status 0;
// any other status surfaces as a Rejected error carrying the status.
func (c *Commissioner) RegisterMulticastListener(ctx context.Context, multicastAddrs []string, timeout time.Duration) (uint8, error) {
	var addrBytes []byte
	for _, addr := range multicastAddrs {
		ip := net.ParseIP(addr)
		if ip == nil || ip.To16() == nil || ip.To4() != nil {
			return 0, newError(KindInvalidArgs, "bad multicast address %q", addr)
		}
		addrBytes = append(addrBytes, ip.To16()...)
	}
	if len(addrBytes) == 0 {
		return 0, newError(KindInvalidArgs, "no multicast addresses given")
	}

	var status uint8
	err := c.await(ctx, func(done func(error)) {
		payload := meshcop.List{
			meshcop.NewUint32(meshcop.TypeThreadTimeout, uint32(timeout/time.Second)),
			meshcop.NewBytes(meshcop.TypeThreadIpv6Addresses, addrBytes),
		}
		c.sendMgmt(meshcop.UriMlr, payload, func(list meshcop.List, err error) {
			if err != nil {
				done(err)
				return
			}
			st, serr := list.Find(meshcop.TypeThreadStatus)
			if serr != nil {
				done(newError(KindIoError, "MLR.rsp carries no status"))
				return
			}
			status, _ = st.Uint8()
			if status != 0 {
				done(newError(KindRejected, "MLR was rejected with status %d", status))
				return
			}
			done(nil)
		})
	})
	return status, err
}

// CommandReenroll issues the CCM re-enrollment command to dst.
func (c *Commissioner) CommandReenroll(ctx context.Context, dst string) error {
	return c.ccmCommand(ctx, meshcop.UriReenroll, dst, nil)
}

// CommandDomainReset issues the CCM domain reset command to dst.
func (c *Commissioner) CommandDomainReset(ctx context.Context, dst string) error {
	return c.ccmCommand(ctx, meshcop.UriDomainReset, dst, nil)
}

// CommandMigrate asks dst to migrate to the designated network.
func (c *Commissioner) CommandMigrate(ctx context.Context, dst, designatedNetwork string) error {
	return c.ccmCommand(ctx, meshcop.UriMigrate, dst, meshcop.List{
		meshcop.NewString(meshcop.TypeNetworkName, designatedNetwork),
	})
}

func (c *Commissioner) ccmCommand(ctx context.Context, uri, dst string, extra meshcop.List) error {
	if !c.config.EnableCcm {
		return newError(KindInvalidState, "the commissioner is not in CCM mode")
	}
	dstTLVs, err := destinationTLVs(dst)
	if err != nil {
		return err
	}
	if len(dstTLVs) == 0 {
		return newError(KindInvalidArgs, "a destination address is required")
	}
	return c.await(ctx, func(done func(error)) {
		payload := append(append(dstTLVs, extra...),
			meshcop.NewUint16(meshcop.TypeCommissionerSessionId, c.sessionId))
		c.sendMgmt(uri, payload, func(_ meshcop.List, err error) {
			done(err)
		})
	})
}

// RequestToken runs COM_TOK.req against the Registrar at addr and stores
// the verified signed token for subsequent petitions. CCM only.
func (c *Commissioner) RequestToken(ctx context.Context, addr string) ([]byte, error) {
	if !c.config.EnableCcm {
		return nil, newError(KindInvalidState, "the commissioner is not in CCM mode")
	}

	conn, err := c.config.Dialer(ctx, addr, &c.config.Security)
	if err != nil {
		return nil, newError(KindSecurity, "DTLS connection to registrar %s failed: %v", addr, err)
	}
	defer conn.Close()

	endpoint := coap.NewEndpoint(coap.EndpointConfig{
		Write:          func(data []byte) error { _, err := conn.Write(data); return err },
		Scheduler:      c.loop,
		RequestTimeout: c.config.RequestTimeout,
		LoggerFactory:  c.config.LoggerFactory,
	})
	defer c.loop.PostAndWait(endpoint.Close)

	stopPump := make(chan struct{})
	defer close(stopPump)
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case <-stopPump:
				return
			default:
			}
			c.loop.Post(func() { endpoint.HandleDatagram(data) })
		}
	}()

	payload, err := meshcop.List{
		meshcop.NewString(meshcop.TypeCommissionerId, c.config.Id),
		meshcop.NewString(meshcop.TypeDomainName, c.config.DomainName),
	}.Encode()
	if err != nil {
		return nil, newError(KindInternal, "encoding COM_TOK.req: %v", err)
	}

	type tokenResult struct {
		token *security.Token
		err   error
	}
	resultCh := make(chan tokenResult, 1)

	c.loop.Post(func() {
		endpoint.SendRequest(coap.NewRequest(coap.Confirmable, coap.CodePost, meshcop.UriTokenRequest, payload),
			func(rsp *coap.Message, err error) {
				if err != nil {
					resultCh <- tokenResult{nil, fromCoapError(err)}
					return
				}
				list, err := meshcop.Decode(rsp.Payload)
				if err != nil {
					resultCh <- tokenResult{nil, newError(KindIoError, "malformed COM_TOK.rsp: %v", err)}
					return
				}
				raw, err := list.Find(meshcop.TypeCommissionerToken)
				if err != nil {
					resultCh <- tokenResult{nil, newError(KindIoError, "COM_TOK.rsp carries no token")}
					return
				}
				cert, err := list.Find(meshcop.TypeCommissionerSignature)
				if err != nil {
					resultCh <- tokenResult{nil, newError(KindIoError, "COM_TOK.rsp carries no signer certificate")}
					return
				}
				token, verr := security.VerifyToken(raw.Value, cert.Value, c.config.Security.TrustAnchors)
				if verr != nil {
					resultCh <- tokenResult{nil, newError(KindSecurity, "token verification failed: %v", verr)}
					return
				}
				resultCh <- tokenResult{token, nil}
			})
	})

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, r.err
		}
		c.loop.PostAndWait(func() { c.token = r.token })
		return r.token.Raw, nil
	case <-ctx.Done():
		return nil, newError(KindCancelled, "token request aborted")
	}
}

// handlePanIdConflict serves MGMT_PANID_CONFLICT.ans. Runs on the loop.
func (c *Commissioner) handlePanIdConflict(req *coap.Message) *coap.Message {
	list, err := meshcop.Decode(req.Payload)
	if err != nil {
		return req.Response(coap.CodeBadRequest, nil)
	}

	panIdTLV, perr := list.Find(meshcop.TypePanId)
	maskTLV, merr := list.Find(meshcop.TypeChannelMask)
	if perr != nil || merr != nil {
		return req.Response(coap.CodeBadRequest, nil)
	}

	panId, _ := panIdTLV.Uint16()
	mask, err := dataset.DecodeChannelMaskValue(maskTLV.Value)
	if err != nil {
		return req.Response(coap.CodeBadRequest, nil)
	}

	peerAddr := ""
	if addr, aerr := list.Find(meshcop.TypeIpv6Address); aerr == nil {
		peerAddr = net.IP(addr.Value).String()
	}

	c.panIdConflicts[panId] = mask
	if c.config.Handlers.PanIdConflict != nil {
		c.config.Handlers.PanIdConflict(peerAddr, mask, panId)
	}
	return req.Response(coap.CodeChanged, nil)
}

// handleEnergyReport serves MGMT_ED_REPORT.ans. Runs on the loop.
func (c *Commissioner) handleEnergyReport(req *coap.Message) *coap.Message {
	list, err := meshcop.Decode(req.Payload)
	if err != nil {
		return req.Response(coap.CodeBadRequest, nil)
	}

	maskTLV, merr := list.Find(meshcop.TypeChannelMask)
	energyTLV, eerr := list.Find(meshcop.TypeEnergyList)
	if merr != nil || eerr != nil {
		return req.Response(coap.CodeBadRequest, nil)
	}
	mask, err := dataset.DecodeChannelMaskValue(maskTLV.Value)
	if err != nil {
		return req.Response(coap.CodeBadRequest, nil)
	}

	peerAddr := "border-agent"
	if addr, aerr := list.Find(meshcop.TypeIpv6Address); aerr == nil {
		peerAddr = net.IP(addr.Value).String()
	}

	report := &EnergyReport{ChannelMask: mask, EnergyList: energyTLV.Value}
	c.energyReports[peerAddr] = report
	if c.config.Handlers.EnergyReport != nil {
		c.config.Handlers.EnergyReport(peerAddr, report)
	}
	return req.Response(coap.CodeChanged, nil)
}

// handleDatasetChanged serves MGMT_DATASET_CHANGED.ntf: acknowledge, then
// enqueue a re-pull of both operational datasets. Runs on the loop.
func (c *Commissioner) handleDatasetChanged(req *coap.Message) *coap.Message {
	c.loop.Post(func() {
		c.sendMgmt(meshcop.UriActiveGet, nil, func(list meshcop.List, err error) {
			if err != nil {
				if c.log != nil {
					c.log.Warnf("re-pulling Active dataset failed: %v", err)
				}
				return
			}
			var ds dataset.ActiveOperationalDataset
			if derr := ds.FromTLVs(list); derr == nil {
				dataset.MergeActive(&c.activeDataset, &ds)
			}
		})
		c.sendMgmt(meshcop.UriPendingGet, nil, func(list meshcop.List, err error) {
			if err != nil {
				if c.log != nil {
					c.log.Warnf("re-pulling Pending dataset failed: %v", err)
				}
				return
			}
			var ds dataset.PendingOperationalDataset
			if derr := ds.FromTLVs(list); derr == nil {
				dataset.MergePending(&c.pendingDataset, &ds)
			}
		})
		if c.config.Handlers.DatasetChanged != nil {
			c.config.Handlers.DatasetChanged()
		}
	})
	return req.Response(coap.CodeChanged, nil)
}

// PullNetworkData refreshes all dataset mirrors: Commissioner, BBR (CCM
// only), Active and Pending.
func (c *Commissioner) PullNetworkData(ctx context.Context) error {
	if _, err := c.GetCommissionerDataset(ctx, dataset.FullDatasetFlags); err != nil {
		return err
	}
	if c.config.EnableCcm {
		if _, err := c.GetBbrDataset(ctx, dataset.FullDatasetFlags); err != nil {
			return err
		}
	}
	if _, err := c.GetActiveDataset(ctx, dataset.FullDatasetFlags); err != nil {
		return err
	}
	if _, err := c.GetPendingDataset(ctx, dataset.FullDatasetFlags); err != nil {
		return err
	}
	return nil
}
