package commissioner

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/backkem/thread-commissioner/pkg/coap"
	"github.com/backkem/thread-commissioner/pkg/dataset"
	"github.com/backkem/thread-commissioner/pkg/event"
	"github.com/backkem/thread-commissioner/pkg/meshcop"
	"github.com/backkem/thread-commissioner/pkg/transport"
)

func testPSKc(t *testing.T) []byte {
	t.Helper()
	pskc, err := hex.DecodeString("3aa55f91ca47d1e4e71a08cb35e91591")
	if err != nil {
		t.Fatal(err)
	}
	return pskc
}

func newTestCommissioner(t *testing.T, ba *baSim, dialer Dialer, mutate func(*Config)) *Commissioner {
	t.Helper()
	config := Config{
		Id:       "TestComm",
		Security: transport.Security{PSKc: testPSKc(t)},
		Dialer:   dialer,

		KeepAliveInterval: time.Second,
		RequestTimeout:    2 * time.Second,
	}
	if mutate != nil {
		mutate(&config)
	}
	c, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		c.Stop()
		ba.stop()
	})
	return c
}

func petition(t *testing.T, c *Commissioner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Petition(ctx, "[fdde:ad00:beef::1]:49191"); err != nil {
		t.Fatalf("Petition: %v", err)
	}
}

func TestPetitionSuccess(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, nil)

	petition(t, c)

	if !c.IsActive() {
		t.Fatal("commissioner not active after accepted petition")
	}
	sessionId, err := c.GetSessionId()
	if err != nil {
		t.Fatalf("GetSessionId: %v", err)
	}
	if sessionId == 0 {
		t.Error("session ID must be nonzero")
	}
	if sessionId != 0x1234 {
		t.Errorf("session ID = %#x, expected the petition reply value", sessionId)
	}

	locator, err := c.GetBorderAgentLocator()
	if err != nil {
		t.Fatalf("GetBorderAgentLocator: %v", err)
	}
	if locator != 0x0400 {
		t.Errorf("border agent locator = %#x, expected 0x0400", locator)
	}
}

func TestPetitionRejected(t *testing.T) {
	ba, dialer := newBaSim()
	ba.setRejectWith("OtherComm")
	c := newTestCommissioner(t, ba, dialer, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	existing, err := c.Petition(ctx, "[::1]:49191")
	if KindOf(err) != KindRejected {
		t.Fatalf("expected Rejected, got %v", err)
	}
	if existing != "OtherComm" {
		t.Errorf("existing commissioner ID = %q, expected OtherComm", existing)
	}
	if c.State() != StateDisabled {
		t.Error("state must return to disabled after rejection")
	}
}

func TestMgmtSetRequiresActive(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, nil)

	ctx := context.Background()
	var ds dataset.ActiveOperationalDataset
	ds.NetworkName = "nope"
	ds.PresentFlags = dataset.NetworkNameBit
	if err := c.SetActiveDataset(ctx, ds); KindOf(err) != KindInvalidState {
		t.Errorf("SET while disabled: expected InvalidState, got %v", err)
	}
	if err := c.EnableJoiner(ctx, JoinerTypeMeshCoP, 1, "J01NME", ""); KindOf(err) != KindInvalidState {
		t.Errorf("EnableJoiner while disabled: expected InvalidState, got %v", err)
	}
}

func TestChannelChangeWithDelay(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, nil)
	petition(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ds dataset.PendingOperationalDataset
	ds.Channel = dataset.Channel{Page: 0, Number: 26}
	ds.DelayTimer = 5000
	ds.PresentFlags = dataset.ChannelBit | dataset.DelayTimerBit
	if err := c.SetPendingDataset(ctx, ds); err != nil {
		t.Fatalf("SetPendingDataset: %v", err)
	}

	sets := ba.recordedPendingSets()
	if len(sets) != 1 {
		t.Fatalf("expected 1 MGMT_PENDING_SET, got %d", len(sets))
	}
	if _, err := sets[0].Find(meshcop.TypeChannel); err != nil {
		t.Error("SET payload missing Channel")
	}
	if delay, err := sets[0].Find(meshcop.TypeDelayTimer); err != nil {
		t.Error("SET payload missing DelayTimer")
	} else if v, _ := delay.Uint32(); v != 5000 {
		t.Errorf("delay timer = %d, expected 5000", v)
	}
	if _, err := sets[0].Find(meshcop.TypePendingTimestamp); err != nil {
		t.Error("SET payload missing the auto-filled PendingTimestamp")
	}
	if _, err := sets[0].Find(meshcop.TypeCommissionerSessionId); err != nil {
		t.Error("SET payload missing the session ID")
	}

	mirror := c.CachedPendingDataset(dataset.FullDatasetFlags)
	if mirror.PresentFlags&dataset.ChannelBit == 0 || mirror.PresentFlags&dataset.DelayTimerBit == 0 {
		t.Error("local merge did not reflect both fields")
	}
	if mirror.Channel.Number != 26 || mirror.DelayTimer != 5000 {
		t.Errorf("mirror = channel %d delay %d", mirror.Channel.Number, mirror.DelayTimer)
	}
}

func TestActiveSetExcludesLeaderFieldsAndBumpsTimestamp(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, nil)
	petition(t, c)

	ctx := context.Background()
	var ds dataset.ActiveOperationalDataset
	ds.NetworkName = "NewName"
	ds.PresentFlags = dataset.NetworkNameBit
	if err := c.SetActiveDataset(ctx, ds); err != nil {
		t.Fatalf("SetActiveDataset: %v", err)
	}

	ba.mu.Lock()
	sets := append([]meshcop.List(nil), ba.activeSets...)
	ba.mu.Unlock()
	if len(sets) != 1 {
		t.Fatalf("expected 1 MGMT_ACTIVE_SET, got %d", len(sets))
	}
	if _, err := sets[0].Find(meshcop.TypeActiveTimestamp); err != nil {
		t.Error("locally originated Active SET must carry an ActiveTimestamp")
	}
}

func TestEnableJoinerPushesSteering(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, nil)
	petition(t, c)

	ctx := context.Background()
	eui64 := uint64(0x0123456789ABCDEF)
	if err := c.EnableJoiner(ctx, JoinerTypeMeshCoP, eui64, "J01NME", ""); err != nil {
		t.Fatalf("EnableJoiner: %v", err)
	}

	steering, err := c.GetJoinerSteeringData(JoinerTypeMeshCoP)
	if err != nil {
		t.Fatalf("GetJoinerSteeringData: %v", err)
	}
	if len(steering) < 1 || len(steering) > 16 {
		t.Fatalf("steering length %d outside 1..16", len(steering))
	}
	if !SteeringMatches(steering, ComputeJoinerId(eui64)) {
		t.Error("joiner's bit not set in the pushed steering data")
	}

	sets := ba.recordedCommissionerSets()
	if len(sets) != 1 {
		t.Fatalf("expected 1 MGMT_COMMISSIONER_SET, got %d", len(sets))
	}
	if _, err := sets[0].Find(meshcop.TypeCommissionerSessionId); err != nil {
		t.Error("SET payload missing the session ID TLV")
	}
	if _, err := sets[0].Find(meshcop.TypeBorderAgentLocator); err == nil {
		t.Error("SET payload must not carry the Border Agent Locator")
	}

	// Second enable of the same EUI-64 is AlreadyExists.
	if err := c.EnableJoiner(ctx, JoinerTypeMeshCoP, eui64, "J01NME", ""); KindOf(err) != KindAlreadyExists {
		t.Errorf("duplicate enable: expected AlreadyExists, got %v", err)
	}
}

func TestSteeringIdempotence(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, nil)
	petition(t, c)

	ctx := context.Background()
	eui64 := uint64(0xAABBCCDD00112233)

	baseline, err := c.GetJoinerSteeringData(JoinerTypeMeshCoP)
	if KindOf(err) != KindNotFound {
		// No steering pushed yet.
		t.Fatalf("expected NotFound before any enable, got %v (%x)", err, baseline)
	}

	if err := c.EnableJoiner(ctx, JoinerTypeMeshCoP, eui64, "J01NME", ""); err != nil {
		t.Fatalf("EnableJoiner: %v", err)
	}
	if err := c.DisableJoiner(ctx, JoinerTypeMeshCoP, eui64); err != nil {
		t.Fatalf("DisableJoiner: %v", err)
	}

	steering, err := c.GetJoinerSteeringData(JoinerTypeMeshCoP)
	if err != nil {
		t.Fatalf("GetJoinerSteeringData: %v", err)
	}
	if len(steering) != 1 || steering[0] != 0x00 {
		t.Errorf("steering after enable+disable = %x, expected the empty filter", steering)
	}
	if c.IsJoinerCommissioned(JoinerTypeMeshCoP, eui64) {
		t.Error("joiner entry survived disable")
	}

	// Disabling an unknown joiner is NotFound, and the map is untouched.
	if err := c.DisableJoiner(ctx, JoinerTypeMeshCoP, 0x77); KindOf(err) != KindNotFound {
		t.Errorf("expected NotFound for unknown joiner, got %v", err)
	}
}

func TestEnableAllJoinersEvictsPerEuiEntries(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, nil)
	petition(t, c)

	ctx := context.Background()
	if err := c.EnableJoiner(ctx, JoinerTypeMeshCoP, 0x1111, "J01NME", ""); err != nil {
		t.Fatalf("EnableJoiner: %v", err)
	}
	if err := c.EnableAllJoiners(ctx, JoinerTypeMeshCoP, "J01NME", ""); err != nil {
		t.Fatalf("EnableAllJoiners: %v", err)
	}

	steering, err := c.GetJoinerSteeringData(JoinerTypeMeshCoP)
	if err != nil {
		t.Fatalf("GetJoinerSteeringData: %v", err)
	}
	if len(steering) != 1 || steering[0] != 0xFF {
		t.Errorf("wildcard steering = %x, expected ff", steering)
	}

	// The per-EUI entry was evicted; only the wildcard remains.
	if err := c.DisableJoiner(ctx, JoinerTypeMeshCoP, 0x1111); KindOf(err) != KindNotFound {
		t.Errorf("per-EUI entry should be gone, got %v", err)
	}
}

func TestPanIdConflict(t *testing.T) {
	ba, dialer := newBaSim()
	var notified []uint16
	notifyCh := make(chan struct{}, 8)
	c := newTestCommissioner(t, ba, dialer, func(config *Config) {
		config.Handlers.PanIdConflict = func(peerAddr string, mask dataset.ChannelMask, panId uint16) {
			notified = append(notified, panId)
			notifyCh <- struct{}{}
		}
	})
	petition(t, c)

	ctx := context.Background()
	if err := c.PanIdQuery(ctx, 0x07FFF800, 0x1234, "ff02::1"); err != nil {
		t.Fatalf("PanIdQuery: %v", err)
	}

	select {
	case <-notifyCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no conflict notification arrived")
	}

	if !c.HasPanIdConflict(0x1234) {
		t.Error("HasPanIdConflict(0x1234) = false")
	}
	conflicts := c.PanIdConflicts()
	mask, ok := conflicts[0x1234]
	if !ok || len(mask) == 0 {
		t.Fatalf("conflict map missing the reported channel mask: %v", conflicts)
	}
}

func TestEnergyScanReport(t *testing.T) {
	ba, dialer := newBaSim()
	reportCh := make(chan string, 8)
	c := newTestCommissioner(t, ba, dialer, func(config *Config) {
		config.Handlers.EnergyReport = func(peerAddr string, report *EnergyReport) {
			reportCh <- peerAddr
		}
	})
	petition(t, c)

	if err := c.EnergyScan(context.Background(), 0x07FFF800, 1, 100, 50, "ff02::1"); err != nil {
		t.Fatalf("EnergyScan: %v", err)
	}

	var peer string
	select {
	case peer = <-reportCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no energy report arrived")
	}

	report := c.GetEnergyReport(peer)
	if report == nil || len(report.EnergyList) != 3 {
		t.Fatalf("report = %+v", report)
	}
}

func TestMlr(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, nil)
	petition(t, c)

	status, err := c.RegisterMulticastListener(context.Background(), []string{"ff04::123"}, 300*time.Second)
	if err != nil {
		t.Fatalf("RegisterMulticastListener: %v", err)
	}
	if status != 0 {
		t.Errorf("MLR status = %d", status)
	}
}

func TestResignSendsStateZero(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, nil)
	petition(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Resign(ctx); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if c.State() != StateDisabled {
		t.Error("commissioner still enabled after resign")
	}

	kas := ba.recordedKeepAlives()
	if len(kas) == 0 {
		t.Fatal("no LEAD_KA.req reached the border agent")
	}
	last := kas[len(kas)-1]
	state, err := last.Find(meshcop.TypeState)
	if err != nil {
		t.Fatal("resign LEAD_KA.req carries no State TLV")
	}
	if v, _ := state.Uint8(); v != 0 {
		t.Errorf("resign State = %#x, expected 0", v)
	}
	if _, err := last.Find(meshcop.TypeCommissionerSessionId); err != nil {
		t.Error("resign LEAD_KA.req carries no session ID")
	}
}

func TestJoinerTypeForPort(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, nil)
	petition(t, c)

	c.loop.PostAndWait(func() {
		c.commDataset.JoinerUdpPort = 1000
		c.commDataset.AeUdpPort = 1001
		c.commDataset.NmkpUdpPort = 1002
		c.commDataset.PresentFlags |= dataset.JoinerUdpPortBit |
			dataset.AeUdpPortBit | dataset.NmkpUdpPortBit

		if got := c.joinerTypeForPort(1000); got != JoinerTypeMeshCoP {
			t.Errorf("port 1000 = %s, expected meshcop", got)
		}
		if got := c.joinerTypeForPort(1001); got != JoinerTypeAE {
			t.Errorf("port 1001 = %s, expected ae", got)
		}
		if got := c.joinerTypeForPort(1002); got != JoinerTypeNMKP {
			t.Errorf("port 1002 = %s, expected nmkp", got)
		}
		// A port matching no advertised one falls back to MeshCoP.
		if got := c.joinerTypeForPort(4242); got != JoinerTypeMeshCoP {
			t.Errorf("port 4242 = %s, expected meshcop fallback", got)
		}
	})
}

func TestCcmJoinerLookupByPort(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, nil)
	petition(t, c)

	ctx := context.Background()
	eui64 := uint64(0x00124B000F7EAE01)
	if err := c.EnableJoiner(ctx, JoinerTypeAE, eui64, "", ""); err != nil {
		t.Fatalf("EnableJoiner(AE): %v", err)
	}

	c.loop.PostAndWait(func() {
		c.commDataset.AeUdpPort = 1001
		c.commDataset.PresentFlags |= dataset.AeUdpPortBit

		id := ComputeJoinerId(eui64)
		// A frame on the AE port resolves the AE entry...
		if got := c.joinerTypeForPort(1001); got != JoinerTypeAE {
			t.Errorf("AE port dispatched to %s", got)
			return
		}
		info := c.lookupJoinerInfo(JoinerTypeAE, id)
		if info == nil || info.Type != JoinerTypeAE {
			t.Errorf("AE joiner entry not resolved: %+v", info)
			return
		}
		// ...and is invisible to the MeshCoP table.
		if c.lookupJoinerInfo(JoinerTypeMeshCoP, id) != nil {
			t.Error("AE entry leaked into the MeshCoP lookup")
		}
	})
}

func TestKeepAliveLossDisables(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, func(config *Config) {
		config.KeepAliveInterval = 200 * time.Millisecond
		config.RequestTimeout = 300 * time.Millisecond
	})
	petition(t, c)

	ba.setSilenceKeepAlive(true)

	deadline := time.Now().Add(10 * time.Second)
	for c.State() != StateDisabled {
		if time.Now().After(deadline) {
			t.Fatal("commissioner did not disable after keep-alive loss")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestAbortRequestsCancelsInFlight(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, func(config *Config) {
		config.RequestTimeout = 10 * time.Second
	})
	petition(t, c)

	ba.mu.Lock()
	ba.silenceMgmt = true
	ba.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetActiveDataset(context.Background(), dataset.FullDatasetFlags)
		errCh <- err
	}()

	// Let the request reach the wire, then abort.
	time.Sleep(100 * time.Millisecond)
	c.AbortRequests()

	select {
	case err := <-errCh:
		if KindOf(err) != KindCancelled {
			t.Errorf("expected Cancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("aborted request never completed")
	}

	// The Border Agent session survives the abort.
	if !c.IsActive() {
		t.Error("AbortRequests must not resign")
	}
}

func TestJoinerCommissioningEndToEnd(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, func(config *Config) {
		config.RequestTimeout = 5 * time.Second
	})
	petition(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	eui64 := uint64(0x0123456789ABCDEF)
	pskd := "J01NME"
	if err := c.EnableJoiner(ctx, JoinerTypeMeshCoP, eui64, pskd, ""); err != nil {
		t.Fatalf("EnableJoiner: %v", err)
	}

	// The simulated joiner runs a real DTLS handshake through the relay
	// path, then finalizes commissioning over it.
	iid := [8]byte(ComputeJoinerId(eui64))
	joinerConn := ba.relayJoiner(iid)

	dtlsConn, err := transport.DialJoiner(ctx, joinerConn, &transport.JoinerSecurity{
		PSKd:             []byte(pskd),
		HandshakeTimeout: 15 * time.Second,
	})
	if err != nil {
		t.Fatalf("joiner DTLS handshake: %v", err)
	}
	defer dtlsConn.Close()

	// JOIN_FIN.req over the established session.
	joinerLoop := event.NewLoop()
	joinerLoop.Start()
	defer joinerLoop.Stop()

	joinerEndpoint := coap.NewEndpoint(coap.EndpointConfig{
		Write:     func(data []byte) error { _, err := dtlsConn.Write(data); return err },
		Scheduler: joinerLoop,
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
			joinerLoop.Post(func() { joinerEndpoint.HandleDatagram(data) })
		}
	}()

	finPayload, err := meshcop.List{
		meshcop.NewUint8(meshcop.TypeState, meshcop.StateAccept),
		meshcop.NewString(meshcop.TypeVendorName, "OpenThread"),
		meshcop.NewString(meshcop.TypeVendorModel, "TestJoiner"),
		meshcop.NewString(meshcop.TypeVendorSwVersion, "1.0"),
	}.Encode()
	if err != nil {
		t.Fatal(err)
	}

	finCh := make(chan *coap.Message, 1)
	joinerLoop.Post(func() {
		joinerEndpoint.SendRequest(
			coap.NewRequest(coap.Confirmable, coap.CodePost, meshcop.UriJoinerFinalize, finPayload),
			func(rsp *coap.Message, err error) {
				if err != nil {
					t.Errorf("JOIN_FIN: %v", err)
				}
				finCh <- rsp
			})
	})

	var fin *coap.Message
	select {
	case fin = <-finCh:
	case <-ctx.Done():
		t.Fatal("JOIN_FIN timed out")
	}
	if fin == nil {
		t.Fatal("no JOIN_FIN.rsp")
	}
	finTLVs, err := meshcop.Decode(fin.Payload)
	if err != nil {
		t.Fatalf("decoding JOIN_FIN.rsp: %v", err)
	}
	state, err := finTLVs.Find(meshcop.TypeState)
	if err != nil {
		t.Fatal("JOIN_FIN.rsp carries no State TLV")
	}
	if v, _ := state.Uint8(); v != meshcop.StateAccept {
		t.Fatalf("JOIN_FIN.rsp state = %d, expected accept", v)
	}

	// The joiner is commissioned and the KEK reached the Border Agent.
	deadline := time.Now().Add(5 * time.Second)
	for !c.IsJoinerCommissioned(JoinerTypeMeshCoP, eui64) {
		if time.Now().After(deadline) {
			t.Fatal("joiner never marked commissioned")
		}
		time.Sleep(20 * time.Millisecond)
	}

	entrusts := ba.recordedEntrusts()
	if len(entrusts) != 1 {
		t.Fatalf("expected 1 JOIN_ENT, got %d", len(entrusts))
	}
	kek, err := entrusts[0].Find(meshcop.TypeJoinerRouterKek)
	if err != nil {
		t.Fatal("JOIN_ENT carries no KEK")
	}
	if len(kek.Value) != transport.KekLength {
		t.Errorf("KEK length = %d, expected %d", len(kek.Value), transport.KekLength)
	}
}

func TestWildcardFallbackAdmission(t *testing.T) {
	ba, dialer := newBaSim()
	c := newTestCommissioner(t, ba, dialer, func(config *Config) {
		config.RequestTimeout = 5 * time.Second
	})
	petition(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pskd := "J01NME"
	if err := c.EnableAllJoiners(ctx, JoinerTypeMeshCoP, pskd, ""); err != nil {
		t.Fatalf("EnableAllJoiners: %v", err)
	}

	// An arbitrary EUI-64 with no per-EUI entry.
	eui64 := uint64(0x00124B000F7E1234)
	iid := [8]byte(ComputeJoinerId(eui64))
	joinerConn := ba.relayJoiner(iid)

	dtlsConn, err := transport.DialJoiner(ctx, joinerConn, &transport.JoinerSecurity{
		PSKd:             []byte(pskd),
		HandshakeTimeout: 15 * time.Second,
	})
	if err != nil {
		t.Fatalf("wildcard joiner handshake: %v", err)
	}
	defer dtlsConn.Close()

	// The wildcard admitted the joiner, but commissioning is tracked only
	// under the reserved ID.
	if c.IsJoinerCommissioned(JoinerTypeMeshCoP, eui64) {
		t.Error("IsJoinerCommissioned must be false for a wildcard admission")
	}
}
