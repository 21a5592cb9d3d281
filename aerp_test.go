package aerp_core

import (
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"aerp_core/aemp"
	"aerp_core/config"
)

// VirtualTransport implements interfaces.IMeshTransport in memory. Sends are
// recorded, and when wired into a VirtualMesh they are delivered
// synchronously to every other node's core.
type VirtualTransport struct {
	mu         sync.Mutex
	node       aemp.NodeNum
	identified bool
	position   *aemp.Position
	battery    *int32
	send_fail  bool
	send_panic bool

	broadcasts []aemp.Datagram
	directs    []aemp.Datagram

	mesh *VirtualMesh
}

func NewVirtualTransport(node aemp.NodeNum) *VirtualTransport {
	return &VirtualTransport{node: node, identified: node != aemp.NodeUnknown}
}

func (t *VirtualTransport) TrySendBroadcast(port uint16, payload []byte) bool {
	t.mu.Lock()
	if t.send_panic {
		t.mu.Unlock()
		panic("virtual transport fault")
	}
	if t.send_fail {
		t.mu.Unlock()
		return false
	}
	dg := aemp.Datagram{Port: port, From: t.node, Payload: payload}
	t.broadcasts = append(t.broadcasts, dg)
	mesh := t.mesh
	t.mu.Unlock()

	if mesh != nil {
		mesh.deliver(t.node, dg)
	}
	return true
}

func (t *VirtualTransport) TrySendDirect(port uint16, dest aemp.NodeNum, payload []byte) bool {
	t.mu.Lock()
	if t.send_fail {
		t.mu.Unlock()
		return false
	}
	dg := aemp.Datagram{Port: port, From: t.node, To: dest, Payload: payload}
	t.directs = append(t.directs, dg)
	mesh := t.mesh
	t.mu.Unlock()

	if mesh != nil {
		mesh.deliver(t.node, dg)
	}
	return true
}

func (t *VirtualTransport) SelfNodeNum() (aemp.NodeNum, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.node, t.identified
}

func (t *VirtualTransport) SelfPosition() (aemp.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.position == nil {
		return aemp.Position{}, false
	}
	return *t.position, true
}

func (t *VirtualTransport) SelfBattery() (int32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.battery == nil {
		return 0, false
	}
	return *t.battery, true
}

func (t *VirtualTransport) BroadcastCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.broadcasts)
}

func (t *VirtualTransport) LastBroadcast() (aemp.Datagram, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.broadcasts) == 0 {
		return aemp.Datagram{}, false
	}
	return t.broadcasts[len(t.broadcasts)-1], true
}

// VirtualMesh delivers datagrams between cores: broadcasts reach everyone,
// direct sends reach only their destination. The sender's own core also sees
// its broadcasts, which exercises the self-loop exclusion.
type VirtualMesh struct {
	mu    sync.Mutex
	cores map[aemp.NodeNum]*AERP
}

func NewVirtualMesh() *VirtualMesh {
	return &VirtualMesh{cores: make(map[aemp.NodeNum]*AERP)}
}

func (m *VirtualMesh) Attach(t *VirtualTransport, core *AERP) {
	m.mu.Lock()
	m.cores[t.node] = core
	m.mu.Unlock()
	t.mu.Lock()
	t.mesh = m
	t.mu.Unlock()
}

func (m *VirtualMesh) deliver(from aemp.NodeNum, dg aemp.Datagram) {
	m.mu.Lock()
	targets := make([]*AERP, 0, len(m.cores))
	for node, core := range m.cores {
		if dg.To != aemp.NodeUnknown && dg.To != node {
			continue
		}
		if dg.To == aemp.NodeUnknown && node == from {
			continue // radio broadcast is not echoed back by the link layer
		}
		targets = append(targets, core)
	}
	m.mu.Unlock()

	for _, core := range targets {
		core.HandleDatagram(dg)
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.IntervalSec = 1
	cfg.AckTimeoutSec = 300
	cfg.AlertRadiusM = 1000
	return cfg
}

func stopAll(a *AERP) {
	a.StopEmergency(false)
}

func TestStartWhileActiveFails(t *testing.T) {
	a := NewAERP(NewVirtualTransport(0x11), testConfig())
	defer stopAll(a)

	if a.StartEmergency() != StartOK {
		t.Fatal("first start must succeed")
	}
	first := a.Status().ActiveSessionID

	if a.StartEmergency() != StartAlreadyActive {
		t.Fatal("second start must report already active")
	}
	if a.Status().ActiveSessionID != first {
		t.Fatal("second start must not change the session id")
	}
}

func TestStartWithUnknownIdentityFails(t *testing.T) {
	a := NewAERP(NewVirtualTransport(aemp.NodeUnknown), testConfig())
	if a.StartEmergency() != StartIdentityUnknown {
		t.Fatal("start without identity must fail")
	}
	if a.Status().EmergencyActive {
		t.Fatal("failed start must not activate a session")
	}
}

func TestStopWhenInactiveIsNoop(t *testing.T) {
	transport := NewVirtualTransport(0x11)
	a := NewAERP(transport, testConfig())
	if a.StopEmergency(true) {
		t.Fatal("stop without active session must return false")
	}
	if transport.BroadcastCount() != 0 {
		t.Fatal("idle stop must not transmit")
	}
}

func TestStopSendsClearForStoppedSession(t *testing.T) {
	transport := NewVirtualTransport(0x11)
	a := NewAERP(transport, testConfig())

	if a.StartEmergency() != StartOK {
		t.Fatal("start failed")
	}
	session := a.Status().ActiveSessionID

	if !a.StopEmergency(true) {
		t.Fatal("stop must report the session was active")
	}
	last, ok := transport.LastBroadcast()
	if !ok {
		t.Fatal("no datagram transmitted")
	}
	clear_msg, err := aemp.DecodeClear(last.Payload)
	if err != nil || clear_msg.Type != aemp.MsgTypeClear {
		t.Fatal("last transmission must be a CLEAR")
	}
	if clear_msg.EmergencyID != session {
		t.Fatal("CLEAR must carry the stopped session id")
	}
}

func ackPayload(t *testing.T, session string, ts float64) []byte {
	t.Helper()
	raw, err := json.Marshal(aemp.Ack{Type: aemp.MsgTypeAck, EmergencyID: session, Timestamp: ts})
	if err != nil {
		t.Fatal(err.Error())
	}
	return raw
}

func emergencyPayload(t *testing.T, sender aemp.NodeNum, session string, gps *aemp.Position) []byte {
	t.Helper()
	raw, err := json.Marshal(aemp.Emergency{
		Type:        aemp.MsgTypeEmergency,
		Sender:      sender,
		EmergencyID: session,
		Message:     "help",
		GPS:         gps,
		Timestamp:   unixNow(),
	})
	if err != nil {
		t.Fatal(err.Error())
	}
	return raw
}

func TestAckForUnknownSessionIsDropped(t *testing.T) {
	cfg := testConfig()
	a := NewAERP(NewVirtualTransport(0x11), cfg)
	defer stopAll(a)

	if a.StartEmergency() != StartOK {
		t.Fatal("start failed")
	}
	a.HandleDatagram(aemp.Datagram{
		Port:    cfg.EmergencyPort,
		From:    0x22,
		Payload: ackPayload(t, "someone-elses-session", unixNow()),
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.acknowledgements) != 1 {
		t.Fatal("foreign ack must not create a session entry")
	}
	for _, nodes := range a.acknowledgements {
		if len(nodes) != 0 {
			t.Fatal("foreign ack must not be recorded")
		}
	}
}

func TestAckRefreshNotAccumulation(t *testing.T) {
	cfg := testConfig()
	a := NewAERP(NewVirtualTransport(0x11), cfg)
	defer stopAll(a)

	if a.StartEmergency() != StartOK {
		t.Fatal("start failed")
	}
	session := a.Status().ActiveSessionID

	a.HandleDatagram(aemp.Datagram{Port: cfg.EmergencyPort, From: 0x22, Payload: ackPayload(t, session, 100.0)})
	a.HandleDatagram(aemp.Datagram{Port: cfg.EmergencyPort, From: 0x22, Payload: ackPayload(t, session, 200.0)})

	a.mu.Lock()
	nodes := a.acknowledgements[session]
	if len(nodes) != 1 {
		a.mu.Unlock()
		t.Fatal("duplicate acks must refresh, not accumulate")
	}
	if nodes[0x22] != 200.0 {
		a.mu.Unlock()
		t.Fatal("refresh must keep the latest timestamp")
	}
	a.mu.Unlock()
}

func TestSelfLoopExclusion(t *testing.T) {
	cfg := testConfig()
	a := NewAERP(NewVirtualTransport(0x11), cfg)

	a.HandleDatagram(aemp.Datagram{
		Port:    cfg.EmergencyPort,
		From:    0x11,
		Payload: emergencyPayload(t, 0x11, "self-session", nil),
	})

	if len(a.Status().TrackedEmergencies) != 0 {
		t.Fatal("datagram from self must never reach a handler")
	}
}

func TestMalformedPayloadIsIgnored(t *testing.T) {
	cfg := testConfig()
	a := NewAERP(NewVirtualTransport(0x11), cfg)

	a.HandleDatagram(aemp.Datagram{Port: cfg.EmergencyPort, From: 0x22, Payload: []byte{0xff, 0x00, 0x13}})
	a.HandleDatagram(aemp.Datagram{Port: cfg.EmergencyPort, From: 0x22, Payload: []byte(`{"type":"AERP_UNKNOWN"}`)})
	a.HandleDatagram(aemp.Datagram{Port: cfg.EmergencyPort, From: 0x22})

	if len(a.Status().TrackedEmergencies) != 0 {
		t.Fatal("malformed datagrams must not mutate state")
	}
}

func TestEmergencyOverwritesTrackedRecord(t *testing.T) {
	cfg := testConfig()
	a := NewAERP(NewVirtualTransport(0x11), cfg)

	a.HandleDatagram(aemp.Datagram{Port: cfg.EmergencyPort, From: 0x22, Payload: emergencyPayload(t, 0x22, "first", nil)})
	a.HandleDatagram(aemp.Datagram{Port: cfg.EmergencyPort, From: 0x22, Payload: emergencyPayload(t, 0x22, "second", nil)})

	status := a.Status()
	if len(status.TrackedEmergencies) != 1 {
		t.Fatal("one record per peer, last write wins")
	}
	record := status.TrackedEmergencies[aemp.NodeNum(0x22).Format()]
	if record.EmergencyID != "second" {
		t.Fatal("newer emergency must replace the older record")
	}
}

func TestClearRemovesTrackedEvenOnSessionMismatch(t *testing.T) {
	cfg := testConfig()
	a := NewAERP(NewVirtualTransport(0x11), cfg)

	a.HandleDatagram(aemp.Datagram{Port: cfg.EmergencyPort, From: 0x22, Payload: emergencyPayload(t, 0x22, "tracked-id", nil)})
	if len(a.Status().TrackedEmergencies) != 1 {
		t.Fatal("emergency not tracked")
	}

	clear_raw, err := json.Marshal(aemp.Clear{Type: aemp.MsgTypeClear, Sender: 0x22, EmergencyID: "different-id", Timestamp: unixNow()})
	if err != nil {
		t.Fatal(err.Error())
	}
	a.HandleDatagram(aemp.Datagram{Port: cfg.EmergencyPort, From: 0x22, Payload: clear_raw})

	if len(a.Status().TrackedEmergencies) != 0 {
		t.Fatal("clear must remove the record even when session ids differ")
	}
}

func TestSweepExpiry(t *testing.T) {
	cfg := testConfig()
	a := NewAERP(NewVirtualTransport(0x11), cfg)
	defer stopAll(a)

	if a.StartEmergency() != StartOK {
		t.Fatal("start failed")
	}
	session := a.Status().ActiveSessionID

	now := time.Now()
	now_unix := float64(now.UnixNano()) / 1e9
	stale := now_unix - float64(cfg.AckTimeoutSec) - 10
	fresh := now_unix - 1

	a.mu.Lock()
	a.acknowledgements[session][0x22] = stale
	a.acknowledgements[session][0x33] = fresh
	a.acknowledgements["finished-session"] = map[aemp.NodeNum]float64{} // empty, inactive
	a.tracked[0x44] = &trackedEmergency{
		emergency_id: "old",
		last_seen:    now.Add(-cfg.ReceivedEmergencyTimeout() - time.Minute),
	}
	a.tracked[0x55] = &trackedEmergency{emergency_id: "new", last_seen: now}
	a.mu.Unlock()

	a.sweepStale(now)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.acknowledgements[session][0x22]; ok {
		t.Fatal("stale ack must be swept")
	}
	if _, ok := a.acknowledgements[session][0x33]; !ok {
		t.Fatal("fresh ack must survive the sweep")
	}
	if _, ok := a.acknowledgements["finished-session"]; ok {
		t.Fatal("empty inactive session key must be pruned")
	}
	if _, ok := a.acknowledgements[session]; !ok {
		t.Fatal("active session key must never be pruned")
	}
	if _, ok := a.tracked[0x44]; ok {
		t.Fatal("stale tracked emergency must be swept")
	}
	if _, ok := a.tracked[0x55]; !ok {
		t.Fatal("fresh tracked emergency must survive the sweep")
	}
}

func TestProximityAlertRadius(t *testing.T) {
	cfg := testConfig()
	transport := NewVirtualTransport(0x11)
	transport.position = &aemp.Position{Latitude: 0, Longitude: 0}
	a := NewAERP(transport, cfg)

	// peer ~1113m east of self
	cfg.AlertRadiusM = 1500
	if !a.checkAlertRadius(0x22, 0, 0.01) {
		t.Fatal("peer inside radius must raise an alert")
	}
	cfg.AlertRadiusM = 500
	if a.checkAlertRadius(0x22, 0, 0.01) {
		t.Fatal("peer outside radius must not alert")
	}
	cfg.AlertRadiusM = 0
	if a.checkAlertRadius(0x22, 0, 0.01) {
		t.Fatal("radius 0 disables the feature")
	}
	cfg.AlertRadiusM = 1500
	if a.checkAlertRadius(0x22, 95, 0.01) {
		t.Fatal("invalid peer coordinates must never alert")
	}

	transport.mu.Lock()
	transport.position = nil
	transport.mu.Unlock()
	if a.checkAlertRadius(0x22, 0, 0.01) {
		t.Fatal("unknown self position must never alert")
	}
}

func TestBroadcastLoopSurvivesEncodeFailure(t *testing.T) {
	transport := NewVirtualTransport(0x11)
	transport.position = &aemp.Position{Latitude: math.NaN(), Longitude: 0}
	a := NewAERP(transport, testConfig())
	defer stopAll(a)

	if a.StartEmergency() != StartOK {
		t.Fatal("start failed")
	}

	time.Sleep(200 * time.Millisecond)
	if transport.BroadcastCount() != 0 {
		t.Fatal("unencodable telemetry must not produce a broadcast")
	}
	if !a.Status().EmergencyActive {
		t.Fatal("encode failure must not end the session")
	}

	transport.mu.Lock()
	transport.position = &aemp.Position{Latitude: 1, Longitude: 2}
	transport.mu.Unlock()
	waitFor(t, "broadcasting to resume after telemetry recovers", func() bool {
		return transport.BroadcastCount() > 0
	})
}

func TestBroadcastLoopSurvivesSendPanic(t *testing.T) {
	transport := NewVirtualTransport(0x11)
	transport.send_panic = true
	a := NewAERP(transport, testConfig())
	defer stopAll(a)

	if a.StartEmergency() != StartOK {
		t.Fatal("start failed")
	}

	time.Sleep(200 * time.Millisecond)
	if !a.Status().EmergencyActive {
		t.Fatal("transport panic must not end the session")
	}

	transport.mu.Lock()
	transport.send_panic = false
	transport.mu.Unlock()
	waitFor(t, "broadcasting to resume after the transport recovers", func() bool {
		return transport.BroadcastCount() > 0
	})
}

func TestProximityAlertFromDatagrams(t *testing.T) {
	cfg := testConfig()
	cfg.AlertRadiusM = 1500
	transport := NewVirtualTransport(0x11)
	transport.position = &aemp.Position{Latitude: 0, Longitude: 0}
	a := NewAERP(transport, cfg)

	// standard position report from a peer ~1113m east
	a.HandleDatagram(aemp.Datagram{
		Port:    aemp.PositionPort,
		From:    0x22,
		Payload: []byte(`{"latitudeI":0,"longitudeI":100000}`),
	})
	if a.Status().ProximityAlerts != 1 {
		t.Fatal("position report inside the radius must raise an alert")
	}

	// gps-bearing emergency on the AERP port both tracks and alerts
	a.HandleDatagram(aemp.Datagram{
		Port:    cfg.EmergencyPort,
		From:    0x33,
		Payload: emergencyPayload(t, 0x33, "nearby", &aemp.Position{Latitude: 0, Longitude: 0.005}),
	})
	status := a.Status()
	if status.ProximityAlerts != 2 {
		t.Fatal("emergency with embedded gps inside the radius must raise an alert")
	}
	if len(status.TrackedEmergencies) != 1 {
		t.Fatal("the emergency must also be tracked")
	}

	// a peer well outside the radius raises nothing
	a.HandleDatagram(aemp.Datagram{
		Port:    aemp.PositionPort,
		From:    0x22,
		Payload: []byte(`{"latitude":0,"longitude":1.0}`),
	})
	if a.Status().ProximityAlerts != 2 {
		t.Fatal("position outside the radius must not raise an alert")
	}
}

func TestDisconnectForceStopsWithoutClear(t *testing.T) {
	transport := NewVirtualTransport(0x11)
	a := NewAERP(transport, testConfig())

	if a.StartEmergency() != StartOK {
		t.Fatal("start failed")
	}
	sent_before := transport.BroadcastCount()

	transport.mu.Lock()
	transport.identified = false
	transport.mu.Unlock()
	a.OnConnectionChange(false)

	status := a.Status()
	if status.EmergencyActive {
		t.Fatal("disconnect must stop the active session")
	}
	if status.SelfID != "Unknown" {
		t.Fatal("disconnect must reset identity")
	}
	last, ok := transport.LastBroadcast()
	if ok && transport.BroadcastCount() > sent_before {
		if msg_type, decoded := aemp.DecodeType(last.Payload); decoded && msg_type == aemp.MsgTypeClear {
			t.Fatal("disconnect stop must not send a CLEAR")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + what)
}

func TestEndToEndEmergencyAckClear(t *testing.T) {
	cfg_a := testConfig()
	cfg_b := testConfig()
	mesh := NewVirtualMesh()

	transport_a := NewVirtualTransport(0xa1)
	transport_b := NewVirtualTransport(0xb2)
	node_a := NewAERP(transport_a, cfg_a)
	node_b := NewAERP(transport_b, cfg_b)
	mesh.Attach(transport_a, node_a)
	mesh.Attach(transport_b, node_b)
	defer stopAll(node_a)

	if node_a.StartEmergency() != StartOK {
		t.Fatal("start failed")
	}
	session := node_a.Status().ActiveSessionID

	// B tracks A's emergency under A's node id
	waitFor(t, "B to track A's emergency", func() bool {
		record, ok := node_b.Status().TrackedEmergencies[aemp.NodeNum(0xa1).Format()]
		return ok && record.EmergencyID == session
	})

	// B's auto-ack lands in A's table for the active session
	waitFor(t, "A to record B's ack", func() bool {
		_, ok := node_a.Status().Acknowledgements[aemp.NodeNum(0xb2).Format()]
		return ok
	})

	if !node_a.StopEmergency(true) {
		t.Fatal("stop failed")
	}
	waitFor(t, "B to drop the tracked emergency on clear", func() bool {
		return len(node_b.Status().TrackedEmergencies) == 0
	})
}
