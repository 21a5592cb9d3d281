// Package aerp_core implements the emergency-alert overlay protocol: a node
// declares an emergency, broadcasts its status on a timer, collects peer
// acknowledgements, tracks emergencies declared by others, and raises
// proximity alerts. The transport below is only assumed to deliver zero or
// more unordered, possibly duplicated datagrams.
package aerp_core

import (
	"encoding/json"
	"sync"
	"time"

	"aerp_core/aemp"
	"aerp_core/config"
	"aerp_core/interfaces"
	"aerp_core/watchdog"

	"github.com/google/uuid"
	"github.com/phuslu/log"
)

type StartResult int

const (
	StartOK StartResult = iota
	StartAlreadyActive
	StartIdentityUnknown
)

// stopWaitBuffer pads the bounded wait for the broadcast loop to observe a
// stop, on top of one broadcast interval.
const stopWaitBuffer = 2 * time.Second

type trackedEmergency struct {
	emergency_id string
	message      string
	gps          *aemp.Position
	battery      *int32
	reported_at  float64 // sender's clock, unix seconds
	last_seen    time.Time
}

// AERP owns the emergency session state machine. A single mutex guards all
// shared state; datagram sends and telemetry fetches always happen outside
// it so transport latency never blocks state transitions.
type AERP struct {
	transport interfaces.IMeshTransport
	cfg       *config.Config

	mu                sync.Mutex
	self_num          aemp.NodeNum
	emergency_active  bool
	active_session_id uuid.UUID
	acknowledgements  map[string]map[aemp.NodeNum]float64 // session id -> node -> ack send time (unix sec)
	tracked           map[aemp.NodeNum]*trackedEmergency
	proximity_alerts  int
	loop_stop         chan struct{}
	loop_done         chan struct{}
}

func NewAERP(transport interfaces.IMeshTransport, cfg *config.Config) *AERP {
	result := new(AERP)
	result.transport = transport
	result.cfg = cfg
	result.acknowledgements = make(map[string]map[aemp.NodeNum]float64)
	result.tracked = make(map[aemp.NodeNum]*trackedEmergency)

	if num, ok := transport.SelfNodeNum(); ok {
		result.self_num = num
		log.Info().Str("node", num.Format()).Msg("aerp initialized")
	} else {
		log.Warn().Msg("node identity not yet available, will retry on connection")
	}
	return result
}

// SelfNodeNum reports the currently resolved local identity.
func (a *AERP) SelfNodeNum() aemp.NodeNum {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self_num
}

// StartEmergency opens a new emergency session and spawns its broadcast
// loop. At most one session may be active; a second start reports
// StartAlreadyActive and leaves the existing session untouched. An unknown
// identity is re-queried once before failing.
func (a *AERP) StartEmergency() StartResult {
	a.mu.Lock()
	if a.emergency_active {
		a.mu.Unlock()
		log.Warn().Msg("emergency broadcast is already active")
		return StartAlreadyActive
	}

	if a.self_num == aemp.NodeUnknown {
		a.mu.Unlock()
		num, ok := a.transport.SelfNodeNum()
		a.mu.Lock()
		if a.emergency_active { // raced with another start
			a.mu.Unlock()
			return StartAlreadyActive
		}
		if !ok {
			a.mu.Unlock()
			log.Error().Msg("cannot start emergency: node identity unknown")
			return StartIdentityUnknown
		}
		a.self_num = num
	}

	session := uuid.New()
	a.emergency_active = true
	a.active_session_id = session
	a.acknowledgements[session.String()] = make(map[aemp.NodeNum]float64)
	a.loop_stop = make(chan struct{})
	a.loop_done = make(chan struct{})
	stop, done := a.loop_stop, a.loop_done
	a.mu.Unlock()

	log.Warn().Str("session", session.String()).Msg("EMERGENCY BROADCAST STARTED")
	log.Info().Uint16("port", a.cfg.EmergencyPort).Int("interval_sec", a.cfg.IntervalSec).Msg("broadcasting")

	watchdog.CountLoopStart()
	go a.broadcastLoop(session, stop, done)
	return StartOK
}

// StopEmergency flips the session inactive, waits a bounded time for the
// broadcast loop to exit and, when send_clear is set and identity is known,
// broadcasts one trailing all-clear for the stopped session. Returns whether
// a session was active. Acknowledgements for the stopped session are kept
// for inspection until the janitor ages them out.
func (a *AERP) StopEmergency(send_clear bool) bool {
	a.mu.Lock()
	if !a.emergency_active {
		a.mu.Unlock()
		log.Info().Msg("emergency broadcast is not currently active")
		return false
	}
	a.emergency_active = false
	cleared := a.active_session_id
	a.active_session_id = uuid.Nil
	stop, done := a.loop_stop, a.loop_done
	a.loop_stop, a.loop_done = nil, nil
	identity_known := a.self_num != aemp.NodeUnknown
	a.mu.Unlock()

	log.Warn().Str("session", cleared.String()).Msg("EMERGENCY BROADCAST STOPPING")

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-time.After(a.cfg.Interval() + stopWaitBuffer):
			// abandoned, not killed; handlers ignore its stale session id
			log.Warn().Str("session", cleared.String()).Msg("broadcast loop did not stop within timeout")
		}
	}

	if send_clear {
		if identity_known {
			a.sendClearMessage(cleared.String())
		} else {
			log.Warn().Msg("cannot send CLEAR: node identity unknown")
		}
	}
	return true
}

// sendClearMessage broadcasts one all-clear datagram, fire and forget.
func (a *AERP) sendClearMessage(session_id string) {
	a.mu.Lock()
	self := a.self_num
	a.mu.Unlock()

	if self == aemp.NodeUnknown {
		log.Error().Msg("cannot send CLEAR: node identity unknown")
		return
	}
	if session_id == "" {
		log.Error().Msg("cannot send CLEAR: no session id")
		return
	}

	payload, err := json.Marshal(aemp.Clear{
		Type:        aemp.MsgTypeClear,
		Sender:      self,
		EmergencyID: session_id,
		Timestamp:   unixNow(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode CLEAR")
		return
	}

	log.Info().Str("session", session_id).Uint16("port", a.cfg.EmergencyPort).Msg("sending ALL CLEAR")
	if !a.transport.TrySendBroadcast(a.cfg.EmergencyPort, payload) {
		log.Error().Str("session", session_id).Msg("failed to send CLEAR")
	}
}

// broadcastLoop is the per-session sender. Each tick runs in its own fault
// boundary, so an encode failure or a panic inside a transport call costs at
// most that tick; the loop itself only exits when the session stops.
func (a *AERP) broadcastLoop(session uuid.UUID, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer watchdog.CountLoopExit()

	session_id := session.String()
	log.Debug().Str("session", session_id).Msg("broadcast loop started")

	for {
		if !a.sessionLive(session) {
			log.Debug().Str("session", session_id).Msg("broadcast loop exiting")
			return
		}

		a.broadcastTick(session, session_id)

		select {
		case <-stop:
			return
		case <-time.After(a.cfg.Interval()):
		}
	}
}

// broadcastTick gathers telemetry, encodes one emergency datagram and sends
// it. Session liveness is re-checked immediately before the transmit so a
// stop issued mid-tick suppresses the send.
func (a *AERP) broadcastTick(session uuid.UUID, session_id string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("session", session_id).Msg("broadcast tick fault")
		}
	}()

	// best-effort telemetry, gathered outside the lock
	var gps *aemp.Position
	if pos, ok := a.transport.SelfPosition(); ok {
		gps = &pos
	} else {
		log.Warn().Msg("no position available for emergency message")
	}
	var battery *int32
	if level, ok := a.transport.SelfBattery(); ok {
		battery = &level
	} else {
		log.Warn().Msg("no battery level available for emergency message")
	}

	a.mu.Lock()
	self := a.self_num
	a.mu.Unlock()

	payload, err := json.Marshal(aemp.Emergency{
		Type:        aemp.MsgTypeEmergency,
		Sender:      self,
		EmergencyID: session_id,
		Message:     a.cfg.Message,
		GPS:         gps,
		Battery:     battery,
		Timestamp:   unixNow(),
	})
	if err != nil {
		log.Error().Err(err).Str("session", session_id).Msg("failed to encode EMERGENCY, skipping tick")
		return
	}

	if !a.sessionLive(session) {
		return
	}
	log.Info().Str("session", session_id).Uint16("port", a.cfg.EmergencyPort).Msg("sending emergency broadcast")
	if !a.transport.TrySendBroadcast(a.cfg.EmergencyPort, payload) {
		log.Warn().Str("session", session_id).Msg("emergency broadcast send failed")
	}
}

func (a *AERP) sessionLive(session uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emergency_active && a.active_session_id == session
}

// OnConnectionChange reacts to transport link transitions. On connect the
// identity is re-resolved (the transport may need a moment to learn it); on
// disconnect any active session is force-stopped without a clear, since the
// mesh is presumed unreachable, and identity resets to unknown.
func (a *AERP) OnConnectionChange(connected bool) {
	if connected {
		log.Info().Msg("mesh transport connected")
		for attempt := 0; attempt < 10; attempt++ {
			if num, ok := a.transport.SelfNodeNum(); ok {
				a.mu.Lock()
				a.self_num = num
				a.mu.Unlock()
				log.Info().Str("node", num.Format()).Msg("node identity resolved")
				return
			}
			time.Sleep(200 * time.Millisecond)
		}
		log.Warn().Msg("node identity still unknown after connect")
		return
	}

	log.Warn().Msg("mesh transport disconnected")
	a.StopEmergency(false)
	a.mu.Lock()
	a.self_num = aemp.NodeUnknown
	a.mu.Unlock()
	log.Info().Msg("node identity reset due to disconnection")
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
