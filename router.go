package aerp_core

import (
	"encoding/json"
	"math"
	"time"

	"aerp_core/aemp"
	"aerp_core/geo"

	"github.com/phuslu/log"
)

// HandleDatagram classifies one received datagram and dispatches it.
// Malformed payloads and self-authored datagrams are dropped. Every datagram,
// AERP or not, is additionally inspected for an embedded location to drive
// proximity alerting. Handlers are idempotent: the transport may duplicate.
func (a *AERP) HandleDatagram(dg aemp.Datagram) {
	if len(dg.Payload) == 0 {
		return
	}

	a.mu.Lock()
	self := a.self_num
	a.mu.Unlock()
	if dg.From != aemp.NodeUnknown && dg.From == self {
		return
	}

	if dg.Port == a.cfg.EmergencyPort {
		msg_type, ok := aemp.DecodeType(dg.Payload)
		if !ok {
			log.Info().Str("from", dg.From.Format()).Uint16("port", dg.Port).Msg("non-AERP data on AERP port")
		} else {
			switch msg_type {
			case aemp.MsgTypeEmergency:
				a.handleEmergency(dg.From, dg.Payload)
			case aemp.MsgTypeAck:
				a.handleAck(dg.From, dg.Payload)
			case aemp.MsgTypeClear:
				a.handleClear(dg.From, dg.Payload)
			default:
				log.Debug().Str("from", dg.From.Format()).Str("type", msg_type).Msg("unknown message type on AERP port")
			}
		}
	}

	// proximity alerting works off any packet carrying coordinates, AERP or not
	if lat, lon, ok := aemp.ExtractLocation(dg.Port, dg.Payload); ok {
		a.checkAlertRadius(dg.From, lat, lon)
	}
}

// handleEmergency overwrites the tracked record for the sender (one record
// per peer, last write wins) and acknowledges the received session id.
func (a *AERP) handleEmergency(from aemp.NodeNum, payload []byte) {
	msg, err := aemp.DecodeEmergency(payload)
	if err != nil {
		log.Info().Str("from", from.Format()).Err(err).Msg("undecodable EMERGENCY payload")
		return
	}
	reported_at := msg.Timestamp
	if reported_at == 0 {
		reported_at = unixNow()
	}

	log.Warn().
		Str("from", from.Format()).
		Str("session", msg.EmergencyID).
		Str("message", msg.Message).
		Msg("EMERGENCY MESSAGE RECEIVED")
	if msg.GPS != nil {
		log.Warn().Float64("lat", msg.GPS.Latitude).Float64("lon", msg.GPS.Longitude).Msg("emergency position")
	}
	if msg.Battery != nil {
		log.Warn().Int("battery", int(*msg.Battery)).Msg("emergency battery level")
	}

	a.mu.Lock()
	a.tracked[from] = &trackedEmergency{
		emergency_id: msg.EmergencyID,
		message:      msg.Message,
		gps:          msg.GPS,
		battery:      msg.Battery,
		reported_at:  reported_at,
		last_seen:    time.Now(),
	}
	a.mu.Unlock()

	if msg.EmergencyID == "" {
		log.Warn().Str("from", from.Format()).Msg("emergency without session id, cannot acknowledge")
		return
	}
	a.sendAcknowledgement(from, msg.EmergencyID)
}

// handleAck records or refreshes one peer's acknowledgement of a session
// this node started. Acks for unknown session ids are expected in normal
// multi-node operation (another node's session, or one already forgotten).
func (a *AERP) handleAck(from aemp.NodeNum, payload []byte) {
	msg, err := aemp.DecodeAck(payload)
	if err != nil {
		log.Info().Str("from", from.Format()).Err(err).Msg("undecodable ACK payload")
		return
	}
	acked_at := msg.Timestamp
	if acked_at == 0 {
		acked_at = unixNow()
	}

	a.mu.Lock()
	nodes, ok := a.acknowledgements[msg.EmergencyID]
	if ok {
		_, refreshed := nodes[from]
		nodes[from] = acked_at
		a.mu.Unlock()
		if refreshed {
			log.Debug().Str("from", from.Format()).Str("session", msg.EmergencyID).Msg("acknowledgement refreshed")
		} else {
			log.Info().Str("from", from.Format()).Str("session", msg.EmergencyID).Msg("acknowledgement received")
		}
		return
	}
	a.mu.Unlock()
	log.Debug().Str("from", from.Format()).Str("session", msg.EmergencyID).Msg("ack for unknown or stale session")
}

// handleClear removes the tracked emergency for the sender. A session id
// mismatch is logged but the record is removed anyway; a peer's newest
// statement about its own emergency wins. The acknowledgement table is never
// touched here: acks concern sessions this node authored, clears concern
// sessions others authored.
func (a *AERP) handleClear(from aemp.NodeNum, payload []byte) {
	msg, err := aemp.DecodeClear(payload)
	if err != nil {
		log.Info().Str("from", from.Format()).Err(err).Msg("undecodable CLEAR payload")
		return
	}

	log.Info().Str("from", from.Format()).Str("session", msg.EmergencyID).Msg("ALL CLEAR received")

	a.mu.Lock()
	record, ok := a.tracked[from]
	if ok {
		if record.emergency_id != "" && record.emergency_id != msg.EmergencyID {
			log.Warn().
				Str("from", from.Format()).
				Str("clear_session", msg.EmergencyID).
				Str("tracked_session", record.emergency_id).
				Msg("clear session id differs from tracked, removing anyway")
		}
		delete(a.tracked, from)
	}
	a.mu.Unlock()

	if !ok {
		log.Info().Str("from", from.Format()).Msg("clear received but no emergency was tracked")
	}
}

// sendAcknowledgement sends an ack directly back to the emergency sender.
func (a *AERP) sendAcknowledgement(dest aemp.NodeNum, session_id string) {
	a.mu.Lock()
	self := a.self_num
	a.mu.Unlock()

	if self == aemp.NodeUnknown {
		log.Error().Msg("cannot send ACK: node identity unknown")
		return
	}
	if dest == aemp.NodeUnknown {
		log.Error().Msg("cannot send ACK: destination unknown")
		return
	}

	payload, err := json.Marshal(aemp.Ack{
		Type:        aemp.MsgTypeAck,
		EmergencyID: session_id,
		Timestamp:   unixNow(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode ACK")
		return
	}

	log.Info().Str("to", dest.Format()).Str("session", session_id).Msg("sending ACK")
	if !a.transport.TrySendDirect(a.cfg.EmergencyPort, dest, payload) {
		log.Warn().Str("to", dest.Format()).Str("session", session_id).Msg("failed to send ACK")
	}
}

// checkAlertRadius raises a proximity alert when a peer's reported position
// is within the configured radius of this node. Purely observational: it
// never mutates protocol state. Reports whether an alert was raised.
func (a *AERP) checkAlertRadius(from aemp.NodeNum, lat float64, lon float64) bool {
	radius := a.cfg.AlertRadiusM
	if radius <= 0 {
		return false
	}

	self_pos, ok := a.transport.SelfPosition()
	if !ok {
		log.Debug().Msg("cannot check alert radius: own position unknown")
		return false
	}

	distance := geo.Distance(self_pos.Latitude, self_pos.Longitude, lat, lon)
	if math.IsInf(distance, 1) {
		log.Debug().Str("from", from.Format()).Msg("distance calculation failed")
		return false
	}
	log.Debug().Str("from", from.Format()).Float64("distance_m", distance).Msg("distance to peer")

	if distance > radius {
		return false
	}
	log.Warn().
		Str("from", from.Format()).
		Float64("distance_m", distance).
		Float64("radius_m", radius).
		Msg("PROXIMITY ALERT: node within alert radius")

	a.mu.Lock()
	a.proximity_alerts++
	a.mu.Unlock()
	return true
}
