package aemp

import (
	"encoding/json"
)

// AERP message type tags. All nodes of a group must agree on these; the
// prefix keeps them from colliding with other JSON traffic on shared ports.
const (
	MsgTypeEmergency = "AERP_EMERGENCY"
	MsgTypeAck       = "AERP_ACK"
	MsgTypeClear     = "AERP_CLEAR"
)

// PositionPort is the well-known port for standard position reports.
const PositionPort uint16 = 1

type Position struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

type Emergency struct {
	Type        string    `json:"type"`
	Sender      NodeNum   `json:"user_node_num"`
	EmergencyID string    `json:"emergency_id"`
	Message     string    `json:"message"`
	GPS         *Position `json:"gps,omitempty"`
	Battery     *int32    `json:"battery,omitempty"`
	Timestamp   float64   `json:"timestamp"`
}

// Ack carries no sender field; the transport envelope identifies the sender.
type Ack struct {
	Type        string  `json:"type"`
	EmergencyID string  `json:"emergency_id"`
	Timestamp   float64 `json:"timestamp"`
}

type Clear struct {
	Type        string  `json:"type"`
	Sender      NodeNum `json:"user_node_num"`
	EmergencyID string  `json:"emergency_id"`
	Timestamp   float64 `json:"timestamp"`
}

// Datagram is the transport-agnostic view of one received packet.
// From is NodeUnknown when the transport could not identify the sender.
type Datagram struct {
	Port    uint16
	From    NodeNum
	To      NodeNum
	Payload []byte
}

type head struct {
	Type string `json:"type"`
}

// DecodeType extracts the AERP message type tag from a raw payload.
// Payloads that are not JSON objects, or that carry no type tag, report ok=false.
func DecodeType(payload []byte) (string, bool) {
	var h head
	if err := json.Unmarshal(payload, &h); err != nil {
		return "", false
	}
	if h.Type == "" {
		return "", false
	}
	return h.Type, true
}

func DecodeEmergency(payload []byte) (*Emergency, error) {
	result := new(Emergency)
	if err := json.Unmarshal(payload, result); err != nil {
		return nil, err
	}
	return result, nil
}

func DecodeAck(payload []byte) (*Ack, error) {
	result := new(Ack)
	if err := json.Unmarshal(payload, result); err != nil {
		return nil, err
	}
	return result, nil
}

func DecodeClear(payload []byte) (*Clear, error) {
	result := new(Clear)
	if err := json.Unmarshal(payload, result); err != nil {
		return nil, err
	}
	return result, nil
}
