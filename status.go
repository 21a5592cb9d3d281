package aerp_core

import (
	"time"

	"aerp_core/aemp"
)

const statusTimeFormat = "2006-01-02 15:04:05"

// TrackedStatus is one peer's emergency as seen by this node.
type TrackedStatus struct {
	EmergencyID string
	Message     string
	GPS         *aemp.Position
	Battery     *int32
	ReceivedAt  string
	LastSeen    string
}

// Snapshot is a read-only copy of the protocol state for presentation.
// Acknowledgements covers the currently active session only.
type Snapshot struct {
	SelfID             string
	EmergencyActive    bool
	ActiveSessionID    string
	Acknowledgements   map[string]string        // formatted node id -> ack time
	TrackedEmergencies map[string]TrackedStatus // formatted node id -> record
	ProximityAlerts    int                      // alerts raised since startup
}

// Status builds an immutable snapshot. All containers are copied under the
// lock; callers may retain the result without further synchronization.
func (a *AERP) Status() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := Snapshot{
		SelfID:             a.self_num.Format(),
		EmergencyActive:    a.emergency_active,
		Acknowledgements:   make(map[string]string),
		TrackedEmergencies: make(map[string]TrackedStatus, len(a.tracked)),
		ProximityAlerts:    a.proximity_alerts,
	}

	if a.emergency_active {
		result.ActiveSessionID = a.active_session_id.String()
		if nodes, ok := a.acknowledgements[result.ActiveSessionID]; ok {
			for node, acked_at := range nodes {
				result.Acknowledgements[node.Format()] = formatUnix(acked_at)
			}
		}
	}

	for node, record := range a.tracked {
		var gps *aemp.Position
		if record.gps != nil {
			gps_copy := *record.gps
			if record.gps.Altitude != nil {
				alt := *record.gps.Altitude
				gps_copy.Altitude = &alt
			}
			gps = &gps_copy
		}
		var battery *int32
		if record.battery != nil {
			level := *record.battery
			battery = &level
		}
		result.TrackedEmergencies[node.Format()] = TrackedStatus{
			EmergencyID: record.emergency_id,
			Message:     record.message,
			GPS:         gps,
			Battery:     battery,
			ReceivedAt:  formatUnix(record.reported_at),
			LastSeen:    record.last_seen.Format(statusTimeFormat),
		}
	}
	return result
}

func formatUnix(ts float64) string {
	return time.Unix(int64(ts), 0).Format(statusTimeFormat)
}
