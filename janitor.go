package aerp_core

import (
	"context"
	"time"

	"github.com/phuslu/log"
)

// RunJanitor sweeps stale protocol state until ctx is done: acknowledgements
// older than the ack timeout, tracked peer emergencies not refreshed within
// the received-emergency timeout, and ack-table session keys that are empty
// and no longer active. A faulty sweep is logged and the loop continues.
func (a *AERP) RunJanitor(ctx context.Context) {
	log.Info().Msg("janitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("janitor stopped")
			return
		case <-time.After(a.cfg.JanitorSleep()):
		}
		a.sweepOnce(time.Now())
	}
}

func (a *AERP) sweepOnce(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("janitor sweep fault")
		}
	}()
	log.Debug().
		Dur("ack_timeout", a.cfg.AckTimeout()).
		Dur("received_timeout", a.cfg.ReceivedEmergencyTimeout()).
		Msg("running cleanup sweep")
	a.sweepStale(now)
}

// sweepStale applies the expiry rules under the state lock.
func (a *AERP) sweepStale(now time.Time) {
	ack_timeout := a.cfg.AckTimeout().Seconds()
	received_timeout := a.cfg.ReceivedEmergencyTimeout()
	now_unix := float64(now.UnixNano()) / 1e9

	a.mu.Lock()
	defer a.mu.Unlock()

	active_id := ""
	if a.emergency_active {
		active_id = a.active_session_id.String()
	}

	for session_id, nodes := range a.acknowledgements {
		for node, acked_at := range nodes {
			if now_unix-acked_at > ack_timeout {
				delete(nodes, node)
				log.Debug().Str("node", node.Format()).Str("session", session_id).Msg("removed stale ack")
			}
		}
		// empty session keys are pruned once inactive, capping growth
		// across many start/stop cycles
		if len(nodes) == 0 && session_id != active_id {
			delete(a.acknowledgements, session_id)
			log.Debug().Str("session", session_id).Msg("pruned empty ack table entry")
		}
	}

	for node, record := range a.tracked {
		if now.Sub(record.last_seen) > received_timeout {
			delete(a.tracked, node)
			log.Info().Str("node", node.Format()).Msg("removed stale tracked emergency")
		}
	}
}
