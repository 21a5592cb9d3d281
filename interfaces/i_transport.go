package interfaces

import (
	"context"

	"aerp_core/aemp"
)

// IMeshTransport is the capability surface the emergency core consumes from
// the mesh link layer. Sends are best-effort: a false return means the
// transport could not accept the payload, never that delivery failed
// downstream. Telemetry getters report ok=false when the value is
// unavailable; callers degrade rather than block.
type IMeshTransport interface {
	TrySendBroadcast(port uint16, payload []byte) bool
	TrySendDirect(port uint16, dest aemp.NodeNum, payload []byte) bool

	SelfNodeNum() (aemp.NodeNum, bool)
	SelfPosition() (aemp.Position, bool)
	SelfBattery() (int32, bool)
}

// IMeshService is a runnable transport: IMeshTransport plus the two inbound
// event streams the host pumps into the core. ConnectionCh carries link
// up/down transitions; DatagramCh carries every received datagram, including
// ones authored by the local node (the core filters self-loops).
type IMeshService interface {
	IMeshTransport

	ListenAndServe(ctx context.Context) error
	DatagramCh() chan aemp.Datagram
	ConnectionCh() chan bool
}
