// Package host wires a protocol core to a mesh service: it runs the mesh,
// pumps inbound datagrams and connectivity changes into the core, and keeps
// the janitor sweeping until the context ends.
package host

import (
	"context"

	"github.com/phuslu/log"

	aerp "aerp_core"
	"aerp_core/interfaces"
)

type AERPHost struct {
	ctx           context.Context //set at ListenAndServe(ctx)
	datagram_done chan bool
	event_done    chan bool
	janitor_done  chan bool

	mesh_service interfaces.IMeshService
	core         *aerp.AERP
}

func NewAERPHost(mesh interfaces.IMeshService, core *aerp.AERP) *AERPHost {
	return &AERPHost{
		datagram_done: make(chan bool, 1),
		event_done:    make(chan bool, 1),
		janitor_done:  make(chan bool, 1),
		mesh_service:  mesh,
		core:          core,
	}
}

// ListenAndServe runs the mesh service and the host loops. It blocks until
// the context is done and every loop has drained.
func (h *AERPHost) ListenAndServe(ctx context.Context) {
	if h.ctx != nil {
		panic("ListenAndServe called twice")
	}
	h.ctx = ctx

	mesh_done := make(chan bool, 1)
	go func() {
		if err := h.mesh_service.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("mesh service failed")
		}
		mesh_done <- true
	}()
	go h.datagramLoop()
	go h.eventLoop()
	go func() {
		h.core.RunJanitor(ctx)
		h.janitor_done <- true
	}()

	<-h.datagram_done
	<-h.event_done
	<-h.janitor_done
	<-mesh_done
}

func (h *AERPHost) datagramLoop() {
	datagram_ch := h.mesh_service.DatagramCh()
	for {
		select {
		case <-h.ctx.Done():
			h.datagram_done <- true
			return
		case datagram := <-datagram_ch:
			h.core.HandleDatagram(datagram)
		}
	}
}

func (h *AERPHost) eventLoop() {
	connection_ch := h.mesh_service.ConnectionCh()
	for {
		select {
		case <-h.ctx.Done():
			h.event_done <- true
			return
		case connected := <-connection_ch:
			h.core.OnConnectionChange(connected)
		}
	}
}
