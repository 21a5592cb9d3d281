package host

import (
	aerp "aerp_core"
	"aerp_core/config"
	"aerp_core/mesh_service"
)

// NewDefaultAERPHost builds a host with the reference QUIC mesh transport
// and a fresh protocol core, all from one configuration. The core is also
// returned so the caller can drive start/stop/status.
func NewDefaultAERPHost(cfg *config.Config) (*AERPHost, *aerp.AERP, error) {
	mesh, err := mesh_service.NewMeshService(&cfg.Mesh)
	if err != nil {
		return nil, nil, err
	}
	core := aerp.NewAERP(mesh, cfg)
	return NewAERPHost(mesh, core), core, nil
}
