package aemp

import "fmt"

// NodeNum is the numeric identity a node carries on the mesh.
// Zero is reserved: it means the local identity has not been resolved.
type NodeNum uint32

const NodeUnknown NodeNum = 0

// Format renders the canonical display form, e.g. "!aabbccdd".
func (n NodeNum) Format() string {
	if n == NodeUnknown {
		return "Unknown"
	}
	return fmt.Sprintf("!%08x", uint32(n))
}
