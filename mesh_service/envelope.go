package mesh_service

import "github.com/fxamacker/cbor/v2"

// NextProtoMesh is the ALPN protocol id for AERP mesh connections.
const NextProtoMesh = "aerp-mesh"

// MeshEnvelope frames one application datagram on the wire. To is zero for
// broadcasts. From is the sender's claim; the mesh does not authenticate it,
// matching the trust model of the radio link.
type MeshEnvelope struct {
	Port    uint16
	From    uint32
	To      uint32
	Payload []byte
}

// MeshHello is exchanged once per connection, both directions, before any
// datagrams flow.
type MeshHello struct {
	IDHash  string
	NodeNum uint32
}

func EncodeEnvelope(env MeshEnvelope) ([]byte, error) {
	return cbor.Marshal(env)
}

func DecodeEnvelope(raw []byte) (MeshEnvelope, error) {
	var env MeshEnvelope
	err := cbor.Unmarshal(raw, &env)
	return env, err
}
