package mesh_service

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/sha3"

	"aerp_core/aemp"
)

// NodeIdentity is the local node's mesh identity: an ephemeral ed25519 key
// with a self-signed certificate, a base58 hash of the public key for
// display, and the numeric node id derived from the same digest.
type NodeIdentity struct {
	priv_key cert_private_key
	cert_der []byte
	id_hash  string
	node_num aemp.NodeNum
}

type cert_private_key = ed25519.PrivateKey

func GenerateNodeIdentity() (*NodeIdentity, error) {
	ed25519_public_key, ed25519_private_key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128) // 2^128
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		NotBefore:             time.Now().Add(time.Duration(-1) * time.Second), //1-sec backdate, for badly synced peers.
		NotAfter:              time.Now().Add(7 * 24 * time.Hour),
		SerialNumber:          serialNumber,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, ed25519_public_key, ed25519_private_key)
	if err != nil {
		return nil, err
	}

	id_hash, node_num, err := IdentityFromPublicKey(ed25519_public_key)
	if err != nil {
		return nil, err
	}
	return &NodeIdentity{
		priv_key: ed25519_private_key,
		cert_der: derBytes,
		id_hash:  id_hash,
		node_num: node_num,
	}, nil
}

// IdentityFromPublicKey derives the display hash and numeric node id from a
// public key. The node number comes from the leading digest bytes; zero is
// reserved for "unknown" and remapped.
func IdentityFromPublicKey(pub crypto.PublicKey) (string, aemp.NodeNum, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", aemp.NodeUnknown, fmt.Errorf("unable to marshal public key to DER: %v", err)
	}
	hasher := sha3.New512()
	hasher.Write(derBytes)
	digest := hasher.Sum(nil)

	node_num := binary.BigEndian.Uint32(digest[:4])
	if node_num == 0 {
		node_num = binary.BigEndian.Uint32(digest[4:8])
	}
	if node_num == 0 {
		node_num = 1
	}
	return "N" + base58.Encode(digest), aemp.NodeNum(node_num), nil
}

func (i *NodeIdentity) IDHash() string {
	return i.id_hash
}

func (i *NodeIdentity) NodeNum() aemp.NodeNum {
	return i.node_num
}

// TLSConf builds the TLS config for mesh connections. Peer certificates are
// not chained to any authority; trust on the mesh comes from the identity
// hash exchanged during the hello handshake, as on the radio link.
func (i *NodeIdentity) TLSConf() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{i.cert_der},
				PrivateKey:  i.priv_key,
			},
		},
		NextProtos:         []string{NextProtoMesh},
		InsecureSkipVerify: true,
	}
}
