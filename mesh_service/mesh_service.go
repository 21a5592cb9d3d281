// Package mesh_service is the reference transport: an overlay of QUIC
// connections carrying AERP datagrams as unreliable QUIC datagrams. It
// offers the same contract as a packet-radio mesh (best-effort, unordered,
// possibly duplicated delivery) so the protocol core runs unchanged on IP
// links.
package mesh_service

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/phuslu/log"
	"github.com/quic-go/quic-go"

	"aerp_core/aemp"
	"aerp_core/config"
)

const redialInterval = 15 * time.Second

type meshPeer struct {
	connection quic.Connection
	id_hash    string
	node_num   aemp.NodeNum
}

type MeshService struct {
	identity *NodeIdentity
	cfg      *config.MeshConfig

	quic_transport *quic.Transport
	tls_conf       *tls.Config
	quic_conf      *quic.Config

	peers     map[aemp.NodeNum]*meshPeer
	peers_mtx *sync.Mutex

	outbound_ongoing     map[string]bool // peer address -> dialing or connected
	outbound_ongoing_mtx *sync.Mutex

	datagram_ch   chan aemp.Datagram
	connection_ch chan bool

	position *aemp.Position
	battery  *int32
}

func NewMeshService(cfg *config.MeshConfig) (*MeshService, error) {
	identity, err := GenerateNodeIdentity()
	if err != nil {
		return nil, err
	}

	listen_addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", listen_addr)
	if err != nil {
		return nil, err
	}

	result := new(MeshService)
	result.identity = identity
	result.cfg = cfg
	result.quic_transport = &quic.Transport{Conn: udpConn}
	result.tls_conf = identity.TLSConf()
	result.quic_conf = NewDefaultQuicConf()
	result.peers = make(map[aemp.NodeNum]*meshPeer)
	result.peers_mtx = new(sync.Mutex)
	result.outbound_ongoing = make(map[string]bool)
	result.outbound_ongoing_mtx = new(sync.Mutex)
	result.datagram_ch = make(chan aemp.Datagram, 32)
	result.connection_ch = make(chan bool, 4)

	if cfg.Position != nil {
		result.position = &aemp.Position{
			Latitude:  cfg.Position.Latitude,
			Longitude: cfg.Position.Longitude,
			Altitude:  cfg.Position.Altitude,
		}
	}
	result.battery = cfg.Battery

	log.Info().
		Str("id", identity.IDHash()).
		Str("node", identity.NodeNum().Format()).
		Str("addr", udpConn.LocalAddr().String()).
		Msg("mesh service created")
	return result, nil
}

func NewDefaultQuicConf() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  time.Minute * 10,
		KeepAlivePeriod: time.Minute * 3,
		EnableDatagrams: true,
	}
}

func (s *MeshService) LocalAddr() net.Addr {
	return s.quic_transport.Conn.LocalAddr()
}

func (s *MeshService) IDHash() string {
	return s.identity.IDHash()
}

// --- IMeshTransport ---

func (s *MeshService) SelfNodeNum() (aemp.NodeNum, bool) {
	return s.identity.NodeNum(), true
}

func (s *MeshService) SelfPosition() (aemp.Position, bool) {
	if s.position == nil {
		return aemp.Position{}, false
	}
	return *s.position, true
}

func (s *MeshService) SelfBattery() (int32, bool) {
	if s.battery == nil {
		return 0, false
	}
	return *s.battery, true
}

// TrySendBroadcast fans the datagram out to every connected peer. An empty
// mesh still counts as accepted: on the radio a broadcast with no listeners
// is not an error.
func (s *MeshService) TrySendBroadcast(port uint16, payload []byte) bool {
	raw, err := EncodeEnvelope(MeshEnvelope{
		Port:    port,
		From:    uint32(s.identity.NodeNum()),
		Payload: payload,
	})
	if err != nil {
		log.Error().Err(err).Msg("broadcast envelope encode failed")
		return false
	}

	for _, peer := range s.snapshotPeers() {
		if err := peer.connection.SendDatagram(raw); err != nil {
			log.Debug().Str("peer", peer.node_num.Format()).Err(err).Msg("broadcast datagram send failed")
		}
	}
	return true
}

func (s *MeshService) TrySendDirect(port uint16, dest aemp.NodeNum, payload []byte) bool {
	s.peers_mtx.Lock()
	peer, ok := s.peers[dest]
	s.peers_mtx.Unlock()
	if !ok {
		log.Debug().Str("dest", dest.Format()).Msg("no mesh connection to destination")
		return false
	}

	raw, err := EncodeEnvelope(MeshEnvelope{
		Port:    port,
		From:    uint32(s.identity.NodeNum()),
		To:      uint32(dest),
		Payload: payload,
	})
	if err != nil {
		log.Error().Err(err).Msg("direct envelope encode failed")
		return false
	}
	if err := peer.connection.SendDatagram(raw); err != nil {
		log.Debug().Str("dest", dest.Format()).Err(err).Msg("direct datagram send failed")
		return false
	}
	return true
}

func (s *MeshService) DatagramCh() chan aemp.Datagram {
	return s.datagram_ch
}

func (s *MeshService) ConnectionCh() chan bool {
	return s.connection_ch
}

func (s *MeshService) snapshotPeers() []*meshPeer {
	s.peers_mtx.Lock()
	defer s.peers_mtx.Unlock()
	result := make([]*meshPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		result = append(result, peer)
	}
	return result
}

// --- lifecycle ---

func (s *MeshService) ListenAndServe(ctx context.Context) error {
	listener, err := s.quic_transport.Listen(s.tls_conf, s.quic_conf)
	if err != nil {
		return err
	}
	s.connection_ch <- true
	go s.dialLoop(ctx)

	for {
		connection, err := listener.Accept(ctx)
		if err != nil {
			s.connection_ch <- false
			return err
		}
		go s.prepareInbound(ctx, connection)
	}
}

// dialLoop keeps trying to reach every configured peer address. A failed or
// dropped connection is retried on the next pass.
func (s *MeshService) dialLoop(ctx context.Context) {
	for {
		for _, addr := range s.cfg.Peers {
			s.outbound_ongoing_mtx.Lock()
			if s.outbound_ongoing[addr] {
				s.outbound_ongoing_mtx.Unlock()
				continue
			}
			s.outbound_ongoing[addr] = true
			s.outbound_ongoing_mtx.Unlock()

			go s.connectPeer(ctx, addr)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(redialInterval):
		}
	}
}

func (s *MeshService) releaseOutbound(addr string) {
	s.outbound_ongoing_mtx.Lock()
	delete(s.outbound_ongoing, addr)
	s.outbound_ongoing_mtx.Unlock()
}

func (s *MeshService) connectPeer(ctx context.Context, addr string) {
	udp_addr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		log.Warn().Str("addr", addr).Err(err).Msg("bad peer address")
		s.releaseOutbound(addr)
		return
	}
	connection, err := s.quic_transport.Dial(ctx, udp_addr, s.tls_conf, s.quic_conf)
	if err != nil {
		log.Debug().Str("addr", addr).Err(err).Msg("peer dial failed")
		s.releaseOutbound(addr)
		return
	}

	stream, err := connection.OpenStreamSync(ctx)
	if err != nil {
		connection.CloseWithError(0, err.Error())
		s.releaseOutbound(addr)
		return
	}
	peer, err := s.exchangeHello(stream)
	if err != nil {
		connection.CloseWithError(0, err.Error())
		s.releaseOutbound(addr)
		return
	}
	peer.connection = connection

	s.registerPeer(peer)
	s.serveDatagrams(ctx, peer)
	s.releaseOutbound(addr) // connection gone, let the dial loop retry
}

func (s *MeshService) prepareInbound(ctx context.Context, connection quic.Connection) {
	stream, err := connection.AcceptStream(ctx)
	if err != nil {
		connection.CloseWithError(0, err.Error())
		return
	}
	peer, err := s.exchangeHello(stream)
	if err != nil {
		connection.CloseWithError(0, err.Error())
		return
	}
	peer.connection = connection

	s.registerPeer(peer)
	s.serveDatagrams(ctx, peer)
}

// exchangeHello sends our hello and reads the peer's on the given stream.
func (s *MeshService) exchangeHello(stream quic.Stream) (*meshPeer, error) {
	encoder := cbor.NewEncoder(stream)
	decoder := cbor.NewDecoder(stream)

	if err := encoder.Encode(MeshHello{IDHash: s.identity.IDHash(), NodeNum: uint32(s.identity.NodeNum())}); err != nil {
		return nil, err
	}
	var hello MeshHello
	if err := decoder.Decode(&hello); err != nil {
		return nil, err
	}
	return &meshPeer{id_hash: hello.IDHash, node_num: aemp.NodeNum(hello.NodeNum)}, nil
}

func (s *MeshService) registerPeer(peer *meshPeer) {
	s.peers_mtx.Lock()
	if old, ok := s.peers[peer.node_num]; ok && old.connection != peer.connection {
		old.connection.CloseWithError(0, "superseded connection")
	}
	s.peers[peer.node_num] = peer
	s.peers_mtx.Unlock()
	log.Info().Str("peer", peer.node_num.Format()).Str("id", peer.id_hash).Msg("mesh peer connected")
}

func (s *MeshService) dropPeer(peer *meshPeer) {
	s.peers_mtx.Lock()
	if current, ok := s.peers[peer.node_num]; ok && current.connection == peer.connection {
		delete(s.peers, peer.node_num)
	}
	s.peers_mtx.Unlock()
	log.Info().Str("peer", peer.node_num.Format()).Msg("mesh peer disconnected")
}

// serveDatagrams pumps the peer's datagrams into the service channel until
// the connection dies. Undecodable envelopes are dropped, not fatal.
func (s *MeshService) serveDatagrams(ctx context.Context, peer *meshPeer) {
	defer s.dropPeer(peer)
	for {
		raw, err := peer.connection.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		env, err := DecodeEnvelope(raw)
		if err != nil {
			log.Debug().Str("peer", peer.node_num.Format()).Err(err).Msg("undecodable mesh envelope")
			continue
		}
		s.datagram_ch <- aemp.Datagram{
			Port:    env.Port,
			From:    aemp.NodeNum(env.From),
			To:      aemp.NodeNum(env.To),
			Payload: env.Payload,
		}
	}
}
