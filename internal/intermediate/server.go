// Package intermediate implements the relay server: the QUIC listener, the
// per-connection handling loop, registration and DATAGRAM dispatch, and the
// signaling relay that coordinates P2P hole-punch sessions between Agents
// and Connectors. Grounded on the teacher's internal/nat/quic_transport.go
// listener shape and internal/entrypoint/server.go's goroutine-per-connection
// Server struct, generalized from TCP/SSH to QUIC DATAGRAM dispatch.
package intermediate

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-agent-sub000/internal/metrics"
	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
	"github.com/hfyeomans/ztna-agent-sub000/internal/registry"
	"github.com/hfyeomans/ztna-agent-sub000/internal/retrytoken"
	"github.com/hfyeomans/ztna-agent-sub000/internal/signaling"
	"github.com/hfyeomans/ztna-agent-sub000/internal/wire"
)

// ALPN is the negotiated application protocol token.
const ALPN = "ztna-v1"

// quicConfig returns the fixed QUIC transport parameters both peers must
// agree on.
func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             100,
		MaxIncomingUniStreams:          100,
		InitialStreamReceiveWindow:     1_000_000,
		InitialConnectionReceiveWindow: 10_000_000,
		EnableDatagrams:                true,
	}
}

// Server is the Intermediate relay.
type Server struct {
	log     zerolog.Logger
	metrics *metrics.Intermediate
	reg     *registry.Registry
	sm      *SessionManager
	gate    *addressGate

	udpConn  *net.UDPConn
	listener *quic.Listener

	mu    sync.Mutex
	conns map[model.ConnectionId]*connState

	closeOnce sync.Once
}

type connState struct {
	cid    model.ConnectionId
	conn   *quic.Conn
	role   model.ClientRole
	authz  model.AuthzSet
	client *model.Client
}

// NewServer builds a Server bound to addr, serving tlsConfig. tlsConfig must
// have NextProtos set to []string{ALPN} and ClientAuth set to request (not
// require) client certificates, since unauthenticated peers are accepted
// with an empty authz set.
func NewServer(addr string, tlsConfig *tls.Config, log zerolog.Logger) (*Server, error) {
	m := metrics.NewIntermediate()

	gate, err := newAddressGate(m)
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}

	tlsConfig.NextProtos = []string{ALPN}

	cfg := quicConfig()
	cfg.RequireAddressValidation = gate.requireValidation

	listener, err := quic.Listen(udpConn, tlsConfig, cfg)
	if err != nil {
		udpConn.Close()
		return nil, err
	}

	return &Server{
		log:      log,
		metrics:  m,
		reg:      registry.New(),
		sm:       NewSessionManager(),
		gate:     gate,
		udpConn:  udpConn,
		listener: listener,
		conns:    make(map[model.ConnectionId]*connState),
	}, nil
}

// Metrics exposes the Intermediate's metric bag, e.g. for mounting on an
// HTTP mux.
func (s *Server) Metrics() *metrics.Intermediate { return s.metrics }

// Addr returns the bound UDP address.
func (s *Server) Addr() net.Addr { return s.udpConn.LocalAddr() }

// Serve accepts connections until ctx is canceled or Close is called. Each
// connection is handled on its own goroutine against Registry/SessionManager
// state that is internally mutex-guarded.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

// Close shuts the listener and UDP socket down.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.listener.Close()
		_ = s.udpConn.Close()
	})
	return err
}

func (s *Server) handleConnection(ctx context.Context, conn *quic.Conn) {
	cid := model.ConnectionId(uuid.NewString())
	remote, _ := conn.RemoteAddr().(*net.UDPAddr)

	authz := model.AllowAllAuthzSet()
	if state := conn.ConnectionState(); len(state.TLS.PeerCertificates) > 0 {
		authz = model.AuthzSetFromCertificate(state.TLS.PeerCertificates[0])
	}

	cs := &connState{
		cid:    cid,
		conn:   conn,
		authz:  authz,
		client: model.NewClient(cid, remote, authz),
	}

	s.mu.Lock()
	s.conns[cid] = cs
	s.mu.Unlock()
	s.metrics.ActiveConnections.Inc()

	s.log.Info().Str("cid", string(cid)).Str("remote", conn.RemoteAddr().String()).Msg("connection established")

	defer s.reapConnection(cid)

	if remote != nil {
		qad := wire.BuildObservedAddress(remote)
		if err := conn.SendDatagram(qad); err != nil {
			s.log.Warn().Err(err).Msg("failed to send observed address")
		}
	}

	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			s.log.Debug().Err(err).Str("cid", string(cid)).Msg("connection closed")
			return
		}
		s.dispatch(cs, data)
	}
}

func (s *Server) reapConnection(cid model.ConnectionId) {
	s.mu.Lock()
	delete(s.conns, cid)
	s.mu.Unlock()
	s.reg.RemoveClient(cid)
	s.sm.RemoveByConnection(cid)
	s.metrics.ActiveConnections.Dec()
}

func (s *Server) dispatch(cs *connState, data []byte) {
	if len(data) == 0 {
		return
	}

	switch wire.Tag(data[0]) {
	case wire.TagAgentRegister, wire.TagConnectorRegister:
		s.handleRegister(cs, data)
	case wire.TagSignaling:
		s.handleSignaling(cs, data)
	default:
		s.relay(cs, data)
	}
}

func (s *Server) handleRegister(cs *connState, data []byte) {
	role, sid, err := wire.ParseRegister(data)
	if err != nil {
		s.nack(cs, wire.NackMalformed)
		return
	}

	if cs.role != model.RoleUnknown && cs.role != role {
		s.nack(cs, wire.NackRoleConflict)
		return
	}

	if !cs.authz.Allows(role, sid) {
		s.nack(cs, wire.NackUnauthorized)
		return
	}

	if role == model.RoleConnector {
		if err := s.reg.RegisterConnector(sid, cs.cid); err != nil {
			s.nack(cs, wire.NackServiceTaken)
			return
		}
	} else {
		s.reg.RegisterAgent(sid, cs.cid)
	}

	cs.role = role
	cs.client.Role = role
	cs.client.AddService(sid)
	s.metrics.RegistrationsTotal.Inc()
	s.ack(cs)
}

func (s *Server) ack(cs *connState) {
	if err := cs.conn.SendDatagram(wire.BuildRegisterAck()); err != nil {
		s.log.Debug().Err(err).Msg("failed to send register ack")
	}
}

func (s *Server) nack(cs *connState, reason wire.NackReason) {
	s.metrics.RegistrationRejectionsTotal.Inc()
	if err := cs.conn.SendDatagram(wire.BuildRegisterNack(reason)); err != nil {
		s.log.Debug().Err(err).Msg("failed to send register nack")
	}
}

// relay implements the opaque-payload fan-out: Agent traffic goes to the
// registered Connector for one of its services; Connector traffic fans out
// to every Agent registered for that service.
// Backpressure is handled by dropping: DATAGRAM is unreliable by contract.
func (s *Server) relay(cs *connState, data []byte) {
	services := cs.client.Services()
	if len(services) == 0 {
		return
	}

	switch cs.role {
	case model.RoleAgent:
		connectorCID, ok := s.reg.ConnectorFor(services[0])
		if !ok {
			return
		}
		s.sendTo(connectorCID, data)
	case model.RoleConnector:
		for _, agentCID := range s.reg.AgentsFor(services[0]) {
			s.sendTo(agentCID, data)
		}
	default:
		return
	}
}

func (s *Server) sendTo(cid model.ConnectionId, data []byte) {
	s.mu.Lock()
	target, ok := s.conns[cid]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := target.conn.SendDatagram(data); err != nil {
		// DATAGRAM queue full or connection gone: drop silently.
		return
	}
	s.metrics.DatagramsRelayedTotal.Inc()
	s.metrics.RelayBytesTotal.Add(float64(len(data)))
}

func (s *Server) handleSignaling(cs *connState, data []byte) {
	msg, err := signaling.DecodeDatagram(data)
	if err != nil {
		return
	}

	switch msg.Kind {
	case signaling.KindCandidateOffer:
		s.handleOffer(cs, msg)
	case signaling.KindCandidateAnswer:
		s.handleAnswer(cs, msg)
	case signaling.KindAbort:
		s.sm.MarkFailed(msg.SessionId)
		s.forwardSignalingToPeer(cs, msg)
	default:
		s.forwardSignalingToPeer(cs, msg)
	}
}

func (s *Server) handleOffer(cs *connState, msg signaling.Message) {
	connectorCID, ok := s.reg.ConnectorFor(msg.ServiceId)
	if !ok {
		return
	}
	s.sm.Open(msg.SessionId, cs.cid, connectorCID, time.Now())
	s.metrics.SignalingSessionsTotal.Inc()
	s.forwardSignaling(connectorCID, msg)
}

func (s *Server) handleAnswer(cs *connState, msg signaling.Message) {
	agentCID, ok := s.sm.AgentFor(msg.SessionId)
	if !ok {
		return
	}
	s.forwardSignaling(agentCID, msg)

	offsetMs := uint16(PunchStartDelay() / time.Millisecond)
	startAgent := signaling.NewStartPunching(msg.SessionId, offsetMs, model.RoleAgent)
	startConnector := signaling.NewStartPunching(msg.SessionId, offsetMs, model.RoleAgent)

	s.forwardSignaling(agentCID, startAgent)
	s.forwardSignaling(cs.cid, startConnector)
	s.sm.MarkConnected(msg.SessionId)
}

// forwardSignalingToPeer routes a signaling message that isn't an
// Offer/Answer (e.g. Abort) to whichever side of the session didn't send it.
func (s *Server) forwardSignalingToPeer(cs *connState, msg signaling.Message) {
	agentCID, ok := s.sm.AgentFor(msg.SessionId)
	if !ok {
		return
	}
	connectorCID, _ := s.sm.ConnectorFor(msg.SessionId)
	if cs.cid == agentCID {
		s.forwardSignaling(connectorCID, msg)
	} else {
		s.forwardSignaling(agentCID, msg)
	}
}

func (s *Server) forwardSignaling(cid model.ConnectionId, msg signaling.Message) {
	data, err := signaling.EncodeDatagram(msg)
	if err != nil {
		return
	}
	s.sendTo(cid, data)
}

// SweepSessions should be called periodically (e.g. from a ticker on the
// caller's own loop) to expire stale signaling sessions.
func (s *Server) SweepSessions() {
	s.sm.SweepExpired(time.Now())
}

// addressGate drives quic-go's RequireAddressValidation decision from a
// sealed-token primitive: a source address that already holds an unexpired
// token skips another validation round. quic-go owns the actual Retry wire
// mechanics; this gate supplies the source-address-bound, time-boxed policy
// decision, reusing internal/retrytoken's Mint/Verify rather than
// hand-rolling a second HMAC scheme.
type addressGate struct {
	mu      sync.Mutex
	minter  *retrytoken.Minter
	tokens  map[string][]byte
	metrics *metrics.Intermediate
}

func newAddressGate(m *metrics.Intermediate) (*addressGate, error) {
	minter, err := retrytoken.NewMinter()
	if err != nil {
		return nil, err
	}
	return &addressGate{minter: minter, tokens: make(map[string][]byte), metrics: m}, nil
}

func (g *addressGate) requireValidation(addr net.Addr) bool {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := udpAddr.String()
	if tok, seen := g.tokens[key]; seen {
		if _, err := g.minter.Verify(tok, udpAddr.IP, udpAddr.Port); err == nil {
			g.metrics.RetryTokensValidated.Inc()
			return false
		}
		g.metrics.RetryTokenFailures.Inc()
		delete(g.tokens, key)
	}

	if tok, err := g.minter.Mint(udpAddr.IP, udpAddr.Port, nil); err == nil {
		g.tokens[key] = tok
	}
	return true
}
