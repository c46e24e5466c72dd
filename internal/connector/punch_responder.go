package connector

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
	"github.com/hfyeomans/ztna-agent-sub000/internal/p2p"
	"github.com/hfyeomans/ztna-agent-sub000/internal/signaling"
)

// punchResponder answers an Agent's connectivity-check probes on this
// Connector's behalf, then hands the same socket to a QUIC listener so the
// Agent's nominated direct dial can complete over the now-punched NAT
// mapping — mirroring how the Agent's own punchDriver reuses its checkConn
// for both the raw binding checks and the eventual quic.Dial. Unlike
// punchDriver, the responder runs no CheckList of its own: only the
// controlling Agent nominates a pair, so the Connector just answers every
// valid probe it receives.
type punchResponder struct {
	log       zerolog.Logger
	tlsConfig *tls.Config
	checkConn *net.UDPConn

	once sync.Once
}

func newPunchResponder(tlsConfig *tls.Config, log zerolog.Logger) (*punchResponder, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, err
	}
	return &punchResponder{log: log, tlsConfig: tlsConfig, checkConn: conn}, nil
}

func (r *punchResponder) close() { _ = r.checkConn.Close() }

// answer builds this Connector's CandidateAnswer to an inbound
// CandidateOffer, gathering a fresh host candidate from the responder's own
// check socket.
func (r *punchResponder) answer(offer signaling.Message) signaling.Message {
	port := r.checkConn.LocalAddr().(*net.UDPAddr).Port
	cands := p2p.SortAndDedupe(p2p.GatherHostCandidates(port))
	return signaling.NewCandidateAnswer(offer.SessionId, model.RoleConnector, p2p.ToWire(cands))
}

// start launches run at most once per responder: a Connector serves one
// punch session per offer, and run takes over checkConn's reads for that
// session's lifetime.
func (r *punchResponder) start(ctx context.Context, connCh chan<- *quic.Conn) {
	r.once.Do(func() { go r.run(ctx, connCh) })
}

// run answers BindingRequests on the check socket until the first
// succeeds, then switches the same socket to a QUIC listener and accepts
// the Agent's direct dial, delivering the resulting connection on connCh.
func (r *punchResponder) run(ctx context.Context, connCh chan<- *quic.Conn) {
	buf := make([]byte, 256)
	for {
		_ = r.checkConn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := r.checkConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		req, err := p2p.DecodeBindingRequest(buf[:n])
		if err != nil {
			continue
		}
		resp := p2p.EncodeBindingResponse(p2p.BindingResponse{SessionID: req.SessionID})
		if _, err := r.checkConn.WriteToUDP(resp, from); err != nil {
			r.log.Warn().Err(err).Msg("p2p: failed to answer binding request")
			continue
		}
		r.acceptDirect(ctx, connCh)
		return
	}
}

func (r *punchResponder) acceptDirect(ctx context.Context, connCh chan<- *quic.Conn) {
	tlsConfig := r.tlsConfig.Clone()
	tlsConfig.NextProtos = []string{"ztna-v1"}
	listener, err := quic.Listen(r.checkConn, tlsConfig, quicClientConfig())
	if err != nil {
		r.log.Warn().Err(err).Msg("p2p: failed to start direct-mode listener after punch")
		return
	}
	acceptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := listener.Accept(acceptCtx)
	if err != nil {
		r.log.Warn().Err(err).Msg("p2p: agent never completed the direct QUIC handshake")
		return
	}
	select {
	case connCh <- conn:
	case <-ctx.Done():
		conn.CloseWithError(0, "")
	}
}
