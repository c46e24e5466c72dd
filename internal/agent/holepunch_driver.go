package agent

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
	"github.com/hfyeomans/ztna-agent-sub000/internal/wire"
)

// punchDriver owns one P2P negotiation toward the Connector serving a
// service: candidate gathering, the signaling exchange over the relayed
// connection, the connectivity-check socket, and the keepalive loop that
// drives the PathManager once a direct path is nominated.
//
// HolePunchSession is documented as a single-owner, no-internal-locking
// type; PathManager guards its own state with a mutex because sendPayload
// polls it from another goroutine. runLoop drives both: every state
// transition — ArmCheckList, Tick, Nominate, PromoteDirect, the keepalive
// Record* calls — happens on the goroutine that runs start. handleSignaling
// and setObservedAddress are called from the Agent's receive pump on a
// different goroutine, so they never touch session/pathMgr directly; they
// only hand data to runLoop over signalCh or the observed-address mutex.
type punchDriver struct {
	service model.ServiceId
	log     zerolog.Logger
	session *p2p.HolePunchSession
	sid     signaling.SessionId

	mu       sync.Mutex
	observed *net.UDPAddr

	checkConn *net.UDPConn
	pathMgr   *p2p.PathManager
	directTLS *tls.Config
	local     *net.UDPConn

	signalCh chan signaling.Message

	directMu   sync.Mutex
	directConn *quic.Conn
}

func newPunchDriver(service model.ServiceId, directTLS *tls.Config, local *net.UDPConn, log zerolog.Logger) *punchDriver {
	return &punchDriver{
		service:   service,
		log:       log,
		session:   p2p.NewHolePunchSession(true), // Agent is controlling by convention
		sid:       signaling.NewSessionId(),
		directTLS: directTLS,
		local:     local,
		signalCh:  make(chan signaling.Message, 8),
	}
}

// start begins the negotiation: gather host candidates, wait briefly for
// the server-reflexive (QAD) candidate, send a CandidateOffer over the
// relayed conn, then run the session's entire lifecycle — connectivity
// checks, nomination, direct dial, and keepalive — on this one goroutine.
func (p *punchDriver) start(ctx context.Context, relay *quic.Conn) {
	checkConn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		p.log.Warn().Err(err).Msg("p2p: failed to open connectivity-check socket")
		return
	}
	p.checkConn = checkConn

	localPort := checkConn.LocalAddr().(*net.UDPAddr).Port
	if relayAddr, ok := relay.RemoteAddr().(*net.UDPAddr); ok {
		p.pathMgr = p2p.NewPathManager(relayAddr)
	}
	p.session.Start(time.Now())

	// Give the Intermediate a moment to deliver the QAD observed address
	// before gathering.
	<-time.After(500 * time.Millisecond)

	cands := p2p.GatherHostCandidates(localPort)
	if observed := p.getObserved(); observed != nil {
		cands = append(cands, p2p.GatherServerReflexiveCandidate(observed))
	}
	cands = p2p.SortAndDedupe(cands)
	p.session.CandidatesReady(cands, time.Now())

	offer := signaling.NewCandidateOffer(p.sid, model.RoleAgent, p.service, p2p.ToWire(cands))
	data, err := signaling.EncodeDatagram(offer)
	if err != nil {
		return
	}
	if err := relay.SendDatagram(data); err != nil {
		p.log.Warn().Err(err).Msg("p2p: failed to send candidate offer")
		return
	}

	p.runLoop(ctx)
}

func (p *punchDriver) getObserved() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.observed
}

func (p *punchDriver) setObservedAddress(addr *net.UDPAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observed = addr
}

// handleSignaling hands an inbound signaling message relevant to this
// session to runLoop. It runs on the Agent's receive-pump goroutine, so it
// never touches session state itself — only runLoop, the session's single
// owner, applies it.
func (p *punchDriver) handleSignaling(msg signaling.Message) {
	if msg.SessionId != p.sid {
		return
	}
	select {
	case p.signalCh <- msg:
	default:
		p.log.Warn().Int("kind", int(msg.Kind)).Msg("p2p: dropped signaling message, loop backlogged")
	}
}

// applySignal is runLoop's own dispatch of a message popped off signalCh.
func (p *punchDriver) applySignal(msg signaling.Message) {
	switch msg.Kind {
	case signaling.KindCandidateAnswer:
		p.session.ReceiveAnswer(p2p.FromWire(msg.Candidates))
	case signaling.KindStartPunching:
		p.session.ArmCheckList(time.Now())
	case signaling.KindAbort:
		p.session.Abort()
	}
}

// bindingResp pairs a decoded BindingResponse with the address it arrived
// from, needed to correlate it back to a CandidatePair.
type bindingResp struct {
	from *net.UDPAddr
	body p2p.BindingResponse
}

func terminal(s p2p.HolePunchState) bool {
	return s == p2p.Failed || s == p2p.FallbackRelay
}

// runLoop is the session's single owner for its entire lifetime: it
// applies inbound signaling, drives connectivity checks once the CheckList
// is armed, dials the nominated pair, and then keeps the resulting direct
// path alive (or retires it) until ctx is canceled or the session ends.
func (p *punchDriver) runLoop(ctx context.Context) {
	checkCtx, stopChecks := context.WithCancel(ctx)
	defer stopChecks()

	respCh := make(chan bindingResp, 16)
	go p.readChecks(checkCtx, respCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var cl *p2p.CheckList

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.signalCh:
			p.applySignal(msg)
			if terminal(p.session.State()) {
				return
			}
		case resp := <-respCh:
			if cl == nil {
				continue
			}
			if idx := cl.FindByRemote(resp.from); idx >= 0 {
				p.onBindingResponse(cl, idx)
			}
			if p.session.State() == p2p.Connected {
				stopChecks()
				p.dialDirect(ctx, cl)
				p.maintainDirect(ctx, cl)
				return
			}
		case <-ticker.C:
			if cl == nil && p.session.State() == p2p.Checking {
				cl = p.session.CheckList()
			}
			if changed := p.session.Tick(time.Now()); changed && terminal(p.session.State()) {
				return
			}
			if cl != nil && p.session.State() == p2p.Checking {
				p.sendPendingChecks(cl)
			}
		}
	}
}

// dialDirect opens the actual QUIC connection to the nominated pair's
// remote address and hands it to sendPayload via activeDirectConn.
func (p *punchDriver) dialDirect(ctx context.Context, cl *p2p.CheckList) {
	pair, ok := cl.NominatedPair()
	if !ok || p.directTLS == nil {
		return
	}
	tlsConfig := p.directTLS.Clone()
	tlsConfig.NextProtos = []string{"ztna-v1"}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := quic.Dial(dialCtx, p.checkConn, pair.Remote.Addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		EnableDatagrams: true,
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("p2p: direct dial failed, staying on relay")
		return
	}
	p.directMu.Lock()
	p.directConn = conn
	p.directMu.Unlock()

	if p.pathMgr != nil {
		p.pathMgr.PromoteDirect(pair.Remote.Addr, time.Now())
	}
}

// assumedRelayRTT approximates the relayed path's RTT for SelectPath's
// comparison against the measured direct-path RTT; the relay hop is a
// single well-connected Intermediate, so a conservative fixed baseline
// substitutes for an actual measurement.
const assumedRelayRTT = 120 * time.Millisecond

// maintainDirect keeps a nominated pair's direct path alive for as long as
// the session runs: it drives one keepalive cycle via runKeepalive, and
// once that cycle ends with PathManager having fallen back to Relay, waits
// out EligibleForDirectRetry before re-dialing the same nominated pair and
// starting another cycle.
func (p *punchDriver) maintainDirect(ctx context.Context, cl *p2p.CheckList) {
	for {
		p.runKeepalive(ctx)
		if ctx.Err() != nil {
			return
		}
		if _, ok := p.activeDirectConn(); ok {
			// Still direct: only possible without a PathManager, in which
			// case runKeepalive returns at once and leaves the dialed
			// connection in place.
			return
		}
		if p.pathMgr == nil {
			return
		}

		retryTicker := time.NewTicker(p2p.KeepaliveInterval)
		retried := false
		for !retried {
			select {
			case <-ctx.Done():
				retryTicker.Stop()
				return
			case now := <-retryTicker.C:
				if p.pathMgr.EligibleForDirectRetry(now) {
					p.dialDirect(ctx, cl)
					retried = true
				}
			}
		}
		retryTicker.Stop()
	}
}

// runKeepalive drives the resilience loop over the nominated direct path:
// it sends a TagP2PKeepaliveRequest every KeepaliveInterval, answers the
// peer's own requests, forwards everything else to the local application,
// and feeds every send/receive/miss/RTT sample into PathManager. It
// returns once PathManager falls back to Relay, the direct connection
// dies, or ctx is canceled — at which point sendPayload's
// pathMgr.Active() check naturally stops routing onto the dead direct
// path.
func (p *punchDriver) runKeepalive(ctx context.Context) {
	conn, ok := p.activeDirectConn()
	if !ok || p.pathMgr == nil {
		return
	}
	defer conn.CloseWithError(0, "")

	recvCh := make(chan []byte, 16)
	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()
	go p.readDirectDatagrams(readCtx, conn, recvCh)

	sendTicker := time.NewTicker(p2p.KeepaliveInterval)
	defer sendTicker.Stop()
	// checkTicker enforces KeepaliveTimeout well before it would otherwise
	// elapse between two keepalive sends.
	checkTicker := time.NewTicker(p2p.KeepaliveInterval / 3)
	defer checkTicker.Stop()

	pendingSince := time.Time{}
	var sent, missed uint64

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-recvCh:
			if !ok {
				p.pathMgr.ForceFallback(time.Now())
				p.directMu.Lock()
				p.directConn = nil
				p.directMu.Unlock()
				return
			}
			if len(data) == 0 {
				continue
			}
			switch wire.Tag(data[0]) {
			case wire.TagP2PKeepaliveRequest:
				_ = conn.SendDatagram([]byte{byte(wire.TagP2PKeepaliveResponse)})
			case wire.TagP2PKeepaliveResponse:
				now := time.Now()
				if !pendingSince.IsZero() {
					p.pathMgr.RecordStats(p2p.PathStats{
						RTT:  now.Sub(pendingSince),
						Loss: float64(missed) / float64(sent),
					})
				}
				pendingSince = time.Time{}
				p.pathMgr.RecordKeepaliveReceived(now)
			default:
				if p.local != nil {
					_, _ = p.local.Write(data)
				}
			}
		case now := <-sendTicker.C:
			if !pendingSince.IsZero() {
				missed++
				p.pathMgr.RecordKeepaliveMissed(now)
			}
			if err := conn.SendDatagram([]byte{byte(wire.TagP2PKeepaliveRequest)}); err != nil {
				missed++
				p.pathMgr.RecordKeepaliveMissed(now)
				continue
			}
			sent++
			pendingSince = now
			p.pathMgr.RecordKeepaliveSent(now)
		case now := <-checkTicker.C:
			p.pathMgr.Tick(now)
			p.pathMgr.DegradeIfUnhealthy(assumedRelayRTT, now)
			if p.pathMgr.Active().Kind != p2p.PathDirect {
				p.directMu.Lock()
				p.directConn = nil
				p.directMu.Unlock()
				return
			}
		}
	}
}

// readDirectDatagrams forwards every inbound DATAGRAM on the direct
// connection to out until conn closes or ctx is canceled.
func (p *punchDriver) readDirectDatagrams(ctx context.Context, conn *quic.Conn, out chan<- []byte) {
	defer close(out)
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (p *punchDriver) sendPendingChecks(cl *p2p.CheckList) {
	idx := cl.NextWaiting()
	if idx < 0 {
		return
	}
	cl.MarkInProgress(idx, time.Now())
	req := p2p.EncodeBindingRequest(p2p.BindingRequest{
		SessionID:   p.sid,
		Priority:    cl.Pairs[idx].Local.Priority,
		Controlling: true,
	})
	_, _ = p.checkConn.WriteToUDP(req, cl.Pairs[idx].Remote.Addr)
}

func (p *punchDriver) onBindingResponse(cl *p2p.CheckList, idx int) {
	if cl.Pairs[idx].State != p2p.PairInProgress {
		return
	}
	cl.MarkSucceeded(idx)
	p.session.Nominate(idx, time.Now())
}

func (p *punchDriver) readChecks(ctx context.Context, out chan<- bindingResp) {
	buf := make([]byte, 256)
	for {
		_ = p.checkConn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := p.checkConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if resp, err := p2p.DecodeBindingResponse(buf[:n]); err == nil {
			select {
			case out <- bindingResp{from: from, body: resp}:
			default:
			}
		}
	}
}

// activeDirectConn returns the live direct-path QUIC connection, if the
// hole punch has succeeded, a connection has been dialed to the nominated
// pair, and PathManager still considers that path active — once it falls
// back to Relay (missed keepalives, timeout, or explicit failure),
// sendPayload stops being routed here even though directConn itself may
// still be open.
func (p *punchDriver) activeDirectConn() (*quic.Conn, bool) {
	p.directMu.Lock()
	conn := p.directConn
	p.directMu.Unlock()
	if conn == nil {
		return nil, false
	}
	if p.pathMgr != nil && p.pathMgr.Active().Kind != p2p.PathDirect {
		return nil, false
	}
	return conn, true
}
