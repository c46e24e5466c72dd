// Package connector implements the Connector role: it dials the
// Intermediate, registers for one service, and relays DATAGRAMs to and
// from a local UDP backend. Optionally it also runs a second QUIC listener
// accepting direct P2P connections from Agents. Grounded on the teacher's
// internal/nat/quic_dial.go client-dial shape and internal/entrypoint/client.go's
// reconnect-on-disconnect Client, generalized to QUIC DATAGRAM relay with
// exponential backoff.
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hfyeomans/ztna-agent-sub000/internal/metrics"
	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
	"github.com/hfyeomans/ztna-agent-sub000/internal/signaling"
	"github.com/hfyeomans/ztna-agent-sub000/internal/wire"
)

// backoffSchedule is the exponential reconnect delay sequence: {1s, 2s, 4s,
// 8s, 15s max}.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	15 * time.Second,
}

func backoffFor(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// registerTimeout bounds how long we wait for REG_ACK/REG_NACK before
// treating the registration attempt as failed.
const registerTimeout = 5 * time.Second

// ErrRegistrationRejected is returned when the Intermediate NACKs our
// registration.
var ErrRegistrationRejected = errors.New("connector: registration rejected")

// Config configures a Connector.
type Config struct {
	ServerAddr string
	ServiceID  model.ServiceId
	ForwardTo  *net.UDPAddr
	TLSConfig  *tls.Config

	// P2PListenAddr and P2PTLSConfig, if both set, enable a static direct-mode
	// QUIC listener using its own certificate/key pair. P2PTLSConfig alone
	// also enables the per-session connectivity-check responder that answers
	// an Agent's hole-punch probes and accepts its nominated direct dial.
	P2PListenAddr string
	P2PTLSConfig  *tls.Config
}

func quicClientConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		EnableDatagrams: true,
	}
}

// Connector relays one service's traffic between the Intermediate and a
// local UDP backend.
type Connector struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Connector
}

// New builds a Connector for cfg.
func New(cfg Config, log zerolog.Logger) *Connector {
	return &Connector{cfg: cfg, log: log, metrics: metrics.NewConnector()}
}

// Metrics exposes the Connector's metric bag.
func (c *Connector) Metrics() *metrics.Connector { return c.metrics }

// Run supervises the Connector's two concurrent duties — the
// reconnect-with-backoff client loop against the Intermediate, and,
// if configured, the direct-mode P2P listener — as sibling goroutines
// under a single errgroup, so a fatal error in either stops both and
// Run returns it. Grounded on the pack's use of golang.org/x/sync/errgroup
// for supervising sibling server loops, generalized from the teacher's
// bare goroutine to get ctx-propagated shutdown on first error.
func (c *Connector) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if c.cfg.P2PListenAddr != "" && c.cfg.P2PTLSConfig != nil {
		g.Go(func() error {
			if err := c.runDirectListener(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("p2p listener stopped")
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		return c.runClientLoop(ctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runClientLoop reconnects to the Intermediate with exponential backoff on
// every disconnect until ctx is canceled.
func (c *Connector) runClientLoop(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("disconnected from intermediate")
		}
		c.metrics.ReconnectionsTotal.Inc()

		delay := backoffFor(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Connector) runOnce(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", c.cfg.ServerAddr)
	if err != nil {
		return err
	}
	udpConn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return err
	}
	defer udpConn.Close()

	tlsConfig := c.cfg.TLSConfig.Clone()
	tlsConfig.NextProtos = []string{"ztna-v1"}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := quic.Dial(dialCtx, udpConn, udpAddr, tlsConfig, quicClientConfig())
	cancel()
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "")

	regMsg, err := wire.BuildRegister(model.RoleConnector, c.cfg.ServiceID)
	if err != nil {
		return err
	}
	if err := conn.SendDatagram(regMsg); err != nil {
		return err
	}

	if err := c.awaitRegistration(ctx, conn); err != nil {
		return err
	}

	c.log.Info().Str("service", string(c.cfg.ServiceID)).Msg("registered with intermediate")
	return c.relay(ctx, conn)
}

func (c *Connector) awaitRegistration(ctx context.Context, conn *quic.Conn) error {
	ackCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	for {
		data, err := conn.ReceiveDatagram(ackCtx)
		if err != nil {
			return err
		}
		if wire.IsRegisterAck(data) {
			return nil
		}
		if reason, err := wire.ParseRegisterNack(data); err == nil {
			return errors.Join(ErrRegistrationRejected, errors.New(reason.String()))
		}
	}
}

// relay pipes backend<->Intermediate traffic until either side errs ("read
// DATAGRAMs -> write each to the backend unchanged; read backend replies ->
// dgram_send back"). When P2PTLSConfig is configured it also stands up a
// per-session connectivity-check responder: an Agent's CandidateOffer on
// this same relayed connection gets it answered, and any direct path that
// results from the ensuing hole punch is handed off to handleDirect just
// like a connection accepted on the static P2P listener.
func (c *Connector) relay(ctx context.Context, conn *quic.Conn) error {
	backendConn, err := net.DialUDP("udp4", nil, c.cfg.ForwardTo)
	if err != nil {
		return err
	}
	defer backendConn.Close()

	var responder *punchResponder
	if c.cfg.P2PTLSConfig != nil {
		responder, err = newPunchResponder(c.cfg.P2PTLSConfig, c.log)
		if err != nil {
			c.log.Warn().Err(err).Msg("p2p: failed to open connectivity-check responder socket")
		} else {
			defer responder.close()
		}
	}

	directCh := make(chan *quic.Conn, 1)
	go func() {
		select {
		case direct := <-directCh:
			go c.handleDirect(ctx, direct)
		case <-ctx.Done():
		}
	}()

	errCh := make(chan error, 2)
	go c.pumpBackendToIntermediate(ctx, conn, backendConn, errCh)
	go c.pumpIntermediateToBackend(ctx, conn, backendConn, responder, directCh, errCh)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (c *Connector) pumpIntermediateToBackend(ctx context.Context, conn *quic.Conn, backend *net.UDPConn, responder *punchResponder, directCh chan<- *quic.Conn, errCh chan<- error) {
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if len(data) == 0 {
			continue
		}
		if wire.Tag(data[0]) == wire.TagSignaling {
			c.handleSignalingDatagram(ctx, conn, data, responder, directCh)
			continue
		}
		if _, err := backend.Write(data); err != nil {
			c.metrics.TCPErrorsTotal.Inc()
			c.log.Debug().Err(err).Msg("backend write failed")
			continue
		}
		c.metrics.ForwardedPacketsTotal.Inc()
		c.metrics.ForwardedBytesTotal.Add(float64(len(data)))
	}
}

// handleSignalingDatagram answers an inbound CandidateOffer addressed to
// this Connector's service with a CandidateAnswer, then starts the
// connectivity-check responder so the Agent's subsequent binding requests
// and direct dial can complete. Other signaling kinds need no Connector-side
// reaction: StartPunching and Abort only drive the controlling Agent's own
// CheckList.
func (c *Connector) handleSignalingDatagram(ctx context.Context, conn *quic.Conn, data []byte, responder *punchResponder, directCh chan<- *quic.Conn) {
	if responder == nil {
		return
	}
	msg, err := signaling.DecodeDatagram(data)
	if err != nil || msg.Kind != signaling.KindCandidateOffer || msg.ServiceId != c.cfg.ServiceID {
		return
	}
	answer := responder.answer(msg)
	out, err := signaling.EncodeDatagram(answer)
	if err != nil {
		return
	}
	if err := conn.SendDatagram(out); err != nil {
		c.log.Warn().Err(err).Msg("p2p: failed to send candidate answer")
		return
	}
	responder.start(ctx, directCh)
}

func (c *Connector) pumpBackendToIntermediate(ctx context.Context, conn *quic.Conn, backend *net.UDPConn, errCh chan<- error) {
	buf := make([]byte, 1350)
	for {
		_ = backend.SetReadDeadline(time.Now().Add(time.Second))
		n, err := backend.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				errCh <- ctx.Err()
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.metrics.TCPErrorsTotal.Inc()
			continue
		}
		if err := conn.SendDatagram(buf[:n]); err != nil {
			continue
		}
	}
}

// runDirectListener accepts direct P2P connections from Agents on a static,
// pre-configured address ("concurrently operate a QUIC server on a second
// socket"). Traffic on the direct path is dispatched through the same relay
// loop as the relayed path.
func (c *Connector) runDirectListener(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", c.cfg.P2PListenAddr)
	if err != nil {
		return err
	}
	udpConn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return err
	}
	defer udpConn.Close()

	tlsConfig := c.cfg.P2PTLSConfig.Clone()
	tlsConfig.NextProtos = []string{"ztna-v1"}

	listener, err := quic.Listen(udpConn, tlsConfig, quicClientConfig())
	if err != nil {
		return err
	}
	defer listener.Close()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		go c.handleDirect(ctx, conn)
	}
}

func (c *Connector) handleDirect(ctx context.Context, conn *quic.Conn) {
	c.metrics.TCPSessionsTotal.Inc()
	backendConn, err := net.DialUDP("udp4", nil, c.cfg.ForwardTo)
	if err != nil {
		c.metrics.TCPErrorsTotal.Inc()
		return
	}
	defer backendConn.Close()

	errCh := make(chan error, 2)
	go c.pumpBackendToIntermediate(ctx, conn, backendConn, errCh)
	go c.pumpIntermediateToBackend(ctx, conn, backendConn, nil, nil, errCh)
	<-errCh
}
