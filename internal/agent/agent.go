// Package agent implements the Agent role: it dials the Intermediate,
// registers for one service, pipes a local application's UDP traffic into
// DATAGRAMs, and — when P2P is enabled — negotiates a direct path to the
// Connector via the hole-punch coordinator in package p2p, falling back to
// the relay path on failure. Grounded on the teacher's
// internal/nat/quic_dial.go client shape and internal/nat/holepunch.go's
// Puncher, generalized from TCP simultaneous-open to ICE candidate pairs.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/hfyeomans/ztna-agent-sub000/internal/model"
	"github.com/hfyeomans/ztna-agent-sub000/internal/p2p"
	"github.com/hfyeomans/ztna-agent-sub000/internal/signaling"
	"github.com/hfyeomans/ztna-agent-sub000/internal/wire"
)

const registerTimeout = 5 * time.Second

// ErrRegistrationRejected is returned when the Intermediate NACKs our
// registration.
var ErrRegistrationRejected = errors.New("agent: registration rejected")

// Config configures an Agent.
type Config struct {
	ServerAddr string
	ServiceID  model.ServiceId
	LocalAddr  *net.UDPAddr
	TLSConfig  *tls.Config

	// EnableP2P turns on candidate gathering and hole-punch negotiation
	// toward the Connector serving ServiceID.
	EnableP2P bool
}

func quicClientConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		EnableDatagrams: true,
	}
}

// Agent relays one service's traffic between a local application and the
// Intermediate, optionally promoting to a direct P2P path.
type Agent struct {
	cfg Config
	log zerolog.Logger

	punch *punchDriver
}

// New builds an Agent for cfg.
func New(cfg Config, log zerolog.Logger) *Agent {
	return &Agent{cfg: cfg, log: log}
}

// Run dials, registers, and relays until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", a.cfg.ServerAddr)
	if err != nil {
		return err
	}
	udpConn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return err
	}
	defer udpConn.Close()

	tlsConfig := a.cfg.TLSConfig.Clone()
	tlsConfig.NextProtos = []string{"ztna-v1"}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := quic.Dial(dialCtx, udpConn, udpAddr, tlsConfig, quicClientConfig())
	cancel()
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "")

	regMsg, err := wire.BuildRegister(model.RoleAgent, a.cfg.ServiceID)
	if err != nil {
		return err
	}
	if err := conn.SendDatagram(regMsg); err != nil {
		return err
	}
	if err := a.awaitRegistration(ctx, conn); err != nil {
		return err
	}
	a.log.Info().Str("service", string(a.cfg.ServiceID)).Msg("registered with intermediate")

	localConn, err := net.DialUDP("udp4", nil, a.cfg.LocalAddr)
	if err != nil {
		return err
	}
	defer localConn.Close()

	if a.cfg.EnableP2P {
		a.punch = newPunchDriver(a.cfg.ServiceID, a.cfg.TLSConfig, localConn, a.log)
		go a.punch.start(ctx, conn)
	}

	return a.relay(ctx, conn, localConn)
}

func (a *Agent) awaitRegistration(ctx context.Context, conn *quic.Conn) error {
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

// relay pipes local<->Intermediate traffic, dispatching QAD/signaling
// datagrams to the punch driver when P2P is active.
func (a *Agent) relay(ctx context.Context, conn *quic.Conn, localConn *net.UDPConn) error {
	errCh := make(chan error, 2)
	go a.pumpLocalToIntermediate(ctx, conn, localConn, errCh)
	go a.pumpIntermediateToLocal(ctx, conn, localConn, errCh)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *Agent) pumpLocalToIntermediate(ctx context.Context, conn *quic.Conn, local *net.UDPConn, errCh chan<- error) {
	buf := make([]byte, 1350)
	for {
		_ = local.SetReadDeadline(time.Now().Add(time.Second))
		n, err := local.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				errCh <- ctx.Err()
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			continue
		}
		a.sendPayload(conn, buf[:n])
	}
}

// sendPayload routes application payload over the direct path when one is
// active and healthy, falling back to the relayed connection otherwise.
func (a *Agent) sendPayload(conn *quic.Conn, data []byte) {
	if a.punch != nil {
		if direct, ok := a.punch.activeDirectConn(); ok {
			if err := direct.SendDatagram(data); err == nil {
				return
			}
		}
	}
	_ = conn.SendDatagram(data)
}

func (a *Agent) pumpIntermediateToLocal(ctx context.Context, conn *quic.Conn, local *net.UDPConn, errCh chan<- error) {
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if len(data) == 0 {
			continue
		}
		switch wire.Tag(data[0]) {
		case wire.TagQADObservedAddress:
			if addr, ok := wire.ParseObservedAddress(data); ok && a.punch != nil {
				a.punch.setObservedAddress(addr)
			}
		case wire.TagSignaling:
			if msg, err := signaling.DecodeDatagram(data); err == nil && a.punch != nil {
				a.punch.handleSignaling(msg)
			}
		default:
			if _, err := local.Write(data); err != nil {
				continue
			}
		}
	}
}
