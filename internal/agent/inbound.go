package agent

import (
	"context"
	"errors"
	"time"

	"github.com/postalsys/tunnel-agent/internal/logging"
	"github.com/postalsys/tunnel-agent/internal/udptunnel"
)

// inboundLoop receives tunnel datagrams and hands data to the packet
// handler until ctx is done. A quiet channel is probed by resending the
// token once no confirmation arrived for ProbeAfter.
func (a *Agent) inboundLoop(ctx context.Context) {
	buf := make([]byte, int(a.cfg.Tunnel.BufferSize))

	// Zero until the first echo, so the first quiet period probes at once.
	var lastConfirm time.Time

	for ctx.Err() == nil {
		recvCtx, cancel := context.WithTimeout(ctx, a.cfg.Tunnel.ReceiveTimeout)
		ev, err := a.tunnel.ReceiveFrom(recvCtx, buf)
		cancel()

		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, context.DeadlineExceeded):
				if a.now().Sub(lastConfirm) > a.cfg.Tunnel.ProbeAfter {
					a.probe()
				}
			case errors.Is(err, udptunnel.ErrNotConnected):
				// Details arrive through the control loop.
				sleep(ctx, a.cfg.Tunnel.ReceiveTimeout)
			case errors.Is(err, udptunnel.ErrInvalidData), errors.Is(err, udptunnel.ErrWriteZero):
				a.logger.Warn("dropped tunnel datagram", logging.KeyError, err)
			default:
				a.logger.Error("tunnel receive failed", logging.KeyError, err)
				sleep(ctx, errorDelay)
			}
			continue
		}

		switch ev.Kind {
		case udptunnel.EventConfirmed:
			if lastConfirm.IsZero() {
				a.logger.Info("udp channel confirmed")
			}
			lastConfirm = a.now()

		case udptunnel.EventPacket:
			if err := a.packets.HandlePacket(buf[:ev.Bytes], ev.Flow); err != nil {
				a.logger.Warn("failed to handle tunnel packet",
					logging.KeyFlow, ev.Flow.String(),
					logging.KeyBytes, ev.Bytes,
					logging.KeyError, err)
			}
		}
	}
}

// probe resends the token as a liveness check.
func (a *Agent) probe() {
	sent, err := a.tunnel.ResendToken()
	if err != nil {
		a.logger.Warn("udp liveness probe failed", logging.KeyError, err)
		return
	}
	if sent {
		a.logger.Debug("udp liveness probe sent")
	}
}
