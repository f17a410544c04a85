package agent

import (
	"context"
	"sync"
	"time"

	"github.com/postalsys/tunnel-agent/internal/control"
	"github.com/postalsys/tunnel-agent/internal/logging"
	"github.com/postalsys/tunnel-agent/internal/protocol"
	"github.com/postalsys/tunnel-agent/internal/recovery"
	"github.com/postalsys/tunnel-agent/internal/udptunnel"
)

const (
	// PingInterval is the control ping cadence. Channel setup requests and
	// token retransmissions ride the same cadence.
	PingInterval = 5 * time.Second

	// KeepAliveWindow is how close to session expiry keep-alives start.
	KeepAliveWindow = 30 * time.Second

	// KeepAliveInterval is the minimum gap between keep-alives.
	KeepAliveInterval = 10 * time.Second

	schedulerTick = 1 * time.Second
	errorDelay    = 1 * time.Second
)

// Request ids of the scheduler's control requests.
const (
	requestSetupUDPChannel uint64 = 1
	requestKeepAlive       uint64 = 100
	requestPing            uint64 = 200
)

// sessionTimers holds the per-session scheduler state.
type sessionTimers struct {
	lastPing      time.Time
	lastKeepAlive time.Time
}

// controlLoop serves sess and every replacement session until ctx is done.
func (a *Agent) controlLoop(ctx context.Context, sess control.Session) {
	backoff := control.NewBackoff(control.BackoffConfig{
		InitialDelay: a.cfg.Control.Reconnect.InitialDelay,
		MaxDelay:     a.cfg.Control.Reconnect.MaxDelay,
		Multiplier:   a.cfg.Control.Reconnect.Multiplier,
		Jitter:       a.cfg.Control.Reconnect.Jitter,
	})

	for {
		err := a.runSession(ctx, sess)
		a.setSession(nil)
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("control session lost", logging.KeyError, err)

		next, ok := a.redial(ctx, backoff)
		if !ok {
			return
		}
		sess = next
		a.setSession(sess)
		a.logger.Info("control session re-established",
			"expire_at", millisString(sess.ExpireAt()))
	}
}

// redial reconnects with backoff. It returns false once ctx is done.
func (a *Agent) redial(ctx context.Context, backoff *control.Backoff) (control.Session, bool) {
	for {
		if err := backoff.Wait(ctx); err != nil {
			return nil, false
		}

		a.reconnects.Add(1)
		a.metrics.RecordReconnect()

		sess, err := a.connector.Connect(ctx)
		if err == nil {
			backoff.Reset()
			return sess, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		a.logger.Error("control reconnect failed",
			"attempt", backoff.Attempts(),
			logging.KeyError, err)
	}
}

// runSession drives one control session until it fails or ctx is done. The
// session is closed on return.
func (a *Agent) runSession(ctx context.Context, sess control.Session) error {
	sessCtx, cancel := context.WithCancel(ctx)

	feeds := make(chan control.Feed)
	errc := make(chan error, 1)

	var readerWG sync.WaitGroup
	recovery.Go(&readerWG, a.logger, "agent.feed", func() {
		for {
			feed, err := sess.RecvFeed(sessCtx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case feeds <- feed:
			case <-sessCtx.Done():
				return
			}
		}
	})

	defer func() {
		cancel()
		sess.Close()
		readerWG.Wait()
	}()

	var timers sessionTimers
	a.tick(sessCtx, sess, &timers)

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case feed := <-feeds:
			// Clients outlive the session that announced them.
			a.handleFeed(ctx, feed)
		case <-ticker.C:
			a.tick(sessCtx, sess, &timers)
		}
	}
}

// tick runs the ping and keep-alive timers.
func (a *Agent) tick(ctx context.Context, sess control.Session, timers *sessionTimers) {
	now := a.now()

	if now.Sub(timers.lastPing) >= PingInterval {
		timers.lastPing = now

		if err := sess.SendPing(ctx, requestPing, now.UnixMilli()); err != nil {
			a.logger.Error("failed to send ping", logging.KeyError, err)
		} else {
			a.metrics.RecordPing()
		}

		if !a.tunnel.IsSetup() {
			if err := sess.SendSetupUDPChannel(ctx, requestSetupUDPChannel); err != nil {
				a.logger.Error("failed to request udp channel", logging.KeyError, err)
			}
		} else if a.tunnel.RequiresAuth() || a.tunnel.RequiresResend() {
			if _, err := a.tunnel.ResendToken(); err != nil {
				a.logger.Warn("failed to resend udp token", logging.KeyError, err)
			}
		}
	}

	nowMillis := now.UnixMilli()
	remaining := time.Duration(max(sess.ExpireAt(), nowMillis)-nowMillis) * time.Millisecond

	if remaining < KeepAliveWindow && now.Sub(timers.lastKeepAlive) >= KeepAliveInterval {
		timers.lastKeepAlive = now

		if err := sess.SendKeepAlive(ctx, requestKeepAlive); err != nil {
			a.logger.Error("failed to send keep alive", logging.KeyError, err)
		} else {
			a.metrics.RecordKeepalive()
			a.logger.Debug("keep alive sent", "remaining", remaining)
		}
	}
}

// handleFeed reacts to one relay event.
func (a *Agent) handleFeed(ctx context.Context, feed control.Feed) {
	switch f := feed.(type) {
	case *control.NewClient:
		a.logger.Debug("new client",
			logging.KeyTunnelID, f.TunnelID,
			logging.KeyRemoteAddr, f.PeerAddr.String())

		if err := a.clients.HandleClient(ctx, &f.NewClient); err != nil {
			a.logger.Warn("failed to accept client",
				logging.KeyTunnelID, f.TunnelID,
				logging.KeyRemoteAddr, f.PeerAddr.String(),
				logging.KeyError, err)
		}

	case *control.Response:
		switch c := f.Content.(type) {
		case *protocol.UDPChannelDetails:
			err := a.tunnel.SetChannelDetails(udptunnel.ChannelDetails{
				TunnelAddr: c.TunnelAddr,
				Token:      c.Token,
			})
			if err != nil {
				a.logger.Error("failed to install udp channel details",
					logging.KeyRemoteAddr, c.TunnelAddr.String(),
					logging.KeyError, err)
			}

		case *protocol.Pong:
			a.logger.Debug("pong",
				logging.KeyRequestID, f.RequestID,
				"rtt", time.Duration(a.now().UnixMilli()-int64(c.RequestNow))*time.Millisecond)

		default:
			a.logger.Debug("control response",
				logging.KeyRequestID, f.RequestID,
				"type", protocol.FrameTypeName(f.Type))
		}
	}
}
