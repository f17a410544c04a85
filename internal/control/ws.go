package control

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/tunnel-agent/internal/metrics"
	"github.com/postalsys/tunnel-agent/internal/protocol"
)

// Subprotocol is the websocket subprotocol the agent negotiates.
const Subprotocol = "tunnel-agent.v1"

// DialConfig configures the control connection.
type DialConfig struct {
	// URL is the relay control endpoint, ws:// or wss://.
	URL string

	// Timeout bounds the websocket handshake. Zero means no timeout.
	Timeout time.Duration

	// TLSConfig overrides the TLS client configuration for wss:// URLs.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables certificate verification. Development only.
	InsecureSkipVerify bool

	// Version is reported to the relay during authentication.
	Version string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Dial opens a websocket to the relay control endpoint.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse control url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("control url scheme %q: must be ws or wss", u.Scheme)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPClient:   buildHTTPClient(cfg),
	}

	conn, _, err := websocket.Dial(ctx, u.String(), dialOpts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	// The net.Conn adapter outlives the dial context; reads and writes are
	// bounded by deadlines instead.
	nc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)
	return newConn(nc, cfg), nil
}

func buildHTTPClient(cfg DialConfig) *http.Client {
	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil && cfg.InsecureSkipVerify {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if tlsConfig == nil {
		return http.DefaultClient
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		},
	}
}

// Connector dials and authenticates a fresh session on every Connect call.
type Connector struct {
	Dial   DialConfig
	Secret string
}

// Connect dials the relay and authenticates.
func (c *Connector) Connect(ctx context.Context) (Session, error) {
	conn, err := Dial(ctx, c.Dial)
	if err != nil {
		return nil, err
	}

	if c.Dial.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Dial.Timeout)
		defer cancel()
	}

	sess, err := conn.Authenticate(ctx, c.Secret)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
