// Package probe checks that a relay control endpoint is reachable and
// accepts the agent's credentials.
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/tunnel-agent/internal/control"
	"github.com/postalsys/tunnel-agent/internal/logging"
	"github.com/postalsys/tunnel-agent/internal/metrics"
	"github.com/postalsys/tunnel-agent/internal/protocol"
)

// DefaultTimeout bounds a probe when Options.Timeout is unset.
const DefaultTimeout = 10 * time.Second

const probeRequestID uint64 = 1

// Options contains configuration for a connectivity probe.
type Options struct {
	// URL is the relay control endpoint, ws:// or wss://.
	URL string

	// Secret is the agent secret to authenticate with.
	Secret string

	// Timeout for the entire probe operation.
	Timeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// CACert is the path to a PEM CA bundle used instead of the system roots.
	CACert string

	Version string
	Logger  *slog.Logger
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success indicates whether the probe succeeded
	Success bool

	// URL that was probed
	URL string

	// SessionExpireAt is the expiry the relay reported for the probe
	// session. Zero if the relay did not report one.
	SessionExpireAt time.Time

	// RTT is the ping round trip on the authenticated session.
	RTT time.Duration

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Probe authenticates against the relay and measures one ping round trip.
// The probe session is closed before returning.
func Probe(ctx context.Context, opts Options) *Result {
	result := &Result{URL: opts.URL}

	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	tlsConfig, err := buildTLSConfig(opts)
	if err != nil {
		return fail(err)
	}

	connector := &control.Connector{
		Dial: control.DialConfig{
			URL:                opts.URL,
			Timeout:            opts.Timeout,
			TLSConfig:          tlsConfig,
			InsecureSkipVerify: opts.InsecureSkipVerify,
			Version:            opts.Version,
			Logger:             logging.Component(opts.Logger, "probe"),
			// Probe sessions stay out of the process metrics.
			Metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		},
		Secret: opts.Secret,
	}

	sess, err := connector.Connect(ctx)
	if err != nil {
		return fail(err)
	}
	defer sess.Close()

	rtt, err := ping(ctx, sess)
	if err != nil {
		return fail(err)
	}

	result.Success = true
	result.RTT = rtt
	if ms := sess.ExpireAt(); ms > 0 {
		result.SessionExpireAt = time.UnixMilli(ms)
	}
	return result
}

// ping sends one ping and waits for its pong, skipping any other feed.
func ping(ctx context.Context, sess control.Session) (time.Duration, error) {
	start := time.Now()
	if err := sess.SendPing(ctx, probeRequestID, start.UnixMilli()); err != nil {
		return 0, fmt.Errorf("send ping: %w", err)
	}

	for {
		feed, err := sess.RecvFeed(ctx)
		if err != nil {
			return 0, fmt.Errorf("await pong: %w", err)
		}
		resp, ok := feed.(*control.Response)
		if !ok || resp.RequestID != probeRequestID {
			continue
		}
		if _, ok := resp.Content.(*protocol.Pong); !ok {
			return 0, fmt.Errorf("expected PONG, got %s", protocol.FrameTypeName(resp.Type))
		}
		return time.Since(start), nil
	}
}

// buildTLSConfig returns nil when the defaults apply.
func buildTLSConfig(opts Options) (*tls.Config, error) {
	if opts.CACert == "" {
		return nil, nil
	}

	caCert, err := os.ReadFile(opts.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		RootCAs:            pool,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	if errors.Is(err, control.ErrUnauthorized) {
		return "Relay rejected the agent secret"
	}

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	// Connection errors
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if strings.Contains(errStr, "connection refused") {
			return "Connection refused - relay not running or port blocked"
		}
		if strings.Contains(errStr, "no route to host") {
			return "No route to host - network unreachable"
		}
		if strings.Contains(errStr, "network is unreachable") {
			return "Network unreachable"
		}
	}

	// Timeout errors
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - firewall may be blocking"
	}

	// TLS errors
	if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509") {
		if strings.Contains(errStr, "unknown authority") {
			return "TLS error - certificate signed by unknown authority (try --insecure or --ca)"
		}
		if strings.Contains(errStr, "expired") {
			return "TLS error - certificate has expired"
		}
		return "TLS handshake failed - " + err.Error()
	}

	if strings.Contains(errStr, "websocket dial failed") {
		return "Connected but websocket upgrade failed - not a relay control endpoint?"
	}

	if strings.Contains(errStr, "scheme") {
		return "Control URL must start with ws:// or wss://"
	}

	return err.Error()
}
