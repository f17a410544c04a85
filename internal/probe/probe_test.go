package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/tunnel-agent/internal/control"
	"github.com/postalsys/tunnel-agent/internal/protocol"
)

// startRelay serves a control endpoint that registers the secret "good"
// and answers one ping.
func startRelay(t *testing.T, expireAt uint64) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{control.Subprotocol},
		})
		if err != nil {
			return
		}
		nc := websocket.NetConn(r.Context(), conn, websocket.MessageBinary)
		defer nc.Close()
		nc.SetDeadline(time.Now().Add(5 * time.Second))

		reader := protocol.NewFrameReader(nc)
		writer := protocol.NewFrameWriter(nc)

		f, err := reader.Read()
		if err != nil || f.Type != protocol.FrameAgentAuth {
			return
		}
		auth, err := protocol.DecodeAgentAuth(f.Payload)
		if err != nil || auth.Secret != "good" {
			writer.WriteFrame(protocol.FrameUnauthorized, 0, nil)
			return
		}
		reg := &protocol.AgentRegistered{SessionID: 1, ExpireAt: expireAt}
		if writer.WriteFrame(protocol.FrameAgentRegistered, 0, reg.Encode()) != nil {
			return
		}

		ping, err := reader.Read()
		if err != nil || ping.Type != protocol.FramePing {
			return
		}
		// An unrelated response first; the probe must skip it.
		writer.WriteFrame(protocol.FrameRequestQueued, 99, nil)
		pong := &protocol.Pong{SessionExpireAt: expireAt}
		writer.WriteFrame(protocol.FramePong, ping.RequestID, pong.Encode())

		reader.Read()
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestProbe_Success(t *testing.T) {
	expireAt := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	url := startRelay(t, uint64(expireAt.UnixMilli()))

	result := Probe(context.Background(), Options{
		URL:     url,
		Secret:  "good",
		Timeout: 5 * time.Second,
		Version: "test",
	})

	if !result.Success {
		t.Fatalf("Probe() failed: %v (%s)", result.Error, result.ErrorDetail)
	}
	if result.URL != url {
		t.Errorf("URL = %q, want %q", result.URL, url)
	}
	if !result.SessionExpireAt.Equal(expireAt) {
		t.Errorf("SessionExpireAt = %v, want %v", result.SessionExpireAt, expireAt)
	}
	if result.RTT <= 0 {
		t.Errorf("RTT = %v, want > 0", result.RTT)
	}
}

func TestProbe_Unauthorized(t *testing.T) {
	url := startRelay(t, 0)

	result := Probe(context.Background(), Options{URL: url, Secret: "bad", Timeout: 5 * time.Second})

	if result.Success {
		t.Fatal("Probe() succeeded with a bad secret")
	}
	if !errors.Is(result.Error, control.ErrUnauthorized) {
		t.Errorf("Error = %v, want ErrUnauthorized", result.Error)
	}
	if result.ErrorDetail != "Relay rejected the agent secret" {
		t.Errorf("ErrorDetail = %q", result.ErrorDetail)
	}
}

func TestProbe_NotARelay(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	result := Probe(context.Background(), Options{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Secret:  "good",
		Timeout: 5 * time.Second,
	})

	if result.Success {
		t.Fatal("Probe() succeeded against a plain HTTP server")
	}
	if !strings.Contains(result.ErrorDetail, "websocket upgrade failed") {
		t.Errorf("ErrorDetail = %q", result.ErrorDetail)
	}
}

func TestProbe_Unreachable(t *testing.T) {
	// Reserve a port, then free it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	result := Probe(context.Background(), Options{URL: "ws://" + addr, Secret: "good", Timeout: 2 * time.Second})

	if result.Success || result.Error == nil {
		t.Fatal("Probe() succeeded against a closed port")
	}
}

func TestProbe_BadScheme(t *testing.T) {
	result := Probe(context.Background(), Options{URL: "https://relay.example.com", Secret: "good"})

	if result.Success {
		t.Fatal("Probe() succeeded with an https URL")
	}
	if result.ErrorDetail != "Control URL must start with ws:// or wss://" {
		t.Errorf("ErrorDetail = %q", result.ErrorDetail)
	}
}

func TestBuildTLSConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := buildTLSConfig(Options{})
		if err != nil || cfg != nil {
			t.Errorf("buildTLSConfig() = %v, %v; want nil, nil", cfg, err)
		}
	})

	t.Run("missing CA file", func(t *testing.T) {
		_, err := buildTLSConfig(Options{CACert: filepath.Join(t.TempDir(), "missing.pem")})
		if err == nil {
			t.Error("buildTLSConfig() succeeded with a missing CA file")
		}
	})

	t.Run("invalid CA file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		if err := os.WriteFile(path, []byte("not a certificate"), 0600); err != nil {
			t.Fatal(err)
		}
		_, err := buildTLSConfig(Options{CACert: path})
		if err == nil || !strings.Contains(err.Error(), "parse CA") {
			t.Errorf("buildTLSConfig() error = %v, want parse failure", err)
		}
	})
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"unauthorized", control.ErrUnauthorized, "Relay rejected the agent secret"},
		{"deadline", context.DeadlineExceeded, "Connection timed out - firewall may be blocking"},
		{"dns", &net.DNSError{Err: "no such host", Name: "relay.invalid", IsNotFound: true}, "Could not resolve hostname - DNS lookup failed"},
		{"unknown authority", errors.New("x509: certificate signed by unknown authority"), "TLS error - certificate signed by unknown authority (try --insecure or --ca)"},
		{"other", errors.New("boom"), "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}
