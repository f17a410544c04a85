package udp

import (
	"log/slog"
	"time"

	"github.com/postalsys/tunnel-agent/internal/metrics"
)

// Config holds configuration for the UDP origin handler.
type Config struct {
	// OriginAddr is the local UDP service datagrams are relayed to.
	OriginAddr string

	// MaxFlows limits concurrent associations.
	// 0 means unlimited.
	MaxFlows int

	// IdleTimeout is how long an association can be idle before cleanup.
	// 0 means no timeout.
	IdleTimeout time.Duration

	// MaxDatagramSize is the largest origin reply relayed back, excluding
	// the flow tail.
	MaxDatagramSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxFlows:        1000,
		IdleTimeout:     2 * time.Minute,
		MaxDatagramSize: 2048,
	}
}
