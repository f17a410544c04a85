// Package chaos injects datagram faults for exercising the tunnel's
// self-healing paths: lost tokens, lost echoes, delayed and failing writes.
package chaos

import (
	"errors"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("chaos: injected failure")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDrop silently loses a datagram.
	FaultDrop FaultType = iota
	// FaultDelay adds latency to a write.
	FaultDelay
	// FaultError fails a write with ErrInjected.
	FaultError
)

// String returns a human-readable name for the fault type.
func (t FaultType) String() string {
	switch t {
	case FaultDrop:
		return "drop"
	case FaultDelay:
		return "delay"
	case FaultError:
		return "error"
	default:
		return "none"
	}
}

// noFault is returned by MaybeInject when nothing fires.
const noFault FaultType = -1

// Direction selects which side of a connection a fault applies to.
type Direction int

const (
	Both Direction = iota
	Outbound
	Inbound
)

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// Direction limits the fault to reads or writes. Delay and error faults
	// only ever apply to writes.
	Direction Direction

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector decides which operations fail.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewFaultInjectorWithSeed(time.Now().UnixNano(), configs...)
}

// NewFaultInjectorWithSeed creates an injector with a reproducible sequence.
func NewFaultInjectorWithSeed(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// MaybeInject picks the fault for one operation in direction dir, with the
// delay to apply for FaultDelay. The first matching config that fires wins.
func (f *FaultInjector) MaybeInject(dir Direction) (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return noFault, 0
	}

	for _, cfg := range f.configs {
		if cfg.Direction != Both && cfg.Direction != dir {
			continue
		}
		if dir == Inbound && cfg.Type != FaultDrop {
			continue
		}
		if f.rng.Float64() >= cfg.Probability {
			continue
		}

		f.faultHits[cfg.Type]++
		if cfg.Type == FaultDelay {
			return FaultDelay, f.randomDelay(cfg.MinDelay, cfg.MaxDelay)
		}
		return cfg.Type, 0
	}

	return noFault, 0
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// PacketConn is the datagram socket surface LossyConn wraps. It matches
// *net.UDPConn.
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// LossyConn applies an injector's faults to a datagram socket.
type LossyConn struct {
	PacketConn
	injector *FaultInjector
}

// Wrap returns conn with faults from injector applied.
func Wrap(conn PacketConn, injector *FaultInjector) *LossyConn {
	return &LossyConn{PacketConn: conn, injector: injector}
}

// WriteToUDPAddrPort writes b unless a fault fires. A dropped datagram
// reports success, as a lost UDP datagram would.
func (c *LossyConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	fault, delay := c.injector.MaybeInject(Outbound)
	switch fault {
	case FaultDrop:
		return len(b), nil
	case FaultError:
		return 0, ErrInjected
	case FaultDelay:
		time.Sleep(delay)
	}
	return c.PacketConn.WriteToUDPAddrPort(b, addr)
}

// ReadFromUDPAddrPort returns the next datagram that survives the injector.
func (c *LossyConn) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	for {
		n, addr, err := c.PacketConn.ReadFromUDPAddrPort(b)
		if err != nil {
			return n, addr, err
		}
		if fault, _ := c.injector.MaybeInject(Inbound); fault == FaultDrop {
			continue
		}
		return n, addr, nil
	}
}
