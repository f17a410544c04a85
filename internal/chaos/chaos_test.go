package chaos

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestFaultInjector_Basic(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDrop,
		Probability: 1.0, // Always inject
	})

	if fault, _ := injector.MaybeInject(Outbound); fault != FaultDrop {
		t.Errorf("MaybeInject() = %v, want %v", fault, FaultDrop)
	}

	stats := injector.GetStats()
	if stats[FaultDrop] != 1 {
		t.Errorf("drop hits = %d, want 1", stats[FaultDrop])
	}

	injector.Reset()
	if len(injector.GetStats()) != 0 {
		t.Error("Reset() did not clear stats")
	}
}

func TestFaultInjector_Disabled(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDrop,
		Probability: 1.0,
	})

	injector.Disable()
	if injector.IsEnabled() {
		t.Error("IsEnabled() = true after Disable")
	}
	if fault, _ := injector.MaybeInject(Outbound); fault != noFault {
		t.Errorf("MaybeInject() = %v when disabled", fault)
	}

	injector.Enable()
	if fault, _ := injector.MaybeInject(Outbound); fault != FaultDrop {
		t.Errorf("MaybeInject() = %v after Enable, want %v", fault, FaultDrop)
	}
}

func TestFaultInjector_Probability(t *testing.T) {
	// 0% probability - should never inject
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDrop,
		Probability: 0.0,
	})

	for i := 0; i < 100; i++ {
		if fault, _ := injector.MaybeInject(Outbound); fault != noFault {
			t.Fatalf("MaybeInject() = %v with 0%% probability", fault)
		}
	}
}

func TestFaultInjector_SeedIsReproducible(t *testing.T) {
	cfg := FaultConfig{Type: FaultDrop, Probability: 0.5}
	a := NewFaultInjectorWithSeed(42, cfg)
	b := NewFaultInjectorWithSeed(42, cfg)

	for i := 0; i < 50; i++ {
		fa, _ := a.MaybeInject(Outbound)
		fb, _ := b.MaybeInject(Outbound)
		if fa != fb {
			t.Fatalf("sequences diverged at %d: %v vs %v", i, fa, fb)
		}
	}
}

func TestFaultInjector_Delay(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDelay,
		Probability: 1.0,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	})

	fault, delay := injector.MaybeInject(Outbound)
	if fault != FaultDelay {
		t.Fatalf("MaybeInject() = %v, want %v", fault, FaultDelay)
	}
	if delay < 10*time.Millisecond || delay >= 20*time.Millisecond {
		t.Errorf("delay = %v, want in [10ms, 20ms)", delay)
	}

	// Delays never apply to reads.
	if fault, _ := injector.MaybeInject(Inbound); fault != noFault {
		t.Errorf("inbound MaybeInject() = %v, want none", fault)
	}
}

func TestFaultInjector_Direction(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDrop,
		Probability: 1.0,
		Direction:   Inbound,
	})

	if fault, _ := injector.MaybeInject(Outbound); fault != noFault {
		t.Errorf("outbound MaybeInject() = %v, want none", fault)
	}
	if fault, _ := injector.MaybeInject(Inbound); fault != FaultDrop {
		t.Errorf("inbound MaybeInject() = %v, want %v", fault, FaultDrop)
	}
}

func TestFaultType_String(t *testing.T) {
	tests := []struct {
		fault FaultType
		want  string
	}{
		{FaultDrop, "drop"},
		{FaultDelay, "delay"},
		{FaultError, "error"},
		{noFault, "none"},
	}
	for _, tt := range tests {
		if got := tt.fault.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func udpPair(t *testing.T) (a, b *net.UDPConn) {
	t.Helper()
	listen := func() *net.UDPConn {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			t.Fatalf("ListenUDP() error = %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	return listen(), listen()
}

func addrOf(c *net.UDPConn) netip.AddrPort {
	return c.LocalAddr().(*net.UDPAddr).AddrPort()
}

func readWithin(t *testing.T, c PacketConn, d time.Duration) (string, error) {
	t.Helper()
	buf := make([]byte, 64)
	c.SetReadDeadline(time.Now().Add(d))
	n, _, err := c.ReadFromUDPAddrPort(buf)
	return string(buf[:n]), err
}

func TestLossyConn_DropsWrites(t *testing.T) {
	a, b := udpPair(t)
	injector := NewFaultInjector(FaultConfig{Type: FaultDrop, Probability: 1.0})
	lossy := Wrap(a, injector)

	n, err := lossy.WriteToUDPAddrPort([]byte("lost"), addrOf(b))
	if err != nil || n != 4 {
		t.Fatalf("WriteToUDPAddrPort() = %d, %v; want 4, nil", n, err)
	}
	if _, err := readWithin(t, b, 100*time.Millisecond); err == nil {
		t.Fatal("dropped datagram was delivered")
	}

	injector.Disable()
	if _, err := lossy.WriteToUDPAddrPort([]byte("kept"), addrOf(b)); err != nil {
		t.Fatalf("WriteToUDPAddrPort() error = %v", err)
	}
	if got, err := readWithin(t, b, 2*time.Second); err != nil || got != "kept" {
		t.Errorf("read = %q, %v; want kept", got, err)
	}
}

func TestLossyConn_FailsWrites(t *testing.T) {
	a, b := udpPair(t)
	lossy := Wrap(a, NewFaultInjector(FaultConfig{Type: FaultError, Probability: 1.0}))

	if _, err := lossy.WriteToUDPAddrPort([]byte("x"), addrOf(b)); !errors.Is(err, ErrInjected) {
		t.Errorf("WriteToUDPAddrPort() error = %v, want ErrInjected", err)
	}
}

func TestLossyConn_DropsReads(t *testing.T) {
	a, b := udpPair(t)
	injector := NewFaultInjector(FaultConfig{Type: FaultDrop, Probability: 1.0, Direction: Inbound})
	lossy := Wrap(a, injector)

	b.WriteToUDPAddrPort([]byte("first"), addrOf(a))
	if _, err := readWithin(t, lossy, 100*time.Millisecond); err == nil {
		t.Fatal("dropped datagram was returned")
	}

	injector.Disable()
	b.WriteToUDPAddrPort([]byte("second"), addrOf(a))
	if got, err := readWithin(t, lossy, 2*time.Second); err != nil || got != "second" {
		t.Errorf("read = %q, %v; want second", got, err)
	}
	if injector.GetStats()[FaultDrop] != 1 {
		t.Errorf("drop hits = %d, want 1", injector.GetStats()[FaultDrop])
	}
}
