package flow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"
)

func testFlows() []Flow {
	return []Flow{
		V4(netip.MustParseAddrPort("198.51.100.7:40123"), netip.MustParseAddrPort("203.0.113.5:25565")),
		V4(netip.MustParseAddrPort("0.0.0.0:0"), netip.MustParseAddrPort("255.255.255.255:65535")),
		V6(netip.MustParseAddrPort("[2001:db8::1]:5000"), netip.MustParseAddrPort("[2001:db8:ffff::42]:19132"), 0xabcde),
		V6(netip.MustParseAddrPort("[::ffff:10.0.0.1]:80"), netip.MustParseAddrPort("[::1]:443"), 0),
	}
}

func TestFlow_EncodeDecode(t *testing.T) {
	for _, f := range testFlows() {
		t.Run(f.String(), func(t *testing.T) {
			tail := f.Encode()
			if len(tail) != f.Len() {
				t.Fatalf("len(Encode()) = %d, want %d", len(tail), f.Len())
			}

			decoded, err := FromTail(tail)
			if err != nil {
				t.Fatalf("FromTail() error = %v", err)
			}
			if decoded != f {
				t.Errorf("FromTail() = %v, want %v", decoded, f)
			}
		})
	}
}

func TestFlow_V6MixedFamilyRoundTrips(t *testing.T) {
	f := V6(netip.MustParseAddrPort("[2001:db8::1]:5000"), netip.MustParseAddrPort("192.0.2.9:53"), 1)
	if !f.Valid() {
		t.Fatalf("V6() = %v, not valid", f)
	}

	decoded, err := FromTail(f.Encode())
	if err != nil {
		t.Fatalf("FromTail() error = %v", err)
	}
	if decoded != f {
		t.Errorf("FromTail() = %v, want %v", decoded, f)
	}
}

func TestFlow_Valid(t *testing.T) {
	v4a := netip.MustParseAddrPort("192.0.2.1:10")
	v4b := netip.MustParseAddrPort("192.0.2.2:20")
	v6a := netip.MustParseAddrPort("[2001:db8::1]:10")

	tests := []struct {
		name string
		f    Flow
		want bool
	}{
		{"v4", V4(v4a, v4b), true},
		{"v6", V6(v6a, v4b, 9), true},
		{"zero", Flow{}, false},
		{"v4 with label", Flow{Src: v4a, Dst: v4b, Label: 3}, false},
		{"mixed families", Flow{Src: v6a, Dst: v4b}, false},
		{"missing dst", Flow{Src: v4a}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}

	// Every valid flow survives the tail.
	for _, f := range testFlows() {
		if !f.Valid() {
			t.Errorf("%v: constructor-built flow not valid", f)
		}
	}
}

func TestFlow_FlipTwice(t *testing.T) {
	for _, f := range testFlows() {
		flipped := f.Flip()
		if flipped.Src != f.Dst || flipped.Dst != f.Src {
			t.Errorf("Flip(%v) = %v, endpoints not swapped", f, flipped)
		}
		if flipped.Flip() != f {
			t.Errorf("Flip(Flip(%v)) = %v", f, flipped.Flip())
		}
	}
}

func TestFlow_Len(t *testing.T) {
	v4 := V4(netip.MustParseAddrPort("10.0.0.1:1"), netip.MustParseAddrPort("10.0.0.2:2"))
	if v4.Len() != V4Len || v4.IsV6() {
		t.Errorf("IPv4 flow Len() = %d IsV6() = %v", v4.Len(), v4.IsV6())
	}

	v6 := V6(netip.MustParseAddrPort("[fe80::1]:1"), netip.MustParseAddrPort("[fe80::2]:2"), 7)
	if v6.Len() != V6Len || !v6.IsV6() {
		t.Errorf("IPv6 flow Len() = %d IsV6() = %v", v6.Len(), v6.IsV6())
	}
}

func TestFlow_V4UnmapsEndpoints(t *testing.T) {
	f := V4(netip.MustParseAddrPort("[::ffff:192.0.2.1]:10"), netip.MustParseAddrPort("[::ffff:192.0.2.2]:20"))
	if f.IsV6() {
		t.Fatal("V4() kept a mapped address")
	}
	if f.Src.Addr() != netip.MustParseAddr("192.0.2.1") {
		t.Errorf("Src = %v, want 192.0.2.1", f.Src)
	}
}

func TestFlow_AppendToKeepsPayload(t *testing.T) {
	f := testFlows()[0]
	payload := []byte("hello, tunnel")

	datagram := f.AppendTo(append([]byte(nil), payload...))
	if len(datagram) != len(payload)+V4Len {
		t.Fatalf("len = %d, want %d", len(datagram), len(payload)+V4Len)
	}
	if !bytes.Equal(datagram[:len(payload)], payload) {
		t.Errorf("payload changed: %q", datagram[:len(payload)])
	}

	decoded, err := FromTail(datagram)
	if err != nil {
		t.Fatalf("FromTail() error = %v", err)
	}
	if decoded != f {
		t.Errorf("FromTail() = %v, want %v", decoded, f)
	}
}

func TestFromTail_VariantChosenByFooter(t *testing.T) {
	v4 := testFlows()[0]
	v6 := testFlows()[2]

	// An IPv6 tail behind a long payload must not be read as IPv4.
	datagram := v6.AppendTo(bytes.Repeat([]byte{0x11}, 64))
	got, err := FromTail(datagram)
	if err != nil {
		t.Fatalf("FromTail() error = %v", err)
	}
	if got != v6 {
		t.Errorf("FromTail() = %v, want %v", got, v6)
	}

	datagram = v4.AppendTo(bytes.Repeat([]byte{0x22}, 64))
	got, err = FromTail(datagram)
	if err != nil {
		t.Fatalf("FromTail() error = %v", err)
	}
	if got != v4 {
		t.Errorf("FromTail() = %v, want %v", got, v4)
	}
}

func TestFromTail_LegacyV4Footer(t *testing.T) {
	f := testFlows()[0]
	tail := f.Encode()
	binary.BigEndian.PutUint64(tail[V4Len-8:], FooterV4Legacy)

	got, err := FromTail(tail)
	if err != nil {
		t.Fatalf("FromTail() error = %v", err)
	}
	if got != f {
		t.Errorf("FromTail() = %v, want %v", got, f)
	}
}

func TestFromTail_Errors(t *testing.T) {
	v6Footer := make([]byte, 30)
	binary.BigEndian.PutUint64(v6Footer[22:], FooterV6)

	v4Footer := make([]byte, 12)
	binary.BigEndian.PutUint64(v4Footer[4:], FooterV4)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTailTooShort},
		{"shorter than footer", []byte{1, 2, 3}, ErrTailTooShort},
		{"unknown footer", bytes.Repeat([]byte{0xEE}, 64), ErrUnknownFooter},
		{"truncated v4", v4Footer, ErrTailTooShort},
		{"truncated v6", v6Footer, ErrTailTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromTail(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("FromTail() error = %v, want %v", err, tt.want)
			}
		})
	}
}
