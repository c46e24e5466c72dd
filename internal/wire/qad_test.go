package wire

import (
	"net"
	"testing"

	"pgregory.net/rapid"
)

func TestObservedAddress_Roundtrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := byte(rapid.IntRange(0, 255).Draw(t, "a"))
		b := byte(rapid.IntRange(0, 255).Draw(t, "b"))
		c := byte(rapid.IntRange(0, 255).Draw(t, "c"))
		d := byte(rapid.IntRange(0, 255).Draw(t, "d"))
		port := rapid.IntRange(0, 65535).Draw(t, "port")

		addr := &net.UDPAddr{IP: net.IPv4(a, b, c, d), Port: port}
		msg := BuildObservedAddress(addr)
		parsed, ok := ParseObservedAddress(msg)
		if !ok {
			t.Fatalf("roundtrip failed to parse: %x", msg)
		}
		if !parsed.IP.Equal(addr.IP) || parsed.Port != addr.Port {
			t.Fatalf("roundtrip mismatch: got %s want %s", parsed, addr)
		}
	})
}

func TestObservedAddress_WireShape(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 100), Port: 12345}
	msg := BuildObservedAddress(addr)
	if len(msg) != 7 {
		t.Fatalf("expected 7 bytes, got %d", len(msg))
	}
	if msg[0] != 0x01 {
		t.Fatalf("expected tag 0x01, got %#x", msg[0])
	}
	want := []byte{192, 168, 1, 100, 0x30, 0x39}
	for i, b := range want {
		if msg[1+i] != b {
			t.Fatalf("byte %d: got %#x want %#x", i, msg[1+i], b)
		}
	}
}

func TestParseObservedAddress_RejectsWrongLength(t *testing.T) {
	if _, ok := ParseObservedAddress([]byte{0x01, 192, 168, 1, 100}); ok {
		t.Fatal("expected rejection of short message")
	}
	if _, ok := ParseObservedAddress(append(BuildObservedAddress(&net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 1}), 0xFF)); ok {
		t.Fatal("expected rejection of overlong message")
	}
}

func TestParseObservedAddress_RejectsWrongTag(t *testing.T) {
	msg := BuildObservedAddress(&net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 1})
	msg[0] = 0x02
	if _, ok := ParseObservedAddress(msg); ok {
		t.Fatal("expected rejection of wrong tag")
	}
}

func TestBuildObservedAddress_IPv6MapsToZero(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 80}
	msg := BuildObservedAddress(addr)
	if msg[1] != 0 || msg[2] != 0 || msg[3] != 0 || msg[4] != 0 {
		t.Fatalf("expected non-mappable IPv6 to encode as 0.0.0.0, got %v", msg[1:5])
	}
}

func TestBuildObservedAddress_IPv4MappedIPv6(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("::ffff:10.0.0.1"), Port: 443}
	msg := BuildObservedAddress(addr)
	want := []byte{10, 0, 0, 1}
	for i, b := range want {
		if msg[1+i] != b {
			t.Fatalf("byte %d: got %#x want %#x", i, msg[1+i], b)
		}
	}
}
