package intermediate

import (
	"net"
	"testing"

	"github.com/hfyeomans/ztna-agent-sub000/internal/metrics"
)

func TestAddressGate_SecondRequestWithinWindowSkipsValidation(t *testing.T) {
	gate, err := newAddressGate(metrics.NewIntermediate())
	if err != nil {
		t.Fatalf("newAddressGate: %v", err)
	}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}

	if !gate.requireValidation(addr) {
		t.Fatalf("expected first request from a new address to require validation")
	}
	if gate.requireValidation(addr) {
		t.Fatalf("expected second request within the validity window to skip validation")
	}
}

func TestAddressGate_DifferentPortRequiresValidation(t *testing.T) {
	gate, err := newAddressGate(metrics.NewIntermediate())
	if err != nil {
		t.Fatalf("newAddressGate: %v", err)
	}
	a := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	b := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2}

	gate.requireValidation(a)
	if !gate.requireValidation(b) {
		t.Fatalf("expected a distinct source port to require its own validation")
	}
}

func TestAddressGate_NonUDPAddrAlwaysValidates(t *testing.T) {
	gate, err := newAddressGate(metrics.NewIntermediate())
	if err != nil {
		t.Fatalf("newAddressGate: %v", err)
	}
	if !gate.requireValidation(&net.TCPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 1}) {
		t.Fatalf("expected non-UDP addr to always require validation")
	}
}
