package p2p

import (
	"net"
	"testing"

	"pgregory.net/rapid"
)

func TestCalculatePriority_TypeOrdering(t *testing.T) {
	host := CalculatePriority(Host, 0)
	srflx := CalculatePriority(ServerReflexive, 65535)
	relay := CalculatePriority(Relay, 65535)

	if host <= srflx {
		t.Fatalf("host priority %d should exceed srflx priority %d regardless of local_pref", host, srflx)
	}
	if srflx <= relay {
		t.Fatalf("srflx priority %d should exceed relay priority %d", srflx, relay)
	}
}

func TestCalculatePriority_MonotonicInLocalPref(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.Uint32Range(0, 65534).Draw(rt, "a")
		b := rapid.Uint32Range(a+1, 65535).Draw(rt, "b")
		kind := rapid.SampledFrom([]Kind{Host, ServerReflexive, Relay}).Draw(rt, "kind")

		lo := CalculatePriority(kind, a)
		hi := CalculatePriority(kind, b)
		if hi <= lo {
			rt.Fatalf("priority must increase with local_pref: lo=%d(pref=%d) hi=%d(pref=%d)", lo, a, hi, b)
		}
	})
}

func TestSortAndDedupe_OrdersByPriorityDescending(t *testing.T) {
	cands := []Candidate{
		{Kind: Relay, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, Priority: CalculatePriority(Relay, 0)},
		{Kind: Host, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2}, Priority: CalculatePriority(Host, 65535)},
		{Kind: ServerReflexive, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 3}, Priority: CalculatePriority(ServerReflexive, 65535)},
	}

	out := SortAndDedupe(cands)
	if len(out) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].Priority > out[i-1].Priority {
			t.Fatalf("not sorted descending at index %d: %v", i, out)
		}
	}
	if out[0].Kind != Host {
		t.Fatalf("expected host candidate first, got %v", out[0].Kind)
	}
}

func TestSortAndDedupe_CoalescesSameAddress(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9}
	cands := []Candidate{
		{Kind: Host, Addr: addr, Priority: CalculatePriority(Host, 65535)},
		{Kind: Host, Addr: addr, Priority: CalculatePriority(Host, 65535)},
	}
	out := SortAndDedupe(cands)
	if len(out) != 1 {
		t.Fatalf("expected dedupe to 1 candidate, got %d", len(out))
	}
}

func TestSortAndDedupe_CapsAtMax(t *testing.T) {
	var cands []Candidate
	for i := 0; i < maxCandidates+5; i++ {
		cands = append(cands, Candidate{
			Kind:     Host,
			Addr:     &net.UDPAddr{IP: net.IPv4(10, 0, byte(i), 1), Port: i + 1},
			Priority: CalculatePriority(Host, uint32(i)),
		})
	}
	out := SortAndDedupe(cands)
	if len(out) != maxCandidates {
		t.Fatalf("expected cap at %d, got %d", maxCandidates, len(out))
	}
}

func TestGatherHostCandidates_ExcludesLoopback(t *testing.T) {
	cands := GatherHostCandidates(4433)
	for _, c := range cands {
		if c.Addr.IP.IsLoopback() {
			t.Fatalf("host candidates must not include loopback: %v", c)
		}
	}
}

func TestWireRoundtrip_PreservesFields(t *testing.T) {
	cands := []Candidate{
		{Kind: Host, Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 4433}, Priority: 12345, Foundation: "host"},
	}
	out := FromWire(ToWire(cands))
	if len(out) != 1 || out[0].Priority != 12345 || out[0].Foundation != "host" {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
}
