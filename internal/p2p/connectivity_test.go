package p2p

import (
	"net"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestPairPriority_Symmetric(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := rapid.Uint32().Draw(rt, "g")
		d := rapid.Uint32().Draw(rt, "d")

		fromControlling := PairPriority(g, d)
		fromControlled := PairPriority(g, d)
		if fromControlling != fromControlled {
			rt.Fatalf("PairPriority must be a pure function of (g,d)")
		}

		// Swapping roles (who is G vs D) must not silently collide for
		// distinct (g,d): the tie-break bit keeps G>D and D>G distinguishable.
		if g != d {
			swapped := PairPriority(d, g)
			if swapped == fromControlling {
				rt.Fatalf("priority collided across role swap: g=%d d=%d", g, d)
			}
		}
	})
}

func TestPairPriority_MinMaxOrdering(t *testing.T) {
	lo := PairPriority(10, 20)
	hi := PairPriority(100, 20)
	if hi <= lo {
		t.Fatalf("expected higher controlling priority to raise pair priority: lo=%d hi=%d", lo, hi)
	}
}

func TestFormPairs_SortedDescending(t *testing.T) {
	local := []Candidate{
		{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, Priority: 100},
		{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2}, Priority: 200},
	}
	remote := []Candidate{
		{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 3}, Priority: 50},
	}
	pairs := FormPairs(local, remote, true)
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(pairs))
	}
	if pairs[0].Priority < pairs[1].Priority {
		t.Fatalf("pairs not sorted descending: %+v", pairs)
	}
}

func TestCheckList_InitialStateFirstWaitingRestFrozen(t *testing.T) {
	pairs := FormPairs(
		[]Candidate{{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, Priority: 10}},
		[]Candidate{
			{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2}, Priority: 20},
			{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 3}, Priority: 30},
		}, true)
	cl := NewCheckList(pairs)
	if cl.Pairs[0].State != PairWaiting {
		t.Fatalf("expected first pair waiting, got %v", cl.Pairs[0].State)
	}
	for _, p := range cl.Pairs[1:] {
		if p.State != PairFrozen {
			t.Fatalf("expected remaining pairs frozen, got %v", p.State)
		}
	}
}

func TestCheckList_SucceedUnfreezesNext(t *testing.T) {
	pairs := FormPairs(
		[]Candidate{{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, Priority: 10}},
		[]Candidate{
			{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2}, Priority: 20},
			{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 3}, Priority: 30},
		}, true)
	cl := NewCheckList(pairs)
	idx := cl.NextWaiting()
	cl.MarkInProgress(idx, time.Now())
	cl.MarkSucceeded(idx)

	found := false
	for _, p := range cl.Pairs {
		if p.State == PairWaiting {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a frozen pair to unfreeze after success: %+v", cl.Pairs)
	}
}

func TestCheckList_NominateAndRetrieve(t *testing.T) {
	pairs := FormPairs(
		[]Candidate{{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}, Priority: 10}},
		[]Candidate{{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2}, Priority: 20}}, true)
	cl := NewCheckList(pairs)
	cl.MarkSucceeded(0)
	cl.Nominate(0)

	p, ok := cl.NominatedPair()
	if !ok || !p.Nominated {
		t.Fatalf("expected nominated pair to be retrievable")
	}
}

func TestBindingRequestResponse_Roundtrip(t *testing.T) {
	req := BindingRequest{SessionID: [16]byte{1, 2, 3}, Priority: 12345, Controlling: true}
	decodedReq, err := DecodeBindingRequest(EncodeBindingRequest(req))
	if err != nil || decodedReq != req {
		t.Fatalf("binding request roundtrip mismatch: got %+v err %v", decodedReq, err)
	}

	resp := BindingResponse{SessionID: [16]byte{9, 8, 7}, Nominate: true}
	decodedResp, err := DecodeBindingResponse(EncodeBindingResponse(resp))
	if err != nil || decodedResp != resp {
		t.Fatalf("binding response roundtrip mismatch: got %+v err %v", decodedResp, err)
	}
}

func TestDecodeBindingRequest_RejectsMalformed(t *testing.T) {
	if _, err := DecodeBindingRequest([]byte{0x02}); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
