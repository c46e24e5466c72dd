package wire

import (
	"encoding/binary"
	"net"
	"net/netip"
)

// qadLen is the total length of an OBSERVED_ADDRESS datagram: tag(1) +
// ipv4(4) + port(2 BE).
const qadLen = 7

// BuildObservedAddress encodes an OBSERVED_ADDRESS QAD datagram for addr.
// The wire format is IPv4-only; an IPv6 addr is mapped to its embedded v4
// form when possible, and to 0.0.0.0 otherwise.
func BuildObservedAddress(addr *net.UDPAddr) []byte {
	out := make([]byte, qadLen)
	out[0] = byte(TagQADObservedAddress)

	ip4 := addr.IP.To4()
	if ip4 == nil {
		if ap, ok := netip.AddrFromSlice(addr.IP); ok {
			ap = ap.Unmap()
			if ap.Is4() {
				b := ap.As4()
				ip4 = b[:]
			}
		}
	}
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}

	copy(out[1:5], ip4)
	binary.BigEndian.PutUint16(out[5:7], uint16(addr.Port))
	return out
}

// ParseObservedAddress decodes an OBSERVED_ADDRESS datagram. It returns
// (nil, false) iff data is not exactly 7 bytes or data[0] is not
// TagQADObservedAddress.
func ParseObservedAddress(data []byte) (*net.UDPAddr, bool) {
	if len(data) != qadLen || Tag(data[0]) != TagQADObservedAddress {
		return nil, false
	}
	ip := net.IPv4(data[1], data[2], data[3], data[4])
	port := int(binary.BigEndian.Uint16(data[5:7]))
	return &net.UDPAddr{IP: ip, Port: port}, true
}
