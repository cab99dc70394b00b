// Package xnetip carries the teacher's prefix/broadcast-address arithmetic
// (common/go/xnetip) into this module's one use of it: computing the
// limited-broadcast address for the discovery beacon's subnet when the
// operator configures one, instead of hardcoding 255.255.255.255.
package xnetip

import (
	"encoding/binary"
	"net/netip"
)

// LastAddr returns the final address of prefix: the IPv4/IPv6 broadcast
// address of the subnet, or prefix.Addr() itself for a host prefix.
func LastAddr(prefix netip.Prefix) netip.Addr {
	ip := prefix.Addr()
	bits := prefix.Bits()

	if ip.Is4() {
		v4b := ip.As4()
		addrBits := binary.BigEndian.Uint32(v4b[:])
		wildcardBits := uint32(1<<(32-bits) - 1)
		broadcastBits := addrBits | wildcardBits

		binary.BigEndian.PutUint32(v4b[:], broadcastBits)
		return netip.AddrFrom4(v4b)
	}

	v6b := ip.As16()
	startByte := 0
	addrBits := binary.BigEndian.Uint64(v6b[:8])
	if bits >= 64 {
		bits -= 64
		startByte = 8
		addrBits = binary.BigEndian.Uint64(v6b[8:])
	} else {
		binary.BigEndian.PutUint64(v6b[8:], ^uint64(0))
	}
	wildcardBits := uint64(1<<(64-bits) - 1)
	broadcastBits := addrBits | wildcardBits
	binary.BigEndian.PutUint64(v6b[startByte:], broadcastBits)
	return netip.AddrFrom16(v6b)
}
