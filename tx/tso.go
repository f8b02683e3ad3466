package tx

import (
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/gvnic/pktbuf"
)

// Source and destination address locations within the IP headers.
const (
	ipv4AddrOff = 12
	ipv4AddrLen = 8
	ipv6AddrOff = 8
	ipv6AddrLen = 32
)

// setTSOPseudoChecksum stores the pseudo header checksum without the length
// field into the TCP checksum of hdr. The device adds each segment's length
// itself.
func setTSOPseudoChecksum(hdr []byte, o *pktbuf.Offload) {
	ip := hdr[o.L3Offset:]
	var addrs []byte
	if o.IPv6 {
		addrs = ip[ipv6AddrOff : ipv6AddrOff+ipv6AddrLen]
	} else {
		addrs = ip[ipv4AddrOff : ipv4AddrOff+ipv4AddrLen]
	}
	xsum := checksum.Checksum(addrs, 0)
	xsum = checksum.Combine(xsum, uint16(header.TCPProtocolNumber))
	header.TCP(hdr[o.L4Offset:]).SetChecksum(xsum)
}
