package transport

import (
	"fmt"
	"net"
	"time"

	proxyproto "github.com/armon/go-proxyproto"
)

// proxyHeaderTimeout bounds the wait for the PROXY header of a trusted peer.
const proxyHeaderTimeout = 5 * time.Second

// ProxyListener wraps l so that connections from the trusted proxies report
// the source address carried in their PROXY protocol header. Entries are IP
// addresses or CIDR networks. With no trusted proxies, l is returned as is.
func ProxyListener(l net.Listener, trusted []string) (net.Listener, error) {
	if len(trusted) == 0 {
		return l, nil
	}

	nets := make([]*net.IPNet, 0, len(trusted))
	for _, entry := range trusted {
		ip := net.ParseIP(entry)
		if ip != nil {
			bits := 8 * net.IPv6len
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 8 * net.IPv4len
			}

			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}

		_, subnet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("Invalid trusted proxy %q: %w", entry, err)
		}

		nets = append(nets, subnet)
	}

	return &proxyproto.Listener{
		Listener:           l,
		ProxyHeaderTimeout: proxyHeaderTimeout,
		SourceCheck: func(addr net.Addr) (bool, error) {
			tcp, ok := addr.(*net.TCPAddr)
			if !ok {
				return false, nil
			}

			for _, subnet := range nets {
				if subnet.Contains(tcp.IP) {
					return true, nil
				}
			}

			return false, nil
		},
	}, nil
}
