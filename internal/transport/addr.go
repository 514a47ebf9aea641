package transport

import (
	"fmt"
	"net"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// ParseAddr accepts host:port or a QUIC multiaddr such as
// /ip4/192.0.2.1/udp/4242/quic-v1 and returns host:port.
func ParseAddr(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty address", ErrUnreachable)
	}
	if !strings.HasPrefix(s, "/") {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return s, nil
	}
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if _, err := ma.ValueForProtocol(multiaddr.P_QUIC_V1); err != nil {
		return "", fmt.Errorf("%w: multiaddr %s is not quic-v1", ErrUnsupportedProtocol, s)
	}
	port, err := ma.ValueForProtocol(multiaddr.P_UDP)
	if err != nil {
		return "", fmt.Errorf("%w: multiaddr %s has no udp port", ErrUnreachable, s)
	}
	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS4, multiaddr.P_DNS6, multiaddr.P_DNS} {
		if host, err := ma.ValueForProtocol(code); err == nil {
			return net.JoinHostPort(host, port), nil
		}
	}
	return "", fmt.Errorf("%w: multiaddr %s has no host", ErrUnreachable, s)
}

// Multiaddr renders a UDP address in multiaddr form.
func Multiaddr(addr net.Addr) string {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return addr.String()
	}
	proto := "ip4"
	if udp.IP.To4() == nil {
		proto = "ip6"
	}
	return fmt.Sprintf("/%s/%s/udp/%d/quic-v1", proto, udp.IP.String(), udp.Port)
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
