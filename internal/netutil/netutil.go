package netutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

type IPv4 [4]byte

func (ip IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// ParseIPv4 validates s as a dotted-quad IPv4 address.
func ParseIPv4(s string) (IPv4, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return IPv4{}, fmt.Errorf("invalid IP address: %q", s)
	}

	ip4 := ip.To4()
	if ip4 == nil {
		return IPv4{}, fmt.Errorf("not a valid IPv4 address: %q", s)
	}

	return IPv4(ip4), nil
}

// IsMulticast reports whether ip lies in 224.0.0.0/4.
func IsMulticast(ip IPv4) bool {
	return ip[0] >= 224 && ip[0] <= 239
}

// IsAdminScoped reports whether ip lies in the administratively-scoped
// 239.0.0.0/8 range, which is never routed off-site.
func IsAdminScoped(ip IPv4) bool {
	return ip[0] == 239
}

// ParsePrefix2 parses a two-octet multicast prefix such as "239.255." and
// returns the leading octets. The trailing dot is optional.
func ParsePrefix2(s string) ([2]byte, error) {
	trimmed := strings.TrimSuffix(s, ".")
	parts := strings.Split(trimmed, ".")
	if len(parts) != 2 {
		return [2]byte{}, fmt.Errorf("prefix must contain exactly two octets, got %q", s)
	}

	var out [2]byte
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return [2]byte{}, fmt.Errorf("invalid prefix octet %q in %q", p, s)
		}
		out[i] = byte(v)
	}

	if out[0] != 239 {
		return [2]byte{}, fmt.Errorf("prefix %q is outside the administratively-scoped range", s)
	}
	return out, nil
}

func ValidatePort(port uint16) error {
	if port == 0 {
		return fmt.Errorf("port cannot be 0")
	}
	return nil
}

func FormatAddress(host IPv4, port uint16) string {
	return fmt.Sprintf("%s:%d", host.String(), port)
}

func ParseUdp4Addr(host IPv4, port uint16) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", FormatAddress(host, port))
}

// FindInterfaceByIP validates the IP as IPv4 and returns the non-loopback
// network interface that has this IP assigned, along with the parsed IPv4 address.
func FindInterfaceByIP(ipStr string) (*net.Interface, IPv4, error) {
	addr4, err := ParseIPv4(ipStr)
	if err != nil {
		return nil, IPv4{}, err
	}
	ip := net.IP(addr4[:])

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, IPv4{}, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ifaceIP net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ifaceIP = v.IP
			case *net.IPAddr:
				ifaceIP = v.IP
			}

			if ifaceIP != nil && ifaceIP.Equal(ip) {
				return &iface, addr4, nil
			}
		}
	}

	return nil, IPv4{}, fmt.Errorf("IP %s not found on any non-loopback interface", ipStr)
}
