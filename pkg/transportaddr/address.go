// Package transportaddr implements the tagged transport address grammar
// "<proto>$<host-or-interface>[:<port>]". Addresses are
// strings; this package parses them into a structured form, validates
// them, and tests compatibility between a local and a remote address
// (proto-family and IP-version matching) without opening any socket.
package transportaddr

import (
	"fmt"
	"strconv"
	"strings"
)

// Proto is the transport-protocol tag preceding "$" in the address
// grammar.
type Proto string

const (
	TCP Proto = "tcp"
	UDP Proto = "udp"
	TLS Proto = "tls"
	WS  Proto = "ws"
	WSS Proto = "wss"
	IP  Proto = "ip" // family wildcard: compatible with tcp/udp/tls
)

func (p Proto) valid() bool {
	switch p {
	case TCP, UDP, TLS, WS, WSS, IP:
		return true
	default:
		return false
	}
}

// Address is a parsed transport address.
type Address struct {
	Proto Proto
	// Host is one of: a numeric IPv4/IPv6 literal, a hostname, "*" (any
	// interface; combined with Wildcard port meaning any port), or a bare
	// "%name" interface device name kept as written. It is empty when the
	// address used the bracketed "[%name]" form.
	Host string
	// Device holds the interface name when the address was given as
	// "[%name]"; a bare "%name" stays in Host.
	Device string
	// Port is 0 when no port was specified, meaning "default"/"any"
	// depending on context. PortSpecified distinguishes an explicit ":0"
	// (none observed in practice) from "no port clause at all".
	Port          uint16
	PortSpecified bool
	// Wildcard is true when Host == "*".
	Wildcard bool
	// Exclusive is true when the address carries a trailing "+",
	// requesting an exclusive bind rather than SO_REUSEADDR sharing.
	Exclusive bool
}

// Parse parses a transport address string of the form
// "<proto>$<host>[:<port>]", with an optional trailing "+" for exclusive
// binding and an optional leading "[%dev]" selecting a local NIC, folded
// into Device.
func Parse(s string) (Address, error) {
	var a Address

	rest := s
	if strings.HasSuffix(rest, "+") {
		a.Exclusive = true
		rest = rest[:len(rest)-1]
	}

	dollar := strings.IndexByte(rest, '$')
	if dollar < 0 {
		return Address{}, fmt.Errorf("transportaddr: %q: missing '$' proto separator", s)
	}
	proto := Proto(strings.ToLower(rest[:dollar]))
	if !proto.valid() {
		return Address{}, fmt.Errorf("transportaddr: %q: unknown proto %q", s, proto)
	}
	a.Proto = proto
	hostport := rest[dollar+1:]

	if strings.HasPrefix(hostport, "[%") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return Address{}, fmt.Errorf("transportaddr: %q: unterminated [%%device]", s)
		}
		a.Device = hostport[2:end]
		remainder := hostport[end+1:]
		switch {
		case remainder == "":
		case strings.HasPrefix(remainder, ":"):
			p, err := strconv.ParseUint(remainder[1:], 10, 16)
			if err != nil {
				return Address{}, fmt.Errorf("transportaddr: %q: bad port %q", s, remainder[1:])
			}
			a.Port = uint16(p)
			a.PortSpecified = true
		default:
			return Address{}, fmt.Errorf("transportaddr: %q: junk after [%%device]", s)
		}
		return a, nil
	}

	host, port, err := splitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("transportaddr: %q: %w", s, err)
	}
	a.Host = host
	if port != "" {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return Address{}, fmt.Errorf("transportaddr: %q: bad port %q", s, port)
		}
		a.Port = uint16(p)
		a.PortSpecified = true
	}
	if a.Host == "*" {
		a.Wildcard = true
	}
	if a.Host == "" && a.Device == "" {
		return Address{}, fmt.Errorf("transportaddr: %q: empty host", s)
	}
	return a, nil
}

// splitHostPort separates "host:port", "[v6]:port", or a bare host/device
// with no port clause. A bare "%device" (no brackets) is treated as Host.
func splitHostPort(hostport string) (host, port string, err error) {
	if hostport == "" {
		return "", "", nil
	}
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", "", fmt.Errorf("unterminated IPv6 literal")
		}
		host = hostport[1:end]
		remainder := hostport[end+1:]
		if strings.HasPrefix(remainder, ":") {
			port = remainder[1:]
		} else if remainder != "" {
			return "", "", fmt.Errorf("junk after IPv6 literal: %q", remainder)
		}
		return host, port, nil
	}
	if idx := strings.LastIndexByte(hostport, ':'); idx >= 0 && !strings.Contains(hostport[idx+1:], ":") {
		// Only treat the last colon as a port separator if what follows
		// looks numeric; otherwise this is a bare IPv6-less host with a
		// colon that isn't ours to parse (defensive, rare in practice).
		if _, err := strconv.ParseUint(hostport[idx+1:], 10, 16); err == nil {
			return hostport[:idx], hostport[idx+1:], nil
		}
	}
	return hostport, "", nil
}

// String reconstructs the canonical address string.
func (a Address) String() string {
	var b strings.Builder
	b.WriteString(string(a.Proto))
	b.WriteByte('$')
	switch {
	case a.Device != "":
		b.WriteString("[%")
		b.WriteString(a.Device)
		b.WriteByte(']')
	case strings.Contains(a.Host, ":"):
		b.WriteByte('[')
		b.WriteString(a.Host)
		b.WriteByte(']')
	default:
		b.WriteString(a.Host)
	}
	if a.PortSpecified {
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(a.Port), 10))
	}
	if a.Exclusive {
		b.WriteByte('+')
	}
	return b.String()
}

// family returns the proto family used for compatibility checks: "ip"
// subsumes tcp/udp/tls, everything else is its own family except ws/wss
// which are each their own family (a ws endpoint is not tcp-compatible
// at the transport-address level even though it rides over TCP).
func (p Proto) family() string {
	switch p {
	case TCP, TLS, IP:
		return "stream-or-ip"
	case UDP:
		return "udp-or-ip"
	case WS:
		return "ws"
	case WSS:
		return "wss"
	default:
		return string(p)
	}
}

// CompatibleWith reports whether a and b could plausibly refer to the
// same peer: proto families match (ip subsumes tcp/udp/tls) and, when
// both hosts are numeric IP literals, IP versions match.
func (a Address) CompatibleWith(b Address) bool {
	if !protoFamiliesCompatible(a.Proto, b.Proto) {
		return false
	}
	if isIPv6Literal(a.Host) != isIPv6Literal(b.Host) {
		// only a meaningful mismatch if both are numeric literals
		if looksNumericIP(a.Host) && looksNumericIP(b.Host) {
			return false
		}
	}
	return true
}

func protoFamiliesCompatible(a, b Proto) bool {
	if a == IP || b == IP {
		other := a
		if a == IP {
			other = b
		}
		// ip subsumes tcp, udp, tls and itself, not the websocket protos.
		return other != WS && other != WSS
	}
	return a.family() == b.family()
}

func isIPv6Literal(host string) bool {
	return strings.Contains(host, ":")
}

func looksNumericIP(host string) bool {
	if host == "*" || host == "" {
		return false
	}
	for _, r := range host {
		if r != '.' && r != ':' && !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') && !(r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}
