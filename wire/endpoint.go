package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Scheme enumerates the endpoint URL schemes accepted by the runtime
// (spec §6).
type Scheme string

const (
	SchemeTCP   Scheme = "tcp"
	SchemeWS    Scheme = "ws"
	SchemeWSS   Scheme = "wss"
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeUDP   Scheme = "udp"
	SchemeQUIC  Scheme = "quic"
	SchemeMem   Scheme = "mem"
)

// Endpoint is a parsed representation of one of the accepted URL schemes.
type Endpoint struct {
	Scheme    Scheme
	Host      string // empty for mem://
	Port      uint16 // 0 for mem://
	ChannelId string // only set for mem://
}

var knownSchemes = map[string]Scheme{
	"tcp":   SchemeTCP,
	"ws":    SchemeWS,
	"wss":   SchemeWSS,
	"http":  SchemeHTTP,
	"https": SchemeHTTPS,
	"udp":   SchemeUDP,
	"quic":  SchemeQUIC,
	"mem":   SchemeMem,
}

// ParseEndpoint parses a URL of the form "scheme://host:port" (or
// "mem://channel_id", port omitted) into an Endpoint. It rejects empty
// input, unknown schemes, and (for every non-mem scheme) a missing port.
func ParseEndpoint(raw string) (Endpoint, error) {
	if raw == "" {
		return Endpoint{}, fmt.Errorf("wire: empty endpoint")
	}
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return Endpoint{}, fmt.Errorf("wire: endpoint %q missing scheme", raw)
	}
	schemeStr := raw[:idx]
	rest := raw[idx+3:]
	scheme, ok := knownSchemes[schemeStr]
	if !ok {
		return Endpoint{}, fmt.Errorf("wire: unknown scheme %q", schemeStr)
	}

	if scheme == SchemeMem {
		if rest == "" {
			return Endpoint{}, fmt.Errorf("wire: mem endpoint missing channel id")
		}
		return Endpoint{Scheme: scheme, ChannelId: rest}, nil
	}

	host, portStr, found := cutLastColon(rest)
	if !found || portStr == "" {
		return Endpoint{}, fmt.Errorf("wire: endpoint %q missing port", raw)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("wire: endpoint %q has invalid port: %w", raw, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("wire: endpoint %q missing host", raw)
	}
	return Endpoint{Scheme: scheme, Host: host, Port: uint16(port)}, nil
}

// cutLastColon splits s on its final ':' (so IPv6-bracketed hosts with
// embedded colons still split on the port separator correctly).
func cutLastColon(s string) (host, port string, found bool) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

// Format renders an Endpoint back into its URL form; Format(ParseEndpoint(s))
// round-trips for every well-formed s (spec §8 property 5).
func (e Endpoint) Format() string {
	if e.Scheme == SchemeMem {
		return "mem://" + e.ChannelId
	}
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
}

// IsLocal reports whether this endpoint addresses the current host via
// shared memory, used by endpoint-selection preference ordering (spec
// §4.6).
func (e Endpoint) IsLocal() bool {
	return e.Scheme == SchemeMem
}

// SupportsFireAndForgetOnly reports whether this is a udp:// endpoint,
// the scheme endpoint selection ranks last (spec §4.6). orb.SessionFor
// and proxy.Stub do not consult it: a selected UDP endpoint carries
// correlated (request_id != 0) calls as well as fire-and-forget ones.
func (e Endpoint) SupportsFireAndForgetOnly() bool {
	return e.Scheme == SchemeUDP
}
