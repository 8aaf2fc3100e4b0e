// Package endpoint parses and holds the host[:port] form used by KEK
// descriptors that reference a network endpoint (Azure's key vault
// endpoint, and the optional AWS/GCP endpoint overrides).
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is a parsed host[:port], immutable after Parse. HostAndPort is
// the concatenated wire form used by serializers that round-trip KEK
// descriptors.
type Endpoint struct {
	Host        string
	Port        int
	HasPort     bool
	HostAndPort string
}

// Parse accepts "host" or "host:port", optionally prefixed with a
// "scheme://" which is stripped and ignored (the KEK descriptor only
// cares about the host_and_port form). It rejects empty input and
// malformed port numbers.
func Parse(raw string) (*Endpoint, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty endpoint")
	}

	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = strings.TrimSuffix(s, "/")
	if s == "" {
		return nil, fmt.Errorf("empty endpoint")
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
			// No port present; treat the whole string as the host.
			return &Endpoint{Host: s, HostAndPort: s}, nil
		}
		return nil, fmt.Errorf("endpoint %q: %w", raw, err)
	}

	if host == "" {
		return nil, fmt.Errorf("endpoint %q has empty host", raw)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("endpoint %q has invalid port %q", raw, portStr)
	}

	return &Endpoint{
		Host:        host,
		Port:        port,
		HasPort:     true,
		HostAndPort: s,
	}, nil
}

// Copy deep-copies the endpoint. A nil receiver copies to nil.
func (e *Endpoint) Copy() *Endpoint {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// String returns the host_and_port wire form.
func (e *Endpoint) String() string {
	if e == nil {
		return ""
	}
	return e.HostAndPort
}
