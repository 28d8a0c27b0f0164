package connector

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// DefaultPort is the THL replication port.
const DefaultPort = 2112

// URI schemes.
const (
	SchemePlain = "thl"
	SchemeTLS   = "thls"
)

// Endpoint is a parsed master URI.
type Endpoint struct {
	URI  string
	Host string
	Port int
	TLS  bool
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseURI parses thl://host[:port]/ or thls://host[:port]/.
func ParseURI(s string) (Endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse master uri %q: %w", s, err)
	}
	ep := Endpoint{URI: s, Port: DefaultPort}
	switch u.Scheme {
	case SchemePlain:
	case SchemeTLS:
		ep.TLS = true
	default:
		return Endpoint{}, fmt.Errorf("master uri %q: unsupported scheme %q", s, u.Scheme)
	}
	ep.Host = u.Hostname()
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("master uri %q: missing host", s)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("master uri %q: invalid port %q", s, p)
		}
		ep.Port = port
	}
	return ep, nil
}
