package connector

import (
	"context"
	"crypto/tls"
	"net"
)

// Dialer opens transport connections to endpoints.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (net.Conn, error)
}

// NetDialer dials TCP, wrapping thls:// endpoints in TLS.
type NetDialer struct {
	// TLSConfig is used for thls://. ServerName defaults to the host.
	TLSConfig *tls.Config
}

// Dial connects to ep.
func (d *NetDialer) Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	var nd net.Dialer
	if !ep.TLS {
		return nd.DialContext(ctx, "tcp", ep.Address())
	}
	cfg := &tls.Config{}
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = ep.Host
	}
	td := tls.Dialer{NetDialer: &nd, Config: cfg}
	return td.DialContext(ctx, "tcp", ep.Address())
}
