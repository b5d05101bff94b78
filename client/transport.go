package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
)

// dial opens the transport described by opts: a TCP stream, upgraded to TLS
// when TLS options are present. On any failure the socket is closed before
// returning.
func dial(ctx context.Context, opts *Options) (net.Conn, error) {
	var d net.Dialer
	addr := net.JoinHostPort(opts.host, strconv.Itoa(int(opts.port)))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if opts.tls == nil {
		return conn, nil
	}

	tlsConn := tls.Client(conn, opts.tls.config(opts.host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if opts.tls.checkRevocation {
		if len(tlsConn.ConnectionState().OCSPResponse) == 0 {
			tlsConn.Close()
			return nil, fmt.Errorf(
				"tls: server presented no stapled OCSP response")
		}
	}
	return tlsConn, nil
}
