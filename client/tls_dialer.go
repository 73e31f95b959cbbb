package client

import (
	"context"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// UTLSDialer returns a function compatible with http.Transport.DialTLSContext
// that performs the TLS handshake with the uTLS library, presenting the
// browser ClientHello described by helloID (GREASE values, cipher-suite and
// extension ordering included). SNI is derived from the dialled address.
//
// The returned dialer is safe for concurrent use.
func UTLSDialer(helloID utls.ClientHelloID) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("client: utls dialer: parse addr %q: %w", addr, err)
		}

		var d net.Dialer
		rawConn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("client: utls dialer: dial %s: %w", addr, err)
		}

		uConn := utls.UClient(rawConn, &utls.Config{ServerName: host}, helloID)
		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = uConn.Close()
			return nil, fmt.Errorf("client: utls dialer: TLS handshake with %s: %w", addr, err)
		}

		return uConn, nil
	}
}
