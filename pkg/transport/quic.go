package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/quic-go/quic-go"
)

// QUICProtocol is the ALPN token offered to the peer
const QUICProtocol = "ser2tcp-tester"

// DialQUIC opens one bidirectional stream to addr. The peer certificate is
// not verified; the stream carries synthetic test traffic only.
func DialQUIC(ctx context.Context, addr string, opts Options) (Transport, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{QUICProtocol},
	}

	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open quic stream: %w", err)
	}

	return &streamConn{
		conn: stream,
		name: "quic:" + addr,
		opts: opts,
		closeFn: func() error {
			return conn.CloseWithError(0, "test finished")
		},
	}, nil
}
