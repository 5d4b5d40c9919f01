// Package transport opens the TCP connections associations run over, with an optional
// TLS wrapping step on either side.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
)

// Initiator secures an outbound connection once TCP is established.
type Initiator interface {
	WrapClient(ctx context.Context, conn net.Conn, remote string) (net.Conn, error)
}

// Acceptor secures an inbound connection before the association starts.
type Acceptor interface {
	WrapServer(ctx context.Context, conn net.Conn) (net.Conn, error)
}

// TLSInitiator performs a client TLS handshake.
type TLSInitiator struct {
	Config *tls.Config
}

// WrapClient implements Initiator. When Config has no ServerName the host part of remote is used.
func (t *TLSInitiator) WrapClient(ctx context.Context, conn net.Conn, remote string) (net.Conn, error) {
	cfg := t.Config
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg = cfg.Clone()
		host, _, err := net.SplitHostPort(remote)
		if err != nil {
			host = remote
		}
		cfg.ServerName = host
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, dicomerr.NewNetworkError("tls handshake", err)
	}
	return tc, nil
}

// TLSAcceptor performs a server TLS handshake.
type TLSAcceptor struct {
	Config *tls.Config
}

// WrapServer implements Acceptor.
func (t *TLSAcceptor) WrapServer(ctx context.Context, conn net.Conn) (net.Conn, error) {
	if t.Config == nil {
		return nil, errors.New("transport: TLS acceptor without config")
	}
	tc := tls.Server(conn, t.Config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, dicomerr.NewNetworkError("tls handshake", err)
	}
	return tc, nil
}

// Dialer opens outbound association transports.
type Dialer struct {
	Timeout    time.Duration
	TCPNoDelay bool
	TLS        Initiator
}

// DialContext connects to addr, applying the TLS initiator when set.
// Every failure is a *errors.NetworkError.
func (d *Dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dicomerr.NewNetworkError("dial", err)
	}
	setNoDelay(conn, d.TCPNoDelay)
	if d.TLS == nil {
		return conn, nil
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	secured, err := d.TLS.WrapClient(ctx, conn, addr)
	if err != nil {
		conn.Close()
		var netErr *dicomerr.NetworkError
		if errors.As(err, &netErr) {
			return nil, err
		}
		return nil, dicomerr.NewNetworkError("tls handshake", err)
	}
	return secured, nil
}

// Config configures a Listener.
type Config struct {
	TCPNoDelay bool
	TLS        Acceptor
	// HandshakeTimeout bounds the TLS handshake of each accepted connection.
	HandshakeTimeout time.Duration
}

// Listener accepts association transports.
type Listener struct {
	net.Listener
	ctx    context.Context
	config Config
}

// Listen opens a TCP listener on addr.
func Listen(ctx context.Context, addr string, config Config) (*Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, dicomerr.NewNetworkError("listen", err)
	}
	return NewListener(ctx, l, config), nil
}

// NewListener wraps an existing listener.
func NewListener(ctx context.Context, l net.Listener, config Config) *Listener {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Listener{Listener: l, ctx: ctx, config: config}
}

// Accept waits for the next connection and runs the acceptor on it. A failed handshake
// closes that connection and returns a *errors.NetworkError; the listener stays usable.
func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	setNoDelay(conn, l.config.TCPNoDelay)
	if l.config.TLS == nil {
		return conn, nil
	}
	ctx := l.ctx
	if l.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.HandshakeTimeout)
		defer cancel()
	}
	secured, err := l.config.TLS.WrapServer(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("accept %s: %w", conn.RemoteAddr(), err)
	}
	return secured, nil
}

// IsHandshakeError reports whether err came from a per-connection handshake rather than
// the listener itself.
func IsHandshakeError(err error) bool {
	var netErr *dicomerr.NetworkError
	return errors.As(err, &netErr) && netErr.Op == "tls handshake"
}

func setNoDelay(conn net.Conn, noDelay bool) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(noDelay)
	}
}
