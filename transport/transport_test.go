package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
)

func selfSigned(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

func echoServer(t *testing.T, l *Listener) <-chan error {
	errs := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			errs <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			errs <- err
			return
		}
		_, err = conn.Write(buf)
		errs <- err
	}()
	return errs
}

func TestDialPlain(t *testing.T) {
	ctx := context.Background()
	l, err := Listen(ctx, "127.0.0.1:0", Config{TCPNoDelay: true})
	require.NoError(t, err)
	defer l.Close()
	errs := echoServer(t, l)

	d := &Dialer{Timeout: time.Second, TCPNoDelay: true}
	conn, err := d.DialContext(ctx, l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	got := make([]byte, 5)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.NoError(t, <-errs)
}

func TestDialTLS(t *testing.T) {
	ctx := context.Background()
	cert, pool := selfSigned(t)
	l, err := Listen(ctx, "127.0.0.1:0", Config{
		TLS:              &TLSAcceptor{Config: &tls.Config{Certificates: []tls.Certificate{cert}}},
		HandshakeTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer l.Close()
	errs := echoServer(t, l)

	d := &Dialer{Timeout: 5 * time.Second, TLS: &TLSInitiator{Config: &tls.Config{RootCAs: pool}}}
	conn, err := d.DialContext(ctx, l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, ok := conn.(*tls.Conn)
	assert.True(t, ok)

	_, err = conn.Write([]byte("tls!!"))
	require.NoError(t, err)
	got := make([]byte, 5)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "tls!!", string(got))
	assert.NoError(t, <-errs)
}

func TestDialTLSUntrusted(t *testing.T) {
	ctx := context.Background()
	cert, _ := selfSigned(t)
	l, err := Listen(ctx, "127.0.0.1:0", Config{
		TLS: &TLSAcceptor{Config: &tls.Config{Certificates: []tls.Certificate{cert}}},
	})
	require.NoError(t, err)
	defer l.Close()
	errs := echoServer(t, l)

	d := &Dialer{Timeout: 5 * time.Second, TLS: &TLSInitiator{Config: &tls.Config{RootCAs: x509.NewCertPool()}}}
	_, err = d.DialContext(ctx, l.Addr().String())
	require.Error(t, err)
	var netErr *dicomerr.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "tls handshake", netErr.Op)

	serverErr := <-errs
	assert.True(t, IsHandshakeError(serverErr))
}

func TestDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	d := &Dialer{Timeout: time.Second}
	_, err = d.DialContext(context.Background(), addr)
	var netErr *dicomerr.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "dial", netErr.Op)
}
