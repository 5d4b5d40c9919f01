package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/caio-sobreiro/dicomulp/association"
	"github.com/caio-sobreiro/dicomulp/engine"
	"github.com/caio-sobreiro/dicomulp/imaging"
	"github.com/caio-sobreiro/dicomulp/transport"
)

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// WithReadTimeout sets the read timeout for client connections.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.ReadTimeout = timeout
	}
}

// WithWriteTimeout sets the write timeout for client connections.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.WriteTimeout = timeout
	}
}

// WithOptions sets the engine options used for every association.
func WithOptions(opts engine.Options) Option {
	return func(s *Server) {
		s.Options = opts
	}
}

// WithMaxAssociations rejects associations beyond n concurrent ones with "local limit
// exceeded". Zero is unlimited.
func WithMaxAssociations(n int) Option {
	return func(s *Server) {
		s.MaxAssociations = n
	}
}

// WithStrictCalledAE rejects requests whose called AE title is not the server's.
func WithStrictCalledAE() Option {
	return func(s *Server) {
		s.StrictCalledAE = true
	}
}

// WithAcceptPolicy sets the negotiation policy used when the provider does not decide
// associations itself.
func WithAcceptPolicy(policy association.AcceptPolicy) Option {
	return func(s *Server) {
		s.Policy = policy
	}
}

// WithTLS serves DICOM over TLS.
func WithTLS(config *tls.Config) Option {
	return func(s *Server) {
		s.TLS = &transport.TLSAcceptor{Config: config}
	}
}

// WithCodecs sets the pixel codecs used to transcode outgoing data sets.
func WithCodecs(reg *imaging.Registry) Option {
	return func(s *Server) {
		s.Codecs = reg
	}
}

// Server exposes a reusable DICOM listener. Each connection gets its own engine.Service and
// dimse.Pump; the provider is shared and must be safe for concurrent use.
type Server struct {
	AETitle         string
	Provider        any
	Logger          *slog.Logger
	ReadTimeout     time.Duration // Read timeout per PDU (default: none)
	WriteTimeout    time.Duration // Write timeout per PDU (default: none)
	Options         engine.Options
	Policy          association.AcceptPolicy
	StrictCalledAE  bool
	MaxAssociations int
	TLS             transport.Acceptor
	Codecs          *imaging.Registry

	active *atomic.Int32
}

// New builds a Server with the provided AE title and provider. The provider implements any
// of the capability interfaces in package interfaces.
func New(aeTitle string, provider any, opts ...Option) *Server {
	srv := &Server{AETitle: aeTitle, Provider: provider, active: atomic.NewInt32(0)}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// ListenAndServe listens on the given address and serves until the context is done or an error occurs.
func ListenAndServe(ctx context.Context, address, aeTitle string, provider any, opts ...Option) error {
	srv := New(aeTitle, provider, opts...)
	listener, err := transport.Listen(ctx, address, transport.Config{
		TCPNoDelay: srv.engineOptions().TCPNoDelay,
		TLS:        srv.TLS,
	})
	if err != nil {
		return err
	}
	defer listener.Close()

	return srv.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled or an unrecoverable error occurs.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("dicomserver: listener is required")
	}
	if s == nil {
		return errors.New("dicomserver: server is nil")
	}
	if s.Provider == nil {
		return errors.New("dicomserver: provider is required")
	}
	if s.AETitle == "" {
		return errors.New("dicomserver: AE title is required")
	}
	if s.active == nil {
		s.active = atomic.NewInt32(0)
	}
	if _, wrapped := listener.(*transport.Listener); !wrapped && s.TLS != nil {
		listener = transport.NewListener(ctx, listener, transport.Config{TCPNoDelay: true, TLS: s.TLS})
	}

	logger := s.logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger.Info("DICOM server listening",
		"address", listener.Addr().String(),
		"ae_title", s.AETitle)

	var (
		wg       sync.WaitGroup
		serveErr error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			if transport.IsHandshakeError(err) {
				logger.Warn("TLS handshake failed", "error", err)
				continue
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn("Accept timeout", "error", err)
				continue
			}
			serveErr = err
			break
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, c, logger)
		}(conn)
	}

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}

	return ctx.Err()
}

// Active returns the number of connections being served.
func (s *Server) Active() int {
	return int(s.active.Load())
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	s.active.Inc()
	defer s.active.Dec()

	logger = logger.With("remote_addr", conn.RemoteAddr().String())
	logger.Info("Accepted DICOM connection")

	sess := newSession(s, logger)
	svc := engine.New(conn, engine.RoleAcceptor, sess, s.engineOptions())
	sess.svc = svc

	err := svc.Run(ctx)
	sess.shutdown()
	if err != nil && ctx.Err() == nil {
		logger.Warn("DIMSE connection ended", "error", err)
	} else {
		logger.Info("DIMSE connection closed")
	}
}

func (s *Server) engineOptions() engine.Options {
	opts := s.Options
	if opts == (engine.Options{}) {
		opts = engine.DefaultOptions()
	}
	if s.ReadTimeout > 0 {
		opts.ReadTimeout = s.ReadTimeout
	}
	if s.WriteTimeout > 0 {
		opts.WriteTimeout = s.WriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = s.logger()
	}
	return opts
}

func (s *Server) maxAssociations() int {
	if s.MaxAssociations > 0 {
		return s.MaxAssociations
	}
	return s.Options.MaxClientsAllowed
}

func (s *Server) policy() association.AcceptPolicy {
	if s.Policy != nil {
		return s.Policy
	}
	return association.DefaultPolicy()
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
