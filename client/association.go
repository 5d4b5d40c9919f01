package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/caio-sobreiro/dicomulp/association"
	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/engine"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/interfaces"
	"github.com/caio-sobreiro/dicomulp/pdu"
	"github.com/caio-sobreiro/dicomulp/services"
	"github.com/caio-sobreiro/dicomulp/transport"
	"github.com/caio-sobreiro/dicomulp/types"
)

// Association represents a client-side DICOM association
type Association struct {
	svc    *engine.Service
	assoc  *association.Association
	pump   *dimse.Pump
	logger *slog.Logger
	config Config

	runDone chan struct{}
}

// Config holds client configuration
type Config struct {
	CallingAETitle            string
	CalledAETitle             string
	MaxPDULength              uint32
	ConnectTimeout            time.Duration // Timeout for establishing connection (default: 30s)
	ReadTimeout               time.Duration // Timeout for read operations (default: 60s)
	WriteTimeout              time.Duration // Timeout for write operations (default: 60s)
	Logger                    *slog.Logger  // Logger for the association (default: slog.Default())
	PreferredTransferSyntaxes []string      // Transfer syntaxes to propose (default: Explicit VR, Implicit VR)

	// SOPClasses are proposed by Connect (default: CT, MR and secondary capture storage,
	// verification and the study root query/retrieve models).
	SOPClasses []string
	// RetrieveSOPClasses are proposed with the SCP role so C-GET sub-operations can arrive.
	RetrieveSOPClasses []string
	// MaxAsyncOps is the asynchronous operations window proposed (default: 1, synchronous).
	// A negative value proposes an unlimited window.
	MaxAsyncOps int
	// Linger is how long Client.Send waits for new requests once its queue drains (default: 50ms).
	Linger time.Duration
	TLS    *tls.Config
	// StoreHandler receives C-STORE sub-operations of a C-GET.
	StoreHandler interfaces.StoreHandler
	// Options tunes the engine; timeouts above take precedence.
	Options engine.Options
}

const defaultLinger = 50 * time.Millisecond

var defaultSOPClasses = []string{
	types.CTImageStorage,
	types.MRImageStorage,
	types.SecondaryCaptureImageStorage,
	types.VerificationSOPClass,
	types.StudyRootQueryRetrieveInformationModelFind,
	types.StudyRootQueryRetrieveInformationModelMove,
	types.StudyRootQueryRetrieveInformationModelGet,
}

func (c Config) withDefaults() Config {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = 16384 // Default 16KB
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if len(c.PreferredTransferSyntaxes) == 0 {
		c.PreferredTransferSyntaxes = []string{
			types.ExplicitVRLittleEndian,
			types.ImplicitVRLittleEndian,
		}
	}
	if c.Linger <= 0 {
		c.Linger = defaultLinger
	}
	if c.MaxAsyncOps == 0 {
		c.MaxAsyncOps = 1
	}
	return c
}

func (c Config) engineOptions() engine.Options {
	opts := c.Options
	if opts == (engine.Options{}) {
		opts = engine.DefaultOptions()
	}
	opts.MaxPDULength = c.MaxPDULength
	opts.ReadTimeout = c.ReadTimeout
	opts.WriteTimeout = c.WriteTimeout
	opts.Logger = c.Logger
	return opts
}

func (c Config) dialer() *transport.Dialer {
	d := &transport.Dialer{Timeout: c.ConnectTimeout, TCPNoDelay: c.engineOptions().TCPNoDelay}
	if c.TLS != nil {
		d.TLS = &transport.TLSInitiator{Config: c.TLS}
	}
	return d
}

// proposal builds an association request with one context per SOP class.
func (c Config) proposal(sopClasses []string) (*association.Association, error) {
	a := association.New(c.CallingAETitle, c.CalledAETitle)
	a.MaxPDULength = c.MaxPDULength
	window := uint16(0)
	if c.MaxAsyncOps > 0 {
		window = uint16(min(c.MaxAsyncOps, 0xFFFF))
	}
	a.MaxAsyncOpsInvoked, a.MaxAsyncOpsPerformed = window, window
	for _, uid := range sopClasses {
		if _, err := a.AddContext(uid, c.PreferredTransferSyntaxes...); err != nil {
			return nil, err
		}
	}
	scp := true
	for _, uid := range c.RetrieveSOPClasses {
		pc, err := a.AddContext(uid, c.PreferredTransferSyntaxes...)
		if err != nil {
			return nil, err
		}
		pc.SCPRole = &scp
	}
	return a, nil
}

// Connect establishes a DICOM association with a remote SCP
func Connect(address string, config Config) (*Association, error) {
	config = config.withDefaults()
	sopClasses := config.SOPClasses
	if len(sopClasses) == 0 {
		sopClasses = defaultSOPClasses
	}
	proposal, err := config.proposal(sopClasses)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	return open(ctx, address, config, proposal, nil)
}

// open dials address, requests proposal and starts the receive loop. connected, when set,
// runs between the two.
func open(ctx context.Context, address string, config Config, proposal *association.Association, connected func()) (*Association, error) {
	h := &handler{logger: config.Logger}
	svc, err := engine.Dial(ctx, config.dialer(), address, h, config.engineOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dicomerr.ErrNeverConnected, err)
	}
	if connected != nil {
		connected()
	}
	if err := svc.RequestAssociation(ctx, proposal); err != nil {
		return nil, err
	}

	a := &Association{
		svc:     svc,
		assoc:   proposal,
		logger:  config.Logger.With("remote_addr", address),
		config:  config,
		runDone: make(chan struct{}),
	}
	a.pump = dimse.NewPump(svc, proposal, dimse.PumpOptions{
		Handler:        a.registry(),
		IgnoreAsyncOps: config.Options.IgnoreAsyncOps,
		LogDatasets:    config.Options.LogDimseDatasets,
		Logger:         a.logger,
	})
	h.set(svc, a.pump)

	go func() {
		defer close(a.runDone)
		_ = svc.Run(context.Background())
	}()

	a.logger.Info("DICOM association established",
		"calling_ae", config.CallingAETitle,
		"called_ae", config.CalledAETitle,
		"accepted_contexts", proposal.AcceptedCount())
	return a, nil
}

// registry serves what the peer may send us: verification and C-GET sub-operations.
func (a *Association) registry() *services.Registry {
	r := services.NewRegistry(a.logger)
	r.RegisterHandler(types.CEchoRQ, services.NewEchoService(a.logger))
	if h := a.config.StoreHandler; h != nil {
		r.RegisterHandler(types.CStoreRQ, dimse.RequestHandlerFunc(func(ctx context.Context, msg *dimse.Message, w dimse.ResponseWriter) error {
			return w.Send(services.NewCStoreResponse(msg.Command, h.OnCStore(ctx, msg)), nil)
		}))
	}
	return r
}

// Negotiated returns the association as accepted by the peer.
func (a *Association) Negotiated() *association.Association {
	return a.assoc
}

// GetPresentationContextID returns the accepted context for an abstract syntax
func (a *Association) GetPresentationContextID(abstractSyntax string) (byte, error) {
	pc, ok := a.assoc.AcceptedContext(abstractSyntax)
	if !ok {
		return 0, fmt.Errorf("%w for abstract syntax %s", dicomerr.ErrNoPresentationCtx, abstractSyntax)
	}
	return pc.ID, nil
}

// exchange sends req and waits for its final response, bounded by the read timeout when
// ctx has no deadline of its own.
func (a *Association) exchange(ctx context.Context, req *dimse.Request) (*dimse.Message, error) {
	if _, ok := ctx.Deadline(); !ok && a.config.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.ReadTimeout)
		defer cancel()
	}
	if err := a.pump.Send(ctx, req); err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

// Close releases the association and waits for the connection to end.
func (a *Association) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.ReadTimeout)
	defer cancel()
	err := a.release(ctx)
	if err != nil {
		a.logger.Warn("Failed to release association", "error", err)
	}
	return err
}

func (a *Association) release(ctx context.Context) error {
	err := a.svc.Release(ctx)
	<-a.runDone
	if cerr := a.pump.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Abort drops the association with an A-ABORT.
func (a *Association) Abort() {
	a.svc.Abort(pdu.AbortSourceServiceUser, pdu.AbortReasonNotSpecified)
	<-a.runDone
	_ = a.pump.Close(context.Background())
}

// Err is why the association ended; nil after a normal release.
func (a *Association) Err() error {
	return a.svc.Err()
}

// Done is closed when the association has ended.
func (a *Association) Done() <-chan struct{} {
	return a.svc.Done()
}

// handler feeds engine messages to the pump.
type handler struct {
	engine.NopHandler
	logger *slog.Logger

	mu   sync.Mutex
	svc  *engine.Service
	pump *dimse.Pump
}

func (h *handler) set(svc *engine.Service, p *dimse.Pump) {
	h.mu.Lock()
	h.svc, h.pump = svc, p
	h.mu.Unlock()
}

func (h *handler) get() (*engine.Service, *dimse.Pump) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.svc, h.pump
}

func (h *handler) OnMessage(ctx context.Context, msg *engine.Message) {
	svc, p := h.get()
	if p == nil {
		msg.Release()
		return
	}
	if err := p.Dispatch(ctx, msg); err != nil {
		h.logger.Warn("Undecodable DIMSE message", "context_id", msg.ContextID, "error", err)
		svc.Abort(pdu.AbortSourceServiceProvider, pdu.AbortReasonInvalidPDUParamValue)
	}
}

func (h *handler) OnClosed(err error) {
	if _, p := h.get(); p != nil {
		p.FailAll(err)
	}
}

// collector gathers responses seen on the receive goroutine.
type collector[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	c.items = append(c.items, v)
	c.mu.Unlock()
}

func (c *collector[T]) list() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}
