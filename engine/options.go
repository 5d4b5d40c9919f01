package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/caio-sobreiro/dicomulp/association"
	"github.com/caio-sobreiro/dicomulp/types"
)

// Options configures a Service.
type Options struct {
	// MaxPDULength is the largest P-DATA-TF we accept and advertise.
	MaxPDULength uint32
	// MaxCommandBuffer bounds a reassembled command set.
	MaxCommandBuffer int
	// MaxDataBuffer is how much of a data set is held in memory before spooling to TempDir.
	MaxDataBuffer int64
	TempDir       string
	TCPNoDelay    bool
	// MaxPDVsPerPDU limits how many PDVs share one P-DATA-TF; 0 is unlimited.
	MaxPDVsPerPDU int
	ARTIMTimeout  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration

	// IgnoreAsyncOps makes the message pump ignore the negotiated asynchronous window.
	IgnoreAsyncOps bool
	// MaxClientsAllowed caps concurrent associations on a server; 0 is unlimited.
	MaxClientsAllowed int

	LogDataPDUs      bool
	LogDimseDatasets bool
	Logger           *slog.Logger
}

// DefaultOptions returns the stock service options.
func DefaultOptions() Options {
	return Options{
		MaxPDULength:     types.DefaultMaxPDULength,
		MaxCommandBuffer: 1024,
		MaxDataBuffer:    1024 * 1024,
		TCPNoDelay:       true,
		ARTIMTimeout:     types.DefaultArtimTimeoutMs * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxPDULength == 0 {
		o.MaxPDULength = d.MaxPDULength
	}
	if o.MaxCommandBuffer <= 0 {
		o.MaxCommandBuffer = d.MaxCommandBuffer
	}
	if o.MaxDataBuffer <= 0 {
		o.MaxDataBuffer = d.MaxDataBuffer
	}
	if o.ARTIMTimeout <= 0 {
		o.ARTIMTimeout = d.ARTIMTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Role is the side of the association a Service plays.
type Role int

const (
	RoleRequestor Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "requestor"
}

// Decision answers an association request.
type Decision struct {
	Accept bool
	Result byte
	Source byte
	Reason byte
}

// AcceptAssociation accepts with whatever contexts the handler negotiated, possibly none.
func AcceptAssociation() Decision {
	return Decision{Accept: true}
}

// RejectAssociation rejects permanently.
func RejectAssociation(source, reason byte) Decision {
	return Decision{Result: 0x01, Source: source, Reason: reason}
}

// Handler receives association events from a Service. Calls are made on the receive goroutine;
// implementations that do real work hand it off instead of blocking.
type Handler interface {
	// OnAssociationRequest decides an incoming association. The handler negotiates a's
	// presentation contexts before accepting.
	OnAssociationRequest(ctx context.Context, a *association.Association) Decision
	// OnMessage delivers a fully reassembled DIMSE message.
	OnMessage(ctx context.Context, msg *Message)
	OnReleaseRequest(ctx context.Context)
	OnAbort(ctx context.Context, source, reason byte)
	// OnClosed is called once when the service terminates; err is nil after a normal release.
	OnClosed(err error)
}

// NopHandler ignores every event and rejects association requests. Embed it to implement
// only part of Handler.
type NopHandler struct{}

func (NopHandler) OnAssociationRequest(context.Context, *association.Association) Decision {
	return RejectAssociation(0x01, 0x01)
}
func (NopHandler) OnMessage(context.Context, *Message) {}
func (NopHandler) OnReleaseRequest(context.Context)    {}
func (NopHandler) OnAbort(context.Context, byte, byte) {}
func (NopHandler) OnClosed(error)                      {}
