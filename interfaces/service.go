// Package interfaces contains the capability interfaces a server provider may implement.
//
// The server probes its provider for each interface independently; a provider implements
// only the services it offers. Requests for a missing capability are answered with
// SOP Class Not Supported.
package interfaces

import (
	"context"

	"github.com/caio-sobreiro/dicomulp/association"
	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/engine"
)

// AssociationHandler decides incoming associations. It negotiates the presentation
// contexts of a before accepting.
type AssociationHandler interface {
	OnAssociationRequest(ctx context.Context, a *association.Association) engine.Decision
}

// EchoHandler answers C-ECHO with a status.
type EchoHandler interface {
	OnCEcho(ctx context.Context, msg *dimse.Message) uint16
}

// StoreHandler consumes a C-STORE data set and returns the response status.
// msg.Dataset is only valid until the handler returns.
type StoreHandler interface {
	OnCStore(ctx context.Context, msg *dimse.Message) uint16
}

// FindHandler streams C-FIND matches as pending responses followed by a final one.
type FindHandler interface {
	OnCFind(ctx context.Context, msg *dimse.Message, w dimse.ResponseWriter) error
}

// MoveHandler serves C-MOVE. Sub-operations run on an association the handler opens to
// the move destination.
type MoveHandler interface {
	OnCMove(ctx context.Context, msg *dimse.Message, w dimse.ResponseWriter) error
}

// GetHandler serves C-GET, sending matches back as C-STORE sub-operations on the same
// association.
type GetHandler interface {
	OnCGet(ctx context.Context, msg *dimse.Message, w CGetResponder) error
}

// CGetResponder is the ResponseWriter handed to a GetHandler.
type CGetResponder interface {
	dimse.ResponseWriter
	// SendCStore sends a C-STORE sub-operation on the requesting association and waits for
	// its status.
	SendCStore(ctx context.Context, ds *dicom.Dataset) (uint16, error)
}

// NHandler is a catch-all for the DIMSE-N services.
type NHandler interface {
	HandleN(ctx context.Context, msg *dimse.Message, w dimse.ResponseWriter) error
}

// ReleaseHandler is told when the requestor releases the association.
type ReleaseHandler interface {
	OnAssociationRelease(ctx context.Context, a *association.Association)
}

// AbortHandler is told when the peer aborts.
type AbortHandler interface {
	OnAbort(ctx context.Context, source, reason byte)
}

// ConnectionClosedHandler is told when a connection ends; err is nil after a release.
type ConnectionClosedHandler interface {
	OnConnectionClosed(ctx context.Context, err error)
}
