// Package services provides reusable DICOM service implementations.
//
// This package contains standard DICOM service implementations that can be
// used by any DICOM server application. These implementations follow the
// DICOM standard and have no external backend dependencies.
package services

import (
	"context"
	"log/slog"

	"github.com/caio-sobreiro/dicomulp/dimse"
)

// EchoService handles C-ECHO verification requests.
//
// C-ECHO is used to verify connectivity and application-level communication
// between two DICOM Application Entities (AEs). It's the DICOM equivalent
// of a "ping" operation.
//
// The C-ECHO service is stateless and requires no external dependencies.
type EchoService struct {
	logger *slog.Logger
}

// NewEchoService creates a new C-ECHO service instance.
//
// A nil logger uses slog.Default().
func NewEchoService(logger *slog.Logger) *EchoService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoService{logger: logger}
}

// OnCEcho answers a C-ECHO-RQ with Success.
//
// According to DICOM standard PS3.4, C-ECHO has no dataset and simply
// returns a status indicating whether the AE is operational.
func (s *EchoService) OnCEcho(ctx context.Context, msg *dimse.Message) uint16 {
	s.logger.DebugContext(ctx, "Processing C-ECHO request",
		"message_id", msg.Command.MessageID,
		"affected_sop_class", msg.Command.AffectedSOPClassUID)
	s.logger.InfoContext(ctx, "C-ECHO request successful", "message_id", msg.Command.MessageID)
	return dimse.StatusSuccess
}

// HandleRequest implements dimse.RequestHandler so the service can be registered in a
// Registry directly.
func (s *EchoService) HandleRequest(ctx context.Context, msg *dimse.Message, w dimse.ResponseWriter) error {
	return w.Send(NewCEchoResponse(msg.Command, s.OnCEcho(ctx, msg)), nil)
}

// HealthCheck verifies that the echo service is operational.
//
// Since echo service is stateless with no external dependencies,
// this always returns healthy.
func (s *EchoService) HealthCheck(ctx context.Context) error {
	return nil
}
