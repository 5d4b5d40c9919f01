package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/types"
)

// Registry manages DICOM service handlers and routes incoming DIMSE requests.
//
// The registry acts as a dispatcher, routing requests to the appropriate
// handler based on the command field. Handlers stream any number of responses
// through the dimse.ResponseWriter they are given.
//
// Example usage:
//
//	registry := services.NewRegistry(nil)
//	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService(nil))
//	registry.RegisterHandler(types.CFindRQ, myFindService)
//
//	pump := dimse.NewPump(svc, assoc, dimse.PumpOptions{Handler: registry})
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint16]dimse.RequestHandler
	logger   *slog.Logger
}

// NewRegistry creates a new, empty service registry.
//
// Use RegisterHandler to add service handlers. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[uint16]dimse.RequestHandler),
		logger:   logger,
	}
}

// RegisterHandler registers a service handler for a specific DIMSE command.
//
// The handler will be invoked when a request with the specified command field
// is received. Only one handler can be registered per command field; calling
// RegisterHandler again with the same command will replace the previous handler.
//
// Parameters:
//   - commandField: The DIMSE command field (e.g., types.CEchoRQ, types.CFindRQ)
//   - handler: The service handler that will process requests for this command
func (r *Registry) RegisterHandler(commandField uint16, handler dimse.RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[commandField] = handler
}

// UnregisterHandler removes a service handler for a specific DIMSE command.
//
// After unregistering, requests with this command field are answered with
// SOP Class Not Supported.
func (r *Registry) UnregisterHandler(commandField uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, commandField)
}

// HandleRequest routes a request to the handler registered for its command field.
//
// If no handler is registered, a failure response with status 0x0122 (SOP Class
// Not Supported) is sent. The association stays up.
//
// This method implements the dimse.RequestHandler interface.
func (r *Registry) HandleRequest(ctx context.Context, msg *dimse.Message, w dimse.ResponseWriter) error {
	r.logger.DebugContext(ctx, "Routing DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.Command.CommandField),
		"message_id", msg.Command.MessageID)

	r.mu.RLock()
	handler, ok := r.handlers[msg.Command.CommandField]
	r.mu.RUnlock()
	if !ok {
		r.logger.WarnContext(ctx, "No handler registered for DIMSE command",
			"command_field", fmt.Sprintf("0x%04x", msg.Command.CommandField))
		return w.Send(CreateErrorResponse(msg.Command, types.StatusSOPClassNotSupported), nil)
	}
	return handler.HandleRequest(ctx, msg, w)
}

// HasHandler returns true if a handler is registered for the given command field.
func (r *Registry) HasHandler(commandField uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[commandField]
	return ok
}

// RegisteredCommands returns the command fields that have handlers registered, in
// ascending order.
func (r *Registry) RegisteredCommands() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	commands := make([]uint16, 0, len(r.handlers))
	for cmd := range r.handlers {
		commands = append(commands, cmd)
	}
	slices.Sort(commands)
	return commands
}

// CreateErrorResponse creates a standard DIMSE error response.
//
// This is a utility function for creating error responses when handling fails.
// The response will have the appropriate response command field, the message ID
// being responded to, and the specified status code.
//
// Parameters:
//   - req: The original request command
//   - status: The status code for the error response
//
// Returns:
//   - Error response command
func CreateErrorResponse(req *dimse.Command, status uint16) *dimse.Command {
	return &dimse.Command{Message: types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}}
}
