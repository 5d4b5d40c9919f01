package client

import (
	"context"

	"github.com/caio-sobreiro/dicomulp/dimse"
)

// CEchoResponse represents the result of a C-ECHO operation.
type CEchoResponse struct {
	Status    uint16
	MessageID uint16
}

// SendCEcho performs a DICOM C-ECHO (verification) request and returns the response status.
// A zero messageID lets the association pick one.
func (a *Association) SendCEcho(messageID uint16) (*CEchoResponse, error) {
	req := dimse.NewCEchoRequest()
	req.Command.MessageID = messageID

	msg, err := a.exchange(context.Background(), req)
	if msg == nil {
		return nil, err
	}
	return &CEchoResponse{
		Status:    msg.Command.Status,
		MessageID: msg.Command.MessageIDBeingRespondedTo,
	}, err
}
