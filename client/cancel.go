package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/dicomulp/dimse"
)

// SendCCancel sends a C-CANCEL-RQ to cancel a pending C-FIND, C-GET or C-MOVE operation.
// The messageID parameter must match the MessageID of the operation being canceled.
// C-CANCEL does not have a response; the canceled operation ends with a Cancel status.
func (a *Association) SendCCancel(messageID uint16, sopClassUID string) error {
	if messageID == 0 {
		return fmt.Errorf("messageID must be non-zero for C-CANCEL")
	}

	if sopClassUID == "" {
		return fmt.Errorf("sopClassUID must be provided for C-CANCEL")
	}

	if _, err := a.GetPresentationContextID(sopClassUID); err != nil {
		return err
	}

	if err := a.pump.Send(context.Background(), dimse.NewCCancelRequest(messageID)); err != nil {
		return fmt.Errorf("failed to send C-CANCEL request: %w", err)
	}

	a.logger.Debug("C-CANCEL sent", "messageID", messageID, "sopClassUID", sopClassUID)

	return nil
}
