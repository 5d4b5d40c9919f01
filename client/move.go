package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/types"
)

// CMoveRequest asks the SCP to send matching instances to Destination.
type CMoveRequest struct {
	SOPClassUID string
	MessageID   uint16
	Priority    uint16
	Destination string
	Dataset     *dicom.Dataset
	OnResponse  func(*CMoveResponse)
}

// CMoveResponse carries the same sub-operation counters as a C-GET response.
type CMoveResponse = CGetResponse

// SendCMove performs a DICOM C-MOVE and returns its responses in order.
func (a *Association) SendCMove(req *CMoveRequest) ([]*CMoveResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("c-move request cannot be nil")
	}
	if req.Dataset == nil {
		return nil, fmt.Errorf("c-move request requires a dataset")
	}
	if req.Destination == "" {
		return nil, fmt.Errorf("c-move request requires a destination AE title")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelMove
	}

	r := dimse.NewCMoveRequest(sopClass, req.Destination, req.Dataset)
	r.Command.MessageID = req.MessageID
	r.Command.Priority = req.Priority

	var responses collector[*CMoveResponse]
	r.OnResponse = func(_ *dimse.Request, msg *dimse.Message) {
		rsp := retrieveResponse(msg)
		responses.add(rsp)
		if req.OnResponse != nil {
			req.OnResponse(rsp)
		}
	}

	if _, err := a.exchange(context.Background(), r); err != nil {
		return responses.list(), fmt.Errorf("c-move failed: %w", err)
	}
	return responses.list(), nil
}
