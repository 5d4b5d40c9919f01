package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/types"
)

// CFindRequest encapsulates the information required to perform a C-FIND query.
type CFindRequest struct {
	SOPClassUID string
	MessageID   uint16
	Priority    uint16
	Dataset     *dicom.Dataset
	// Level sets (0008,0052) on a copy of Dataset when not empty.
	Level string
	// OnResponse, when set, sees every response as it arrives, pending matches first.
	OnResponse func(*CFindResponse)
}

// CFindResponse represents a single C-FIND response from the SCP.
type CFindResponse struct {
	Status    uint16
	MessageID uint16
	Dataset   *dicom.Dataset
}

// SendCFind performs a DICOM C-FIND query and returns all responses in order.
func (a *Association) SendCFind(req *CFindRequest) ([]*CFindResponse, error) {
	return a.SendCFindContext(context.Background(), req)
}

// SendCFindContext is SendCFind bounded by ctx.
func (a *Association) SendCFindContext(ctx context.Context, req *CFindRequest) ([]*CFindResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("c-find request cannot be nil")
	}

	if req.Dataset == nil {
		return nil, fmt.Errorf("c-find request requires a dataset")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelFind
	}

	r := dimse.NewCFindRequest(req.Level, sopClass, req.Dataset)
	r.Command.MessageID = req.MessageID
	r.Command.Priority = req.Priority

	var responses collector[*CFindResponse]
	r.OnResponse = func(_ *dimse.Request, msg *dimse.Message) {
		rsp := &CFindResponse{
			Status:    msg.Command.Status,
			MessageID: msg.Command.MessageIDBeingRespondedTo,
			Dataset:   msg.Dataset,
		}
		responses.add(rsp)
		if req.OnResponse != nil {
			req.OnResponse(rsp)
		}
	}

	if _, err := a.exchange(ctx, r); err != nil {
		return responses.list(), err
	}
	return responses.list(), nil
}
