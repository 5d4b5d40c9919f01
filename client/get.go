package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/types"
)

// CGetRequest encapsulates the information required to perform a C-GET operation.
type CGetRequest struct {
	SOPClassUID string
	MessageID   uint16
	Priority    uint16
	Dataset     *dicom.Dataset // Query identifying which instances to retrieve
	OnResponse  func(*CGetResponse)
}

// CGetResponse represents a single C-GET response from the SCP.
type CGetResponse struct {
	Status                         uint16
	MessageID                      uint16
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// SendCGet performs a DICOM C-GET operation to retrieve instances.
// The SCP will send C-STORE operations on the same association for each matching instance;
// they are handed to Config.StoreHandler. The storage classes expected must be listed in
// Config.RetrieveSOPClasses so the SCP role is negotiated for them.
//
// Returns responses indicating the progress and final status of the retrieval.
func (a *Association) SendCGet(req *CGetRequest) ([]*CGetResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("c-get request cannot be nil")
	}

	if req.Dataset == nil {
		return nil, fmt.Errorf("c-get request requires a dataset")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelGet
	}

	r := dimse.NewCGetRequest(sopClass, req.Dataset)
	r.Command.MessageID = req.MessageID
	r.Command.Priority = req.Priority

	var responses collector[*CGetResponse]
	r.OnResponse = func(_ *dimse.Request, msg *dimse.Message) {
		rsp := retrieveResponse(msg)
		responses.add(rsp)
		if req.OnResponse != nil {
			req.OnResponse(rsp)
		}
	}

	if _, err := a.exchange(context.Background(), r); err != nil {
		return responses.list(), fmt.Errorf("c-get failed: %w", err)
	}
	return responses.list(), nil
}

func retrieveResponse(msg *dimse.Message) *CGetResponse {
	return &CGetResponse{
		Status:                         msg.Command.Status,
		MessageID:                      msg.Command.MessageIDBeingRespondedTo,
		NumberOfRemainingSuboperations: msg.Command.NumberOfRemainingSuboperations,
		NumberOfCompletedSuboperations: msg.Command.NumberOfCompletedSuboperations,
		NumberOfFailedSuboperations:    msg.Command.NumberOfFailedSuboperations,
		NumberOfWarningSuboperations:   msg.Command.NumberOfWarningSuboperations,
	}
}
