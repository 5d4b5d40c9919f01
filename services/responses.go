package services

import (
	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/types"
)

// ResponseBuilder provides convenient methods for creating standard DIMSE response commands.
//
// These builders ensure that responses are properly formatted according to the
// DICOM standard and include all required fields.
type ResponseBuilder struct {
	request *dimse.Command
}

// NewResponseBuilder creates a new response builder for the given request.
//
// The builder will automatically populate common fields like MessageIDBeingRespondedTo
// and AffectedSOPClassUID from the request.
func NewResponseBuilder(request *dimse.Command) *ResponseBuilder {
	return &ResponseBuilder{request: request}
}

func (b *ResponseBuilder) response(field, status uint16, hasDataset bool) *dimse.Command {
	datasetType := uint16(types.NoDataSet)
	if hasDataset {
		datasetType = types.DataSetPresent
	}
	return &dimse.Command{Message: types.Message{
		CommandField:              field,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       b.request.AffectedSOPClassUID,
		CommandDataSetType:        datasetType,
		Status:                    status,
	}}
}

// CEchoResponse creates a C-ECHO-RSP.
//
// Parameters:
//   - status: The response status (typically dimse.StatusSuccess)
//
// Returns a C-ECHO-RSP with no dataset.
func (b *ResponseBuilder) CEchoResponse(status uint16) *dimse.Command {
	rsp := b.response(types.CEchoRSP, status, false)
	rsp.AffectedSOPClassUID = types.VerificationSOPClass
	return rsp
}

// CFindResponse creates a C-FIND-RSP.
//
// Parameters:
//   - status: The response status (dimse.StatusSuccess, dimse.StatusPending, etc.)
//   - hasDataset: Whether this response includes a dataset
//
// For pending responses with matches, set status=dimse.StatusPending and hasDataset=true.
// For the final response, set status=dimse.StatusSuccess and hasDataset=false.
func (b *ResponseBuilder) CFindResponse(status uint16, hasDataset bool) *dimse.Command {
	return b.response(types.CFindRSP, status, hasDataset)
}

// CMoveResponse creates a C-MOVE-RSP with sub-operation counts.
//
// Parameters:
//   - status: The response status (dimse.StatusSuccess, dimse.StatusPending, dimse.StatusFailure, etc.)
//   - completed: Number of completed sub-operations (can be nil if not applicable)
//   - failed: Number of failed sub-operations (can be nil if not applicable)
//   - warning: Number of sub-operations with warnings (can be nil if not applicable)
//   - remaining: Number of remaining sub-operations (can be nil if not applicable)
func (b *ResponseBuilder) CMoveResponse(status uint16, completed, failed, warning, remaining *uint16) *dimse.Command {
	return b.retrieveResponse(types.CMoveRSP, status, completed, failed, warning, remaining)
}

// CGetResponse creates a C-GET-RSP with sub-operation counts. See CMoveResponse.
func (b *ResponseBuilder) CGetResponse(status uint16, completed, failed, warning, remaining *uint16) *dimse.Command {
	return b.retrieveResponse(types.CGetRSP, status, completed, failed, warning, remaining)
}

func (b *ResponseBuilder) retrieveResponse(field, status uint16, completed, failed, warning, remaining *uint16) *dimse.Command {
	rsp := b.response(field, status, false)
	rsp.NumberOfCompletedSuboperations = completed
	rsp.NumberOfFailedSuboperations = failed
	rsp.NumberOfWarningSuboperations = warning
	rsp.NumberOfRemainingSuboperations = remaining
	return rsp
}

// CStoreResponse creates a C-STORE-RSP.
//
// Parameters:
//   - status: The response status (typically dimse.StatusSuccess or an error code)
//   - sopInstanceUID: The SOP Instance UID (optional, the request's is used if empty)
//
// Returns a C-STORE-RSP with no dataset.
func (b *ResponseBuilder) CStoreResponse(status uint16, sopInstanceUID string) *dimse.Command {
	if sopInstanceUID == "" {
		sopInstanceUID = b.request.AffectedSOPInstanceUID
	}
	rsp := b.response(types.CStoreRSP, status, false)
	rsp.AffectedSOPInstanceUID = sopInstanceUID
	return rsp
}

// Helper functions for creating responses without a builder instance

// NewCEchoResponse creates a C-ECHO-RSP from a request.
func NewCEchoResponse(request *dimse.Command, status uint16) *dimse.Command {
	return NewResponseBuilder(request).CEchoResponse(status)
}

// NewCFindPendingResponse creates a pending C-FIND-RSP (with dataset).
func NewCFindPendingResponse(request *dimse.Command) *dimse.Command {
	return NewResponseBuilder(request).CFindResponse(dimse.StatusPending, true)
}

// NewCFindSuccessResponse creates a final success C-FIND-RSP (no dataset).
func NewCFindSuccessResponse(request *dimse.Command) *dimse.Command {
	return NewResponseBuilder(request).CFindResponse(dimse.StatusSuccess, false)
}

// NewCFindErrorResponse creates an error C-FIND-RSP.
func NewCFindErrorResponse(request *dimse.Command, status uint16) *dimse.Command {
	return NewResponseBuilder(request).CFindResponse(status, false)
}

// NewCMoveSuccessResponse creates a final success C-MOVE-RSP with sub-operation counts.
func NewCMoveSuccessResponse(request *dimse.Command, completed, failed, warning uint16) *dimse.Command {
	remaining := uint16(0)
	return NewResponseBuilder(request).CMoveResponse(finalStatus(failed, warning), &completed, &failed, &warning, &remaining)
}

// NewCMovePendingResponse creates a pending C-MOVE-RSP with sub-operation counts.
func NewCMovePendingResponse(request *dimse.Command, completed, failed, warning, remaining uint16) *dimse.Command {
	return NewResponseBuilder(request).CMoveResponse(dimse.StatusPending, &completed, &failed, &warning, &remaining)
}

// NewCMoveErrorResponse creates an error C-MOVE-RSP.
func NewCMoveErrorResponse(request *dimse.Command, status uint16) *dimse.Command {
	return NewResponseBuilder(request).CMoveResponse(status, nil, nil, nil, nil)
}

// NewCGetFinalResponse creates the last C-GET-RSP. The status is Success, or the
// sub-operations warning status 0xB000 when any failed or warned.
func NewCGetFinalResponse(request *dimse.Command, completed, failed, warning uint16) *dimse.Command {
	remaining := uint16(0)
	return NewResponseBuilder(request).CGetResponse(finalStatus(failed, warning), &completed, &failed, &warning, &remaining)
}

// NewCGetPendingResponse creates a pending C-GET-RSP with sub-operation counts.
func NewCGetPendingResponse(request *dimse.Command, completed, failed, warning, remaining uint16) *dimse.Command {
	return NewResponseBuilder(request).CGetResponse(dimse.StatusPending, &completed, &failed, &warning, &remaining)
}

// NewCStoreResponse creates a C-STORE-RSP.
func NewCStoreResponse(request *dimse.Command, status uint16) *dimse.Command {
	return NewResponseBuilder(request).CStoreResponse(status, "")
}

// StatusSubOperationsWarning reports that one or more retrieve sub-operations failed or
// completed with warnings.
const StatusSubOperationsWarning = 0xB000

func finalStatus(failed, warning uint16) uint16 {
	if failed > 0 || warning > 0 {
		return StatusSubOperationsWarning
	}
	return dimse.StatusSuccess
}
