package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/types"
)

func TestCFindResponses(t *testing.T) {
	req := request(types.CFindRQ, 10, types.StudyRootQueryRetrieveInformationModelFind).Command

	pending := NewCFindPendingResponse(req)
	assert.Equal(t, uint16(types.CFindRSP), pending.CommandField)
	assert.Equal(t, uint16(dimse.StatusPending), pending.Status)
	assert.Equal(t, uint16(types.DataSetPresent), pending.CommandDataSetType)
	assert.Equal(t, req.AffectedSOPClassUID, pending.AffectedSOPClassUID)

	final := NewCFindSuccessResponse(req)
	assert.Equal(t, uint16(dimse.StatusSuccess), final.Status)
	assert.Equal(t, uint16(types.NoDataSet), final.CommandDataSetType)

	failed := NewCFindErrorResponse(req, 0xA900)
	assert.Equal(t, uint16(0xA900), failed.Status)
	assert.Equal(t, uint16(10), failed.MessageIDBeingRespondedTo)
}

func TestCMoveResponses(t *testing.T) {
	req := request(types.CMoveRQ, 3, types.StudyRootQueryRetrieveInformationModelMove).Command

	pending := NewCMovePendingResponse(req, 1, 0, 0, 4)
	require.NotNil(t, pending.NumberOfRemainingSuboperations)
	assert.Equal(t, uint16(4), *pending.NumberOfRemainingSuboperations)
	assert.Equal(t, uint16(1), *pending.NumberOfCompletedSuboperations)
	assert.True(t, dimse.IsPending(pending.Status))

	done := NewCMoveSuccessResponse(req, 5, 0, 0)
	assert.Equal(t, uint16(dimse.StatusSuccess), done.Status)
	assert.Equal(t, uint16(0), *done.NumberOfRemainingSuboperations)

	partial := NewCMoveSuccessResponse(req, 4, 1, 0)
	assert.Equal(t, uint16(StatusSubOperationsWarning), partial.Status)
	assert.True(t, dimse.IsWarning(partial.Status))

	failed := NewCMoveErrorResponse(req, types.StatusMoveDestinationUnknown)
	assert.Nil(t, failed.NumberOfCompletedSuboperations)
	assert.True(t, dimse.IsFailure(failed.Status))
}

func TestCGetResponses(t *testing.T) {
	req := request(types.CGetRQ, 8, types.StudyRootQueryRetrieveInformationModelGet).Command

	pending := NewCGetPendingResponse(req, 2, 0, 0, 1)
	assert.Equal(t, uint16(types.CGetRSP), pending.CommandField)
	assert.True(t, dimse.IsPending(pending.Status))

	final := NewCGetFinalResponse(req, 3, 0, 0)
	assert.Equal(t, uint16(dimse.StatusSuccess), final.Status)
	assert.Equal(t, uint16(3), *final.NumberOfCompletedSuboperations)
}

func TestCStoreResponse(t *testing.T) {
	msg := request(types.CStoreRQ, 4, types.CTImageStorage)
	msg.Command.AffectedSOPInstanceUID = "1.2.3.4"

	rsp := NewCStoreResponse(msg.Command, dimse.StatusSuccess)
	assert.Equal(t, uint16(types.CStoreRSP), rsp.CommandField)
	assert.Equal(t, "1.2.3.4", rsp.AffectedSOPInstanceUID)
	assert.Equal(t, types.CTImageStorage, rsp.AffectedSOPClassUID)

	other := NewResponseBuilder(msg.Command).CStoreResponse(types.StatusDuplicateSOPInstance, "9.9")
	assert.Equal(t, "9.9", other.AffectedSOPInstanceUID)
}

func TestCEchoResponse(t *testing.T) {
	req := request(types.CEchoRQ, 42, "").Command
	rsp := NewResponseBuilder(req).CEchoResponse(dimse.StatusSuccess)
	assert.Equal(t, types.VerificationSOPClass, rsp.AffectedSOPClassUID)
	assert.Equal(t, uint16(42), rsp.MessageIDBeingRespondedTo)
}
