package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/types"
)

// recorder is a dimse.ResponseWriter that keeps what it is given.
type recorder struct {
	commands []*dimse.Command
	datasets []*dicom.Dataset
}

func (r *recorder) Send(cmd *dimse.Command, ds *dicom.Dataset) error {
	r.commands = append(r.commands, cmd)
	r.datasets = append(r.datasets, ds)
	return nil
}

func request(field, id uint16, sopClass string) *dimse.Message {
	cmd := &dimse.Command{}
	cmd.CommandField = field
	cmd.MessageID = id
	cmd.AffectedSOPClassUID = sopClass
	cmd.CommandDataSetType = types.NoDataSet
	return &dimse.Message{ContextID: 1, Command: cmd}
}

func TestEchoService(t *testing.T) {
	svc := NewEchoService(nil)
	msg := request(types.CEchoRQ, 42, types.VerificationSOPClass)

	assert.Equal(t, uint16(dimse.StatusSuccess), svc.OnCEcho(context.Background(), msg))

	w := &recorder{}
	require.NoError(t, svc.HandleRequest(context.Background(), msg, w))
	require.Len(t, w.commands, 1)
	rsp := w.commands[0]
	assert.Equal(t, uint16(types.CEchoRSP), rsp.CommandField)
	assert.Equal(t, uint16(42), rsp.MessageIDBeingRespondedTo)
	assert.Equal(t, types.VerificationSOPClass, rsp.AffectedSOPClassUID)
	assert.Equal(t, uint16(types.NoDataSet), rsp.CommandDataSetType)
	assert.Nil(t, w.datasets[0])

	assert.NoError(t, svc.HealthCheck(context.Background()))
}
