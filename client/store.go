package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/caio-sobreiro/dicomulp/dicom"
	"github.com/caio-sobreiro/dicomulp/dimse"
	"github.com/caio-sobreiro/dicomulp/types"
)

// CStoreRequest represents a C-STORE request. Either Dataset is sent, transcoded to the
// accepted transfer syntax when needed, or Data, which must already be encoded in
// TransferSyntax (default: the accepted one).
type CStoreRequest struct {
	SOPClassUID    string
	SOPInstanceUID string
	Data           []byte
	Dataset        *dicom.Dataset
	TransferSyntax string
	MessageID      uint16
	Priority       uint16
}

// CStoreResponse represents a C-STORE response
type CStoreResponse struct {
	Status         uint16
	MessageID      uint16
	SOPClassUID    string
	SOPInstanceUID string
}

// SendCStore sends a C-STORE request and waits for response
func (a *Association) SendCStore(req *CStoreRequest) (*CStoreResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("c-store request cannot be nil")
	}
	r, err := a.storeRequest(req)
	if err != nil {
		return nil, err
	}

	msg, err := a.exchange(context.Background(), r)
	if msg == nil {
		return nil, fmt.Errorf("failed to send C-STORE: %w", err)
	}

	slog.Debug("Received C-STORE-RSP",
		"sop_instance", r.Command.AffectedSOPInstanceUID,
		"status", fmt.Sprintf("0x%04X", msg.Command.Status))

	return &CStoreResponse{
		Status:         msg.Command.Status,
		MessageID:      msg.Command.MessageIDBeingRespondedTo,
		SOPClassUID:    msg.Command.AffectedSOPClassUID,
		SOPInstanceUID: msg.Command.AffectedSOPInstanceUID,
	}, err
}

func (a *Association) storeRequest(req *CStoreRequest) (*dimse.Request, error) {
	var r *dimse.Request
	switch {
	case req.Dataset != nil:
		r = dimse.NewCStoreRequest(req.Dataset)
		r.TransferSyntax = req.TransferSyntax
	case len(req.Data) > 0:
		ts := req.TransferSyntax
		if ts == "" {
			pc, ok := a.assoc.AcceptedContext(req.SOPClassUID)
			if !ok {
				return nil, fmt.Errorf("no presentation context for SOP class %s", req.SOPClassUID)
			}
			ts = pc.AcceptedTransferSyntax
		}
		r = dimse.NewCStoreRequest(dicom.NewDataset())
		r.Dataset = nil
		r.Data = dicom.NewMemoryBuffer(req.Data, byteOrder(ts))
		r.TransferSyntax = ts
	default:
		return nil, fmt.Errorf("c-store request requires a dataset")
	}
	if req.SOPClassUID != "" {
		r.Command.AffectedSOPClassUID = req.SOPClassUID
	}
	if req.SOPInstanceUID != "" {
		r.Command.AffectedSOPInstanceUID = req.SOPInstanceUID
	}
	r.Command.MessageID = req.MessageID
	r.Command.Priority = req.Priority
	r.Command.CommandDataSetType = types.DataSetPresent
	return r, nil
}

func byteOrder(ts string) binary.ByteOrder {
	if ts == types.ExplicitVRBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
