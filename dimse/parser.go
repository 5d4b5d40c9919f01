package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/caio-sobreiro/dicomulp/dicom"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/types"
)

// Command is a decoded command set. Elements without a dedicated field are kept in Raw
// and written back out by EncodeCommand.
type Command struct {
	types.Message
	Raw *dicom.Dataset
}

var commandTS = dicom.ImplicitVRLittleEndian

// known lists the command elements mapped onto Command fields.
var known = map[dicom.Tag]bool{
	dicom.TagCommandGroupLength:                   true,
	dicom.TagAffectedSOPClassUID:                  true,
	dicom.TagRequestedSOPClassUID:                 true,
	dicom.TagCommandField:                         true,
	dicom.TagMessageID:                            true,
	dicom.TagMessageIDBeingRespondedTo:            true,
	dicom.TagMoveDestination:                      true,
	dicom.TagPriority:                             true,
	dicom.TagCommandDataSetType:                   true,
	dicom.TagStatus:                               true,
	dicom.TagOffendingElement:                     true,
	dicom.TagErrorComment:                         true,
	dicom.TagAffectedSOPInstanceUID:               true,
	dicom.TagRequestedSOPInstanceUID:              true,
	dicom.TagEventTypeID:                          true,
	dicom.TagActionTypeID:                         true,
	dicom.TagNumberOfRemainingSuboperations:       true,
	dicom.TagNumberOfCompletedSuboperations:       true,
	dicom.TagNumberOfFailedSuboperations:          true,
	dicom.TagNumberOfWarningSuboperations:         true,
	dicom.TagMoveOriginatorApplicationEntityTitle: true,
	dicom.TagMoveOriginatorMessageID:              true,
}

// DecodeCommand parses an Implicit VR Little Endian command set.
func DecodeCommand(data []byte) (*Command, error) {
	ds, err := dicom.ReadDataset(bytes.NewReader(data), commandTS, dicom.ReadOptions{ReadAll: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dicomerr.ErrInvalidMessage, err)
	}

	field, ok := ds.GetUint16(dicom.TagCommandField)
	if !ok {
		return nil, fmt.Errorf("%w: command set without (0000,0100)", dicomerr.ErrInvalidMessage)
	}
	cmd := &Command{}
	m := &cmd.Message
	m.CommandField = field
	m.MessageID, _ = ds.GetUint16(dicom.TagMessageID)
	m.MessageIDBeingRespondedTo, _ = ds.GetUint16(dicom.TagMessageIDBeingRespondedTo)
	m.AffectedSOPClassUID = ds.GetString(dicom.TagAffectedSOPClassUID)
	m.RequestedSOPClassUID = ds.GetString(dicom.TagRequestedSOPClassUID)
	m.AffectedSOPInstanceUID = ds.GetString(dicom.TagAffectedSOPInstanceUID)
	m.RequestedSOPInstanceUID = ds.GetString(dicom.TagRequestedSOPInstanceUID)
	m.Priority, _ = ds.GetUint16(dicom.TagPriority)
	m.Status, _ = ds.GetUint16(dicom.TagStatus)
	m.MoveDestination = ds.GetString(dicom.TagMoveDestination)
	m.MoveOriginatorAETitle = ds.GetString(dicom.TagMoveOriginatorApplicationEntityTitle)
	m.MoveOriginatorMessageID, _ = ds.GetUint16(dicom.TagMoveOriginatorMessageID)
	m.ErrorComment = ds.GetString(dicom.TagErrorComment)
	m.EventTypeID, _ = ds.GetUint16(dicom.TagEventTypeID)
	m.ActionTypeID, _ = ds.GetUint16(dicom.TagActionTypeID)

	m.CommandDataSetType = types.NoDataSet
	if v, ok := ds.GetUint16(dicom.TagCommandDataSetType); ok {
		m.CommandDataSetType = v
	}
	if e, ok := ds.Element(dicom.TagOffendingElement); ok {
		if b, err := e.Value.Bytes(); err == nil {
			for i := 0; i+4 <= len(b); i += 4 {
				group := binary.LittleEndian.Uint16(b[i:])
				element := binary.LittleEndian.Uint16(b[i+2:])
				m.OffendingElement = append(m.OffendingElement, uint32(group)<<16|uint32(element))
			}
		}
	}
	m.NumberOfRemainingSuboperations = optionalUint16(ds, dicom.TagNumberOfRemainingSuboperations)
	m.NumberOfCompletedSuboperations = optionalUint16(ds, dicom.TagNumberOfCompletedSuboperations)
	m.NumberOfFailedSuboperations = optionalUint16(ds, dicom.TagNumberOfFailedSuboperations)
	m.NumberOfWarningSuboperations = optionalUint16(ds, dicom.TagNumberOfWarningSuboperations)

	for _, item := range ds.Items() {
		if !known[item.ItemTag()] {
			if cmd.Raw == nil {
				cmd.Raw = dicom.NewDataset()
			}
			cmd.Raw.Add(item)
		}
	}
	return cmd, nil
}

func optionalUint16(ds *dicom.Dataset, tag dicom.Tag) *uint16 {
	v, ok := ds.GetUint16(tag)
	if !ok {
		return nil
	}
	return &v
}

// EncodeCommand encodes a command set using Implicit VR Little Endian with a (0000,0000)
// group length.
func EncodeCommand(cmd *Command) ([]byte, error) {
	ds := dicom.NewDataset()
	if cmd.Raw != nil {
		ds = cmd.Raw.Clone()
	}
	m := &cmd.Message
	ds.SetUint32(dicom.TagCommandGroupLength, dicom.VR_UL, 0)
	setUID(ds, dicom.TagAffectedSOPClassUID, m.AffectedSOPClassUID)
	setUID(ds, dicom.TagRequestedSOPClassUID, m.RequestedSOPClassUID)
	ds.SetUint16(dicom.TagCommandField, dicom.VR_US, m.CommandField)

	isResponse := m.CommandField&0x8000 != 0
	if !isResponse && m.CommandField != types.CCancelRQ {
		ds.SetUint16(dicom.TagMessageID, dicom.VR_US, m.MessageID)
	}
	if isResponse || m.CommandField == types.CCancelRQ {
		ds.SetUint16(dicom.TagMessageIDBeingRespondedTo, dicom.VR_US, m.MessageIDBeingRespondedTo)
	}
	if m.MoveDestination != "" {
		ds.SetString(dicom.TagMoveDestination, dicom.VR_AE, m.MoveDestination)
	}
	switch m.CommandField {
	case types.CStoreRQ, types.CFindRQ, types.CGetRQ, types.CMoveRQ:
		ds.SetUint16(dicom.TagPriority, dicom.VR_US, m.Priority)
	}
	ds.SetUint16(dicom.TagCommandDataSetType, dicom.VR_US, m.CommandDataSetType)
	if isResponse {
		ds.SetUint16(dicom.TagStatus, dicom.VR_US, m.Status)
	}
	if len(m.OffendingElement) > 0 {
		tags := make([]dicom.Tag, len(m.OffendingElement))
		for i, t := range m.OffendingElement {
			tags[i] = dicom.Tag{Group: uint16(t >> 16), Element: uint16(t)}
		}
		ds.SetTags(dicom.TagOffendingElement, tags...)
	}
	if m.ErrorComment != "" {
		ds.SetString(dicom.TagErrorComment, dicom.VR_LO, m.ErrorComment)
	}
	setUID(ds, dicom.TagAffectedSOPInstanceUID, m.AffectedSOPInstanceUID)
	setUID(ds, dicom.TagRequestedSOPInstanceUID, m.RequestedSOPInstanceUID)
	if m.EventTypeID != 0 {
		ds.SetUint16(dicom.TagEventTypeID, dicom.VR_US, m.EventTypeID)
	}
	if m.ActionTypeID != 0 {
		ds.SetUint16(dicom.TagActionTypeID, dicom.VR_US, m.ActionTypeID)
	}
	setOptional(ds, dicom.TagNumberOfRemainingSuboperations, m.NumberOfRemainingSuboperations)
	setOptional(ds, dicom.TagNumberOfCompletedSuboperations, m.NumberOfCompletedSuboperations)
	setOptional(ds, dicom.TagNumberOfFailedSuboperations, m.NumberOfFailedSuboperations)
	setOptional(ds, dicom.TagNumberOfWarningSuboperations, m.NumberOfWarningSuboperations)
	if m.MoveOriginatorAETitle != "" {
		ds.SetString(dicom.TagMoveOriginatorApplicationEntityTitle, dicom.VR_AE, m.MoveOriginatorAETitle)
		ds.SetUint16(dicom.TagMoveOriginatorMessageID, dicom.VR_US, m.MoveOriginatorMessageID)
	}

	var buf bytes.Buffer
	if err := dicom.WriteDataset(&buf, ds, commandTS, dicom.WriteOptions{GroupLength: dicom.GroupLengthRecalculate}); err != nil {
		return nil, fmt.Errorf("encode command 0x%04x: %w", m.CommandField, err)
	}
	return buf.Bytes(), nil
}

func setUID(ds *dicom.Dataset, tag dicom.Tag, uid string) {
	if uid != "" {
		ds.SetString(tag, dicom.VR_UI, uid)
	}
}

func setOptional(ds *dicom.Dataset, tag dicom.Tag, v *uint16) {
	if v != nil {
		ds.SetUint16(tag, dicom.VR_US, *v)
	}
}
