// Package pdu encodes and decodes the seven DICOM upper layer protocol data units (PS3.8 Section 9.3).
package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/types"
)

// HeaderLength is the size of the common PDU header: type, reserved, 32-bit length.
const HeaderLength = 6

// maxControlPDULength bounds every PDU other than P-DATA-TF when reading from a stream.
const maxControlPDULength = 1 << 20

// PDU is one of AAssociateRQ, AAssociateAC, AAssociateRJ, PDataTF, AReleaseRQ, AReleaseRP or AAbort.
type PDU interface {
	Type() byte
	encodeBody(w *Writer)
	decodeBody(r *Reader)
}

// Encode serializes a PDU including its 6-byte header.
func Encode(p PDU) ([]byte, error) {
	w := NewWriter(256)
	w.Uint8(p.Type())
	w.Uint8(0x00)
	m := w.MarkLength32()
	p.encodeBody(w)
	w.PatchLength(m)
	b, err := w.Finish()
	if err != nil {
		return nil, dicomerr.NewPDUError(p.Type(), err.Error())
	}
	return b, nil
}

// Decode parses one complete PDU. Bytes past the declared length are ignored.
func Decode(b []byte) (PDU, error) {
	if len(b) < HeaderLength {
		return nil, dicomerr.NewTruncatedError(0, "PDU header", HeaderLength, len(b))
	}
	pduType := b[0]
	length := binary.BigEndian.Uint32(b[2:6])
	if uint64(length) > uint64(len(b)-HeaderLength) {
		return nil, dicomerr.NewTruncatedError(pduType, "PDU length", int(length), len(b)-HeaderLength)
	}
	return decodeBody(pduType, b[HeaderLength:HeaderLength+int(length)])
}

// Read frames one PDU off a stream. maxLength bounds P-DATA-TF bodies (0 disables the check);
// all other PDU types are bounded by a fixed ceiling.
func Read(r io.Reader, maxLength uint32) (PDU, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	pduType := header[0]
	length := binary.BigEndian.Uint32(header[2:6])

	limit := uint32(maxControlPDULength)
	if pduType == types.TypePDataTF {
		limit = maxLength
	}
	if limit > 0 && length > limit {
		return nil, dicomerr.NewPDUError(pduType, fmt.Sprintf("PDU length %d exceeds limit %d", length, limit))
	}

	body := make([]byte, length)
	if n, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF || (err == io.EOF && length > 0) {
			return nil, dicomerr.NewTruncatedError(pduType, "PDU body", int(length), n)
		}
		return nil, err
	}
	return decodeBody(pduType, body)
}

func decodeBody(pduType byte, body []byte) (PDU, error) {
	var p PDU
	switch pduType {
	case types.TypeAssociateRQ:
		p = &AAssociateRQ{}
	case types.TypeAssociateAC:
		p = &AAssociateAC{}
	case types.TypeAssociateRJ:
		p = &AAssociateRJ{}
	case types.TypePDataTF:
		p = &PDataTF{}
	case types.TypeReleaseRQ:
		p = &AReleaseRQ{}
	case types.TypeReleaseRP:
		p = &AReleaseRP{}
	case types.TypeAbort:
		p = &AAbort{}
	default:
		return nil, dicomerr.NewPDUError(pduType, "unrecognized PDU")
	}
	r := NewReader(body, pduType)
	p.decodeBody(r)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// TypeName returns the conventional name of a PDU type.
func TypeName(pduType byte) string {
	switch pduType {
	case types.TypeAssociateRQ:
		return "A-ASSOCIATE-RQ"
	case types.TypeAssociateAC:
		return "A-ASSOCIATE-AC"
	case types.TypeAssociateRJ:
		return "A-ASSOCIATE-RJ"
	case types.TypePDataTF:
		return "P-DATA-TF"
	case types.TypeReleaseRQ:
		return "A-RELEASE-RQ"
	case types.TypeReleaseRP:
		return "A-RELEASE-RP"
	case types.TypeAbort:
		return "A-ABORT"
	default:
		return fmt.Sprintf("PDU(0x%02x)", pduType)
	}
}

// A-ASSOCIATE-RJ result, source and reason values
const (
	RejectResultPermanent byte = 0x01
	RejectResultTransient byte = 0x02

	RejectSourceServiceUser                 byte = 0x01
	RejectSourceServiceProviderACSE         byte = 0x02
	RejectSourceServiceProviderPresentation byte = 0x03
)

// AAssociateRJ rejects an association request.
type AAssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

func (*AAssociateRJ) Type() byte { return types.TypeAssociateRJ }

func (p *AAssociateRJ) encodeBody(w *Writer) {
	w.Uint8(0x00)
	w.Uint8(p.Result)
	w.Uint8(p.Source)
	w.Uint8(p.Reason)
}

func (p *AAssociateRJ) decodeBody(r *Reader) {
	r.Skip("reserved", 1)
	p.Result = r.Uint8("result")
	p.Source = r.Uint8("source")
	p.Reason = r.Uint8("reason")
}

func (p *AAssociateRJ) String() string {
	source := dicomerr.AssociationRejectSource(p.Source)
	return fmt.Sprintf("A-ASSOCIATE-RJ result=%s source=%s reason=%s",
		dicomerr.AssociationRejectResult(p.Result), source,
		dicomerr.AssociationRejectReason(p.Reason).Describe(source))
}

// AsError converts the rejection into the error returned to callers.
func (p *AAssociateRJ) AsError() *dicomerr.AssociationError {
	return &dicomerr.AssociationError{
		Result: dicomerr.AssociationRejectResult(p.Result),
		Source: dicomerr.AssociationRejectSource(p.Source),
		Reason: dicomerr.AssociationRejectReason(p.Reason),
		Msg:    "rejected by peer",
	}
}

// A-ABORT sources and reasons
const (
	AbortSourceServiceUser     byte = 0x00
	AbortSourceServiceProvider byte = 0x02

	AbortReasonNotSpecified         byte = 0x00
	AbortReasonUnrecognizedPDU      byte = 0x01
	AbortReasonUnexpectedPDU        byte = 0x02
	AbortReasonUnrecognizedPDUParam byte = 0x04
	AbortReasonUnexpectedPDUParam   byte = 0x05
	AbortReasonInvalidPDUParamValue byte = 0x06
)

// AAbort aborts an association.
type AAbort struct {
	Source byte
	Reason byte
}

func (*AAbort) Type() byte { return types.TypeAbort }

func (p *AAbort) encodeBody(w *Writer) {
	w.Zeros(2)
	w.Uint8(p.Source)
	w.Uint8(p.Reason)
}

func (p *AAbort) decodeBody(r *Reader) {
	r.Skip("reserved", 2)
	p.Source = r.Uint8("source")
	p.Reason = r.Uint8("reason")
}

func (p *AAbort) String() string {
	return fmt.Sprintf("A-ABORT source=%d reason=%s", p.Source, abortReasonName(p.Reason))
}

func abortReasonName(reason byte) string {
	switch reason {
	case AbortReasonNotSpecified:
		return "not-specified"
	case AbortReasonUnrecognizedPDU:
		return "unrecognized-pdu"
	case AbortReasonUnexpectedPDU:
		return "unexpected-pdu"
	case AbortReasonUnrecognizedPDUParam:
		return "unrecognized-pdu-parameter"
	case AbortReasonUnexpectedPDUParam:
		return "unexpected-pdu-parameter"
	case AbortReasonInvalidPDUParamValue:
		return "invalid-pdu-parameter-value"
	default:
		return fmt.Sprintf("0x%02x", reason)
	}
}

// AReleaseRQ requests an orderly release.
type AReleaseRQ struct{}

func (*AReleaseRQ) Type() byte { return types.TypeReleaseRQ }
func (*AReleaseRQ) encodeBody(w *Writer) { w.Zeros(4) }
func (*AReleaseRQ) decodeBody(r *Reader) { r.Skip("reserved", 4) }
func (*AReleaseRQ) String() string { return "A-RELEASE-RQ" }

// AReleaseRP confirms a release.
type AReleaseRP struct{}

func (*AReleaseRP) Type() byte { return types.TypeReleaseRP }
func (*AReleaseRP) encodeBody(w *Writer) { w.Zeros(4) }
func (*AReleaseRP) decodeBody(r *Reader) { r.Skip("reserved", 4) }
func (*AReleaseRP) String() string { return "A-RELEASE-RP" }

// Message control header bits
const (
	pdvCommand byte = 0x01
	pdvLast    byte = 0x02
)

// PDVHeaderLength is the per-PDV overhead inside a P-DATA-TF: 4-byte length, context ID, control header.
const PDVHeaderLength = 6

// PDV is one presentation data value item.
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// ControlHeader returns the message control header byte.
func (v *PDV) ControlHeader() byte {
	var h byte
	if v.Command {
		h |= pdvCommand
	}
	if v.Last {
		h |= pdvLast
	}
	return h
}

// PDataTF carries one or more PDVs.
type PDataTF struct {
	Items []PDV
}

func (*PDataTF) Type() byte { return types.TypePDataTF }

func (p *PDataTF) encodeBody(w *Writer) {
	if len(p.Items) == 0 {
		w.SetError(fmt.Errorf("P-DATA-TF without PDV items"))
	}
	for i := range p.Items {
		v := &p.Items[i]
		m := w.MarkLength32()
		w.Uint8(v.ContextID)
		w.Uint8(v.ControlHeader())
		w.Bytes(v.Data)
		w.PatchLength(m)
	}
}

func (p *PDataTF) decodeBody(r *Reader) {
	for r.Remaining() > 0 && r.Err() == nil {
		length := r.Uint32("PDV length")
		if r.Err() == nil && length < 2 {
			r.fail(dicomerr.NewPDUError(types.TypePDataTF, fmt.Sprintf("PDV length %d too short", length)))
			return
		}
		if uint64(length) > uint64(r.Remaining()) {
			r.fail(dicomerr.NewTruncatedError(types.TypePDataTF, "PDV length", int(length), r.Remaining()))
			return
		}
		item := r.Sub("PDV", int(length))
		ctxID := item.Uint8("context ID")
		header := item.Uint8("message control header")
		data := item.Bytes("PDV data", item.Remaining())
		if len(data) == 0 {
			data = nil
		}
		p.Items = append(p.Items, PDV{
			ContextID: ctxID,
			Command:   header&pdvCommand != 0,
			Last:      header&pdvLast != 0,
			Data:      data,
		})
	}
}

func (p *PDataTF) String() string {
	var sb strings.Builder
	sb.WriteString("P-DATA-TF")
	for _, v := range p.Items {
		kind := "data"
		if v.Command {
			kind = "command"
		}
		fmt.Fprintf(&sb, " [ctx=%d %s len=%d last=%t]", v.ContextID, kind, len(v.Data), v.Last)
	}
	return sb.String()
}

// asciiText coerces s to printable ASCII: control characters are dropped
// and anything outside 0x20..0x7E becomes '?'.
func asciiText(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, c := range s {
		switch {
		case c < 0x20 || c == 0x7f:
			continue
		case c > 0x7e:
			sb.WriteByte('?')
		default:
			sb.WriteRune(c)
		}
	}
	return sb.String()
}

// writeAETitle writes a 16-byte space-padded AE title.
func writeAETitle(w *Writer, title string) {
	title = asciiText(title)
	if len(title) > 16 {
		title = title[:16]
	}
	w.String(title)
	for i := len(title); i < 16; i++ {
		w.Uint8(' ')
	}
}

// trimText drops trailing padding only; leading spaces are significant.
func trimText(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}
