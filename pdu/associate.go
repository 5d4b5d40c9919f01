package pdu

import (
	"fmt"

	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/types"
)

// Variable item types (PS3.8 Section 9.3.2)
const (
	itemApplicationContext    = 0x10
	itemPresentationContextRQ = 0x20
	itemPresentationContextAC = 0x21
	itemAbstractSyntax        = 0x30
	itemTransferSyntax        = 0x40
	itemUserInformation       = 0x50
)

// ProtocolVersion is the only upper layer protocol version defined.
const ProtocolVersion uint16 = 0x0001

// Presentation context results carried in A-ASSOCIATE-AC
const (
	ResultAcceptance                   byte = 0x00
	ResultUserRejection                byte = 0x01
	ResultNoReason                     byte = 0x02
	ResultAbstractSyntaxNotSupported   byte = 0x03
	ResultTransferSyntaxesNotSupported byte = 0x04
)

// PresentationContextRQ is a proposed presentation context.
type PresentationContextRQ struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// PresentationContextAC is the acceptor's answer for one proposed context.
// TransferSyntax is empty for rejected contexts.
type PresentationContextAC struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

// AAssociateRQ requests an association.
type AAssociateRQ struct {
	ProtocolVersion      uint16
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContextRQ
	UserInformation      UserInformation
}

func (*AAssociateRQ) Type() byte { return types.TypeAssociateRQ }

func (p *AAssociateRQ) encodeBody(w *Writer) {
	encodeFixedFields(w, p.ProtocolVersion, p.CalledAETitle, p.CallingAETitle)
	encodeApplicationContext(w, p.ApplicationContext)
	for _, pc := range p.PresentationContexts {
		w.Uint8(itemPresentationContextRQ)
		w.Uint8(0x00)
		m := w.MarkLength16()
		w.Uint8(pc.ID)
		w.Zeros(3)
		encodeUIDItem(w, itemAbstractSyntax, pc.AbstractSyntax)
		for _, ts := range pc.TransferSyntaxes {
			encodeUIDItem(w, itemTransferSyntax, ts)
		}
		w.PatchLength(m)
	}
	p.UserInformation.encode(w)
}

func (p *AAssociateRQ) decodeBody(r *Reader) {
	p.ProtocolVersion, p.CalledAETitle, p.CallingAETitle = decodeFixedFields(r)
	forEachItem(r, func(itemType byte, _ byte, item *Reader) {
		switch itemType {
		case itemApplicationContext:
			p.ApplicationContext = item.String("application context", item.Remaining())
		case itemPresentationContextRQ:
			pc := PresentationContextRQ{ID: item.Uint8("presentation context ID")}
			item.Skip("reserved", 3)
			forEachItem(item, func(subType byte, _ byte, sub *Reader) {
				switch subType {
				case itemAbstractSyntax:
					pc.AbstractSyntax = sub.String("abstract syntax", sub.Remaining())
				case itemTransferSyntax:
					pc.TransferSyntaxes = append(pc.TransferSyntaxes, sub.String("transfer syntax", sub.Remaining()))
				}
			})
			p.PresentationContexts = append(p.PresentationContexts, pc)
		case itemUserInformation:
			p.UserInformation.decode(item)
		}
	})
}

func (p *AAssociateRQ) String() string {
	return fmt.Sprintf("A-ASSOCIATE-RQ called=%q calling=%q contexts=%d max_pdu=%d",
		p.CalledAETitle, p.CallingAETitle, len(p.PresentationContexts), p.UserInformation.MaxPDULength)
}

// AAssociateAC accepts an association. Called and calling AE titles echo the request.
type AAssociateAC struct {
	ProtocolVersion      uint16
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContextAC
	UserInformation      UserInformation
}

func (*AAssociateAC) Type() byte { return types.TypeAssociateAC }

func (p *AAssociateAC) encodeBody(w *Writer) {
	encodeFixedFields(w, p.ProtocolVersion, p.CalledAETitle, p.CallingAETitle)
	encodeApplicationContext(w, p.ApplicationContext)
	for _, pc := range p.PresentationContexts {
		w.Uint8(itemPresentationContextAC)
		w.Uint8(0x00)
		m := w.MarkLength16()
		w.Uint8(pc.ID)
		w.Uint8(0x00)
		w.Uint8(pc.Result)
		w.Uint8(0x00)
		if pc.TransferSyntax != "" {
			encodeUIDItem(w, itemTransferSyntax, pc.TransferSyntax)
		}
		w.PatchLength(m)
	}
	p.UserInformation.encode(w)
}

func (p *AAssociateAC) decodeBody(r *Reader) {
	p.ProtocolVersion, p.CalledAETitle, p.CallingAETitle = decodeFixedFields(r)
	forEachItem(r, func(itemType byte, _ byte, item *Reader) {
		switch itemType {
		case itemApplicationContext:
			p.ApplicationContext = item.String("application context", item.Remaining())
		case itemPresentationContextAC:
			pc := PresentationContextAC{ID: item.Uint8("presentation context ID")}
			item.Skip("reserved", 1)
			pc.Result = item.Uint8("presentation context result")
			item.Skip("reserved", 1)
			forEachItem(item, func(subType byte, _ byte, sub *Reader) {
				if subType == itemTransferSyntax {
					pc.TransferSyntax = sub.String("transfer syntax", sub.Remaining())
				}
			})
			p.PresentationContexts = append(p.PresentationContexts, pc)
		case itemUserInformation:
			p.UserInformation.decode(item)
		}
	})
}

func (p *AAssociateAC) String() string {
	accepted := 0
	for _, pc := range p.PresentationContexts {
		if pc.Result == ResultAcceptance {
			accepted++
		}
	}
	return fmt.Sprintf("A-ASSOCIATE-AC called=%q calling=%q accepted=%d/%d max_pdu=%d",
		p.CalledAETitle, p.CallingAETitle, accepted, len(p.PresentationContexts), p.UserInformation.MaxPDULength)
}

func encodeFixedFields(w *Writer, version uint16, called, calling string) {
	if version == 0 {
		version = ProtocolVersion
	}
	w.Uint16(version)
	w.Zeros(2)
	writeAETitle(w, called)
	writeAETitle(w, calling)
	w.Zeros(32)
}

func decodeFixedFields(r *Reader) (version uint16, called, calling string) {
	version = r.Uint16("protocol version")
	r.Skip("reserved", 2)
	called = r.String("called AE title", 16)
	calling = r.String("calling AE title", 16)
	r.Skip("reserved", 32)
	return version, called, calling
}

func encodeApplicationContext(w *Writer, uid string) {
	if uid == "" {
		uid = types.ApplicationContextUID
	}
	encodeUIDItem(w, itemApplicationContext, uid)
}

func encodeUIDItem(w *Writer, itemType byte, uid string) {
	w.Uint8(itemType)
	w.Uint8(0x00)
	m := w.MarkLength16()
	w.String(asciiText(uid))
	w.PatchLength(m)
}

// forEachItem walks type/reserved/16-bit-length framed items until r is exhausted.
// Each callback receives a reader bounded to the item value.
func forEachItem(r *Reader, fn func(itemType byte, reserved byte, item *Reader)) {
	for r.Remaining() > 0 && r.Err() == nil {
		if r.Remaining() < 4 {
			r.fail(dicomerr.NewTruncatedError(r.pduType, "item header", 4, r.Remaining()))
			return
		}
		itemType := r.Uint8("item type")
		reserved := r.Uint8("reserved")
		length := int(r.Uint16("item length"))
		item := r.Sub(fmt.Sprintf("item 0x%02x", itemType), length)
		if r.Err() != nil {
			return
		}
		fn(itemType, reserved, item)
		if err := item.Err(); err != nil {
			r.fail(err)
			return
		}
	}
}
