// Package association models a negotiated DICOM association: AE titles, presentation
// contexts, PDU limits and the user information exchanged in A-ASSOCIATE-RQ/AC.
package association

import (
	"fmt"
	"strings"

	"github.com/caio-sobreiro/dicomulp/pdu"
	"github.com/caio-sobreiro/dicomulp/types"
)

// Result is the negotiation outcome of one presentation context.
type Result int

const (
	Accept                       Result = Result(pdu.ResultAcceptance)
	UserRejection                Result = Result(pdu.ResultUserRejection)
	NoReason                     Result = Result(pdu.ResultNoReason)
	AbstractSyntaxNotSupported   Result = Result(pdu.ResultAbstractSyntaxNotSupported)
	TransferSyntaxesNotSupported Result = Result(pdu.ResultTransferSyntaxesNotSupported)
	// Proposed marks a context that has not been negotiated yet.
	Proposed Result = -1
)

func (r Result) String() string {
	switch r {
	case Accept:
		return "accept"
	case UserRejection:
		return "user-rejection"
	case NoReason:
		return "no-reason"
	case AbstractSyntaxNotSupported:
		return "abstract-syntax-not-supported"
	case TransferSyntaxesNotSupported:
		return "transfer-syntaxes-not-supported"
	case Proposed:
		return "proposed"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// PresentationContext pairs an abstract syntax with the transfer syntaxes proposed for it.
type PresentationContext struct {
	ID                     byte
	AbstractSyntax         string
	TransferSyntaxes       []string
	AcceptedTransferSyntax string
	Result                 Result
	// SCURole and SCPRole are the negotiated role selection, nil when not negotiated.
	SCURole *bool
	SCPRole *bool
}

// Accepted reports whether the context can carry messages.
func (pc *PresentationContext) Accepted() bool {
	return pc.Result == Accept && pc.AcceptedTransferSyntax != ""
}

// Accept marks the context accepted with ts.
func (pc *PresentationContext) Accept(ts string) {
	pc.Result = Accept
	pc.AcceptedTransferSyntax = ts
}

// Reject marks the context with a non-acceptance result.
func (pc *PresentationContext) Reject(result Result) {
	pc.Result = result
	pc.AcceptedTransferSyntax = ""
}

func (pc *PresentationContext) proposes(ts string) bool {
	for _, proposed := range pc.TransferSyntaxes {
		if proposed == ts {
			return true
		}
	}
	return false
}

// ExtendedNegotiation is SOP class extended negotiation application information.
type ExtendedNegotiation struct {
	SOPClassUID string
	Info        []byte
}

// UserIdentity is the requestor's user identity negotiation.
type UserIdentity struct {
	Type                      byte
	PositiveResponseRequested bool
	Primary                   []byte
	Secondary                 []byte
}

// Association is the state agreed between two application entities.
type Association struct {
	CallingAE string
	CalledAE  string

	// MaxPDULength is the largest PDU we accept; RemoteMaxPDULength the largest the peer accepts.
	MaxPDULength       uint32
	RemoteMaxPDULength uint32

	ImplementationClassUID       string
	ImplementationVersion        string
	RemoteImplementationClassUID string
	RemoteImplementationVersion  string

	// MaxAsyncOpsInvoked and MaxAsyncOpsPerformed are 1 when no window was negotiated; 0 is unlimited.
	MaxAsyncOpsInvoked   uint16
	MaxAsyncOpsPerformed uint16

	Contexts             []*PresentationContext
	ExtendedNegotiations []ExtendedNegotiation
	UserIdentity         *UserIdentity
	UserIdentityResponse []byte

	// IncludeRejectedContexts lists rejected contexts in the A-ASSOCIATE-AC.
	IncludeRejectedContexts bool
}

// New creates an association proposal between calling and called AE titles.
func New(callingAE, calledAE string) *Association {
	return &Association{
		CallingAE:               callingAE,
		CalledAE:                calledAE,
		MaxPDULength:            types.DefaultMaxPDULength,
		ImplementationClassUID:  types.ImplementationClassUID,
		ImplementationVersion:   types.ImplementationVersionName,
		MaxAsyncOpsInvoked:      1,
		MaxAsyncOpsPerformed:    1,
		IncludeRejectedContexts: true,
	}
}

// AddContext proposes abstract with the given transfer syntaxes under the next free odd ID.
func (a *Association) AddContext(abstract string, ts ...string) (*PresentationContext, error) {
	id := 1
	if n := len(a.Contexts); n > 0 {
		id = int(a.Contexts[n-1].ID) + 2
	}
	if id > 255 {
		return nil, fmt.Errorf("presentation context IDs exhausted (%d contexts)", len(a.Contexts))
	}
	if len(ts) == 0 {
		ts = []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian}
	}
	pc := &PresentationContext{
		ID:               byte(id),
		AbstractSyntax:   abstract,
		TransferSyntaxes: append([]string(nil), ts...),
		Result:           Proposed,
	}
	a.Contexts = append(a.Contexts, pc)
	return pc, nil
}

// Context returns the context with id.
func (a *Association) Context(id byte) (*PresentationContext, bool) {
	for _, pc := range a.Contexts {
		if pc.ID == id {
			return pc, true
		}
	}
	return nil, false
}

// AcceptedContext returns the first accepted context for abstract.
func (a *Association) AcceptedContext(abstract string) (*PresentationContext, bool) {
	for _, pc := range a.Contexts {
		if pc.AbstractSyntax == abstract && pc.Accepted() {
			return pc, true
		}
	}
	return nil, false
}

// AcceptedContextFor returns an accepted context for abstract using transfer syntax ts.
func (a *Association) AcceptedContextFor(abstract, ts string) (*PresentationContext, bool) {
	for _, pc := range a.Contexts {
		if pc.AbstractSyntax == abstract && pc.Accepted() && pc.AcceptedTransferSyntax == ts {
			return pc, true
		}
	}
	return nil, false
}

// AcceptedCount returns the number of accepted contexts.
func (a *Association) AcceptedCount() int {
	n := 0
	for _, pc := range a.Contexts {
		if pc.Accepted() {
			n++
		}
	}
	return n
}

func (a *Association) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -> %s (max PDU %d/%d)", a.CallingAE, a.CalledAE, a.MaxPDULength, a.RemoteMaxPDULength)
	for _, pc := range a.Contexts {
		fmt.Fprintf(&b, "\n  [%d] %s %s %s", pc.ID, types.GetSOPClassInfo(pc.AbstractSyntax).Name, pc.Result, pc.AcceptedTransferSyntax)
	}
	return b.String()
}
