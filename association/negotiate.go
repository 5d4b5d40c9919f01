package association

import (
	"fmt"

	"github.com/caio-sobreiro/dicomulp/pdu"
	"github.com/caio-sobreiro/dicomulp/types"
)

// AcceptPolicy decides which abstract and transfer syntaxes an acceptor supports.
type AcceptPolicy interface {
	SupportsAbstractSyntax(uid string) bool
	SupportsTransferSyntax(abstract, ts string) bool
}

// Policy is a static AcceptPolicy.
type Policy struct {
	// AbstractSyntaxes are accepted exactly.
	AbstractSyntaxes []string
	// AcceptAllStorage accepts every storage SOP class.
	AcceptAllStorage bool
	TransferSyntaxes []string
}

// DefaultPolicy accepts verification and all storage classes in the uncompressed,
// deflated and RLE transfer syntaxes.
func DefaultPolicy() *Policy {
	return &Policy{
		AbstractSyntaxes: []string{types.VerificationSOPClass},
		AcceptAllStorage: true,
		TransferSyntaxes: []string{
			types.ExplicitVRLittleEndian,
			types.ImplicitVRLittleEndian,
			types.DeflatedExplicitVRLittleEndian,
			types.RLELossless,
		},
	}
}

// SupportsAbstractSyntax implements AcceptPolicy.
func (p *Policy) SupportsAbstractSyntax(uid string) bool {
	if p.AcceptAllStorage && types.IsStorageSOPClass(uid) {
		return true
	}
	for _, s := range p.AbstractSyntaxes {
		if s == uid {
			return true
		}
	}
	return false
}

// SupportsTransferSyntax implements AcceptPolicy.
func (p *Policy) SupportsTransferSyntax(_, ts string) bool {
	for _, s := range p.TransferSyntaxes {
		if s == ts {
			return true
		}
	}
	return false
}

// Negotiate decides every proposed context: the first proposed transfer syntax the policy
// supports wins, otherwise the context is rejected with the matching reason.
func (a *Association) Negotiate(policy AcceptPolicy) {
	for _, pc := range a.Contexts {
		if !policy.SupportsAbstractSyntax(pc.AbstractSyntax) {
			pc.Reject(AbstractSyntaxNotSupported)
			continue
		}
		pc.Reject(TransferSyntaxesNotSupported)
		for _, ts := range pc.TransferSyntaxes {
			if policy.SupportsTransferSyntax(pc.AbstractSyntax, ts) {
				pc.Accept(ts)
				break
			}
		}
	}
}

// RequestPDU builds the A-ASSOCIATE-RQ proposing a.
func (a *Association) RequestPDU() *pdu.AAssociateRQ {
	rq := &pdu.AAssociateRQ{
		ProtocolVersion:    pdu.ProtocolVersion,
		CalledAETitle:      a.CalledAE,
		CallingAETitle:     a.CallingAE,
		ApplicationContext: types.ApplicationContextUID,
		UserInformation:    a.userInformation(),
	}
	for _, pc := range a.Contexts {
		rq.PresentationContexts = append(rq.PresentationContexts, pdu.PresentationContextRQ{
			ID:               pc.ID,
			AbstractSyntax:   pc.AbstractSyntax,
			TransferSyntaxes: append([]string(nil), pc.TransferSyntaxes...),
		})
	}
	if a.UserIdentity != nil {
		rq.UserInformation.UserIdentity = &pdu.UserIdentityRequest{
			Type:                      a.UserIdentity.Type,
			PositiveResponseRequested: a.UserIdentity.PositiveResponseRequested,
			Primary:                   a.UserIdentity.Primary,
			Secondary:                 a.UserIdentity.Secondary,
		}
	}
	return rq
}

func (a *Association) userInformation() pdu.UserInformation {
	ui := pdu.UserInformation{
		MaxPDULength:              a.MaxPDULength,
		ImplementationClassUID:    a.ImplementationClassUID,
		ImplementationVersionName: a.ImplementationVersion,
	}
	if a.MaxAsyncOpsInvoked != 1 || a.MaxAsyncOpsPerformed != 1 {
		ui.AsyncOperations = &pdu.AsyncOperationsWindow{MaxInvoked: a.MaxAsyncOpsInvoked, MaxPerformed: a.MaxAsyncOpsPerformed}
	}
	seen := make(map[string]bool)
	for _, pc := range a.Contexts {
		if (pc.SCURole == nil && pc.SCPRole == nil) || seen[pc.AbstractSyntax] {
			continue
		}
		seen[pc.AbstractSyntax] = true
		ui.RoleSelections = append(ui.RoleSelections, pdu.RoleSelection{
			SOPClassUID: pc.AbstractSyntax,
			SCU:         pc.SCURole == nil || *pc.SCURole,
			SCP:         pc.SCPRole != nil && *pc.SCPRole,
		})
	}
	for _, ext := range a.ExtendedNegotiations {
		ui.SOPClassExtended = append(ui.SOPClassExtended, pdu.SOPClassExtendedNegotiation{SOPClassUID: ext.SOPClassUID, Info: ext.Info})
	}
	return ui
}

// FromRequestPDU builds the acceptor's view of an incoming A-ASSOCIATE-RQ.
// Every context starts as Proposed.
func FromRequestPDU(rq *pdu.AAssociateRQ) *Association {
	a := New(rq.CallingAETitle, rq.CalledAETitle)
	ui := rq.UserInformation
	a.RemoteMaxPDULength = ui.MaxPDULength
	a.RemoteImplementationClassUID = ui.ImplementationClassUID
	a.RemoteImplementationVersion = ui.ImplementationVersionName
	if ui.AsyncOperations != nil {
		a.MaxAsyncOpsInvoked = ui.AsyncOperations.MaxInvoked
		a.MaxAsyncOpsPerformed = ui.AsyncOperations.MaxPerformed
	}
	for _, pc := range rq.PresentationContexts {
		a.Contexts = append(a.Contexts, &PresentationContext{
			ID:               pc.ID,
			AbstractSyntax:   pc.AbstractSyntax,
			TransferSyntaxes: append([]string(nil), pc.TransferSyntaxes...),
			Result:           Proposed,
		})
	}
	a.applyRoles(ui.RoleSelections)
	for _, ext := range ui.SOPClassExtended {
		a.ExtendedNegotiations = append(a.ExtendedNegotiations, ExtendedNegotiation{SOPClassUID: ext.SOPClassUID, Info: ext.Info})
	}
	if id := ui.UserIdentity; id != nil {
		a.UserIdentity = &UserIdentity{
			Type:                      id.Type,
			PositiveResponseRequested: id.PositiveResponseRequested,
			Primary:                   id.Primary,
			Secondary:                 id.Secondary,
		}
	}
	return a
}

func (a *Association) applyRoles(roles []pdu.RoleSelection) {
	for _, role := range roles {
		scu, scp := role.SCU, role.SCP
		for _, pc := range a.Contexts {
			if pc.AbstractSyntax == role.SOPClassUID {
				pc.SCURole, pc.SCPRole = &scu, &scp
			}
		}
	}
}

// AcceptPDU builds the A-ASSOCIATE-AC for a negotiated association. Contexts still
// Proposed are reported as rejected with no reason.
func (a *Association) AcceptPDU() *pdu.AAssociateAC {
	ac := &pdu.AAssociateAC{
		ProtocolVersion:    pdu.ProtocolVersion,
		CalledAETitle:      a.CalledAE,
		CallingAETitle:     a.CallingAE,
		ApplicationContext: types.ApplicationContextUID,
		UserInformation:    a.userInformation(),
	}
	for _, pc := range a.Contexts {
		if pc.Result == Proposed {
			pc.Reject(NoReason)
		}
		if !pc.Accepted() && !a.IncludeRejectedContexts {
			continue
		}
		ac.PresentationContexts = append(ac.PresentationContexts, pdu.PresentationContextAC{
			ID:             pc.ID,
			Result:         byte(pc.Result),
			TransferSyntax: pc.AcceptedTransferSyntax,
		})
	}
	if len(a.UserIdentityResponse) > 0 && a.UserIdentity != nil && a.UserIdentity.PositiveResponseRequested {
		ac.UserInformation.UserIdentityResponse = &pdu.UserIdentityResponse{ServerResponse: a.UserIdentityResponse}
	}
	return ac
}

// ApplyAcceptPDU records the acceptor's answer. Contexts missing from the AC are treated
// as rejected, and an accepted transfer syntax that was never proposed rejects the context.
func (a *Association) ApplyAcceptPDU(ac *pdu.AAssociateAC) error {
	answered := make(map[byte]bool, len(ac.PresentationContexts))
	for _, result := range ac.PresentationContexts {
		pc, ok := a.Context(result.ID)
		if !ok {
			return fmt.Errorf("A-ASSOCIATE-AC answers unknown presentation context %d", result.ID)
		}
		answered[result.ID] = true
		switch {
		case Result(result.Result) != Accept:
			pc.Reject(Result(result.Result))
		case !pc.proposes(result.TransferSyntax):
			pc.Reject(TransferSyntaxesNotSupported)
		default:
			pc.Accept(result.TransferSyntax)
		}
	}
	for _, pc := range a.Contexts {
		if !answered[pc.ID] {
			pc.Reject(NoReason)
		}
	}

	ui := ac.UserInformation
	a.RemoteMaxPDULength = ui.MaxPDULength
	a.RemoteImplementationClassUID = ui.ImplementationClassUID
	a.RemoteImplementationVersion = ui.ImplementationVersionName
	if ui.AsyncOperations != nil {
		a.MaxAsyncOpsInvoked = ui.AsyncOperations.MaxInvoked
		a.MaxAsyncOpsPerformed = ui.AsyncOperations.MaxPerformed
	} else {
		a.MaxAsyncOpsInvoked, a.MaxAsyncOpsPerformed = 1, 1
	}
	a.applyRoles(ui.RoleSelections)
	if ui.UserIdentityResponse != nil {
		a.UserIdentityResponse = ui.UserIdentityResponse.ServerResponse
	}
	return nil
}
