package engine

import (
	"github.com/looplab/fsm"
)

// State is an association lifecycle state.
type State string

const (
	StateIdle                        State = "idle"
	StateConnectingTransport         State = "connecting_transport"
	StateAssociationRequestSent      State = "association_request_sent"
	StateAwaitingAssociationDecision State = "awaiting_association_decision"
	StateEstablished                 State = "established"
	StateReleaseRequested            State = "release_requested"
	StateReleasePending              State = "release_pending"
	StateAborting                    State = "aborting"
	StateClosed                      State = "closed"
)

// Events driving the association state machine.
const (
	eventConnect            = "connect"
	eventTransportOpen      = "transport_open"
	eventSendAssociateRQ    = "send_associate_rq"
	eventReceiveAssociateRQ = "receive_associate_rq"
	eventAccept             = "accept"
	eventReject             = "reject"
	eventReceiveAssociateAC = "receive_associate_ac"
	eventReceiveAssociateRJ = "receive_associate_rj"
	eventRequestRelease     = "request_release"
	eventReceiveReleaseRQ   = "receive_release_rq"
	eventReceiveReleaseRP   = "receive_release_rp"
	eventAbort              = "abort"
	eventClose              = "close"
)

func states(s ...State) []string {
	out := make([]string, len(s))
	for i, st := range s {
		out[i] = string(st)
	}
	return out
}

// newStateMachine builds the association state machine. Services start in
// connecting_transport once they wrap an open connection.
func newStateMachine(callbacks fsm.Callbacks) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventConnect, Src: states(StateIdle), Dst: string(StateConnectingTransport)},
			{Name: eventTransportOpen, Src: states(StateIdle, StateConnectingTransport), Dst: string(StateConnectingTransport)},
			{Name: eventSendAssociateRQ, Src: states(StateConnectingTransport), Dst: string(StateAssociationRequestSent)},
			{Name: eventReceiveAssociateRQ, Src: states(StateConnectingTransport), Dst: string(StateAwaitingAssociationDecision)},
			{Name: eventAccept, Src: states(StateAwaitingAssociationDecision), Dst: string(StateEstablished)},
			{Name: eventReject, Src: states(StateAwaitingAssociationDecision), Dst: string(StateClosed)},
			{Name: eventReceiveAssociateAC, Src: states(StateAssociationRequestSent), Dst: string(StateEstablished)},
			{Name: eventReceiveAssociateRJ, Src: states(StateAssociationRequestSent), Dst: string(StateClosed)},
			{Name: eventRequestRelease, Src: states(StateEstablished), Dst: string(StateReleaseRequested)},
			// a release request received while our own is outstanding is a collision
			{Name: eventReceiveReleaseRQ, Src: states(StateEstablished, StateReleaseRequested), Dst: string(StateReleasePending)},
			{Name: eventReceiveReleaseRP, Src: states(StateReleaseRequested, StateReleasePending), Dst: string(StateClosed)},
			{Name: eventAbort, Src: states(
				StateConnectingTransport, StateAssociationRequestSent, StateAwaitingAssociationDecision,
				StateEstablished, StateReleaseRequested, StateReleasePending,
			), Dst: string(StateAborting)},
			{Name: eventClose, Src: states(
				StateIdle, StateConnectingTransport, StateAssociationRequestSent, StateAwaitingAssociationDecision,
				StateEstablished, StateReleaseRequested, StateReleasePending, StateAborting,
			), Dst: string(StateClosed)},
		},
		callbacks,
	)
}
