package dimse

import "github.com/caio-sobreiro/dicomulp/types"

// Status codes
const (
	StatusSuccess        = types.StatusSuccess
	StatusPending        = types.StatusPending
	StatusPendingWarning = types.StatusPendingWarning
	StatusCancel         = types.StatusCancel
	StatusFailure        = types.StatusFailure
)

// State classifies a status code.
type State int

const (
	StateSuccess State = iota
	StateWarning
	StatePending
	StateCancel
	StateFailure
)

func (s State) String() string {
	switch s {
	case StateSuccess:
		return "success"
	case StateWarning:
		return "warning"
	case StatePending:
		return "pending"
	case StateCancel:
		return "cancel"
	default:
		return "failure"
	}
}

// StatusState maps a status onto its class (PS3.7 Annex C).
func StatusState(status uint16) State {
	switch {
	case status == StatusSuccess:
		return StateSuccess
	case status == StatusPending || status == StatusPendingWarning:
		return StatePending
	case status == StatusCancel:
		return StateCancel
	case status == 0x0001, status&0xF000 == 0xB000, status == 0x0107, status == 0x0116:
		return StateWarning
	default:
		return StateFailure
	}
}

// IsPending reports whether more responses follow.
func IsPending(status uint16) bool { return StatusState(status) == StatePending }

// IsWarning reports a completed operation with warnings.
func IsWarning(status uint16) bool { return StatusState(status) == StateWarning }

// IsFailure reports a failed operation. Cancel is not a failure.
func IsFailure(status uint16) bool { return StatusState(status) == StateFailure }
