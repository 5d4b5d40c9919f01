package types

// DIMSE Command types
const (
	CStoreRQ        = 0x0001
	CStoreRSP       = 0x8001
	CGetRQ          = 0x0010
	CGetRSP         = 0x8010
	CFindRQ         = 0x0020
	CFindRSP        = 0x8020
	CMoveRQ         = 0x0021
	CMoveRSP        = 0x8021
	CEchoRQ         = 0x0030
	CEchoRSP        = 0x8030
	NEventReportRQ  = 0x0100
	NEventReportRSP = 0x8100
	NGetRQ          = 0x0110
	NGetRSP         = 0x8110
	NSetRQ          = 0x0120
	NSetRSP         = 0x8120
	NActionRQ       = 0x0130
	NActionRSP      = 0x8130
	NCreateRQ       = 0x0140
	NCreateRSP      = 0x8140
	NDeleteRQ       = 0x0150
	NDeleteRSP      = 0x8150
	CCancelRQ       = 0x0FFF
)

// DIMSE Status codes
const (
	StatusSuccess                = 0x0000
	StatusPending                = 0xFF00
	StatusPendingWarning         = 0xFF01
	StatusCancel                 = 0xFE00
	StatusFailure                = 0xC000
	StatusSOPClassNotSupported   = 0x0122
	StatusProcessingFailure      = 0x0110
	StatusOutOfResources         = 0xA700
	StatusUnableToProcess        = 0xC001
	StatusMoveDestinationUnknown = 0xA801
	StatusDuplicateSOPInstance   = 0x0111
	StatusNoSuchSOPInstance      = 0x0112
	StatusUnrecognizedOperation  = 0x0211
)

// Command Data Set Type (0000,0800) values
const (
	DataSetPresent = 0x0000
	NoDataSet      = 0x0101
)

// Priority (0000,0700) values
const (
	PriorityMedium = 0x0000
	PriorityHigh   = 0x0001
	PriorityLow    = 0x0002
)

// Message represents a parsed DIMSE command set
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	RequestedSOPClassUID      string
	RequestedSOPInstanceUID   string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MessageIDBeingRespondedTo uint16
	MoveDestination           string // For C-MOVE-RQ: the AE title of the move destination
	MoveOriginatorAETitle     string // For C-STORE sub-operations of a C-MOVE
	MoveOriginatorMessageID   uint16
	ErrorComment              string
	OffendingElement          []uint32 // (0000,0901) tags as group<<16|element
	EventTypeID               uint16
	ActionTypeID              uint16
	TransferSyntaxUID         string // Negotiated transfer syntax for associated dataset

	// C-MOVE and C-GET response counters
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// IsRequest reports whether the command field is a request
func (m *Message) IsRequest() bool {
	return m.CommandField&0x8000 == 0
}

// HasDataset reports whether a data set follows the command
func (m *Message) HasDataset() bool {
	return m.CommandDataSetType != NoDataSet
}

// ResponseCommandFor maps a DIMSE request command to its corresponding response command.
func ResponseCommandFor(request uint16) uint16 {
	if request == CCancelRQ {
		return request
	}
	return request | 0x8000
}

// CommandName returns the conventional name of a command field
func CommandName(field uint16) string {
	switch field {
	case CStoreRQ:
		return "C-STORE-RQ"
	case CStoreRSP:
		return "C-STORE-RSP"
	case CGetRQ:
		return "C-GET-RQ"
	case CGetRSP:
		return "C-GET-RSP"
	case CFindRQ:
		return "C-FIND-RQ"
	case CFindRSP:
		return "C-FIND-RSP"
	case CMoveRQ:
		return "C-MOVE-RQ"
	case CMoveRSP:
		return "C-MOVE-RSP"
	case CEchoRQ:
		return "C-ECHO-RQ"
	case CEchoRSP:
		return "C-ECHO-RSP"
	case NEventReportRQ:
		return "N-EVENT-REPORT-RQ"
	case NEventReportRSP:
		return "N-EVENT-REPORT-RSP"
	case NGetRQ:
		return "N-GET-RQ"
	case NGetRSP:
		return "N-GET-RSP"
	case NSetRQ:
		return "N-SET-RQ"
	case NSetRSP:
		return "N-SET-RSP"
	case NActionRQ:
		return "N-ACTION-RQ"
	case NActionRSP:
		return "N-ACTION-RSP"
	case NCreateRQ:
		return "N-CREATE-RQ"
	case NCreateRSP:
		return "N-CREATE-RSP"
	case NDeleteRQ:
		return "N-DELETE-RQ"
	case NDeleteRSP:
		return "N-DELETE-RSP"
	case CCancelRQ:
		return "C-CANCEL-RQ"
	default:
		return "UNKNOWN"
	}
}
