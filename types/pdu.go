package types

// PDU type constants
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// Implementation identification sent in the user information item
const (
	ImplementationClassUID    = "2.25.302195764307402730763945545575151632305"
	ImplementationVersionName = "DICOMULP_GO_1"
)

// Upper layer defaults
const (
	DefaultMaxPDULength   = 262144
	MinimumMaxPDULength   = 4096
	DefaultArtimTimeoutMs = 30000
)
