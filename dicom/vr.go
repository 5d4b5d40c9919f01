package dicom

// VR is a Value Representation code (PS3.5 Section 6.2)
type VR string

// VR (Value Representation) constants
const (
	VR_AE VR = "AE" // Application Entity
	VR_AS VR = "AS" // Age String
	VR_AT VR = "AT" // Attribute Tag
	VR_CS VR = "CS" // Code String
	VR_DA VR = "DA" // Date
	VR_DS VR = "DS" // Decimal String
	VR_DT VR = "DT" // Date Time
	VR_FL VR = "FL" // Floating Point Single
	VR_FD VR = "FD" // Floating Point Double
	VR_IS VR = "IS" // Integer String
	VR_LO VR = "LO" // Long String
	VR_LT VR = "LT" // Long Text
	VR_OB VR = "OB" // Other Byte
	VR_OD VR = "OD" // Other Double
	VR_OF VR = "OF" // Other Float
	VR_OL VR = "OL" // Other Long
	VR_OV VR = "OV" // Other Very Long
	VR_OW VR = "OW" // Other Word
	VR_PN VR = "PN" // Person Name
	VR_SH VR = "SH" // Short String
	VR_SL VR = "SL" // Signed Long
	VR_SQ VR = "SQ" // Sequence of Items
	VR_SS VR = "SS" // Signed Short
	VR_ST VR = "ST" // Short Text
	VR_SV VR = "SV" // Signed Very Long
	VR_TM VR = "TM" // Time
	VR_UC VR = "UC" // Unlimited Characters
	VR_UI VR = "UI" // Unique Identifier
	VR_UL VR = "UL" // Unsigned Long
	VR_UN VR = "UN" // Unknown
	VR_UR VR = "UR" // Universal Resource
	VR_US VR = "US" // Unsigned Short
	VR_UT VR = "UT" // Unlimited Text
	VR_UV VR = "UV" // Unsigned Very Long
)

type vrInfo struct {
	long bool
	unit int
	text bool
}

var vrTable = map[VR]vrInfo{
	VR_AE: {text: true, unit: 1},
	VR_AS: {text: true, unit: 1},
	VR_AT: {unit: 2},
	VR_CS: {text: true, unit: 1},
	VR_DA: {text: true, unit: 1},
	VR_DS: {text: true, unit: 1},
	VR_DT: {text: true, unit: 1},
	VR_FL: {unit: 4},
	VR_FD: {unit: 8},
	VR_IS: {text: true, unit: 1},
	VR_LO: {text: true, unit: 1},
	VR_LT: {text: true, unit: 1},
	VR_OB: {long: true, unit: 1},
	VR_OD: {long: true, unit: 8},
	VR_OF: {long: true, unit: 4},
	VR_OL: {long: true, unit: 4},
	VR_OV: {long: true, unit: 8},
	VR_OW: {long: true, unit: 2},
	VR_PN: {text: true, unit: 1},
	VR_SH: {text: true, unit: 1},
	VR_SL: {unit: 4},
	VR_SQ: {long: true, unit: 1},
	VR_SS: {unit: 2},
	VR_ST: {text: true, unit: 1},
	VR_SV: {long: true, unit: 8},
	VR_TM: {text: true, unit: 1},
	VR_UC: {long: true, text: true, unit: 1},
	VR_UI: {unit: 1},
	VR_UL: {unit: 4},
	VR_UN: {long: true, unit: 1},
	VR_UR: {long: true, text: true, unit: 1},
	VR_US: {unit: 2},
	VR_UT: {long: true, text: true, unit: 1},
	VR_UV: {long: true, unit: 8},
}

// IsKnown reports whether vr is a standard VR code.
func (vr VR) IsKnown() bool {
	_, ok := vrTable[vr]
	return ok
}

// LongLength reports whether explicit VR encoding uses 2 reserved bytes and a 32-bit length.
func (vr VR) LongLength() bool {
	return vrTable[vr].long
}

// UnitSize is the byte width swapped when changing endianness. Byte-sized VRs return 1.
func (vr VR) UnitSize() int {
	if info, ok := vrTable[vr]; ok {
		return info.unit
	}
	return 1
}

// IsText reports whether the value is character data padded with spaces.
func (vr VR) IsText() bool {
	return vrTable[vr].text
}

// IsString reports whether the value is character data, including NUL-padded UIDs.
func (vr VR) IsString() bool {
	return vr.IsText() || vr == VR_UI
}

// UsesCharacterSet reports whether the value is decoded through Specific Character Set.
func (vr VR) UsesCharacterSet() bool {
	switch vr {
	case VR_SH, VR_LO, VR_ST, VR_LT, VR_PN, VR_UC, VR_UT:
		return true
	}
	return false
}

// PadByte is appended to odd-length values: space for text, NUL for UI and binary VRs.
func (vr VR) PadByte() byte {
	if vr.IsText() {
		return ' '
	}
	return 0x00
}
