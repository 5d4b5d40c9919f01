package dicom

import "fmt"

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Uint32 packs the tag as group<<16 | element.
func (t Tag) Uint32() uint32 {
	return uint32(t.Group)<<16 | uint32(t.Element)
}

// Compare returns -1, 0 or +1 ordering tags by group then element.
func (t Tag) Compare(o Tag) int {
	a, b := t.Uint32(), o.Uint32()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Less reports whether t sorts before o.
func (t Tag) Less(o Tag) bool { return t.Uint32() < o.Uint32() }

// IsPrivate reports whether the tag belongs to an odd (private) group.
func (t Tag) IsPrivate() bool { return t.Group%2 == 1 }

// IsPrivateCreator reports whether the tag reserves a private block, (gggg,0010)-(gggg,00FF).
func (t Tag) IsPrivateCreator() bool {
	return t.IsPrivate() && t.Element >= 0x0010 && t.Element <= 0x00FF
}

// IsGroupLength reports whether the tag is a group length pseudo-element (gggg,0000).
func (t Tag) IsGroupLength() bool { return t.Element == 0x0000 }

// Delimitation tags (PS3.5 Section 7.5)
var (
	ItemTag                 = Tag{0xFFFE, 0xE000}
	ItemDelimitationTag     = Tag{0xFFFE, 0xE00D}
	SequenceDelimitationTag = Tag{0xFFFE, 0xE0DD}
)

// UndefinedLength marks a sequence, item or fragment sequence closed by a delimiter.
const UndefinedLength uint32 = 0xFFFFFFFF

// Command group (PS3.7 Section E.1)
var (
	TagCommandGroupLength                   = Tag{0x0000, 0x0000}
	TagAffectedSOPClassUID                  = Tag{0x0000, 0x0002}
	TagRequestedSOPClassUID                 = Tag{0x0000, 0x0003}
	TagCommandField                         = Tag{0x0000, 0x0100}
	TagMessageID                            = Tag{0x0000, 0x0110}
	TagMessageIDBeingRespondedTo            = Tag{0x0000, 0x0120}
	TagMoveDestination                      = Tag{0x0000, 0x0600}
	TagPriority                             = Tag{0x0000, 0x0700}
	TagCommandDataSetType                   = Tag{0x0000, 0x0800}
	TagStatus                               = Tag{0x0000, 0x0900}
	TagOffendingElement                     = Tag{0x0000, 0x0901}
	TagErrorComment                         = Tag{0x0000, 0x0902}
	TagErrorID                              = Tag{0x0000, 0x0903}
	TagAffectedSOPInstanceUID               = Tag{0x0000, 0x1000}
	TagRequestedSOPInstanceUID              = Tag{0x0000, 0x1001}
	TagEventTypeID                          = Tag{0x0000, 0x1002}
	TagAttributeIdentifierList              = Tag{0x0000, 0x1005}
	TagActionTypeID                         = Tag{0x0000, 0x1008}
	TagNumberOfRemainingSuboperations       = Tag{0x0000, 0x1020}
	TagNumberOfCompletedSuboperations       = Tag{0x0000, 0x1021}
	TagNumberOfFailedSuboperations          = Tag{0x0000, 0x1022}
	TagNumberOfWarningSuboperations         = Tag{0x0000, 0x1023}
	TagMoveOriginatorApplicationEntityTitle = Tag{0x0000, 0x1030}
	TagMoveOriginatorMessageID              = Tag{0x0000, 0x1031}
)

// File meta information group
var (
	TagFileMetaInformationGroupLength = Tag{0x0002, 0x0000}
	TagFileMetaInformationVersion     = Tag{0x0002, 0x0001}
	TagMediaStorageSOPClassUID        = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID     = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID              = Tag{0x0002, 0x0010}
	TagImplementationClassUID         = Tag{0x0002, 0x0012}
	TagImplementationVersionName      = Tag{0x0002, 0x0013}
	TagSourceApplicationEntityTitle   = Tag{0x0002, 0x0016}
)

// Frequently used dataset tags
var (
	TagSpecificCharacterSet      = Tag{0x0008, 0x0005}
	TagSOPClassUID               = Tag{0x0008, 0x0016}
	TagSOPInstanceUID            = Tag{0x0008, 0x0018}
	TagStudyDate                 = Tag{0x0008, 0x0020}
	TagStudyTime                 = Tag{0x0008, 0x0030}
	TagQueryRetrieveLevel        = Tag{0x0008, 0x0052}
	TagModality                  = Tag{0x0008, 0x0060}
	TagAccessionNumber           = Tag{0x0008, 0x0050}
	TagPatientName               = Tag{0x0010, 0x0010}
	TagPatientID                 = Tag{0x0010, 0x0020}
	TagStudyInstanceUID          = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID         = Tag{0x0020, 0x000E}
	TagInstanceNumber            = Tag{0x0020, 0x0013}
	TagSamplesPerPixel           = Tag{0x0028, 0x0002}
	TagPhotometricInterpretation = Tag{0x0028, 0x0004}
	TagPlanarConfiguration       = Tag{0x0028, 0x0006}
	TagNumberOfFrames            = Tag{0x0028, 0x0008}
	TagRows                      = Tag{0x0028, 0x0010}
	TagColumns                   = Tag{0x0028, 0x0011}
	TagBitsAllocated             = Tag{0x0028, 0x0100}
	TagBitsStored                = Tag{0x0028, 0x0101}
	TagHighBit                   = Tag{0x0028, 0x0102}
	TagPixelRepresentation       = Tag{0x0028, 0x0103}
	TagPixelData                 = Tag{0x7FE0, 0x0010}
)
