package dicom

// Entry is one data dictionary row.
type Entry struct {
	VR      VR
	VM      string
	Name    string
	Keyword string
}

// Dictionary resolves tags to their registered VR and name.
type Dictionary interface {
	Lookup(tag Tag) (Entry, bool)
}

type staticDictionary map[Tag]Entry

// Lookup implements Dictionary. Group lengths resolve to UL and private creators to LO;
// anything else not in the table is reported as UN with ok = false.
func (d staticDictionary) Lookup(tag Tag) (Entry, bool) {
	if e, ok := d[tag]; ok {
		return e, true
	}
	switch {
	case tag.IsGroupLength():
		return Entry{VR: VR_UL, VM: "1", Name: "Group Length", Keyword: "GroupLength"}, true
	case tag.IsPrivateCreator():
		return Entry{VR: VR_LO, VM: "1", Name: "Private Creator", Keyword: "PrivateCreator"}, true
	case tag.Group&0xFF00 == 0x6000 && tag.Element == 0x3000:
		return Entry{VR: VR_OW, VM: "1", Name: "Overlay Data", Keyword: "OverlayData"}, true
	}
	return Entry{VR: VR_UN, VM: "1"}, false
}

// StandardDictionary returns the built-in read-only dictionary. It is safe for concurrent use.
func StandardDictionary() Dictionary {
	return standardDictionary
}

// LookupVR returns the dictionary VR for tag, UN when unknown.
func LookupVR(dict Dictionary, tag Tag) VR {
	if dict == nil {
		dict = standardDictionary
	}
	e, _ := dict.Lookup(tag)
	return e.VR
}

var standardDictionary = func() staticDictionary {
	entries := []struct {
		tag Tag
		Entry
	}{
		// Command group
		{TagAffectedSOPClassUID, Entry{VR_UI, "1", "Affected SOP Class UID", "AffectedSOPClassUID"}},
		{TagRequestedSOPClassUID, Entry{VR_UI, "1", "Requested SOP Class UID", "RequestedSOPClassUID"}},
		{TagCommandField, Entry{VR_US, "1", "Command Field", "CommandField"}},
		{TagMessageID, Entry{VR_US, "1", "Message ID", "MessageID"}},
		{TagMessageIDBeingRespondedTo, Entry{VR_US, "1", "Message ID Being Responded To", "MessageIDBeingRespondedTo"}},
		{TagMoveDestination, Entry{VR_AE, "1", "Move Destination", "MoveDestination"}},
		{TagPriority, Entry{VR_US, "1", "Priority", "Priority"}},
		{TagCommandDataSetType, Entry{VR_US, "1", "Command Data Set Type", "CommandDataSetType"}},
		{TagStatus, Entry{VR_US, "1", "Status", "Status"}},
		{TagOffendingElement, Entry{VR_AT, "1-n", "Offending Element", "OffendingElement"}},
		{TagErrorComment, Entry{VR_LO, "1", "Error Comment", "ErrorComment"}},
		{TagErrorID, Entry{VR_US, "1", "Error ID", "ErrorID"}},
		{TagAffectedSOPInstanceUID, Entry{VR_UI, "1", "Affected SOP Instance UID", "AffectedSOPInstanceUID"}},
		{TagRequestedSOPInstanceUID, Entry{VR_UI, "1", "Requested SOP Instance UID", "RequestedSOPInstanceUID"}},
		{TagEventTypeID, Entry{VR_US, "1", "Event Type ID", "EventTypeID"}},
		{TagAttributeIdentifierList, Entry{VR_AT, "1-n", "Attribute Identifier List", "AttributeIdentifierList"}},
		{TagActionTypeID, Entry{VR_US, "1", "Action Type ID", "ActionTypeID"}},
		{TagNumberOfRemainingSuboperations, Entry{VR_US, "1", "Number of Remaining Sub-operations", "NumberOfRemainingSuboperations"}},
		{TagNumberOfCompletedSuboperations, Entry{VR_US, "1", "Number of Completed Sub-operations", "NumberOfCompletedSuboperations"}},
		{TagNumberOfFailedSuboperations, Entry{VR_US, "1", "Number of Failed Sub-operations", "NumberOfFailedSuboperations"}},
		{TagNumberOfWarningSuboperations, Entry{VR_US, "1", "Number of Warning Sub-operations", "NumberOfWarningSuboperations"}},
		{TagMoveOriginatorApplicationEntityTitle, Entry{VR_AE, "1", "Move Originator Application Entity Title", "MoveOriginatorApplicationEntityTitle"}},
		{TagMoveOriginatorMessageID, Entry{VR_US, "1", "Move Originator Message ID", "MoveOriginatorMessageID"}},

		// File meta information
		{TagFileMetaInformationVersion, Entry{VR_OB, "1", "File Meta Information Version", "FileMetaInformationVersion"}},
		{TagMediaStorageSOPClassUID, Entry{VR_UI, "1", "Media Storage SOP Class UID", "MediaStorageSOPClassUID"}},
		{TagMediaStorageSOPInstanceUID, Entry{VR_UI, "1", "Media Storage SOP Instance UID", "MediaStorageSOPInstanceUID"}},
		{TagTransferSyntaxUID, Entry{VR_UI, "1", "Transfer Syntax UID", "TransferSyntaxUID"}},
		{TagImplementationClassUID, Entry{VR_UI, "1", "Implementation Class UID", "ImplementationClassUID"}},
		{TagImplementationVersionName, Entry{VR_SH, "1", "Implementation Version Name", "ImplementationVersionName"}},
		{TagSourceApplicationEntityTitle, Entry{VR_AE, "1", "Source Application Entity Title", "SourceApplicationEntityTitle"}},

		// SOP common, study, series
		{TagSpecificCharacterSet, Entry{VR_CS, "1-n", "Specific Character Set", "SpecificCharacterSet"}},
		{Tag{0x0008, 0x0008}, Entry{VR_CS, "2-n", "Image Type", "ImageType"}},
		{Tag{0x0008, 0x0012}, Entry{VR_DA, "1", "Instance Creation Date", "InstanceCreationDate"}},
		{Tag{0x0008, 0x0013}, Entry{VR_TM, "1", "Instance Creation Time", "InstanceCreationTime"}},
		{TagSOPClassUID, Entry{VR_UI, "1", "SOP Class UID", "SOPClassUID"}},
		{TagSOPInstanceUID, Entry{VR_UI, "1", "SOP Instance UID", "SOPInstanceUID"}},
		{TagStudyDate, Entry{VR_DA, "1", "Study Date", "StudyDate"}},
		{Tag{0x0008, 0x0021}, Entry{VR_DA, "1", "Series Date", "SeriesDate"}},
		{Tag{0x0008, 0x0023}, Entry{VR_DA, "1", "Content Date", "ContentDate"}},
		{Tag{0x0008, 0x0030}, Entry{VR_TM, "1", "Study Time", "StudyTime"}},
		{Tag{0x0008, 0x0031}, Entry{VR_TM, "1", "Series Time", "SeriesTime"}},
		{Tag{0x0008, 0x0033}, Entry{VR_TM, "1", "Content Time", "ContentTime"}},
		{TagAccessionNumber, Entry{VR_SH, "1", "Accession Number", "AccessionNumber"}},
		{TagQueryRetrieveLevel, Entry{VR_CS, "1", "Query/Retrieve Level", "QueryRetrieveLevel"}},
		{Tag{0x0008, 0x0054}, Entry{VR_AE, "1-n", "Retrieve AE Title", "RetrieveAETitle"}},
		{Tag{0x0008, 0x0056}, Entry{VR_CS, "1", "Instance Availability", "InstanceAvailability"}},
		{TagModality, Entry{VR_CS, "1", "Modality", "Modality"}},
		{Tag{0x0008, 0x0061}, Entry{VR_CS, "1-n", "Modalities in Study", "ModalitiesInStudy"}},
		{Tag{0x0008, 0x0064}, Entry{VR_CS, "1", "Conversion Type", "ConversionType"}},
		{Tag{0x0008, 0x0070}, Entry{VR_LO, "1", "Manufacturer", "Manufacturer"}},
		{Tag{0x0008, 0x0080}, Entry{VR_LO, "1", "Institution Name", "InstitutionName"}},
		{Tag{0x0008, 0x0090}, Entry{VR_PN, "1", "Referring Physician's Name", "ReferringPhysicianName"}},
		{Tag{0x0008, 0x1030}, Entry{VR_LO, "1", "Study Description", "StudyDescription"}},
		{Tag{0x0008, 0x103E}, Entry{VR_LO, "1", "Series Description", "SeriesDescription"}},
		{Tag{0x0008, 0x1040}, Entry{VR_LO, "1", "Institutional Department Name", "InstitutionalDepartmentName"}},
		{Tag{0x0008, 0x1050}, Entry{VR_PN, "1-n", "Performing Physician's Name", "PerformingPhysicianName"}},
		{Tag{0x0008, 0x1060}, Entry{VR_PN, "1-n", "Name of Physician(s) Reading Study", "NameOfPhysiciansReadingStudy"}},
		{Tag{0x0008, 0x1070}, Entry{VR_PN, "1-n", "Operators' Name", "OperatorsName"}},
		{Tag{0x0008, 0x1110}, Entry{VR_SQ, "1", "Referenced Study Sequence", "ReferencedStudySequence"}},
		{Tag{0x0008, 0x1115}, Entry{VR_SQ, "1", "Referenced Series Sequence", "ReferencedSeriesSequence"}},
		{Tag{0x0008, 0x1140}, Entry{VR_SQ, "1", "Referenced Image Sequence", "ReferencedImageSequence"}},
		{Tag{0x0008, 0x1150}, Entry{VR_UI, "1", "Referenced SOP Class UID", "ReferencedSOPClassUID"}},
		{Tag{0x0008, 0x1155}, Entry{VR_UI, "1", "Referenced SOP Instance UID", "ReferencedSOPInstanceUID"}},
		{Tag{0x0008, 0x1199}, Entry{VR_SQ, "1", "Referenced SOP Sequence", "ReferencedSOPSequence"}},
		{Tag{0x0008, 0x2112}, Entry{VR_SQ, "1", "Source Image Sequence", "SourceImageSequence"}},

		// Patient
		{TagPatientName, Entry{VR_PN, "1", "Patient's Name", "PatientName"}},
		{TagPatientID, Entry{VR_LO, "1", "Patient ID", "PatientID"}},
		{Tag{0x0010, 0x0021}, Entry{VR_LO, "1", "Issuer of Patient ID", "IssuerOfPatientID"}},
		{Tag{0x0010, 0x0030}, Entry{VR_DA, "1", "Patient's Birth Date", "PatientBirthDate"}},
		{Tag{0x0010, 0x0040}, Entry{VR_CS, "1", "Patient's Sex", "PatientSex"}},
		{Tag{0x0010, 0x1010}, Entry{VR_AS, "1", "Patient's Age", "PatientAge"}},
		{Tag{0x0010, 0x1020}, Entry{VR_DS, "1", "Patient's Size", "PatientSize"}},
		{Tag{0x0010, 0x1030}, Entry{VR_DS, "1", "Patient's Weight", "PatientWeight"}},
		{Tag{0x0010, 0x4000}, Entry{VR_LT, "1", "Patient Comments", "PatientComments"}},

		// Acquisition
		{Tag{0x0018, 0x0015}, Entry{VR_CS, "1", "Body Part Examined", "BodyPartExamined"}},
		{Tag{0x0018, 0x0050}, Entry{VR_DS, "1", "Slice Thickness", "SliceThickness"}},
		{Tag{0x0018, 0x0060}, Entry{VR_DS, "1", "KVP", "KVP"}},
		{Tag{0x0018, 0x1030}, Entry{VR_LO, "1", "Protocol Name", "ProtocolName"}},

		// Relationship
		{TagStudyInstanceUID, Entry{VR_UI, "1", "Study Instance UID", "StudyInstanceUID"}},
		{TagSeriesInstanceUID, Entry{VR_UI, "1", "Series Instance UID", "SeriesInstanceUID"}},
		{Tag{0x0020, 0x0010}, Entry{VR_SH, "1", "Study ID", "StudyID"}},
		{Tag{0x0020, 0x0011}, Entry{VR_IS, "1", "Series Number", "SeriesNumber"}},
		{Tag{0x0020, 0x0013}, Entry{VR_IS, "1", "Instance Number", "InstanceNumber"}},
		{Tag{0x0020, 0x0020}, Entry{VR_CS, "2", "Patient Orientation", "PatientOrientation"}},
		{Tag{0x0020, 0x0032}, Entry{VR_DS, "3", "Image Position (Patient)", "ImagePositionPatient"}},
		{Tag{0x0020, 0x0037}, Entry{VR_DS, "6", "Image Orientation (Patient)", "ImageOrientationPatient"}},
		{Tag{0x0020, 0x0052}, Entry{VR_UI, "1", "Frame of Reference UID", "FrameOfReferenceUID"}},
		{Tag{0x0020, 0x1206}, Entry{VR_IS, "1", "Number of Study Related Series", "NumberOfStudyRelatedSeries"}},
		{Tag{0x0020, 0x1208}, Entry{VR_IS, "1", "Number of Study Related Instances", "NumberOfStudyRelatedInstances"}},
		{Tag{0x0020, 0x1209}, Entry{VR_IS, "1", "Number of Series Related Instances", "NumberOfSeriesRelatedInstances"}},

		// Image pixel module
		{TagSamplesPerPixel, Entry{VR_US, "1", "Samples per Pixel", "SamplesPerPixel"}},
		{TagPhotometricInterpretation, Entry{VR_CS, "1", "Photometric Interpretation", "PhotometricInterpretation"}},
		{TagPlanarConfiguration, Entry{VR_US, "1", "Planar Configuration", "PlanarConfiguration"}},
		{TagNumberOfFrames, Entry{VR_IS, "1", "Number of Frames", "NumberOfFrames"}},
		{TagRows, Entry{VR_US, "1", "Rows", "Rows"}},
		{TagColumns, Entry{VR_US, "1", "Columns", "Columns"}},
		{Tag{0x0028, 0x0030}, Entry{VR_DS, "2", "Pixel Spacing", "PixelSpacing"}},
		{TagBitsAllocated, Entry{VR_US, "1", "Bits Allocated", "BitsAllocated"}},
		{TagBitsStored, Entry{VR_US, "1", "Bits Stored", "BitsStored"}},
		{TagHighBit, Entry{VR_US, "1", "High Bit", "HighBit"}},
		{TagPixelRepresentation, Entry{VR_US, "1", "Pixel Representation", "PixelRepresentation"}},
		{Tag{0x0028, 0x1050}, Entry{VR_DS, "1-n", "Window Center", "WindowCenter"}},
		{Tag{0x0028, 0x1051}, Entry{VR_DS, "1-n", "Window Width", "WindowWidth"}},
		{Tag{0x0028, 0x1052}, Entry{VR_DS, "1", "Rescale Intercept", "RescaleIntercept"}},
		{Tag{0x0028, 0x1053}, Entry{VR_DS, "1", "Rescale Slope", "RescaleSlope"}},
		{Tag{0x0028, 0x2110}, Entry{VR_CS, "1", "Lossy Image Compression", "LossyImageCompression"}},

		// Procedure and worklist
		{Tag{0x0032, 0x1060}, Entry{VR_LO, "1", "Requested Procedure Description", "RequestedProcedureDescription"}},
		{Tag{0x0040, 0x0100}, Entry{VR_SQ, "1", "Scheduled Procedure Step Sequence", "ScheduledProcedureStepSequence"}},
		{Tag{0x0040, 0x0002}, Entry{VR_DA, "1", "Scheduled Procedure Step Start Date", "ScheduledProcedureStepStartDate"}},
		{Tag{0x0040, 0x0003}, Entry{VR_TM, "1", "Scheduled Procedure Step Start Time", "ScheduledProcedureStepStartTime"}},
		{Tag{0x0040, 0x0253}, Entry{VR_SH, "1", "Performed Procedure Step ID", "PerformedProcedureStepID"}},
		{Tag{0x0040, 0xA730}, Entry{VR_SQ, "1", "Content Sequence", "ContentSequence"}},
		{Tag{0x0008, 0x1198}, Entry{VR_SQ, "1", "Failed SOP Sequence", "FailedSOPSequence"}},
		{Tag{0x0008, 0x1197}, Entry{VR_US, "1", "Failure Reason", "FailureReason"}},
		{Tag{0x0008, 0x1195}, Entry{VR_UI, "1", "Transaction UID", "TransactionUID"}},

		// Pixel data and delimiters
		{TagPixelData, Entry{VR_OW, "1", "Pixel Data", "PixelData"}},
		{Tag{0x7FE0, 0x0008}, Entry{VR_OF, "1", "Float Pixel Data", "FloatPixelData"}},
		{Tag{0x7FE0, 0x0009}, Entry{VR_OD, "1", "Double Float Pixel Data", "DoubleFloatPixelData"}},
		{Tag{0xFFFA, 0xFFFA}, Entry{VR_SQ, "1", "Digital Signatures Sequence", "DigitalSignaturesSequence"}},
		{Tag{0xFFFC, 0xFFFC}, Entry{VR_OB, "1", "Data Set Trailing Padding", "DataSetTrailingPadding"}},
		{ItemTag, Entry{"", "1", "Item", "Item"}},
		{ItemDelimitationTag, Entry{"", "1", "Item Delimitation Item", "ItemDelimitationItem"}},
		{SequenceDelimitationTag, Entry{"", "1", "Sequence Delimitation Item", "SequenceDelimitationItem"}},
	}

	dict := make(staticDictionary, len(entries))
	for _, e := range entries {
		dict[e.tag] = e.Entry
	}
	return dict
}()
