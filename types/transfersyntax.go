package types

// Transfer Syntax UIDs (PS3.5 Section 8, PS3.6 Annex A)
const (
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2" // retired
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"

	JPEGBaseline8Bit                       = "1.2.840.10008.1.2.4.50"
	JPEGExtended12Bit                      = "1.2.840.10008.1.2.4.51"
	JPEGSpectralSelectionNonHierarchical68 = "1.2.840.10008.1.2.4.52"
	JPEGSpectralSelectionNonHierarchical79 = "1.2.840.10008.1.2.4.53"
	JPEGFullProgressionNonHierarchical1012 = "1.2.840.10008.1.2.4.54"
	JPEGFullProgressionNonHierarchical1113 = "1.2.840.10008.1.2.4.55"
	JPEGLossless                           = "1.2.840.10008.1.2.4.57"
	JPEGLosslessNonHierarchical1517        = "1.2.840.10008.1.2.4.58"
	JPEGLosslessNonHierarchical1618        = "1.2.840.10008.1.2.4.59"
	JPEGLosslessSV1                        = "1.2.840.10008.1.2.4.70"

	JPEGLSLossless     = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless = "1.2.840.10008.1.2.4.81"

	JPEG2000Lossless                    = "1.2.840.10008.1.2.4.90"
	JPEG2000                            = "1.2.840.10008.1.2.4.91"
	JPEG2000Part2MultiComponentLossless = "1.2.840.10008.1.2.4.92"
	JPEG2000Part2MultiComponent         = "1.2.840.10008.1.2.4.93"

	JPIPReferenced        = "1.2.840.10008.1.2.4.94"
	JPIPReferencedDeflate = "1.2.840.10008.1.2.4.95"

	MPEG2MainProfile           = "1.2.840.10008.1.2.4.100"
	MPEG2MainProfileHighLevel  = "1.2.840.10008.1.2.4.101"
	MPEG4AVCH264HighProfile    = "1.2.840.10008.1.2.4.102"
	HEVCH265MainProfileLevel51 = "1.2.840.10008.1.2.4.107"

	HTJ2KLossless     = "1.2.840.10008.1.2.4.201"
	HTJ2KLosslessRPCL = "1.2.840.10008.1.2.4.202"
	HTJ2K             = "1.2.840.10008.1.2.4.203"

	RLELossless = "1.2.840.10008.1.2.5"
)

// TransferSyntaxInfo provides metadata about a transfer syntax
type TransferSyntaxInfo struct {
	UID          string
	Name         string
	ExplicitVR   bool
	BigEndian    bool
	Deflated     bool
	Encapsulated bool
	IsLossless   bool
	IsRetired    bool
}

// IsCompressed reports whether the pixel data or the whole body is compressed.
func (i *TransferSyntaxInfo) IsCompressed() bool {
	return i.Encapsulated || i.Deflated
}

// GetTransferSyntaxInfo returns information about a transfer syntax UID.
// Unknown UIDs are reported as encapsulated explicit little endian, which is
// how every private compressed syntax is encoded on the wire.
func GetTransferSyntaxInfo(uid string) *TransferSyntaxInfo {
	info, ok := transferSyntaxRegistry[uid]
	if !ok {
		return &TransferSyntaxInfo{
			UID:          uid,
			Name:         "Unknown",
			ExplicitVR:   true,
			Encapsulated: true,
		}
	}
	return &info
}

// IsKnownTransferSyntax reports whether uid is in the registry.
func IsKnownTransferSyntax(uid string) bool {
	_, ok := transferSyntaxRegistry[uid]
	return ok
}

// IsCompressed returns true if the transfer syntax uses compression
func IsCompressed(uid string) bool {
	return GetTransferSyntaxInfo(uid).IsCompressed()
}

// IsLossless returns true if the transfer syntax is lossless.
// Uncompressed transfer syntaxes are considered lossless.
func IsLossless(uid string) bool {
	return GetTransferSyntaxInfo(uid).IsLossless
}

// IsRetired returns true if the transfer syntax is retired
func IsRetired(uid string) bool {
	return GetTransferSyntaxInfo(uid).IsRetired
}

// IsEncapsulated returns true if pixel data is carried as a fragment sequence
func IsEncapsulated(uid string) bool {
	return GetTransferSyntaxInfo(uid).Encapsulated
}

func native(uid, name string, explicit, big bool) TransferSyntaxInfo {
	return TransferSyntaxInfo{UID: uid, Name: name, ExplicitVR: explicit, BigEndian: big, IsLossless: true}
}

func encapsulated(uid, name string, lossless bool) TransferSyntaxInfo {
	return TransferSyntaxInfo{UID: uid, Name: name, ExplicitVR: true, Encapsulated: true, IsLossless: lossless}
}

var transferSyntaxRegistry = func() map[string]TransferSyntaxInfo {
	entries := []TransferSyntaxInfo{
		native(ImplicitVRLittleEndian, "Implicit VR Little Endian", false, false),
		native(ExplicitVRLittleEndian, "Explicit VR Little Endian", true, false),
		func() TransferSyntaxInfo {
			ts := native(ExplicitVRBigEndian, "Explicit VR Big Endian", true, true)
			ts.IsRetired = true
			return ts
		}(),
		func() TransferSyntaxInfo {
			ts := native(DeflatedExplicitVRLittleEndian, "Deflated Explicit VR Little Endian", true, false)
			ts.Deflated = true
			return ts
		}(),

		encapsulated(JPEGBaseline8Bit, "JPEG Baseline (Process 1)", false),
		encapsulated(JPEGExtended12Bit, "JPEG Extended (Process 2 & 4)", false),
		encapsulated(JPEGSpectralSelectionNonHierarchical68, "JPEG Spectral Selection, Non-Hierarchical (Process 6 & 8)", false),
		encapsulated(JPEGSpectralSelectionNonHierarchical79, "JPEG Spectral Selection, Non-Hierarchical (Process 7 & 9)", false),
		encapsulated(JPEGFullProgressionNonHierarchical1012, "JPEG Full Progression, Non-Hierarchical (Process 10 & 12)", false),
		encapsulated(JPEGFullProgressionNonHierarchical1113, "JPEG Full Progression, Non-Hierarchical (Process 11 & 13)", false),
		encapsulated(JPEGLossless, "JPEG Lossless, Non-Hierarchical (Process 14)", true),
		encapsulated(JPEGLosslessNonHierarchical1517, "JPEG Lossless, Non-Hierarchical (Process 15)", true),
		encapsulated(JPEGLosslessNonHierarchical1618, "JPEG Lossless, Non-Hierarchical (Process 16)", true),
		encapsulated(JPEGLosslessSV1, "JPEG Lossless, Non-Hierarchical, First-Order Prediction", true),
		encapsulated(JPEGLSLossless, "JPEG-LS Lossless", true),
		encapsulated(JPEGLSNearLossless, "JPEG-LS Near-Lossless", false),
		encapsulated(JPEG2000Lossless, "JPEG 2000 Lossless Only", true),
		encapsulated(JPEG2000, "JPEG 2000", false),
		encapsulated(JPEG2000Part2MultiComponentLossless, "JPEG 2000 Part 2 Multi-component Lossless Only", true),
		encapsulated(JPEG2000Part2MultiComponent, "JPEG 2000 Part 2 Multi-component", false),
		encapsulated(MPEG2MainProfile, "MPEG2 Main Profile @ Main Level", false),
		encapsulated(MPEG2MainProfileHighLevel, "MPEG2 Main Profile @ High Level", false),
		encapsulated(MPEG4AVCH264HighProfile, "MPEG-4 AVC/H.264 High Profile / Level 4.1", false),
		encapsulated(HEVCH265MainProfileLevel51, "HEVC/H.265 Main Profile / Level 5.1", false),
		encapsulated(HTJ2KLossless, "High-Throughput JPEG 2000 Lossless Only", true),
		encapsulated(HTJ2KLosslessRPCL, "High-Throughput JPEG 2000 with RPCL Options Lossless Only", true),
		encapsulated(HTJ2K, "High-Throughput JPEG 2000", false),
		encapsulated(RLELossless, "RLE Lossless", true),
	}
	jpip := native(JPIPReferenced, "JPIP Referenced", true, false)
	jpipDeflate := native(JPIPReferencedDeflate, "JPIP Referenced Deflate", true, false)
	jpipDeflate.Deflated = true
	entries = append(entries, jpip, jpipDeflate)

	registry := make(map[string]TransferSyntaxInfo, len(entries))
	for _, e := range entries {
		registry[e.UID] = e
	}
	return registry
}()

// GetCommonTransferSyntaxes returns a list of commonly supported transfer syntaxes
// in recommended negotiation order (uncompressed first, then lossless, then lossy)
func GetCommonTransferSyntaxes() []string {
	return []string{
		ExplicitVRLittleEndian,
		ImplicitVRLittleEndian,
		JPEG2000Lossless,
		JPEGLosslessSV1,
		RLELossless,
		JPEG2000,
		JPEGBaseline8Bit,
	}
}

// GetNativeTransferSyntaxes returns the uncompressed syntaxes every codec path can produce
func GetNativeTransferSyntaxes() []string {
	return []string{
		ExplicitVRLittleEndian,
		ImplicitVRLittleEndian,
		ExplicitVRBigEndian,
	}
}
