package dicom

import (
	"bytes"
	"encoding/binary"

	"github.com/caio-sobreiro/dicomulp/types"
)

// TransferSyntax describes how a dataset is laid out on the wire.
type TransferSyntax struct {
	UID          string
	ExplicitVR   bool
	ByteOrder    binary.ByteOrder
	Deflated     bool
	Encapsulated bool
	Lossless     bool
}

// Common transfer syntaxes
var (
	ImplicitVRLittleEndian         = LookupTransferSyntax(types.ImplicitVRLittleEndian)
	ExplicitVRLittleEndian         = LookupTransferSyntax(types.ExplicitVRLittleEndian)
	ExplicitVRBigEndian            = LookupTransferSyntax(types.ExplicitVRBigEndian)
	DeflatedExplicitVRLittleEndian = LookupTransferSyntax(types.DeflatedExplicitVRLittleEndian)
)

// LookupTransferSyntax resolves uid. Unknown UIDs are treated as explicit little endian encapsulated.
func LookupTransferSyntax(uid string) TransferSyntax {
	info := types.GetTransferSyntaxInfo(uid)
	ts := TransferSyntax{
		UID:          uid,
		ExplicitVR:   info.ExplicitVR,
		ByteOrder:    binary.LittleEndian,
		Deflated:     info.Deflated,
		Encapsulated: info.Encapsulated,
		Lossless:     info.IsLossless,
	}
	if info.BigEndian {
		ts.ByteOrder = binary.BigEndian
	}
	return ts
}

// ParseDatasetWithTransferSyntax decodes a dataset held entirely in memory.
func ParseDatasetWithTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	return ReadDataset(bytes.NewReader(data), LookupTransferSyntax(transferSyntaxUID), ReadOptions{ReadAll: true})
}

// EncodeDatasetWithTransferSyntax encodes ds into memory with undefined length sequences.
func EncodeDatasetWithTransferSyntax(ds *Dataset, transferSyntaxUID string) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteDataset(&buf, ds, LookupTransferSyntax(transferSyntaxUID), WriteOptions{}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
