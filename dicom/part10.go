package dicom

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/caio-sobreiro/dicomulp/types"
)

const (
	preambleLength = 128
	part10Prefix   = "DICM"
	part10Offset   = preambleLength + len(part10Prefix)
)

// File is a DICOM Part 10 file: preamble, file meta information and dataset.
type File struct {
	Preamble [preambleLength]byte
	Meta     *Dataset
	Dataset  *Dataset
}

// TransferSyntax returns the syntax named by (0002,0010), defaulting to Explicit VR Little Endian.
func (f *File) TransferSyntax() TransferSyntax {
	if uid := f.Meta.GetString(TagTransferSyntaxUID); uid != "" {
		return LookupTransferSyntax(uid)
	}
	return ExplicitVRLittleEndian
}

// NewFileMeta builds file meta information for an instance stored in ts.
func NewFileMeta(sopClassUID, sopInstanceUID, transferSyntaxUID string) *Dataset {
	meta := NewDataset()
	meta.TransferSyntax = types.ExplicitVRLittleEndian
	meta.SetUint32(TagFileMetaInformationGroupLength, VR_UL, 0)
	meta.SetBytes(TagFileMetaInformationVersion, VR_OB, []byte{0x00, 0x01})
	meta.SetString(TagMediaStorageSOPClassUID, VR_UI, sopClassUID)
	meta.SetString(TagMediaStorageSOPInstanceUID, VR_UI, sopInstanceUID)
	meta.SetString(TagTransferSyntaxUID, VR_UI, transferSyntaxUID)
	meta.SetString(TagImplementationClassUID, VR_UI, types.ImplementationClassUID)
	meta.SetString(TagImplementationVersionName, VR_SH, types.ImplementationVersionName)
	return meta
}

func pastMetaGroup(tag Tag) bool { return tag.Group != 0x0002 }

// ParseFile reads a Part 10 file from a stream. All values are loaded into memory.
func ParseFile(r io.Reader, opts ReadOptions) (*File, error) {
	br := bufio.NewReader(r)
	f := &File{}
	if _, err := io.ReadFull(br, f.Preamble[:]); err != nil {
		return nil, fmt.Errorf("read preamble: %w", err)
	}
	var prefix [4]byte
	if _, err := io.ReadFull(br, prefix[:]); err != nil || string(prefix[:]) != part10Prefix {
		return nil, fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset 128)")
	}

	metaOpts := opts
	metaOpts.Stop = pastMetaGroup
	metaOpts.ReadAll = true
	meta, err := ReadDataset(br, ExplicitVRLittleEndian, metaOpts)
	if err != nil {
		return nil, fmt.Errorf("read file meta information: %w", err)
	}
	f.Meta = meta

	ds, err := ReadDataset(br, f.TransferSyntax(), opts)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	f.Dataset = ds
	return f, nil
}

// ReadFile reads a Part 10 file from disk. Large values stay on disk as FileBuffers
// unless opts.ReadAll is set; non-deflated files are never fully read into memory.
func ReadFile(path string, opts ReadOptions) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	f := &File{}
	if _, err := io.ReadFull(fh, f.Preamble[:]); err != nil {
		return nil, fmt.Errorf("read preamble: %w", err)
	}
	var prefix [4]byte
	if _, err := io.ReadFull(fh, prefix[:]); err != nil || string(prefix[:]) != part10Prefix {
		return nil, fmt.Errorf("%s: not a valid DICOM Part 10 file", path)
	}

	metaOpts := opts
	metaOpts.Stop = pastMetaGroup
	metaOpts.ReadAll = true
	meta, end, err := decodeAt(fh, int64(part10Offset), info.Size(), ExplicitVRLittleEndian, metaOpts, nil)
	if err != nil {
		return nil, fmt.Errorf("read file meta information: %w", err)
	}
	f.Meta = meta

	ts := f.TransferSyntax()
	if ts.Deflated {
		ds, err := ReadDataset(io.NewSectionReader(fh, end, info.Size()-end), ts, opts)
		if err != nil {
			return nil, fmt.Errorf("read dataset: %w", err)
		}
		f.Dataset = ds
		return f, nil
	}

	lazy := func(off, n int64, order binary.ByteOrder) Buffer {
		return NewFileBuffer(path, off, n, order)
	}
	ds, _, err := decodeAt(fh, end, info.Size(), ts, opts, lazy)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	f.Dataset = ds
	return f, nil
}

// WriteTo writes the preamble, prefix, meta group and dataset.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if _, err := cw.Write(f.Preamble[:]); err != nil {
		return cw.n, err
	}
	if _, err := io.WriteString(cw, part10Prefix); err != nil {
		return cw.n, err
	}

	meta := f.Meta
	if meta == nil {
		meta = NewDataset()
	}
	if _, ok := meta.Get(TagFileMetaInformationGroupLength); !ok {
		meta = meta.Clone()
		meta.SetUint32(TagFileMetaInformationGroupLength, VR_UL, 0)
	}
	if err := WriteDataset(cw, meta, ExplicitVRLittleEndian, WriteOptions{GroupLength: GroupLengthRecalculate}); err != nil {
		return cw.n, fmt.Errorf("write file meta information: %w", err)
	}

	if f.Dataset != nil {
		if err := WriteDataset(cw, f.Dataset, f.TransferSyntax(), WriteOptions{}); err != nil {
			return cw.n, fmt.Errorf("write dataset: %w", err)
		}
	}
	return cw.n, nil
}

// WriteFile writes f to path, replacing any existing file.
func WriteFile(path string, f *File) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.WriteTo(fh); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// StripPart10Header removes the DICOM Part 10 preamble and File Meta Information
// to extract just the dataset.
//
// DICOM Part 10 files contain:
//   - 128 byte preamble
//   - 4 byte "DICM" prefix
//   - File Meta Information elements (group 0x0002)
//   - Dataset (the actual DICOM data)
//
// This function is useful when you need to send a DICOM dataset via DIMSE
// operations (like C-STORE), which expect only the dataset without the
// Part 10 wrapper.
//
// Example:
//
//	fileData, _ := os.ReadFile("image.dcm")
//	datasetOnly, err := dicom.StripPart10Header(fileData)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// Now datasetOnly can be sent via C-STORE
func StripPart10Header(data []byte) ([]byte, error) {
	if len(data) < part10Offset {
		return nil, fmt.Errorf("data too short to be DICOM Part 10 (need at least %d bytes, got %d)", part10Offset, len(data))
	}
	if !HasPart10Header(data) {
		return nil, fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset 128)")
	}

	r := bytes.NewReader(data)
	meta, end, err := decodeAt(r, int64(part10Offset), int64(len(data)), ExplicitVRLittleEndian,
		ReadOptions{Stop: pastMetaGroup, ReadAll: true}, nil)
	if err != nil {
		return nil, fmt.Errorf("read file meta information: %w", err)
	}

	if uid := meta.GetString(TagTransferSyntaxUID); uid != "" {
		slog.Debug("Found Transfer Syntax UID in File Meta Information",
			"transfer_syntax", uid,
			"dataset_start_offset", end)
	}

	if end >= int64(len(data)) {
		return nil, fmt.Errorf("failed to find dataset after File Meta Information")
	}
	return data[end:], nil
}

// HasPart10Header checks if the data starts with a DICOM Part 10 header.
//
// Returns true if the data contains the 128-byte preamble followed by "DICM".
func HasPart10Header(data []byte) bool {
	if len(data) < part10Offset {
		return false
	}
	return string(data[preambleLength:part10Offset]) == part10Prefix
}
