package dicom

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
)

// GroupLengthMode selects how (gggg,0000) elements are written.
type GroupLengthMode int

const (
	// GroupLengthStrip omits group lengths at every depth.
	GroupLengthStrip GroupLengthMode = iota
	// GroupLengthRecalculate rewrites top-level group lengths from the encoded sizes.
	// Nested group lengths are omitted.
	GroupLengthRecalculate
	// GroupLengthKeep writes group lengths exactly as stored.
	GroupLengthKeep
)

// DefaultChunkSize is the copy buffer used for large values.
const DefaultChunkSize = 32 * 1024

// WriteOptions controls dataset encoding.
type WriteOptions struct {
	GroupLength GroupLengthMode
	// ExplicitLengthSequences writes sequence lengths instead of delimiters.
	ExplicitLengthSequences bool
	// ExplicitLengthItems writes item lengths instead of delimiters.
	ExplicitLengthItems bool
	// LargeObjectThreshold is the value size at or above which values are streamed.
	LargeObjectThreshold int64
	// ChunkSize is the slice size used when streaming large values.
	ChunkSize int
}

func (o WriteOptions) threshold() int64 {
	if o.LargeObjectThreshold <= 0 {
		return DefaultLargeObjectThreshold
	}
	return o.LargeObjectThreshold
}

// WriteDataset encodes ds to w in ts. Deflated syntaxes are compressed with raw deflate.
func WriteDataset(w io.Writer, ds *Dataset, ts TransferSyntax, opts WriteOptions) error {
	if ts.Deflated {
		fw, err := flate.NewWriter(w, flate.DefaultCompression)
		if err != nil {
			return err
		}
		if err := NewWriter(fw, ts, opts).Write(ds); err != nil {
			return err
		}
		return fw.Close()
	}
	return NewWriter(w, ts, opts).Write(ds)
}

// Writer is a Visitor that encodes the items it is given.
type Writer struct {
	w     *bufio.Writer
	ts    TransferSyntax
	opts  WriteOptions
	chunk []byte

	depth int
	// per open sequence or item: whether a delimiter closes it
	delimited []bool
	groups    map[uint16]uint32
}

var _ Visitor = (*Writer)(nil)

// NewWriter creates a dataset encoder over w.
func NewWriter(w io.Writer, ts TransferSyntax, opts WriteOptions) *Writer {
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	// whole units so byte swapping never splits a value
	size -= size % 8
	if size == 0 {
		size = 8
	}
	return &Writer{w: bufio.NewWriter(w), ts: ts, opts: opts, chunk: make([]byte, size)}
}

// Write walks ds and flushes the encoded bytes.
func (wr *Writer) Write(ds *Dataset) error {
	wr.depth = 0
	wr.delimited = wr.delimited[:0]
	if wr.opts.GroupLength == GroupLengthRecalculate {
		wr.groups = groupLengths(ds, wr.ts, wr.opts)
	}
	if err := Walk(ds, wr); err != nil {
		return err
	}
	return wr.w.Flush()
}

// CalculateSize returns the number of bytes WriteDataset produces for ds before any deflate.
func CalculateSize(ds *Dataset, ts TransferSyntax, opts WriteOptions) int64 {
	return datasetSize(ds, ts, opts, 0)
}

func (wr *Writer) writeTag(tag Tag) {
	var b [4]byte
	wr.ts.ByteOrder.PutUint16(b[0:2], tag.Group)
	wr.ts.ByteOrder.PutUint16(b[2:4], tag.Element)
	wr.w.Write(b[:])
}

func (wr *Writer) writeUint32(v uint32) {
	var b [4]byte
	wr.ts.ByteOrder.PutUint32(b[:], v)
	wr.w.Write(b[:])
}

func (wr *Writer) writeHeader(tag Tag, vr VR, length uint32) error {
	wr.writeTag(tag)
	if !wr.ts.ExplicitVR {
		wr.writeUint32(length)
		return nil
	}
	if vr == "" || !vr.IsKnown() {
		vr = VR_UN
	}
	wr.w.WriteString(string(vr))
	if vr.LongLength() {
		wr.w.Write([]byte{0, 0})
		wr.writeUint32(length)
		return nil
	}
	if length > 0xFFFF {
		return dicomerr.NewEncodingError(tag.Group, tag.Element,
			fmt.Sprintf("%s value of %d bytes exceeds 16-bit length", vr, length), nil)
	}
	var b [2]byte
	wr.ts.ByteOrder.PutUint16(b[:], uint16(length))
	_, err := wr.w.Write(b[:])
	return err
}

func (wr *Writer) skipGroupLength(tag Tag) bool {
	if !tag.IsGroupLength() {
		return false
	}
	switch wr.opts.GroupLength {
	case GroupLengthStrip:
		return true
	case GroupLengthRecalculate:
		return wr.depth > 0
	}
	return false
}

// OnElement implements Visitor.
func (wr *Writer) OnElement(e *Element) error {
	if wr.skipGroupLength(e.Tag) {
		return nil
	}
	if wr.opts.GroupLength == GroupLengthRecalculate && e.Tag.IsGroupLength() {
		if err := wr.writeHeader(e.Tag, VR_UL, 4); err != nil {
			return err
		}
		wr.writeUint32(wr.groups[e.Tag.Group])
		return nil
	}

	vr := e.VR
	if vr == "" {
		vr = LookupVR(nil, e.Tag)
	}
	n := e.Len()
	padded := n + n%2
	if padded >= int64(UndefinedLength) {
		return dicomerr.NewEncodingError(e.Tag.Group, e.Tag.Element, "value too long", nil)
	}
	if err := wr.writeHeader(e.Tag, vr, uint32(padded)); err != nil {
		return err
	}
	return wr.writeValue(e.Tag, vr, e.Value, n)
}

func (wr *Writer) needsSwap(vr VR, buf Buffer) bool {
	order := buf.Endian()
	return order != nil && vr.UnitSize() > 1 && isBigEndian(order) != isBigEndian(wr.ts.ByteOrder)
}

func (wr *Writer) writeValue(tag Tag, vr VR, buf Buffer, n int64) error {
	if n == 0 {
		return nil
	}
	swap := wr.needsSwap(vr, buf)

	if n < wr.opts.threshold() {
		data, err := buf.Bytes()
		if err != nil {
			return dicomerr.NewEncodingError(tag.Group, tag.Element, "read value", err)
		}
		if swap {
			data = append([]byte(nil), data...)
			swapUnits(data, vr.UnitSize())
		}
		wr.w.Write(data)
	} else if err := wr.streamValue(buf, swap, vr.UnitSize()); err != nil {
		return dicomerr.NewEncodingError(tag.Group, tag.Element, "stream value", err)
	}

	if n%2 == 1 {
		return wr.w.WriteByte(vr.PadByte())
	}
	return nil
}

func (wr *Writer) streamValue(buf Buffer, swap bool, unit int) error {
	rc, err := buf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if !swap {
		_, err = io.CopyBuffer(wr.w, io.LimitReader(rc, buf.Len()), wr.chunk)
		return err
	}
	remaining := buf.Len()
	for remaining > 0 {
		p := wr.chunk
		if int64(len(p)) > remaining {
			p = p[:remaining]
		}
		if _, err := io.ReadFull(rc, p); err != nil {
			return err
		}
		swapUnits(p, unit)
		if _, err := wr.w.Write(p); err != nil {
			return err
		}
		remaining -= int64(len(p))
	}
	return nil
}

// OnBeginSequence implements Visitor.
func (wr *Writer) OnBeginSequence(s *Sequence) error {
	length := UndefinedLength
	if wr.opts.ExplicitLengthSequences {
		length = uint32(sequenceContentSize(s, wr.ts, wr.opts, wr.depth))
	}
	wr.delimited = append(wr.delimited, length == UndefinedLength)
	return wr.writeHeader(s.Tag, VR_SQ, length)
}

// OnBeginSequenceItem implements Visitor.
func (wr *Writer) OnBeginSequenceItem(ds *Dataset) error {
	wr.depth++
	length := UndefinedLength
	if wr.opts.ExplicitLengthItems {
		length = uint32(datasetSize(ds, wr.ts, wr.opts, wr.depth))
	}
	wr.delimited = append(wr.delimited, length == UndefinedLength)
	wr.writeTag(ItemTag)
	wr.writeUint32(length)
	return nil
}

func (wr *Writer) closeFrame(delim Tag) {
	last := len(wr.delimited) - 1
	if wr.delimited[last] {
		wr.writeTag(delim)
		wr.writeUint32(0)
	}
	wr.delimited = wr.delimited[:last]
}

// OnEndSequenceItem implements Visitor.
func (wr *Writer) OnEndSequenceItem() error {
	wr.closeFrame(ItemDelimitationTag)
	wr.depth--
	return nil
}

// OnEndSequence implements Visitor.
func (wr *Writer) OnEndSequence() error {
	wr.closeFrame(SequenceDelimitationTag)
	return nil
}

// OnBeginFragmentSequence implements Visitor. Fragment sequences always use undefined length.
func (wr *Writer) OnBeginFragmentSequence(f *FragmentSequence) error {
	vr := f.VR
	if vr == "" {
		vr = VR_OB
	}
	if err := wr.writeHeader(f.Tag, vr, UndefinedLength); err != nil {
		return err
	}
	wr.writeTag(ItemTag)
	wr.writeUint32(uint32(4 * len(f.OffsetTable)))
	for _, off := range f.OffsetTable {
		wr.writeUint32(off)
	}
	return nil
}

// OnFragmentItem implements Visitor.
func (wr *Writer) OnFragmentItem(b Buffer) error {
	n := b.Len()
	wr.writeTag(ItemTag)
	wr.writeUint32(uint32(n + n%2))
	return wr.writeValue(TagPixelData, VR_OB, b, n)
}

// OnEndFragmentSequence implements Visitor.
func (wr *Writer) OnEndFragmentSequence() error {
	wr.writeTag(SequenceDelimitationTag)
	wr.writeUint32(0)
	return nil
}

func isBigEndian(order binary.ByteOrder) bool {
	return order.Uint16([]byte{0x00, 0x01}) == 1
}

func headerSize(vr VR, ts TransferSyntax) int64 {
	if ts.ExplicitVR && (vr.LongLength() || !vr.IsKnown()) {
		return 12
	}
	return 8
}

func groupLengths(ds *Dataset, ts TransferSyntax, opts WriteOptions) map[uint16]uint32 {
	groups := make(map[uint16]uint32)
	for _, item := range ds.Items() {
		tag := item.ItemTag()
		if tag.IsGroupLength() {
			continue
		}
		groups[tag.Group] += uint32(itemSize(item, ts, opts, 0))
	}
	return groups
}

func datasetSize(ds *Dataset, ts TransferSyntax, opts WriteOptions, depth int) int64 {
	var size int64
	for _, item := range ds.Items() {
		tag := item.ItemTag()
		if tag.IsGroupLength() {
			if opts.GroupLength == GroupLengthStrip || (opts.GroupLength == GroupLengthRecalculate && depth > 0) {
				continue
			}
		}
		size += itemSize(item, ts, opts, depth)
	}
	return size
}

func itemSize(item Item, ts TransferSyntax, opts WriteOptions, depth int) int64 {
	switch it := item.(type) {
	case *Element:
		vr := it.VR
		if vr == "" {
			vr = LookupVR(nil, it.Tag)
		}
		if it.Tag.IsGroupLength() && opts.GroupLength == GroupLengthRecalculate {
			return headerSize(VR_UL, ts) + 4
		}
		n := it.Len()
		return headerSize(vr, ts) + n + n%2
	case *Sequence:
		size := headerSize(VR_SQ, ts) + sequenceContentSize(it, ts, opts, depth)
		if !opts.ExplicitLengthSequences {
			size += 8
		}
		return size
	case *FragmentSequence:
		size := headerSize(VR_OB, ts) + 8 + int64(4*len(it.OffsetTable)) + 8
		for _, frag := range it.Fragments {
			n := frag.Len()
			size += 8 + n + n%2
		}
		return size
	}
	return 0
}

// sequenceContentSize is the size of the items of s, excluding its own header and delimiter.
func sequenceContentSize(s *Sequence, ts TransferSyntax, opts WriteOptions, depth int) int64 {
	var size int64
	for _, ds := range s.Items {
		size += 8 + datasetSize(ds, ts, opts, depth+1)
		if !opts.ExplicitLengthItems {
			size += 8
		}
	}
	return size
}
