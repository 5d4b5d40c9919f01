package dicom

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/flate"

	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
)

// DefaultLargeObjectThreshold is the value size at which readers reference instead of copy.
const DefaultLargeObjectThreshold = 64 * 1024

// ReadOptions controls dataset decoding.
type ReadOptions struct {
	// LargeObjectThreshold is the value length at or above which values are treated as large.
	// Zero means DefaultLargeObjectThreshold.
	LargeObjectThreshold int64
	// ReadAll loads large values into memory instead of referencing the source.
	ReadAll bool
	// SkipLargeTags drops large values from the dataset entirely.
	SkipLargeTags bool
	// Dictionary resolves implicit VRs; nil means StandardDictionary.
	Dictionary Dictionary
	// Stop is consulted with each top-level tag before it is consumed; returning true ends the read.
	Stop   func(Tag) bool
	Logger *slog.Logger
}

func (o ReadOptions) threshold() int64 {
	if o.LargeObjectThreshold <= 0 {
		return DefaultLargeObjectThreshold
	}
	return o.LargeObjectThreshold
}

// ReadDataset decodes a dataset from a stream until EOF or Stop. Every value is held in memory.
func ReadDataset(r io.Reader, ts TransferSyntax, opts ReadOptions) (*Dataset, error) {
	if ts.Deflated {
		fr := flate.NewReader(r)
		defer fr.Close()
		r = fr
	}
	src := &streamSource{r: bufio.NewReader(r)}
	return newDecoder(src, opts, nil).decode(ts)
}

// ReadDatasetAt decodes size bytes from r. Large values are returned as StreamBuffers
// referencing r unless ReadAll is set, so r must stay readable while the dataset is used.
func ReadDatasetAt(r io.ReaderAt, size int64, ts TransferSyntax, opts ReadOptions) (*Dataset, error) {
	if ts.Deflated {
		return ReadDataset(io.NewSectionReader(r, 0, size), ts, opts)
	}
	lazy := func(off, n int64, order binary.ByteOrder) Buffer {
		return NewStreamBuffer(r, off, n, order)
	}
	ds, _, err := decodeAt(r, 0, size, ts, opts, lazy)
	return ds, err
}

// decodeAt reads from start to size (absolute offsets) and reports where decoding ended.
func decodeAt(r io.ReaderAt, start, size int64, ts TransferSyntax, opts ReadOptions, lazy lazyFunc) (*Dataset, int64, error) {
	src := &atSource{r: r, off: start, size: size}
	ds, err := newDecoder(src, opts, lazy).decode(ts)
	return ds, src.off, err
}

type lazyFunc func(offset, length int64, order binary.ByteOrder) Buffer

type decoder struct {
	src  source
	opts ReadOptions
	dict Dictionary
	log  *slog.Logger
	lazy lazyFunc
}

func newDecoder(src source, opts ReadOptions, lazy lazyFunc) *decoder {
	d := &decoder{src: src, opts: opts, dict: opts.Dictionary, log: opts.Logger, lazy: lazy}
	if d.dict == nil {
		d.dict = standardDictionary
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if opts.ReadAll {
		d.lazy = nil
	}
	return d
}

// decode reads the top-level dataset.
func (d *decoder) decode(ts TransferSyntax) (*Dataset, error) {
	ds, err := d.readDataset(ts, -1, false, nil, 0)
	if err != nil {
		return nil, err
	}
	ds.TransferSyntax = ts.UID
	return ds, nil
}

type header struct {
	tag    Tag
	vr     VR
	length uint32
}

func truncated(tag Tag, what string) error {
	return dicomerr.NewEncodingError(tag.Group, tag.Element, what, dicomerr.ErrTruncated)
}

func (d *decoder) readHeader(ts TransferSyntax, prev Tag) (header, error) {
	var b [8]byte
	if err := d.src.ReadFull(b[:]); err != nil {
		return header{}, truncated(prev, "element header")
	}
	order := ts.ByteOrder
	h := header{tag: Tag{Group: order.Uint16(b[0:2]), Element: order.Uint16(b[2:4])}}

	if h.tag.Group == 0xFFFE {
		h.length = order.Uint32(b[4:8])
		return h, nil
	}
	if !ts.ExplicitVR {
		h.vr = LookupVR(d.dict, h.tag)
		h.length = order.Uint32(b[4:8])
		return h, nil
	}

	code := VR(b[4:6])
	if !code.IsKnown() {
		h.vr = LookupVR(d.dict, h.tag)
		h.length = order.Uint32(b[4:8])
		d.log.Warn("Invalid explicit VR, using dictionary VR",
			"tag", h.tag.String(), "vr_bytes", fmt.Sprintf("% x", b[4:6]), "dictionary_vr", string(h.vr))
		return h, nil
	}
	h.vr = code
	if !code.LongLength() {
		h.length = uint32(order.Uint16(b[6:8]))
		return h, nil
	}
	var l [4]byte
	if err := d.src.ReadFull(l[:]); err != nil {
		return header{}, truncated(h.tag, "element length")
	}
	h.length = order.Uint32(l[:])
	return h, nil
}

// readDataset reads items until end (when end >= 0), an item delimiter (when undefined)
// or EOF (top level only).
func (d *decoder) readDataset(ts TransferSyntax, end int64, undefined bool, cs *Charset, depth int) (*Dataset, error) {
	ds := NewDataset()
	ds.TransferSyntax = ts.UID
	ds.Charset = cs
	topLevel := depth == 0

	var last Tag
	haveLast := false
	for {
		if end >= 0 && d.src.Offset() >= end {
			return ds, nil
		}
		if topLevel && end < 0 {
			peek, err := d.src.Peek(4)
			if len(peek) == 0 && errors.Is(err, io.EOF) {
				return ds, nil
			}
			if len(peek) < 4 {
				return nil, truncated(last, "element header")
			}
			if d.opts.Stop != nil {
				order := ts.ByteOrder
				next := Tag{Group: order.Uint16(peek[0:2]), Element: order.Uint16(peek[2:4])}
				if d.opts.Stop(next) {
					return ds, nil
				}
			}
		}

		h, err := d.readHeader(ts, last)
		if err != nil {
			return nil, err
		}

		switch h.tag {
		case ItemDelimitationTag:
			if undefined {
				return ds, nil
			}
			d.log.Warn("Unexpected item delimitation in defined length item", "offset", d.src.Offset())
			continue
		case ItemTag, SequenceDelimitationTag:
			return nil, dicomerr.NewEncodingError(h.tag.Group, h.tag.Element, "unexpected delimiter inside dataset", dicomerr.ErrInvalidMessage)
		}

		if haveLast && !last.Less(h.tag) {
			d.log.Warn("Non-ascending tag in dataset", "tag", h.tag.String(), "previous", last.String())
		}
		last, haveLast = h.tag, true

		item, err := d.readItem(ts, h, ds.Charset, depth)
		if err != nil {
			return nil, err
		}
		if item == nil {
			continue
		}
		ds.Add(item)

		if h.tag == TagSpecificCharacterSet {
			charset, err := CharsetFor(ds.GetStrings(TagSpecificCharacterSet))
			if err != nil {
				d.log.Warn("Falling back to default character repertoire", "error", err)
			}
			ds.Charset = charset
		}
	}
}

func (d *decoder) readItem(ts TransferSyntax, h header, cs *Charset, depth int) (Item, error) {
	switch {
	case h.tag == TagPixelData && h.length == UndefinedLength:
		return d.readFragments(ts, h)
	case h.vr == VR_UN && h.length == UndefinedLength:
		return d.readSequence(ImplicitVRLittleEndian, h, cs, depth)
	case h.vr == VR_SQ || h.length == UndefinedLength:
		return d.readSequence(ts, h, cs, depth)
	}

	buf, err := d.readValue(h.tag, h.vr, int64(h.length), ts.ByteOrder)
	if err != nil || buf == nil {
		return nil, err
	}
	return &Element{Tag: h.tag, VR: h.vr, Value: buf}, nil
}

// readValue returns nil without error when the value was skipped.
func (d *decoder) readValue(tag Tag, vr VR, length int64, order binary.ByteOrder) (Buffer, error) {
	if vr.UnitSize() <= 1 {
		order = nil
	}
	if size := d.src.Size(); size >= 0 && d.src.Offset()+length > size {
		return nil, truncated(tag, fmt.Sprintf("value length %d past end of stream", length))
	}

	if length >= d.opts.threshold() {
		if d.opts.SkipLargeTags {
			if err := d.src.Skip(length); err != nil {
				return nil, truncated(tag, "skipped value")
			}
			return nil, nil
		}
		if d.lazy != nil {
			buf := d.lazy(d.src.Offset(), length, order)
			if err := d.src.Skip(length); err != nil {
				return nil, truncated(tag, "referenced value")
			}
			return buf, nil
		}
	}

	data, err := d.src.ReadValue(length)
	if err != nil {
		return nil, truncated(tag, fmt.Sprintf("value length %d", length))
	}
	return NewMemoryBuffer(data, order), nil
}

func (d *decoder) readSequence(ts TransferSyntax, h header, cs *Charset, depth int) (*Sequence, error) {
	seq := &Sequence{Tag: h.tag, UndefinedLength: h.length == UndefinedLength}
	end := int64(-1)
	if !seq.UndefinedLength {
		end = d.src.Offset() + int64(h.length)
	}

	for {
		if end >= 0 && d.src.Offset() >= end {
			return seq, nil
		}
		ih, err := d.readItemHeader(ts, h.tag)
		if err != nil {
			return nil, err
		}
		if ih.tag == SequenceDelimitationTag {
			return seq, nil
		}
		if ih.tag != ItemTag {
			return nil, dicomerr.NewEncodingError(h.tag.Group, h.tag.Element,
				fmt.Sprintf("expected item tag, found %s", ih.tag), dicomerr.ErrInvalidMessage)
		}

		itemEnd := int64(-1)
		if ih.length != UndefinedLength {
			itemEnd = d.src.Offset() + int64(ih.length)
		}
		item, err := d.readDataset(ts, itemEnd, ih.length == UndefinedLength, cs, depth+1)
		if err != nil {
			return nil, err
		}
		seq.Items = append(seq.Items, item)
	}
}

func (d *decoder) readItemHeader(ts TransferSyntax, parent Tag) (header, error) {
	var b [8]byte
	if err := d.src.ReadFull(b[:]); err != nil {
		return header{}, truncated(parent, "item header")
	}
	order := ts.ByteOrder
	return header{
		tag:    Tag{Group: order.Uint16(b[0:2]), Element: order.Uint16(b[2:4])},
		length: order.Uint32(b[4:8]),
	}, nil
}

func (d *decoder) readFragments(ts TransferSyntax, h header) (*FragmentSequence, error) {
	vr := h.vr
	if vr != VR_OW {
		vr = VR_OB
	}
	fs := &FragmentSequence{Tag: h.tag, VR: vr}
	first := true
	for {
		ih, err := d.readItemHeader(ts, h.tag)
		if err != nil {
			return nil, err
		}
		if ih.tag == SequenceDelimitationTag {
			return fs, nil
		}
		if ih.tag != ItemTag || ih.length == UndefinedLength {
			return nil, dicomerr.NewEncodingError(h.tag.Group, h.tag.Element, "malformed fragment item", dicomerr.ErrInvalidMessage)
		}

		if first {
			first = false
			data, err := d.src.ReadValue(int64(ih.length))
			if err != nil {
				return nil, truncated(h.tag, "basic offset table")
			}
			for i := 0; i+4 <= len(data); i += 4 {
				fs.OffsetTable = append(fs.OffsetTable, ts.ByteOrder.Uint32(data[i:]))
			}
			continue
		}

		buf, err := d.readValue(h.tag, VR_OB, int64(ih.length), nil)
		if err != nil {
			return nil, err
		}
		if buf != nil {
			fs.Fragments = append(fs.Fragments, buf)
		}
	}
}

// source is the byte stream a decoder consumes.
type source interface {
	// ReadFull fills p; io.EOF only when no bytes were left.
	ReadFull(p []byte) error
	ReadValue(n int64) ([]byte, error)
	Skip(n int64) error
	Peek(n int) ([]byte, error)
	Offset() int64
	// Size is the total length, -1 when unknown.
	Size() int64
}

type streamSource struct {
	r   *bufio.Reader
	off int64
}

func (s *streamSource) ReadFull(p []byte) error {
	n, err := io.ReadFull(s.r, p)
	s.off += int64(n)
	return err
}

// ReadValue grows the buffer as data arrives so a corrupt length cannot force a huge allocation.
func (s *streamSource) ReadValue(n int64) ([]byte, error) {
	const direct = 1 << 20
	if n <= direct {
		p := make([]byte, n)
		if err := s.ReadFull(p); err != nil {
			return nil, err
		}
		return p, nil
	}
	var buf bytes.Buffer
	buf.Grow(direct)
	copied, err := io.CopyN(&buf, s.r, n)
	s.off += copied
	if err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	return buf.Bytes(), nil
}

func (s *streamSource) Skip(n int64) error {
	skipped, err := s.r.Discard(int(n))
	s.off += int64(skipped)
	if err != nil {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (s *streamSource) Peek(n int) ([]byte, error) { return s.r.Peek(n) }
func (s *streamSource) Offset() int64              { return s.off }
func (s *streamSource) Size() int64                { return -1 }

type atSource struct {
	r    io.ReaderAt
	off  int64
	size int64
}

func (s *atSource) ReadFull(p []byte) error {
	if s.off >= s.size && len(p) > 0 {
		return io.EOF
	}
	n, err := s.r.ReadAt(p, s.off)
	s.off += int64(n)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (s *atSource) ReadValue(n int64) ([]byte, error) {
	if s.off+n > s.size {
		return nil, io.ErrUnexpectedEOF
	}
	p := make([]byte, n)
	if err := s.ReadFull(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *atSource) Skip(n int64) error {
	if s.off+n > s.size {
		s.off = s.size
		return io.ErrUnexpectedEOF
	}
	s.off += n
	return nil
}

func (s *atSource) Peek(n int) ([]byte, error) {
	if rem := s.size - s.off; int64(n) > rem {
		n = int(rem)
	}
	p := make([]byte, n)
	got, err := s.r.ReadAt(p, s.off)
	if got == 0 {
		return nil, io.EOF
	}
	if got < n && err == nil {
		err = io.EOF
	}
	if got == n {
		err = nil
	}
	return p[:got], err
}

func (s *atSource) Offset() int64 { return s.off }
func (s *atSource) Size() int64   { return s.size }
