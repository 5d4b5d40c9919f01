package dicom

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/types"
)

func TestDatasetOrderingAndReplace(t *testing.T) {
	ds := NewDataset()
	ds.SetString(TagPatientID, VR_LO, "ID1")
	ds.SetString(TagSOPInstanceUID, VR_UI, "1.2.3")
	ds.SetString(TagPatientName, VR_PN, "A^B")
	ds.SetString(TagPatientID, VR_LO, "ID2")

	var tags []Tag
	for _, item := range ds.Items() {
		tags = append(tags, item.ItemTag())
	}
	assert.Equal(t, []Tag{TagSOPInstanceUID, TagPatientName, TagPatientID}, tags)
	assert.Equal(t, "ID2", ds.GetString(TagPatientID))

	assert.True(t, ds.Remove(TagPatientName))
	assert.False(t, ds.Remove(TagPatientName))
	assert.Equal(t, 2, ds.Len())
}

func TestDatasetAccessors(t *testing.T) {
	ds := NewDataset()
	ds.SetString(TagModality, VR_CS, "CT", "MR ")
	ds.SetUint16(TagRows, VR_US, 512)
	ds.SetUint32(TagCommandGroupLength, VR_UL, 70000)
	ds.SetString(TagNumberOfFrames, VR_IS, " 12")

	assert.Equal(t, []string{"CT", "MR"}, ds.GetStrings(TagModality))
	rows, ok := ds.GetUint16(TagRows)
	assert.True(t, ok)
	assert.Equal(t, uint16(512), rows)
	gl, ok := ds.GetUint32(TagCommandGroupLength)
	assert.True(t, ok)
	assert.Equal(t, uint32(70000), gl)
	frames, ok := ds.GetInt(TagNumberOfFrames)
	assert.True(t, ok)
	assert.Equal(t, 12, frames)

	_, ok = ds.GetUint16(TagColumns)
	assert.False(t, ok)
	assert.Equal(t, "", ds.GetString(TagPatientName))
}

func TestDatasetClone(t *testing.T) {
	ds := NewDataset()
	ds.SetBytes(TagPixelData, VR_OB, []byte{1, 2, 3, 4})
	item := NewDataset()
	item.SetString(TagPatientID, VR_LO, "X")
	ds.Add(&Sequence{Tag: Tag{0x0008, 0x1115}, Items: []*Dataset{item}})

	c := ds.Clone()
	e, _ := ds.Element(TagPixelData)
	raw, _ := e.Value.Bytes()
	raw[0] = 0xFF
	item.SetString(TagPatientID, VR_LO, "Y")

	ce, _ := c.Element(TagPixelData)
	craw, _ := ce.Value.Bytes()
	assert.Equal(t, byte(1), craw[0])
	seq, ok := c.Sequence(Tag{0x0008, 0x1115})
	require.True(t, ok)
	assert.Equal(t, "X", seq.Items[0].GetString(TagPatientID))
}

func nestedDataset() *Dataset {
	ds := NewDataset()
	ds.SetString(TagSOPClassUID, VR_UI, types.CTImageStorage)
	ds.SetString(TagPatientName, VR_PN, "DOE^JANE")
	ds.SetUint16(TagRows, VR_US, 2, 3)
	ds.SetTags(Tag{0x0020, 0x5000}, TagRows, TagColumns)

	inner := NewDataset()
	inner.SetString(TagAccessionNumber, VR_SH, "ACC1")
	outer := NewDataset()
	outer.SetString(Tag{0x0008, 0x1150}, VR_UI, "1.2.840.10008.5.1.4.1.1.2")
	outer.Add(&Sequence{Tag: Tag{0x0008, 0x1199}, Items: []*Dataset{inner}})
	ds.Add(&Sequence{Tag: Tag{0x0008, 0x1115}, Items: []*Dataset{outer, NewDataset()}})
	return ds
}

func TestDatasetRoundTrip(t *testing.T) {
	syntaxes := []TransferSyntax{ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian, DeflatedExplicitVRLittleEndian}
	options := map[string]WriteOptions{
		"undefined lengths": {},
		"explicit lengths":  {ExplicitLengthSequences: true, ExplicitLengthItems: true},
	}

	for _, ts := range syntaxes {
		for name, opts := range options {
			t.Run(ts.UID+"/"+name, func(t *testing.T) {
				ds := nestedDataset()
				var buf bytes.Buffer
				require.NoError(t, WriteDataset(&buf, ds, ts, opts))
				if !ts.Deflated {
					assert.Equal(t, CalculateSize(ds, ts, opts), int64(buf.Len()))
				}

				got, err := ReadDataset(&buf, ts, ReadOptions{})
				require.NoError(t, err)
				assert.Equal(t, "DOE^JANE", got.GetString(TagPatientName))
				rows, ok := got.GetUint16(TagRows)
				require.True(t, ok)
				assert.Equal(t, uint16(2), rows)

				seq, ok := got.Sequence(Tag{0x0008, 0x1115})
				require.True(t, ok)
				require.Len(t, seq.Items, 2)
				assert.Equal(t, 0, seq.Items[1].Len())
				innerSeq, ok := seq.Items[0].Sequence(Tag{0x0008, 0x1199})
				require.True(t, ok)
				assert.Equal(t, "ACC1", innerSeq.Items[0].GetString(TagAccessionNumber))
				assert.Equal(t, !opts.ExplicitLengthSequences, seq.UndefinedLength)
			})
		}
	}
}

func TestByteSwapOnWrite(t *testing.T) {
	ds := NewDataset()
	ds.SetUint16(TagRows, VR_US, 0x0102)
	ds.SetBytes(TagPixelData, VR_OW, []byte{0x01, 0x02, 0x03, 0x04})

	var buf bytes.Buffer
	require.NoError(t, WriteDataset(&buf, ds, ExplicitVRBigEndian, WriteOptions{}))
	raw := buf.Bytes()
	// (0028,0010) US 2 bytes, value big endian
	assert.Equal(t, []byte{0x00, 0x28, 0x00, 0x10, 'U', 'S', 0x00, 0x02, 0x01, 0x02}, raw[:10])
	assert.Equal(t, []byte{0x02, 0x01, 0x04, 0x03}, raw[len(raw)-4:])

	got, err := ReadDataset(bytes.NewReader(raw), ExplicitVRBigEndian, ReadOptions{})
	require.NoError(t, err)
	rows, _ := got.GetUint16(TagRows)
	assert.Equal(t, uint16(0x0102), rows)

	// writing back to little endian swaps again
	var le bytes.Buffer
	require.NoError(t, WriteDataset(&le, got, ExplicitVRLittleEndian, WriteOptions{}))
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, le.Bytes()[le.Len()-4:])
}

func TestLargeValueStreamingSwap(t *testing.T) {
	pixels := make([]byte, 4096)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	ds := NewDataset()
	ds.SetBytes(TagPixelData, VR_OW, pixels)

	var buf bytes.Buffer
	require.NoError(t, WriteDataset(&buf, ds, ExplicitVRBigEndian, WriteOptions{LargeObjectThreshold: 1024, ChunkSize: 100}))
	body := buf.Bytes()[12:]
	require.Len(t, body, len(pixels))
	for i := 0; i < len(pixels); i += 2 {
		assert.Equal(t, pixels[i], body[i+1])
		assert.Equal(t, pixels[i+1], body[i])
	}
}

func TestOddLengthPadding(t *testing.T) {
	ds := NewDataset()
	ds.SetString(TagSOPInstanceUID, VR_UI, "1.2.3")
	ds.SetString(TagPatientName, VR_PN, "ABC")

	var buf bytes.Buffer
	require.NoError(t, WriteDataset(&buf, ds, ExplicitVRLittleEndian, WriteOptions{}))
	raw := buf.Bytes()
	assert.Equal(t, []byte("1.2.3\x00"), raw[8:14])
	assert.Equal(t, []byte("ABC "), raw[22:26])
}

func TestShortVRTooLong(t *testing.T) {
	ds := NewDataset()
	ds.SetString(TagPatientName, VR_PN, strings.Repeat("A", 0x10000))
	err := WriteDataset(&bytes.Buffer{}, ds, ExplicitVRLittleEndian, WriteOptions{})
	var encErr *dicomerr.EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, uint16(0x0010), encErr.Group)

	// implicit VR has a 32-bit length
	assert.NoError(t, WriteDataset(&bytes.Buffer{}, ds, ImplicitVRLittleEndian, WriteOptions{}))
}

func TestGroupLengthModes(t *testing.T) {
	ds := NewDataset()
	ds.SetUint32(Tag{0x0010, 0x0000}, VR_UL, 999)
	ds.SetString(TagPatientName, VR_PN, "AB")

	var strip bytes.Buffer
	require.NoError(t, WriteDataset(&strip, ds, ExplicitVRLittleEndian, WriteOptions{GroupLength: GroupLengthStrip}))
	assert.Equal(t, 10, strip.Len())

	var keep bytes.Buffer
	require.NoError(t, WriteDataset(&keep, ds, ExplicitVRLittleEndian, WriteOptions{GroupLength: GroupLengthKeep}))
	assert.Equal(t, uint32(999), binary.LittleEndian.Uint32(keep.Bytes()[8:12]))

	var recalc bytes.Buffer
	require.NoError(t, WriteDataset(&recalc, ds, ExplicitVRLittleEndian, WriteOptions{GroupLength: GroupLengthRecalculate}))
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(recalc.Bytes()[8:12]))
}

func encapsulatedDataset() *Dataset {
	ds := NewDataset()
	ds.SetUint16(TagRows, VR_US, 1)
	ds.Add(&FragmentSequence{
		Tag:         TagPixelData,
		VR:          VR_OB,
		OffsetTable: []uint32{0, 10},
		Fragments: []Buffer{
			NewMemoryBuffer([]byte{1, 2, 3, 4}, nil),
			NewMemoryBuffer([]byte{5, 6, 7}, nil),
		},
	})
	return ds
}

func TestFragmentSequenceRoundTrip(t *testing.T) {
	ds := encapsulatedDataset()
	var buf bytes.Buffer
	require.NoError(t, WriteDataset(&buf, ds, ExplicitVRLittleEndian, WriteOptions{}))
	assert.Equal(t, CalculateSize(ds, ExplicitVRLittleEndian, WriteOptions{}), int64(buf.Len()))

	got, err := ReadDataset(&buf, ExplicitVRLittleEndian, ReadOptions{})
	require.NoError(t, err)
	item, ok := got.Get(TagPixelData)
	require.True(t, ok)
	fs, ok := item.(*FragmentSequence)
	require.True(t, ok)
	assert.Equal(t, []uint32{0, 10}, fs.OffsetTable)
	require.Len(t, fs.Fragments, 2)
	second, _ := fs.Fragments[1].Bytes()
	// odd fragments are padded to even length
	assert.Equal(t, []byte{5, 6, 7, 0}, second)
}

func TestReadDatasetAtReferencesLargeValues(t *testing.T) {
	ds := NewDataset()
	ds.SetString(TagPatientID, VR_LO, "P1")
	ds.SetBytes(TagPixelData, VR_OB, bytes.Repeat([]byte{0xAB}, 2000))
	var buf bytes.Buffer
	require.NoError(t, WriteDataset(&buf, ds, ExplicitVRLittleEndian, WriteOptions{}))
	raw := buf.Bytes()

	got, err := ReadDatasetAt(bytes.NewReader(raw), int64(len(raw)), ExplicitVRLittleEndian, ReadOptions{LargeObjectThreshold: 1000})
	require.NoError(t, err)
	e, ok := got.Element(TagPixelData)
	require.True(t, ok)
	sb, ok := e.Value.(*StreamBuffer)
	require.True(t, ok)
	assert.Equal(t, int64(len(raw)-2000), sb.Offset())
	data, err := sb.Bytes()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 2000), data)

	skipped, err := ReadDatasetAt(bytes.NewReader(raw), int64(len(raw)), ExplicitVRLittleEndian,
		ReadOptions{LargeObjectThreshold: 1000, SkipLargeTags: true})
	require.NoError(t, err)
	_, ok = skipped.Get(TagPixelData)
	assert.False(t, ok)
	assert.Equal(t, "P1", skipped.GetString(TagPatientID))

	streamSkipped, err := ReadDataset(bytes.NewReader(raw), ExplicitVRLittleEndian,
		ReadOptions{LargeObjectThreshold: 1000, SkipLargeTags: true})
	require.NoError(t, err)
	assert.Equal(t, 1, streamSkipped.Len())
}

func TestReadTruncated(t *testing.T) {
	ds := NewDataset()
	ds.SetString(TagPatientName, VR_PN, "DOE^JOHN")
	var buf bytes.Buffer
	require.NoError(t, WriteDataset(&buf, ds, ExplicitVRLittleEndian, WriteOptions{}))
	raw := buf.Bytes()

	tests := []struct {
		name string
		data []byte
	}{
		{"value past end", raw[:len(raw)-3]},
		{"partial header", raw[:5]},
		{"partial tag", raw[:2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadDataset(bytes.NewReader(tt.data), ExplicitVRLittleEndian, ReadOptions{})
			assert.ErrorIs(t, err, dicomerr.ErrTruncated)

			_, err = ReadDatasetAt(bytes.NewReader(tt.data), int64(len(tt.data)), ExplicitVRLittleEndian, ReadOptions{})
			assert.ErrorIs(t, err, dicomerr.ErrTruncated)
		})
	}
}

func TestReadInvalidExplicitVR(t *testing.T) {
	// (0010,0020) with garbage VR bytes followed by a 4-byte implicit length
	data := []byte{0x10, 0x00, 0x20, 0x00, 0x04, 0x00, 0x00, 0x00, 'A', 'B', 'C', 'D'}
	got, err := ReadDataset(bytes.NewReader(data), ExplicitVRLittleEndian, ReadOptions{})
	require.NoError(t, err)
	e, ok := got.Element(TagPatientID)
	require.True(t, ok)
	assert.Equal(t, VR_LO, e.VR)
	assert.Equal(t, "ABCD", got.GetString(TagPatientID))
}

func TestReadNonAscendingTags(t *testing.T) {
	var data []byte
	appendElement := func(tag Tag, value string) {
		data = binary.LittleEndian.AppendUint16(data, tag.Group)
		data = binary.LittleEndian.AppendUint16(data, tag.Element)
		data = binary.LittleEndian.AppendUint32(data, uint32(len(value)))
		data = append(data, value...)
	}
	appendElement(TagPatientID, "ID")
	appendElement(TagPatientName, "NM")
	appendElement(TagPatientID, "ZZ")

	got, err := ReadDataset(bytes.NewReader(data), ImplicitVRLittleEndian, ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, got.Len())
	assert.Equal(t, TagPatientName, got.Items()[0].ItemTag())
	assert.Equal(t, "ZZ", got.GetString(TagPatientID))
}

func TestReadUndefinedLengthUN(t *testing.T) {
	// private UN element with undefined length holding an implicit VR item
	var data []byte
	data = append(data, 0x09, 0x00, 0x10, 0x10, 'U', 'N', 0x00, 0x00)
	data = binary.LittleEndian.AppendUint32(data, UndefinedLength)
	data = append(data, 0xFE, 0xFF, 0x00, 0xE0)
	data = binary.LittleEndian.AppendUint32(data, UndefinedLength)
	data = append(data, 0x10, 0x00, 0x20, 0x00, 0x02, 0x00, 0x00, 0x00, 'I', 'D')
	data = append(data, 0xFE, 0xFF, 0x0D, 0xE0, 0, 0, 0, 0)
	data = append(data, 0xFE, 0xFF, 0xDD, 0xE0, 0, 0, 0, 0)

	got, err := ReadDataset(bytes.NewReader(data), ExplicitVRLittleEndian, ReadOptions{})
	require.NoError(t, err)
	seq, ok := got.Sequence(Tag{0x0009, 0x1010})
	require.True(t, ok)
	require.Len(t, seq.Items, 1)
	assert.Equal(t, "ID", seq.Items[0].GetString(TagPatientID))
}

func TestReadStop(t *testing.T) {
	ds := nestedDataset()
	var buf bytes.Buffer
	require.NoError(t, WriteDataset(&buf, ds, ExplicitVRLittleEndian, WriteOptions{}))

	got, err := ReadDataset(&buf, ExplicitVRLittleEndian, ReadOptions{
		Stop: func(tag Tag) bool { return tag.Group >= 0x0010 },
	})
	require.NoError(t, err)
	_, ok := got.Get(TagPatientName)
	assert.False(t, ok)
	_, ok = got.Get(TagSOPClassUID)
	assert.True(t, ok)
}

func TestCharsetDecoding(t *testing.T) {
	ds := NewDataset()
	ds.SetString(TagSpecificCharacterSet, VR_CS, "ISO_IR 100")
	ds.SetBytes(TagPatientName, VR_PN, []byte{'M', 0xFC, 'l', 'l', 'e', 'r'})
	var buf bytes.Buffer
	require.NoError(t, WriteDataset(&buf, ds, ExplicitVRLittleEndian, WriteOptions{}))

	got, err := ReadDataset(&buf, ExplicitVRLittleEndian, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Müller", got.GetString(TagPatientName))

	cs, err := CharsetFor([]string{"ISO_IR 192"})
	require.NoError(t, err)
	assert.Equal(t, "Müller", cs.Decode([]byte("Müller")))

	cs, err = CharsetFor([]string{"NOT A CHARSET"})
	assert.Error(t, err)
	assert.Equal(t, "plain", cs.Decode([]byte("plain")))
}

type recordingVisitor struct {
	events []string
}

func (r *recordingVisitor) OnElement(e *Element) error {
	r.events = append(r.events, "element "+e.Tag.String())
	return nil
}
func (r *recordingVisitor) OnBeginSequence(s *Sequence) error {
	r.events = append(r.events, "begin-seq "+s.Tag.String())
	return nil
}
func (r *recordingVisitor) OnBeginSequenceItem(*Dataset) error {
	r.events = append(r.events, "begin-item")
	return nil
}
func (r *recordingVisitor) OnEndSequenceItem() error {
	r.events = append(r.events, "end-item")
	return nil
}
func (r *recordingVisitor) OnEndSequence() error {
	r.events = append(r.events, "end-seq")
	return nil
}
func (r *recordingVisitor) OnBeginFragmentSequence(*FragmentSequence) error {
	r.events = append(r.events, "begin-frag")
	return nil
}
func (r *recordingVisitor) OnFragmentItem(Buffer) error {
	r.events = append(r.events, "fragment")
	return nil
}
func (r *recordingVisitor) OnEndFragmentSequence() error {
	r.events = append(r.events, "end-frag")
	return nil
}

func TestWalkOrder(t *testing.T) {
	item := NewDataset()
	item.SetString(TagPatientID, VR_LO, "X")
	ds := encapsulatedDataset()
	ds.Add(&Sequence{Tag: Tag{0x0008, 0x1115}, Items: []*Dataset{item}})

	v := &recordingVisitor{}
	require.NoError(t, Walk(ds, v))
	assert.Equal(t, []string{
		"begin-seq (0008,1115)",
		"begin-item",
		"element (0010,0020)",
		"end-item",
		"end-seq",
		"element (0028,0010)",
		"begin-frag",
		"fragment",
		"fragment",
		"end-frag",
	}, v.events)

	var out bytes.Buffer
	require.NoError(t, Dump(&out, ds))
	assert.Contains(t, out.String(), "PatientID")
}
