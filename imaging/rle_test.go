package imaging

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomulp/dicom"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/types"
)

func TestPackBits(t *testing.T) {
	tests := []struct {
		name string
		src  []byte
	}{
		{"empty", nil},
		{"single", []byte{7}},
		{"run", bytes.Repeat([]byte{9}, 300)},
		{"literal", []byte{1, 2, 3, 4, 5}},
		{"mixed", []byte{1, 1, 1, 2, 3, 4, 4, 5, 5, 5, 5, 6}},
		{"long literal", func() []byte {
			b := make([]byte, 400)
			for i := range b {
				b[i] = byte(i)
			}
			return b
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := packBits(nil, tt.src)
			got, err := unpackBits(nil, packed, len(tt.src))
			require.NoError(t, err)
			assert.Equal(t, len(tt.src), len(got))
			if len(tt.src) > 0 {
				assert.Equal(t, tt.src, got)
			}
		})
	}

	// replicate run of 128 is header 0x81
	assert.Equal(t, []byte{0x81, 9}, packBits(nil, bytes.Repeat([]byte{9}, 128)))
}

func TestRLECodecRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		name string
		p    Params
	}{
		{"8-bit mono", Params{Rows: 16, Columns: 15, BitsAllocated: 8, SamplesPerPixel: 1}},
		{"16-bit mono", Params{Rows: 7, Columns: 9, BitsAllocated: 16, SamplesPerPixel: 1}},
		{"rgb interleaved", Params{Rows: 4, Columns: 5, BitsAllocated: 8, SamplesPerPixel: 3}},
		{"rgb planar", Params{Rows: 4, Columns: 5, BitsAllocated: 8, SamplesPerPixel: 3, PlanarConfiguration: 1}},
		{"32-bit", Params{Rows: 3, Columns: 3, BitsAllocated: 32, SamplesPerPixel: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := make([]byte, tt.p.FrameSize())
			for i := range frame {
				// runs and noise
				if i%5 < 3 {
					frame[i] = 0x10
				} else {
					frame[i] = byte(rng.Intn(256))
				}
			}
			codec := RLECodec{}
			encoded, err := codec.Encode(frame, tt.p)
			require.NoError(t, err)
			assert.Equal(t, uint32(tt.p.BytesPerSample()*tt.p.SamplesPerPixel), binary.LittleEndian.Uint32(encoded[0:4]))
			assert.Equal(t, uint32(64), binary.LittleEndian.Uint32(encoded[4:8]))
			assert.Zero(t, len(encoded)%2)

			decoded, err := codec.Decode(encoded, tt.p)
			require.NoError(t, err)
			assert.Equal(t, frame, decoded)
		})
	}
}

func TestRLESegmentOrder(t *testing.T) {
	// one 16-bit pixel 0x1234: the first segment carries the high byte
	p := Params{Rows: 1, Columns: 1, BitsAllocated: 16, SamplesPerPixel: 1}
	encoded, err := RLECodec{}.Encode([]byte{0x34, 0x12}, p)
	require.NoError(t, err)
	first := binary.LittleEndian.Uint32(encoded[4:8])
	second := binary.LittleEndian.Uint32(encoded[8:12])
	assert.Equal(t, []byte{0x00, 0x12}, encoded[first:first+2])
	assert.Equal(t, []byte{0x00, 0x34}, encoded[second:second+2])
}

func TestRLEDecodeErrors(t *testing.T) {
	p := Params{Rows: 2, Columns: 2, BitsAllocated: 8, SamplesPerPixel: 1}
	_, err := RLECodec{}.Decode([]byte{1, 2, 3}, p)
	assert.Error(t, err)

	encoded, err := RLECodec{}.Encode([]byte{1, 2, 3, 4}, p)
	require.NoError(t, err)
	wrong := Params{Rows: 2, Columns: 2, BitsAllocated: 16, SamplesPerPixel: 1}
	_, err = RLECodec{}.Decode(encoded, wrong)
	assert.Error(t, err)

	_, err = RLECodec{}.Decode(encoded[:66], p)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := Default()
	assert.True(t, reg.Supports(types.RLELossless))
	_, err := reg.Lookup(types.JPEGBaseline8Bit)
	assert.ErrorIs(t, err, dicomerr.ErrUnsupportedTransfer)

	local := NewRegistry()
	local.Register(types.JPEGBaseline8Bit, RLECodec{})
	assert.True(t, local.Supports(types.JPEGBaseline8Bit))
	assert.False(t, local.Supports(types.RLELossless))
}

func imageDataset(frames int) *dicom.Dataset {
	p := Params{Rows: 4, Columns: 4, BitsAllocated: 16, SamplesPerPixel: 1}
	ds := dicom.NewDataset()
	ds.TransferSyntax = types.ExplicitVRLittleEndian
	ds.SetUint16(dicom.TagSamplesPerPixel, dicom.VR_US, 1)
	ds.SetString(dicom.TagPhotometricInterpretation, dicom.VR_CS, "MONOCHROME2")
	ds.SetString(dicom.TagNumberOfFrames, dicom.VR_IS, "2")
	ds.SetUint16(dicom.TagRows, dicom.VR_US, uint16(p.Rows))
	ds.SetUint16(dicom.TagColumns, dicom.VR_US, uint16(p.Columns))
	ds.SetUint16(dicom.TagBitsAllocated, dicom.VR_US, 16)
	ds.SetUint16(dicom.TagBitsStored, dicom.VR_US, 12)
	ds.SetUint16(dicom.TagHighBit, dicom.VR_US, 11)
	ds.SetUint16(dicom.TagPixelRepresentation, dicom.VR_US, 0)
	if frames != 2 {
		ds.Remove(dicom.TagNumberOfFrames)
	}
	pixels := make([]byte, frames*p.FrameSize())
	for i := range pixels {
		pixels[i] = byte(i / 3)
	}
	ds.SetBytes(dicom.TagPixelData, dicom.VR_OW, pixels)
	return ds
}

func TestTranscodeRoundTrip(t *testing.T) {
	for _, frames := range []int{1, 2} {
		ds := imageDataset(frames)
		original, _ := ds.Element(dicom.TagPixelData)
		want, _ := original.Value.Bytes()

		rle, err := Transcode(ds, types.RLELossless, nil)
		require.NoError(t, err)
		assert.Equal(t, types.RLELossless, rle.TransferSyntax)
		item, ok := rle.Get(dicom.TagPixelData)
		require.True(t, ok)
		fs, ok := item.(*dicom.FragmentSequence)
		require.True(t, ok)
		assert.Len(t, fs.Fragments, frames)
		assert.Empty(t, fs.OffsetTable)

		// the encapsulated form survives the dataset codec
		var buf bytes.Buffer
		require.NoError(t, dicom.WriteDataset(&buf, rle, dicom.LookupTransferSyntax(types.RLELossless), dicom.WriteOptions{}))
		read, err := dicom.ReadDataset(&buf, dicom.LookupTransferSyntax(types.RLELossless), dicom.ReadOptions{})
		require.NoError(t, err)

		back, err := Transcode(read, types.ExplicitVRLittleEndian, nil)
		require.NoError(t, err)
		e, ok := back.Element(dicom.TagPixelData)
		require.True(t, ok)
		assert.Equal(t, dicom.VR_OW, e.VR)
		got, _ := e.Value.Bytes()
		assert.Equal(t, want, got)
	}
}

func TestTranscodeNativeRelabel(t *testing.T) {
	ds := imageDataset(1)
	out, err := Transcode(ds, types.ImplicitVRLittleEndian, nil)
	require.NoError(t, err)
	assert.Equal(t, types.ImplicitVRLittleEndian, out.TransferSyntax)
	_, ok := out.Element(dicom.TagPixelData)
	assert.True(t, ok)

	_, err = Transcode(ds, types.JPEGBaseline8Bit, nil)
	assert.ErrorIs(t, err, dicomerr.ErrUnsupportedTransfer)
}
