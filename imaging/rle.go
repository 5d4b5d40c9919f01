package imaging

import (
	"encoding/binary"
	"fmt"
)

const (
	rleHeaderLength = 64
	rleMaxSegments  = 15
)

// RLECodec implements RLE Lossless (PS3.5 Annex G). Frames are split into one segment per
// sample byte, most significant byte first, and each segment is PackBits encoded.
type RLECodec struct{}

// segmentIndex returns the native offset of byte b (0 = least significant) of sample s of pixel i.
func segmentIndex(p Params, pixels, i, s, b int) int {
	bps := p.BytesPerSample()
	if p.PlanarConfiguration == 1 {
		return (s*pixels+i)*bps + b
	}
	return (i*p.SamplesPerPixel+s)*bps + b
}

// Encode implements Codec. frame holds little endian native samples.
func (RLECodec) Encode(frame []byte, p Params) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(frame) < p.FrameSize() {
		return nil, fmt.Errorf("rle: frame has %d bytes, need %d", len(frame), p.FrameSize())
	}
	bps := p.BytesPerSample()
	segments := bps * p.SamplesPerPixel
	if segments > rleMaxSegments {
		return nil, fmt.Errorf("rle: %d segments exceed the maximum of %d", segments, rleMaxSegments)
	}
	pixels := p.Rows * p.Columns

	out := make([]byte, rleHeaderLength)
	binary.LittleEndian.PutUint32(out[0:4], uint32(segments))
	plane := make([]byte, pixels)
	n := 0
	for s := 0; s < p.SamplesPerPixel; s++ {
		for b := bps - 1; b >= 0; b-- {
			for i := 0; i < pixels; i++ {
				plane[i] = frame[segmentIndex(p, pixels, i, s, b)]
			}
			binary.LittleEndian.PutUint32(out[4+4*n:], uint32(len(out)))
			out = packBits(out, plane)
			if len(out)%2 == 1 {
				out = append(out, 0x00)
			}
			n++
		}
	}
	return out, nil
}

// Decode implements Codec.
func (RLECodec) Decode(data []byte, p Params) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(data) < rleHeaderLength {
		return nil, fmt.Errorf("rle: header truncated (%d bytes)", len(data))
	}
	bps := p.BytesPerSample()
	segments := int(binary.LittleEndian.Uint32(data[0:4]))
	if segments != bps*p.SamplesPerPixel || segments > rleMaxSegments {
		return nil, fmt.Errorf("rle: %d segments, expected %d", segments, bps*p.SamplesPerPixel)
	}
	offsets := make([]int, segments+1)
	for k := 0; k < segments; k++ {
		offsets[k] = int(binary.LittleEndian.Uint32(data[4+4*k:]))
	}
	offsets[segments] = len(data)

	pixels := p.Rows * p.Columns
	frame := make([]byte, p.FrameSize())
	plane := make([]byte, 0, pixels)
	k := 0
	for s := 0; s < p.SamplesPerPixel; s++ {
		for b := bps - 1; b >= 0; b-- {
			start, end := offsets[k], offsets[k+1]
			if start < rleHeaderLength || start > end || end > len(data) {
				return nil, fmt.Errorf("rle: segment %d has invalid bounds [%d,%d)", k, start, end)
			}
			var err error
			plane, err = unpackBits(plane[:0], data[start:end], pixels)
			if err != nil {
				return nil, fmt.Errorf("rle: segment %d: %w", k, err)
			}
			for i := 0; i < pixels; i++ {
				frame[segmentIndex(p, pixels, i, s, b)] = plane[i]
			}
			k++
		}
	}
	return frame, nil
}

// packBits appends the PackBits encoding of src to out.
func packBits(out, src []byte) []byte {
	i := 0
	for i < len(src) {
		run := 1
		for i+run < len(src) && run < 128 && src[i+run] == src[i] {
			run++
		}
		if run >= 2 {
			out = append(out, byte(1-run), src[i])
			i += run
			continue
		}

		start := i
		for i < len(src) && i-start < 128 {
			if i+1 < len(src) && src[i] == src[i+1] {
				break
			}
			i++
		}
		out = append(out, byte(i-start-1))
		out = append(out, src[start:i]...)
	}
	return out
}

// unpackBits decodes src until want bytes have been produced. Trailing padding is ignored.
func unpackBits(out, src []byte, want int) ([]byte, error) {
	i := 0
	for i < len(src) && len(out) < want {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, fmt.Errorf("literal run of %d bytes past end of segment", n+1)
			}
			out = append(out, src[i:i+n+1]...)
			i += n + 1
		case n == -128:
			// no-op
		default:
			if i >= len(src) {
				return nil, fmt.Errorf("replicate run past end of segment")
			}
			for j := 0; j < 1-n; j++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	if len(out) < want {
		return nil, fmt.Errorf("segment decoded to %d bytes, need %d", len(out), want)
	}
	return out[:want], nil
}
