package imaging

import (
	"fmt"

	"github.com/caio-sobreiro/dicomulp/dicom"
)

// Transcode returns a copy of ds with its pixel data in the target transfer syntax.
// Native to native conversions only relabel the dataset; the writer handles byte order.
func Transcode(ds *dicom.Dataset, target string, reg *Registry) (*dicom.Dataset, error) {
	if reg == nil {
		reg = Default()
	}
	src := dicom.LookupTransferSyntax(ds.TransferSyntax)
	dst := dicom.LookupTransferSyntax(target)

	out := ds.Clone()
	out.TransferSyntax = target
	item, ok := ds.Get(dicom.TagPixelData)
	if !ok || (!src.Encapsulated && !dst.Encapsulated) || src.UID == dst.UID {
		return out, nil
	}

	p, err := ParamsFromDataset(ds)
	if err != nil {
		return nil, err
	}
	frames := 1
	if n, ok := ds.GetInt(dicom.TagNumberOfFrames); ok && n > 0 {
		frames = n
	}

	native, err := nativeFrames(item, src, reg, p, frames)
	if err != nil {
		return nil, err
	}

	if !dst.Encapsulated {
		pixels := make([]byte, 0, frames*p.FrameSize())
		for _, f := range native {
			pixels = append(pixels, f...)
		}
		vr := dicom.VR_OB
		if p.BitsAllocated > 8 {
			vr = dicom.VR_OW
		}
		out.SetBytes(dicom.TagPixelData, vr, pixels)
		return out, nil
	}

	codec, err := reg.Lookup(dst.UID)
	if err != nil {
		return nil, err
	}
	fs := &dicom.FragmentSequence{Tag: dicom.TagPixelData, VR: dicom.VR_OB}
	for i, f := range native {
		encoded, err := codec.Encode(f, p)
		if err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", i, err)
		}
		fs.Fragments = append(fs.Fragments, dicom.NewMemoryBuffer(encoded, nil))
	}
	out.Add(fs)
	return out, nil
}

// nativeFrames splits pixel data into little endian native frames.
func nativeFrames(item dicom.Item, src dicom.TransferSyntax, reg *Registry, p Params, frames int) ([][]byte, error) {
	size := p.FrameSize()
	switch it := item.(type) {
	case *dicom.Element:
		data, err := it.Value.Bytes()
		if err != nil {
			return nil, err
		}
		if len(data) < frames*size {
			return nil, fmt.Errorf("pixel data has %d bytes, need %d for %d frames", len(data), frames*size, frames)
		}
		if order := it.Value.Endian(); order != nil && order.Uint16([]byte{0, 1}) == 1 && p.BytesPerSample() > 1 {
			data = swapped(data, p.BytesPerSample())
		}
		out := make([][]byte, frames)
		for i := range out {
			out[i] = data[i*size : (i+1)*size]
		}
		return out, nil

	case *dicom.FragmentSequence:
		codec, err := reg.Lookup(src.UID)
		if err != nil {
			return nil, err
		}
		fragments := make([][]byte, 0, len(it.Fragments))
		for _, frag := range it.Fragments {
			b, err := frag.Bytes()
			if err != nil {
				return nil, err
			}
			fragments = append(fragments, b)
		}
		if len(fragments) != frames {
			if frames != 1 {
				return nil, fmt.Errorf("%d fragments for %d frames", len(fragments), frames)
			}
			var joined []byte
			for _, b := range fragments {
				joined = append(joined, b...)
			}
			fragments = [][]byte{joined}
		}
		out := make([][]byte, frames)
		for i, b := range fragments {
			out[i], err = codec.Decode(b, p)
			if err != nil {
				return nil, fmt.Errorf("decode frame %d: %w", i, err)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected pixel data item %T", item)
}

func swapped(data []byte, unit int) []byte {
	out := make([]byte, len(data))
	for i := 0; i+unit <= len(data); i += unit {
		for j := 0; j < unit; j++ {
			out[i+j] = data[i+unit-1-j]
		}
	}
	return out
}
