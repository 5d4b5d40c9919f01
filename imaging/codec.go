// Package imaging holds the pixel codec contract, a codec registry keyed by transfer syntax
// and dataset transcoding between native and encapsulated pixel data.
package imaging

import (
	"fmt"
	"sync"

	"github.com/caio-sobreiro/dicomulp/dicom"
	dicomerr "github.com/caio-sobreiro/dicomulp/errors"
	"github.com/caio-sobreiro/dicomulp/types"
)

// Params describes the layout of one native frame.
type Params struct {
	Rows                int
	Columns             int
	BitsAllocated       int
	SamplesPerPixel     int
	PlanarConfiguration int
}

// BytesPerSample is BitsAllocated rounded up to whole bytes.
func (p Params) BytesPerSample() int {
	return (p.BitsAllocated + 7) / 8
}

// FrameSize is the length of one native frame in bytes.
func (p Params) FrameSize() int {
	return p.Rows * p.Columns * p.SamplesPerPixel * p.BytesPerSample()
}

// Validate checks that the params describe a frame.
func (p Params) Validate() error {
	if p.Rows <= 0 || p.Columns <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", p.Columns, p.Rows)
	}
	if p.SamplesPerPixel <= 0 {
		return fmt.Errorf("invalid samples per pixel %d", p.SamplesPerPixel)
	}
	if p.BitsAllocated <= 0 || p.BitsAllocated%8 != 0 {
		return fmt.Errorf("unsupported bits allocated %d", p.BitsAllocated)
	}
	return nil
}

// ParamsFromDataset reads the image pixel module attributes of ds.
func ParamsFromDataset(ds *dicom.Dataset) (Params, error) {
	p := Params{SamplesPerPixel: 1}
	rows, ok := ds.GetUint16(dicom.TagRows)
	if !ok {
		return p, fmt.Errorf("missing rows %s", dicom.TagRows)
	}
	cols, ok := ds.GetUint16(dicom.TagColumns)
	if !ok {
		return p, fmt.Errorf("missing columns %s", dicom.TagColumns)
	}
	bits, ok := ds.GetUint16(dicom.TagBitsAllocated)
	if !ok {
		return p, fmt.Errorf("missing bits allocated %s", dicom.TagBitsAllocated)
	}
	p.Rows, p.Columns, p.BitsAllocated = int(rows), int(cols), int(bits)
	if spp, ok := ds.GetUint16(dicom.TagSamplesPerPixel); ok {
		p.SamplesPerPixel = int(spp)
	}
	if pc, ok := ds.GetUint16(dicom.TagPlanarConfiguration); ok {
		p.PlanarConfiguration = int(pc)
	}
	return p, p.Validate()
}

// Codec compresses and decompresses single frames.
type Codec interface {
	Encode(frame []byte, p Params) ([]byte, error)
	Decode(data []byte, p Params) ([]byte, error)
}

// Registry maps transfer syntax UIDs to codecs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register installs codec for uid, replacing any previous one.
func (r *Registry) Register(uid string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[uid] = codec
}

// Lookup returns the codec for uid.
func (r *Registry) Lookup(uid string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codec, ok := r.codecs[uid]
	if !ok {
		return nil, dicomerr.NewUnsupportedTransferSyntaxError(uid)
	}
	return codec, nil
}

// Supports reports whether a codec is registered for uid.
func (r *Registry) Supports(uid string) bool {
	_, err := r.Lookup(uid)
	return err == nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the shared registry with RLE Lossless installed.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		defaultRegistry.Register(types.RLELossless, RLECodec{})
	})
	return defaultRegistry
}
