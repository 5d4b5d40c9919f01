// Package storage keeps received instances as compressed Part 10 blobs.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses instance blobs. Implementations are safe for concurrent use.
type Codec interface {
	// ID is written in each blob header so a store can read blobs written with another codec.
	ID() byte
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

var codecs = map[string]Codec{
	"none": None{},
	"zstd": Zstd{},
	"s2":   S2{},
	"lz4":  LZ4{},
}

// CodecByName returns the codec registered as name ("none", "zstd", "s2" or "lz4").
// An empty name selects zstd.
func CodecByName(name string) (Codec, error) {
	if name == "" {
		return Zstd{}, nil
	}
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown codec %q", name)
	}
	return c, nil
}

// CodecNames lists the registered codecs.
func CodecNames() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func codecByID(id byte) (Codec, error) {
	for _, c := range codecs {
		if c.ID() == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("storage: unknown codec id %d", id)
}

// None stores blobs as is.
type None struct{}

func (None) ID() byte     { return 0 }
func (None) Name() string { return "none" }

func (None) Compress(data []byte) ([]byte, error)   { return data, nil }
func (None) Decompress(data []byte) ([]byte, error) { return data, nil }

var zstdDecoderPool = sync.Pool{
	New: func() any {
		decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("storage: create zstd decoder: %v", err))
		}
		return decoder
	},
}

var zstdEncoderPool = sync.Pool{
	New: func() any {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderCRC(false))
		if err != nil {
			panic(fmt.Sprintf("storage: create zstd encoder: %v", err))
		}
		return encoder
	},
}

// Zstd compresses with Zstandard at the default level.
type Zstd struct{}

func (Zstd) ID() byte     { return 1 }
func (Zstd) Name() string { return "zstd" }

func (Zstd) Compress(data []byte) ([]byte, error) {
	encoder := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(encoder)
	return encoder.EncodeAll(data, nil), nil
}

func (Zstd) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	decoder := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(decoder)
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

// S2 trades ratio for speed.
type S2 struct{}

func (S2) ID() byte     { return 2 }
func (S2) Name() string { return "s2" }

func (S2) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return s2.Encode(nil, data), nil
}

func (S2) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return s2.Decode(nil, data)
}

var lz4CompressorPool = sync.Pool{
	New: func() any { return &lz4.Compressor{} },
}

// LZ4 writes LZ4 blocks prefixed with the uncompressed length.
type LZ4 struct{}

func (LZ4) ID() byte     { return 3 }
func (LZ4) Name() string { return "lz4" }

var errLZ4Length = errors.New("lz4: invalid length prefix")

func (LZ4) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dst := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
	n := binary.PutUvarint(dst, uint64(len(data)))

	lc := lz4CompressorPool.Get().(*lz4.Compressor)
	defer lz4CompressorPool.Put(lc)
	m, err := lc.CompressBlock(data, dst[n:])
	if err != nil {
		return nil, err
	}
	if m == 0 {
		// Incompressible input; CompressBlock leaves dst empty.
		return nil, fmt.Errorf("lz4: incompressible block of %d bytes", len(data))
	}
	return dst[:n+m], nil
}

func (LZ4) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	size, n := binary.Uvarint(data)
	if n <= 0 || size > maxBlobSize {
		return nil, errLZ4Length
	}
	out := make([]byte, size)
	m, err := lz4.UncompressBlock(data[n:], out)
	if err != nil {
		return nil, err
	}
	if uint64(m) != size {
		return nil, errLZ4Length
	}
	return out, nil
}

// maxBlobSize bounds the uncompressed size a blob header may claim.
const maxBlobSize = 4 << 30
