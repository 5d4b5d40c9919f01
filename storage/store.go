package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/caio-sobreiro/dicomulp/dicom"
)

var (
	// ErrNotFound is returned for an unknown SOP Instance UID.
	ErrNotFound = errors.New("storage: instance not found")
	// ErrChecksum is returned when a blob does not match its header checksum.
	ErrChecksum = errors.New("storage: checksum mismatch")
)

const (
	headerSize = 1 + 8
	blobExt    = ".dcz"
)

// Options configures a Store.
type Options struct {
	// Dir holds one blob per instance. Empty keeps instances in memory.
	Dir string
	// Codec compresses blobs (default: Zstd).
	Codec  Codec
	Logger *slog.Logger
}

// Store keeps instances keyed by SOP Instance UID. Each blob is a codec id, the xxhash of
// the Part 10 bytes and the compressed Part 10 bytes.
type Store struct {
	codec  Codec
	logger *slog.Logger
	blobs  backend
}

type backend interface {
	read(key string) ([]byte, error)
	write(key string, blob []byte) error
	remove(key string) error
	keys() ([]string, error)
}

// Open creates a store. The directory is created when missing.
func Open(opts Options) (*Store, error) {
	s := &Store{codec: opts.Codec, logger: opts.Logger}
	if s.codec == nil {
		s.codec = Zstd{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if opts.Dir == "" {
		s.blobs = &memoryBackend{blobs: make(map[string][]byte)}
		return s, nil
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", opts.Dir, err)
	}
	s.blobs = &dirBackend{dir: opts.Dir}
	return s, nil
}

// Codec returns the codec new blobs are written with.
func (s *Store) Codec() Codec { return s.codec }

// Put stores ds as a Part 10 file in transfer syntax ts, replacing any instance with the
// same UID.
func (s *Store) Put(ctx context.Context, sopClass, sopInstance, ts string, ds *dicom.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validKey(sopInstance); err != nil {
		return err
	}
	if ds == nil {
		return errors.New("storage: nil dataset")
	}

	var buf bytes.Buffer
	f := &dicom.File{Meta: dicom.NewFileMeta(sopClass, sopInstance, ts), Dataset: ds}
	if _, err := f.WriteTo(&buf); err != nil {
		return fmt.Errorf("storage: encode %s: %w", sopInstance, err)
	}
	raw := buf.Bytes()

	compressed, err := s.codec.Compress(raw)
	if err != nil {
		return fmt.Errorf("storage: %s compress %s: %w", s.codec.Name(), sopInstance, err)
	}
	blob := make([]byte, headerSize+len(compressed))
	blob[0] = s.codec.ID()
	binary.LittleEndian.PutUint64(blob[1:headerSize], xxhash.Sum64(raw))
	copy(blob[headerSize:], compressed)

	if err := s.blobs.write(sopInstance, blob); err != nil {
		return fmt.Errorf("storage: write %s: %w", sopInstance, err)
	}
	s.logger.Debug("Stored instance",
		"sop_instance_uid", sopInstance,
		"codec", s.codec.Name(),
		"size", len(raw),
		"stored_size", len(blob))
	return nil
}

// Get loads an instance and verifies its checksum.
func (s *Store) Get(sopInstance string) (*dicom.File, error) {
	raw, err := s.Load(sopInstance)
	if err != nil {
		return nil, err
	}
	f, err := dicom.ParseFile(bytes.NewReader(raw), dicom.ReadOptions{ReadAll: true, Logger: s.logger})
	if err != nil {
		return nil, fmt.Errorf("storage: parse %s: %w", sopInstance, err)
	}
	return f, nil
}

// Load returns the Part 10 bytes of an instance.
func (s *Store) Load(sopInstance string) ([]byte, error) {
	if err := validKey(sopInstance); err != nil {
		return nil, err
	}
	blob, err := s.blobs.read(sopInstance)
	if err != nil {
		return nil, err
	}
	if len(blob) < headerSize {
		return nil, fmt.Errorf("storage: %s: short blob of %d bytes", sopInstance, len(blob))
	}
	codec, err := codecByID(blob[0])
	if err != nil {
		return nil, err
	}
	raw, err := codec.Decompress(blob[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("storage: %s decompress %s: %w", codec.Name(), sopInstance, err)
	}
	if xxhash.Sum64(raw) != binary.LittleEndian.Uint64(blob[1:headerSize]) {
		return nil, fmt.Errorf("%w: %s", ErrChecksum, sopInstance)
	}
	return raw, nil
}

// List returns the stored SOP Instance UIDs in ascending order.
func (s *Store) List() ([]string, error) {
	keys, err := s.blobs.keys()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes an instance.
func (s *Store) Delete(sopInstance string) error {
	if err := validKey(sopInstance); err != nil {
		return err
	}
	return s.blobs.remove(sopInstance)
}

// validKey accepts UID characters only, so keys are safe file names.
func validKey(uid string) error {
	if uid == "" || len(uid) > 64 {
		return fmt.Errorf("storage: invalid SOP Instance UID %q", uid)
	}
	for _, r := range uid {
		if (r < '0' || r > '9') && r != '.' {
			return fmt.Errorf("storage: invalid SOP Instance UID %q", uid)
		}
	}
	return nil
}

type memoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func (m *memoryBackend) read(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return blob, nil
}

func (m *memoryBackend) write(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = blob
	return nil
}

func (m *memoryBackend) remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(m.blobs, key)
	return nil
}

func (m *memoryBackend) keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	return keys, nil
}

type dirBackend struct {
	dir string
}

func (d *dirBackend) path(key string) string {
	return filepath.Join(d.dir, key+blobExt)
}

func (d *dirBackend) read(key string) ([]byte, error) {
	blob, err := os.ReadFile(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return blob, err
}

// write goes through a temporary file so readers never see a partial blob.
func (d *dirBackend) write(key string, blob []byte) error {
	tmp, err := os.CreateTemp(d.dir, key+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), d.path(key))
}

func (d *dirBackend) remove(key string) error {
	err := os.Remove(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}

func (d *dirBackend) keys() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, blobExt))
	}
	return keys, nil
}
