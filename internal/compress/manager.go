// Package compress handles structural (JSON) compression, image
// re-encoding, and content-addressed frame deduplication.
package compress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
)

// Leading byte of a compressed blob: raw passthrough below the size
// floor, zstd above it.
const (
	markerRaw  = 0x00
	markerZstd = 0x01
)

// Config tunes the manager. Zero values fall back to the defaults.
type Config struct {
	// MinSize is the floor below which structural payloads are stored
	// raw; compressing tiny payloads costs more than it saves.
	MinSize int
	// ImageQuality is the JPEG quality used when re-encoding frames.
	ImageQuality int
}

// DefaultConfig: 512-byte floor, quality 80.
func DefaultConfig() Config {
	return Config{MinSize: 512, ImageQuality: 80}
}

// Manager owns the zstd coder pair and the per-media-item dedup index.
type Manager struct {
	cfg Config
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu   sync.Mutex
	seen map[string]map[uint64]float64 // media item id -> fingerprint -> first timestamp
}

// NewManager builds a Manager; Close releases the zstd coders.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MinSize <= 0 {
		cfg = DefaultConfig()
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Manager{
		cfg:  cfg,
		enc:  enc,
		dec:  dec,
		seen: make(map[string]map[uint64]float64),
	}, nil
}

// Close releases the zstd coders.
func (m *Manager) Close() {
	m.enc.Close()
	m.dec.Close()
}

// CompressStructured serializes payload to JSON and compresses it when
// it clears the size floor. The first byte marks which path was taken.
func (m *Manager) CompressStructured(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	if len(raw) < m.cfg.MinSize {
		return append([]byte{markerRaw}, raw...), nil
	}
	return m.enc.EncodeAll(raw, []byte{markerZstd}), nil
}

// DecompressStructured reverses CompressStructured into out.
func (m *Manager) DecompressStructured(blob []byte, out any) error {
	if len(blob) == 0 {
		return fmt.Errorf("empty compressed payload")
	}
	var raw []byte
	switch blob[0] {
	case markerRaw:
		raw = blob[1:]
	case markerZstd:
		decoded, err := m.dec.DecodeAll(blob[1:], nil)
		if err != nil {
			return fmt.Errorf("decompressing payload: %w", err)
		}
		raw = decoded
	default:
		return fmt.Errorf("unknown compression marker 0x%02x", blob[0])
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

// ImageResult reports a re-encode so callers can assess its value.
type ImageResult struct {
	Path           string `json:"path"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize int64  `json:"compressed_size"`
}

// CompressImage re-encodes the image at path as JPEG at the configured
// quality, writing alongside the original. Both sizes are always
// measured and returned; the caller decides whether the smaller file is
// worth keeping.
func (m *Manager) CompressImage(path string) (ImageResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ImageResult{}, fmt.Errorf("reading image %s: %w", path, err)
	}

	img, err := imaging.Open(path)
	if err != nil {
		return ImageResult{}, fmt.Errorf("opening image %s: %w", path, err)
	}

	ext := filepath.Ext(path)
	outPath := strings.TrimSuffix(path, ext) + "_c.jpg"
	if err := imaging.Save(img, outPath, imaging.JPEGQuality(m.cfg.ImageQuality)); err != nil {
		return ImageResult{}, fmt.Errorf("saving compressed image: %w", err)
	}

	outInfo, err := os.Stat(outPath)
	if err != nil {
		return ImageResult{}, fmt.Errorf("measuring compressed image: %w", err)
	}

	return ImageResult{
		Path:           outPath,
		OriginalSize:   info.Size(),
		CompressedSize: outInfo.Size(),
	}, nil
}

// CheckDuplicate fingerprints the frame at path and looks it up in the
// media item's index. On a duplicate it returns the timestamp the
// content was first seen at; otherwise it records the fingerprint. The
// caller is responsible for skipping storage of true duplicates.
func (m *Manager) CheckDuplicate(mediaItemID string, timestamp float64, path string) (bool, float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, 0, fmt.Errorf("reading frame %s: %w", path, err)
	}
	fingerprint := xxh3.Hash(data)

	m.mu.Lock()
	defer m.mu.Unlock()

	index := m.seen[mediaItemID]
	if index == nil {
		index = make(map[uint64]float64)
		m.seen[mediaItemID] = index
	}
	if first, ok := index[fingerprint]; ok {
		return true, first, nil
	}
	index[fingerprint] = timestamp
	return false, 0, nil
}

// ForgetMediaItem drops the dedup index for a deleted media item.
func (m *Manager) ForgetMediaItem(mediaItemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, mediaItemID)
}
