// ABOUTME: Content-addressed overflow store for message bodies above the inline limit
// ABOUTME: BLAKE3 keyed refs, zstd-compressed blobs, atomic writes, hash verified on read

package content

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/sanitize"
)

// RefPrefix starts every content reference.
const RefPrefix = "blake3:"

const blobExt = ".zst"

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// domainKey separates content hashes from any other BLAKE3 use.
var domainKey = [32]byte{
	'c', 'o', 'v', 'e', 'n', '.', 'c', 'o', 'u', 'r', 'i', 'e', 'r', '.',
	'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Encoder and decoder are reused across calls; both are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("content: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("content: zstd decoder initialization failed: " + err.Error())
	}
}

// HashContent returns the keyed BLAKE3 hash of data.
func HashContent(data []byte) Hash {
	hasher, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		panic("content: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// Ref formats h as a content reference.
func (h Hash) Ref() string {
	return RefPrefix + hex.EncodeToString(h[:])
}

// ParseRef decodes a content reference.
func ParseRef(ref string) (Hash, error) {
	var h Hash
	hexPart, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok || len(hexPart) != 64 {
		return h, apperr.Validation("invalid_content_ref", "malformed content reference").WithEntity(ref)
	}
	if _, err := hex.Decode(h[:], []byte(hexPart)); err != nil {
		return h, apperr.Validation("invalid_content_ref", "malformed content reference").WithEntity(ref)
	}
	return h, nil
}

// Store keeps blobs under root/<first two hex chars>/<hash>.zst.
type Store struct {
	root   string
	logger *slog.Logger

	// mu orders Put's refresh of an existing blob against Prune's removal.
	mu sync.Mutex
}

// New opens (creating if needed) a store rooted at root.
func New(root string, logger *slog.Logger) (*Store, error) {
	clean, err := sanitize.Path(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(clean, 0o755); err != nil {
		return nil, apperr.Storage("io", err, "creating content directory").WithEntity(clean)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: clean, logger: logger.With("component", "content")}, nil
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(h Hash) string {
	name := hex.EncodeToString(h[:])
	return filepath.Join(s.root, name[:2], name+blobExt)
}

// Put stores data and returns its reference. Storing identical bytes twice
// returns the same reference and writes once.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := HashContent(data)
	ref := h.Ref()
	target := s.path(h)

	if s.refresh(target) {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", apperr.Storage("io", err, "creating blob directory").WithEntity(ref)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".blob-*")
	if err != nil {
		return "", apperr.Storage("io", err, "creating temp blob").WithEntity(ref)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(encoder.EncodeAll(data, nil)); err != nil {
		_ = tmp.Close()
		return "", apperr.Storage("io", err, "writing blob").WithEntity(ref)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", apperr.Storage("io", err, "syncing blob").WithEntity(ref)
	}
	if err := tmp.Close(); err != nil {
		return "", apperr.Storage("io", err, "closing blob").WithEntity(ref)
	}
	s.mu.Lock()
	err = os.Rename(tmp.Name(), target)
	s.mu.Unlock()
	if err != nil {
		return "", apperr.Storage("io", err, "publishing blob").WithEntity(ref)
	}

	s.logger.Debug("stored blob", "ref", ref, "bytes", len(data))
	return ref, nil
}

// refresh bumps the mtime of an existing blob so Prune treats it as recent.
// It reports false when the blob is absent or could not be touched.
func (s *Store) refresh(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(target); err != nil {
		return false
	}
	now := time.Now()
	return os.Chtimes(target, now, now) == nil
}

// Get returns the bytes behind ref, verifying their hash.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(s.path(h))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.Storage("content_missing", err, "content blob not found").WithEntity(ref)
	}
	if err != nil {
		return nil, apperr.Storage("io", err, "reading blob").WithEntity(ref)
	}
	data, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, apperr.Storage("content_corrupt", err, "decompressing blob").WithEntity(ref)
	}
	if HashContent(data) != h {
		return nil, apperr.Storage("content_corrupt", nil, "blob hash mismatch").WithEntity(ref)
	}
	return data, nil
}

// Exists reports whether ref is stored.
func (s *Store) Exists(ref string) (bool, error) {
	h, err := ParseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(h))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Storage("io", err, "checking blob").WithEntity(ref)
	}
	return true, nil
}

// removeIfStale deletes path unless a Put touched it after cutoff. The
// mtime is re-read under mu so a blob re-stored mid-prune survives.
func (s *Store) removeIfStale(path string, cutoff time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if info.ModTime().After(cutoff) {
		return 0, false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, false, err
	}
	return info.Size(), true, nil
}

// PruneResult reports what Prune removed.
type PruneResult struct {
	Scanned      int
	Removed      int
	BytesRemoved int64
}

// Prune removes blobs for which keep returns false, skipping anything
// modified within olderThan so blobs written by in-flight transactions
// survive.
func (s *Store) Prune(ctx context.Context, keep func(ref string) bool, olderThan time.Duration) (*PruneResult, error) {
	res := &PruneResult{}
	cutoff := time.Now().Add(-olderThan)

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), blobExt) {
			return nil
		}
		res.Scanned++
		ref := RefPrefix + strings.TrimSuffix(d.Name(), blobExt)
		if _, err := ParseRef(ref); err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) || keep(ref) {
			return nil
		}
		size, removed, err := s.removeIfStale(path, cutoff)
		if err != nil {
			return err
		}
		if removed {
			res.Removed++
			res.BytesRemoved += size
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("pruning content store: %w", err)
	}
	if res.Removed > 0 {
		s.logger.Info("pruned orphaned blobs", "removed", res.Removed, "bytes", res.BytesRemoved)
	}
	return res, nil
}
