package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ytkara/internal/domain"
	"ytkara/internal/metrics"
)

var (
	ErrValidation  = errors.New("fetched media failed validation")
	ErrDelete      = errors.New("cache entry removal failed")
	ErrInvalidated = errors.New("cache entry invalidated")
	ErrQueueClosed = errors.New("download queue closed")

	errCorrupt = errors.New("corrupt cache entry")
)

const (
	metadataFileName = "metadata.json"
	stagingDirName   = ".staging"

	defaultDeleteRetryDelay = 500 * time.Millisecond
)

// Store keeps one directory per key under root. An entry is valid only when
// its metadata.json is complete and references a non-empty media file.
type Store struct {
	root       string
	logger     *slog.Logger
	retryDelay time.Duration
	removeAll  func(string) error
}

func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Store{
		root:       abs,
		logger:     logger,
		retryDelay: defaultDeleteRetryDelay,
		removeAll:  os.RemoveAll,
	}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) entryDir(key string) string {
	return filepath.Join(s.root, key)
}

func (s *Store) metadataPath(key string) string {
	return filepath.Join(s.root, key, metadataFileName)
}

// IsCached reports whether key has a valid entry.
func (s *Store) IsCached(key string) bool {
	_, ok := s.Metadata(key)
	return ok
}

// Metadata returns the metadata of a valid entry. Corrupt entries are
// removed and reported as absent.
func (s *Store) Metadata(key string) (domain.Metadata, bool) {
	if !domain.ValidKey(key) {
		return domain.Metadata{}, false
	}
	meta, err := s.readMetadata(key)
	if err == nil {
		return meta, true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Metadata{}, false
	}

	s.logger.Warn("cache: removing corrupt entry",
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
	metrics.CacheLookupsTotal.WithLabelValues("corrupt").Inc()
	if delErr := s.DeleteEntry(key); delErr == nil {
		metrics.CacheEvictionsTotal.WithLabelValues("corrupt").Inc()
	}
	return domain.Metadata{}, false
}

// Path returns the absolute media file path of a valid entry.
func (s *Store) Path(key string) (string, bool) {
	meta, ok := s.Metadata(key)
	if !ok {
		return "", false
	}
	return filepath.Join(s.entryDir(key), meta.VideoFile), true
}

// Inspect reads the metadata of key without repairing a corrupt entry.
func (s *Store) Inspect(key string) (domain.Metadata, error) {
	if !domain.ValidKey(key) {
		return domain.Metadata{}, fmt.Errorf("%w: %q", domain.ErrInvalidKey, key)
	}
	return s.readMetadata(key)
}

func (s *Store) readMetadata(key string) (domain.Metadata, error) {
	raw, err := os.ReadFile(s.metadataPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Metadata{}, err
		}
		return domain.Metadata{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}

	var meta domain.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if err := validateMetadata(meta); err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}

	info, err := os.Stat(filepath.Join(s.entryDir(key), meta.VideoFile))
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: media file: %v", errCorrupt, err)
	}
	if !info.Mode().IsRegular() {
		return domain.Metadata{}, fmt.Errorf("%w: media file is not a regular file", errCorrupt)
	}
	if info.Size() == 0 {
		return domain.Metadata{}, fmt.Errorf("%w: media file is empty", errCorrupt)
	}
	return meta, nil
}

func validateMetadata(meta domain.Metadata) error {
	if meta.VideoFile == "" {
		return errors.New("missing videoFile")
	}
	if !isBareName(meta.VideoFile) || meta.VideoFile == metadataFileName {
		return fmt.Errorf("invalid videoFile %q", meta.VideoFile)
	}
	if !(meta.Duration > 0) {
		return errors.New("missing duration")
	}
	return nil
}

func isBareName(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// WriteEntry moves a fetched file into the entry directory of key and then
// records its metadata. The entry becomes visible only once metadata.json is
// renamed into place.
func (s *Store) WriteEntry(key, stagedFile string, meta domain.Metadata) (domain.Metadata, error) {
	if !domain.ValidKey(key) {
		return domain.Metadata{}, fmt.Errorf("%w: %q", domain.ErrInvalidKey, key)
	}

	info, err := os.Stat(stagedFile)
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !info.Mode().IsRegular() {
		return domain.Metadata{}, fmt.Errorf("%w: %s is not a regular file", ErrValidation, stagedFile)
	}
	if info.Size() == 0 {
		return domain.Metadata{}, fmt.Errorf("%w: downloaded file is empty", ErrValidation)
	}

	meta.VideoFile = filepath.Base(stagedFile)
	if err := validateMetadata(meta); err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	dir := s.entryDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Metadata{}, fmt.Errorf("create entry dir: %w", err)
	}
	if err := os.Remove(s.metadataPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.Metadata{}, fmt.Errorf("clear stale metadata: %w", err)
	}
	if err := os.Rename(stagedFile, filepath.Join(dir, meta.VideoFile)); err != nil {
		return domain.Metadata{}, fmt.Errorf("move media into cache: %w", err)
	}
	if err := writeJSONAtomic(s.metadataPath(key), meta); err != nil {
		return domain.Metadata{}, fmt.Errorf("write metadata: %w", err)
	}
	return meta, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// DeleteEntry removes the entry directory of key. A failed removal is retried
// once after making the tree writable; a second failure is logged and
// returned wrapped in ErrDelete.
func (s *Store) DeleteEntry(key string) error {
	if !domain.ValidKey(key) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidKey, key)
	}
	dir := s.entryDir(key)
	err := s.removeAll(dir)
	if err == nil {
		return nil
	}

	s.logger.Warn("cache: remove entry failed, retrying",
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
	time.Sleep(s.retryDelay)
	makeWritable(dir)
	if err = s.removeAll(dir); err == nil {
		return nil
	}

	s.logger.Error("cache: remove entry failed after retry",
		slog.String("key", key),
		slog.String("dir", dir),
		slog.String("error", err.Error()),
	)
	metrics.CacheCleanupErrors.Inc()
	return fmt.Errorf("%w: %s: %v", ErrDelete, key, err)
}

func makeWritable(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = os.Chmod(path, 0o755)
		} else {
			_ = os.Chmod(path, 0o644)
		}
		return nil
	})
}

// Keys lists every entry directory, valid or not.
func (s *Store) Keys() ([]string, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list cache root: %w", err)
	}
	keys := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !domain.ValidKey(e.Name()) {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}

// Size returns the number of bytes stored for key.
func (s *Store) Size(key string) int64 {
	if !domain.ValidKey(key) {
		return 0
	}
	var total int64
	_ = filepath.WalkDir(s.entryDir(key), func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// StagingDir creates a fresh working directory for a fetch of key.
func (s *Store) StagingDir(key string) (string, error) {
	if !domain.ValidKey(key) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidKey, key)
	}
	parent := filepath.Join(s.root, stagingDirName)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("create staging root: %w", err)
	}
	dir, err := os.MkdirTemp(parent, key+"-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return dir, nil
}

func (s *Store) RemoveStaging(dir string) {
	parent := filepath.Join(s.root, stagingDirName)
	if filepath.Dir(dir) != parent {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("cache: remove staging dir failed",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}
}

// ResetStaging drops leftovers of fetches interrupted by a restart.
func (s *Store) ResetStaging() error {
	return os.RemoveAll(filepath.Join(s.root, stagingDirName))
}
