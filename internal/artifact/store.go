package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"droidfleet.sh/internal/fault"
)

// maxCacheableSize keeps very large APKs out of the byte cache; they
// stream from disk instead.
const maxCacheableSize = 64 << 20

// Store reads build artifacts from a local directory tree, caching the
// hot ones in memory.
type Store struct {
	root   string
	cache  *Cache
	logger *slog.Logger
}

// NewStore creates an artifact store rooted at root.
func NewStore(root string, cache *Cache) *Store {
	return &Store{
		root:   root,
		cache:  cache,
		logger: slog.Default().With("component", "artifact-store"),
	}
}

// cleanPath rejects traversal outside the store root.
func (s *Store) cleanPath(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") {
		return "", fault.New(fault.CodeValidation, "invalid artifact name")
	}
	path := filepath.Join(s.root, filepath.Clean("/"+name))
	if !strings.HasPrefix(path, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fault.New(fault.CodeValidation, "invalid artifact name")
	}
	return path, nil
}

// Open returns a reader for the artifact plus its size. Small files
// come from the cache.
func (s *Store) Open(name string) (io.ReadCloser, int64, error) {
	path, err := s.cleanPath(name)
	if err != nil {
		return nil, 0, err
	}

	if data := s.cache.Get(name); data != nil {
		return io.NopCloser(strings.NewReader(string(data))), int64(len(data)), nil
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, fault.Newf(fault.CodeNotFound, "artifact %s not found", name)
	}
	if err != nil {
		return nil, 0, fault.Wrap(err, fault.CodeInternal, "failed to open artifact")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fault.Wrap(err, fault.CodeInternal, "failed to stat artifact")
	}

	if info.Size() <= maxCacheableSize {
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, 0, fault.Wrap(err, fault.CodeInternal, "failed to read artifact")
		}
		s.cache.Put(name, data)
		return io.NopCloser(strings.NewReader(string(data))), int64(len(data)), nil
	}
	return f, info.Size(), nil
}

// Put writes an uploaded artifact and returns its hex SHA-256.
func (s *Store) Put(name string, r io.Reader) (string, int64, error) {
	path, err := s.cleanPath(name)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, fault.Wrap(err, fault.CodeInternal, "failed to create artifact directory")
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", 0, fault.Wrap(err, fault.CodeInternal, "failed to create artifact file")
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, fault.Wrap(err, fault.CodeInternal, "failed to write artifact")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, fault.Wrap(err, fault.CodeInternal, "failed to sync artifact")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, fault.Wrap(err, fault.CodeInternal, "failed to close artifact")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", 0, fault.Wrap(err, fault.CodeInternal, "failed to publish artifact")
	}

	// A re-upload under the same name must not serve stale bytes.
	s.cache.Invalidate(name)

	checksum := hex.EncodeToString(hasher.Sum(nil))
	s.logger.Info("Artifact stored", "name", name, "bytes", n, "sha256", checksum)
	return checksum, n, nil
}
