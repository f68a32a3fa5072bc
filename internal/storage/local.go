package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LocalStore stores artifacts on the local filesystem under
// <root>/<bucket>/<key>.
type LocalStore struct {
	root string
}

// NewLocalStore creates a local filesystem artifact store rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", abs, err)
	}
	return &LocalStore{root: abs}, nil
}

// objectPath maps (bucket, key) to a path under root, rejecting traversal.
func (s *LocalStore) objectPath(bucket, key string) (string, error) {
	path := filepath.Join(s.root, bucket, filepath.FromSlash(key))
	path = filepath.Clean(path)
	if !strings.HasPrefix(path, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("key escapes storage root: %s/%s", bucket, key)
	}
	return path, nil
}

func (s *LocalStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	// Atomic write: temp file + rename
	tmp, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *LocalStore) Delete(ctx context.Context, bucket, key string) error {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *LocalStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	root := filepath.Join(s.root, bucket)

	var infos []ObjectInfo
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		// In-flight atomic writes are not objects yet.
		if strings.HasPrefix(d.Name(), ".blob-") {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		infos = append(infos, ObjectInfo{Key: key, Size: info.Size(), Modified: info.ModTime()})
		return nil
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *LocalStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return "file://" + filepath.ToSlash(path), nil
}

func (s *LocalStore) EnsureBucket(ctx context.Context, bucket string) error {
	return os.MkdirAll(filepath.Join(s.root, bucket), 0o755)
}

func (s *LocalStore) Type() string { return "local" }

// Root returns the storage root directory.
func (s *LocalStore) Root() string { return s.root }
