package storage

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/grabadora/internal/config"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// BlobStore abstracts artifact storage backends. Keys are forward-slash
// paths scoped to a bucket; buckets are created lazily.
type BlobStore interface {
	// Put stores an object. size < 0 means unknown.
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error

	// Get returns a reader for an object. The caller must close it.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// List returns the objects whose keys start with prefix, in key order.
	// An empty prefix lists the whole bucket.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// PresignGet returns a URL a client can fetch the object from without
	// credentials. Local backends return a file:// URI.
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)

	// EnsureBucket creates the bucket if needed. Idempotent.
	EnsureBucket(ctx context.Context, bucket string) error

	// Type returns "s3", "local", or "memory".
	Type() string
}

// New creates a BlobStore per config. Backend "auto" probes the S3 endpoint
// and downgrades to local disk for the process lifetime when it is
// unreachable, so a dev box without minio still works.
func New(cfg *config.Config, log zerolog.Logger) (BlobStore, error) {
	switch cfg.StorageBackend {
	case "memory":
		return NewMemoryStore(), nil
	case "local":
		return NewLocalStore(cfg.StorageDir)
	case "s3":
		return NewS3Store(cfg, log)
	case "tiered":
		s3, err := NewS3Store(cfg, log)
		if err != nil {
			return nil, err
		}
		local, err := NewLocalStore(cfg.StorageDir)
		if err != nil {
			return nil, err
		}
		return NewTieredStore(s3, local, log), nil
	}

	// auto
	if endpointReachable(cfg.S3Endpoint) {
		return NewS3Store(cfg, log)
	}
	log.Warn().
		Str("endpoint", cfg.S3Endpoint).
		Str("dir", cfg.StorageDir).
		Msg("object store unreachable, falling back to local disk")
	return NewLocalStore(cfg.StorageDir)
}

// endpointReachable dials the endpoint's host:port with a short timeout.
func endpointReachable(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ErrNotFound is returned by Get for missing objects.
var ErrNotFound = fmt.Errorf("object not found")
