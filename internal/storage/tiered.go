package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// TieredStore pairs local disk (primary, always written) with S3 (backup).
// Writes land on disk first and are pushed to S3 best effort; reads prefer
// disk and re-cache S3 hits, so artifacts stay readable through object
// store outages.
type TieredStore struct {
	s3    *S3Store
	local *LocalStore
	log   zerolog.Logger
}

func NewTieredStore(s3 *S3Store, local *LocalStore, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		s3:    s3,
		local: local,
		log:   log.With().Str("component", "tiered-store").Logger(),
	}
}

func (s *TieredStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := s.local.Put(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return err
	}
	if err := s.s3.Put(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		s.log.Warn().Err(err).Str("bucket", bucket).Str("key", key).Msg("s3 backup write failed")
	}
	return nil
}

// Get prefers local disk. An S3 hit is cached back to disk so the next
// read stays local.
func (s *TieredStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if rc, err := s.local.Get(ctx, bucket, key); err == nil {
		return rc, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	rc, err := s.s3.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	if cacheErr := s.local.Put(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), ""); cacheErr != nil {
		s.log.Warn().Err(cacheErr).Str("key", key).Msg("local re-cache failed")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *TieredStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.local.Delete(ctx, bucket, key); err != nil {
		return err
	}
	if err := s.s3.Delete(ctx, bucket, key); err != nil {
		s.log.Warn().Err(err).Str("bucket", bucket).Str("key", key).Msg("s3 delete failed")
	}
	return nil
}

// List merges both tiers: disk is authoritative for anything written
// through this process, S3 fills in objects the disk lost.
func (s *TieredStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	infos, err := s.local.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		seen[info.Key] = true
	}

	remote, err := s.s3.List(ctx, bucket, prefix)
	if err != nil {
		s.log.Warn().Err(err).Str("bucket", bucket).Msg("s3 list failed")
		return infos, nil
	}
	for _, info := range remote {
		if !seen[info.Key] {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// PresignGet prefers S3 urls; when the object never made it there the
// local file uri still works for same-host clients.
func (s *TieredStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if url, err := s.s3.PresignGet(ctx, bucket, key, ttl); err == nil {
		return url, nil
	}
	return s.local.PresignGet(ctx, bucket, key, ttl)
}

func (s *TieredStore) EnsureBucket(ctx context.Context, bucket string) error {
	if err := s.local.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	if err := s.s3.EnsureBucket(ctx, bucket); err != nil {
		s.log.Warn().Err(err).Str("bucket", bucket).Msg("s3 bucket ensure failed")
	}
	return nil
}

func (s *TieredStore) Type() string { return "tiered" }
