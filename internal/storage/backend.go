// Package storage defines the payload storage backends for sandbucket.
// Backends hold raw object bytes only; all object metadata (content type,
// user metadata, tags, timestamps) lives in the metadata store. The two
// implementations mirror the two run modes: LocalBackend for directory-backed
// servers and MemoryBackend for fully ephemeral ones.
package storage

import (
	"context"
	"io"
)

// StorageBackend stores and retrieves object payloads. ETags returned by a
// backend are always quoted: a plain MD5 digest for single uploads and the
// composite "md5-of-part-md5s-N" form for assembled multipart objects.
type StorageBackend interface {
	// PutObject writes the payload for bucket/key, replacing any previous
	// payload. It returns the number of bytes written and the ETag.
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error)

	// StageObject writes the payload for bucket/key to a temporary
	// location. Any previous payload for the key stays intact and readable
	// until Commit. Callers validate the staged bytes (length, digest) and
	// then call exactly one of Commit or Discard.
	StageObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (StagedObject, error)

	// GetObject opens the payload for reading. The returned reader is a
	// stable snapshot: concurrent overwrites or deletes of the same key do
	// not affect bytes already being streamed.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error)

	// DeleteObject removes a payload. Deleting a missing payload is not an
	// error.
	DeleteObject(ctx context.Context, bucket, key string) error

	// CopyObject duplicates a payload and returns the destination ETag.
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error)

	// PutPart stages one part of a multipart upload and returns the bytes
	// written and the part ETag.
	PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (int64, string, error)

	// AssembleParts concatenates the staged parts in the given order into
	// the final object payload, removes the staging area, and returns the
	// composite ETag.
	AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, error)

	// DeleteParts discards all staged parts for an upload (abort path).
	DeleteParts(ctx context.Context, bucket, key, uploadID string) error

	// CreateBucket prepares backend storage for a new bucket.
	CreateBucket(ctx context.Context, bucket string) error

	// DeleteBucket removes backend storage for an empty bucket.
	DeleteBucket(ctx context.Context, bucket string) error

	// ObjectExists reports whether a payload is present for bucket/key.
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// HealthCheck verifies the backend is usable.
	HealthCheck(ctx context.Context) error
}

// StagedObject is a payload written by StageObject but not yet visible under
// its final key.
type StagedObject interface {
	// Written is the number of payload bytes staged.
	Written() int64

	// ETag is the quoted MD5 of the staged payload.
	ETag() string

	// Commit publishes the staged payload under its key, replacing any
	// previous payload.
	Commit() error

	// Discard drops the staged payload. The previous payload for the key,
	// if any, is untouched.
	Discard() error
}
