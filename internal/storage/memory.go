package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sync"
)

// memObject holds the raw data and precomputed ETag for an in-memory object.
type memObject struct {
	Data []byte
	ETag string
}

// MemoryBackend implements StorageBackend with in-memory maps. It backs
// servers running without a data directory: all state is lost on shutdown,
// which is exactly what a throwaway test server wants.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memObject // key: "bucket\x00key"
	parts   map[string]memObject // key: "uploadID\x00NNNNN"
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]memObject),
		parts:   make(map[string]memObject),
	}
}

// objectKey builds the map key for an object. NUL is used as the separator
// because it cannot appear in bucket names and keeps keys with slashes
// unambiguous.
func objectKey(bucket, key string) string {
	return bucket + "\x00" + key
}

// partKey builds the map key for a multipart part.
func partKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s\x00%05d", uploadID, partNumber)
}

// computeETag returns the quoted MD5 hex digest of data.
func computeETag(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h[:])
}

// PutObject reads all data from the reader and stores it in memory.
func (b *MemoryBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}

	etag := computeETag(data)

	b.mu.Lock()
	b.objects[objectKey(bucket, key)] = memObject{Data: data, ETag: etag}
	b.mu.Unlock()

	return int64(len(data)), etag, nil
}

// memStaged buffers a payload until Commit stores it under its key.
type memStaged struct {
	b      *MemoryBackend
	bucket string
	key    string
	data   []byte
	etag   string
}

func (s *memStaged) Written() int64 { return int64(len(s.data)) }
func (s *memStaged) ETag() string   { return s.etag }

func (s *memStaged) Commit() error {
	s.b.mu.Lock()
	s.b.objects[objectKey(s.bucket, s.key)] = memObject{Data: s.data, ETag: s.etag}
	s.b.mu.Unlock()
	return nil
}

func (s *memStaged) Discard() error {
	s.data = nil
	return nil
}

// StageObject buffers the payload without touching any previous object under
// the same key until Commit.
func (b *MemoryBackend) StageObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (StagedObject, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading object data: %w", err)
	}
	return &memStaged{b: b, bucket: bucket, key: key, data: data, etag: computeETag(data)}, nil
}

// GetObject returns a reader over a snapshot of the object data. The stored
// slice is never handed out directly, so concurrent overwrites or deletes do
// not affect a reader already obtained.
func (b *MemoryBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	b.mu.RLock()
	obj, found := b.objects[objectKey(bucket, key)]
	b.mu.RUnlock()

	if !found {
		return nil, 0, "", fmt.Errorf("object not found: %s/%s", bucket, key)
	}

	dataCopy := make([]byte, len(obj.Data))
	copy(dataCopy, obj.Data)

	return io.NopCloser(bytes.NewReader(dataCopy)), int64(len(obj.Data)), obj.ETag, nil
}

// DeleteObject removes an object from memory. Idempotent.
func (b *MemoryBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	b.mu.Lock()
	delete(b.objects, objectKey(bucket, key))
	b.mu.Unlock()
	return nil
}

// CopyObject copies an object within memory. Source and destination hold
// independent slices. Returns the destination ETag.
func (b *MemoryBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, found := b.objects[objectKey(srcBucket, srcKey)]
	if !found {
		return "", fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
	}

	dataCopy := make([]byte, len(obj.Data))
	copy(dataCopy, obj.Data)

	b.objects[objectKey(dstBucket, dstKey)] = memObject{Data: dataCopy, ETag: obj.ETag}
	return obj.ETag, nil
}

// PutPart stages a single multipart upload part in memory and returns the
// bytes read and the part ETag.
func (b *MemoryBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading part data: %w", err)
	}

	etag := computeETag(data)

	b.mu.Lock()
	b.parts[partKey(uploadID, partNumber)] = memObject{Data: data, ETag: etag}
	b.mu.Unlock()

	return int64(len(data)), etag, nil
}

// AssembleParts concatenates the staged parts in the given order into the
// final object, removes the staged parts, and returns the composite ETag.
func (b *MemoryBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var assembled []byte
	compositeMD5 := md5.New()

	for _, pn := range partNumbers {
		part, found := b.parts[partKey(uploadID, pn)]
		if !found {
			return "", fmt.Errorf("part not found: uploadID=%s partNumber=%d", uploadID, pn)
		}
		assembled = append(assembled, part.Data...)

		partHash := md5.Sum(part.Data)
		compositeMD5.Write(partHash[:])
	}

	b.removePartsLocked(uploadID)

	etag := fmt.Sprintf(`"%x-%d"`, compositeMD5.Sum(nil), len(partNumbers))
	b.objects[objectKey(bucket, key)] = memObject{Data: assembled, ETag: etag}

	return etag, nil
}

// DeleteParts removes all staged parts for the given multipart upload.
func (b *MemoryBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	b.mu.Lock()
	b.removePartsLocked(uploadID)
	b.mu.Unlock()
	return nil
}

// removePartsLocked removes all parts matching the given uploadID. The
// caller must hold b.mu.
func (b *MemoryBackend) removePartsLocked(uploadID string) {
	prefix := uploadID + "\x00"
	for k := range b.parts {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(b.parts, k)
		}
	}
}

// CreateBucket is a no-op: bucket existence is tracked by the metadata store.
func (b *MemoryBackend) CreateBucket(ctx context.Context, bucket string) error {
	return nil
}

// DeleteBucket is a no-op: bucket existence is tracked by the metadata store.
func (b *MemoryBackend) DeleteBucket(ctx context.Context, bucket string) error {
	return nil
}

// ObjectExists checks whether an object is present in memory.
func (b *MemoryBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	b.mu.RLock()
	_, found := b.objects[objectKey(bucket, key)]
	b.mu.RUnlock()
	return found, nil
}

// HealthCheck always succeeds: there is no external dependency to verify.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

var _ StorageBackend = (*MemoryBackend)(nil)
