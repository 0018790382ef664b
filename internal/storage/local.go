package storage

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sandbucket/sandbucket/internal/uid"
)

// payloadSuffix is appended to every object's filesystem path. It keeps the
// key namespace injective on disk: the keys "a", "a/" and "a/b" map to
// distinct paths ("a" a file, "a/" a file inside directory a) that can all
// exist at once, which a bare key-to-path mapping cannot represent.
const payloadSuffix = "._sandbucket_object"

// internalDir holds sandbucket housekeeping state under the storage root:
// the temp area for atomic writes and the staging area for multipart parts.
// Top-level entries other than internalDir are bucket directories.
const internalDir = ".sandbucket"

// LocalBackend stores object payloads as files under a root directory, one
// subdirectory per bucket, with slash-separated keys mapped to nested paths.
type LocalBackend struct {
	// RootDir is the base directory under which all bucket data is stored.
	RootDir string
}

// NewLocalBackend creates a LocalBackend rooted at the given directory,
// creating the root and its housekeeping directories if needed.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	for _, sub := range []string{"tmp", "uploads"} {
		dir := filepath.Join(rootDir, internalDir, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %q: %w", dir, err)
		}
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the temp area. Called on startup as
// part of crash-only recovery: any temp files left behind indicate writes
// interrupted by a previous crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, internalDir, "tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// objectPath returns the filesystem path for an object payload. Keys whose
// cleaned path would escape the bucket directory are rejected.
func (b *LocalBackend) objectPath(bucket, key string) (string, error) {
	bucketDir := filepath.Join(b.RootDir, bucket)
	path := filepath.Join(bucketDir, filepath.FromSlash(key)+payloadSuffix)
	if !strings.HasPrefix(path, bucketDir+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q resolves outside bucket directory", key)
	}
	return path, nil
}

// tempPath returns a unique temporary file path in the temp area.
func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, internalDir, "tmp", "tmp-"+uid.New())
}

// partDir returns the staging directory for a multipart upload.
func (b *LocalBackend) partDir(uploadID string) string {
	return filepath.Join(b.RootDir, internalDir, "uploads", uploadID)
}

// writeTemp streams reader into a fsynced file in the temp area and returns
// its path, the bytes written, and the MD5 digest of the data.
func (b *LocalBackend) writeTemp(reader io.Reader) (string, int64, []byte, error) {
	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, nil, fmt.Errorf("creating temp file: %w", err)
	}

	// Hash while writing via TeeReader.
	h := md5.New()
	tee := io.TeeReader(reader, h)

	bytesWritten, err := io.Copy(tmpFile, tee)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, nil, fmt.Errorf("writing data: %w", err)
	}

	// Fsync before rename to guarantee durability.
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, nil, fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, nil, fmt.Errorf("closing temp file: %w", err)
	}

	return tmpPath, bytesWritten, h.Sum(nil), nil
}

// writeAtomic streams reader into a temp file, fsyncs it, and renames it to
// dst. It returns the bytes written and the MD5 digest of the data.
func (b *LocalBackend) writeAtomic(dst string, reader io.Reader) (int64, []byte, error) {
	tmpPath, bytesWritten, sum, err := b.writeTemp(reader)
	if err != nil {
		return 0, nil, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return bytesWritten, sum, nil
}

// PutObject writes an object payload using the crash-only atomic write
// pattern: write to temp file, fsync, rename. Returns the number of bytes
// written and the quoted MD5 ETag.
func (b *LocalBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return 0, "", err
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return 0, "", fmt.Errorf("creating parent directories for %q/%q: %w", bucket, key, err)
	}

	bytesWritten, sum, err := b.writeAtomic(objPath, reader)
	if err != nil {
		return 0, "", err
	}

	return bytesWritten, fmt.Sprintf(`"%x"`, sum), nil
}

// localStaged is a payload sitting in the temp area, waiting for Commit to
// rename it into place.
type localStaged struct {
	tmpPath string
	dstPath string
	written int64
	etag    string
}

func (s *localStaged) Written() int64 { return s.written }
func (s *localStaged) ETag() string   { return s.etag }

func (s *localStaged) Commit() error {
	if err := os.MkdirAll(filepath.Dir(s.dstPath), 0o755); err != nil {
		os.Remove(s.tmpPath)
		return fmt.Errorf("creating parent directories: %w", err)
	}
	if err := os.Rename(s.tmpPath, s.dstPath); err != nil {
		os.Remove(s.tmpPath)
		return fmt.Errorf("renaming staged payload: %w", err)
	}
	return nil
}

func (s *localStaged) Discard() error {
	if err := os.Remove(s.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing staged payload: %w", err)
	}
	return nil
}

// StageObject writes the payload to the temp area without touching any
// previous payload for the key. A failed validation can Discard the stage
// and leave the existing object exactly as it was.
func (b *LocalBackend) StageObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (StagedObject, error) {
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	tmpPath, bytesWritten, sum, err := b.writeTemp(reader)
	if err != nil {
		return nil, err
	}
	return &localStaged{
		tmpPath: tmpPath,
		dstPath: objPath,
		written: bytesWritten,
		etag:    fmt.Sprintf(`"%x"`, sum),
	}, nil
}

// GetObject opens the payload file for reading. The open file handle is a
// stable snapshot on POSIX filesystems: a concurrent overwrite renames a new
// file into place while the reader keeps the old inode. The ETag return is
// empty; the metadata store holds the authoritative ETag.
func (b *LocalBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, 0, "", err
	}

	file, err := os.Open(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, "", fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, "", fmt.Errorf("opening object file %q/%q: %w", bucket, key, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, "", fmt.Errorf("stat object file %q/%q: %w", bucket, key, err)
	}

	return file, info.Size(), "", nil
}

// DeleteObject removes the payload file. Idempotent: deleting a non-existent
// payload is not an error. Empty parent directories are removed up to the
// bucket root so deleted prefixes leave no ghost directories behind.
func (b *LocalBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}

	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object file %q/%q: %w", bucket, key, err)
	}

	cleanEmptyParents(filepath.Dir(objPath), filepath.Join(b.RootDir, bucket))
	return nil
}

// CopyObject copies a payload from source to destination using the atomic
// write pattern. Returns the destination ETag.
func (b *LocalBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	srcPath, err := b.objectPath(srcBucket, srcKey)
	if err != nil {
		return "", err
	}

	srcFile, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
		}
		return "", fmt.Errorf("opening source object: %w", err)
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source object: %w", err)
	}

	_, etag, err := b.PutObject(ctx, dstBucket, dstKey, srcFile, info.Size())
	if err != nil {
		return "", fmt.Errorf("copying object data: %w", err)
	}

	return etag, nil
}

// PutPart stages a single multipart upload part in the uploads area. The
// returned byte count is the authoritative part size; the request's declared
// Content-Length is absent for chunked uploads.
func (b *LocalBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (int64, string, error) {
	partDir := b.partDir(uploadID)
	if err := os.MkdirAll(partDir, 0o755); err != nil {
		return 0, "", fmt.Errorf("creating part directory: %w", err)
	}

	partPath := filepath.Join(partDir, fmt.Sprintf("%05d", partNumber))

	bytesWritten, sum, err := b.writeAtomic(partPath, reader)
	if err != nil {
		return 0, "", err
	}

	return bytesWritten, fmt.Sprintf(`"%x"`, sum), nil
}

// AssembleParts concatenates the staged parts in the given order into the
// final object payload and removes the staging directory. The composite ETag
// is the MD5 of the concatenated part digests followed by "-N".
func (b *LocalBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, error) {
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", fmt.Errorf("creating parent directories: %w", err)
	}

	partDir := b.partDir(uploadID)
	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file for assembly: %w", err)
	}

	compositeMD5 := md5.New()
	for _, pn := range partNumbers {
		partPath := filepath.Join(partDir, fmt.Sprintf("%05d", pn))
		partFile, err := os.Open(partPath)
		if err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return "", fmt.Errorf("opening part %d: %w", pn, err)
		}

		partHash := md5.New()
		tee := io.TeeReader(partFile, partHash)
		if _, err := io.Copy(tmpFile, tee); err != nil {
			partFile.Close()
			tmpFile.Close()
			os.Remove(tmpPath)
			return "", fmt.Errorf("copying part %d: %w", pn, err)
		}
		partFile.Close()

		compositeMD5.Write(partHash.Sum(nil))
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing assembled file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing assembled temp file: %w", err)
	}

	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming assembled file: %w", err)
	}

	etag := fmt.Sprintf(`"%x-%d"`, compositeMD5.Sum(nil), len(partNumbers))

	os.RemoveAll(partDir)

	return etag, nil
}

// DeleteParts removes all staged part files for the given multipart upload.
func (b *LocalBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	partDir := b.partDir(uploadID)
	if err := os.RemoveAll(partDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing part directory %q: %w", partDir, err)
	}
	return nil
}

// CreateBucket creates a directory for the bucket under the root directory.
func (b *LocalBackend) CreateBucket(ctx context.Context, bucket string) error {
	bucketDir := filepath.Join(b.RootDir, bucket)
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		return fmt.Errorf("creating bucket directory %q: %w", bucketDir, err)
	}
	return nil
}

// DeleteBucket removes the bucket directory. The directory must be empty.
func (b *LocalBackend) DeleteBucket(ctx context.Context, bucket string) error {
	bucketDir := filepath.Join(b.RootDir, bucket)
	// os.Remove only removes empty directories, which is the desired behavior.
	err := os.Remove(bucketDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing bucket directory %q: %w", bucketDir, err)
	}
	return nil
}

// ObjectExists checks whether a payload file exists for bucket/key.
func (b *LocalBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(objPath)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking object existence %q/%q: %w", bucket, key, err)
}

// HealthCheck verifies that the storage root directory is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

// cleanEmptyParents removes empty directories starting from dir up to (but
// not including) stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

var _ StorageBackend = (*LocalBackend)(nil)
