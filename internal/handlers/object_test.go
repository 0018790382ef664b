package handlers

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sandbucket/sandbucket/internal/metadata"
	"github.com/sandbucket/sandbucket/internal/storage"
)

// newTestStores creates a real SQLite metadata store and a local filesystem
// storage backend, both rooted in temp dirs.
func newTestStores(t *testing.T) (metadata.MetadataStore, storage.StorageBackend) {
	t.Helper()

	dbPath := t.TempDir() + "/test.db"
	meta, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	store, err := storage.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}

	return meta, store
}

// newTestObjectHandler creates an ObjectHandler plus a pre-existing
// test-bucket for use in object tests.
func newTestObjectHandler(t *testing.T) *ObjectHandler {
	t.Helper()

	meta, store := newTestStores(t)

	bucket := &metadata.BucketRecord{
		Name:         "test-bucket",
		Region:       "us-east-1",
		OwnerID:      "sandbucket",
		OwnerDisplay: "sandbucket",
	}
	if err := meta.CreateBucket(context.Background(), bucket); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}
	if err := store.CreateBucket(context.Background(), "test-bucket"); err != nil {
		t.Fatalf("CreateBucket storage failed: %v", err)
	}

	return NewObjectHandler(meta, store, nil, nil, "sandbucket", "sandbucket")
}

func TestPutAndGetObject(t *testing.T) {
	h := newTestObjectHandler(t)

	// PutObject
	body := "Hello, Sandbucket!"
	req := httptest.NewRequest("PUT", "/test-bucket/hello.txt", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusOK {
		respBody, _ := io.ReadAll(rec.Body)
		t.Fatalf("PutObject status = %d, want %d; body: %s", rec.Code, http.StatusOK, respBody)
	}

	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("PutObject: missing ETag header")
	}
	if !strings.HasPrefix(etag, `"`) || !strings.HasSuffix(etag, `"`) {
		t.Errorf("PutObject: ETag not quoted: %q", etag)
	}

	// GetObject
	req = httptest.NewRequest("GET", "/test-bucket/hello.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusOK {
		respBody, _ := io.ReadAll(rec.Body)
		t.Fatalf("GetObject status = %d, want %d; body: %s", rec.Code, http.StatusOK, respBody)
	}

	gotBody := rec.Body.String()
	if gotBody != body {
		t.Errorf("GetObject body = %q, want %q", gotBody, body)
	}

	gotETag := rec.Header().Get("ETag")
	if gotETag != etag {
		t.Errorf("GetObject ETag = %q, want %q", gotETag, etag)
	}

	gotCT := rec.Header().Get("Content-Type")
	if gotCT != "text/plain" {
		t.Errorf("GetObject Content-Type = %q, want %q", gotCT, "text/plain")
	}

	gotCL := rec.Header().Get("Content-Length")
	if gotCL != "18" {
		t.Errorf("GetObject Content-Length = %q, want %q", gotCL, "18")
	}

	if rec.Header().Get("Last-Modified") == "" {
		t.Error("GetObject: missing Last-Modified header")
	}

	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Errorf("GetObject Accept-Ranges = %q, want %q", rec.Header().Get("Accept-Ranges"), "bytes")
	}
}

func TestPutObjectETagIsMD5(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "Hello!"
	req := httptest.NewRequest("PUT", "/test-bucket/md5.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	want := `"952d2c56d0485958336747bcdd98590d"`
	if got := rec.Header().Get("ETag"); got != want {
		t.Errorf("ETag = %q, want %q", got, want)
	}
}

func TestPutObjectKeysWithTrailingSlashDistinct(t *testing.T) {
	h := newTestObjectHandler(t)

	for key, body := range map[string]string{"text": "plain", "text/": "slashed"} {
		req := httptest.NewRequest("PUT", "/test-bucket/"+key, strings.NewReader(body))
		req.ContentLength = int64(len(body))
		rec := httptest.NewRecorder()
		h.PutObject(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("PutObject %q status = %d; body: %s", key, rec.Code, rec.Body.String())
		}
	}

	req := httptest.NewRequest("GET", "/test-bucket/text", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "plain" {
		t.Errorf("GetObject(text) = %d %q, want 200 %q", rec.Code, rec.Body.String(), "plain")
	}

	req = httptest.NewRequest("GET", "/test-bucket/text/", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "slashed" {
		t.Errorf("GetObject(text/) = %d %q, want 200 %q", rec.Code, rec.Body.String(), "slashed")
	}
}

func TestPutObjectBadDigest(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "digest check"
	req := httptest.NewRequest("PUT", "/test-bucket/digest.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	// Valid base64 of a 16-byte value that is not the body's MD5.
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(make([]byte, 16)))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("PutObject status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "BadDigest") {
		t.Errorf("expected BadDigest error, got: %s", rec.Body.String())
	}

	// The object must not exist afterwards.
	req = httptest.NewRequest("GET", "/test-bucket/digest.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GetObject after BadDigest status = %d, want 404", rec.Code)
	}
}

func TestPutObjectBadDigestKeepsExisting(t *testing.T) {
	h := newTestObjectHandler(t)

	// First version stored cleanly.
	original := "version-one"
	req := httptest.NewRequest("PUT", "/test-bucket/keep.txt", strings.NewReader(original))
	req.ContentLength = int64(len(original))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d, want 200", rec.Code)
	}

	// Overwrite attempt with a digest that cannot match.
	replacement := "version-two"
	req = httptest.NewRequest("PUT", "/test-bucket/keep.txt", strings.NewReader(replacement))
	req.ContentLength = int64(len(replacement))
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(make([]byte, 16)))
	rec = httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("PutObject status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "BadDigest") {
		t.Fatalf("expected BadDigest error, got: %s", rec.Body.String())
	}

	// The original payload survives the rejected overwrite.
	req = httptest.NewRequest("GET", "/test-bucket/keep.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject after rejected overwrite status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != original {
		t.Errorf("GetObject body = %q, want %q", got, original)
	}
}

func TestPutObjectInvalidDigest(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "digest check"
	req := httptest.NewRequest("PUT", "/test-bucket/digest.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-MD5", "not base64!!!")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("PutObject status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "InvalidDigest") {
		t.Errorf("expected InvalidDigest error, got: %s", rec.Body.String())
	}
}

func TestPutObjectIncompleteBody(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "short"
	req := httptest.NewRequest("PUT", "/test-bucket/incomplete.txt", strings.NewReader(body))
	// Declare more bytes than the body carries.
	req.ContentLength = int64(len(body)) + 10
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("PutObject status = %d, want %d; body: %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "IncompleteBody") {
		t.Errorf("expected IncompleteBody error, got: %s", rec.Body.String())
	}
}

func TestPutObjectKeyTooLong(t *testing.T) {
	h := newTestObjectHandler(t)

	key := strings.Repeat("k", maxKeyLength+1)
	req := httptest.NewRequest("PUT", "/test-bucket/"+key, strings.NewReader("x"))
	req.ContentLength = 1
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("PutObject status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "KeyTooLongError") {
		t.Errorf("expected KeyTooLongError, got: %s", rec.Body.String())
	}
}

func TestHeadObject(t *testing.T) {
	h := newTestObjectHandler(t)

	// Put an object first.
	body := "Head test content"
	req := httptest.NewRequest("PUT", "/test-bucket/head-test.txt", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}
	etag := rec.Header().Get("ETag")

	// HeadObject
	req = httptest.NewRequest("HEAD", "/test-bucket/head-test.txt", nil)
	rec = httptest.NewRecorder()
	h.HeadObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("HeadObject status = %d, want %d", rec.Code, http.StatusOK)
	}

	// HEAD should not have a body.
	if rec.Body.Len() != 0 {
		t.Errorf("HeadObject body should be empty, got %d bytes", rec.Body.Len())
	}

	if rec.Header().Get("ETag") != etag {
		t.Errorf("HeadObject ETag = %q, want %q", rec.Header().Get("ETag"), etag)
	}

	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("HeadObject Content-Type = %q, want %q", rec.Header().Get("Content-Type"), "text/plain")
	}

	if rec.Header().Get("Content-Length") != "17" {
		t.Errorf("HeadObject Content-Length = %q, want %q", rec.Header().Get("Content-Length"), "17")
	}

	if rec.Header().Get("Last-Modified") == "" {
		t.Error("HeadObject: missing Last-Modified header")
	}

	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Errorf("HeadObject Accept-Ranges = %q, want %q", rec.Header().Get("Accept-Ranges"), "bytes")
	}
}

func TestHeadObjectNotFound(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("HEAD", "/test-bucket/nonexistent.txt", nil)
	rec := httptest.NewRecorder()
	h.HeadObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("HeadObject status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	// HEAD errors carry no XML body.
	if rec.Body.Len() != 0 {
		t.Errorf("HeadObject error body should be empty, got %q", rec.Body.String())
	}
}

func TestGetObjectNotFound(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("GET", "/test-bucket/nonexistent.txt", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("GetObject status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "NoSuchKey") {
		t.Errorf("GetObject body missing NoSuchKey: %s", body)
	}
}

func TestGetObjectNoSuchBucket(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("GET", "/nonexistent-bucket/key.txt", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("GetObject status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "NoSuchBucket") {
		t.Errorf("GetObject body missing NoSuchBucket: %s", body)
	}
}

func TestDeleteObject(t *testing.T) {
	h := newTestObjectHandler(t)

	// Put an object.
	body := "Delete me"
	req := httptest.NewRequest("PUT", "/test-bucket/delete-me.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// Delete the object.
	req = httptest.NewRequest("DELETE", "/test-bucket/delete-me.txt", nil)
	rec = httptest.NewRecorder()
	h.DeleteObject(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("DeleteObject status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	// Verify it's gone.
	req = httptest.NewRequest("GET", "/test-bucket/delete-me.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("GetObject after delete status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestDeleteObjectIdempotent(t *testing.T) {
	h := newTestObjectHandler(t)

	// Delete a non-existent object: S3 returns 204.
	req := httptest.NewRequest("DELETE", "/test-bucket/never-existed.txt", nil)
	rec := httptest.NewRecorder()
	h.DeleteObject(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("DeleteObject (non-existent) status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestPutObjectOverwrite(t *testing.T) {
	h := newTestObjectHandler(t)

	// Put first version.
	body1 := "version 1"
	req := httptest.NewRequest("PUT", "/test-bucket/overwrite.txt", strings.NewReader(body1))
	req.ContentLength = int64(len(body1))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("First PutObject status = %d", rec.Code)
	}
	etag1 := rec.Header().Get("ETag")

	// Put second version.
	body2 := "version 2 (different content)"
	req = httptest.NewRequest("PUT", "/test-bucket/overwrite.txt", strings.NewReader(body2))
	req.ContentLength = int64(len(body2))
	rec = httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Second PutObject status = %d", rec.Code)
	}
	etag2 := rec.Header().Get("ETag")

	// ETags should differ.
	if etag1 == etag2 {
		t.Errorf("ETags should differ: %q == %q", etag1, etag2)
	}

	// Get should return second version.
	req = httptest.NewRequest("GET", "/test-bucket/overwrite.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject status = %d", rec.Code)
	}
	if rec.Body.String() != body2 {
		t.Errorf("GetObject body = %q, want %q", rec.Body.String(), body2)
	}
}

func TestPutObjectWithUserMetadata(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "metadata test"
	req := httptest.NewRequest("PUT", "/test-bucket/with-meta.txt", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("x-amz-meta-author", "tester")
	req.Header.Set("x-amz-meta-version", "42")
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusOK {
		respBody, _ := io.ReadAll(rec.Body)
		t.Fatalf("PutObject status = %d; body: %s", rec.Code, respBody)
	}

	// HeadObject to check metadata headers.
	req = httptest.NewRequest("HEAD", "/test-bucket/with-meta.txt", nil)
	rec = httptest.NewRecorder()
	h.HeadObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("HeadObject status = %d", rec.Code)
	}

	if rec.Header().Get("x-amz-meta-author") != "tester" {
		t.Errorf("x-amz-meta-author = %q, want %q", rec.Header().Get("x-amz-meta-author"), "tester")
	}
	if rec.Header().Get("x-amz-meta-version") != "42" {
		t.Errorf("x-amz-meta-version = %q, want %q", rec.Header().Get("x-amz-meta-version"), "42")
	}
}

func TestPutObjectDefaultContentType(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "no content type specified"
	req := httptest.NewRequest("PUT", "/test-bucket/no-ct.bin", strings.NewReader(body))
	// Do NOT set Content-Type header.
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// HeadObject to check content type.
	req = httptest.NewRequest("HEAD", "/test-bucket/no-ct.bin", nil)
	rec = httptest.NewRecorder()
	h.HeadObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("HeadObject status = %d", rec.Code)
	}

	ct := rec.Header().Get("Content-Type")
	if ct != "binary/octet-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "binary/octet-stream")
	}
}

func TestPutObjectNestedKey(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "nested object"
	req := httptest.NewRequest("PUT", "/test-bucket/path/to/deep/object.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusOK {
		respBody, _ := io.ReadAll(rec.Body)
		t.Fatalf("PutObject status = %d; body: %s", rec.Code, respBody)
	}

	// Get the nested object.
	req = httptest.NewRequest("GET", "/test-bucket/path/to/deep/object.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject status = %d", rec.Code)
	}
	if rec.Body.String() != body {
		t.Errorf("GetObject body = %q, want %q", rec.Body.String(), body)
	}
}

func TestPutObjectEmptyBody(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("PUT", "/test-bucket/empty.txt", strings.NewReader(""))
	req.ContentLength = 0
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusOK {
		respBody, _ := io.ReadAll(rec.Body)
		t.Fatalf("PutObject (empty) status = %d; body: %s", rec.Code, respBody)
	}

	// HeadObject should show size 0.
	req = httptest.NewRequest("HEAD", "/test-bucket/empty.txt", nil)
	rec = httptest.NewRecorder()
	h.HeadObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("HeadObject status = %d", rec.Code)
	}

	if rec.Header().Get("Content-Length") != "0" {
		t.Errorf("Content-Length = %q, want %q", rec.Header().Get("Content-Length"), "0")
	}
}

func TestGetObjectResponseOverrides(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "override test"
	req := httptest.NewRequest("PUT", "/test-bucket/override.txt", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/test-bucket/override.txt?response-content-type=application/json&response-content-disposition=attachment", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment" {
		t.Errorf("Content-Disposition = %q, want %q", cd, "attachment")
	}
}

func TestExtractObjectKey(t *testing.T) {
	tests := []struct {
		path    string
		wantKey string
	}{
		{"/bucket/key", "key"},
		{"/bucket/path/to/key", "path/to/key"},
		{"/bucket/key/", "key/"},
		{"/bucket/", ""},
		{"/bucket", ""},
		{"/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			got := extractObjectKey(req)
			if got != tt.wantKey {
				t.Errorf("extractObjectKey(%q) = %q, want %q", tt.path, got, tt.wantKey)
			}
		})
	}
}

func TestExtractUserMetadata(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Amz-Meta-Author", "tester")
	req.Header.Set("X-Amz-Meta-Version", "42")
	req.Header.Set("Content-Type", "text/plain")

	meta := extractUserMetadata(req)

	if meta == nil {
		t.Fatal("extractUserMetadata returned nil")
	}
	if meta["author"] != "tester" {
		t.Errorf("meta[author] = %q, want %q", meta["author"], "tester")
	}
	if meta["version"] != "42" {
		t.Errorf("meta[version] = %q, want %q", meta["version"], "42")
	}
	if _, ok := meta["content-type"]; ok {
		t.Error("extractUserMetadata should not include non-meta headers")
	}
}

func TestExtractUserMetadataEmpty(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Content-Type", "text/plain")

	meta := extractUserMetadata(req)
	if meta != nil {
		t.Errorf("extractUserMetadata with no meta headers should return nil, got %v", meta)
	}
}

// --- CopyObject ---

func TestCopyObject(t *testing.T) {
	h := newTestObjectHandler(t)

	// Put a source object.
	body := "copy me"
	req := httptest.NewRequest("PUT", "/test-bucket/original.txt", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// CopyObject (COPY directive, default).
	req = httptest.NewRequest("PUT", "/test-bucket/copy.txt", nil)
	req.Header.Set("X-Amz-Copy-Source", "/test-bucket/original.txt")
	rec = httptest.NewRecorder()
	h.CopyObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("CopyObject status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "CopyObjectResult") {
		t.Errorf("CopyObject response missing CopyObjectResult: %s", respBody)
	}
	if !strings.Contains(respBody, "ETag") {
		t.Errorf("CopyObject response missing ETag: %s", respBody)
	}
	if !strings.Contains(respBody, "LastModified") {
		t.Errorf("CopyObject response missing LastModified: %s", respBody)
	}

	// Verify copy content.
	req = httptest.NewRequest("GET", "/test-bucket/copy.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject (copy) status = %d", rec.Code)
	}
	if rec.Body.String() != body {
		t.Errorf("GetObject (copy) body = %q, want %q", rec.Body.String(), body)
	}

	// Verify copied metadata: Content-Type should match source.
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("GetObject (copy) Content-Type = %q, want %q", rec.Header().Get("Content-Type"), "text/plain")
	}
}

func TestCopyObjectWithReplaceDirective(t *testing.T) {
	h := newTestObjectHandler(t)

	// Put source with metadata.
	body := "data for replace"
	req := httptest.NewRequest("PUT", "/test-bucket/src.txt", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("x-amz-meta-original", "true")
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// CopyObject with REPLACE directive.
	req = httptest.NewRequest("PUT", "/test-bucket/dst.txt", nil)
	req.Header.Set("X-Amz-Copy-Source", "/test-bucket/src.txt")
	req.Header.Set("x-amz-metadata-directive", "REPLACE")
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("x-amz-meta-copied", "true")
	rec = httptest.NewRecorder()
	h.CopyObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("CopyObject (REPLACE) status = %d; body: %s", rec.Code, rec.Body.String())
	}

	// Verify destination metadata: should have new content type and new metadata.
	req = httptest.NewRequest("HEAD", "/test-bucket/dst.txt", nil)
	rec = httptest.NewRecorder()
	h.HeadObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("HeadObject status = %d", rec.Code)
	}

	if rec.Header().Get("Content-Type") != "text/csv" {
		t.Errorf("Content-Type = %q, want %q", rec.Header().Get("Content-Type"), "text/csv")
	}
	if rec.Header().Get("x-amz-meta-copied") != "true" {
		t.Errorf("x-amz-meta-copied = %q, want %q", rec.Header().Get("x-amz-meta-copied"), "true")
	}
	// Original metadata should NOT be present (replaced).
	if rec.Header().Get("x-amz-meta-original") != "" {
		t.Errorf("x-amz-meta-original should be empty, got %q", rec.Header().Get("x-amz-meta-original"))
	}
}

func TestCopyObjectToSelfWithoutChanges(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "self copy"
	req := httptest.NewRequest("PUT", "/test-bucket/self.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// Copy onto itself without REPLACE: S3 rejects this.
	req = httptest.NewRequest("PUT", "/test-bucket/self.txt", nil)
	req.Header.Set("X-Amz-Copy-Source", "/test-bucket/self.txt")
	rec = httptest.NewRecorder()
	h.CopyObject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("CopyObject (self) status = %d, want %d; body: %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "InvalidRequest") {
		t.Errorf("expected InvalidRequest, got: %s", rec.Body.String())
	}

	// With REPLACE the self-copy is allowed.
	req = httptest.NewRequest("PUT", "/test-bucket/self.txt", nil)
	req.Header.Set("X-Amz-Copy-Source", "/test-bucket/self.txt")
	req.Header.Set("x-amz-metadata-directive", "REPLACE")
	req.Header.Set("Content-Type", "text/markdown")
	rec = httptest.NewRecorder()
	h.CopyObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("CopyObject (self, REPLACE) status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
}

func TestCopyObjectNonexistentSource(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("PUT", "/test-bucket/dst.txt", nil)
	req.Header.Set("X-Amz-Copy-Source", "/test-bucket/nonexistent.txt")
	rec := httptest.NewRecorder()
	h.CopyObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("CopyObject (nonexistent source) status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchKey") {
		t.Errorf("CopyObject body should contain NoSuchKey: %s", rec.Body.String())
	}
}

func TestCopyObjectInvalidSource(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("PUT", "/test-bucket/dst.txt", nil)
	req.Header.Set("X-Amz-Copy-Source", "")
	rec := httptest.NewRecorder()
	h.CopyObject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("CopyObject (invalid source) status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// --- DeleteObjects ---

func TestDeleteObjects(t *testing.T) {
	h := newTestObjectHandler(t)

	// Create 3 objects.
	for _, key := range []string{"a.txt", "b.txt", "c.txt"} {
		body := "data"
		req := httptest.NewRequest("PUT", "/test-bucket/"+key, strings.NewReader(body))
		req.ContentLength = int64(len(body))
		rec := httptest.NewRecorder()
		h.PutObject(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("PutObject %s status = %d", key, rec.Code)
		}
	}

	// DeleteObjects request.
	xmlBody := `<?xml version="1.0" encoding="UTF-8"?>
<Delete>
  <Object><Key>a.txt</Key></Object>
  <Object><Key>b.txt</Key></Object>
  <Object><Key>c.txt</Key></Object>
</Delete>`
	req := httptest.NewRequest("POST", "/test-bucket?delete", strings.NewReader(xmlBody))
	rec := httptest.NewRecorder()
	h.DeleteObjects(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("DeleteObjects status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "DeleteResult") {
		t.Errorf("DeleteObjects response missing DeleteResult: %s", respBody)
	}

	// Verify all keys are reported as deleted.
	for _, key := range []string{"a.txt", "b.txt", "c.txt"} {
		if !strings.Contains(respBody, "<Key>"+key+"</Key>") {
			t.Errorf("DeleteObjects response missing key %q: %s", key, respBody)
		}
	}

	// Verify objects are actually gone.
	for _, key := range []string{"a.txt", "b.txt", "c.txt"} {
		req := httptest.NewRequest("GET", "/test-bucket/"+key, nil)
		rec := httptest.NewRecorder()
		h.GetObject(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GetObject %s after delete status = %d, want 404", key, rec.Code)
		}
	}
}

func TestDeleteObjectsQuietMode(t *testing.T) {
	h := newTestObjectHandler(t)

	// Create an object.
	body := "quiet test"
	req := httptest.NewRequest("PUT", "/test-bucket/quiet.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// DeleteObjects in quiet mode.
	xmlBody := `<?xml version="1.0" encoding="UTF-8"?>
<Delete>
  <Quiet>true</Quiet>
  <Object><Key>quiet.txt</Key></Object>
</Delete>`
	req = httptest.NewRequest("POST", "/test-bucket?delete", strings.NewReader(xmlBody))
	rec = httptest.NewRecorder()
	h.DeleteObjects(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("DeleteObjects (quiet) status = %d; body: %s", rec.Code, rec.Body.String())
	}

	respBody := rec.Body.String()
	// In quiet mode, successful deletes should NOT be listed.
	if strings.Contains(respBody, "<Deleted>") {
		t.Errorf("DeleteObjects (quiet) should not contain <Deleted>: %s", respBody)
	}
	// Errors should also not be present (we expect success).
	if strings.Contains(respBody, "<Error>") {
		t.Errorf("DeleteObjects (quiet) should not contain <Error>: %s", respBody)
	}
}

func TestDeleteObjectsMalformedXML(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("POST", "/test-bucket?delete", strings.NewReader("not xml"))
	rec := httptest.NewRecorder()
	h.DeleteObjects(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("DeleteObjects (malformed XML) status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "MalformedXML") {
		t.Errorf("DeleteObjects body should contain MalformedXML: %s", rec.Body.String())
	}
}

func TestDeleteObjectsEmptyList(t *testing.T) {
	h := newTestObjectHandler(t)

	xmlBody := `<?xml version="1.0" encoding="UTF-8"?><Delete></Delete>`
	req := httptest.NewRequest("POST", "/test-bucket?delete", strings.NewReader(xmlBody))
	rec := httptest.NewRecorder()
	h.DeleteObjects(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("DeleteObjects (empty list) status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "MalformedXML") {
		t.Errorf("DeleteObjects body should contain MalformedXML: %s", rec.Body.String())
	}
}

// --- ListObjectsV2 ---

func putTestObjects(t *testing.T, h *ObjectHandler, keys []string) {
	t.Helper()
	for _, key := range keys {
		body := "data for " + key
		req := httptest.NewRequest("PUT", "/test-bucket/"+key, strings.NewReader(body))
		req.ContentLength = int64(len(body))
		rec := httptest.NewRecorder()
		h.PutObject(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("PutObject %s status = %d; body: %s", key, rec.Code, rec.Body.String())
		}
	}
}

func TestListObjectsV2(t *testing.T) {
	h := newTestObjectHandler(t)

	keys := []string{
		"file1.txt",
		"file2.txt",
		"photos/2024/jan/photo1.jpg",
		"photos/2024/jan/photo2.jpg",
		"photos/2024/feb/photo3.jpg",
		"photos/2025/mar/photo4.jpg",
		"docs/readme.md",
		"docs/guide.md",
	}
	putTestObjects(t, h, keys)

	req := httptest.NewRequest("GET", "/test-bucket?list-type=2", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjectsV2 status = %d; body: %s", rec.Code, rec.Body.String())
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "ListBucketResult") {
		t.Errorf("ListObjectsV2 response missing ListBucketResult: %s", respBody)
	}
	if !strings.Contains(respBody, "<KeyCount>8</KeyCount>") {
		t.Errorf("ListObjectsV2 KeyCount should be 8: %s", respBody)
	}

	// Verify all keys present.
	for _, key := range keys {
		if !strings.Contains(respBody, "<Key>"+key+"</Key>") {
			t.Errorf("ListObjectsV2 missing key %q: %s", key, respBody)
		}
	}
}

func TestListObjectsV2WithPrefix(t *testing.T) {
	h := newTestObjectHandler(t)

	keys := []string{
		"file1.txt",
		"file2.txt",
		"photos/2024/jan/photo1.jpg",
		"photos/2024/jan/photo2.jpg",
		"photos/2024/feb/photo3.jpg",
		"photos/2025/mar/photo4.jpg",
		"docs/readme.md",
		"docs/guide.md",
	}
	putTestObjects(t, h, keys)

	req := httptest.NewRequest("GET", "/test-bucket?list-type=2&prefix=photos/", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjectsV2 (prefix) status = %d", rec.Code)
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "<KeyCount>4</KeyCount>") {
		t.Errorf("ListObjectsV2 (prefix) KeyCount should be 4: %s", respBody)
	}
	if strings.Contains(respBody, "<Key>file1.txt</Key>") {
		t.Errorf("ListObjectsV2 (prefix) should not contain file1.txt: %s", respBody)
	}
}

func TestListObjectsV2WithDelimiter(t *testing.T) {
	h := newTestObjectHandler(t)

	keys := []string{
		"file1.txt",
		"file2.txt",
		"photos/2024/jan/photo1.jpg",
		"photos/2024/jan/photo2.jpg",
		"docs/readme.md",
	}
	putTestObjects(t, h, keys)

	req := httptest.NewRequest("GET", "/test-bucket?list-type=2&delimiter=/", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjectsV2 (delimiter) status = %d", rec.Code)
	}

	respBody := rec.Body.String()
	// Should have file1.txt and file2.txt as Contents.
	if !strings.Contains(respBody, "<Key>file1.txt</Key>") {
		t.Errorf("ListObjectsV2 (delimiter) missing file1.txt: %s", respBody)
	}
	if !strings.Contains(respBody, "<Key>file2.txt</Key>") {
		t.Errorf("ListObjectsV2 (delimiter) missing file2.txt: %s", respBody)
	}

	// Should have CommonPrefixes for photos/ and docs/, each exactly once.
	if strings.Count(respBody, "<Prefix>photos/</Prefix>") != 1 {
		t.Errorf("ListObjectsV2 (delimiter) CommonPrefix photos/ should appear once: %s", respBody)
	}
	if strings.Count(respBody, "<Prefix>docs/</Prefix>") != 1 {
		t.Errorf("ListObjectsV2 (delimiter) CommonPrefix docs/ should appear once: %s", respBody)
	}

	// KeyCount counts Contents plus CommonPrefixes.
	if !strings.Contains(respBody, "<KeyCount>4</KeyCount>") {
		t.Errorf("ListObjectsV2 (delimiter) KeyCount should be 4: %s", respBody)
	}
}

func TestListObjectsV2Pagination(t *testing.T) {
	h := newTestObjectHandler(t)

	// Create 5 objects.
	keys := []string{"page-000.txt", "page-001.txt", "page-002.txt", "page-003.txt", "page-004.txt"}
	putTestObjects(t, h, keys)

	// First page: max 2.
	req := httptest.NewRequest("GET", "/test-bucket?list-type=2&max-keys=2", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjectsV2 (page 1) status = %d", rec.Code)
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "<KeyCount>2</KeyCount>") {
		t.Errorf("ListObjectsV2 (page 1) KeyCount should be 2: %s", respBody)
	}
	if !strings.Contains(respBody, "<MaxKeys>2</MaxKeys>") {
		t.Errorf("ListObjectsV2 (page 1) MaxKeys should be 2: %s", respBody)
	}
	if !strings.Contains(respBody, "<IsTruncated>true</IsTruncated>") {
		t.Errorf("ListObjectsV2 (page 1) should be truncated: %s", respBody)
	}
	if !strings.Contains(respBody, "NextContinuationToken") {
		t.Errorf("ListObjectsV2 (page 1) missing NextContinuationToken: %s", respBody)
	}

	// Walk the remaining pages with the continuation token.
	token := base64.StdEncoding.EncodeToString([]byte("page-001.txt"))
	req = httptest.NewRequest("GET", "/test-bucket?list-type=2&max-keys=2&continuation-token="+token, nil)
	rec = httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjectsV2 (page 2) status = %d; body: %s", rec.Code, rec.Body.String())
	}

	respBody = rec.Body.String()
	if !strings.Contains(respBody, "<Key>page-002.txt</Key>") {
		t.Errorf("ListObjectsV2 (page 2) missing page-002.txt: %s", respBody)
	}
	if strings.Contains(respBody, "<Key>page-001.txt</Key>") {
		t.Errorf("ListObjectsV2 (page 2) should not repeat page-001.txt: %s", respBody)
	}
	// The supplied token is echoed back.
	if !strings.Contains(respBody, "<ContinuationToken>"+token+"</ContinuationToken>") {
		t.Errorf("ListObjectsV2 (page 2) missing echoed ContinuationToken: %s", respBody)
	}
}

func TestListObjectsV2InvalidContinuationToken(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("GET", "/test-bucket?list-type=2&continuation-token=%25not-base64", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ListObjectsV2 (bad token) status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "InvalidArgument") {
		t.Errorf("expected InvalidArgument, got: %s", rec.Body.String())
	}
}

func TestListObjectsV2MaxKeysZero(t *testing.T) {
	h := newTestObjectHandler(t)

	putTestObjects(t, h, []string{"a.txt", "b.txt"})

	req := httptest.NewRequest("GET", "/test-bucket?list-type=2&max-keys=0", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjectsV2 (max-keys=0) status = %d", rec.Code)
	}

	respBody := rec.Body.String()
	if strings.Contains(respBody, "<Key>") {
		t.Errorf("ListObjectsV2 (max-keys=0) should have no Contents: %s", respBody)
	}
	if !strings.Contains(respBody, "<IsTruncated>false</IsTruncated>") {
		t.Errorf("ListObjectsV2 (max-keys=0) should not be truncated: %s", respBody)
	}
	if !strings.Contains(respBody, "<KeyCount>0</KeyCount>") {
		t.Errorf("ListObjectsV2 (max-keys=0) KeyCount should be 0: %s", respBody)
	}
}

func TestListObjectsV2MaxKeysEchoedNotClamped(t *testing.T) {
	h := newTestObjectHandler(t)

	putTestObjects(t, h, []string{"a.txt"})

	// Values above 1000 are clamped internally but echoed as supplied.
	req := httptest.NewRequest("GET", "/test-bucket?list-type=2&max-keys=5000", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjectsV2 (max-keys=5000) status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<MaxKeys>5000</MaxKeys>") {
		t.Errorf("MaxKeys should echo 5000: %s", rec.Body.String())
	}
}

func TestListObjectsV2MaxKeysInvalid(t *testing.T) {
	h := newTestObjectHandler(t)

	for _, v := range []string{"abc", "-1"} {
		req := httptest.NewRequest("GET", "/test-bucket?list-type=2&max-keys="+v, nil)
		rec := httptest.NewRecorder()
		h.ListObjectsV2(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("ListObjectsV2 (max-keys=%s) status = %d, want 400", v, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "InvalidArgument") {
			t.Errorf("expected InvalidArgument for max-keys=%s: %s", v, rec.Body.String())
		}
	}
}

func TestListObjectsV2EmptyBucket(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("GET", "/test-bucket?list-type=2", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjectsV2 (empty) status = %d", rec.Code)
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "<KeyCount>0</KeyCount>") {
		t.Errorf("ListObjectsV2 (empty) KeyCount should be 0: %s", respBody)
	}
}

func TestListObjectsV2StartAfter(t *testing.T) {
	h := newTestObjectHandler(t)

	keys := []string{"file1.txt", "file2.txt", "file3.txt", "file4.txt"}
	putTestObjects(t, h, keys)

	req := httptest.NewRequest("GET", "/test-bucket?list-type=2&start-after=file2.txt", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjectsV2 (start-after) status = %d", rec.Code)
	}

	respBody := rec.Body.String()
	// file1.txt and file2.txt should NOT be included.
	if strings.Contains(respBody, "<Key>file1.txt</Key>") {
		t.Errorf("ListObjectsV2 (start-after) should not contain file1.txt: %s", respBody)
	}
	if strings.Contains(respBody, "<Key>file2.txt</Key>") {
		t.Errorf("ListObjectsV2 (start-after) should not contain file2.txt: %s", respBody)
	}
	// file3.txt and file4.txt should be included.
	if !strings.Contains(respBody, "<Key>file3.txt</Key>") {
		t.Errorf("ListObjectsV2 (start-after) should contain file3.txt: %s", respBody)
	}
	if !strings.Contains(respBody, "<Key>file4.txt</Key>") {
		t.Errorf("ListObjectsV2 (start-after) should contain file4.txt: %s", respBody)
	}
	// StartAfter is echoed when no continuation token is supplied.
	if !strings.Contains(respBody, "<StartAfter>file2.txt</StartAfter>") {
		t.Errorf("ListObjectsV2 (start-after) missing StartAfter echo: %s", respBody)
	}
}

func TestListObjectsV2ContentFields(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "test content"
	req := httptest.NewRequest("PUT", "/test-bucket/fields.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/test-bucket?list-type=2", nil)
	rec = httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjectsV2 status = %d", rec.Code)
	}

	respBody := rec.Body.String()
	// Verify each object entry has required fields.
	if !strings.Contains(respBody, "<Key>fields.txt</Key>") {
		t.Errorf("missing Key: %s", respBody)
	}
	if !strings.Contains(respBody, "<LastModified>") {
		t.Errorf("missing LastModified: %s", respBody)
	}
	if !strings.Contains(respBody, "<ETag>") {
		t.Errorf("missing ETag: %s", respBody)
	}
	if !strings.Contains(respBody, "<Size>") {
		t.Errorf("missing Size: %s", respBody)
	}
	if !strings.Contains(respBody, "<StorageClass>") {
		t.Errorf("missing StorageClass: %s", respBody)
	}
}

func TestListObjectsKeySortOrder(t *testing.T) {
	h := newTestObjectHandler(t)

	// '.' (0x2e) sorts before '/' (0x2f) so prefix.foo precedes prefix/foo.
	putTestObjects(t, h, []string{"prefix/foo", "prefix.foo"})

	req := httptest.NewRequest("GET", "/test-bucket?list-type=2", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjectsV2 status = %d", rec.Code)
	}

	respBody := rec.Body.String()
	dotIdx := strings.Index(respBody, "<Key>prefix.foo</Key>")
	slashIdx := strings.Index(respBody, "<Key>prefix/foo</Key>")
	if dotIdx < 0 || slashIdx < 0 {
		t.Fatalf("missing keys in listing: %s", respBody)
	}
	if dotIdx > slashIdx {
		t.Errorf("prefix.foo should sort before prefix/foo: %s", respBody)
	}
}

// --- ListObjects V1 ---

func TestListObjectsV1(t *testing.T) {
	h := newTestObjectHandler(t)

	keys := []string{
		"file1.txt",
		"file2.txt",
		"photos/2024/jan/photo1.jpg",
		"docs/readme.md",
	}
	putTestObjects(t, h, keys)

	req := httptest.NewRequest("GET", "/test-bucket", nil)
	rec := httptest.NewRecorder()
	h.ListObjects(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjects V1 status = %d; body: %s", rec.Code, rec.Body.String())
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "ListBucketResult") {
		t.Errorf("ListObjects V1 response missing ListBucketResult: %s", respBody)
	}

	for _, key := range keys {
		if !strings.Contains(respBody, "<Key>"+key+"</Key>") {
			t.Errorf("ListObjects V1 missing key %q: %s", key, respBody)
		}
	}
}

func TestListObjectsV1Truncation(t *testing.T) {
	h := newTestObjectHandler(t)

	keys := []string{
		"file1.txt",
		"file2.txt",
		"file3.txt",
		"file4.txt",
	}
	putTestObjects(t, h, keys)

	req := httptest.NewRequest("GET", "/test-bucket?max-keys=2", nil)
	rec := httptest.NewRecorder()
	h.ListObjects(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjects V1 (truncated) status = %d", rec.Code)
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "<IsTruncated>true</IsTruncated>") {
		t.Errorf("ListObjects V1 should be truncated: %s", respBody)
	}
	if !strings.Contains(respBody, "<MaxKeys>2</MaxKeys>") {
		t.Errorf("ListObjects V1 MaxKeys should be 2: %s", respBody)
	}
	// Without a delimiter V1 emits no NextMarker even when truncated.
	if strings.Contains(respBody, "<NextMarker>") {
		t.Errorf("ListObjects V1 without delimiter should have no NextMarker: %s", respBody)
	}
}

func TestListObjectsV1NextMarkerWithDelimiter(t *testing.T) {
	h := newTestObjectHandler(t)

	putTestObjects(t, h, []string{
		"a/1.txt",
		"b/1.txt",
		"c/1.txt",
	})

	req := httptest.NewRequest("GET", "/test-bucket?delimiter=/&max-keys=2", nil)
	rec := httptest.NewRecorder()
	h.ListObjects(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjects V1 (delimiter) status = %d; body: %s", rec.Code, rec.Body.String())
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "<IsTruncated>true</IsTruncated>") {
		t.Errorf("ListObjects V1 (delimiter) should be truncated: %s", respBody)
	}
	if !strings.Contains(respBody, "<NextMarker>b/</NextMarker>") {
		t.Errorf("ListObjects V1 (delimiter) NextMarker should be b/: %s", respBody)
	}
}

func TestListObjectsV1MarkerExclusive(t *testing.T) {
	h := newTestObjectHandler(t)

	putTestObjects(t, h, []string{"file1.txt", "file2.txt", "file3.txt"})

	req := httptest.NewRequest("GET", "/test-bucket?marker=file1.txt", nil)
	rec := httptest.NewRecorder()
	h.ListObjects(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ListObjects V1 (marker) status = %d", rec.Code)
	}

	respBody := rec.Body.String()
	if strings.Contains(respBody, "<Key>file1.txt</Key>") {
		t.Errorf("marker is exclusive; file1.txt should be skipped: %s", respBody)
	}
	if !strings.Contains(respBody, "<Key>file2.txt</Key>") {
		t.Errorf("missing file2.txt: %s", respBody)
	}
	if !strings.Contains(respBody, "<Marker>file1.txt</Marker>") {
		t.Errorf("missing Marker echo: %s", respBody)
	}
}

func TestListObjectsV2NoSuchBucket(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("GET", "/nonexistent-bucket?list-type=2", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("ListObjectsV2 (no bucket) status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchBucket") {
		t.Errorf("ListObjectsV2 body should contain NoSuchBucket: %s", rec.Body.String())
	}
}

// --- parseCopySource ---

func TestParseCopySource(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantBucket string
		wantKey    string
		wantOK     bool
	}{
		{"standard", "/bucket/key", "bucket", "key", true},
		{"no leading slash", "bucket/key", "bucket", "key", true},
		{"nested key", "/bucket/path/to/key.txt", "bucket", "path/to/key.txt", true},
		{"url encoded", "/bucket/key%20with%20spaces.txt", "bucket", "key with spaces.txt", true},
		{"empty", "", "", "", false},
		{"bucket only", "/bucket/", "", "", false},
		{"no key", "/bucket", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, ok := parseCopySource(tt.header)
			if ok != tt.wantOK {
				t.Errorf("parseCopySource(%q) ok = %v, want %v", tt.header, ok, tt.wantOK)
			}
			if ok {
				if bucket != tt.wantBucket {
					t.Errorf("parseCopySource(%q) bucket = %q, want %q", tt.header, bucket, tt.wantBucket)
				}
				if key != tt.wantKey {
					t.Errorf("parseCopySource(%q) key = %q, want %q", tt.header, key, tt.wantKey)
				}
			}
		})
	}
}

// --- parseRange ---

func TestParseRange(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		size      int64
		wantStart int64
		wantEnd   int64
		wantOK    bool
		wantErr   bool
	}{
		{"first 5 bytes", "bytes=0-4", 100, 0, 4, true, false},
		{"from byte 5 to end", "bytes=5-", 100, 5, 99, true, false},
		{"last 10 bytes", "bytes=-10", 100, 90, 99, true, false},
		{"last 10 from small object", "bytes=-10", 5, 0, 4, true, false},
		{"single byte", "bytes=0-0", 100, 0, 0, true, false},
		{"last byte", "bytes=99-99", 100, 99, 99, true, false},
		{"end beyond size is clamped", "bytes=90-200", 100, 90, 99, true, false},
		{"entire object", "bytes=0-99", 100, 0, 99, true, false},
		{"suffix larger than file", "bytes=-200", 100, 0, 99, true, false},

		// Unsatisfiable: 416.
		{"start beyond size", "bytes=100-200", 100, 0, 0, false, true},
		{"empty object", "bytes=0-0", 0, 0, 0, false, true},
		{"negative suffix zero", "bytes=-0", 100, 0, 0, false, true},
		{"suffix on empty object", "bytes=-5", 0, 0, 0, false, true},

		// Malformed: ignored, full object served.
		{"no bytes prefix", "0-4", 100, 0, 0, false, false},
		{"multi range unsupported", "bytes=0-4,10-20", 100, 0, 0, false, false},
		{"start > end", "bytes=10-5", 100, 0, 0, false, false},
		{"garbage", "bytes=a-b", 100, 0, 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, ok, err := parseRange(tt.header, tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseRange(%q, %d) err = %v, wantErr %v", tt.header, tt.size, err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Fatalf("parseRange(%q, %d) ok = %v, want %v", tt.header, tt.size, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if start != tt.wantStart {
				t.Errorf("parseRange(%q, %d) start = %d, want %d", tt.header, tt.size, start, tt.wantStart)
			}
			if end != tt.wantEnd {
				t.Errorf("parseRange(%q, %d) end = %d, want %d", tt.header, tt.size, end, tt.wantEnd)
			}
		})
	}
}

// --- Range request handling ---

func TestGetObjectRangeFirstBytes(t *testing.T) {
	h := newTestObjectHandler(t)

	// Put a 26-byte object.
	body := "abcdefghijklmnopqrstuvwxyz"
	req := httptest.NewRequest("PUT", "/test-bucket/range-test.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// GET with Range: bytes=0-4.
	req = httptest.NewRequest("GET", "/test-bucket/range-test.txt", nil)
	req.Header.Set("Range", "bytes=0-4")
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("GetObject range status = %d, want %d; body: %s", rec.Code, http.StatusPartialContent, rec.Body.String())
	}

	if rec.Body.String() != "abcde" {
		t.Errorf("GetObject range body = %q, want %q", rec.Body.String(), "abcde")
	}

	cr := rec.Header().Get("Content-Range")
	if cr != "bytes 0-4/26" {
		t.Errorf("Content-Range = %q, want %q", cr, "bytes 0-4/26")
	}

	cl := rec.Header().Get("Content-Length")
	if cl != "5" {
		t.Errorf("Content-Length = %q, want %q", cl, "5")
	}
}

func TestGetObjectRangeOpenEnd(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "abcdefghijklmnopqrstuvwxyz"
	req := httptest.NewRequest("PUT", "/test-bucket/range-open.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// GET with Range: bytes=20-.
	req = httptest.NewRequest("GET", "/test-bucket/range-open.txt", nil)
	req.Header.Set("Range", "bytes=20-")
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("GetObject range status = %d, want %d", rec.Code, http.StatusPartialContent)
	}

	if rec.Body.String() != "uvwxyz" {
		t.Errorf("GetObject range body = %q, want %q", rec.Body.String(), "uvwxyz")
	}

	cr := rec.Header().Get("Content-Range")
	if cr != "bytes 20-25/26" {
		t.Errorf("Content-Range = %q, want %q", cr, "bytes 20-25/26")
	}
}

func TestGetObjectRangeSuffix(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "abcdefghijklmnopqrstuvwxyz"
	req := httptest.NewRequest("PUT", "/test-bucket/range-suffix.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// GET with Range: bytes=-5 (last 5 bytes).
	req = httptest.NewRequest("GET", "/test-bucket/range-suffix.txt", nil)
	req.Header.Set("Range", "bytes=-5")
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("GetObject range status = %d, want %d", rec.Code, http.StatusPartialContent)
	}

	if rec.Body.String() != "vwxyz" {
		t.Errorf("GetObject range body = %q, want %q", rec.Body.String(), "vwxyz")
	}

	cr := rec.Header().Get("Content-Range")
	if cr != "bytes 21-25/26" {
		t.Errorf("Content-Range = %q, want %q", cr, "bytes 21-25/26")
	}
}

func TestGetObjectRangeUnsatisfiable(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "short"
	req := httptest.NewRequest("PUT", "/test-bucket/range-unsat.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// GET with Range: bytes=100-200 (beyond object size).
	req = httptest.NewRequest("GET", "/test-bucket/range-unsat.txt", nil)
	req.Header.Set("Range", "bytes=100-200")
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("GetObject range status = %d, want %d", rec.Code, http.StatusRequestedRangeNotSatisfiable)
	}

	// 416 responses advertise the actual object size.
	if cr := rec.Header().Get("Content-Range"); cr != "bytes */5" {
		t.Errorf("Content-Range = %q, want %q", cr, "bytes */5")
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "InvalidRange") {
		t.Errorf("expected InvalidRange error, got: %s", respBody)
	}
}

func TestGetObjectMalformedRangeIgnored(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "whole body"
	req := httptest.NewRequest("PUT", "/test-bucket/range-malformed.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/test-bucket/range-malformed.txt", nil)
	req.Header.Set("Range", "bytes=10-5")
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject (malformed range) status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != body {
		t.Errorf("GetObject (malformed range) body = %q, want full object", rec.Body.String())
	}
}

// --- Conditional requests ---

func TestGetObjectIfMatch(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "conditional test"
	req := httptest.NewRequest("PUT", "/test-bucket/cond.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}
	etag := rec.Header().Get("ETag")

	// If-Match with correct ETag: should succeed.
	req = httptest.NewRequest("GET", "/test-bucket/cond.txt", nil)
	req.Header.Set("If-Match", etag)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("GetObject If-Match (match) status = %d, want %d", rec.Code, http.StatusOK)
	}

	// If-Match with wrong ETag: should return 412.
	req = httptest.NewRequest("GET", "/test-bucket/cond.txt", nil)
	req.Header.Set("If-Match", `"wrong-etag"`)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("GetObject If-Match (mismatch) status = %d, want %d", rec.Code, http.StatusPreconditionFailed)
	}
}

func TestGetObjectIfNoneMatch(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "none-match test"
	req := httptest.NewRequest("PUT", "/test-bucket/none-match.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}
	etag := rec.Header().Get("ETag")

	// If-None-Match with matching ETag: should return 304.
	req = httptest.NewRequest("GET", "/test-bucket/none-match.txt", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("GetObject If-None-Match (match, GET) status = %d, want %d", rec.Code, http.StatusNotModified)
	}

	// If-None-Match with different ETag: should succeed.
	req = httptest.NewRequest("GET", "/test-bucket/none-match.txt", nil)
	req.Header.Set("If-None-Match", `"different-etag"`)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("GetObject If-None-Match (no match) status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHeadObjectIfNoneMatch(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "head none-match test"
	req := httptest.NewRequest("PUT", "/test-bucket/head-nm.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}
	etag := rec.Header().Get("ETag")

	// HEAD with If-None-Match matching: 304.
	req = httptest.NewRequest("HEAD", "/test-bucket/head-nm.txt", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	h.HeadObject(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("HeadObject If-None-Match (match) status = %d, want %d", rec.Code, http.StatusNotModified)
	}
}

func TestGetObjectIfModifiedSince(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "modified-since test"
	req := httptest.NewRequest("PUT", "/test-bucket/mod-since.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// If-Modified-Since with a future date: should return 304.
	futureDate := time.Now().Add(24 * time.Hour).UTC().Format(http.TimeFormat)
	req = httptest.NewRequest("GET", "/test-bucket/mod-since.txt", nil)
	req.Header.Set("If-Modified-Since", futureDate)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("GetObject If-Modified-Since (future) status = %d, want %d", rec.Code, http.StatusNotModified)
	}

	// If-Modified-Since with a past date: should succeed.
	pastDate := time.Now().Add(-24 * time.Hour).UTC().Format(http.TimeFormat)
	req = httptest.NewRequest("GET", "/test-bucket/mod-since.txt", nil)
	req.Header.Set("If-Modified-Since", pastDate)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("GetObject If-Modified-Since (past) status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestGetObjectIfUnmodifiedSince(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "unmodified-since test"
	req := httptest.NewRequest("PUT", "/test-bucket/unmod-since.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// If-Unmodified-Since with a future date: should succeed.
	futureDate := time.Now().Add(24 * time.Hour).UTC().Format(http.TimeFormat)
	req = httptest.NewRequest("GET", "/test-bucket/unmod-since.txt", nil)
	req.Header.Set("If-Unmodified-Since", futureDate)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("GetObject If-Unmodified-Since (future) status = %d, want %d", rec.Code, http.StatusOK)
	}

	// If-Unmodified-Since with a past date: should return 412.
	pastDate := time.Now().Add(-24 * time.Hour).UTC().Format(http.TimeFormat)
	req = httptest.NewRequest("GET", "/test-bucket/unmod-since.txt", nil)
	req.Header.Set("If-Unmodified-Since", pastDate)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("GetObject If-Unmodified-Since (past) status = %d, want %d", rec.Code, http.StatusPreconditionFailed)
	}
}

// --- checkConditionalHeaders ---

func TestCheckConditionalHeaders(t *testing.T) {
	etag := `"abc123"`
	lastModified := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		method   string
		headers  map[string]string
		wantCode int
		wantSkip bool
	}{
		{
			name:     "no conditional headers",
			method:   "GET",
			wantCode: 0,
			wantSkip: false,
		},
		{
			name:     "If-Match match",
			method:   "GET",
			headers:  map[string]string{"If-Match": `"abc123"`},
			wantCode: 0,
			wantSkip: false,
		},
		{
			name:     "If-Match mismatch",
			method:   "GET",
			headers:  map[string]string{"If-Match": `"wrong"`},
			wantCode: 412,
			wantSkip: true,
		},
		{
			name:     "If-Match wildcard",
			method:   "GET",
			headers:  map[string]string{"If-Match": `*`},
			wantCode: 0,
			wantSkip: false,
		},
		{
			name:     "If-None-Match match GET",
			method:   "GET",
			headers:  map[string]string{"If-None-Match": `"abc123"`},
			wantCode: 304,
			wantSkip: true,
		},
		{
			name:     "If-None-Match match HEAD",
			method:   "HEAD",
			headers:  map[string]string{"If-None-Match": `"abc123"`},
			wantCode: 304,
			wantSkip: true,
		},
		{
			name:     "If-None-Match match PUT",
			method:   "PUT",
			headers:  map[string]string{"If-None-Match": `"abc123"`},
			wantCode: 412,
			wantSkip: true,
		},
		{
			name:     "If-None-Match no match",
			method:   "GET",
			headers:  map[string]string{"If-None-Match": `"different"`},
			wantCode: 0,
			wantSkip: false,
		},
		{
			name:     "If-Modified-Since not modified",
			method:   "GET",
			headers:  map[string]string{"If-Modified-Since": "Fri, 16 Jan 2026 12:00:00 GMT"},
			wantCode: 304,
			wantSkip: true,
		},
		{
			name:     "If-Modified-Since modified",
			method:   "GET",
			headers:  map[string]string{"If-Modified-Since": "Wed, 14 Jan 2026 12:00:00 GMT"},
			wantCode: 0,
			wantSkip: false,
		},
		{
			name:     "If-Unmodified-Since not modified",
			method:   "GET",
			headers:  map[string]string{"If-Unmodified-Since": "Fri, 16 Jan 2026 12:00:00 GMT"},
			wantCode: 0,
			wantSkip: false,
		},
		{
			name:     "If-Unmodified-Since modified",
			method:   "GET",
			headers:  map[string]string{"If-Unmodified-Since": "Wed, 14 Jan 2026 12:00:00 GMT"},
			wantCode: 412,
			wantSkip: true,
		},
		{
			name:   "If-Match takes priority over If-Unmodified-Since",
			method: "GET",
			headers: map[string]string{
				"If-Match":            `"abc123"`,
				"If-Unmodified-Since": "Wed, 14 Jan 2026 12:00:00 GMT",
			},
			wantCode: 0,
			wantSkip: false,
		},
		{
			name:   "If-None-Match takes priority over If-Modified-Since",
			method: "GET",
			headers: map[string]string{
				"If-None-Match":     `"different"`,
				"If-Modified-Since": "Fri, 16 Jan 2026 12:00:00 GMT",
			},
			wantCode: 0,
			wantSkip: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/test-bucket/test.txt", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			code, skip := checkConditionalHeaders(req, etag, lastModified)
			if code != tt.wantCode {
				t.Errorf("checkConditionalHeaders code = %d, want %d", code, tt.wantCode)
			}
			if skip != tt.wantSkip {
				t.Errorf("checkConditionalHeaders skip = %v, want %v", skip, tt.wantSkip)
			}
		})
	}
}

// --- Object ACLs ---

func TestGetObjectAcl(t *testing.T) {
	h := newTestObjectHandler(t)

	// Put an object.
	body := "acl test"
	req := httptest.NewRequest("PUT", "/test-bucket/acl-test.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// Get object ACL.
	req = httptest.NewRequest("GET", "/test-bucket/acl-test.txt?acl", nil)
	rec = httptest.NewRecorder()
	h.GetObjectAcl(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GetObjectAcl status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "AccessControlPolicy") {
		t.Errorf("GetObjectAcl missing AccessControlPolicy: %s", respBody)
	}
	if !strings.Contains(respBody, "FULL_CONTROL") {
		t.Errorf("GetObjectAcl missing FULL_CONTROL: %s", respBody)
	}
	if !strings.Contains(respBody, "sandbucket") {
		t.Errorf("GetObjectAcl missing owner: %s", respBody)
	}
	if !strings.Contains(respBody, "xmlns:xsi") {
		t.Errorf("GetObjectAcl missing xmlns:xsi: %s", respBody)
	}
	if !strings.Contains(respBody, `xsi:type="CanonicalUser"`) {
		t.Errorf("GetObjectAcl missing xsi:type: %s", respBody)
	}
}

func TestGetObjectAclNoSuchKey(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("GET", "/test-bucket/nonexistent.txt?acl", nil)
	rec := httptest.NewRecorder()
	h.GetObjectAcl(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("GetObjectAcl (no key) status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchKey") {
		t.Errorf("GetObjectAcl body should contain NoSuchKey: %s", rec.Body.String())
	}
}

func TestPutObjectAclCanned(t *testing.T) {
	h := newTestObjectHandler(t)

	// Put an object.
	body := "acl put test"
	req := httptest.NewRequest("PUT", "/test-bucket/acl-put.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// Set canned ACL to public-read.
	req = httptest.NewRequest("PUT", "/test-bucket/acl-put.txt?acl", nil)
	req.Header.Set("x-amz-acl", "public-read")
	rec = httptest.NewRecorder()
	h.PutObjectAcl(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("PutObjectAcl status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	// Verify the ACL was updated by reading it back.
	req = httptest.NewRequest("GET", "/test-bucket/acl-put.txt?acl", nil)
	rec = httptest.NewRecorder()
	h.GetObjectAcl(rec, req)

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "FULL_CONTROL") {
		t.Errorf("After PutObjectAcl, missing FULL_CONTROL: %s", respBody)
	}
	if !strings.Contains(respBody, "READ") {
		t.Errorf("After PutObjectAcl(public-read), missing READ grant: %s", respBody)
	}
	if !strings.Contains(respBody, "AllUsers") {
		t.Errorf("After PutObjectAcl(public-read), missing AllUsers: %s", respBody)
	}
}

func TestPutObjectAclXMLBody(t *testing.T) {
	h := newTestObjectHandler(t)

	// Put an object.
	body := "acl xml test"
	req := httptest.NewRequest("PUT", "/test-bucket/acl-xml.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// Set ACL via XML body.
	aclXML := `<?xml version="1.0" encoding="UTF-8"?>
<AccessControlPolicy xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Owner>
    <ID>sandbucket</ID>
    <DisplayName>sandbucket</DisplayName>
  </Owner>
  <AccessControlList>
    <Grant>
      <Grantee xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:type="CanonicalUser">
        <ID>sandbucket</ID>
        <DisplayName>sandbucket</DisplayName>
      </Grantee>
      <Permission>FULL_CONTROL</Permission>
    </Grant>
    <Grant>
      <Grantee xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:type="Group">
        <URI>http://acs.amazonaws.com/groups/global/AllUsers</URI>
      </Grantee>
      <Permission>READ</Permission>
    </Grant>
  </AccessControlList>
</AccessControlPolicy>`

	req = httptest.NewRequest("PUT", "/test-bucket/acl-xml.txt?acl", strings.NewReader(aclXML))
	req.ContentLength = int64(len(aclXML))
	rec = httptest.NewRecorder()
	h.PutObjectAcl(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("PutObjectAcl (XML) status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	// Verify the ACL was updated by reading it back.
	req = httptest.NewRequest("GET", "/test-bucket/acl-xml.txt?acl", nil)
	rec = httptest.NewRecorder()
	h.GetObjectAcl(rec, req)

	respBody := rec.Body.String()
	if !strings.Contains(respBody, "FULL_CONTROL") {
		t.Errorf("After PutObjectAcl (XML), missing FULL_CONTROL: %s", respBody)
	}
	if !strings.Contains(respBody, "READ") {
		t.Errorf("After PutObjectAcl (XML), missing READ grant: %s", respBody)
	}
}

func TestPutObjectAclNoSuchKey(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("PUT", "/test-bucket/nonexistent.txt?acl", nil)
	req.Header.Set("x-amz-acl", "private")
	rec := httptest.NewRecorder()
	h.PutObjectAcl(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("PutObjectAcl (no key) status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchKey") {
		t.Errorf("PutObjectAcl body should contain NoSuchKey: %s", rec.Body.String())
	}
}

func TestGetObjectAclNoSuchBucket(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest("GET", "/nonexistent-bucket/key.txt?acl", nil)
	rec := httptest.NewRecorder()
	h.GetObjectAcl(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("GetObjectAcl (no bucket) status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchBucket") {
		t.Errorf("GetObjectAcl body should contain NoSuchBucket: %s", rec.Body.String())
	}
}

// --- Object tagging ---

func TestObjectTaggingLifecycle(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "tagged"
	req := httptest.NewRequest("PUT", "/test-bucket/tagged.txt", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	// No tags yet: GET returns an empty TagSet, not an error.
	req = httptest.NewRequest("GET", "/test-bucket/tagged.txt?tagging", nil)
	rec = httptest.NewRecorder()
	h.GetObjectTagging(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObjectTagging (no tags) status = %d; body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "<TagSet>") && !strings.Contains(rec.Body.String(), "<TagSet/>") {
		t.Errorf("GetObjectTagging (no tags) missing TagSet: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "<Tag>") {
		t.Errorf("GetObjectTagging (no tags) should have no Tag entries: %s", rec.Body.String())
	}

	// Put tags.
	tagXML := `<Tagging><TagSet><Tag><Key>env</Key><Value>dev</Value></Tag></TagSet></Tagging>`
	req = httptest.NewRequest("PUT", "/test-bucket/tagged.txt?tagging", strings.NewReader(tagXML))
	rec = httptest.NewRecorder()
	h.PutObjectTagging(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObjectTagging status = %d; body: %s", rec.Code, rec.Body.String())
	}

	// Read them back.
	req = httptest.NewRequest("GET", "/test-bucket/tagged.txt?tagging", nil)
	rec = httptest.NewRecorder()
	h.GetObjectTagging(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObjectTagging status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Key>env</Key>") || !strings.Contains(rec.Body.String(), "<Value>dev</Value>") {
		t.Errorf("GetObjectTagging missing tag: %s", rec.Body.String())
	}

	// The tag count surfaces on GET of the object itself.
	req = httptest.NewRequest("GET", "/test-bucket/tagged.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req)
	if got := rec.Header().Get("x-amz-tagging-count"); got != "1" {
		t.Errorf("x-amz-tagging-count = %q, want %q", got, "1")
	}

	// Delete tags.
	req = httptest.NewRequest("DELETE", "/test-bucket/tagged.txt?tagging", nil)
	rec = httptest.NewRecorder()
	h.DeleteObjectTagging(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DeleteObjectTagging status = %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/test-bucket/tagged.txt?tagging", nil)
	rec = httptest.NewRecorder()
	h.GetObjectTagging(rec, req)
	if strings.Contains(rec.Body.String(), "<Tag>") {
		t.Errorf("tags should be cleared: %s", rec.Body.String())
	}
}

func TestPutObjectWithTaggingHeader(t *testing.T) {
	h := newTestObjectHandler(t)

	body := "header tagged"
	req := httptest.NewRequest("PUT", "/test-bucket/header-tagged.txt", strings.NewReader(body))
	req.Header.Set("x-amz-tagging", "env=prod&team=storage")
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d; body: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest("GET", "/test-bucket/header-tagged.txt?tagging", nil)
	rec = httptest.NewRecorder()
	h.GetObjectTagging(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObjectTagging status = %d", rec.Code)
	}
	respBody := rec.Body.String()
	if !strings.Contains(respBody, "<Key>env</Key>") || !strings.Contains(respBody, "<Value>prod</Value>") {
		t.Errorf("missing env=prod tag: %s", respBody)
	}
	if !strings.Contains(respBody, "<Key>team</Key>") {
		t.Errorf("missing team tag: %s", respBody)
	}
}
