package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	s3err "github.com/sandbucket/sandbucket/internal/errors"
	"github.com/sandbucket/sandbucket/internal/events"
	"github.com/sandbucket/sandbucket/internal/metadata"
	"github.com/sandbucket/sandbucket/internal/storage"
	"github.com/sandbucket/sandbucket/internal/xmlutil"
)

const (
	// minPartNumber and maxPartNumber bound valid part numbers.
	minPartNumber = 1
	maxPartNumber = 10000

	// minPartSize is the minimum size of every part except the last.
	minPartSize = 5 * 1024 * 1024
)

// MultipartHandler handles multipart upload operations.
type MultipartHandler struct {
	meta         metadata.MetadataStore
	store        storage.StorageBackend
	bus          *events.Bus
	logger       *slog.Logger
	ownerID      string
	ownerDisplay string
}

// NewMultipartHandler creates a MultipartHandler. The event bus may be nil,
// in which case no notifications are published.
func NewMultipartHandler(meta metadata.MetadataStore, store storage.StorageBackend, bus *events.Bus, logger *slog.Logger, ownerID, ownerDisplay string) *MultipartHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultipartHandler{
		meta:         meta,
		store:        store,
		bus:          bus,
		logger:       logger,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
	}
}

func (h *MultipartHandler) ensureBucket(w http.ResponseWriter, r *http.Request, bucket string) bool {
	exists, err := h.meta.BucketExists(r.Context(), bucket)
	if err != nil {
		h.logger.Error("checking bucket existence", "bucket", bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return false
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return false
	}
	return true
}

// CreateMultipartUpload handles POST /{bucket}/{key}?uploads. Standard
// headers and user metadata are captured now and applied to the final
// object on completion.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if len(key) > maxKeyLength {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}
	if !h.ensureBucket(w, r, bucket) {
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "binary/octet-stream"
	}
	upload := &metadata.MultipartUploadRecord{
		Bucket:                  bucket,
		Key:                     key,
		ContentType:             contentType,
		ContentEncoding:         r.Header.Get("Content-Encoding"),
		ContentLanguage:         r.Header.Get("Content-Language"),
		ContentDisposition:      r.Header.Get("Content-Disposition"),
		CacheControl:            r.Header.Get("Cache-Control"),
		Expires:                 r.Header.Get("Expires"),
		StorageClass:            r.Header.Get("x-amz-storage-class"),
		WebsiteRedirectLocation: r.Header.Get("x-amz-website-redirect-location"),
		ACL:                     aclToJSON(parseCannedACL(r.Header.Get("x-amz-acl"), h.ownerID, h.ownerDisplay)),
		UserMetadata:            extractUserMetadata(r),
		OwnerID:                 h.ownerID,
		OwnerDisplay:            h.ownerDisplay,
		InitiatedAt:             time.Now(),
	}
	uploadID, err := h.meta.CreateMultipartUpload(r.Context(), upload)
	if err != nil {
		h.logger.Error("creating multipart upload", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
	})
}

// UploadPart handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < minPartNumber || partNumber > maxPartNumber {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Part number must be an integer between 1 and 10000, inclusive"))
		return
	}
	uploadID := q.Get("uploadId")

	if !h.ensureBucket(w, r, bucket) {
		return
	}
	upload, err := h.meta.GetMultipartUpload(r.Context(), bucket, key, uploadID)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	// The backend's byte count is the part size: chunked uploads carry no
	// Content-Length.
	size, etag, err := h.store.PutPart(r.Context(), bucket, key, uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		h.logger.Error("writing part payload", "uploadId", uploadID, "partNumber", partNumber, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if digestErr := checkContentMD5(r.Header.Get("Content-MD5"), etag); digestErr != nil {
		xmlutil.WriteErrorResponse(w, r, digestErr)
		return
	}
	part := &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         size,
		ETag:         etag,
		LastModified: time.Now(),
	}
	if err := h.meta.PutPart(r.Context(), part); err != nil {
		h.logger.Error("storing part metadata", "uploadId", uploadID, "partNumber", partNumber, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// UploadPartCopy handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID with
// an X-Amz-Copy-Source header.
func (h *MultipartHandler) UploadPartCopy(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < minPartNumber || partNumber > maxPartNumber {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Part number must be an integer between 1 and 10000, inclusive"))
		return
	}
	uploadID := q.Get("uploadId")

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Copy Source must mention the source bucket and key: sourcebucket/sourcekey"))
		return
	}

	if !h.ensureBucket(w, r, bucket) {
		return
	}
	upload, err := h.meta.GetMultipartUpload(r.Context(), bucket, key, uploadID)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	src, err := h.meta.GetObject(r.Context(), srcBucket, srcKey)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if src == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	start, end := int64(0), src.Size-1
	if rangeHeader := r.Header.Get("x-amz-copy-source-range"); rangeHeader != "" {
		var ranged bool
		var rangeErr *s3err.S3Error
		start, end, ranged, rangeErr = parseRange(rangeHeader, src.Size)
		if rangeErr != nil || !ranged {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("The x-amz-copy-source-range value must be of the form bytes=first-last"))
			return
		}
	}

	reader, _, _, err := h.store.GetObject(r.Context(), srcBucket, srcKey)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer reader.Close()
	if seeker, seekable := reader.(io.Seeker); seekable {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
	} else if start > 0 {
		if _, err := io.CopyN(io.Discard, reader, start); err != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
	}
	length := end - start + 1

	written, etag, err := h.store.PutPart(r.Context(), bucket, key, uploadID, partNumber, io.LimitReader(reader, length), length)
	if err != nil {
		h.logger.Error("copying part payload", "uploadId", uploadID, "partNumber", partNumber, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	now := time.Now()
	part := &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         written,
		ETag:         etag,
		LastModified: now,
	}
	if err := h.meta.PutPart(r.Context(), part); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderCopyPartResult(w, &xmlutil.CopyPartResult{
		ETag:         etag,
		LastModified: xmlutil.FormatTimeS3(now),
	})
}

// CompleteMultipartUpload handles POST /{bucket}/{key}?uploadId=ID.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if !h.ensureBucket(w, r, bucket) {
		return
	}
	upload, err := h.meta.GetMultipartUpload(r.Context(), bucket, key, uploadID)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	parts, err := parseCompleteMultipartXML(r.Body)
	if err != nil || len(parts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartOrder)
			return
		}
	}

	partNumbers := make([]int, len(parts))
	for i, p := range parts {
		partNumbers[i] = p.PartNumber
	}
	stored, err := h.meta.GetPartsForCompletion(r.Context(), uploadID, partNumbers)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	storedByNumber := make(map[int]metadata.PartRecord, len(stored))
	for _, p := range stored {
		storedByNumber[p.PartNumber] = p
	}

	var totalSize int64
	partETags := make([]string, 0, len(parts))
	for i, p := range parts {
		rec, found := storedByNumber[p.PartNumber]
		if !found || trimETag(rec.ETag) != trimETag(p.ETag) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
			return
		}
		if rec.Size < minPartSize && i != len(parts)-1 {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooSmall)
			return
		}
		totalSize += rec.Size
		partETags = append(partETags, rec.ETag)
	}

	etag, err := h.store.AssembleParts(r.Context(), bucket, key, uploadID, partNumbers)
	if err != nil {
		h.logger.Error("assembling parts", "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if etag == "" {
		etag = computeCompositeETag(partETags)
	}

	obj := &metadata.ObjectRecord{
		Bucket:                  bucket,
		Key:                     key,
		Size:                    totalSize,
		ETag:                    etag,
		ContentType:             upload.ContentType,
		ContentEncoding:         upload.ContentEncoding,
		ContentLanguage:         upload.ContentLanguage,
		ContentDisposition:      upload.ContentDisposition,
		CacheControl:            upload.CacheControl,
		Expires:                 upload.Expires,
		StorageClass:            upload.StorageClass,
		WebsiteRedirectLocation: upload.WebsiteRedirectLocation,
		ACL:                     upload.ACL,
		UserMetadata:            upload.UserMetadata,
		LastModified:            time.Now(),
	}
	if err := h.meta.CompleteMultipartUpload(r.Context(), bucket, key, uploadID, obj); err != nil {
		h.logger.Error("completing multipart upload", "uploadId", uploadID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
		Location: "/" + bucket + "/" + key,
		Bucket:   bucket,
		Key:      key,
		ETag:     etag,
	})

	if h.bus != nil {
		h.bus.Publish(events.NewRecord(events.ObjectCreatedCompleteMultipartUpload, bucket, key, totalSize, etag, time.Now()))
	}
}

func trimETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}

// AbortMultipartUpload handles DELETE /{bucket}/{key}?uploadId=ID.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if !h.ensureBucket(w, r, bucket) {
		return
	}
	upload, err := h.meta.GetMultipartUpload(r.Context(), bucket, key, uploadID)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	// Part payload cleanup is best-effort; the metadata removal is what
	// makes the upload ID invalid.
	if err := h.store.DeleteParts(r.Context(), bucket, key, uploadID); err != nil {
		h.logger.Warn("deleting part payloads", "uploadId", uploadID, "error", err)
	}
	if err := h.meta.AbortMultipartUpload(r.Context(), bucket, key, uploadID); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)

	if !h.ensureBucket(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	maxUploads := 1000
	if raw := q.Get("max-uploads"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
			return
		}
		if v < maxUploads {
			maxUploads = v
		}
	}

	opts := metadata.ListUploadsOptions{
		KeyMarker:      q.Get("key-marker"),
		UploadIDMarker: q.Get("upload-id-marker"),
		Prefix:         q.Get("prefix"),
		Delimiter:      q.Get("delimiter"),
		MaxUploads:     maxUploads,
	}
	res, err := h.meta.ListMultipartUploads(r.Context(), bucket, opts)
	if err != nil {
		h.logger.Error("listing multipart uploads", "bucket", bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:             bucket,
		KeyMarker:          opts.KeyMarker,
		UploadIDMarker:     opts.UploadIDMarker,
		NextKeyMarker:      res.NextKeyMarker,
		NextUploadIDMarker: res.NextUploadIDMarker,
		MaxUploads:         maxUploads,
		IsTruncated:        res.IsTruncated,
	}
	for _, u := range res.Uploads {
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:       u.Key,
			UploadID:  u.UploadID,
			Initiator: xmlutil.Owner{ID: u.OwnerID, DisplayName: u.OwnerDisplay},
			Owner:     xmlutil.Owner{ID: u.OwnerID, DisplayName: u.OwnerDisplay},
			Initiated: xmlutil.FormatTimeS3(u.InitiatedAt),
		})
	}
	for _, prefix := range res.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: prefix})
	}

	xmlutil.RenderListMultipartUploads(w, result)
}

// ListParts handles GET /{bucket}/{key}?uploadId=ID.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()
	uploadID := q.Get("uploadId")

	if !h.ensureBucket(w, r, bucket) {
		return
	}
	upload, err := h.meta.GetMultipartUpload(r.Context(), bucket, key, uploadID)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	maxParts := 1000
	if raw := q.Get("max-parts"); raw != "" {
		v, parseErr := strconv.Atoi(raw)
		if parseErr != nil || v < 0 {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
			return
		}
		if v < maxParts {
			maxParts = v
		}
	}
	marker := 0
	if raw := q.Get("part-number-marker"); raw != "" {
		v, parseErr := strconv.Atoi(raw)
		if parseErr != nil || v < 0 {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
			return
		}
		marker = v
	}

	res, err := h.meta.ListParts(r.Context(), uploadID, metadata.ListPartsOptions{
		PartNumberMarker: marker,
		MaxParts:         maxParts,
	})
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListPartsResult{
		Bucket:               bucket,
		Key:                  key,
		UploadID:             uploadID,
		PartNumberMarker:     marker,
		NextPartNumberMarker: res.NextPartNumberMarker,
		MaxParts:             maxParts,
		IsTruncated:          res.IsTruncated,
	}
	for _, p := range res.Parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}

	xmlutil.RenderListParts(w, result)
}
