package handlers

import (
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	s3err "github.com/sandbucket/sandbucket/internal/errors"
	"github.com/sandbucket/sandbucket/internal/events"
	"github.com/sandbucket/sandbucket/internal/metadata"
	"github.com/sandbucket/sandbucket/internal/storage"
	"github.com/sandbucket/sandbucket/internal/xmlutil"
)

// maxKeyLength is the S3 limit on object key length in bytes.
const maxKeyLength = 1024

// maxListKeys is the hard cap on keys returned per list page. Larger
// requested values are clamped internally but echoed back as supplied.
const maxListKeys = 1000

// ObjectHandler handles object-level S3 operations.
type ObjectHandler struct {
	meta         metadata.MetadataStore
	store        storage.StorageBackend
	bus          *events.Bus
	logger       *slog.Logger
	ownerID      string
	ownerDisplay string
}

// NewObjectHandler creates an ObjectHandler. The event bus may be nil, in
// which case no notifications are published.
func NewObjectHandler(meta metadata.MetadataStore, store storage.StorageBackend, bus *events.Bus, logger *slog.Logger, ownerID, ownerDisplay string) *ObjectHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectHandler{
		meta:         meta,
		store:        store,
		bus:          bus,
		logger:       logger,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
	}
}

// publish emits an event record. Handlers call it after the response has
// been written.
func (h *ObjectHandler) publish(name events.Name, bucket, key string, size int64, etag string) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(events.NewRecord(name, bucket, key, size, etag, time.Now()))
}

func (h *ObjectHandler) ensureBucket(w http.ResponseWriter, r *http.Request, bucket string) bool {
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

// PutObject handles PUT /{bucket}/{key}.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if len(key) > maxKeyLength {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}
	if !h.ensureBucket(w, r, bucket) {
		return
	}

	// Stage the payload first so a failed validation leaves any existing
	// object under this key untouched.
	staged, err := h.store.StageObject(r.Context(), bucket, key, r.Body, r.ContentLength)
	if err != nil {
		h.logger.Error("staging object payload", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	written := staged.Written()
	etag := staged.ETag()
	if r.ContentLength > 0 && written < r.ContentLength {
		staged.Discard()
		xmlutil.WriteErrorResponse(w, r, s3err.ErrIncompleteBody)
		return
	}
	if digestErr := checkContentMD5(r.Header.Get("Content-MD5"), etag); digestErr != nil {
		staged.Discard()
		xmlutil.WriteErrorResponse(w, r, digestErr)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "binary/octet-stream"
	}

	tags, tagErr := parseTaggingHeader(r.Header.Get("x-amz-tagging"))
	if tagErr != nil {
		staged.Discard()
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("The header 'x-amz-tagging' shall be encoded as UTF-8 then URLEncoded URL query parameters without tag name duplicates."))
		return
	}

	if err := staged.Commit(); err != nil {
		h.logger.Error("committing object payload", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	obj := &metadata.ObjectRecord{
		Bucket:                  bucket,
		Key:                     key,
		Size:                    written,
		ETag:                    etag,
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
		Tags:                    tags,
		LastModified:            time.Now(),
	}
	if err := h.meta.PutObject(r.Context(), obj); err != nil {
		h.logger.Error("storing object metadata", "bucket", bucket, "key", key, "error", err)
		// The committed payload stays: when this PUT overwrote an object,
		// removing it here would destroy the previous version too.
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)

	h.publish(events.ObjectCreatedPut, bucket, key, written, etag)
}

// parseTaggingHeader parses the x-amz-tagging request header, which carries
// tags in URL query parameter form.
func parseTaggingHeader(header string) ([]metadata.Tag, error) {
	if header == "" {
		return nil, nil
	}
	values, err := url.ParseQuery(header)
	if err != nil {
		return nil, err
	}
	tags := make([]metadata.Tag, 0, len(values))
	for key, vals := range values {
		v := ""
		if len(vals) > 0 {
			v = vals[0]
		}
		tags = append(tags, metadata.Tag{Key: key, Value: v})
	}
	return tags, nil
}

// GetObject handles GET /{bucket}/{key}.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if !h.ensureBucket(w, r, bucket) {
		return
	}
	obj, err := h.meta.GetObject(r.Context(), bucket, key)
	if err != nil {
		h.logger.Error("loading object metadata", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	if status, skip := checkConditionalHeaders(r, obj.ETag, obj.LastModified); skip {
		w.Header().Set("ETag", obj.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
		w.WriteHeader(status)
		return
	}

	start, end, ranged, rangeErr := parseRange(r.Header.Get("Range"), obj.Size)
	if rangeErr != nil {
		w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(obj.Size, 10))
		xmlutil.WriteErrorResponse(w, r, rangeErr)
		return
	}

	reader, _, _, err := h.store.GetObject(r.Context(), bucket, key)
	if err != nil {
		h.logger.Error("opening object payload", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer reader.Close()

	setObjectResponseHeaders(w, obj)
	applyResponseOverrides(w, r)

	if ranged {
		length := end - start + 1
		if seeker, ok := reader.(io.Seeker); ok {
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
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(obj.Size, 10))
		w.WriteHeader(http.StatusPartialContent)
		io.CopyN(w, reader, length)
		return
	}

	w.WriteHeader(http.StatusOK)
	io.Copy(w, reader)
}

// HeadObject handles HEAD /{bucket}/{key}. Errors are bare status codes
// since HEAD responses carry no body.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	exists, err := h.meta.BucketExists(r.Context(), bucket)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	obj, err := h.meta.GetObject(r.Context(), bucket, key)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if obj == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if status, skip := checkConditionalHeaders(r, obj.ETag, obj.LastModified); skip {
		w.Header().Set("ETag", obj.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
		w.WriteHeader(status)
		return
	}

	setObjectResponseHeaders(w, obj)
	applyResponseOverrides(w, r)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{key}. Deleting a missing key still
// returns 204.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if !h.ensureBucket(w, r, bucket) {
		return
	}

	obj, err := h.meta.GetObject(r.Context(), bucket, key)
	if err != nil {
		h.logger.Error("loading object metadata", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	existed := obj != nil
	if existed {
		if err := h.meta.DeleteObject(r.Context(), bucket, key); err != nil {
			h.logger.Error("deleting object metadata", "bucket", bucket, "key", key, "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		// Payload removal is best-effort; the metadata row is authoritative.
		if err := h.store.DeleteObject(r.Context(), bucket, key); err != nil {
			h.logger.Warn("deleting object payload", "bucket", bucket, "key", key, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)

	if existed {
		h.publish(events.ObjectRemovedDelete, bucket, key, obj.Size, obj.ETag)
	}
}

// DeleteObjects handles POST /{bucket}?delete (multi-object delete).
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)

	if !h.ensureBucket(w, r, bucket) {
		return
	}

	req, err := parseDeleteRequest(r.Body)
	if err != nil || len(req.Objects) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	type removal struct {
		key  string
		size int64
		etag string
	}
	var removals []removal
	result := &xmlutil.DeleteResult{}
	for _, entry := range req.Objects {
		obj, getErr := h.meta.GetObject(r.Context(), bucket, entry.Key)
		if getErr != nil {
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     entry.Key,
				Code:    "InternalError",
				Message: "We encountered an internal error. Please try again.",
			})
			continue
		}
		if obj != nil {
			if delErr := h.meta.DeleteObject(r.Context(), bucket, entry.Key); delErr != nil {
				result.Errors = append(result.Errors, xmlutil.DeleteError{
					Key:     entry.Key,
					Code:    "InternalError",
					Message: "We encountered an internal error. Please try again.",
				})
				continue
			}
			h.store.DeleteObject(r.Context(), bucket, entry.Key)
			removals = append(removals, removal{entry.Key, obj.Size, obj.ETag})
		}
		// Deleting an absent key reports success, matching single delete.
		if !req.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: entry.Key})
		}
	}

	xmlutil.RenderDeleteResult(w, result)

	for _, rm := range removals {
		h.publish(events.ObjectRemovedDelete, bucket, rm.key, rm.size, rm.etag)
	}
}

// CopyObject handles PUT /{bucket}/{key} with an X-Amz-Copy-Source header.
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request) {
	dstBucket := extractBucketName(r)
	dstKey := extractObjectKey(r)

	if len(dstKey) > maxKeyLength {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Copy Source must mention the source bucket and key: sourcebucket/sourcekey"))
		return
	}

	directive := r.Header.Get("x-amz-metadata-directive")
	if directive == "" {
		directive = "COPY"
	}
	if directive != "COPY" && directive != "REPLACE" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Unknown metadata directive."))
		return
	}

	if !h.ensureBucket(w, r, dstBucket) {
		return
	}
	srcExists, err := h.meta.BucketExists(r.Context(), srcBucket)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !srcExists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
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

	if proceed, condErr := checkCopySourceConditionals(r, src.ETag, src.LastModified); !proceed {
		xmlutil.WriteErrorResponse(w, r, condErr)
		return
	}

	if srcBucket == dstBucket && srcKey == dstKey && directive != "REPLACE" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest.WithMessage(
			"This copy request is illegal because it is being performed on the same object without changing the object's metadata, storage class, website redirect location or encryption attributes."))
		return
	}

	etag, err := h.store.CopyObject(r.Context(), srcBucket, srcKey, dstBucket, dstKey)
	if err != nil {
		h.logger.Error("copying object payload", "src", srcBucket+"/"+srcKey, "dst", dstBucket+"/"+dstKey, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	dst := &metadata.ObjectRecord{
		Bucket:       dstBucket,
		Key:          dstKey,
		Size:         src.Size,
		ETag:         etag,
		LastModified: time.Now(),
		ACL:          defaultPrivateACL(h.ownerID, h.ownerDisplay),
		Tags:         src.Tags,
	}
	if directive == "REPLACE" {
		dst.ContentType = r.Header.Get("Content-Type")
		if dst.ContentType == "" {
			dst.ContentType = "application/octet-stream"
		}
		dst.ContentEncoding = r.Header.Get("Content-Encoding")
		dst.ContentLanguage = r.Header.Get("Content-Language")
		dst.ContentDisposition = r.Header.Get("Content-Disposition")
		dst.CacheControl = r.Header.Get("Cache-Control")
		dst.Expires = r.Header.Get("Expires")
		dst.WebsiteRedirectLocation = r.Header.Get("x-amz-website-redirect-location")
		dst.UserMetadata = extractUserMetadata(r)
	} else {
		dst.ContentType = src.ContentType
		dst.ContentEncoding = src.ContentEncoding
		dst.ContentLanguage = src.ContentLanguage
		dst.ContentDisposition = src.ContentDisposition
		dst.CacheControl = src.CacheControl
		dst.Expires = src.Expires
		dst.WebsiteRedirectLocation = src.WebsiteRedirectLocation
		dst.UserMetadata = src.UserMetadata
	}
	dst.StorageClass = r.Header.Get("x-amz-storage-class")
	if dst.StorageClass == "" {
		dst.StorageClass = src.StorageClass
	}

	if err := h.meta.PutObject(r.Context(), dst); err != nil {
		h.logger.Error("storing copied object metadata", "bucket", dstBucket, "key", dstKey, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderCopyObject(w, &xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(dst.LastModified),
		ETag:         etag,
	})

	h.publish(events.ObjectCreatedCopy, dstBucket, dstKey, dst.Size, etag)
}

// parseMaxKeys parses the max-keys query parameter. It returns the value to
// echo in the response, the effective (clamped) page size, and whether the
// parameter was supplied.
func parseMaxKeys(q url.Values) (echo, effective int, set bool, err *s3err.S3Error) {
	raw := q.Get("max-keys")
	if raw == "" {
		return maxListKeys, maxListKeys, false, nil
	}
	v, parseErr := strconv.Atoi(raw)
	if parseErr != nil || v < 0 {
		return 0, 0, false, s3err.ErrInvalidArgument.WithMessage("Argument max-keys must be an integer between 0 and 2147483647")
	}
	effective = v
	if effective > maxListKeys {
		effective = maxListKeys
	}
	return v, effective, true, nil
}

// ListObjects handles GET /{bucket} (ListObjects version 1).
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)

	if !h.ensureBucket(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	echoMaxKeys, effective, set, argErr := parseMaxKeys(q)
	if argErr != nil {
		xmlutil.WriteErrorResponse(w, r, argErr)
		return
	}

	opts := metadata.ListObjectsOptions{
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		Marker:     q.Get("marker"),
		MaxKeys:    effective,
		MaxKeysSet: set,
	}
	res, err := h.meta.ListObjects(r.Context(), bucket, opts)
	if err != nil {
		h.logger.Error("listing objects", "bucket", bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	encodingType := q.Get("encoding-type")
	result := &xmlutil.ListBucketResult{
		Name:        bucket,
		Prefix:      xmlutil.EncodeKeyURL(opts.Prefix, encodingType),
		Marker:      xmlutil.EncodeKeyURL(opts.Marker, encodingType),
		MaxKeys:     echoMaxKeys,
		Delimiter:   opts.Delimiter,
		IsTruncated: res.IsTruncated,
	}
	if encodingType == "url" {
		result.EncodingType = "url"
	}
	if res.IsTruncated && res.NextMarker != "" {
		result.NextMarker = xmlutil.EncodeKeyURL(res.NextMarker, encodingType)
	}
	for _, obj := range res.Objects {
		result.Contents = append(result.Contents, h.listEntry(obj, encodingType, true))
	}
	for _, prefix := range res.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{
			Prefix: xmlutil.EncodeKeyURL(prefix, encodingType),
		})
	}

	xmlutil.RenderListObjects(w, result)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)

	if !h.ensureBucket(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	echoMaxKeys, effective, set, argErr := parseMaxKeys(q)
	if argErr != nil {
		xmlutil.WriteErrorResponse(w, r, argErr)
		return
	}

	suppliedToken := q.Get("continuation-token")
	decodedToken := ""
	if suppliedToken != "" {
		raw, decErr := base64.StdEncoding.DecodeString(suppliedToken)
		if decErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("The continuation token provided is incorrect"))
			return
		}
		decodedToken = string(raw)
	}

	opts := metadata.ListObjectsOptions{
		Prefix:            q.Get("prefix"),
		Delimiter:         q.Get("delimiter"),
		StartAfter:        q.Get("start-after"),
		ContinuationToken: decodedToken,
		MaxKeys:           effective,
		MaxKeysSet:        set,
	}
	res, err := h.meta.ListObjects(r.Context(), bucket, opts)
	if err != nil {
		h.logger.Error("listing objects", "bucket", bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	encodingType := q.Get("encoding-type")
	fetchOwner := q.Get("fetch-owner") == "true"
	result := &xmlutil.ListBucketV2Result{
		Name:              bucket,
		Prefix:            xmlutil.EncodeKeyURL(opts.Prefix, encodingType),
		MaxKeys:           echoMaxKeys,
		Delimiter:         opts.Delimiter,
		IsTruncated:       res.IsTruncated,
		ContinuationToken: suppliedToken,
		KeyCount:          len(res.Objects) + len(res.CommonPrefixes),
	}
	if decodedToken == "" {
		result.StartAfter = xmlutil.EncodeKeyURL(opts.StartAfter, encodingType)
	}
	if encodingType == "url" {
		result.EncodingType = "url"
	}
	if res.IsTruncated {
		result.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(res.NextContinuationToken))
	}
	for _, obj := range res.Objects {
		result.Contents = append(result.Contents, h.listEntry(obj, encodingType, fetchOwner))
	}
	for _, prefix := range res.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{
			Prefix: xmlutil.EncodeKeyURL(prefix, encodingType),
		})
	}

	xmlutil.RenderListObjectsV2(w, result)
}

func (h *ObjectHandler) listEntry(obj metadata.ObjectRecord, encodingType string, withOwner bool) xmlutil.Object {
	storageClass := obj.StorageClass
	if storageClass == "" {
		storageClass = "STANDARD"
	}
	entry := xmlutil.Object{
		Key:          xmlutil.EncodeKeyURL(obj.Key, encodingType),
		LastModified: xmlutil.FormatTimeS3(obj.LastModified),
		ETag:         obj.ETag,
		Size:         obj.Size,
		StorageClass: storageClass,
	}
	if withOwner {
		entry.Owner = &xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay}
	}
	return entry
}

// GetObjectAcl handles GET /{bucket}/{key}?acl.
func (h *ObjectHandler) GetObjectAcl(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if !h.ensureBucket(w, r, bucket) {
		return
	}
	obj, err := h.meta.GetObject(r.Context(), bucket, key)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	acp := aclFromJSON(obj.ACL)
	if acp == nil {
		acp = parseCannedACL("private", h.ownerID, h.ownerDisplay)
	}
	xmlutil.RenderAccessControlPolicy(w, acp)
}

// PutObjectAcl handles PUT /{bucket}/{key}?acl. ACLs are stored and echoed
// back but never enforced.
func (h *ObjectHandler) PutObjectAcl(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if !h.ensureBucket(w, r, bucket) {
		return
	}
	obj, err := h.meta.GetObject(r.Context(), bucket, key)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	var acl json.RawMessage
	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		acl = aclToJSON(parseCannedACL(canned, h.ownerID, h.ownerDisplay))
	} else {
		body, readErr := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if readErr != nil || len(strings.TrimSpace(string(body))) == 0 {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMissingRequestBodyError)
			return
		}
		var acp xmlutil.AccessControlPolicy
		if xmlErr := xml.Unmarshal(body, &acp); xmlErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedACLError)
			return
		}
		acl = aclToJSON(&acp)
	}
	if err := h.meta.UpdateObjectAcl(r.Context(), bucket, key, acl); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetObjectTagging handles GET /{bucket}/{key}?tagging. An object without
// tags yields an empty TagSet, not an error.
func (h *ObjectHandler) GetObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if !h.ensureBucket(w, r, bucket) {
		return
	}
	obj, err := h.meta.GetObject(r.Context(), bucket, key)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	tags := make([]xmlutil.Tag, 0, len(obj.Tags))
	for _, t := range obj.Tags {
		tags = append(tags, xmlutil.Tag{Key: t.Key, Value: t.Value})
	}
	xmlutil.RenderTagging(w, tags)
}

// PutObjectTagging handles PUT /{bucket}/{key}?tagging.
func (h *ObjectHandler) PutObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if !h.ensureBucket(w, r, bucket) {
		return
	}
	exists, err := h.meta.ObjectExists(r.Context(), bucket, key)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	tags, parseErr := parseTagging(r.Body)
	if parseErr != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if err := h.meta.UpdateObjectTags(r.Context(), bucket, key, tags); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteObjectTagging handles DELETE /{bucket}/{key}?tagging.
func (h *ObjectHandler) DeleteObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if !h.ensureBucket(w, r, bucket) {
		return
	}
	exists, err := h.meta.ObjectExists(r.Context(), bucket, key)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if !exists {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}
	if err := h.meta.UpdateObjectTags(r.Context(), bucket, key, nil); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
