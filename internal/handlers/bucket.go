package handlers

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	s3err "github.com/sandbucket/sandbucket/internal/errors"
	"github.com/sandbucket/sandbucket/internal/metadata"
	"github.com/sandbucket/sandbucket/internal/storage"
	"github.com/sandbucket/sandbucket/internal/xmlutil"
)

// BucketHandler handles bucket-level S3 operations.
type BucketHandler struct {
	meta         metadata.MetadataStore
	store        storage.StorageBackend
	logger       *slog.Logger
	ownerID      string
	ownerDisplay string
	region       string
}

// NewBucketHandler creates a BucketHandler.
func NewBucketHandler(meta metadata.MetadataStore, store storage.StorageBackend, logger *slog.Logger, ownerID, ownerDisplay, region string) *BucketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BucketHandler{
		meta:         meta,
		store:        store,
		logger:       logger,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
		region:       region,
	}
}

// ListBuckets handles GET / (ListAllMyBuckets).
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.meta.ListBuckets(r.Context(), h.ownerID)
	if err != nil {
		h.logger.Error("listing buckets", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay},
	}
	for _, b := range buckets {
		result.Buckets = append(result.Buckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreatedAt),
		})
	}
	xmlutil.RenderListBuckets(w, result)
}

// createBucketConfiguration is the optional CreateBucket request body.
type createBucketConfiguration struct {
	XMLName            xml.Name `xml:"CreateBucketConfiguration"`
	LocationConstraint string   `xml:"LocationConstraint"`
}

// CreateBucket handles PUT /{bucket}.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)

	if msg := validateBucketName(bucket); msg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName.WithMessage(msg))
		return
	}

	region := h.region
	body, _ := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if len(body) > 0 {
		var cfg createBucketConfiguration
		if err := xml.Unmarshal(body, &cfg); err != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
			return
		}
		if cfg.LocationConstraint != "" {
			region = cfg.LocationConstraint
		}
	}

	existing, err := h.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		h.logger.Error("loading bucket", "bucket", bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if existing != nil {
		// Re-creating a bucket you own is idempotent in the default region.
		if existing.OwnerID == h.ownerID {
			w.Header().Set("Location", "/"+bucket)
			w.WriteHeader(http.StatusOK)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyExists)
		return
	}

	record := &metadata.BucketRecord{
		Name:         bucket,
		Region:       region,
		OwnerID:      h.ownerID,
		OwnerDisplay: h.ownerDisplay,
		ACL:          defaultPrivateACL(h.ownerID, h.ownerDisplay),
		CreatedAt:    time.Now(),
	}
	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		record.ACL = aclToJSON(parseCannedACL(canned, h.ownerID, h.ownerDisplay))
	}
	if err := h.meta.CreateBucket(r.Context(), record); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyOwnedByYou)
			return
		}
		h.logger.Error("creating bucket", "bucket", bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if err := h.store.CreateBucket(r.Context(), bucket); err != nil {
		h.logger.Error("creating bucket storage", "bucket", bucket, "error", err)
		h.meta.DeleteBucket(r.Context(), bucket)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket}. The bucket must be empty.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)

	if err := h.meta.DeleteBucket(r.Context(), bucket); err != nil {
		switch {
		case strings.Contains(err.Error(), "not found"):
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		case strings.Contains(err.Error(), "not empty"):
			xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketNotEmpty)
		default:
			h.logger.Error("deleting bucket", "bucket", bucket, "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		}
		return
	}
	if err := h.store.DeleteBucket(r.Context(), bucket); err != nil {
		h.logger.Warn("deleting bucket storage", "bucket", bucket, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket}. Errors are bare status codes since
// HEAD responses carry no body.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)

	record, err := h.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if record == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("x-amz-bucket-region", record.Region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location. The default region is
// rendered as an empty LocationConstraint, matching S3.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)

	record, err := h.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if record == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	location := record.Region
	if location == "us-east-1" {
		location = ""
	}
	xmlutil.RenderLocationConstraint(w, location)
}

// GetBucketAcl handles GET /{bucket}?acl.
func (h *BucketHandler) GetBucketAcl(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)

	record, err := h.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if record == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	acp := aclFromJSON(record.ACL)
	if acp == nil {
		acp = parseCannedACL("private", h.ownerID, h.ownerDisplay)
	}
	xmlutil.RenderAccessControlPolicy(w, acp)
}

// PutBucketAcl handles PUT /{bucket}?acl. ACLs are stored and echoed back
// but never enforced.
func (h *BucketHandler) PutBucketAcl(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)

	record, err := h.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if record == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
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
	if err := h.meta.UpdateBucketAcl(r.Context(), bucket, acl); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
