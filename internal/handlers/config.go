package handlers

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"

	"github.com/sandbucket/sandbucket/internal/cors"
	s3err "github.com/sandbucket/sandbucket/internal/errors"
	"github.com/sandbucket/sandbucket/internal/metadata"
	"github.com/sandbucket/sandbucket/internal/website"
	"github.com/sandbucket/sandbucket/internal/xmlutil"
)

// maxConfigBodySize bounds bucket configuration documents.
const maxConfigBodySize = 1 << 20

// ConfigHandler handles the bucket configuration subresources: ?cors,
// ?website, ?tagging, ?policy, and ?lifecycle. Documents are stored as the
// raw bytes the client supplied and echoed back verbatim on GET.
type ConfigHandler struct {
	meta   metadata.MetadataStore
	logger *slog.Logger
}

// NewConfigHandler creates a ConfigHandler.
func NewConfigHandler(meta metadata.MetadataStore, logger *slog.Logger) *ConfigHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigHandler{meta: meta, logger: logger}
}

func (h *ConfigHandler) ensureBucket(w http.ResponseWriter, r *http.Request, bucket string) bool {
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

func (h *ConfigHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBodySize))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return nil, false
	}
	if len(body) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMissingRequestBodyError)
		return nil, false
	}
	return body, true
}

func (h *ConfigHandler) getConfig(w http.ResponseWriter, r *http.Request, kind string, missing *s3err.S3Error) {
	bucket := extractBucketName(r)
	if !h.ensureBucket(w, r, bucket) {
		return
	}
	raw, err := h.meta.GetBucketConfig(r.Context(), bucket, kind)
	if err != nil {
		h.logger.Error("loading bucket config", "bucket", bucket, "kind", kind, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if raw == nil {
		xmlutil.WriteErrorResponse(w, r, missing)
		return
	}
	xmlutil.RenderRawXML(w, raw)
}

func (h *ConfigHandler) deleteConfig(w http.ResponseWriter, r *http.Request, kind string) {
	bucket := extractBucketName(r)
	if !h.ensureBucket(w, r, bucket) {
		return
	}
	if err := h.meta.DeleteBucketConfig(r.Context(), bucket, kind); err != nil {
		h.logger.Error("deleting bucket config", "bucket", bucket, "kind", kind, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBucketCors handles GET /{bucket}?cors.
func (h *ConfigHandler) GetBucketCors(w http.ResponseWriter, r *http.Request) {
	h.getConfig(w, r, metadata.ConfigCORS, s3err.ErrNoSuchCORSConfiguration)
}

// PutBucketCors handles PUT /{bucket}?cors. The document is validated
// before being stored.
func (h *ConfigHandler) PutBucketCors(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.ensureBucket(w, r, bucket) {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if _, err := cors.Parse(body); err != nil {
		if s3e, isS3 := err.(*s3err.S3Error); isS3 {
			xmlutil.WriteErrorResponse(w, r, s3e)
		} else {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		}
		return
	}
	if err := h.meta.PutBucketConfig(r.Context(), bucket, metadata.ConfigCORS, body); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteBucketCors handles DELETE /{bucket}?cors.
func (h *ConfigHandler) DeleteBucketCors(w http.ResponseWriter, r *http.Request) {
	h.deleteConfig(w, r, metadata.ConfigCORS)
}

// GetBucketWebsite handles GET /{bucket}?website.
func (h *ConfigHandler) GetBucketWebsite(w http.ResponseWriter, r *http.Request) {
	h.getConfig(w, r, metadata.ConfigWebsite, s3err.ErrNoSuchWebsiteConfiguration)
}

// PutBucketWebsite handles PUT /{bucket}?website. The document is validated
// before being stored.
func (h *ConfigHandler) PutBucketWebsite(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.ensureBucket(w, r, bucket) {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if _, err := website.Parse(body); err != nil {
		if s3e, isS3 := err.(*s3err.S3Error); isS3 {
			xmlutil.WriteErrorResponse(w, r, s3e)
		} else {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		}
		return
	}
	if err := h.meta.PutBucketConfig(r.Context(), bucket, metadata.ConfigWebsite, body); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteBucketWebsite handles DELETE /{bucket}?website.
func (h *ConfigHandler) DeleteBucketWebsite(w http.ResponseWriter, r *http.Request) {
	h.deleteConfig(w, r, metadata.ConfigWebsite)
}

// GetBucketTagging handles GET /{bucket}?tagging.
func (h *ConfigHandler) GetBucketTagging(w http.ResponseWriter, r *http.Request) {
	h.getConfig(w, r, metadata.ConfigTagging, s3err.ErrNoSuchTagSet)
}

// PutBucketTagging handles PUT /{bucket}?tagging.
func (h *ConfigHandler) PutBucketTagging(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.ensureBucket(w, r, bucket) {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var doc xmlutil.Tagging
	if err := xml.Unmarshal(body, &doc); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if err := h.meta.PutBucketConfig(r.Context(), bucket, metadata.ConfigTagging, body); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteBucketTagging handles DELETE /{bucket}?tagging.
func (h *ConfigHandler) DeleteBucketTagging(w http.ResponseWriter, r *http.Request) {
	h.deleteConfig(w, r, metadata.ConfigTagging)
}

// GetBucketPolicy handles GET /{bucket}?policy. Policies are JSON and are
// returned verbatim.
func (h *ConfigHandler) GetBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.ensureBucket(w, r, bucket) {
		return
	}
	raw, err := h.meta.GetBucketConfig(r.Context(), bucket, metadata.ConfigPolicy)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if raw == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucketPolicy)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// PutBucketPolicy handles PUT /{bucket}?policy.
func (h *ConfigHandler) PutBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.ensureBucket(w, r, bucket) {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if !json.Valid(body) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Policies must be valid JSON and the first byte must be '{'"))
		return
	}
	if err := h.meta.PutBucketConfig(r.Context(), bucket, metadata.ConfigPolicy, body); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteBucketPolicy handles DELETE /{bucket}?policy.
func (h *ConfigHandler) DeleteBucketPolicy(w http.ResponseWriter, r *http.Request) {
	h.deleteConfig(w, r, metadata.ConfigPolicy)
}

// GetBucketLifecycle handles GET /{bucket}?lifecycle. The configuration is
// stored and echoed back but never enforced.
func (h *ConfigHandler) GetBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	h.getConfig(w, r, metadata.ConfigLifecycle, s3err.ErrNoSuchLifecycleConfiguration)
}

// PutBucketLifecycle handles PUT /{bucket}?lifecycle.
func (h *ConfigHandler) PutBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.ensureBucket(w, r, bucket) {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var doc struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(body, &doc); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if err := h.meta.PutBucketConfig(r.Context(), bucket, metadata.ConfigLifecycle, body); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteBucketLifecycle handles DELETE /{bucket}?lifecycle.
func (h *ConfigHandler) DeleteBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	h.deleteConfig(w, r, metadata.ConfigLifecycle)
}
