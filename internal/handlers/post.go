package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	s3err "github.com/sandbucket/sandbucket/internal/errors"
	"github.com/sandbucket/sandbucket/internal/events"
	"github.com/sandbucket/sandbucket/internal/metadata"
	"github.com/sandbucket/sandbucket/internal/xmlutil"
)

// maxPostFormMemory bounds the in-memory portion of a parsed upload form;
// larger file parts spill to disk.
const maxPostFormMemory = 10 << 20

// PostObject handles POST /{bucket} with a multipart/form-data body
// (browser-based form upload). The object key comes from the "key" form
// field, with "${filename}" replaced by the uploaded file's name.
func (h *ObjectHandler) PostObject(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)

	if !h.ensureBucket(w, r, bucket) {
		return
	}

	if err := r.ParseMultipartForm(maxPostFormMemory); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML.WithMessage("The body of your POST request is not well-formed multipart/form-data."))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("POST requires exactly one file upload per request."))
		return
	}
	defer file.Close()

	keyTemplate := r.FormValue("key")
	if keyTemplate == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Bucket POST must contain a field named 'key'. If it is specified, please check the order of the fields."))
		return
	}
	key := strings.ReplaceAll(keyTemplate, "${filename}", header.Filename)
	if len(key) > maxKeyLength {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}

	contentType := r.FormValue("Content-Type")
	if contentType == "" {
		contentType = header.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType = "binary/octet-stream"
	}

	userMeta := make(map[string]string)
	for field, values := range r.MultipartForm.Value {
		lower := strings.ToLower(field)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
			if name := lower[len("x-amz-meta-"):]; name != "" {
				userMeta[name] = values[0]
			}
		}
	}
	if len(userMeta) == 0 {
		userMeta = nil
	}

	written, etag, err := h.store.PutObject(r.Context(), bucket, key, file, header.Size)
	if err != nil {
		h.logger.Error("writing object payload", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	obj := &metadata.ObjectRecord{
		Bucket:       bucket,
		Key:          key,
		Size:         written,
		ETag:         etag,
		ContentType:  contentType,
		ACL:          aclToJSON(parseCannedACL(r.FormValue("acl"), h.ownerID, h.ownerDisplay)),
		UserMetadata: userMeta,
		LastModified: time.Now(),
	}
	if err := h.meta.PutObject(r.Context(), obj); err != nil {
		h.logger.Error("storing object metadata", "bucket", bucket, "key", key, "error", err)
		h.store.DeleteObject(r.Context(), bucket, key)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)

	if redirect := r.FormValue("success_action_redirect"); redirect != "" {
		if target, parseErr := url.Parse(redirect); parseErr == nil {
			q := target.Query()
			q.Set("bucket", bucket)
			q.Set("key", key)
			q.Set("etag", etag)
			target.RawQuery = q.Encode()
			w.Header().Set("Location", target.String())
			w.WriteHeader(http.StatusSeeOther)
			h.publish(events.ObjectCreatedPost, bucket, key, written, etag)
			return
		}
	}

	status := http.StatusCreated
	switch r.FormValue("success_action_status") {
	case "200":
		status = http.StatusOK
	case "204":
		status = http.StatusNoContent
	case "201", "":
		status = http.StatusCreated
	}

	if status == http.StatusCreated {
		location := "/" + bucket + "/" + key
		xmlutil.RenderPostResponse(w, status, &xmlutil.PostResponse{
			Location: location,
			Bucket:   bucket,
			Key:      key,
			ETag:     etag,
		})
	} else {
		w.WriteHeader(status)
	}

	h.publish(events.ObjectCreatedPost, bucket, key, written, etag)
}
