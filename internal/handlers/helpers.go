// Package handlers implements the S3 operation handlers: service, bucket,
// object, multipart, bucket-configuration, and browser POST uploads.
package handlers

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	s3err "github.com/sandbucket/sandbucket/internal/errors"
	"github.com/sandbucket/sandbucket/internal/metadata"
	"github.com/sandbucket/sandbucket/internal/xmlutil"
)

// bucketNameRegex validates bucket names per S3 naming rules:
// 3-63 characters, lowercase letters, digits, hyphens, and periods,
// beginning and ending with a letter or digit.
var bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)

// ipAddressRegex detects IP address-formatted bucket names.
var ipAddressRegex = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// validateBucketName checks whether the given name is a valid S3 bucket name.
// Returns an error message string if invalid, or empty string if valid.
func validateBucketName(name string) string {
	if len(name) < 3 || len(name) > 63 {
		return "Bucket name must be between 3 and 63 characters long"
	}
	if !bucketNameRegex.MatchString(name) {
		return "Bucket name can only contain lowercase letters, numbers, hyphens, and periods"
	}
	if ipAddressRegex.MatchString(name) {
		return "Bucket name must not be formatted as an IP address"
	}
	if strings.HasPrefix(name, "xn--") {
		return "Bucket name must not start with xn--"
	}
	if strings.HasSuffix(name, "-s3alias") || strings.HasSuffix(name, "--ol-s3") {
		return "Bucket name must not end with -s3alias or --ol-s3"
	}
	if strings.Contains(name, "..") {
		return "Bucket name must not contain consecutive periods"
	}
	if strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return "Bucket name must not contain dashes adjacent to periods"
	}
	return ""
}

// defaultPrivateACL returns a JSON-serialized ACL granting FULL_CONTROL to
// the fixed owner. ACLs are stored and echoed back but never enforced.
func defaultPrivateACL(ownerID, ownerDisplay string) json.RawMessage {
	return aclToJSON(parseCannedACL("private", ownerID, ownerDisplay))
}

// parseCannedACL converts a canned ACL name into an AccessControlPolicy with
// the appropriate grants for the fixed owner. Unknown names fall back to
// private.
func parseCannedACL(cannedACL, ownerID, ownerDisplay string) *xmlutil.AccessControlPolicy {
	ownerGrant := xmlutil.Grant{
		Grantee: xmlutil.Grantee{
			Type:        "CanonicalUser",
			ID:          ownerID,
			DisplayName: ownerDisplay,
		},
		Permission: "FULL_CONTROL",
	}
	allUsersGrant := func(permission string) xmlutil.Grant {
		return xmlutil.Grant{
			Grantee: xmlutil.Grantee{
				Type: "Group",
				URI:  "http://acs.amazonaws.com/groups/global/AllUsers",
			},
			Permission: permission,
		}
	}

	grants := []xmlutil.Grant{ownerGrant}
	switch cannedACL {
	case "public-read":
		grants = append(grants, allUsersGrant("READ"))
	case "public-read-write":
		grants = append(grants, allUsersGrant("READ"), allUsersGrant("WRITE"))
	case "authenticated-read":
		grants = append(grants, xmlutil.Grant{
			Grantee: xmlutil.Grantee{
				Type: "Group",
				URI:  "http://acs.amazonaws.com/groups/global/AuthenticatedUsers",
			},
			Permission: "READ",
		})
	}

	return &xmlutil.AccessControlPolicy{
		Owner:             xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay},
		AccessControlList: xmlutil.ACL{Grants: grants},
	}
}

func aclToJSON(acp *xmlutil.AccessControlPolicy) json.RawMessage {
	data, _ := json.Marshal(acp)
	return data
}

// aclFromJSON parses a stored JSON ACL. Returns nil if empty or unparseable.
func aclFromJSON(data json.RawMessage) *xmlutil.AccessControlPolicy {
	if len(data) == 0 || string(data) == "{}" {
		return nil
	}
	var acp xmlutil.AccessControlPolicy
	if err := json.Unmarshal(data, &acp); err != nil {
		return nil
	}
	return &acp
}

// extractBucketName returns the first path segment. Virtual-host requests are
// rewritten to path-style by the router before handlers run, so the path is
// the single source of truth here.
func extractBucketName(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return path
}

// extractObjectKey returns everything after the bucket segment. Trailing
// slashes are preserved: "text" and "text/" name distinct objects.
func extractObjectKey(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return ""
}

// extractUserMetadata collects x-amz-meta-* request headers into a map with
// the prefix stripped and keys lowercased.
func extractUserMetadata(r *http.Request) map[string]string {
	meta := make(map[string]string)
	for key, values := range r.Header {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "x-amz-meta-") {
			metaKey := lower[len("x-amz-meta-"):]
			if len(values) > 0 && metaKey != "" {
				meta[metaKey] = values[0]
			}
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// checkContentMD5 validates a Content-MD5 request header against the computed
// ETag of the stored body. The header is the base64 MD5 digest; the ETag is
// the quoted hex digest. Returns ErrInvalidDigest for an undecodable header
// and ErrBadDigest for a decodable one that does not match.
func checkContentMD5(header, etag string) *s3err.S3Error {
	if header == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil || len(raw) != md5.Size {
		return s3err.ErrInvalidDigest
	}
	if hex.EncodeToString(raw) != strings.Trim(etag, `"`) {
		return s3err.ErrBadDigest
	}
	return nil
}

// parseDeleteRequest parses a DeleteObjects XML request body.
func parseDeleteRequest(body io.Reader) (*xmlutil.DeleteRequest, error) {
	var req xmlutil.DeleteRequest
	if err := xml.NewDecoder(body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// parseTagging parses a Tagging XML request body into metadata tags,
// preserving document order.
func parseTagging(body io.Reader) ([]metadata.Tag, error) {
	var doc xmlutil.Tagging
	if err := xml.NewDecoder(body).Decode(&doc); err != nil {
		return nil, err
	}
	tags := make([]metadata.Tag, 0, len(doc.TagSet.Tags))
	for _, t := range doc.TagSet.Tags {
		if t.Key == "" {
			return nil, fmt.Errorf("tag with empty key")
		}
		tags = append(tags, metadata.Tag{Key: t.Key, Value: t.Value})
	}
	return tags, nil
}

// parseCopySource parses the X-Amz-Copy-Source header into a source bucket
// and key. The value is percent-encoded "/bucket/key" or "bucket/key".
func parseCopySource(header string) (bucket, key string, ok bool) {
	decoded, err := url.PathUnescape(header)
	if err != nil {
		return "", "", false
	}
	decoded = strings.TrimPrefix(decoded, "/")
	if decoded == "" {
		return "", "", false
	}
	idx := strings.IndexByte(decoded, '/')
	if idx < 0 || idx == len(decoded)-1 {
		return "", "", false
	}
	return decoded[:idx], decoded[idx+1:], true
}

// parseRange interprets an HTTP Range header against an object of the given
// size. It distinguishes three outcomes the caller handles differently:
//   - ok=true: serve [start, end] as 206 Partial Content.
//   - ok=false, err=nil: the header is not a usable bytes range; S3 ignores
//     it and serves the whole object.
//   - err!=nil: the range is syntactically valid but unsatisfiable; respond
//     416 with "Content-Range: bytes */<size>".
func parseRange(rangeHeader string, objectSize int64) (start, end int64, ok bool, err *s3err.S3Error) {
	spec, found := strings.CutPrefix(rangeHeader, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false, nil
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false, nil
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		// Suffix range: bytes=-N means the last N bytes.
		suffixLen, parseErr := strconv.ParseInt(endStr, 10, 64)
		if parseErr != nil {
			return 0, 0, false, nil
		}
		if suffixLen <= 0 {
			return 0, 0, false, s3err.ErrInvalidRange
		}
		if suffixLen >= objectSize {
			suffixLen = objectSize
		}
		if suffixLen == 0 {
			return 0, 0, false, s3err.ErrInvalidRange
		}
		return objectSize - suffixLen, objectSize - 1, true, nil
	}

	start, parseErr := strconv.ParseInt(startStr, 10, 64)
	if parseErr != nil || start < 0 {
		return 0, 0, false, nil
	}
	if start >= objectSize {
		return 0, 0, false, s3err.ErrInvalidRange
	}
	if endStr == "" {
		return start, objectSize - 1, true, nil
	}
	end, parseErr = strconv.ParseInt(endStr, 10, 64)
	if parseErr != nil {
		return 0, 0, false, nil
	}
	if end < start {
		return 0, 0, false, nil
	}
	if end >= objectSize {
		end = objectSize - 1
	}
	return start, end, true, nil
}

// checkCopySourceConditionals evaluates x-amz-copy-source-if-* headers
// against the source object's ETag and LastModified. Returns false plus the
// error to render when a precondition fails.
func checkCopySourceConditionals(r *http.Request, etag string, lastModified time.Time) (proceed bool, err *s3err.S3Error) {
	objectETag := strings.Trim(etag, `"`)

	ifMatch := r.Header.Get("x-amz-copy-source-if-match")
	if ifMatch != "" && !etagListMatches(ifMatch, objectETag) {
		return false, s3err.ErrPreconditionFailed
	}
	if ifMatch == "" {
		if since := r.Header.Get("x-amz-copy-source-if-unmodified-since"); since != "" {
			if t, parseErr := http.ParseTime(since); parseErr == nil {
				if lastModified.Truncate(time.Second).After(t.Truncate(time.Second)) {
					return false, s3err.ErrPreconditionFailed
				}
			}
		}
	}

	ifNoneMatch := r.Header.Get("x-amz-copy-source-if-none-match")
	if ifNoneMatch != "" && etagListMatches(ifNoneMatch, objectETag) {
		return false, s3err.ErrPreconditionFailed
	}
	if ifNoneMatch == "" {
		if since := r.Header.Get("x-amz-copy-source-if-modified-since"); since != "" {
			if t, parseErr := http.ParseTime(since); parseErr == nil {
				if !lastModified.Truncate(time.Second).After(t.Truncate(time.Second)) {
					return false, s3err.ErrPreconditionFailed
				}
			}
		}
	}

	return true, nil
}

// etagListMatches reports whether a comma-separated ETag list (or "*")
// contains the given unquoted ETag.
func etagListMatches(list, objectETag string) bool {
	if list == "*" {
		return true
	}
	for _, tag := range strings.Split(list, ",") {
		if strings.Trim(strings.TrimSpace(tag), `"`) == objectETag {
			return true
		}
	}
	return false
}

// checkConditionalHeaders evaluates If-Match / If-Unmodified-Since /
// If-None-Match / If-Modified-Since per RFC 7232 precedence. Returns the
// status to respond with and whether the normal response should be skipped.
func checkConditionalHeaders(r *http.Request, etag string, lastModified time.Time) (statusCode int, skip bool) {
	objectETag := strings.Trim(etag, `"`)

	ifMatch := r.Header.Get("If-Match")
	if ifMatch != "" && !etagListMatches(ifMatch, objectETag) {
		return http.StatusPreconditionFailed, true
	}
	if ifMatch == "" {
		if since := r.Header.Get("If-Unmodified-Since"); since != "" {
			if t, parseErr := http.ParseTime(since); parseErr == nil {
				if lastModified.Truncate(time.Second).After(t.Truncate(time.Second)) {
					return http.StatusPreconditionFailed, true
				}
			}
		}
	}

	ifNoneMatch := r.Header.Get("If-None-Match")
	if ifNoneMatch != "" && etagListMatches(ifNoneMatch, objectETag) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			return http.StatusNotModified, true
		}
		return http.StatusPreconditionFailed, true
	}
	if ifNoneMatch == "" {
		if since := r.Header.Get("If-Modified-Since"); since != "" {
			if t, parseErr := http.ParseTime(since); parseErr == nil {
				if !lastModified.Truncate(time.Second).After(t.Truncate(time.Second)) {
					if r.Method == http.MethodGet || r.Method == http.MethodHead {
						return http.StatusNotModified, true
					}
				}
			}
		}
	}

	return 0, false
}

// setObjectResponseHeaders emits the standard object headers used by
// GetObject and HeadObject.
func setObjectResponseHeaders(w http.ResponseWriter, obj *metadata.ObjectRecord) {
	h := w.Header()
	h.Set("Content-Type", obj.ContentType)
	h.Set("ETag", obj.ETag)
	h.Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
	h.Set("Accept-Ranges", "bytes")

	if obj.ContentEncoding != "" {
		h.Set("Content-Encoding", obj.ContentEncoding)
	}
	if obj.ContentLanguage != "" {
		h.Set("Content-Language", obj.ContentLanguage)
	}
	if obj.ContentDisposition != "" {
		h.Set("Content-Disposition", obj.ContentDisposition)
	}
	if obj.CacheControl != "" {
		h.Set("Cache-Control", obj.CacheControl)
	}
	if obj.Expires != "" {
		h.Set("Expires", obj.Expires)
	}
	if obj.StorageClass != "" && obj.StorageClass != "STANDARD" {
		h.Set("x-amz-storage-class", obj.StorageClass)
	}
	if obj.WebsiteRedirectLocation != "" {
		h.Set("x-amz-website-redirect-location", obj.WebsiteRedirectLocation)
	}
	if n := len(obj.Tags); n > 0 {
		h.Set("x-amz-tagging-count", strconv.Itoa(n))
	}
	for key, value := range obj.UserMetadata {
		h.Set("x-amz-meta-"+strings.ToLower(key), value)
	}
	h.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
}

// applyResponseOverrides applies response-* query parameter overrides. The
// auth middleware has already rejected these on anonymous requests.
func applyResponseOverrides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	overrides := map[string]string{
		"response-content-type":        "Content-Type",
		"response-content-language":    "Content-Language",
		"response-expires":             "Expires",
		"response-cache-control":       "Cache-Control",
		"response-content-disposition": "Content-Disposition",
		"response-content-encoding":    "Content-Encoding",
	}
	for param, header := range overrides {
		if v := q.Get(param); v != "" {
			w.Header().Set(header, v)
		}
	}
}

// CompletePart is a single part entry in a CompleteMultipartUpload body.
type CompletePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// CompleteMultipartUploadRequest is the CompleteMultipartUpload request body.
type CompleteMultipartUploadRequest struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []CompletePart `xml:"Part"`
}

func parseCompleteMultipartXML(body io.Reader) ([]CompletePart, error) {
	var req CompleteMultipartUploadRequest
	if err := xml.NewDecoder(body).Decode(&req); err != nil {
		return nil, fmt.Errorf("decoding CompleteMultipartUpload XML: %w", err)
	}
	return req.Parts, nil
}

// computeCompositeETag computes the S3 composite ETag: the hex MD5 of the
// concatenated raw part digests, suffixed with "-N" for N parts.
func computeCompositeETag(partETags []string) string {
	h := md5.New()
	for _, etag := range partETags {
		raw, err := hex.DecodeString(strings.Trim(etag, `"`))
		if err != nil {
			continue
		}
		h.Write(raw)
	}
	return fmt.Sprintf(`"%x-%d"`, h.Sum(nil), len(partETags))
}
