// Package website implements static-website hosting for buckets: parsing and
// validating WebsiteConfiguration documents, index and error document
// resolution, and conditional routing-rule redirects. Requests reach this
// engine only when they arrive through a website endpoint host; plain SDK
// requests to the same bucket keep their XML error envelopes.
package website

import (
	"encoding/xml"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	s3err "github.com/sandbucket/sandbucket/internal/errors"
	"github.com/sandbucket/sandbucket/internal/metadata"
	"github.com/sandbucket/sandbucket/internal/storage"
)

// Configuration mirrors the S3 WebsiteConfiguration XML document.
type Configuration struct {
	XMLName               xml.Name               `xml:"WebsiteConfiguration"`
	IndexDocument         *IndexDocument         `xml:"IndexDocument"`
	ErrorDocument         *ErrorDocument         `xml:"ErrorDocument"`
	RedirectAllRequestsTo *RedirectAllRequestsTo `xml:"RedirectAllRequestsTo"`
	RoutingRules          []RoutingRule          `xml:"RoutingRules>RoutingRule"`
}

type IndexDocument struct {
	Suffix string `xml:"Suffix"`
}

type ErrorDocument struct {
	Key string `xml:"Key"`
}

type RedirectAllRequestsTo struct {
	HostName string `xml:"HostName"`
	Protocol string `xml:"Protocol"`
}

// RoutingRule redirects matching requests. A nil Condition matches every
// request that reaches rule evaluation.
type RoutingRule struct {
	Condition *Condition `xml:"Condition"`
	Redirect  Redirect   `xml:"Redirect"`
}

type Condition struct {
	KeyPrefixEquals             string `xml:"KeyPrefixEquals"`
	HttpErrorCodeReturnedEquals string `xml:"HttpErrorCodeReturnedEquals"`
}

type Redirect struct {
	Protocol             string `xml:"Protocol"`
	HostName             string `xml:"HostName"`
	ReplaceKeyPrefixWith string `xml:"ReplaceKeyPrefixWith"`
	ReplaceKeyWith       string `xml:"ReplaceKeyWith"`
	HttpRedirectCode     string `xml:"HttpRedirectCode"`
}

// Parse decodes and validates a WebsiteConfiguration document.
func Parse(body []byte) (*Configuration, error) {
	var cfg Configuration
	if err := xml.Unmarshal(body, &cfg); err != nil {
		return nil, s3err.ErrMalformedXML
	}
	if cfg.RedirectAllRequestsTo != nil {
		if cfg.IndexDocument != nil || cfg.ErrorDocument != nil || len(cfg.RoutingRules) > 0 {
			return nil, s3err.ErrInvalidRequest.WithMessage(
				"RedirectAllRequestsTo cannot be provided in conjunction with other Routing Rules.")
		}
		if cfg.RedirectAllRequestsTo.HostName == "" {
			return nil, s3err.ErrMalformedXML
		}
		if !validProtocol(cfg.RedirectAllRequestsTo.Protocol) {
			return nil, s3err.ErrInvalidRequest.WithMessage(
				"Invalid protocol, protocol can be http or https only")
		}
		return &cfg, nil
	}
	if cfg.IndexDocument == nil || cfg.IndexDocument.Suffix == "" {
		return nil, s3err.ErrInvalidArgument.WithMessage(
			"A value for IndexDocument Suffix must be provided if RedirectAllRequestsTo is empty")
	}
	if strings.Contains(cfg.IndexDocument.Suffix, "/") {
		return nil, s3err.ErrInvalidArgument.WithMessage("The IndexDocument Suffix is not well formed")
	}
	for _, rule := range cfg.RoutingRules {
		if rule.Condition != nil &&
			rule.Condition.KeyPrefixEquals == "" && rule.Condition.HttpErrorCodeReturnedEquals == "" {
			return nil, s3err.ErrInvalidRequest.WithMessage(
				"Condition cannot be empty. At least one of HttpErrorCodeReturnedEquals or KeyPrefixEquals must be specified.")
		}
		if rule.Redirect.ReplaceKeyWith != "" && rule.Redirect.ReplaceKeyPrefixWith != "" {
			return nil, s3err.ErrInvalidRequest.WithMessage(
				"You can only define ReplaceKeyPrefix or ReplaceKey but not both.")
		}
		if !validProtocol(rule.Redirect.Protocol) {
			return nil, s3err.ErrInvalidRequest.WithMessage(
				"Invalid protocol, protocol can be http or https only")
		}
		if rule.Redirect.HttpRedirectCode != "" {
			code, err := strconv.Atoi(rule.Redirect.HttpRedirectCode)
			if err != nil || code < 300 || code > 399 {
				return nil, s3err.ErrInvalidRequest.WithMessage(
					"The provided HTTP redirect code is not valid. Valid codes are 3XX.")
			}
		}
	}
	return &cfg, nil
}

func validProtocol(p string) bool {
	return p == "" || p == "http" || p == "https"
}

// findRoutingRule returns the first rule whose condition admits the key and
// would-be error status, or nil.
func (c *Configuration) findRoutingRule(key string, errCode int) *RoutingRule {
	for i := range c.RoutingRules {
		cond := c.RoutingRules[i].Condition
		if cond == nil {
			return &c.RoutingRules[i]
		}
		if cond.KeyPrefixEquals != "" && !strings.HasPrefix(key, cond.KeyPrefixEquals) {
			continue
		}
		if cond.HttpErrorCodeReturnedEquals != "" {
			want, err := strconv.Atoi(cond.HttpErrorCodeReturnedEquals)
			if err != nil || want != errCode {
				continue
			}
		}
		return &c.RoutingRules[i]
	}
	return nil
}

// redirectLocation builds the Location and status for a fired routing rule.
// Absent Redirect fields fall back to the incoming request's scheme and host.
// When the redirect stays on this server and the bucket was addressed in the
// path, the bucket segment is kept so the target key still resolves.
func (r *RoutingRule) redirectLocation(req *http.Request, bucket, key string, pathStyle bool) (string, int) {
	proto := r.Redirect.Protocol
	if proto == "" {
		proto = requestScheme(req)
	}
	host := r.Redirect.HostName
	sameHost := host == ""
	if sameHost {
		host = req.Host
	}
	newKey := key
	if r.Redirect.ReplaceKeyWith != "" {
		newKey = r.Redirect.ReplaceKeyWith
	} else if r.Redirect.ReplaceKeyPrefixWith != "" || r.Condition != nil && r.Condition.KeyPrefixEquals != "" {
		prefix := ""
		if r.Condition != nil {
			prefix = r.Condition.KeyPrefixEquals
		}
		newKey = r.Redirect.ReplaceKeyPrefixWith + strings.TrimPrefix(key, prefix)
	}
	path := newKey
	if sameHost && pathStyle {
		path = bucket + "/" + newKey
	}
	status := http.StatusMovedPermanently
	if r.Redirect.HttpRedirectCode != "" {
		if code, err := strconv.Atoi(r.Redirect.HttpRedirectCode); err == nil {
			status = code
		}
	}
	return fmt.Sprintf("%s://%s/%s", proto, host, path), status
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Engine serves website-endpoint GET and HEAD requests for a bucket.
type Engine struct {
	Meta   metadata.MetadataStore
	Blobs  storage.StorageBackend
	Logger *slog.Logger
}

func NewEngine(meta metadata.MetadataStore, blobs storage.StorageBackend, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Meta: meta, Blobs: blobs, Logger: logger}
}

// Serve handles a request that arrived through a website endpoint.
// pathStyle indicates the bucket was named in the path rather than the Host
// header; it changes the Location emitted for directory-style redirects.
func (e *Engine) Serve(w http.ResponseWriter, r *http.Request, bucket, key string, pathStyle bool) {
	ctx := r.Context()

	raw, err := e.Meta.GetBucketConfig(ctx, bucket, "website")
	if err != nil {
		e.Logger.Error("loading website config", "bucket", bucket, "error", err)
		e.writeHTMLError(w, r, s3err.ErrInternalError, key)
		return
	}
	if raw == nil {
		e.writeConfigMissing(w, r, bucket)
		return
	}
	cfg, err := Parse(raw)
	if err != nil {
		e.Logger.Error("stored website config failed to parse", "bucket", bucket, "error", err)
		e.writeHTMLError(w, r, s3err.ErrInternalError, key)
		return
	}

	if cfg.RedirectAllRequestsTo != nil {
		proto := cfg.RedirectAllRequestsTo.Protocol
		if proto == "" {
			proto = requestScheme(r)
		}
		location := fmt.Sprintf("%s://%s/%s", proto, cfg.RedirectAllRequestsTo.HostName, key)
		http.Redirect(w, r, location, http.StatusMovedPermanently)
		return
	}

	resolved := key
	if resolved == "" || strings.HasSuffix(resolved, "/") {
		resolved += cfg.IndexDocument.Suffix
	}

	obj, err := e.Meta.GetObject(ctx, bucket, resolved)
	if err != nil {
		e.Logger.Error("looking up object", "bucket", bucket, "key", resolved, "error", err)
		e.writeHTMLError(w, r, s3err.ErrInternalError, key)
		return
	}
	if obj != nil {
		if obj.WebsiteRedirectLocation != "" {
			http.Redirect(w, r, obj.WebsiteRedirectLocation, http.StatusMovedPermanently)
			return
		}
		e.serveObject(w, r, obj)
		return
	}

	// A bare key with an index document nested under it is treated as a
	// directory: redirect so relative links resolve under the trailing slash.
	if resolved == key {
		indexKey := key + "/" + cfg.IndexDocument.Suffix
		exists, err := e.Meta.ObjectExists(ctx, bucket, indexKey)
		if err == nil && exists {
			location := "/" + key + "/"
			if pathStyle {
				location = "/" + bucket + location
			}
			http.Redirect(w, r, location, http.StatusFound)
			return
		}
	}

	e.serveError(w, r, cfg, bucket, key, pathStyle, s3err.ErrNoSuchKey)
}

// serveError applies routing rules, then the configured error document, then
// the built-in HTML error page, in that order.
func (e *Engine) serveError(w http.ResponseWriter, r *http.Request, cfg *Configuration, bucket, key string, pathStyle bool, s3e *s3err.S3Error) {
	if rule := cfg.findRoutingRule(key, s3e.HTTPStatus); rule != nil {
		location, status := rule.redirectLocation(r, bucket, key, pathStyle)
		http.Redirect(w, r, location, status)
		return
	}

	if cfg.ErrorDocument != nil && cfg.ErrorDocument.Key != "" {
		obj, err := e.Meta.GetObject(r.Context(), bucket, cfg.ErrorDocument.Key)
		if err == nil && obj != nil {
			if obj.WebsiteRedirectLocation != "" {
				http.Redirect(w, r, obj.WebsiteRedirectLocation, http.StatusMovedPermanently)
				return
			}
			body, _, _, err := e.Blobs.GetObject(r.Context(), bucket, cfg.ErrorDocument.Key)
			if err == nil {
				defer body.Close()
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(s3e.HTTPStatus)
				if r.Method != http.MethodHead {
					io.Copy(w, body)
				}
				return
			}
		}
	}

	e.writeHTMLError(w, r, s3e, key)
}

func (e *Engine) serveObject(w http.ResponseWriter, r *http.Request, obj *metadata.ObjectRecord) {
	body, size, _, err := e.Blobs.GetObject(r.Context(), obj.Bucket, obj.Key)
	if err != nil {
		e.Logger.Error("opening payload", "bucket", obj.Bucket, "key", obj.Key, "error", err)
		e.writeHTMLError(w, r, s3err.ErrInternalError, obj.Key)
		return
	}
	defer body.Close()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "binary/octet-stream"
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	h.Set("ETag", obj.ETag)
	h.Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	h.Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		io.Copy(w, body)
	}
}

// writeConfigMissing answers a website request against a bucket that never
// had PutBucketWebsite called. The envelope is the usual XML error but the
// content type is text/html, matching the live endpoint's behavior.
func (e *Engine) writeConfigMissing(w http.ResponseWriter, r *http.Request, bucket string) {
	requestID := w.Header().Get("x-amz-request-id")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	if r.Method == http.MethodHead {
		return
	}
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchWebsiteConfiguration</Code><Message>The specified bucket does not have a website configuration</Message><BucketName>%s</BucketName><RequestId>%s</RequestId></Error>`,
		template.HTMLEscapeString(bucket), requestID)
}

var errorPageTmpl = template.Must(template.New("errorPage").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Status}} {{.StatusText}}</title></head>
<body>
<h1>{{.Status}} {{.StatusText}}</h1>
<ul>
<li>Code: {{.Code}}</li>
<li>Message: {{.Message}}</li>
{{if .Key}}<li>Key: {{.Key}}</li>
{{end}}<li>RequestId: {{.RequestID}}</li>
</ul>
<hr/>
</body>
</html>
`))

// writeHTMLError renders the built-in error page used when no error document
// or routing rule handles the failure.
func (e *Engine) writeHTMLError(w http.ResponseWriter, r *http.Request, s3e *s3err.S3Error, key string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(s3e.HTTPStatus)
	if r.Method == http.MethodHead {
		return
	}
	errorPageTmpl.Execute(w, map[string]any{
		"Status":     s3e.HTTPStatus,
		"StatusText": http.StatusText(s3e.HTTPStatus),
		"Code":       s3e.Code,
		"Message":    s3e.Message,
		"Key":        key,
		"RequestID":  w.Header().Get("x-amz-request-id"),
	})
}
