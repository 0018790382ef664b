package server

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type addressingKey int

const websiteAddressingKey addressingKey = 0

// websiteAddressing tags a request that arrived via the static website
// endpoint. pathStyle records whether the bucket came from the path (true)
// or the Host subdomain (false); directory redirects include the bucket
// segment only in the path-style form.
type websiteAddressing struct {
	pathStyle bool
}

func websiteFromContext(ctx context.Context) (pathStyle, ok bool) {
	wa, ok := ctx.Value(websiteAddressingKey).(websiteAddressing)
	return wa.pathStyle, ok
}

func withWebsiteAddressing(r *http.Request, pathStyle bool) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), websiteAddressingKey, websiteAddressing{pathStyle}))
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isIPAddress(host string) bool {
	return net.ParseIP(host) != nil
}

// rewriteToPathStyle prepends the bucket segment so that downstream
// middleware and handlers see a single canonical addressing form.
func rewriteToPathStyle(r *http.Request, bucket string) {
	r.URL.Path = "/" + bucket + r.URL.Path
	if r.URL.RawPath != "" {
		r.URL.RawPath = "/" + bucket + r.URL.RawPath
	}
}

// resolveHost normalizes the three S3 addressing styles before auth and
// dispatch run:
//
//   - path-style: Host is the service endpoint, an IP, or localhost; the
//     bucket is the first path segment.
//   - virtual-hosted: Host is <bucket>.<serviceEndpoint>; the path is the
//     key. Rewritten to path-style here.
//   - CNAME: Host is literally the name of an existing bucket.
//
// Hosts carrying an s3-website label select the website engine instead of
// the S3 API surface.
func (s *Server) resolveHost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := s.cfg.Server.ServiceEndpoint
		host := stripPort(r.Host)

		switch {
		case host == "", host == endpoint, host == "localhost", isIPAddress(host):
			next.ServeHTTP(w, r)
			return
		}

		if suffix := "." + endpoint; strings.HasSuffix(host, suffix) {
			sub := strings.TrimSuffix(host, suffix)
			switch {
			case strings.HasPrefix(sub, "s3-website"):
				// Website endpoint without a bucket label: bucket in path.
				next.ServeHTTP(w, withWebsiteAddressing(r, true))
				return
			case strings.Contains(sub, ".s3-website"):
				bucket := sub[:strings.Index(sub, ".s3-website")]
				rewriteToPathStyle(r, bucket)
				next.ServeHTTP(w, withWebsiteAddressing(r, false))
				return
			case sub == "s3" || strings.HasPrefix(sub, "s3."):
				// Regional API aliases like s3.us-east-1 are path-style.
				next.ServeHTTP(w, r)
				return
			case s.cfg.Server.VhostBuckets && !strings.Contains(sub, "."):
				rewriteToPathStyle(r, sub)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		// CNAME-style: the Host header names an existing bucket.
		if s.cfg.Server.VhostBuckets && s.meta != nil {
			if exists, err := s.meta.BucketExists(r.Context(), host); err == nil && exists {
				rewriteToPathStyle(r, host)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// stripBasePath mounts the S3 surface under the configured base path.
// Requests outside the prefix fall through to the given handler.
func stripBasePath(basePath string, next, outer http.Handler) http.Handler {
	if basePath == "" || basePath == "/" {
		return next
	}
	prefix := "/" + strings.Trim(basePath, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == prefix {
			r.URL.Path = "/"
			next.ServeHTTP(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, prefix+"/") {
			r.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
			if r.URL.RawPath != "" {
				r.URL.RawPath = strings.TrimPrefix(r.URL.RawPath, prefix)
			}
			next.ServeHTTP(w, r)
			return
		}
		outer.ServeHTTP(w, r)
	})
}
