// Package cors implements the bucket CORS configuration: parsing and
// validating the XML rules, matching requests against them, and shaping
// preflight and simple-request response headers.
package cors

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	s3err "github.com/sandbucket/sandbucket/internal/errors"
)

// allowedMethods is the S3 whitelist for CORSRule AllowedMethod values.
var allowedMethods = map[string]bool{
	"GET":    true,
	"PUT":    true,
	"POST":   true,
	"DELETE": true,
	"HEAD":   true,
}

// Rule is one CORSRule from a bucket's CORS configuration.
type Rule struct {
	AllowedMethods []string `xml:"AllowedMethod"`
	AllowedOrigins []string `xml:"AllowedOrigin"`
	AllowedHeaders []string `xml:"AllowedHeader"`
	ExposeHeaders  []string `xml:"ExposeHeader"`
	MaxAgeSeconds  *int     `xml:"MaxAgeSeconds"`
}

// Configuration is a parsed and validated CORSConfiguration document.
type Configuration struct {
	XMLName xml.Name `xml:"CORSConfiguration"`
	Rules   []Rule   `xml:"CORSRule"`
}

// Parse unmarshals and validates a CORSConfiguration XML document. The
// returned error is an *s3err.S3Error suitable for the PUT ?cors response.
func Parse(body []byte) (*Configuration, error) {
	var cfg Configuration
	if err := xml.Unmarshal(body, &cfg); err != nil {
		return nil, s3err.ErrMalformedXML
	}
	if len(cfg.Rules) == 0 {
		return nil, s3err.ErrMalformedXML
	}
	for _, rule := range cfg.Rules {
		if len(rule.AllowedOrigins) == 0 || len(rule.AllowedMethods) == 0 {
			return nil, s3err.ErrMalformedXML
		}
		for _, method := range rule.AllowedMethods {
			if !allowedMethods[method] {
				return nil, s3err.ErrInvalidRequest.WithMessage("Found unsupported HTTP method in CORS config. Unsupported method is " + method)
			}
		}
		for _, origin := range rule.AllowedOrigins {
			if strings.Count(origin, "*") > 1 {
				return nil, s3err.ErrInvalidRequest.WithMessage(fmt.Sprintf("AllowedOrigin %q can not have more than one wildcard.", origin))
			}
		}
		for _, header := range rule.AllowedHeaders {
			if strings.Count(header, "*") > 1 {
				return nil, s3err.ErrInvalidRequest.WithMessage(fmt.Sprintf("AllowedHeader %q can not have more than one wildcard.", header))
			}
		}
	}
	return &cfg, nil
}

// globMatch reports whether value matches pattern, where pattern contains at
// most one '*' matching any substring. Matching is exact when no wildcard is
// present.
func globMatch(pattern, value string) bool {
	idx := strings.IndexByte(pattern, '*')
	if idx < 0 {
		return pattern == value
	}
	prefix, suffix := pattern[:idx], pattern[idx+1:]
	return len(value) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(value, prefix) &&
		strings.HasSuffix(value, suffix)
}

// matchRule reports whether a rule admits the given origin, method, and
// requested headers.
func matchRule(rule Rule, origin, method string, reqHeaders []string) bool {
	originOK := false
	for _, o := range rule.AllowedOrigins {
		if globMatch(o, origin) {
			originOK = true
			break
		}
	}
	if !originOK {
		return false
	}

	methodOK := false
	for _, m := range rule.AllowedMethods {
		if m == method {
			methodOK = true
			break
		}
	}
	if !methodOK {
		return false
	}

	for _, h := range reqHeaders {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		headerOK := false
		for _, allowed := range rule.AllowedHeaders {
			if globMatch(strings.ToLower(allowed), h) {
				headerOK = true
				break
			}
		}
		if !headerOK {
			return false
		}
	}
	return true
}

// Match finds the first rule admitting the request, iterating rules in
// document order. reqHeaders is the parsed Access-Control-Request-Headers
// list (empty for simple requests).
func (c *Configuration) Match(origin, method string, reqHeaders []string) *Rule {
	for i := range c.Rules {
		if matchRule(c.Rules[i], origin, method, reqHeaders) {
			return &c.Rules[i]
		}
	}
	return nil
}

// isWildcardOnly reports whether the rule's matching origin set is the bare
// "*" pattern, which changes how Allow-Origin and Allow-Credentials are
// emitted.
func isWildcardOnly(rule *Rule, origin string) bool {
	for _, o := range rule.AllowedOrigins {
		if o == "*" {
			return true
		}
		if globMatch(o, origin) {
			return false
		}
	}
	return false
}

// ApplySimple decorates a non-preflight response with the CORS headers the
// matched rule grants. No-op when cfg is nil or nothing matches.
func ApplySimple(w http.ResponseWriter, r *http.Request, cfg *Configuration) {
	if cfg == nil {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	rule := cfg.Match(origin, r.Method, nil)
	if rule == nil {
		return
	}

	h := w.Header()
	if isWildcardOnly(rule, origin) {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	expose := rule.ExposeHeaders
	if len(expose) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(expose, ", "))
	}
	h.Add("Vary", "Origin")
}

// ExposeRangeHeaders adds the range-related headers to the exposed set for
// 206 responses.
func ExposeRangeHeaders(w http.ResponseWriter) {
	h := w.Header()
	if h.Get("Access-Control-Allow-Origin") == "" {
		return
	}
	existing := h.Get("Access-Control-Expose-Headers")
	rangeHeaders := "Accept-Ranges, Content-Range"
	if existing == "" {
		h.Set("Access-Control-Expose-Headers", rangeHeaders)
	} else if !strings.Contains(existing, "Content-Range") {
		h.Set("Access-Control-Expose-Headers", existing+", "+rangeHeaders)
	}
}

// Preflight answers an OPTIONS preflight request. Returns an *s3err.S3Error
// when the preflight must be refused; the caller renders it.
func Preflight(w http.ResponseWriter, r *http.Request, cfg *Configuration) error {
	origin := r.Header.Get("Origin")
	method := r.Header.Get("Access-Control-Request-Method")
	if origin == "" {
		return s3err.ErrCORSForbidden.WithMessage("Insufficient information. Origin request header needed.")
	}
	if method == "" {
		return s3err.ErrBadRequest.WithMessage("Invalid Access-Control-Request-Method: null")
	}

	var reqHeaders []string
	if raw := r.Header.Get("Access-Control-Request-Headers"); raw != "" {
		reqHeaders = strings.Split(raw, ",")
	}

	var rule *Rule
	if cfg != nil {
		rule = cfg.Match(origin, method, reqHeaders)
	}
	if rule == nil {
		return s3err.ErrCORSForbidden
	}

	h := w.Header()
	if isWildcardOnly(rule, origin) {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(rule.AllowedMethods, ", "))
	if len(reqHeaders) > 0 {
		lowered := make([]string, 0, len(reqHeaders))
		for _, rh := range reqHeaders {
			lowered = append(lowered, strings.ToLower(strings.TrimSpace(rh)))
		}
		h.Set("Access-Control-Allow-Headers", strings.Join(lowered, ", "))
	}
	if rule.MaxAgeSeconds != nil {
		h.Set("Access-Control-Max-Age", fmt.Sprintf("%d", *rule.MaxAgeSeconds))
	}
	h.Add("Vary", "Origin, Access-Control-Request-Headers, Access-Control-Request-Method")
	w.WriteHeader(http.StatusOK)
	return nil
}
