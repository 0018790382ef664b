package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sandbucket/sandbucket/internal/metadata"
)

// subresourcesV2 is the fixed whitelist of query parameters that participate
// in the SigV2 canonicalized resource, per the 2006 signing rules. Parameters
// listed here are included (with their values, when present) in sorted order;
// everything else in the query string is ignored.
var subresourcesV2 = map[string]bool{
	"acl":                          true,
	"cors":                         true,
	"delete":                       true,
	"lifecycle":                    true,
	"location":                     true,
	"logging":                      true,
	"notification":                 true,
	"partNumber":                   true,
	"policy":                       true,
	"requestPayment":               true,
	"response-cache-control":       true,
	"response-content-disposition": true,
	"response-content-encoding":    true,
	"response-content-language":    true,
	"response-content-type":        true,
	"response-expires":             true,
	"tagging":                      true,
	"torrent":                      true,
	"uploadId":                     true,
	"uploads":                      true,
	"versionId":                    true,
	"versioning":                   true,
	"versions":                     true,
	"website":                      true,
}

// VerifyV2Header validates a SigV2 "AWS access:signature" Authorization
// header. The request path must already be in path-style form (bucket as the
// first segment); the router rewrites virtual-hosted requests before auth
// runs.
func (v *Verifier) VerifyV2Header(r *http.Request) (*metadata.CredentialRecord, error) {
	authHeader := r.Header.Get("Authorization")
	rest := strings.TrimPrefix(authHeader, "AWS ")
	idx := strings.IndexByte(rest, ':')
	if idx <= 0 || idx == len(rest)-1 {
		return nil, &AuthError{Code: "InvalidArgument", Message: "Authorization header is invalid -- one and only one ' ' (space) required"}
	}
	accessKeyID := rest[:idx]
	signature := rest[idx+1:]

	cred, err := v.lookupCredential(r.Context(), accessKeyID)
	if err != nil {
		return nil, err
	}

	// SigV2 signs the Date header, or x-amz-date when present (in which
	// case the Date position in the string-to-sign is empty).
	dateValue := r.Header.Get("Date")
	timeSource := dateValue
	if amzDate := r.Header.Get("X-Amz-Date"); amzDate != "" {
		dateValue = ""
		timeSource = amzDate
	}
	if timeSource == "" {
		return nil, &AuthError{Code: "AccessDenied", Message: "A valid Date or X-Amz-Date header is required for this request"}
	}

	requestTime, parseErr := parseRequestTime(timeSource)
	if parseErr != nil {
		return nil, &AuthError{Code: "AccessDenied", Message: "Invalid date format"}
	}
	if err := v.checkSkew(requestTime); err != nil {
		return nil, err
	}

	stringToSign := buildStringToSignV2(r, dateValue)
	expected := signV2(cred.SecretKey, stringToSign)

	if err := v.compareSignature(expected, signature); err != nil {
		return nil, err
	}

	return cred, nil
}

// VerifyV2Presigned validates a SigV2 presigned URL carrying AWSAccessKeyId,
// Signature, and Expires query parameters. Expires is absolute epoch seconds.
func (v *Verifier) VerifyV2Presigned(r *http.Request) (*metadata.CredentialRecord, error) {
	q := r.URL.Query()

	accessKeyID := q.Get("AWSAccessKeyId")
	signature := q.Get("Signature")
	expiresStr := q.Get("Expires")
	if accessKeyID == "" || signature == "" || expiresStr == "" {
		return nil, &AuthError{Code: "AccessDenied", Message: "Query-string authentication requires the Signature, Expires and AWSAccessKeyId parameters"}
	}

	expires, parseErr := strconv.ParseInt(expiresStr, 10, 64)
	if parseErr != nil {
		return nil, &AuthError{Code: "AccessDenied", Message: fmt.Sprintf("Invalid Expires value: %s", expiresStr)}
	}

	if v.now().UTC().Unix() > expires {
		return nil, &AuthError{Code: "RequestExpired", Message: "Request has expired"}
	}

	cred, err := v.lookupCredential(r.Context(), accessKeyID)
	if err != nil {
		return nil, err
	}

	// For presigned URLs the Expires value takes the Date position in the
	// string-to-sign.
	stringToSign := buildStringToSignV2(r, expiresStr)
	expected := signV2(cred.SecretKey, stringToSign)

	if err := v.compareSignature(expected, signature); err != nil {
		return nil, err
	}

	return cred, nil
}

// buildStringToSignV2 assembles the canonical SigV2 string to sign:
// verb, Content-MD5, Content-Type, date, canonicalized amz headers,
// canonicalized resource.
func buildStringToSignV2(r *http.Request, dateValue string) string {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte('\n')
	sb.WriteString(r.Header.Get("Content-MD5"))
	sb.WriteByte('\n')
	sb.WriteString(r.Header.Get("Content-Type"))
	sb.WriteByte('\n')
	sb.WriteString(dateValue)
	sb.WriteByte('\n')
	sb.WriteString(canonicalizedAmzHeaders(r))
	sb.WriteString(canonicalizedResourceV2(r))
	return sb.String()
}

// canonicalizedAmzHeaders returns the sorted, lowercased x-amz-* headers,
// each as "name:value\n". Multiple values for one header are comma-joined.
// x-amz-date is included like any other x-amz-* header; when present, the
// Date position in the string to sign is left empty instead.
func canonicalizedAmzHeaders(r *http.Request) string {
	var names []string
	for name := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-") {
			names = append(names, lower)
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		values := r.Header.Values(http.CanonicalHeaderKey(name))
		for i, val := range values {
			values[i] = strings.TrimSpace(val)
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(strings.Join(values, ","))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// canonicalizedResourceV2 returns the request path plus the whitelisted
// subresource query parameters in sorted order.
func canonicalizedResourceV2(r *http.Request) string {
	resource := r.URL.Path
	if resource == "" {
		resource = "/"
	}

	q := r.URL.Query()
	var params []string
	for name, vals := range q {
		if !subresourcesV2[name] {
			continue
		}
		if len(vals) == 0 || vals[0] == "" {
			params = append(params, name)
			continue
		}
		params = append(params, name+"="+vals[0])
	}
	sort.Strings(params)

	if len(params) > 0 {
		resource += "?" + strings.Join(params, "&")
	}
	return resource
}

// signV2 computes the base64-encoded HMAC-SHA1 SigV2 signature.
func signV2(secretKey, stringToSign string) string {
	h := hmac.New(sha1.New, []byte(secretKey))
	h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// parseRequestTime parses a request timestamp in either the HTTP date format
// or the ISO8601 compact form used by x-amz-date.
func parseRequestTime(value string) (time.Time, error) {
	if t, err := time.Parse(http.TimeFormat, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC1123Z, value); err == nil {
		return t, nil
	}
	return time.Parse(amzDateFormat, value)
}
