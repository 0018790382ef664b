package auth

import (
	"net/http"
	"strings"

	s3err "github.com/sandbucket/sandbucket/internal/errors"
	"github.com/sandbucket/sandbucket/internal/metadata"
	"github.com/sandbucket/sandbucket/internal/xmlutil"
)

// skipPaths is the set of paths that bypass signature handling entirely.
var skipPaths = map[string]bool{
	"/health":       true,
	"/healthz":      true,
	"/readyz":       true,
	"/metrics":      true,
	"/docs":         true,
	"/docs/":        true,
	"/openapi":      true,
	"/openapi.json": true,
}

// responseOverrideParams are the signed-URL-only response header overrides.
var responseOverrideParams = []string{
	"response-content-type",
	"response-content-disposition",
	"response-content-encoding",
	"response-cache-control",
	"response-expires",
	"response-content-language",
}

// Middleware validates any signature present on the request. Unsigned
// requests pass through: this server trusts its local callers and only
// rejects signatures that are present and wrong, or requests that mix
// header and query-string signing. Unsigned requests asking for the
// response-* header overrides are rejected, since those are a signed-URL
// feature.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if skipPaths[path] || strings.HasPrefix(path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}

			method := DetectMethod(r)

			if method == MethodNone {
				if param := overrideParam(r); param != "" {
					xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest.WithMessage(
						"Request specific response headers cannot be used for anonymous GET requests."))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if method == MethodAmbiguous {
				xmlutil.WriteErrorResponse(w, r, &s3err.S3Error{
					Code:       "InvalidArgument",
					Message:    "Only one auth mechanism allowed; only the X-Amz-Algorithm query parameter, Signature query string parameter or the Authorization header should be specified",
					HTTPStatus: http.StatusBadRequest,
				})
				return
			}

			var cred *metadata.CredentialRecord
			var err error
			switch method {
			case MethodV4Header:
				cred, err = verifier.VerifyV4Header(r)
			case MethodV4Presigned:
				cred, err = verifier.VerifyV4Presigned(r)
			case MethodV2Header:
				cred, err = verifier.VerifyV2Header(r)
			case MethodV2Presigned:
				cred, err = verifier.VerifyV2Presigned(r)
			}
			if err != nil {
				writeAuthError(w, r, err)
				return
			}

			ctx := contextWithOwner(r.Context(), cred.OwnerID, cred.DisplayName)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// overrideParam returns the first response-* override parameter present in
// the query, or "" when none are.
func overrideParam(r *http.Request) string {
	q := r.URL.Query()
	for _, param := range responseOverrideParams {
		if q.Get(param) != "" {
			return param
		}
	}
	return ""
}

// writeAuthError maps an AuthError to the appropriate S3 error XML response.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	switch authErr.Code {
	case "InvalidAccessKeyId":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidAccessKeyId)
	case "SignatureDoesNotMatch":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrSignatureDoesNotMatch)
	case "RequestTimeTooSkewed":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrRequestTimeTooSkewed)
	case "RequestExpired":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrRequestExpired)
	case "AuthorizationHeaderMalformed":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAuthorizationHeaderMalformed.WithMessage(authErr.Message))
	case "AuthorizationQueryParametersError":
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAuthorizationQueryParametersError.WithMessage(authErr.Message))
	case "InvalidArgument":
		xmlutil.WriteErrorResponse(w, r, &s3err.S3Error{
			Code:       "InvalidArgument",
			Message:    authErr.Message,
			HTTPStatus: http.StatusBadRequest,
		})
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
	}
}
