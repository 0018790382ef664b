// Package server implements the sandbucket HTTP server and its S3-compatible
// route multiplexer.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sandbucket/sandbucket/internal/auth"
	"github.com/sandbucket/sandbucket/internal/config"
	"github.com/sandbucket/sandbucket/internal/cors"
	s3err "github.com/sandbucket/sandbucket/internal/errors"
	"github.com/sandbucket/sandbucket/internal/events"
	"github.com/sandbucket/sandbucket/internal/handlers"
	"github.com/sandbucket/sandbucket/internal/metadata"
	"github.com/sandbucket/sandbucket/internal/storage"
	"github.com/sandbucket/sandbucket/internal/website"
	"github.com/sandbucket/sandbucket/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the sandbucket HTTP server. It routes incoming requests to the
// appropriate S3-compatible handler based on addressing style, method, path,
// and query parameters.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	logger     *slog.Logger
	meta       metadata.MetadataStore
	store      storage.StorageBackend
	bus        *events.Bus
	verifier   *auth.Verifier
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
	configs    *handlers.ConfigHandler
	website    *website.Engine
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithMetadataStore sets the metadata store for the server.
func WithMetadataStore(meta metadata.MetadataStore) ServerOption {
	return func(s *Server) {
		s.meta = meta
	}
}

// WithStorageBackend sets the storage backend for the server.
func WithStorageBackend(store storage.StorageBackend) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithEventBus sets the bucket notification bus.
func WithEventBus(bus *events.Bus) ServerOption {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server with the given configuration and wires up all
// S3-compatible routes on the Chi router with the Huma API.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("Sandbucket S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	ownerID := cfg.Auth.AccessKey
	ownerDisplay := cfg.Auth.AccessKey
	region := cfg.Server.Region

	if s.meta != nil {
		s.verifier = auth.NewVerifier(s.meta, region)
		s.verifier.AllowMismatched = cfg.Auth.AllowMismatchedSignatures
		s.website = website.NewEngine(s.meta, s.store, s.logger)
	}

	s.bucket = handlers.NewBucketHandler(s.meta, s.store, s.logger, ownerID, ownerDisplay, region)
	s.object = handlers.NewObjectHandler(s.meta, s.store, s.bus, s.logger, ownerID, ownerDisplay)
	s.multi = handlers.NewMultipartHandler(s.meta, s.store, s.bus, s.logger, ownerID, ownerDisplay)
	s.configs = handlers.NewConfigHandler(s.meta, s.logger)

	s.registerRoutes()
	return s, nil
}

// Handler returns the fully wrapped request pipeline. Requests outside the
// configured base path are passed to outer, letting the S3 surface mount
// inside a larger application; pass nil to 404 them.
//
// Pipeline order matters: host resolution rewrites virtual-hosted requests
// to path-style before signatures are checked, and the metadata header
// rewrite must be the innermost wrapper so it sees the final header map.
func (s *Server) Handler(outer http.Handler) http.Handler {
	if outer == nil {
		outer = http.NotFoundHandler()
	}

	var handler http.Handler = s.router
	handler = metadataHeaderMiddleware(handler)
	if s.verifier != nil {
		handler = auth.Middleware(s.verifier)(handler)
	}
	handler = s.resolveHost(handler)
	handler = transferEncodingCheck(handler)
	handler = stripBasePath(s.cfg.Server.BasePath, handler, outer)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(nil),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router. Huma routes
// (/health, /docs, /openapi.json) and /metrics are registered first; the S3
// catch-all /* is registered last. Chi matches more specific routes first.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the sandbucket server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Huma only registers one method per operation.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.HandleFunc("/*", s.dispatch)
}

// parsePath extracts bucket and object key from the request path.
// Returns ("", "") for root "/", ("bucket", "") for "/{bucket}",
// and ("bucket", "key/path") for "/{bucket}/{key...}".
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// corsConfig loads and parses the bucket's stored CORS configuration.
// Missing or unparseable configs yield nil.
func (s *Server) corsConfig(ctx context.Context, bucket string) *cors.Configuration {
	if s.meta == nil || bucket == "" {
		return nil
	}
	raw, err := s.meta.GetBucketConfig(ctx, bucket, metadata.ConfigCORS)
	if err != nil || raw == nil {
		return nil
	}
	cfg, err := cors.Parse(raw)
	if err != nil {
		return nil
	}
	return cfg
}

// dispatch is the main request dispatcher. It parses the path to extract
// bucket and object key, then routes by HTTP method and query parameters.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	q := r.URL.Query()

	// Website-endpoint requests bypass the S3 API surface for reads.
	if pathStyle, isWebsite := websiteFromContext(r.Context()); isWebsite && s.website != nil {
		if bucket != "" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			s.website.Serve(w, r, bucket, key, pathStyle)
			return
		}
	}

	if r.Method == http.MethodOptions {
		if bucket == "" {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrCORSForbidden)
			return
		}
		if err := cors.Preflight(w, r, s.corsConfig(r.Context(), bucket)); err != nil {
			if s3e, ok := err.(*s3err.S3Error); ok {
				xmlutil.WriteErrorResponse(w, r, s3e)
			} else {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			}
		}
		return
	}

	// Simple-request CORS decoration happens before the handler writes.
	if bucket != "" && r.Header.Get("Origin") != "" {
		cors.ApplySimple(w, r, s.corsConfig(r.Context(), bucket))
		if r.Header.Get("Range") != "" {
			cors.ExposeRangeHeaders(w)
		}
	}

	// Service-level operations (no bucket in path).
	if bucket == "" {
		switch r.Method {
		case http.MethodGet:
			s.bucket.ListBuckets(w, r)
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
		return
	}

	// Object-level operations (bucket + key in path).
	if key != "" {
		switch r.Method {
		case http.MethodPut:
			switch {
			case q.Has("partNumber") && q.Has("uploadId"):
				if r.Header.Get("X-Amz-Copy-Source") != "" {
					s.multi.UploadPartCopy(w, r)
				} else {
					s.multi.UploadPart(w, r)
				}
			case q.Has("tagging"):
				s.object.PutObjectTagging(w, r)
			case q.Has("acl"):
				s.object.PutObjectAcl(w, r)
			case r.Header.Get("X-Amz-Copy-Source") != "":
				s.object.CopyObject(w, r)
			default:
				s.object.PutObject(w, r)
			}
		case http.MethodGet:
			switch {
			case q.Has("tagging"):
				s.object.GetObjectTagging(w, r)
			case q.Has("acl"):
				s.object.GetObjectAcl(w, r)
			case q.Has("uploadId"):
				s.multi.ListParts(w, r)
			default:
				s.object.GetObject(w, r)
			}
		case http.MethodHead:
			s.object.HeadObject(w, r)
		case http.MethodDelete:
			switch {
			case q.Has("uploadId"):
				s.multi.AbortMultipartUpload(w, r)
			case q.Has("tagging"):
				s.object.DeleteObjectTagging(w, r)
			default:
				s.object.DeleteObject(w, r)
			}
		case http.MethodPost:
			switch {
			case q.Has("uploadId"):
				s.multi.CompleteMultipartUpload(w, r)
			case q.Has("uploads"):
				s.multi.CreateMultipartUpload(w, r)
			default:
				xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
			}
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
		return
	}

	// Bucket-level operations (bucket in path, no key).
	switch r.Method {
	case http.MethodPut:
		switch {
		case q.Has("cors"):
			s.configs.PutBucketCors(w, r)
		case q.Has("website"):
			s.configs.PutBucketWebsite(w, r)
		case q.Has("tagging"):
			s.configs.PutBucketTagging(w, r)
		case q.Has("policy"):
			s.configs.PutBucketPolicy(w, r)
		case q.Has("lifecycle"):
			s.configs.PutBucketLifecycle(w, r)
		case q.Has("acl"):
			s.bucket.PutBucketAcl(w, r)
		default:
			s.bucket.CreateBucket(w, r)
		}
	case http.MethodGet:
		switch {
		case q.Has("location"):
			s.bucket.GetBucketLocation(w, r)
		case q.Has("cors"):
			s.configs.GetBucketCors(w, r)
		case q.Has("website"):
			s.configs.GetBucketWebsite(w, r)
		case q.Has("tagging"):
			s.configs.GetBucketTagging(w, r)
		case q.Has("policy"):
			s.configs.GetBucketPolicy(w, r)
		case q.Has("lifecycle"):
			s.configs.GetBucketLifecycle(w, r)
		case q.Has("acl"):
			s.bucket.GetBucketAcl(w, r)
		case q.Has("uploads"):
			s.multi.ListMultipartUploads(w, r)
		case q.Has("list-type"):
			s.object.ListObjectsV2(w, r)
		default:
			s.object.ListObjects(w, r)
		}
	case http.MethodHead:
		s.bucket.HeadBucket(w, r)
	case http.MethodDelete:
		switch {
		case q.Has("cors"):
			s.configs.DeleteBucketCors(w, r)
		case q.Has("website"):
			s.configs.DeleteBucketWebsite(w, r)
		case q.Has("tagging"):
			s.configs.DeleteBucketTagging(w, r)
		case q.Has("policy"):
			s.configs.DeleteBucketPolicy(w, r)
		case q.Has("lifecycle"):
			s.configs.DeleteBucketLifecycle(w, r)
		default:
			s.bucket.DeleteBucket(w, r)
		}
	case http.MethodPost:
		if q.Has("delete") {
			s.object.DeleteObjects(w, r)
		} else {
			s.object.PostObject(w, r)
		}
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
	}
}
