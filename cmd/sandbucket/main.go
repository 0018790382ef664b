// Package main is the entry point for the sandbucket S3-compatible test server.
package main

import (
	"context"
	"encoding/xml"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sandbucket/sandbucket/internal/config"
	"github.com/sandbucket/sandbucket/internal/cors"
	"github.com/sandbucket/sandbucket/internal/events"
	"github.com/sandbucket/sandbucket/internal/logging"
	"github.com/sandbucket/sandbucket/internal/metadata"
	"github.com/sandbucket/sandbucket/internal/metrics"
	"github.com/sandbucket/sandbucket/internal/server"
	"github.com/sandbucket/sandbucket/internal/storage"
	"github.com/sandbucket/sandbucket/internal/website"
)

func main() {
	configPath := flag.String("config", "sandbucket.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port")
	address := flag.String("address", "", "override listening address")
	directory := flag.String("directory", "", "root directory for persisted state (empty: in-memory)")
	silent := flag.Bool("silent", false, "suppress all log output")
	resetOnClose := flag.Bool("reset-on-close", false, "delete all buckets and objects on shutdown")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "log format: text, json")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *address != "" {
		cfg.Server.Address = *address
	}
	if *directory != "" {
		cfg.Server.Directory = *directory
	}
	if *silent {
		cfg.Server.Silent = true
	}
	if *resetOnClose {
		cfg.Server.ResetOnClose = true
	}

	logOut := io.Writer(os.Stderr)
	if cfg.Server.Silent {
		logOut = io.Discard
	}
	logging.Setup(*logLevel, *logFormat, logOut)
	metrics.Register()

	meta, store, err := buildStores(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize stores: %v\n", err)
		os.Exit(1)
	}
	defer meta.Close()

	if err := seedDefaultCredentials(meta, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed credentials: %v\n", err)
		os.Exit(1)
	}
	if err := configureBuckets(meta, store, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure buckets: %v\n", err)
		os.Exit(1)
	}

	bus := events.NewBus(slog.Default())

	srv, err := server.New(cfg,
		server.WithMetadataStore(meta),
		server.WithStorageBackend(store),
		server.WithEventBus(bus),
		server.WithLogger(slog.Default()),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sandbucket listening", "addr", addr, "endpoint", cfg.Server.ServiceEndpoint)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		if cfg.Server.ResetOnClose {
			if err := meta.Reset(ctx); err != nil {
				slog.Error("reset error", "error", err)
			}
		}
		slog.Info("server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// buildStores selects the persistence layer. With a directory configured,
// metadata lives in a SQLite database inside it and payloads on the
// filesystem next to it; otherwise everything is in memory and lost on exit.
func buildStores(cfg *config.Config) (metadata.MetadataStore, storage.StorageBackend, error) {
	if cfg.Server.Directory == "" {
		return metadata.NewMemoryStore(), storage.NewMemoryBackend(), nil
	}

	if err := os.MkdirAll(cfg.Server.Directory, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating state directory: %w", err)
	}
	meta, err := metadata.NewSQLiteStore(filepath.Join(cfg.Server.Directory, "metadata.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening metadata store: %w", err)
	}
	store, err := storage.NewLocalBackend(cfg.Server.Directory)
	if err != nil {
		meta.Close()
		return nil, nil, fmt.Errorf("opening storage backend: %w", err)
	}
	// Orphan temp files from interrupted writes are harmless but worth sweeping.
	if err := store.CleanTempFiles(); err != nil {
		slog.Warn("failed to clean temp files", "error", err)
	}
	return meta, store, nil
}

// seedDefaultCredentials creates the configured credential record if it does
// not already exist. Runs on every startup; idempotent.
func seedDefaultCredentials(meta metadata.MetadataStore, cfg *config.Config) error {
	ctx := context.Background()

	existing, err := meta.GetCredential(ctx, cfg.Auth.AccessKey)
	if err != nil {
		return fmt.Errorf("checking default credential: %w", err)
	}
	if existing != nil {
		return nil
	}

	cred := &metadata.CredentialRecord{
		AccessKeyID: cfg.Auth.AccessKey,
		SecretKey:   cfg.Auth.SecretKey,
		OwnerID:     cfg.Auth.AccessKey,
		DisplayName: cfg.Auth.AccessKey,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := meta.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("seeding default credential: %w", err)
	}
	slog.Info("seeded default credentials", "access_key", cfg.Auth.AccessKey)
	return nil
}

// configureBuckets creates the buckets named in the configuration and applies
// their configuration documents. Any invalid document aborts startup.
func configureBuckets(meta metadata.MetadataStore, store storage.StorageBackend, cfg *config.Config) error {
	ctx := context.Background()

	for _, bc := range cfg.Buckets {
		exists, err := meta.BucketExists(ctx, bc.Name)
		if err != nil {
			return fmt.Errorf("checking bucket %q: %w", bc.Name, err)
		}
		if !exists {
			record := &metadata.BucketRecord{
				Name:         bc.Name,
				Region:       cfg.Server.Region,
				OwnerID:      cfg.Auth.AccessKey,
				OwnerDisplay: cfg.Auth.AccessKey,
				CreatedAt:    time.Now(),
			}
			if err := meta.CreateBucket(ctx, record); err != nil {
				return fmt.Errorf("creating bucket %q: %w", bc.Name, err)
			}
			if err := store.CreateBucket(ctx, bc.Name); err != nil {
				return fmt.Errorf("creating bucket storage %q: %w", bc.Name, err)
			}
			slog.Info("created configured bucket", "bucket", bc.Name)
		}

		for _, path := range bc.Configs {
			body, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading config %q for bucket %q: %w", path, bc.Name, err)
			}
			kind, err := applyBucketConfig(ctx, meta, bc.Name, body)
			if err != nil {
				return fmt.Errorf("applying config %q to bucket %q: %w", path, bc.Name, err)
			}
			slog.Info("applied bucket config", "bucket", bc.Name, "kind", kind, "path", path)
		}
	}
	return nil
}

// applyBucketConfig detects the document kind from its root element,
// validates it, and stores it. Returns the detected kind.
func applyBucketConfig(ctx context.Context, meta metadata.MetadataStore, bucket string, body []byte) (string, error) {
	var root struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(body, &root); err != nil {
		return "", fmt.Errorf("parsing document root: %w", err)
	}

	switch root.XMLName.Local {
	case "CORSConfiguration":
		if _, err := cors.Parse(body); err != nil {
			return "", err
		}
		return metadata.ConfigCORS, meta.PutBucketConfig(ctx, bucket, metadata.ConfigCORS, body)
	case "WebsiteConfiguration":
		if _, err := website.Parse(body); err != nil {
			return "", err
		}
		return metadata.ConfigWebsite, meta.PutBucketConfig(ctx, bucket, metadata.ConfigWebsite, body)
	default:
		return "", fmt.Errorf("unsupported configuration root element %q", root.XMLName.Local)
	}
}
