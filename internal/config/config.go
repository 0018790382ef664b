// Package config handles loading and parsing of sandbucket configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for sandbucket.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Auth    AuthConfig     `yaml:"auth"`
	Buckets []BucketConfig `yaml:"buckets"`
}

// ServerConfig holds HTTP server and addressing settings.
type ServerConfig struct {
	// Address is the interface to bind (default "localhost").
	Address string `yaml:"address"`
	// Port is the TCP port to listen on (default 4568).
	Port int `yaml:"port"`
	// Region is the region reported by GetBucketLocation and used in SigV4
	// credential scopes (default "us-east-1").
	Region string `yaml:"region"`
	// ServiceEndpoint is the host suffix used to recognize virtual-host-style
	// and website-endpoint requests, e.g. "amazonaws.com" makes
	// bucket.s3.amazonaws.com resolve to "bucket".
	ServiceEndpoint string `yaml:"service_endpoint"`
	// BasePath mounts the S3 API under a URL prefix, e.g. "/s3". Empty means
	// the API is served from the root.
	BasePath string `yaml:"base_path"`
	// Directory is the root for persisted state. When empty all state is
	// kept in memory and lost on exit.
	Directory string `yaml:"directory"`
	// Silent suppresses all log output.
	Silent bool `yaml:"silent"`
	// ResetOnClose deletes all buckets and objects during shutdown.
	ResetOnClose bool `yaml:"reset_on_close"`
	// VhostBuckets enables bucket resolution from the Host header
	// (subdomain and CNAME style). Default true.
	VhostBuckets bool `yaml:"vhost_buckets"`
}

// AuthConfig holds the local credential and signature settings.
type AuthConfig struct {
	// AccessKey is the access key ID requests are expected to sign with.
	AccessKey string `yaml:"access_key"`
	// SecretKey is the secret access key paired with AccessKey.
	SecretKey string `yaml:"secret_key"`
	// AllowMismatchedSignatures accepts requests whose signature does not
	// verify, as long as the auth material is well-formed. Useful with SDKs
	// whose signing implementation disagrees on canonicalization corners.
	AllowMismatchedSignatures bool `yaml:"allow_mismatched_signatures"`
}

// BucketConfig describes a bucket to create at startup.
type BucketConfig struct {
	// Name is the bucket name, validated with the same rules as CreateBucket.
	Name string `yaml:"name"`
	// Configs lists paths to XML configuration documents to apply to the
	// bucket. The document kind is detected from the root element
	// (CORSConfiguration or WebsiteConfiguration).
	Configs []string `yaml:"configs"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config with defaults applied. If the primary path fails it falls
// back to sandbucket.example.yaml in the same or parent directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "sandbucket.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "sandbucket.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a Config with all defaults set. Unmarshaling YAML on top
// of it means an explicit `vhost_buckets: false` survives while an absent
// key keeps the default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "localhost",
			Port:            4568,
			Region:          "us-east-1",
			ServiceEndpoint: "amazonaws.com",
			VhostBuckets:    true,
		},
		Auth: AuthConfig{
			AccessKey: "sandbucket",
			SecretKey: "sandbucket",
		},
	}
}

// applyDefaults fills in any string fields still empty after unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 4568
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.Server.ServiceEndpoint == "" {
		cfg.Server.ServiceEndpoint = "amazonaws.com"
	}
	if cfg.Auth.AccessKey == "" {
		cfg.Auth.AccessKey = "sandbucket"
	}
	if cfg.Auth.SecretKey == "" {
		cfg.Auth.SecretKey = "sandbucket"
	}
}
