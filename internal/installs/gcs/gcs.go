// Package gcs lists installed modules kept in a Google Cloud Storage bucket.
// Supports Application Default Credentials, service account JSON keys, and
// Workload Identity.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	appconfig "github.com/block-directory/block-directory/internal/config"
	"github.com/block-directory/block-directory/internal/installs"
)

func init() {
	installs.Register("gcs", func(cfg *appconfig.InstallConfig) (installs.Backend, error) {
		return New(&cfg.GCS)
	})
}

// Backend lists objects below "<prefix><slug>/".
type Backend struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS backend.
//
// Authentication methods:
//   - "default" or empty: Application Default Credentials
//   - "service_account": a service account key file or inline JSON
//   - "workload_identity": Workload Identity Federation (resolved through ADC)
func New(cfg *appconfig.GCSInstallConfig) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		if cfg.CredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		} else if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		} else {
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}
	case "workload_identity":
	case "default":
		// emulators accept unauthenticated requests
		if cfg.Endpoint != "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', or 'workload_identity')", authMethod)
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Backend{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Close closes the GCS client
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) List(ctx context.Context, dir string) ([]string, error) {
	listPrefix := b.prefix + strings.Trim(dir, "/") + "/"
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{
		Prefix:    listPrefix,
		Delimiter: "/",
	})

	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		// synthetic directory entries carry only Prefix
		if attrs.Name == "" {
			continue
		}
		name := strings.TrimPrefix(attrs.Name, listPrefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if _, err := b.client.Bucket(b.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", b.bucket, err)
	}
	return nil
}
