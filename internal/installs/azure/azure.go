// Package azure lists installed modules kept in an Azure Blob Storage container.
package azure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/block-directory/block-directory/internal/config"
	"github.com/block-directory/block-directory/internal/installs"
)

func init() {
	installs.Register("azure", func(cfg *config.InstallConfig) (installs.Backend, error) {
		return New(&cfg.Azure)
	})
}

// Backend lists blobs below "<prefix><slug>/".
type Backend struct {
	client        *azblob.Client
	containerName string
	prefix        string
}

// New creates an Azure Blob Storage backend authenticated with a shared key.
func New(cfg *config.AzureInstallConfig) (*Backend, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return newWithClient(client, cfg.ContainerName, cfg.Prefix), nil
}

// clientOptions bounds SDK retries; every lookup runs inside a search request.
func clientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    2,
				TryTimeout:    5 * time.Second,
				RetryDelay:    200 * time.Millisecond,
				MaxRetryDelay: time.Second,
			},
			Telemetry: policy.TelemetryOptions{ApplicationID: "block-directory"},
		},
	}
}

func newWithClient(client *azblob.Client, containerName, prefix string) *Backend {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Backend{client: client, containerName: containerName, prefix: prefix}
}

func (b *Backend) List(ctx context.Context, dir string) ([]string, error) {
	listPrefix := b.prefix + strings.Trim(dir, "/") + "/"
	pager := b.client.NewListBlobsFlatPager(b.containerName, &azblob.ListBlobsFlatOptions{
		Prefix: &listPrefix,
	})

	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			name := strings.TrimPrefix(*item.Name, listPrefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			names = append(names, name)
		}
	}
	return names, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.ServiceClient().NewContainerClient(b.containerName).GetProperties(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to reach container %s: %w", b.containerName, err)
	}
	return nil
}
