// Package local reads installed modules straight from the host's plugin
// directory on disk. It is the default backend and the only one that checks the
// module header of candidate main files.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/block-directory/block-directory/internal/config"
	"github.com/block-directory/block-directory/internal/installs"
)

func init() {
	installs.Register("local", func(cfg *config.InstallConfig) (installs.Backend, error) {
		return New(&cfg.Local)
	})
}

// Backend lists module directories below basePath.
type Backend struct {
	basePath string
}

// New creates a local backend. The base path must exist.
func New(cfg *config.LocalInstallConfig) (*Backend, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local install base_path is required")
	}
	info, err := os.Stat(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat install directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("install base_path %s is not a directory", cfg.BasePath)
	}
	return &Backend{basePath: cfg.BasePath}, nil
}

func (b *Backend) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(b.basePath, filepath.FromSlash(dir)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (b *Backend) ReadHeader(ctx context.Context, path string, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(b.basePath, filepath.FromSlash(path)))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

func (b *Backend) Ping(_ context.Context) error {
	info, err := os.Stat(b.basePath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", b.basePath)
	}
	return nil
}
