// Package installs answers "is this catalog module already installed here?".
//
// The host keeps each installed module in its own directory named after the
// module slug, with a main file directly inside it (e.g. gallery-block/gallery-block.php).
// Backends only know how to list and read those directories; the Index on top
// applies the main-file rules shared by all of them.
//
// New backends register with the factory from an init() function in their own
// package:
//
//	func init() {
//	    installs.Register("mybackend", func(cfg *config.InstallConfig) (installs.Backend, error) {
//	        return New(&cfg.MyBackend)
//	    })
//	}
//
// and are enabled by a blank import in cmd/server/main.go.
package installs

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/block-directory/block-directory/internal/config"
)

// HeaderSize is how much of a candidate main file is inspected for its header.
const HeaderSize = 8 * 1024

// Backend lists the files of one installed module directory.
type Backend interface {
	// List returns the names of the files directly under dir, in any order.
	// A missing directory is not an error and yields no names.
	List(ctx context.Context, dir string) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// HeaderReader is implemented by backends that can cheaply read the start of a
// file. When available, a candidate main file must carry a module header.
type HeaderReader interface {
	ReadHeader(ctx context.Context, path string, n int) ([]byte, error)
}

// Index resolves a catalog slug to the installed module's main file.
type Index interface {
	// Lookup returns "<slug>/<main file>" and true when the module is installed.
	Lookup(ctx context.Context, slug string) (file string, found bool, err error)
	Ping(ctx context.Context) error
}

var headerPattern = regexp.MustCompile(`(?mi)^[ \t/*#@]*Plugin Name:(.*)$`)

// HasModuleHeader reports whether data declares a non-empty module name.
func HasModuleHeader(data []byte) bool {
	for _, m := range headerPattern.FindAllSubmatch(data, -1) {
		if strings.TrimSpace(string(m[1])) != "" {
			return true
		}
	}
	return false
}

// MainFileIndex implements Index over any Backend.
type MainFileIndex struct {
	backend Backend
	ext     string
}

// NewIndex wraps backend. ext is the main file extension including the dot.
func NewIndex(backend Backend, ext string) *MainFileIndex {
	if ext == "" {
		ext = ".php"
	}
	return &MainFileIndex{backend: backend, ext: ext}
}

// Lookup picks the lexicographically first file under "<slug>/" with the main
// file extension (and, where the backend can read headers, a module header).
func (x *MainFileIndex) Lookup(ctx context.Context, slug string) (string, bool, error) {
	if !validSlug(slug) {
		return "", false, nil
	}

	names, err := x.backend.List(ctx, slug)
	if err != nil {
		return "", false, fmt.Errorf("failed to list %s: %w", slug, err)
	}
	sort.Strings(names)

	hr, checkHeader := x.backend.(HeaderReader)
	for _, name := range names {
		if !strings.HasSuffix(name, x.ext) {
			continue
		}
		path := slug + "/" + name
		if checkHeader {
			head, err := hr.ReadHeader(ctx, path, HeaderSize)
			if err != nil {
				return "", false, fmt.Errorf("failed to read %s: %w", path, err)
			}
			if !HasModuleHeader(head) {
				continue
			}
		}
		return path, true, nil
	}
	return "", false, nil
}

func (x *MainFileIndex) Ping(ctx context.Context) error {
	return x.backend.Ping(ctx)
}

// validSlug rejects anything that could escape the slug's own directory.
func validSlug(slug string) bool {
	if slug == "" || slug == "." || slug == ".." {
		return false
	}
	return !strings.ContainsAny(slug, `/\`) && !strings.Contains(slug, "..")
}

// FactoryFunc creates a Backend from the install configuration.
type FactoryFunc func(cfg *config.InstallConfig) (Backend, error)

var factories = make(map[string]FactoryFunc)

// Register registers a backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// New creates the index for the configured backend.
func New(cfg *config.InstallConfig) (*MainFileIndex, error) {
	factory, ok := factories[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported install backend: %s (must be 'local', 's3', 'gcs', or 'azure')", cfg.Backend)
	}
	backend, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	return NewIndex(backend, cfg.MainFileExt), nil
}
