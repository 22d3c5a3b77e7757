package directory

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/block-directory/block-directory/internal/auth"
	"github.com/block-directory/block-directory/internal/catalog"
	"github.com/block-directory/block-directory/internal/installs"
	"github.com/block-directory/block-directory/internal/telemetry"
)

// DefaultWorkers bounds per-request fan-out when Options.Workers is unset
const DefaultWorkers = 8

// Reasons a catalog record is left out of a collection.
const (
	SkipInstalled   = "installed"
	SkipMalformed   = "malformed"
	SkipLookupError = "lookup_error"
)

// CapabilityChecker decides whether a caller holds every required scope.
type CapabilityChecker interface {
	Allowed(caller auth.Caller, required ...auth.Scope) bool
}

// Options wires a Service to its collaborators.
type Options struct {
	Checker    CapabilityChecker
	Catalog    catalog.Searcher
	Index      installs.Index
	Normalizer *Normalizer
	Links      *LinkBuilder
	Workers    int
}

// Service runs block directory searches.
type Service struct {
	checker    CapabilityChecker
	catalog    catalog.Searcher
	index      installs.Index
	normalizer *Normalizer
	links      *LinkBuilder
	workers    int
}

// NewService creates a search Service.
func NewService(opts Options) *Service {
	workers := opts.Workers
	if workers < 1 {
		workers = DefaultWorkers
	}
	checker := opts.Checker
	if checker == nil {
		checker = auth.ScopeChecker{}
	}
	return &Service{
		checker:    checker,
		catalog:    opts.Catalog,
		index:      opts.Index,
		normalizer: opts.Normalizer,
		links:      opts.Links,
		workers:    workers,
	}
}

// Search returns the catalog matches for q that are not installed locally, in
// catalog order. An empty collection is a success.
//
// The capability check runs before the catalog is contacted. Catalog failures
// are returned as a 500 *Error. Records that cannot be normalized or whose
// install state cannot be determined are skipped.
func (s *Service) Search(ctx context.Context, caller auth.Caller, q Query) (*Collection, error) {
	if !s.checker.Allowed(caller, auth.SearchScopes()...) {
		return nil, ErrorUnauthorized(caller)
	}

	res, err := s.catalog.Search(ctx, q)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		slog.Warn("block directory: catalog query failed",
			"term", q.Term, "page", q.Page, "per_page", q.PerPage, "error", err)
		return nil, ErrorUpstream(err)
	}

	records := res.Records
	slots := make([]*Item, len(records))
	lookups := newLookupMemo(s.index)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range records {
		i := i
		g.Go(func() error {
			item, reason, err := s.buildItem(gctx, lookups, records[i])
			if err != nil {
				return err
			}
			if reason != "" {
				telemetry.SearchItemsSkippedTotal.WithLabelValues(reason).Inc()
				return nil
			}
			slots[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(slots))
	for _, it := range slots {
		if it != nil {
			items = append(items, *it)
		}
	}
	telemetry.SearchResults.Observe(float64(len(items)))

	return &Collection{
		Items:      items,
		Total:      res.Info.Results.Int(),
		TotalPages: res.Info.Pages.Int(),
	}, nil
}

// buildItem returns the item for rec, or the reason it was skipped. Only
// context cancellation is returned as an error.
func (s *Service) buildItem(ctx context.Context, lookups *lookupMemo, rec catalog.Record) (*Item, string, error) {
	if rec.DecodeErr != "" {
		slog.Debug("block directory: skipping undecodable record", "slug", rec.Slug, "reason", rec.DecodeErr)
		return nil, SkipMalformed, nil
	}

	file, found, err := lookups.lookup(ctx, rec.Slug)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		slog.Warn("block directory: install lookup failed, skipping record", "slug", rec.Slug, "error", err)
		return nil, SkipLookupError, nil
	}
	if found {
		return nil, SkipInstalled, nil
	}

	item, err := s.normalizer.Normalize(rec)
	if err != nil {
		var malformed *MalformedRecordError
		if errors.As(err, &malformed) {
			slog.Debug("block directory: skipping malformed record", "slug", rec.Slug, "reason", malformed.Reason)
			return nil, SkipMalformed, nil
		}
		return nil, "", err
	}
	item.Links = s.links.Build(rec.Slug, file)
	return &item, "", nil
}

// lookupMemo remembers index answers for the lifetime of one request.
type lookupMemo struct {
	index   installs.Index
	mu      sync.Mutex
	entries map[string]*lookupEntry
}

type lookupEntry struct {
	once  sync.Once
	file  string
	found bool
	err   error
}

func newLookupMemo(index installs.Index) *lookupMemo {
	return &lookupMemo{index: index, entries: make(map[string]*lookupEntry)}
}

func (m *lookupMemo) lookup(ctx context.Context, slug string) (string, bool, error) {
	m.mu.Lock()
	e, ok := m.entries[slug]
	if !ok {
		e = &lookupEntry{}
		m.entries[slug] = e
	}
	m.mu.Unlock()

	e.once.Do(func() {
		e.file, e.found, e.err = m.index.Lookup(ctx, slug)
	})
	return e.file, e.found, e.err
}
