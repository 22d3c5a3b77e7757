package directory

import (
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/microcosm-cc/bluemonday"

	"github.com/block-directory/block-directory/internal/catalog"
)

const (
	// DescriptionWords is how many words of a description are kept
	DescriptionWords = 30
	// DefaultIcon is sent when the catalog has no 1x icon for a module
	DefaultIcon = "block-default"

	ellipsis = "…"
)

// timestampLayouts are the formats the catalog uses for last_updated.
var timestampLayouts = []string{
	"2006-01-02 3:04pm MST",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
	"2006-01-02",
}

// Normalizer turns catalog records into Items. It never mutates the record.
type Normalizer struct {
	cdnBase string
	now     func() time.Time
	policy  *bluemonday.Policy
}

// NewNormalizer creates a Normalizer resolving relative assets against cdnBase
// (a host with an optional path, no scheme). now defaults to time.Now.
func NewNormalizer(cdnBase string, now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	cdnBase = strings.TrimPrefix(cdnBase, "https://")
	cdnBase = strings.TrimPrefix(cdnBase, "http://")
	return &Normalizer{
		cdnBase: strings.Trim(cdnBase, "/"),
		now:     now,
		policy:  bluemonday.StrictPolicy(),
	}
}

// Normalize builds an Item from rec without links. A record that failed to
// decode or has no block descriptors yields a *MalformedRecordError.
func (n *Normalizer) Normalize(rec catalog.Record) (Item, error) {
	if rec.DecodeErr != "" {
		return Item{}, &MalformedRecordError{Slug: rec.Slug, Reason: rec.DecodeErr}
	}
	if strings.TrimSpace(rec.Slug) == "" {
		return Item{}, &MalformedRecordError{Reason: "missing slug"}
	}
	if len(rec.Blocks) == 0 {
		return Item{}, &MalformedRecordError{Slug: rec.Slug, Reason: "no block descriptors"}
	}
	block := rec.Blocks[0]
	if block.Name == "" {
		return Item{}, &MalformedRecordError{Slug: rec.Slug, Reason: "first block has no name"}
	}

	title := block.Title
	if title == "" {
		title = rec.Name
	}

	updated, hasUpdated := ParseTimestamp(rec.LastUpdated)

	assets := make([]string, 0, len(rec.BlockAssets))
	for _, a := range rec.BlockAssets {
		if resolved := ResolveAsset(n.cdnBase, rec.Slug, a, updated, hasUpdated); resolved != "" {
			assets = append(assets, resolved)
		}
	}

	item := Item{
		Name:              block.Name,
		Title:             title,
		Description:       TruncateWords(n.stripMarkup(rec.ShortDescription), DescriptionWords),
		ID:                rec.Slug,
		Rating:            rec.Rating.Float() / 20,
		RatingCount:       rec.NumRatings.Int(),
		ActiveInstalls:    rec.ActiveInstalls.Int(),
		AuthorBlockRating: rec.AuthorBlockRating.Float() / 20,
		AuthorBlockCount:  rec.AuthorBlockCount.Int(),
		Author:            n.stripMarkup(rec.Author),
		Icon:              DefaultIcon,
		Assets:            assets,
		LastUpdated:       rec.LastUpdated,
	}
	if icon := rec.Icons["1x"]; icon != "" {
		item.Icon = icon
	}
	if hasUpdated {
		item.HumanizedUpdated = HumanizeSince(updated, n.now())
	}
	return item, nil
}

// stripMarkup removes all tags and decodes entities.
func (n *Normalizer) stripMarkup(s string) string {
	return strings.TrimSpace(html.UnescapeString(n.policy.Sanitize(s)))
}

// TruncateWords collapses whitespace and keeps the first limit words, adding an
// ellipsis when anything was cut.
func TruncateWords(s string, limit int) string {
	words := strings.Fields(s)
	if len(words) <= limit {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:limit], " ") + ellipsis
}

// ParseTimestamp reads a catalog last_updated value. Zone-less values are UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// HumanizeSince renders t relative to now, e.g. "3 days ago".
func HumanizeSince(t, now time.Time) string {
	if t.After(now) {
		t = now
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// ResolveAsset returns an absolute https URL for a block asset. Absolute https
// URLs with a host pass through re-escaped. Any other input, including http
// URLs and text that does not parse as a URL, is taken verbatim as a fragment
// under https://<cdnBase>/<slug>, versioned with the epoch of updated when
// known. Only a blank asset yields "".
func ResolveAsset(cdnBase, slug, asset string, updated time.Time, hasUpdated bool) string {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return ""
	}

	if u, err := url.Parse(asset); err == nil && u.Scheme == "https" && u.Host != "" {
		return u.String()
	}

	fragment, _, _ := strings.Cut(asset, "#")
	fragment, rawQuery, _ := strings.Cut(fragment, "?")
	if !strings.HasPrefix(fragment, "/") {
		fragment = "/" + fragment
	}
	// decode valid escapes so they are not doubled; invalid ones are kept as text
	if p, err := url.PathUnescape(fragment); err == nil {
		fragment = p
	}
	if _, err := url.ParseQuery(rawQuery); err != nil {
		rawQuery = ""
	}

	resolved := url.URL{
		Scheme:   "https",
		Host:     hostOf(cdnBase),
		Path:     pathOf(cdnBase) + "/" + slug + fragment,
		RawQuery: rawQuery,
	}
	if hasUpdated {
		q := resolved.Query()
		q.Set("v", strconv.FormatInt(updated.Unix(), 10))
		resolved.RawQuery = q.Encode()
	}
	return resolved.String()
}

func hostOf(cdnBase string) string {
	host, _, _ := strings.Cut(cdnBase, "/")
	return host
}

func pathOf(cdnBase string) string {
	_, path, found := strings.Cut(cdnBase, "/")
	if !found || path == "" {
		return ""
	}
	return "/" + strings.Trim(path, "/")
}
