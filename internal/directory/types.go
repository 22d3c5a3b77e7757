// Package directory implements block directory search: it gates the caller on
// install and activate capabilities, queries the remote catalog, drops modules
// that are already installed, and shapes the rest into Items with hypermedia
// links.
package directory

import (
	"strings"

	"github.com/block-directory/block-directory/internal/catalog"
)

// Query is a validated search request. Build it with NewQuery.
type Query = catalog.Query

// NewQuery validates a search request. term is trimmed and must be non-empty;
// page must be positive; perPage must be within 1..maxPerPage.
func NewQuery(term string, page, perPage, maxPerPage int) (Query, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return Query{}, ErrorMissingParam("term")
	}
	if page < 1 {
		return Query{}, ErrorInvalidParam("page", "page must be greater than or equal to 1")
	}
	if perPage < 1 || perPage > maxPerPage {
		return Query{}, ErrorInvalidParam("per_page", "per_page must be between 1 and "+itoa(maxPerPage))
	}
	return Query{Term: term, Page: page, PerPage: perPage}, nil
}

// Item is one installable block as returned to clients.
type Item struct {
	Name              string   `json:"name"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	ID                string   `json:"id"`
	Rating            float64  `json:"rating"`
	RatingCount       int64    `json:"rating_count"`
	ActiveInstalls    int64    `json:"active_installs"`
	AuthorBlockRating float64  `json:"author_block_rating"`
	AuthorBlockCount  int64    `json:"author_block_count"`
	Author            string   `json:"author"`
	Icon              string   `json:"icon"`
	Assets            []string `json:"assets"`
	LastUpdated       string   `json:"last_updated"`
	HumanizedUpdated  string   `json:"humanized_updated"`
	Links             Links    `json:"_links"`
}

// Links holds the hypermedia relations of an Item.
type Links struct {
	Install []Link `json:"install"`
	Plugin  []Link `json:"plugin,omitempty"`
}

// Link is a single hypermedia relation target.
type Link struct {
	Href       string `json:"href"`
	Embeddable bool   `json:"embeddable,omitempty"`
}

// Collection is the ordered result of one search.
type Collection struct {
	Items      []Item
	Total      int64
	TotalPages int64
}
