package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Query is a single page request against the remote catalog.
type Query struct {
	Term    string
	Page    int
	PerPage int
}

// cacheKey identifies a query in the response cache. The term is kept as sent
// because the catalog receives it verbatim.
func (q Query) cacheKey() string {
	return fmt.Sprintf("catalog:search:%d:%d:%s", q.Page, q.PerPage, q.Term)
}

// Result is one decoded catalog page.
type Result struct {
	Info    PageInfo `json:"info"`
	Records []Record `json:"plugins"`
}

// UnmarshalJSON decodes each record on its own. A record that does not decode
// is kept in place with DecodeErr set, so one bad entry cannot fail the page.
func (r *Result) UnmarshalJSON(data []byte) error {
	var page struct {
		Info    PageInfo          `json:"info"`
		Plugins []json.RawMessage `json:"plugins"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return err
	}
	r.Info = page.Info
	r.Records = make([]Record, 0, len(page.Plugins))
	for _, raw := range page.Plugins {
		r.Records = append(r.Records, decodeRecord(raw))
	}
	return nil
}

func decodeRecord(raw json.RawMessage) Record {
	var rec Record
	err := json.Unmarshal(raw, &rec)
	if err == nil {
		return rec
	}

	// keep whatever identifies the record for logging
	var id struct {
		Slug json.RawMessage `json:"slug"`
	}
	_ = json.Unmarshal(raw, &id)
	slug := ""
	if len(id.Slug) > 0 && json.Unmarshal(id.Slug, &slug) != nil {
		slug = string(id.Slug)
	}
	return Record{Slug: slug, DecodeErr: err.Error()}
}

// PageInfo is the catalog's pagination summary.
type PageInfo struct {
	Page    Number `json:"page"`
	Pages   Number `json:"pages"`
	Results Number `json:"results"`
}

// Record is one module as the catalog describes it. Fields are decoded leniently:
// the catalog is free to send numbers as strings and empty collections as [].
type Record struct {
	Slug              string          `json:"slug"`
	Name              string          `json:"name"`
	Author            string          `json:"author"`
	ShortDescription  string          `json:"short_description"`
	Blocks            Blocks          `json:"blocks"`
	Rating            Number          `json:"rating"`
	NumRatings        Number          `json:"num_ratings"`
	ActiveInstalls    Number          `json:"active_installs"`
	AuthorBlockRating Number          `json:"author_block_rating"`
	AuthorBlockCount  Number          `json:"author_block_count"`
	Icons             StringMap       `json:"icons"`
	BlockAssets       StringList      `json:"block_assets"`
	LastUpdated       string          `json:"last_updated"`
	BlockIcons        json.RawMessage `json:"block_icons,omitempty"`

	// DecodeErr is set when the catalog sent this record in a shape that
	// could not be decoded. Such records are never normalized.
	DecodeErr string `json:"-"`
}

// Block describes one sub-module (block) shipped by a catalog module.
type Block struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

// Number accepts a JSON number, a numeric string, null, or false.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch s {
	case "null", "false", `""`:
		*n = 0
		return nil
	case "true":
		*n = 1
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
		if s == "" {
			*n = 0
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("catalog: %q is not a number", s)
	}
	*n = Number(f)
	return nil
}

// Float returns the value as a float64.
func (n Number) Float() float64 { return float64(n) }

// Int returns the value truncated to an int64.
func (n Number) Int() int64 { return int64(n) }

// Blocks holds block descriptors in the order the catalog listed them. The
// catalog sends either an array or an object keyed by block name; object key
// order is preserved.
type Blocks []Block

func (b *Blocks) UnmarshalJSON(data []byte) error {
	raws, err := orderedValues(data)
	if err != nil {
		return fmt.Errorf("catalog: decoding blocks: %w", err)
	}
	out := make(Blocks, 0, len(raws))
	for _, raw := range raws {
		var blk Block
		if err := json.Unmarshal(raw, &blk); err != nil {
			return fmt.Errorf("catalog: decoding block: %w", err)
		}
		out = append(out, blk)
	}
	*b = out
	return nil
}

// StringList is a list of strings that may be sent as an array or as an object
// (values are taken in document order).
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	raws, err := orderedValues(data)
	if err != nil {
		return fmt.Errorf("catalog: decoding list: %w", err)
	}
	out := make(StringList, 0, len(raws))
	for _, raw := range raws {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("catalog: decoding list entry: %w", err)
		}
		out = append(out, s)
	}
	*l = out
	return nil
}

// StringMap is an object of strings; an empty array, null or false decode to an empty map.
type StringMap map[string]string

func (m *StringMap) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		raws, err := orderedValues(trimmed)
		if err != nil || len(raws) > 0 {
			return fmt.Errorf("catalog: expected an object, got %s", trimmed)
		}
		*m = StringMap{}
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("catalog: decoding map: %w", err)
	}
	out := make(StringMap, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	*m = out
	return nil
}

// orderedValues returns the elements of a JSON array, or the values of a JSON
// object in document order. null and false yield no values.
func orderedValues(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case 'n', 'f':
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return nil, err
		}
		return nil, nil
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, err
		}
		return arr, nil
	case '{':
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var out []json.RawMessage
		for dec.More() {
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			var v json.RawMessage
			if err := dec.Decode(&v); err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected JSON value %.20s", trimmed)
	}
}
