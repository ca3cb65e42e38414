// Package search builds the JSON index the published site uses for
// client-side search.
package search

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/euforicio/sitemd/internal/content"
)

// FileName is the index location relative to the output directory.
const FileName = "search.json"

// Entry describes one published page.
type Entry struct {
	URL     string       `json:"url"`
	Key     string       `json:"key"`
	Kind    content.Kind `json:"kind"`
	Title   string       `json:"title"`
	Date    string       `json:"date,omitempty"`
	Summary string       `json:"summary,omitempty"`
	Tags    []string     `json:"tags,omitempty"`
}

// Index is the document written to FileName.
type Index struct {
	Entries []Entry `json:"entries"`
}

// Build collects one entry per item, ordered by key. url maps a content key
// to its public path.
func Build(items []content.Item, url func(key string) string) Index {
	idx := Index{Entries: make([]Entry, 0, len(items))}
	for _, item := range items {
		idx.Entries = append(idx.Entries, Entry{
			URL:     url(item.Key),
			Key:     item.Key,
			Kind:    item.Kind,
			Title:   item.Title,
			Date:    item.Date,
			Summary: summaryOf(item.FrontMatter),
			Tags:    item.Tags,
		})
	}
	sort.Slice(idx.Entries, func(i, j int) bool { return idx.Entries[i].Key < idx.Entries[j].Key })
	return idx
}

// Encode renders idx as indented JSON.
func Encode(idx Index) ([]byte, error) {
	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode search index: %w", err)
	}
	return append(raw, '\n'), nil
}

// Decode parses a document produced by Encode.
func Decode(raw []byte) (Index, error) {
	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return Index{}, fmt.Errorf("decode search index: %w", err)
	}
	return idx, nil
}

// Match returns entries whose title, summary or tags contain every term of
// query, ignoring case.
func (idx Index) Match(query string) []Entry {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}
	var out []Entry
	for _, e := range idx.Entries {
		haystack := strings.ToLower(e.Title + " " + e.Summary + " " + strings.Join(e.Tags, " "))
		matched := true
		for _, term := range terms {
			if !strings.Contains(haystack, term) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, e)
		}
	}
	return out
}

func summaryOf(meta map[string]any) string {
	for _, key := range []string{"description", "summary"} {
		if v, ok := meta[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
