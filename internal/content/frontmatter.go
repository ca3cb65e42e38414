package content

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingClosingDelimiter indicates the document opened a front matter
// block but never closed it.
var ErrMissingClosingDelimiter = errors.New("front matter start delimiter found but closing delimiter is missing")

// splitFrontMatter separates a leading `---` delimited YAML block from the
// markdown body. Documents without front matter return had == false.
func splitFrontMatter(content []byte) (front, body []byte, had bool, err error) {
	nl := "\n"
	if i := bytes.IndexByte(content, '\n'); i > 0 && content[i-1] == '\r' {
		nl = "\r\n"
	}

	open := []byte("---" + nl)
	if !bytes.HasPrefix(content, open) {
		return nil, content, false, nil
	}

	start := len(open)
	if bytes.HasPrefix(content[start:], open) {
		return []byte{}, content[start+len(open):], true, nil
	}

	closeSeq := []byte(nl + "---")
	for offset := start; offset < len(content); {
		idx := bytes.Index(content[offset:], closeSeq)
		if idx < 0 {
			break
		}
		end := offset + idx
		rest := content[end+len(closeSeq):]
		switch {
		case len(rest) == 0:
			return content[start:end], rest, true, nil
		case bytes.HasPrefix(rest, []byte(nl)):
			return content[start:end], rest[len(nl):], true, nil
		}
		// "----" or "---foo" is not a closing delimiter.
		offset = end + len(closeSeq)
	}
	return nil, nil, false, ErrMissingClosingDelimiter
}

// parseFields decodes raw YAML front matter into a map.
func parseFields(front []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(front)) == 0 {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := yaml.Unmarshal(front, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02",
	"January 2, 2006",
	"Jan 2, 2006",
}

// normalizeDate renders date-like values as YYYY-MM-DD. Values that do not
// parse are returned trimmed and otherwise untouched.
func normalizeDate(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case time.Time:
		return val.UTC().Format("2006-01-02")
	case string:
		raw := strings.TrimSpace(val)
		if raw == "" {
			return ""
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.Format("2006-01-02")
			}
		}
		return raw
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

func stringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

func tagsField(fields map[string]any) []string {
	switch vv := fields["tags"].(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" && item != nil {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), vv...)
	case string:
		out := []string{}
		for _, part := range strings.Split(vv, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	default:
		return []string{}
	}
}
