package search

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
)

// FileProvider reads canned results from a JSON file, for offline runs and
// tests. The file holds an array of {"title", "url", "snippet"} objects;
// a query matches when it appears in the title or snippet.
type FileProvider struct {
	Path string
}

func (f *FileProvider) Name() string { return "file" }

func (f *FileProvider) Search(_ context.Context, query string, limit int) ([]Result, error) {
	if strings.TrimSpace(f.Path) == "" {
		return nil, errors.New("file provider path is empty")
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	var all []Result
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	out := make([]Result, 0, len(all))
	for _, r := range all {
		if r.URL == "" || r.Title == "" {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(r.Title), needle) && !strings.Contains(strings.ToLower(r.Snippet), needle) {
			continue
		}
		r.Source = f.Name()
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
