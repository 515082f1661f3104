package interceptor

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// FilterList is a passive denylist of case-insensitive substrings. A request
// whose domain or URL contains any entry is tagged as filtered; it is still
// forwarded. Blocking is the job of a rule with a [BlockAction].
type FilterList struct {
	mu       sync.RWMutex
	patterns []string

	// OnReload is called after a successful Load with the new entry count.
	OnReload func(count int)

	// OnError is called when Load fails.
	OnError func(err error)
}

// NewFilterList creates a FilterList holding the given patterns.
func NewFilterList(patterns ...string) *FilterList {
	fl := &FilterList{}
	fl.Replace(patterns)
	return fl
}

// Add appends a pattern. Empty and duplicate patterns are ignored.
func (fl *FilterList) Add(pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	if slices.Contains(fl.patterns, pattern) {
		return false
	}
	fl.patterns = append(fl.patterns, pattern)
	return true
}

// Remove deletes every occurrence of pattern. It reports whether anything
// was removed.
func (fl *FilterList) Remove(pattern string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	before := len(fl.patterns)
	fl.patterns = slices.DeleteFunc(fl.patterns, func(p string) bool { return p == pattern })
	return len(fl.patterns) != before
}

// Replace swaps the whole list atomically.
func (fl *FilterList) Replace(patterns []string) {
	next := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p != "" && !slices.Contains(next, p) {
			next = append(next, p)
		}
	}

	fl.mu.Lock()
	fl.patterns = next
	fl.mu.Unlock()
}

// List returns a copy of the current patterns.
func (fl *FilterList) List() []string {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return slices.Clone(fl.patterns)
}

// Count returns the number of patterns.
func (fl *FilterList) Count() int {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return len(fl.patterns)
}

// Match reports whether rawURL hits any pattern, returning the first
// pattern that did.
func (fl *FilterList) Match(rawURL string) (string, bool) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if len(fl.patterns) == 0 {
		return "", false
	}

	domain := strings.ToLower(ExtractDomain(rawURL))
	lowerURL := strings.ToLower(rawURL)

	for _, p := range fl.patterns {
		lp := strings.ToLower(p)
		if strings.Contains(domain, lp) || strings.Contains(lowerURL, lp) {
			return p, true
		}
	}
	return "", false
}

// Load replaces the list with the patterns produced by loader.
func (fl *FilterList) Load(ctx context.Context, loader FilterLoader) error {
	patterns, err := loader.Load(ctx)
	if err != nil {
		if fl.OnError != nil {
			fl.OnError(err)
		}
		return err
	}

	fl.Replace(patterns)

	if fl.OnReload != nil {
		fl.OnReload(fl.Count())
	}
	return nil
}

// StartAutoReload reloads from loader every interval until the returned
// cancel function is called or ctx ends.
func (fl *FilterList) StartAutoReload(ctx context.Context, loader FilterLoader, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = fl.Load(ctx, loader)
			}
		}
	}()

	return cancel
}

// FilterLoader produces denylist patterns from some source.
type FilterLoader interface {
	Load(ctx context.Context) ([]string, error)
}

// FilterLoaderFunc is a function adapter for FilterLoader.
type FilterLoaderFunc func(ctx context.Context) ([]string, error)

// Load calls f.
func (f FilterLoaderFunc) Load(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// StaticFilterLoader returns a fixed set of patterns.
type StaticFilterLoader struct {
	Patterns []string
}

// NewStaticFilterLoader creates a loader with a fixed set of patterns.
func NewStaticFilterLoader(patterns ...string) *StaticFilterLoader {
	return &StaticFilterLoader{Patterns: patterns}
}

// Load implements FilterLoader.
func (l *StaticFilterLoader) Load(context.Context) ([]string, error) {
	return slices.Clone(l.Patterns), nil
}

// CSVFilterLoader reads patterns from the first column of a CSV file.
// Remaining columns (e.g. a comment) are ignored.
type CSVFilterLoader struct {
	Path string

	// HasHeader skips the first row.
	HasHeader bool
}

// NewCSVFilterLoader creates a CSV loader for path.
func NewCSVFilterLoader(path string) *CSVFilterLoader {
	return &CSVFilterLoader{Path: path, HasHeader: true}
}

// Load implements FilterLoader.
func (l *CSVFilterLoader) Load(ctx context.Context) ([]string, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open CSV file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return l.LoadFromReader(ctx, file)
}

// LoadFromReader reads patterns from r.
func (l *CSVFilterLoader) LoadFromReader(ctx context.Context, r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var patterns []string
	lineNum := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV line %d: %w", lineNum+1, err)
		}

		lineNum++
		if lineNum == 1 && l.HasHeader {
			continue
		}
		if len(record) == 0 {
			continue
		}

		p := strings.TrimSpace(record[0])
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		patterns = append(patterns, p)
	}

	return patterns, nil
}

// ListFilterLoader reads one pattern per line from a file. Blank lines and
// lines starting with # are skipped.
type ListFilterLoader struct {
	Path string
}

// NewListFilterLoader creates a plain-list loader for path.
func NewListFilterLoader(path string) *ListFilterLoader {
	return &ListFilterLoader{Path: path}
}

// Load implements FilterLoader.
func (l *ListFilterLoader) Load(context.Context) ([]string, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open filter list: %w", err)
	}
	defer func() { _ = file.Close() }()

	return ParseFilterList(file)
}

// ParseFilterList parses one pattern per line.
func ParseFilterList(r io.Reader) ([]string, error) {
	var patterns []string
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// URLFilterLoader fetches a plain pattern list over HTTP.
type URLFilterLoader struct {
	URL string

	// Client for HTTP requests (uses http.DefaultClient if nil)
	Client *http.Client
}

// NewURLFilterLoader creates a loader that fetches patterns from endpoint.
func NewURLFilterLoader(endpoint string) *URLFilterLoader {
	return &URLFilterLoader{URL: endpoint}
}

// Load implements FilterLoader.
func (l *URLFilterLoader) Load(ctx context.Context) ([]string, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch filters: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return ParseFilterList(resp.Body)
}

// MultiFilterLoader concatenates the output of several loaders.
type MultiFilterLoader struct {
	Loaders []FilterLoader
}

// NewMultiFilterLoader combines loaders.
func NewMultiFilterLoader(loaders ...FilterLoader) *MultiFilterLoader {
	return &MultiFilterLoader{Loaders: loaders}
}

// Load implements FilterLoader.
func (m *MultiFilterLoader) Load(ctx context.Context) ([]string, error) {
	var all []string
	for i, loader := range m.Loaders {
		patterns, err := loader.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loader %d: %w", i, err)
		}
		all = append(all, patterns...)
	}
	return all, nil
}
