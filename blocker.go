package webproxy

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultBlockPatterns is the pattern set a new [URLBlocker] starts with.
var DefaultBlockPatterns = []string{
	`.*malicious\..*`,
	`.*porn\..*`,
	`.*gambling\..*`,
}

// URLBlocker decides whether a request URL is blocked. Patterns are regular
// expressions matched case-insensitively and anchored at the start of the
// URL only: a pattern blocks a URL when it matches some prefix of it.
//
// Patterns are evaluated in the order they were added. Patterns added with
// AddPattern survive Reload and are appended after the loaded ones. A
// URLBlocker is safe for concurrent use; readers never observe a partially
// applied update.
type URLBlocker struct {
	mu       sync.RWMutex
	patterns []*blockPattern
	added    []*blockPattern

	// OnReload is called after a successful Reload with the new pattern count.
	OnReload func(count int)

	// OnError is called when a Reload fails.
	OnError func(err error)
}

type blockPattern struct {
	source string
	re     *regexp.Regexp
}

// NewURLBlocker creates a blocker loaded with [DefaultBlockPatterns].
func NewURLBlocker() *URLBlocker {
	b, err := NewURLBlockerWithPatterns(DefaultBlockPatterns...)
	if err != nil {
		panic(err)
	}
	return b
}

// NewURLBlockerWithPatterns creates a blocker with exactly the given
// patterns. It fails on the first pattern that does not compile.
func NewURLBlockerWithPatterns(patterns ...string) (*URLBlocker, error) {
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return nil, err
	}
	return &URLBlocker{patterns: compiled}, nil
}

func compilePattern(pattern string) (*blockPattern, error) {
	re, err := regexp.Compile(`(?i)^(?:` + pattern + `)`)
	if err != nil {
		return nil, fmt.Errorf("invalid block pattern %q: %w", pattern, err)
	}
	return &blockPattern{source: pattern, re: re}, nil
}

func compilePatterns(patterns []string) ([]*blockPattern, error) {
	compiled := make([]*blockPattern, 0, len(patterns))
	for _, p := range patterns {
		bp, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, bp)
	}
	return compiled, nil
}

// IsBlocked reports whether any pattern matches the start of url.
func (b *URLBlocker) IsBlocked(url string) bool {
	_, blocked := b.Match(url)
	return blocked
}

// Match returns the first pattern that matches the start of url.
func (b *URLBlocker) Match(url string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, p := range b.patterns {
		if p.re.MatchString(url) {
			return p.source, true
		}
	}
	return "", false
}

// AddPattern appends a pattern. An invalid regular expression is rejected
// and the pattern list is left unchanged. The pattern is kept across
// Reload until it is removed or the list is replaced.
func (b *URLBlocker) AddPattern(pattern string) error {
	bp, err := compilePattern(pattern)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.patterns = append(b.patterns, bp)
	b.added = append(b.added, bp)
	return nil
}

// RemovePattern removes every occurrence of pattern and reports whether
// anything was removed.
func (b *URLBlocker) RemovePattern(pattern string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	match := func(p *blockPattern) bool { return p.source == pattern }
	before := len(b.patterns)
	b.patterns = slices.DeleteFunc(b.patterns, match)
	b.added = slices.DeleteFunc(b.added, match)
	return len(b.patterns) != before
}

// Replace swaps the whole pattern list, dropping patterns added with
// AddPattern. Nothing changes if any pattern fails to compile.
func (b *URLBlocker) Replace(patterns []string) error {
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.patterns = compiled
	b.added = nil
	b.mu.Unlock()
	return nil
}

// merge swaps in loaded followed by the AddPattern patterns it does not
// already contain, and returns the new pattern count.
func (b *URLBlocker) merge(loaded []*blockPattern) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(loaded))
	for _, p := range loaded {
		seen[p.source] = true
	}
	for _, p := range b.added {
		if !seen[p.source] {
			loaded = append(loaded, p)
		}
	}
	b.patterns = loaded
	return len(loaded)
}

// Patterns returns the pattern sources in evaluation order.
func (b *URLBlocker) Patterns() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, len(b.patterns))
	for i, p := range b.patterns {
		out[i] = p.source
	}
	return out
}

// Count returns the number of patterns.
func (b *URLBlocker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.patterns)
}

// Reload replaces the pattern list with the patterns returned by loader,
// keeping patterns added with AddPattern. A failed load or compile leaves
// the list unchanged.
func (b *URLBlocker) Reload(ctx context.Context, loader PatternLoader) error {
	count, err := b.load(ctx, loader)
	if err != nil {
		if b.OnError != nil {
			b.OnError(err)
		}
		return err
	}

	if b.OnReload != nil {
		b.OnReload(count)
	}
	return nil
}

// LoadInitial is Reload without the OnReload and OnError hooks, for the
// first load at startup.
func (b *URLBlocker) LoadInitial(ctx context.Context, loader PatternLoader) error {
	_, err := b.load(ctx, loader)
	return err
}

func (b *URLBlocker) load(ctx context.Context, loader PatternLoader) (int, error) {
	patterns, err := loader.Load(ctx)
	if err != nil {
		return 0, err
	}
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return 0, err
	}
	return b.merge(compiled), nil
}

// StartAutoReload reloads from loader every interval until the returned
// cancel function is called or ctx is done.
func (b *URLBlocker) StartAutoReload(ctx context.Context, loader PatternLoader, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = b.Reload(ctx, loader)
			}
		}
	}()

	return cancel
}

// PatternLoader produces a list of block patterns from some source.
type PatternLoader interface {
	Load(ctx context.Context) ([]string, error)
}

// PatternLoaderFunc adapts a function to [PatternLoader].
type PatternLoaderFunc func(ctx context.Context) ([]string, error)

// Load calls f.
func (f PatternLoaderFunc) Load(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// StaticLoader returns a fixed list of patterns.
type StaticLoader struct {
	Patterns []string
}

// NewStaticLoader creates a loader that always returns patterns.
func NewStaticLoader(patterns ...string) *StaticLoader {
	return &StaticLoader{Patterns: patterns}
}

// Load implements PatternLoader.
func (l *StaticLoader) Load(context.Context) ([]string, error) {
	return slices.Clone(l.Patterns), nil
}

// FileLoader reads one pattern per line from a file. Blank lines and lines
// starting with # are ignored.
type FileLoader struct {
	Path string
}

// NewFileLoader creates a loader for the pattern file at path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{Path: path}
}

// Load implements PatternLoader.
func (l *FileLoader) Load(context.Context) ([]string, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open pattern file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParsePatternList(f)
}

// ParsePatternList parses one pattern per line, skipping blank lines and
// # comments. Surrounding whitespace is trimmed.
func ParsePatternList(r io.Reader) ([]string, error) {
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

// CSVLoader reads patterns from the first column of a CSV file. Any
// further columns (reason, category) are ignored.
type CSVLoader struct {
	Path string

	// HasHeader skips the first record.
	HasHeader bool
}

// NewCSVLoader creates a loader for the CSV file at path.
func NewCSVLoader(path string) *CSVLoader {
	return &CSVLoader{Path: path, HasHeader: true}
}

// Load implements PatternLoader.
func (l *CSVLoader) Load(ctx context.Context) ([]string, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open CSV file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return l.LoadFromReader(ctx, f)
}

// LoadFromReader reads CSV records from r.
func (l *CSVLoader) LoadFromReader(ctx context.Context, r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var patterns []string
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return patterns, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV line %d: %w", line, err)
		}
		if line == 1 && l.HasHeader {
			continue
		}

		pattern := strings.TrimSpace(record[0])
		if pattern == "" {
			continue
		}
		patterns = append(patterns, pattern)
	}
}

// URLLoader fetches a pattern list (same format as [ParsePatternList])
// over HTTP.
type URLLoader struct {
	URL string

	// Client is used for the request (http.DefaultClient if nil).
	Client *http.Client
}

// NewURLLoader creates a loader for the pattern list at endpoint.
func NewURLLoader(endpoint string) *URLLoader {
	return &URLLoader{URL: endpoint}
}

// Load implements PatternLoader.
func (l *URLLoader) Load(ctx context.Context) ([]string, error) {
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
		return nil, fmt.Errorf("fetch patterns: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch patterns: unexpected status %d", resp.StatusCode)
	}
	return ParsePatternList(resp.Body)
}

// MultiLoader concatenates the patterns of several loaders, in order.
type MultiLoader struct {
	Loaders []PatternLoader
}

// NewMultiLoader combines loaders.
func NewMultiLoader(loaders ...PatternLoader) *MultiLoader {
	return &MultiLoader{Loaders: loaders}
}

// Load implements PatternLoader. It fails if any loader fails.
func (m *MultiLoader) Load(ctx context.Context) ([]string, error) {
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
