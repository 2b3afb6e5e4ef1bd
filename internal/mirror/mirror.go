// Package mirror saves an HTML page together with its referenced assets and
// rewrites the references so the local copy renders offline.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"sitemirror/internal/fetcher"
	"sitemirror/internal/storage"
	"sitemirror/internal/workerpool"
	"sitemirror/pkg/types"
)

// Options configures a mirror coordinator for one run.
type Options struct {
	Root              string
	Concurrency       int
	IncludeThirdParty bool
	MaxBodyBytes      int64
}

// Coordinator fetches a page's assets, resolves one level of CSS
// dependencies, and rewrites all references to local relative paths.
type Coordinator struct {
	fetcher fetcher.Fetcher
	opts    Options
	logger  *slog.Logger
}

// NewCoordinator builds a mirror coordinator.
func NewCoordinator(f fetcher.Fetcher, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{fetcher: f, opts: opts, logger: logger}
}

// RunContext deduplicates asset fetches across every page of one run. For
// any URL the fetch runs at most once; concurrent requesters wait for the
// first fetch to settle and share its outcome. A context is created per run
// and never shared between runs.
type RunContext struct {
	mu      sync.Mutex
	entries map[string]*fetchEntry
}

type fetchEntry struct {
	done  chan struct{}
	asset *types.Asset // nil when the fetch failed or was skipped
}

// NewRunContext creates an empty dedup table.
func NewRunContext() *RunContext {
	return &RunContext{entries: make(map[string]*fetchEntry)}
}

// claim returns the entry for key and whether the caller owns its fetch.
func (rc *RunContext) claim(key string) (*fetchEntry, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if e, ok := rc.entries[key]; ok {
		return e, false
	}
	e := &fetchEntry{done: make(chan struct{})}
	rc.entries[key] = e
	return e, true
}

// Mirror saves the page body as HTML under the output root, fetches its
// assets, and rewrites their references. Asset failures never fail the
// page; failed references are left as they were.
func (c *Coordinator) Mirror(ctx context.Context, pageURL *url.URL, resp *types.Response, rc *RunContext) (string, error) {
	// The page itself is always written as .html, whatever the server said.
	htmlPath := storage.OutputPath(c.opts.Root, pageURL, "text/html")
	if err := os.MkdirAll(filepath.Dir(htmlPath), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	body, err := c.readBody(resp)
	if err != nil {
		return "", fmt.Errorf("read page body: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	refs := ExtractAssets(doc)
	if len(refs) == 0 {
		if err := os.WriteFile(htmlPath, body, 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", htmlPath, err)
		}
		return htmlPath, nil
	}

	resolved := make(map[*AssetRef]*url.URL, len(refs))
	targets := make(map[string]*url.URL)
	for _, ref := range refs {
		u := resolveRef(pageURL, ref.URLValue())
		if u == nil || !c.allowed(pageURL, u) {
			continue
		}
		resolved[ref] = u
		targets[u.String()] = u
	}

	fetched := c.fetchAll(ctx, rc, pageURL, targets, true)

	htmlDir := filepath.Dir(htmlPath)
	for _, ref := range refs {
		u := resolved[ref]
		if u == nil {
			continue
		}
		asset := fetched[u.String()]
		if asset == nil {
			continue
		}
		rel, err := filepath.Rel(htmlDir, asset.Path)
		if err != nil {
			continue
		}
		ref.ApplyReplacement(filepath.ToSlash(rel))
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc.Get(0)); err != nil {
		return "", fmt.Errorf("serialize html: %w", err)
	}
	if err := os.WriteFile(htmlPath, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", htmlPath, err)
	}
	return htmlPath, nil
}

// fetchAll fans the target set out over a worker pool. When followCSS is
// set, fetched stylesheets get one level of url(...) dependency resolution.
func (c *Coordinator) fetchAll(ctx context.Context, rc *RunContext, pageURL *url.URL, targets map[string]*url.URL, followCSS bool) map[string]*types.Asset {
	results := make(map[string]*types.Asset, len(targets))
	if len(targets) == 0 {
		return results
	}

	pool, err := workerpool.New(ctx, c.opts.Concurrency, len(targets))
	if err != nil {
		return results
	}

	var mu sync.Mutex
	for key, target := range targets {
		key, target := key, target
		submitErr := pool.Submit(func(jobCtx context.Context) {
			asset := c.fetchAsset(jobCtx, rc, pageURL, target, followCSS)
			mu.Lock()
			results[key] = asset
			mu.Unlock()
		})
		if submitErr != nil {
			break
		}
	}
	pool.Wait()
	return results
}

// fetchAsset performs the dedup-aware fetch: at most one GET per URL per
// run. The owner of the entry also runs the CSS dependency stage, so a
// stylesheet is rewritten exactly once no matter how many pages share it;
// non-owners block until the owner's outcome is fully materialized.
func (c *Coordinator) fetchAsset(ctx context.Context, rc *RunContext, pageURL, u *url.URL, followCSS bool) *types.Asset {
	key := u.String()
	entry, owner := rc.claim(key)
	if !owner {
		select {
		case <-entry.done:
			return entry.asset
		case <-ctx.Done():
			return nil
		}
	}
	defer close(entry.done)

	resp, err := c.fetcher.Fetch(ctx, fetcher.Request{URL: u})
	if err != nil {
		c.logger.Debug("asset fetch failed", "url", key, "error", err)
		return nil
	}
	defer resp.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("asset fetch rejected", "url", key, "status", resp.StatusCode)
		return nil
	}

	path, err := storage.SaveResponse(ctx, resp, c.opts.Root)
	if err != nil {
		c.logger.Debug("asset save failed", "url", key, "error", err)
		return nil
	}

	asset := &types.Asset{URL: u, Path: path, ContentType: resp.ContentType}
	if followCSS && isStylesheet(asset) {
		c.resolveCSSDependencies(ctx, rc, pageURL, asset)
	}
	entry.asset = asset
	return entry.asset
}

// resolveCSSDependencies fetches the url(...) references of a saved
// stylesheet and rewrites the file in place. Dependencies of dependencies
// are not followed.
func (c *Coordinator) resolveCSSDependencies(ctx context.Context, rc *RunContext, pageURL *url.URL, css *types.Asset) {
	text, err := os.ReadFile(css.Path)
	if err != nil {
		c.logger.Debug("css read failed", "path", css.Path, "error", err)
		return
	}

	targets := make(map[string]*url.URL)
	for _, ref := range FindCSSURLs(string(text)) {
		u := resolveRef(css.URL, ref.Value)
		if u == nil || !c.allowed(pageURL, u) {
			continue
		}
		targets[u.String()] = u
	}
	if len(targets) == 0 {
		return
	}

	fetched := c.fetchAll(ctx, rc, pageURL, targets, false)

	cssDir := filepath.Dir(css.Path)
	rewritten := RewriteCSSURLs(string(text), func(value string) (string, bool) {
		u := resolveRef(css.URL, value)
		if u == nil {
			return "", false
		}
		asset := fetched[u.String()]
		if asset == nil {
			return "", false
		}
		rel, err := filepath.Rel(cssDir, asset.Path)
		if err != nil {
			return "", false
		}
		return filepath.ToSlash(rel), true
	})

	if err := os.WriteFile(css.Path, []byte(rewritten), 0o644); err != nil {
		c.logger.Debug("css rewrite failed", "path", css.Path, "error", err)
	}
}

func (c *Coordinator) readBody(resp *types.Response) ([]byte, error) {
	limit := c.opts.MaxBodyBytes
	if limit <= 0 {
		return io.ReadAll(resp.Body)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds limit of %d bytes", limit)
	}
	return body, nil
}

// Schemes whose references are never treated as fetchable assets.
var skippedPrefixes = []string{"data:", "mailto:", "javascript:", "about:", "blob:"}

// resolveRef turns a raw attribute or CSS value into an absolute URL
// against base, or nil when the reference is unusable.
func resolveRef(base *url.URL, raw string) *url.URL {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	lower := strings.ToLower(raw)
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(lower, p) {
			return nil
		}
	}
	if strings.HasPrefix(raw, "//") {
		raw = base.Scheme + ":" + raw
	}
	u, err := base.Parse(raw)
	if err != nil {
		return nil
	}
	u.Fragment = ""
	return u
}

func (c *Coordinator) allowed(page, u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	if c.opts.IncludeThirdParty {
		return true
	}
	return sameOrigin(page, u)
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if strings.EqualFold(u.Scheme, "https") {
		return "443"
	}
	return "80"
}

func isStylesheet(a *types.Asset) bool {
	if strings.HasPrefix(strings.ToLower(a.ContentType), "text/css") {
		return true
	}
	return strings.HasSuffix(a.Path, ".css")
}
