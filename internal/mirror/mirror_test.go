package mirror

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"sitemirror/internal/fetcher"
	"sitemirror/pkg/types"
)

const testPage = `<!doctype html><html><head>
<link rel="stylesheet" href="/style.css">
</head><body>
<h1>hi</h1>
<img src="/img.png">
<img src="https://elsewhere.example/third.png">
</body></html>`

const testCSS = `body { background-image: url('/img.png'); }`

// pngBytes is a tiny stand-in binary payload.
var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

type countingServer struct {
	*httptest.Server
	mu     sync.Mutex
	counts map[string]int
}

func newCountingServer(t *testing.T) *countingServer {
	t.Helper()
	cs := &countingServer{counts: make(map[string]int)}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.counts[r.URL.Path]++
		cs.mu.Unlock()

		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, testPage)
		case "/style.css":
			w.Header().Set("Content-Type", "text/css")
			io.WriteString(w, testCSS)
		case "/img.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(pngBytes)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(cs.Server.Close)
	return cs
}

func (cs *countingServer) count(path string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.counts[path]
}

func newTestCoordinator(t *testing.T, root string, thirdParty bool) *Coordinator {
	t.Helper()
	f, err := fetcher.NewHTTPFetcher(fetcher.Options{UserAgent: "sitemirror-test/1.0"})
	if err != nil {
		t.Fatalf("NewHTTPFetcher: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(f, Options{
		Root:              root,
		Concurrency:       4,
		IncludeThirdParty: thirdParty,
	}, logger)
}

func fetchPage(t *testing.T, c *Coordinator, raw string) (*url.URL, *types.Response) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	resp, err := c.fetcher.Fetch(context.Background(), fetcher.Request{URL: u})
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	return u, resp
}

func TestMirrorRewritesReferences(t *testing.T) {
	srv := newCountingServer(t)
	root := t.TempDir()
	c := newTestCoordinator(t, root, false)

	pageURL, resp := fetchPage(t, c, srv.URL+"/page")
	defer resp.Close()

	htmlPath, err := c.Mirror(context.Background(), pageURL, resp, NewRunContext())
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}

	htmlOut, err := os.ReadFile(htmlPath)
	if err != nil {
		t.Fatalf("read html: %v", err)
	}
	page := string(htmlOut)

	if strings.Contains(page, `href="/style.css"`) {
		t.Error("stylesheet reference was not rewritten")
	}
	if strings.Contains(page, `src="/img.png"`) {
		t.Error("image reference was not rewritten")
	}
	// Third-party image must stay untouched with third-party off.
	if !strings.Contains(page, `src="https://elsewhere.example/third.png"`) {
		t.Error("third-party reference should be left unchanged")
	}
}

func TestMirrorSavesAssetsOnDisk(t *testing.T) {
	srv := newCountingServer(t)
	root := t.TempDir()
	c := newTestCoordinator(t, root, false)

	pageURL, resp := fetchPage(t, c, srv.URL+"/page")
	defer resp.Close()

	htmlPath, err := c.Mirror(context.Background(), pageURL, resp, NewRunContext())
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}

	var cssPath, pngPath string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		switch filepath.Ext(path) {
		case ".css":
			cssPath = path
		case ".png":
			pngPath = path
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if cssPath == "" {
		t.Fatal("no .css file written")
	}
	if pngPath == "" {
		t.Fatal("no .png file written")
	}

	// The CSS must reference the image by a relative path.
	cssOut, err := os.ReadFile(cssPath)
	if err != nil {
		t.Fatalf("read css: %v", err)
	}
	if strings.Contains(string(cssOut), "url('/img.png')") {
		t.Error("css url was not rewritten")
	}
	if strings.Contains(string(cssOut), "url(/") {
		t.Error("css reference should be relative, found absolute path")
	}

	// Rewrite closure: every rewritten reference resolves from the HTML dir.
	htmlOut, _ := os.ReadFile(htmlPath)
	htmlDir := filepath.Dir(htmlPath)
	doc := parseDoc(t, string(htmlOut))
	for _, ref := range ExtractAssets(doc) {
		val := ref.URLValue()
		if strings.Contains(val, "://") || strings.HasPrefix(val, "/") {
			continue // reference that was intentionally left alone
		}
		target := filepath.Join(htmlDir, filepath.FromSlash(val))
		if _, err := os.Stat(target); err != nil {
			t.Errorf("rewritten reference %q does not resolve: %v", val, err)
		}
	}
}

func TestMirrorDedupsAssetFetches(t *testing.T) {
	srv := newCountingServer(t)
	root := t.TempDir()
	c := newTestCoordinator(t, root, false)
	rc := NewRunContext()

	// Mirror the same page twice within one run; every asset must be
	// fetched at most once.
	for i := 0; i < 2; i++ {
		pageURL, resp := fetchPage(t, c, srv.URL+"/page")
		if _, err := c.Mirror(context.Background(), pageURL, resp, rc); err != nil {
			t.Fatalf("Mirror: %v", err)
		}
		resp.Close()
	}

	if got := srv.count("/style.css"); got != 1 {
		t.Errorf("/style.css fetched %d times, want 1", got)
	}
	if got := srv.count("/img.png"); got != 1 {
		t.Errorf("/img.png fetched %d times, want 1", got)
	}
}

func TestMirrorSameOriginFilter(t *testing.T) {
	var crossOriginHit bool
	third := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		crossOriginHit = true
		w.Write(pngBytes)
	}))
	defer third.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><body><img src="`+third.URL+`/x.png"></body></html>`)
	}))
	defer srv.Close()

	root := t.TempDir()
	c := newTestCoordinator(t, root, false)

	pageURL, resp := fetchPage(t, c, srv.URL+"/page")
	defer resp.Close()

	if _, err := c.Mirror(context.Background(), pageURL, resp, NewRunContext()); err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if crossOriginHit {
		t.Error("cross-origin asset fetched with include_third_party=false")
	}
}

func TestMirrorThirdPartyEnabled(t *testing.T) {
	var crossOriginHit bool
	third := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		crossOriginHit = true
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	}))
	defer third.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><body><img src="`+third.URL+`/x.png"></body></html>`)
	}))
	defer srv.Close()

	root := t.TempDir()
	c := newTestCoordinator(t, root, true)

	pageURL, resp := fetchPage(t, c, srv.URL+"/page")
	defer resp.Close()

	if _, err := c.Mirror(context.Background(), pageURL, resp, NewRunContext()); err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if !crossOriginHit {
		t.Error("cross-origin asset not fetched with include_third_party=true")
	}
}

func TestMirrorPageWithoutAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><body><p>nothing here</p></body></html>`)
	}))
	defer srv.Close()

	root := t.TempDir()
	c := newTestCoordinator(t, root, false)

	pageURL, resp := fetchPage(t, c, srv.URL+"/bare")
	defer resp.Close()

	htmlPath, err := c.Mirror(context.Background(), pageURL, resp, NewRunContext())
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	data, err := os.ReadFile(htmlPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "nothing here") {
		t.Errorf("unexpected body: %q", data)
	}
}

func TestResolveRef(t *testing.T) {
	base, _ := url.Parse("https://example.com/dir/page")

	cases := []struct {
		raw  string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"data:image/png;base64,AAAA", ""},
		{"MAILTO:someone@example.com", ""},
		{"javascript:void(0)", ""},
		{"about:blank", ""},
		{"blob:https://example.com/uuid", ""},
		{"//cdn.example.com/x.js", "https://cdn.example.com/x.js"},
		{"/abs/path.css", "https://example.com/abs/path.css"},
		{"rel.png", "https://example.com/dir/rel.png"},
		{"https://other.example/x#frag", "https://other.example/x"},
	}
	for _, tc := range cases {
		got := resolveRef(base, tc.raw)
		switch {
		case tc.want == "" && got != nil:
			t.Errorf("resolveRef(%q) = %v, want nil", tc.raw, got)
		case tc.want != "" && (got == nil || got.String() != tc.want):
			t.Errorf("resolveRef(%q) = %v, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestSameOrigin(t *testing.T) {
	mk := func(raw string) *url.URL {
		u, _ := url.Parse(raw)
		return u
	}
	cases := []struct {
		a, b string
		want bool
	}{
		{"http://example.com/a", "http://example.com:80/b", true},
		{"https://example.com/a", "https://example.com:443/b", true},
		{"http://example.com", "https://example.com", false},
		{"http://example.com", "http://other.example", false},
		{"http://example.com:8080", "http://example.com:9090", false},
		{"HTTP://EXAMPLE.COM", "http://example.com", true},
	}
	for _, tc := range cases {
		if got := sameOrigin(mk(tc.a), mk(tc.b)); got != tc.want {
			t.Errorf("sameOrigin(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
