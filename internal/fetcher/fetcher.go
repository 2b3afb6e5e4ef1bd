package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"sitemirror/pkg/types"
)

// Request identifies one URL to retrieve.
type Request struct {
	URL    *url.URL
	Render bool
}

// Fetcher retrieves a single URL. Implementations return the response with
// headers parsed and the body unread; callers own the body and must close it.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*types.Response, error)
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent string
	Headers   map[string]string
	ProxyURL  string
}

// HTTPFetcher implements Fetcher via the Go http.Client.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
// Per-request deadlines come from the caller's context, so the client itself
// carries no overall timeout.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client:       &http.Client{Transport: transport},
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
	}, nil
}

// Fetch issues a GET and returns a streaming response. Status codes are not
// inspected here; the fetch fails only on transport errors or cancellation.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*types.Response, error) {
	if req.URL == nil {
		return nil, errors.New("request URL is nil")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")

	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}

	body, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	return &types.Response{
		URL:         req.URL,
		StatusCode:  resp.StatusCode,
		Status:      resp.Status,
		Header:      resp.Header.Clone(),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   time.Now(),
	}, nil
}

// decodeBody layers a decompression reader over the raw body according to
// Content-Encoding. The body stays unread beyond the compression header.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	if resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	return &decodedBody{reader: reader, closers: closers}, nil
}

type decodedBody struct {
	reader  io.Reader
	closers []io.Closer
}

func (b *decodedBody) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (b *decodedBody) Close() error {
	var err error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if cerr := b.closers[i].Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// Client exposes the underlying HTTP client for reuse.
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}

// Composite chooses between raw HTTP and a renderer per request.
type Composite struct {
	defaultFetcher Fetcher
	renderer       Renderer
}

// Renderer executes JavaScript and returns the rendered DOM.
type Renderer interface {
	Render(ctx context.Context, req Request) (*types.Response, error)
}

// NewComposite wraps a base fetcher with an optional renderer.
func NewComposite(base Fetcher, renderer Renderer) Fetcher {
	if renderer == nil {
		return base
	}
	return &Composite{defaultFetcher: base, renderer: renderer}
}

// Fetch dispatches render-flagged requests to the renderer.
func (c *Composite) Fetch(ctx context.Context, req Request) (*types.Response, error) {
	if req.Render {
		return c.renderer.Render(ctx, req)
	}
	return c.defaultFetcher.Fetch(ctx, req)
}
