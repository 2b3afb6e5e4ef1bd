// Package downloader drives the download run: it fans the requested URLs
// out over a bounded worker pool and aggregates one Result per URL.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"sitemirror/internal/config"
	"sitemirror/internal/fetcher"
	"sitemirror/internal/mirror"
	"sitemirror/internal/storage"
	"sitemirror/internal/workerpool"
	"sitemirror/pkg/types"
)

// Engine owns the fetcher, the optional mirror coordinator, and the
// optional manifest store for the lifetime of a run.
type Engine struct {
	cfg     config.Config
	fetcher fetcher.Fetcher
	mirror  *mirror.Coordinator
	store   storage.ResultStore
	logger  *slog.Logger

	closers   []func() error
	closeOnce sync.Once
}

// NewEngine builds a downloader engine from configuration.
func NewEngine(cfg config.Config) (*Engine, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent: cfg.HTTP.UserAgent,
		Headers:   cfg.HTTP.Headers,
		ProxyURL:  cfg.HTTP.ProxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("http fetcher: %w", err)
	}

	var renderer fetcher.Renderer
	if cfg.Rendering.Enabled {
		renderer = fetcher.NewChromedpRenderer(fetcher.RenderOptions{
			Timeout:            cfg.Rendering.Timeout.Duration,
			WaitForSelector:    cfg.Rendering.WaitForSelector,
			CaptureDelay:       cfg.Rendering.CaptureDelay.Duration,
			UserAgent:          cfg.HTTP.UserAgent,
			DisableHeadless:    cfg.Rendering.DisableHeadless,
			ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
		}, logger)
	}
	composite := fetcher.NewComposite(httpFetcher, renderer)

	var store storage.ResultStore
	var closers []func() error
	if cfg.DB.Driver != "" && cfg.DB.DSN != "" {
		sqlWriter, err := storage.NewSQLWriter(cfg.DB)
		if err != nil {
			return nil, err
		}
		store = sqlWriter
		closers = append(closers, sqlWriter.Close)
	}

	var coordinator *mirror.Coordinator
	if cfg.Mirror.Enabled {
		coordinator = mirror.NewCoordinator(composite, mirror.Options{
			Root:              cfg.Output.Root,
			Concurrency:       cfg.Worker.Concurrency,
			IncludeThirdParty: cfg.Mirror.IncludeThirdParty,
			MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
		}, logger)
	}

	return &Engine{
		cfg:     cfg,
		fetcher: composite,
		mirror:  coordinator,
		store:   store,
		logger:  logger,
		closers: closers,
	}, nil
}

// Run downloads every URL and returns one Result per input. Per-URL
// failures are data; Run itself fails only on invalid configuration or
// run-level cancellation (in which case collected results are discarded).
func (e *Engine) Run(ctx context.Context, rawURLs []string) ([]types.Result, error) {
	if e.cfg.Worker.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency out of range: %d", e.cfg.Worker.Concurrency)
	}
	if e.cfg.HTTP.RequestTimeout.Duration <= 0 {
		return nil, fmt.Errorf("request timeout out of range: %s", e.cfg.HTTP.RequestTimeout)
	}
	if err := os.MkdirAll(e.cfg.Output.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create output root: %w", err)
	}

	var runCtx *mirror.RunContext
	if e.mirror != nil {
		runCtx = mirror.NewRunContext()
	}

	pool, err := workerpool.New(ctx, e.cfg.Worker.Concurrency, len(rawURLs))
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := make([]types.Result, 0, len(rawURLs))

	for _, raw := range rawURLs {
		raw := raw
		submitErr := pool.Submit(func(jobCtx context.Context) {
			res := e.processOne(jobCtx, raw, runCtx)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			e.persist(jobCtx, res)
		})
		if submitErr != nil {
			break
		}
	}
	pool.Wait()

	if err := ctx.Err(); err != nil {
		e.logger.Warn("run cancelled, shutting down")
		return nil, err
	}

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	e.logger.Info("run finished", "urls", len(results), "ok", ok, "failed", len(results)-ok)
	return results, nil
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

// processOne downloads a single URL under its own timeout and classifies
// the outcome. It never returns an error; a failure is a Result value.
func (e *Engine) processOne(ctx context.Context, raw string, runCtx *mirror.RunContext) types.Result {
	started := time.Now()
	finish := func(res types.Result) types.Result {
		res.URL = raw
		res.Elapsed = time.Since(started)
		return res
	}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return finish(types.Result{Err: fmt.Sprintf("invalid URL %q", raw)})
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.HTTP.RequestTimeout.Duration)
	defer cancel()

	resp, err := e.fetcher.Fetch(reqCtx, fetcher.Request{
		URL:    u,
		Render: e.mirror != nil && e.cfg.Rendering.Enabled,
	})
	if err != nil {
		return finish(e.classify(ctx, raw, err))
	}
	defer resp.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Warn("http error", "url", raw, "status", resp.StatusCode)
		return finish(types.Result{
			StatusCode: resp.StatusCode,
			Err:        "HTTP " + strings.TrimSpace(resp.Status),
		})
	}

	var saved string
	if e.mirror != nil {
		saved, err = e.mirror.Mirror(reqCtx, u, resp, runCtx)
	} else {
		saved, err = storage.SaveResponse(reqCtx, resp, e.cfg.Output.Root)
	}
	if err != nil {
		return finish(e.classify(ctx, raw, err))
	}

	e.logger.Debug("saved", "url", raw, "path", saved)
	return finish(types.Result{Success: true, StatusCode: resp.StatusCode, Path: saved})
}

// classify maps a handler error onto the failure taxonomy: run-level
// cancellation wins over the per-request timer, which wins over the raw
// transport message.
func (e *Engine) classify(ctx context.Context, raw string, err error) types.Result {
	msg := err.Error()
	switch {
	case ctx.Err() != nil:
		msg = "Canceled"
	case errors.Is(err, context.DeadlineExceeded):
		msg = fmt.Sprintf("Timeout after %gs", e.cfg.HTTP.RequestTimeout.Duration.Seconds())
	}
	e.logger.Warn("download failed", "url", raw, "error", msg)
	return types.Result{Err: msg}
}

func (e *Engine) persist(ctx context.Context, res types.Result) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveResult(ctx, res); err != nil {
		e.logger.Error("manifest write failed", "url", res.URL, "error", err)
	}
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
