package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sitemirror/internal/config"
	"sitemirror/internal/downloader"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML configuration file")
	output := flag.String("o", "", "Output root directory")
	concurrency := flag.Int("c", 0, "Maximum concurrent downloads")
	timeout := flag.Duration("t", 0, "Per-request timeout")
	assets := flag.Bool("assets", false, "Mirror pages: download referenced assets and rewrite links")
	thirdParty := flag.Bool("third-party", false, "Allow cross-origin asset downloads when mirroring")
	listFile := flag.String("i", "", "File with one URL per line ('#' starts a comment)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	jsonLogs := flag.Bool("json-logs", false, "Emit structured JSON logs")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}

	// Flags override file values.
	if *output != "" {
		cfg.Output.Root = *output
	}
	if *concurrency > 0 {
		cfg.Worker.Concurrency = *concurrency
	}
	if *timeout > 0 {
		cfg.HTTP.RequestTimeout = config.DurationFrom(*timeout)
	}
	if *assets {
		cfg.Mirror.Enabled = true
	}
	if *thirdParty {
		cfg.Mirror.IncludeThirdParty = true
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *jsonLogs {
		cfg.Logging.Structured = true
	}

	urls, err := collectURLs(flag.Args(), *listFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read URLs: %v\n", err)
		os.Exit(1)
	}
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "no URLs given: pass them as arguments, via -i, or on stdin")
		os.Exit(1)
	}

	engine, err := downloader.NewEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	results, err := engine.Run(ctx, urls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "downloader stopped with error: %v\n", err)
		os.Exit(1)
	}

	failed := 0
	for _, res := range results {
		if res.Success {
			fmt.Printf("ok   %s -> %s\n", res.URL, res.Path)
		} else {
			failed++
			fmt.Printf("fail %s: %s\n", res.URL, res.Err)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// collectURLs gathers input URLs from positional arguments, a list file,
// or stdin when neither is given.
func collectURLs(args []string, listFile string) ([]string, error) {
	var urls []string
	for _, a := range args {
		if strings.TrimSpace(a) != "" {
			urls = append(urls, strings.TrimSpace(a))
		}
	}

	if listFile != "" {
		f, err := os.Open(listFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		lines, err := scanURLs(f)
		if err != nil {
			return nil, err
		}
		urls = append(urls, lines...)
	}

	if len(urls) == 0 {
		lines, err := scanURLs(os.Stdin)
		if err != nil {
			return nil, err
		}
		urls = append(urls, lines...)
	}
	return urls, nil
}

func scanURLs(r *os.File) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}
