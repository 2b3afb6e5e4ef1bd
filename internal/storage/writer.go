package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"sitemirror/pkg/types"
)

// SaveResponse streams the response body into the file derived from the
// response URL and content type. Parent directories are created as needed.
// The body is copied without buffering it whole; a cancelled context aborts
// the copy mid-stream and leaves the partial file behind.
func SaveResponse(ctx context.Context, resp *types.Response, root string) (string, error) {
	if resp == nil || resp.URL == nil {
		return "", fmt.Errorf("response missing URL")
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
	}

	dst := OutputPath(root, resp.URL, resp.ContentType)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}

	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()

	if copyErr != nil {
		return "", fmt.Errorf("write %s: %w", dst, copyErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("flush %s: %w", dst, closeErr)
	}
	return dst, nil
}
