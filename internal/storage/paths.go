package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// OutputPath maps a URL and its declared content type to a file path under
// root. It is total: any URL yields a usable path, and identical inputs
// always yield identical output on the same platform.
//
// The layout is root/<host>/<path dirs>/<name><ext>. Directory-like URLs
// (trailing slash or no extension on the last segment) become an index file
// inside that directory. A non-empty query string is folded into the file
// name as a "__<hash>" suffix so variants land in distinct files.
func OutputPath(root string, u *url.URL, contentType string) string {
	host := u.Host
	if strings.TrimSpace(host) == "" {
		host = "unknown-host"
	}

	rawPath := u.Path
	trailing := strings.HasSuffix(rawPath, "/")

	var segs []string
	for _, s := range strings.Split(rawPath, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}

	var dir []string
	name := "index"
	ext := ""
	hasExt := false

	switch {
	case len(segs) == 0:
	case trailing:
		dir = sanitizeSegments(segs)
	default:
		last := segs[len(segs)-1]
		if strings.Contains(last, ".") {
			hasExt = true
			ext = path.Ext(last)
			name = sanitizeSegment(strings.TrimSuffix(last, ext))
			dir = sanitizeSegments(segs[:len(segs)-1])
			if ext == "." {
				ext = ""
			}
		} else {
			dir = sanitizeSegments(segs)
		}
	}

	if ext == "" {
		if hasExt {
			// The URL named an extension but left it blank ("file.").
			ext = ".html"
		} else {
			ext = extensionFor(contentType)
		}
	}

	if u.RawQuery != "" {
		sum := sha256.Sum256([]byte(u.RawQuery))
		name += "__" + hex.EncodeToString(sum[:8])
	}

	parts := make([]string, 0, len(dir)+3)
	parts = append(parts, root, host)
	parts = append(parts, dir...)
	parts = append(parts, name+ext)
	return filepath.Join(parts...)
}

// extensionFor maps a Content-Type header value to a file extension.
func extensionFor(contentType string) string {
	ct := contentType
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	switch ct {
	case "", "text/html":
		return ".html"
	case "application/json":
		return ".json"
	case "application/xml", "text/xml":
		return ".xml"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}

// Characters rejected by at least one supported file system.
const reservedPathChars = `<>:"/\|?*`

func sanitizeSegments(segs []string) []string {
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = sanitizeSegment(s)
	}
	return out
}

func sanitizeSegment(seg string) string {
	var b strings.Builder
	b.Grow(len(seg))
	for _, r := range seg {
		if r < 0x20 || strings.ContainsRune(reservedPathChars, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.TrimSpace(out) == "" {
		return "_"
	}
	return out
}
