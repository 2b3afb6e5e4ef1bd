package mirror

import (
	"testing"
)

func TestFindCSSURLs(t *testing.T) {
	css := `
body { background: url('/img/bg.png'); }
.a { background-image: URL("https://cdn.example.com/x.jpg"); }
.b { list-style-image: url( spacer.gif ); }
.c { background: url(data:image/png;base64,AAAA); }
`
	got := FindCSSURLs(css)

	want := []string{"/img/bg.png", "https://cdn.example.com/x.jpg", "spacer.gif"}
	if len(got) != len(want) {
		t.Fatalf("found %d urls, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Value != w {
			t.Errorf("url[%d] = %q, want %q", i, got[i].Value, w)
		}
	}
}

func TestFindCSSURLsExcludesDataURIs(t *testing.T) {
	css := `.x { background: url(DATA:image/gif;base64,R0lG); }`
	if got := FindCSSURLs(css); len(got) != 0 {
		t.Errorf("data: URIs must be excluded, got %+v", got)
	}
}

func TestRewriteCSSURLs(t *testing.T) {
	css := `body { background: url('/bg.png'); } .k { background: url(/keep.png); }`

	out := RewriteCSSURLs(css, func(value string) (string, bool) {
		if value == "/bg.png" {
			return "img/bg.png", true
		}
		return "", false
	})

	want := `body { background: url(img/bg.png); } .k { background: url(/keep.png); }`
	if out != want {
		t.Errorf("rewrite:\n got %q\nwant %q", out, want)
	}
}

func TestRewriteCSSURLsNoMatches(t *testing.T) {
	css := `body { color: red; }`
	if out := RewriteCSSURLs(css, func(string) (string, bool) { return "x", true }); out != css {
		t.Errorf("expected unchanged css, got %q", out)
	}
}
