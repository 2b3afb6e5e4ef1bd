package mirror

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// AssetRef points back into the parsed document at one URL-carrying
// attribute. Mutation happens only through ApplyReplacement.
type AssetRef struct {
	sel    *goquery.Selection
	Attr   string
	Srcset bool
	Raw    string
}

// ExtractAssets walks the document and returns one reference per asset
// attribute: img/script/source/video/audio src, link href, and img/source
// srcset. References with empty values are dropped.
func ExtractAssets(doc *goquery.Document) []*AssetRef {
	var refs []*AssetRef

	collect := func(attr string, srcset bool) func(int, *goquery.Selection) {
		return func(_ int, s *goquery.Selection) {
			raw, ok := s.Attr(attr)
			if !ok || strings.TrimSpace(raw) == "" {
				return
			}
			refs = append(refs, &AssetRef{sel: s, Attr: attr, Srcset: srcset, Raw: raw})
		}
	}

	doc.Find("img[src], script[src], source[src], video[src], audio[src]").Each(collect("src", false))
	doc.Find("link[href]").Each(collect("href", false))
	doc.Find("img[srcset], source[srcset]").Each(collect("srcset", true))

	return refs
}

// URLValue returns the reference's candidate URL: the attribute value
// itself, or the first candidate of a srcset list.
func (r *AssetRef) URLValue() string {
	if !r.Srcset {
		return r.Raw
	}
	for _, cand := range strings.Split(r.Raw, ",") {
		fields := strings.Fields(cand)
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// ApplyReplacement rewrites the attribute to point at the replacement URL.
// For srcset attributes every candidate URL collapses to the replacement
// while its width/density descriptors are preserved.
func (r *AssetRef) ApplyReplacement(replacement string) {
	if !r.Srcset {
		r.sel.SetAttr(r.Attr, replacement)
		return
	}
	parts := strings.Split(r.Raw, ",")
	out := make([]string, 0, len(parts))
	for _, cand := range parts {
		fields := strings.Fields(cand)
		if len(fields) == 0 {
			continue
		}
		fields[0] = replacement
		out = append(out, strings.Join(fields, " "))
	}
	r.sel.SetAttr(r.Attr, strings.Join(out, ", "))
}
