package download

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// chrome elements stripped before text extraction.
var stripSelectors = []string{
	"script", "style", "noscript", "iframe", "svg",
	"nav", "header", "footer", "aside", "form", "figure",
}

// contentSelectors are tried in order; the first match with substantial text
// wins over falling back to the whole body.
var contentSelectors = []string{
	"article", "main", "[itemprop=articleBody]", ".article-body", ".post-content",
}

// CleanBody reduces an article HTML page to readable text: strips chrome,
// prefers the article/main region, collapses whitespace.
func CleanBody(html []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	for _, sel := range stripSelectors {
		doc.Find(sel).Remove()
	}

	for _, sel := range contentSelectors {
		if region := doc.Find(sel).First(); region.Length() > 0 {
			if text := collapse(region.Text()); len(text) >= 100 {
				return text, nil
			}
		}
	}

	return collapse(doc.Find("body").Text()), nil
}

// collapse squeezes runs of whitespace into single spaces while keeping
// paragraph breaks.
func collapse(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	lastNewline := false
	for _, r := range s {
		switch {
		case r == '\n':
			if !lastNewline && b.Len() > 0 {
				b.WriteByte('\n')
			}
			lastNewline = true
			lastSpace = true
		case r == ' ' || r == '\t' || r == '\r':
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastSpace = true
		default:
			b.WriteRune(r)
			lastSpace = false
			lastNewline = false
		}
	}
	return strings.TrimSpace(b.String())
}
