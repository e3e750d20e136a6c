// Package scrape turns a URL into the bounded plain-text excerpt stored on a
// session: fetch, optionally re-render headless, strip chrome, normalize.
package scrape

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// DefaultMaxChars caps the excerpt length handed to the answer generator.
const DefaultMaxChars = 8000

// Mode selects how the page body is located before text is collected.
type Mode string

// Extraction modes.
const (
	// ModeSelector strips non-content elements and keeps all remaining text.
	ModeSelector Mode = "selector"
	// ModeReadability isolates the main article first and falls back to
	// ModeSelector when no article is found.
	ModeReadability Mode = "readability"
)

// ParseMode validates a configured mode string.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "", ModeSelector:
		return ModeSelector, nil
	case ModeReadability:
		return ModeReadability, nil
	default:
		return "", fmt.Errorf("unknown extraction mode %q", raw)
	}
}

// nonContent lists structural chrome and hidden elements that never carry
// answerable text.
const nonContent = "script, style, nav, footer, header, noscript, iframe, svg, template, " +
	"[hidden], [aria-hidden=true], .sr-only, .visually-hidden"

// Extractor reduces HTML to normalized text.
type Extractor struct {
	mode     Mode
	maxChars int
}

// NewExtractor builds an Extractor. maxChars <= 0 selects DefaultMaxChars.
func NewExtractor(mode Mode, maxChars int) *Extractor {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if mode == "" {
		mode = ModeSelector
	}
	return &Extractor{mode: mode, maxChars: maxChars}
}

// Extract returns the page text: whitespace collapsed to single spaces and
// cut at maxChars characters. The cut is positional, not sentence-aware.
func (e *Extractor) Extract(rawHTML []byte, pageURL string) (string, error) {
	if e.mode == ModeReadability {
		if text := e.readable(rawHTML, pageURL); text != "" {
			return truncate(text, e.maxChars), nil
		}
	}
	text, err := selectorText(bytes.NewReader(rawHTML))
	if err != nil {
		return "", err
	}
	return truncate(text, e.maxChars), nil
}

func (e *Extractor) readable(rawHTML []byte, pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	parser := readability.NewParser()
	article, err := parser.Parse(bytes.NewReader(rawHTML), u)
	if err != nil || strings.TrimSpace(article.Content) == "" {
		return ""
	}
	text, err := selectorText(strings.NewReader(article.Content))
	if err != nil {
		return ""
	}
	if title := collapse(article.Title); title != "" && !strings.HasPrefix(text, title) {
		text = title + " " + text
	}
	return text
}

func selectorText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(nonContent).Remove()
	body := doc.Find("body")
	if body.Length() == 0 {
		return collapse(doc.Text()), nil
	}
	return collapse(body.Text()), nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
