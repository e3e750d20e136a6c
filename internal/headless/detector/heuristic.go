// Package detector decides when a plain HTTP fetch should be retried in a
// headless browser.
package detector

import (
	"bytes"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sukta/internal/qa"
)

// Heuristic promotes pages whose static markup yields too little text and
// looks like a client-rendered application shell.
type Heuristic struct {
	MinTextChars     int
	ScriptSharePct   int
	spaMountSelector string
}

// NewHeuristic creates a detector. Pages with at least minTextChars of
// extracted text are never promoted.
func NewHeuristic(minTextChars int) *Heuristic {
	if minTextChars <= 0 {
		minTextChars = 200
	}
	return &Heuristic{
		MinTextChars:     minTextChars,
		ScriptSharePct:   25,
		spaMountSelector: `#__next, #__nuxt, #root, #app, [data-reactroot], [ng-app], [data-server-rendered]`,
	}
}

// ShouldPromote reports whether resp deserves a headless render given how
// many characters of text were extracted from it.
func (h *Heuristic) ShouldPromote(resp qa.FetchResponse, extractedChars int) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.UsedHeadless {
		return false
	}
	if extractedChars >= h.MinTextChars {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	if doc.Find(h.spaMountSelector).Length() > 0 {
		return true
	}
	return scriptShare(doc, len(resp.Body)) >= h.ScriptSharePct
}

// scriptShare returns the percentage of the document occupied by inline
// script bodies and script tags.
func scriptShare(doc *goquery.Document, total int) int {
	if total == 0 {
		return 0
	}
	covered := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		html, err := goquery.OuterHtml(s)
		if err != nil {
			return
		}
		covered += len(html)
	})
	return covered * 100 / total
}
