package scrape

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/qa"
	"github.com/JakeFAU/sukta/internal/telemetry"
)

var errNoContent = errors.New("page contained no readable text")

// Promoter decides whether a static fetch should be re-rendered headless.
type Promoter interface {
	ShouldPromote(resp qa.FetchResponse, extractedChars int) bool
}

// Pipeline implements qa.ContentFetcher.
type Pipeline struct {
	probe     qa.PageFetcher
	headless  qa.PageFetcher
	promoter  Promoter
	extractor *Extractor
	logger    *zap.Logger
}

// NewPipeline wires a pipeline. headless and promoter may be nil to disable
// browser rendering.
func NewPipeline(probe, headless qa.PageFetcher, promoter Promoter, extractor *Extractor, logger *zap.Logger) *Pipeline {
	if extractor == nil {
		extractor = NewExtractor(ModeSelector, DefaultMaxChars)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		probe:     probe,
		headless:  headless,
		promoter:  promoter,
		extractor: extractor,
		logger:    logger.Named("scrape"),
	}
}

// FetchContent fetches url and returns its normalized text.
func (p *Pipeline) FetchContent(ctx context.Context, url string) (qa.Content, error) {
	start := time.Now()
	resp, err := p.probe.Fetch(ctx, qa.FetchRequest{URL: url})
	if err != nil {
		telemetry.ObserveExternalCall("fetch", err, time.Since(start))
		return qa.Content{}, asFetchError(url, err)
	}
	text, err := p.extractor.Extract(resp.Body, resp.URL)
	if err != nil {
		return qa.Content{}, &qa.FetchError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}

	if p.headless != nil && p.promoter != nil && p.promoter.ShouldPromote(resp, len(text)) {
		p.logger.Info("promoting to headless render", zap.String("url", url), zap.Int("static_chars", len(text)))
		rendered, renderErr := p.headless.Fetch(ctx, qa.FetchRequest{URL: url})
		if renderErr != nil {
			p.logger.Warn("headless render failed; keeping static text", zap.String("url", url), zap.Error(renderErr))
		} else if richer, exErr := p.extractor.Extract(rendered.Body, rendered.URL); exErr == nil && len(richer) > len(text) {
			resp, text = rendered, richer
		}
	}
	telemetry.ObserveExternalCall("fetch", nil, time.Since(start))
	telemetry.ObservePage(url, resp.UsedHeadless)

	if text == "" {
		return qa.Content{}, &qa.FetchError{URL: url, StatusCode: resp.StatusCode, Err: errNoContent}
	}
	return qa.Content{
		URL:          resp.URL,
		Text:         text,
		HTML:         resp.Body,
		UsedHeadless: resp.UsedHeadless,
	}, nil
}

func asFetchError(url string, err error) error {
	var fe *qa.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &qa.FetchError{URL: url, Err: err}
}
