package worker

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/logging"
	"github.com/JakeFAU/sukta/internal/qa"
)

// ScrapeRecorder records scrape outcomes. lifecycle.SessionManager satisfies it.
type ScrapeRecorder interface {
	CompleteScrape(ctx context.Context, id, content string) error
	FailScrape(ctx context.Context, id, reason string) error
}

// Archive stores the raw HTML of each successful scrape. A nil Archive
// disables snapshots.
type Archive struct {
	Blobs       qa.BlobStore
	Hasher      qa.Hasher
	Prefix      string
	ContentType string
}

type scrapeProcessor struct {
	sessions ScrapeRecorder
	fetcher  qa.ContentFetcher
	archive  *Archive
}

// NewScrapeWorker builds a worker that fetches session URLs.
func NewScrapeWorker(
	queue qa.Queue,
	sessions ScrapeRecorder,
	fetcher qa.ContentFetcher,
	archive *Archive,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if archive != nil && archive.ContentType == "" {
		archive.ContentType = "text/html; charset=utf-8"
	}
	return newWorker(qa.JobScrape, queue, &scrapeProcessor{
		sessions: sessions,
		fetcher:  fetcher,
		archive:  archive,
	}, cfg, logger)
}

func (p *scrapeProcessor) process(ctx context.Context, job qa.Job, w *Worker) error {
	payload := job.Scrape
	logger := logging.FromContext(ctx, w.logger).With(zap.String("session_id", payload.SessionID), zap.String("url", payload.URL))

	callCtx, cancel := w.callContext(ctx)
	content, fetchErr := guard(func() (qa.Content, error) {
		return p.fetcher.FetchContent(callCtx, payload.URL)
	})
	cancel()
	if fetchErr != nil && interrupted(ctx) {
		return errInterrupted
	}

	writeCtx, wcancel := w.writeContext(ctx)
	defer wcancel()

	if fetchErr != nil {
		reason := fmt.Sprintf("Failed to scrape %s: %s", payload.URL, describe(fetchErr, w.cfg.CallTimeout))
		logger.Warn("scrape failed", zap.Error(fetchErr))
		return p.sessions.FailScrape(writeCtx, payload.SessionID, reason)
	}

	p.snapshot(writeCtx, payload.SessionID, content, logger)
	logger.Info("scrape succeeded",
		zap.Int("chars", len(content.Text)),
		zap.Bool("headless", content.UsedHeadless),
	)
	return p.sessions.CompleteScrape(writeCtx, payload.SessionID, content.Text)
}

func (p *scrapeProcessor) snapshot(ctx context.Context, sessionID string, content qa.Content, logger *zap.Logger) {
	if p.archive == nil || p.archive.Blobs == nil || len(content.HTML) == 0 {
		return
	}
	hash, err := p.archive.Hasher.Hash(content.HTML)
	if err != nil {
		logger.Warn("hash snapshot failed", zap.Error(err))
		return
	}
	path := archivePath(p.archive.Prefix, sessionID, hash)
	uri, err := p.archive.Blobs.PutObject(ctx, path, p.archive.ContentType, bytes.NewReader(content.HTML))
	if err != nil {
		logger.Warn("archive snapshot failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("snapshot archived", zap.String("blob_uri", uri), zap.String("hash", hash))
}

func archivePath(prefix, sessionID, hash string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", sessionID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, sessionID, hash)
}
