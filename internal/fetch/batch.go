package fetch

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inkbound/novelgrab/internal/archive"
	"github.com/inkbound/novelgrab/internal/hash/sha256"
	"github.com/inkbound/novelgrab/internal/telemetry"
)

// Chapter fetch outcomes.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// DefaultBatchConcurrency bounds simultaneous chapter fetches when the
// config leaves it unset.
const DefaultBatchConcurrency = 4

// ChapterRequest describes one chapter to fetch. The shape beyond the URL
// belongs to the caller; the title is carried through untouched.
type ChapterRequest struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ChapterResult is the per-chapter outcome. Exactly one is produced for
// every input, at the same index.
type ChapterResult struct {
	Title      string `json:"title,omitempty"`
	URL        string `json:"url"`
	Status     string `json:"status"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
	ArchiveURI string `json:"archive_uri,omitempty"`
}

// ProgressPublisher receives per-chapter progress for a job's subscribers.
type ProgressPublisher interface {
	Publish(jobID, event string, payload any)
}

// BatchConfig controls the batch fetcher.
type BatchConfig struct {
	Concurrency   int
	ArchivePrefix string
}

// BatchFetcher fetches chapter bodies through the safe-fetch discipline with
// a bounded worker pool. One chapter's failure never aborts its siblings.
type BatchFetcher struct {
	fetcher *Fetcher
	store   archive.Store
	events  ProgressPublisher
	cfg     BatchConfig
	logger  *zap.Logger
}

// NewBatch builds a BatchFetcher. store and events may be nil.
func NewBatch(fetcher *Fetcher, store archive.Store, events ProgressPublisher, cfg BatchConfig, logger *zap.Logger) *BatchFetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultBatchConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchFetcher{fetcher: fetcher, store: store, events: events, cfg: cfg, logger: logger}
}

// FetchBatch fetches every chapter and returns a complete, order-preserving
// result list. The returned error is reserved for systemic failures before
// any per-item work; individual failures live in the results.
func (b *BatchFetcher) FetchBatch(ctx context.Context, chapters []ChapterRequest, jobID, userAgent string) ([]ChapterResult, error) {
	if b.fetcher == nil {
		return nil, fmt.Errorf("batch fetcher has no fetcher configured")
	}

	results := make([]ChapterResult, len(chapters))
	var g errgroup.Group
	g.SetLimit(b.cfg.Concurrency)
	for i, ch := range chapters {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = b.fetchOne(ctx, jobID, userAgent, i, ch)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (b *BatchFetcher) fetchOne(ctx context.Context, jobID, userAgent string, index int, ch ChapterRequest) ChapterResult {
	result := ChapterResult{Title: ch.Title, URL: ch.URL}

	res, err := b.fetcher.Do(ctx, ch.URL, Options{UserAgent: userAgent})
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		b.logger.Warn("chapter fetch failed",
			zap.String("job_id", jobID),
			zap.String("url", ch.URL),
			zap.Error(err),
		)
		telemetry.ObserveChapter(StatusFailed)
		b.notify(jobID, index, ch.URL, StatusFailed)
		return result
	}

	result.Status = StatusSuccess
	result.Content = string(res.Body)
	if b.store != nil {
		uri, err := b.store.Put(ctx, b.archivePath(jobID, res.Body), res.ContentType, res.Body)
		if err != nil {
			b.logger.Warn("chapter archive failed", zap.String("job_id", jobID), zap.Error(err))
		} else {
			result.ArchiveURI = uri
		}
	}
	telemetry.ObserveChapter(StatusSuccess)
	b.notify(jobID, index, ch.URL, StatusSuccess)
	return result
}

func (b *BatchFetcher) notify(jobID string, index int, url, status string) {
	if b.events == nil || jobID == "" {
		return
	}
	b.events.Publish(jobID, "chapter-fetched", map[string]any{
		"index":  index,
		"url":    url,
		"status": status,
	})
}

func (b *BatchFetcher) archivePath(jobID string, body []byte) string {
	prefix := strings.Trim(b.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, sha256.Sum(body))
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, sha256.Sum(body))
}
