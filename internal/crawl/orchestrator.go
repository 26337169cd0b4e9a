package crawl

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inkbound/novelgrab/internal/publisher"
	"github.com/inkbound/novelgrab/internal/telemetry"
)

// EventPublisher is the job's progress channel.
type EventPublisher interface {
	Publish(jobID, event string, payload any)
}

// ValidationError marks a submission rejected before any work is scheduled.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + e.Reason
}

const mirrorTimeout = 10 * time.Second

// Orchestrator validates submissions synchronously and runs crawls as
// detached background work. Every execution path of a job terminates in
// exactly one terminal broadcast event.
type Orchestrator struct {
	extractor   Extractor
	events      EventPublisher
	mirror      publisher.Publisher
	mirrorTopic string
	logger      *zap.Logger
}

// NewOrchestrator wires the extractor, the broadcast channel and the
// optional terminal-event mirror.
func NewOrchestrator(extractor Extractor, events EventPublisher, mirror publisher.Publisher, mirrorTopic string, logger *zap.Logger) *Orchestrator {
	if mirror == nil {
		mirror = publisher.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		extractor:   extractor,
		events:      events,
		mirror:      mirror,
		mirrorTopic: mirrorTopic,
		logger:      logger,
	}
}

// Submit validates the request and schedules the crawl. It returns before
// any network I/O toward the target begins; failures discovered during the
// crawl surface as an `error` event on the job channel, never here.
func (o *Orchestrator) Submit(rawURL, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return &ValidationError{Reason: "job id is required"}
	}
	if strings.TrimSpace(rawURL) == "" {
		return &ValidationError{Reason: "url is required"}
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return &ValidationError{Reason: fmt.Sprintf("unparsable url %q", rawURL)}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return &ValidationError{Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	telemetry.ObserveJob(StateQueued)
	go o.run(jobID, rawURL)
	return nil
}

// run is the detached crawl. Its top level converts every failure, panics
// included, into the job's single terminal event.
func (o *Orchestrator) run(jobID, rawURL string) {
	terminal := false
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("crawl panicked", zap.String("job_id", jobID), zap.Any("panic", r))
			if !terminal {
				o.fail(jobID, fmt.Errorf("internal error: %v", r))
			}
		}
	}()

	ctx := context.Background()
	o.events.Publish(jobID, "status", map[string]string{"status": StateRunning, "url": rawURL})
	o.logger.Info("crawl started", zap.String("job_id", jobID), zap.String("url", rawURL))

	novel, err := o.extractor.TOC(ctx, rawURL)
	if err != nil {
		terminal = true
		o.fail(jobID, err)
		return
	}

	o.events.Publish(jobID, "novel-info", map[string]any{
		"title":     novel.Title,
		"cover_url": novel.CoverURL,
	})
	o.events.Publish(jobID, "chapters", map[string]any{
		"count":    len(novel.Chapters),
		"chapters": novel.Chapters,
	})

	terminal = true
	o.events.Publish(jobID, "complete", map[string]any{
		"status":   StateComplete,
		"chapters": len(novel.Chapters),
	})
	telemetry.ObserveJob(StateComplete)
	o.mirrorTerminal(jobID, StateComplete, "")
	o.logger.Info("crawl complete",
		zap.String("job_id", jobID),
		zap.Int("chapters", len(novel.Chapters)),
	)
}

func (o *Orchestrator) fail(jobID string, err error) {
	o.events.Publish(jobID, "error", map[string]string{"message": err.Error()})
	telemetry.ObserveJob(StateFailed)
	o.mirrorTerminal(jobID, StateFailed, err.Error())
	o.logger.Warn("crawl failed", zap.String("job_id", jobID), zap.Error(err))
}

func (o *Orchestrator) mirrorTerminal(jobID, status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	payload := map[string]any{
		"job_id":    jobID,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if message != "" {
		payload["message"] = message
	}
	if _, err := o.mirror.Publish(ctx, o.mirrorTopic, payload); err != nil {
		o.logger.Warn("terminal event mirror failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
