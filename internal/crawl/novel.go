// Package crawl owns the asynchronous job model: a submitted URL is
// acknowledged immediately and crawled in detached background work that
// reports through the job's broadcast channel.
package crawl

import "context"

// Chapter is one entry in a discovered table of contents.
type Chapter struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Novel is the discovery result for a submitted URL.
type Novel struct {
	Title    string    `json:"title"`
	CoverURL string    `json:"cover_url,omitempty"`
	Chapters []Chapter `json:"chapters"`
}

// Extractor discovers a novel's metadata and chapter list from its entry
// page. Site-specific extraction strategies plug in here.
type Extractor interface {
	TOC(ctx context.Context, pageURL string) (Novel, error)
}

// Job lifecycle states, observable only through broadcast events once the
// submission is acknowledged.
const (
	StateQueued   = "queued"
	StateRunning  = "running"
	StateComplete = "complete"
	StateFailed   = "failed"
)
