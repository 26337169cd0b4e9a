// Package extract discovers novel metadata and chapter lists from entry
// pages. It drives a colly collector through the pinned transport so every
// dial passes address classification, then parses the page with goquery.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/inkbound/novelgrab/internal/crawl"
	"github.com/inkbound/novelgrab/internal/netguard"
)

// Config tunes the table-of-contents extractor.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	MaxChapters    int
}

// DefaultMaxChapters caps the chapter list when the config leaves it unset.
const DefaultMaxChapters = 5000

// TOCExtractor implements crawl.Extractor against live sites.
type TOCExtractor struct {
	baseCollector *colly.Collector
	cfg           Config
	logger        *zap.Logger
}

// New builds a TOCExtractor whose collector dials through resolver.
func New(resolver *netguard.Resolver, cfg Config, logger *zap.Logger) *TOCExtractor {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxChapters <= 0 {
		cfg.MaxChapters = DefaultMaxChapters
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []colly.CollectorOption{}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	base.AllowURLRevisit = true
	base.WithTransport(netguard.Transport(resolver))
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &TOCExtractor{baseCollector: base, cfg: cfg, logger: logger}
}

// TOC fetches pageURL and extracts the novel title, cover and chapter links.
func (e *TOCExtractor) TOC(ctx context.Context, pageURL string) (crawl.Novel, error) {
	collector := e.baseCollector.Clone()
	resultCh := make(chan tocResult, 1)
	var once sync.Once
	send := func(res tocResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	collector.OnResponse(func(r *colly.Response) {
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			send(tocResult{err: fmt.Errorf("unexpected status %d", r.StatusCode)})
			return
		}
		novel, err := e.parse(r.Request.URL, r.Body)
		send(tocResult{novel: novel, err: err})
	})

	collector.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown collector error")
		}
		send(tocResult{err: err})
	})

	if err := collector.Visit(pageURL); err != nil {
		return crawl.Novel{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return crawl.Novel{}, err
		}
		return res.novel, res.err
	default:
		return crawl.Novel{}, errors.New("collector produced no result")
	}
}

type tocResult struct {
	novel crawl.Novel
	err   error
}

// parse pulls the title, cover image and same-host chapter links out of the
// entry page.
func (e *TOCExtractor) parse(pageURL *url.URL, body []byte) (crawl.Novel, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawl.Novel{}, fmt.Errorf("parse page: %w", err)
	}

	novel := crawl.Novel{
		Title:    pageTitle(doc),
		CoverURL: coverURL(doc, pageURL),
		Chapters: []crawl.Chapter{},
	}

	seen := map[string]bool{}
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		link, ok := chapterLink(pageURL, href)
		if !ok || seen[link] {
			return true
		}
		seen[link] = true
		novel.Chapters = append(novel.Chapters, crawl.Chapter{
			Title: strings.TrimSpace(sel.Text()),
			URL:   link,
		})
		return len(novel.Chapters) < e.cfg.MaxChapters
	})

	if novel.Title == "" && len(novel.Chapters) == 0 {
		return crawl.Novel{}, errors.New("page has no recognizable novel content")
	}
	e.logger.Debug("table of contents extracted",
		zap.String("url", pageURL.String()),
		zap.String("title", novel.Title),
		zap.Int("chapters", len(novel.Chapters)),
	)
	return novel, nil
}

func pageTitle(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		if title := strings.TrimSpace(og); title != "" {
			return title
		}
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func coverURL(doc *goquery.Document, pageURL *url.URL) string {
	og, ok := doc.Find(`meta[property="og:image"]`).Attr("content")
	if !ok {
		return ""
	}
	img, err := pageURL.Parse(strings.TrimSpace(og))
	if err != nil {
		return ""
	}
	return img.String()
}

// chapterLink resolves href against the page and keeps only same-host http(s)
// links that are not the page itself or a bare fragment.
func chapterLink(pageURL *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	link, err := pageURL.Parse(href)
	if err != nil {
		return "", false
	}
	switch link.Scheme {
	case "http", "https":
	default:
		return "", false
	}
	if !strings.EqualFold(link.Hostname(), pageURL.Hostname()) {
		return "", false
	}
	link.Fragment = ""
	if link.String() == pageURL.String() {
		return "", false
	}
	return link.String(), true
}

var _ crawl.Extractor = (*TOCExtractor)(nil)
