package marketplace

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"dealwatch/internal/source"
)

// seenCacheSize bounds the per-listing dedup cache.
const seenCacheSize = 8192

// productHref matches detail links on listing pages, capturing the external
// identifier.
var productHref = regexp.MustCompile(`/product/([A-Za-z0-9_-]+)`)

// topicListing pages through one topic's search results. Every listing starts
// from page one, so a fresh ListTopic call re-scans from the beginning.
type topicListing struct {
	adapter   *Adapter
	topic     string
	collector *colly.Collector
	seen      *lru.Cache[string, struct{}]

	page       int
	exhausted  bool
	rawLinks   int
	entries    []source.Entry
	lastStatus int
}

func newTopicListing(a *Adapter, topic string) (*topicListing, error) {
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}

	l := &topicListing{
		adapter: a,
		topic:   topic,
		seen:    seen,
	}

	collector := colly.NewCollector(colly.UserAgent(a.cfg.UserAgent))
	collector.SetRequestTimeout(a.cfg.RequestTimeout)
	collector.IgnoreRobotsTxt = true

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		match := productHref.FindStringSubmatch(e.Attr("href"))
		if match == nil {
			return
		}
		l.rawLinks++

		id := match[1]
		if _, dup := l.seen.Get(id); dup {
			return
		}
		l.seen.Add(id, struct{}{})
		l.entries = append(l.entries, source.Entry{ID: id, Topic: l.topic})
	})

	collector.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			l.lastStatus = r.StatusCode
		}
	})

	l.collector = collector
	return l, nil
}

// Next visits the next listing page and returns the identifiers it newly
// surfaced. An empty slice means the page held only already-seen links; the
// caller treats that as a quiet step.
func (l *topicListing) Next(ctx context.Context) ([]source.Entry, error) {
	if l.exhausted {
		return nil, source.ErrExhausted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.page++
	l.rawLinks = 0
	l.entries = nil
	l.lastStatus = 0

	if err := l.collector.Visit(l.pageURL()); err != nil {
		if l.lastStatus == 0 {
			return nil, fmt.Errorf("visit %s page %d: %w", l.topic, l.page, err)
		}
		if statusErr := classifyStatus(l.lastStatus); statusErr != nil {
			if source.Classify(statusErr) == source.KindNotFound {
				// Past the last page.
				l.exhausted = true
				return nil, source.ErrExhausted
			}
			return nil, statusErr
		}
		return nil, fmt.Errorf("visit %s page %d: status %d: %w", l.topic, l.page, l.lastStatus, err)
	}

	if l.rawLinks == 0 {
		l.exhausted = true
		return nil, source.ErrExhausted
	}
	return l.entries, nil
}

func (l *topicListing) pageURL() string {
	query := url.Values{}
	query.Set("query", l.topic)
	query.Set("page", fmt.Sprintf("%d", l.page))
	return fmt.Sprintf("%s%s?%s", l.adapter.cfg.BaseURL, l.adapter.cfg.SearchPath, query.Encode())
}

var _ source.Listing = (*topicListing)(nil)
