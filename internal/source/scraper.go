package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"

	"nyc-taxi-pipeline/internal/model"
	"nyc-taxi-pipeline/pkg/logger"
	"nyc-taxi-pipeline/pkg/utils"
)

// ZoneScraper scrapes the taxi-zone reference table from an HTML page.
// Every request honors the target's robots.txt and a minimum
// inter-request delay; transient gateway failures (502/503/504) are
// retried with exponential backoff before the fetch is reported as
// unavailable.
type ZoneScraper struct {
	PageURL     string
	UserAgent   string
	MinInterval time.Duration
	Retry       model.RetryPolicy
	Client      *http.Client

	mu       sync.Mutex
	lastReq  time.Time
	robots   *robotstxt.RobotsData
	robotsAt string
}

func (s *ZoneScraper) ID() string { return "taxi_zones" }

func (s *ZoneScraper) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *ZoneScraper) agent() string {
	if s.UserAgent != "" {
		return s.UserAgent
	}
	return "nyc-taxi-pipeline"
}

// Fetch scrapes the zone table. The scraper has no incremental mode:
// every fetch is a full snapshot and the cursor only records when it ran.
func (s *ZoneScraper) Fetch(ctx context.Context, since model.Cursor) (*FetchResult, error) {
	target, err := url.Parse(s.PageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page URL: %w", err)
	}

	allowed, err := s.allowed(ctx, target)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrScrapingDisallowed, target.Path)
	}

	resp, err := s.get(ctx, s.PageURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse zone page: %w", err)
	}

	result := &FetchResult{Next: model.Cursor{Timestamp: time.Now().UTC()}}
	doc.Find("table tbody tr, table tr").Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 4 {
			return // header or malformed row
		}
		zoneID := utils.CollapseWhitespace(cells.Eq(0).Text())
		if zoneID == "" {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Errorf("%w: row %d has empty zone id", ErrParseRecord, i))
			return
		}
		result.Records = append(result.Records, model.RawRecord{
			SourceID: s.ID(),
			Key:      zoneID,
			Payload: map[string]interface{}{
				"zone_id":      utils.ParseValue(zoneID),
				"borough":      utils.CollapseWhitespace(cells.Eq(1).Text()),
				"zone":         utils.CollapseWhitespace(cells.Eq(2).Text()),
				"service_zone": utils.CollapseWhitespace(cells.Eq(3).Text()),
			},
			IngestedAt: time.Now().UTC(),
		})
	})

	logger.Infof("scraped %d zones from %s (%d rows skipped)", len(result.Records), s.PageURL, result.Skipped)
	return result, nil
}

// allowed checks the target host's robots.txt for our user agent. The
// robots file is fetched once per host and cached for the scraper's
// lifetime.
func (s *ZoneScraper) allowed(ctx context.Context, target *url.URL) (bool, error) {
	s.mu.Lock()
	cached := s.robots
	cachedHost := s.robotsAt
	s.mu.Unlock()

	if cached != nil && cachedHost == target.Host {
		return cached.TestAgent(target.Path, s.agent()), nil
	}

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	resp, err := s.get(ctx, robotsURL)
	if err != nil {
		return false, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return false, fmt.Errorf("parse robots.txt: %w", err)
	}

	s.mu.Lock()
	s.robots = data
	s.robotsAt = target.Host
	s.mu.Unlock()

	return data.TestAgent(target.Path, s.agent()), nil
}

// get performs a rate-limited GET with bounded retries on transient
// gateway errors. On exhaustion the last failure surfaces as
// ErrSourceUnavailable rather than being dropped.
func (s *ZoneScraper) get(ctx context.Context, rawURL string) (*http.Response, error) {
	policy := s.Retry
	if policy.MaxAttempts <= 0 {
		policy = model.DefaultRetry
	}

	var lastStatus int
	for attempt := 1; ; attempt++ {
		if delay := policy.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := s.waitInterval(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", s.agent())

		resp, err := s.client().Do(req)
		if err != nil {
			if policy.Exhausted(attempt) {
				return nil, fmt.Errorf("%w: GET %s: %v", ErrSourceUnavailable, rawURL, err)
			}
			logger.Warnf("GET %s failed (attempt %d): %v", rawURL, attempt, err)
			continue
		}

		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			resp.Body.Close()
			lastStatus = resp.StatusCode
			if policy.Exhausted(attempt) {
				return nil, fmt.Errorf("%w: GET %s: status %d after %d attempts", ErrSourceUnavailable, rawURL, lastStatus, attempt)
			}
			logger.Warnf("GET %s returned %d (attempt %d), backing off", rawURL, resp.StatusCode, attempt)
			continue
		case http.StatusTooManyRequests:
			resp.Body.Close()
			return nil, fmt.Errorf("%w: GET %s", ErrRateLimited, rawURL)
		}
		return resp, nil
	}
}

// waitInterval enforces the minimum delay between outbound requests.
func (s *ZoneScraper) waitInterval(ctx context.Context) error {
	s.mu.Lock()
	wait := time.Duration(0)
	if !s.lastReq.IsZero() && s.MinInterval > 0 {
		if elapsed := time.Since(s.lastReq); elapsed < s.MinInterval {
			wait = s.MinInterval - elapsed
		}
	}
	s.lastReq = time.Now().Add(wait)
	s.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
