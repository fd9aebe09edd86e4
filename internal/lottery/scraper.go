package lottery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/html"

	"github.com/markb/chagpt/internal/log"
)

const (
	DefaultInterval = 600 * time.Second
	DefaultTimeout  = 10 * time.Second

	nextDataID = "__NEXT_DATA__"
	// Explorer pages are a few hundred KiB; anything far larger is not the
	// page we expect.
	maxPageSize = 8 << 20
)

var errNoNextData = errors.New("__NEXT_DATA__ script not found")

// Scraper periodically refreshes a Pool from a block explorer page that
// embeds its data as Next.js JSON.
type Scraper struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Pool     *Pool
	Client   *http.Client
	Clock    clockwork.Clock
}

func NewScraper(url string, pool *Pool) *Scraper {
	return &Scraper{
		URL:      url,
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
		Pool:     pool,
		Client:   &http.Client{},
		Clock:    clockwork.NewRealClock(),
	}
}

// Run scrapes immediately and then on every tick until ctx is done. Scrape
// failures are logged and retried on the next tick.
func (s *Scraper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := s.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.refresh(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

func (s *Scraper) refresh(ctx context.Context) {
	log.Info("fetching eth blocks", "url", s.URL)
	blocks, err := s.Scrape(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("failed to fetch eth blocks", "error", err)
		}
		return
	}
	total := s.Pool.Merge(blocks)
	latest, _ := s.Pool.Latest()
	log.Info("eth blocks refreshed", "fetched", len(blocks), "total", total, "latest", latest)
}

// Scrape fetches the explorer page once and returns the blocks it lists.
func (s *Scraper) Scrape(ctx context.Context) ([]Block, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: unexpected status %d", resp.StatusCode)
	}

	raw, err := extractNextData(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, err
	}
	return parseNextData(raw)
}

// extractNextData returns the text of <script id="__NEXT_DATA__">.
func extractNextData(r io.Reader) ([]byte, error) {
	z := html.NewTokenizer(r)
	inTarget := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, fmt.Errorf("parse html: %w", err)
			}
			return nil, errNoNextData
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "script" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "id" && string(val) == nextDataID {
					inTarget = true
					break
				}
				if !more {
					break
				}
			}
		case html.TextToken:
			if inTarget {
				return z.Text(), nil
			}
		case html.EndTagToken:
			if inTarget {
				return nil, errors.New("__NEXT_DATA__ script is empty")
			}
		}
	}
}

type nextData struct {
	Props struct {
		PageProps struct {
			LatestBlocks []struct {
				Hash      string `json:"hash"`
				Number    string `json:"number"`
				Timestamp string `json:"timestamp"`
			} `json:"latestBlocks"`
		} `json:"pageProps"`
	} `json:"props"`
}

// parseNextData decodes latestBlocks. Entries with a malformed height,
// timestamp or hash are skipped.
func parseNextData(raw []byte) ([]Block, error) {
	var data nextData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode __NEXT_DATA__: %w", err)
	}

	var blocks []Block
	for _, b := range data.Props.PageProps.LatestBlocks {
		hash, ok := strings.CutPrefix(b.Hash, "0x")
		if !ok || hash == "" {
			continue
		}
		height, err := strconv.ParseUint(b.Number, 10, 32)
		if err != nil {
			continue
		}
		ts, err := strconv.ParseUint(b.Timestamp, 10, 64)
		if err != nil {
			continue
		}
		blocks = append(blocks, Block{Height: uint32(height), Hash: hash, Time: ts})
	}
	return blocks, nil
}
