// Package search fetches web context for a research query: a web-search API
// call followed by best-effort page extraction for each hit.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/finsightlabs/researchd/internal/config"
	"github.com/finsightlabs/researchd/internal/faults"
)

// Document is one extracted source.
type Document struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Text  string `json:"text"`
}

// Bundle is the context gathered for one query.
type Bundle struct {
	Query     string     `json:"query"`
	Documents []Document `json:"documents"`
	FetchedAt time.Time  `json:"fetchedAt"`
}

// maxExtractChars bounds per-page extraction so one long article does not
// dominate the synthesis prompt.
const maxExtractChars = 2000

// Client calls a Bing-v7-compatible web search endpoint and extracts page
// text with goquery. Calls are rate-limited client-side.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	cfg     config.SearchConfig
}

// New creates a search client.
func New(cfg config.SearchConfig) *Client {
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 3
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		cfg:     cfg,
	}
}

type searchResponse struct {
	WebPages struct {
		Value []struct {
			Name    string `json:"name"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
		} `json:"value"`
	} `json:"webPages"`
}

// Fetch runs the query and returns the extracted sources, de-duplicated by
// URL. An empty query is a permanent error; HTTP failures are classified by
// status code.
func (c *Client) Fetch(ctx context.Context, query string) (*Bundle, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, faults.Permanentf("empty search query")
	}
	if !c.cfg.APIKey.IsSet() {
		return nil, faults.Permanentf("search provider not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	topK := c.cfg.TopK
	if topK <= 0 {
		topK = 6
	}

	endpoint := strings.TrimRight(c.cfg.Endpoint, "/") + "/v7.0/search"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(topK))
	q.Set("textDecorations", "false")
	q.Set("safeSearch", "Moderate")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.APIKey.Value())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling search provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("search provider returned status %d", resp.StatusCode)
		return nil, faults.FromHTTPStatus(resp.StatusCode, err)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	bundle := &Bundle{Query: query, FetchedAt: time.Now().UTC()}
	seen := map[string]struct{}{}
	for _, hit := range parsed.WebPages.Value {
		if hit.URL == "" {
			continue
		}
		if _, dup := seen[hit.URL]; dup {
			continue
		}
		seen[hit.URL] = struct{}{}

		doc := Document{Title: hit.Name, URL: hit.URL, Text: hit.Snippet}
		if text := c.extract(ctx, hit.URL); text != "" {
			doc.Text = text
		}
		if doc.Title == "" {
			doc.Title = hit.URL
		}
		bundle.Documents = append(bundle.Documents, doc)
		if len(bundle.Documents) >= topK {
			break
		}
	}
	return bundle, nil
}

// extract pulls readable paragraph text from a page. Extraction is
// best-effort: any failure falls back to the search snippet.
func (c *Client) extract(ctx context.Context, pageURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "researchd/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return ""
	}
	doc.Find("script, style, nav, header, footer").Remove()

	var b strings.Builder
	doc.Find("p").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if len(text) < 40 {
			return true // skip boilerplate fragments
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(text)
		return b.Len() < maxExtractChars
	})

	return strings.TrimSpace(truncate(b.String(), maxExtractChars))
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
