package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"time"

	"github.com/hupe1980/geocomply/core"
)

// SearchOptions configures a Search provider.
type SearchOptions struct {
	Endpoint   string
	APIKey     string
	NumResults int
	HTTPClient *http.Client
}

// Search retrieves web evidence from a Serper-compatible search API.
type Search struct {
	opts SearchOptions
}

var _ core.EvidenceProvider = (*Search)(nil)

// NewSearch creates a web search provider.
func NewSearch(apiKey string, optFns ...func(o *SearchOptions)) *Search {
	opts := SearchOptions{
		Endpoint:   "https://google.serper.dev/search",
		APIKey:     apiKey,
		NumResults: 3,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Search{opts: opts}
}

type searchRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type searchResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Retrieve implements core.EvidenceProvider.
func (s *Search) Retrieve(ctx context.Context, intent core.Intent) iter.Seq2[core.Evidence, error] {
	return func(yield func(core.Evidence, error) bool) {
		resp, err := s.query(ctx, intent.Query)
		if err != nil {
			yield(core.Evidence{}, err)
			return
		}
		now := time.Now().UTC()
		for _, r := range resp.Organic {
			if r.Snippet == "" {
				continue
			}
			ev := core.Evidence{
				SourceID:    "web:" + host(r.Link),
				Excerpt:     r.Snippet,
				Reference:   r.Link,
				RetrievedAt: now,
				IntentID:    intent.ID,
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *Search) query(ctx context.Context, q string) (*searchResponse, error) {
	body, err := json.Marshal(searchRequest{Q: q, Num: s.opts.NumResults})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", s.opts.APIKey)

	res, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("search returned %d: %s", res.StatusCode, bytes.TrimSpace(msg))
	}
	var out searchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &out, nil
}

func host(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return link
	}
	return u.Host
}
