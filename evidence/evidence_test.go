package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geocomply/core"
)

func collect(t *testing.T, seq iter.Seq2[core.Evidence, error]) ([]core.Evidence, error) {
	t.Helper()
	var out []core.Evidence
	for ev, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func TestDefaultCatalogRanksByTermsAndTags(t *testing.T) {
	c := DefaultCatalog()
	items, err := collect(t, c.Retrieve(context.Background(), core.Intent{
		ID:       "i-1",
		Query:    "Utah curfew restrictions for minors",
		SoftTags: []string{"jurisdiction_ut", "curfew"},
	}))
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "kb:utah_curfew_guidance", items[0].SourceID)
	assert.Equal(t, "kb:utah_social_media_act", items[1].SourceID)
	assert.Equal(t, "jurisdiction_ut", items[0].RelevanceTag)
	assert.Equal(t, "i-1", items[0].IntentID)
}

func TestCatalogIsDeterministic(t *testing.T) {
	c := DefaultCatalog(func(o *CatalogOptions) { o.MaxResults = 10 })
	intent := core.Intent{Query: "age verification parental consent", SoftTags: []string{"privacy"}}
	a, err := collect(t, c.Retrieve(context.Background(), intent))
	require.NoError(t, err)
	b, err := collect(t, c.Retrieve(context.Background(), intent))
	require.NoError(t, err)

	ids := func(items []core.Evidence) []string {
		var out []string
		for _, ev := range items {
			out = append(out, ev.SourceID)
		}
		return out
	}
	assert.Equal(t, ids(a), ids(b))
}

func TestCatalogSoftTagsNeverFilter(t *testing.T) {
	c := DefaultCatalog()
	items, err := collect(t, c.Retrieve(context.Background(), core.Intent{
		Query:    "geolocation cross-border",
		SoftTags: []string{"does_not_exist"},
	}))
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, "kb:geo_enforcement_best_practices", items[0].SourceID)
}

func TestCatalogCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := collect(t, DefaultCatalog().Retrieve(ctx, core.Intent{Query: "utah"}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"utah", "curfew", "minors"}, Terms("Utah curfew for the minors, UT utah"))
}

type staticProvider struct {
	items []core.Evidence
	err   error
	calls int
}

func (p *staticProvider) Retrieve(_ context.Context, intent core.Intent) iter.Seq2[core.Evidence, error] {
	p.calls++
	return func(yield func(core.Evidence, error) bool) {
		for _, ev := range p.items {
			ev.IntentID = intent.ID
			if !yield(ev, nil) {
				return
			}
		}
		if p.err != nil {
			yield(core.Evidence{}, p.err)
		}
	}
}

func TestMultiSkipsFailingProvider(t *testing.T) {
	failing := &staticProvider{items: []core.Evidence{{SourceID: "partial", Excerpt: "x"}}, err: errors.New("boom")}
	ok := &staticProvider{items: []core.Evidence{{SourceID: "kb:a", Excerpt: "a"}}}

	items, err := collect(t, NewMulti(nil, failing, ok).Retrieve(context.Background(), core.Intent{ID: "i"}))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "kb:a", items[0].SourceID)
}

func TestMultiAllFailing(t *testing.T) {
	failing := &staticProvider{err: errors.New("boom")}
	_, err := collect(t, NewMulti(nil, failing).Retrieve(context.Background(), core.Intent{}))
	assert.EqualError(t, err, "boom")
}

type fakeKV struct {
	mu     sync.Mutex
	data   map[string]string
	getErr error
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func TestCacheReadThrough(t *testing.T) {
	inner := &staticProvider{items: []core.Evidence{{SourceID: "kb:a", Excerpt: "a"}}}
	kv := &fakeKV{data: map[string]string{}}
	c := NewCache(inner, kv)

	intent := core.Intent{ID: "i-1", Query: "Utah", SoftTags: []string{"b", "a"}}
	first, err := collect(t, c.Retrieve(context.Background(), intent))
	require.NoError(t, err)
	second, err := collect(t, c.Retrieve(context.Background(), core.Intent{ID: "i-2", Query: "utah ", SoftTags: []string{"a", "b"}}))
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].SourceID, second[0].SourceID)
	assert.Equal(t, "i-2", second[0].IntentID)
}

func TestCacheFallsBackOnRedisError(t *testing.T) {
	inner := &staticProvider{items: []core.Evidence{{SourceID: "kb:a", Excerpt: "a"}}}
	kv := &fakeKV{data: map[string]string{}, getErr: errors.New("connection refused")}

	items, err := collect(t, NewCache(inner, kv).Retrieve(context.Background(), core.Intent{Query: "q"}))
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	inner := &staticProvider{err: errors.New("down")}
	kv := &fakeKV{data: map[string]string{}}

	_, err := collect(t, NewCache(inner, kv).Retrieve(context.Background(), core.Intent{Query: "q"}))
	require.Error(t, err)
	assert.Empty(t, kv.data)
}

func TestSearchProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "utah minors", req.Q)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"organic": []map[string]string{
				{"title": "Utah", "link": "https://le.utah.gov/sb152", "snippet": "Utah SB152 regulates minors' accounts."},
				{"title": "Empty", "link": "https://example.com"},
			},
		})
	}))
	defer srv.Close()

	s := NewSearch("secret", func(o *SearchOptions) { o.Endpoint = srv.URL })
	items, err := collect(t, s.Retrieve(context.Background(), core.Intent{ID: "i", Query: "utah minors"}))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "web:le.utah.gov", items[0].SourceID)
	assert.InDelta(t, 0.85, items[0].Trust(), 1e-9)
}

func TestSearchProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := collect(t, NewSearch("k", func(o *SearchOptions) { o.Endpoint = srv.URL }).Retrieve(context.Background(), core.Intent{Query: "q"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
