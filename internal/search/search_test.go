package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	healthy   bool
	searchFn  func(ctx context.Context, q Query) ([]Result, error)
	indexed   chan MemoryRecord
	bulk      []MemoryRecord
	bulkErr   error
	deletedCh chan string
}

func (f *fakeBackend) Healthy() bool { return f.healthy }

func (f *fakeBackend) Search(ctx context.Context, q Query) ([]Result, error) {
	if f.searchFn == nil {
		return nil, nil
	}
	return f.searchFn(ctx, q)
}

func (f *fakeBackend) IndexMemory(rec MemoryRecord) error {
	if f.indexed != nil {
		f.indexed <- rec
	}
	return nil
}

func (f *fakeBackend) IndexMemories(records []MemoryRecord) error {
	f.bulk = append(f.bulk, records...)
	return f.bulkErr
}

func (f *fakeBackend) DeleteMemory(id string) error {
	if f.deletedCh != nil {
		f.deletedCh <- id
	}
	return nil
}

type loaderFunc func(ctx context.Context) ([]MemoryRecord, error)

func (f loaderFunc) LoadAllRecords(ctx context.Context) ([]MemoryRecord, error) { return f(ctx) }

func TestSearchPrefersHealthyPrimary(t *testing.T) {
	primary := &fakeBackend{healthy: true, searchFn: func(_ context.Context, q Query) ([]Result, error) {
		return []Result{{MemoryID: "mem_1", Rank: 0.9}}, nil
	}}
	fallback := &fakeBackend{searchFn: func(context.Context, Query) ([]Result, error) {
		t.Fatal("fallback should not be called")
		return nil, nil
	}}

	resp := NewService(primary, fallback, nil, nil).Search(context.Background(), Query{Text: "redis"})
	assert.Equal(t, SourceMeili, resp.Source)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "mem_1", resp.Results[0].MemoryID)
	assert.Equal(t, "redis", resp.Query)
}

func TestSearchFallsBack(t *testing.T) {
	fallback := &fakeBackend{searchFn: func(context.Context, Query) ([]Result, error) {
		return []Result{{MemoryID: "mem_pg"}}, nil
	}}

	cases := map[string]Backend{
		"nil primary":     nil,
		"unhealthy":       &fakeBackend{healthy: false},
		"primary errored": &fakeBackend{healthy: true, searchFn: func(context.Context, Query) ([]Result, error) { return nil, errors.New("boom") }},
	}
	for name, primary := range cases {
		t.Run(name, func(t *testing.T) {
			resp := NewService(primary, fallback, nil, nil).Search(context.Background(), Query{Text: "x"})
			assert.Equal(t, SourcePG, resp.Source)
			require.Len(t, resp.Results, 1)
			assert.Equal(t, "mem_pg", resp.Results[0].MemoryID)
		})
	}
}

func TestSearchDegradesToEmpty(t *testing.T) {
	fallback := &fakeBackend{searchFn: func(context.Context, Query) ([]Result, error) { return nil, errors.New("db down") }}
	resp := NewService(nil, fallback, nil, nil).Search(context.Background(), Query{Text: "x"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)

	resp = NewService(nil, nil, nil, nil).Search(context.Background(), Query{Text: "x"})
	assert.NotNil(t, resp.Results)
}

func TestIndexMemoryIsAsyncAndSkipsUnhealthy(t *testing.T) {
	primary := &fakeBackend{healthy: true, indexed: make(chan MemoryRecord, 1)}
	NewService(primary, nil, nil, nil).IndexMemory(MemoryRecord{ID: "mem_1"})
	select {
	case rec := <-primary.indexed:
		assert.Equal(t, "mem_1", rec.ID)
	case <-time.After(time.Second):
		t.Fatal("memory was not indexed")
	}

	down := &fakeBackend{healthy: false, indexed: make(chan MemoryRecord, 1)}
	NewService(down, nil, nil, nil).IndexMemory(MemoryRecord{ID: "mem_2"})
	assert.Empty(t, down.indexed)
}

func TestReindexAllFromPG(t *testing.T) {
	primary := &fakeBackend{healthy: true}
	loader := loaderFunc(func(context.Context) ([]MemoryRecord, error) {
		return []MemoryRecord{{ID: "a"}, {ID: "b"}}, nil
	})
	assert.Equal(t, 2, NewService(primary, nil, loader, nil).ReindexAllFromPG(context.Background()))
	assert.Len(t, primary.bulk, 2)

	failing := loaderFunc(func(context.Context) ([]MemoryRecord, error) { return nil, errors.New("nope") })
	assert.Equal(t, 0, NewService(&fakeBackend{healthy: true}, nil, failing, nil).ReindexAllFromPG(context.Background()))
	assert.Equal(t, 0, NewService(&fakeBackend{healthy: false}, nil, loader, nil).ReindexAllFromPG(context.Background()))
	assert.Equal(t, 0, NewService(&fakeBackend{healthy: true, bulkErr: errors.New("x")}, nil, loader, nil).ReindexAllFromPG(context.Background()))
}

func TestBuildFilters(t *testing.T) {
	assert.Empty(t, buildFilters(Query{IsAdmin: true}))
	assert.Equal(t, []string{`contextName = "ops"`}, buildFilters(Query{IsAdmin: true, ContextName: "ops"}))
	assert.Equal(t, []string{`ownerId = "usr_1"`}, buildFilters(Query{ViewerID: "usr_1"}))
	assert.Equal(t,
		[]string{`ownerId = "usr_1" OR teamId IN ["team_a", "team_b"]`, `contextName = "ops"`},
		buildFilters(Query{ViewerID: "usr_1", TeamIDs: []string{"team_a", "team_b"}, ContextName: "ops"}),
	)
	assert.Equal(t, []string{`ownerId = "a\"b"`}, buildFilters(Query{ViewerID: `a"b`}))
}

func TestHitToResult(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}

	hit := meili.Hit{
		"id":            raw("mem_1"),
		"content":       raw("plain content"),
		"_formatted":    raw(map[string]any{"content": "<mark>plain</mark> content"}),
		"_rankingScore": raw(0.75),
	}
	r := hitToResult(hit)
	assert.Equal(t, "mem_1", r.MemoryID)
	assert.Equal(t, "<mark>plain</mark> content", r.Snippet)
	assert.InDelta(t, 0.75, r.Rank, 1e-9)

	bare := hitToResult(meili.Hit{"id": raw("mem_2"), "content": raw("body")})
	assert.Equal(t, "body", bare.Snippet)
	assert.Zero(t, bare.Rank)
}
