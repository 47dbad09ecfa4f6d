package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"ninaivalaigal/api/internal/logger"
)

const idxMemories = "ninaivalaigal_memories"

// Meili implements Backend via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     *logger.Logger
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not an error; the health loop picks it up later.
func NewMeili(url, apiKey string, log *logger.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log,
	}

	if _, err := client.Health(); err != nil {
		log.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxMemories,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("create index (may already exist)", "index", idxMemories, "error", err)
	}

	index := m.client.Index(idxMemories)
	filterable := []interface{}{"ownerId", "teamId", "contextName", "approvalStatus", "tags"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", "index", idxMemories, "error", err)
	}
	searchable := []string{"content", "tags", "contextName"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", "index", idxMemories, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		IndexUID:              idxMemories,
		Query:                 q.Text,
		Limit:                 limit,
		AttributesToHighlight: []string{"content"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
		ShowRankingScore:      true,
	}
	if filters := buildFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	for _, r := range resp.Results {
		for _, hit := range r.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, nil
}

// buildFilters returns AND-ed filter expressions restricting hits to what
// the viewer may see.
func buildFilters(q Query) []string {
	var filters []string
	if !q.IsAdmin {
		scope := []string{"ownerId = " + strconv.Quote(q.ViewerID)}
		if len(q.TeamIDs) > 0 {
			quoted := make([]string, len(q.TeamIDs))
			for i, id := range q.TeamIDs {
				quoted[i] = strconv.Quote(id)
			}
			scope = append(scope, "teamId IN ["+strings.Join(quoted, ", ")+"]")
		}
		filters = append(filters, strings.Join(scope, " OR "))
	}
	if q.ContextName != "" {
		filters = append(filters, "contextName = "+strconv.Quote(q.ContextName))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	r := Result{MemoryID: decodeString(hit, "id")}
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content"))
	if raw, ok := hit["_rankingScore"]; ok {
		_ = json.Unmarshal(raw, &r.Rank)
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexMemory adds or updates a memory in the search index.
func (m *Meili) IndexMemory(rec MemoryRecord) error {
	_, err := m.client.Index(idxMemories).AddDocuments([]MemoryRecord{rec}, nil)
	return err
}

// IndexMemories bulk-indexes memories.
func (m *Meili) IndexMemories(records []MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMemories).AddDocuments(records, nil)
	return err
}

func (m *Meili) DeleteMemory(id string) error {
	_, err := m.client.Index(idxMemories).DeleteDocument(id, nil)
	return err
}
