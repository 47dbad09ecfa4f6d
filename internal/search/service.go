package search

import (
	"context"

	"ninaivalaigal/api/internal/logger"
)

const (
	SourceMeili = "meilisearch"
	SourcePG    = "postgres"
)

// RecordLoader supplies every memory for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]MemoryRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  Backend
	fallback Searcher
	loader   RecordLoader
	log      *logger.Logger
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured. loader may be nil, which disables ReindexAllFromPG.
func NewService(primary Backend, fallback Searcher, loader RecordLoader, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{primary: primary, fallback: fallback, loader: loader, log: log}
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
// Backend errors degrade to an empty result set.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Source: SourceMeili, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Source: SourcePG, Query: q.Text}
	}
	results, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("pgfts search failed", "error", err)
		return Response{Results: []Result{}, Source: SourcePG, Query: q.Text}
	}
	return Response{Results: nonNil(results), Source: SourcePG, Query: q.Text}
}

// IndexMemory indexes a memory (fire-and-forget to Meilisearch).
func (s *Service) IndexMemory(rec MemoryRecord) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.IndexMemory(rec); err != nil {
			s.log.Warn("index memory failed", "memory_id", rec.ID, "error", err)
		}
	}()
}

// DeleteMemory removes a memory from the search index (fire-and-forget).
func (s *Service) DeleteMemory(id string) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.DeleteMemory(id); err != nil {
			s.log.Warn("delete memory from index failed", "memory_id", id, "error", err)
		}
	}()
}

// ReindexAllFromPG pushes every memory from PostgreSQL into Meilisearch.
// It returns the number of records sent.
func (s *Service) ReindexAllFromPG(ctx context.Context) int {
	if !s.primaryReady() || s.loader == nil {
		return 0
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error("reindex load failed", "error", err)
		return 0
	}
	if err := s.primary.IndexMemories(records); err != nil {
		s.log.Error("reindex memories failed", "count", len(records), "error", err)
		return 0
	}
	s.log.Info("reindexed memories", "count", len(records))
	return len(records)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
