package app

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"ninaivalaigal/api/internal/graphrank"
	"ninaivalaigal/api/internal/rbac"
	"ninaivalaigal/api/internal/redact"
	"ninaivalaigal/api/internal/search"
	"ninaivalaigal/api/internal/store"
	"ninaivalaigal/api/internal/tagger"
	"ninaivalaigal/api/internal/util"
)

const (
	maxContentBytes    = 64 << 10
	defaultContextName = "general"

	defaultRecallLimit = 10
	maxRecallLimit     = 50
	textWeight         = 0.7
	rankWeight         = 0.3

	defaultGraphLimit = 20
	maxGraphLimit     = 200
)

var (
	mentionPattern = regexp.MustCompile(`\bmem_[0-9a-f]{32}\b`)

	relationKinds = map[string]struct{}{
		"related":    {},
		"references": {},
		"mentions":   {},
		"supersedes": {},
		"depends-on": {},
	}
)

type IngestInput struct {
	Content     string   `json:"content"`
	ContextName string   `json:"contextName"`
	TeamID      string   `json:"teamId"`
	Tags        []string `json:"tags"`
	RelatedTo   []string `json:"relatedTo"`
	SuggestTags bool     `json:"suggestTags"`
}

type RecallInput struct {
	Query       string
	ContextName string
	Limit       int
}

type RelateInput struct {
	ToID string `json:"toId"`
	Kind string `json:"kind"`
}

// Ingest stores a new draft memory. Content is redacted before it is
// persisted; prior holds findings already removed upstream by the request
// middleware and only feeds the redaction count.
func (s *Service) Ingest(ctx context.Context, session Session, input IngestInput, prior []redact.Finding) (map[string]any, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, validationError("content is required", nil)
	}
	if len(content) > maxContentBytes {
		return nil, validationError("content exceeds 64 KiB", map[string]any{"maxBytes": maxContentBytes, "bytes": len(content)})
	}

	subject, err := s.subject(ctx, session)
	if err != nil {
		return nil, err
	}
	teamID := strings.TrimSpace(input.TeamID)
	if teamID != "" && !subject.IsAdmin() && subject.TeamRole(teamID) == "" {
		return nil, forbidden("Not a member of this team")
	}

	redacted, findings := s.redactor.Redact(content)
	s.metrics.RecordFindings(findings)

	contextName := firstNonBlank(strings.TrimSpace(input.ContextName), defaultContextName)
	ownerScope := session.UserID
	if teamID != "" {
		ownerScope = ""
	}
	memoryContext, err := s.store.EnsureContext(ctx, util.NewID("ctx"), contextName, ownerScope, teamID)
	if err != nil {
		return nil, err
	}

	var suggestions []tagger.Suggestion
	if input.SuggestTags {
		suggestions, err = s.tagger.Suggest(ctx, redacted, tagger.DefaultLimit)
		if err != nil {
			s.log.WithContext(ctx).Warn("tag suggestion failed", "error", err)
			suggestions = nil
		}
	}
	merged := tagger.Merge(input.Tags, suggestions)

	memory := store.Memory{
		ID:             util.NewID("mem"),
		OwnerID:        session.UserID,
		TeamID:         teamID,
		ContextID:      memoryContext.ID,
		ContextName:    memoryContext.Name,
		Content:        redacted,
		RedactionCount: len(prior) + len(findings),
		ApprovalStatus: store.StatusDraft,
		Tags:           make([]string, 0, len(merged)),
		CreatedAt:      time.Now().UTC(),
	}
	memoryTags := make([]store.MemoryTag, 0, len(merged))
	for _, suggestion := range merged {
		memory.Tags = append(memory.Tags, suggestion.Tag)
		memoryTags = append(memoryTags, store.MemoryTag{
			MemoryID:   memory.ID,
			Tag:        suggestion.Tag,
			Source:     suggestion.Source,
			Confidence: suggestion.Confidence,
		})
	}
	if err := s.store.InsertMemory(ctx, memory, memoryTags); err != nil {
		return nil, err
	}

	linked := s.linkMentions(ctx, session, subject, memory, input.RelatedTo)

	s.appendEvent(ctx, store.TimelineEvent{
		Type:     "memory.ingested",
		ActorID:  session.UserID,
		MemoryID: memory.ID,
		TeamID:   memory.TeamID,
		Payload: map[string]any{
			"contextName": memory.ContextName,
			"redactions":  memory.RedactionCount,
			"tags":        memory.Tags,
		},
	})

	if s.search != nil {
		s.search.IndexMemory(searchRecord(memory))
	}

	s.log.WithContext(ctx).WithUser(session.UserID).Info("memory ingested",
		"memory_id", memory.ID, "redactions", memory.RedactionCount, "relations", len(linked))

	payload := memoryPayload(memory)
	payload["relations"] = linked
	payload["suggestedTags"] = merged
	return payload, nil
}

// linkMentions records relations from memory to explicitly related ids and
// to memory ids mentioned in its content. Targets the viewer cannot see are
// skipped.
func (s *Service) linkMentions(ctx context.Context, session Session, subject rbac.Subject, memory store.Memory, relatedTo []string) []string {
	type target struct{ id, kind string }
	var targets []target
	seen := map[string]bool{memory.ID: true}
	for _, id := range relatedTo {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			targets = append(targets, target{id: id, kind: "related"})
		}
	}
	for _, id := range mentionPattern.FindAllString(memory.Content, -1) {
		if !seen[id] {
			seen[id] = true
			targets = append(targets, target{id: id, kind: "mentions"})
		}
	}

	linked := make([]string, 0, len(targets))
	for _, t := range targets {
		other, err := s.store.GetMemory(ctx, t.id)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				s.log.WithContext(ctx).Warn("load related memory failed", "memory_id", t.id, "error", err)
			}
			continue
		}
		if !rbac.CanView(subject, resourceOf(other)) {
			continue
		}
		if _, err := s.store.InsertRelation(ctx, store.MemoryRelation{
			FromID:    memory.ID,
			ToID:      other.ID,
			Kind:      t.kind,
			CreatedBy: session.UserID,
		}); err != nil {
			s.log.WithContext(ctx).Warn("insert relation failed", "from", memory.ID, "to", other.ID, "error", err)
			continue
		}
		linked = append(linked, other.ID)
	}
	return linked
}

// Relate links two memories. The caller must be able to edit from and view
// to. Repeating an existing relation succeeds with created=false.
func (s *Service) Relate(ctx context.Context, session Session, fromID string, input RelateInput) (map[string]any, error) {
	toID := strings.TrimSpace(input.ToID)
	if toID == "" {
		return nil, validationError("toId is required", nil)
	}
	if toID == fromID {
		return nil, validationError("A memory cannot relate to itself", nil)
	}
	kind := firstNonBlank(tagger.Normalize(input.Kind), "related")
	if _, ok := relationKinds[kind]; !ok {
		return nil, validationError("Unknown relation kind", map[string]any{"kind": kind})
	}

	subject, err := s.subject(ctx, session)
	if err != nil {
		return nil, err
	}
	from, err := s.store.GetMemory(ctx, fromID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanView(subject, resourceOf(from)) {
		return nil, notFound()
	}
	if !rbac.CanEdit(subject, resourceOf(from)) {
		return nil, forbidden("")
	}
	to, err := s.store.GetMemory(ctx, toID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanView(subject, resourceOf(to)) {
		return nil, notFound()
	}

	created, err := s.store.InsertRelation(ctx, store.MemoryRelation{
		FromID:    from.ID,
		ToID:      to.ID,
		Kind:      kind,
		CreatedBy: session.UserID,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.appendEvent(ctx, store.TimelineEvent{
			Type:     "memory.related",
			ActorID:  session.UserID,
			MemoryID: from.ID,
			TeamID:   from.TeamID,
			Payload:  map[string]any{"toId": to.ID, "kind": kind},
		})
	}
	return map[string]any{
		"fromId":  from.ID,
		"toId":    to.ID,
		"kind":    kind,
		"created": created,
	}, nil
}

// rankedView is the visible memory set and its PageRank.
type rankedView struct {
	memories []store.Memory
	byID     map[string]store.Memory
	graph    *graphrank.Graph
	result   graphrank.Result
}

func (s *Service) rankVisible(ctx context.Context, session Session) (rankedView, error) {
	memories, err := s.store.ListVisibleMemories(ctx, session.UserID, session.isAdmin())
	if err != nil {
		return rankedView{}, err
	}
	ids := make([]string, len(memories))
	byID := make(map[string]store.Memory, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
		byID[m.ID] = m
	}
	relations, err := s.store.ListRelations(ctx, ids)
	if err != nil {
		return rankedView{}, err
	}

	graph := graphrank.FromMemories(memories, relations)
	started := time.Now()
	result := graph.PageRank(ctx, s.rankOpts)
	s.metrics.ObservePageRank(time.Since(started))
	if !result.Converged {
		s.log.WithContext(ctx).Debug("pagerank stopped before converging",
			"iterations", result.Iterations, "max_diff", result.MaxDiff, "nodes", graph.NodeCount())
	}
	return rankedView{memories: memories, byID: byID, graph: graph, result: result}, nil
}

// Recall searches the viewer's memories. Scores blend the normalised text
// rank with normalised PageRank; an empty query ranks by PageRank alone.
func (s *Service) Recall(ctx context.Context, session Session, input RecallInput) (map[string]any, error) {
	limit := clampLimit(input.Limit, defaultRecallLimit, maxRecallLimit)
	query := strings.TrimSpace(input.Query)
	contextName := strings.TrimSpace(input.ContextName)

	var (
		view     rankedView
		response search.Response
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		view, err = s.rankVisible(groupCtx, session)
		return err
	})
	if query != "" && s.search != nil {
		group.Go(func() error {
			subject, err := s.subject(groupCtx, session)
			if err != nil {
				return err
			}
			response = s.search.Search(groupCtx, search.Query{
				Text:        query,
				ViewerID:    session.UserID,
				IsAdmin:     subject.IsAdmin(),
				TeamIDs:     sortedTeamIDs(subject),
				ContextName: contextName,
				Limit:       maxRecallLimit,
			})
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	inContext := func(m store.Memory) bool {
		return contextName == "" || strings.EqualFold(m.ContextName, contextName)
	}
	rankNorm := graphrank.Normalize(view.result.Scores)

	type scored struct {
		memory    store.Memory
		score     float64
		textScore float64
		rankScore float64
		snippet   string
	}
	var candidates []scored
	source := "graph"

	if query == "" {
		for _, m := range view.memories {
			if inContext(m) {
				candidates = append(candidates, scored{memory: m, score: rankNorm[m.ID], rankScore: rankNorm[m.ID]})
			}
		}
	} else {
		source = firstNonBlank(response.Source, "none")
		var peak float64
		hits := make([]search.Result, 0, len(response.Results))
		for _, hit := range response.Results {
			m, ok := view.byID[hit.MemoryID]
			if !ok || !inContext(m) {
				continue
			}
			if hit.Rank > peak {
				peak = hit.Rank
			}
			hits = append(hits, hit)
		}
		for _, hit := range hits {
			text := 0.0
			if peak > 0 {
				text = hit.Rank / peak
			}
			rank := rankNorm[hit.MemoryID]
			candidates = append(candidates, scored{
				memory:    view.byID[hit.MemoryID],
				score:     textWeight*text + rankWeight*rank,
				textScore: text,
				rankScore: rank,
				snippet:   hit.Snippet,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].memory.ID < candidates[j].memory.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]map[string]any, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, map[string]any{
			"memory":    memoryPayload(c.memory),
			"score":     c.score,
			"textScore": c.textScore,
			"rankScore": c.rankScore,
			"snippet":   firstNonBlank(c.snippet, snippet(c.memory.Content)),
		})
	}
	return map[string]any{
		"query":   query,
		"context": nilIfEmpty(contextName),
		"source":  source,
		"results": results,
	}, nil
}

// GraphRank returns the top visible memories by PageRank.
func (s *Service) GraphRank(ctx context.Context, session Session, limit int) (map[string]any, error) {
	view, err := s.rankVisible(ctx, session)
	if err != nil {
		return nil, err
	}
	top := graphrank.Top(view.result.Scores, clampLimit(limit, defaultGraphLimit, maxGraphLimit))
	items := make([]map[string]any, 0, len(top))
	for _, entry := range top {
		m := view.byID[entry.ID]
		items = append(items, map[string]any{
			"id":             entry.ID,
			"rank":           entry.Rank,
			"score":          entry.Score,
			"contextName":    m.ContextName,
			"approvalStatus": m.ApprovalStatus,
			"tags":           m.Tags,
			"snippet":        snippet(m.Content),
		})
	}
	return map[string]any{
		"items":      items,
		"nodes":      view.graph.NodeCount(),
		"edges":      view.graph.EdgeCount(),
		"iterations": view.result.Iterations,
		"converged":  view.result.Converged,
	}, nil
}

func clampLimit(limit, fallback, ceiling int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

func sortedTeamIDs(subject rbac.Subject) []string {
	ids := make([]string, 0, len(subject.TeamRoles))
	for id := range subject.TeamRoles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func snippet(content string) string {
	const maxRunes = 160
	runes := []rune(strings.Join(strings.Fields(content), " "))
	if len(runes) <= maxRunes {
		return string(runes)
	}
	return string(runes[:maxRunes]) + "…"
}

func searchRecord(m store.Memory) search.MemoryRecord {
	return search.MemoryRecord{
		ID:             m.ID,
		Content:        m.Content,
		OwnerID:        m.OwnerID,
		TeamID:         m.TeamID,
		ContextName:    m.ContextName,
		ApprovalStatus: m.ApprovalStatus,
		Tags:           m.Tags,
	}
}

func memoryPayload(m store.Memory) map[string]any {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":             m.ID,
		"ownerId":        m.OwnerID,
		"teamId":         nilIfEmpty(m.TeamID),
		"contextName":    m.ContextName,
		"content":        m.Content,
		"approvalStatus": m.ApprovalStatus,
		"redactionCount": m.RedactionCount,
		"tags":           tags,
		"createdAt":      m.CreatedAt,
	}
}
