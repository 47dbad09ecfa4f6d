package app

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"ninaivalaigal/api/internal/graphrank"
	"ninaivalaigal/api/internal/rbac"
	"ninaivalaigal/api/internal/redact"
	"ninaivalaigal/api/internal/store"
	"ninaivalaigal/api/internal/tagger"
)

const (
	defaultFeedLimit = 50
	maxFeedLimit     = 200
)

// Feed returns timeline events newest first. before is an event id cursor;
// 0 starts at the latest event.
func (s *Service) Feed(ctx context.Context, session Session, before int64, limit int) (map[string]any, error) {
	if before < 0 {
		return nil, validationError("before must be a positive event id", nil)
	}
	limit = clampLimit(limit, defaultFeedLimit, maxFeedLimit)

	events, err := s.store.ListTimeline(ctx, session.UserID, session.isAdmin(), before, limit+1)
	if err != nil {
		return nil, err
	}
	var nextCursor any
	if len(events) > limit {
		events = events[:limit]
		nextCursor = events[len(events)-1].ID
	}

	items := make([]map[string]any, 0, len(events))
	for _, e := range events {
		items = append(items, map[string]any{
			"id":        e.ID,
			"type":      e.Type,
			"actorId":   e.ActorID,
			"actorName": e.ActorName,
			"memoryId":  nilIfEmpty(e.MemoryID),
			"teamId":    nilIfEmpty(e.TeamID),
			"payload":   e.Payload,
			"createdAt": e.CreatedAt,
		})
	}
	return map[string]any{"items": items, "nextCursor": nextCursor}, nil
}

type tagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Insights summarises the viewer's memories.
func (s *Service) Insights(ctx context.Context, session Session) (map[string]any, error) {
	var (
		subject rbac.Subject
		view    rankedView
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		subject, err = s.subject(groupCtx, session)
		return err
	})
	group.Go(func() error {
		var err error
		view, err = s.rankVisible(groupCtx, session)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	counts := map[string]int{
		store.StatusDraft:     0,
		store.StatusSubmitted: 0,
		store.StatusApproved:  0,
		store.StatusRejected:  0,
	}
	tags := map[string]int{}
	pending := 0
	for _, m := range view.memories {
		counts[m.ApprovalStatus]++
		for _, tag := range m.Tags {
			tags[tag]++
		}
		if m.ApprovalStatus != store.StatusSubmitted || !rbac.CanReview(subject, resourceOf(m)) {
			continue
		}
		if m.SubmittedBy != session.UserID || subject.IsAdmin() {
			pending++
		}
	}

	topTags := make([]tagCount, 0, len(tags))
	for tag, count := range tags {
		topTags = append(topTags, tagCount{Tag: tag, Count: count})
	}
	sort.Slice(topTags, func(i, j int) bool {
		if topTags[i].Count != topTags[j].Count {
			return topTags[i].Count > topTags[j].Count
		}
		return topTags[i].Tag < topTags[j].Tag
	})
	if len(topTags) > 10 {
		topTags = topTags[:10]
	}

	topRanked := make([]map[string]any, 0, 5)
	for _, entry := range graphrank.Top(view.result.Scores, 5) {
		m := view.byID[entry.ID]
		topRanked = append(topRanked, map[string]any{
			"id":          entry.ID,
			"rank":        entry.Rank,
			"score":       entry.Score,
			"contextName": m.ContextName,
			"snippet":     snippet(m.Content),
		})
	}

	return map[string]any{
		"total":          len(view.memories),
		"byStatus":       counts,
		"topTags":        topTags,
		"topRanked":      topRanked,
		"pendingReviews": pending,
	}, nil
}

// Export uploads a bundle of the viewer's visible memories to object storage.
func (s *Service) Export(ctx context.Context, session Session) (map[string]any, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Object storage is not configured", nil)
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	key, bundle, err := s.exporter.Export(ctx, user)
	if err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).Audit("memories exported", "user_id", user.ID, "key", key, "memories", len(bundle.Memories))
	return map[string]any{
		"key":        key,
		"exportedAt": bundle.ExportedAt,
		"memories":   len(bundle.Memories),
		"approvals":  len(bundle.Approvals),
	}, nil
}

// ScanText reports what the redactor would remove from text without storing it.
func (s *Service) ScanText(text string) map[string]any {
	redacted, findings := s.redactor.Redact(text)
	if findings == nil {
		findings = []redact.Finding{}
	}
	s.metrics.RecordFindings(findings)
	return map[string]any{
		"findings": findings,
		"redacted": redacted,
		"summary":  redact.Summary(findings),
	}
}

// SuggestTags runs the configured tagger on text.
func (s *Service) SuggestTags(ctx context.Context, text string, limit int) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, validationError("text is required", nil)
	}
	if len(text) > maxContentBytes {
		return nil, validationError("text exceeds 64 KiB", map[string]any{"maxBytes": maxContentBytes})
	}
	suggestions, err := s.tagger.Suggest(ctx, s.redactor.RedactString(text), tagger.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	if suggestions == nil {
		suggestions = []tagger.Suggestion{}
	}
	return map[string]any{"suggestions": suggestions}, nil
}
