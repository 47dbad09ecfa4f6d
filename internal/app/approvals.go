package app

import (
	"context"
	"strings"

	"ninaivalaigal/api/internal/email"
	"ninaivalaigal/api/internal/rbac"
	"ninaivalaigal/api/internal/store"
)

// transitions lists every legal move and who may make it. approved is
// terminal.
var transitions = map[string]map[string]rbac.Action{
	store.StatusDraft:     {store.StatusSubmitted: rbac.ActionEdit},
	store.StatusRejected:  {store.StatusSubmitted: rbac.ActionEdit},
	store.StatusSubmitted: {store.StatusApproved: rbac.ActionReview, store.StatusRejected: rbac.ActionReview},
}

func requiredAction(from, to string) (rbac.Action, bool) {
	action, ok := transitions[from][to]
	return action, ok
}

func (s *Service) Submit(ctx context.Context, session Session, memoryID, comment string) (map[string]any, error) {
	return s.transition(ctx, session, memoryID, store.StatusSubmitted, comment)
}

func (s *Service) Approve(ctx context.Context, session Session, memoryID, comment string) (map[string]any, error) {
	return s.transition(ctx, session, memoryID, store.StatusApproved, comment)
}

func (s *Service) Reject(ctx context.Context, session Session, memoryID, comment string) (map[string]any, error) {
	return s.transition(ctx, session, memoryID, store.StatusRejected, comment)
}

func (s *Service) transition(ctx context.Context, session Session, memoryID, to, comment string) (map[string]any, error) {
	comment = strings.TrimSpace(comment)
	subject, err := s.subject(ctx, session)
	if err != nil {
		return nil, err
	}
	memory, err := s.store.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	resource := resourceOf(memory)
	if !rbac.CanView(subject, resource) {
		return nil, notFound()
	}

	from := memory.ApprovalStatus
	action, ok := requiredAction(from, to)
	if !ok {
		return nil, invalidTransition(from, to)
	}
	if !rbac.Can(subject, action, resource) {
		return nil, forbidden("")
	}
	if action == rbac.ActionReview && memory.SubmittedBy == session.UserID && !subject.IsAdmin() {
		return nil, forbidden("Reviewers cannot review their own submission")
	}
	if to == store.StatusRejected && comment == "" {
		return nil, validationError("A comment is required to reject", nil)
	}

	moved, err := s.store.TransitionMemory(ctx, memory.ID, from, to, session.UserID, comment)
	if err != nil {
		return nil, err
	}
	if !moved {
		// Someone else moved it first.
		return nil, invalidTransition(from, to)
	}

	s.appendEvent(ctx, store.TimelineEvent{
		Type:     "memory." + to,
		ActorID:  session.UserID,
		MemoryID: memory.ID,
		TeamID:   memory.TeamID,
		Payload:  map[string]any{"from": from, "to": to, "comment": comment},
	})
	s.log.WithContext(ctx).Audit("memory transitioned",
		"memory_id", memory.ID, "from", from, "to", to, "actor_id", session.UserID)

	memory.ApprovalStatus = to
	if s.search != nil {
		s.search.IndexMemory(searchRecord(memory))
	}
	if to == store.StatusApproved || to == store.StatusRejected {
		s.notifyOwner(ctx, session, memory, comment)
	}

	return map[string]any{
		"memoryId": memory.ID,
		"from":     from,
		"status":   to,
		"actorId":  session.UserID,
		"comment":  nilIfEmpty(comment),
	}, nil
}

func (s *Service) notifyOwner(ctx context.Context, session Session, memory store.Memory, comment string) {
	if !s.SMTPConfigured() || memory.OwnerID == session.UserID {
		return
	}
	owner, err := s.store.GetUserByID(ctx, memory.OwnerID)
	if err != nil {
		s.log.WithContext(ctx).Warn("load memory owner failed", "memory_id", memory.ID, "error", err)
		return
	}
	err = s.mailer.SendReviewOutcomeEmail(owner.Email, owner.DisplayName, email.ReviewOutcome{
		MemoryID:     memory.ID,
		Status:       memory.ApprovalStatus,
		ReviewerName: session.UserName,
		Comment:      comment,
		MemoryURL:    s.cfg.PublicURL + "/memories/" + memory.ID,
	})
	if err != nil {
		s.log.WithContext(ctx).Warn("send review outcome email failed", "memory_id", memory.ID, "error", err)
	}
}

// History lists a memory's approval rows, oldest first.
func (s *Service) History(ctx context.Context, session Session, memoryID string) (map[string]any, error) {
	subject, err := s.subject(ctx, session)
	if err != nil {
		return nil, err
	}
	memory, err := s.store.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanView(subject, resourceOf(memory)) {
		return nil, notFound()
	}
	approvals, err := s.store.ListApprovals(ctx, memory.ID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(approvals))
	for _, a := range approvals {
		items = append(items, map[string]any{
			"id":         a.ID,
			"fromStatus": a.FromStatus,
			"status":     a.Status,
			"actorId":    a.ActorID,
			"actorName":  a.ActorName,
			"comment":    nilIfEmpty(a.Comment),
			"createdAt":  a.CreatedAt,
		})
	}
	return map[string]any{
		"memoryId":       memory.ID,
		"approvalStatus": memory.ApprovalStatus,
		"items":          items,
	}, nil
}
