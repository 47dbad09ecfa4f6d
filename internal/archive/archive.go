// Package archive builds per-user export bundles and stores them in object
// storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ninaivalaigal/api/internal/store"
)

const contentType = "application/json"

// Uploader stores an object under key.
type Uploader interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Source reads what a bundle contains.
type Source interface {
	ListVisibleMemories(ctx context.Context, viewerID string, isAdmin bool) ([]store.Memory, error)
	ListApprovals(ctx context.Context, memoryID string) ([]store.Approval, error)
}

type UserInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
}

type MemoryEntry struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"ownerId"`
	TeamID         string    `json:"teamId,omitempty"`
	ContextName    string    `json:"contextName,omitempty"`
	Content        string    `json:"content"`
	ApprovalStatus string    `json:"approvalStatus"`
	Tags           []string  `json:"tags"`
	CreatedAt      time.Time `json:"createdAt"`
}

type ApprovalEntry struct {
	MemoryID   string    `json:"memoryId"`
	FromStatus string    `json:"fromStatus"`
	Status     string    `json:"status"`
	ActorID    string    `json:"actorId"`
	ActorName  string    `json:"actorName"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Bundle is the exported document.
type Bundle struct {
	ExportedAt time.Time       `json:"exportedAt"`
	User       UserInfo        `json:"user"`
	Memories   []MemoryEntry   `json:"memories"`
	Approvals  []ApprovalEntry `json:"approvals"`
}

type Exporter struct {
	source   Source
	uploader Uploader
	now      func() time.Time
}

func NewExporter(source Source, uploader Uploader) *Exporter {
	return &Exporter{source: source, uploader: uploader, now: time.Now}
}

// ObjectKey is where a bundle for userID taken at t is stored.
func ObjectKey(userID string, t time.Time) string {
	return fmt.Sprintf("exports/%s/%s.json", userID, t.UTC().Format("20060102T150405Z"))
}

// Build collects the memories user can see and their approval history.
func (e *Exporter) Build(ctx context.Context, user store.User) (Bundle, error) {
	memories, err := e.source.ListVisibleMemories(ctx, user.ID, user.Role == "admin")
	if err != nil {
		return Bundle{}, fmt.Errorf("load memories: %w", err)
	}

	bundle := Bundle{
		ExportedAt: e.now().UTC(),
		User: UserInfo{
			ID:          user.ID,
			DisplayName: user.DisplayName,
			Email:       user.Email,
			Role:        user.Role,
		},
		Memories:  make([]MemoryEntry, 0, len(memories)),
		Approvals: []ApprovalEntry{},
	}
	for _, m := range memories {
		tags := m.Tags
		if tags == nil {
			tags = []string{}
		}
		bundle.Memories = append(bundle.Memories, MemoryEntry{
			ID:             m.ID,
			OwnerID:        m.OwnerID,
			TeamID:         m.TeamID,
			ContextName:    m.ContextName,
			Content:        m.Content,
			ApprovalStatus: m.ApprovalStatus,
			Tags:           tags,
			CreatedAt:      m.CreatedAt,
		})

		approvals, err := e.source.ListApprovals(ctx, m.ID)
		if err != nil {
			return Bundle{}, fmt.Errorf("load approvals for %s: %w", m.ID, err)
		}
		for _, a := range approvals {
			bundle.Approvals = append(bundle.Approvals, ApprovalEntry{
				MemoryID:   a.MemoryID,
				FromStatus: a.FromStatus,
				Status:     a.Status,
				ActorID:    a.ActorID,
				ActorName:  a.ActorName,
				Comment:    a.Comment,
				CreatedAt:  a.CreatedAt,
			})
		}
	}
	return bundle, nil
}

// Export builds and uploads a bundle, returning its object key.
func (e *Exporter) Export(ctx context.Context, user store.User) (string, Bundle, error) {
	bundle, err := e.Build(ctx, user)
	if err != nil {
		return "", Bundle{}, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(bundle); err != nil {
		return "", Bundle{}, fmt.Errorf("encode bundle: %w", err)
	}

	key := ObjectKey(user.ID, bundle.ExportedAt)
	if err := e.uploader.Put(ctx, key, buf.Bytes(), contentType); err != nil {
		return "", Bundle{}, fmt.Errorf("upload bundle: %w", err)
	}
	return key, bundle, nil
}
