package search

import "context"

// Result is one memory matching a full-text query. Rank is backend
// specific; callers compare ranks only within one response.
type Result struct {
	MemoryID string  `json:"memoryId"`
	Snippet  string  `json:"snippet"`
	Rank     float64 `json:"rank"`
}

// Query describes a search request on behalf of a viewer. Non-admin viewers
// only match memories they own or that belong to one of TeamIDs.
type Query struct {
	Text        string
	ViewerID    string
	IsAdmin     bool
	TeamIDs     []string
	ContextName string
	Limit       int
}

// Response is what Service.Search returns.
type Response struct {
	Results []Result `json:"results"`
	Source  string   `json:"source"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
	Healthy() bool
}

// Indexer can push memories into a search index.
type Indexer interface {
	IndexMemory(m MemoryRecord) error
	IndexMemories(records []MemoryRecord) error
	DeleteMemory(id string) error
}

// Backend is a search engine that is both queried and fed.
type Backend interface {
	Searcher
	Indexer
}

// MemoryRecord is the data we index for a memory. Content is always the
// redacted form.
type MemoryRecord struct {
	ID             string   `json:"id"`
	Content        string   `json:"content"`
	OwnerID        string   `json:"ownerId"`
	TeamID         string   `json:"teamId"`
	ContextName    string   `json:"contextName"`
	ApprovalStatus string   `json:"approvalStatus"`
	Tags           []string `json:"tags"`
}
