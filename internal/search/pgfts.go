package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks visible memories with plainto_tsquery and ts_rank, using
// ts_headline for snippets. Team visibility comes from team_memberships,
// so Query.TeamIDs is not consulted here.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id,
			ts_rank(m.fts, q) AS rank,
			ts_headline('english', m.content, q, 'StartSel=<mark>, StopSel=</mark>, MaxWords=35, MinWords=15') AS snippet
		FROM memories m
		CROSS JOIN plainto_tsquery('english', $1) q
		LEFT JOIN contexts c ON c.id = m.context_id
		WHERE m.fts @@ q
			AND ($3::boolean OR m.owner_id = $2 OR (m.team_id IS NOT NULL AND EXISTS (
				SELECT 1 FROM team_memberships tm WHERE tm.team_id = m.team_id AND tm.user_id = $2
			)))
			AND ($4 = '' OR lower(c.name) = lower($4))
		ORDER BY rank DESC, m.id
		LIMIT $5
	`, q.Text, q.ViewerID, q.IsAdmin, q.ContextName, limit)
	if err != nil {
		return nil, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.MemoryID, &r.Rank, &r.Snippet); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgfts rows: %w", err)
	}
	return results, nil
}

// LoadAllRecords loads every memory for bulk reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MemoryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.owner_id, COALESCE(m.team_id, ''), COALESCE(c.name, ''), m.approval_status,
			COALESCE((SELECT string_agg(mt.tag, ',' ORDER BY mt.tag) FROM memory_tags mt WHERE mt.memory_id = m.id), '')
		FROM memories m
		LEFT JOIN contexts c ON c.id = m.context_id
		ORDER BY m.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	defer rows.Close()

	var records []MemoryRecord
	for rows.Next() {
		var rec MemoryRecord
		var tags string
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.OwnerID, &rec.TeamID, &rec.ContextName, &rec.ApprovalStatus, &tags); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		rec.Tags = []string{}
		if tags != "" {
			rec.Tags = strings.Split(tags, ",")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory records: %w", err)
	}
	return records, nil
}
