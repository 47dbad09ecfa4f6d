package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// visibleMemoryPredicate expects $1 = viewer id and $2 = viewer is admin.
const visibleMemoryPredicate = `($2::boolean OR m.owner_id = $1 OR (m.team_id IS NOT NULL AND EXISTS (
	SELECT 1 FROM team_memberships tm WHERE tm.team_id = m.team_id AND tm.user_id = $1
)))`

const userColumns = `id, display_name, email, password_hash, role, is_email_verified, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, strings.ToLower(strings.TrimSpace(email))))
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	role := user.Role
	if role == "" {
		role = "user"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	`, user.ID, user.DisplayName, strings.ToLower(strings.TrimSpace(user.Email)), user.PasswordHash, role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1 AND revoked_at IS NULL`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ConsumeRefreshSession revokes a live refresh session and returns its owner.
// The conditional UPDATE lets exactly one concurrent caller win; the rest get
// sql.ErrNoRows.
func (s *PostgresStore) ConsumeRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE refresh_sessions SET revoked_at = NOW()
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
		RETURNING user_id
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) CreateTeam(ctx context.Context, team Team) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create team: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO teams (id, name, created_by) VALUES ($1, $2, $3)`, team.ID, team.Name, team.CreatedBy); err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO team_memberships (team_id, user_id, role) VALUES ($1, $2, 'team_admin')
	`, team.ID, team.CreatedBy); err != nil {
		return fmt.Errorf("insert team admin: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) GetTeamByName(ctx context.Context, name string) (Team, error) {
	var team Team
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_by, created_at FROM teams WHERE name=$1`, name).
		Scan(&team.ID, &team.Name, &team.CreatedBy, &team.CreatedAt)
	return team, err
}

func (s *PostgresStore) AddTeamMember(ctx context.Context, teamID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_memberships (team_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (team_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, teamID, userID, role)
	if err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	return nil
}

// TeamRoles returns the viewer's role keyed by team id.
func (s *PostgresStore) TeamRoles(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT team_id, role FROM team_memberships WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list team roles: %w", err)
	}
	defer rows.Close()

	roles := make(map[string]string)
	for rows.Next() {
		var teamID, role string
		if err := rows.Scan(&teamID, &role); err != nil {
			return nil, fmt.Errorf("scan team role: %w", err)
		}
		roles[teamID] = role
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate team roles: %w", err)
	}
	return roles, nil
}

// EnsureContext returns the named context for the scope, creating it on first use.
// Exactly one of ownerID and teamID is expected to be set.
// EnsureContext returns the named context for the owner or team, creating it
// when missing. Concurrent callers converge on one row through the partial
// unique indexes on lower(name).
func (s *PostgresStore) EnsureContext(ctx context.Context, id, name, ownerID, teamID string) (Context, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contexts (id, name, owner_id, team_id)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		ON CONFLICT DO NOTHING
	`, id, name, ownerID, teamID)
	if err != nil {
		return Context{}, fmt.Errorf("insert context: %w", err)
	}

	var item Context
	var owner, team sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, team_id, created_at FROM contexts
		WHERE lower(name) = lower($1)
			AND (($2 <> '' AND owner_id = $2) OR ($3 <> '' AND team_id = $3))
	`, name, ownerID, teamID).Scan(&item.ID, &item.Name, &owner, &team, &item.CreatedAt)
	if err != nil {
		return Context{}, fmt.Errorf("lookup context: %w", err)
	}
	item.OwnerID, item.TeamID = owner.String, team.String
	return item, nil
}

func (s *PostgresStore) InsertMemory(ctx context.Context, memory Memory, tags []MemoryTag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert memory: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status := memory.ApprovalStatus
	if status == "" {
		status = StatusDraft
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, owner_id, team_id, context_id, content, redaction_count, approval_status)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
	`, memory.ID, memory.OwnerID, memory.TeamID, memory.ContextID, memory.Content, memory.RedactionCount, status); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_tags (memory_id, tag, source, confidence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (memory_id, tag) DO NOTHING
		`, memory.ID, tag.Tag, tag.Source, tag.Confidence); err != nil {
			return fmt.Errorf("insert memory tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit memory: %w", err)
	}
	return nil
}

const memorySelect = `
	SELECT m.id, m.owner_id, COALESCE(m.team_id, ''), COALESCE(m.context_id, ''), COALESCE(c.name, ''),
		m.content, m.redaction_count, m.approval_status, COALESCE(m.submitted_by, ''), m.created_at, m.updated_at,
		COALESCE((SELECT string_agg(mt.tag, ',' ORDER BY mt.tag) FROM memory_tags mt WHERE mt.memory_id = m.id), '')
	FROM memories m
	LEFT JOIN contexts c ON c.id = m.context_id
`

func scanMemory(row interface{ Scan(...any) error }) (Memory, error) {
	var item Memory
	var tags string
	err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.TeamID,
		&item.ContextID,
		&item.ContextName,
		&item.Content,
		&item.RedactionCount,
		&item.ApprovalStatus,
		&item.SubmittedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
		&tags,
	)
	if err != nil {
		return Memory{}, err
	}
	item.Tags = splitTags(tags)
	return item, nil
}

func splitTags(joined string) []string {
	if joined == "" {
		return []string{}
	}
	return strings.Split(joined, ",")
}

func (s *PostgresStore) GetMemory(ctx context.Context, memoryID string) (Memory, error) {
	return scanMemory(s.db.QueryRowContext(ctx, memorySelect+` WHERE m.id=$1`, memoryID))
}

// ListVisibleMemories returns every memory the viewer may read, newest first.
func (s *PostgresStore) ListVisibleMemories(ctx context.Context, viewerID string, isAdmin bool) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, memorySelect+` WHERE `+visibleMemoryPredicate+` ORDER BY m.created_at DESC, m.id`, viewerID, isAdmin)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	items := make([]Memory, 0)
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertRelation(ctx context.Context, relation MemoryRelation) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_relations (from_id, to_id, kind, created_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (from_id, to_id, kind) DO NOTHING
	`, relation.FromID, relation.ToID, relation.Kind, relation.CreatedBy)
	if err != nil {
		return false, fmt.Errorf("insert relation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert relation rows: %w", err)
	}
	return affected > 0, nil
}

// ListRelations returns relations whose endpoints are both in memoryIDs.
func (s *PostgresStore) ListRelations(ctx context.Context, memoryIDs []string) ([]MemoryRelation, error) {
	if len(memoryIDs) == 0 {
		return []MemoryRelation{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, kind, created_by, created_at
		FROM memory_relations
		WHERE from_id = ANY($1) AND to_id = ANY($1)
		ORDER BY from_id, to_id
	`, memoryIDs)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()

	items := make([]MemoryRelation, 0)
	for rows.Next() {
		var item MemoryRelation
		if err := rows.Scan(&item.FromID, &item.ToID, &item.Kind, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relations: %w", err)
	}
	return items, nil
}

// TransitionMemory moves a memory from one approval state to another and records
// the transition. It reports false when the memory was no longer in state from.
func (s *PostgresStore) TransitionMemory(ctx context.Context, memoryID, from, to, actorID, comment string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE memories
		SET approval_status=$3,
			submitted_by=CASE WHEN $3 = 'submitted' THEN $4 ELSE submitted_by END,
			updated_at=NOW()
		WHERE id=$1 AND approval_status=$2
	`, memoryID, from, to, actorID)
	if err != nil {
		return false, fmt.Errorf("update approval status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update approval rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approvals (memory_id, from_status, status, actor_id, comment)
		VALUES ($1, $2, $3, $4, $5)
	`, memoryID, from, to, actorID, comment); err != nil {
		return false, fmt.Errorf("insert approval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transition: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, memoryID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.memory_id, a.from_status, a.status, a.actor_id, u.display_name, a.comment, a.created_at
		FROM approvals a
		JOIN users u ON u.id = a.actor_id
		WHERE a.memory_id=$1
		ORDER BY a.id ASC
	`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]Approval, 0)
	for rows.Next() {
		var item Approval
		if err := rows.Scan(&item.ID, &item.MemoryID, &item.FromStatus, &item.Status, &item.ActorID, &item.ActorName, &item.Comment, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertTimelineEvent(ctx context.Context, event TimelineEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal timeline payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO timeline_events (event_type, actor_id, memory_id, team_id, payload)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5::jsonb)
	`, event.Type, event.ActorID, event.MemoryID, event.TeamID, string(raw))
	if err != nil {
		return fmt.Errorf("insert timeline event: %w", err)
	}
	return nil
}

// ListTimeline returns events newest first. before=0 starts from the latest event.
func (s *PostgresStore) ListTimeline(ctx context.Context, viewerID string, isAdmin bool, before int64, limit int) ([]TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.event_type, e.actor_id, u.display_name, COALESCE(e.memory_id, ''), COALESCE(e.team_id, ''), e.payload::text, e.created_at
		FROM timeline_events e
		JOIN users u ON u.id = e.actor_id
		LEFT JOIN memories m ON m.id = e.memory_id
		WHERE ($3::bigint = 0 OR e.id < $3)
			AND ($2::boolean OR e.actor_id = $1 OR (m.id IS NOT NULL AND `+visibleMemoryPredicate+`))
		ORDER BY e.id DESC
		LIMIT $4
	`, viewerID, isAdmin, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	defer rows.Close()

	items := make([]TimelineEvent, 0)
	for rows.Next() {
		var item TimelineEvent
		var payload string
		if err := rows.Scan(&item.ID, &item.Type, &item.ActorID, &item.ActorName, &item.MemoryID, &item.TeamID, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		item.Payload = map[string]any{}
		if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
			return nil, fmt.Errorf("decode timeline payload: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return items, nil
}
