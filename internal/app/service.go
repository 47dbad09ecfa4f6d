package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ninaivalaigal/api/internal/archive"
	"ninaivalaigal/api/internal/auth"
	"ninaivalaigal/api/internal/authpw"
	"ninaivalaigal/api/internal/config"
	"ninaivalaigal/api/internal/email"
	"ninaivalaigal/api/internal/graphrank"
	"ninaivalaigal/api/internal/logger"
	"ninaivalaigal/api/internal/metrics"
	"ninaivalaigal/api/internal/ratelimit"
	"ninaivalaigal/api/internal/rbac"
	"ninaivalaigal/api/internal/redact"
	"ninaivalaigal/api/internal/search"
	"ninaivalaigal/api/internal/session"
	"ninaivalaigal/api/internal/store"
	"ninaivalaigal/api/internal/tagger"
	"ninaivalaigal/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) isAdmin() bool {
	return rbac.Normalize(s.Role) == rbac.RoleAdmin
}

type dataStore interface {
	authpw.UserStore
	Ping(ctx context.Context) error
	SaveRefreshSession(context.Context, string, string, time.Time) error
	ConsumeRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	TeamRoles(context.Context, string) (map[string]string, error)
	EnsureContext(ctx context.Context, id, name, ownerID, teamID string) (store.Context, error)
	InsertMemory(context.Context, store.Memory, []store.MemoryTag) error
	GetMemory(context.Context, string) (store.Memory, error)
	ListVisibleMemories(ctx context.Context, viewerID string, isAdmin bool) ([]store.Memory, error)
	InsertRelation(context.Context, store.MemoryRelation) (bool, error)
	ListRelations(context.Context, []string) ([]store.MemoryRelation, error)
	TransitionMemory(ctx context.Context, memoryID, from, to, actorID, comment string) (bool, error)
	ListApprovals(context.Context, string) ([]store.Approval, error)
	InsertTimelineEvent(context.Context, store.TimelineEvent) error
	ListTimeline(ctx context.Context, viewerID string, isAdmin bool, before int64, limit int) ([]store.TimelineEvent, error)
}

// SessionStore keeps refresh sessions. Postgres is used when none is given.
// ConsumeRefreshSession must be atomic: a token is handed out at most once.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	ConsumeRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexMemory(rec search.MemoryRecord)
	ReindexAllFromPG(ctx context.Context) int
}

type Mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
	SendReviewOutcomeEmail(to, userName string, outcome email.ReviewOutcome) error
}

type Exporter interface {
	Export(ctx context.Context, user store.User) (string, archive.Bundle, error)
}

// Options carries the optional collaborators of a Service. Zero values fall
// back to Postgres sessions, heuristic tagging, the built-in redaction rules
// and no search, mail, export or metrics.
type Options struct {
	Sessions SessionStore
	Redis    Pinger
	Search   Searcher
	Mailer   Mailer
	Tagger   tagger.Suggester
	Redactor *redact.Redactor
	Exporter Exporter
	Limiter  *ratelimit.Limiter
	Proxies  ratelimit.Proxies
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
}

type Service struct {
	cfg        config.Config
	store      dataStore
	sessions   SessionStore
	redis      Pinger
	auth       *authpw.Service
	search     Searcher
	mailer     Mailer
	tagger     tagger.Suggester
	redactor   *redact.Redactor
	redactMode redact.Mode
	exporter   Exporter
	limiter    *ratelimit.Limiter
	proxies    ratelimit.Proxies
	metrics    *metrics.Metrics
	log        *logger.Logger
	rankOpts   graphrank.Options
}

func New(cfg config.Config, dataStore *store.PostgresStore, opts Options) *Service {
	return newService(cfg, dataStore, opts)
}

func newService(cfg config.Config, ds dataStore, opts Options) *Service {
	s := &Service{
		cfg:        cfg,
		store:      ds,
		sessions:   opts.Sessions,
		redis:      opts.Redis,
		auth:       authpw.NewService(ds),
		search:     opts.Search,
		mailer:     opts.Mailer,
		tagger:     opts.Tagger,
		redactor:   opts.Redactor,
		redactMode: redact.ParseMode(cfg.RedactionMode),
		exporter:   opts.Exporter,
		limiter:    opts.Limiter,
		proxies:    opts.Proxies,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		rankOpts:   graphrank.DefaultOptions(),
	}
	if s.sessions == nil {
		s.sessions = ds
	}
	if s.tagger == nil {
		s.tagger = tagger.Heuristic{}
	}
	if s.redactor == nil {
		s.redactor = redact.Default()
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	return s
}

// Bootstrap runs once before serving: it reports an empty install and
// reloads the search index from Postgres.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count == 0 {
		s.log.Info("no users yet, the first account to sign up becomes admin")
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.auth
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

// SendVerificationEmail mails the sign-up token. Failures are logged only.
func (s *Service) SendVerificationEmail(ctx context.Context, to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	link := s.cfg.PublicURL + "/verify-email?token=" + token
	if err := s.mailer.SendVerificationEmail(to, userName, link); err != nil {
		s.log.WithContext(ctx).Warn("send verification email failed", "error", err)
	}
}

func (s *Service) SendPasswordResetEmail(ctx context.Context, to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	link := s.cfg.PublicURL + "/reset-password?token=" + token
	if err := s.mailer.SendPasswordResetEmail(to, userName, link); err != nil {
		s.log.WithContext(ctx).Warn("send password reset email failed", "error", err)
	}
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued for the current state of the user.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, validationError("refreshToken is required", nil)
	}
	ownerID, err := s.sessions.ConsumeRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrSessionNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	// Only the caller that consumed the token gets a new pair.
	user, err := s.store.GetUserByID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: string(rbac.Normalize(user.Role)),
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh, err := util.NewSecret()
	if err != nil {
		return Session{}, fmt.Errorf("generate refresh token: %w", err)
	}
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         string(rbac.Normalize(user.Role)),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token and reloads its user, so role
// changes take effect without a new sign-in.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      string(rbac.Normalize(user.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			return err
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingRedis reports nil when Redis is healthy or not configured.
func (s *Service) PingRedis(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Ping(ctx)
}

func (s *Service) RedisConfigured() bool {
	return s.redis != nil
}

// subject resolves the caller's team roles for permission checks.
func (s *Service) subject(ctx context.Context, session Session) (rbac.Subject, error) {
	roles, err := s.store.TeamRoles(ctx, session.UserID)
	if err != nil {
		return rbac.Subject{}, err
	}
	teamRoles := make(map[string]rbac.Role, len(roles))
	for teamID, role := range roles {
		teamRoles[teamID] = rbac.NormalizeTeamRole(role)
	}
	return rbac.Subject{
		UserID:    session.UserID,
		Role:      rbac.Normalize(session.Role),
		TeamRoles: teamRoles,
	}, nil
}

func resourceOf(memory store.Memory) rbac.Resource {
	return rbac.Resource{OwnerID: memory.OwnerID, TeamID: memory.TeamID}
}

// appendEvent writes a timeline event. Failures are logged, not returned.
func (s *Service) appendEvent(ctx context.Context, event store.TimelineEvent) {
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	if err := s.store.InsertTimelineEvent(ctx, event); err != nil {
		s.log.WithContext(ctx).Error("append timeline event failed", "type", event.Type, "memory_id", event.MemoryID, "error", err)
	}
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
