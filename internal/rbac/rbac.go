package rbac

type Role string
type Action string

// Global roles.
const (
	RoleUser      Role = "user"
	RoleTeamAdmin Role = "team_admin"
	RoleAdmin     Role = "admin"
)

// Team roles.
const (
	TeamMember Role = "member"
	TeamAdmin  Role = "team_admin"
)

const (
	ActionView   Action = "view"
	ActionEdit   Action = "edit"
	ActionReview Action = "review"
)

// Subject is who is asking: a user, their global role and their role in
// each team they belong to.
type Subject struct {
	UserID    string
	Role      Role
	TeamRoles map[string]Role
}

// Resource is anything scoped to an owner or a team.
type Resource struct {
	OwnerID string
	TeamID  string
}

func (s Subject) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// TeamRole returns the subject's role in team, or "" when not a member.
func (s Subject) TeamRole(teamID string) Role {
	if teamID == "" {
		return ""
	}
	return s.TeamRoles[teamID]
}

func Can(s Subject, action Action, r Resource) bool {
	if s.UserID == "" {
		return false
	}
	if s.IsAdmin() {
		return true
	}
	teamRole := s.TeamRole(r.TeamID)
	switch action {
	case ActionView:
		return r.OwnerID == s.UserID || teamRole != ""
	case ActionEdit:
		return r.OwnerID == s.UserID || teamRole == TeamAdmin
	case ActionReview:
		// Personal memories are reviewed by global admins only.
		return r.TeamID != "" && teamRole == TeamAdmin
	default:
		return false
	}
}

func CanView(s Subject, r Resource) bool   { return Can(s, ActionView, r) }
func CanEdit(s Subject, r Resource) bool   { return Can(s, ActionEdit, r) }
func CanReview(s Subject, r Resource) bool { return Can(s, ActionReview, r) }

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleTeamAdmin, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}

func NormalizeTeamRole(role string) Role {
	if Role(role) == TeamAdmin {
		return TeamAdmin
	}
	return TeamMember
}
