package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"ninaivalaigal/api/internal/app"
	"ninaivalaigal/api/internal/rbac"
	"ninaivalaigal/api/internal/redact"
	"ninaivalaigal/api/internal/store"
	"ninaivalaigal/api/internal/util"
)

var (
	rankUser   string
	rankLimit  int
	exportUser string
	teamAdmin  string
	memberRole string

	scanCmd = &cobra.Command{
		Use:   "scan [file|-]",
		Short: "Report secrets in a file or stdin; exits 1 when any are found",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runScan,
	}

	rankCmd = &cobra.Command{
		Use:   "rank",
		Short: "Print the most central memories visible to a user",
		Args:  cobra.NoArgs,
		RunE:  runRank,
	}

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Export a user's visible memories to object storage",
		Args:  cobra.NoArgs,
		RunE:  runExport,
	}

	teamCmd = &cobra.Command{
		Use:   "team",
		Short: "Manage teams and memberships",
	}

	teamCreateCmd = &cobra.Command{
		Use:   "create NAME",
		Short: "Create a team with an initial team admin",
		Args:  cobra.ExactArgs(1),
		RunE:  runTeamCreate,
	}

	teamAddMemberCmd = &cobra.Command{
		Use:   "add-member TEAM EMAIL",
		Short: "Add a user to a team or change their team role",
		Args:  cobra.ExactArgs(2),
		RunE:  runTeamAddMember,
	}
)

func init() {
	rankCmd.Flags().StringVar(&rankUser, "user", "", "email of the viewing user (required)")
	rankCmd.Flags().IntVar(&rankLimit, "limit", 10, "number of memories to print")
	_ = rankCmd.MarkFlagRequired("user")

	exportCmd.Flags().StringVar(&exportUser, "user", "", "email of the user to export (required)")
	_ = exportCmd.MarkFlagRequired("user")

	teamCreateCmd.Flags().StringVar(&teamAdmin, "admin", "", "email of the first team admin (required)")
	_ = teamCreateCmd.MarkFlagRequired("admin")
	teamAddMemberCmd.Flags().StringVar(&memberRole, "role", string(rbac.TeamMember), "member or team_admin")

	teamCmd.AddCommand(teamCreateCmd, teamAddMemberCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	var (
		raw []byte
		err error
	)
	if len(args) == 0 || args[0] == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	redactor, err := loadRedactor(cfg)
	if err != nil {
		return err
	}
	findings := redactor.Scan(string(raw))
	out := cmd.OutOrStdout()
	if len(findings) == 0 {
		fmt.Fprintln(out, "no secrets found")
		return nil
	}
	for _, f := range findings {
		fmt.Fprintf(out, "%-20s %6d-%-6d %s\n", f.Rule, f.Start, f.End, f.Masked)
	}
	summary := redact.Summary(findings)
	rules := make([]string, 0, len(summary))
	for rule := range summary {
		rules = append(rules, fmt.Sprintf("%s=%d", rule, summary[rule]))
	}
	sort.Strings(rules)
	fmt.Fprintf(out, "%d finding(s): %s\n", len(findings), strings.Join(rules, " "))
	return exitError{code: 1}
}

// sessionFor builds a session for an operator acting as the user with email.
func sessionFor(cmd *cobra.Command, s *store.PostgresStore, email string) (app.Session, error) {
	user, err := s.GetUserByEmail(cmd.Context(), email)
	if err != nil {
		return app.Session{}, fmt.Errorf("look up %s: %w", email, err)
	}
	return app.Session{UserID: user.ID, UserName: user.DisplayName, Role: user.Role}, nil
}

func runRank(cmd *cobra.Command, _ []string) error {
	d, err := wire(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer d.close()

	session, err := sessionFor(cmd, d.store, rankUser)
	if err != nil {
		return err
	}
	payload, err := d.service.GraphRank(cmd.Context(), session, rankLimit)
	if err != nil {
		return err
	}
	return printJSON(cmd, payload)
}

func runExport(cmd *cobra.Command, _ []string) error {
	d, err := wire(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer d.close()

	session, err := sessionFor(cmd, d.store, exportUser)
	if err != nil {
		return err
	}
	payload, err := d.service.Export(cmd.Context(), session)
	if err != nil {
		return err
	}
	return printJSON(cmd, payload)
}

func runTeamCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	s := store.NewPostgresStore(db)

	name := strings.TrimSpace(args[0])
	if name == "" {
		return fmt.Errorf("team name is required")
	}
	admin, err := s.GetUserByEmail(ctx, teamAdmin)
	if err != nil {
		return fmt.Errorf("look up %s: %w", teamAdmin, err)
	}
	team := store.Team{ID: util.NewID("team"), Name: name, CreatedBy: admin.ID}
	if err := s.CreateTeam(ctx, team); err != nil {
		return err
	}
	log.Audit("team created", "team_id", team.ID, "name", name, "admin", admin.ID)
	fmt.Fprintln(cmd.OutOrStdout(), team.ID)
	return nil
}

func runTeamAddMember(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	s := store.NewPostgresStore(db)

	team, err := s.GetTeamByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("look up team %s: %w", args[0], err)
	}
	user, err := s.GetUserByEmail(ctx, args[1])
	if err != nil {
		return fmt.Errorf("look up %s: %w", args[1], err)
	}
	role := rbac.NormalizeTeamRole(memberRole)
	if err := s.AddTeamMember(ctx, team.ID, user.ID, string(role)); err != nil {
		return err
	}
	log.Audit("team member added", "team_id", team.ID, "user_id", user.ID, "role", string(role))
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s of %s\n", user.Email, role, team.Name)
	return nil
}

func printJSON(cmd *cobra.Command, payload any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
