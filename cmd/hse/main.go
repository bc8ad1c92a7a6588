package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hsetrack/internal/app"
	"hsetrack/internal/config"
	"hsetrack/internal/db"
	"hsetrack/internal/domain"
	"hsetrack/internal/engine"
	"hsetrack/internal/history"
	"hsetrack/internal/migrate"
	"hsetrack/internal/repo"
	"hsetrack/internal/server"
	"hsetrack/internal/summary"
	"hsetrack/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "hse",
	Short: "HSE Track CLI",
	Long: `HSE Track manages workplace safety observations through a reviewed lifecycle.
- Workspace: your .hsetrack directory holding the database; org config lives in the DB and is imported explicitly.
- Observations: unsafe acts or conditions reported from the field. Drafts are private to the reporter until submitted.
- Lifecycle: draft -> submitted -> in_review -> approved -> action_assigned -> closed, with rejected as the other exit.
- Corrective actions: an approved observation gets one assignment with an assignee and due date; completing it closes the observation.
- Roles: employees report, supervisors and admins review and assign, clients read.
- History: every transition lands in an append-only ledger, view with 'hse history'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HSETRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "", "actor role (defaults to the org membership role)")
	rootCmd.PersistentFlags().String("org", "", "organization id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(obsCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// cliContext bundles everything a command needs once the workspace is open.
type cliContext struct {
	Engine  engine.Engine
	Tracker tracker.Tracker
	Summary summary.Summary
	History history.Log
	Repo    repo.Repo
	Config  *config.Config
	OrgID   string
	Actor   domain.ActorContext
}

func withCLI(ctx context.Context, fn func(context.Context, cliContext) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	actorID := viper.GetString("actor-id")
	orgID, cfg, err := app.ResolveOrgAndConfig(ctx, workspace, viper.GetString("org"), actorID, r)
	if err != nil {
		return err
	}
	role := domain.Role(viper.GetString("role"))
	if role == "" {
		stored, err := r.GetOrgRole(ctx, orgID, actorID)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			role = domain.RoleEmployee
		} else {
			role = stored
		}
	}
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	cc := cliContext{
		Engine:  engine.New(conn),
		Tracker: tracker.New(conn),
		Summary: summary.New(conn),
		History: history.Log{DB: conn},
		Repo:    r,
		Config:  cfg,
		OrgID:   orgID,
		Actor:   domain.ActorContext{ID: actorID, Role: role, OrgID: orgID},
	}
	return fn(ctx, cc)
}

func obsCmd() *cobra.Command {
	obs := &cobra.Command{
		Use:   "obs",
		Short: "Manage observations",
		Long:  "Observations are safety reports from the field. They start as private drafts, get submitted for review, and either close out through a corrective action or get rejected.",
	}
	obs.AddCommand(obsCreateCmd())
	obs.AddCommand(obsListCmd())
	obs.AddCommand(obsShowCmd())
	obs.AddCommand(obsEditCmd())
	obs.AddCommand(obsDeleteCmd())
	obs.AddCommand(obsSubmitCmd())
	obs.AddCommand(obsStartReviewCmd())
	obs.AddCommand(obsReviewCmd())
	obs.AddCommand(obsAssignCmd())
	obs.AddCommand(obsCompleteCmd())
	return obs
}

func obsCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an observation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				opts.Reporter = cc.Actor
				o, err := cc.Engine.CreateObservation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "observation id (optional, UUID if omitted)")
	cmd.Flags().StringVar((*string)(&opts.Type), "type", "", "unsafe_act or unsafe_condition")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category from the org catalog")
	cmd.Flags().StringVar((*string)(&opts.RiskLevel), "risk", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location")
	cmd.Flags().StringVar(&opts.ImageRef, "image-ref", "", "image reference")
	cmd.Flags().BoolVar(&opts.Submit, "submit", false, "submit immediately instead of keeping a draft")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("risk")
	return cmd
}

func obsListCmd() *cobra.Command {
	var status, reporter string
	var mine bool
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List observations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				f := repo.ObservationFilters{
					OrgID:      cc.OrgID,
					Status:     domain.Status(status),
					ReporterID: reporter,
					Limit:      limit,
				}
				if mine {
					f.DraftsOwnedBy = cc.Actor.ID
				}
				if cursor != "" {
					parts := strings.SplitN(cursor, "|", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid cursor")
					}
					f.CursorCreatedAt, f.CursorID = parts[0], parts[1]
				}
				items, err := cc.Repo.ListObservations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Category", "Risk", "Status", "Reporter", "Created"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Type, o.Category, o.RiskLevel, o.Status, o.ReporterID, o.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&reporter, "reporter", "", "reporter filter")
	cmd.Flags().BoolVar(&mine, "mine", false, "include my drafts")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&cursor, "cursor", "", "pagination cursor (created_at|id)")
	return cmd
}

func obsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				o, err := cc.Repo.GetObservation(ctx, args[0])
				if err != nil {
					return err
				}
				if o.OrganizationID != cc.OrgID {
					return repo.ErrNotFound
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func obsEditCmd() *cobra.Command {
	var typ, category, risk, description, location, imageRef string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a draft observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.EditDraftOptions{ObservationID: args[0]}
			if cmd.Flags().Changed("type") {
				t := domain.ObservationType(typ)
				opts.Type = &t
			}
			if cmd.Flags().Changed("category") {
				opts.Category = &category
			}
			if cmd.Flags().Changed("risk") {
				l := domain.RiskLevel(risk)
				opts.RiskLevel = &l
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("location") {
				opts.Location = &location
			}
			if cmd.Flags().Changed("image-ref") {
				opts.ImageRef = &imageRef
			}
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				opts.Actor = cc.Actor
				o, err := cc.Engine.EditDraft(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "unsafe_act or unsafe_condition")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&risk, "risk", "", "risk level")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&location, "location", "", "location")
	cmd.Flags().StringVar(&imageRef, "image-ref", "", "image reference (empty clears)")
	return cmd
}

func obsDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a draft observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				return cc.Engine.DeleteDraft(ctx, args[0], cc.Actor)
			})
		},
	}
	return cmd
}

func obsSubmitCmd() *cobra.Command {
	var expect string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a draft for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				o, err := cc.Engine.Submit(ctx, args[0], cc.Actor, domain.Status(expect))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&expect, "expect", "draft", "expected current status")
	return cmd
}

func obsStartReviewCmd() *cobra.Command {
	var expect string
	cmd := &cobra.Command{
		Use:   "start-review <id>",
		Short: "Claim a submitted observation for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				o, err := cc.Engine.StartReview(ctx, args[0], cc.Actor, domain.Status(expect))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&expect, "expect", "submitted", "expected current status")
	return cmd
}

func obsReviewCmd() *cobra.Command {
	var action, comment, expect string
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Approve, reject or close an observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				o, err := cc.Engine.Review(ctx, engine.ReviewOptions{
					ObservationID:  args[0],
					Actor:          cc.Actor,
					Action:         engine.ReviewAction(action),
					Comment:        comment,
					ExpectedStatus: domain.Status(expect),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "approve, reject or close")
	cmd.Flags().StringVar(&comment, "comment", "", "review comment (required for reject and close)")
	cmd.Flags().StringVar(&expect, "expect", "submitted", "expected current status")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func obsAssignCmd() *cobra.Command {
	var assignee, due, description, expect string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a corrective action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				if due == "" {
					days := cc.Config.Review.DefaultActionDueDays
					if days <= 0 {
						days = 7
					}
					due = time.Now().UTC().AddDate(0, 0, days).Format(time.RFC3339)
				}
				o, err := cc.Engine.AssignAction(ctx, engine.AssignOptions{
					ObservationID:  args[0],
					Actor:          cc.Actor,
					AssigneeID:     assignee,
					DueDate:        due,
					Description:    description,
					ExpectedStatus: domain.Status(expect),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee actor id")
	cmd.Flags().StringVar(&due, "due", "", "due date RFC3339 (defaults from org config)")
	cmd.Flags().StringVar(&description, "description", "", "what needs to be done")
	cmd.Flags().StringVar(&expect, "expect", "approved", "expected current status")
	_ = cmd.MarkFlagRequired("assignee")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func obsCompleteCmd() *cobra.Command {
	var comment, expect string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete the corrective action and close",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				o, err := cc.Engine.CompleteAction(ctx, engine.CompleteOptions{
					ObservationID:  args[0],
					Actor:          cc.Actor,
					Comment:        comment,
					ExpectedStatus: domain.Status(expect),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "completion comment")
	cmd.Flags().StringVar(&expect, "expect", "action_assigned", "expected current status")
	return cmd
}

func actionCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "action",
		Short: "Track corrective actions",
	}
	a.AddCommand(actionListCmd())
	a.AddCommand(actionUpdateCmd())
	return a
}

func actionListCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open corrective actions by due date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				opts := tracker.ListOptions{OrgID: cc.OrgID, Limit: limit}
				if cursor != "" {
					parts := strings.SplitN(cursor, "|", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid cursor")
					}
					opts.CursorDueDate, opts.CursorID = parts[0], parts[1]
				}
				items, err := cc.Tracker.ListOpenActions(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Observation", "Assignee", "Due", "Overdue", "Description"})
				for _, it := range items {
					a := it.Observation.Action
					if a == nil {
						continue
					}
					overdue := ""
					if it.IsOverdue {
						overdue = "yes"
					}
					tw.AppendRow(table.Row{it.Observation.ID, a.AssigneeID, a.DueDate, overdue, a.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&cursor, "cursor", "", "pagination cursor (due_date|id)")
	return cmd
}

func actionUpdateCmd() *cobra.Command {
	var assignee, comment string
	cmd := &cobra.Command{
		Use:   "update <observation-id>",
		Short: "Reassign or annotate an open corrective action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := tracker.UpdateOptions{ObservationID: args[0]}
			if cmd.Flags().Changed("assignee") {
				opts.NewAssigneeID = &assignee
			}
			if cmd.Flags().Changed("comment") {
				opts.NewComment = &comment
			}
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				opts.Actor = cc.Actor
				o, err := cc.Tracker.UpdateAssignment(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "new assignee actor id")
	cmd.Flags().StringVar(&comment, "comment", "", "progress comment")
	return cmd
}

func historyCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "history",
		Short: "Inspect the audit ledger",
	}
	h.AddCommand(historyShowCmd())
	h.AddCommand(historySearchCmd())
	return h
}

func historyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <observation-id>",
		Short: "Show the trail for one observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				o, err := cc.Repo.GetObservation(ctx, args[0])
				if err != nil {
					return err
				}
				if o.OrganizationID != cc.OrgID {
					return repo.ErrNotFound
				}
				entries, err := cc.History.ListForObservation(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Action", "From", "To", "Actor", "Comment"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.TS, e.Action, e.FromStatus, e.ToStatus, e.ActorID, e.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func historySearchCmd() *cobra.Command {
	var f history.SearchFilters
	var status string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				f.OrgID = cc.OrgID
				f.Status = domain.Status(status)
				entries, err := cc.History.Search(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "resulting status filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	cmd.Flags().StringVar(&f.From, "from", "", "window start RFC3339")
	cmd.Flags().StringVar(&f.To, "to", "", "window end RFC3339")
	cmd.Flags().StringVar(&f.FreeText, "q", "", "free text against comments")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func summaryCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Per-status observation counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				counts, err := cc.Summary.Counts(ctx, summary.Options{OrgID: cc.OrgID, From: from, To: to})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]int{}
					for st, n := range counts {
						out[string(st)] = n
					}
					return printJSON(out)
				}
				fmt.Printf("Organization: %s\n", cc.OrgID)
				for _, st := range domain.Statuses {
					if st == domain.StatusDraft {
						continue
					}
					fmt.Printf("  %s: %d\n", st, counts[st])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start RFC3339")
	cmd.Flags().StringVar(&to, "to", "", "window end RFC3339")
	return cmd
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
	}
	org.AddCommand(orgShowCmd())
	org.AddCommand(orgConfigCmd())
	org.AddCommand(orgMemberCmd())
	return org
}

func orgShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				org, err := cc.Repo.GetOrg(ctx, cc.OrgID)
				if err != nil {
					return err
				}
				return printJSONOrTable(org)
			})
		},
	}
	return cmd
}

func orgConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage organization config",
	}
	cfg.AddCommand(orgConfigShowCmd())
	cfg.AddCommand(orgConfigImportCmd())
	cfg.AddCommand(orgConfigInitCmd())
	return cfg
}

func orgConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show org config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				return printJSONOrTable(cc.Config)
			})
		},
	}
	return cmd
}

func orgConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import org config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				orgID := cfg.Organization.ID
				if orgID == "" {
					orgID = cc.OrgID
				}
				cfg.Organization.ID = orgID
				if err := cc.Repo.UpsertOrgConfig(ctx, orgID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func orgConfigInitCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default hsetrack.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orgID == "" {
				orgID = "default-org"
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org-id", "", "organization id to seed")
	return cmd
}

func orgMemberCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "member",
		Short: "Manage org members and roles",
	}
	m.AddCommand(orgMemberListCmd())
	m.AddCommand(orgMemberSetCmd())
	m.AddCommand(orgMemberRemoveCmd())
	return m
}

func orgMemberListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List org members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				members, err := cc.Repo.ListOrgMembers(ctx, cc.OrgID)
				if err != nil {
					return err
				}
				return printJSONOrTable(members)
			})
		},
	}
	return cmd
}

func orgMemberSetCmd() *cobra.Command {
	var target, role, name string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Assign a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := domain.Role(role)
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				tx, err := cc.Repo.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := cc.Repo.EnsureActor(ctx, tx, target, name, now); err != nil {
					return err
				}
				if err := cc.Repo.AssignOrgRole(ctx, tx, cc.OrgID, target, r); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "employee, supervisor, admin or client")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func orgMemberRemoveCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Revoke an actor's org role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				tx, err := cc.Repo.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := cc.Repo.RevokeOrgRole(ctx, tx, cc.OrgID, target); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := domain.Role(role)
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				secret, key, err := server.MintAPIKey(ctx, cc.Repo, actorID, r, cc.OrgID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&role, "role", "", "role carried by the key")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				keys, err := cc.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Org", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.OrgID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLI(cmd.Context(), func(ctx context.Context, cc cliContext) error {
				return cc.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			if _, _, err := app.ResolveOrgAndConfig(cmd.Context(), workspace, viper.GetString("org"), viper.GetString("actor-id"), r); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("HSETRACK_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("HSETRACK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   engine.New(conn),
				Tracker:  tracker.New(conn),
				Summary:  summary.New(conn),
				History:  history.Log{DB: conn},
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving HSE Track API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
