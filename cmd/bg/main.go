package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bulkgrid/internal/app"
	"bulkgrid/internal/config"
	"bulkgrid/internal/db"
	"bulkgrid/internal/engine"
	"bulkgrid/internal/migrate"
	"bulkgrid/internal/repo"
	"bulkgrid/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bg",
	Short: "Bulkgrid CLI",
	Long: `Bulkgrid builds bulk-editable attribute grids for compliance audits.
Core concepts:
- Workspace: your .bulkgrid directory holding the database; audit configs live in the DB.
- Audit: the engagement that owns all assessments, attribute definitions, and evidence.
- Assessment: one verification work item; statuses go Not Started -> In Progress -> In Review -> Completed, with Rework Needed and Deprecated as exits.
- Attributes: custom fields defined per assessment; definitions that agree on title, type, and constraints share one grid column across assessments.
- Preconditions: dropdown options can demand a comment, an evidence file, or a URL before the cell counts as satisfied.
- Matrix: the assembled grid (headers x rows) for bulk review, view with 'bg matrix show'.
- Event log: diary of changes, view with 'bg log tail'.`,
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
	viper.SetEnvPrefix("BULKGRID")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("audit", "", "audit id (overrides workspace default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("audit", rootCmd.PersistentFlags().Lookup("audit"))
}

func registerCommands() {
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(assessmentCmd())
	rootCmd.AddCommand(attrCmd())
	rootCmd.AddCommand(valueCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(commentCmd())
	rootCmd.AddCommand(matrixCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Manage audits"}
	a.AddCommand(auditListCmd())
	a.AddCommand(auditCreateCmd())
	a.AddCommand(auditShowCmd())
	a.AddCommand(auditUpdateCmd())
	a.AddCommand(auditDeleteCmd())
	a.AddCommand(auditConfigCmd())
	a.AddCommand(auditUseCmd())
	return a
}

func auditListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAudits(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func auditCreateCmd() *cobra.Command {
	var id, title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
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
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			a, err := e.InitAudit(cmd.Context(), id, title, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(a)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "audit id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func auditShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAudit(ctx, e.Config.Audit.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func auditUpdateCmd() *cobra.Command {
	var status string
	var description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update an audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var descPtr *string
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				if err := e.Repo.UpdateAudit(ctx, e.Config.Audit.ID, status, descPtr); err != nil {
					return err
				}
				a, err := e.Repo.GetAudit(ctx, e.Config.Audit.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (active, planned, archived)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func auditDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAudit(ctx, e.Config.Audit.ID)
			})
		},
	}
	return cmd
}

func auditUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current audit for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auditID := strings.TrimSpace(args[0])
			if auditID == "" {
				return fmt.Errorf("audit id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "BULKGRID_AUDIT", auditID); err != nil {
				return err
			}
			fmt.Printf("Set BULKGRID_AUDIT=%s in %s/.env\n", auditID, workspace)
			return nil
		},
	}
	return cmd
}

func auditConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage audit config",
	}
	cfg.AddCommand(auditConfigShowCmd())
	cfg.AddCommand(auditConfigImportCmd())
	return cfg
}

func auditConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show audit config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func auditConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import audit config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			auditID := cfg.Audit.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if auditID == "" {
					auditID = e.Config.Audit.ID
				}
				if err := e.Repo.UpsertAuditConfig(ctx, auditID, cfg); err != nil {
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

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show audit status",
		Long:  "The audit scoreboard: audit state plus assessment counts by status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAudit(ctx, e.Config.Audit.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountAssessmentsByStatus(ctx, a.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"audit_id":          a.ID,
					"status":            a.Status,
					"assessment_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Audit: %s (%s)\n", a.ID, a.Status)
				fmt.Println("Assessments:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func assessmentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "assessment",
		Short: "Manage assessments",
		Long:  "Assessments are the verification work items inside an audit. They flow Not Started -> In Progress -> In Review -> Completed; Rework Needed sends work back and Deprecated retires it for good.",
	}
	a.AddCommand(assessmentCreateCmd())
	a.AddCommand(assessmentListCmd())
	a.AddCommand(assessmentGetCmd())
	a.AddCommand(assessmentStatusCmd())
	return a
}

func assessmentCreateCmd() *cobra.Command {
	var opts engine.AssessmentCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an assessment",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.AuditID == "" {
					opts.AuditID = e.Config.Audit.ID
				}
				a, err := e.CreateAssessment(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AuditID, "audit", "", "audit id")
	cmd.Flags().StringVar(&opts.Slug, "slug", "", "slug (deterministic if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Type, "type", "", "assessment type (default Control)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func assessmentListCmd() *cobra.Command {
	var statuses, types []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assessments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssessments(ctx, e.Config.Audit.ID, repo.AssessmentQuery{
					Statuses: statuses,
					Types:    types,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Slug", "Title", "Type", "Status"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Slug, a.Title, a.Type, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&statuses, "status", []string{}, "status filter (repeatable)")
	cmd.Flags().StringArrayVar(&types, "type", []string{}, "type filter (repeatable)")
	return cmd
}

func assessmentGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAssessment(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func assessmentStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Update assessment status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAssessmentStatus(ctx, id, status, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func attrCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "attr",
		Short: "Manage attribute definitions",
		Long:  "Attribute definitions are the custom fields on an assessment. Definitions that agree on title, type, mandatory flag, default, and options share a single grid column. Dropdown options may carry precondition flags requiring a comment, evidence file, or URL.",
	}
	a.AddCommand(attrDefineCmd())
	a.AddCommand(attrApplyCmd())
	a.AddCommand(attrListCmd())
	return a
}

func attrDefineCmd() *cobra.Command {
	var opts engine.AttributeDefineOptions
	cmd := &cobra.Command{
		Use:   "define <assessment-id>",
		Short: "Define a local attribute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts.AssessmentID = id
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.DefineAttribute(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "attribute title")
	cmd.Flags().StringVar(&opts.Type, "type", "text", "attribute type (text, rich-text, date, checkbox, dropdown, multiselect, person)")
	cmd.Flags().BoolVar(&opts.Mandatory, "mandatory", false, "mandatory")
	cmd.Flags().StringVar(&opts.DefaultValue, "default", "", "default value")
	cmd.Flags().StringVar(&opts.MultiChoiceOptions, "options", "", "comma-separated options")
	cmd.Flags().StringVar(&opts.MultiChoiceMandatory, "options-mandatory", "", "comma-separated precondition flags (1 comment, 2 file, 4 url)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func attrApplyCmd() *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "apply <assessment-id>",
		Short: "Apply catalog templates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if len(names) == 0 {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defs, err := e.ApplyTemplates(ctx, id, names, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(defs)
			})
		},
	}
	cmd.Flags().StringArrayVar(&names, "name", []string{}, "catalog entry name (repeatable)")
	return cmd
}

func attrListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <assessment-id>",
		Short: "List attributes of an assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defs, err := e.Repo.ListDefinitionsByAssessment(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(defs)
			})
		},
	}
	return cmd
}

func valueCmd() *cobra.Command {
	v := &cobra.Command{Use: "value", Short: "Manage attribute values"}
	v.AddCommand(valueSetCmd())
	return v
}

func valueSetCmd() *cobra.Command {
	var value string
	var personID int64
	cmd := &cobra.Command{
		Use:   "set <definition-id>",
		Short: "Set an attribute value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := engine.ValueSetOptions{
				DefinitionID: id,
				ActorID:      viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("value") {
				opts.Value = &value
			}
			if cmd.Flags().Changed("person-id") {
				opts.PersonID = &personID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				val, err := e.SetAttributeValue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(val)
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "value text")
	cmd.Flags().Int64Var(&personID, "person-id", 0, "person id (for person attributes)")
	return cmd
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "evidence",
		Short: "Manage evidence",
		Long:  "Evidence entries are the files and URLs attached to an assessment; some dropdown options require them before completion.",
	}
	ev.AddCommand(evidenceAddCmd())
	ev.AddCommand(evidenceListCmd())
	return ev
}

func evidenceAddCmd() *cobra.Command {
	var kind, title, link string
	cmd := &cobra.Command{
		Use:   "add <assessment-id>",
		Short: "Attach evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.AddEvidence(ctx, id, kind, title, link, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "url", "evidence kind (url or file)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&link, "link", "", "link or file reference")
	_ = cmd.MarkFlagRequired("link")
	return cmd
}

func evidenceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <assessment-id>",
		Short: "List evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvidence(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func commentCmd() *cobra.Command {
	c := &cobra.Command{Use: "comment", Short: "Manage comments"}
	c.AddCommand(commentAddCmd())
	c.AddCommand(commentListCmd())
	return c
}

func commentAddCmd() *cobra.Command {
	var text string
	var definitionID int64
	cmd := &cobra.Command{
		Use:   "add <assessment-id>",
		Short: "Add a comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var defPtr *int64
			if cmd.Flags().Changed("definition") {
				defPtr = &definitionID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AddComment(ctx, id, defPtr, text, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	cmd.Flags().Int64Var(&definitionID, "definition", 0, "attribute definition id the comment answers")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func commentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <assessment-id>",
		Short: "List comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListComments(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func matrixCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "matrix",
		Short: "Attribute grid",
		Long:  "The assembled grid of shared attribute columns across assessments, ready for bulk review.",
	}
	m.AddCommand(matrixShowCmd())
	return m
}

func matrixShowCmd() *cobra.Command {
	var statuses, types []string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the attribute matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Search(ctx, e.Config.Audit.ID, engine.SearchQuery{
					Statuses: statuses,
					Types:    types,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"headers": res.Headers,
						"rows":    res.Rows,
					})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				header := table.Row{"Assessment", "Status"}
				for _, h := range res.Headers {
					title := h.Title
					if h.Mandatory {
						title += " *"
					}
					header = append(header, title)
				}
				tw.AppendHeader(header)
				for _, r := range res.Rows {
					row := table.Row{r.Title, r.Status}
					for _, c := range r.Cells {
						row = append(row, cellText(c.IsApplicable, c.Value))
					}
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&statuses, "status", []string{}, "status filter (repeatable)")
	cmd.Flags().StringArrayVar(&types, "type", []string{}, "type filter (repeatable)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: audit setup, status changes, attribute edits, evidence and comments.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Audit.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
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
			_, cfg, err := app.ResolveAuditAndConfig(cmd.Context(), auditOverride(workspace), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("BULKGRID_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				fmt.Println("warning: BULKGRID_JWT_SECRET not set, serving without authentication")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Bulkgrid API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	_, cfg, err := app.ResolveAuditAndConfig(ctx, auditOverride(workspace), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
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
	return fn(ctx, r)
}

// auditOverride resolves the target audit from the --audit flag, the
// BULKGRID_AUDIT env var, or the workspace .env file, in that order.
func auditOverride(workspace string) string {
	if v := strings.TrimSpace(viper.GetString("audit")); v != "" {
		return v
	}
	if v, err := readEnvValue(filepath.Join(workspace, ".env"), "BULKGRID_AUDIT"); err == nil && v != "" {
		return v
	}
	return ""
}

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

func cellText(applicable bool, value any) string {
	if !applicable {
		return "-"
	}
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func readEnvValue(path, key string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, key+"=") {
			return strings.TrimSpace(strings.TrimPrefix(line, key+"=")), nil
		}
	}
	return "", scanner.Err()
}
