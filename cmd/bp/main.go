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

	"batipay/internal/app"
	"batipay/internal/config"
	"batipay/internal/db"
	"batipay/internal/domain"
	"batipay/internal/engine"
	"batipay/internal/objects"
	"batipay/internal/repo"
	"batipay/internal/server"

	"github.com/google/uuid"
)

var rootCmd = &cobra.Command{
	Use:   "bp",
	Short: "BatiPay CLI",
	Long: `BatiPay runs the escrow and milestone-release workflow for construction projects.
- Workspace: the .batipay directory holding the SQLite ledger; batipay.yml configures
  escrow policy, expense categories, object storage and webhooks.
- Projects: a client posts a budgeted project, providers apply, one gets hired.
- Expenses: the hired provider submits milestone expenses; the client approves or
  rejects them. Approvals never exceed the project budget.
- Audit log: every decision lands in the events table; view with 'bp log tail'.`,
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
	viper.SetEnvPrefix("BATIPAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "client", "actor role (client|provider|admin)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(applicantsCmd())
	rootCmd.AddCommand(hireCmd())
	rootCmd.AddCommand(expenseCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() domain.Actor {
	return domain.Actor{ID: viper.GetString("actor-id"), Role: viper.GetString("role")}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectPublishCmd())
	prj.AddCommand(projectCloseCmd())
	prj.AddCommand(projectCancelCmd())
	prj.AddCommand(projectSummaryCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var title, city, desc string
	var budget int64
	var draft bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					Title:       title,
					City:        city,
					Budget:      budget,
					Description: desc,
					Draft:       draft,
				}, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "project title")
	cmd.Flags().StringVar(&city, "city", "", "project city")
	cmd.Flags().Int64Var(&budget, "budget", 0, "budget in minor units (XAF)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().BoolVar(&draft, "draft", false, "create as draft")
	return cmd
}

func projectListCmd() *cobra.Command {
	var owner, provider, status, city string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{
					OwnerID:    owner,
					ProviderID: provider,
					Status:     status,
					City:       city,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "City", "Budget", "Status", "Provider"})
				for _, p := range items {
					prov := ""
					if p.ProviderID != nil {
						prov = *p.ProviderID
					}
					tw.AppendRow(table.Row{p.ID, p.Title, p.City, p.Budget, p.Status, prov})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner filter")
	cmd.Flags().StringVar(&provider, "provider", "", "provider filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&city, "city", "", "city filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectActionCmd(use, short string, fn func(engine.Engine) func(context.Context, string, domain.Actor) (domain.Project, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := fn(e)(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectPublishCmd() *cobra.Command {
	return projectActionCmd("publish", "Open a draft for applications", func(e engine.Engine) func(context.Context, string, domain.Actor) (domain.Project, error) {
		return e.PublishProject
	})
}

func projectCloseCmd() *cobra.Command {
	return projectActionCmd("close", "Complete an in-progress project", func(e engine.Engine) func(context.Context, string, domain.Actor) (domain.Project, error) {
		return e.CloseProject
	})
}

func projectCancelCmd() *cobra.Command {
	return projectActionCmd("cancel", "Cancel a project", func(e engine.Engine) func(context.Context, string, domain.Actor) (domain.Project, error) {
		return e.CancelProject
	})
}

func projectSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <project-id>",
		Short: "Escrow position snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ProjectSummary(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project", "Status", "Budget", "Approved", "Pending", "% Used"})
				tw.AppendRow(table.Row{s.Project.Title, s.Project.Status, s.Project.Budget, s.TotalApproved, s.TotalPending, s.PercentBudgetUsed})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func applyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <project-id>",
		Short: "Apply to a project as the acting provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Apply(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func applicantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "applicants <project-id>",
		Short: "List pending applicants with profiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPendingApplicants(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Application", "Provider", "Name", "City", "Rating", "Jobs"})
				for _, a := range items {
					name, city, rating, jobs := "", "", "", ""
					if a.Profile != nil {
						name = a.Profile.DisplayName
						city = a.Profile.City
						rating = fmt.Sprintf("%.1f", float64(a.Profile.RatingTenths)/10)
						jobs = fmt.Sprintf("%d", a.Profile.JobsCompleted)
					}
					tw.AppendRow(table.Row{a.Application.ID, a.Application.ProviderID, name, city, rating, jobs})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func hireCmd() *cobra.Command {
	var application string
	cmd := &cobra.Command{
		Use:   "hire <project-id>",
		Short: "Hire an applicant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if application == "" {
				return fmt.Errorf("--application required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Hire(ctx, args[0], application, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&application, "application", "", "application id to accept")
	return cmd
}

func expenseCmd() *cobra.Command {
	exp := &cobra.Command{Use: "expense", Short: "Manage milestone expenses"}
	exp.AddCommand(expenseSubmitCmd())
	exp.AddCommand(expenseListCmd())
	exp.AddCommand(expenseApproveCmd())
	exp.AddCommand(expenseRejectCmd())
	return exp
}

func expenseSubmitCmd() *cobra.Command {
	var project, category, desc string
	var amount int64
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an expense",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.SubmitExpense(ctx, engine.ExpenseSubmitOptions{
					ProjectID:   project,
					Amount:      amount,
					Category:    category,
					Description: desc,
				}, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units (XAF)")
	cmd.Flags().StringVar(&category, "category", "", "expense category")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	return cmd
}

func expenseListCmd() *cobra.Command {
	var project, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List expenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListExpenses(ctx, project, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Amount", "Category", "Status", "Decided"})
				for _, x := range items {
					decided := ""
					if x.DecidedAt != nil {
						decided = *x.DecidedAt
					}
					tw.AppendRow(table.Row{x.ID, x.Amount, x.Category, x.Status, decided})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func expenseApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <expense-id>",
		Short: "Approve an expense and release funds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.ApproveExpense(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	return cmd
}

func expenseRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <expense-id>",
		Short: "Reject an expense",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.RejectExpense(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	return cmd
}

func profileCmd() *cobra.Command {
	prof := &cobra.Command{Use: "profile", Short: "Provider profiles"}
	prof.AddCommand(profileSetCmd())
	prof.AddCommand(profileShowCmd())
	return prof
}

func profileSetCmd() *cobra.Command {
	var name, city string
	var rating, jobs int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update the acting provider's profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateProfile(ctx, domain.Profile{
					ActorID:       viper.GetString("actor-id"),
					DisplayName:   name,
					City:          city,
					RatingTenths:  rating,
					JobsCompleted: jobs,
				}, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&city, "city", "", "city")
	cmd.Flags().IntVar(&rating, "rating-tenths", 0, "rating in tenths (0-50)")
	cmd.Flags().IntVar(&jobs, "jobs-completed", 0, "completed job count")
	return cmd
}

func profileShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <actor-id>",
		Short: "Show a provider profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProfile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Role:    role,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"role":     key.Role,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&role, "role", "", "role (client|provider|admin)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default batipay.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
		Long:  "The ledger's diary: project lifecycle, hiring decisions, expense approvals and payout intents.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var project, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, project, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&project, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withObjects bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer appCtx.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("BATIPAY_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BATIPAY_JWT_SECRET is required for bearer auth")
			}
			var store objects.Store
			if withObjects {
				store, err = objects.NewS3Store(cmd.Context(), appCtx.Config)
				if err != nil {
					return err
				}
			}
			handler, err := server.New(server.Config{
				Engine:   appCtx.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Objects:  store,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), appCtx.Engine)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving BatiPay API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&withObjects, "objects", false, "enable S3-backed image uploads")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	appCtx, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer appCtx.Close()
	return fn(ctx, appCtx.Engine)
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
