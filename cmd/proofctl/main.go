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

	"github.com/coordline-dev/coordline/internal/access"
	"github.com/coordline-dev/coordline/internal/api"
	"github.com/coordline-dev/coordline/internal/app"
	"github.com/coordline-dev/coordline/internal/apikeys"
	"github.com/coordline-dev/coordline/internal/artifacts"
	"github.com/coordline-dev/coordline/internal/config"
	"github.com/coordline-dev/coordline/internal/db"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/engine"
	"github.com/coordline-dev/coordline/internal/migrate"
	"github.com/coordline-dev/coordline/internal/replay"
	"github.com/coordline-dev/coordline/internal/sweeper"
)

var rootCmd = &cobra.Command{
	Use:   "proofctl",
	Short: "coordline CLI",
	Long: `coordline runs admission, decision, and sweeper operations for
AI-agent command pipelines.
- Command: the logical request to do work; fans out to one or more runs.
- Card: the work-item view over a command, carrying its state machine.
- Decision: a structured request for a human to pick among enumerated
  options, with urgency and an optional auto-resolving fallback.
- Sweeper: the periodic pass that releases retries, expires stale
  decisions, reclaims abandoned claims, and sheds whenever-urgency
  backlog. Run it manually with 'proofctl sweep run' or leave 'proofctl
  serve' to drive it on its own ticker.`,
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
	viper.SetEnvPrefix("COORDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant-id", "local", "tenant identifier")
	rootCmd.PersistentFlags().String("project", "", "project id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant-id", rootCmd.PersistentFlags().Lookup("tenant-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectAddMemberCmd())
	prj.AddCommand(projectRemoveMemberCmd())
	prj.AddCommand(projectListMembersCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init <project-id>",
		Short: "Create a workspace-local project and its first owner (local/dev only)",
		Long:  "Seeds a project + first owner membership directly in the workspace DB, for local development. The authenticated init_project HTTP operation never auto-provisions.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			if name == "" {
				name = projectID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, created, err := app.EnsureLocalProject(ctx, e.DB, viper.GetString("tenant-id"), projectID, name, viper.GetString("actor-id"), time.Now().UnixMilli())
				if err != nil {
					return err
				}
				if !created && !viper.GetBool("json") {
					fmt.Println("project already exists")
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project display name (defaults to the project id)")
	return cmd
}

func projectAddMemberCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "add-member <user-id>",
		Short: "Add a project member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := requireProject(e)
				if err != nil {
					return err
				}
				return e.AddMember(ctx, viper.GetString("tenant-id"), projectID, userID, access.Role(role))
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(access.RoleOperator), "role: owner, operator, viewer, or bot")
	return cmd
}

func projectRemoveMemberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-member <user-id>",
		Short: "Remove a project member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := requireProject(e)
				if err != nil {
					return err
				}
				return e.RemoveMember(ctx, projectID, userID)
			})
		},
	}
	return cmd
}

func projectListMembersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-members",
		Short: "List project members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := requireProject(e)
				if err != nil {
					return err
				}
				members, err := e.ListMembers(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(members)
			})
		},
	}
	return cmd
}

// --- card ---

func cardCmd() *cobra.Command {
	c := &cobra.Command{Use: "cards", Short: "Inspect cards"}
	c.AddCommand(cardListCmd())
	c.AddCommand(cardGetCmd())
	return c
}

func cardListCmd() *cobra.Command {
	var states []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := requireProject(e)
				if err != nil {
					return err
				}
				cards, err := e.ListCards(ctx, projectID, states)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Card ID", "State", "Title", "Command Type", "Attempt"})
				for _, c := range cards {
					tw.AppendRow(table.Row{c.CardID, c.State, c.Title, c.CommandType, c.Attempt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&states, "state", nil, "state filter (repeatable)")
	return cmd
}

func cardGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <card-id>",
		Short: "Get a card by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCard(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

// --- decision ---

func decisionCmd() *cobra.Command {
	d := &cobra.Command{Use: "decisions", Short: "Manage decisions"}
	d.AddCommand(decisionPendingCmd())
	d.AddCommand(decisionClaimCmd())
	d.AddCommand(decisionRenderCmd())
	d.AddCommand(decisionDetailCmd())
	return d
}

func decisionPendingCmd() *cobra.Command {
	var urgency string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending decisions, ordered by urgency then age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := requireProject(e)
				if err != nil {
					return err
				}
				ds, err := e.PendingDecisions(ctx, projectID, urgency)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Decision ID", "Urgency", "Title", "Claimed By", "Expires At"})
				for _, d := range ds {
					tw.AppendRow(table.Row{d.DecisionID, d.Urgency, d.Title, d.ClaimedBy, formatTS(d.ExpiresAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&urgency, "urgency", "", "urgency filter: now, today, or whenever")
	return cmd
}

func decisionClaimCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "claim <decision-id>",
		Short: "Claim a decision for rendering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := requireProject(e)
				if err != nil {
					return err
				}
				result, err := e.ClaimDecision(ctx, projectID, args[0], viper.GetString("actor-id"), ttl)
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "claim duration (defaults to the configured claim TTL)")
	return cmd
}

func decisionRenderCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "render <decision-id> <option-key>",
		Short: "Render a decision with the chosen option",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := requireProject(e)
				if err != nil {
					return err
				}
				result, err := e.RenderDecision(ctx, projectID, args[0], args[1], note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "optional rationale recorded on the render event")
	return cmd
}

func decisionDetailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detail <decision-id>",
		Short: "Show the full context bundle for a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := requireProject(e)
				if err != nil {
					return err
				}
				bundle, err := e.DecisionDetail(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(bundle)
			})
		},
	}
	return cmd
}

// --- events ---

func eventCmd() *cobra.Command {
	e := &cobra.Command{Use: "events", Short: "Inspect and archive the event log"}
	e.AddCommand(eventTailCmd())
	e.AddCommand(eventArchiveCmd())
	e.AddCommand(eventRebuildCmd())
	e.AddCommand(eventRestoreCmd())
	return e
}

func eventTailCmd() *cobra.Command {
	var correlationID string
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent events for a project, optionally scoped to one correlation id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := requireProject(e)
				if err != nil {
					return err
				}
				if correlationID != "" {
					evts, err := e.EventsByCorrelation(ctx, projectID, correlationID)
					if err != nil {
						return err
					}
					return printEvents(evts)
				}
				evts, err := collectEventsByTSRange(ctx, e, projectID, 0, time.Now().UnixMilli())
				if err != nil {
					return err
				}
				if limit > 0 && len(evts) > limit {
					evts = evts[len(evts)-limit:]
				}
				return printEvents(evts)
			})
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation", "", "correlation id filter")
	cmd.Flags().IntVar(&limit, "n", 50, "number of events")
	return cmd
}

func eventArchiveCmd() *cobra.Command {
	var dateStr string
	var out string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Write a day's events for a project to an NDJSON archive file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dateStr == "" {
				return fmt.Errorf("--date required (YYYY-MM-DD)")
			}
			day, err := time.Parse("2006-01-02", dateStr)
			if err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
			sinceTS := day.UTC().UnixMilli()
			untilTS := day.UTC().AddDate(0, 0, 1).UnixMilli()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := requireProject(e)
				if err != nil {
					return err
				}
				all, err := collectEventsByTSRange(ctx, e, projectID, sinceTS, untilTS)
				if err != nil {
					return err
				}
				if out == "" {
					out = fmt.Sprintf("%s-%s.ndjson", projectID, dateStr)
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := replay.WriteArchive(f, all); err != nil {
					return err
				}
				fmt.Printf("wrote %d events to %s\n", len(all), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dateStr, "date", "", "date to archive, YYYY-MM-DD (UTC)")
	cmd.Flags().StringVar(&out, "out", "", "output file path (defaults to <project>-<date>.ndjson)")
	return cmd
}

func eventRebuildCmd() *cobra.Command {
	var sinceStr, untilStr string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Replay a project's live events back through the projectors to repair its read model",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := requireProject(e)
				if err != nil {
					return err
				}
				var untilTS int64 = time.Now().UnixMilli()
				if untilStr != "" {
					day, err := time.Parse("2006-01-02", untilStr)
					if err != nil {
						return fmt.Errorf("invalid --until: %w", err)
					}
					untilTS = day.UTC().UnixMilli()
				}
				from := replay.Cursor{}
				if sinceStr != "" {
					day, err := time.Parse("2006-01-02", sinceStr)
					if err != nil {
						return fmt.Errorf("invalid --since: %w", err)
					}
					from.TS = day.UTC().UnixMilli()
				}
				cursor, n, err := e.RebuildReadModel(ctx, projectID, from, untilTS)
				if err != nil {
					return err
				}
				fmt.Printf("replayed %d events, cursor now at ts=%d after=%s\n", n, cursor.TS, cursor.AfterEventID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sinceStr, "since", "", "resume from this date, YYYY-MM-DD (UTC); defaults to the start of the log")
	cmd.Flags().StringVar(&untilStr, "until", "", "replay up to this date, YYYY-MM-DD (UTC); defaults to now")
	return cmd
}

func eventRestoreCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Read an NDJSON archive and replay its events through the projectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" {
				return fmt.Errorf("--in required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := os.Open(in)
				if err != nil {
					return err
				}
				defer f.Close()
				events, err := replay.ReadArchive(f)
				if err != nil {
					return err
				}
				n, err := e.RestoreArchive(ctx, events)
				if err != nil {
					return err
				}
				fmt.Printf("restored %d events from %s\n", n, in)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "archive file to restore (as written by 'events archive')")
	return cmd
}

func collectEventsByTSRange(ctx context.Context, e engine.Engine, projectID string, sinceTS, untilTS int64) ([]domain.Event, error) {
	const batchSize = 100
	var all []domain.Event
	afterEventID := ""
	for {
		batch, err := e.EventsByTSRange(ctx, projectID, sinceTS, untilTS, afterEventID, batchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		sinceTS = batch[len(batch)-1].TS
		afterEventID = batch[len(batch)-1].ID
		if len(batch) < batchSize {
			break
		}
	}
	return all, nil
}

// --- apikey ---

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys (the bot-identity auth path)"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw, key, err := apikeys.Issue(ctx, e.DB, viper.GetString("tenant-id"), userID, name, time.Now().UnixMilli())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "raw_key": raw})
				}
				fmt.Printf("key_id: %s\nraw_key: %s (shown once, store it now)\n", key.KeyID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user to issue the key for")
	cmd.Flags().StringVar(&name, "name", "", "human-readable label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := apikeys.ListForUser(ctx, e.DB, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return apikeys.Revoke(ctx, e.DB, args[0])
			})
		},
	}
	return cmd
}

// --- sweep ---

func sweepCmd() *cobra.Command {
	s := &cobra.Command{Use: "sweep", Short: "Drive the periodic liveness pass"}
	s.AddCommand(sweepRunCmd())
	return s
}

func sweepRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sweep pass now and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sw := sweeperFor(e)
				report, err := sw.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

// --- status ---

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show card counts by state and the last sweep time for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := requireProject(e)
				if err != nil {
					return err
				}
				st, err := e.Status(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Project: %s\n", st.ProjectID)
				fmt.Println("Cards:")
				for state, n := range st.CardsByState {
					fmt.Printf("  %s: %d\n", state, n)
				}
				if st.LastSweptTS > 0 {
					fmt.Printf("Last swept: %s\n", formatTS(st.LastSweptTS))
				} else {
					fmt.Println("Last swept: never")
				}
				return nil
			})
		},
	}
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect or generate the workspace config"}
	c.AddCommand(configShowCmd())
	c.AddCommand(configInitCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default coordline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
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

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server, with the sweeper running on its own ticker",
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
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, artifacts.NewLocalProvider(cfg.Artifacts.LocalDir))
			sw := sweeperFor(e)

			authCfg := api.AuthConfig{JWTSecret: os.Getenv("COORDLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("COORDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := api.New(api.Config{Engine: e, Sweeper: sw, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			sweepCtx, cancelSweep := context.WithCancel(context.Background())
			go sw.Run(sweepCtx, cfg.Sweeper.Interval)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				cancelSweep()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving coordline API on http://%s%s (sweep interval %s)\n", addr, basePath, cfg.Sweeper.Interval)
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

func sweeperFor(e engine.Engine) sweeper.Sweeper {
	thresholds := sweeper.DefaultThresholds()
	if e.Config != nil {
		thresholds = sweeper.Thresholds{DeferCount: e.Config.Decisions.DeferThreshold, EmergencyCount: e.Config.Decisions.EmergencyThreshold}
	}
	return sweeper.New(e.DB, e.Log, thresholds, nil)
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
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, artifacts.NewLocalProvider(cfg.Artifacts.LocalDir))
	return fn(ctx, e)
}

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func requireProject(e engine.Engine) (string, error) {
	projectID := strings.TrimSpace(viper.GetString("project"))
	if projectID == "" {
		return "", fmt.Errorf("project not specified; use --project or set COORDLINE_PROJECT")
	}
	return projectID, nil
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

func formatTS(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func printEvents(events []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(events)
	}
	if len(events) == 0 {
		fmt.Println("no events")
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"TS", "Type", "Command", "Card", "Decision", "Correlation"})
	for _, ev := range events {
		tw.AppendRow(table.Row{formatTS(ev.TS), ev.Type, ev.CommandID, ev.CardID, ev.DecisionID, ev.CorrelationID})
	}
	tw.Render()
	return nil
}

