package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trainline/internal/app"
	"trainline/internal/auth"
	"trainline/internal/config"
	"trainline/internal/db"
	"trainline/internal/domain"
	"trainline/internal/engine"
	"trainline/internal/migrate"
	"trainline/internal/poller"
	"trainline/internal/repo"
	"trainline/internal/rows"
	"trainline/internal/server"
	trainlinesdk "trainline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Trainline CLI",
	Long: `Trainline curates training data for the transcription models.
- Session: a named batch of rows kept by the learning backend; one session is active at a time.
- Row: a source video (ytUrl) paired with its ground-truth document (actaName/docx); status moves idle -> downloading -> transcribing -> ready -> training -> done.
- Import: paste or load CSV text; spreadsheet exports with Archivo/Link headers and plain url,name lines are both understood.
- Run: DATA_PREP_ONLY prepares rows and may answer with a readiness report; FULL_TRAINING trains, resuming from prepared rows when any exist.
- Workspace: .trainline keeps a local copy of sessions, jobs and the event log so unsaved rows survive a restart (tl sync pushes them).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := loadDotEnv(workspace); err != nil {
			return err
		}
		level := slog.LevelWarn
		if viper.GetBool("verbose") {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		_, err := db.EnsureWorkspace(workspace)
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRAINLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/trainline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.BoolP("verbose", "v", false, "debug logging")
	flags.StringP("session", "s", "", "session id or name (default: active session)")
	flags.String("base-url", "", "gateway base URL (overrides config)")
	flags.String("tenant", "", "tenant id (overrides config)")
	flags.String("token", "", "bearer token (overrides config)")
	for _, name := range []string{"workspace", "config", "json", "verbose", "session", "base-url", "tenant", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	_ = viper.BindEnv("jwt-secret")
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(rowsCmd())
	rootCmd.AddCommand(attachCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- sessions ---

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Manage training sessions"}
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionCreateCmd())
	s.AddCommand(sessionDeleteCmd())
	s.AddCommand(sessionUseCmd())
	s.AddCommand(sessionShowCmd())
	return s
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				recs := e.Sessions.Records()
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"", "ID", "Name", "Rows", "Source", "Ground truth", "Prepared", "Unsaved"})
				for _, rec := range recs {
					st := domain.StatsOf(rec.Session.Rows)
					tw.AppendRow(table.Row{mark(rec.Active), rec.Session.ID, rec.Session.Name, st.Total, st.WithSource, st.WithGroundTruth, st.Prepared, mark(rec.Dirty)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and make it active",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Sessions.Create(ctx, name)
				if err := warn(err); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("created session %s (%s)\n", s.ID, s.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name (default: timestamped)")
	return cmd
}

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := app.ResolveSession(ctx, e, args[0])
				if err != nil {
					return err
				}
				if err := warn(e.Sessions.Delete(ctx, s.ID)); err != nil {
					return err
				}
				fmt.Printf("deleted session %s\n", s.ID)
				return nil
			})
		},
	}
}

func sessionUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <session>",
		Short: "Make a session the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := app.ResolveSession(ctx, e, args[0])
				if err != nil {
					return err
				}
				if err := warn(e.Sessions.Select(ctx, s.ID)); err != nil {
					return err
				}
				fmt.Printf("active session: %s (%s)\n", s.ID, s.Name)
				return nil
			})
		},
	}
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active (or --session) session with its rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e *engine.Engine, s domain.TrainingSession) error {
				if viper.GetBool("json") {
					return printJSON(s)
				}
				st := domain.StatsOf(s.Rows)
				fmt.Printf("%s  %s\n%d rows, %d with source, %d with ground truth, %d incomplete, %d prepared\n",
					s.ID, s.Name, st.Total, st.WithSource, st.WithGroundTruth, st.Incomplete, st.Prepared)
				printRows(s.Rows)
				return nil
			})
		},
	}
}

// --- rows ---

func rowsCmd() *cobra.Command {
	r := &cobra.Command{Use: "rows", Short: "Edit the rows of a session"}
	r.AddCommand(rowsListCmd())
	r.AddCommand(rowsAddCmd())
	r.AddCommand(rowsSetCmd())
	r.AddCommand(rowsDeleteCmd())
	r.AddCommand(rowsImportCmd())
	return r
}

func rowsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e *engine.Engine, s domain.TrainingSession) error {
				if viper.GetBool("json") {
					return printJSON(s.Rows)
				}
				printRows(s.Rows)
				return nil
			})
		},
	}
}

func rowsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add",
		Short: "Append an empty row",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e *engine.Engine, s domain.TrainingSession) error {
				row, err := e.Sessions.AddRow(ctx, s.ID)
				if err := warn(err); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(row)
				}
				fmt.Println(row.ID)
				return nil
			})
		},
	}
}

func rowsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <row-id> field=value...",
		Short: "Set row fields (ytUrl, actaName, status, progress, docx=null)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, e *engine.Engine, s domain.TrainingSession) error {
				if err := warn(e.Sessions.EditRow(ctx, s.ID, args[0], fields)); err != nil {
					return err
				}
				rs, err := e.Sessions.Rows(s.ID)
				if err != nil {
					return err
				}
				row, _ := rs.Get(args[0])
				return printJSONOrText(row, func() { printRows([]domain.TrainingRow{row}) })
			})
		},
	}
}

func rowsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <row-id>",
		Short: "Delete a row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e *engine.Engine, s domain.TrainingSession) error {
				return warn(e.Sessions.DeleteRow(ctx, s.ID, args[0]))
			})
		},
	}
}

func rowsImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Append rows from CSV text (--file, or stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(file)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, e *engine.Engine, s domain.TrainingSession) error {
				res, err := e.Sessions.Import(ctx, s.ID, string(text))
				if err := warn(err); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("imported %d rows (%s layout", len(res.Rows), res.Schema)
				if res.Dropped > 0 {
					fmt.Printf(", %d empty lines skipped", res.Dropped)
				}
				fmt.Println(")")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "CSV file, - for stdin")
	return cmd
}

func attachCmd() *cobra.Command {
	var rowID, file string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Upload the ground-truth document of a row",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, e *engine.Engine, s domain.TrainingSession) error {
				ref, err := e.Attach(ctx, s.ID, rowID, filepath.Base(file), content)
				if err != nil {
					return err
				}
				return printJSONOrText(ref, func() { fmt.Printf("uploaded %s (%d bytes) as %s\n", ref.Name, ref.Size, ref.S3Key) })
			})
		},
	}
	cmd.Flags().StringVar(&rowID, "row", "", "row id")
	cmd.Flags().StringVar(&file, "file", "", "document path (.docx or .pdf)")
	_ = cmd.MarkFlagRequired("row")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- runs ---

func planCmd() *cobra.Command {
	var modeFlag string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview the rows a run would submit",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(modeFlag)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, e *engine.Engine, s domain.TrainingSession) error {
				sub, err := e.Preview(s.ID, mode)
				if err != nil {
					return err
				}
				return printJSONOrText(sub, func() {
					fmt.Printf("mode %s, %d rows", sub.Mode, len(sub.Rows))
					if sub.ResumeFromCache {
						fmt.Print(", resuming from prepared rows")
					} else if sub.CacheAvailable {
						fmt.Print(", cache available")
					}
					fmt.Println()
					printRows(sub.Rows)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&modeFlag, "mode", "m", string(domain.ModeFullTraining), "DATA_PREP_ONLY|FULL_TRAINING")
	return cmd
}

func runCmd() *cobra.Command {
	var modeFlag string
	var wait bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Save the session and dispatch a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(modeFlag)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, e *engine.Engine, s domain.TrainingSession) error {
				res, err := e.RunPlan(ctx, s.ID, mode, wait)
				if err := warn(err); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.Report != nil:
					printReport(res.Report)
				case res.Final != nil:
					printResult(*res.Final)
				case res.JobID != "":
					fmt.Printf("job %s dispatched (%d rows); follow it with tl job watch\n", res.JobID, len(res.Submission.Rows))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&modeFlag, "mode", "m", string(domain.ModeFullTraining), "DATA_PREP_ONLY|FULL_TRAINING")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	return cmd
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Follow dispatched jobs"}
	j.AddCommand(jobWatchCmd())
	j.AddCommand(jobListCmd())
	return j
}

func jobWatchCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll a job (default: the latest of the session) until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e *engine.Engine, s domain.TrainingSession) error {
				res, err := e.WatchJob(ctx, s.ID, jobID)
				if err != nil {
					return err
				}
				return printJSONOrText(res, func() { printResult(res) })
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	return cmd
}

func jobListCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Jobs recorded in this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				jobs, err := r.ListJobs(ctx, viper.GetString("session"), n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Job", "Session", "Mode", "State", "Started", "Finished", "Error"})
				for _, j := range jobs {
					finished := ""
					if j.FinishedAt != nil {
						finished = *j.FinishedAt
					}
					tw.AppendRow(table.Row{j.ID, j.SessionID, j.Mode, j.State, j.StartedAt, finished, j.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of jobs")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push rows that could not be saved earlier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.Sessions.SyncDirty(ctx)
				if viper.GetBool("json") {
					out := map[string]any{"synced": n, "pending": e.Sessions.Dirty()}
					if err != nil {
						out["error"] = err.Error()
					}
					return printJSON(out)
				}
				fmt.Printf("synced %d sessions\n", n)
				return err
			})
		},
	}
}

// --- reviews ---

func reviewCmd() *cobra.Command {
	r := &cobra.Command{Use: "review", Short: "Human review of uncertain alignments"}
	r.AddCommand(reviewListCmd())
	r.AddCommand(reviewResolveCmd())
	return r
}

func reviewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Pending review items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.PendingReviews(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Score", "Created", "Reasoning"})
				for _, it := range items {
					score := ""
					if it.ValidationScore != nil {
						score = strconv.FormatFloat(*it.ValidationScore, 'f', 2, 64)
					}
					tw.AppendRow(table.Row{it.ID, score, it.CreatedAt, it.ValidationReasoning})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reviewResolveCmd() *cobra.Command {
	var decision, text string
	var start, end float64
	cmd := &cobra.Command{
		Use:   "resolve <queue-id>",
		Short: "Approve, reject or edit a review item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.ResolveReviewRequest{
				QueueID:  args[0],
				Decision: domain.ReviewDecision(strings.ToUpper(decision)),
			}
			if !req.Decision.Valid() {
				return fmt.Errorf("invalid --decision %q (APPROVE|REJECT|EDIT)", decision)
			}
			if cmd.Flags().Changed("text") {
				req.EditedText = &text
			}
			if cmd.Flags().Changed("start") {
				req.NewStart = &start
			}
			if cmd.Flags().Changed("end") {
				req.NewEnd = &end
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.ResolveReview(ctx, req); err != nil {
					return err
				}
				fmt.Printf("%s %s\n", strings.ToLower(string(req.Decision)), req.QueueID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE|REJECT|EDIT")
	cmd.Flags().StringVar(&text, "text", "", "edited text (EDIT)")
	cmd.Flags().Float64Var(&start, "start", 0, "new start seconds (EDIT)")
	cmd.Flags().Float64Var(&end, "end", 0, "new end seconds (EDIT)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

// --- log, config, auth ---

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything this workspace did: session changes, imports, failed saves, dispatched and finished jobs.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, viper.GetString("session"), evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Time", "Type", "Session", "Entity", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.SessionID, evt.EntityKind + ":" + evt.EntityID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Workspace config (trainline.yml)",
		Long:  "Config names the gateway, the tenant, how to authenticate, how often to poll jobs and which documents may be attached. TRAINLINE_* environment variables and a workspace .env override it.",
	}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var tenant string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default trainline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if tenant == "" {
				tenant = viper.GetString("tenant")
			}
			if tenant == "" {
				return fmt.Errorf("--tenant required")
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(tenant)), 0o644); err != nil {
				return err
			}
			if token := viper.GetString("token"); token != "" {
				if err := setEnvValue(filepath.Join(workspace, ".env"), "TRAINLINE_TOKEN", token); err != nil {
					return err
				}
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant-id", "", "tenant id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Auth.Token != "" {
				redacted.Auth.Token = "***"
			}
			if redacted.Auth.JWTSecret != "" {
				redacted.Auth.JWTSecret = "***"
			}
			return printJSON(redacted)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "Bearer tokens"}
	var ttl time.Duration
	var subject string
	token := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint a token from auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if subject == "" {
				subject = cfg.Auth.Subject
			}
			tok, err := auth.DevToken(cfg.Auth.JWTSecret, cfg.API.TenantID, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime, 0 for none")
	token.Flags().StringVar(&subject, "subject", "", "token subject (default auth.subject)")
	a.AddCommand(token)
	return a
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var anonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: e.Config.Auth.JWTSecret, AllowAnonymous: anonymous},
					Log:      e.Log,
				})
				if err != nil {
					return err
				}
				go server.NewWebhookDispatcher(e).Run(ctx)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Trainline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&anonymous, "allow-anonymous", false, "serve without auth when no jwt_secret is configured")
	return cmd
}

// --- helpers ---

func loadDotEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// setEnvValue writes key into a dotenv file, keeping the other entries.
func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}

// loadConfig reads trainline.yml and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("base-url"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := viper.GetString("tenant"); v != "" {
		cfg.API.TenantID = v
	}
	if v := viper.GetString("token"); v != "" {
		cfg.Auth.Token = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// withEngine opens the workspace, connects to the gateway and loads the
// session list. An unreachable gateway falls back to the local copy with a
// warning.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	token, err := app.BearerToken(cfg, time.Hour)
	if err != nil {
		return err
	}
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		client := trainlinesdk.New(cfg.API.BaseURL, cfg.API.TenantID)
		client.BearerToken = token
		client.Timeout = cfg.Timeout()
		e := engine.New(r.DB, cfg, client, slog.Default())
		defer e.Close()
		if err := warn(e.Load(ctx)); err != nil {
			return err
		}
		return fn(ctx, e)
	})
}

func withSession(ctx context.Context, fn func(context.Context, *engine.Engine, domain.TrainingSession) error) error {
	return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
		s, err := app.ResolveSession(ctx, e, viper.GetString("session"))
		if err != nil {
			return err
		}
		return fn(ctx, e, s)
	})
}

// warn prints non-fatal outcomes to stderr and swallows them.
func warn(err error) error {
	if engine.IsWarning(err) {
		fmt.Fprintln(os.Stderr, "warning:", err)
		return nil
	}
	return err
}

func parseMode(s string) (domain.ExecutionMode, error) {
	mode, ok := domain.ParseExecutionMode(s)
	if !ok {
		return "", fmt.Errorf("invalid --mode %q (DATA_PREP_ONLY|FULL_TRAINING)", s)
	}
	return mode, nil
}

// parseAssignments turns field=value pairs into row patch fields. progress
// is numeric, the literal null clears a field, anything else is a string.
func parseAssignments(args []string) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		switch {
		case v == "null":
			fields[k] = json.RawMessage("null")
		case k == rows.FieldProgress:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("progress must be a number: %w", err)
			}
			fields[k] = json.RawMessage(strconv.FormatFloat(f, 'f', -1, 64))
		default:
			raw, _ := json.Marshal(v)
			fields[k] = raw
		}
	}
	return fields, nil
}

func readInput(file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printRows(items []domain.TrainingRow) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Acta", "Source", "Document", "Status", "Progress"})
	for _, r := range items {
		doc := ""
		if r.Docx != nil {
			doc = r.Docx.Name
			if r.Docx.Uploading {
				doc += " (uploading)"
			}
		}
		progress := ""
		if r.Status.InFlight() {
			progress = fmt.Sprintf("%d%%", r.Progress)
		}
		tw.AppendRow(table.Row{r.ID, r.ActaName, r.YtURL, doc, r.Status, progress})
	}
	tw.Render()
}

func printReport(m *domain.ReportMetrics) {
	tw := newTable()
	tw.SetTitle("Readiness report")
	tw.AppendRows([]table.Row{
		{"Structural coverage", fmt.Sprintf("%.0f%%", m.StructuralCoveragePct)},
		{"Aligned pairs", m.TotalAlignedPairs},
		{"Static nodes", m.StaticNodes},
		{"Dynamic nodes", m.DynamicNodes},
	})
	tw.Render()
	if len(m.SamplePairs) == 0 {
		return
	}
	samples := newTable()
	samples.AppendHeader(table.Row{"Input", "Output", "Score"})
	for _, p := range m.SamplePairs {
		samples.AppendRow(table.Row{p.Input, p.Output, fmt.Sprintf("%.2f", p.Score)})
	}
	samples.Render()
}

func printResult(r poller.Result) {
	if r.Failed() {
		fmt.Printf("job %s failed: %s\n", r.JobID, r.Reason)
		return
	}
	fmt.Printf("job %s %s\n", r.JobID, strings.ToLower(string(r.State)))
	if r.Report != nil {
		printReport(r.Report)
	}
}

func printJSONOrText(v any, text func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	text()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func mark(b bool) string {
	if b {
		return "*"
	}
	return ""
}
