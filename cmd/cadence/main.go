package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/app"
	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/migrate"
	"cadence/internal/repo"
	"cadence/internal/scheduler"
	"cadence/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Cadence CLI",
	Long: `Cadence keeps recurring household and team chores on schedule.
- Templates: recurring rules (daily, weekly, monthly, yearly, custom) that generate one task at a time.
- Tasks: work items with a due date; completing a generated task produces the next one.
- Reschedule requests: ask for more time; an approver decides, or the request auto-approves when it expires.
- Sweep: the periodic job that auto-approves expired requests ('cadence sweep --watch' or 'cadence serve').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		logger, err := newLogger(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
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
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CADENCE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organization id (defaults to the workspace's only organization)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create cadence.yml and the workspace organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if _, err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			orgID := viper.GetString("org")
			if orgID == "" {
				orgID = "default"
			}
			if err := app.InitOrg(cmd.Context(), repo.New(conn), orgID, name, viper.GetString("actor-id")); err != nil {
				return err
			}
			fmt.Printf("Organization %s ready, owner %s\n", orgID, viper.GetString("actor-id"))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "organization display name")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate cadence.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]bool{"valid": true})
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cmd
}

func sweepCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Auto-approve expired reschedule requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if !watch {
					res, err := ws.Engine.SweepExpired(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(res)
				}
				sw, err := scheduler.New(ws.Engine, ws.Config.Sweep.Schedule, ws.Config.Location(), slog.Default())
				if err != nil {
					return err
				}
				sw.Start(ctx)
				slog.Info("sweeping on schedule", slog.String("schedule", ws.Config.Sweep.Schedule))
				<-ctx.Done()
				sw.Stop()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running on the configured sweep schedule")
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage organization roles",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "grant <actor-id> <role>",
		Short: "Grant a role to an actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if err := app.GrantRole(ctx, ws, viper.GetString("actor-id"), args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Granted %s to %s in %s\n", args[1], args[0], ws.OrgID)
				return nil
			})
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	var sub, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sub == "" {
				sub = viper.GetString("actor-id")
			}
			tok, err := server.SignToken(viper.GetString("jwt-secret"), sub, viper.GetString("org"), role, ttl, time.Now())
			if err != nil {
				return fmt.Errorf("%w (set CADENCE_JWT_SECRET)", err)
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringVar(&role, "role", "", "informative role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the expiry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context(), prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer ws.Close()
			logger := slog.Default()
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CADENCE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				OrgID:    ws.OrgID,
				BasePath: basePath,
				Auth:     authCfg,
				Gatherer: prometheus.DefaultGatherer,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			if ws.Config.Sweep.Enabled {
				sw, err := scheduler.New(ws.Engine, ws.Config.Sweep.Schedule, ws.Config.Location(), logger)
				if err != nil {
					return err
				}
				sw.Start(cmd.Context())
				defer sw.Stop()
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Cadence API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without a token")
	return cmd
}

// --- helpers ---

func openWorkspace(ctx context.Context, reg prometheus.Registerer) (*app.Workspace, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		OrgID:      viper.GetString("org"),
		ActorID:    viper.GetString("actor-id"),
		Logger:     slog.Default(),
		Registerer: reg,
	})
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := openWorkspace(ctx, nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
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

// parseDate accepts YYYY-MM-DD (midnight in loc) or RFC3339.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC3339", s)
	}
	return t, nil
}

func formatDate(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format("2006-01-02")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalInt(cmd *cobra.Command, flag string, v int) *int {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &v
}
