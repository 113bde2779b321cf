package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"actifix/internal/config"
	"actifix/internal/db"
	"actifix/internal/domain"
	"actifix/internal/fixer"
	"actifix/internal/migrate"
	"actifix/internal/processor"
	"actifix/internal/repo"
	"actifix/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "af",
	Short: "Actifix CLI",
	Long: `Actifix is a self-healing error ticket repository.
Services report runtime errors as tickets; workers claim tickets under
lease-based locks, generate fixes, and close them through a completion
quality gate. Duplicate reports are fingerprinted and suppressed.
The workspace is the .actifix directory next to your project: one
SQLite database shared by every process, plus the dispatch lock file.`,
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
	viper.SetEnvPrefix("ACTIFIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "", "agent identifier (default: generated)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(renewCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(quarantineCmd())
	rootCmd.AddCommand(priorityCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := migrate.OpenWorkspace(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			fmt.Printf("Workspace ready: %s\n", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	var message, source, errorType, stackTrace, systemState string
	var fileContextPath string
	var priority int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report an error as a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				t := domain.Ticket{
					Message:   message,
					Source:    source,
					ErrorType: errorType,
					Priority:  priority,
				}
				if stackTrace != "" {
					t.StackTrace = &stackTrace
				}
				if systemState != "" {
					t.SystemState = &systemState
				}
				if fileContextPath != "" {
					data, err := os.ReadFile(fileContextPath)
					if err != nil {
						return err
					}
					fc := string(data)
					t.FileContext = &fc
				}
				created, err := r.Create(ctx, &t)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"created": created, "ticket": t})
				}
				if !created {
					fmt.Println("Duplicate suppressed: an unresolved ticket already covers this error.")
					return nil
				}
				fmt.Printf("Created %s (%s)\n", t.ID, domain.PriorityLabel(t.Priority))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "error message")
	cmd.Flags().StringVar(&source, "source", "", "originating service or component")
	cmd.Flags().StringVar(&errorType, "error-type", "", "error class (default: error)")
	cmd.Flags().IntVarP(&priority, "priority", "p", domain.PriorityP2, "priority 0..4 (P0 most urgent)")
	cmd.Flags().StringVar(&stackTrace, "stack-trace", "", "stack trace text")
	cmd.Flags().StringVar(&fileContextPath, "file-context", "", "path to a file with surrounding code context")
	cmd.Flags().StringVar(&systemState, "system-state", "", "system state JSON")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func listCmd() *cobra.Command {
	var status, source string
	var priority, limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				f := repo.Filters{Status: status, Source: source, Limit: limit}
				if cmd.Flags().Changed("priority") {
					f.Priority = &priority
				}
				if cursor != "" {
					parts := strings.SplitN(cursor, "|", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid cursor")
					}
					f.CursorCreatedAt, f.CursorID = parts[0], parts[1]
				}
				tickets, err := r.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tickets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Pri", "Status", "Source", "Att", "Locked By", "Message"})
				for _, t := range tickets {
					lockedBy := ""
					if t.LockedBy != nil {
						lockedBy = *t.LockedBy
					}
					tw.AppendRow(table.Row{
						t.ID, domain.PriorityLabel(t.Priority), t.Status, t.Source,
						t.Attempts, lockedBy, truncate(t.Message, 60),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (open, in_progress, completed, deleted, quarantined)")
	cmd.Flags().StringVar(&source, "source", "", "source filter")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority filter 0..4")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&cursor, "cursor", "", "keyset cursor from a previous page")
	return cmd
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				t, err := r.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func nextCmd() *cobra.Command {
	var leaseSeconds int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the next eligible ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				lease := cfg.Processor.LeaseDuration.Std()
				if leaseSeconds > 0 {
					lease = time.Duration(leaseSeconds) * time.Second
				}
				t, err := r.GetAndLockNext(ctx, resolveAgentID(), lease)
				if err != nil {
					return err
				}
				if t == nil {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"ticket": nil})
					}
					fmt.Println("No open tickets.")
					return nil
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().IntVar(&leaseSeconds, "lease-seconds", 0, "lease duration (default: processor.lease_duration)")
	return cmd
}

func renewCmd() *cobra.Command {
	var leaseSeconds int
	cmd := &cobra.Command{
		Use:   "renew <id>",
		Short: "Renew a held lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				lease := cfg.Processor.LeaseDuration.Std()
				if leaseSeconds > 0 {
					lease = time.Duration(leaseSeconds) * time.Second
				}
				info, err := r.RenewLock(ctx, args[0], resolveAgentID(), lease)
				if err != nil {
					return err
				}
				if info == nil {
					return fmt.Errorf("lease is not held by %s", resolveAgentID())
				}
				return printJSONOrIndent(info)
			})
		},
	}
	cmd.Flags().IntVar(&leaseSeconds, "lease-seconds", 0, "lease duration (default: processor.lease_duration)")
	return cmd
}

func releaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release a held lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				released, err := r.ReleaseLock(ctx, args[0], resolveAgentID())
				if err != nil {
					return err
				}
				if !released {
					return fmt.Errorf("lease is not held by %s", resolveAgentID())
				}
				fmt.Printf("Released %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func completeCmd() *cobra.Command {
	var summary, testSteps, testResults string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a ticket through the quality gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				done, err := r.MarkComplete(ctx, args[0], domain.CompletionReport{
					Summary:     summary,
					TestSteps:   testSteps,
					TestResults: testResults,
				})
				if err != nil {
					return err
				}
				if !done {
					return fmt.Errorf("ticket %s is not open or in progress", args[0])
				}
				fmt.Printf("Completed %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "what was fixed")
	cmd.Flags().StringVar(&testSteps, "test-steps", "", "how the fix was verified")
	cmd.Flags().StringVar(&testResults, "test-results", "", "verification outcome")
	_ = cmd.MarkFlagRequired("summary")
	_ = cmd.MarkFlagRequired("test-steps")
	_ = cmd.MarkFlagRequired("test-results")
	return cmd
}

func deleteCmd() *cobra.Command {
	var hard bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a ticket (soft by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				done, err := r.Delete(ctx, args[0], !hard)
				if err != nil {
					return err
				}
				if !done {
					return fmt.Errorf("ticket %s not found", args[0])
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "remove the row instead of marking deleted")
	return cmd
}

func quarantineCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "quarantine <id>",
		Short: "Quarantine a ticket that keeps failing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				done, err := r.Quarantine(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if !done {
					return fmt.Errorf("ticket %s is not open or in progress", args[0])
				}
				fmt.Printf("Quarantined %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the ticket is quarantined")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func priorityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "priority <id> <0..4>",
		Short: "Set a ticket's priority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(args[1]), "P"))
			if err != nil {
				return fmt.Errorf("invalid priority %q", args[1])
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				if err := r.UpdatePriority(ctx, args[0], p); err != nil {
					return err
				}
				fmt.Printf("Set %s to %s\n", args[0], domain.PriorityLabel(p))
				return nil
			})
		},
	}
	return cmd
}

func cleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim expired leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				n, err := r.CleanupExpiredLocks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"reclaimed": n})
				}
				fmt.Printf("Reclaimed %d expired lease(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Ticket counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				s, err := r.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				tw.AppendRow(table.Row{"open", s.Open})
				tw.AppendRow(table.Row{"in_progress", s.InProgress})
				tw.AppendRow(table.Row{"completed", s.Completed})
				tw.AppendRow(table.Row{"quarantined", s.Quarantined})
				tw.AppendRow(table.Row{"deleted", s.Deleted})
				tw.AppendFooter(table.Row{"total", s.Total})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var fixCmd string
	var dryRun bool
	var workers int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ticket processing loop",
		Long: `Claims tickets highest priority first and hands each to the fix
command, which receives the ticket JSON on stdin and prints the fix on
stdout. Successful fixes complete the ticket; failures advance the
attempt counter until the ticket is quarantined.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !dryRun && strings.TrimSpace(fixCmd) == "" {
				return fmt.Errorf("--fix-cmd required (or use --dry-run)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRepo(ctx, func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				var fx fixer.Fixer
				if dryRun {
					fx = fixer.Static(domain.FixResult{
						Success:  true,
						Content:  "dry run: no remediation attempted, ticket closed for pipeline testing",
						Provider: "dry-run",
					})
				} else {
					parts := strings.Fields(fixCmd)
					fx = fixer.Command(parts[0], parts[1:]...)
				}
				if workers > 0 {
					cfg.Processor.Workers = workers
				}
				log := newLogger()
				p := processor.New(r, fx, cfg.Processor, resolveAgentID(),
					db.LockPath(viper.GetString("workspace")), log)
				log.Info("processor starting", "agent", p.AgentID, "workers", cfg.Processor.Workers, "fixer", fx.Name())
				return p.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&fixCmd, "fix-cmd", "", "remediation command (ticket JSON on stdin, fix on stdout)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "complete tickets without running a fix command")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count (default: processor.workers)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP intake API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRepo(ctx, func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				if addr == "" {
					addr = cfg.Server.Listen
				}
				log := newLogger()
				jwtSecret := cfg.Server.JWTSecret
				if env := os.Getenv("ACTIFIX_JWT_SECRET"); env != "" {
					jwtSecret = env
				}
				handler, err := server.New(server.Config{
					Repo:     r,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              jwtSecret,
						AllowLegacyAgentHeader: cfg.Server.AllowLegacyAgentHeader,
						Logger:                 log,
					},
					LeaseDuration: cfg.Processor.LeaseDuration.Std(),
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, r, cfg.Webhooks, log)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.Info("serving Actifix API", "addr", addr, "base_path", basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.listen)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agent identities"}
	key := &cobra.Command{Use: "key", Short: "Manage agent API keys"}
	key.AddCommand(agentKeyCreateCmd())
	key.AddCommand(agentKeyListCmd())
	key.AddCommand(agentKeyRevokeCmd())
	agent.AddCommand(key)
	return agent
}

func agentKeyCreateCmd() *cobra.Command {
	var agentID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "afk_" + hex.EncodeToString(raw)
				key := domain.AgentKey{
					ID:      uuid.NewString(),
					AgentID: agentID,
					Name:    name,
					KeyHash: repo.HashAgentKey(secret),
				}
				if err := r.InsertAgentKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "agent_id": agentID, "key": secret})
				}
				fmt.Printf("Key %s for agent %s\n%s\n", key.ID, agentID, secret)
				fmt.Println("Store the key now; only its hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func agentKeyListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				keys, err := r.ListAgentKeys(ctx, agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.AgentID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	return cmd
}

func agentKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an agent API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				if err := r.DeleteAgentKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var ticketID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config) error {
				events, err := r.LatestEvents(ctx, n, ticketID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Ticket", "Agent"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.TicketID, e.AgentID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&ticketID, "ticket", "", "filter by ticket id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrIndent(cfg)
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a YAML config and install it as actifix.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			if _, err := config.FromYAML(data); err != nil {
				return err
			}
			dest := config.Path(viper.GetString("workspace"))
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Installed %s\n", dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo, *config.Config) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := migrate.OpenWorkspace(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.New(conn, cfg), cfg)
}

func resolveAgentID() string {
	if id := strings.TrimSpace(viper.GetString("agent-id")); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "agent-" + uuid.NewString()[:8]
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func newLogger() *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	}))
}

func printJSONOrIndent(v any) error {
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

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
