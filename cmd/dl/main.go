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

	"dayline/internal/clock"
	"dayline/internal/config"
	"dayline/internal/db"
	"dayline/internal/domain"
	"dayline/internal/engine"
	"dayline/internal/migrate"
	"dayline/internal/server"
	"dayline/internal/store"
	"dayline/internal/tui"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Dayline CLI",
	Long: `Dayline tracks your day as named time blocks and keeps you honest
about finishing them.
- Blocks: an activity with a start and end time ("09:00" to "10:30").
- The engine watches the clock: a block becomes active when its window
  opens, you get one reminder when it should end, and a grace window
  (15 minutes by default) in which finishing still counts as on time.
- Ignore it long enough (20 minutes by default) and the block resolves
  itself as overtime.
- Every finish lands in the day's history; 'dl watch' shows it live.`,
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
	viper.SetEnvPrefix("DAYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("day", "d", "", "day (YYYY-MM-DD), defaults to today")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("day", rootCmd.PersistentFlags().Lookup("day"))
}

func registerCommands() {
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(finishCmd())
	rootCmd.AddCommand(removeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
}

func selectedDay() string {
	if day := viper.GetString("day"); day != "" {
		return day
	}
	return clock.Day(time.Now())
}

func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.New(conn))
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine, *store.Store) error) error {
	return withStore(ctx, func(ctx context.Context, st *store.Store) error {
		cfg, err := config.Load(viper.GetString("workspace"))
		if err != nil {
			return err
		}
		return fn(ctx, engine.New(st, cfg), st)
	})
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printBlocks(blocks []domain.TimeBlock) error {
	if viper.GetBool("json") {
		return printJSON(blocks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "ACTIVITY", "START", "END", "STATUS"})
	for _, b := range blocks {
		tw.AppendRow(table.Row{shortID(b.ID), b.Activity, b.StartTime, b.EndTime, b.Status})
	}
	tw.Render()
	return nil
}

func printHistory(recs []domain.HistoryRecord) error {
	if viper.GetBool("json") {
		return printJSON(recs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ACTIVITY", "SCHEDULED", "ACTUAL END", "OUTCOME"})
	for _, r := range recs {
		tw.AppendRow(table.Row{r.Activity, r.ScheduledStart + "-" + r.ScheduledEnd, r.ActualEnd, r.Outcome})
	}
	tw.Render()
	return nil
}

// resolveBlockID allows passing a shortened id on the command line.
func resolveBlockID(ctx context.Context, st *store.Store, day, id string) (string, error) {
	blocks, err := st.BlocksForDay(ctx, day)
	if err != nil {
		return "", err
	}
	for _, b := range blocks {
		if b.ID == id || strings.HasPrefix(b.ID, id) {
			return b.ID, nil
		}
	}
	return id, nil
}

func addCmd() *cobra.Command {
	var activity, start, end string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a time block",
		RunE: func(cmd *cobra.Command, args []string) error {
			if activity == "" || start == "" || end == "" {
				return fmt.Errorf("--activity, --start and --end are required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				b, err := st.CreateBlock(ctx, selectedDay(), activity, start, end)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("added %q %s-%s (%s)\n", b.Activity, b.StartTime, b.EndTime, shortID(b.ID))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&activity, "activity", "a", "", "activity name")
	cmd.Flags().StringVar(&start, "start", "", "start time (HH:MM)")
	cmd.Flags().StringVar(&end, "end", "", "end time (HH:MM)")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the day's blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				blocks, err := st.BlocksForDay(ctx, selectedDay())
				if err != nil {
					return err
				}
				return printBlocks(blocks)
			})
		},
	}
}

func finishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finish <block-id>",
		Short: "Finish a block now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, st *store.Store) error {
				id, err := resolveBlockID(ctx, st, selectedDay(), args[0])
				if err != nil {
					return err
				}
				if err := e.FinishBlock(ctx, id, time.Now()); err != nil {
					return err
				}
				b, err := st.GetBlock(ctx, id)
				if err != nil {
					fmt.Println("block not found; nothing to do")
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("%q finished: %s\n", b.Activity, b.Status)
				return nil
			})
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <block-id>",
		Short: "Remove a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				id, err := resolveBlockID(ctx, st, selectedDay(), args[0])
				if err != nil {
					return err
				}
				if err := st.RemoveBlock(ctx, id); err != nil {
					return err
				}
				fmt.Println("removed", shortID(id))
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what needs attention right now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, st *store.Store) error {
				now := time.Now()
				att, err := e.Attention(ctx, now)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(att)
				}
				if att == nil {
					fmt.Println("nothing needs attention")
					return nil
				}
				switch att.State {
				case engine.StateRunning:
					fmt.Printf("running: %q until %s\n", att.Block.Activity, att.Block.EndTime)
				case engine.StateGrace:
					fmt.Printf("wrap up: %q ended at %s (%s past, still on time)\n",
						att.Block.Activity, att.Block.EndTime, clock.FormatDuration(att.MinutesPastDue))
				case engine.StateOverdue:
					fmt.Printf("overdue: %q by %s (finishing now counts as overtime)\n",
						att.Block.Activity, clock.FormatDuration(att.MinutesPastDue))
				}
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the day's finished activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				recs, err := st.HistoryForDay(ctx, selectedDay())
				if err != nil {
					return err
				}
				return printHistory(recs)
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				events, err := st.Repo.TailEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for _, e := range events {
					fmt.Printf("%s  %-20s %s %s\n", e.TS, e.Type, shortID(e.BlockID), e.Payload)
				}
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	cmd.AddCommand(tail)
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard driving the timing engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, st *store.Store) error {
				return tui.Run(e, st)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the engine tick loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, st *store.Store) error {
				cfg := e.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				secret := os.Getenv("DAYLINE_JWT_SECRET")
				if secret == "" {
					secret = cfg.Server.JWTSecret
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					Store:    st,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}

				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				go func() {
					if err := e.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
						fmt.Println("engine stopped:", err)
					}
				}()
				server.StartWebhookDispatcher(runCtx, st, cfg.Webhooks)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-runCtx.Done()
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Dayline API on http://%s%s (db %s)\n", addr, basePath, db.Path(viper.GetString("workspace")))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}
