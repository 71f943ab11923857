package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/shotleybuilder/sertantai-ingest/internal/cascade"
	"github.com/shotleybuilder/sertantai-ingest/internal/model"
	"github.com/shotleybuilder/sertantai-ingest/internal/store"
)

var (
	cascadeSession     string
	cascadeLayer       int
	cascadeStatus      string
	cascadeConcurrency int
	cascadeMaxLayer    int
	cascadeYes         bool
)

var cascadeCmd = &cobra.Command{
	Use:   "cascade",
	Short: "Inspect and drain the propagation queue",
}

var cascadeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a session's cascade entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "cascade")
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.ListCascade(ctx, store.CascadeFilter{
			SessionID: cascadeSession,
			Status:    model.EntryStatus(cascadeStatus),
			Layer:     cascadeLayer,
		})
		if err != nil {
			return eris.Wrap(err, "list cascade")
		}
		if len(entries) == 0 {
			fmt.Println("no cascade entries")
			return nil
		}

		rows := make([]table.Row, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, table.Row{e.ID, e.Key.String(), e.Layer, string(e.Status), string(e.UpdateKind), cell(e.SourceKeys, 40)})
		}
		fmt.Println(renderTable(table.Row{"ID", "KEY", "LAYER", "STATUS", "KIND", "SOURCES"}, rows, 3))
		return nil
	},
}

var cascadeWorkCmd = &cobra.Command{
	Use:   "work",
	Short: "Drain a session's pending entries",
	Long:  "Re-runs each pending entry's stage subset, confirms the result, and follows newly discovered references layer by layer until the session is drained.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "cascade")
		if err != nil {
			return err
		}
		defer env.Close()

		concurrency := cascadeConcurrency
		if concurrency == 0 {
			concurrency = cfg.Cascade.Concurrency
		}
		worker := cascade.NewWorker(env.Store, env.Queue, env.Executor, env.Gate,
			cascade.WithConcurrency(concurrency),
			cascade.WithLayerCap(cascadeMaxLayer))

		stats, err := worker.Work(ctx, cascadeSession)
		if err != nil {
			return err
		}
		fmt.Printf("processed %d, failed %d, remaining %d\n", stats.Processed, stats.Failed, stats.Remaining)
		return nil
	},
}

var cascadeClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cascade entry in a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if !cascadeYes {
			fmt.Printf("clear all cascade entries for session %s? [y/N]: ", cascadeSession)
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
				fmt.Println("aborted")
				return nil
			}
		}

		env, err := initEnv(ctx, "cascade")
		if err != nil {
			return err
		}
		defer env.Close()

		removed, err := env.Queue.Clear(ctx, cascadeSession)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d entries\n", removed)
		return nil
	},
}

func init() {
	cascadeListCmd.Flags().StringVar(&cascadeSession, "session", "", "session ID (required)")
	cascadeListCmd.Flags().IntVar(&cascadeLayer, "layer", 0, "filter by layer")
	cascadeListCmd.Flags().StringVar(&cascadeStatus, "status", "", "filter by status (pending, processed, deferred)")
	_ = cascadeListCmd.MarkFlagRequired("session")

	cascadeWorkCmd.Flags().StringVar(&cascadeSession, "session", "", "session ID (required)")
	cascadeWorkCmd.Flags().IntVar(&cascadeConcurrency, "concurrency", 0, "entries processed in parallel (default from config)")
	cascadeWorkCmd.Flags().IntVar(&cascadeMaxLayer, "max-layer", 0, "only work entries at or below this layer")
	_ = cascadeWorkCmd.MarkFlagRequired("session")

	cascadeClearCmd.Flags().StringVar(&cascadeSession, "session", "", "session ID (required)")
	cascadeClearCmd.Flags().BoolVar(&cascadeYes, "yes", false, "skip the confirmation prompt")
	_ = cascadeClearCmd.MarkFlagRequired("session")

	cascadeCmd.AddCommand(cascadeListCmd, cascadeWorkCmd, cascadeClearCmd)
	rootCmd.AddCommand(cascadeCmd)
}
