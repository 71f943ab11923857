package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect ingestion sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "cascade")
		if err != nil {
			return err
		}
		defer env.Close()

		sessions, err := env.Store.ListSessions(ctx, 50)
		if err != nil {
			return eris.Wrap(err, "list sessions")
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}

		rows := make([]table.Row, 0, len(sessions))
		for _, s := range sessions {
			rows = append(rows, table.Row{s.ID, cell(s.Name, 30), s.StartedAt.Format(time.RFC3339), s.Confirmed})
		}
		fmt.Println(renderTable(table.Row{"ID", "NAME", "STARTED", "CONFIRMED"}, rows, 4))
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	rootCmd.AddCommand(sessionsCmd)
}
