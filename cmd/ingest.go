package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/shotleybuilder/sertantai-ingest/internal/ingest"
	"github.com/shotleybuilder/sertantai-ingest/internal/model"
	"github.com/shotleybuilder/sertantai-ingest/internal/pipeline"
)

var (
	ingestStages         []string
	ingestConfirmFlag    bool
	ingestSession        string
	ingestOverwriteTitle bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest TYPE YEAR NUMBER",
	Short: "Run the pipeline for one record",
	Long:  "Fetches the record through the seven-stage pipeline and prints the stage results and the field diff against the stored record. Nothing is written unless --confirm is given.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		key, err := model.ParseRecordKey(strings.Join(args, "/"))
		if err != nil {
			return err
		}
		stages, err := model.ParseStages(ingestStages)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		existing, err := env.Store.GetRecord(ctx, key)
		if err != nil {
			return eris.Wrap(err, "load record")
		}

		outcome := env.Executor.Run(ctx, key, existing, pipeline.RunOptions{
			Stages:         stages,
			OverwriteTitle: ingestOverwriteTitle,
			RulesetVersion: cfg.Classifier.DefaultVersion,
		})

		fmt.Println(renderStageTable(outcome))
		if outcome.TitleKept {
			fmt.Println("stored title kept; pass --overwrite-title to replace it")
		}
		if rc := outcome.Reconciliation; rc != nil && rc.Conflict {
			fmt.Printf("lifecycle conflict: %s\n", rc.Detail)
		}

		diff, err := env.Gate.Preview(ctx, key, outcome)
		if err != nil {
			return err
		}
		if diff.Empty() {
			fmt.Println("no changes against the stored record")
		} else {
			fmt.Println(renderDiffTable(diff))
		}

		if !ingestConfirmFlag {
			if !diff.Empty() {
				fmt.Println("re-run with --confirm to persist")
			}
			return nil
		}

		session := ingestSession
		if session == "" {
			session = uuid.NewString()
		}
		res, err := env.Gate.Confirm(ctx, key, outcome, ingest.ConfirmOptions{SessionID: session})
		if err != nil {
			return err
		}
		fmt.Printf("confirmed %s (%s), session %s\n", key, ingest.DescribeDiff(res.Diff), session)
		if refs := outcome.References(); len(refs) > 0 {
			fmt.Printf("%d referenced records queued; drain with: sertantai-ingest cascade work --session %s\n", len(refs), session)
		}
		return nil
	},
}

func renderStageTable(outcome *model.RunOutcome) string {
	rows := make([]table.Row, 0, len(outcome.Stages))
	for _, res := range outcome.Stages {
		detail := res.Summary
		if res.Status == model.StageStatusError {
			detail = res.Error
		}
		rows = append(rows, table.Row{string(res.Stage), string(res.Status), cell(detail, 60), res.DurationMS})
	}
	return renderTable(table.Row{"STAGE", "STATUS", "DETAIL", "MS"}, rows, 4)
}

func renderDiffTable(diff model.Diff) string {
	rows := make([]table.Row, 0, len(diff.Changes))
	for _, c := range diff.Changes {
		rows = append(rows, table.Row{c.Field, string(c.Kind), cell(c.Old, 40), cell(c.New, 40)})
	}
	return renderTable(table.Row{"FIELD", "CHANGE", "OLD", "NEW"}, rows)
}

func init() {
	ingestCmd.Flags().StringSliceVar(&ingestStages, "stages", nil, "subset of stages to run (default all)")
	ingestCmd.Flags().BoolVar(&ingestConfirmFlag, "confirm", false, "persist the outcome after the run")
	ingestCmd.Flags().BoolVar(&ingestOverwriteTitle, "overwrite-title", false, "let a fetched title replace the stored one")
	ingestCmd.Flags().StringVar(&ingestSession, "session", "", "ingestion session ID (generated when confirming without one)")
	rootCmd.AddCommand(ingestCmd)
}
