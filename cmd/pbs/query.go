package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/franz/pbs-search/internal/search"
	"github.com/franz/pbs-search/internal/store"
	"github.com/franz/pbs-search/internal/util"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search restrictions from the command line",
	Long: `Run a query through the same stage ladder the HTTP API uses
(Elasticsearch when configured, then full-text, prefix and fuzzy matching)
and print the ranked results.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

var docCmd = &cobra.Command{
	Use:   "doc <id>",
	Short: "Show one stored document",
	Args:  cobra.ExactArgs(1),
	RunE:  runDoc,
}

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "List ingested schedules, newest first",
	RunE:  runSchedules,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent ingest runs",
	RunE:  runRuns,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(docCmd)
	rootCmd.AddCommand(schedulesCmd)
	rootCmd.AddCommand(runsCmd)

	searchCmd.Flags().Int("limit", 0, "maximum results (default from search.limit)")
	searchCmd.Flags().String("schedule", "", "search this schedule instead of the latest")
	searchCmd.Flags().Bool("json", false, "print the raw JSON response")

	docCmd.Flags().Bool("source", false, "include the provenance JSON")

	runsCmd.Flags().Int("limit", 20, "number of runs to show")
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	sched, _ := cmd.Flags().GetString("schedule")
	asJSON, _ := cmd.Flags().GetBool("json")

	resp, err := a.engine().Search(ctx, search.Params{
		Q:        strings.Join(args, " "),
		Schedule: sched,
		Limit:    limit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, resp)
	}
	printResults(out, resp)
	return nil
}

func printResults(w io.Writer, resp *search.Response) {
	if len(resp.Results) == 0 {
		fmt.Fprintf(w, "No results for %q\n", resp.Query)
		return
	}

	fmt.Fprintf(w, "%d results for %q in schedule %s (stage: %s)\n\n", len(resp.Results), resp.Query, resp.Schedule, resp.Stage)
	for i, r := range resp.Results {
		fmt.Fprintf(w, "%2d. %s  [%.3f]\n", i+1, r.Title, r.Score)
		fmt.Fprintf(w, "    PBS %s  res %s  id %s\n", r.PbsCode, r.ResCode, r.ID)
		if r.Snippet != "" {
			fmt.Fprintf(w, "    %s\n", r.Snippet)
		}
	}
}

func runDoc(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := a.repo.GetDoc(ctx, args[0])
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("document %s: %w", args[0], util.ErrNotFound)
	}

	withSource, _ := cmd.Flags().GetBool("source")
	if !withSource {
		doc.SourceJSON = nil
	}
	return printJSON(cmd.OutOrStdout(), doc)
}

func runSchedules(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	schedules, err := a.repo.ListSchedules(ctx)
	if err != nil {
		return err
	}
	if len(schedules) == 0 {
		util.WarnLog("No schedules ingested yet. Run 'pbs ingest' first.")
		return nil
	}

	out := cmd.OutOrStdout()
	for _, s := range schedules {
		n, err := a.repo.CountDocs(ctx, s.Code)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  effective %s  %6d docs  ingested %s\n",
			s.Code, s.EffectiveDate.Format(store.DateLayout), n, humanize.Time(s.IngestedAt))
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := a.repo.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		util.InfoLog("No ingest runs recorded")
		return nil
	}

	out := cmd.OutOrStdout()
	for _, r := range runs {
		fmt.Fprintln(out, formatRun(r))
	}
	return nil
}

func formatRun(r *store.Run) string {
	code := r.ScheduleCode
	if code == "" {
		code = "-"
	}
	line := fmt.Sprintf("#%d  %-9s  %-8s  %-7s  %5d docs", r.ID, r.Status, r.Origin, code, r.Docs)
	if !r.FinishedAt.IsZero() {
		line += fmt.Sprintf("  %s", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	if r.Indexed {
		line += "  indexed"
	}
	if r.Error != "" {
		line += "  error: " + r.Error
	}
	return line
}
