package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/franz/pbs-search/internal/search"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const evalLimit = 5

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Run a set of expected-result queries against the search engine",
	Long: `Evaluate search quality against a YAML case file:

  - q: "adalimumab ra initial"
    expect:
      drug: adalimumab
      contains: ["rheumatoid arthritis", "initial"]

A case passes when some result in the top 5 names the expected drug and
every "contains" fragment appears in one of the top results' title or
snippet (case-insensitive).`,
	RunE: runEval,
}

func init() {
	rootCmd.AddCommand(evalCmd)

	evalCmd.Flags().String("cases", "queries.yaml", "YAML file of evaluation cases")
}

type evalCase struct {
	Q      string `yaml:"q"`
	Expect struct {
		Drug     string   `yaml:"drug"`
		Contains []string `yaml:"contains"`
	} `yaml:"expect"`
}

func loadEvalCases(r io.Reader) ([]evalCase, error) {
	var cases []evalCase
	if err := yaml.NewDecoder(r).Decode(&cases); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse cases: %w", err)
	}
	return cases, nil
}

// evalPasses checks one case against its results
func evalPasses(c evalCase, results []search.Result) bool {
	if drug := strings.ToLower(c.Expect.Drug); drug != "" {
		found := false
		for _, r := range results {
			if strings.Contains(strings.ToLower(r.DrugName), drug) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, fragment := range c.Expect.Contains {
		fragment = strings.ToLower(fragment)
		found := false
		for _, r := range results {
			if strings.Contains(strings.ToLower(r.Title+"\n"+r.Snippet), fragment) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	path, _ := cmd.Flags().GetString("cases")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open cases: %w", err)
	}
	defer f.Close()

	cases, err := loadEvalCases(f)
	if err != nil {
		return err
	}
	if len(cases) == 0 {
		return fmt.Errorf("no cases in %s", path)
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	engine := a.engine()
	out := cmd.OutOrStdout()
	passed := 0

	for _, c := range cases {
		resp, err := engine.Search(ctx, search.Params{Q: c.Q, Limit: evalLimit})
		if err != nil {
			return fmt.Errorf("query %q: %w", c.Q, err)
		}
		if evalPasses(c, resp.Results) {
			passed++
			fmt.Fprintf(out, "✅ %s\n", c.Q)
		} else {
			fmt.Fprintf(out, "❌ %s\n", c.Q)
		}
	}

	fmt.Fprintf(out, "Passed %d/%d\n", passed, len(cases))
	return nil
}
