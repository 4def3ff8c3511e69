package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/franz/pbs-search/internal/config"
	"github.com/franz/pbs-search/internal/esindex"
	"github.com/franz/pbs-search/internal/store"
	"github.com/franz/pbs-search/internal/store/postgres"
	"github.com/franz/pbs-search/internal/util"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks on the environment and configuration",
	Long: `Run diagnostic checks to ensure pbs can operate correctly.

This command checks:
- Configuration validity
- SQLite version (built-in driver)
- Database accessibility and integrity
- Reachability of the schedule downloads site
- Elasticsearch reachability (when configured)
- Admin token presence

Use this command to troubleshoot issues before ingesting or serving.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().Bool("offline", false, "skip network checks")
}

type checkResult struct {
	name    string
	message string
	error   bool
	warning bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	offline, _ := cmd.Flags().GetBool("offline")

	util.InfoLog("=== PBS Doctor - System Diagnostics ===")
	util.InfoLog("")

	results := []checkResult{}

	cfg, err := loadConfig()
	if err != nil {
		results = append(results, checkResult{name: "Configuration", error: true, message: err.Error()})
		return printChecks(results)
	}
	results = append(results, checkResult{
		name:    "Configuration",
		message: fmt.Sprintf("driver %s, search backend %s", cfg.Database.Driver, cfg.Search.Backend),
	})

	results = append(results, checkSQLite())

	if cfg.Database.Driver == config.BackendPostgres {
		results = append(results, checkPostgres(ctx, cfg.Database.URL))
	} else {
		results = append(results, checkDatabase(ctx, cfg.DB))
	}

	if !offline {
		results = append(results, checkDownloads(ctx, cfg.Download.Base, cfg.Download.UserAgent))
		if cfg.Elastic.URL != "" {
			results = append(results, checkElasticsearch(ctx, cfg))
		}
	}

	results = append(results, checkAdminToken(cfg.Admin.Token))

	return printChecks(results)
}

func printChecks(results []checkResult) error {
	util.InfoLog("")
	util.InfoLog("=== Diagnostic Results ===")
	util.InfoLog("")

	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		symbol := "✓"
		if r.error {
			symbol = "✗"
			hasErrors = true
		} else if r.warning {
			symbol = "⚠"
			hasWarnings = true
		}

		line := fmt.Sprintf("[%s] %s", symbol, r.name)
		if r.message != "" {
			line += fmt.Sprintf(": %s", r.message)
		}

		if r.error {
			util.ErrorLog("%s", line)
		} else if r.warning {
			util.WarnLog("%s", line)
		} else {
			util.SuccessLog("%s", line)
		}
	}

	util.InfoLog("")
	if hasErrors {
		util.ErrorLog("❌ Some critical checks failed. Please resolve errors before running pbs.")
		return fmt.Errorf("system diagnostics failed")
	} else if hasWarnings {
		util.WarnLog("⚠️  Some checks produced warnings. Review them before proceeding.")
	} else {
		util.SuccessLog("✅ All checks passed! System is ready.")
	}

	return nil
}

// checkSQLite verifies the embedded SQLite version
func checkSQLite() checkResult {
	version := store.SQLiteVersion()
	if version == "" {
		return checkResult{
			name:    "SQLite",
			error:   true,
			message: "unable to determine version",
		}
	}

	return checkResult{
		name:    "SQLite",
		message: fmt.Sprintf("version %s (built-in)", version),
	}
}

// checkDatabase verifies the SQLite database file
func checkDatabase(ctx context.Context, dbPath string) checkResult {
	if dbPath == "" {
		return checkResult{
			name:    "Database",
			warning: true,
			message: "no database path specified (use --db flag or config)",
		}
	}

	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return checkResult{
				name:    "Database",
				message: fmt.Sprintf("%s (will be created on first run)", dbPath),
			}
		}
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot access %s: %v", dbPath, err),
		}
	}

	if !info.Mode().IsRegular() {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("%s is not a regular file", dbPath),
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot open %s: %v", dbPath, err),
		}
	}
	defer db.Close()

	return checkRepository(ctx, db, fmt.Sprintf("%s (%s", dbPath, humanize.Bytes(uint64(info.Size()))))
}

// checkPostgres verifies the PostgreSQL database
func checkPostgres(ctx context.Context, url string) checkResult {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := postgres.Open(ctx, url)
	if err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot connect to PostgreSQL: %v", err),
		}
	}
	defer db.Close()

	return checkRepository(ctx, db, "PostgreSQL (connected")
}

// checkRepository runs the integrity check and summarises the contents.
// prefix is closed with the document count.
func checkRepository(ctx context.Context, repo store.Repository, prefix string) checkResult {
	if err := repo.CheckIntegrity(ctx); err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("integrity check failed: %v", err),
		}
	}

	docs, _ := repo.CountDocs(ctx, "")
	latest, _ := repo.LatestSchedule(ctx)
	if latest == nil {
		return checkResult{
			name:    "Database",
			warning: true,
			message: fmt.Sprintf("%s, no schedules ingested yet)", prefix),
		}
	}

	return checkResult{
		name:    "Database",
		message: fmt.Sprintf("%s, %d docs, latest schedule %s)", prefix, docs, latest.Code),
	}
}

// checkDownloads verifies the downloads site answers
func checkDownloads(ctx context.Context, base, userAgent string) checkResult {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, base, nil)
	if err != nil {
		return checkResult{name: "Downloads site", error: true, message: err.Error()}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return checkResult{
			name:    "Downloads site",
			warning: true,
			message: fmt.Sprintf("%s unreachable: %v", base, err),
		}
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return checkResult{
			name:    "Downloads site",
			warning: true,
			message: fmt.Sprintf("%s returned %d", base, resp.StatusCode),
		}
	}

	return checkResult{
		name:    "Downloads site",
		message: fmt.Sprintf("%s (HTTP %d)", base, resp.StatusCode),
	}
}

// checkElasticsearch verifies the cluster answers and reports the alias target
func checkElasticsearch(ctx context.Context, cfg *config.Config) checkResult {
	ix, err := esindex.New(esindex.Config{
		URL:       cfg.Elastic.URL,
		APIKey:    cfg.Elastic.APIKey,
		Username:  cfg.Elastic.Username,
		Password:  cfg.Elastic.Password,
		IndexBase: cfg.Elastic.Index,
	})
	if err != nil {
		return checkResult{name: "Elasticsearch", error: true, message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Search can still fall back to the database, so an outage is a warning
	// unless Elasticsearch is the configured backend
	if !ix.Reachable(ctx) {
		return checkResult{
			name:    "Elasticsearch",
			error:   cfg.UseExternalSearch(),
			warning: !cfg.UseExternalSearch(),
			message: fmt.Sprintf("%s unreachable", cfg.Elastic.URL),
		}
	}

	target, err := ix.CurrentTarget(ctx)
	if err != nil {
		return checkResult{name: "Elasticsearch", warning: true, message: fmt.Sprintf("alias lookup failed: %v", err)}
	}
	if target == "" {
		return checkResult{
			name:    "Elasticsearch",
			warning: true,
			message: fmt.Sprintf("alias %s has no index yet (run pbs reindex)", ix.Alias()),
		}
	}

	return checkResult{
		name:    "Elasticsearch",
		message: fmt.Sprintf("alias %s -> %s", ix.Alias(), target),
	}
}

// checkAdminToken warns when the admin endpoint is open
func checkAdminToken(token string) checkResult {
	if token == "" {
		return checkResult{
			name:    "Admin token",
			warning: true,
			message: "not set; POST /api/admin/ingest is unauthenticated",
		}
	}
	return checkResult{name: "Admin token", message: "configured"}
}
