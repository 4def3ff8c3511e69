package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/franz/pbs-search/internal/server"
	"github.com/franz/pbs-search/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the search API over HTTP",
	Long: `Serve the search API.

Routes:
  GET  /api/search?q=...&limit=...&schedule=...
  GET  /api/doc/{id}
  GET  /api/schedules
  GET  /api/meta
  GET  /api/health
  POST /api/admin/ingest   (X-Admin-Token or Authorization: Bearer)
  GET  /metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":3000", "listen address")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Admin.Token == "" {
		util.WarnLog("admin.token is not set; POST /api/admin/ingest is unauthenticated")
	}
	if a.indexer != nil {
		util.InfoLog("Elasticsearch configured (alias %s, search backend %s)", a.indexer.Alias(), a.cfg.Search.Backend)
	}

	engine := a.engine()
	util.InfoLog("Search stages: %s", strings.Join(engine.Stages(), " -> "))

	srv := server.New(server.Config{
		Addr:       a.cfg.Server.Addr,
		AdminToken: a.cfg.Admin.Token,
		Store:      a.repo,
		Search:     engine,
		Ingest:     a.pipeline(),
		Metrics:    a.metrics,
	})

	return srv.ListenAndServe(ctx)
}
