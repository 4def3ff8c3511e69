package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/franz/pbs-search/internal/config"
	"github.com/franz/pbs-search/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version is set at build time
	Version = "dev"

	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "pbs",
		Short: "PBS restriction search - ingest monthly schedules and search them",
		Long: `pbs ingests the monthly Pharmaceutical Benefits Scheme schedule
archive, composes one searchable document per drug restriction, stores them
in SQLite or PostgreSQL, optionally mirrors them into Elasticsearch, and
serves a search API over HTTP.`,
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.SetJSON(viper.GetBool("log-json"))
			util.SetColors(!viper.GetBool("no-color"))
			util.SetVerbose(viper.GetBool("verbose"))
			util.SetQuiet(viper.GetBool("quiet"))
		},
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./pbs.yaml)")
	rootCmd.PersistentFlags().String("db", "pbs.db", "SQLite database file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "quiet output (errors only)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON lines")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored console output")

	// Bind flags to viper
	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	viper.BindPFlag("log-json", rootCmd.PersistentFlags().Lookup("log-json"))
	viper.BindPFlag("no-color", rootCmd.PersistentFlags().Lookup("no-color"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		viper.SetConfigName("pbs")
		viper.SetConfigType("yaml")
	}

	// PBS_DATABASE_URL, PBS_ELASTICSEARCH_URL, PBS_ADMIN_TOKEN, ...
	viper.SetEnvPrefix("PBS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && !viper.GetBool("quiet") {
		util.InfoLog("Using config file: %s", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
