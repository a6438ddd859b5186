// repovault runs a repository content-store node and operates it.
package main

import (
	"fmt"
	"os"

	"github.com/repovault/repovault/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	adminAddr string
	actor     string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "repovault",
		Short: "repovault - content-store lifecycle and safety for artifact repositories",
		Long: `repovault keeps a repository manager's content store safe to operate:
quota checks on blob stores, cluster-wide write freeze for backups,
write-quorum checks and policy-driven purge of stale content.

Run a node:

  repovault serve --config /etc/repovault/repovault.yaml

Operate a running node:

  repovault status
  repovault freeze request --initiator maintenance
  repovault backup
  repovault purge maven-snapshots --older-than 30
  repovault policy list`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "", "admin address of a running node (default: admin.listen from config)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", os.Getenv("USER"), "operator name recorded in the audit log")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newQuorumCmd())
	rootCmd.AddCommand(newFreezeCmd())
	rootCmd.AddCommand(newBackupCmd())
	rootCmd.AddCommand(newPurgeCmd())
	rootCmd.AddCommand(newPolicyCmd())
	rootCmd.AddCommand(newQuotaCmd())
	rootCmd.AddCommand(newBlobRefCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "repovault %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads --config, or the defaults when no file is given.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
