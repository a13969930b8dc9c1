// Command argusd is the Argus agent-core server: the REST/WS catalog
// surface, the ingestion endpoint, the ReAct investigation loop, and
// the supporting alert/action/budget engines, all in one binary.
//
// Two independent retrieval-pack repos (vanducng-goclaw, cuemby-warren)
// converge on spf13/cobra for subcommand dispatch, so argusd follows
// that shape rather than a hand-rolled flag.Arg(0) switch.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/argus-observability/agentcore/internal/buildinfo"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "argusd",
	Short: "Argus agent-core server",
	Long:  "argusd runs the Argus observability agent core: telemetry ingestion, alerting, a ReAct investigation loop over an LLM, and the operator-facing REST/WS surface.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: searches ./config.yaml, ~/.config/argus/, /config/, /etc/argus/)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging regardless of config.log_level")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.ContextString())
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("ARGUS_CONFIG"); v != "" {
		return v
	}
	return ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
