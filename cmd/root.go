package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roostlabs/roost/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/roostlabs/roost/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "roost",
	Short: "Roost — host runtime for long-lived agents",
	Long: "Roost runs autonomous AI agents as long-lived processes: each agent gets a " +
		"workspace, persistent sessions, hot state, sensors, and an autonomy loop that " +
		"paces itself with yield directives.",
	Run: func(cmd *cobra.Command, args []string) {
		runHost(nil)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.roost/config.json or $ROOST_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("roost %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("ROOST_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
