package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "havocd",
	Short: "Havoc control plane for remotely deployed attack-emulation tasks",
	Long: `Havoc is the control plane for a fleet of ephemeral worker tasks used
to execute attacker-emulation actions. Operators submit signed API
requests to launch tasks, dispatch instructions and retrieve results;
workers poll their mailbox and post results back.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"havocd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(applyCmd)
}
