package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omnigapai/paestro-orchestrator-mcp/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Service-mesh orchestrator: discovery registry + resilient clients + workflow engine",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to orchestrator.yaml (default: ./orchestrator.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workflowCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}
