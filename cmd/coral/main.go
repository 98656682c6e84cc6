// Coral is a coordination substrate for multi-agent security alert triage.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coral",
	Short: "Coral, a coordination substrate for multi-agent security alert triage.",
	Long: `Coral runs a mesh of specialized triage agents behind one process:
alerts come in over HTTP, a workflow engine walks them through reception,
false-positive screening, severity analysis, context enrichment, and
response coordination, and every hand-off between agents travels as an
auditable message envelope.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, triageCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
