// Command plctagctl is a small demonstration CLI over the plctag library:
// read and write a single tag, probe a gateway for its identity, and manage
// reusable gateway presets.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "plctagctl",
		Short:         "Read, write, and probe Allen-Bradley/Rockwell PLC tags over EtherNet/IP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newReadCmd())
	rootCmd.AddCommand(newWriteCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newPresetsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
