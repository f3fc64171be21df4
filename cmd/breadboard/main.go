package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "breadboard",
	Short: "Breadboard - sandboxed sketch execution service",
	Long: `Breadboard compiles and runs microcontroller sketches against a
simulated board, streaming serial output and pin activity to clients in
real time.

Sketches run as resource-capped processes, inside a network-disabled
container when a runtime is available.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
