package main

import (
	"os"

	_ "conveyor/examples/route837"
)

func main() {
	rootCmd := newRootCommand()
	rootCmd.AddCommand(newRunCommand(), newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
