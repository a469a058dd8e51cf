// Package main provides the entry point for the agentd CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/opencode-ai/agentd/cmd/agentd/commands"
)

func main() {
	// A .env in the working directory is convenient for local runs;
	// absence is not an error.
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
