// Package main provides the CLI entry point for the Deckhand delegation core.
//
// Deckhand runs LLM coding turns inside a guarded filesystem sandbox,
// normalizing native-session subprocess backends and OpenAI-compatible
// streaming APIs into one canonical event stream.
//
// # Basic Usage
//
// Start the event server:
//
//	deckhand serve --config deckhand.yaml
//
// Run a one-shot prompt:
//
//	deckhand send --session dev "list the files in cmd/"
//
// Manage conversations and follow-up queues:
//
//	deckhand sessions list
//	deckhand queue add --session dev "now run the tests"
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "deckhand",
		Short: "Deckhand - sandboxed LLM coding-task delegation core",
		Long: `Deckhand delegates coding tasks to LLM backends with local tool
execution confined to allowed directory roots.

Backend families: native sessions (subprocess protocol) and
OpenAI-compatible streaming APIs.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML or JSON5 configuration file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	rootCmd.AddCommand(
		buildServeCmd(&configPath, &debug),
		buildSendCmd(&configPath, &debug),
		buildSessionsCmd(&configPath, &debug),
		buildQueueCmd(&configPath, &debug),
	)
	return rootCmd
}
