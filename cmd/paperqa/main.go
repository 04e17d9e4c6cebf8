// Command paperqa indexes research-paper abstracts into Qdrant and answers
// questions over them with a local Ollama model.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/paperqa/engine/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	cfgPath  string
	verbose  bool
	jsonLogs bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "paperqa",
	Short: "Search and question-answering over research-paper abstracts",
	Long: `paperqa keeps a vector index of paper abstracts extracted from markdown
tables and answers questions grounded on the most relevant papers.

  paperqa ingest   synchronize the documents directory into the index
  paperqa chat     interactive search / ask loop
  paperqa serve    HTTP API over one shared session`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "log as JSON")
	rootCmd.Version = Version
}

// newLogger builds the process logger and installs it as the default.
func newLogger(w io.Writer, asJSON, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if asJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
