// Package cli implements the memora CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/memora-labs/memora/internal/embed"
	"github.com/memora-labs/memora/internal/extract"
	"github.com/memora-labs/memora/internal/graph"
	"github.com/memora-labs/memora/internal/memora"
	"github.com/memora-labs/memora/internal/model"
	"github.com/memora-labs/memora/internal/vector"
)

var (
	dbPath    string
	indexPath string
	verbose   bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memora",
	Short: "Conversation memory for AI agents",
	Long: "Memora persists agent conversations, derives versioned memories from them,\n" +
		"and recalls the relevant ones for new messages. SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Graph database path (default: $MEMORA_DB or ~/.memora/graph.db)")
	RootCmd.PersistentFlags().StringVar(&indexPath, "index-db", "", "Similarity index path (default: $MEMORA_INDEX_DB or ~/.memora/index.db)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug detail to stderr")
}

func getDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	if env := os.Getenv("MEMORA_DB"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memora", "graph.db")
}

func getIndexPath() string {
	if indexPath != "" {
		return indexPath
	}
	if env := os.Getenv("MEMORA_INDEX_DB"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memora", "index.db")
}

func logger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openClient wires the full stack: graph store, hybrid index, and the LLM
// providers selected through the environment.
func openClient() (*memora.Client, error) {
	idx, err := vector.Open(getIndexPath(), embed.NewFromEnv())
	if err != nil {
		return nil, err
	}
	store, err := graph.Open(getDBPath(), graph.WithAssociatedIndex(idx))
	if err != nil {
		idx.Close()
		return nil, err
	}

	opts := []memora.Option{memora.WithLogger(logger())}
	switch os.Getenv("MEMORA_LLM_PROVIDER") {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		url := os.Getenv("MEMORA_LLM_URL")
		mdl := os.Getenv("MEMORA_LLM_MODEL")
		opts = append(opts,
			memora.WithExtractor(extract.NewOpenAI(url, key, mdl)),
			memora.WithQueryGenerator(extract.NewOpenAIQueryGenerator(url, key, mdl)),
			memora.WithMemoryFilter(extract.NewOpenAIMemoryFilter(url, key, mdl)))
	case "anthropic":
		opts = append(opts,
			memora.WithExtractor(extract.NewAnthropic(os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("MEMORA_LLM_MODEL"))))
	}
	return memora.New(store, idx, opts...), nil
}

// scopeOf reads the tenant flags every scoped command declares.
func scopeOf(cmd *cobra.Command) model.Scope {
	org, _ := cmd.Flags().GetString("org")
	user, _ := cmd.Flags().GetString("user")
	agent, _ := cmd.Flags().GetString("agent")
	return model.Scope{OrgID: org, UserID: user, AgentID: agent}
}

func addScopeFlags(cmd *cobra.Command, withAgent bool) {
	cmd.Flags().StringP("org", "o", "", "Organization id (required)")
	cmd.Flags().StringP("user", "u", "", "User id (required)")
	cmd.MarkFlagRequired("org")
	cmd.MarkFlagRequired("user")
	if withAgent {
		cmd.Flags().StringP("agent", "a", "", "Agent id")
	}
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitErr("encode output", err)
	}
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
