package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/memora-labs/memora/internal/memora"
)

func searchOptions(cmd *cobra.Command) memora.SearchOptions {
	topK, _ := cmd.Flags().GetInt("top")
	agentID, _ := cmd.Flags().GetString("agent")
	acrossOrg, _ := cmd.Flags().GetBool("across-org")
	excludeStr, _ := cmd.Flags().GetString("exclude")

	var exclude []string
	for _, id := range strings.Split(excludeStr, ",") {
		if id = strings.TrimSpace(id); id != "" {
			exclude = append(exclude, id)
		}
	}
	return memora.SearchOptions{
		TopK:      topK,
		AgentID:   agentID,
		AcrossOrg: acrossOrg,
		Exclude:   exclude,
	}
}

func addSearchFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("top", "k", 10, "Max memories to return")
	cmd.Flags().Bool("across-org", false, "Search every user in the organization")
	cmd.Flags().String("exclude", "", "Comma-separated memory ids to leave out")
}

func init() {
	search := &cobra.Command{
		Use:   "search [query...]",
		Short: "Search memories by similarity",
		Long: "Search memories by hybrid similarity. With multiple queries the hits are\n" +
			"pooled into one ranked list, keeping each memory's best score.",
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			batch, _ := cmd.Flags().GetBool("batch")
			c := mustClient()
			defer c.Close()
			ctx := cmd.Context()
			scope := scopeOf(cmd)
			opts := searchOptions(cmd)

			if batch {
				out, err := c.SearchMemoriesAsBatch(ctx, scope, args, opts)
				if err != nil {
					exitErr("search", err)
				}
				printJSON(out)
				return
			}
			out, err := c.SearchMemoriesAsOne(ctx, scope, args, opts)
			if err != nil {
				exitErr("search", err)
			}
			printJSON(out)
		},
	}
	addScopeFlags(search, true)
	addSearchFlags(search)
	search.Flags().Bool("batch", false, "Return one result list per query instead of pooling")
	RootCmd.AddCommand(search)

	recall := &cobra.Command{
		Use:   "recall [message]",
		Short: "Retrieve the memories relevant to a new message",
		Long: "Retrieve the memories an agent needs to answer the latest room message.\n" +
			"With an LLM provider configured the message is first expanded into\n" +
			"search queries; otherwise the message itself is the query.",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			preceding, _ := cmd.Flags().GetStringArray("context")
			c := mustClient()
			defer c.Close()
			out, err := c.RecallForMessage(cmd.Context(), scopeOf(cmd), args[0], preceding, searchOptions(cmd))
			if err != nil {
				exitErr("recall", err)
			}
			printJSON(out)
		},
	}
	addScopeFlags(recall, true)
	addSearchFlags(recall)
	recall.Flags().StringArray("context", nil, "Preceding messages, repeatable, for query expansion context")
	RootCmd.AddCommand(recall)
}
