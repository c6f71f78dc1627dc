package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memora-labs/memora/internal/graph"
)

func init() {
	memoryCmd := &cobra.Command{Use: "memory", Short: "Inspect and manage memories"}

	get := &cobra.Command{
		Use:   "get [memory-id]",
		Short: "Show one memory version",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := mustClient()
			defer c.Close()
			m, err := c.Graph().GetMemory(cmd.Context(), scopeOf(cmd), args[0])
			if err != nil {
				exitErr("get memory", err)
			}
			printJSON(m)
		},
	}
	addScopeFlags(get, false)

	history := &cobra.Command{
		Use:   "history [memory-id]",
		Short: "Show a memory's version chain, current first",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := mustClient()
			defer c.Close()
			chain, err := c.Graph().MemoryHistory(cmd.Context(), scopeOf(cmd), args[0])
			if err != nil {
				exitErr("memory history", err)
			}
			printJSON(chain)
		},
	}
	addScopeFlags(history, false)

	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's current memories, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			agentID, _ := cmd.Flags().GetString("agent")
			limit, _ := cmd.Flags().GetInt("limit")
			skip, _ := cmd.Flags().GetInt("skip")
			c := mustClient()
			defer c.Close()
			out, err := c.Graph().ListMemories(cmd.Context(), scopeOf(cmd), agentID,
				graph.ListOptions{Limit: limit, Skip: skip})
			if err != nil {
				exitErr("list memories", err)
			}
			printJSON(out)
		},
	}
	addScopeFlags(list, true)
	addPageFlags(list)

	del := &cobra.Command{
		Use:   "delete [memory-id]",
		Short: "Delete a memory version, its chain, or every memory",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			all, _ := cmd.Flags().GetBool("all")
			withHistory, _ := cmd.Flags().GetBool("history")
			c := mustClient()
			defer c.Close()
			ctx := cmd.Context()
			scope := scopeOf(cmd)
			switch {
			case all:
				if err := c.DeleteAllMemories(ctx, scope); err != nil {
					exitErr("delete memories", err)
				}
			case len(args) == 1:
				if err := c.DeleteMemory(ctx, scope, args[0], withHistory); err != nil {
					exitErr("delete memory", err)
				}
			default:
				exitErr("delete memory", fmt.Errorf("pass a memory id or --all"))
			}
		},
	}
	addScopeFlags(del, false)
	del.Flags().Bool("history", false, "Delete the whole version chain")
	del.Flags().Bool("all", false, "Delete every memory for the user")

	memoryCmd.AddCommand(get, history, list, del)
	RootCmd.AddCommand(memoryCmd)
}
