package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/memora-labs/memora/internal/graph"
	"github.com/memora-labs/memora/internal/model"
)

// readMessages decodes the message chain from a file or stdin as a JSON
// array of {"role": "user"|"agent", "content": "..."} objects.
func readMessages(path string) []model.MessageBlock {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			exitErr("open messages file", err)
		}
		defer f.Close()
		r = f
	}
	var messages []model.MessageBlock
	if err := json.NewDecoder(r).Decode(&messages); err != nil {
		exitErr("decode messages", fmt.Errorf("expected a JSON array of {role, content}: %w", err))
	}
	return messages
}

func init() {
	interactionCmd := &cobra.Command{Use: "interaction", Short: "Save and manage interactions"}

	save := &cobra.Command{
		Use:   "save [messages.json]",
		Short: "Save a new interaction and derive memories from it",
		Long:  "Save a new interaction. Messages come from the given file or stdin as a\nJSON array of {role, content} objects.",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			messages := readMessages(path)
			c := mustClient()
			defer c.Close()
			res, err := c.SaveInteraction(cmd.Context(), scopeOf(cmd), messages, time.Now().UTC())
			if err != nil {
				exitErr("save interaction", err)
			}
			printJSON(res)
		},
	}
	addScopeFlags(save, true)
	save.MarkFlagRequired("agent")

	update := &cobra.Command{
		Use:   "update [interaction-id] [messages.json]",
		Short: "Update an interaction from a candidate message chain",
		Long: "Update an interaction. The candidate chain is diffed against the stored\n" +
			"one: identical chains change nothing, extended chains append, diverging\n" +
			"chains truncate at the divergence point and rebuild the tail.",
		Args: cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			path := ""
			if len(args) > 1 {
				path = args[1]
			}
			messages := readMessages(path)
			c := mustClient()
			defer c.Close()
			res, err := c.UpdateInteraction(cmd.Context(), scopeOf(cmd), args[0], messages, time.Now().UTC())
			if err != nil {
				exitErr("update interaction", err)
			}
			printJSON(res)
		},
	}
	addScopeFlags(update, true)

	get := &cobra.Command{
		Use:   "get [interaction-id]",
		Short: "Show an interaction with its messages",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := mustClient()
			defer c.Close()
			it, err := c.Graph().GetInteraction(cmd.Context(), scopeOf(cmd), args[0], true)
			if err != nil {
				exitErr("get interaction", err)
			}
			printJSON(it)
		},
	}
	addScopeFlags(get, false)

	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's interactions, most recently updated first",
		Run: func(cmd *cobra.Command, args []string) {
			withMessages, _ := cmd.Flags().GetBool("messages")
			limit, _ := cmd.Flags().GetInt("limit")
			skip, _ := cmd.Flags().GetInt("skip")
			c := mustClient()
			defer c.Close()
			out, err := c.Graph().ListInteractions(cmd.Context(), scopeOf(cmd), withMessages,
				graph.ListOptions{Limit: limit, Skip: skip})
			if err != nil {
				exitErr("list interactions", err)
			}
			printJSON(out)
		},
	}
	addScopeFlags(list, false)
	addPageFlags(list)
	list.Flags().BoolP("messages", "m", false, "Include message chains")

	memories := &cobra.Command{
		Use:   "memories [interaction-id]",
		Short: "List every memory sourced from an interaction",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := mustClient()
			defer c.Close()
			out, err := c.Graph().InteractionMemories(cmd.Context(), scopeOf(cmd), args[0])
			if err != nil {
				exitErr("interaction memories", err)
			}
			printJSON(out)
		},
	}
	addScopeFlags(memories, false)

	del := &cobra.Command{
		Use:   "delete [interaction-id]",
		Short: "Delete an interaction and the memories derived from it",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			all, _ := cmd.Flags().GetBool("all")
			c := mustClient()
			defer c.Close()
			ctx := cmd.Context()
			scope := scopeOf(cmd)
			switch {
			case all:
				if err := c.DeleteAllInteractions(ctx, scope); err != nil {
					exitErr("delete interactions", err)
				}
			case len(args) == 1:
				if err := c.DeleteInteraction(ctx, scope, args[0]); err != nil {
					exitErr("delete interaction", err)
				}
			default:
				exitErr("delete interaction", fmt.Errorf("pass an interaction id or --all"))
			}
		},
	}
	addScopeFlags(del, false)
	del.Flags().Bool("all", false, "Delete every interaction for the user")

	interactionCmd.AddCommand(save, update, get, list, memories, del)
	RootCmd.AddCommand(interactionCmd)
}
