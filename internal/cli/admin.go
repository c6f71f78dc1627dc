package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the databases and schema",
		Run: func(cmd *cobra.Command, args []string) {
			c := mustClient()
			defer c.Close()
			fmt.Printf("graph store: %s\nsimilarity index: %s\n", getDBPath(), getIndexPath())
		},
	}
	RootCmd.AddCommand(initCmd)

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair the similarity index from the graph store",
		Long: "Replay a user's current memories onto the similarity index, dropping\n" +
			"stale entries. The graph store is the source of truth; run this after\n" +
			"an index outage or a consistency error.",
		Run: func(cmd *cobra.Command, args []string) {
			c := mustClient()
			defer c.Close()
			if err := c.Reconcile(cmd.Context(), scopeOf(cmd)); err != nil {
				exitErr("reconcile", err)
			}
		},
	}
	addScopeFlags(reconcile, false)
	RootCmd.AddCommand(reconcile)
}
