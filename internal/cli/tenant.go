package cli

import (
	"github.com/spf13/cobra"

	"github.com/memora-labs/memora/internal/graph"
	"github.com/memora-labs/memora/internal/memora"
)

func init() {
	orgCmd := &cobra.Command{Use: "org", Short: "Manage organizations"}

	orgCreate := &cobra.Command{
		Use:   "create [name]",
		Short: "Create an organization",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := mustClient()
			defer c.Close()
			org, err := c.Graph().CreateOrganization(cmd.Context(), args[0])
			if err != nil {
				exitErr("create org", err)
			}
			printJSON(org)
		},
	}

	orgGet := &cobra.Command{
		Use:   "get [org-id]",
		Short: "Show an organization",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := mustClient()
			defer c.Close()
			org, err := c.Graph().GetOrganization(cmd.Context(), args[0])
			if err != nil {
				exitErr("get org", err)
			}
			printJSON(org)
		},
	}

	orgDelete := &cobra.Command{
		Use:   "delete [org-id]",
		Short: "Delete an organization",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := mustClient()
			defer c.Close()
			if err := c.Graph().DeleteOrganization(cmd.Context(), args[0]); err != nil {
				exitErr("delete org", err)
			}
		},
	}

	orgCmd.AddCommand(orgCreate, orgGet, orgDelete)
	RootCmd.AddCommand(orgCmd)

	userCmd := &cobra.Command{Use: "user", Short: "Manage users"}

	userCreate := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a user in an organization",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			org, _ := cmd.Flags().GetString("org")
			c := mustClient()
			defer c.Close()
			user, err := c.Graph().CreateUser(cmd.Context(), org, args[0])
			if err != nil {
				exitErr("create user", err)
			}
			printJSON(user)
		},
	}
	userCreate.Flags().StringP("org", "o", "", "Organization id (required)")
	userCreate.MarkFlagRequired("org")

	userGet := &cobra.Command{
		Use:   "get [user-id]",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			org, _ := cmd.Flags().GetString("org")
			c := mustClient()
			defer c.Close()
			user, err := c.Graph().GetUser(cmd.Context(), org, args[0])
			if err != nil {
				exitErr("get user", err)
			}
			printJSON(user)
		},
	}
	userGet.Flags().StringP("org", "o", "", "Organization id (required)")
	userGet.MarkFlagRequired("org")

	userList := &cobra.Command{
		Use:   "list",
		Short: "List an organization's users",
		Run: func(cmd *cobra.Command, args []string) {
			org, _ := cmd.Flags().GetString("org")
			limit, _ := cmd.Flags().GetInt("limit")
			skip, _ := cmd.Flags().GetInt("skip")
			c := mustClient()
			defer c.Close()
			users, err := c.Graph().ListUsers(cmd.Context(), org, graph.ListOptions{Limit: limit, Skip: skip})
			if err != nil {
				exitErr("list users", err)
			}
			printJSON(users)
		},
	}
	userList.Flags().StringP("org", "o", "", "Organization id (required)")
	userList.MarkFlagRequired("org")
	addPageFlags(userList)

	userDelete := &cobra.Command{
		Use:   "delete [user-id]",
		Short: "Delete a user with all their interactions and memories",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			org, _ := cmd.Flags().GetString("org")
			c := mustClient()
			defer c.Close()
			if err := c.DeleteUser(cmd.Context(), org, args[0]); err != nil {
				exitErr("delete user", err)
			}
		},
	}
	userDelete.Flags().StringP("org", "o", "", "Organization id (required)")
	userDelete.MarkFlagRequired("org")

	userCmd.AddCommand(userCreate, userGet, userList, userDelete)
	RootCmd.AddCommand(userCmd)

	agentCmd := &cobra.Command{Use: "agent", Short: "Manage agents"}

	agentCreate := &cobra.Command{
		Use:   "create [label]",
		Short: "Create an agent, org-wide or private to one user",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			org, _ := cmd.Flags().GetString("org")
			user, _ := cmd.Flags().GetString("user")
			c := mustClient()
			defer c.Close()
			agent, err := c.Graph().CreateAgent(cmd.Context(), org, user, args[0])
			if err != nil {
				exitErr("create agent", err)
			}
			printJSON(agent)
		},
	}
	agentCreate.Flags().StringP("org", "o", "", "Organization id (required)")
	agentCreate.Flags().StringP("user", "u", "", "Owning user id (omit for an org-wide agent)")
	agentCreate.MarkFlagRequired("org")

	agentGet := &cobra.Command{
		Use:   "get [agent-id]",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			org, _ := cmd.Flags().GetString("org")
			c := mustClient()
			defer c.Close()
			agent, err := c.Graph().GetAgent(cmd.Context(), org, args[0])
			if err != nil {
				exitErr("get agent", err)
			}
			printJSON(agent)
		},
	}
	agentGet.Flags().StringP("org", "o", "", "Organization id (required)")
	agentGet.MarkFlagRequired("org")

	agentList := &cobra.Command{
		Use:   "list",
		Short: "List agents visible to a user",
		Run: func(cmd *cobra.Command, args []string) {
			org, _ := cmd.Flags().GetString("org")
			user, _ := cmd.Flags().GetString("user")
			limit, _ := cmd.Flags().GetInt("limit")
			skip, _ := cmd.Flags().GetInt("skip")
			c := mustClient()
			defer c.Close()
			agents, err := c.Graph().ListAgents(cmd.Context(), org, user, graph.ListOptions{Limit: limit, Skip: skip})
			if err != nil {
				exitErr("list agents", err)
			}
			printJSON(agents)
		},
	}
	agentList.Flags().StringP("org", "o", "", "Organization id (required)")
	agentList.Flags().StringP("user", "u", "", "User id for private-agent visibility")
	agentList.MarkFlagRequired("org")
	addPageFlags(agentList)

	agentDelete := &cobra.Command{
		Use:   "delete [agent-id]",
		Short: "Delete an agent",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			org, _ := cmd.Flags().GetString("org")
			c := mustClient()
			defer c.Close()
			if err := c.Graph().DeleteAgent(cmd.Context(), org, args[0]); err != nil {
				exitErr("delete agent", err)
			}
		},
	}
	agentDelete.Flags().StringP("org", "o", "", "Organization id (required)")
	agentDelete.MarkFlagRequired("org")

	agentCmd.AddCommand(agentCreate, agentGet, agentList, agentDelete)
	RootCmd.AddCommand(agentCmd)
}

func addPageFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Int("skip", 0, "Results to skip")
}

func mustClient() *memora.Client {
	c, err := openClient()
	if err != nil {
		exitErr("open stores", err)
	}
	return c
}
