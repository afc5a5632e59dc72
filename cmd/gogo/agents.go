package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/internal/domain"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage registered agents",
}

var (
	agentDef     domain.AgentDefinition
	agentTimeout time.Duration
	agentsUser   string
)

var agentsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		def := agentDef
		def.TimeoutMs = agentTimeout.Milliseconds()
		def.IsSubAgent = def.ParentAgentID != ""
		var created domain.AgentDefinition
		if err := newClient().do(cmd.Context(), http.MethodPost, "/v1/agents", def, &created); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s as %q\n", created.ID, created.DelegationCapabilityName)
		return nil
	},
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/agents"
		if agentsUser != "" {
			path += "?user_id=" + url.QueryEscape(agentsUser)
		}
		var resp struct {
			Agents []domain.AgentDefinition `json:"agents"`
		}
		if err := newClient().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		if len(resp.Agents) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No agents registered.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tPARENT\tUSER\tENDPOINT")
		for _, a := range resp.Agents {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.DisplayName, a.Category, a.ParentAgentID, a.UserID, a.Endpoint)
		}
		return tw.Flush()
	},
}

var agentsRemoveCmd = &cobra.Command{
	Use:     "rm <agent_id>",
	Aliases: []string{"remove"},
	Short:   "Deactivate an agent and its sub-agents",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Deactivated []string `json:"deactivated"`
		}
		if err := newClient().do(cmd.Context(), http.MethodDelete, "/v1/agents/"+url.PathEscape(args[0]), nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deactivated %s\n", strings.Join(resp.Deactivated, ", "))
		return nil
	},
}

func init() {
	f := agentsRegisterCmd.Flags()
	f.StringVar(&agentDef.ID, "id", "", "Agent id, generated when empty")
	f.StringVar(&agentDef.DisplayName, "name", "", "Display name")
	f.StringVar(&agentDef.Description, "description", "", "What the agent does")
	f.StringVar(&agentDef.Endpoint, "endpoint", "", "Base URL serving POST /invoke")
	f.StringVar(&agentDef.Category, "category", "", "Category for routing and timeouts")
	f.StringSliceVar(&agentDef.Keywords, "keyword", nil, "Routing keyword, repeatable")
	f.StringSliceVar(&agentDef.Capabilities, "capability", nil, "Capability tag, repeatable")
	f.StringVar(&agentDef.UserID, "user", "", "Owner of a custom agent")
	f.StringVar(&agentDef.ParentAgentID, "parent", "", "Parent agent, makes this a sub-agent")
	f.StringVar(&agentDef.DelegationCapabilityName, "capability-name", "", "Handoff name, derived from the display name when empty")
	f.DurationVar(&agentTimeout, "timeout", 0, "Default execution budget")
	_ = agentsRegisterCmd.MarkFlagRequired("endpoint")

	agentsListCmd.Flags().StringVar(&agentsUser, "user", "", "Include this user's custom agents")

	agentsCmd.AddCommand(agentsRegisterCmd)
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsRemoveCmd)
}
