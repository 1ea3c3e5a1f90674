package main

import (
	"github.com/spf13/cobra"
)

func newAgentsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents known to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := a.client.Agents(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return a.printJSON(agents)
			}
			for _, ag := range agents {
				a.printf("%-12s %s\n", cyan(ag.Name), ag.Description)
			}
			return nil
		},
	}
}
