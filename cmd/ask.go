package cmd

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"
)

func newAskCmd(cfgPath *string) *cobra.Command {
	var (
		sessionID string
		escalate  bool
		lead      map[string]string
	)

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message through the engine and print the reply as JSON",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if escalate {
				reply, err := a.orch.Escalate(cmd.Context(), sessionID, lead)
				if err != nil {
					return err
				}
				return enc.Encode(reply)
			}

			reply, err := a.orch.HandleMessage(cmd.Context(), sessionID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return enc.Encode(reply)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing session")
	cmd.Flags().BoolVar(&escalate, "escalate", false, "request a human handoff instead of sending a message")
	cmd.Flags().StringToStringVar(&lead, "lead", nil, "lead data for --escalate, e.g. --lead name=Mario,phone=3331234567")
	return cmd
}
