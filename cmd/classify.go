package cmd

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/creastat/triage/classify"
)

type classifyOutput struct {
	classify.Result
	Slots map[string]string `json:"slots"`
}

func newClassifyCmd() *cobra.Command {
	var (
		rulesFile  string
		homeRegion string
	)

	cmd := &cobra.Command{
		Use:   "classify <message>",
		Short: "Classify a message without calling the upstream model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loadRules(rulesFile)
			if err != nil {
				return err
			}
			c, err := classify.New(rules, nil, classify.Config{HomeRegion: homeRegion}, nil)
			if err != nil {
				return err
			}

			res, slots := c.Analyze(map[string]string{}, strings.Join(args, " "))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(classifyOutput{Result: res, Slots: slots})
		},
	}

	cmd.Flags().StringVar(&rulesFile, "rules", "", "rule tables file (default built-in)")
	cmd.Flags().StringVar(&homeRegion, "home-region", "", "override the home region")
	return cmd
}
