// Package cmd implements the triaged command line.
package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "triaged",
		Short:         "Chatbot triage and escalation engine",
		Long:          "triaged answers website chat messages through an upstream language model, falls back to pre-authored replies when the model fails and hands conversations to a human team when needed.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./triage.yaml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(&cfgPath),
		newAskCmd(&cfgPath),
		newClassifyCmd(),
	)

	return rootCmd
}
