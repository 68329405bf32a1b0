package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holon-run/mergequeue/pkg/actions"
	"github.com/holon-run/mergequeue/pkg/rules"
)

var validateCmd = &cobra.Command{
	Use:   "validate [rule-file...]",
	Short: "Check rule files",
	Long: `Parse and validate rule files: conditions, action options, queue rule
settings and schedules. Without arguments the configured rule file is checked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			if cfg.Rules.Path == "" {
				return fmt.Errorf("no rule file given")
			}
			args = []string{cfg.Rules.Path}
		}
		registry := actions.DefaultRegistry()
		failed := 0
		for _, path := range args {
			c, err := rules.LoadFile(path, registry)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d pull request rules, %d queue rules)\n", path, len(c.Rules), len(c.QueueRules))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d rule files are invalid", failed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
