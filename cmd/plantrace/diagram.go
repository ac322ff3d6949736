package main

import (
	"fmt"

	"github.com/ormasoftchile/plantrace/pkg/diagram"
	"github.com/ormasoftchile/plantrace/pkg/trace"
	"github.com/spf13/cobra"
)

var (
	diagramFormat string
	diagramTrace  string
)

var diagramCmd = &cobra.Command{
	Use:   "diagram [plan.yaml]",
	Short: "Draw a plan as a Mermaid flowchart or ASCII chart",
	Long: `Draw a plan's steps in order. With --trace, each step is marked passed,
failed, started or pending according to the recorded run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadValidPlan(cmd.ErrOrStderr(), args[0])
		if err != nil {
			return err
		}
		var t *trace.Trace
		if diagramTrace != "" {
			if t, err = trace.Load(diagramTrace); err != nil {
				return err
			}
		}
		out, err := diagram.Generate(p, t, diagram.Format(diagramFormat))
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	diagramCmd.Flags().StringVar(&diagramFormat, "format", "ascii", "Output format: ascii or mermaid")
	diagramCmd.Flags().StringVar(&diagramTrace, "trace", "", "Trace file to mark step status from")
	rootCmd.AddCommand(diagramCmd)
}
