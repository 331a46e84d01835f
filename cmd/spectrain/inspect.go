package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/spectrain/training"
)

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <checkpoint>",
		Short: "Print a summary of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := training.LoadCheckpoint(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "checkpoint:  %s\n", args[0])
			fmt.Fprintf(out, "epoch:       %d\n", cp.Epoch)
			fmt.Fprintf(out, "run:         %s %s\n", cp.Metadata.Description, cp.Metadata.RunID)
			fmt.Fprintf(out, "created:     %s\n", cp.Metadata.CreatedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "optimizer:   %s lr=%g steps=%d\n", cp.Optimizer.Type, cp.Optimizer.LearningRate, cp.Optimizer.StepCount)
			fmt.Fprintf(out, "loss:        %s\n", cp.Loss.Name)

			total := 0
			for _, rec := range cp.ModelState {
				fmt.Fprintf(out, "  %-12s %v\n", rec.Name, rec.Shape)
				total += len(rec.Data)
			}
			fmt.Fprintf(out, "parameters:  %s\n", training.FormatParameterCount(total))
			return nil
		},
	}
}
