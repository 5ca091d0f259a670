package main

import (
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one input and print the summary",
		Example: `  conveyor run --pipeline examples/route837/pipeline.yml \
      --input examples/route837/testdata/claims.x12`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop, e, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer stop()
			input, _ := cmd.Flags().GetString("input")
			_, err = e.Run(ctx, input)
			return err
		},
	}
	cmd.Flags().String("input", "", "input file (overrides source.path; fills {name} and {ext})")
	return cmd
}
