package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Process every file dropped into a folder until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop, e, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer stop()
			dir, _ := cmd.Flags().GetString("dir")
			return e.Watch(ctx, dir)
		},
	}
	cmd.Flags().String("dir", "data/in", "drop-off folder")
	cmd.Flags().Duration("settle", 500*time.Millisecond, "quiet period before a dropped file is read")
	return cmd
}
