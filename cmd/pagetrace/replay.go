package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/subarena/internal/trace"
	"github.com/vkngwrapper/subarena/pam/hostsim"
)

func newReplayCmd() *cobra.Command {
	var (
		stats          bool
		detailed       bool
		maxAllocations int
	)

	cmd := &cobra.Command{
		Use:   "replay TRACE",
		Short: "Replay a yaml allocation trace",
		Long: `Replay a yaml allocation trace step by step, printing where every chunk lands and every
chunk that moves when shared memory is compacted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := trace.Load(args[0])
			if err != nil {
				return err
			}

			device := hostsim.New()
			device.MaxAllocationCount = maxAllocations

			player, err := trace.NewPlayer(newLogger(cmd.ErrOrStderr()), device, t, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			err = player.Play(t)
			if err != nil {
				return err
			}

			if stats || detailed {
				fmt.Fprintln(cmd.OutOrStdout(), player.Allocator().BuildStatsString(detailed))
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&stats, "stats", false, "Print allocator statistics as json after the replay")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "Print a json map of every page and chunk after the replay")
	cmd.Flags().IntVar(&maxAllocations, "max-pages", 0, "Maximum number of pages the simulated device will hand out (0 for no limit)")

	return cmd
}
