package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/generation"
	"ghostship.forum/internal/sim/tick"
)

func init() {
	var (
		force      bool
		seed       int64
		card       string
		multiplier float64
		note       string
	)
	tickCmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one simulation tick",
		Long: `Run one tick now. A frozen forum is skipped unless --force is given,
in which case the run is recorded as an override.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp("tick")
			if err != nil {
				return err
			}
			defer a.Close()
			opts := tick.Options{Force: force, OracleCard: card, Note: note}
			if cmd.Flags().Changed("seed") {
				opts.Seed = &seed
			}
			if cmd.Flags().Changed("multiplier") {
				opts.EnergyMultiplier = &multiplier
			}
			res, err := a.orch.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return emit(cmd, res, func() string {
				if res.Skipped {
					return "tick skipped: forum is frozen (use --force to override)"
				}
				return fmt.Sprintf("tick %d (%s): energy=%d energy'=%d threads=%d tasks=%d processed=%d deferred=%d failures=%d",
					res.Tick, res.Origin, res.Energy, res.EnergyPrime, res.Threads, res.Tasks,
					res.Generation.Processed, res.Generation.Deferred, len(res.Failures))
			})
		},
	}
	tickCmd.Flags().BoolVar(&force, "force", false, "run even while frozen")
	tickCmd.Flags().Int64Var(&seed, "seed", 0, "rng seed (default: current time)")
	tickCmd.Flags().StringVar(&card, "card", "", "force an oracle card by special-event slug")
	tickCmd.Flags().Float64Var(&multiplier, "multiplier", 1, "scale energy' by this factor")
	tickCmd.Flags().StringVar(&note, "note", "", "operator note recorded with a forced run")
	rootCmd.AddCommand(tickCmd)

	var (
		limit    int
		taskType string
		threadID int64
	)
	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Process pending generation tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp("drain")
			if err != nil {
				return err
			}
			defer a.Close()
			f := generation.Filter{Limit: limit, ThreadID: threadID}
			switch t := forum.TaskType(strings.TrimSpace(taskType)); t {
			case "":
			case forum.TaskThreadStart, forum.TaskReply, forum.TaskDM:
				f.Type = t
			default:
				return fmt.Errorf("unknown task type %q", taskType)
			}
			st, err := a.queue.Drain(cmd.Context(), f)
			if err != nil {
				return err
			}
			return emit(cmd, st, func() string {
				return fmt.Sprintf("processed=%d deferred=%d", st.Processed, st.Deferred)
			})
		},
	}
	drainCmd.Flags().IntVar(&limit, "limit", 0, "max tasks (default: GENERATION_QUEUE_LIMIT)")
	drainCmd.Flags().StringVar(&taskType, "type", "", "only thread_start, reply or dm")
	drainCmd.Flags().Int64Var(&threadID, "thread", 0, "only tasks for this thread")
	rootCmd.AddCommand(drainCmd)
}
