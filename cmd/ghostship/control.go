package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/tickcontrol"
)

func init() {
	var actor, reason string
	freezeCmd := &cobra.Command{
		Use:   "freeze",
		Short: "Pause automatic ticks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp("control")
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.control.Freeze(cmd.Context(), actor, reason)
			if err != nil {
				return err
			}
			return emit(cmd, st, func() string { return describeFreeze(st) })
		},
	}
	unfreezeCmd := &cobra.Command{
		Use:   "unfreeze",
		Short: "Resume automatic ticks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp("control")
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.control.Unfreeze(cmd.Context(), actor, reason)
			if err != nil {
				return err
			}
			return emit(cmd, st, func() string { return describeFreeze(st) })
		},
	}
	for _, c := range []*cobra.Command{freezeCmd, unfreezeCmd} {
		c.Flags().StringVar(&actor, "actor", "cli", "who is toggling")
		c.Flags().StringVar(&reason, "reason", "", "why")
		rootCmd.AddCommand(c)
	}

	var (
		seed       int64
		card       string
		multiplier float64
		force      bool
		note       string
	)
	overrideCmd := &cobra.Command{
		Use:   "override",
		Short: "Queue a one-shot override for the next scheduled tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp("control")
			if err != nil {
				return err
			}
			defer a.Close()
			o := tickcontrol.Override{OracleCard: card, Force: force, Note: note, Origin: "manual-override"}
			if cmd.Flags().Changed("seed") {
				o.Seed = &seed
			}
			if cmd.Flags().Changed("multiplier") {
				o.EnergyMultiplier = &multiplier
			}
			if card != "" {
				if _, ok := a.catalogs.Special(card); !ok {
					return fmt.Errorf("unknown oracle card %q", card)
				}
			}
			queued, err := a.control.QueueOverride(cmd.Context(), o)
			if err != nil {
				return err
			}
			return emit(cmd, queued, func() string {
				return "override queued at " + queued.QueuedAt.Format(time.RFC3339)
			})
		},
	}
	overrideCmd.Flags().Int64Var(&seed, "seed", 0, "rng seed")
	overrideCmd.Flags().StringVar(&card, "card", "", "oracle card slug")
	overrideCmd.Flags().Float64Var(&multiplier, "multiplier", 1, "energy' multiplier")
	overrideCmd.Flags().BoolVar(&force, "force", false, "run even while frozen")
	overrideCmd.Flags().StringVar(&note, "note", "", "operator note")
	rootCmd.AddCommand(overrideCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show freeze state, last run and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp("status")
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			out := statusOutput{}
			if out.Freeze, err = a.control.Describe(ctx); err != nil {
				return err
			}
			if lr, ok, err := a.control.LastRun(ctx); err != nil {
				return err
			} else if ok {
				out.LastRun = &lr
			}
			if o, ok, err := a.control.PendingOverride(ctx); err != nil {
				return err
			} else if ok {
				out.Override = &o
			}
			if out.LastTick, err = a.store.LastTick(ctx); err != nil {
				return err
			}
			if out.PendingTasks, err = a.store.CountPending(ctx, forum.TaskFilter{}); err != nil {
				return err
			}
			out.CompletionsLeft = a.client.Remaining(ctx)
			out.Tuning = a.tuning.Snapshot(a.cfg.TuningPath).Fingerprint
			return emit(cmd, out, out.String)
		},
	}
	rootCmd.AddCommand(statusCmd)
}

type statusOutput struct {
	Freeze          tickcontrol.FreezeState `json:"freeze"`
	LastRun         *tickcontrol.LastRun    `json:"last_run,omitempty"`
	Override        *tickcontrol.Override   `json:"pending_override,omitempty"`
	LastTick        int                     `json:"last_tick"`
	PendingTasks    int                     `json:"pending_tasks"`
	CompletionsLeft int                     `json:"completions_left"`
	Tuning          string                  `json:"tuning_fingerprint"`
}

func (s statusOutput) String() string {
	var b strings.Builder
	fmt.Fprintln(&b, describeFreeze(s.Freeze))
	fmt.Fprintf(&b, "last tick: %d\n", s.LastTick)
	if s.LastRun != nil {
		fmt.Fprintf(&b, "last run: tick %d via %s at %s\n", s.LastRun.Tick, s.LastRun.Origin, s.LastRun.RecordedAt.Format(time.RFC3339))
	}
	if s.Override != nil {
		fmt.Fprintf(&b, "override pending (queued %s)\n", s.Override.QueuedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "pending tasks: %d\ncompletions left today: %d\ntuning: %s", s.PendingTasks, s.CompletionsLeft, s.Tuning)
	return b.String()
}

func describeFreeze(st tickcontrol.FreezeState) string {
	state := "LIVE"
	if st.Frozen {
		state = "FROZEN"
	}
	if st.Actor != "" {
		state += " by " + st.Actor
	}
	if st.Reason != "" {
		state += ": " + st.Reason
	}
	return state
}
