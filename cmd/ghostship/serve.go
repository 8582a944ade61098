package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ghostship.forum/internal/scheduler"
	"ghostship.forum/internal/transport/observer"
)

func init() {
	var (
		listen    string
		noTicks   bool
		ghosts    int
		seedValue int64
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tick scheduler and the observer feed",
		Long: `Serve the loopback observer feed (/healthz, /v1/ticks/latest,
/v1/ticks/ws) and, unless FORUM_AUTO_TICKS is off, run ticks on the
configured interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp("server")
			if err != nil {
				return err
			}
			defer a.Close()
			feed := observer.NewServer(a.store, a.control, log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds))
			a.orch.AddSink(feed)

			ctx, cancel := signalContext()
			defer cancel()

			addr := a.cfg.ListenAddr
			if listen != "" {
				addr = listen
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           feed.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel2()
				_ = srv.Shutdown(ctx2)
			}()

			if ghosts > 0 {
				if _, err := a.orch.SeedForum(ctx, ghosts, seedValue); err != nil {
					return fmt.Errorf("seed: %w", err)
				}
			}

			if !noTicks && scheduler.AutoTicksEnabled(a.cfg.AutoTicks) {
				schedLog := log.New(os.Stdout, "[scheduler] ", log.LstdFlags|log.Lmicroseconds)
				sched := scheduler.New(scheduler.ConfigFrom(a.tuning.Scheduler), a.control, a.orch, a.queue, schedLog)
				done := make(chan struct{})
				go func() {
					defer close(done)
					if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
						schedLog.Printf("stopped: %v", err)
					}
				}()
				defer func() {
					sched.Stop()
					<-done
				}()
			} else {
				a.logger.Printf("auto ticks disabled (FORUM_AUTO_TICKS=%s)", strings.TrimSpace(a.cfg.AutoTicks))
			}

			a.logger.Printf("observer feed listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		},
	}
	serveCmd.Flags().StringVar(&listen, "listen", "", "listen address (default: $GHOSTSHIP_LISTEN)")
	serveCmd.Flags().BoolVar(&noTicks, "no-ticks", false, "serve the feed without running ticks")
	serveCmd.Flags().IntVar(&ghosts, "seed-ghosts", 0, "seed the forum with this many ghosts before starting")
	serveCmd.Flags().Int64Var(&seedValue, "seed", 1, "rng seed for --seed-ghosts")
	rootCmd.AddCommand(serveCmd)

	var count int
	var rngSeed int64
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Create core boards, t.admin, trexxak and a starting cast of ghosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp("seed")
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := a.orch.SeedForum(cmd.Context(), count, rngSeed)
			if err != nil {
				return err
			}
			return emit(cmd, rep, func() string {
				return fmt.Sprintf("boards: %s\nagents: %s", joinOrNone(rep.Boards), joinOrNone(rep.Agents))
			})
		},
	}
	seedCmd.Flags().IntVar(&count, "ghosts", 12, "number of ghosts to craft")
	seedCmd.Flags().Int64Var(&rngSeed, "seed", 1, "rng seed")
	rootCmd.AddCommand(seedCmd)
}

func joinOrNone(v []string) string {
	if len(v) == 0 {
		return "(none)"
	}
	return strings.Join(v, ", ")
}
