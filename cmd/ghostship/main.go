package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"ghostship.forum/internal/completion"
	"ghostship.forum/internal/config"
	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/generation"
	persistlog "ghostship.forum/internal/persistence/log"
	"ghostship.forum/internal/persistence/store"
	"ghostship.forum/internal/settings"
	"ghostship.forum/internal/sim/catalogs"
	"ghostship.forum/internal/sim/tick"
	"ghostship.forum/internal/sim/tuning"
	"ghostship.forum/internal/tickcontrol"
)

var (
	dbPath       string
	tuningPath   string
	catalogsPath string
	dataDir      string
	jsonOut      bool
)

var rootCmd = &cobra.Command{
	Use:          "ghostship",
	Short:        "Ghost forum tick simulation",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite database path (default: $GHOSTSHIP_DB)")
	rootCmd.PersistentFlags().StringVar(&tuningPath, "tuning", "", "tuning file, .yaml or .toml (default: $GHOSTSHIP_TUNING)")
	rootCmd.PersistentFlags().StringVar(&catalogsPath, "catalogs", "", "catalog JSON file (default: built-in)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "runtime data directory (default: $GHOSTSHIP_DATA_DIR)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print results as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is everything a command needs, wired from env and flags.
type app struct {
	cfg      config.Config
	logger   *log.Logger
	store    *store.SQLite
	tuning   tuning.Tuning
	catalogs *catalogs.Catalogs
	settings *settings.Settings
	control  *tickcontrol.Control
	client   *completion.Client
	queue    *generation.Queue
	orch     *tick.Orchestrator

	tickLog  *persistlog.TickLogger
	auditLog *persistlog.AuditLogger
}

func openApp(prefix string, sinks ...tick.TickSink) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if tuningPath != "" {
		cfg.TuningPath = tuningPath
	}
	if catalogsPath != "" {
		cfg.CatalogsPath = catalogsPath
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	logger := log.New(os.Stdout, "["+prefix+"] ", log.LstdFlags|log.Lmicroseconds)

	tun := tuning.Defaults()
	if cfg.TuningPath != "" {
		if tun, err = tuning.Load(cfg.TuningPath); err != nil {
			return nil, fmt.Errorf("tuning: %w", err)
		}
	}
	cat := catalogs.Defaults()
	if cfg.CatalogsPath != "" {
		if cat, err = catalogs.Load(cfg.CatalogsPath); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st, tuning: tun, catalogs: cat}
	a.settings = settings.New(st)
	a.control = tickcontrol.New(st)

	auditors := forum.Auditors{st}
	if !cfg.DisableLogs {
		a.tickLog = persistlog.NewTickLogger(cfg.DataDir)
		a.auditLog = persistlog.NewAuditLogger(cfg.DataDir)
		auditors = append(auditors, a.auditLog)
		sinks = append(sinks, a.tickLog)
	}

	a.client = completion.New(cfg.Completion(), st, a.settings, logger)
	a.queue = generation.New(st, a.client, generation.Options{
		Tuning:   tun.Generation,
		Settings: a.settings,
		Auditor:  auditors,
		Logger:   logger,
	})
	a.orch = tick.New(tick.Deps{
		Store:      st,
		Queue:      a.queue,
		Control:    a.control,
		Settings:   a.settings,
		Tuning:     tun,
		TuningPath: cfg.TuningPath,
		Catalogs:   cat,
		Auditor:    auditors,
		Sinks:      sinks,
		Logger:     logger,
	})
	return a, nil
}

func (a *app) Close() {
	if a.tickLog != nil {
		if err := a.tickLog.Close(); err != nil {
			a.logger.Printf("close tick log: %v", err)
		}
	}
	if a.auditLog != nil {
		if err := a.auditLog.Close(); err != nil {
			a.logger.Printf("close audit log: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Printf("close store: %v", err)
	}
}

// emit prints v as indented JSON with --json, otherwise with the given
// plain formatter.
func emit(cmd *cobra.Command, v any, plain func() string) error {
	out := cmd.OutOrStdout()
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(out, plain())
	return err
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
