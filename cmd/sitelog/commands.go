package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgard/sitelog/internal/app"
	"github.com/edgard/sitelog/internal/app/tasks"
	"github.com/edgard/sitelog/internal/config"
	"github.com/edgard/sitelog/internal/database"
	"github.com/edgard/sitelog/internal/httpapi"
	"github.com/edgard/sitelog/internal/logger"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
	log        *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "sitelog",
		Short:         "Consolidates site supervisors' messages into daily reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				slog.Error("Failed to load configuration", "path", opts.configPath, "error", err)
				return err
			}
			opts.cfg = cfg
			opts.log = logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
			slog.SetDefault(opts.log)
			opts.log.Debug("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "./config.yaml", "Path to configuration file")

	root.AddCommand(
		newServeCmd(opts),
		newConsolidateCmd(opts),
		newSweepCmd(opts),
		newSeedCmd(opts),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, the scheduler and the optional Telegram listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log := opts.cfg, opts.log

			c, err := buildComponents(ctx, cfg, log)
			if err != nil {
				log.Error("Failed to initialize components", "error", err)
				return err
			}
			defer c.close()

			router := httpapi.NewRouter(httpapi.Deps{
				Store:        c.store,
				Ingester:     c.ingester,
				Consolidator: c.consolidator,
				Sweeper:      c.sweeper,
				Metrics:      c.metrics,
				Logger:       log,
				CronSecret:   cfg.HTTP.CronSecret,
				VerifyToken:  cfg.WhatsApp.VerifyToken,
				AppSecret:    cfg.WhatsApp.AppSecret,
				RunTimeout:   cfg.Consolidation.RunTimeout,
			})
			server := httpapi.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout)

			registry := tasks.RegisterAllTasks(tasks.TaskDeps{
				Logger:       log,
				Consolidator: c.consolidator,
				Sweeper:      c.sweeper,
				Store:        c.store,
				RunTimeout:   cfg.Consolidation.RunTimeout,
			})
			sched, err := app.NewScheduler(log, &cfg.Scheduler, cfg.Consolidation.Location(), registry)
			if err != nil {
				return err
			}

			return app.New(log, server, sched, c.tgBot).Run(ctx)
		},
	}
}

func newConsolidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation pass and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := buildComponents(cmd.Context(), opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer c.close()

			result, err := c.consolidator.Run(cmd.Context())
			if err != nil {
				opts.log.Error("Consolidation failed", "error", err)
				return err
			}
			return printJSON(cmd, result)
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete reports older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := buildComponents(cmd.Context(), opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer c.close()

			result, err := c.sweeper.Sweep(cmd.Context())
			if err != nil {
				opts.log.Error("Retention sweep failed", "error", err)
				return err
			}
			return printJSON(cmd, result)
		},
	}
}

type seedOptions struct {
	siteID       string
	siteName     string
	siteLocation string
	inactive     bool
	senderID     string
	senderName   string
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	seed := &seedOptions{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register a site and map a sender to it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(seed.siteName) == "" {
				return errors.New("--site is required")
			}

			db, store, err := openStore(opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer database.CloseDB(db)

			site := &database.Site{ID: seed.siteID, Name: seed.siteName, IsActive: !seed.inactive}
			if seed.siteLocation != "" {
				site.Location = &seed.siteLocation
			}
			if err := store.UpsertSite(cmd.Context(), site); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "site %s (%s)\n", site.ID, site.Name)

			if seed.senderID == "" {
				return nil
			}
			supervisor := &database.Supervisor{SenderID: seed.senderID, SiteID: &site.ID}
			if seed.senderName != "" {
				supervisor.Name = &seed.senderName
			}
			if err := store.UpsertSupervisor(cmd.Context(), supervisor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sender %s -> site %s\n", supervisor.SenderID, site.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&seed.siteName, "site", "", "Site name")
	cmd.Flags().StringVar(&seed.siteID, "site-id", "", "Site ID to create or update (generated when empty)")
	cmd.Flags().StringVar(&seed.siteLocation, "location", "", "Site location")
	cmd.Flags().BoolVar(&seed.inactive, "inactive", false, "Register the site as inactive")
	cmd.Flags().StringVar(&seed.senderID, "sender", "", "Sender ID to map to the site")
	cmd.Flags().StringVar(&seed.senderName, "sender-name", "", "Supervisor name")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
