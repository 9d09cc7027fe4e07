// Command remindctl is the operator CLI of the reminder engine.
//
// Usage:
//
//	remindctl migrate
//	remindctl sweep
//	remindctl readjust
//	remindctl list --contract c-1 --state pending,failed
//	remindctl ack 6f1c...
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/config"
	"github.com/alexnthnz/contract-reminders/internal/database"
	"github.com/alexnthnz/contract-reminders/internal/notification"
	"github.com/alexnthnz/contract-reminders/internal/policy"
	"github.com/alexnthnz/contract-reminders/internal/recurrence"
	"github.com/alexnthnz/contract-reminders/internal/resolver"
	"github.com/alexnthnz/contract-reminders/internal/scheduler"
	"github.com/alexnthnz/contract-reminders/internal/store"
)

var configPath string

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:   "remindctl",
		Short: "Contract reminder engine operator CLI",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ./config.yaml)")

	root.AddCommand(migrateCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(readjustCmd())
	root.AddCommand(listCmd())
	root.AddCommand(ackCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// engine bundles what the commands operate on
type engine struct {
	cfg     *config.Config
	db      *database.PostgresDB
	store   *store.PostgresStore
	planner *scheduler.Planner
	service *notification.Service
	logger  *zap.Logger
}

func run(fn func(ctx context.Context, e *engine) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.NewPostgresDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	settings := config.NewSettingsStore(cfg.Settings)
	pol, err := policy.NewSource(settings, logger)
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	rules := store.NewPostgresRuleStore(db.DB)
	notifications := store.NewPostgresStore(db.DB)
	res := resolver.New(resolver.NewPostgresEntityStore(db.DB), logger, resolver.NewLocalCache(cfg.Redis.AnchorTTL))
	planner := scheduler.NewPlanner(
		rules,
		notifications,
		res,
		recurrence.New(cfg.Scheduler.GraceWindow, cfg.Scheduler.Horizon),
		pol,
		logger,
	)

	return fn(ctx, &engine{
		cfg:     cfg,
		db:      db,
		store:   notifications,
		planner: planner,
		service: notification.NewService(rules, notifications, planner, notification.NewRuleValidator(res), settings, logger),
		logger:  logger,
	})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, e *engine) error {
				if err := e.db.InitSchema(ctx); err != nil {
					return err
				}
				e.logger.Info("Schema is up to date")
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Materialize occurrences of every active rule up to the horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, e *engine) error {
				start := time.Now()
				n, err := e.planner.Sweep(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "materialized %d occurrences in %s\n", n, time.Since(start).Round(time.Millisecond))
				return err
			})
		},
	}
}

func readjustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readjust",
		Short: "Re-plan pending occurrences against the current global settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, e *engine) error {
				start := time.Now()
				n, err := e.planner.Readjust(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "materialized %d occurrences in %s\n", n, time.Since(start).Round(time.Millisecond))
				return err
			})
		},
	}
}

func listCmd() *cobra.Command {
	var (
		filter notification.Filter
		states string
		asJSON bool
		from   string
		to     string
		event  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range strings.Split(states, ",") {
				if s = strings.TrimSpace(s); s != "" {
					filter.States = append(filter.States, notification.State(s))
				}
			}
			filter.Event = notification.Event(event)
			for _, bound := range []struct {
				raw string
				dst **time.Time
			}{{from, &filter.From}, {to, &filter.To}} {
				if bound.raw == "" {
					continue
				}
				t, err := time.Parse(time.RFC3339, bound.raw)
				if err != nil {
					return fmt.Errorf("parse time %q: %w", bound.raw, err)
				}
				*bound.dst = &t
			}

			return run(func(ctx context.Context, e *engine) error {
				list, err := e.service.ListScheduledNotifications(ctx, filter)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(list)
				}
				return printNotifications(cmd, list)
			})
		},
	}
	cmd.Flags().StringVar(&filter.RuleID, "rule", "", "Rule ID")
	cmd.Flags().StringVar(&filter.ContractID, "contract", "", "Contract ID")
	cmd.Flags().StringVar(&filter.TargetID, "target", "", "Target entity ID")
	cmd.Flags().StringVar(&event, "event", "", "Event (start, end, overdue, completed, assigned, escalation)")
	cmd.Flags().StringVar(&states, "state", "", "Comma-separated states")
	cmd.Flags().StringVar(&from, "from", "", "Earliest scheduled time (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "Latest scheduled time (RFC 3339)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum rows")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Rows to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printNotifications(cmd *cobra.Command, list []notification.ScheduledNotification) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRULE\tTARGET\tEVENT\tSCHEDULED FOR\tSTATE\tATTEMPTS\tNOTE")
	for _, n := range list {
		note := n.LastError
		if n.Undelivered() {
			note = "UNDELIVERED " + note
		}
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\t%s\t%d\t%s\n",
			n.ID, n.RuleID, n.Scope, n.TargetID, n.Event,
			n.ScheduledFor.UTC().Format(time.RFC3339), n.State, n.Attempts, note)
	}
	return w.Flush()
}

func ackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <notification-id>",
		Short: "Acknowledge a sent notification, stopping its escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, e *engine) error {
				n, err := e.service.Acknowledge(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s at %s\n", n.ID, n.State, n.AcknowledgedAt.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
}
