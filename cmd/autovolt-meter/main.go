package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/firose-git/AutoVolt-sub003/config"
	"github.com/firose-git/AutoVolt-sub003/internal/aggregator"
	"github.com/firose-git/AutoVolt-sub003/internal/analytics"
	"github.com/firose-git/AutoVolt-sub003/internal/api"
	"github.com/firose-git/AutoVolt-sub003/internal/events"
	"github.com/firose-git/AutoVolt-sub003/internal/ingest"
	"github.com/firose-git/AutoVolt-sub003/internal/mqtt"
	"github.com/firose-git/AutoVolt-sub003/internal/poller"
	"github.com/firose-git/AutoVolt-sub003/internal/storage"
	"github.com/firose-git/AutoVolt-sub003/internal/summary"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "autovolt-meter",
		Short: "AutoVolt energy metering service",
		Long:  "Runtime-based energy metering, aggregation and reporting for smart switch fleets",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(aggregateCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(summaryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type services struct {
	cfg        *config.Config
	db         *storage.Database
	events     *events.Service
	ingest     *ingest.Service
	aggregator *aggregator.Service
	summary    *summary.Service
	analytics  *analytics.Service
}

func buildServices() (*services, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	log.Printf("Database opened at %s", cfg.Database.Path)

	eventSvc := events.NewService(db, events.PricingDefaults{
		PricePerUnit:      cfg.Pricing.DefaultPricePerUnit,
		ConsumptionFactor: cfg.Pricing.DefaultConsumptionFactor,
	})

	ingestSvc := ingest.NewService(db, ingest.Config{
		MinInterval:              cfg.Ingest.MinInterval,
		MaxInterval:              cfg.Ingest.MaxInterval,
		WarnInterval:             cfg.Ingest.WarnInterval,
		DefaultInterval:          cfg.Ingest.DefaultInterval,
		MaxBatchSize:             cfg.Ingest.MaxBatchSize,
		DefaultPricePerUnit:      cfg.Pricing.DefaultPricePerUnit,
		DefaultConsumptionFactor: cfg.Pricing.DefaultConsumptionFactor,
	})

	aggSvc := aggregator.NewService(aggregator.ServiceConfig{
		Database:         db,
		Events:           eventSvc,
		Interval:         cfg.Aggregator.Interval,
		FinalizeHour:     cfg.Aggregator.FinalizeHour,
		StartupReconcile: cfg.Aggregator.StartupReconcile,
		Enabled:          cfg.Aggregator.Enabled,
	})

	return &services{
		cfg:        cfg,
		db:         db,
		events:     eventSvc,
		ingest:     ingestSvc,
		aggregator: aggSvc,
		summary:    summary.NewService(db, eventSvc, cfg.Summary.CacheTTL),
		analytics:  analytics.NewService(db),
	}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the metering service",
		Long:  "Start the ingest adapters, aggregation service and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			defer svc.db.Close()

			// Setup context for graceful shutdown
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Handle signals
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			// Start aggregation loop in goroutine
			go func() {
				if err := svc.aggregator.Start(ctx); err != nil {
					log.Printf("Aggregation service error: %v", err)
				}
			}()

			// MQTT telemetry ingest
			subscriber, err := mqtt.NewSubscriber(mqtt.SubscriberConfig{
				Broker:      svc.cfg.MQTT.Broker,
				ClientID:    svc.cfg.MQTT.ClientID,
				Username:    svc.cfg.MQTT.Username,
				Password:    svc.cfg.MQTT.Password,
				TopicPrefix: svc.cfg.MQTT.TopicPrefix,
				Enabled:     svc.cfg.MQTT.Enabled,
			}, svc.ingest, svc.events)
			if err != nil {
				log.Printf("Warning: MQTT connection failed: %v", err)
			} else if svc.cfg.MQTT.Enabled {
				log.Printf("MQTT connected to %s", svc.cfg.MQTT.Broker)
				defer subscriber.Close()
			}

			// Modbus meter poller
			meterPoller := poller.NewPoller(poller.PollerConfig{
				Meters:   svc.cfg.Meters,
				Ingest:   svc.ingest,
				Interval: svc.cfg.Poller.Interval,
				Enabled:  svc.cfg.Poller.Enabled,
			})
			go func() {
				if err := meterPoller.Start(ctx); err != nil {
					log.Printf("Meter poller error: %v", err)
				}
			}()
			defer meterPoller.Stop()

			// API server
			if svc.cfg.Server.Enabled {
				server := api.NewServer(api.ServerConfig{
					Port:       svc.cfg.Server.Port,
					Database:   svc.db,
					Ingest:     svc.ingest,
					Events:     svc.events,
					Aggregator: svc.aggregator,
					Summary:    svc.summary,
					Analytics:  svc.analytics,
				})

				go func() {
					if err := server.Start(); err != nil {
						log.Printf("API server error: %v", err)
					}
				}()
				defer func() {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					server.Stop(shutdownCtx)
				}()
			}

			log.Println("AutoVolt metering service started. Press Ctrl+C to stop.")

			// Wait for signal
			<-sigChan
			log.Println("Shutting down...")
			cancel()

			return nil
		},
	}
}

func aggregateCmd() *cobra.Command {
	var dateStr string
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Run daily aggregation once",
		Long:  "Recompute the daily rollups for one date and its monthly rollup, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			defer svc.db.Close()

			date := time.Now()
			if dateStr != "" {
				date, err = time.ParseInLocation("2006-01-02", dateStr, time.Local)
				if err != nil {
					return fmt.Errorf("invalid date %q: %w", dateStr, err)
				}
			}

			ctx := context.Background()
			if err := svc.aggregator.AggregateDailyData(ctx, date); err != nil {
				return err
			}
			if err := svc.aggregator.AggregateMonthlyData(ctx, date.Year(), date.Month()); err != nil {
				return err
			}

			fmt.Printf("Aggregated %s\n", date.Format("2006-01-02"))
			return nil
		},
	}
	cmd.Flags().StringVar(&dateStr, "date", "", "date to aggregate (YYYY-MM-DD, default today)")
	return cmd
}

func backfillCmd() *cobra.Command {
	var startStr, endStr string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Backfill daily and monthly rollups for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			defer svc.db.Close()

			start, err := time.ParseInLocation("2006-01-02", startStr, time.Local)
			if err != nil {
				return fmt.Errorf("invalid start date %q: %w", startStr, err)
			}
			end, err := time.ParseInLocation("2006-01-02", endStr, time.Local)
			if err != nil {
				return fmt.Errorf("invalid end date %q: %w", endStr, err)
			}

			// Ctrl+C cancels between dates
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := svc.aggregator.BackfillHistoricalData(ctx, start, end); err != nil {
				return err
			}
			fmt.Printf("Backfilled %s..%s\n", startStr, endStr)
			return nil
		},
	}
	cmd.Flags().StringVar(&startStr, "start", "", "range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endStr, "end", "", "range end (YYYY-MM-DD)")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print the current energy summary as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			defer svc.db.Close()

			output, _ := json.MarshalIndent(svc.summary.GetEnergySummary(), "", "  ")
			fmt.Println(string(output))
			return nil
		},
	}
}
