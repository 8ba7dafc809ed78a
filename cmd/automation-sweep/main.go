package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/records_backend/config"
	"bitbucket.org/mmdatafocus/records_backend/metrics"
	"bitbucket.org/mmdatafocus/records_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const sweepLockKey = "automation-sweep:lock"

var (
	scheduleSpec string
	outboxOnce   bool
)

type app struct {
	cfg    config.Config
	logger *logrus.Logger
	db     *gorm.DB
	locker *redislock.Client
	engine *workflow.Engine
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	db, err := config.ConnectDatabaseWithRetry(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	_, locker, err := config.ConnectRedisWithRetry(ctx, cfg.Redis, 3, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("running without a sweep lock: " + err.Error())
	}
	m := metrics.New(prometheus.NewRegistry())
	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		locker: locker,
		engine: workflow.FromConfig(cfg, db, logger, m, locker),
	}, nil
}

// sweepOnce runs both sweeps. Another replica holding the lock makes this a no-op.
func (a *app) sweepOnce(ctx context.Context) error {
	if a.locker != nil {
		lock, err := a.locker.Obtain(ctx, sweepLockKey, 10*time.Minute, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			a.logger.WithFields(logrus.Fields{"module": "automation-sweep"}).Info("sweep already running elsewhere")
			return nil
		}
		if err != nil {
			return err
		}
		defer lock.Release(context.Background())
	}

	now := time.Now().UTC()
	overdue, err := a.engine.SweepOverdueInvoices(ctx, now)
	if err != nil {
		return fmt.Errorf("overdue sweep: %w", err)
	}
	a.report("overdue_invoices", overdue)
	expired, err := a.engine.SweepExpiredContracts(ctx, now)
	if err != nil {
		return fmt.Errorf("contract sweep: %w", err)
	}
	a.report("expired_contracts", expired)
	return nil
}

func (a *app) report(name string, r *workflow.SweepReport) {
	fields := logrus.Fields{
		"module":       "automation-sweep",
		"sweep":        name,
		"scanned":      r.Scanned,
		"transitioned": r.Transitioned,
		"failed":       r.Failed,
	}
	if r.Failed > 0 {
		items, _ := json.Marshal(r.Items)
		fields["items"] = string(items)
		a.logger.WithFields(fields).Warn("sweep finished with failures")
		return
	}
	a.logger.WithFields(fields).Info("sweep finished")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:   "automation-sweep",
	Short: "Time-based automations and transition event publishing",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the overdue invoice and expired contract sweeps once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		return a.sweepOnce(ctx)
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the sweeps on a cron schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
		if _, err := c.AddFunc(scheduleSpec, func() {
			if err := a.sweepOnce(ctx); err != nil {
				config.LogError(a.logger, "automation-sweep", "schedule", scheduleSpec, nil, err)
			}
		}); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", scheduleSpec, err)
		}
		c.Start()
		a.logger.WithFields(logrus.Fields{"module": "automation-sweep", "schedule": scheduleSpec}).Info("scheduler started")
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Publish pending transition events to Pub/Sub",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		client, err := config.NewPubSubClient(ctx, a.cfg.PubSub, 5, a.logger)
		if err != nil {
			return err
		}
		defer client.Close()
		topic, err := config.CreateTopicIfNotExists(ctx, client, a.cfg.PubSub.Topic)
		if err != nil {
			return err
		}
		defer topic.Stop()

		pub := workflow.NewOutboxPublisher(a.db, a.logger, workflow.NewPubSubPublisher(topic))
		if outboxOnce {
			n, err := pub.RunOnce(ctx)
			a.logger.WithFields(logrus.Fields{"module": "automation-sweep", "published": n}).Info("outbox batch done")
			return err
		}
		pub.Run(ctx)
		return nil
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleSpec, "spec", "*/15 * * * *", "cron expression for the sweeps")
	outboxCmd.Flags().BoolVar(&outboxOnce, "once", false, "publish a single batch and exit")
	rootCmd.AddCommand(runCmd, scheduleCmd, outboxCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
