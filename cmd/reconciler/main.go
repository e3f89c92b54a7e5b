package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/config"
	"github.com/ariefcatur/go-payment-reconciliation/internal/events"
	kafkax "github.com/ariefcatur/go-payment-reconciliation/internal/kafka"
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/logging"
	"github.com/ariefcatur/go-payment-reconciliation/internal/postgres"
	"github.com/ariefcatur/go-payment-reconciliation/internal/processor"
	"github.com/ariefcatur/go-payment-reconciliation/internal/reconcile"
	"github.com/ariefcatur/go-payment-reconciliation/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "reconciler",
		Short:         "Resolves payment intents whose ledger write is still owed",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume reconciliation events and sweep open intents on an interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, "reconciler")
			if err != nil {
				return err
			}
			defer a.close()

			cons := kafkax.NewConsumer(a.cfg.KafkaBrokers, a.cfg.ReconcileGroup, events.TopicReconciliationNeeded,
				a.cfg.ReconcileWorkers, a.log)
			errCh := make(chan error, 1)
			go func() {
				a.log.Info("reconcile consumer started",
					zap.String("group", a.cfg.ReconcileGroup),
					zap.String("topic", events.TopicReconciliationNeeded),
					zap.Int("workers", a.cfg.ReconcileWorkers))
				errCh <- cons.Start(ctx, a.sweeper.HandleMessage)
			}()
			swept := make(chan struct{})
			go func() {
				defer close(swept)
				a.sweeper.Run(ctx, a.cfg.ReconcileInterval)
			}()

			var exitErr error
			select {
			case <-ctx.Done():
				a.log.Info("shutting down reconciler")
				<-errCh
			case err := <-errCh:
				if ctx.Err() == nil && err != nil {
					exitErr = fmt.Errorf("consumer exit: %w", err)
				}
				stop()
			}
			<-swept
			return exitErr
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a single sweep over open intents and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), "reconciler-sweep")
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			a.log.Info("sweep done", zap.Int("scanned", st.Scanned), zap.Int("confirmed", st.Confirmed),
				zap.Int("failed", st.Failed), zap.Int("retrying", st.Retrying), zap.Int("abandoned", st.Abandoned))
			return nil
		},
	}
}

type app struct {
	cfg     config.Config
	log     *zap.Logger
	sweeper *reconcile.Sweeper
	close   func()
}

func setup(ctx context.Context, name string) (*app, error) {
	cfg := config.Load()
	log, err := logging.New(cfg.ServiceName+"-"+name, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	if len(cfg.Invalid) > 0 {
		log.Warn("invalid settings replaced by defaults", zap.Strings("keys", cfg.Invalid))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, log)
	if err != nil {
		return nil, err
	}
	rdb := redisx.New(cfg.RedisAddr)

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 256, log)
	prodCtx, cancelProd := context.WithCancel(context.WithoutCancel(ctx))
	prod.Start(prodCtx)

	sw := &reconcile.Sweeper{
		Processor:   processor.WithTimeout(processor.NewStripe(cfg.StripeSecretKey), cfg.ProcessorTimeout),
		Orders:      &ledger.OrderRepo{DB: db},
		Sellers:     &ledger.SellerRepo{DB: db},
		Intents:     &ledger.IntentRepo{DB: db},
		Events:      prod,
		Dedup:       &redisx.Dedup{R: rdb, Source: name},
		Grace:       cfg.ReconcileGrace,
		Batch:       cfg.ReconcileBatch,
		MaxAttempts: cfg.ReconcileMaxAttempts,
		Producer:    cfg.ServiceName + "-" + name,
		Log:         log.Named("reconcile"),
	}
	return &app{
		cfg:     cfg,
		log:     log,
		sweeper: sw,
		close: func() {
			prod.Close()
			prod.WaitClosed()
			cancelProd()
			_ = rdb.Close()
			db.Close()
			_ = log.Sync()
		},
	}, nil
}
