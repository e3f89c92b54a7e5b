package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/catalog"
	"github.com/ariefcatur/go-payment-reconciliation/internal/config"
	"github.com/ariefcatur/go-payment-reconciliation/internal/httpx"
	kafkax "github.com/ariefcatur/go-payment-reconciliation/internal/kafka"
	"github.com/ariefcatur/go-payment-reconciliation/internal/kyc"
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciliation/internal/logging"
	"github.com/ariefcatur/go-payment-reconciliation/internal/payments"
	"github.com/ariefcatur/go-payment-reconciliation/internal/postgres"
	"github.com/ariefcatur/go-payment-reconciliation/internal/processor"
	"github.com/ariefcatur/go-payment-reconciliation/internal/redisx"
	"github.com/ariefcatur/go-payment-reconciliation/migrations"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	if len(cfg.Invalid) > 0 {
		log.Warn("invalid settings replaced by defaults", zap.Strings("keys", cfg.Invalid))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db, migrations.FS, log); err != nil {
		log.Fatal("db migrate", zap.Error(err))
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer, one writer for every payments topic
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)

	orders := &ledger.OrderRepo{DB: db}
	sellers := &ledger.SellerRepo{DB: db}
	intents := &ledger.IntentRepo{DB: db}
	products := catalog.New(&ledger.ProductRepo{DB: db}, rdb, log)
	proc := processor.WithTimeout(processor.NewStripe(cfg.StripeSecretKey), cfg.ProcessorTimeout)

	confirm := &payments.ConfirmService{
		Processor: proc,
		Orders:    orders,
		Intents:   intents,
		Products:  products,
		Idem:      &redisx.Idempotency{R: rdb},
		Events:    prod,
		Pricing:   payments.Pricing{ShippingCost: cfg.ShippingCost, TaxRate: cfg.TaxRatePct, Currency: cfg.Currency},
		Producer:  cfg.ServiceName,
		Log:       log.Named("confirm"),
	}
	refunds := &payments.RefundService{
		Processor: proc,
		Orders:    orders,
		Intents:   intents,
		Events:    prod,
		Producer:  cfg.ServiceName,
		Log:       log.Named("refund"),
	}
	payouts := &payments.PayoutService{
		Processor: proc,
		Orders:    orders,
		Sellers:   sellers,
		Intents:   intents,
		Locker:    &redisx.Locker{R: rdb, TTL: cfg.PayoutLockTTL},
		Events:    prod,
		FeePct:    cfg.PlatformFeePct,
		MinPayout: cfg.MinPayout,
		Currency:  cfg.Currency,
		Producer:  cfg.ServiceName,
		Log:       log.Named("payout"),
	}
	ingestor := &kyc.Ingestor{
		Verifier: processor.SignatureVerifier{Secret: cfg.StripeWebhookSecret},
		Accounts: proc,
		Sellers:  sellers,
		Dedup:    &redisx.Dedup{R: rdb, Source: "webhook"},
		Events:   prod,
		Producer: cfg.ServiceName,
		Log:      log.Named("kyc"),
	}

	router := httpx.NewRouter(15 * time.Second)
	(&httpx.PaymentsHandler{Confirm: confirm, Refunds: refunds, Payouts: payouts, Redis: rdb, Log: log}).Register(router)
	(&httpx.OrdersHandler{Orders: orders, Redis: rdb, Log: log}).Register(router)
	(&httpx.WebhookHandler{Ingestor: ingestor, Log: log}).Register(router)
	(&httpx.SellersHandler{KYC: ingestor, Log: log}).Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close() // close inbox, flush and close the writer
	cancel()
	prod.WaitClosed()
}
