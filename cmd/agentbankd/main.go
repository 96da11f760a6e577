package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"agentbank.org/internal/audit"
	"agentbank.org/internal/auth"
	"agentbank.org/internal/cache"
	"agentbank.org/internal/config"
	"agentbank.org/internal/events"
	"agentbank.org/internal/httpapi"
	"agentbank.org/internal/ledger"
	"agentbank.org/internal/notify"
	"agentbank.org/internal/obs"
	"agentbank.org/internal/outbox"
	"agentbank.org/internal/processor"
	"agentbank.org/internal/rpc"
	"agentbank.org/internal/store/pg"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	if cfg.Version == "dev" {
		cfg.Version = version
	}

	log := obs.NewLogger("agentbankd", cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	restore := obs.SetLogger(log)
	defer restore()
	obs.Init()
	obs.InitBuildInfo(cfg.Version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("agentbankd stopped", zap.Error(err))
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	var (
		store ledger.Store
		queue outbox.Queue
		sink  audit.Logger = audit.NewZapSink(log)
		ready func(context.Context) error
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store, queue, ready = pgStore, pgStore.Queue(), pgStore.Ping
		sink = audit.Multi{pgStore.AuditSink(), sink}
	} else {
		log.Warn("AGENTBANK_PG_DSN not set, using in-memory store")
		mem := ledger.NewInMemory()
		store, queue = mem, mem.Queue()
	}

	disp := outbox.NewDispatcher(queue, outboxOptions(cfg, sink, log))

	c := ledger.Collaborators{
		Audit:    audit.Deferred{Queue: disp},
		Deferrer: disp,
		Logger:   log,
	}
	var resolver ledger.Resolver = ledger.NewStoreResolver(store)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr)
		defer client.Close()
		cached := cache.NewRedisResolver(resolver, client, cfg.MappingTTL)
		resolver, c.Cache = cached, cached
	}

	stream := notify.NewStream()
	notifiers := notify.Multi{stream, notify.Log{Logger: log}}
	alerters := notify.Alerters{stream, notify.Log{Logger: log}}
	if cfg.NATSURL != "" {
		nc, err := notify.Connect(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		n := notify.NewNATS(nc, cfg.AlertsSubject)
		notifiers = append(notifiers, n)
		alerters = append(alerters, n)
	}

	var publisher events.Publisher = events.Discard{}
	if len(cfg.KafkaBrokers) > 0 {
		k := events.NewKafka(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		defer k.Close()
		publisher = k
	}

	floats := ledger.NewFloatAccounts(store, c)
	coord := ledger.NewCoordinator(store, ledger.NewBuilder(cfg.MinorUnits), resolver, c)
	registry := ledger.NewRegistry(store)
	checker := ledger.NewChecker(store, cfg.TrialBalanceEpsilon, alerters, c)
	proc := processor.New(floats, coord, queue, log)

	disp.Register(outbox.KindLedgerPost, proc.RetryHandler())
	disp.Register(outbox.KindLedgerReverse, coord.ReverseRetryHandler())
	disp.Register(outbox.KindAuditLog, audit.Handler(sink))
	disp.Register(outbox.KindNotifyThreshold, notify.Handler(notifiers))
	disp.Register(outbox.KindEventsJournal, events.Handler(publisher))

	var verifier *auth.Verifier
	if cfg.AuthSecret != "" {
		v, err := auth.NewVerifier(cfg.AuthSecret, "")
		if err != nil {
			return err
		}
		verifier = v
	} else {
		log.Warn("AGENTBANK_AUTH_SECRET not set, trusting X-Actor headers")
	}

	api := httpapi.New(httpapi.Deps{
		Processor:   proc,
		Coordinator: coord,
		Floats:      floats,
		Registry:    registry,
		Checker:     checker,
		Stream:      stream,
		Verifier:    verifier,
		Ready:       ready,
		Version:     cfg.Version,
		Logger:      log,
		RateBurst:   cfg.RateBurst,
		RatePerSec:  cfg.RatePerSec,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rpcSrv := rpc.NewServer(rpc.Deps{
		Processor:   proc,
		Coordinator: coord,
		Floats:      floats,
		Checker:     checker,
		Verifier:    verifier,
		Ready:       ready,
		Logger:      log,
	})
	grpcSrv := rpcSrv.GRPCServer()
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	go disp.Run(ctx, cfg.OutboxInterval)
	go checker.Start(ctx, cfg.TrialBalanceInterval)
	go rpcSrv.WatchReady(ctx, 5*time.Second)

	errc := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errc:
		log.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	return err
}

// outboxOptions reports abandoned tasks to dead, which must write directly
// rather than through the outbox.
func outboxOptions(cfg config.Config, dead audit.Logger, log *zap.Logger) outbox.Options {
	return outbox.Options{
		MaxAttempts: cfg.OutboxMaxAttempts,
		Batch:       cfg.OutboxBatch,
		PerSecond:   cfg.OutboxPerSecond,
		Dead:        dead,
		Logger:      log,
	}
}
