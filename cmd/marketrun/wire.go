package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"marketrun/internal/adapters/orderbook"
	"marketrun/internal/adapters/settlement"
	"marketrun/internal/adapters/storage"
	"marketrun/internal/coordinator"
	"marketrun/internal/journal"
	"marketrun/internal/market"
	"marketrun/internal/match"
	"marketrun/internal/metrics"
	"marketrun/internal/notify"
	"marketrun/internal/observer"
	"marketrun/internal/order"
	"marketrun/internal/result"
)

// app 持有一次命令运行期间打开的全部组件，close 负责按相反顺序释放。
type app struct {
	coord   *coordinator.Coordinator
	book    *orderbook.Client
	journal *journal.Journal
	closers []func() error
}

func (a *app) close(e *env) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			e.log.Warnf("shutdown: %v", err)
		}
	}
}

// build 依据配置组装适配器、撮合引擎、观察器与协调器。
// withSigner 为 false 时不读取钱包，仅用于恢复。
func (e *env) build(ctx context.Context, withSigner bool) (*app, error) {
	cfg := e.cfg
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close(e)
		return nil, err
	}

	book, err := orderbook.New(cfg.Orderbook.URL, &http.Client{Timeout: cfg.Orderbook.Timeout}, e.log)
	if err != nil {
		return fail(err)
	}
	a.book = book
	settle, err := settlement.New(settlement.Config{
		BaseURL: cfg.Settlement.URL,
		QPS:     cfg.Settlement.QPS,
		Burst:   cfg.Settlement.Burst,
		HTTP:    &http.Client{Timeout: cfg.Settlement.Timeout},
		Log:     e.log,
	})
	if err != nil {
		return fail(err)
	}
	store, err := storage.New(cfg.Storage.URL, cfg.Storage.MaxBytes, &http.Client{Timeout: cfg.Storage.Timeout}, e.log)
	if err != nil {
		return fail(err)
	}
	engine, err := match.New(settle, match.Config{ReadBackTimeout: cfg.Match.ReadBackTimeout, Log: e.log})
	if err != nil {
		return fail(err)
	}
	obs, err := observer.New(settle, observer.Config{Interval: cfg.Observe.Interval, Timeout: cfg.Observe.Timeout, Log: e.log})
	if err != nil {
		return fail(err)
	}
	results, err := result.New(settle, store, e.log)
	if err != nil {
		return fail(err)
	}

	ccfg := coordinator.Config{
		PublishRequest: cfg.Match.PublishRequest,
		OutputDir:      filepath.Join(cfg.DataDir, "results"),
		ObserveTimeout: cfg.Observe.Timeout,
		Backoff: wait.Backoff{
			Steps:    cfg.Retry.Steps,
			Duration: cfg.Retry.Initial,
			Factor:   cfg.Retry.Factor,
			Jitter:   cfg.Retry.Jitter,
			Cap:      cfg.Retry.MaxDelay,
		},
		Log: e.log,
	}
	if withSigner {
		signer, err := order.NewFileSigner(cfg.Wallet.KeyFile)
		if err != nil {
			return fail(fmt.Errorf("wallet: %w", err))
		}
		ccfg.Signer = signer
	}

	notifiers := notify.Multi{notify.NewLogNotifier(e.log)}
	if cfg.Kafka.Enabled {
		kn, err := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return fail(fmt.Errorf("kafka: %w", err))
		}
		a.closers = append(a.closers, kn.Close)
		notifiers = append(notifiers, kn)
	}
	ccfg.Notifier = notifiers

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Dir)
		if err != nil {
			return fail(fmt.Errorf("journal: %w", err))
		}
		a.journal = j
		a.closers = append(a.closers, j.Close)
		ccfg.Journal = j
	}

	if cfg.Metrics.Enabled {
		stop := serveMetrics(ctx, e, cfg.Metrics.Listen)
		a.closers = append(a.closers, stop)
	}

	if a.coord, err = coordinator.NewCoordinator(ccfg, book, engine, obs, results); err != nil {
		return fail(err)
	}
	return a, nil
}

// serveMetrics 在后台暴露 /metrics，返回的函数用于关闭服务。
func serveMetrics(ctx context.Context, e *env, listen string) func() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		e.log.Infof("metrics listening on %s", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Errorf("metrics server: %v", err)
		}
	}()
	return func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// exitCode 区分可恢复的失败，便于脚本决定是否执行 resume。
func exitCode(err error) int {
	switch {
	case errors.Is(err, market.ErrObservationTimeout):
		return 3
	case errors.Is(err, context.Canceled):
		return 130
	case errors.Is(err, market.ErrTaskFailed):
		return 4
	case errors.Is(err, market.ErrInvalidOrderParams), errors.Is(err, market.ErrInvalidDealID):
		return 2
	default:
		return 1
	}
}
