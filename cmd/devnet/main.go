package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"marketrun/internal/adapters/devnet"
	"marketrun/internal/logging"
	"marketrun/internal/market"
	"marketrun/internal/order"
)

// main 启动本地 devnet：一个进程同时充当订单簿、结算服务与结果存储，
// 并以演示目录预先发布报价单。
func main() {
	listen := pflag.StringP("listen", "l", ":8545", "listen address")
	seed := pflag.Bool("seed", true, "publish the demo catalog on startup")
	keyFile := pflag.String("key", "", "key file used to sign seeded orders (random when empty)")
	script := pflag.String("script", "", "comma separated task states every new task walks through, e.g. ACTIVE,REVEALING,COMPLETED")
	failure := pflag.String("failure-detail", "", "detail reported for FAILED tasks")
	level := pflag.String("log-level", "info", "log level")
	pflag.Parse()

	logger, err := logging.Setup(logging.Config{Level: *level, Outputs: []string{"stderr"}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	states, err := parseScript(*script)
	if err != nil {
		log.Fatalf("script: %v", err)
	}
	ledger := devnet.NewLedger(devnet.Options{Script: states, FailureDetail: *failure, Log: log})

	if *seed {
		signer, err := loadSigner(*keyFile)
		if err != nil {
			log.Fatalf("signer: %v", err)
		}
		seeded, err := devnet.Seed(ledger, signer, devnet.DemoCatalog)
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		log.Infof("seeded app %s workerpool %s", seeded.App.Short(), seeded.Workerpool.Short())
		if seeded.Dataset != nil {
			log.Infof("seeded dataset %s", seeded.Dataset.Short())
		}
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              *listen,
		Handler:           devnet.NewRouter(ledger, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("devnet listening on %s", *listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}

func loadSigner(path string) (order.Signer, error) {
	if path == "" {
		return order.GenerateKeySigner()
	}
	return order.LoadKeySigner(path)
}

func parseScript(s string) ([]market.TaskState, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var states []market.TaskState
	for _, part := range strings.Split(s, ",") {
		st, err := market.ParseTaskState(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}
