package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"marketrun/internal/config"
	"marketrun/internal/logging"
)

const usage = `usage: marketrun <command> [flags]

commands:
  run       sign a request order, match it and retrieve the deterministic output
  resume    continue observing a matched task from a deal id or a journaled execution
  publish   sign and publish an order from a params file
  taskid    derive the task id of a deal
  history   list journaled executions or show one execution
  keygen    create a wallet key file
`

type command func(ctx context.Context, env *env, args []string) error

var commands = map[string]command{
	"run":     runCmd,
	"resume":  resumeCmd,
	"publish": publishCmd,
	"taskid":  taskIDCmd,
	"history": historyCmd,
	"keygen":  keygenCmd,
}

// env 是各子命令共享的运行环境，配置与日志在解析全局参数后建立。
type env struct {
	cfg *config.Config
	log logging.Logger
}

// main 解析子命令，加载配置与日志后执行，收到中断信号时取消上下文。
func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	name := os.Args[1]
	cmd, ok := commands[name]
	if !ok {
		if name != "-h" && name != "--help" && name != "help" {
			fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		}
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd(ctx, &env{}, os.Args[2:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "marketrun %s: %v\n", name, err)
		os.Exit(exitCode(err))
	}
}

// setup 加载配置并初始化全局日志，返回的函数负责刷新日志缓冲。
func (e *env) setup(path string) (func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	e.cfg = cfg
	e.log = logger.Sugar()
	return func() { _ = logger.Sync() }, nil
}

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := newPlainFlagSet(name)
	path := fs.StringP("config", "c", "", "config file (yaml)")
	return fs, path
}

func newPlainFlagSet(name string) *pflag.FlagSet {
	return pflag.NewFlagSet(name, pflag.ContinueOnError)
}
