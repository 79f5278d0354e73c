package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"feed-ledger-go/account"
	"feed-ledger-go/config"
	"feed-ledger-go/feed"
	"feed-ledger-go/infrastructure/logger"
	"feed-ledger-go/internal/store"
	"feed-ledger-go/metrics"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	metricsAddr := flag.String("metricsAddr", "", "Prometheus metrics 监听地址，留空使用配置值")
	tick := flag.Duration("tick", time.Second, "余额轮询周期")
	logLevel := flag.String("logLevel", "info", "日志级别")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = *logLevel
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	addr := cfg.Metrics.Addr
	if *metricsAddr != "" {
		addr = *metricsAddr
	}
	if addr != "" {
		metrics.StartMetricsServer(addr)
	}

	st := store.New(0, log.Sink("store"))
	acct := account.New(account.Config{
		Currency:        cfg.Account.Currency,
		StartingBalance: cfg.Account.StartingBalance,
		FeeRate:         cfg.Account.FeeRate,
		Risk:            cfg.Account.Risk,
		MinOrderSize:    cfg.Account.MinOrderSize,
		Reinvest:        cfg.Account.Reinvest,
	}, log.Sink("account"))

	// 最新 ticker 由读取循环写、轮询循环读，用原子引用交接
	var lastTicker atomic.Value

	var creds *feed.Credentials
	if cfg.Feed.Key != "" {
		creds = &feed.Credentials{
			Key:        cfg.Feed.Key,
			Secret:     cfg.Feed.Secret,
			Passphrase: cfg.Feed.Passphrase,
		}
	}
	session, err := feed.NewSession(feed.Config{
		URL:          cfg.Feed.URL,
		Products:     cfg.Feed.Products,
		Channels:     cfg.Feed.Channels,
		Credentials:  creds,
		Backoff:      time.Duration(cfg.Feed.BackoffSeconds) * time.Second,
		PingInterval: time.Duration(cfg.Feed.PingSeconds) * time.Second,
	}, func(ev feed.Event) {
		if ev.Kind == feed.KindTicker {
			lastTicker.Store(ev)
			return
		}
		st.Apply(ev)
	})
	if err != nil {
		log.Error("create session", zap.Error(err))
		os.Exit(1)
	}
	session.SetEventSink(log.Sink("feed"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatalErr := make(chan error, 1)
	session.SetFatalErrorHandler(func(err error) {
		select {
		case fatalErr <- err:
		default:
		}
	})
	if err := session.Start(); err != nil {
		log.Error("start session", zap.Error(err))
		os.Exit(1)
	}

	// 配置热更新：凭证不可热换，这里只回报已生效的非敏感参数
	go func() {
		w := &config.Watcher{Path: *cfgPath}
		_ = w.Start(ctx, func(next config.AppConfig) {
			log.Sink("config")("config_reloaded", map[string]interface{}{
				"env":      next.Env,
				"products": next.Feed.Products,
			})
		})
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*tick)
	defer ticker.Stop()

	exitCode := 0
loop:
	for {
		select {
		case <-ticker.C:
			balance := acct.Balance(st.Snapshot())
			if tk, ok := lastTicker.Load().(feed.Event); ok {
				log.Debug("tick",
					zap.Float64("price", tk.Price),
					zap.Float64("best_bid", tk.BestBid),
					zap.Float64("best_ask", tk.BestAsk),
					zap.Float64("funds", balance.Funds),
					zap.Float64("shares", balance.Shares),
					zap.Int("open_orders", len(st.OpenOrders())))
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		case err := <-fatalErr:
			log.Error("feed fatal error", zap.Error(err))
			exitCode = 1
			break loop
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
			break loop
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	session.Close()
	os.Exit(exitCode)
}
