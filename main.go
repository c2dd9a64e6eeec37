package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	gosip "github.com/ghettovoice/gosip"
	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/ini.v1"

	"featureserver/conference"
	"featureserver/store"
)

func startSIP(cfg *Settings) (gosip.Server, error) {
	coreLog.Info("starting SIP server")

	port := cfg.SIPPort()
	portRange := cfg.SIPPortRange()
	host := cfg.PublicAddress()

	logger := gosiplog.NewLogrusLogger(sipLog, "SIP", nil)

	srv := gosip.NewServer(gosip.ServerConfig{Host: host, UserAgent: "featureserver"}, nil, nil, logger)

	var listenErr error
	for i := 0; i <= portRange; i++ {
		addr := fmt.Sprintf(":%d", port+i)
		listenErr = srv.Listen("udp", addr)
		if listenErr == nil {
			coreLog.Infof("SIP server listening on %s/udp", addr)
			return srv, nil
		}
		coreLog.Warnf("failed to listen on %s: %v", addr, listenErr)
	}
	return nil, fmt.Errorf("sip listen: %w", listenErr)
}

func openStore(ctx context.Context, cfg *Settings) (store.Store, func(), error) {
	if cfg.StoreBackend() == "memory" {
		coreLog.Warn("using in-memory store, conferences will not span servers")
		return store.NewMemory(), func() {}, nil
	}
	r, err := store.DialRedis(ctx, cfg.RedisAddress(), cfg.RedisPassword(), cfg.RedisDB())
	if err != nil {
		return nil, nil, err
	}
	coreLog.Infof("connected to redis at %s", cfg.RedisAddress())
	return r, func() { _ = r.Close() }, nil
}

func main() {
	path := flag.String("config", "settings.ini", "path to settings file")
	flag.Parse()

	cfg, err := ini.Load(*path)
	if err != nil {
		fmt.Printf("failed to load settings: %v\n", err)
		os.Exit(1)
	}

	settings, err := LoadSettings(cfg)
	if err != nil {
		fmt.Printf("failed to parse settings: %v\n", err)
		os.Exit(1)
	}

	if err := initLogging(cfg); err != nil {
		fmt.Printf("failed to init logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLogging()
	coreLog.Infof("settings loaded, local address %s", settings.LocalSIPAddress())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, settings)
	if err != nil {
		coreLog.Fatalf("failed to open store: %v", err)
	}
	defer closeStore()

	sipSrv, err := startSIP(settings)
	if err != nil {
		coreLog.Fatalf("failed to start SIP server: %v", err)
	}
	defer sipSrv.Shutdown()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := conference.NewMetrics(reg)

	sipClient := NewSIPClient(sipSrv, settings.ReferTimeout())
	httpClient := &http.Client{Timeout: settings.NotifyTimeout()}

	svc := conference.NewService(conference.Config{
		LocalAddress:    settings.LocalSIPAddress(),
		CallbackBase:    settings.CallbackBase(),
		ContinuationTTL: settings.ContinuationTTL(),
		BeepDelay:       settings.BeepDelay(),
	}, conference.Deps{
		Store:      st,
		Registry:   conference.NewRegistry(),
		Notifier:   conference.NewNotifier(st, httpClient, confLog, metrics, settings.NotifyTimeout(), settings.NotifyConcurrency()),
		Hooks:      &webhooks{client: httpClient},
		Player:     legPlayer{},
		Transferer: sipClient,
		Metrics:    metrics,
		Log:        confLog,
	})

	srv := newFeatureServer(sipSrv, sipClient, svc, reg, settings.HTTPListen())
	if err := srv.Start(ctx); err != nil {
		coreLog.Errorf("feature server stopped: %v", err)
	}

	coreLog.Info("performing a graceful shutdown...")
}
