package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/MatusOllah/slogcolor"
	"github.com/gin-gonic/gin"

	"nodebridge/internal/agent"
	"nodebridge/internal/auth"
	"nodebridge/internal/bridge"
	"nodebridge/internal/config"
	"nodebridge/internal/gateway"
	"nodebridge/internal/pairing"
	"nodebridge/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to bridge.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)
	gin.SetMode(cfg.GinMode)

	store := pairing.NewStore(cfg.StorePath)
	if err := store.Load(); err != nil {
		// The bridge still serves; auth and pairing answer UNAVAILABLE
		// until the store is fixed and the process restarted.
		log.Error("paired node store unavailable", "path", cfg.StorePath, "error", err)
		store = nil
	}

	var pending *pairing.PendingApprover
	var approver pairing.Approver
	switch cfg.Approval.Policy {
	case config.PolicyAuto:
		approver = pairing.AutoApprover{}
	case config.PolicyAllowlist:
		approver = pairing.NewAllowlistApprover(cfg.Approval.Allowlist)
	default:
		pending = pairing.NewPendingApprover(cfg.Approval.PendingTTL)
		approver = pending
	}

	gw := gateway.NewWSClient(cfg.Gateway.URL, cfg.Gateway.Token, log)

	var agentClient agent.Client
	if cfg.Agent.URL != "" {
		agentClient = agent.NewHTTPClient(cfg.Agent.URL)
	} else {
		agentClient = agent.NopClient{Log: log}
	}

	coord := bridge.New(bridge.Config{
		Store:    store,
		Approver: approver,
		Gateway:  gw,
		Agent:    agentClient,
		Log:      log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			log.Error("tcp listen failed", "addr", cfg.TCPAddr, "error", err)
		} else {
			log.Info("bridge listening", "transport", "tcp", "addr", cfg.TCPAddr)
			go server.ServeTCP(ctx, ln, coord, log)
		}
	}

	tokenCfg := auth.DefaultTokenConfig(cfg.AdminSecret)
	router := server.NewRouter(server.Deps{
		Coordinator: coord,
		Store:       store,
		Pending:     pending,
		AdminSecret: cfg.AdminSecret,
		TokenConfig: tokenCfg,
		Log:         log,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("bridge listening", "transport", "http", "addr", cfg.HTTPAddr)
		errCh <- server.Run(cfg, router)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("http server failed", "error", err)
	}

	coord.Close()
	gw.Close()
	if pending != nil {
		pending.Stop()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := *slogcolor.DefaultOptions
	opts.Level = lvl
	return slog.New(slogcolor.NewHandler(os.Stderr, &opts))
}
