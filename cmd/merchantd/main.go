package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/magnaflowlabs/merchant-tools/params"
	"github.com/magnaflowlabs/merchant-tools/pkg/api"
	"github.com/magnaflowlabs/merchant-tools/pkg/chain"
	"github.com/magnaflowlabs/merchant-tools/pkg/push"
	"github.com/magnaflowlabs/merchant-tools/pkg/session"
	"github.com/magnaflowlabs/merchant-tools/pkg/settlement"
	"github.com/magnaflowlabs/merchant-tools/pkg/storage"
	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

func main() {
	exitCode := 0
	// runs last, after every other deferred close
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	if cfg.Transport.URL == "" {
		sugar.Fatalw("config_invalid", "err", "WS_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	journal, err := storage.NewPebbleJournal(cfg.Node.JournalPath)
	if err != nil {
		sugar.Fatalw("journal_open_failed", "path", cfg.Node.JournalPath, "err", err)
	}
	defer journal.Close()

	wal, err := storage.NewFileWAL(cfg.Node.WALPath)
	if err != nil {
		sugar.Fatalw("wal_open_failed", "path", cfg.Node.WALPath, "err", err)
	}
	defer wal.Close()

	// ---- Chain client ----
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	evm, err := chain.DialEVM(dialCtx, chain.EVMConfig{
		RPCURL:     cfg.Node.EVMRPCURL,
		Settler:    cfg.Node.Settler,
		PrivateKey: cfg.Node.SignerKey,
		ChainID:    cfg.Node.EVMChainID,
	}, sugar.With("component", "chain"))
	cancel()
	if err != nil {
		sugar.Fatalw("chain_dial_failed", "url", cfg.Node.EVMRPCURL, "err", err)
	}
	defer evm.Close()

	// ---- Session ----
	sess := session.New(cfg, session.Deps{
		Chain:    evm,
		Journal:  journal,
		WAL:      wal,
		Notifier: settlement.NewLogNotifier(sugar.With("component", "notify")),
		Auth: session.AuthHandlerFunc(func(method, next string) {
			// credentials are entered interactively elsewhere; stop before requests pile up
			sugar.Errorw("reauth_required", "method", method, "next_action", next)
			stop()
		}),
		Logger: sugar,
	})

	// ---- API Server ----
	apiServer := api.NewServer(sess, sess.Book, sugar.With("component", "api"))
	go func() {
		if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	if err := sess.Connect(ctx, cfg.Transport.URL); err != nil {
		sugar.Warnw("initial_connect_failed", "url", cfg.Transport.URL, "err", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	subCtx, cancelSub := context.WithTimeout(ctx, cfg.RPC.RequestTimeout)
	if err := sess.Subscribe(subCtx, push.EventCollectionOrders, push.EventPayoutOrders); err != nil {
		sugar.Warnw("subscribe_failed", "chain", sess.Chain(), "err", err)
	}
	cancelSub()

	// Enable with: AUTO_SETTLE=true
	if os.Getenv("AUTO_SETTLE") == "true" {
		sess.StartSettlement(ctx)
		sugar.Infow("settlement_enabled", "chain", sess.Chain(), "min_value", cfg.Settlement.MinValue)
	} else {
		sugar.Info("settlement_disabled - order book sync only")
	}

	sugar.Infow("merchantd_started",
		"ws_url", cfg.Transport.URL,
		"chain", sess.Chain(),
		"api_addr", cfg.Node.APIAddr)

	err = <-done
	sess.Logout()
	switch {
	case errors.Is(err, session.ErrMaxReconnect):
		sugar.Errorw("session_ended", "err", err)
		exitCode = 1
	case err != nil:
		sugar.Errorw("session_failed", "err", err)
		exitCode = 1
	default:
		sugar.Info("merchantd_stopped")
	}
}
