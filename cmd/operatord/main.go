package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"commitchain/chain"
	"commitchain/cmd/internal/passphrase"
	"commitchain/config"
	hubcrypto "commitchain/crypto"
	"commitchain/observability/logging"
	telemetry "commitchain/observability/otel"
	"commitchain/services/operatord"
	"commitchain/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./operator.toml", "path to operatord configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("operatord: load config: %v", err)
	}

	logger, logCloser := logging.Setup("operatord", cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    "operatord",
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		ExportInterval: cfg.Scheduler.Interval.Duration,
	})
	if err != nil {
		log.Fatalf("operatord: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("operatord: open storage: %v", err)
	}
	defer store.Close()

	pass, err := passphrase.NewSource(cfg.Operator.PassphraseEnv).Get()
	if err != nil {
		log.Fatalf("operatord: keystore passphrase: %v", err)
	}
	signer, err := hubcrypto.LoadSigner(cfg.Operator.Keystore, pass)
	if err != nil {
		log.Fatalf("operatord: load operator key: %v", err)
	}

	client, err := chain.Dial(cfg.Chain.RPCEndpoint)
	if err != nil {
		log.Fatalf("operatord: dial chain: %v", err)
	}
	defer client.Close()
	limiter := rate.NewLimiter(rate.Limit(cfg.Chain.RateLimit), cfg.Chain.RateBurst)
	contract := chain.NewEthContract(client, cfg.ContractAddress(), limiter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	baseNonce, err := client.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		log.Fatalf("operatord: operator nonce: %v", err)
	}

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.Scheduler.RedisAddress); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
		defer redisClient.Close()
	}
	deps := operatord.Deps{
		Store:     store,
		Contract:  contract,
		Sender:    client,
		Signer:    signer,
		BaseNonce: baseNonce,
		Logger:    logger,
	}
	if redisClient != nil {
		deps.Redis = redisClient
	}

	op, err := operatord.New(cfg, deps)
	if err != nil {
		log.Fatalf("operatord: wire operator: %v", err)
	}
	logger.Info("operatord starting",
		"operator", signer.Address().Hex(),
		"contract", cfg.ContractAddress().Hex(),
		"tokens", len(cfg.Tokens),
		"pairs", len(cfg.Pairs),
		logging.MaskField("keystore", cfg.Operator.Keystore))
	if err := op.Run(ctx); err != nil {
		log.Fatalf("operatord: %v", err)
	}
	logger.Info("operatord stopped")
}
