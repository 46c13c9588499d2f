// Package main runs the darkpool solver's matching core: the Redis-backed
// intent store, the Starknet settlement client, and the periodic batch
// matcher. The HTTP admission surface that would call IntentGateway.SubmitIntent
// in production is an external collaborator, out of this module's scope; this
// binary wires and runs the parts behind it.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/klingon-exchange/klingon-v2/internal/chain/starknet"
	"github.com/klingon-exchange/klingon-v2/internal/solver"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		redisURL         = flag.String("redis-url", "redis://127.0.0.1:6379/0", "Redis connection URL")
		starknetRPC      = flag.String("starknet-rpc", "", "Starknet JSON-RPC provider URL")
		darkPoolAddress  = flag.String("dark-pool-address", "", "Dark pool contract address")
		solverAddress    = flag.String("solver-address", "", "Solver account address (required for auto-settlement)")
		solverPrivateKey = flag.String("solver-private-key", "", "Solver account private key, hex (required for auto-settlement)")
		autoSettle       = flag.Bool("auto-settle", false, "Submit settlement transactions automatically when matches are created")
		enforcePrechecks = flag.Bool("enforce-prechecks", true, "Require balance/allowance precheck during intent admission")
		tickInterval     = flag.Duration("tick-interval", time.Second, "Matching loop tick interval")
		logLevel         = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion      = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("solver %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := solver.New(ctx, solver.Config{RedisURL: *redisURL})
	if err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}
	defer store.Close()
	log.Info("store initialized", "redis_url", *redisURL)

	var chainClient solver.ChainClient
	if *autoSettle {
		chainClient = mustStarknetClient(ctx, log, *starknetRPC, *darkPoolAddress, *solverAddress, *solverPrivateKey)
	} else if *starknetRPC != "" && *darkPoolAddress != "" {
		// Proof preflight and on-demand settlement still want a chain client
		// even when the periodic auto-settle sweep is disabled.
		chainClient = mustStarknetClient(ctx, log, *starknetRPC, *darkPoolAddress, *solverAddress, *solverPrivateKey)
	} else {
		log.Warn("no starknet RPC configured; proof preflight and settlement are unavailable")
	}

	// The out-of-scope HTTP surface owns request routing; it constructs its own
	// IntentGateway over this same store and chain client. This process drives
	// only the matching loop.
	log.Info("admission gateway config", "enforce_prechecks", *enforcePrechecks)

	matcher := solver.NewMatcher(store, chainClient, solver.MatcherConfig{
		TickInterval: *tickInterval,
		AutoSettle:   *autoSettle && chainClient != nil,
	})

	log.Info("starting solver", "auto_settle", *autoSettle, "tick_interval", *tickInterval)
	go matcher.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down...")
	cancel()
	log.Info("goodbye")
}

func mustStarknetClient(ctx context.Context, log *logging.Logger, rpcURL, darkPool, account, privateKeyHex string) *starknet.Client {
	if rpcURL == "" || darkPool == "" || account == "" {
		log.Fatal("starknet-rpc, dark-pool-address, and solver-address are all required to construct a chain client")
	}

	var key *ecdsa.PrivateKey
	if privateKeyHex != "" {
		pk, err := ethcrypto.HexToECDSA(trimHex(privateKeyHex))
		if err != nil {
			log.Fatal("invalid solver-private-key", "error", err)
		}
		key = pk
	}

	client, err := starknet.New(ctx, starknet.Config{
		RPCURL:          rpcURL,
		DarkPoolAddress: darkPool,
		AccountAddress:  account,
		PrivateKey:      key,
	})
	if err != nil {
		log.Fatal("failed to construct starknet client", "error", err)
	}
	log.Info("starknet client initialized", "rpc_url", rpcURL, "dark_pool_address", darkPool)
	return client
}

func trimHex(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
