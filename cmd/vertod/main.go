package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"verto/cmd/internal/passphrase"
	"verto/config"
	"verto/core"
	"verto/core/genesis"
	"verto/crypto"
	"verto/observability/logging"
	telemetry "verto/observability/otel"
	"verto/rpc"
	"verto/storage"
)

const (
	validatorPassEnv = "VERTO_VALIDATOR_PASS"
	genesisPathEnv   = "VERTO_GENESIS"
)

// devSupply is minted to the validator when a dev node starts without a
// genesis file.
var devSupply = new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000))

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides VERTO_GENESIS and config GenesisFile)")
	allowMigrateFlag := flag.Bool("allow-migrate", false, "Allow starting with a mismatched state schema (manual migrations only)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWithOptions("vertod", cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err := run(cfg, *genesisFlag, *allowMigrateFlag, logger); err != nil {
		logger.Error("vertod exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, genesisFlag string, allowMigrate bool, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	passSource := passphrase.NewSource(validatorPassEnv, "Enter validator keystore passphrase").
		AllowEmpty(isDev(cfg.Environment))
	key, err := loadValidatorKey(cfg, passSource.Get)
	if err != nil {
		return err
	}
	validator := key.PubKey().Address()

	spec, err := resolveGenesis(genesisFlag, cfg, validator.Array(), os.LookupEnv)
	if err != nil {
		return err
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	node, err := core.NewNode(db, key, core.Options{
		ChainID:        cfg.ChainID,
		ReviewPeriod:   cfg.ReviewPeriodSeconds,
		MempoolLimit:   cfg.Mempool.Limit,
		MaxTxsPerBlock: cfg.Mempool.MaxTxsPerBlock,
		Genesis:        spec,
		AllowMigrate:   allowMigrate || cfg.AllowMigrate,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	logger.Info("node ready",
		slog.String("validator", logging.ShortenAddress(validator.String())),
		slog.Uint64("chain_id", node.ChainID()),
		slog.Uint64("height", node.GetHeight()))

	server := rpc.NewServer(node, rpc.ServerConfig{
		AuthToken:          cfg.RPC.ResolveAuthToken(),
		RateLimitPerSecond: cfg.RPC.RateLimitPerSecond,
		RateLimitBurst:     cfg.RPC.RateLimitBurst,
		MaxBodyBytes:       cfg.RPC.MaxBodyBytes,
		TrustProxyHeaders:  cfg.RPC.TrustProxyHeaders,
		TrustedProxies:     cfg.RPC.TrustedProxies,
		ReadHeaderTimeout:  seconds(cfg.RPC.ReadHeaderTimeout),
		ReadTimeout:        seconds(cfg.RPC.ReadTimeout),
		WriteTimeout:       seconds(cfg.RPC.WriteTimeout),
		IdleTimeout:        seconds(cfg.RPC.IdleTimeout),
		TLSCertFile:        cfg.RPC.TLSCertFile,
		TLSKeyFile:         cfg.RPC.TLSKeyFile,
		Logger:             logger,
	})
	listener, err := net.Listen("tcp", cfg.RPCAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.RPCAddress, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- server.Serve(listener) }()
	go func() { errCh <- node.Run(ctx, cfg.BlockInterval()) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("component failed", slog.Any("error", err))
		}
		stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("rpc shutdown", slog.Any("error", shutdownErr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// resolveGenesisPath picks the genesis file in flag, environment, config
// order. Whitespace-only values are ignored.
func resolveGenesisPath(flagPath, cfgPath string, lookup func(string) (string, bool)) string {
	if path := strings.TrimSpace(flagPath); path != "" {
		return path
	}
	if v, ok := lookup(genesisPathEnv); ok {
		if path := strings.TrimSpace(v); path != "" {
			return path
		}
	}
	return strings.TrimSpace(cfgPath)
}

// resolveGenesis loads the selected genesis file. Without one a dev node
// mints a supply to its own validator; other environments return nil and
// rely on the genesis already stored in the database.
func resolveGenesis(flagPath string, cfg *config.Config, validator [20]byte, lookup func(string) (string, bool)) (*genesis.GenesisSpec, error) {
	if path := resolveGenesisPath(flagPath, cfg.GenesisFile, lookup); path != "" {
		spec, err := genesis.LoadGenesisSpec(path)
		if err != nil {
			return nil, fmt.Errorf("load genesis spec: %w", err)
		}
		if id, ok := spec.ChainIDValue(); ok && id != cfg.ChainID {
			return nil, fmt.Errorf("genesis chain id %d does not match configured %d", id, cfg.ChainID)
		}
		return spec, nil
	}
	if !isDev(cfg.Environment) {
		return nil, nil
	}
	return genesis.DevSpec(validator, devSupply, cfg.ChainID), nil
}

func loadValidatorKey(cfg *config.Config, resolvePassphrase func() (string, error)) (*crypto.PrivateKey, error) {
	if cfg.ValidatorKeystorePath == "" {
		return nil, fmt.Errorf("validator keystore path not configured")
	}
	pass, err := resolvePassphrase()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain validator keystore passphrase: %w", err)
	}
	key, err := crypto.LoadFromKeystore(cfg.ValidatorKeystorePath, pass)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt keystore %s: %w", cfg.ValidatorKeystorePath, err)
	}
	return key, nil
}

func seconds(v uint64) time.Duration { return time.Duration(v) * time.Second }

func isDev(env string) bool { return strings.EqualFold(strings.TrimSpace(env), "dev") }
