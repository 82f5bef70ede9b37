// Command veild serves an encrypted-auction client over HTTP: it follows the
// contract's events, encrypts bids locally and exposes the auction API.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/neonveil/sdk-go/api/httpserver"
	"github.com/neonveil/sdk-go/core/fhe"
	"github.com/neonveil/sdk-go/core/logging"
	"github.com/neonveil/sdk-go/core/simchain"
	"github.com/neonveil/sdk-go/core/veilclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// a missing .env is fine; the environment and flags still apply
	envErr := godotenv.Load()

	args, err := ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := args.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(args.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()
	logging.SetLogger(logger)
	if envErr != nil {
		logger.Debug("no .env loaded", zap.Error(envErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, args, logger); err != nil {
		logger.Error("veild stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "log-level")
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run(ctx context.Context, args Args, logger *zap.Logger) error {
	provider, err := newProvider(args, logger)
	if err != nil {
		return err
	}

	client, err := newClient(ctx, args, provider, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	if addr, ok := client.Address(); ok {
		logger.Info("client ready", zap.Stringer("address", addr), zap.String("chainId", client.Status().ChainID))
	} else {
		logger.Info("client ready in read-only mode", zap.String("chainId", client.Status().ChainID))
	}

	if err := client.StartWatching(ctx); err != nil {
		return errors.Wrap(err, "start watching events")
	}

	if args.WarmUp {
		go warmUp(ctx, args, provider, logger)
	}

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               args.ListenAddr,
		EnablePprof:              args.Pprof,
		Log:                      logger.Named("http"),
		DrainDuration:            args.DrainDuration,
		GracefulShutdownDuration: args.ShutdownTimeout,
		ReadinessCheck: func() error {
			if !provider.Status().Initialized {
				return errors.New("encryption engine is not initialized")
			}
			return nil
		},
	}, httpserver.NewAuctionHandler(client, logger.Named("api")))
	if err != nil {
		return err
	}
	srv.RunInBackground()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-srv.Errors():
	}
	srv.Shutdown()
	return err
}

func newProvider(args Args, logger *zap.Logger) (*fhe.Provider, error) {
	opts := []fhe.Option{fhe.WithLogger(logger.Named("fhe"))}
	if args.EncryptionKey != "" {
		key, err := fhe.ParseEncryptionKey(args.EncryptionKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, fhe.WithEncryptionKey(key))
	} else {
		logger.Warn("no encryption key configured; bids encrypted by this process cannot be decrypted after a restart")
	}
	if args.ProvingKey != "" {
		opts = append(opts, fhe.WithProvingKeys(args.ProvingKey, args.VerifyingKey))
	}
	return fhe.NewProvider(opts...), nil
}

func newClient(ctx context.Context, args Args, provider *fhe.Provider, logger *zap.Logger) (*veilclient.Client, error) {
	var key *ecdsa.PrivateKey
	if args.PrivateKey != "" {
		var err error
		if key, err = veilclient.ParsePrivateKey(args.PrivateKey); err != nil {
			return nil, err
		}
	}

	opts := []veilclient.Option{
		veilclient.WithProvider(provider),
		veilclient.WithLogger(logger),
		veilclient.WithLedgerCapacity(args.LedgerCapacity),
		veilclient.WithCacheSize(args.CacheSize),
		veilclient.WithPollInterval(args.PollInterval),
	}

	if args.Simulated {
		chainOpts := []simchain.Option{simchain.WithLogger(logger.Named("simchain"))}
		if key != nil {
			chainOpts = append(chainOpts, simchain.WithSender(crypto.PubkeyToAddress(key.PublicKey)))
		}
		logger.Warn("serving a simulated auction chain; nothing is persisted")
		opts = append(opts, veilclient.WithTransport(simchain.New(chainOpts...)))
		return veilclient.NewClient(ctx, "", opts...)
	}

	opts = append(opts, veilclient.WithContractAddress(common.HexToAddress(args.Contract)))
	if key != nil {
		opts = append(opts, veilclient.WithPrivateKey(key))
	}
	return veilclient.NewClient(ctx, args.RPCURL, opts...)
}

// warmUp builds the encryption engine ahead of the first bid and exports its
// keys when asked to.
func warmUp(ctx context.Context, args Args, provider *fhe.Provider, logger *zap.Logger) {
	engine, err := provider.Initialize(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("encryption engine warm-up failed", zap.Error(err))
		}
		return
	}
	if args.ExportPK == "" {
		return
	}
	if err := engine.ExportKeys(args.ExportPK, args.ExportVK); err != nil {
		logger.Error("cannot export proving keys", zap.Error(err))
		return
	}
	logger.Info("exported proving keys", zap.String("provingKey", args.ExportPK), zap.String("verifyingKey", args.ExportVK))
}
