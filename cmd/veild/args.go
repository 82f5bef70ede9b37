package main

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Args is the daemon configuration. Every flag can also be set through a
// VEIL_ prefixed environment variable or a config file.
type Args struct {
	ListenAddr string
	LogLevel   string
	Pprof      bool

	RPCURL     string
	Contract   string
	PrivateKey string
	Simulated  bool

	EncryptionKey string
	ProvingKey    string
	VerifyingKey  string
	ExportPK      string
	ExportVK      string
	WarmUp        bool

	LedgerCapacity  int
	CacheSize       int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	DrainDuration   time.Duration
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("veild", pflag.ContinueOnError)

	fs.String("config", "", "optional config file (yaml, toml or json)")

	// server config
	fs.String("listen-addr", "127.0.0.1:8080", "HTTP listen address")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.Bool("pprof", false, "serve pprof under /debug")
	fs.Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight requests")
	fs.Duration("drain-duration", 0, "wait after marking not ready before shutdown")

	// chain config
	fs.String("rpc-url", "", "Ethereum JSON-RPC endpoint (ws:// enables push subscriptions)")
	fs.String("contract", "", "auction contract address")
	fs.String("private-key", "", "hex secp256k1 key; empty runs read-only")
	fs.Bool("simulated", false, "serve an in-memory auction chain instead of a node")

	// encryption config
	fs.String("encryption-key", "", "hex P-256 key shared by processes that decrypt each other's bids")
	fs.String("proving-key", "", "Groth16 proving key file")
	fs.String("verifying-key", "", "Groth16 verifying key file")
	fs.String("export-proving-key", "", "write the proving key here once the engine is ready")
	fs.String("export-verifying-key", "", "write the verifying key here once the engine is ready")
	fs.Bool("warm-up", true, "initialize the encryption engine at startup")

	// client config
	fs.Int("ledger-capacity", 100, "events kept in the ledger")
	fs.Int("cache-size", 256, "decrypted amounts kept in memory")
	fs.Duration("poll-interval", time.Second, "receipt polling interval")

	return fs
}

// ParseArgs reads flags from argv, then the environment and the optional
// config file, flags taking precedence.
func ParseArgs(argv []string) (Args, error) {
	fs := newFlagSet()
	if err := fs.Parse(argv); err != nil {
		return Args{}, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Args{}, errors.WithStack(err)
	}
	v.SetEnvPrefix("VEIL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Args{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	return Args{
		ListenAddr:      v.GetString("listen-addr"),
		LogLevel:        v.GetString("log-level"),
		Pprof:           v.GetBool("pprof"),
		RPCURL:          v.GetString("rpc-url"),
		Contract:        v.GetString("contract"),
		PrivateKey:      v.GetString("private-key"),
		Simulated:       v.GetBool("simulated"),
		EncryptionKey:   v.GetString("encryption-key"),
		ProvingKey:      v.GetString("proving-key"),
		VerifyingKey:    v.GetString("verifying-key"),
		ExportPK:        v.GetString("export-proving-key"),
		ExportVK:        v.GetString("export-verifying-key"),
		WarmUp:          v.GetBool("warm-up"),
		LedgerCapacity:  v.GetInt("ledger-capacity"),
		CacheSize:       v.GetInt("cache-size"),
		PollInterval:    v.GetDuration("poll-interval"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
		DrainDuration:   v.GetDuration("drain-duration"),
	}, nil
}

func (args Args) Validate() error {
	if args.ListenAddr == "" {
		return errors.New("listen-addr is required")
	}
	if !args.Simulated {
		if args.RPCURL == "" {
			return errors.New("rpc-url is required unless --simulated is set")
		}
		if !common.IsHexAddress(args.Contract) {
			return errors.Errorf("contract %q is not an address", args.Contract)
		}
	}
	if (args.ProvingKey == "") != (args.VerifyingKey == "") {
		return errors.New("proving-key and verifying-key must be set together")
	}
	if (args.ExportPK == "") != (args.ExportVK == "") {
		return errors.New("export-proving-key and export-verifying-key must be set together")
	}
	if args.ExportPK != "" && !args.WarmUp {
		return errors.New("exporting keys requires --warm-up")
	}
	return nil
}
