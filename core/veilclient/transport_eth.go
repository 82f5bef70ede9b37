package veilclient

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/neonveil/sdk-go/core/contracts"
	"github.com/neonveil/sdk-go/core/logging"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultLogPollInterval is used when the endpoint cannot push logs.
	DefaultLogPollInterval = 2 * time.Second
	// gasMarginPercent is added on top of eth_estimateGas.
	gasMarginPercent = 20
)

// EthTransport implements types.Transport over an EVM JSON-RPC endpoint using
// go-ethereum's ethclient. This is the default transport used by the SDK.
//
// EthTransport provides:
//   - ABI packing of arguments and unpacking of view outputs
//   - EIP-1559 transaction signing with a local secp256k1 key
//   - Receipt polling
//   - Log subscriptions, falling back to eth_getLogs polling on HTTP endpoints
//
// Nonces are assigned under a mutex, so concurrent Transact calls from one
// transport never collide.
type EthTransport struct {
	client   *ethclient.Client
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	logger   *zap.Logger

	logPollInterval time.Duration

	nonceMu sync.Mutex
}

// Verify EthTransport implements Transport interface at compile time
var _ types.Transport = (*EthTransport)(nil)

// NewEthTransport dials an EVM JSON-RPC endpoint.
//
// Parameters:
//   - ctx: Context for dialing and the chain id query
//   - endpoint: HTTP(S) or WS(S) endpoint URL (e.g., "http://127.0.0.1:8545")
//   - contract: Address of the deployed auction contract
//   - key: secp256k1 signing key (can be nil for read-only operations)
//   - logger: Optional logger (can be nil)
//
// Returns:
//   - Configured EthTransport instance
//   - Error if the endpoint cannot be reached
//
// Example:
//
//	key, _ := ParsePrivateKey(os.Getenv("VEIL_PRIVATE_KEY"))
//	transport, err := NewEthTransport(ctx, "http://127.0.0.1:8545", contractAddr, key, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewEthTransport(ctx context.Context, endpoint string, contract common.Address, key *ecdsa.PrivateKey, logger *zap.Logger) (*EthTransport, error) {
	if contract == (common.Address{}) {
		return nil, errors.New("contract address is required")
	}

	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "query chain id")
	}

	t := &EthTransport{
		client:          client,
		contract:        contract,
		chainID:         chainID,
		key:             key,
		logger:          logging.OrDefault(logger, "transport"),
		logPollInterval: DefaultLogPollInterval,
	}
	if key != nil {
		t.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return t, nil
}

// ParsePrivateKey parses a hex encoded secp256k1 key, with or without 0x.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return key, nil
}

// Call executes a view function against the latest block.
//
// Arguments are packed with the embedded auction ABI and the returned bytes are
// unpacked into the ABI's Go types (*big.Int, common.Address, []byte, ...).
func (t *EthTransport) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := contracts.AuctionABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}

	msg := ethereum.CallMsg{To: &t.contract, Data: input}
	if t.key != nil {
		msg.From = t.from
	}
	output, err := t.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}

	values, err := contracts.AuctionABI.Unpack(method, output)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	return values, nil
}

// Transact signs and broadcasts a dynamic fee transaction.
//
// The fee cap is the suggested tip plus twice the latest base fee and the gas
// limit is the node's estimate plus a margin. Estimation runs the call, so a
// call that would revert fails here with the node's revert reason and never
// leaves the client.
func (t *EthTransport) Transact(ctx context.Context, value *big.Int, method string, args ...any) (common.Hash, error) {
	if t.key == nil {
		return common.Hash{}, errors.Wrap(types.ErrNotConnected, "transport has no signing key")
	}
	if value == nil {
		value = new(big.Int)
	}

	input, err := contracts.AuctionABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "pack %s", method)
	}

	t.nonceMu.Lock()
	defer t.nonceMu.Unlock()

	nonce, err := t.client.PendingNonceAt(ctx, t.from)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pending nonce")
	}
	tip, feeCap, err := t.fees(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	gas, err := t.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  t.from,
		To:    &t.contract,
		Value: value,
		Data:  input,
	})
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "estimate gas for %s", method)
	}
	gas += gas * gasMarginPercent / 100

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &t.contract,
		Value:     value,
		Data:      input,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "sign transaction")
	}
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, errors.Wrapf(err, "send %s", method)
	}

	t.logger.Debug("transaction broadcast",
		zap.String("method", method),
		zap.Stringer("txHash", signed.Hash()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas))
	return signed.Hash(), nil
}

// WaitMined polls for the receipt every interval until it is available or the
// context is cancelled. Lookup errors other than "not found" are logged and
// retried, since nodes commonly return them for transactions still in flight.
func (t *EthTransport) WaitMined(ctx context.Context, txHash common.Hash, interval time.Duration) (*gethtypes.Receipt, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := t.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			t.logger.Debug("receipt retrieval failed", zap.Stringer("txHash", txHash), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-ticker.C:
		}
	}
}

// SubscribeLogs streams the contract's logs into sink.
//
// Streaming endpoints use eth_subscribe. Endpoints that cannot push
// notifications (plain HTTP) are polled with eth_getLogs from the block after
// the current head.
func (t *EthTransport) SubscribeLogs(ctx context.Context, sink chan<- gethtypes.Log) (ethereum.Subscription, error) {
	query := ethereum.FilterQuery{Addresses: []common.Address{t.contract}}
	sub, err := t.client.SubscribeFilterLogs(ctx, query, sink)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return nil, errors.Wrap(err, "subscribe logs")
	}

	head, err := t.client.BlockNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "query head for log polling")
	}
	t.logger.Debug("endpoint cannot push logs, polling", zap.Duration("interval", t.logPollInterval))
	return t.pollLogs(ctx, query, head+1, sink), nil
}

// ChainID returns the network chain identifier queried at dial time.
func (t *EthTransport) ChainID() *big.Int {
	return new(big.Int).Set(t.chainID)
}

// From returns the signer address. The second result is false in read-only mode.
func (t *EthTransport) From() (common.Address, bool) {
	return t.from, t.key != nil
}

// Close releases the underlying RPC connection.
func (t *EthTransport) Close() {
	t.client.Close()
}

// ═══════════════════════════════════════════════════════════════
// HELPER METHODS
// ═══════════════════════════════════════════════════════════════

func (t *EthTransport) fees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	tip, err = t.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "suggest gas tip")
	}
	head, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "latest header")
	}
	feeCap = new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, feeCap, nil
}

// pollLogs delivers logs from block next onwards. Lookup failures are retried
// on the next tick without skipping blocks.
func (t *EthTransport) pollLogs(ctx context.Context, query ethereum.FilterQuery, next uint64, sink chan<- gethtypes.Log) ethereum.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(t.logPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			head, err := t.client.BlockNumber(ctx)
			if err != nil {
				t.logger.Debug("head lookup failed", zap.Error(err))
				continue
			}
			if head < next {
				continue
			}

			q := query
			q.FromBlock = new(big.Int).SetUint64(next)
			q.ToBlock = new(big.Int).SetUint64(head)
			logs, err := t.client.FilterLogs(ctx, q)
			if err != nil {
				t.logger.Debug("log lookup failed", zap.Uint64("from", next), zap.Uint64("to", head), zap.Error(err))
				continue
			}
			for _, l := range logs {
				select {
				case sink <- l:
				case <-quit:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			next = head + 1
		}
	})
}
