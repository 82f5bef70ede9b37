// Package simchain is an in-memory auction contract that implements
// types.Transport. Every transaction is mined immediately into its own block.
// It backs the daemon's simulated mode and the package tests.
package simchain

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/neonveil/sdk-go/core/contracts"
	"github.com/neonveil/sdk-go/core/contractsapi"
	"github.com/neonveil/sdk-go/core/logging"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrReverted is returned by view calls that the contract rejects.
	ErrReverted = errors.New("execution reverted")
	ErrNoSender = errors.New("no sender configured")

	DefaultChainID = big.NewInt(31337)
	DefaultAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

// Fault lets tests fail a call before it reaches the contract. Returning nil
// lets the call through.
type Fault func(method string, args []any) error

// Chain is safe for concurrent use.
type Chain struct {
	chainID *big.Int
	address common.Address
	now     func() time.Time
	logger  *zap.Logger

	mu            sync.Mutex
	sender        common.Address
	hasSender     bool
	block         uint64
	nonce         uint64
	state         *contractState
	receipts      map[common.Hash]*gethtypes.Receipt
	reverts       map[common.Hash]string
	callFault     Fault
	transactFault Fault

	feed event.Feed
}

var _ types.Transport = (*Chain)(nil)

type Option func(*Chain)

func WithSender(addr common.Address) Option {
	return func(c *Chain) {
		c.sender, c.hasSender = addr, true
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		c.now = now
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Chain) {
		c.logger = l
	}
}

func WithChainID(id *big.Int) Option {
	return func(c *Chain) {
		if id != nil {
			c.chainID = new(big.Int).Set(id)
		}
	}
}

func New(opts ...Option) *Chain {
	c := &Chain{
		chainID:  new(big.Int).Set(DefaultChainID),
		address:  DefaultAddress,
		now:      time.Now,
		state:    newContractState(),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
		reverts:  make(map[common.Hash]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger, "simchain")
	return c
}

// SetSender switches the signing identity used by later transactions.
func (c *Chain) SetSender(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender, c.hasSender = addr, true
}

// ClearSender removes the signing identity.
func (c *Chain) ClearSender() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender, c.hasSender = common.Address{}, false
}

func (c *Chain) SetCallFault(f Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callFault = f
}

func (c *Chain) SetTransactFault(f Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactFault = f
}

// RevertReason returns the reason a mined transaction reverted.
func (c *Chain) RevertReason(hash common.Hash) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason, ok := c.reverts[hash]
	return reason, ok
}

func (c *Chain) Address() common.Address { return c.address }

func (c *Chain) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *Chain) From() (common.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender, c.hasSender
}

// Call runs a view function. Arguments and results go through the ABI codec,
// so they have the same Go types ethclient would produce.
func (c *Chain) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	m, in, err := normalize(method, args)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	fault := c.callFault
	c.mu.Unlock()
	if fault != nil {
		if err := fault(method, in); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	out, err := c.state.view(method, in)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	packed, err := m.Outputs.Pack(out...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s outputs", method)
	}
	return m.Outputs.Unpack(packed)
}

// Transact executes a state-changing call and mines it. A contract rejection
// still yields a hash; its receipt has a failed status.
func (c *Chain) Transact(ctx context.Context, value *big.Int, method string, args ...any) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, errors.WithStack(err)
	}
	_, in, err := normalize(method, args)
	if err != nil {
		return common.Hash{}, err
	}
	if value == nil {
		value = new(big.Int)
	}

	c.mu.Lock()
	if !c.hasSender {
		c.mu.Unlock()
		return common.Hash{}, ErrNoSender
	}
	if c.transactFault != nil {
		if err := c.transactFault(method, in); err != nil {
			c.mu.Unlock()
			return common.Hash{}, err
		}
	}

	c.nonce++
	c.block++
	hash := txHash(c.sender, c.nonce, method)
	now := c.now()
	payloads, execErr := c.state.execute(txContext{sender: c.sender, value: value, now: now}, method, in)

	receipt := &gethtypes.Receipt{
		Type:              gethtypes.DynamicFeeTxType,
		Status:            gethtypes.ReceiptStatusSuccessful,
		TxHash:            hash,
		BlockNumber:       new(big.Int).SetUint64(c.block),
		GasUsed:           21_000,
		CumulativeGasUsed: 21_000,
		ContractAddress:   common.Address{},
	}
	var logs []gethtypes.Log
	if execErr != nil {
		receipt.Status = gethtypes.ReceiptStatusFailed
		c.reverts[hash] = execErr.Error()
	} else {
		for i, p := range payloads {
			l, err := contractsapi.EncodeLog(p, types.EventMeta{
				ReceivedAt:  now,
				BlockNumber: c.block,
				TxHash:      hash,
				LogIndex:    uint(i),
			})
			if err != nil {
				c.mu.Unlock()
				return common.Hash{}, err
			}
			l.Address = c.address
			l.BlockHash = blockHash(c.block)
			logs = append(logs, l)
			receipt.Logs = append(receipt.Logs, &l)
		}
	}
	receipt.BlockHash = blockHash(c.block)
	c.receipts[hash] = receipt
	c.mu.Unlock()

	if execErr != nil {
		c.logger.Debug("transaction reverted", zap.String("method", method), zap.Stringer("txHash", hash),
			zap.Error(execErr))
	}
	for _, l := range logs {
		c.feed.Send(l)
	}
	return hash, nil
}

// WaitMined returns the receipt of a transaction sent through this chain.
func (c *Chain) WaitMined(ctx context.Context, hash common.Hash, _ time.Duration) (*gethtypes.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, errors.Wrapf(ethereum.NotFound, "receipt %s", hash.Hex())
	}
	cp := *receipt
	return &cp, nil
}

// SubscribeLogs delivers every later log to sink until the subscription is
// cancelled or ctx is done.
func (c *Chain) SubscribeLogs(ctx context.Context, sink chan<- gethtypes.Log) (ethereum.Subscription, error) {
	inner := c.feed.Subscribe(sink)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer inner.Unsubscribe()
		select {
		case <-quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case err := <-inner.Err():
			return err
		}
	}), nil
}

// ═══════════════════════════════════════════════════════════════
// HELPER METHODS
// ═══════════════════════════════════════════════════════════════

// normalize packs args against the ABI and unpacks them again, which both
// type-checks them and converts them to canonical Go types.
func normalize(method string, args []any) (abi.Method, []any, error) {
	m, ok := contracts.AuctionABI.Methods[method]
	if !ok {
		return abi.Method{}, nil, errors.Errorf("method %q not found in abi", method)
	}
	packed, err := m.Inputs.Pack(args...)
	if err != nil {
		return abi.Method{}, nil, errors.Wrapf(err, "pack %s", method)
	}
	in, err := m.Inputs.Unpack(packed)
	if err != nil {
		return abi.Method{}, nil, errors.Wrapf(err, "unpack %s", method)
	}
	return m, in, nil
}

func txHash(sender common.Address, nonce uint64, method string) common.Hash {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256Hash(sender.Bytes(), n[:], []byte(method))
}

func blockHash(number uint64) common.Hash {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], number)
	return crypto.Keccak256Hash([]byte("block"), n[:])
}
