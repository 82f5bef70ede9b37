package veilclient

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/neonveil/sdk-go/core/contracts"
	"github.com/neonveil/sdk-go/core/contractsapi"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

type callArgs struct {
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Input hexutil.Bytes   `json:"input"`
	Data  hexutil.Bytes   `json:"data"`
	Value *hexutil.Big    `json:"value"`
}

func (a callArgs) payload() []byte {
	if len(a.Input) > 0 {
		return a.Input
	}
	return a.Data
}

// fakeNode serves the eth_ namespace subset ethclient needs.
type fakeNode struct {
	mu sync.Mutex

	chainID  *big.Int
	head     uint64
	nonce    uint64
	tip      *big.Int
	baseFee  *big.Int
	gas      uint64
	calls    []callArgs
	sent     []*gethtypes.Transaction
	senders  []common.Address
	receipts map[common.Hash]*gethtypes.Receipt
	misses   int // receipt lookups answered with null before the receipt shows up
	logs     []gethtypes.Log

	callFunc    func(input []byte) ([]byte, error)
	estimateErr error
}

func (f *fakeNode) ChainId() *hexutil.Big {
	return (*hexutil.Big)(f.chainID)
}

func (f *fakeNode) BlockNumber() hexutil.Uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return hexutil.Uint64(f.head)
}

func (f *fakeNode) Call(args callArgs, block *string) (hexutil.Bytes, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	fn := f.callFunc
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no call handler")
	}
	return fn(args.payload())
}

func (f *fakeNode) GetTransactionCount(addr common.Address, block string) hexutil.Uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return hexutil.Uint64(f.nonce)
}

func (f *fakeNode) MaxPriorityFeePerGas() *hexutil.Big {
	return (*hexutil.Big)(f.tip)
}

func (f *fakeNode) GetBlockByNumber(number string, full bool) *gethtypes.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &gethtypes.Header{
		Difficulty: big.NewInt(0),
		Number:     new(big.Int).SetUint64(f.head),
		GasLimit:   30_000_000,
		Time:       1_700_000_000,
		BaseFee:    f.baseFee,
	}
}

func (f *fakeNode) EstimateGas(args callArgs, block *string) (hexutil.Uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return hexutil.Uint64(f.gas), nil
}

func (f *fakeNode) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return common.Hash{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.senders = append(f.senders, sender)
	f.nonce++
	f.head++
	f.receipts[tx.Hash()] = &gethtypes.Receipt{
		Type:              gethtypes.DynamicFeeTxType,
		Status:            gethtypes.ReceiptStatusSuccessful,
		CumulativeGasUsed: 21000,
		GasUsed:           21000,
		Logs:              []*gethtypes.Log{},
		TxHash:            tx.Hash(),
		BlockNumber:       new(big.Int).SetUint64(f.head),
	}
	return tx.Hash(), nil
}

func (f *fakeNode) GetTransactionReceipt(hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.misses > 0 {
		f.misses--
		return nil, nil
	}
	return f.receipts[hash], nil
}

func (f *fakeNode) GetLogs(crit map[string]any) ([]gethtypes.Log, error) {
	from, err := hexutil.DecodeUint64(crit["fromBlock"].(string))
	if err != nil {
		return nil, err
	}
	to, err := hexutil.DecodeUint64(crit["toBlock"].(string))
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gethtypes.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

// with runs fn under the node's lock.
func (f *fakeNode) with(fn func(f *fakeNode)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeNode) mine(l gethtypes.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	l.BlockNumber = f.head
	f.logs = append(f.logs, l)
}

func startFakeNode(t *testing.T) (*fakeNode, string) {
	t.Helper()
	node := &fakeNode{
		chainID:  big.NewInt(31337),
		head:     10,
		nonce:    4,
		tip:      big.NewInt(2_000_000_000),
		baseFee:  big.NewInt(1_000_000_000),
		gas:      100_000,
		receipts: make(map[common.Hash]*gethtypes.Receipt),
	}
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", node))
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		httpServer.Close()
		server.Stop()
	})
	return node, httpServer.URL
}

func dialFakeNode(t *testing.T, url string, withKey bool) *EthTransport {
	t.Helper()
	var key *ecdsa.PrivateKey
	if withKey {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		key = k
	}
	transport, err := NewEthTransport(context.Background(), url, testContract, key, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(transport.Close)
	return transport
}

func TestNewEthTransport(t *testing.T) {
	_, url := startFakeNode(t)

	t.Run("read only", func(t *testing.T) {
		transport := dialFakeNode(t, url, false)
		assert.Equal(t, int64(31337), transport.ChainID().Int64())
		_, ok := transport.From()
		assert.False(t, ok)
	})

	t.Run("requires contract address", func(t *testing.T) {
		_, err := NewEthTransport(context.Background(), url, common.Address{}, nil, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		_, err := NewEthTransport(context.Background(), "http://127.0.0.1:1", testContract, nil, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestParsePrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	encoded := hexutil.Encode(crypto.FromECDSA(key))

	parsed, err := ParsePrivateKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))

	parsed, err = ParsePrivateKey(encoded[2:] + "\n")
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))

	_, err = ParsePrivateKey("0xnothex")
	assert.Error(t, err)
}

func TestEthTransport_Call(t *testing.T) {
	node, url := startFakeNode(t)
	node.with(func(f *fakeNode) {
		f.callFunc = func(input []byte) ([]byte, error) {
			return contracts.AuctionABI.Methods["auctionCounter"].Outputs.Pack(big.NewInt(7))
		}
	})
	transport := dialFakeNode(t, url, true)

	values, err := transport.Call(context.Background(), "auctionCounter")
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, big.NewInt(7), values[0])

	expected, err := contracts.AuctionABI.Pack("auctionCounter")
	require.NoError(t, err)
	var calls []callArgs
	node.with(func(f *fakeNode) { calls = append(calls, f.calls...) })
	require.Len(t, calls, 1)
	assert.Equal(t, expected, calls[0].payload())
	assert.Equal(t, testContract, *calls[0].To)
	from, _ := transport.From()
	assert.Equal(t, from, *calls[0].From)

	// the typed contract reads through the same path
	contract, err := contractsapi.LoadAuctionContract(contractsapi.NewAuctionContractOptions{Transport: transport})
	require.NoError(t, err)
	counter, err := contract.AuctionCounter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), counter)
}

func TestEthTransport_CallErrors(t *testing.T) {
	node, url := startFakeNode(t)
	transport := dialFakeNode(t, url, false)

	_, err := transport.Call(context.Background(), "noSuchMethod")
	assert.Error(t, err)

	node.with(func(f *fakeNode) {
		f.callFunc = func([]byte) ([]byte, error) { return nil, errors.New("execution reverted") }
	})
	_, err = transport.Call(context.Background(), "auctionCounter")
	assert.ErrorContains(t, err, "execution reverted")

	node.with(func(f *fakeNode) {
		f.callFunc = func([]byte) ([]byte, error) { return []byte{0x01}, nil }
	})
	_, err = transport.Call(context.Background(), "auctionCounter")
	assert.ErrorContains(t, err, "unpack auctionCounter")
}

func TestEthTransport_TransactSignsDynamicFeeTx(t *testing.T) {
	node, url := startFakeNode(t)
	transport := dialFakeNode(t, url, true)

	value := big.NewInt(5)
	hash, err := transport.Transact(context.Background(), value, "endAuction", big.NewInt(3))
	require.NoError(t, err)

	var sent []*gethtypes.Transaction
	var senders []common.Address
	node.with(func(f *fakeNode) {
		sent = append(sent, f.sent...)
		senders = append(senders, f.senders...)
	})
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint8(gethtypes.DynamicFeeTxType), tx.Type())
	assert.Equal(t, int64(31337), tx.ChainId().Int64())
	assert.Equal(t, uint64(4), tx.Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, big.NewInt(2_000_000_000), tx.GasTipCap())
	assert.Equal(t, big.NewInt(4_000_000_000), tx.GasFeeCap())
	assert.Equal(t, value, tx.Value())
	assert.Equal(t, testContract, *tx.To())

	data, err := contracts.AuctionABI.Pack("endAuction", big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, data, tx.Data())

	from, _ := transport.From()
	assert.Equal(t, from, senders[0])

	// nonce comes from the node each time
	_, err = transport.Transact(context.Background(), nil, "settleAuction", big.NewInt(3))
	require.NoError(t, err)
	node.with(func(f *fakeNode) { sent = append(sent[:0], f.sent...) })
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(5), sent[1].Nonce())
	assert.Equal(t, 0, sent[1].Value().Sign())
}

func TestEthTransport_TransactErrors(t *testing.T) {
	node, url := startFakeNode(t)

	t.Run("no key", func(t *testing.T) {
		transport := dialFakeNode(t, url, false)
		_, err := transport.Transact(context.Background(), nil, "endAuction", big.NewInt(1))
		assert.ErrorIs(t, err, types.ErrNotConnected)
	})

	t.Run("estimate fails", func(t *testing.T) {
		transport := dialFakeNode(t, url, true)
		node.with(func(f *fakeNode) { f.estimateErr = errors.New("execution reverted: auction already ended") })
		defer node.with(func(f *fakeNode) { f.estimateErr = nil })

		_, err := transport.Transact(context.Background(), nil, "endAuction", big.NewInt(1))
		assert.ErrorContains(t, err, "auction already ended")
		node.with(func(f *fakeNode) { assert.Empty(t, f.sent) })
	})

	t.Run("bad arguments", func(t *testing.T) {
		transport := dialFakeNode(t, url, true)
		_, err := transport.Transact(context.Background(), nil, "endAuction", "one")
		assert.ErrorContains(t, err, "pack endAuction")
	})
}

func TestEthTransport_WaitMined(t *testing.T) {
	node, url := startFakeNode(t)
	transport := dialFakeNode(t, url, true)

	node.with(func(f *fakeNode) { f.misses = 2 })
	hash, err := transport.Transact(context.Background(), nil, "endAuction", big.NewInt(1))
	require.NoError(t, err)

	receipt, err := transport.WaitMined(context.Background(), hash, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, gethtypes.ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, hash, receipt.TxHash)
	node.with(func(f *fakeNode) { assert.Equal(t, 0, f.misses) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = transport.WaitMined(ctx, common.HexToHash("0xdead"), time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEthTransport_SubscribeLogsPolls(t *testing.T) {
	node, url := startFakeNode(t)
	transport := dialFakeNode(t, url, false)
	transport.logPollInterval = 5 * time.Millisecond

	// mined before the subscription; not delivered
	old, err := contractsapi.EncodeLog(types.AuctionCreated{AuctionID: 0, Seller: common.HexToAddress("0x01"), Name: "old"},
		types.EventMeta{TxHash: common.HexToHash("0x01")})
	require.NoError(t, err)
	old.Address = testContract
	node.mine(old)

	sink := make(chan gethtypes.Log, 4)
	sub, err := transport.SubscribeLogs(context.Background(), sink)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	fresh, err := contractsapi.EncodeLog(types.AuctionCreated{AuctionID: 1, Seller: common.HexToAddress("0x01"), Name: "Vase"},
		types.EventMeta{TxHash: common.HexToHash("0x02")})
	require.NoError(t, err)
	fresh.Address = testContract
	node.mine(fresh)

	select {
	case l := <-sink:
		event, err := contractsapi.DecodeLog(l, time.Now())
		require.NoError(t, err)
		assert.Equal(t, "Vase", event.Payload.(types.AuctionCreated).Name)
		assert.Equal(t, uint64(12), event.BlockNumber)
	case err := <-sub.Err():
		t.Fatalf("subscription failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("log not delivered")
	}

	select {
	case l := <-sink:
		t.Fatalf("unexpected log from block %d", l.BlockNumber)
	case <-time.After(30 * time.Millisecond):
	}
}
