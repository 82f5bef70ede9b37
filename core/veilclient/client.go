// Package veilclient wires the auction SDK together: a chain transport, the
// encryption provider, the lifecycle manager, the snapshot reader, the event
// ledger with its watcher, and the notification hub.
package veilclient

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/neonveil/sdk-go/core/bidding"
	"github.com/neonveil/sdk-go/core/contractsapi"
	"github.com/neonveil/sdk-go/core/fhe"
	"github.com/neonveil/sdk-go/core/ledger"
	"github.com/neonveil/sdk-go/core/logging"
	"github.com/neonveil/sdk-go/core/notify"
	"github.com/neonveil/sdk-go/core/snapshot"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Client struct {
	Transport  types.Transport          `validate:"required"`
	Encryption types.EncryptionProvider `validate:"required"`
	logger     *zap.Logger

	// dial settings, used when no transport is given
	privateKey      *ecdsa.PrivateKey
	contractAddress common.Address
	ownTransport    *EthTransport

	ledgerCapacity int
	cacheSize      int
	pollInterval   time.Duration
	bidBounds      *types.Bounds
	notifiers      []types.Notifier

	contract  *contractsapi.AuctionContract
	submitter *contractsapi.Submitter
	ledger    *ledger.Ledger
	hub       *notify.Hub
	manager   *bidding.Manager
	reader    *snapshot.Reader
	watcher   *Watcher
}

var _ types.Client = (*Client)(nil)

type Option func(*Client)

// NewClient connects to endpoint unless WithTransport supplies a transport,
// in which case endpoint is ignored.
//
// Example:
//
//	key, _ := veilclient.ParsePrivateKey(os.Getenv("VEIL_PRIVATE_KEY"))
//	client, err := veilclient.NewClient(ctx, "http://127.0.0.1:8545",
//	    veilclient.WithPrivateKey(key),
//	    veilclient.WithContractAddress(common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")),
//	)
func NewClient(ctx context.Context, endpoint string, options ...Option) (*Client, error) {
	c := &Client{}
	for _, option := range options {
		option(c)
	}
	c.logger = logging.OrDefault(c.logger, "veilclient")

	if c.Transport == nil {
		transport, err := NewEthTransport(ctx, endpoint, c.contractAddress, c.privateKey, c.logger.Named("transport"))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		c.Transport = transport
		c.ownTransport = transport
	}
	if c.Encryption == nil {
		c.Encryption = fhe.NewProvider(fhe.WithLogger(c.logger.Named("fhe")))
	}

	// Validate the client
	if err := c.Validate(); err != nil {
		c.closeTransport()
		return nil, errors.WithStack(err)
	}

	if err := c.wire(); err != nil {
		c.closeTransport()
		return nil, err
	}
	return c, nil
}

func (c *Client) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// WithPrivateKey signs transactions with key. Without it the client is read-only.
func WithPrivateKey(key *ecdsa.PrivateKey) Option {
	return func(c *Client) {
		c.privateKey = key
	}
}

// WithContractAddress sets the auction contract the dialed transport talks to.
func WithContractAddress(addr common.Address) Option {
	return func(c *Client) {
		c.contractAddress = addr
	}
}

// WithTransport replaces the JSON-RPC transport, e.g. with a simulated chain.
func WithTransport(transport types.Transport) Option {
	return func(c *Client) {
		c.Transport = transport
	}
}

// WithProvider replaces the default lazily initialized encryption provider.
func WithProvider(provider types.EncryptionProvider) Option {
	return func(c *Client) {
		c.Encryption = provider
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithLedgerCapacity sets how many events the ledger retains.
func WithLedgerCapacity(n int) Option {
	return func(c *Client) {
		c.ledgerCapacity = n
	}
}

// WithCacheSize sets how many decrypted values are cached.
func WithCacheSize(n int) Option {
	return func(c *Client) {
		c.cacheSize = n
	}
}

// WithPollInterval sets how often receipts are polled.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithBidBounds overrides the interval bids are proven against.
func WithBidBounds(b types.Bounds) Option {
	return func(c *Client) {
		c.bidBounds = &b
	}
}

// WithNotifier adds a notification sink next to the built-in hub.
func WithNotifier(n types.Notifier) Option {
	return func(c *Client) {
		if n != nil {
			c.notifiers = append(c.notifiers, n)
		}
	}
}

// Address returns the signer address. The second result is false when read-only.
func (c *Client) Address() (common.Address, bool) {
	return c.Transport.From()
}

func (c *Client) Contract() types.IAuctionContract { return c.contract }

func (c *Client) Submitter() *contractsapi.Submitter { return c.submitter }

func (c *Client) Ledger() *ledger.Ledger { return c.ledger }

func (c *Client) Hub() *notify.Hub { return c.hub }

func (c *Client) Watcher() *Watcher { return c.watcher }

// StartWatching follows contract events into the ledger until ctx is done or Close is called.
func (c *Client) StartWatching(ctx context.Context) error {
	return c.watcher.Start(ctx)
}

// WarmUp initializes the encryption engine ahead of the first bid. Providers
// without an explicit initialization step are left alone.
func (c *Client) WarmUp(ctx context.Context) error {
	p, ok := c.Encryption.(interface {
		Initialize(ctx context.Context) (*fhe.Engine, error)
	})
	if !ok {
		return nil
	}
	_, err := p.Initialize(ctx)
	return err
}

// Close stops the watcher and the hub and releases a dialed transport.
func (c *Client) Close() {
	c.watcher.Stop()
	c.hub.Close()
	c.closeTransport()
}

// Status is a point-in-time summary of the client.
type Status struct {
	ChainID     string               `json:"chainId"`
	Address     *common.Address      `json:"address,omitempty"`
	Encryption  types.ProviderStatus `json:"encryption"`
	Encrypting  bool                 `json:"isEncrypting"`
	Bidding     bool                 `json:"isBidding"`
	Watcher     WatcherStats         `json:"watcher"`
	Events      int                  `json:"events"`
	Subscribers int                  `json:"subscribers"`
	Cached      int                  `json:"cachedDecryptions"`
}

func (c *Client) Status() Status {
	s := Status{
		Encryption:  c.Encryption.Status(),
		Encrypting:  c.manager.IsEncrypting(),
		Bidding:     c.manager.IsBidding(),
		Watcher:     c.watcher.Stats(),
		Events:      c.ledger.Len(),
		Subscribers: c.hub.Subscribers(),
		Cached:      c.reader.CachedDecryptions(),
	}
	if id := c.Transport.ChainID(); id != nil {
		s.ChainID = id.String()
	}
	if addr, ok := c.Address(); ok {
		s.Address = &addr
	}
	return s
}

// ═══════════════════════════════════════════════════════════════
// LIFECYCLE OPERATIONS
// ═══════════════════════════════════════════════════════════════

func (c *Client) PlaceBid(ctx context.Context, auctionID uint64, amount *apd.Decimal) (*types.OperationResult, error) {
	return c.manager.PlaceBid(ctx, auctionID, amount)
}

func (c *Client) CreateAuction(ctx context.Context, input types.CreateAuctionInput) (*types.OperationResult, error) {
	return c.manager.CreateAuction(ctx, input)
}

func (c *Client) EndAuction(ctx context.Context, auctionID uint64) (*types.OperationResult, error) {
	return c.manager.EndAuction(ctx, auctionID)
}

func (c *Client) SettleAuction(ctx context.Context, auctionID uint64) (*types.OperationResult, error) {
	return c.manager.SettleAuction(ctx, auctionID)
}

func (c *Client) WithdrawBid(ctx context.Context, auctionID, bidID uint64) (*types.OperationResult, error) {
	return c.manager.WithdrawBid(ctx, auctionID, bidID)
}

func (c *Client) IsEncrypting() bool { return c.manager.IsEncrypting() }

func (c *Client) IsBidding() bool { return c.manager.IsBidding() }

func (c *Client) Operation(id uuid.UUID) (types.Operation, bool) { return c.manager.Operation(id) }

func (c *Client) Operations() []types.Operation { return c.manager.Operations() }

// ═══════════════════════════════════════════════════════════════
// SNAPSHOT QUERIES
// ═══════════════════════════════════════════════════════════════

func (c *Client) AuctionCounter(ctx context.Context) (uint64, error) {
	return c.reader.AuctionCounter(ctx)
}

func (c *Client) GetAuctionInfo(ctx context.Context, auctionID uint64) (*types.Auction, error) {
	return c.reader.GetAuctionInfo(ctx, auctionID)
}

func (c *Client) GetAllAuctions(ctx context.Context) ([]types.Auction, error) {
	return c.reader.GetAllAuctions(ctx)
}

func (c *Client) GetActiveAuctions(ctx context.Context) ([]types.Auction, error) {
	return c.reader.GetActiveAuctions(ctx)
}

func (c *Client) GetUserAuctions(ctx context.Context, seller common.Address) ([]types.Auction, error) {
	return c.reader.GetUserAuctions(ctx, seller)
}

func (c *Client) GetAuctionView(ctx context.Context, auctionID uint64) (*types.AuctionView, error) {
	return c.reader.GetAuctionView(ctx, auctionID)
}

func (c *Client) GetAuctionViews(ctx context.Context) ([]types.AuctionView, error) {
	return c.reader.GetAuctionViews(ctx)
}

func (c *Client) GetBidInfo(ctx context.Context, bidID uint64) (*types.Bid, error) {
	return c.reader.GetBidInfo(ctx, bidID)
}

func (c *Client) GetUserBids(ctx context.Context, bidder common.Address) ([]types.Bid, error) {
	return c.reader.GetUserBids(ctx, bidder)
}

func (c *Client) GetAuctionResult(ctx context.Context, auctionID uint64) (*types.AuctionResult, error) {
	return c.reader.GetAuctionResult(ctx, auctionID)
}

func (c *Client) GetUserReputation(ctx context.Context, user common.Address) (uint32, error) {
	return c.reader.GetUserReputation(ctx, user)
}

func (c *Client) GetSellerReputation(ctx context.Context, seller common.Address) (uint32, error) {
	return c.reader.GetSellerReputation(ctx, seller)
}

func (c *Client) DecryptAndCache(ctx context.Context, e types.EncryptedValue) (*apd.Decimal, error) {
	return c.reader.DecryptAndCache(ctx, e)
}

// ═══════════════════════════════════════════════════════════════
// HELPER METHODS
// ═══════════════════════════════════════════════════════════════

func (c *Client) wire() error {
	var err error
	c.contract, err = contractsapi.LoadAuctionContract(contractsapi.NewAuctionContractOptions{
		Transport: c.Transport,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	c.submitter = contractsapi.NewSubmitter(c.Transport,
		contractsapi.WithPollInterval(c.pollInterval),
		contractsapi.WithSubmitterLogger(c.logger.Named("submitter")))
	c.ledger = ledger.New(ledger.WithCapacity(c.ledgerCapacity))
	c.hub = notify.NewHub(notify.WithLogger(c.logger.Named("notify")))

	var notifier types.Notifier = c.hub
	if len(c.notifiers) > 0 {
		notifier = fanout(append([]types.Notifier{c.hub}, c.notifiers...))
	}
	identity := types.TransportIdentity(c.Transport)

	c.manager, err = bidding.NewManager(bidding.NewManagerOptions{
		Encryption: c.Encryption,
		Contract:   c.contract,
		Submitter:  c.submitter,
		Identity:   identity,
		Notifier:   notifier,
		Logger:     c.logger.Named("bidding"),
		Bounds:     c.bidBounds,
	})
	if err != nil {
		c.hub.Close()
		return err
	}

	c.reader, err = snapshot.LoadReader(snapshot.NewReaderOptions{
		Contract:   c.contract,
		Encryption: c.Encryption,
		Ledger:     c.ledger,
		Logger:     c.logger.Named("snapshot"),
		CacheSize:  c.cacheSize,
	})
	if err != nil {
		c.hub.Close()
		return err
	}

	c.watcher, err = NewWatcher(NewWatcherOptions{
		Transport: c.Transport,
		Ledger:    c.ledger,
		Notifier:  notifier,
		Identity:  identity,
		Logger:    c.logger.Named("watcher"),
	})
	if err != nil {
		c.hub.Close()
		return err
	}
	return nil
}

func (c *Client) closeTransport() {
	if c.ownTransport != nil {
		c.ownTransport.Close()
		c.ownTransport = nil
	}
}

// fanout delivers each notification to every notifier in order.
type fanout []types.Notifier

func (f fanout) Notify(n types.Notification) {
	for _, notifier := range f {
		notifier.Notify(n)
	}
}
