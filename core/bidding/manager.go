// Package bidding runs the encrypted bid lifecycle: encrypt, self-verify,
// submit and await confirmation.
package bidding

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/neonveil/sdk-go/core/contractsapi"
	"github.com/neonveil/sdk-go/core/logging"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/neonveil/sdk-go/core/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var optionsValidator = validator.New()

// Manager orchestrates the encryption provider and the submitter for the
// auction write operations. Concurrent invocations are allowed and are not
// serialized; the contract decides which bids are valid.
type Manager struct {
	encryption types.EncryptionProvider
	contract   types.IAuctionContract
	submitter  *contractsapi.Submitter
	identity   types.IdentityProvider
	notifier   types.Notifier
	logger     *zap.Logger
	bounds     types.Bounds
	now        func() time.Time

	// number of invocations in each phase
	encrypting atomic.Int32
	bidding    atomic.Int32

	mu    sync.RWMutex
	ops   map[uuid.UUID]*types.Operation
	order []uuid.UUID
}

// NewManagerOptions contains options for creating a Manager
type NewManagerOptions struct {
	Encryption types.EncryptionProvider `validate:"required"`
	Contract   types.IAuctionContract   `validate:"required"`
	Submitter  *contractsapi.Submitter  `validate:"required"`
	Identity   types.IdentityProvider   `validate:"required"`
	// Optional
	Notifier types.Notifier
	Logger   *zap.Logger
	// Bounds used for bids; defaults to [0, MaxBid].
	Bounds *types.Bounds
	Clock  func() time.Time
}

func NewManager(options NewManagerOptions) (*Manager, error) {
	if err := optionsValidator.Struct(options); err != nil {
		return nil, errors.Wrap(err, "invalid manager options")
	}
	bounds := types.BidBounds()
	if options.Bounds != nil {
		if err := options.Bounds.Validate(); err != nil {
			return nil, err
		}
		bounds = *options.Bounds
	}
	m := &Manager{
		encryption: options.Encryption,
		contract:   options.Contract,
		submitter:  options.Submitter,
		identity:   options.Identity,
		notifier:   options.Notifier,
		logger:     logging.OrDefault(options.Logger, "bidding"),
		bounds:     bounds,
		now:        options.Clock,
		ops:        make(map[uuid.UUID]*types.Operation),
	}
	if m.notifier == nil {
		m.notifier = types.NopNotifier{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// IsEncrypting reports whether any invocation is encrypting.
func (m *Manager) IsEncrypting() bool { return m.encrypting.Load() > 0 }

// IsBidding reports whether any invocation is submitting or awaiting confirmation.
func (m *Manager) IsBidding() bool { return m.bidding.Load() > 0 }

func (m *Manager) Bounds() types.Bounds {
	return types.Bounds{Min: util.CloneBig(m.bounds.Min), Max: util.CloneBig(m.bounds.Max)}
}

// PlaceBid encrypts amount (in ether), verifies its own range proof and
// submits placeBid with the amount in wei attached as the transaction value.
// The caller is expected to have checked the amount against the auction's
// current bid and increment.
func (m *Manager) PlaceBid(ctx context.Context, auctionID uint64, amount *apd.Decimal) (*types.OperationResult, error) {
	const title = "Failed to place encrypted bid"
	if err := m.requireIdentity(); err != nil {
		return nil, m.reject(title, err)
	}
	wei, err := m.weiOf(amount)
	if err != nil {
		return nil, m.reject(title, err)
	}

	opID := m.begin(types.OpPlaceBid, util.Ptr(auctionID), nil)
	logger := m.logger.With(zap.Stringer("operation", opID), zap.Uint64("auctionId", auctionID))

	ciphertext, proof, err := m.encrypt(ctx, opID, amount, m.bounds, true)
	if err != nil {
		return nil, m.fail(opID, logger, title, err)
	}

	call := m.contract.PlaceBidCall(auctionID, ciphertext, proof, wei)
	result, err := m.submit(ctx, opID, logger, call)
	if err != nil {
		return nil, m.fail(opID, logger, title, err)
	}

	m.succeed(opID, logger, "Encrypted bid placed",
		fmt.Sprintf("Your bid on auction #%d is confirmed in block %d", auctionID, result.BlockNumber))
	return result, nil
}

// CreateAuction submits a new auction. The starting price is also encrypted
// against the starting price bounds; the ciphertext is only logged and the
// contract receives plaintext wei values.
func (m *Manager) CreateAuction(ctx context.Context, input types.CreateAuctionInput) (*types.OperationResult, error) {
	const title = "Failed to create encrypted auction"
	if err := m.requireIdentity(); err != nil {
		return nil, m.reject(title, err)
	}
	if err := input.Validate(); err != nil {
		return nil, m.reject(title, err)
	}
	startingPrice, err := types.ToSmallestUnit(input.StartingPrice)
	if err != nil {
		return nil, m.reject(title, err)
	}
	minIncrement, err := types.ToSmallestUnit(input.MinBidIncrement)
	if err != nil {
		return nil, m.reject(title, err)
	}

	opID := m.begin(types.OpCreateAuction, nil, nil)
	logger := m.logger.With(zap.Stringer("operation", opID), zap.String("name", input.Name))

	ciphertext, _, err := m.encrypt(ctx, opID, input.StartingPrice, types.StartingPriceBounds(), false)
	if err != nil {
		return nil, m.fail(opID, logger, title, err)
	}
	logger.Debug("encrypted starting price", zap.String("ciphertext", ciphertext.Hex()))

	call := m.contract.CreateAuctionCall(input.Name, input.Description, input.ImageURL,
		startingPrice, input.Duration, minIncrement)
	result, err := m.submit(ctx, opID, logger, call)
	if err != nil {
		return nil, m.fail(opID, logger, title, err)
	}

	message := "Your auction is live"
	if result.AuctionID != nil {
		message = fmt.Sprintf("Auction #%d is live", *result.AuctionID)
	}
	m.succeed(opID, logger, "Encrypted auction created", message)
	return result, nil
}

func (m *Manager) EndAuction(ctx context.Context, auctionID uint64) (*types.OperationResult, error) {
	return m.passThrough(ctx, types.OpEndAuction, auctionID, nil, m.contract.EndAuctionCall(auctionID),
		"Auction ended", "Failed to end auction")
}

func (m *Manager) SettleAuction(ctx context.Context, auctionID uint64) (*types.OperationResult, error) {
	return m.passThrough(ctx, types.OpSettleAuction, auctionID, nil, m.contract.SettleAuctionCall(auctionID),
		"Auction settled", "Failed to settle auction")
}

func (m *Manager) WithdrawBid(ctx context.Context, auctionID, bidID uint64) (*types.OperationResult, error) {
	return m.passThrough(ctx, types.OpWithdrawBid, auctionID, util.Ptr(bidID), m.contract.WithdrawBidCall(auctionID, bidID),
		"Bid withdrawn", "Failed to withdraw bid")
}

// ═══════════════════════════════════════════════════════════════
// HELPER METHODS
// ═══════════════════════════════════════════════════════════════

func (m *Manager) passThrough(ctx context.Context, kind types.OperationKind, auctionID uint64, bidID *uint64,
	call types.ContractCall, successTitle, failureTitle string) (*types.OperationResult, error) {
	if err := m.requireIdentity(); err != nil {
		return nil, m.reject(failureTitle, err)
	}

	opID := m.begin(kind, util.Ptr(auctionID), bidID)
	logger := m.logger.With(zap.Stringer("operation", opID), zap.String("kind", string(kind)),
		zap.Uint64("auctionId", auctionID))

	result, err := m.submit(ctx, opID, logger, call)
	if err != nil {
		return nil, m.fail(opID, logger, failureTitle, err)
	}
	if result.AuctionID == nil {
		result.AuctionID = util.Ptr(auctionID)
	}
	if result.BidID == nil {
		result.BidID = bidID
	}
	m.succeed(opID, logger, successTitle, fmt.Sprintf("Auction #%d: transaction %s confirmed",
		auctionID, util.ShortHash(result.TxHash)))
	return result, nil
}

func (m *Manager) requireIdentity() error {
	if _, ok := m.identity.Identity(); !ok {
		return errors.Wrap(types.ErrNotConnected, "connect a wallet first")
	}
	return nil
}

// weiOf validates a bid amount and converts it, rejecting amounts that
// truncate to zero wei.
func (m *Manager) weiOf(amount *apd.Decimal) (*big.Int, error) {
	if err := types.ValidateAmount(amount); err != nil {
		return nil, err
	}
	wei, err := types.ToSmallestUnit(amount)
	if err != nil {
		return nil, err
	}
	if wei.Sign() <= 0 {
		return nil, errors.Wrapf(types.ErrInvalidAmount, "amount %s is below one wei", amount.String())
	}
	return wei, nil
}

// encrypt runs the Encrypting phase. With verify set, the range proof is
// checked before it is returned.
func (m *Manager) encrypt(ctx context.Context, opID uuid.UUID, amount *apd.Decimal, bounds types.Bounds,
	verify bool) (types.EncryptedValue, types.RangeProof, error) {
	m.setPhase(opID, types.PhaseEncrypting)
	m.encrypting.Add(1)
	defer m.encrypting.Add(-1)

	ciphertext, proof, err := m.encryption.EncryptAmount(ctx, amount, bounds)
	if err != nil {
		return nil, nil, err
	}
	if !verify {
		return ciphertext, proof, nil
	}

	ok, err := m.encryption.VerifyRangeProof(ctx, ciphertext, proof, bounds)
	if err != nil {
		return nil, nil, errors.Wrap(types.ErrProofVerification, err.Error())
	}
	if !ok {
		return nil, nil, errors.Wrap(types.ErrProofVerification, "own range proof does not verify")
	}
	return ciphertext, proof, nil
}

// submit runs the Submitting and AwaitingConfirmation phases.
func (m *Manager) submit(ctx context.Context, opID uuid.UUID, logger *zap.Logger,
	call types.ContractCall) (*types.OperationResult, error) {
	m.setPhase(opID, types.PhaseSubmitting)
	m.bidding.Add(1)
	defer m.bidding.Add(-1)

	sub, err := m.submitter.Send(ctx, call)
	if err != nil {
		return nil, err
	}
	m.setTxHash(opID, sub.TxHash)
	m.setPhase(opID, types.PhaseAwaitingConfirmation)
	logger.Info("transaction submitted", zap.String("method", call.Method), zap.Stringer("txHash", sub.TxHash))

	sub, err = m.submitter.Wait(ctx, sub.TxHash)
	if err != nil {
		return nil, err
	}

	result := &types.OperationResult{OperationID: opID, TxHash: sub.TxHash}
	if sub.Receipt != nil {
		result.BlockNumber = sub.Receipt.BlockNumber
	}
	result.AuctionID, result.BidID = contractsapi.CreatedIDs(sub.Events)
	m.update(opID, func(op *types.Operation) {
		if result.AuctionID != nil {
			op.AuctionID = result.AuctionID
		}
		if result.BidID != nil {
			op.BidID = result.BidID
		}
	})
	return result, nil
}

// reject reports a precondition failure. No operation is recorded.
func (m *Manager) reject(title string, err error) error {
	m.logger.Warn(title, zap.Error(err))
	m.notify(types.LevelError, title, err.Error())
	return err
}

func (m *Manager) fail(opID uuid.UUID, logger *zap.Logger, title string, err error) error {
	m.update(opID, func(op *types.Operation) {
		op.Phase = types.PhaseFailed
		op.Error = err.Error()
	})
	logger.Error(title, zap.Error(err))
	m.notify(types.LevelError, title, err.Error())
	return err
}

func (m *Manager) succeed(opID uuid.UUID, logger *zap.Logger, title, message string) {
	m.setPhase(opID, types.PhaseDone)
	logger.Info(title)
	m.notify(types.LevelSuccess, title, message)
}

func (m *Manager) notify(level types.NotificationLevel, title, message string) {
	m.notifier.Notify(types.Notification{Level: level, Title: title, Message: message, At: m.now()})
}
