package contractsapi

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/neonveil/sdk-go/core/logging"
	"github.com/neonveil/sdk-go/core/types"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval = time.Second
	// maxTrackedSubmissions bounds the history kept for Status and Submissions.
	maxTrackedSubmissions = 256
)

// Submitter sends contract calls and tracks them until a receipt arrives.
// It performs no business validation.
type Submitter struct {
	transport    types.Transport
	logger       *zap.Logger
	pollInterval time.Duration
	now          func() time.Time

	mu          sync.RWMutex
	submissions map[common.Hash]*types.Submission
	order       []common.Hash
}

type SubmitterOption func(*Submitter)

func WithPollInterval(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithSubmitterLogger(l *zap.Logger) SubmitterOption {
	return func(s *Submitter) {
		s.logger = l
	}
}

func WithSubmitterClock(now func() time.Time) SubmitterOption {
	return func(s *Submitter) {
		s.now = now
	}
}

func NewSubmitter(transport types.Transport, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		transport:    transport,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		submissions:  make(map[common.Hash]*types.Submission),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger, "submitter")
	return s
}

// Send signs and broadcasts call. The returned submission is pending.
func (s *Submitter) Send(ctx context.Context, call types.ContractCall) (*types.Submission, error) {
	hash, err := s.transport.Transact(ctx, call.Value, call.Method, call.Args...)
	if err != nil {
		s.logger.Warn("send failed", zap.String("method", call.Method), zap.Error(err))
		return nil, types.NewTransactionError(call.Method, common.Hash{}, "", err)
	}

	sub := &types.Submission{
		TxHash:      hash,
		Method:      call.Method,
		Value:       call.Value,
		Status:      types.TxPending,
		SubmittedAt: s.now(),
	}
	s.track(sub)
	s.logger.Debug("transaction sent", zap.String("method", call.Method), zap.Stringer("txHash", hash))
	return s.snapshot(hash), nil
}

// Wait blocks until the transaction is mined or ctx is done.
func (s *Submitter) Wait(ctx context.Context, hash common.Hash) (*types.Submission, error) {
	method := s.method(hash)

	receipt, err := s.transport.WaitMined(ctx, hash, s.pollInterval)
	if err != nil {
		txErr := types.NewTransactionError(method, hash, "", err)
		s.update(hash, func(sub *types.Submission) {
			sub.Status = types.TxFailed
			sub.Err = txErr
		})
		return s.snapshot(hash), txErr
	}

	minedAt := s.now()
	events := DecodeReceiptLogs(receipt, minedAt)
	succeeded := receipt.Status == gethtypes.ReceiptStatusSuccessful

	var blockNumber uint64
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}

	var txErr error
	s.update(hash, func(sub *types.Submission) {
		sub.Receipt = &types.TxReceipt{
			BlockNumber: blockNumber,
			GasUsed:     receipt.GasUsed,
			Succeeded:   succeeded,
			MinedAt:     minedAt,
		}
		sub.Events = events
		if succeeded {
			sub.Status = types.TxConfirmed
			return
		}
		sub.Status = types.TxFailed
		txErr = types.NewTransactionError(sub.Method, hash, "execution reverted", nil)
		sub.Err = txErr
	})

	if txErr != nil {
		s.logger.Warn("transaction reverted", zap.String("method", method), zap.Stringer("txHash", hash),
			zap.Uint64("block", blockNumber))
		return s.snapshot(hash), txErr
	}
	s.logger.Debug("transaction confirmed", zap.String("method", method), zap.Stringer("txHash", hash),
		zap.Uint64("block", blockNumber), zap.Uint64("gasUsed", receipt.GasUsed))
	return s.snapshot(hash), nil
}

// Submit is Send followed by Wait.
func (s *Submitter) Submit(ctx context.Context, call types.ContractCall) (*types.Submission, error) {
	sub, err := s.Send(ctx, call)
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, sub.TxHash)
}

// Status reports the tracked status of hash.
func (s *Submitter) Status(hash common.Hash) (types.TxStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[hash]
	if !ok {
		return "", false
	}
	return sub.Status, true
}

// Submissions returns copies of the tracked submissions, oldest first.
func (s *Submitter) Submissions() []types.Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Submission, 0, len(s.order))
	for _, h := range s.order {
		out = append(out, *s.submissions[h])
	}
	return out
}

func (s *Submitter) track(sub *types.Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.submissions[sub.TxHash]; !ok {
		s.order = append(s.order, sub.TxHash)
	}
	s.submissions[sub.TxHash] = sub
	for len(s.order) > maxTrackedSubmissions {
		delete(s.submissions, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Submitter) update(hash common.Hash, fn func(*types.Submission)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[hash]
	if !ok {
		// Wait on a hash this submitter never sent.
		sub = &types.Submission{TxHash: hash, SubmittedAt: s.now()}
		s.submissions[hash] = sub
		s.order = append(s.order, hash)
	}
	fn(sub)
}

func (s *Submitter) method(hash common.Hash) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sub, ok := s.submissions[hash]; ok {
		return sub.Method
	}
	return ""
}

func (s *Submitter) snapshot(hash common.Hash) *types.Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[hash]
	if !ok {
		return nil
	}
	cp := *sub
	return &cp
}
