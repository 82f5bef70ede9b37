package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Phase is the lifecycle state of one manager invocation.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseEncrypting           Phase = "encrypting"
	PhaseSubmitting           Phase = "submitting"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseDone                 Phase = "done"
	PhaseFailed               Phase = "failed"
)

// Terminal reports whether no further transitions happen.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

type OperationKind string

const (
	OpPlaceBid      OperationKind = "placeBid"
	OpCreateAuction OperationKind = "createAuction"
	OpEndAuction    OperationKind = "endAuction"
	OpSettleAuction OperationKind = "settleAuction"
	OpWithdrawBid   OperationKind = "withdrawBid"
)

// Operation is a point-in-time copy of one invocation's state.
type Operation struct {
	ID        uuid.UUID     `json:"id"`
	Kind      OperationKind `json:"kind"`
	Phase     Phase         `json:"phase"`
	AuctionID *uint64       `json:"auctionId,omitempty"`
	BidID     *uint64       `json:"bidId,omitempty"`
	TxHash    *common.Hash  `json:"txHash,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// OperationResult is returned by successful manager operations.
type OperationResult struct {
	OperationID uuid.UUID   `json:"operationId"`
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	// AuctionID and BidID are decoded from receipt logs when present.
	AuctionID *uint64 `json:"auctionId,omitempty"`
	BidID     *uint64 `json:"bidId,omitempty"`
}
