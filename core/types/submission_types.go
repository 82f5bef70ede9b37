package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Submission tracks one transaction from send to receipt.
type Submission struct {
	TxHash      common.Hash  `json:"txHash"`
	Method      string       `json:"method"`
	Value       *big.Int     `json:"value,omitempty"`
	Status      TxStatus     `json:"status"`
	SubmittedAt time.Time    `json:"submittedAt"`
	Receipt     *TxReceipt   `json:"receipt,omitempty"`
	Err         error        `json:"-"`
	Events      []ChainEvent `json:"events,omitempty"`
}

// TxReceipt is the part of a chain receipt callers care about.
type TxReceipt struct {
	BlockNumber uint64    `json:"blockNumber"`
	GasUsed     uint64    `json:"gasUsed"`
	Succeeded   bool      `json:"succeeded"`
	MinedAt     time.Time `json:"minedAt"`
}
