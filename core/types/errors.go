package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned by write operations when no identity is present.
	ErrNotConnected = errors.New("wallet not connected")
	// ErrInvalidAmount is returned for non-positive, non-finite or out-of-range amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInitialization is returned when the encryption engine cannot start.
	ErrInitialization = errors.New("encryption engine initialization failed")
	// ErrDecryption is returned for malformed ciphertexts or ciphertexts from another engine.
	ErrDecryption = errors.New("decryption failed")
	// ErrProofVerification is returned when a freshly produced range proof does not verify.
	ErrProofVerification = errors.New("range proof verification failed")
	// ErrTransaction is the target for errors.Is on any *TransactionError.
	ErrTransaction = errors.New("transaction failed")
	// ErrRead is the target for errors.Is on any *ReadError.
	ErrRead = errors.New("contract read failed")
)

// TransactionError wraps a submission or confirmation failure from the signer,
// the network or the chain.
type TransactionError struct {
	Method string
	TxHash common.Hash // zero when the transaction never left the client
	Reason string
	Err    error
}

func (e *TransactionError) Error() string {
	msg := fmt.Sprintf("transaction %s failed", e.Method)
	if e.TxHash != (common.Hash{}) {
		msg += " (" + e.TxHash.Hex() + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransactionError) Unwrap() error { return e.Err }

func (e *TransactionError) Is(target error) bool { return target == ErrTransaction }

// NewTransactionError builds a TransactionError. err may be nil for reverts.
func NewTransactionError(method string, txHash common.Hash, reason string, err error) *TransactionError {
	return &TransactionError{Method: method, TxHash: txHash, Reason: reason, Err: err}
}

// ReadError wraps a view-function failure. Reads are safe to retry.
type ReadError struct {
	Method string
	Args   []any
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s%v: %v", e.Method, e.Args, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

func (e *ReadError) Is(target error) bool { return target == ErrRead }

// NewReadError builds a ReadError.
func NewReadError(method string, args []any, err error) *ReadError {
	return &ReadError{Method: method, Args: args, Err: err}
}
