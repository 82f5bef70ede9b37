package types

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Transport abstracts the communication layer with the auction contract.
//
// The default implementation (veilclient.EthTransport) talks JSON-RPC through
// go-ethereum's ethclient. Tests and alternative environments plug in their own:
//
//	client, err := veilclient.NewClient(ctx, endpoint,
//	    veilclient.WithTransport(myTransport),
//	)
type Transport interface {
	// Call invokes a view function and returns its unpacked outputs in ABI order.
	Call(ctx context.Context, method string, args ...any) ([]any, error)

	// Transact signs and sends a state-changing call. value is the attached
	// native amount in wei and may be nil.
	Transact(ctx context.Context, value *big.Int, method string, args ...any) (common.Hash, error)

	// WaitMined polls for the receipt of txHash every interval until it is
	// available or ctx is done.
	WaitMined(ctx context.Context, txHash common.Hash, interval time.Duration) (*gethtypes.Receipt, error)

	// SubscribeLogs streams the contract's logs into sink.
	SubscribeLogs(ctx context.Context, sink chan<- gethtypes.Log) (ethereum.Subscription, error)

	ChainID() *big.Int

	// From returns the signing identity, if any.
	From() (common.Address, bool)
}

// IdentityProvider reports the current signing identity.
type IdentityProvider interface {
	Identity() (common.Address, bool)
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc func() (common.Address, bool)

func (f IdentityFunc) Identity() (common.Address, bool) { return f() }

// TransportIdentity uses the transport's signer as the identity.
func TransportIdentity(t Transport) IdentityProvider {
	return IdentityFunc(t.From)
}

// ContractCall is a packed-ready invocation of a state-changing function.
type ContractCall struct {
	Method string
	Args   []any
	// Value is the attached native amount in wei. Nil means zero.
	Value *big.Int
}
