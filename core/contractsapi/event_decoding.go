package contractsapi

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/neonveil/sdk-go/core/contracts"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
)

// ErrUnknownEvent is returned by DecodeLog for logs the auction ABI does not describe.
var ErrUnknownEvent = errors.New("unknown event")

// DecodeLog decodes one auction contract log into a ChainEvent stamped with receivedAt.
func DecodeLog(log gethtypes.Log, receivedAt time.Time) (types.ChainEvent, error) {
	if len(log.Topics) == 0 {
		return types.ChainEvent{}, errors.Wrap(ErrUnknownEvent, "log has no topics")
	}
	event, err := contracts.AuctionABI.EventByID(log.Topics[0])
	if err != nil {
		return types.ChainEvent{}, errors.Wrapf(ErrUnknownEvent, "topic %s", log.Topics[0].Hex())
	}

	fields := make(map[string]any, len(event.Inputs))
	if err := contracts.AuctionABI.UnpackIntoMap(fields, event.Name, log.Data); err != nil {
		return types.ChainEvent{}, errors.Wrapf(err, "unpack %s data", event.Name)
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return types.ChainEvent{}, errors.Wrapf(err, "parse %s topics", event.Name)
	}

	payload, err := buildPayload(types.EventKind(event.Name), fields)
	if err != nil {
		return types.ChainEvent{}, errors.Wrapf(err, "decode %s", event.Name)
	}

	return types.ChainEvent{
		EventMeta: types.EventMeta{
			ReceivedAt:  receivedAt,
			BlockNumber: log.BlockNumber,
			TxHash:      log.TxHash,
			LogIndex:    log.Index,
		},
		Payload: payload,
	}, nil
}

func buildPayload(kind types.EventKind, f map[string]any) (types.EventPayload, error) {
	var err error
	field := func(name string, decode func(val any, colIndex int, colName string) error) {
		if err != nil {
			return
		}
		val, ok := f[name]
		if !ok {
			err = fmt.Errorf("missing field %s", name)
			return
		}
		err = decode(val, -1, name)
	}
	u64 := func(dst *uint64) func(any, int, string) error {
		return func(v any, i int, n string) error { return extractUint64Column(v, dst, i, n) }
	}
	u32 := func(dst *uint32) func(any, int, string) error {
		return func(v any, i int, n string) error { return extractUint32Column(v, dst, i, n) }
	}
	bigint := func(dst **big.Int) func(any, int, string) error {
		return func(v any, i int, n string) error { return extractBigIntColumn(v, dst, i, n) }
	}
	addr := func(dst *common.Address) func(any, int, string) error {
		return func(v any, i int, n string) error { return extractAddressColumn(v, dst, i, n) }
	}

	switch kind {
	case types.EventAuctionCreated:
		var e types.AuctionCreated
		field("auctionId", u64(&e.AuctionID))
		field("seller", addr(&e.Seller))
		field("name", func(v any, i int, n string) error { return extractStringColumn(v, &e.Name, i, n) })
		return e, err
	case types.EventBidPlaced:
		var e types.BidPlaced
		field("auctionId", u64(&e.AuctionID))
		field("bidId", u64(&e.BidID))
		field("bidder", addr(&e.Bidder))
		field("amount", bigint(&e.Amount))
		return e, err
	case types.EventAuctionEnded:
		var e types.AuctionEnded
		field("auctionId", u64(&e.AuctionID))
		field("winner", addr(&e.Winner))
		field("finalPrice", bigint(&e.FinalPrice))
		return e, err
	case types.EventAuctionSettled:
		var e types.AuctionSettled
		field("auctionId", u64(&e.AuctionID))
		field("winner", addr(&e.Winner))
		field("finalPrice", bigint(&e.FinalPrice))
		return e, err
	case types.EventBidWithdrawn:
		var e types.BidWithdrawn
		field("auctionId", u64(&e.AuctionID))
		field("bidId", u64(&e.BidID))
		field("bidder", addr(&e.Bidder))
		return e, err
	case types.EventReputationUpdated:
		var e types.ReputationUpdated
		field("user", addr(&e.User))
		field("reputation", u32(&e.Reputation))
		return e, err
	}
	return nil, errors.Wrapf(ErrUnknownEvent, "kind %s", kind)
}

// DecodeReceiptLogs decodes the auction events in a receipt, skipping logs of other contracts.
func DecodeReceiptLogs(receipt *gethtypes.Receipt, receivedAt time.Time) []types.ChainEvent {
	if receipt == nil {
		return nil
	}
	var events []types.ChainEvent
	for _, l := range receipt.Logs {
		if l == nil {
			continue
		}
		event, err := DecodeLog(*l, receivedAt)
		if err != nil {
			continue
		}
		events = append(events, event)
	}
	return events
}

// CreatedIDs returns the auction and bid ids announced by a transaction's events.
// Either may be nil.
func CreatedIDs(events []types.ChainEvent) (auctionID, bidID *uint64) {
	for _, e := range events {
		switch p := e.Payload.(type) {
		case types.AuctionCreated:
			id := p.AuctionID
			auctionID = &id
		case types.BidPlaced:
			aid, bid := p.AuctionID, p.BidID
			auctionID, bidID = &aid, &bid
		}
	}
	return auctionID, bidID
}

// EncodeLog packs a payload into a log in the contract's wire layout. It is
// the inverse of DecodeLog and is used by in-memory chains.
func EncodeLog(payload types.EventPayload, meta types.EventMeta) (gethtypes.Log, error) {
	event, ok := contracts.AuctionABI.Events[string(payload.Kind())]
	if !ok {
		return gethtypes.Log{}, errors.Wrapf(ErrUnknownEvent, "kind %s", payload.Kind())
	}

	var indexed, data []any
	switch p := payload.(type) {
	case types.AuctionCreated:
		indexed = []any{new(big.Int).SetUint64(p.AuctionID), p.Seller}
		data = []any{p.Name}
	case types.BidPlaced:
		indexed = []any{new(big.Int).SetUint64(p.AuctionID), new(big.Int).SetUint64(p.BidID), p.Bidder}
		data = []any{uint32Of(p.Amount)}
	case types.AuctionEnded:
		indexed = []any{new(big.Int).SetUint64(p.AuctionID), p.Winner}
		data = []any{uint32Of(p.FinalPrice)}
	case types.AuctionSettled:
		indexed = []any{new(big.Int).SetUint64(p.AuctionID), p.Winner}
		data = []any{uint32Of(p.FinalPrice)}
	case types.BidWithdrawn:
		indexed = []any{new(big.Int).SetUint64(p.AuctionID), new(big.Int).SetUint64(p.BidID), p.Bidder}
	case types.ReputationUpdated:
		indexed = []any{p.User}
		data = []any{p.Reputation}
	default:
		return gethtypes.Log{}, errors.Wrapf(ErrUnknownEvent, "payload %T", payload)
	}

	topics := []common.Hash{event.ID}
	for _, v := range indexed {
		switch t := v.(type) {
		case *big.Int:
			topics = append(topics, common.BigToHash(t))
		case common.Address:
			topics = append(topics, common.BytesToHash(t.Bytes()))
		}
	}
	packed, err := event.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return gethtypes.Log{}, errors.Wrapf(err, "pack %s", event.Name)
	}

	return gethtypes.Log{
		Topics:      topics,
		Data:        packed,
		BlockNumber: meta.BlockNumber,
		TxHash:      meta.TxHash,
		Index:       meta.LogIndex,
	}, nil
}

// uint32Of narrows an event amount to the contract's uint32 field.
func uint32Of(v *big.Int) uint32 {
	if v == nil || !v.IsUint64() || v.Uint64() > uint64(^uint32(0)) {
		return 0
	}
	return uint32(v.Uint64())
}
