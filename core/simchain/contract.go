package simchain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/pkg/errors"
)

type auctionRecord struct {
	name, description, imageURL string
	startingPrice               *big.Int
	currentBid                  *big.Int
	bidCount                    uint64
	isActive, isEnded           bool
	seller, currentBidder       common.Address
	startTime, endTime          time.Time
	minBidIncrement             *big.Int

	finalPrice     *big.Int
	winner         common.Address
	isSettled      bool
	settlementTime time.Time
}

type bidRecord struct {
	auctionID   uint64
	amount      []byte
	bidder      common.Address
	timestamp   time.Time
	isWithdrawn bool
}

type txContext struct {
	sender common.Address
	value  *big.Int
	now    time.Time
}

// contractState mirrors the deployed auction contract. Callers hold Chain.mu.
type contractState struct {
	auctions  []*auctionRecord
	bids      []*bidRecord
	userRep   map[common.Address]uint32
	sellerRep map[common.Address]uint32
}

func newContractState() *contractState {
	return &contractState{
		userRep:   make(map[common.Address]uint32),
		sellerRep: make(map[common.Address]uint32),
	}
}

func revert(reason string) error {
	return errors.Wrap(ErrReverted, reason)
}

func unix(t time.Time) *big.Int {
	if t.IsZero() {
		return new(big.Int)
	}
	return big.NewInt(t.Unix())
}

func (s *contractState) auction(id *big.Int) (*auctionRecord, uint64, error) {
	if !id.IsUint64() || id.Uint64() >= uint64(len(s.auctions)) {
		return nil, 0, revert("auction does not exist")
	}
	return s.auctions[id.Uint64()], id.Uint64(), nil
}

func (s *contractState) view(method string, in []any) ([]any, error) {
	switch method {
	case "auctionCounter":
		return []any{big.NewInt(int64(len(s.auctions)))}, nil

	case "getAuctionInfo":
		a, _, err := s.auction(in[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		return []any{
			a.name, a.description, a.imageURL,
			new(big.Int).Set(a.startingPrice),
			new(big.Int).Set(a.currentBid),
			new(big.Int).SetUint64(a.bidCount),
			a.isActive, a.isEnded, true,
			a.seller, a.currentBidder,
			unix(a.startTime), unix(a.endTime),
			new(big.Int).Set(a.minBidIncrement),
		}, nil

	case "getBidInfo":
		id := in[0].(*big.Int)
		if !id.IsUint64() || id.Uint64() >= uint64(len(s.bids)) {
			return nil, revert("bid does not exist")
		}
		b := s.bids[id.Uint64()]
		return []any{
			new(big.Int).SetUint64(b.auctionID),
			append([]byte(nil), b.amount...),
			b.bidder,
			unix(b.timestamp),
			b.isWithdrawn,
		}, nil

	case "getAuctionResult":
		a, _, err := s.auction(in[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		final := new(big.Int)
		if a.finalPrice != nil {
			final.Set(a.finalPrice)
		}
		return []any{final, a.winner, a.isSettled, unix(a.settlementTime)}, nil

	case "getUserReputation":
		return []any{s.userRep[in[0].(common.Address)]}, nil

	case "getSellerReputation":
		return []any{s.sellerRep[in[0].(common.Address)]}, nil
	}
	return nil, revert("function is not a view")
}

// execute applies a state-changing call and returns the events it emits.
// On error nothing has been changed.
func (s *contractState) execute(tx txContext, method string, in []any) ([]types.EventPayload, error) {
	switch method {
	case "createAuction":
		return s.createAuction(tx, in[0].(string), in[1].(string), in[2].(string),
			in[3].(*big.Int), in[4].(*big.Int), in[5].(*big.Int))
	case "placeBid":
		return s.placeBid(tx, in[0].(*big.Int), in[1].([]byte), in[2].([]byte))
	case "endAuction":
		return s.endAuction(tx, in[0].(*big.Int))
	case "settleAuction":
		return s.settleAuction(tx, in[0].(*big.Int))
	case "withdrawBid":
		return s.withdrawBid(tx, in[0].(*big.Int), in[1].(*big.Int))
	}
	return nil, revert("function is not payable or nonpayable")
}

func (s *contractState) createAuction(tx txContext, name, description, imageURL string,
	startingPrice, duration, minBidIncrement *big.Int) ([]types.EventPayload, error) {
	if name == "" {
		return nil, revert("name is required")
	}
	if duration.Sign() <= 0 || !duration.IsInt64() {
		return nil, revert("invalid duration")
	}
	if tx.value.Sign() != 0 {
		return nil, revert("createAuction is not payable")
	}

	id := uint64(len(s.auctions))
	s.auctions = append(s.auctions, &auctionRecord{
		name:            name,
		description:     description,
		imageURL:        imageURL,
		startingPrice:   new(big.Int).Set(startingPrice),
		currentBid:      new(big.Int),
		isActive:        true,
		seller:          tx.sender,
		startTime:       tx.now,
		endTime:         tx.now.Add(time.Duration(duration.Int64()) * time.Second),
		minBidIncrement: new(big.Int).Set(minBidIncrement),
	})
	return []types.EventPayload{types.AuctionCreated{AuctionID: id, Seller: tx.sender, Name: name}}, nil
}

func (s *contractState) placeBid(tx txContext, auctionID *big.Int, amount, proof []byte) ([]types.EventPayload, error) {
	a, id, err := s.auction(auctionID)
	if err != nil {
		return nil, err
	}
	switch {
	case !a.isActive || a.isEnded:
		return nil, revert("auction is not active")
	case !tx.now.Before(a.endTime):
		return nil, revert("auction has expired")
	case tx.sender == a.seller:
		return nil, revert("seller cannot bid")
	case len(amount) == 0 || len(proof) == 0:
		return nil, revert("encrypted amount and proof are required")
	case tx.value.Cmp(a.startingPrice) < 0:
		return nil, revert("bid below starting price")
	}
	if a.bidCount > 0 {
		floor := new(big.Int).Add(a.currentBid, a.minBidIncrement)
		if tx.value.Cmp(floor) < 0 {
			return nil, revert("bid increment too small")
		}
	}

	bidID := uint64(len(s.bids))
	s.bids = append(s.bids, &bidRecord{
		auctionID: id,
		amount:    append([]byte(nil), amount...),
		bidder:    tx.sender,
		timestamp: tx.now,
	})
	a.currentBid = new(big.Int).Set(tx.value)
	a.currentBidder = tx.sender
	a.bidCount++

	// the event amount is left blank; only the ciphertext is stored
	return []types.EventPayload{types.BidPlaced{AuctionID: id, BidID: bidID, Bidder: tx.sender}}, nil
}

func (s *contractState) endAuction(tx txContext, auctionID *big.Int) ([]types.EventPayload, error) {
	a, id, err := s.auction(auctionID)
	if err != nil {
		return nil, err
	}
	if a.isEnded {
		return nil, revert("auction already ended")
	}
	if tx.sender != a.seller && tx.now.Before(a.endTime) {
		return nil, revert("only the seller can end an auction early")
	}

	a.isActive, a.isEnded = false, true
	a.finalPrice = new(big.Int).Set(a.currentBid)
	a.winner = a.currentBidder
	return []types.EventPayload{types.AuctionEnded{AuctionID: id, Winner: a.winner, FinalPrice: a.finalPrice}}, nil
}

func (s *contractState) settleAuction(tx txContext, auctionID *big.Int) ([]types.EventPayload, error) {
	a, id, err := s.auction(auctionID)
	if err != nil {
		return nil, err
	}
	switch {
	case !a.isEnded:
		return nil, revert("auction has not ended")
	case a.isSettled:
		return nil, revert("auction already settled")
	case tx.sender != a.seller && tx.sender != a.winner:
		return nil, revert("only the seller or winner can settle")
	}

	a.isSettled = true
	a.settlementTime = tx.now
	events := []types.EventPayload{types.AuctionSettled{AuctionID: id, Winner: a.winner, FinalPrice: a.finalPrice}}
	if a.winner != (common.Address{}) {
		s.sellerRep[a.seller]++
		s.userRep[a.winner]++
		events = append(events,
			types.ReputationUpdated{User: a.seller, Reputation: s.sellerRep[a.seller]},
			types.ReputationUpdated{User: a.winner, Reputation: s.userRep[a.winner]},
		)
	}
	return events, nil
}

func (s *contractState) withdrawBid(tx txContext, auctionID, bidID *big.Int) ([]types.EventPayload, error) {
	a, id, err := s.auction(auctionID)
	if err != nil {
		return nil, err
	}
	if !bidID.IsUint64() || bidID.Uint64() >= uint64(len(s.bids)) {
		return nil, revert("bid does not exist")
	}
	b := s.bids[bidID.Uint64()]
	switch {
	case b.auctionID != id:
		return nil, revert("bid belongs to another auction")
	case b.bidder != tx.sender:
		return nil, revert("only the bidder can withdraw")
	case b.isWithdrawn:
		return nil, revert("bid already withdrawn")
	case !a.isEnded && a.currentBidder == b.bidder:
		return nil, revert("leading bid cannot be withdrawn")
	}

	b.isWithdrawn = true
	return []types.EventPayload{types.BidWithdrawn{AuctionID: id, BidID: bidID.Uint64(), Bidder: tx.sender}}, nil
}
