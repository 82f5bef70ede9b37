package types

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a contract event.
type EventKind string

const (
	EventAuctionCreated    EventKind = "AuctionCreated"
	EventBidPlaced         EventKind = "BidPlaced"
	EventAuctionEnded      EventKind = "AuctionEnded"
	EventAuctionSettled    EventKind = "AuctionSettled"
	EventBidWithdrawn      EventKind = "BidWithdrawn"
	EventReputationUpdated EventKind = "ReputationUpdated"
)

// EventKinds lists every kind in declaration order.
var EventKinds = []EventKind{
	EventAuctionCreated,
	EventBidPlaced,
	EventAuctionEnded,
	EventAuctionSettled,
	EventBidWithdrawn,
	EventReputationUpdated,
}

// EventMeta is attached to every event. ReceivedAt is client receipt time, not block time.
type EventMeta struct {
	ReceivedAt  time.Time   `json:"timestamp"`
	BlockNumber uint64      `json:"blockNumber"`
	TxHash      common.Hash `json:"transactionHash"`
	LogIndex    uint        `json:"logIndex"`
}

// EventKey identifies one log. Redelivered logs share the key.
type EventKey struct {
	TxHash   common.Hash
	LogIndex uint
}

// EventPayload is implemented by each event body.
type EventPayload interface {
	Kind() EventKind
	// Auction returns the auction the event refers to, if any.
	Auction() (uint64, bool)
	// Participants returns every identity named by the event.
	Participants() []common.Address
}

// ChainEvent is one decoded contract event.
type ChainEvent struct {
	EventMeta
	Payload EventPayload `json:"payload"`
}

func (e ChainEvent) Kind() EventKind { return e.Payload.Kind() }

func (e ChainEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		EventMeta
		Payload EventPayload `json:"payload"`
	}{e.Kind(), e.EventMeta, e.Payload})
}

func (e ChainEvent) Key() EventKey {
	return EventKey{TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// InvolvesAuction reports whether the event refers to the given auction.
func (e ChainEvent) InvolvesAuction(auctionID uint64) bool {
	id, ok := e.Payload.Auction()
	return ok && id == auctionID
}

// Involves reports whether addr appears as bidder, seller, winner or user.
func (e ChainEvent) Involves(addr common.Address) bool {
	for _, p := range e.Payload.Participants() {
		if p == addr {
			return true
		}
	}
	return false
}

type AuctionCreated struct {
	AuctionID uint64         `json:"auctionId"`
	Seller    common.Address `json:"seller"`
	Name      string         `json:"name"`
}

func (AuctionCreated) Kind() EventKind                  { return EventAuctionCreated }
func (e AuctionCreated) Auction() (uint64, bool)        { return e.AuctionID, true }
func (e AuctionCreated) Participants() []common.Address { return []common.Address{e.Seller} }

// BidPlaced carries the amount the contract emits, which is zero or opaque
// while bids are encrypted.
type BidPlaced struct {
	AuctionID uint64         `json:"auctionId"`
	BidID     uint64         `json:"bidId"`
	Bidder    common.Address `json:"bidder"`
	Amount    *big.Int       `json:"amount"`
}

func (BidPlaced) Kind() EventKind                  { return EventBidPlaced }
func (e BidPlaced) Auction() (uint64, bool)        { return e.AuctionID, true }
func (e BidPlaced) Participants() []common.Address { return []common.Address{e.Bidder} }

type AuctionEnded struct {
	AuctionID  uint64         `json:"auctionId"`
	Winner     common.Address `json:"winner"`
	FinalPrice *big.Int       `json:"finalPrice"`
}

func (AuctionEnded) Kind() EventKind                  { return EventAuctionEnded }
func (e AuctionEnded) Auction() (uint64, bool)        { return e.AuctionID, true }
func (e AuctionEnded) Participants() []common.Address { return []common.Address{e.Winner} }

type AuctionSettled struct {
	AuctionID  uint64         `json:"auctionId"`
	Winner     common.Address `json:"winner"`
	FinalPrice *big.Int       `json:"finalPrice"`
}

func (AuctionSettled) Kind() EventKind                  { return EventAuctionSettled }
func (e AuctionSettled) Auction() (uint64, bool)        { return e.AuctionID, true }
func (e AuctionSettled) Participants() []common.Address { return []common.Address{e.Winner} }

type BidWithdrawn struct {
	AuctionID uint64         `json:"auctionId"`
	BidID     uint64         `json:"bidId"`
	Bidder    common.Address `json:"bidder"`
}

func (BidWithdrawn) Kind() EventKind                  { return EventBidWithdrawn }
func (e BidWithdrawn) Auction() (uint64, bool)        { return e.AuctionID, true }
func (e BidWithdrawn) Participants() []common.Address { return []common.Address{e.Bidder} }

type ReputationUpdated struct {
	User       common.Address `json:"user"`
	Reputation uint32         `json:"reputation"`
}

func (ReputationUpdated) Kind() EventKind                  { return EventReputationUpdated }
func (ReputationUpdated) Auction() (uint64, bool)          { return 0, false }
func (e ReputationUpdated) Participants() []common.Address { return []common.Address{e.User} }

// EventStats holds aggregate counts. Total may exceed the sum of the typed
// counts only if unknown kinds are ever recorded.
type EventStats struct {
	Total             int `json:"total"`
	AuctionCreated    int `json:"auctionCreated"`
	BidPlaced         int `json:"bidPlaced"`
	AuctionEnded      int `json:"auctionEnded"`
	AuctionSettled    int `json:"auctionSettled"`
	BidWithdrawn      int `json:"bidWithdrawn"`
	ReputationUpdated int `json:"reputationUpdated"`
}

// Count returns the count for one kind.
func (s EventStats) Count(kind EventKind) int {
	switch kind {
	case EventAuctionCreated:
		return s.AuctionCreated
	case EventBidPlaced:
		return s.BidPlaced
	case EventAuctionEnded:
		return s.AuctionEnded
	case EventAuctionSettled:
		return s.AuctionSettled
	case EventBidWithdrawn:
		return s.BidWithdrawn
	case EventReputationUpdated:
		return s.ReputationUpdated
	}
	return 0
}
