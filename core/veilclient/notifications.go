package veilclient

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/neonveil/sdk-go/core/types"
	"github.com/neonveil/sdk-go/core/util"
)

// eventNotification turns a chain event into a user-facing notification.
// self is the local identity, if any: its own bids are not announced, and
// withdrawals and reputation changes are only announced when they are its own.
func eventNotification(e types.ChainEvent, self *common.Address, at time.Time) (types.Notification, bool) {
	own := func(addr common.Address) bool { return self != nil && *self == addr }

	n := types.Notification{Level: types.LevelInfo, At: at, Event: &e}
	switch p := e.Payload.(type) {
	case types.AuctionCreated:
		n.Level = types.LevelSuccess
		n.Title = "Auction created"
		n.Message = "New auction created: " + p.Name
	case types.BidPlaced:
		if own(p.Bidder) {
			return types.Notification{}, false
		}
		n.Title = "New bid"
		n.Message = fmt.Sprintf("New bid placed on auction %d", p.AuctionID)
	case types.AuctionEnded:
		n.Level = types.LevelSuccess
		n.Title = "Auction ended"
		if p.Winner == (common.Address{}) {
			n.Message = fmt.Sprintf("Auction %d ended without bids", p.AuctionID)
		} else {
			n.Message = fmt.Sprintf("Auction %d ended! Winner: %s", p.AuctionID, util.ShortAddress(p.Winner))
		}
	case types.AuctionSettled:
		n.Level = types.LevelSuccess
		n.Title = "Auction settled"
		n.Message = fmt.Sprintf("Auction %d settled!", p.AuctionID)
	case types.BidWithdrawn:
		if !own(p.Bidder) {
			return types.Notification{}, false
		}
		n.Title = "Bid withdrawn"
		n.Message = fmt.Sprintf("Your bid withdrawn from auction %d", p.AuctionID)
	case types.ReputationUpdated:
		if !own(p.User) {
			return types.Notification{}, false
		}
		n.Title = "Reputation updated"
		n.Message = fmt.Sprintf("Your reputation has been updated to %d", p.Reputation)
	default:
		return types.Notification{}, false
	}
	return n, true
}
