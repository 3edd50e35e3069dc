package auctionstore

import (
	"context"
	"errors"

	"github.com/gavelhq/gavel-core/auction"
)

// ErrAuctionNotFound indicates the requested auction has no record.
// It is terminal; callers should not retry automatically.
var ErrAuctionNotFound = errors.New("auction not found")

// Store is the transactional datastore with realtime push that owns auction
// state. Acceptance is serialized per auction inside the store: a bid is
// accepted iff amount >= current_price + min_increment while the auction is
// active, and acceptance atomically raises current_price. Implementations
// publish BidAccepted and AuctionUpdated events in commit order per auction.
type Store interface {
	// GetAuction returns an auction by id, or ErrAuctionNotFound.
	GetAuction(ctx context.Context, id auction.AuctionID) (auction.Auction, error)

	// ListActiveAuctions returns all active auctions ordered by ends_at
	// ascending (ending soonest first).
	ListActiveAuctions(ctx context.Context) ([]auction.Auction, error)

	// ListBids returns the most recent limit bids for an auction, ordered
	// by created_at descending.
	ListBids(ctx context.Context, id auction.AuctionID, limit int) ([]auction.Bid, error)

	// InsertBid submits a bid. On acceptance it returns the created Bid
	// with its store-assigned id and timestamp. On rejection it returns an
	// error whose message carries the store's human-readable cause; use a
	// Classifier to derive the structured reason.
	InsertBid(ctx context.Context, id auction.AuctionID, bidderName string, amount int64) (auction.Bid, error)
}
