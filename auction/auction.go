package auction

import (
	"fmt"
	"time"
)

const (
	invalidStatus = "invalid"

	// DefaultMinIncrement is the minimum increment used when creating an
	// auction without an explicit one, in won.
	DefaultMinIncrement int64 = 1000

	// DefaultDuration is the duration used when creating an auction without
	// an explicit deadline.
	DefaultDuration = time.Hour

	// BidHistoryLimit is the number of most recent bids kept for display.
	BidHistoryLimit = 5

	// EndingSoonThreshold is the remaining time under which an active
	// auction is flagged as ending soon.
	EndingSoonThreshold = time.Minute * 30
)

// AuctionID is the type used for auction identity.
type AuctionID string

// BidID is the type used for bid identity.
type BidID string

// Auction is a sellable item with a monotonically increasing price and a
// hard deadline. CurrentPrice never decreases while the auction is active,
// and is immutable once the auction has ended.
type Auction struct {
	ID           AuctionID     `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	StartPrice   int64         `json:"start_price"`
	CurrentPrice int64         `json:"current_price"`
	MinIncrement int64         `json:"min_increment"`
	ImageURL     string        `json:"image_url,omitempty"`
	EndsAt       time.Time     `json:"ends_at"`
	Status       AuctionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Bid is an append-only, immutable record of a price offer accepted by the
// store. CreatedAt is assigned by the store at acceptance and defines the
// total order of bids per auction.
type Bid struct {
	ID         BidID     `json:"id"`
	AuctionID  AuctionID `json:"auction_id"`
	BidderName string    `json:"bidder_name"`
	Amount     int64     `json:"amount"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuctionStatus is the status of an Auction.
type AuctionStatus int

const (
	// AuctionStatusUnspecified indicates an invalid status value.
	AuctionStatusUnspecified AuctionStatus = iota
	// AuctionStatusActive indicates the auction accepts bids.
	AuctionStatusActive
	// AuctionStatusEnded indicates the auction deadline passed; the price
	// is final and no further bids are accepted.
	AuctionStatusEnded
)

// String returns a string-encoded status.
func (s AuctionStatus) String() string {
	switch s {
	case AuctionStatusUnspecified:
		return "unspecified"
	case AuctionStatusActive:
		return "active"
	case AuctionStatusEnded:
		return "ended"
	default:
		return invalidStatus
	}
}

// AuctionStatusByString converts a string-encoded status to an AuctionStatus.
func AuctionStatusByString(s string) (AuctionStatus, error) {
	switch s {
	case "active":
		return AuctionStatusActive, nil
	case "ended":
		return AuctionStatusEnded, nil
	default:
		return AuctionStatusUnspecified, fmt.Errorf("unknown auction status: %s", s)
	}
}

// MarshalText implements encoding.TextMarshaler so statuses render as
// "active"/"ended" on the wire.
func (s AuctionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *AuctionStatus) UnmarshalText(b []byte) error {
	v, err := AuctionStatusByString(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MinimumBid returns the smallest amount the store will accept for a.
func (a Auction) MinimumBid() int64 {
	return a.CurrentPrice + a.MinIncrement
}

// ErrBidTooLow indicates a proposed amount is under the auction minimum.
type ErrBidTooLow struct {
	Minimum int64
}

func (e *ErrBidTooLow) Error() string {
	return fmt.Sprintf("Bid too low - minimum is %d", e.Minimum)
}

// ErrAuctionEnded indicates the auction no longer accepts bids.
type ErrAuctionEnded struct{}

func (e *ErrAuctionEnded) Error() string {
	return "Cannot bid on ended auction"
}

// Validate applies the store's acceptance contract to a proposed amount.
// It returns *ErrAuctionEnded when a is ended, *ErrBidTooLow when amount is
// under CurrentPrice+MinIncrement, and nil otherwise. The authoritative
// store applies the same checks while holding the auction row, so acceptance
// is serialized per auction; this client-side copy exists for display and
// for the reference store implementation.
func Validate(a Auction, amount int64) error {
	if a.Status == AuctionStatusEnded {
		return &ErrAuctionEnded{}
	}
	if min := a.MinimumBid(); amount < min {
		return &ErrBidTooLow{Minimum: min}
	}
	return nil
}
