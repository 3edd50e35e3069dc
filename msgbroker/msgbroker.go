package msgbroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gavelhq/gavel-core/auction"
	"github.com/gavelhq/gavel-core/finalizer"
)

// TopicHandler is a function that processes a received message.
// If no error is returned, the message will be automatically acked.
// If an error is returned, the message will be automatically nacked.
type TopicHandler func(context.Context, []byte) error

// MsgBroker is a message broker for async event communication. Events for a
// single auction are delivered in publish (commit) order; cross-auction
// ordering is unspecified.
type MsgBroker interface {
	// RegisterTopicHandler registers a handler to a topic, with a
	// subscription defined by the underlying implementation. The returned
	// closer unregisters the handler. It is highly recommended to register
	// handlers in a type-safe way using RegisterHandlers().
	RegisterTopicHandler(topic TopicName, handler TopicHandler, opts ...Option) (io.Closer, error)

	// PublishMsg publishes a message to the desired topic.
	PublishMsg(ctx context.Context, topic TopicName, data []byte) error
}

// TopicName is a topic name.
type TopicName string

// BidAcceptedTopic is the per-auction topic for accepted-bid events.
func BidAcceptedTopic(id auction.AuctionID) TopicName {
	return TopicName("bid-accepted-" + string(id))
}

// AuctionUpdatedTopic is the per-auction topic for auction-record updates.
func AuctionUpdatedTopic(id auction.AuctionID) TopicName {
	return TopicName("auction-updated-" + string(id))
}

// BidAcceptedListener is a handler for bid-accepted topics.
type BidAcceptedListener interface {
	OnBidAccepted(context.Context, auction.Bid) error
}

// AuctionUpdatedListener is a handler for auction-updated topics.
type AuctionUpdatedListener interface {
	OnAuctionUpdated(context.Context, auction.Auction) error
}

type bidAcceptedMsg struct {
	ID         string    `cbor:"1,keyasint"`
	AuctionID  string    `cbor:"2,keyasint"`
	BidderName string    `cbor:"3,keyasint"`
	Amount     int64     `cbor:"4,keyasint"`
	CreatedAt  time.Time `cbor:"5,keyasint"`
}

type auctionUpdatedMsg struct {
	ID           string    `cbor:"1,keyasint"`
	Title        string    `cbor:"2,keyasint"`
	Description  string    `cbor:"3,keyasint"`
	StartPrice   int64     `cbor:"4,keyasint"`
	CurrentPrice int64     `cbor:"5,keyasint"`
	MinIncrement int64     `cbor:"6,keyasint"`
	ImageURL     string    `cbor:"7,keyasint"`
	EndsAt       time.Time `cbor:"8,keyasint"`
	Status       string    `cbor:"9,keyasint"`
	CreatedAt    time.Time `cbor:"10,keyasint"`
}

// RegisterHandlers registers s on the per-auction topics for every known
// XXXListener interface s satisfies. The returned closer unregisters all of
// them; a detail view must close it when it unmounts. At least one listener
// interface must be implemented.
func RegisterHandlers(mb MsgBroker, auctionID auction.AuctionID, s interface{}, opts ...Option) (io.Closer, error) {
	fin := finalizer.NewFinalizer()
	var countRegistered int

	if l, ok := s.(BidAcceptedListener); ok {
		countRegistered++
		closer, err := mb.RegisterTopicHandler(BidAcceptedTopic(auctionID), func(ctx context.Context, data []byte) error {
			var m bidAcceptedMsg
			if err := cbor.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("unmarshal bid accepted: %s", err)
			}
			if m.ID == "" {
				return errors.New("bid id is empty")
			}
			if m.AuctionID == "" {
				return errors.New("auction id is empty")
			}
			if m.Amount <= 0 {
				return errors.New("amount must be positive")
			}
			bid := auction.Bid{
				ID:         auction.BidID(m.ID),
				AuctionID:  auction.AuctionID(m.AuctionID),
				BidderName: m.BidderName,
				Amount:     m.Amount,
				CreatedAt:  m.CreatedAt,
			}
			if err := l.OnBidAccepted(ctx, bid); err != nil {
				return fmt.Errorf("calling bid-accepted handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return nil, fin.Cleanupf("registering handler for bid-accepted topic: %s", err)
		}
		fin.Add(closer)
	}

	if l, ok := s.(AuctionUpdatedListener); ok {
		countRegistered++
		closer, err := mb.RegisterTopicHandler(AuctionUpdatedTopic(auctionID), func(ctx context.Context, data []byte) error {
			var m auctionUpdatedMsg
			if err := cbor.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("unmarshal auction updated: %s", err)
			}
			if m.ID == "" {
				return errors.New("auction id is empty")
			}
			status, err := auction.AuctionStatusByString(m.Status)
			if err != nil {
				return fmt.Errorf("decoding status: %s", err)
			}
			a := auction.Auction{
				ID:           auction.AuctionID(m.ID),
				Title:        m.Title,
				Description:  m.Description,
				StartPrice:   m.StartPrice,
				CurrentPrice: m.CurrentPrice,
				MinIncrement: m.MinIncrement,
				ImageURL:     m.ImageURL,
				EndsAt:       m.EndsAt,
				Status:       status,
				CreatedAt:    m.CreatedAt,
			}
			if err := l.OnAuctionUpdated(ctx, a); err != nil {
				return fmt.Errorf("calling auction-updated handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return nil, fin.Cleanupf("registering handler for auction-updated topic: %s", err)
		}
		fin.Add(closer)
	}

	if countRegistered == 0 {
		return nil, errors.New("no handlers were registered")
	}
	return finalizer.NewCloser(func() error { return fin.Cleanup(nil) }), nil
}

// PublishMsgBidAccepted publishes an accepted bid to its auction topic.
func PublishMsgBidAccepted(ctx context.Context, mb MsgBroker, bid auction.Bid) error {
	m := bidAcceptedMsg{
		ID:         string(bid.ID),
		AuctionID:  string(bid.AuctionID),
		BidderName: bid.BidderName,
		Amount:     bid.Amount,
		CreatedAt:  bid.CreatedAt,
	}
	data, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling bid accepted: %s", err)
	}
	if err := mb.PublishMsg(ctx, BidAcceptedTopic(bid.AuctionID), data); err != nil {
		return fmt.Errorf("publishing bid accepted: %s", err)
	}
	return nil
}

// PublishMsgAuctionUpdated publishes the full auction record to its topic.
func PublishMsgAuctionUpdated(ctx context.Context, mb MsgBroker, a auction.Auction) error {
	m := auctionUpdatedMsg{
		ID:           string(a.ID),
		Title:        a.Title,
		Description:  a.Description,
		StartPrice:   a.StartPrice,
		CurrentPrice: a.CurrentPrice,
		MinIncrement: a.MinIncrement,
		ImageURL:     a.ImageURL,
		EndsAt:       a.EndsAt,
		Status:       a.Status.String(),
		CreatedAt:    a.CreatedAt,
	}
	data, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling auction updated: %s", err)
	}
	if err := mb.PublishMsg(ctx, AuctionUpdatedTopic(a.ID), data); err != nil {
		return fmt.Errorf("publishing auction updated: %s", err)
	}
	return nil
}
