package msgbroker_test

import (
	"context"
	"testing"
	"time"

	"github.com/gavelhq/gavel-core/auction"
	"github.com/gavelhq/gavel-core/msgbroker"
	"github.com/gavelhq/gavel-core/msgbroker/fakemsgbroker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testListener struct {
	bids     []auction.Bid
	auctions []auction.Auction
}

func (l *testListener) OnBidAccepted(_ context.Context, b auction.Bid) error {
	l.bids = append(l.bids, b)
	return nil
}

func (l *testListener) OnAuctionUpdated(_ context.Context, a auction.Auction) error {
	l.auctions = append(l.auctions, a)
	return nil
}

func TestRegisterHandlers(t *testing.T) {
	t.Parallel()
	mb := fakemsgbroker.New()
	l := &testListener{}

	closer, err := msgbroker.RegisterHandlers(mb, "auction1", l)
	require.NoError(t, err)

	bid := auction.Bid{
		ID:         "bid1",
		AuctionID:  "auction1",
		BidderName: "LensLover",
		Amount:     2000000,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, msgbroker.PublishMsgBidAccepted(context.Background(), mb, bid))
	require.Len(t, l.bids, 1)
	assert.Equal(t, bid.ID, l.bids[0].ID)
	assert.Equal(t, bid.Amount, l.bids[0].Amount)
	assert.True(t, bid.CreatedAt.Equal(l.bids[0].CreatedAt))

	a := auction.Auction{
		ID:           "auction1",
		Title:        "Vintage Leica M3 Camera",
		StartPrice:   1500000,
		CurrentPrice: 2000000,
		MinIncrement: 50000,
		EndsAt:       time.Now().Add(time.Hour).UTC(),
		Status:       auction.AuctionStatusEnded,
	}
	require.NoError(t, msgbroker.PublishMsgAuctionUpdated(context.Background(), mb, a))
	require.Len(t, l.auctions, 1)
	assert.Equal(t, auction.AuctionStatusEnded, l.auctions[0].Status)
	assert.Equal(t, int64(2000000), l.auctions[0].CurrentPrice)

	// Events for other auctions don't reach this listener.
	other := bid
	other.AuctionID = "auction2"
	require.NoError(t, msgbroker.PublishMsgBidAccepted(context.Background(), mb, other))
	assert.Len(t, l.bids, 1)

	// Closing unregisters both topic handlers.
	require.NoError(t, closer.Close())
	assert.Equal(t, 0, mb.TotalRegistered(msgbroker.BidAcceptedTopic("auction1")))
	require.NoError(t, msgbroker.PublishMsgBidAccepted(context.Background(), mb, bid))
	assert.Len(t, l.bids, 1)
}

func TestRegisterHandlers_RequiresListener(t *testing.T) {
	t.Parallel()
	mb := fakemsgbroker.New()
	_, err := msgbroker.RegisterHandlers(mb, "auction1", struct{}{})
	require.Error(t, err)
}

func TestRegisterHandlers_RejectsMalformedEvents(t *testing.T) {
	t.Parallel()
	mb := fakemsgbroker.New()
	l := &testListener{}
	_, err := msgbroker.RegisterHandlers(mb, "auction1", l)
	require.NoError(t, err)

	// Garbage payload is nacked, not delivered.
	err = mb.PublishMsg(context.Background(), msgbroker.BidAcceptedTopic("auction1"), []byte("not-cbor"))
	require.Error(t, err)
	assert.Empty(t, l.bids)
}
