package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gavelhq/gavel-core/auction"
	"github.com/gavelhq/gavel-core/auctionstore"
	"github.com/gavelhq/gavel-core/msgbroker"
	"github.com/gavelhq/gavel-core/msgbroker/fakemsgbroker"
	"github.com/stretchr/testify/require"
)

const outcomeWait = time.Second * 5

func testAuction() auction.Auction {
	return auction.Auction{
		ID:           "a1",
		Title:        "Leica M3",
		StartPrice:   1500000,
		CurrentPrice: 1500000,
		MinIncrement: 50000,
		EndsAt:       time.Now().Add(time.Hour).UTC(),
		Status:       auction.AuctionStatusActive,
	}
}

func newCoordinator(t *testing.T, store auctionstore.Store, conf Config) *Coordinator {
	t.Helper()
	if conf.BidderName == "" {
		conf.BidderName = "kim"
	}
	c := New(store, conf)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	c.Bootstrap(testAuction(), nil)
	return c
}

func waitOutcome(t *testing.T, sub *Submission) Outcome {
	t.Helper()
	select {
	case o := <-sub.Outcome():
		return o
	case <-time.After(outcomeWait):
		t.Fatal("no outcome delivered")
		return Outcome{}
	}
}

func TestSubmitOptimisticProjection(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	store := &stubStore{insertBid: func(context.Context, auction.AuctionID, string, int64) (auction.Bid, error) {
		<-block
		return auction.Bid{}, errors.New("unreachable")
	}}
	c := newCoordinator(t, store, Config{})

	sub, err := c.Submit(context.Background(), 1550000)
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	// The shadow price is visible before the store answers.
	s := c.Snapshot()
	require.Equal(t, int64(1550000), s.DisplayPrice)
	require.NotNil(t, s.Pending)
	require.Equal(t, sub.ID, s.Pending.ID)
	require.Empty(t, s.Bids)
}

func TestSubmitAccepted(t *testing.T) {
	t.Parallel()
	accepted := auction.Bid{
		ID: "b1", AuctionID: "a1", BidderName: "kim", Amount: 1550000, CreatedAt: time.Now().UTC(),
	}
	store := &stubStore{insertBid: func(_ context.Context, id auction.AuctionID, name string, amount int64) (auction.Bid, error) {
		require.Equal(t, auction.AuctionID("a1"), id)
		require.Equal(t, "kim", name)
		require.Equal(t, int64(1550000), amount)
		return accepted, nil
	}}
	c := newCoordinator(t, store, Config{})

	sub, err := c.Submit(context.Background(), 1550000)
	require.NoError(t, err)

	o := waitOutcome(t, sub)
	require.True(t, o.Accepted())
	require.Equal(t, accepted.ID, o.Bid.ID)

	// The projection holds until the confirming event arrives.
	s := c.Snapshot()
	require.NotNil(t, s.Pending)
	require.Equal(t, int64(1550000), s.DisplayPrice)

	require.NoError(t, c.OnBidAccepted(context.Background(), accepted))
	s = c.Snapshot()
	require.Nil(t, s.Pending)
	require.Equal(t, int64(1550000), s.DisplayPrice)
	require.Equal(t, int64(1550000), s.Auction.CurrentPrice)
	require.Len(t, s.Bids, 1)
	require.Equal(t, accepted.ID, s.Bids[0].ID)
}

func TestSubmitAcceptedUnconfirmedExpires(t *testing.T) {
	t.Parallel()
	accepted := auction.Bid{
		ID: "b1", AuctionID: "a1", BidderName: "kim", Amount: 1550000, CreatedAt: time.Now().UTC(),
	}
	store := &stubStore{insertBid: func(context.Context, auction.AuctionID, string, int64) (auction.Bid, error) {
		return accepted, nil
	}}
	c := newCoordinator(t, store, Config{Timeout: time.Millisecond * 200})

	sub, err := c.Submit(context.Background(), 1550000)
	require.NoError(t, err)
	o := waitOutcome(t, sub)
	require.True(t, o.Accepted())
	require.NotNil(t, c.Snapshot().Pending)

	// No confirming event ever arrives; the projection expires at the bound
	// instead of shadowing the price forever.
	require.Eventually(t, func() bool {
		return c.Snapshot().Pending == nil
	}, outcomeWait, time.Millisecond*10)
	require.Equal(t, int64(1500000), c.Snapshot().DisplayPrice)
}

func TestSubmitRejectedTooLowRollsBack(t *testing.T) {
	t.Parallel()
	store := &stubStore{insertBid: func(context.Context, auction.AuctionID, string, int64) (auction.Bid, error) {
		return auction.Bid{}, &auctionstore.Rejection{
			Reason:  auctionstore.ReasonTooLow,
			Minimum: 1550000,
			Message: "Bid too low - minimum is 1550000",
		}
	}}
	c := newCoordinator(t, store, Config{})

	sub, err := c.Submit(context.Background(), 1500001)
	require.NoError(t, err)

	o := waitOutcome(t, sub)
	require.False(t, o.Accepted())
	require.Equal(t, auctionstore.ReasonTooLow, o.Rejection.Reason)
	require.Equal(t, int64(1550000), o.Rejection.Minimum)

	// Rolled back to the last authoritative state.
	s := c.Snapshot()
	require.Nil(t, s.Pending)
	require.Equal(t, int64(1500000), s.DisplayPrice)
}

func TestSubmitRejectedEndedRollsBack(t *testing.T) {
	t.Parallel()
	store := &stubStore{insertBid: func(context.Context, auction.AuctionID, string, int64) (auction.Bid, error) {
		return auction.Bid{}, &auctionstore.Rejection{
			Reason:  auctionstore.ReasonAuctionEnded,
			Message: "Cannot bid on ended auction",
		}
	}}
	c := newCoordinator(t, store, Config{})

	sub, err := c.Submit(context.Background(), 2000000)
	require.NoError(t, err)
	require.Equal(t, int64(2000000), c.Snapshot().DisplayPrice)

	o := waitOutcome(t, sub)
	require.False(t, o.Accepted())
	require.Equal(t, auctionstore.ReasonAuctionEnded, o.Rejection.Reason)
	require.Equal(t, int64(1500000), c.Snapshot().DisplayPrice)
}

func TestSubmitTimeout(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	store := &stubStore{insertBid: func(ctx context.Context, _ auction.AuctionID, _ string, _ int64) (auction.Bid, error) {
		<-block
		return auction.Bid{}, ctx.Err()
	}}
	c := newCoordinator(t, store, Config{Timeout: time.Millisecond * 50})

	sub, err := c.Submit(context.Background(), 1550000)
	require.NoError(t, err)

	o := waitOutcome(t, sub)
	require.False(t, o.Accepted())
	require.Equal(t, auctionstore.ReasonUnknown, o.Rejection.Reason)

	s := c.Snapshot()
	require.Nil(t, s.Pending)
	require.Equal(t, int64(1500000), s.DisplayPrice)
}

func TestSubmitLastWins(t *testing.T) {
	t.Parallel()
	first := make(chan struct{})
	store := &stubStore{insertBid: func(_ context.Context, _ auction.AuctionID, _ string, amount int64) (auction.Bid, error) {
		if amount == 1550000 {
			<-first
			return auction.Bid{}, &auctionstore.Rejection{
				Reason:  auctionstore.ReasonTooLow,
				Minimum: 1600000,
				Message: "Bid too low - minimum is 1600000",
			}
		}
		return auction.Bid{
			ID: "b2", AuctionID: "a1", Amount: amount, CreatedAt: time.Now().UTC(),
		}, nil
	}}
	c := newCoordinator(t, store, Config{})

	sub1, err := c.Submit(context.Background(), 1550000)
	require.NoError(t, err)
	sub2, err := c.Submit(context.Background(), 1600000)
	require.NoError(t, err)

	// The second projection supersedes the first.
	require.Equal(t, int64(1600000), c.Snapshot().DisplayPrice)

	o2 := waitOutcome(t, sub2)
	require.True(t, o2.Accepted())

	// The first submission's late rejection is delivered but must not
	// roll back the newer projection.
	close(first)
	o1 := waitOutcome(t, sub1)
	require.False(t, o1.Accepted())

	s := c.Snapshot()
	require.NotNil(t, s.Pending)
	require.Equal(t, sub2.ID, s.Pending.ID)
	require.Equal(t, int64(1600000), s.DisplayPrice)
}

func TestSubmitInvalidAmount(t *testing.T) {
	t.Parallel()
	c := newCoordinator(t, &stubStore{}, Config{})
	_, err := c.Submit(context.Background(), 0)
	require.Error(t, err)
	_, err = c.Submit(context.Background(), -100)
	require.Error(t, err)
}

func TestOnBidAcceptedIdempotent(t *testing.T) {
	t.Parallel()
	c := newCoordinator(t, &stubStore{}, Config{})

	bid := auction.Bid{ID: "b1", AuctionID: "a1", Amount: 1550000, CreatedAt: time.Now().UTC()}
	require.NoError(t, c.OnBidAccepted(context.Background(), bid))
	require.NoError(t, c.OnBidAccepted(context.Background(), bid))

	s := c.Snapshot()
	require.Len(t, s.Bids, 1)
	require.Equal(t, int64(1550000), s.Auction.CurrentPrice)
}

func TestOnBidAcceptedOrdering(t *testing.T) {
	t.Parallel()
	c := newCoordinator(t, &stubStore{}, Config{})
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, c.OnBidAccepted(ctx, auction.Bid{
		ID: "b1", AuctionID: "a1", Amount: 1550000, CreatedAt: base,
	}))
	require.NoError(t, c.OnBidAccepted(ctx, auction.Bid{
		ID: "b2", AuctionID: "a1", Amount: 1600000, CreatedAt: base.Add(time.Second),
	}))

	s := c.Snapshot()
	require.Equal(t, int64(1600000), s.Auction.CurrentPrice)
	require.Len(t, s.Bids, 2)
	require.Equal(t, auction.BidID("b2"), s.Bids[0].ID)
	require.Equal(t, auction.BidID("b1"), s.Bids[1].ID)
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	c := newCoordinator(t, &stubStore{}, Config{})
	ctx := context.Background()

	base := time.Now().UTC()
	amount := int64(1500000)
	for i := 0; i < 8; i++ {
		amount += 50000
		require.NoError(t, c.OnBidAccepted(ctx, auction.Bid{
			ID:        auction.BidID(fmt.Sprintf("b%d", i)),
			AuctionID: "a1",
			Amount:    amount,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	s := c.Snapshot()
	require.Len(t, s.Bids, auction.BidHistoryLimit)
	require.Equal(t, amount, s.Bids[0].Amount)
	require.Equal(t, amount, s.Auction.CurrentPrice)
}

func TestOnBidAcceptedClearsPending(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	store := &stubStore{insertBid: func(context.Context, auction.AuctionID, string, int64) (auction.Bid, error) {
		<-block
		return auction.Bid{}, errors.New("unreachable")
	}}
	c := newCoordinator(t, store, Config{})

	_, err := c.Submit(context.Background(), 1550000)
	require.NoError(t, err)
	require.NotNil(t, c.Snapshot().Pending)

	// Any authoritative accepted bid resolves the projection, whether or
	// not it is ours.
	require.NoError(t, c.OnBidAccepted(context.Background(), auction.Bid{
		ID: "other", AuctionID: "a1", Amount: 1600000, CreatedAt: time.Now().UTC(),
	}))
	s := c.Snapshot()
	require.Nil(t, s.Pending)
	require.Equal(t, int64(1600000), s.DisplayPrice)
}

func TestOnBidAcceptedRedeliveryClearsPending(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	store := &stubStore{insertBid: func(context.Context, auction.AuctionID, string, int64) (auction.Bid, error) {
		<-block
		return auction.Bid{}, errors.New("unreachable")
	}}
	c := newCoordinator(t, store, Config{})

	bid := auction.Bid{ID: "b1", AuctionID: "a1", Amount: 1550000, CreatedAt: time.Now().UTC()}
	require.NoError(t, c.OnBidAccepted(context.Background(), bid))

	_, err := c.Submit(context.Background(), 1600000)
	require.NoError(t, err)
	require.NotNil(t, c.Snapshot().Pending)

	// A redelivered duplicate resolves the projection too; only history and
	// price are deduplicated.
	require.NoError(t, c.OnBidAccepted(context.Background(), bid))
	s := c.Snapshot()
	require.Nil(t, s.Pending)
	require.Equal(t, int64(1550000), s.DisplayPrice)
	require.Len(t, s.Bids, 1)
}

func TestOnAuctionUpdatedReplacesRecord(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	store := &stubStore{insertBid: func(context.Context, auction.AuctionID, string, int64) (auction.Bid, error) {
		<-block
		return auction.Bid{}, errors.New("unreachable")
	}}
	c := newCoordinator(t, store, Config{})

	_, err := c.Submit(context.Background(), 1550000)
	require.NoError(t, err)

	updated := testAuction()
	updated.CurrentPrice = 1700000
	updated.Status = auction.AuctionStatusEnded
	require.NoError(t, c.OnAuctionUpdated(context.Background(), updated))

	s := c.Snapshot()
	require.Nil(t, s.Pending)
	require.Equal(t, int64(1700000), s.DisplayPrice)
	require.Equal(t, auction.AuctionStatusEnded, s.Auction.Status)
	require.Equal(t, "Ended", s.CountdownLabel)
}

func TestCountdownSnapshot(t *testing.T) {
	t.Parallel()
	c := New(&stubStore{}, Config{BidderName: "kim"})
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	a := testAuction()
	a.EndsAt = time.Now().Add(time.Minute + 5*time.Second).UTC()
	c.Bootstrap(a, nil)

	s := c.Snapshot()
	require.Equal(t, "1m 5s", s.CountdownLabel)
	require.True(t, s.EndingSoon)
}

func TestReconcileThroughBroker(t *testing.T) {
	t.Parallel()
	mb := fakemsgbroker.New()
	c := newCoordinator(t, &stubStore{}, Config{})

	closer, err := msgbroker.RegisterHandlers(mb, "a1", c)
	require.NoError(t, err)
	defer func() { require.NoError(t, closer.Close()) }()

	ctx := context.Background()
	bid := auction.Bid{ID: "b1", AuctionID: "a1", Amount: 1550000, CreatedAt: time.Now().UTC()}
	require.NoError(t, msgbroker.PublishMsgBidAccepted(ctx, mb, bid))

	s := c.Snapshot()
	require.Len(t, s.Bids, 1)
	require.Equal(t, int64(1550000), s.Auction.CurrentPrice)

	updated := testAuction()
	updated.CurrentPrice = 1550000
	updated.Status = auction.AuctionStatusEnded
	require.NoError(t, msgbroker.PublishMsgAuctionUpdated(ctx, mb, updated))
	require.Equal(t, auction.AuctionStatusEnded, c.Snapshot().Auction.Status)
}

type stubStore struct {
	insertBid func(ctx context.Context, id auction.AuctionID, bidderName string, amount int64) (auction.Bid, error)
}

var _ auctionstore.Store = (*stubStore)(nil)

func (s *stubStore) GetAuction(context.Context, auction.AuctionID) (auction.Auction, error) {
	return auction.Auction{}, errors.New("not implemented")
}

func (s *stubStore) ListActiveAuctions(context.Context) ([]auction.Auction, error) {
	return nil, errors.New("not implemented")
}

func (s *stubStore) ListBids(context.Context, auction.AuctionID, int) ([]auction.Bid, error) {
	return nil, errors.New("not implemented")
}

func (s *stubStore) InsertBid(
	ctx context.Context,
	id auction.AuctionID,
	bidderName string,
	amount int64) (auction.Bid, error) {
	if s.insertBid == nil {
		return auction.Bid{}, errors.New("unexpected InsertBid")
	}
	return s.insertBid(ctx, id, bidderName, amount)
}
