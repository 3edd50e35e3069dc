package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gavelhq/gavel-core/auction"
	"github.com/gavelhq/gavel-core/auctionstore"
	"github.com/gavelhq/gavel-core/msgbroker"
	"github.com/gavelhq/gavel-core/msgbroker/fakemsgbroker"
	"github.com/gavelhq/gavel-core/tests"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *fakemsgbroker.FakeMsgBroker) {
	t.Helper()
	u, err := tests.PostgresURL()
	require.NoError(t, err)
	if u == "" {
		t.Skip("PG_URL not set")
	}
	mb := fakemsgbroker.New()
	s, err := New(u, mb)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s, mb
}

func createAuction(t *testing.T, s *Store, startPrice, minIncrement int64, endsAt time.Time) auction.Auction {
	t.Helper()
	a, err := s.CreateAuction(context.Background(), auction.Auction{
		Title:        "Leica M3",
		Description:  "1954 double stroke",
		StartPrice:   startPrice,
		MinIncrement: minIncrement,
		EndsAt:       endsAt,
	})
	require.NoError(t, err)
	return a
}

func TestCreateAndGetAuction(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()

	a := createAuction(t, s, 1500000, 50000, time.Now().Add(time.Hour))
	require.NotEmpty(t, a.ID)
	require.Equal(t, int64(1500000), a.CurrentPrice)
	require.Equal(t, auction.AuctionStatusActive, a.Status)

	got, err := s.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)
	require.Equal(t, a.CurrentPrice, got.CurrentPrice)
	require.True(t, got.EndsAt.After(time.Now()))

	_, err = s.GetAuction(ctx, "nonexistent")
	require.ErrorIs(t, err, auctionstore.ErrAuctionNotFound)
}

func TestCreateAuctionDefaults(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	a, err := s.CreateAuction(context.Background(), auction.Auction{
		Title:      "Leica M3",
		StartPrice: 1500000,
	})
	require.NoError(t, err)
	require.Equal(t, int64(auction.DefaultMinIncrement), a.MinIncrement)
	require.WithinDuration(t, time.Now().Add(auction.DefaultDuration), a.EndsAt, time.Minute)
}

func TestListActiveAuctions(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()

	later := createAuction(t, s, 1000, 100, time.Now().Add(2*time.Hour))
	sooner := createAuction(t, s, 1000, 100, time.Now().Add(time.Hour))

	list, err := s.ListActiveAuctions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, sooner.ID, list[0].ID)
	require.Equal(t, later.ID, list[1].ID)
}

func TestInsertBid(t *testing.T) {
	t.Parallel()
	s, mb := newStore(t)
	ctx := context.Background()

	a := createAuction(t, s, 1500000, 50000, time.Now().Add(time.Hour))

	b, err := s.InsertBid(ctx, a.ID, "kim", 1550000)
	require.NoError(t, err)
	require.NotEmpty(t, b.ID)
	require.Equal(t, a.ID, b.AuctionID)
	require.Equal(t, int64(1550000), b.Amount)
	require.False(t, b.CreatedAt.IsZero())

	got, err := s.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1550000), got.CurrentPrice)

	require.Equal(t, 1, mb.TotalPublished())
}

// ctxRecordingBroker captures the context each publish runs under.
type ctxRecordingBroker struct {
	*fakemsgbroker.FakeMsgBroker
	lk   sync.Mutex
	ctxs []context.Context
}

func (b *ctxRecordingBroker) PublishMsg(ctx context.Context, topic msgbroker.TopicName, data []byte) error {
	b.lk.Lock()
	b.ctxs = append(b.ctxs, ctx)
	b.lk.Unlock()
	return b.FakeMsgBroker.PublishMsg(ctx, topic, data)
}

func TestInsertBidPublishSurvivesRequestCancel(t *testing.T) {
	t.Parallel()
	u, err := tests.PostgresURL()
	require.NoError(t, err)
	if u == "" {
		t.Skip("PG_URL not set")
	}
	mb := &ctxRecordingBroker{FakeMsgBroker: fakemsgbroker.New()}
	s, err := New(u, mb)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	a := createAuction(t, s, 1500000, 50000, time.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	_, err = s.InsertBid(ctx, a.ID, "kim", 1550000)
	require.NoError(t, err)
	cancel()

	// The event went out under a context the request can't cancel.
	mb.lk.Lock()
	defer mb.lk.Unlock()
	require.Len(t, mb.ctxs, 1)
	require.NoError(t, mb.ctxs[0].Err())
}

func TestInsertBidTooLow(t *testing.T) {
	t.Parallel()
	s, mb := newStore(t)
	ctx := context.Background()

	a := createAuction(t, s, 1500000, 50000, time.Now().Add(time.Hour))

	_, err := s.InsertBid(ctx, a.ID, "kim", 1549999)
	require.Error(t, err)
	rej, ok := auctionstore.AsRejection(err)
	require.True(t, ok)
	require.Equal(t, auctionstore.ReasonTooLow, rej.Reason)
	require.Equal(t, int64(1550000), rej.Minimum)
	require.Equal(t, "Bid too low - minimum is 1550000", rej.Message)

	// Rejections change nothing.
	got, err := s.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1500000), got.CurrentPrice)
	require.Equal(t, 0, mb.TotalPublished())
}

func TestInsertBidEndedAuction(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()

	a := createAuction(t, s, 1500000, 50000, time.Now().Add(time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, err := s.InsertBid(ctx, a.ID, "kim", 2000000)
	require.Error(t, err)
	rej, ok := auctionstore.AsRejection(err)
	require.True(t, ok)
	require.Equal(t, auctionstore.ReasonAuctionEnded, rej.Reason)
	require.Equal(t, "Cannot bid on ended auction", rej.Message)

	got, err := s.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, auction.AuctionStatusEnded, got.Status)
}

func TestInsertBidSerialized(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()

	a := createAuction(t, s, 1000000, 1000, time.Now().Add(time.Hour))

	// Two bidders race with the same amount; exactly one wins.
	res := make(chan error, 2)
	for _, name := range []string{"kim", "lee"} {
		go func(name string) {
			_, err := s.InsertBid(ctx, a.ID, name, 1001000)
			res <- err
		}(name)
	}
	var failures int
	for i := 0; i < 2; i++ {
		if err := <-res; err != nil {
			var rej *auctionstore.Rejection
			require.True(t, errors.As(err, &rej))
			require.Equal(t, auctionstore.ReasonTooLow, rej.Reason)
			failures++
		}
	}
	require.Equal(t, 1, failures)

	got, err := s.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1001000), got.CurrentPrice)
}

func TestListBidsLimit(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()

	a := createAuction(t, s, 1000, 100, time.Now().Add(time.Hour))
	amount := int64(1000)
	for i := 0; i < 7; i++ {
		amount += 100
		_, err := s.InsertBid(ctx, a.ID, "kim", amount)
		require.NoError(t, err)
	}

	bids, err := s.ListBids(ctx, a.ID, auction.BidHistoryLimit)
	require.NoError(t, err)
	require.Len(t, bids, auction.BidHistoryLimit)
	// Newest first.
	require.Equal(t, amount, bids[0].Amount)
	for i := 1; i < len(bids); i++ {
		require.True(t, bids[i].Amount < bids[i-1].Amount)
	}
}

func TestCloseExpiredAuctions(t *testing.T) {
	t.Parallel()
	s, mb := newStore(t)
	ctx := context.Background()

	expired := createAuction(t, s, 1000, 100, time.Now().Add(time.Millisecond))
	live := createAuction(t, s, 1000, 100, time.Now().Add(time.Hour))
	time.Sleep(50 * time.Millisecond)

	closed, err := s.CloseExpiredAuctions(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Equal(t, expired.ID, closed[0].ID)
	require.Equal(t, auction.AuctionStatusEnded, closed[0].Status)
	require.Equal(t, 1, mb.TotalPublished())

	got, err := s.GetAuction(ctx, live.ID)
	require.NoError(t, err)
	require.Equal(t, auction.AuctionStatusActive, got.Status)
}
