package auction

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	a := Auction{
		ID:           "auction1",
		StartPrice:   1500000,
		CurrentPrice: 1500000,
		MinIncrement: 50000,
		Status:       AuctionStatusActive,
	}

	t.Run("too low", func(t *testing.T) {
		err := Validate(a, 1540000)
		var tooLow *ErrBidTooLow
		require.True(t, errors.As(err, &tooLow))
		assert.Equal(t, int64(1550000), tooLow.Minimum)
	})

	t.Run("exact minimum accepted", func(t *testing.T) {
		require.NoError(t, Validate(a, 1550000))
	})

	t.Run("above minimum accepted", func(t *testing.T) {
		require.NoError(t, Validate(a, 1600000))
	})

	t.Run("ended rejects any amount", func(t *testing.T) {
		ended := a
		ended.Status = AuctionStatusEnded
		err := Validate(ended, 2000000)
		var endedErr *ErrAuctionEnded
		require.True(t, errors.As(err, &endedErr))
	})
}

func TestValidate_RejectionMessages(t *testing.T) {
	t.Parallel()

	// The rejection text is a wire contract; clients classify by substring.
	tooLow := &ErrBidTooLow{Minimum: 1550000}
	assert.Equal(t, "Bid too low - minimum is 1550000", tooLow.Error())
	assert.Equal(t, "Cannot bid on ended auction", (&ErrAuctionEnded{}).Error())
}

func TestAuctionStatus_RoundTrip(t *testing.T) {
	t.Parallel()
	for _, s := range []AuctionStatus{AuctionStatusActive, AuctionStatusEnded} {
		got, err := AuctionStatusByString(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := AuctionStatusByString("paused")
	require.Error(t, err)
}

func TestMinimumBid(t *testing.T) {
	t.Parallel()
	a := Auction{CurrentPrice: 1500000, MinIncrement: 50000}
	assert.Equal(t, int64(1550000), a.MinimumBid())
}

func TestFormatPrice(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "1,550,000원", FormatPrice(1550000))
	assert.Equal(t, "1,000원", FormatPrice(1000))
	assert.Equal(t, "0원", FormatPrice(0))
}

func TestFormatRelativeTime(t *testing.T) {
	t.Parallel()
	now := time.Now()
	assert.Equal(t, "just now", FormatRelativeTime(now.Add(-time.Second*5), now))
	assert.Equal(t, "30 seconds ago", FormatRelativeTime(now.Add(-time.Second*30), now))
	assert.Equal(t, "1 minute ago", FormatRelativeTime(now.Add(-time.Minute), now))
	assert.Equal(t, "2 minutes ago", FormatRelativeTime(now.Add(-time.Minute*2), now))
	assert.Equal(t, "5 hours ago", FormatRelativeTime(now.Add(-time.Hour*5), now))
	assert.Equal(t, "1 day ago", FormatRelativeTime(now.Add(-time.Hour*25), now))
}
