package auctionstore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageClassifier(t *testing.T) {
	t.Parallel()
	var c MessageClassifier

	t.Run("too low with minimum", func(t *testing.T) {
		r := c.Classify("Bid too low - minimum is 1550000")
		assert.Equal(t, ReasonTooLow, r.Reason)
		assert.Equal(t, int64(1550000), r.Minimum)
	})

	t.Run("too low without minimum", func(t *testing.T) {
		r := c.Classify("Bid too low")
		assert.Equal(t, ReasonTooLow, r.Reason)
		assert.Equal(t, int64(0), r.Minimum)
	})

	t.Run("ended", func(t *testing.T) {
		r := c.Classify("Cannot bid on ended auction")
		assert.Equal(t, ReasonAuctionEnded, r.Reason)
	})

	t.Run("anything else is unknown", func(t *testing.T) {
		r := c.Classify("connection reset by peer")
		assert.Equal(t, ReasonUnknown, r.Reason)
		assert.Equal(t, "connection reset by peer", r.Message)
	})
}

func TestAsRejection(t *testing.T) {
	t.Parallel()

	rej := &Rejection{Reason: ReasonTooLow, Minimum: 100, Message: "Bid too low - minimum is 100"}
	wrapped := fmt.Errorf("inserting bid: %w", rej)

	got, ok := AsRejection(wrapped)
	require.True(t, ok)
	assert.Equal(t, ReasonTooLow, got.Reason)

	_, ok = AsRejection(fmt.Errorf("boom"))
	assert.False(t, ok)
}
