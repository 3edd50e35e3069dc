package auctionstore

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Reason is the structured cause of a bid rejection.
type Reason int

const (
	// ReasonUnknown covers rejections the classifier cannot attribute.
	ReasonUnknown Reason = iota
	// ReasonTooLow indicates the amount was under the auction minimum.
	ReasonTooLow
	// ReasonAuctionEnded indicates the auction no longer accepts bids.
	ReasonAuctionEnded
)

// String returns a string-encoded reason.
func (r Reason) String() string {
	switch r {
	case ReasonTooLow:
		return "too-low"
	case ReasonAuctionEnded:
		return "auction-ended"
	default:
		return "unknown"
	}
}

// Rejection is a classified bid rejection. It satisfies error so store
// clients can return it directly from InsertBid.
type Rejection struct {
	Reason  Reason
	Minimum int64 // set when Reason is ReasonTooLow and the message carried it
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

// AsRejection unwraps err as a *Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// Classifier derives a structured rejection from a store error message.
// The store-side cause arrives as free text; keeping the classification
// behind this interface lets the message-matching be swapped for structured
// error codes without touching the coordinator.
type Classifier interface {
	Classify(msg string) *Rejection
}

var minimumRx = regexp.MustCompile(`minimum is (\d+)`)

// MessageClassifier classifies rejections by substring inspection of the
// store's message, matching the trigger text the store emits: "Bid too low"
// and "ended auction".
type MessageClassifier struct{}

var _ Classifier = (*MessageClassifier)(nil)

// Classify returns the structured rejection for msg.
func (MessageClassifier) Classify(msg string) *Rejection {
	r := &Rejection{Reason: ReasonUnknown, Message: msg}
	switch {
	case strings.Contains(msg, "Bid too low"):
		r.Reason = ReasonTooLow
		if m := minimumRx.FindStringSubmatch(msg); m != nil {
			if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				r.Minimum = v
			}
		}
	case strings.Contains(msg, "ended auction"):
		r.Reason = ReasonAuctionEnded
	}
	return r
}
