// Package coordinator owns the client-side state of a single watched
// auction. A bid submission is optimistic: the submitted amount becomes the
// displayed price immediately, before the store answers, and is rolled back
// to the last authoritative state if the store rejects it. Authoritative
// events from the store reconcile the local view and resolve any pending
// projection.
package coordinator

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gavelhq/gavel-core/auction"
	"github.com/gavelhq/gavel-core/auctionstore"
	"github.com/gavelhq/gavel-core/msgbroker"
	"github.com/oklog/ulid/v2"
	golog "github.com/textileio/go-log/v2"
)

var log = golog.Logger("bidderd/coordinator")

// DefaultTimeout bounds how long a submission may stay pending. A pending
// projection whose outcome hasn't arrived by then resolves to a rejection
// with ReasonUnknown and rolls back.
const DefaultTimeout = time.Second * 10

// Config defines params for Coordinator configuration.
type Config struct {
	// BidderName is attached to every submission.
	BidderName string
	// Timeout bounds a pending submission; DefaultTimeout when zero.
	Timeout time.Duration
	// HistoryLimit bounds the local bid history; auction.BidHistoryLimit
	// when zero.
	HistoryLimit int
}

// Outcome is the final resolution of a submission.
type Outcome struct {
	// Bid is the store-accepted bid; zero value unless accepted.
	Bid auction.Bid
	// Rejection is set when the submission was not accepted.
	Rejection *auctionstore.Rejection
}

// Accepted reports whether the submission was accepted by the store.
func (o Outcome) Accepted() bool {
	return o.Rejection == nil
}

// Submission is one in-flight bid. Its synthetic id is local only; the
// store assigns the real one on acceptance.
type Submission struct {
	ID        auction.BidID
	Amount    int64
	CreatedAt time.Time

	outcome    chan Outcome
	generation uint64
}

// Outcome returns the channel the final resolution is delivered on. It
// receives exactly one value.
func (s *Submission) Outcome() <-chan Outcome {
	return s.outcome
}

// Snapshot is an immutable view of the auction as it should be displayed.
type Snapshot struct {
	Auction auction.Auction
	// DisplayPrice is the shadow price while a projection is pending,
	// the authoritative current price otherwise.
	DisplayPrice int64
	// Bids is the bounded history, newest first. A pending projection is
	// not part of it; it lives in Pending.
	Bids    []auction.Bid
	Pending *Submission
	// CountdownLabel is the display form of the remaining time.
	CountdownLabel string
	EndingSoon     bool
}

// Coordinator mediates bid submissions for one auction. It implements the
// msgbroker listener interfaces; callers must register it on the auction's
// topics before bootstrapping from a fetch, so no event falls in the gap.
type Coordinator struct {
	store      auctionstore.Store
	bidderName string
	timeout    time.Duration
	limit      int

	mu         sync.Mutex
	auction    auction.Auction
	bids       []auction.Bid
	pending    *Submission
	generation uint64
	eventsSeen bool
	entropy    *ulid.MonotonicEntropy

	changed chan struct{}
	closed  chan struct{}
}

var (
	_ msgbroker.BidAcceptedListener    = (*Coordinator)(nil)
	_ msgbroker.AuctionUpdatedListener = (*Coordinator)(nil)
)

// New returns a new Coordinator submitting through store.
func New(store auctionstore.Store, conf Config) *Coordinator {
	if conf.Timeout <= 0 {
		conf.Timeout = DefaultTimeout
	}
	if conf.HistoryLimit <= 0 {
		conf.HistoryLimit = auction.BidHistoryLimit
	}
	return &Coordinator{
		store:      store,
		bidderName: conf.BidderName,
		timeout:    conf.Timeout,
		limit:      conf.HistoryLimit,
		entropy:    ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		changed:    make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
}

// Bootstrap seeds the coordinator from an initial fetch. The auction record
// is adopted only if no event arrived first, since events carry the whole
// record and are at least as fresh as the fetch. Bids are merged by id.
func (c *Coordinator) Bootstrap(a auction.Auction, bids []auction.Bid) {
	c.mu.Lock()
	if !c.eventsSeen {
		c.auction = a
	} else if c.auction.ID == "" {
		// Only bid events arrived so far; keep their price.
		price := c.auction.CurrentPrice
		c.auction = a
		if price > a.CurrentPrice {
			c.auction.CurrentPrice = price
		}
	}
	for _, b := range bids {
		c.insertBidLocked(b)
	}
	c.mu.Unlock()
	c.notify()
}

// Submit installs an optimistic projection for amount and submits the bid
// asynchronously. The returned submission carries the projection's synthetic
// id and its outcome channel. A later Submit supersedes this one for display
// purposes; its outcome is still delivered.
func (c *Coordinator) Submit(ctx context.Context, amount int64) (*Submission, error) {
	if amount <= 0 {
		return nil, errors.New("amount must be positive")
	}

	c.mu.Lock()
	now := time.Now().UTC()
	c.generation++
	sub := &Submission{
		ID:         auction.BidID(ulid.MustNew(ulid.Timestamp(now), c.entropy).String()),
		Amount:     amount,
		CreatedAt:  now,
		outcome:    make(chan Outcome, 1),
		generation: c.generation,
	}
	c.pending = sub
	auctionID := c.auction.ID
	c.mu.Unlock()
	c.notify()

	go c.submit(ctx, auctionID, sub)
	return sub, nil
}

func (c *Coordinator) submit(ctx context.Context, auctionID auction.AuctionID, sub *Submission) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type insertResult struct {
		bid auction.Bid
		err error
	}
	res := make(chan insertResult, 1)
	go func() {
		bid, err := c.store.InsertBid(ctx, auctionID, c.bidderName, sub.Amount)
		res <- insertResult{bid, err}
	}()

	select {
	case r := <-res:
		if r.err == nil {
			c.resolve(sub, Outcome{Bid: r.bid})
			return
		}
		if rej, ok := auctionstore.AsRejection(r.err); ok {
			c.resolve(sub, Outcome{Rejection: rej})
			return
		}
		log.Warnf("submission %s failed: %s", sub.ID, r.err)
		c.resolve(sub, Outcome{Rejection: &auctionstore.Rejection{
			Reason:  auctionstore.ReasonUnknown,
			Message: r.err.Error(),
		}})
	case <-ctx.Done():
		// The bounded wait expired with no answer. The bid may still
		// land server-side; if it does, the accepted event reconciles
		// the view.
		log.Warnf("submission %s timed out after %s", sub.ID, c.timeout)
		c.resolve(sub, Outcome{Rejection: &auctionstore.Rejection{
			Reason:  auctionstore.ReasonUnknown,
			Message: "bid confirmation timed out",
		}})
	case <-c.closed:
		c.resolve(sub, Outcome{Rejection: &auctionstore.Rejection{
			Reason:  auctionstore.ReasonUnknown,
			Message: "coordinator closed",
		}})
	}
}

// resolve delivers the outcome and, for rejections, rolls the projection
// back. An accepted projection keeps showing until the confirming event
// arrives, but no longer than the timeout bound; if the event never comes,
// the projection expires and the view falls back to the last authoritative
// state. A resolution for a superseded generation changes no local state.
func (c *Coordinator) resolve(sub *Submission, o Outcome) {
	c.mu.Lock()
	if c.pending != nil && c.pending.generation == sub.generation {
		if o.Accepted() {
			time.AfterFunc(c.timeout, func() { c.expireProjection(sub.generation) })
		} else {
			c.pending = nil
		}
	}
	c.mu.Unlock()
	c.notify()

	select {
	case sub.outcome <- o:
	default:
	}
}

// expireProjection clears a projection whose confirming event never arrived
// within the bound. A projection of another generation is left alone.
func (c *Coordinator) expireProjection(generation uint64) {
	c.mu.Lock()
	expired := c.pending != nil && c.pending.generation == generation
	if expired {
		c.pending = nil
	}
	c.mu.Unlock()
	if expired {
		log.Warnf("projection of generation %d expired unconfirmed", generation)
		c.notify()
	}
}

// OnBidAccepted reconciles an authoritative accepted bid: prepend to the
// bounded history, raise the price, and clear any pending projection. An
// already-seen bid id changes neither history nor price, but any arrival
// still resolves the projection: the stream moved past our submission.
func (c *Coordinator) OnBidAccepted(_ context.Context, bid auction.Bid) error {
	c.mu.Lock()
	c.eventsSeen = true
	if c.insertBidLocked(bid) && bid.Amount > c.auction.CurrentPrice {
		c.auction.CurrentPrice = bid.Amount
	}
	c.pending = nil
	c.mu.Unlock()
	c.notify()
	return nil
}

// OnAuctionUpdated replaces the auction record wholly and clears any pending
// projection. Idempotent.
func (c *Coordinator) OnAuctionUpdated(_ context.Context, a auction.Auction) error {
	c.mu.Lock()
	c.eventsSeen = true
	c.auction = a
	c.pending = nil
	c.mu.Unlock()
	c.notify()
	return nil
}

// insertBidLocked adds bid to the history keeping it newest-first and
// bounded. It reports whether the bid was new.
func (c *Coordinator) insertBidLocked(bid auction.Bid) bool {
	for _, b := range c.bids {
		if b.ID == bid.ID {
			return false
		}
	}
	c.bids = append(c.bids, bid)
	sort.SliceStable(c.bids, func(i, j int) bool {
		return c.bids[i].CreatedAt.After(c.bids[j].CreatedAt)
	})
	if len(c.bids) > c.limit {
		c.bids = c.bids[:c.limit]
	}
	return true
}

// Snapshot returns the current display state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	s := Snapshot{
		Auction:        c.auction,
		DisplayPrice:   c.auction.CurrentPrice,
		Bids:           append([]auction.Bid(nil), c.bids...),
		Pending:        c.pending,
		CountdownLabel: auction.CountdownLabel(c.auction.EndsAt, now),
		EndingSoon:     auction.EndingSoon(c.auction.EndsAt, now, auction.EndingSoonThreshold),
	}
	if c.pending != nil {
		s.DisplayPrice = c.pending.Amount
	}
	return s
}

// Changes returns a channel that coalesces change notifications; a receive
// means at least one snapshot-visible change happened since the last one.
func (c *Coordinator) Changes() <-chan struct{} {
	return c.changed
}

func (c *Coordinator) notify() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// Close resolves any in-flight submissions and releases resources.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	c.pending = nil
	c.mu.Unlock()
	return nil
}
