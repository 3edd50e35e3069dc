// Package service hosts one coordinator per watched auction and journals the
// daemon's own bids. Opening an auction subscribes to its event topics before
// the initial fetch, so no event falls in the gap between the two.
package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gavelhq/gavel-core/auction"
	"github.com/gavelhq/gavel-core/auctionstore"
	"github.com/gavelhq/gavel-core/cmd/bidderd/coordinator"
	bidstore "github.com/gavelhq/gavel-core/cmd/bidderd/store"
	"github.com/gavelhq/gavel-core/finalizer"
	"github.com/gavelhq/gavel-core/metrics"
	"github.com/gavelhq/gavel-core/msgbroker"
	ds "github.com/ipfs/go-datastore"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var log = golog.Logger("bidderd/service")

// Config defines params for Service configuration.
type Config struct {
	// BidderName is attached to every submitted bid.
	BidderName string
	// BidTimeout bounds how long a submission may stay unresolved.
	BidTimeout time.Duration
	// HistoryLimit bounds the per-auction bid history.
	HistoryLimit int

	Datastore ds.TxnDatastore
}

// Service manages watched auctions for a single bidder.
type Service struct {
	store      auctionstore.Store
	mb         msgbroker.MsgBroker
	journal    *bidstore.Store
	bidderName string
	conf       Config
	finalizer  *finalizer.Finalizer

	lk       sync.Mutex
	sessions map[auction.AuctionID]*session

	metricSubmissions   metric.Int64Counter
	metricAcceptances   metric.Int64Counter
	metricRejections    metric.Int64Counter
	metricEventsApplied metric.Int64Counter
	metricOpenViews     metric.Int64Counter
}

// session is one open auction view: a coordinator plus its topic
// registrations and the journal entries awaiting reconciliation.
type session struct {
	coordinator *coordinator.Coordinator
	closer      io.Closer

	lk sync.Mutex
	// awaiting maps store-assigned bid ids to journal ids of accepted bids
	// whose event hasn't been observed yet.
	awaiting map[auction.BidID]auction.BidID
	// timedOut queues journal ids of submissions that resolved unknown
	// locally, by amount, so a late acceptance can correct the entry.
	timedOut map[int64][]auction.BidID

	service *Service
}

// New returns a new Service.
func New(store auctionstore.Store, mb msgbroker.MsgBroker, conf Config) (*Service, error) {
	if conf.Datastore == nil {
		return nil, fmt.Errorf("datastore is nil")
	}
	fin := finalizer.NewFinalizer()

	s := &Service{
		store:      store,
		mb:         mb,
		journal:    bidstore.NewStore(conf.Datastore),
		bidderName: conf.BidderName,
		conf:       conf,
		finalizer:  fin,
		sessions:   map[auction.AuctionID]*session{},
	}
	s.initMetrics()
	return s, nil
}

// ListActiveAuctions returns the active-auction feed, ending soonest first.
func (s *Service) ListActiveAuctions(ctx context.Context) ([]auction.Auction, error) {
	return s.store.ListActiveAuctions(ctx)
}

// OpenAuction opens (or returns the existing) view session for an auction
// and returns its current snapshot. Registration happens before the initial
// fetch.
func (s *Service) OpenAuction(ctx context.Context, id auction.AuctionID) (coordinator.Snapshot, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return coordinator.Snapshot{}, err
	}
	return sess.coordinator.Snapshot(), nil
}

// CloseAuction closes the view session for an auction, unregistering its
// topic handlers.
func (s *Service) CloseAuction(id auction.AuctionID) error {
	s.lk.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.lk.Unlock()
	if !ok {
		return nil
	}
	if err := sess.closer.Close(); err != nil {
		return fmt.Errorf("unregistering handlers: %s", err)
	}
	return sess.coordinator.Close()
}

// Changes returns the change notifier of an open auction view.
func (s *Service) Changes(ctx context.Context, id auction.AuctionID) (<-chan struct{}, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.coordinator.Changes(), nil
}

func (s *Service) session(ctx context.Context, id auction.AuctionID) (*session, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}

	c := coordinator.New(s.store, coordinator.Config{
		BidderName:   s.bidderName,
		Timeout:      s.conf.BidTimeout,
		HistoryLimit: s.conf.HistoryLimit,
	})
	sess := &session{
		coordinator: c,
		awaiting:    map[auction.BidID]auction.BidID{},
		timedOut:    map[int64][]auction.BidID{},
		service:     s,
	}

	// Subscribe first so no event can slip between the fetch and the
	// registration.
	closer, err := msgbroker.RegisterHandlers(s.mb, id, sess)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("registering handlers: %s", err)
	}
	sess.closer = closer

	a, err := s.store.GetAuction(ctx, id)
	if err != nil {
		_ = closer.Close()
		_ = c.Close()
		return nil, err
	}
	bids, err := s.store.ListBids(ctx, id, auction.BidHistoryLimit)
	if err != nil {
		_ = closer.Close()
		_ = c.Close()
		return nil, fmt.Errorf("fetching bids: %s", err)
	}
	c.Bootstrap(a, bids)

	s.sessions[id] = sess
	s.metricOpenViews.Add(ctx, 1)
	log.Infof("opened auction view %s", id)
	return sess, nil
}

// Snapshot returns the current view of an open auction.
func (s *Service) Snapshot(ctx context.Context, id auction.AuctionID) (coordinator.Snapshot, error) {
	return s.OpenAuction(ctx, id)
}

// SubmitBid submits a bid on an auction and waits for its outcome. The
// submission and its resolution are journaled. A rejection is returned as a
// *Rejection error; the snapshot rollback already happened by then.
func (s *Service) SubmitBid(ctx context.Context, id auction.AuctionID, amount int64) (b auction.Bid, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, s.metricSubmissions) }()

	sess, err := s.session(ctx, id)
	if err != nil {
		return auction.Bid{}, err
	}

	journalID, err := s.journal.SaveBid(ctx, bidstore.Bid{
		AuctionID:  id,
		BidderName: s.bidderName,
		Amount:     amount,
	})
	if err != nil {
		return auction.Bid{}, fmt.Errorf("journaling bid: %s", err)
	}

	sub, err := sess.coordinator.Submit(ctx, amount)
	if err != nil {
		return auction.Bid{}, err
	}

	var o coordinator.Outcome
	select {
	case o = <-sub.Outcome():
	case <-ctx.Done():
		return auction.Bid{}, ctx.Err()
	}

	if !o.Accepted() {
		s.metricRejections.Add(ctx, 1, attribute.String("reason", o.Rejection.Reason.String()))
		if jerr := s.journal.SetRejected(ctx, journalID, o.Rejection.Message); jerr != nil {
			log.Errorf("journaling rejection: %s", jerr)
		} else if o.Rejection.Reason == auctionstore.ReasonUnknown {
			// The store may still have accepted the bid; remember the
			// entry so a late event can correct it.
			sess.lk.Lock()
			sess.timedOut[amount] = append(sess.timedOut[amount], journalID)
			sess.lk.Unlock()
		}
		return auction.Bid{}, o.Rejection
	}

	s.metricAcceptances.Add(ctx, 1)
	if jerr := s.journal.SetAccepted(ctx, journalID, o.Bid.ID); jerr != nil {
		log.Errorf("journaling acceptance: %s", jerr)
	} else {
		sess.lk.Lock()
		sess.awaiting[o.Bid.ID] = journalID
		sess.lk.Unlock()
		// The confirming event may have already been handled; reconcile
		// directly then.
		for _, hb := range sess.coordinator.Snapshot().Bids {
			if hb.ID == o.Bid.ID {
				sess.reconcile(ctx, o.Bid)
				break
			}
		}
	}
	return o.Bid, nil
}

// ListJournal lists the daemon's own journaled bids.
func (s *Service) ListJournal(ctx context.Context, query bidstore.Query) ([]bidstore.Bid, error) {
	return s.journal.ListBids(ctx, query)
}

// Close the service.
func (s *Service) Close() error {
	s.lk.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = map[auction.AuctionID]*session{}
	s.lk.Unlock()

	for _, sess := range sessions {
		if err := sess.closer.Close(); err != nil {
			log.Errorf("unregistering handlers: %s", err)
		}
		if err := sess.coordinator.Close(); err != nil {
			log.Errorf("closing coordinator: %s", err)
		}
	}

	defer log.Info("service was shutdown")
	return s.finalizer.Cleanup(nil)
}

// OnBidAccepted reconciles the coordinator and, when the bid is one of ours,
// marks its journal entry reconciled.
func (sess *session) OnBidAccepted(ctx context.Context, bid auction.Bid) error {
	if err := sess.coordinator.OnBidAccepted(ctx, bid); err != nil {
		return err
	}
	sess.service.metricEventsApplied.Add(ctx, 1, attribute.String("type", "bid-accepted"))
	sess.reconcile(ctx, bid)
	return nil
}

func (sess *session) reconcile(ctx context.Context, bid auction.Bid) {
	sess.lk.Lock()
	journalID, ok := sess.awaiting[bid.ID]
	if ok {
		delete(sess.awaiting, bid.ID)
	}
	var lateID auction.BidID
	var late bool
	if !ok && bid.BidderName == sess.service.bidderName {
		// One of ours that we had already given up on locally.
		if ids := sess.timedOut[bid.Amount]; len(ids) > 0 {
			lateID, late = ids[0], true
			sess.timedOut[bid.Amount] = ids[1:]
		}
	}
	sess.lk.Unlock()
	if ok {
		if err := sess.service.journal.SetReconciled(ctx, journalID); err != nil {
			log.Errorf("journaling reconciliation: %s", err)
		}
	}
	if late {
		if err := sess.service.journal.SetReconciledLate(ctx, lateID, bid.ID); err != nil {
			log.Errorf("correcting late acceptance: %s", err)
		} else {
			log.Warnf("bid %s was accepted after the local wait gave up", lateID)
		}
	}
}

// OnAuctionUpdated forwards to the coordinator.
func (sess *session) OnAuctionUpdated(ctx context.Context, a auction.Auction) error {
	if err := sess.coordinator.OnAuctionUpdated(ctx, a); err != nil {
		return err
	}
	sess.service.metricEventsApplied.Add(ctx, 1, attribute.String("type", "auction-updated"))
	return nil
}
