package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gavelhq/gavel-core/auction"
	"github.com/gavelhq/gavel-core/cmd/auctiond/httpapi"
	"github.com/gavelhq/gavel-core/cmd/auctiond/store"
	"github.com/gavelhq/gavel-core/finalizer"
	"github.com/gavelhq/gavel-core/msgbroker"
	golog "github.com/textileio/go-log/v2"
)

var log = golog.Logger("auctiond/service")

// Config defines params for Service configuration.
type Config struct {
	PostgresURI    string
	HTTPListenAddr string

	// DaemonFrequency is how often expired auctions get swept to ended.
	DaemonFrequency time.Duration
}

// Service hosts the authoritative auction store behind an HTTP API and runs
// the auction closer loop.
type Service struct {
	store     *store.Store
	finalizer *finalizer.Finalizer
	daemonCtx context.Context
}

var _ httpapi.Service = (*Service)(nil)

// New returns a new Service.
func New(mb msgbroker.MsgBroker, conf Config) (*Service, error) {
	if conf.DaemonFrequency <= 0 {
		return nil, errors.New("daemon frequency must be positive")
	}
	fin := finalizer.NewFinalizer()

	s, err := store.New(conf.PostgresURI, mb)
	if err != nil {
		return nil, fin.Cleanupf("creating store: %v", err)
	}
	fin.Add(s)

	ctx, cancel := context.WithCancel(context.Background())
	fin.Add(finalizer.NewContextCloser(cancel))

	srv := &Service{
		store:     s,
		finalizer: fin,
		daemonCtx: ctx,
	}

	httpServer, err := httpapi.NewServer(conf.HTTPListenAddr, srv)
	if err != nil {
		return nil, fin.Cleanupf("creating http server: %v", err)
	}
	fin.Add(finalizer.NewCloser(func() error {
		return httpServer.Shutdown(context.Background())
	}))

	go srv.daemonCloser(conf.DaemonFrequency)

	return srv, nil
}

// daemonCloser sweeps expired auctions on a fixed cadence so their ended
// state reaches the event stream even when nobody bids.
func (s *Service) daemonCloser(frequency time.Duration) {
	ticker := time.NewTicker(frequency)
	defer ticker.Stop()
	for {
		select {
		case <-s.daemonCtx.Done():
			return
		case <-ticker.C:
			closed, err := s.store.CloseExpiredAuctions(s.daemonCtx)
			if err != nil {
				log.Errorf("closing expired auctions: %s", err)
				continue
			}
			if len(closed) > 0 {
				log.Debugf("closed %d expired auctions", len(closed))
			}
		}
	}
}

// CreateAuction creates a new auction.
func (s *Service) CreateAuction(ctx context.Context, a auction.Auction) (auction.Auction, error) {
	created, err := s.store.CreateAuction(ctx, a)
	if err != nil {
		return auction.Auction{}, fmt.Errorf("creating auction: %s", err)
	}
	return created, nil
}

// GetAuction returns an auction by id.
func (s *Service) GetAuction(ctx context.Context, id auction.AuctionID) (auction.Auction, error) {
	return s.store.GetAuction(ctx, id)
}

// ListActiveAuctions returns active auctions ending soonest first.
func (s *Service) ListActiveAuctions(ctx context.Context) ([]auction.Auction, error) {
	return s.store.ListActiveAuctions(ctx)
}

// ListBids returns the most recent bids for an auction.
func (s *Service) ListBids(ctx context.Context, id auction.AuctionID, limit int) ([]auction.Bid, error) {
	return s.store.ListBids(ctx, id, limit)
}

// InsertBid submits a bid to the store.
func (s *Service) InsertBid(
	ctx context.Context,
	id auction.AuctionID,
	bidderName string,
	amount int64) (auction.Bid, error) {
	return s.store.InsertBid(ctx, id, bidderName, amount)
}

// Close the service.
func (s *Service) Close() error {
	defer log.Info("service was shutdown")

	return s.finalizer.Cleanup(nil)
}
