// Package store persists the daemon's own bid journal: every submission and
// how it resolved. It is local bookkeeping only; the authoritative record
// lives in the auction store.
package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gavelhq/gavel-core/auction"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/oklog/ulid/v2"
	golog "github.com/textileio/go-log/v2"
)

const (
	invalidStatus = "invalid"

	// defaultListLimit is the default list page size.
	defaultListLimit = 10
	// maxListLimit is the max list page size.
	maxListLimit = 1000
)

var (
	log = golog.Logger("bidderd/store")

	// ErrBidNotFound indicates the requested bid was not found.
	ErrBidNotFound = errors.New("bid not found")

	// dsPrefix is the prefix for journaled bids.
	// Structure: /bids/<bid_id> -> Bid.
	dsPrefix = ds.NewKey("/bids")
)

// Bid is one journaled submission. ID is assigned locally; StoreBidID is the
// id the auction store assigned on acceptance.
type Bid struct {
	ID         auction.BidID
	AuctionID  auction.AuctionID
	BidderName string
	Amount     int64
	Status     BidStatus
	StoreBidID auction.BidID
	ErrorCause string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BidStatus is the status of a journaled Bid.
type BidStatus int

const (
	// BidStatusUnspecified indicates the initial or invalid status of a bid.
	BidStatusUnspecified BidStatus = iota
	// BidStatusSubmitted indicates the bid was submitted and awaits an outcome.
	BidStatusSubmitted
	// BidStatusAccepted indicates the store accepted the bid.
	BidStatusAccepted
	// BidStatusRejected indicates the store rejected the bid; ErrorCause
	// carries the cause.
	BidStatusRejected
	// BidStatusReconciled indicates the accepted bid was also observed on
	// the event stream.
	BidStatusReconciled
)

// String returns a string-encoded status.
func (s BidStatus) String() string {
	switch s {
	case BidStatusUnspecified:
		return "unspecified"
	case BidStatusSubmitted:
		return "submitted"
	case BidStatusAccepted:
		return "accepted"
	case BidStatusRejected:
		return "rejected"
	case BidStatusReconciled:
		return "reconciled"
	default:
		return invalidStatus
	}
}

// BidStatusByString converts a string-encoded status to a BidStatus.
func BidStatusByString(s string) (BidStatus, error) {
	switch s {
	case "submitted":
		return BidStatusSubmitted, nil
	case "accepted":
		return BidStatusAccepted, nil
	case "rejected":
		return BidStatusRejected, nil
	case "reconciled":
		return BidStatusReconciled, nil
	default:
		return BidStatusUnspecified, fmt.Errorf("unknown bid status: %s", s)
	}
}

// Store persists the bid journal.
type Store struct {
	store   ds.TxnDatastore
	entropy *ulid.MonotonicEntropy
	lk      sync.Mutex
}

// NewStore returns a new Store.
func NewStore(store ds.TxnDatastore) *Store {
	return &Store{store: store}
}

// SaveBid journals a new submission in status submitted, assigning it a
// monotonically increasing id. Journal keys sort by creation time.
func (s *Store) SaveBid(ctx context.Context, bid Bid) (auction.BidID, error) {
	if err := validate(bid); err != nil {
		return "", fmt.Errorf("invalid bid data: %s", err)
	}
	id, err := s.newID(time.Now())
	if err != nil {
		return "", fmt.Errorf("creating bid id: %v", err)
	}
	bid.ID = id
	bid.Status = BidStatusSubmitted
	bid.CreatedAt = time.Now().UTC()
	bid.UpdatedAt = bid.CreatedAt

	val, err := encode(bid)
	if err != nil {
		return "", fmt.Errorf("encoding bid: %v", err)
	}
	if err := s.store.Put(ctx, dsPrefix.ChildString(string(id)), val); err != nil {
		return "", fmt.Errorf("putting bid: %v", err)
	}
	log.Debugf("journaled bid %s on auction %s for %d", id, bid.AuctionID, bid.Amount)
	return id, nil
}

func validate(b Bid) error {
	if b.AuctionID == "" {
		return errors.New("auction id is empty")
	}
	if b.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if b.Status != BidStatusUnspecified {
		return errors.New("initial status must be unspecified")
	}
	if b.ErrorCause != "" {
		return errors.New("initial error cause must be empty")
	}
	return nil
}

// newID returns new monotonically increasing bid ids.
func (s *Store) newID(t time.Time) (auction.BidID, error) {
	s.lk.Lock() // entropy is not safe for concurrent use

	if s.entropy == nil {
		s.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t.UTC()), s.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		s.entropy = nil
		s.lk.Unlock()
		return s.newID(t)
	} else if err != nil {
		s.lk.Unlock()
		return "", fmt.Errorf("generating id: %v", err)
	}
	s.lk.Unlock()
	return auction.BidID(strings.ToLower(id.String())), nil
}

// GetBid returns a journaled bid by id.
func (s *Store) GetBid(ctx context.Context, id auction.BidID) (*Bid, error) {
	return getBid(ctx, s.store, id)
}

func getBid(ctx context.Context, reader ds.Read, id auction.BidID) (*Bid, error) {
	val, err := reader.Get(ctx, dsPrefix.ChildString(string(id)))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrBidNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting bid: %v", err)
	}
	b, err := decode(val)
	if err != nil {
		return nil, fmt.Errorf("decoding bid: %v", err)
	}
	return &b, nil
}

// Query is used to query the journal.
type Query struct {
	Order Order
	Limit int
}

func (q Query) setDefaults() Query {
	if q.Limit == -1 {
		q.Limit = maxListLimit
	} else if q.Limit <= 0 {
		q.Limit = defaultListLimit
	} else if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	return q
}

// Order specifies the order of list results.
// Default is descending by time created.
type Order int

const (
	// OrderDescending orders results descending.
	OrderDescending Order = iota
	// OrderAscending orders results ascending.
	OrderAscending
)

// ListBids lists journaled bids by applying a Query.
func (s *Store) ListBids(ctx context.Context, query Query) ([]Bid, error) {
	query = query.setDefaults()

	var order dsq.Order = dsq.OrderByKeyDescending{}
	if query.Order == OrderAscending {
		order = dsq.OrderByKey{}
	}

	results, err := s.store.Query(ctx, dsq.Query{
		Prefix: dsPrefix.String(),
		Orders: []dsq.Order{order},
		Limit:  query.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying bids: %v", err)
	}
	defer func() { _ = results.Close() }()

	var list []Bid
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		b, err := decode(res.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding value: %v", err)
		}
		list = append(list, b)
	}

	log.Debugf("listed %d bids", len(list))
	return list, nil
}

// SetAccepted moves a submitted bid to accepted, recording the id the
// auction store assigned.
func (s *Store) SetAccepted(ctx context.Context, id, storeBidID auction.BidID) error {
	return s.setStatus(ctx, id, BidStatusAccepted, func(b *Bid) error {
		if b.Status != BidStatusSubmitted {
			return fmt.Errorf("expected status submitted, got %s", b.Status)
		}
		if storeBidID == "" {
			return errors.New("store bid id is empty")
		}
		b.StoreBidID = storeBidID
		return nil
	})
}

// SetRejected moves a submitted bid to rejected with the rejection cause.
func (s *Store) SetRejected(ctx context.Context, id auction.BidID, cause string) error {
	return s.setStatus(ctx, id, BidStatusRejected, func(b *Bid) error {
		if b.Status != BidStatusSubmitted {
			return fmt.Errorf("expected status submitted, got %s", b.Status)
		}
		b.ErrorCause = cause
		return nil
	})
}

// SetReconciled moves an accepted bid to reconciled, meaning its acceptance
// was also observed on the event stream.
func (s *Store) SetReconciled(ctx context.Context, id auction.BidID) error {
	return s.setStatus(ctx, id, BidStatusReconciled, func(b *Bid) error {
		if b.Status != BidStatusAccepted {
			return fmt.Errorf("expected status accepted, got %s", b.Status)
		}
		return nil
	})
}

// SetReconciledLate corrects a rejected bid whose acceptance showed up on
// the event stream after the local wait had already given up: the bid did
// land, so the entry flips to reconciled with the store-assigned id and the
// stale error cause cleared.
func (s *Store) SetReconciledLate(ctx context.Context, id, storeBidID auction.BidID) error {
	return s.setStatus(ctx, id, BidStatusReconciled, func(b *Bid) error {
		if b.Status != BidStatusRejected {
			return fmt.Errorf("expected status rejected, got %s", b.Status)
		}
		if storeBidID == "" {
			return errors.New("store bid id is empty")
		}
		b.StoreBidID = storeBidID
		b.ErrorCause = ""
		return nil
	})
}

func (s *Store) setStatus(
	ctx context.Context,
	id auction.BidID,
	status BidStatus,
	prepare func(*Bid) error) error {
	txn, err := s.store.NewTransaction(ctx, false)
	if err != nil {
		return fmt.Errorf("creating txn: %v", err)
	}
	defer txn.Discard(ctx)

	b, err := getBid(ctx, txn, id)
	if err != nil {
		return err
	}
	if err := prepare(b); err != nil {
		return err
	}
	b.Status = status
	b.UpdatedAt = time.Now().UTC()

	val, err := encode(*b)
	if err != nil {
		return fmt.Errorf("encoding bid: %v", err)
	}
	if err := txn.Put(ctx, dsPrefix.ChildString(string(id)), val); err != nil {
		return fmt.Errorf("putting bid: %v", err)
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing txn: %v", err)
	}
	log.Debugf("bid %s is now %s", id, status)
	return nil
}

func encode(b Bid) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(v []byte) (b Bid, err error) {
	dec := gob.NewDecoder(bytes.NewReader(v))
	if err := dec.Decode(&b); err != nil {
		return b, err
	}
	return b, nil
}
