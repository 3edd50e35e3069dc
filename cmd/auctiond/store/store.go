package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gavelhq/gavel-core/auction"
	"github.com/gavelhq/gavel-core/auctionstore"
	"github.com/gavelhq/gavel-core/cmd/auctiond/store/migrations"
	"github.com/gavelhq/gavel-core/msgbroker"
	"github.com/gavelhq/gavel-core/storeutil"
	bindata "github.com/golang-migrate/migrate/v4/source/go_bindata"
	"github.com/google/uuid"
	logger "github.com/textileio/go-log/v2"
)

var log = logger.Logger("auctiond/store")

// Store is the authoritative auction store. Bid acceptance runs inside a
// transaction that locks the auction row, so two concurrent submissions can
// never both succeed against the same pre-bid price. Events are published
// after commit while the per-auction lock is held, preserving commit order
// on the stream.
type Store struct {
	conn *sql.DB
	mb   msgbroker.MsgBroker

	lk  sync.Mutex
	lks map[auction.AuctionID]*sync.Mutex
}

var _ auctionstore.Store = (*Store)(nil)

// New returns a new Store backed by postgresURI, running any pending
// migrations.
func New(postgresURI string, mb msgbroker.MsgBroker) (*Store, error) {
	as := bindata.Resource(migrations.AssetNames(),
		func(name string) ([]byte, error) {
			return migrations.Asset(name)
		})
	conn, err := storeutil.MigrateAndConnectToDB(postgresURI, as)
	if err != nil {
		return nil, fmt.Errorf("initializing db connection: %s", err)
	}
	return &Store{
		conn: conn,
		mb:   mb,
		lks:  map[auction.AuctionID]*sync.Mutex{},
	}, nil
}

// Close the store.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) auctionLock(id auction.AuctionID) *sync.Mutex {
	s.lk.Lock()
	defer s.lk.Unlock()
	lk, ok := s.lks[id]
	if !ok {
		lk = &sync.Mutex{}
		s.lks[id] = lk
	}
	return lk
}

// CreateAuction inserts a new auction, filling defaults: a fresh id,
// current_price = start_price, the default minimum increment and duration.
func (s *Store) CreateAuction(ctx context.Context, a auction.Auction) (auction.Auction, error) {
	if a.Title == "" {
		return auction.Auction{}, errors.New("title is empty")
	}
	if a.StartPrice <= 0 {
		return auction.Auction{}, errors.New("start price must be positive")
	}
	if a.MinIncrement < 0 {
		return auction.Auction{}, errors.New("min increment can't be negative")
	}

	now := time.Now().UTC()
	a.ID = auction.AuctionID(uuid.NewString())
	a.CurrentPrice = a.StartPrice
	a.Status = auction.AuctionStatusActive
	a.CreatedAt = now
	if a.MinIncrement == 0 {
		a.MinIncrement = auction.DefaultMinIncrement
	}
	if a.EndsAt.IsZero() {
		a.EndsAt = now.Add(auction.DefaultDuration)
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO auctions
		(id, title, description, start_price, current_price, min_increment, image_url, ends_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.Title, a.Description, a.StartPrice, a.CurrentPrice, a.MinIncrement,
		a.ImageURL, a.EndsAt, a.Status.String(), a.CreatedAt)
	if err != nil {
		return auction.Auction{}, fmt.Errorf("creating auction: %s", err)
	}

	log.Debugf("created auction %s ending at %s", a.ID, a.EndsAt)
	return a, nil
}

// GetAuction returns an auction by id.
func (s *Store) GetAuction(ctx context.Context, id auction.AuctionID) (auction.Auction, error) {
	return getAuction(ctx, s.conn, id, false)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getAuction(ctx context.Context, q querier, id auction.AuctionID, forUpdate bool) (auction.Auction, error) {
	query := `
		SELECT id, title, description, start_price, current_price, min_increment,
		       image_url, ends_at, status, created_at
		FROM auctions WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	a, err := scanAuction(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auction.Auction{}, auctionstore.ErrAuctionNotFound
	} else if err != nil {
		return auction.Auction{}, fmt.Errorf("getting auction: %s", err)
	}
	return a, nil
}

func scanAuction(r rowScanner) (auction.Auction, error) {
	var a auction.Auction
	var status string
	if err := r.Scan(&a.ID, &a.Title, &a.Description, &a.StartPrice, &a.CurrentPrice,
		&a.MinIncrement, &a.ImageURL, &a.EndsAt, &status, &a.CreatedAt); err != nil {
		return auction.Auction{}, err
	}
	s, err := auction.AuctionStatusByString(status)
	if err != nil {
		return auction.Auction{}, err
	}
	a.Status = s
	return a, nil
}

// ListActiveAuctions returns all active auctions ordered by ends_at
// ascending, ending soonest first.
func (s *Store) ListActiveAuctions(ctx context.Context) ([]auction.Auction, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, title, description, start_price, current_price, min_increment,
		       image_url, ends_at, status, created_at
		FROM auctions WHERE status = 'active' ORDER BY ends_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying auctions: %s", err)
	}
	defer func() { _ = rows.Close() }()

	var list []auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning auction: %s", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating auctions: %s", err)
	}
	return list, nil
}

// ListBids returns the most recent limit bids for an auction, newest first.
func (s *Store) ListBids(ctx context.Context, id auction.AuctionID, limit int) ([]auction.Bid, error) {
	if limit <= 0 {
		limit = auction.BidHistoryLimit
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, auction_id, bidder_name, amount, created_at
		FROM bids WHERE auction_id = $1 ORDER BY created_at DESC LIMIT $2`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("querying bids: %s", err)
	}
	defer func() { _ = rows.Close() }()

	var list []auction.Bid
	for rows.Next() {
		var b auction.Bid
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderName, &b.Amount, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning bid: %s", err)
		}
		list = append(list, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bids: %s", err)
	}
	return list, nil
}

// InsertBid submits a bid. Acceptance re-checks the contract while holding
// the auction row lock, appends the bid with a server-assigned timestamp and
// atomically raises current_price. On acceptance a BidAccepted event is
// published; an auction found past its deadline is flipped to ended first
// and the bid rejected.
func (s *Store) InsertBid(
	ctx context.Context,
	id auction.AuctionID,
	bidderName string,
	amount int64) (auction.Bid, error) {
	if bidderName == "" {
		bidderName = "Anonymous"
	}
	if amount <= 0 {
		return auction.Bid{}, errors.New("amount must be positive")
	}

	lk := s.auctionLock(id)
	lk.Lock()
	defer lk.Unlock()

	var (
		bid   auction.Bid
		ended *auction.Auction
	)
	// Read committed is enough here: the FOR UPDATE row lock serializes
	// acceptance without spurious serialization failures.
	err := storeutil.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		a, err := getAuction(ctx, tx, id, true)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if a.Status == auction.AuctionStatusActive && !a.EndsAt.After(now) {
			// The deadline passed; end the auction authoritatively
			// before judging the bid.
			if _, err := tx.ExecContext(ctx,
				`UPDATE auctions SET status = 'ended' WHERE id = $1`, a.ID); err != nil {
				return fmt.Errorf("ending expired auction: %s", err)
			}
			a.Status = auction.AuctionStatusEnded
			ended = &a
		}
		if err := auction.Validate(a, amount); err != nil {
			return rejectionFor(err)
		}

		bid = auction.Bid{
			ID:         auction.BidID(uuid.NewString()),
			AuctionID:  a.ID,
			BidderName: bidderName,
			Amount:     amount,
			CreatedAt:  now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bids (id, auction_id, bidder_name, amount, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			bid.ID, bid.AuctionID, bid.BidderName, bid.Amount, bid.CreatedAt); err != nil {
			return fmt.Errorf("inserting bid: %s", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE auctions SET current_price = $2 WHERE id = $1`, a.ID, amount); err != nil {
			return fmt.Errorf("updating current price: %s", err)
		}
		return nil
	}, storeutil.TxWithIsolation(sql.LevelReadCommitted))
	// Post-commit publishes run detached from the request: a client gone
	// right after commit must not cancel the event.
	if ended != nil {
		if perr := msgbroker.PublishMsgAuctionUpdated(context.Background(), s.mb, *ended); perr != nil {
			log.Errorf("publishing auction updated: %s", perr)
		}
	}
	if err != nil {
		return auction.Bid{}, err
	}

	if err := msgbroker.PublishMsgBidAccepted(context.Background(), s.mb, bid); err != nil {
		log.Errorf("publishing bid accepted: %s", err)
	}
	log.Debugf("accepted bid %s on auction %s for %d", bid.ID, id, amount)
	return bid, nil
}

func rejectionFor(err error) *auctionstore.Rejection {
	var tooLow *auction.ErrBidTooLow
	if errors.As(err, &tooLow) {
		return &auctionstore.Rejection{
			Reason:  auctionstore.ReasonTooLow,
			Minimum: tooLow.Minimum,
			Message: tooLow.Error(),
		}
	}
	var endedErr *auction.ErrAuctionEnded
	if errors.As(err, &endedErr) {
		return &auctionstore.Rejection{
			Reason:  auctionstore.ReasonAuctionEnded,
			Message: endedErr.Error(),
		}
	}
	return &auctionstore.Rejection{Reason: auctionstore.ReasonUnknown, Message: err.Error()}
}

// CloseExpiredAuctions flips active auctions past their deadline to ended
// and publishes the updated records. It returns the auctions it ended.
func (s *Store) CloseExpiredAuctions(ctx context.Context) ([]auction.Auction, error) {
	rows, err := s.conn.QueryContext(ctx, `
		UPDATE auctions SET status = 'ended'
		WHERE status = 'active' AND ends_at <= CURRENT_TIMESTAMP
		RETURNING id, title, description, start_price, current_price, min_increment,
		          image_url, ends_at, status, created_at`)
	if err != nil {
		return nil, fmt.Errorf("closing expired auctions: %s", err)
	}
	defer func() { _ = rows.Close() }()

	var list []auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning auction: %s", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating auctions: %s", err)
	}

	for _, a := range list {
		lk := s.auctionLock(a.ID)
		lk.Lock()
		if err := msgbroker.PublishMsgAuctionUpdated(ctx, s.mb, a); err != nil {
			log.Errorf("publishing auction updated: %s", err)
		}
		lk.Unlock()
		log.Infof("auction %s ended at price %d", a.ID, a.CurrentPrice)
	}
	return list, nil
}
