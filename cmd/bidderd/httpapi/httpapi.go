// Package httpapi exposes the bidder daemon's view of watched auctions:
// the active feed, per-auction snapshots with the optimistic display price,
// bid submission, the local journal, and a websocket pushing snapshots as
// they change.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gavelhq/gavel-core/auction"
	"github.com/gavelhq/gavel-core/auctionstore"
	"github.com/gavelhq/gavel-core/cmd/bidderd/coordinator"
	bidstore "github.com/gavelhq/gavel-core/cmd/bidderd/store"
	"github.com/gorilla/websocket"
	golog "github.com/textileio/go-log/v2"
)

var (
	log = golog.Logger("bidderd/api")

	// livePushInterval refreshes websocket snapshots between change
	// notifications so countdown labels keep ticking.
	livePushInterval = time.Second
)

// Service provides scoped access to the bidderd service.
type Service interface {
	ListActiveAuctions(ctx context.Context) ([]auction.Auction, error)
	Snapshot(ctx context.Context, id auction.AuctionID) (coordinator.Snapshot, error)
	Changes(ctx context.Context, id auction.AuctionID) (<-chan struct{}, error)
	SubmitBid(ctx context.Context, id auction.AuctionID, amount int64) (auction.Bid, error)
	ListJournal(ctx context.Context, query bidstore.Query) ([]bidstore.Bid, error)
}

// NewServer returns a new http server for bidderd commands.
func NewServer(listenAddr string, service Service) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: createMux(service),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	log.Infof("http server started at %s", listenAddr)
	return httpServer, nil
}

func createMux(service Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	auctions := auctionsHandler(service)
	mux.HandleFunc("/auctions", auctions)
	mux.HandleFunc("/auctions/", auctions)
	bids := getOnly(journalHandler(service))
	mux.HandleFunc("/bids", bids)
	mux.HandleFunc("/bids/", bids)
	return mux
}

func getOnly(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			httpError(w, "only GET method is allowed", http.StatusBadRequest)
			return
		}
		f(w, r)
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// feedItem is one row of the active-auction feed.
type feedItem struct {
	auction.Auction
	CurrentPriceLabel string `json:"current_price_label"`
	CountdownLabel    string `json:"countdown_label"`
	EndingSoon        bool   `json:"ending_soon"`
}

// snapshotView is the display form of a coordinator snapshot.
type snapshotView struct {
	Auction           auction.Auction `json:"auction"`
	DisplayPrice      int64           `json:"display_price"`
	DisplayPriceLabel string          `json:"display_price_label"`
	MinimumBid        int64           `json:"minimum_bid"`
	Bids              []bidView       `json:"bids"`
	Pending           *pendingView    `json:"pending,omitempty"`
	CountdownLabel    string          `json:"countdown_label"`
	EndingSoon        bool            `json:"ending_soon"`
}

type bidView struct {
	auction.Bid
	AmountLabel string `json:"amount_label"`
	TimeLabel   string `json:"time_label"`
}

type pendingView struct {
	ID          auction.BidID `json:"id"`
	Amount      int64         `json:"amount"`
	AmountLabel string        `json:"amount_label"`
	CreatedAt   time.Time     `json:"created_at"`
}

func viewSnapshot(s coordinator.Snapshot) snapshotView {
	now := time.Now()
	v := snapshotView{
		Auction:           s.Auction,
		DisplayPrice:      s.DisplayPrice,
		DisplayPriceLabel: auction.FormatPrice(s.DisplayPrice),
		MinimumBid:        s.Auction.MinimumBid(),
		Bids:              make([]bidView, len(s.Bids)),
		CountdownLabel:    s.CountdownLabel,
		EndingSoon:        s.EndingSoon,
	}
	for i, b := range s.Bids {
		v.Bids[i] = bidView{
			Bid:         b,
			AmountLabel: auction.FormatPrice(b.Amount),
			TimeLabel:   auction.FormatRelativeTime(b.CreatedAt, now),
		}
	}
	if s.Pending != nil {
		v.Pending = &pendingView{
			ID:          s.Pending.ID,
			Amount:      s.Pending.Amount,
			AmountLabel: auction.FormatPrice(s.Pending.Amount),
			CreatedAt:   s.Pending.CreatedAt,
		}
	}
	return v
}

// auctionsHandler routes:
//
//	GET  /auctions            active feed with countdown labels
//	GET  /auctions/{id}       snapshot incl. optimistic price
//	GET  /auctions/{id}/live  websocket pushing snapshots on change
//	POST /auctions/{id}/bids  submit a bid and wait for its outcome
func auctionsHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(strings.TrimSuffix(r.URL.Path, "/"), "/", 4)
		switch {
		case len(parts) < 3 || parts[2] == "":
			getOnly(feedHandler(service))(w, r)
		case len(parts) == 3:
			getOnly(snapshotHandler(service, auction.AuctionID(parts[2])))(w, r)
		case parts[3] == "live":
			liveHandler(service, auction.AuctionID(parts[2]))(w, r)
		case parts[3] == "bids" && r.Method == http.MethodPost:
			submitBidHandler(service, auction.AuctionID(parts[2]))(w, r)
		default:
			httpError(w, "not found", http.StatusNotFound)
		}
	}
}

func feedHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := service.ListActiveAuctions(r.Context())
		if err != nil {
			httpError(w, fmt.Sprintf("listing auctions: %s", err), http.StatusInternalServerError)
			return
		}
		now := time.Now()
		feed := make([]feedItem, len(list))
		for i, a := range list {
			feed[i] = feedItem{
				Auction:           a,
				CurrentPriceLabel: auction.FormatPrice(a.CurrentPrice),
				CountdownLabel:    auction.CountdownLabel(a.EndsAt, now),
				EndingSoon:        auction.EndingSoon(a.EndsAt, now, auction.EndingSoonThreshold),
			}
		}
		writeJSON(w, http.StatusOK, feed)
	}
}

func snapshotHandler(service Service, id auction.AuctionID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := service.Snapshot(r.Context(), id)
		if errors.Is(err, auctionstore.ErrAuctionNotFound) {
			httpError(w, err.Error(), http.StatusNotFound)
			return
		} else if err != nil {
			httpError(w, fmt.Sprintf("getting snapshot: %s", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, viewSnapshot(s))
	}
}

type submitBidRequest struct {
	Amount int64 `json:"amount"`
}

type rejectionResponse struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Minimum int64  `json:"minimum,omitempty"`
}

func submitBidHandler(service Service, id auction.AuctionID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitBidRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
			return
		}
		if req.Amount <= 0 {
			httpError(w, "amount must be positive", http.StatusBadRequest)
			return
		}
		bid, err := service.SubmitBid(r.Context(), id, req.Amount)
		if rej, ok := auctionstore.AsRejection(err); ok {
			writeJSON(w, http.StatusConflict, rejectionResponse{
				Reason:  rej.Reason.String(),
				Message: rej.Message,
				Minimum: rej.Minimum,
			})
			return
		} else if errors.Is(err, auctionstore.ErrAuctionNotFound) {
			httpError(w, err.Error(), http.StatusNotFound)
			return
		} else if err != nil {
			httpError(w, fmt.Sprintf("submitting bid: %s", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, bid)
	}
}

func journalHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := bidstore.Query{}
		if q := r.URL.Query().Get("limit"); q != "" {
			l, err := strconv.Atoi(q)
			if err != nil {
				httpError(w, "invalid 'limit' query param", http.StatusBadRequest)
				return
			}
			query.Limit = l
		}
		list, err := service.ListJournal(r.Context(), query)
		if err != nil {
			httpError(w, fmt.Sprintf("listing journal: %s", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// liveHandler upgrades to a websocket and pushes the snapshot on every
// change, plus once a second so countdown labels stay fresh. The connection
// closes when the client goes away.
func liveHandler(service Service, id auction.AuctionID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		changes, err := service.Changes(r.Context(), id)
		if errors.Is(err, auctionstore.ErrAuctionNotFound) {
			httpError(w, err.Error(), http.StatusNotFound)
			return
		} else if err != nil {
			httpError(w, fmt.Sprintf("opening auction: %s", err), http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("upgrading connection: %s", err)
			return
		}
		defer func() { _ = conn.Close() }()

		// Reader goroutine notices the peer going away.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(livePushInterval)
		defer ticker.Stop()
		for {
			s, err := service.Snapshot(context.Background(), id)
			if err != nil {
				log.Errorf("getting snapshot: %s", err)
				return
			}
			if err := conn.WriteJSON(viewSnapshot(s)); err != nil {
				log.Debugf("writing snapshot: %s", err)
				return
			}
			select {
			case <-done:
				return
			case <-changes:
			case <-ticker.C:
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		httpError(w, fmt.Sprintf("json encoding: %s", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Errorf("write failed: %v", err)
	}
}

func httpError(w http.ResponseWriter, err string, status int) {
	log.Debugf("request error: %s", err)
	http.Error(w, err, status)
}
