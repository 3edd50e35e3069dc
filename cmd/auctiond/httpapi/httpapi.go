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
	golog "github.com/textileio/go-log/v2"
)

var (
	log = golog.Logger("auctiond/api")
)

// Service provides scoped access to the auctiond service.
type Service interface {
	CreateAuction(ctx context.Context, a auction.Auction) (auction.Auction, error)
	GetAuction(ctx context.Context, id auction.AuctionID) (auction.Auction, error)
	ListActiveAuctions(ctx context.Context) ([]auction.Auction, error)
	ListBids(ctx context.Context, id auction.AuctionID, limit int) ([]auction.Bid, error)
	InsertBid(ctx context.Context, id auction.AuctionID, bidderName string, amount int64) (auction.Bid, error)
}

// NewServer returns a new http server exposing the auction store.
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
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// auctionsHandler routes:
//
//	GET  /auctions            list active auctions
//	POST /auctions            create an auction
//	GET  /auctions/{id}       get one auction
//	GET  /auctions/{id}/bids  recent bids, newest first
//	POST /auctions/{id}/bids  submit a bid
func auctionsHandler(service Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(strings.TrimSuffix(r.URL.Path, "/"), "/", 4)
		switch {
		case len(parts) < 3 || parts[2] == "":
			switch r.Method {
			case http.MethodGet:
				listAuctions(w, r, service)
			case http.MethodPost:
				createAuction(w, r, service)
			default:
				httpError(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		case len(parts) == 3:
			if r.Method != http.MethodGet {
				httpError(w, "only GET method is allowed", http.StatusMethodNotAllowed)
				return
			}
			getAuction(w, r, service, auction.AuctionID(parts[2]))
		case parts[3] == "bids":
			switch r.Method {
			case http.MethodGet:
				listBids(w, r, service, auction.AuctionID(parts[2]))
			case http.MethodPost:
				insertBid(w, r, service, auction.AuctionID(parts[2]))
			default:
				httpError(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		default:
			httpError(w, "not found", http.StatusNotFound)
		}
	}
}

func listAuctions(w http.ResponseWriter, r *http.Request, service Service) {
	list, err := service.ListActiveAuctions(r.Context())
	if err != nil {
		httpError(w, fmt.Sprintf("listing auctions: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createAuctionRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	StartPrice   int64  `json:"start_price"`
	MinIncrement int64  `json:"min_increment"`
	ImageURL     string `json:"image_url"`
	EndsAt       string `json:"ends_at"`
}

func createAuction(w http.ResponseWriter, r *http.Request, service Service) {
	var req createAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return
	}
	var endsAt time.Time
	if req.EndsAt != "" {
		var err error
		endsAt, err = time.Parse(time.RFC3339, req.EndsAt)
		if err != nil {
			httpError(w, fmt.Sprintf("parsing ends_at: %s", err), http.StatusBadRequest)
			return
		}
	}
	a, err := service.CreateAuction(r.Context(), auction.Auction{
		Title:        req.Title,
		Description:  req.Description,
		StartPrice:   req.StartPrice,
		MinIncrement: req.MinIncrement,
		ImageURL:     req.ImageURL,
		EndsAt:       endsAt,
	})
	if err != nil {
		httpError(w, fmt.Sprintf("creating auction: %s", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func getAuction(w http.ResponseWriter, r *http.Request, service Service, id auction.AuctionID) {
	a, err := service.GetAuction(r.Context(), id)
	if errors.Is(err, auctionstore.ErrAuctionNotFound) {
		httpError(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		httpError(w, fmt.Sprintf("getting auction: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func listBids(w http.ResponseWriter, r *http.Request, service Service, id auction.AuctionID) {
	limit := auction.BidHistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		l, err := strconv.Atoi(q)
		if err != nil || l <= 0 {
			httpError(w, "invalid 'limit' query param", http.StatusBadRequest)
			return
		}
		limit = l
	}
	bids, err := service.ListBids(r.Context(), id, limit)
	if err != nil {
		httpError(w, fmt.Sprintf("listing bids: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

type insertBidRequest struct {
	BidderName string `json:"bidder_name"`
	Amount     int64  `json:"amount"`
}

func insertBid(w http.ResponseWriter, r *http.Request, service Service, id auction.AuctionID) {
	var req insertBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return
	}
	bid, err := service.InsertBid(r.Context(), id, req.BidderName, req.Amount)
	if rej, ok := auctionstore.AsRejection(err); ok {
		// The body carries the human-readable cause verbatim; clients
		// classify the reason from it.
		httpError(w, rej.Message, http.StatusConflict)
		return
	} else if errors.Is(err, auctionstore.ErrAuctionNotFound) {
		httpError(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		httpError(w, fmt.Sprintf("inserting bid: %s", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
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
