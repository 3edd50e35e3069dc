// Package client is an HTTP client for the auctiond API implementing
// auctionstore.Store. Bid rejections arrive as 409 bodies carrying the
// store's human-readable cause; the client classifies them back into
// structured rejections.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gavelhq/gavel-core/auction"
	"github.com/gavelhq/gavel-core/auctionstore"
)

// Client talks to an auctiond instance.
type Client struct {
	baseURL    string
	c          *http.Client
	classifier auctionstore.Classifier
}

var _ auctionstore.Store = (*Client)(nil)

// New returns a new Client for the auctiond at baseURL.
func New(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %s", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		c:          &http.Client{Timeout: time.Minute},
		classifier: auctionstore.MessageClassifier{},
	}, nil
}

// GetAuction returns an auction by id.
func (c *Client) GetAuction(ctx context.Context, id auction.AuctionID) (auction.Auction, error) {
	var a auction.Auction
	if err := c.getJSON(ctx, "/auctions/"+url.PathEscape(string(id)), &a); err != nil {
		return auction.Auction{}, err
	}
	return a, nil
}

// ListActiveAuctions returns active auctions ending soonest first.
func (c *Client) ListActiveAuctions(ctx context.Context) ([]auction.Auction, error) {
	var list []auction.Auction
	if err := c.getJSON(ctx, "/auctions", &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ListBids returns the most recent limit bids for an auction, newest first.
func (c *Client) ListBids(ctx context.Context, id auction.AuctionID, limit int) ([]auction.Bid, error) {
	path := "/auctions/" + url.PathEscape(string(id)) + "/bids"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var list []auction.Bid
	if err := c.getJSON(ctx, path, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// InsertBid submits a bid. A 409 response becomes a *Rejection classified
// from the response body.
func (c *Client) InsertBid(
	ctx context.Context,
	id auction.AuctionID,
	bidderName string,
	amount int64) (auction.Bid, error) {
	body, err := json.Marshal(struct {
		BidderName string `json:"bidder_name"`
		Amount     int64  `json:"amount"`
	}{bidderName, amount})
	if err != nil {
		return auction.Bid{}, fmt.Errorf("marshaling request: %s", err)
	}
	u := c.baseURL + "/auctions/" + url.PathEscape(string(id)) + "/bids"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return auction.Bid{}, fmt.Errorf("creating request: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.c.Do(req)
	if err != nil {
		return auction.Bid{}, fmt.Errorf("calling auctiond: %s", err)
	}
	defer func() { _ = res.Body.Close() }()

	switch res.StatusCode {
	case http.StatusCreated:
		var b auction.Bid
		if err := json.NewDecoder(res.Body).Decode(&b); err != nil {
			return auction.Bid{}, fmt.Errorf("decoding response: %s", err)
		}
		return b, nil
	case http.StatusConflict:
		msg, err := ioutil.ReadAll(res.Body)
		if err != nil {
			return auction.Bid{}, fmt.Errorf("reading rejection body: %s", err)
		}
		return auction.Bid{}, c.classifier.Classify(strings.TrimSpace(string(msg)))
	case http.StatusNotFound:
		return auction.Bid{}, auctionstore.ErrAuctionNotFound
	default:
		return auction.Bid{}, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %s", err)
	}
	res, err := c.c.Do(req)
	if err != nil {
		return fmt.Errorf("calling auctiond: %s", err)
	}
	defer func() { _ = res.Body.Close() }()

	switch res.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(res.Body).Decode(v); err != nil {
			return fmt.Errorf("decoding response: %s", err)
		}
		return nil
	case http.StatusNotFound:
		return auctionstore.ErrAuctionNotFound
	default:
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
}
