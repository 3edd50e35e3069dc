// Package migrations holds the auctiond schema migrations, exposed with the
// go-bindata accessors the migrate source expects.
package migrations

import "fmt"

var assets = map[string]string{
	"001_init.up.sql": `
CREATE TABLE IF NOT EXISTS auctions (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    start_price BIGINT NOT NULL,
    current_price BIGINT NOT NULL,
    min_increment BIGINT NOT NULL CHECK (min_increment > 0),
    image_url TEXT NOT NULL DEFAULT '',
    ends_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

CREATE TABLE IF NOT EXISTS bids (
    id TEXT PRIMARY KEY,
    auction_id TEXT NOT NULL REFERENCES auctions (id),
    bidder_name TEXT NOT NULL,
    amount BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

CREATE INDEX IF NOT EXISTS bids_auction_created_idx ON bids (auction_id, created_at DESC);
CREATE INDEX IF NOT EXISTS auctions_status_ends_at_idx ON auctions (status, ends_at);
`,
	"001_init.down.sql": `
DROP TABLE IF EXISTS bids;
DROP TABLE IF EXISTS auctions;
`,
}

// AssetNames returns the names of the embedded migrations.
func AssetNames() []string {
	names := make([]string, 0, len(assets))
	for name := range assets {
		names = append(names, name)
	}
	return names
}

// Asset returns an embedded migration by name.
func Asset(name string) ([]byte, error) {
	a, ok := assets[name]
	if !ok {
		return nil, fmt.Errorf("asset %s not found", name)
	}
	return []byte(a), nil
}
