// Package tests has helpers for integration tests that need real backends.
package tests

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/joho/godotenv"
)

// PostgresURL returns a URL to a fresh database on the server pointed at by
// the PG_URL envvar (also read from a .env file if present). It returns an
// empty string when no server is configured; callers should skip then.
func PostgresURL() (string, error) {
	_ = godotenv.Load()
	pgURL := os.Getenv("PG_URL")
	if pgURL == "" {
		return "", nil
	}
	cfg, err := pgx.ParseConfig(pgURL)
	if err != nil {
		return "", err
	}
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	ctx := context.Background()
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close(ctx) }()

	var dbName string
	for i := 0; ; i++ {
		dbName = fmt.Sprintf("db%d", r.Uint64())
		_, err = conn.Exec(ctx, "CREATE DATABASE "+dbName+";")
		if err == nil {
			break
		}
		if i > 10 {
			return "", err
		}
	}
	u, err := url.Parse(pgURL)
	if err != nil {
		return "", err
	}
	u.Path = dbName
	q := u.Query()
	q.Set("timezone", "UTC")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
