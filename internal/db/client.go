// Package db persists job run history in SurrealDB over an auto-reconnecting connection.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/structcap/internal/metrics"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

func init() {
	// WebSocket upgrades fail when wss negotiates HTTP/2 via ALPN.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

const (
	dialTimeout      = 5 * time.Second
	maxReconnects    = 10
	reconnectBackoff = time.Second
	reconnectCeiling = 30 * time.Second
)

// Config holds SurrealDB connection configuration.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // "root" or "database"
}

// auth builds sign-in credentials for the configured auth level.
func (c Config) auth() surrealdb.Auth {
	if c.AuthLevel == "database" {
		return surrealdb.Auth{
			Namespace: c.Namespace,
			Database:  c.Database,
			Username:  c.Username,
			Password:  c.Password,
		}
	}
	return surrealdb.Auth{Username: c.Username, Password: c.Password}
}

// baseURL strips the /rpc suffix, which gorillaws appends itself.
func (c Config) baseURL() string {
	return strings.TrimSuffix(c.URL, "/rpc")
}

// Client stores job runs. The zero value is not usable; use NewClient.
type Client struct {
	conn    *rews.Connection[*gorillaws.Connection]
	db      *surrealdb.DB
	log     logger.Logger
	metrics *metrics.Collector
}

// NewClient connects, signs in and selects the namespace and database.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	sdkLog := logger.New(log.Handler())

	conn := dial(cfg, sdkLog)
	sdkLog.Info("connecting to run history", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db, err := open(ctx, conn, cfg)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	sdkLog.Info("run history connected", "namespace", cfg.Namespace, "database", cfg.Database)
	return &Client{conn: conn, db: db, log: sdkLog}, nil
}

// dial prepares a reconnecting websocket connection with exponential backoff.
func dial(cfg Config, log logger.Logger) *rews.Connection[*gorillaws.Connection] {
	codec := surrealcbor.New()
	conn := rews.New(
		func(context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     cfg.baseURL(),
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      log,
			}), nil
		},
		dialTimeout,
		codec,
		log,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = reconnectBackoff
	retryer.MaxDelay = reconnectCeiling
	retryer.Multiplier = 2.0
	retryer.MaxRetries = maxReconnects
	conn.Retryer = retryer
	return conn
}

// open wraps conn, authenticates and selects the target database.
func open(ctx context.Context, conn *rews.Connection[*gorillaws.Connection], cfg Config) (*surrealdb.DB, error) {
	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("from connection: %w", err)
	}
	if _, err := db.SignIn(ctx, cfg.auth()); err != nil {
		return nil, fmt.Errorf("signin as %s (%s): %w", cfg.Username, cfg.AuthLevel, err)
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}
	return db, nil
}

// Close closes the connection and stops reconnect attempts.
func (c *Client) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// InitSchema defines the run table. Safe to call on every start.
func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, SchemaSQL, nil); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	c.log.Debug("run history schema ready", "table", runTable)
	return nil
}

// SetMetrics enables query timing on collector.
func (c *Client) SetMetrics(collector *metrics.Collector) {
	c.metrics = collector
}

// observe records the duration of a query started at start.
func (c *Client) observe(start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	if err != nil {
		c.metrics.RecordError(metrics.OpDBQuery, time.Since(start))
		return
	}
	c.metrics.RecordTiming(metrics.OpDBQuery, time.Since(start))
}

// WipeData deletes all recorded runs but keeps the schema. Testing only.
func (c *Client) WipeData(ctx context.Context) error {
	c.log.Warn("wiping run history", "table", runTable)
	if _, err := surrealdb.Query[any](ctx, c.db, "DELETE "+runTable, nil); err != nil {
		return fmt.Errorf("delete %s: %w", runTable, err)
	}
	return nil
}
