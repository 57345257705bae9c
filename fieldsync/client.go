// Copyright 2025 RightFit Services
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Config holds tuning for the sync core.
type Config struct {
	SyncInterval   time.Duration // periodic sync cadence, e.g. 5m
	RequestTimeout time.Duration // per-request gateway timeout
	Debounce       time.Duration // connectivity debounce window
	MaxAttempts    int           // poison ceiling for outbox entries
	BackoffMin     time.Duration // automatic-cycle backoff floor
	BackoffMax     time.Duration // automatic-cycle backoff ceiling
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:   DefaultSyncInterval,
		RequestTimeout: DefaultRequestTimeout,
		Debounce:       DefaultDebounce,
		MaxAttempts:    DefaultMaxAttempts,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
	}
}

// Client bundles the sync core: store, outbox, connectivity monitor,
// gateway, the UI write path, and the reconciliation engine, all wired
// together. Platform bindings feed reachability events into Monitor and
// call Engine.Start once the app is foregrounded.
type Client struct {
	Store   *Store
	Queue   *Outbox
	Monitor *Monitor
	Gateway *Gateway
	Data    *DataService
	Engine  *Engine
}

// NewClient initializes the local schema on db and wires the components.
// The caller retains ownership of db. prober may be nil when the platform
// only delivers push-style reachability events.
func NewClient(db *sql.DB, baseURL string, tokens TokenSource, prober Prober, config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := NewStore(db, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	queue := NewOutbox(store, config.MaxAttempts, logger)
	monitor := NewMonitor(prober, config.Debounce, logger)
	gateway := NewGateway(baseURL, tokens, config.RequestTimeout, logger)
	data := NewDataService(store, queue, gateway, monitor, logger)
	engine := NewEngine(store, queue, gateway, monitor, config, logger)

	return &Client{
		Store:   store,
		Queue:   queue,
		Monitor: monitor,
		Gateway: gateway,
		Data:    data,
		Engine:  engine,
	}, nil
}

// Close tears down the engine and monitor. The database is left to the
// caller.
func (c *Client) Close() {
	c.Engine.Close()
	c.Monitor.Close()
}
