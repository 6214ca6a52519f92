// Package watcher polls the external payment processor for confirmation
// events.
//
// The processor exposes a cursor-paged feed of (destination, tx, amount,
// confirmations) observations. Each entry is fed to the confirmation
// tracker; because the tracker is idempotent per tx id, a crashed pass
// can safely replay from the last committed cursor. Push ingestion via
// POST /v1/payments/events works with or without this poller running.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cryptonexus/payengine/internal/money"
	"github.com/cryptonexus/payengine/internal/payment"
)

// Tracker applies confirmation events. *payment.Service satisfies it.
type Tracker interface {
	Apply(ctx context.Context, ev payment.ConfirmationEvent) (payment.ApplyResult, error)
}

// Config for the payment feed poller.
type Config struct {
	// ProcessorURL is the feed base, e.g. https://processor.internal.
	ProcessorURL string
	// APIKey is sent as a bearer token.
	APIKey       string
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
	}
}

// feedEntry is one observation in the processor's feed.
type feedEntry struct {
	Sequence      int64  `json:"sequence"`
	DestinationID string `json:"destinationId"`
	TxID          string `json:"txId"`
	AmountDelta   string `json:"amountDelta"`
	Confirmations int    `json:"confirmations"`
}

type feedPage struct {
	Events []feedEntry `json:"events"`
}

// Watcher polls the processor feed and forwards events to the tracker.
type Watcher struct {
	config  Config
	tracker Tracker
	client  *http.Client
	logger  *slog.Logger

	// cursor is the highest sequence from the last clean pass. It only
	// advances after every entry of a page was handled, so a mid-page
	// failure replays the page; the tracker absorbs the duplicates.
	cursor atomic.Int64

	stop chan struct{}
	done chan struct{}
}

// New creates a new payment feed watcher.
func New(cfg Config, tracker Tracker, logger *slog.Logger) (*Watcher, error) {
	if cfg.ProcessorURL == "" {
		return nil, fmt.Errorf("watcher: processor URL required")
	}
	if _, err := url.Parse(cfg.ProcessorURL); err != nil {
		return nil, fmt.Errorf("watcher: invalid processor URL: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Watcher{
		config:  cfg,
		tracker: tracker,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start begins polling. Non-blocking.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("payment watcher started",
		"processor", w.config.ProcessorURL,
		"interval", w.config.PollInterval)
	go w.pollLoop(ctx)
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				w.logger.Warn("payment feed poll failed", "error", err)
			}
		}
	}
}

// poll fetches one page and applies it. The cursor advances only when
// every entry was either applied or conclusively refused.
func (w *Watcher) poll(ctx context.Context) error {
	since := w.cursor.Load()
	page, err := w.fetch(ctx, since)
	if err != nil {
		return err
	}
	if len(page.Events) == 0 {
		return nil
	}

	maxSeq := since
	for _, entry := range page.Events {
		if err := w.apply(ctx, entry); err != nil {
			// Transient failure: stop here and replay from the cursor
			// next tick.
			return fmt.Errorf("apply sequence %d: %w", entry.Sequence, err)
		}
		if entry.Sequence > maxSeq {
			maxSeq = entry.Sequence
		}
	}

	w.cursor.Store(maxSeq)
	w.logger.Debug("payment feed pass complete",
		"events", len(page.Events),
		"cursor", maxSeq)
	return nil
}

func (w *Watcher) fetch(ctx context.Context, since int64) (*feedPage, error) {
	u := w.config.ProcessorURL + "/v1/payments?since=" + strconv.FormatInt(since, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if w.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("processor returned status %d", resp.StatusCode)
	}

	var page feedPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return &page, nil
}

// apply forwards one entry. Unknown destinations and rejections are
// final for that entry; only infrastructure errors propagate.
func (w *Watcher) apply(ctx context.Context, entry feedEntry) error {
	ev := payment.ConfirmationEvent{
		DestinationID: entry.DestinationID,
		TxID:          entry.TxID,
		Confirmations: entry.Confirmations,
	}
	if entry.AmountDelta != "" {
		a, err := money.Parse(entry.AmountDelta)
		if err != nil {
			w.logger.Warn("feed entry with bad amount skipped",
				"sequence", entry.Sequence,
				"tx_id", entry.TxID,
				"amount", entry.AmountDelta)
			return nil
		}
		ev.AmountDelta = a
	}

	result, err := w.tracker.Apply(ctx, ev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payment.ErrNotFound):
		// The feed can carry deposits to addresses we never allocated.
		w.logger.Debug("feed entry for unknown destination skipped",
			"sequence", entry.Sequence,
			"destination_id", entry.DestinationID)
		return nil
	case errors.Is(err, payment.ErrRejected):
		w.logger.Info("feed entry rejected",
			"sequence", entry.Sequence,
			"destination_id", entry.DestinationID,
			"result", string(result))
		return nil
	default:
		return err
	}
}
