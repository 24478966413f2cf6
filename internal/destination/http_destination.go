// Package destination provides the default worker.Destination used by
// cmd/orchestrator: an HTTP client against the new replicated-collection
// store's own bulk-apply endpoint. It mirrors internal/sourceclient's
// retry/backoff shape, since applying a batch is exactly as failure-prone
// as reading one and deserves the same treatment.
//
// This is the pluggable "schema translation to the destination's actual
// collection format" seam called out as out of scope for this core: a
// deployment with a materially different RC wire format implements
// worker.Destination itself and wires that in instead of this HTTP
// adapter.
package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/migerr"
	"github.com/statefabric/actormigrate/internal/model"
	"github.com/statefabric/actormigrate/internal/sourceclient"
)

// HTTPDestination applies batches by POSTing them as a JSON array to a
// single bulk-upsert endpoint on the destination service.
type HTTPDestination struct {
	baseURI    string
	httpClient *http.Client
	retry      model.RetryPolicy
	logger     *zap.Logger
}

func New(baseURI string, retry model.RetryPolicy, timeout time.Duration, logger *zap.Logger) *HTTPDestination {
	return &HTTPDestination{
		baseURI:    baseURI,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
		logger:     logger,
	}
}

// ApplyBatch implements worker.Destination. A record with Tombstone set
// is a delete; others are upserts. The destination service is expected
// to apply the whole batch atomically or not at all, so a partial apply
// is never observed by the caller.
func (d *HTTPDestination) ApplyBatch(ctx context.Context, records []sourceclient.KeyRecord) error {
	if len(records) == 0 {
		return nil
	}

	body, err := json.Marshal(records)
	if err != nil {
		return migerr.New(migerr.KindApply, "failed to encode batch for destination", err)
	}

	maxAttempts := d.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := d.sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}

		err := d.applyOnce(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !migerr.IsRetryable(err) {
			return err
		}
		d.logger.Warn("batch apply failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("batch_size", len(records)),
			zap.Error(err))
	}
	return lastErr
}

func (d *HTTPDestination) applyOnce(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURI+"/internal/migration/apply-batch", bytes.NewReader(body))
	if err != nil {
		return migerr.New(migerr.KindApply, "failed to build apply-batch request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return migerr.Transient("apply-batch request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return migerr.New(migerr.KindApply, fmt.Sprintf("destination rejected batch with status %d", resp.StatusCode), nil)
	default:
		return migerr.Transient(fmt.Sprintf("destination returned status %d", resp.StatusCode), nil)
	}
}

func (d *HTTPDestination) sleepBackoff(ctx context.Context, attempt int) error {
	base := d.retry.InitialBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	backoff := base << uint(attempt-1)
	if d.retry.MaxBackoff > 0 && backoff > d.retry.MaxBackoff {
		backoff = d.retry.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff/2 + jitter):
		return nil
	}
}
