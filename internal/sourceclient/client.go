// Package sourceclient implements the source client: an
// HTTP client against the legacy KVS-backed actor service's
// partition-primary, used to learn the migratable SN range, stream
// keys in that range, and reject/resume writes around the downtime
// window. It mirrors
// storage-node/internal/client/coordinator_client.go's
// retry-with-backoff shape, but replaces that file's gRPC transport
// with net/http (no .proto contract exists for this source service)
// and, on top of a jittered exponential backoff between attempts,
// paces every outbound request with golang.org/x/time/rate, the way
// sneh-joshi-epochq/internal/transport/http paces its own outbound
// traffic.
package sourceclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/statefabric/actormigrate/internal/metrics"
	"github.com/statefabric/actormigrate/internal/migerr"
	"github.com/statefabric/actormigrate/internal/model"
)

// KeyRecord is one row streamed back by EnumerateKeys: an actor's raw
// KVS record at a given sequence number.
type KeyRecord struct {
	SeqNum    int64           `json:"sn"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Tombstone bool            `json:"tombstone"`
}

// Client talks to the source KVS-backed actor service's
// partition-primary over HTTP.
type Client struct {
	baseURI    string
	httpClient *http.Client
	retry      model.RetryPolicy
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New constructs a Client bounded by settings.OperationTimeout per
// call and settings.RetryPolicy across retries. limiterRPS paces
// outbound requests against the source so a runaway worker fan-out
// cannot overwhelm the legacy service. m may be nil, in which case
// source request counters are simply not recorded.
func New(baseURI string, settings model.MigrationSettings, limiterRPS float64, m *metrics.Metrics, logger *zap.Logger) *Client {
	if limiterRPS <= 0 {
		limiterRPS = 50
	}
	return &Client{
		baseURI: baseURI,
		httpClient: &http.Client{
			Timeout: settings.OperationTimeout,
		},
		retry:   settings.RetryPolicy,
		limiter: rate.NewLimiter(rate.Limit(limiterRPS), int(limiterRPS)),
		metrics: m,
		logger:  logger,
	}
}

// GetStartSN returns the smallest sequence number currently present in
// the source keyspace.
func (c *Client) GetStartSN(ctx context.Context) (int64, error) {
	var out struct {
		StartSN int64 `json:"startSN"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/internal/migration/start-sn", nil, &out); err != nil {
		return 0, err
	}
	return out.StartSN, nil
}

// GetEndSN returns the current high-water sequence number. During the
// Downtime phase this must only be called after RejectWrites has
// taken effect, so the returned value is stable.
func (c *Client) GetEndSN(ctx context.Context) (int64, error) {
	var out struct {
		EndSN int64 `json:"endSN"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/internal/migration/end-sn", nil, &out); err != nil {
		return 0, err
	}
	return out.EndSN, nil
}

// RejectWrites tells the source to start rejecting actor writes ahead
// of cutover.
func (c *Client) RejectWrites(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/internal/migration/reject-writes", nil, nil)
}

// ResumeWrites tells the source to resume accepting actor writes, used
// when an in-flight migration is aborted after RejectWrites already
// took effect.
func (c *Client) ResumeWrites(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/internal/migration/resume-writes", nil, nil)
}

// EnumerateKeys streams every record with startSN <= seqNum <= endSN,
// in ascending seqNum order, invoking fn once per record. Enumeration
// uses chunked-transfer NDJSON rather than the donor's unary gRPC
// responses, since a range can be arbitrarily
// large and must be resumable mid-stream. fn returning an error stops
// the stream and that error is returned unwrapped, so the worker can
// tell an apply error (non-retryable at this layer) from a transport
// error (retryable here). An fn error that migerr classifies as
// Transient is the exception: it is retried like a transport error,
// requesting the whole range again.
func (c *Client) EnumerateKeys(ctx context.Context, startSN, endSN int64, fn func(KeyRecord) error) error {
	url := fmt.Sprintf("%s/internal/migration/keys?startSN=%d&endSN=%d", c.baseURI, startSN, endSN)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts(); attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return migerr.New(migerr.KindCancelled, "rate limiter wait cancelled", err)
		}

		err := c.streamOnce(ctx, url, fn)
		if err == nil {
			c.metrics.RecordSourceRequest("enumerate_keys", "ok")
			return nil
		}
		if migerr.Classify(err) != migerr.KindTransient {
			c.metrics.RecordSourceRequest("enumerate_keys", "error")
			return err
		}
		lastErr = err
		c.metrics.RecordSourceRetry("enumerate_keys")
		c.logger.Warn("enumerate keys attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int64("start_sn", startSN),
			zap.Int64("end_sn", endSN),
			zap.Error(err))

		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return err
		}
	}
	c.metrics.RecordSourceRequest("enumerate_keys", "error")
	return migerr.Transient(fmt.Sprintf("enumerate keys exhausted %d attempts", c.maxAttempts()), lastErr)
}

func (c *Client) streamOnce(ctx context.Context, url string, fn func(KeyRecord) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return migerr.Transient("failed to build enumerate-keys request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return migerr.Transient("enumerate-keys request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec KeyRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return migerr.Corrupt("enumerate-keys stream produced malformed record", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return migerr.Transient("enumerate-keys stream interrupted", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	url := c.baseURI + path

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts(); attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return migerr.New(migerr.KindCancelled, "rate limiter wait cancelled", err)
		}

		err := c.doOnce(ctx, method, url, body, out)
		if err == nil {
			c.metrics.RecordSourceRequest(path, "ok")
			return nil
		}
		if migerr.Classify(err) != migerr.KindTransient {
			c.metrics.RecordSourceRequest(path, "error")
			return err
		}
		lastErr = err
		c.metrics.RecordSourceRetry(path)
		c.logger.Warn("source request attempt failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return err
		}
	}
	c.metrics.RecordSourceRequest(path, "error")
	return migerr.Transient(fmt.Sprintf("%s %s exhausted %d attempts", method, path, c.maxAttempts()), lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return migerr.New(migerr.KindUnknown, "failed to marshal request body", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return migerr.Transient("failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return migerr.Transient("source request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil {
		return migerr.Corrupt("source response body malformed", err)
	}
	return nil
}

// classifyStatus turns an HTTP status into the error taxonomy: 2xx is
// success, 4xx is a SourceRejected (the source actively refused the
// operation, e.g. writes already rejected or an out-of-range SN) and
// is never retried, anything else is Transient.
func classifyStatus(status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if status >= 400 && status < 500 {
		return migerr.SourceRejected(status, fmt.Sprintf("source rejected request with status %d", status))
	}
	return migerr.Transient(fmt.Sprintf("source returned status %d", status), nil)
}

func (c *Client) maxAttempts() int {
	if c.retry.MaxAttempts <= 0 {
		return 1
	}
	return c.retry.MaxAttempts
}

// sleepBackoff sleeps for an exponential backoff with jitter before
// the next attempt, mirroring coordinator_client.go's
// RegisterWithRetry pattern but with jittered exponential growth
// instead of a fixed interval.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := c.retry.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > c.retry.MaxBackoff && c.retry.MaxBackoff > 0 {
			backoff = c.retry.MaxBackoff
			break
		}
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	jitter := time.Duration(float64(backoff) * c.retry.JitterFraction * (rand.Float64()*2 - 1))
	wait := backoff + jitter
	if wait < 0 {
		wait = 0
	}

	select {
	case <-ctx.Done():
		return migerr.New(migerr.KindCancelled, "context cancelled during backoff", ctx.Err())
	case <-time.After(wait):
		return nil
	}
}
