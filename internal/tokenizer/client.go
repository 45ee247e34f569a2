package tokenizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/labstack/gommon/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/pbaille/classifier/internal/auth"
	"github.com/pbaille/classifier/internal/config"
	"github.com/pbaille/classifier/internal/domain"
	"github.com/pbaille/classifier/internal/observe"
	"github.com/pbaille/classifier/internal/store"
)

var (
	// ErrUnavailable means the tokenizer refused or failed the request
	// in a way worth retrying.
	ErrUnavailable = errors.New("tokenizer unavailable")

	// ErrTimeout means the tokenizer did not answer in time
	ErrTimeout = errors.New("tokenizer timeout")
)

// Store is the part of the item cache the client writes to
type Store interface {
	ReplaceTokens(ctx context.Context, entryID int64, tokens domain.Tokens) error
	UntokenizedEntries(ctx context.Context, limit int) ([]domain.Entry, error)
}

// Client tokenizes cached entries through the external tokenizer service
type Client struct {
	cfg        config.Tokenizer
	store      Store
	httpClient *http.Client
	logger     *log.Logger
	tracer     trace.Tracer
	signer     *auth.Signer
	newBackOff func() backoff.BackOff

	meter metric.Meter
	sem   *semaphore.Weighted
	group singleflight.Group

	mu        sync.RWMutex
	listeners []func(ctx context.Context, entryID int64)

	// base context of asynchronous work, cancelled by Close
	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup

	requests metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient sets the HTTP client used to reach the tokenizer
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTelemetry sets the meter and tracer
func WithTelemetry(tel *observe.Telemetry) Option {
	return func(c *Client) {
		c.tracer = tel.Tracer
		c.meter = tel.Meter
	}
}

// WithBackOff sets the retry policy between attempts
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = newBackOff }
}

// New creates a tokenizer client writing to st
func New(cfg config.Tokenizer, st Store, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		store:      st,
		httpClient: &http.Client{},
		logger:     observe.Discard(),
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		sem:        semaphore.NewWeighted(int64(max(cfg.Concurrency, 1))),
		ctx:        ctx,
		cancel:     cancel,
	}
	if cfg.AccessID != "" && cfg.Secret != "" {
		c.signer = auth.NewSigner(cfg.AccessID, cfg.Secret, 0)
	}

	noop := observe.Noop()
	c.tracer = noop.Tracer
	c.meter = noop.Meter

	for _, opt := range opts {
		opt(c)
	}
	if err := c.initMetrics(); err != nil {
		c.logger.Warnf("tokenizer metrics: %v", err)
	}
	return c
}

// initMetrics creates the instruments. On error the meter hands back no-op
// instruments, so the client still works.
func (c *Client) initMetrics() error {
	var e1, e2, e3 error
	c.requests, e1 = c.meter.Int64Counter(
		"tokenizer.requests",
		metric.WithDescription("Requests sent to the tokenizer"),
		metric.WithUnit("{request}"),
	)
	c.failures, e2 = c.meter.Int64Counter(
		"tokenizer.failures",
		metric.WithDescription("Entries left untokenized after all retries"),
		metric.WithUnit("{entry}"),
	)
	c.duration, e3 = c.meter.Float64Histogram(
		"tokenizer.duration_ms",
		metric.WithDescription("Tokenization duration per entry in milliseconds"),
		metric.WithUnit("ms"),
	)
	return errors.Join(e1, e2, e3)
}

// OnTokenized registers fn to be called after the tokens of an entry are
// committed. Listeners run in the background, outside any tokenizer slot;
// Close waits for them.
func (c *Client) OnTokenized(fn func(ctx context.Context, entryID int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Tokenize sends the text of entry to the tokenizer and commits the
// returned vector. At most one tokenization per entry is in flight;
// concurrent callers share its outcome. An entry deleted in the meantime
// is not an error.
func (c *Client) Tokenize(ctx context.Context, entry domain.Entry) error {
	if entry.Text == "" {
		return nil
	}

	key := strconv.FormatInt(entry.ID, 10)
	_, err, _ := c.group.Do(key, func() (any, error) {
		committed, err := c.tokenize(ctx, entry)
		if committed {
			c.notify(entry.ID)
		}
		return nil, err
	})
	return err
}

func (c *Client) notify(entryID int64) {
	c.mu.RLock()
	listeners := c.listeners
	c.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		for _, fn := range listeners {
			fn(c.ctx, entryID)
		}
	}()
}

// tokenize holds a slot only while talking to the tokenizer and committing
func (c *Client) tokenize(ctx context.Context, entry domain.Entry) (committed bool, err error) {
	ctx, span := c.tracer.Start(ctx, "tokenizer.Tokenize",
		trace.WithAttributes(attribute.Int64("entry.id", entry.ID)),
	)
	begin := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.failures.Add(ctx, 1)
		}
		c.duration.Record(ctx, float64(time.Since(begin).Milliseconds()))
		span.End()
	}()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer c.sem.Release(1)

	tokens := domain.Tokens{}
	for _, chunk := range Chunk(entry.Text, c.cfg.ChunkSize) {
		t, err := c.requestWithRetry(ctx, entry.ID, chunk)
		if err != nil {
			return false, fmt.Errorf("tokenize entry %d: %w", entry.ID, err)
		}
		tokens.Merge(t)
	}

	err = c.store.ReplaceTokens(ctx, entry.ID, tokens)
	if errors.Is(err, store.ErrEntryNotFound) {
		c.logger.Debugf("entry %d was deleted while tokenizing", entry.ID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store tokens of entry %d: %w", entry.ID, err)
	}
	c.logger.Debugf("tokenized entry %d: %d terms", entry.ID, len(tokens))
	return true, nil
}

func (c *Client) requestWithRetry(ctx context.Context, entryID int64, chunk string) (domain.Tokens, error) {
	op := func() (domain.Tokens, error) {
		tokens, err := c.request(ctx, entryID, chunk)
		if err == nil {
			return tokens, nil
		}
		if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(max(c.cfg.MaxAttempts, 1))),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warnf("tokenizer request for entry %d failed, retrying in %s: %v", entryID, next, err)
		}),
	)
}

type tokenizeRequest struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

type tokenizeResponse struct {
	Tokens domain.Tokens `json:"tokens"`
}

func (c *Client) request(ctx context.Context, entryID int64, chunk string) (domain.Tokens, error) {
	attemptCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout.D())
		defer cancel()
	}

	jsonBody, err := json.Marshal(tokenizeRequest{ID: entryID, Content: chunk})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		if err := c.signer.Sign(req); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, ErrTimeout
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	defer resp.Body.Close()
	c.requests.Add(ctx, 1, metric.WithAttributes(attribute.Int("http.status_code", resp.StatusCode)))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w (status %d): %s", ErrUnavailable, resp.StatusCode, string(body))
	default:
		return nil, fmt.Errorf("tokenizer rejected entry %d (status %d): %s", entryID, resp.StatusCode, string(body))
	}

	var apiResp tokenizeResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if apiResp.Tokens == nil {
		apiResp.Tokens = domain.Tokens{}
	}
	return apiResp.Tokens, nil
}

// TokenizeAsync tokenizes entry in the background. Failures are logged;
// the sweeper picks the entry up again later.
func (c *Client) TokenizeAsync(entry domain.Entry) {
	if entry.Text == "" {
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		if err := c.Tokenize(c.ctx, entry); err != nil && c.ctx.Err() == nil {
			c.logger.Errorf("tokenize entry %d: %v", entry.ID, err)
		}
	}()
}

// Close waits for background tokenizations. When ctx ends first they are
// cancelled.
func (c *Client) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
