package tokenizer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pbaille/classifier/internal/loop"
)

// Sweep tokenizes a batch of cached entries that have no tokens yet and
// returns how many succeeded.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	entries, err := c.store.UntokenizedEntries(ctx, c.batchSize())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.cfg.Concurrency, 1))
	for _, entry := range entries {
		g.Go(func() error {
			if err := c.Tokenize(gctx, entry); err != nil {
				c.logger.Warnf("sweep: %v", err)
				return nil
			}
			done.Add(1)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return int(done.Load()), fmt.Errorf("sweep: %w", err)
	}
	return int(done.Load()), nil
}

// RunSweeper sweeps every sweep_interval until ctx is done. A pass is cut
// after timeout times sweep_batch.
func (c *Client) RunSweeper(ctx context.Context) {
	interval := c.cfg.SweepInterval.D()
	if interval <= 0 {
		return
	}
	var options []loop.Option
	if d := c.passTimeout(); d > 0 {
		options = append(options, loop.WithTimeout(d))
	}
	loop.Every(ctx, interval, func(ctx context.Context) error {
		n, err := c.Sweep(ctx)
		if n > 0 {
			c.logger.Infof("sweep: tokenized %d entries", n)
		}
		return err
	}, func(err error) {
		c.logger.Errorf("%v", err)
	}, options...)
}

func (c *Client) passTimeout() time.Duration {
	return c.cfg.Timeout.D() * time.Duration(c.batchSize())
}

func (c *Client) batchSize() int {
	if c.cfg.SweepBatch <= 0 {
		return 100
	}
	return c.cfg.SweepBatch
}
