package assets

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type retryResolver struct {
	next   Resolver
	tries  int
	delay  time.Duration
	logger *slog.Logger
}

// WithRetry wraps next so that a failed resolution is retried up to tries
// more times with a constant delay between attempts. Every error is retried;
// only context cancellation stops early. The final error is a
// *DiscoveryError.
func WithRetry(next Resolver, tries int, delay time.Duration, logger *slog.Logger) Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &retryResolver{next: next, tries: max(tries, 0), delay: delay, logger: logger}
}

func (r *retryResolver) Resolve(ctx context.Context, q Query) ([]Asset, error) {
	var (
		out      []Asset
		attempts int
	)

	op := func() error {
		attempts++
		res, err := r.next.Resolve(ctx, q)
		if err != nil {
			r.logger.WarnContext(ctx, "asset discovery attempt failed",
				slog.Int("attempt", attempts),
				slog.String("collection", q.Collection),
				slog.String("error", err.Error()),
			)
			return err
		}
		out = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), uint64(r.tries)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, &DiscoveryError{Attempts: attempts, Err: err}
	}
	return out, nil
}
