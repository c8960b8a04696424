package assets

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Store persists resolved asset lists by query key. A miss is (nil, false, nil).
type Store interface {
	Get(ctx context.Context, key string) ([]Asset, bool, error)
	Set(ctx context.Context, key string, assets []Asset) error
}

type cachedResolver struct {
	next   Resolver
	store  Store
	group  singleflight.Group
	logger *slog.Logger
}

// WithCache wraps next with cache-aside lookups keyed by Query.Key.
// Concurrent misses for the same key share one call to next, which keeps
// running when the caller that started it goes away. Store errors are logged
// and treated as misses.
func WithCache(next Resolver, store Store, logger *slog.Logger) Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &cachedResolver{next: next, store: store, logger: logger}
}

func (c *cachedResolver) Resolve(ctx context.Context, q Query) ([]Asset, error) {
	key := q.Key()

	cached, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "asset cache read failed", slog.String("error", err.Error()))
	} else if ok {
		return cached, nil
	}

	// The shared call outlives any single waiter; next is bounded by its
	// own client timeout.
	ch := c.group.DoChan(key, func() (any, error) {
		sctx := context.WithoutCancel(ctx)
		res, err := c.next.Resolve(sctx, q)
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(sctx, key, res); err != nil {
			c.logger.WarnContext(sctx, "asset cache write failed", slog.String("error", err.Error()))
		}
		return res, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]Asset), nil
	}
}
