package cache

import (
	"context"
	"fmt"
)

// Get reads key through c and asserts the value to T.
func Get[T any](ctx context.Context, c *Cache, key string, fetch func(context.Context) (T, error)) (T, Snapshot, error) {
	snap, err := c.Read(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		var zero T
		return zero, snap, err
	}

	v, ok := snap.Value.(T)
	if !ok {
		var zero T
		return zero, snap, fmt.Errorf("cache: key %q holds %T", key, snap.Value)
	}
	return v, snap, nil
}
