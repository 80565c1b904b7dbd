// Package mutation executes writes against the data source and, once the
// server has acknowledged them, invalidates every cache group they affect.
package mutation

import (
	"context"

	"github.com/felixgeelhaar/portalsync/internal/errors"
	"github.com/felixgeelhaar/portalsync/internal/gateway"
	"github.com/felixgeelhaar/portalsync/internal/log"
	"github.com/felixgeelhaar/portalsync/internal/metrics"
)

// Doer issues one gateway request. *gateway.Gateway implements it.
type Doer interface {
	Do(ctx context.Context, req gateway.Request, out any) error
}

// Invalidator marks cache entries stale. *cache.Cache implements it.
type Invalidator interface {
	Invalidate(prefix string) int
}

// Dispatcher runs named mutations.
type Dispatcher struct {
	doer    Doer
	cache   Invalidator
	table   map[string][]string
	logger  *log.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher over the default Invalidations table.
func NewDispatcher(doer Doer, cache Invalidator, logger *log.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		doer:    doer,
		cache:   cache,
		table:   Invalidations,
		logger:  log.OrDefault(logger).Named("mutation"),
		metrics: metrics.OrDiscard(m),
	}
}

// Affects returns the prefixes invalidated by a successful mutation.
func (d *Dispatcher) Affects(name string) ([]string, bool) {
	prefixes, ok := d.table[name]
	return prefixes, ok
}

// Dispatch executes req as mutation name. An unknown name fails with a
// Validation error before any request is made. On failure nothing is
// invalidated; on success every affected prefix is invalidated before
// Dispatch returns.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, req gateway.Request, out any) error {
	prefixes, ok := d.table[name]
	if !ok {
		return errors.NewUnknownMutationError(name)
	}

	if err := d.doer.Do(ctx, req, out); err != nil {
		d.metrics.Mutations.WithLabelValues(name, "error").Inc()
		d.logger.WithContext(ctx).WithError(err).Info("mutation failed", "mutation", name)
		return err
	}

	marked := 0
	for _, prefix := range prefixes {
		marked += d.cache.Invalidate(prefix)
	}

	d.metrics.Mutations.WithLabelValues(name, "success").Inc()
	d.logger.WithContext(ctx).Debug("mutation applied", "mutation", name, "invalidated", marked)
	return nil
}
