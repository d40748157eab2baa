package bsync

import (
	"context"
	"fmt"
)

// FastLocalChecker upgrades cached statuses from a local-only probe, without a
// reconciliation round trip. It can only escalate severity.
type FastLocalChecker struct {
	remote  Remote
	cache   *Cache
	fetcher *Fetcher
	logger  Logger
}

func NewFastLocalChecker(remote Remote, cache *Cache, fetcher *Fetcher, logger Logger) *FastLocalChecker {
	return &FastLocalChecker{
		remote:  remote,
		cache:   cache,
		fetcher: fetcher,
		logger:  logger,
	}
}

// Check probes local changes and merges them into the cache. It returns false
// when the check was skipped: a full fetch is in flight (its result supersedes
// the probe), the backoff blocks, or there is no authoritative set yet.
// It never advances the cache's fetch time.
func (c *FastLocalChecker) Check(ctx context.Context) (bool, error) {
	if c.fetcher.InFlight() {
		c.logger.Debug("fast check skipped: full fetch in flight")
		return false, nil
	}
	if !c.fetcher.backoff.CanAttempt() {
		return false, nil
	}
	if _, ok := c.cache.Snapshots(); !ok {
		return false, nil
	}

	obs, err := c.remote.FetchLocalChangeProbe(ctx)
	if err != nil {
		return false, fmt.Errorf("probing local changes: %w", err)
	}

	if c.fetcher.InFlight() {
		return false, nil
	}
	return c.cache.mergeLocal(obs), nil
}
