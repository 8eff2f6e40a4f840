package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

const (
	breakerThreshold       = 5
	breakerInitialInterval = 30 * time.Second
	breakerMaxInterval     = 5 * time.Minute
)

// Breaker wraps a fetcher with one circuit breaker per index host, so a dead
// mirror fails fast instead of burning retries for every remaining package.
type Breaker struct {
	fetcher  Interface
	breakers map[string]*circuit.Breaker
	mu       sync.RWMutex
}

// NewBreaker creates a circuit breaker wrapper for a fetcher.
func NewBreaker(f Interface) *Breaker {
	return &Breaker{
		fetcher:  f,
		breakers: make(map[string]*circuit.Breaker),
	}
}

func (b *Breaker) breaker(host string) *circuit.Breaker {
	b.mu.RLock()
	breaker, exists := b.breakers[host]
	b.mu.RUnlock()

	if exists {
		return breaker
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if breaker, exists = b.breakers[host]; exists {
		return breaker
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = breakerInitialInterval
	expBackoff.MaxInterval = breakerMaxInterval
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(breakerThreshold),
	})
	b.breakers[host] = breaker

	return breaker
}

// Fetch runs the wrapped fetch through the host's breaker. A 404 does not count as a failure.
func (b *Breaker) Fetch(ctx context.Context, fetchURL string) (*Artifact, error) {
	host := hostOf(fetchURL)
	breaker := b.breaker(host)

	if !breaker.Ready() {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", host, ErrUpstreamDown)
	}

	var (
		artifact *Artifact
		notFound error
	)

	err := breaker.Call(func() error {
		var fetchErr error

		artifact, fetchErr = b.fetcher.Fetch(ctx, fetchURL)
		if errors.Is(fetchErr, ErrNotFound) {
			notFound = fetchErr

			return nil
		}

		return fetchErr
	}, 0)
	if err != nil {
		return nil, err
	}

	if notFound != nil {
		return nil, notFound
	}

	return artifact, nil
}

// Tripped reports whether the breaker of the URL's host is open.
func (b *Breaker) Tripped(rawURL string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	breaker, ok := b.breakers[hostOf(rawURL)]

	return ok && breaker.Tripped()
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}

	return parsed.Host
}
