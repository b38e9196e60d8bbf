// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

package embed

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
)

// ServiceOptions tunes the embedding service.
type ServiceOptions struct {
	// BatchSize is the maximum number of texts per upstream call.
	BatchSize int
	// BatchWindow is how long the collector waits for more requests
	// before dispatching a partial batch.
	BatchWindow time.Duration
	// MaxConcurrent bounds in-flight upstream calls.
	MaxConcurrent int
	// MaxRetries bounds retry attempts for a transient upstream failure.
	MaxRetries int
	// Cache is optional; nil disables memoization.
	Cache *Cache
	// Model is part of the cache key so model switches never serve
	// stale vectors.
	Model  string
	Logger *slog.Logger
}

// Service coalesces single-text embedding requests into provider batches.
// N requests arriving inside one batch window cost at most
// ceil(N/BatchSize) upstream calls. Transient upstream failures are
// retried with exponential backoff; a tripped circuit breaker fails fast
// until the provider recovers.
type Service struct {
	provider Provider
	cache    *Cache
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger

	batchSize   int
	batchWindow time.Duration
	maxRetries  uint64
	model       string

	requests chan *embedRequest
	sem      chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

type embedRequest struct {
	text string
	resp chan embedResult
}

type embedResult struct {
	vec []float32
	err error
}

// NewService starts the collector goroutine. Call Close to stop it.
func NewService(provider Provider, opts ServiceOptions) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = 20 * time.Millisecond
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		provider:    provider,
		cache:       opts.Cache,
		logger:      logger,
		batchSize:   opts.BatchSize,
		batchWindow: opts.BatchWindow,
		maxRetries:  uint64(opts.MaxRetries),
		model:       opts.Model,
		requests:    make(chan *embedRequest, opts.BatchSize*opts.MaxConcurrent),
		sem:         make(chan struct{}, opts.MaxConcurrent),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "embed-" + provider.Name(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	go s.collect()
	return s
}

// Dimensions reports the provider's vector width.
func (s *Service) Dimensions() int { return s.provider.Dimensions() }

// Close stops the collector. In-flight batches run to completion; queued
// requests fail with an unavailable error.
func (s *Service) Close() {
	close(s.stop)
	<-s.done
}

// Embed returns the vector for text, from cache when possible, otherwise
// coalesced into the next provider batch. It blocks until the batch
// resolves or ctx is done.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, mnemoserr.New(mnemoserr.CodeEmbedRequestInvalid, "cannot embed empty text")
	}

	key := cacheKey(s.provider.Name(), s.model, text)
	if s.cache != nil {
		if vec, ok := s.cache.Get(key); ok {
			return vec, nil
		}
	}

	req := &embedRequest{text: text, resp: make(chan embedResult, 1)}
	select {
	case s.requests <- req:
	case <-s.stop:
		return nil, mnemoserr.New(mnemoserr.CodeEmbedProviderUnavailable, "embedding service closed")
	case <-ctx.Done():
		return nil, mnemoserr.Wrap(ctx.Err(), mnemoserr.CodeEmbedRequestInvalid, "embedding cancelled")
	}

	select {
	case res := <-req.resp:
		if res.err != nil {
			return nil, res.err
		}
		return res.vec, nil
	case <-ctx.Done():
		// The batch keeps running; dispatch caches its result so a retry
		// is served without another upstream call.
		return nil, mnemoserr.Wrap(ctx.Err(), mnemoserr.CodeEmbedRequestInvalid, "embedding cancelled")
	}
}

// collect groups incoming requests into batches of at most batchSize,
// flushing early when the batch window elapses.
func (s *Service) collect() {
	defer close(s.done)

	for {
		var first *embedRequest
		select {
		case first = <-s.requests:
		case <-s.stop:
			s.drain()
			return
		}

		batch := []*embedRequest{first}
		timer := time.NewTimer(s.batchWindow)
	fill:
		for len(batch) < s.batchSize {
			select {
			case req := <-s.requests:
				batch = append(batch, req)
			case <-timer.C:
				break fill
			case <-s.stop:
				break fill
			}
		}
		timer.Stop()

		s.sem <- struct{}{}
		go func(batch []*embedRequest) {
			defer func() { <-s.sem }()
			s.dispatch(batch)
		}(batch)
	}
}

func (s *Service) drain() {
	for {
		select {
		case req := <-s.requests:
			req.resp <- embedResult{err: mnemoserr.New(
				mnemoserr.CodeEmbedProviderUnavailable, "embedding service closed")}
		default:
			return
		}
	}
}

// dispatch embeds one batch upstream and fans results back out. Duplicate
// texts within a batch are sent upstream once.
func (s *Service) dispatch(batch []*embedRequest) {
	texts := make([]string, 0, len(batch))
	position := make(map[string]int, len(batch))
	for _, req := range batch {
		if _, seen := position[req.text]; !seen {
			position[req.text] = len(texts)
			texts = append(texts, req.text)
		}
	}

	vecs, err := s.embedWithRetry(texts)
	if err != nil {
		for _, req := range batch {
			req.resp <- embedResult{err: err}
		}
		return
	}

	// Cache before fanning out, so the result survives callers that gave
	// up waiting.
	if s.cache != nil {
		for text, i := range position {
			s.cache.Put(cacheKey(s.provider.Name(), s.model, text), vecs[i])
		}
	}

	for _, req := range batch {
		req.resp <- embedResult{vec: vecs[position[req.text]]}
	}
}

// embedWithRetry calls the provider through the circuit breaker, retrying
// transient failures with exponential backoff. Invalid-input errors and an
// open breaker are not retried.
func (s *Service) embedWithRetry(texts []string) ([][]float32, error) {
	var vecs [][]float32

	op := func() error {
		res, err := s.breaker.Execute(func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			return s.provider.Embed(ctx, texts)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return backoff.Permanent(err)
			}
			if mnemoserr.IsValidation(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		vecs = res.([][]float32)
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries)
	if err := backoff.Retry(op, policy); err != nil {
		if mnemoserr.IsValidation(err) {
			return nil, err
		}
		s.logger.Error("embedding batch exhausted retries",
			"provider", s.provider.Name(), "texts", len(texts), "error", err)
		return nil, mnemoserr.Wrapf(err, mnemoserr.CodeEmbedProviderUnavailable,
			"embedding provider %s unavailable after %d retries", s.provider.Name(), s.maxRetries)
	}

	dims := s.provider.Dimensions()
	for _, v := range vecs {
		if len(v) != dims {
			return nil, mnemoserr.Errorf(mnemoserr.CodeIndexDimensionInvalid,
				"provider returned %d-dimension vector, expected %d", len(v), dims)
		}
	}
	return vecs, nil
}
