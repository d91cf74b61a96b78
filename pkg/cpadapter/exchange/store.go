package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/lockmap"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/observability"
)

// Store is a two-sided rendezvous between requests of type R and
// outcomes of type O.
type Store[R, O any] struct {
	name    string
	backend Backend
	locks   *lockmap.LockMap
	logger  *slog.Logger
	metrics observability.MetricsRecorder
}

// Option configures a Store.
type Option func(*options)

type options struct {
	name    string
	logger  *slog.Logger
	metrics observability.MetricsRecorder
}

// WithName labels the store in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// New creates a Store over backend.
func New[R, O any](backend Backend, opts ...Option) *Store[R, O] {
	o := options{
		name:    "exchange",
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[R, O]{
		name:    o.name,
		backend: backend,
		locks:   lockmap.New(),
		logger:  o.logger.With(slog.String("exchange", o.name)),
		metrics: o.metrics,
	}
}

// OfferRequest parks req under key unless an outcome is already waiting.
// If one is, the outcome is returned with ok set and the record removed.
// Offering a second request for a pending key replaces the first.
func (s *Store[R, O]) OfferRequest(ctx context.Context, key string, req R) (out O, ok bool, err error) {
	s.locks.Lock(key)
	defer s.locks.MustUnlock(key)

	rec, found, err := s.backend.Load(ctx, key)
	if err != nil {
		return out, false, fmt.Errorf("offer request %q: %w", key, err)
	}

	if found && rec.Kind == KindOutcome {
		if err := json.Unmarshal(rec.Data, &out); err != nil {
			return out, false, fmt.Errorf("decode outcome %q: %w", key, err)
		}
		if err := s.backend.Delete(ctx, key); err != nil {
			return out, false, fmt.Errorf("offer request %q: %w", key, err)
		}
		s.record(ctx, key, KindRequest, true)
		return out, true, nil
	}

	if found {
		s.logger.Warn("replacing pending request", slog.String("key", key))
	}
	if err := s.save(ctx, key, KindRequest, req); err != nil {
		return out, false, err
	}
	s.record(ctx, key, KindRequest, false)
	return out, false, nil
}

// OfferOutcome delivers out for key. If a request is parked it is returned
// with ok set and the record removed; otherwise out is kept until the
// request arrives.
func (s *Store[R, O]) OfferOutcome(ctx context.Context, key string, out O) (req R, ok bool, err error) {
	s.locks.Lock(key)
	defer s.locks.MustUnlock(key)

	rec, found, err := s.backend.Load(ctx, key)
	if err != nil {
		return req, false, fmt.Errorf("offer outcome %q: %w", key, err)
	}

	if found && rec.Kind == KindRequest {
		if err := json.Unmarshal(rec.Data, &req); err != nil {
			return req, false, fmt.Errorf("decode request %q: %w", key, err)
		}
		if err := s.backend.Delete(ctx, key); err != nil {
			return req, false, fmt.Errorf("offer outcome %q: %w", key, err)
		}
		s.record(ctx, key, KindOutcome, true)
		return req, true, nil
	}

	if found {
		s.logger.Warn("replacing unclaimed outcome", slog.String("key", key))
	}
	if err := s.save(ctx, key, KindOutcome, out); err != nil {
		return req, false, err
	}
	s.record(ctx, key, KindOutcome, false)
	return req, false, nil
}

// Evict drops whatever is stored under key.
func (s *Store[R, O]) Evict(ctx context.Context, key string) error {
	s.locks.Lock(key)
	defer s.locks.MustUnlock(key)
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("evict %q: %w", key, err)
	}
	return nil
}

func (s *Store[R, O]) save(ctx context.Context, key string, kind Kind, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %q: %w", kind, key, err)
	}
	if err := s.backend.Save(ctx, key, Record{Kind: kind, Data: data}); err != nil {
		return fmt.Errorf("offer %s %q: %w", kind, key, err)
	}
	return nil
}

func (s *Store[R, O]) record(ctx context.Context, key string, side Kind, matched bool) {
	observability.LogRendezvous(s.logger, key, string(side), matched)
	s.metrics.RecordRendezvous(ctx, string(side), matched)
}
