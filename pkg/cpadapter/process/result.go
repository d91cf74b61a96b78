package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/observability"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/result"
)

// DefaultPullTimeout bounds Pull when no timeout is given.
const DefaultPullTimeout = 20 * time.Second

// ResultService processes RESULT and lets callers wait for the final
// payload of a trace id.
type ResultService struct {
	handoff        *result.Handoff[model.ProcessData]
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
}

// NewResultService creates the RESULT handler. A non-positive
// defaultTimeout means DefaultPullTimeout.
func NewResultService(handoff *result.Handoff[model.ProcessData], defaultTimeout time.Duration, opts ...Option) *ResultService {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultPullTimeout
	}
	o := buildOptions(opts)
	return &ResultService{
		handoff:        handoff,
		defaultTimeout: defaultTimeout,
		logger:         o.logger,
		metrics:        o.metrics,
	}
}

// Process implements messaging.Listener.
func (s *ResultService) Process(_ context.Context, env *Envelope) error {
	s.publish(env.TraceID, env.Payload)
	return nil
}

// publish hands the payload to the waiting caller. A second result for the
// same trace id is a bug upstream; redelivery would not fix it, so it is
// logged and dropped.
func (s *ResultService) publish(traceID string, p model.ProcessData) {
	if err := s.handoff.Publish(traceID, p); err != nil {
		if errors.Is(err, result.ErrAlreadyPublished) {
			s.logger.Error("duplicate result dropped", slog.String("trace_id", traceID))
			return
		}
		s.logger.Error("publish result failed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("result published",
		slog.String("trace_id", traceID),
		slog.Int("error_status", p.ErrorStatus))
}

// Pull waits up to the default timeout for the result of traceID.
func (s *ResultService) Pull(ctx context.Context, traceID string) (model.ProcessData, bool, error) {
	return s.PullTimeout(ctx, traceID, s.defaultTimeout)
}

// PullTimeout waits up to timeout for the result of traceID. ok is false
// when the timeout elapsed first. A non-positive timeout checks once.
func (s *ResultService) PullTimeout(ctx context.Context, traceID string, timeout time.Duration) (model.ProcessData, bool, error) {
	start := time.Now()
	p, ok, err := s.handoff.AwaitTimeout(ctx, traceID, timeout)
	s.metrics.RecordPull(ctx, !ok, time.Since(start))
	if err != nil {
		return p, false, fmt.Errorf("pull %s: %w", traceID, err)
	}
	return p, ok, nil
}

// DefaultTimeout returns the timeout used by Pull.
func (s *ResultService) DefaultTimeout() time.Duration {
	return s.defaultTimeout
}

// ErrorResultHandler processes DLQ. The envelope becomes an internal
// server error result so that its caller stops waiting.
type ErrorResultHandler struct {
	results *ResultService
	logger  *slog.Logger
}

// NewErrorResultHandler creates the DLQ handler.
func NewErrorResultHandler(results *ResultService, opts ...Option) *ErrorResultHandler {
	o := buildOptions(opts)
	return &ErrorResultHandler{results: results, logger: o.logger}
}

// Process implements messaging.Listener.
func (h *ErrorResultHandler) Process(_ context.Context, env *Envelope) error {
	msg := MsgProcessingFailed
	if env.LastError != "" {
		msg += ": " + env.LastError
	}
	h.logger.Warn("request failed",
		slog.String("trace_id", env.TraceID),
		slog.String("error", env.LastError))

	p := env.Payload
	p.SetError(http.StatusInternalServerError, msg)
	h.results.publish(env.TraceID, p)
	return nil
}
