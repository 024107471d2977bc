package intent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinic-scheduling/internal/breaker"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
)

const (
	minRemoteConfidence = 0.8
	maxRemoteConfidence = 0.95
)

// Classifier puts a circuit breaker in front of a remote model and answers
// from the pattern tables whenever the remote cannot.
type Classifier struct {
	remote  Remote
	breaker *breaker.Breaker
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.SchedulingMetrics
	tracer  trace.Tracer
}

type ClassifierOption func(*Classifier)

func WithLogger(logger *slog.Logger) ClassifierOption {
	return func(c *Classifier) { c.logger = logger }
}

func WithMetrics(m *metrics.SchedulingMetrics) ClassifierOption {
	return func(c *Classifier) { c.metrics = m }
}

// NewClassifier builds a classifier. remote may be nil, in which case only
// the fallback is used.
func NewClassifier(remote Remote, b *breaker.Breaker, timeout time.Duration, opts ...ClassifierOption) *Classifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if b == nil {
		b = breaker.New(breaker.Options{})
	}
	c := &Classifier{
		remote:  remote,
		breaker: b,
		timeout: timeout,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/hackgods/clinic-scheduling/internal/intent"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify never returns an error and waits at most one remote timeout.
func (c *Classifier) Classify(ctx context.Context, utterance, language string) Result {
	ctx, span := c.tracer.Start(ctx, "intent.classify")
	defer span.End()

	fallback := Fallback(utterance, language)

	result, err := c.classifyRemote(ctx, utterance, language)
	if err != nil {
		c.logger.Debug("intent classifier using fallback", "error", err, "intent", fallback.Intent)
		result = fallback
	}

	span.SetAttributes(
		attribute.String("intent", string(result.Intent)),
		attribute.String("intent.source", string(result.Source)),
	)
	c.metrics.ObserveClassification(string(result.Source), string(result.Intent))
	return result
}

func (c *Classifier) classifyRemote(ctx context.Context, utterance, language string) (Result, error) {
	if c.remote == nil {
		return Result{}, fmt.Errorf("%w: no remote configured", ErrRemoteClassifier)
	}
	if !c.breaker.Allow() {
		return Result{}, ErrCircuitOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	in, confidence, err := c.remote.Classify(callCtx, utterance, language)
	if err != nil {
		if ctx.Err() != nil {
			c.breaker.Abandon()
			return Result{}, fmt.Errorf("%w: %w", ErrRemoteClassifier, ctx.Err())
		}
		c.breaker.Failure()
		st := c.breaker.State()
		c.logger.Warn("remote intent classifier failed",
			"remote", c.remote.Name(),
			"error", err,
			"failures", st.Failures,
			"circuit", st.Mode.String(),
		)
		return Result{}, fmt.Errorf("%w: %w", ErrRemoteClassifier, err)
	}

	c.breaker.Success()
	if !in.Valid() {
		in = Unknown
	}
	return Result{Intent: in, Confidence: clamp(confidence), Source: SourceRemote}, nil
}

func (c *Classifier) State() breaker.State {
	return c.breaker.State()
}

func clamp(v float64) float64 {
	return min(max(v, minRemoteConfidence), maxRemoteConfidence)
}
