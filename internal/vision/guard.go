package vision

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/custody-trace/internal/metrics"
	"github.com/sells-group/custody-trace/internal/model"
	"github.com/sells-group/custody-trace/internal/resilience"
)

// Guard wraps an Analyzer so that Assess never fails.
type Guard struct {
	inner Analyzer
}

// NewGuard wraps inner; a nil inner always falls back.
func NewGuard(inner Analyzer) *Guard {
	if inner == nil {
		inner = Unconfigured{}
	}
	return &Guard{inner: inner}
}

// Assess returns the analyzer's verdict, or Fallback(req.ProductName) if
// the analyzer errors. fellBack reports which one was returned.
func (g *Guard) Assess(ctx context.Context, req Request) (res model.VisionResult, fellBack bool) {
	res, err := g.inner.Analyze(ctx, req)
	if err == nil {
		return res, false
	}

	cause := "error"
	switch {
	case errors.Is(err, ErrUnconfigured):
		cause = "unconfigured"
	case errors.Is(err, resilience.ErrOpen):
		cause = "breaker_open"
	}
	metrics.VisionFallbackTotal.WithLabelValues(cause).Inc()
	zap.L().Warn("vision: analyzer failed, using fallback",
		zap.String("product", req.ProductName),
		zap.String("cause", cause),
		zap.Error(err),
	)
	return Fallback(req.ProductName), true
}
