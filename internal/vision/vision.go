// Package vision classifies hop photographs for physical damage. The
// Claude-backed analyzer may fail; Guard turns every failure into a
// deterministic fallback verdict so a commit is never blocked by it.
package vision

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/custody-trace/internal/model"
)

// ErrUnconfigured is returned by analyzers with no upstream credentials.
var ErrUnconfigured = eris.New("vision: analyzer not configured")

// Request is one image to classify. Reference, when set, is the
// manufacturer's original photo and switches the analyzer to comparison mode.
type Request struct {
	Image       []byte
	ProductName string
	Reference   []byte
}

// Analyzer classifies an image.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (model.VisionResult, error)
}

const (
	fallbackDamaged = "Damage detected (Simulation Fallback)"
	fallbackIntact  = "Verified Intact (Simulation Fallback)"
)

// Fallback is the deterministic verdict: damaged iff the product name
// mentions damage or breakage.
func Fallback(productName string) model.VisionResult {
	name := strings.ToLower(productName)
	if strings.Contains(name, "damage") || strings.Contains(name, "broken") {
		return model.VisionResult{IsDamaged: true, Reason: fallbackDamaged}
	}
	return model.VisionResult{IsDamaged: false, Reason: fallbackIntact}
}

// Unconfigured is the Analyzer used when no API key is set.
type Unconfigured struct{}

func (Unconfigured) Analyze(context.Context, Request) (model.VisionResult, error) {
	return model.VisionResult{}, ErrUnconfigured
}
