package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/custody-trace/internal/model"
	"github.com/sells-group/custody-trace/internal/resilience"
	"github.com/sells-group/custody-trace/pkg/anthropic"
)

const singlePrompt = `You are an automated quality assurance inspector for a supply chain.
Analyze the attached photo of a product or its packaging (%s).
Check for:
1. Physical damage: crushed, torn, wet, or broken packaging.
2. Spoilage or discoloration: rot, mold, unusual colors.

Respond with JSON only: {"isDamaged": boolean, "reason": "concise description of the specific damage or discoloration found"}`

const comparePrompt = `You are a supply chain quality assurance inspector.
Image 1 is the ORIGINAL REFERENCE photo taken at manufacture.
Image 2 is the CURRENT photo to verify.

Compare image 2 against image 1:
1. Does the product still match the reference in shape, color, and labeling?
2. Has its condition degraded through damage, spoilage, or tampering?

Respond with JSON only: {"isDamaged": boolean, "reason": "concise description of any mismatch or damage found"}`

// ClaudeConfig tunes the Claude analyzer.
type ClaudeConfig struct {
	Model     string
	MaxTokens int64
	RPS       float64
}

// Claude asks a Claude model for a damage verdict.
type Claude struct {
	client  anthropic.Client
	cfg     ClaudeConfig
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// NewClaude wraps client. breaker may be nil.
func NewClaude(client anthropic.Client, cfg ClaudeConfig, breaker *resilience.Breaker) *Claude {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Claude{client: client, cfg: cfg, limiter: rate.NewLimiter(limit, 1), breaker: breaker}
}

func (c *Claude) Analyze(ctx context.Context, req Request) (model.VisionResult, error) {
	if len(req.Image) == 0 {
		return model.VisionResult{}, eris.New("vision: empty image")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return model.VisionResult{}, eris.Wrap(err, "vision: rate limit")
	}

	call := func(ctx context.Context) (model.VisionResult, error) {
		return c.analyze(ctx, req)
	}
	if c.breaker == nil {
		return call(ctx)
	}
	return resilience.Do(ctx, c.breaker, call)
}

func (c *Claude) analyze(ctx context.Context, req Request) (model.VisionResult, error) {
	msg := anthropic.Message{Role: "user"}
	if len(req.Reference) > 0 {
		msg.Images = []anthropic.Image{imageOf(req.Reference), imageOf(req.Image)}
		msg.Content = comparePrompt
		zap.L().Debug("vision: comparison mode", zap.String("product", req.ProductName))
	} else {
		name := req.ProductName
		if name == "" {
			name = "unknown item"
		}
		msg.Images = []anthropic.Image{imageOf(req.Image)}
		msg.Content = fmt.Sprintf(singlePrompt, name)
	}

	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages:  []anthropic.Message{msg},
	})
	if err != nil {
		return model.VisionResult{}, eris.Wrap(err, "vision: classify")
	}
	resp.Usage.LogUsage(c.cfg.Model, "vision")
	return parseVerdict(resp.Text())
}

type verdict struct {
	IsDamaged *bool  `json:"isDamaged"`
	Reason    string `json:"reason"`
}

// parseVerdict reads the model's JSON answer, tolerating markdown fences.
func parseVerdict(text string) (model.VisionResult, error) {
	clean := strings.TrimSpace(text)
	clean = strings.ReplaceAll(clean, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)
	if i, j := strings.Index(clean, "{"), strings.LastIndex(clean, "}"); i >= 0 && j > i {
		clean = clean[i : j+1]
	}

	var v verdict
	if err := json.Unmarshal([]byte(clean), &v); err != nil {
		return model.VisionResult{}, eris.Wrap(err, "vision: decode verdict")
	}
	if v.IsDamaged == nil {
		return model.VisionResult{}, eris.New("vision: verdict missing isDamaged")
	}
	return model.VisionResult{IsDamaged: *v.IsDamaged, Reason: v.Reason}, nil
}

func imageOf(data []byte) anthropic.Image {
	mt := http.DetectContentType(data)
	switch mt {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
	default:
		mt = "image/jpeg"
	}
	return anthropic.Image{MediaType: mt, Data: data}
}
