package vision

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/custody-trace/internal/model"
	"github.com/sells-group/custody-trace/internal/resilience"
	"github.com/sells-group/custody-trace/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(s string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: s}}}
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n0000")

func TestFallback(t *testing.T) {
	tests := []struct {
		name    string
		damaged bool
	}{
		{"Damaged Crate of Mangoes", true},
		{"BROKEN vase", true},
		{"Fresh Mangoes", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fallback(tt.name)
			assert.Equal(t, tt.damaged, got.IsDamaged)
			if tt.damaged {
				assert.Equal(t, "Damage detected (Simulation Fallback)", got.Reason)
			} else {
				assert.Equal(t, "Verified Intact (Simulation Fallback)", got.Reason)
			}
		})
	}
}

func TestParseVerdict(t *testing.T) {
	got, err := parseVerdict("```json\n{\"isDamaged\": true, \"reason\": \"torn corner\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, model.VisionResult{IsDamaged: true, Reason: "torn corner"}, got)

	got, err = parseVerdict(`Sure. {"isDamaged": false, "reason": "ok"}`)
	require.NoError(t, err)
	assert.False(t, got.IsDamaged)

	_, err = parseVerdict(`{"reason": "no verdict"}`)
	assert.Error(t, err)

	_, err = parseVerdict("not json")
	assert.Error(t, err)
}

func TestClaude_SingleImage(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 1 &&
			len(req.Messages[0].Images) == 1 &&
			req.Messages[0].Images[0].MediaType == "image/png" &&
			strings.Contains(req.Messages[0].Content, "Mangoes")
	})).Return(textResponse(`{"isDamaged": true, "reason": "mold"}`), nil)

	a := NewClaude(mc, ClaudeConfig{}, nil)
	got, err := a.Analyze(context.Background(), Request{Image: pngBytes, ProductName: "Mangoes"})
	require.NoError(t, err)
	assert.True(t, got.IsDamaged)
	assert.Equal(t, "mold", got.Reason)
	mc.AssertExpectations(t)
}

func TestClaude_ComparisonMode(t *testing.T) {
	ref := []byte("\xff\xd8\xff\xe0reference")
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		imgs := req.Messages[0].Images
		return len(imgs) == 2 && string(imgs[0].Data) == string(ref) && imgs[0].MediaType == "image/jpeg" &&
			strings.Contains(req.Messages[0].Content, "ORIGINAL REFERENCE")
	})).Return(textResponse(`{"isDamaged": false, "reason": "matches"}`), nil)

	a := NewClaude(mc, ClaudeConfig{}, nil)
	got, err := a.Analyze(context.Background(), Request{Image: pngBytes, Reference: ref})
	require.NoError(t, err)
	assert.False(t, got.IsDamaged)
	mc.AssertExpectations(t)
}

func TestClaude_EmptyImage(t *testing.T) {
	a := NewClaude(new(mockClient), ClaudeConfig{}, nil)
	_, err := a.Analyze(context.Background(), Request{})
	assert.Error(t, err)
}

func TestClaude_BreakerOpens(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("503 service unavailable")).Once()

	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "vision", Threshold: 1, Cooldown: time.Hour, Trips: resilience.IsTransient})
	a := NewClaude(mc, ClaudeConfig{}, b)

	_, err := a.Analyze(context.Background(), Request{Image: pngBytes})
	require.Error(t, err)
	_, err = a.Analyze(context.Background(), Request{Image: pngBytes})
	assert.ErrorIs(t, err, resilience.ErrOpen)
	mc.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestGuard_FallsBackOnError(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	g := NewGuard(NewClaude(mc, ClaudeConfig{}, nil))
	got, fellBack := g.Assess(context.Background(), Request{Image: pngBytes, ProductName: "broken lamp"})
	assert.True(t, fellBack)
	assert.True(t, got.IsDamaged)
	assert.Equal(t, "Damage detected (Simulation Fallback)", got.Reason)
}

func TestGuard_PassesVerdict(t *testing.T) {
	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`{"isDamaged": false, "reason": "clean"}`), nil)

	g := NewGuard(NewClaude(mc, ClaudeConfig{}, nil))
	got, fellBack := g.Assess(context.Background(), Request{Image: pngBytes, ProductName: "broken lamp"})
	assert.False(t, fellBack)
	assert.Equal(t, "clean", got.Reason)
}

func TestGuard_Unconfigured(t *testing.T) {
	got, fellBack := NewGuard(nil).Assess(context.Background(), Request{Image: pngBytes, ProductName: "Rice"})
	assert.True(t, fellBack)
	assert.False(t, got.IsDamaged)
}
