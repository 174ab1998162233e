package anthropic

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCachedSystemBlocks(t *testing.T) {
	text := "Course glossary for Calculus I...\n\n# Page 1: Limits\n..."

	blocks := BuildCachedSystemBlocks(text)

	require.Len(t, blocks, 1)
	assert.Equal(t, text, blocks[0].Text)
	require.NotNil(t, blocks[0].CacheControl)
	assert.Equal(t, "1h", blocks[0].CacheControl.TTL)
}

func TestBuildCachedSystemBlocks_EmptyText(t *testing.T) {
	blocks := BuildCachedSystemBlocks("")

	require.Len(t, blocks, 1)
	assert.Equal(t, "", blocks[0].Text)
	require.NotNil(t, blocks[0].CacheControl)
	assert.Equal(t, "1h", blocks[0].CacheControl.TTL)
}

func TestPrimerRequest_Success(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	systemBlocks := BuildCachedSystemBlocks("Course context for file X...")

	req := MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 128,
		System:    systemBlocks,
		Messages: []Message{
			{Role: "user", Content: "Acknowledge receipt of the context."},
		},
	}

	expected := &MessageResponse{
		ID:         "msg_primer",
		Model:      "claude-sonnet-4-5-20250929",
		Content:    []ContentBlock{{Type: "text", Text: "Acknowledged."}},
		StopReason: "end_turn",
		Usage: TokenUsage{
			InputTokens:              100,
			OutputTokens:             5,
			CacheCreationInputTokens: 8000,
			CacheReadInputTokens:     0,
		},
	}

	mc.On("CreateMessage", ctx, req).Return(expected, nil)

	resp, err := PrimerRequest(ctx, mc, req)
	require.NoError(t, err)
	assert.Equal(t, "msg_primer", resp.ID)
	assert.Equal(t, int64(8000), resp.Usage.CacheCreationInputTokens)

	mc.AssertExpectations(t)
}

func TestPrimerRequest_Error(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	req := MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 128,
		System:    BuildCachedSystemBlocks("Context"),
		Messages:  []Message{{Role: "user", Content: "Ack."}},
	}

	mc.On("CreateMessage", ctx, req).Return(nil, fmt.Errorf("rate limited"))

	_, err := PrimerRequest(ctx, mc, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primer request")
	assert.Contains(t, err.Error(), "rate limited")

	mc.AssertExpectations(t)
}

func TestPrimerRequest_CacheHitOnSecondCall(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	systemBlocks := BuildCachedSystemBlocks("Large glossary (~25K tokens)...")

	req1 := MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 128,
		System:    systemBlocks,
		Messages:  []Message{{Role: "user", Content: "Page 1?"}},
	}
	mc.On("CreateMessage", ctx, req1).Return(&MessageResponse{
		ID:         "msg_1",
		Content:    []ContentBlock{{Type: "text", Text: "Answer 1"}},
		StopReason: "end_turn",
		Usage: TokenUsage{
			InputTokens:              100,
			CacheCreationInputTokens: 25000,
			CacheReadInputTokens:     0,
		},
	}, nil)

	req2 := MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 128,
		System:    systemBlocks,
		Messages:  []Message{{Role: "user", Content: "Page 2?"}},
	}
	mc.On("CreateMessage", ctx, req2).Return(&MessageResponse{
		ID:         "msg_2",
		Content:    []ContentBlock{{Type: "text", Text: "Answer 2"}},
		StopReason: "end_turn",
		Usage: TokenUsage{
			InputTokens:              100,
			CacheCreationInputTokens: 0,
			CacheReadInputTokens:     25000,
		},
	}, nil)

	resp1, err := PrimerRequest(ctx, mc, req1)
	require.NoError(t, err)
	assert.Equal(t, int64(25000), resp1.Usage.CacheCreationInputTokens)
	assert.Equal(t, int64(0), resp1.Usage.CacheReadInputTokens)

	resp2, err := mc.CreateMessage(ctx, req2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp2.Usage.CacheCreationInputTokens)
	assert.Equal(t, int64(25000), resp2.Usage.CacheReadInputTokens)

	mc.AssertExpectations(t)
}
